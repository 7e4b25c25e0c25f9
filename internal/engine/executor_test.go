package engine

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExecutor_TransientRetriedOnSameBatch(t *testing.T) {
	clock := newFakeClock()
	p := scenarioProvider(clock)
	p.submitErrs = []error{TransientError("submit", errors.New("502 Bad Gateway"))}
	rc := newTestRunContext(scenarioSpec(), testTuning(), clock)

	e := &Executor{Provider: p, Logger: quietLogger()}
	res, err := e.Execute(context.Background(), rc, rc.Date, pairs("6@21:00", "7@21:00"))
	require.NoError(t, err)

	assert.Equal(t, 2, res.Attempts)
	assert.Equal(t, pairs("6@21:00", "7@21:00"), res.Accepted)
	assert.Empty(t, res.Failed)
	require.Len(t, p.submits, 2)
	assert.Equal(t, p.submits[0], p.submits[1])
	assert.Equal(t, 2, rc.Metrics.Attempts)
	assert.Len(t, rc.Metrics.SubmitLatencies, 2)
}

func TestExecutor_RateLimitMessageIsTransient(t *testing.T) {
	clock := newFakeClock()
	p := scenarioProvider(clock)
	calls := 0
	p.submitFn = func([]Pair) SubmitResponse {
		calls++
		if calls == 1 {
			return SubmitResponse{OK: false, Message: "操作太快，请稍后再试"}
		}
		return SubmitResponse{OK: true}
	}
	rc := newTestRunContext(scenarioSpec(), testTuning(), clock)

	e := &Executor{Provider: p, Logger: quietLogger()}
	res, err := e.Execute(context.Background(), rc, rc.Date, pairs("6@21:00"))
	require.NoError(t, err)
	assert.Equal(t, 2, res.Attempts)
	assert.Equal(t, pairs("6@21:00"), res.Accepted)
}

func TestExecutor_TransientExhaustionMarksNetworkFailure(t *testing.T) {
	clock := newFakeClock()
	p := scenarioProvider(clock)
	tun := testTuning()
	tun.TransientRetries = 2
	tun.RefillWindowMs = 0
	for i := 0; i < 3; i++ {
		p.submitErrs = append(p.submitErrs, TransientError("submit", errors.New("timeout")))
	}
	rc := newTestRunContext(scenarioSpec(), tun, clock)

	e := &Executor{Provider: p, Logger: quietLogger()}
	res, err := e.Execute(context.Background(), rc, rc.Date, pairs("6@21:00"))
	require.NoError(t, err)
	assert.Equal(t, 3, res.Attempts)
	assert.Equal(t, pairs("6@21:00"), res.Failed)
	assert.Equal(t, FailureNetwork, ClassifyFailure(res.FailMsgs[Pair{"6", "21:00"}]))
}

func TestExecutor_BusinessFailureSplitsBatch(t *testing.T) {
	clock := newFakeClock()
	p := newFakeProvider(clock)
	bad := Pair{"2", "20:00"}
	p.submitFn = func(ps []Pair) SubmitResponse {
		for _, pr := range ps {
			if pr == bad {
				return SubmitResponse{OK: false, Message: "exceeds per-slot limit"}
			}
		}
		return SubmitResponse{OK: true}
	}
	tun := testTuning()
	tun.RefillWindowMs = 0
	rc := newTestRunContext(scenarioSpec(), tun, clock)

	e := &Executor{Provider: p, Logger: quietLogger()}
	res, err := e.Execute(context.Background(), rc, rc.Date, pairs("1@20:00", "2@20:00", "3@20:00"))
	require.NoError(t, err)

	assert.ElementsMatch(t, pairs("1@20:00", "3@20:00"), res.Accepted)
	assert.Equal(t, []Pair{bad}, res.Failed)
	assert.Equal(t, "exceeds per-slot limit", res.FailMsgs[bad])
	// whole batch, then three singles
	assert.Equal(t, 4, res.Attempts)
}

func TestExecutor_NoSplitBelowDegradedSize(t *testing.T) {
	clock := newFakeClock()
	p := newFakeProvider(clock)
	p.submitFn = func([]Pair) SubmitResponse { return SubmitResponse{OK: false, Message: "not allowed"} }
	tun := testTuning()
	tun.RefillWindowMs = 0
	tun.DegradedBatchSize = 2
	rc := newTestRunContext(scenarioSpec(), tun, clock)

	e := &Executor{Provider: p, Logger: quietLogger()}
	res, err := e.Execute(context.Background(), rc, rc.Date, pairs("1@20:00", "2@20:00"))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Attempts)
	assert.Len(t, res.Failed, 2)
}

func TestExecutor_InterBatchDelayEnforced(t *testing.T) {
	clock := newFakeClock()
	p := newFakeProvider(clock)
	calls := 0
	p.submitFn = func([]Pair) SubmitResponse {
		calls++
		// the first batch fails, the delay still applies before the next one
		return SubmitResponse{OK: calls > 1, Message: "not allowed"}
	}
	tun := testTuning()
	tun.InitialBatchSize = 2
	tun.DegradedBatchSize = 2
	tun.RefillWindowMs = 0
	rc := newTestRunContext(scenarioSpec(), tun, clock)

	e := &Executor{Provider: p, Logger: quietLogger()}
	_, err := e.Execute(context.Background(), rc, rc.Date, pairs("1@20:00", "2@20:00", "3@20:00", "4@20:00"))
	require.NoError(t, err)
	require.Len(t, p.submitAt, 2)
	assert.GreaterOrEqual(t, p.submitAt[1].Sub(p.submitAt[0]), tun.InterBatchDelay())
}

func TestExecutor_RefillResubmitsStillAvailable(t *testing.T) {
	clock := newFakeClock()
	p := newFakeProvider(clock)
	p.set("1", "20:00", codeFree)
	p.set("2", "20:00", codeFree)
	calls := 0
	p.submitFn = func(ps []Pair) SubmitResponse {
		calls++
		if calls == 1 {
			return SubmitResponse{OK: false, Message: "busy"}
		}
		return SubmitResponse{OK: true}
	}
	tun := testTuning()
	tun.MaxSplitRounds = 0
	rc := newTestRunContext(scenarioSpec(), tun, clock)

	e := &Executor{Provider: p, Logger: quietLogger()}
	res, err := e.Execute(context.Background(), rc, rc.Date, pairs("1@20:00"))
	require.NoError(t, err)
	assert.Equal(t, pairs("1@20:00"), res.Accepted)
	assert.Empty(t, res.Failed)
	assert.Empty(t, res.FailMsgs)
	assert.Equal(t, 2, res.Attempts)
}

func TestExecutor_RefillFailureKeepsFailedUnique(t *testing.T) {
	clock := newFakeClock()
	p := newFakeProvider(clock)
	p.set("1", "20:00", codeFree)
	p.set("2", "20:00", codeFree)
	calls := 0
	p.submitFn = func([]Pair) SubmitResponse {
		calls++
		return SubmitResponse{OK: false, Message: fmt.Sprintf("busy %d", calls)}
	}
	tun := testTuning()
	tun.MaxSplitRounds = 0
	rc := newTestRunContext(scenarioSpec(), tun, clock)

	e := &Executor{Provider: p, Logger: quietLogger()}
	res, err := e.Execute(context.Background(), rc, rc.Date, pairs("1@20:00", "2@20:00"))
	require.NoError(t, err)
	assert.Equal(t, 2, res.Attempts)
	assert.Equal(t, pairs("1@20:00", "2@20:00"), res.Failed)
	assert.Equal(t, "busy 2", res.FailMsgs[Pair{Unit: "1", Window: "20:00"}])
	assert.Len(t, res.FailMsgs, 2)
}

// freshProvider counts polls that bypass any shared in-flight request.
type freshProvider struct {
	*fakeProvider
	fresh int
}

func (p *freshProvider) FetchFreshState(ctx context.Context, date string) (StateMatrix, error) {
	p.fresh++
	return p.fakeProvider.FetchState(ctx, date)
}

func TestExecutor_RefillPollsFreshState(t *testing.T) {
	clock := newFakeClock()
	fp := newFakeProvider(clock)
	fp.set("1", "20:00", codeFree)
	calls := 0
	fp.submitFn = func([]Pair) SubmitResponse {
		calls++
		return SubmitResponse{OK: calls > 1, Message: "busy"}
	}
	p := &freshProvider{fakeProvider: fp}
	tun := testTuning()
	tun.MaxSplitRounds = 0
	rc := newTestRunContext(scenarioSpec(), tun, clock)

	e := &Executor{Provider: p, Logger: quietLogger()}
	res, err := e.Execute(context.Background(), rc, rc.Date, pairs("1@20:00"))
	require.NoError(t, err)
	assert.Equal(t, pairs("1@20:00"), res.Accepted)
	assert.Equal(t, 1, p.fresh)
	assert.Equal(t, 1, fp.stateCalls)
}

func TestExecutor_RefillSkipsTakenPairs(t *testing.T) {
	clock := newFakeClock()
	p := newFakeProvider(clock)
	p.set("1", "20:00", codeBooked)
	p.submitFn = func([]Pair) SubmitResponse { return SubmitResponse{OK: false, Message: "already booked"} }
	tun := testTuning()
	tun.MaxSplitRounds = 0
	rc := newTestRunContext(scenarioSpec(), tun, clock)

	e := &Executor{Provider: p, Logger: quietLogger()}
	res, err := e.Execute(context.Background(), rc, rc.Date, pairs("1@20:00"))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Attempts)
	assert.Equal(t, pairs("1@20:00"), res.Failed)
}

func TestExecutor_SessionErrorIsFatal(t *testing.T) {
	clock := newFakeClock()
	p := scenarioProvider(clock)
	p.submitErrs = []error{SessionError("submit", "token expired")}
	rc := newTestRunContext(scenarioSpec(), testTuning(), clock)

	e := &Executor{Provider: p, Logger: quietLogger()}
	_, err := e.Execute(context.Background(), rc, rc.Date, pairs("6@21:00"))
	require.Error(t, err)
	assert.Equal(t, KindSession, KindOf(err))
	assert.Equal(t, 1, p.submitCount())
}

func TestBackoffFor(t *testing.T) {
	base, ceiling := 200*time.Millisecond, time.Second
	assert.Equal(t, 200*time.Millisecond, backoffFor(base, ceiling, 0))
	assert.Equal(t, 400*time.Millisecond, backoffFor(base, ceiling, 1))
	assert.Equal(t, 800*time.Millisecond, backoffFor(base, ceiling, 2))
	assert.Equal(t, time.Second, backoffFor(base, ceiling, 3))
	assert.Equal(t, time.Second, backoffFor(base, ceiling, 10))
}

func TestChunk(t *testing.T) {
	ps := pairs("1@20:00", "2@20:00", "3@20:00", "4@20:00")
	assert.Len(t, chunk(ps, 3), 2)
	assert.Len(t, chunk(ps, 0), 4)
	assert.Empty(t, chunk(nil, 3))
}
