package engine

import (
	"context"
	"log"
	"strings"
	"time"
)

// ExecResult is what the executor observed; the verifier decides what it means.
type ExecResult struct {
	// Accepted holds pairs whose batch the provider answered with success.
	Accepted []Pair
	Failed   []Pair
	// FailMsgs holds the last provider message for each failed pair.
	FailMsgs map[Pair]string
	Attempts int
}

func (r ExecResult) APIAccepted() bool { return len(r.Accepted) > 0 }

type Executor struct {
	Provider Provider
	Logger   *log.Logger
}

var rateLimitKeywords = []string{"too fast", "rate limit", "too many", "频繁", "太快"}

func isRateLimited(msg string) bool {
	m := strings.ToLower(msg)
	for _, k := range rateLimitKeywords {
		if strings.Contains(m, k) {
			return true
		}
	}
	return false
}

type sendResult struct {
	ok   bool
	kind FailureKind
	msg  string
}

// Execute submits pairs in batches, one batch at a time. The only errors it
// returns are fatal to the run: session, deadline and cancellation.
func (e *Executor) Execute(ctx context.Context, rc *RunContext, date string, pairs []Pair) (ExecResult, error) {
	res := ExecResult{FailMsgs: map[Pair]string{}}
	cfg := rc.Tuning

	for _, batch := range chunk(pairs, cfg.InitialBatchSize) {
		sr, err := e.send(ctx, rc, date, batch, &res)
		if err != nil {
			return res, err
		}
		if sr.ok {
			res.Accepted = append(res.Accepted, batch...)
			continue
		}
		if sr.kind == FailureNetwork {
			res.fail(batch, sr.msg)
			continue
		}
		if err := e.degrade(ctx, rc, date, batch, sr.msg, &res); err != nil {
			return res, err
		}
	}

	if len(res.Failed) > 0 && cfg.RefillWindowMs > 0 {
		if err := e.refill(ctx, rc, date, &res); err != nil {
			return res, err
		}
	}
	return res, nil
}

// fail records batch as failed. A pair already in Failed only has its
// message updated.
func (r *ExecResult) fail(batch []Pair, msg string) {
	for _, p := range batch {
		if _, seen := r.FailMsgs[p]; !seen {
			r.Failed = append(r.Failed, p)
		}
		r.FailMsgs[p] = msg
	}
}

func (r *ExecResult) succeed(batch []Pair) {
	r.Accepted = append(r.Accepted, batch...)
	drop := map[Pair]bool{}
	for _, p := range batch {
		drop[p] = true
		delete(r.FailMsgs, p)
	}
	kept := r.Failed[:0]
	for _, p := range r.Failed {
		if !drop[p] {
			kept = append(kept, p)
		}
	}
	r.Failed = kept
}

// degrade splits a batch rejected for business reasons into smaller batches,
// keeping only the pieces that still fail.
func (e *Executor) degrade(ctx context.Context, rc *RunContext, date string, batch []Pair, msg string, res *ExecResult) error {
	cfg := rc.Tuning
	pending := [][]Pair{batch}
	lastMsg := map[int]string{0: msg}
	size := len(batch)

	for round := 0; round < cfg.MaxSplitRounds && size > cfg.DegradedBatchSize && len(pending) > 0; round++ {
		size /= 2
		if size < cfg.DegradedBatchSize {
			size = cfg.DegradedBatchSize
		}
		var still [][]Pair
		msgs := map[int]string{}
		for _, pb := range pending {
			for _, sub := range chunk(pb, size) {
				sr, err := e.send(ctx, rc, date, sub, res)
				if err != nil {
					return err
				}
				if sr.ok {
					res.Accepted = append(res.Accepted, sub...)
					continue
				}
				msgs[len(still)] = sr.msg
				still = append(still, sub)
			}
		}
		e.logf("executor: task=%s split round=%d size=%d failing=%d", rc.Spec.TaskID, round+1, size, len(still))
		pending, lastMsg = still, msgs
	}
	for i, pb := range pending {
		res.fail(pb, lastMsg[i])
	}
	return nil
}

// refill re-polls once and resubmits the failed pairs that are still
// available, provided the refill window has not already elapsed.
func (e *Executor) refill(ctx context.Context, rc *RunContext, date string, res *ExecResult) error {
	until := rc.Clock.Now().Add(rc.Tuning.RefillWindow())
	m, err := fetchFresh(ctx, e.Provider, date)
	if err != nil {
		if KindOf(err) == KindSession {
			return err
		}
		e.logf("executor: task=%s refill poll failed: %v", rc.Spec.TaskID, err)
		return nil
	}
	if rc.Clock.Now().After(until) {
		return nil
	}
	state := rc.classifier().Classify(m, rc.holdings())
	var retry []Pair
	for _, p := range res.Failed {
		if state.Get(p) == SlotAvailable {
			retry = append(retry, p)
		}
	}
	if len(retry) == 0 {
		return nil
	}
	e.logf("executor: task=%s refill resubmitting %d pairs", rc.Spec.TaskID, len(retry))
	for _, batch := range chunk(retry, rc.Tuning.InitialBatchSize) {
		sr, err := e.send(ctx, rc, date, batch, res)
		if err != nil {
			return err
		}
		if sr.ok {
			res.succeed(batch)
		} else {
			res.fail(batch, sr.msg)
		}
	}
	return nil
}

// send submits one batch, retrying transient failures with backoff.
func (e *Executor) send(ctx context.Context, rc *RunContext, date string, batch []Pair, res *ExecResult) (sendResult, error) {
	cfg := rc.Tuning
	for attempt := 0; ; attempt++ {
		if err := rc.pace(ctx); err != nil {
			return sendResult{}, err
		}
		start := rc.Clock.Now()
		resp, err := e.Provider.Submit(ctx, date, batch)
		rc.Metrics.markSubmit(rc.Now(), rc.Clock.Now().Sub(start))
		res.Attempts++

		if err == nil && resp.OK {
			return sendResult{ok: true}, nil
		}

		transient := false
		msg := resp.Message
		if err != nil {
			if isCanceled(err) {
				return sendResult{}, err
			}
			switch KindOf(err) {
			case KindSession, KindDeadline:
				return sendResult{}, err
			case KindTransient, KindAmbiguous:
				transient = true
			}
			msg = err.Error()
		} else if isRateLimited(msg) || ClassifyFailure(msg) == FailureNetwork {
			transient = true
		}

		if !transient {
			e.logf("executor: task=%s batch=%s rejected: %s", rc.Spec.TaskID, formatPairs(batch), msg)
			return sendResult{kind: FailureBusiness, msg: msg}, nil
		}
		if attempt >= cfg.TransientRetries {
			e.logf("executor: task=%s batch=%s gave up after %d attempts: %s", rc.Spec.TaskID, formatPairs(batch), attempt+1, msg)
			return sendResult{kind: FailureNetwork, msg: msg}, nil
		}
		backoff := backoffFor(cfg.BackoffBase(), cfg.BackoffMax(), attempt)
		backoff += rc.jitter(backoff / 2)
		e.logf("executor: task=%s batch=%s transient failure, retry in %s: %s", rc.Spec.TaskID, formatPairs(batch), backoff, msg)
		if err := rc.Wait(ctx, backoff); err != nil {
			return sendResult{}, err
		}
	}
}

func backoffFor(base, ceiling time.Duration, attempt int) time.Duration {
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if ceiling > 0 && d >= ceiling {
			return ceiling
		}
	}
	if ceiling > 0 && d > ceiling {
		return ceiling
	}
	return d
}

func chunk(pairs []Pair, size int) [][]Pair {
	if size < 1 {
		size = 1
	}
	var out [][]Pair
	for i := 0; i < len(pairs); i += size {
		end := i + size
		if end > len(pairs) {
			end = len(pairs)
		}
		out = append(out, pairs[i:end:end])
	}
	return out
}

func (e *Executor) logf(format string, args ...any) {
	if e.Logger != nil {
		e.Logger.Printf(format, args...)
	}
}
