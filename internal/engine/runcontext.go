package engine

import (
	"context"
	"math/rand"
	"time"

	"github.com/example/slotsniper/internal/config"
	"golang.org/x/time/rate"
)

// RunContext is the state of one run, handed to every component by pointer.
// Nothing in it is shared with other runs.
type RunContext struct {
	Spec   TargetSpec
	Date   string
	Config ConfigSource
	// Tuning is the snapshot for the current round; Refresh replaces it.
	Tuning config.Tuning
	Clock  Clock
	// Skew is provider time minus local time.
	Skew      time.Duration
	StartedAt time.Time
	Deadline  time.Time

	Failures *PairFailureCache
	Stage    StageState
	Metrics  *RunMetrics

	preselect    preselection
	lastHoldings []HeldSlot
	limiter      *rate.Limiter
	rand         *rand.Rand
	notified     map[Stage]bool
}

func newRunContext(spec TargetSpec, cfg ConfigSource, clock Clock, seed int64) *RunContext {
	rc := &RunContext{
		Spec:     spec,
		Config:   cfg,
		Clock:    clock,
		Failures: NewPairFailureCache(),
		rand:     rand.New(rand.NewSource(seed)),
		notified: map[Stage]bool{},
		limiter:  rate.NewLimiter(rate.Inf, 1),
	}
	rc.Refresh()
	rc.StartedAt = rc.Now()
	rc.Stage = InitialStage(rc.StartedAt)
	rc.Metrics = newRunMetrics(spec, rc.StartedAt)
	return rc
}

// Now is the local clock corrected by the observed provider skew.
func (rc *RunContext) Now() time.Time {
	return rc.Clock.Now().Add(rc.Skew)
}

func (rc *RunContext) Elapsed() time.Duration {
	return rc.Now().Sub(rc.StartedAt)
}

// Refresh re-reads tuning for the next round.
func (rc *RunContext) Refresh() {
	rc.Tuning = rc.Config.Current()
	limit := rate.Inf
	if d := rc.Tuning.InterBatchDelay(); d > 0 {
		limit = rate.Every(d)
	}
	if rc.limiter.Limit() != limit {
		rc.limiter.SetLimitAt(rc.Clock.Now(), limit)
	}
}

// resolveDeadline picks the earliest of the absolute deadline, the lead
// before the first window and the maximum run length.
func (rc *RunContext) resolveDeadline() {
	var dl time.Time
	earliest := func(t time.Time) {
		if !t.IsZero() && (dl.IsZero() || t.Before(dl)) {
			dl = t
		}
	}
	earliest(rc.Spec.Deadline)
	if rc.Spec.DeadlineLead > 0 {
		var first time.Time
		for _, w := range rc.Spec.Windows {
			t, err := w.On(rc.Date, rc.Tuning.Location())
			if err == nil && (first.IsZero() || t.Before(first)) {
				first = t
			}
		}
		if !first.IsZero() {
			earliest(first.Add(-rc.Spec.DeadlineLead))
		}
	}
	if d := rc.Tuning.MaxRun(); d > 0 {
		earliest(rc.StartedAt.Add(d))
	}
	rc.Deadline = dl
}

func (rc *RunContext) DeadlineReached() bool {
	return !rc.Deadline.IsZero() && !rc.Now().Before(rc.Deadline)
}

// Wait sleeps for d but never past the deadline. It returns a deadline error
// when the deadline is reached before or during the wait.
func (rc *RunContext) Wait(ctx context.Context, d time.Duration) error {
	if rc.DeadlineReached() {
		return errDeadline
	}
	if !rc.Deadline.IsZero() {
		if left := rc.Deadline.Sub(rc.Now()); left < d {
			if err := rc.Clock.Sleep(ctx, left); err != nil {
				return err
			}
			return errDeadline
		}
	}
	return rc.Clock.Sleep(ctx, d)
}

// pace blocks until the inter-batch limiter allows the next submit.
func (rc *RunContext) pace(ctx context.Context) error {
	now := rc.Clock.Now()
	r := rc.limiter.ReserveN(now, 1)
	if !r.OK() {
		return nil
	}
	if d := r.DelayFrom(now); d > 0 {
		return rc.Wait(ctx, d)
	}
	return nil
}

// jitter returns a random duration in [0, d).
func (rc *RunContext) jitter(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	return time.Duration(rc.rand.Int63n(int64(d)))
}

// holdings returns the last holdings list that was fetched successfully.
func (rc *RunContext) holdings() []HeldSlot { return rc.lastHoldings }

func (rc *RunContext) setHoldings(h []HeldSlot) {
	rc.lastHoldings = append([]HeldSlot(nil), h...)
}

func (rc *RunContext) classifier() Classifier { return NewClassifier(rc.Tuning) }

type preselection struct {
	batch []Pair
	at    time.Time
}

func (p *preselection) store(batch []Pair, now time.Time) {
	p.batch = append([]Pair(nil), batch...)
	p.at = now
}

// fresh returns the cached batch if it is younger than ttl.
func (p *preselection) fresh(now time.Time, ttl time.Duration) ([]Pair, bool) {
	if len(p.batch) == 0 || now.Sub(p.at) >= ttl {
		return nil, false
	}
	return append([]Pair(nil), p.batch...), true
}

func (p *preselection) invalidate() {
	p.batch = nil
	p.at = time.Time{}
}
