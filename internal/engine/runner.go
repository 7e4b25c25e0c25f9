package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"
)

// Runner executes acquisition runs. One Runner serves many tasks; runs of the
// same task id never overlap.
type Runner struct {
	Provider Provider
	Notifier Notifier
	Metrics  MetricsSink
	Config   ConfigSource
	Clock    Clock
	Logger   *log.Logger
	Locks    *RunLocks
	// Seed fixes the random stage order; zero seeds from the clock.
	Seed int64
}

func NewRunner(p Provider, n Notifier, m MetricsSink, cfg ConfigSource, logger *log.Logger) *Runner {
	return &Runner{
		Provider: p,
		Notifier: n,
		Metrics:  m,
		Config:   cfg,
		Clock:    SystemClock,
		Logger:   logger,
		Locks:    NewRunLocks(),
	}
}

func (r *Runner) Running(taskID string) bool {
	return r.Locks != nil && r.Locks.Running(taskID)
}

type phase int

const (
	phaseAcquiring phase = iota
	phaseLockedWait
	phaseOpenWait
)

// RunOnce blocks until the run terminates. The error is non-nil only when the
// run could not start: an invalid target or ErrAlreadyRunning.
func (r *Runner) RunOnce(ctx context.Context, spec TargetSpec) (TerminalOutcome, error) {
	if err := spec.Validate(); err != nil {
		return TerminalOutcome{}, fmt.Errorf("invalid target: %w", err)
	}
	r.defaults()
	release, ok := r.Locks.TryAcquire(spec.TaskID)
	if !ok {
		return TerminalOutcome{}, ErrAlreadyRunning
	}
	defer release()

	seed := r.Seed
	if seed == 0 {
		seed = r.Clock.Now().UnixNano()
	}
	rc := newRunContext(spec, r.Config, r.Clock, seed)
	r.syncClock(ctx, rc)
	rc.Date = spec.ResolveDate(rc.Now(), rc.Tuning.Location())
	rc.Metrics.Date = rc.Date
	rc.resolveDeadline()
	r.logf("runner: task=%s start date=%s strategy=%s windows=%v target=%d deadline=%s",
		spec.TaskID, rc.Date, spec.Strategy, spec.Windows, spec.TargetCount, formatTime(rc.Deadline))

	out := r.loop(ctx, rc)
	r.finish(ctx, rc, &out)
	return out, nil
}

func (r *Runner) defaults() {
	if r.Clock == nil {
		r.Clock = SystemClock
	}
	if r.Locks == nil {
		r.Locks = NewRunLocks()
	}
	if r.Notifier == nil {
		r.Notifier = nopNotifier{}
	}
	if r.Metrics == nil {
		r.Metrics = nopSink{}
	}
	if r.Logger == nil {
		r.Logger = log.Default()
	}
}

// syncClock measures skew against the provider, when it can tell the time.
func (r *Runner) syncClock(ctx context.Context, rc *RunContext) {
	sc, ok := r.Provider.(ServerClock)
	if !ok {
		return
	}
	before := r.Clock.Now()
	st, err := sc.ServerTime(ctx)
	if err != nil || st.IsZero() {
		if err != nil {
			r.logf("runner: task=%s server time unavailable: %v", rc.Spec.TaskID, err)
		}
		return
	}
	after := r.Clock.Now()
	local := before.Add(after.Sub(before) / 2)
	rc.Skew = st.Sub(local)
	// run start is measured on the corrected clock like everything after it
	rc.StartedAt = rc.StartedAt.Add(rc.Skew)
	rc.Stage = InitialStage(rc.StartedAt)
	if rc.Skew.Abs() > time.Second {
		r.logf("runner: task=%s clock skew %s against provider", rc.Spec.TaskID, rc.Skew)
	}
}

func (r *Runner) loop(ctx context.Context, rc *RunContext) TerminalOutcome {
	spec := rc.Spec
	exec := &Executor{Provider: r.Provider, Logger: r.Logger}
	ver := &Verifier{Provider: r.Provider, Logger: r.Logger}

	ph := phaseAcquiring
	var lockedSince, openSince time.Time
	var secured []Pair
	transientStreak := 0
	submitted := false

	for {
		rc.Refresh()
		rc.Metrics.Rounds++
		if ctx.Err() != nil {
			return r.stopped(rc, secured)
		}
		if rc.DeadlineReached() {
			return r.terminal(rc, ResultFail, "run deadline reached", secured)
		}
		cfg := rc.Tuning
		now := rc.Now()
		rc.Failures.Prune(now, cfg.FailureCooldown())

		m, err := r.Provider.FetchState(ctx, rc.Date)
		if err != nil {
			if out, done := r.fatal(rc, err, secured); done {
				return out
			}
			transientStreak++
			interval := cfg.RetryInterval()
			if cfg.AggressiveAfterFailures > 0 && transientStreak >= cfg.AggressiveAfterFailures {
				interval = cfg.AggressiveRetryInterval()
			}
			r.logf("runner: task=%s round=%d state poll failed (streak=%d), retry in %s: %v",
				spec.TaskID, rc.Metrics.Rounds, transientStreak, interval, err)
			if werr := rc.Wait(ctx, interval); werr != nil {
				return r.fromErr(rc, werr, secured)
			}
			continue
		}
		transientStreak = 0
		rc.Metrics.markPoll(rc.Now())

		h, herr := r.Provider.FetchHoldings(ctx, rc.Date)
		if herr != nil {
			if out, done := r.fatal(rc, herr, secured); done {
				return out
			}
			r.logf("runner: task=%s holdings fetch failed, reusing last snapshot: %v", spec.TaskID, herr)
		} else {
			rc.setHoldings(h)
		}

		state := rc.classifier().Classify(m, rc.holdings())
		need := ComputeNeed(spec, state)
		secured = securedPairs(spec, state)
		if need.Total() == 0 {
			rc.Metrics.markSuccess(rc.Now())
			return r.terminal(rc, ResultSuccess, "target reached", secured)
		}

		if spec.Strategy == StrategyStaged {
			prev := rc.Stage.Stage
			rc.Stage = NextStage(rc.Stage, rc.Elapsed(), need.Total(), rc.Now(), submitted, cfg)
			if rc.Stage.Stage != prev {
				r.logf("runner: task=%s stage %s -> %s", spec.TaskID, prev, rc.Stage.Stage)
			}
			rc.Metrics.markStage(rc.Stage.Stage)
		}
		submitted = false

		if anyLocked(spec, state, need) {
			if ph != phaseLockedWait {
				ph = phaseLockedWait
				lockedSince = rc.Now()
				r.logf("runner: task=%s windows locked, waiting", spec.TaskID)
			}
			if waited := rc.Now().Sub(lockedSince); waited >= cfg.LockedMax() {
				return r.terminal(rc, ResultFail, fmt.Sprintf("lock wait timeout after %s", waited.Truncate(time.Second)), secured)
			}
			r.preselect(rc, state, need)
			if werr := rc.Wait(ctx, cfg.LockedRetryInterval()); werr != nil {
				return r.fromErr(rc, werr, secured)
			}
			continue
		}
		if ph == phaseLockedWait {
			r.logf("runner: task=%s lock lifted after %s", spec.TaskID, rc.Now().Sub(lockedSince))
			ph = phaseAcquiring
		}

		batch := r.takePreselect(rc, state)
		if len(batch) > 0 {
			r.logf("runner: task=%s submitting preselected batch %s", spec.TaskID, formatPairs(batch))
		} else {
			refill := spec.Strategy == StrategyStaged && rc.Stage.Stage == StageRefill
			if refill && !RefillDue(rc.Stage, rc.Now(), cfg) {
				if werr := rc.Wait(ctx, cfg.RetryInterval()); werr != nil {
					return r.fromErr(rc, werr, secured)
				}
				continue
			}
			batch = Plan(PlanInput{
				Spec:     spec,
				State:    state,
				Need:     need,
				Stage:    rc.Stage.Stage,
				Failures: rc.Failures,
				Now:      rc.Now(),
				Cooldown: cfg.FailureCooldown(),
				Rand:     rc.rand,
			})
			if refill {
				rc.Stage.LastRefillAt = rc.Now()
			}
			if len(batch) == 0 {
				if ph != phaseOpenWait {
					ph = phaseOpenWait
					openSince = rc.Now()
				}
				if !refill && rc.Now().Sub(openSince) >= cfg.OpenRetry() {
					if len(secured) > 0 {
						return r.terminal(rc, ResultPartial, "no more available slots", secured)
					}
					return r.terminal(rc, ResultFail, "no available slots", secured)
				}
				if werr := rc.Wait(ctx, cfg.RetryInterval()); werr != nil {
					return r.fromErr(rc, werr, secured)
				}
				continue
			}
		}
		ph = phaseAcquiring

		res, err := exec.Execute(ctx, rc, rc.Date, batch)
		submitted = true
		if cfg.PreselectInvalidateAfterSubmit {
			rc.preselect.invalidate()
		}
		if err != nil {
			return r.fromErr(rc, err, secured)
		}

		outcome, vstate, err := r.verify(ctx, rc, ver, batch, res)
		if errors.Is(err, errDeadline) || isCanceled(err) {
			return r.fromErr(rc, err, secured)
		}
		if err != nil {
			if out, done := r.fatal(rc, err, secured); done {
				return out
			}
		}
		r.logf("runner: task=%s round=%d verify=%s held=%s unheld=%s",
			spec.TaskID, rc.Metrics.Rounds, outcome.Status, formatPairs(outcome.Held), formatPairs(outcome.Unheld))

		if vstate != nil {
			need = ComputeNeed(spec, vstate)
			secured = securedPairs(spec, vstate)
		}
		if outcome.Status == StatusSuccess || outcome.Status == StatusPartial {
			rc.Metrics.markSuccess(rc.Now())
			if vstate != nil && need.Total() == 0 {
				return r.terminal(rc, ResultSuccess, "target reached", secured)
			}
			r.progress(ctx, rc, secured, need)
		}

		if werr := rc.Wait(ctx, cfg.RetryInterval()); werr != nil {
			return r.fromErr(rc, werr, secured)
		}
	}
}

// verify checks what a batch secured. A pending answer is re-checked after
// a short wait, without resubmitting, up to the configured number of times.
func (r *Runner) verify(ctx context.Context, rc *RunContext, ver *Verifier, batch []Pair, res ExecResult) (SubmitOutcome, ResourceState, error) {
	outcome, vstate, err := ver.Verify(ctx, rc, rc.Date, batch, res)
	for i := 0; err == nil && outcome.Status == StatusPending && i < rc.Tuning.PendingRechecks; i++ {
		if err := rc.Wait(ctx, rc.Tuning.PendingRecheck()); err != nil {
			return outcome, vstate, err
		}
		outcome, vstate, err = ver.Verify(ctx, rc, rc.Date, batch, res)
	}
	return outcome, vstate, err
}

// anyLocked reports a locked candidate pair at a window that still needs units.
func anyLocked(spec TargetSpec, state ResourceState, need Need) bool {
	cands := spec.candidateSet()
	for p, s := range state {
		if s != SlotLocked || need[p.Window] <= 0 {
			continue
		}
		if cands == nil || cands[p.Unit] {
			return true
		}
	}
	return false
}

// preselect plans as if every locked pair were already open, so the batch is
// ready the moment the lock lifts.
func (r *Runner) preselect(rc *RunContext, state ResourceState, need Need) {
	if _, ok := rc.preselect.fresh(rc.Now(), rc.Tuning.PreselectTTL()); ok {
		return
	}
	opened := make(ResourceState, len(state))
	for p, s := range state {
		if s == SlotLocked {
			s = SlotAvailable
		}
		opened[p] = s
	}
	batch := Plan(PlanInput{
		Spec:     rc.Spec,
		State:    opened,
		Need:     need,
		Stage:    rc.Stage.Stage,
		Failures: rc.Failures,
		Now:      rc.Now(),
		Cooldown: rc.Tuning.FailureCooldown(),
		Rand:     rc.rand,
	})
	if len(batch) > 0 {
		rc.preselect.store(batch, rc.Now())
	}
}

// takePreselect returns the cached batch minus anything no longer available.
func (r *Runner) takePreselect(rc *RunContext, state ResourceState) []Pair {
	batch, ok := rc.preselect.fresh(rc.Now(), rc.Tuning.PreselectTTL())
	if !ok {
		return nil
	}
	var out []Pair
	for _, p := range batch {
		if state.Get(p) != SlotAvailable {
			continue
		}
		if rc.Failures.Blocked(p, rc.Now(), rc.Tuning.FailureCooldown()) {
			continue
		}
		out = append(out, p)
	}
	return out
}

// progress notifies at most once per stage while the target is not yet met.
func (r *Runner) progress(ctx context.Context, rc *RunContext, secured []Pair, need Need) {
	stage := rc.Stage.Stage
	if rc.notified[stage] {
		return
	}
	rc.notified[stage] = true
	text := fmt.Sprintf("[slotsniper] task %s in progress (%s stage) date=%s secured=%s remaining=%d",
		rc.Spec.TaskID, stage, rc.Date, formatPairs(secured), need.Total())
	r.notify(ctx, rc, text)
}

// fatal converts session and cancellation errors into a terminal outcome.
func (r *Runner) fatal(rc *RunContext, err error, secured []Pair) (TerminalOutcome, bool) {
	if isCanceled(err) {
		return r.stopped(rc, secured), true
	}
	switch KindOf(err) {
	case KindSession:
		return r.terminal(rc, ResultFail, "session invalid, refresh credentials: "+err.Error(), secured), true
	case KindDeadline:
		return r.terminal(rc, ResultFail, "run deadline reached", secured), true
	}
	return TerminalOutcome{}, false
}

func (r *Runner) fromErr(rc *RunContext, err error, secured []Pair) TerminalOutcome {
	if out, done := r.fatal(rc, err, secured); done {
		return out
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return r.terminal(rc, ResultFail, "run deadline reached", secured)
	}
	return r.terminal(rc, ResultFail, err.Error(), secured)
}

func (r *Runner) stopped(rc *RunContext, secured []Pair) TerminalOutcome {
	return r.terminal(rc, ResultStopped, "run stopped", secured)
}

func (r *Runner) terminal(rc *RunContext, res Result, msg string, secured []Pair) TerminalOutcome {
	return TerminalOutcome{
		Result:  res,
		Message: msg,
		Date:    rc.Date,
		Secured: append([]Pair(nil), secured...),
	}
}

// finish records metrics and sends the single terminal notification.
func (r *Runner) finish(ctx context.Context, rc *RunContext, out *TerminalOutcome) {
	m := rc.Metrics
	m.FinishedAt = rc.Now()
	m.Result = out.Result
	m.Message = out.Message
	m.Secured = out.Secured
	out.Metrics = *m

	r.logf("runner: task=%s finished result=%s date=%s secured=%s rounds=%d attempts=%d: %s",
		rc.Spec.TaskID, out.Result, out.Date, formatPairs(out.Secured), m.Rounds, m.Attempts, out.Message)

	bg, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := r.Metrics.Append(bg, *m); err != nil {
		r.logf("runner: task=%s metrics append failed: %v", rc.Spec.TaskID, err)
	}
	text := fmt.Sprintf("[slotsniper] task %s %s date=%s secured=%s: %s",
		rc.Spec.TaskID, out.Result, out.Date, formatPairs(out.Secured), out.Message)
	r.notify(bg, rc, text)
}

func (r *Runner) notify(ctx context.Context, rc *RunContext, text string) {
	var err error
	if rn, ok := r.Notifier.(RecipientNotifier); ok && len(rc.Spec.Recipients) > 0 {
		err = rn.NotifyTo(ctx, rc.Spec.Recipients, text)
	} else {
		err = r.Notifier.Notify(ctx, text)
	}
	if err != nil {
		r.logf("runner: task=%s notify failed: %v", rc.Spec.TaskID, err)
	}
}

func (r *Runner) logf(format string, args ...any) {
	r.Logger.Printf(format, args...)
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "none"
	}
	return t.Format(time.RFC3339)
}
