package scheduler

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/example/slotsniper/internal/engine"
	"github.com/example/slotsniper/internal/tasks"
	"golang.org/x/sync/errgroup"
)

type TaskStore interface {
	Active(ctx context.Context) ([]tasks.Task, error)
	Get(ctx context.Context, id int64) (tasks.Task, error)
	MarkStarted(ctx context.Context, id int64, at time.Time) error
	MarkRun(ctx context.Context, id int64, at time.Time, out engine.TerminalOutcome) error
}

type Runner interface {
	RunOnce(ctx context.Context, spec engine.TargetSpec) (engine.TerminalOutcome, error)
	Running(taskID string) bool
}

// HealthChecker reports whether the provider session still works.
type HealthChecker interface {
	Ping(ctx context.Context, loc *time.Location) error
}

var ErrAtCapacity = errors.New("scheduler: too many runs in flight")

// Scheduler polls for due tasks and hands each to the runner.
type Scheduler struct {
	Repo     TaskStore
	Runner   Runner
	Notifier engine.Notifier
	Health   HealthChecker

	Interval       time.Duration
	HealthInterval time.Duration
	// Grace is how late a fire time may be picked up.
	Grace    time.Duration
	Location *time.Location
	Logger   *log.Logger
	Now      func() time.Time

	once     sync.Once
	group    *errgroup.Group
	mu       sync.Mutex
	launched map[string]bool
	healthOK bool
	runCtx   context.Context
}

func (s *Scheduler) init() {
	s.once.Do(func() {
		s.group = &errgroup.Group{}
		s.launched = map[string]bool{}
		s.healthOK = true
		if s.Interval <= 0 {
			s.Interval = 2 * time.Second
		}
		if s.Grace <= 0 {
			s.Grace = 2 * time.Minute
		}
		if s.Location == nil {
			s.Location = time.Local
		}
		if s.Logger == nil {
			s.Logger = log.Default()
		}
		if s.Now == nil {
			s.Now = time.Now
		}
	})
}

// SetLimit caps concurrent runs. Call before Run.
func (s *Scheduler) SetLimit(n int) {
	s.init()
	if n > 0 {
		s.group.SetLimit(n)
	}
}

func (s *Scheduler) Run(ctx context.Context) error {
	s.init()
	s.mu.Lock()
	s.runCtx = ctx
	s.mu.Unlock()
	t := time.NewTicker(s.Interval)
	defer t.Stop()

	var health <-chan time.Time
	if s.Health != nil && s.HealthInterval > 0 {
		ht := time.NewTicker(s.HealthInterval)
		defer ht.Stop()
		health = ht.C
	}

	// kick immediately
	s.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			_ = s.group.Wait()
			return ctx.Err()
		case <-t.C:
			s.tick(ctx)
		case <-health:
			s.checkHealth(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	ts, err := s.Repo.Active(ctx)
	if err != nil {
		s.Logger.Printf("scheduler: active tasks query failed: %v", err)
		return
	}

	now := s.Now()
	for _, t := range ts {
		fire, due := t.Due(now, s.Location, s.Grace)
		if !due {
			continue
		}
		if s.busy(t.Name) {
			continue
		}
		if err := s.launch(ctx, t, fire); err != nil {
			s.Logger.Printf("scheduler: task=%s not started: %v", t.Name, err)
		}
	}
}

func (s *Scheduler) busy(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.launched[name] || s.Runner.Running(name)
}

// TriggerNow starts a run outside the schedule. It is rejected while the task
// is already running.
func (s *Scheduler) TriggerNow(ctx context.Context, id int64) error {
	s.init()
	t, err := s.Repo.Get(ctx, id)
	if err != nil {
		return err
	}
	if s.busy(t.Name) {
		return engine.ErrAlreadyRunning
	}
	// the run outlives the request that triggered it
	s.mu.Lock()
	runCtx := s.runCtx
	s.mu.Unlock()
	if runCtx == nil {
		runCtx = context.WithoutCancel(ctx)
	}
	return s.launch(runCtx, t, s.Now())
}

func (s *Scheduler) launch(ctx context.Context, t tasks.Task, fire time.Time) error {
	s.mu.Lock()
	if s.launched[t.Name] {
		s.mu.Unlock()
		return engine.ErrAlreadyRunning
	}
	s.launched[t.Name] = true
	s.mu.Unlock()

	ok := s.group.TryGo(func() error {
		defer s.release(t.Name)
		s.runTask(ctx, t, fire)
		return nil
	})
	if !ok {
		s.release(t.Name)
		return ErrAtCapacity
	}
	return nil
}

func (s *Scheduler) release(name string) {
	s.mu.Lock()
	delete(s.launched, name)
	s.mu.Unlock()
}

func (s *Scheduler) runTask(ctx context.Context, t tasks.Task, fire time.Time) {
	s.Logger.Printf("scheduler: task=%s firing (scheduled %s)", t.Name, fire.In(s.Location).Format(time.RFC3339))
	// stamp first so a restart does not replay the same fire time
	if err := s.Repo.MarkStarted(ctx, t.ID, fire); err != nil {
		s.Logger.Printf("scheduler: task=%s mark started failed: %v", t.Name, err)
	}
	out, err := s.Runner.RunOnce(ctx, t.Spec())
	if errors.Is(err, engine.ErrAlreadyRunning) {
		s.Logger.Printf("scheduler: task=%s already running, skipped", t.Name)
		return
	}
	if err != nil {
		out = engine.TerminalOutcome{Result: engine.ResultFail, Message: err.Error()}
	}

	bg, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := s.Repo.MarkRun(bg, t.ID, fire, out); err != nil {
		s.Logger.Printf("scheduler: task=%s record result failed: %v", t.Name, err)
	}
}

// checkHealth notifies once when the provider check starts failing and once
// when it recovers.
func (s *Scheduler) checkHealth(ctx context.Context) {
	cctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	err := s.Health.Ping(cctx, s.Location)

	s.mu.Lock()
	wasOK := s.healthOK
	s.healthOK = err == nil
	s.mu.Unlock()

	switch {
	case err != nil && wasOK:
		s.Logger.Printf("scheduler: provider health check failed: %v", err)
		s.notify(ctx, "[slotsniper] provider health check failed, refresh credentials: "+err.Error())
	case err == nil && !wasOK:
		s.Logger.Printf("scheduler: provider health check recovered")
		s.notify(ctx, "[slotsniper] provider health check recovered")
	}
}

func (s *Scheduler) notify(ctx context.Context, text string) {
	if s.Notifier == nil {
		return
	}
	if err := s.Notifier.Notify(ctx, text); err != nil {
		s.Logger.Printf("scheduler: notify failed: %v", err)
	}
}

// Wait blocks until every launched run has returned.
func (s *Scheduler) Wait() {
	s.init()
	_ = s.group.Wait()
}
