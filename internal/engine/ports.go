package engine

import (
	"context"
	"time"

	"github.com/example/slotsniper/internal/config"
)

// Provider is the venue the run competes on.
type Provider interface {
	FetchState(ctx context.Context, date string) (StateMatrix, error)
	FetchHoldings(ctx context.Context, date string) ([]HeldSlot, error)
	Submit(ctx context.Context, date string, pairs []Pair) (SubmitResponse, error)
}

// FreshStateFetcher is implemented by providers that share state polls between
// callers. FetchFreshState always issues its own request, so the result is
// never older than the call.
type FreshStateFetcher interface {
	FetchFreshState(ctx context.Context, date string) (StateMatrix, error)
}

// fetchFresh polls state for a decision that must see the effect of a submit.
func fetchFresh(ctx context.Context, p Provider, date string) (StateMatrix, error) {
	if f, ok := p.(FreshStateFetcher); ok {
		return f.FetchFreshState(ctx, date)
	}
	return p.FetchState(ctx, date)
}

// ServerClock is implemented by providers that can report their own time.
type ServerClock interface {
	ServerTime(ctx context.Context) (time.Time, error)
}

// Notifier delivers a message to operators. Errors are logged and ignored.
type Notifier interface {
	Notify(ctx context.Context, text string) error
}

// RecipientNotifier is implemented by notifiers that can address specific recipients.
type RecipientNotifier interface {
	NotifyTo(ctx context.Context, recipients []string, text string) error
}

type MetricsSink interface {
	Append(ctx context.Context, m RunMetrics) error
}

type ConfigSource interface {
	Current() config.Tuning
}

type Clock interface {
	Now() time.Time
	Sleep(ctx context.Context, d time.Duration) error
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

func (systemClock) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// SystemClock is the wall clock.
var SystemClock Clock = systemClock{}

type nopNotifier struct{}

func (nopNotifier) Notify(context.Context, string) error { return nil }

type nopSink struct{}

func (nopSink) Append(context.Context, RunMetrics) error { return nil }
