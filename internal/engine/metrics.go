package engine

import (
	"time"

	"github.com/google/uuid"
)

// RunMetrics is appended once per run for offline tuning.
type RunMetrics struct {
	RunID      uuid.UUID
	TaskID     string
	Date       string
	Strategy   Strategy
	StartedAt  time.Time
	FinishedAt time.Time

	// Latencies from run start; zero means the event never happened.
	FirstPoll    time.Duration
	FirstSubmit  time.Duration
	FirstSuccess time.Duration

	SubmitLatencies []time.Duration
	Attempts        int
	Rounds          int
	StageReached    Stage

	Result  Result
	Message string
	Secured []Pair
}

func newRunMetrics(spec TargetSpec, started time.Time) *RunMetrics {
	return &RunMetrics{
		RunID:     uuid.New(),
		TaskID:    spec.TaskID,
		Strategy:  spec.Strategy,
		StartedAt: started,
	}
}

func sinceStart(start, now time.Time) time.Duration {
	d := now.Sub(start)
	if d <= 0 {
		// keep "happened" distinguishable from "never"
		return time.Nanosecond
	}
	return d
}

func (m *RunMetrics) markPoll(now time.Time) {
	if m.FirstPoll == 0 {
		m.FirstPoll = sinceStart(m.StartedAt, now)
	}
}

func (m *RunMetrics) markSubmit(now time.Time, latency time.Duration) {
	if m.FirstSubmit == 0 {
		m.FirstSubmit = sinceStart(m.StartedAt, now)
	}
	m.Attempts++
	m.SubmitLatencies = append(m.SubmitLatencies, latency)
}

func (m *RunMetrics) markSuccess(now time.Time) {
	if m.FirstSuccess == 0 {
		m.FirstSuccess = sinceStart(m.StartedAt, now)
	}
}

func (m *RunMetrics) markStage(s Stage) {
	if s > m.StageReached {
		m.StageReached = s
	}
}

// MeanSubmitLatency is zero when nothing was submitted.
func (m RunMetrics) MeanSubmitLatency() time.Duration {
	if len(m.SubmitLatencies) == 0 {
		return 0
	}
	var total time.Duration
	for _, l := range m.SubmitLatencies {
		total += l
	}
	return total / time.Duration(len(m.SubmitLatencies))
}
