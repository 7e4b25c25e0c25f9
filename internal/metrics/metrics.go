// Package metrics stores one record per finished run.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/example/slotsniper/internal/engine"
	"github.com/redis/go-redis/v9"
)

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) error
}

// PGSink appends to the run_metrics table.
type PGSink struct {
	db execer
}

func NewPGSink(d execer) *PGSink { return &PGSink{db: d} }

func (s *PGSink) Append(ctx context.Context, m engine.RunMetrics) error {
	lat := make([]int64, len(m.SubmitLatencies))
	for i, d := range m.SubmitLatencies {
		lat[i] = d.Milliseconds()
	}
	err := s.db.Exec(ctx, `
INSERT INTO run_metrics(run_id,task_id,target_date,strategy,started_at,finished_at,first_poll_ms,first_submit_ms,first_success_ms,submit_latencies_ms,attempts,rounds,stage_reached,result,message,secured)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)`,
		m.RunID, m.TaskID, m.Date, string(m.Strategy), m.StartedAt, m.FinishedAt,
		optMillis(m.FirstPoll), optMillis(m.FirstSubmit), optMillis(m.FirstSuccess),
		lat, m.Attempts, m.Rounds, m.StageReached.String(), string(m.Result), m.Message, joinPairs(m.Secured),
	)
	if err != nil {
		return fmt.Errorf("metrics: insert run %s: %w", m.RunID, err)
	}
	return nil
}

// optMillis maps "never happened" to NULL.
func optMillis(d time.Duration) *int64 {
	if d == 0 {
		return nil
	}
	ms := d.Milliseconds()
	return &ms
}

func joinPairs(ps []engine.Pair) string {
	parts := make([]string, len(ps))
	for i, p := range ps {
		parts[i] = p.String()
	}
	return strings.Join(parts, ",")
}

// RedisSink keeps rolling counters per task and per day, for dashboards that
// should not hit Postgres.
type RedisSink struct {
	rdb *redis.Client

	prefix string
	// ttl applies to the per-day keys; task totals never expire.
	ttl time.Duration
}

type RedisOption func(*RedisSink)

func WithPrefix(prefix string) RedisOption {
	return func(s *RedisSink) { s.prefix = strings.Trim(prefix, ":") }
}

func WithTTL(d time.Duration) RedisOption {
	return func(s *RedisSink) { s.ttl = d }
}

func NewRedisSink(rdb *redis.Client, opts ...RedisOption) *RedisSink {
	s := &RedisSink{
		rdb:    rdb,
		prefix: "slotsniper:runs",
		ttl:    30 * 24 * time.Hour,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *RedisSink) taskKey(taskID string) string { return s.prefix + ":task:" + taskID }

func (s *RedisSink) dayKey(at time.Time) string {
	return s.prefix + ":day:" + at.UTC().Format("20060102")
}

func (s *RedisSink) Append(ctx context.Context, m engine.RunMetrics) error {
	if s == nil || s.rdb == nil {
		return nil
	}
	at := m.FinishedAt
	if at.IsZero() {
		at = time.Now()
	}
	result := string(m.Result)
	taskKey := s.taskKey(m.TaskID)
	dayKey := s.dayKey(at)

	pipe := s.rdb.Pipeline()
	pipe.HIncrBy(ctx, taskKey, "runs", 1)
	pipe.HIncrBy(ctx, taskKey, "result:"+result, 1)
	pipe.HIncrBy(ctx, taskKey, "attempts", int64(m.Attempts))
	pipe.HIncrBy(ctx, taskKey, "secured", int64(len(m.Secured)))
	if m.FirstSuccess > 0 {
		pipe.HIncrBy(ctx, taskKey, "first_success_ms_sum", m.FirstSuccess.Milliseconds())
		pipe.HIncrBy(ctx, taskKey, "first_success_count", 1)
	}
	pipe.HSet(ctx, taskKey, "last_result", result, "last_run_id", m.RunID.String())

	pipe.HIncrBy(ctx, dayKey, "runs", 1)
	pipe.HIncrBy(ctx, dayKey, "result:"+result, 1)
	if s.ttl > 0 {
		pipe.Expire(ctx, dayKey, s.ttl)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("metrics: redis: %w", err)
	}
	return nil
}

// TaskCounters reads back the counters Append maintains for a task.
func (s *RedisSink) TaskCounters(ctx context.Context, taskID string) (map[string]string, error) {
	return s.rdb.HGetAll(ctx, s.taskKey(taskID)).Result()
}

type Sink interface {
	Append(ctx context.Context, m engine.RunMetrics) error
}

// Multi appends to every sink; one failing sink does not stop the others.
type Multi []Sink

func (m Multi) Append(ctx context.Context, r engine.RunMetrics) error {
	var errs []error
	for _, s := range m {
		if err := s.Append(ctx, r); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
