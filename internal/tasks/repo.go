package tasks

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/example/slotsniper/internal/db"
	"github.com/example/slotsniper/internal/engine"
)

type Repo struct{ db *db.DB }

func NewRepo(d *db.DB) *Repo { return &Repo{db: d} }

const taskColumns = `id,name,schedule,run_time,weekday,run_date,target_mode,day_offset,target_date,windows,candidates,target_count,strategy,params,deadline_lead_seconds,notify_phones,status,last_run_at,last_result,last_message,created_at,updated_at`

func (r *Repo) Create(ctx context.Context, t Task) (int64, error) {
	if t.TargetMode == "" {
		t.TargetMode = TargetOffset
	}
	if t.Strategy == "" {
		t.Strategy = engine.StrategyNormal
	}
	if err := t.Validate(); err != nil {
		return 0, err
	}
	params, err := json.Marshal(t.Params)
	if err != nil {
		return 0, err
	}
	var id int64
	err = r.db.QueryRow(ctx, `
INSERT INTO tasks(name,schedule,run_time,weekday,run_date,target_mode,day_offset,target_date,windows,candidates,target_count,strategy,params,deadline_lead_seconds,notify_phones,status)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,'active')
RETURNING id`,
		t.Name, string(t.Schedule), t.RunTime, int(t.Weekday), nullable(t.RunDate), string(t.TargetMode), t.DayOffset, nullable(t.TargetDate),
		joinWindows(t.Windows), joinUnits(t.Candidates), t.TargetCount, string(t.Strategy), params,
		int(t.DeadlineLead/time.Second), strings.Join(t.NotifyPhones, ","),
	).Scan(&id)
	return id, db.WrapNotFound(err)
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func (r *Repo) List(ctx context.Context) ([]Task, error) {
	return r.query(ctx, `SELECT `+taskColumns+` FROM tasks ORDER BY created_at DESC`)
}

// Active lists tasks the scheduler should consider.
func (r *Repo) Active(ctx context.Context) ([]Task, error) {
	return r.query(ctx, `SELECT `+taskColumns+` FROM tasks WHERE status='active' ORDER BY id`)
}

func (r *Repo) query(ctx context.Context, sql string, args ...any) ([]Task, error) {
	rows, err := r.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (r *Repo) Get(ctx context.Context, id int64) (Task, error) {
	t, err := scanTask(r.db.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=$1`, id))
	if err != nil {
		return Task{}, db.WrapNotFound(err)
	}
	return t, nil
}

func (r *Repo) GetByName(ctx context.Context, name string) (Task, error) {
	t, err := scanTask(r.db.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE name=$1`, name))
	if err != nil {
		return Task{}, db.WrapNotFound(err)
	}
	return t, nil
}

func scanTask(row db.Row) (Task, error) {
	var t Task
	var schedule, mode, windows, candidates, strategy, phones, status string
	var runDate, targetDate *string
	var weekday, leadSec int
	var params []byte
	if err := row.Scan(
		&t.ID, &t.Name, &schedule, &t.RunTime, &weekday, &runDate, &mode, &t.DayOffset, &targetDate,
		&windows, &candidates, &t.TargetCount, &strategy, &params, &leadSec, &phones, &status,
		&t.LastRunAt, &t.LastResult, &t.LastMessage, &t.CreatedAt, &t.UpdatedAt,
	); err != nil {
		return Task{}, err
	}
	t.Schedule = Schedule(schedule)
	t.Weekday = time.Weekday(weekday)
	t.TargetMode = TargetMode(mode)
	t.Strategy = engine.Strategy(strategy)
	t.Status = Status(status)
	t.DeadlineLead = time.Duration(leadSec) * time.Second
	t.NotifyPhones = splitCSV(phones)
	t.Candidates = ParseUnits(candidates)
	if runDate != nil {
		t.RunDate = *runDate
	}
	if targetDate != nil {
		t.TargetDate = *targetDate
	}
	ws, err := ParseWindows(windows)
	if err != nil {
		return Task{}, fmt.Errorf("task %d: %w", t.ID, err)
	}
	t.Windows = ws
	if len(params) > 0 {
		if err := json.Unmarshal(params, &t.Params); err != nil {
			return Task{}, fmt.Errorf("task %d params: %w", t.ID, err)
		}
	}
	return t, nil
}

// MarkRun records the outcome of a finished run. Once tasks are marked done.
func (r *Repo) MarkRun(ctx context.Context, id int64, at time.Time, out engine.TerminalOutcome) error {
	return r.db.Exec(ctx, `
UPDATE tasks
SET last_run_at=$2, last_result=$3, last_message=$4, updated_at=now(),
    status=CASE WHEN schedule='once' THEN 'done' ELSE status END
WHERE id=$1`, id, at, string(out.Result), out.Message)
}

// MarkStarted stamps last_run_at so the same fire time is not picked up twice.
func (r *Repo) MarkStarted(ctx context.Context, id int64, at time.Time) error {
	return r.db.Exec(ctx, `UPDATE tasks SET last_run_at=$2, updated_at=now() WHERE id=$1`, id, at)
}

func (r *Repo) SetStatus(ctx context.Context, id int64, status Status) error {
	n, err := r.db.ExecCount(ctx, `UPDATE tasks SET status=$2, updated_at=now() WHERE id=$1`, id, string(status))
	if err != nil {
		return err
	}
	if n == 0 {
		return db.ErrNotFound
	}
	return nil
}

func (r *Repo) Delete(ctx context.Context, id int64) error {
	n, err := r.db.ExecCount(ctx, `DELETE FROM tasks WHERE id=$1`, id)
	if err != nil {
		return err
	}
	if n == 0 {
		return db.ErrNotFound
	}
	return nil
}
