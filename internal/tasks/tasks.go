package tasks

import (
	"fmt"
	"strings"
	"time"

	"github.com/example/slotsniper/internal/engine"
)

type Schedule string

const (
	ScheduleDaily  Schedule = "daily"
	ScheduleWeekly Schedule = "weekly"
	// ScheduleOnce fires at RunDate+RunTime, or at the first RunTime after
	// creation when RunDate is empty, and is then marked done.
	ScheduleOnce Schedule = "once"
)

type Status string

const (
	StatusActive Status = "active"
	StatusPaused Status = "paused"
	StatusDone   Status = "done"
)

type TargetMode string

const (
	TargetOffset TargetMode = "offset"
	TargetFixed  TargetMode = "fixed"
)

type Task struct {
	ID       int64
	Name     string
	Schedule Schedule
	// RunTime is "HH:MM" or "HH:MM:SS" in the scheduler's timezone.
	RunTime string
	Weekday time.Weekday
	RunDate string

	TargetMode TargetMode
	DayOffset  int
	TargetDate string

	Windows      []engine.TimeWindow
	Candidates   []engine.UnitID
	TargetCount  int
	Strategy     engine.Strategy
	Params       engine.StrategyParams
	DeadlineLead time.Duration
	NotifyPhones []string

	Status      Status
	LastRunAt   *time.Time
	LastResult  *string
	LastMessage *string

	CreatedAt time.Time
	UpdatedAt time.Time
}

func parseClock(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	layout := "15:04"
	if strings.Count(s, ":") == 2 {
		layout = "15:04:05"
	}
	t, err := time.Parse(layout, s)
	if err != nil {
		return 0, fmt.Errorf("invalid run time %q", s)
	}
	return time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute + time.Duration(t.Second())*time.Second, nil
}

func (t Task) Validate() error {
	if strings.TrimSpace(t.Name) == "" {
		return fmt.Errorf("name required")
	}
	if _, err := parseClock(t.RunTime); err != nil {
		return err
	}
	switch t.Schedule {
	case ScheduleDaily:
	case ScheduleWeekly:
		if t.Weekday < time.Sunday || t.Weekday > time.Saturday {
			return fmt.Errorf("weekday must be 0 (Sunday) to 6")
		}
	case ScheduleOnce:
		if t.RunDate != "" {
			if _, err := time.Parse("2006-01-02", t.RunDate); err != nil {
				return fmt.Errorf("invalid run date %q", t.RunDate)
			}
		}
	default:
		return fmt.Errorf("unknown schedule %q", t.Schedule)
	}
	switch t.TargetMode {
	case TargetOffset, "":
		if t.DayOffset < 0 {
			return fmt.Errorf("day offset must not be negative")
		}
	case TargetFixed:
		if t.TargetDate == "" {
			return fmt.Errorf("fixed target mode needs a target date")
		}
	default:
		return fmt.Errorf("unknown target mode %q", t.TargetMode)
	}
	return t.Spec().Validate()
}

// Spec converts the task into the description of one run. The date is left
// for the runner to resolve in offset mode.
func (t Task) Spec() engine.TargetSpec {
	s := engine.TargetSpec{
		TaskID:       t.Name,
		DayOffset:    t.DayOffset,
		Windows:      t.Windows,
		Candidates:   t.Candidates,
		TargetCount:  t.TargetCount,
		Strategy:     t.Strategy,
		Params:       t.Params,
		DeadlineLead: t.DeadlineLead,
		Recipients:   t.NotifyPhones,
	}
	if s.Strategy == "" {
		s.Strategy = engine.StrategyNormal
	}
	if t.TargetMode == TargetFixed {
		s.Date = t.TargetDate
		s.DayOffset = 0
	}
	return s
}

func atClock(day time.Time, clock time.Duration, loc *time.Location) time.Time {
	y, m, d := day.In(loc).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, loc).Add(clock)
}

// PrevRunAt is the latest scheduled fire time at or before now, or zero.
func (t Task) PrevRunAt(now time.Time, loc *time.Location) time.Time {
	clock, err := parseClock(t.RunTime)
	if err != nil {
		return time.Time{}
	}
	switch t.Schedule {
	case ScheduleDaily:
		at := atClock(now, clock, loc)
		if at.After(now) {
			at = atClock(now.In(loc).AddDate(0, 0, -1), clock, loc)
		}
		return at
	case ScheduleWeekly:
		for i := 0; i < 8; i++ {
			day := now.In(loc).AddDate(0, 0, -i)
			if day.Weekday() != t.Weekday {
				continue
			}
			if at := atClock(day, clock, loc); !at.After(now) {
				return at
			}
		}
	case ScheduleOnce:
		at := t.onceAt(clock, loc)
		if !at.IsZero() && !at.After(now) {
			return at
		}
	}
	return time.Time{}
}

// NextRunAt is the first scheduled fire time strictly after now, or zero.
func (t Task) NextRunAt(now time.Time, loc *time.Location) time.Time {
	clock, err := parseClock(t.RunTime)
	if err != nil || t.Status == StatusDone {
		return time.Time{}
	}
	switch t.Schedule {
	case ScheduleDaily:
		at := atClock(now, clock, loc)
		if !at.After(now) {
			at = atClock(now.In(loc).AddDate(0, 0, 1), clock, loc)
		}
		return at
	case ScheduleWeekly:
		for i := 0; i < 8; i++ {
			day := now.In(loc).AddDate(0, 0, i)
			if day.Weekday() != t.Weekday {
				continue
			}
			if at := atClock(day, clock, loc); at.After(now) {
				return at
			}
		}
	case ScheduleOnce:
		if at := t.onceAt(clock, loc); at.After(now) {
			return at
		}
	}
	return time.Time{}
}

func (t Task) onceAt(clock time.Duration, loc *time.Location) time.Time {
	if t.RunDate != "" {
		day, err := time.ParseInLocation("2006-01-02", t.RunDate, loc)
		if err != nil {
			return time.Time{}
		}
		return atClock(day, clock, loc)
	}
	if t.CreatedAt.IsZero() {
		return time.Time{}
	}
	at := atClock(t.CreatedAt, clock, loc)
	if !at.After(t.CreatedAt) {
		at = atClock(t.CreatedAt.In(loc).AddDate(0, 0, 1), clock, loc)
	}
	return at
}

// Due reports whether an active task has a fire time within grace of now
// that it has not run for yet.
func (t Task) Due(now time.Time, loc *time.Location, grace time.Duration) (time.Time, bool) {
	if t.Status != StatusActive {
		return time.Time{}, false
	}
	at := t.PrevRunAt(now, loc)
	if at.IsZero() || now.Sub(at) > grace {
		return time.Time{}, false
	}
	if t.LastRunAt != nil && !t.LastRunAt.Before(at) {
		return time.Time{}, false
	}
	return at, true
}

func joinWindows(ws []engine.TimeWindow) string {
	parts := make([]string, len(ws))
	for i, w := range ws {
		parts[i] = string(w)
	}
	return strings.Join(parts, ",")
}

func joinUnits(us []engine.UnitID) string {
	parts := make([]string, len(us))
	for i, u := range us {
		parts[i] = string(u)
	}
	return strings.Join(parts, ",")
}

func splitCSV(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// ParseWindows normalizes a comma separated list such as "20:00, 21:00".
func ParseWindows(s string) ([]engine.TimeWindow, error) {
	var out []engine.TimeWindow
	for _, p := range splitCSV(s) {
		w, err := engine.ParseWindow(p)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, nil
}

func ParseUnits(s string) []engine.UnitID {
	var out []engine.UnitID
	for _, p := range splitCSV(s) {
		out = append(out, engine.UnitID(p))
	}
	return out
}

func SplitPhones(s string) []string { return splitCSV(s) }

// ParseGroups reads priority groups written as "5,6;7,8".
func ParseGroups(s string) [][]engine.UnitID {
	var out [][]engine.UnitID
	for _, g := range strings.Split(s, ";") {
		if us := ParseUnits(g); len(us) > 0 {
			out = append(out, us)
		}
	}
	return out
}

// ParseSequences reads time sequences written as "20:00,21:00;19:00,20:00".
func ParseSequences(s string) ([][]engine.TimeWindow, error) {
	var out [][]engine.TimeWindow
	for _, seq := range strings.Split(s, ";") {
		ws, err := ParseWindows(seq)
		if err != nil {
			return nil, err
		}
		if len(ws) > 0 {
			out = append(out, ws)
		}
	}
	return out, nil
}
