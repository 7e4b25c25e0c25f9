package tasks

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/example/slotsniper/internal/engine"
)

// Draft is a task as typed by an operator, in the web form or on the command line.
type Draft struct {
	Name        string
	Schedule    string
	RunTime     string
	Weekday     string
	RunDate     string
	DayOffset   string
	TargetDate  string
	Windows     string
	Candidates  string
	Groups      string
	Sequences   string
	TargetCount string
	Strategy    string
	// DeadlineLead is in minutes.
	DeadlineLead string
	NotifyPhones string

	AllowPartial     bool
	PreferContiguous bool
}

var weekdays = map[string]time.Weekday{
	"sun": time.Sunday, "mon": time.Monday, "tue": time.Tuesday, "wed": time.Wednesday,
	"thu": time.Thursday, "fri": time.Friday, "sat": time.Saturday,
}

func parseWeekday(s string) (time.Weekday, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return time.Sunday, nil
	}
	if n, err := strconv.Atoi(s); err == nil {
		return time.Weekday(n), nil
	}
	if len(s) >= 3 {
		if d, ok := weekdays[s[:3]]; ok {
			return d, nil
		}
	}
	return 0, fmt.Errorf("invalid weekday %q", s)
}

func atoiDefault(s string, def int, field string) (int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return def, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q", field, s)
	}
	return n, nil
}

// Build parses the draft into a validated Task. A target date switches the
// task to fixed mode.
func (d Draft) Build() (Task, error) {
	t := Task{
		Name:         strings.TrimSpace(d.Name),
		Schedule:     Schedule(strings.TrimSpace(d.Schedule)),
		RunTime:      strings.TrimSpace(d.RunTime),
		RunDate:      strings.TrimSpace(d.RunDate),
		TargetMode:   TargetOffset,
		Candidates:   ParseUnits(d.Candidates),
		Strategy:     engine.Strategy(strings.TrimSpace(d.Strategy)),
		NotifyPhones: SplitPhones(d.NotifyPhones),
		Status:       StatusActive,
	}
	if t.Schedule == "" {
		t.Schedule = ScheduleDaily
	}
	if t.Strategy == "" {
		t.Strategy = engine.StrategyNormal
	}
	if td := strings.TrimSpace(d.TargetDate); td != "" {
		t.TargetMode = TargetFixed
		t.TargetDate = td
	}

	var err error
	if t.Weekday, err = parseWeekday(d.Weekday); err != nil {
		return Task{}, err
	}
	if t.DayOffset, err = atoiDefault(d.DayOffset, 0, "day offset"); err != nil {
		return Task{}, err
	}
	if t.TargetCount, err = atoiDefault(d.TargetCount, 1, "target count"); err != nil {
		return Task{}, err
	}
	lead, err := atoiDefault(d.DeadlineLead, 0, "deadline lead")
	if err != nil {
		return Task{}, err
	}
	t.DeadlineLead = time.Duration(lead) * time.Minute

	if t.Windows, err = ParseWindows(d.Windows); err != nil {
		return Task{}, err
	}
	t.Params.Groups = ParseGroups(d.Groups)
	if t.Params.TimeSequences, err = ParseSequences(d.Sequences); err != nil {
		return Task{}, err
	}
	t.Params.AllowPartial = d.AllowPartial
	t.Params.PreferContiguous = d.PreferContiguous

	if err := t.Validate(); err != nil {
		return Task{}, err
	}
	return t, nil
}
