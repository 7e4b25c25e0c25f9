// Package engine decides what to submit, when, and whether it worked while
// competing for scarce (unit, time window) slots on a single date.
package engine

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

type UnitID string

// TimeWindow is the start of a bookable slot as "HH:MM".
type TimeWindow string

type Pair struct {
	Unit   UnitID     `json:"unit"`
	Window TimeWindow `json:"window"`
}

func (p Pair) String() string { return string(p.Unit) + "@" + string(p.Window) }

// ParseWindow accepts "H:MM", "HH:MM" or "HH:MM:SS".
func ParseWindow(s string) (TimeWindow, error) {
	s = strings.TrimSpace(s)
	t, err := time.Parse("15:04", s)
	if err != nil {
		t, err = time.Parse("15:04:05", s)
	}
	if err != nil {
		return "", fmt.Errorf("invalid time window %q", s)
	}
	return TimeWindow(t.Format("15:04")), nil
}

// On returns the window start on date in loc.
func (w TimeWindow) On(date string, loc *time.Location) (time.Time, error) {
	return time.ParseInLocation("2006-01-02 15:04", date+" "+string(w), loc)
}

func unitNum(u UnitID) (int, bool) {
	n, err := strconv.Atoi(string(u))
	return n, err == nil
}

// lessUnit orders numeric ids numerically and everything else lexically after them.
func lessUnit(a, b UnitID) bool {
	na, oka := unitNum(a)
	nb, okb := unitNum(b)
	switch {
	case oka && okb:
		return na < nb
	case oka:
		return true
	case okb:
		return false
	}
	return a < b
}

func sortUnits(us []UnitID) {
	sort.SliceStable(us, func(i, j int) bool { return lessUnit(us[i], us[j]) })
}

type SlotState int

const (
	SlotUnknown SlotState = iota
	SlotAvailable
	SlotLocked
	SlotTaken
	SlotHeld
)

func (s SlotState) String() string {
	switch s {
	case SlotAvailable:
		return "available"
	case SlotLocked:
		return "locked"
	case SlotTaken:
		return "taken"
	case SlotHeld:
		return "held"
	}
	return "unknown"
}

// StateMatrix is the raw status code per unit per window as reported by the provider.
type StateMatrix struct {
	Codes      map[UnitID]map[TimeWindow]int
	ObservedAt time.Time
}

func (m StateMatrix) Set(u UnitID, w TimeWindow, code int) {
	row, ok := m.Codes[u]
	if !ok {
		row = map[TimeWindow]int{}
		m.Codes[u] = row
	}
	row[w] = code
}

func (m StateMatrix) Code(u UnitID, w TimeWindow) (int, bool) {
	c, ok := m.Codes[u][w]
	return c, ok
}

// ResourceState is the classified view of one round; pairs missing from it are unknown.
type ResourceState map[Pair]SlotState

func (s ResourceState) Get(p Pair) SlotState { return s[p] }

// Units lists every unit mentioned in the state, numeric order first.
func (s ResourceState) Units() []UnitID {
	seen := map[UnitID]bool{}
	var out []UnitID
	for p := range s {
		if !seen[p.Unit] {
			seen[p.Unit] = true
			out = append(out, p.Unit)
		}
	}
	sortUnits(out)
	return out
}

type HeldSlot struct {
	Unit    UnitID
	Window  TimeWindow
	OrderID string
}

type Strategy string

const (
	StrategyNormal       Strategy = "normal"
	StrategyPriority     Strategy = "priority"
	StrategyTimePriority Strategy = "time_priority"
	StrategyStaged       Strategy = "staged"
)

func (s Strategy) Valid() bool {
	switch s {
	case StrategyNormal, StrategyPriority, StrategyTimePriority, StrategyStaged:
		return true
	}
	return false
}

type StrategyParams struct {
	PreferContiguous bool           `json:"prefer_contiguous,omitempty"`
	Groups           [][]UnitID     `json:"groups,omitempty"`
	TimeSequences    [][]TimeWindow `json:"time_sequences,omitempty"`
	AllowPartial     bool           `json:"allow_partial,omitempty"`
}

// TargetSpec describes what one run must acquire. It does not change during the run.
type TargetSpec struct {
	TaskID string
	// Date is "YYYY-MM-DD". When empty the date is today plus DayOffset.
	Date        string
	DayOffset   int
	Windows     []TimeWindow
	Candidates  []UnitID
	TargetCount int
	Strategy    Strategy
	Params      StrategyParams

	Deadline     time.Time
	DeadlineLead time.Duration

	Recipients []string
}

func (s TargetSpec) Validate() error {
	if s.TaskID == "" {
		return fmt.Errorf("task id required")
	}
	if len(s.Windows) == 0 {
		return fmt.Errorf("at least one time window required")
	}
	seen := map[TimeWindow]bool{}
	for _, w := range s.Windows {
		if _, err := ParseWindow(string(w)); err != nil {
			return err
		}
		if seen[w] {
			return fmt.Errorf("duplicate time window %s", w)
		}
		seen[w] = true
	}
	if s.TargetCount < 1 || s.TargetCount > 9 {
		return fmt.Errorf("target_count must be between 1 and 9")
	}
	if s.Date != "" {
		if _, err := time.Parse("2006-01-02", s.Date); err != nil {
			return fmt.Errorf("invalid date %q", s.Date)
		}
	}
	if !s.Strategy.Valid() {
		return fmt.Errorf("unknown strategy %q", s.Strategy)
	}
	if s.Strategy == StrategyPriority && len(s.Params.Groups) == 0 && len(s.Candidates) == 0 {
		return fmt.Errorf("priority strategy needs groups or candidates")
	}
	units := map[UnitID]bool{}
	for _, u := range s.Candidates {
		if units[u] {
			return fmt.Errorf("duplicate candidate %s", u)
		}
		units[u] = true
	}
	return nil
}

// ResolveDate returns the target date as seen from now in loc.
func (s TargetSpec) ResolveDate(now time.Time, loc *time.Location) string {
	if s.Date != "" {
		return s.Date
	}
	return now.In(loc).AddDate(0, 0, s.DayOffset).Format("2006-01-02")
}

// CandidateUnits is the explicit candidate list, else the union of priority
// groups in order. Nil means every unit the provider reports.
func (s TargetSpec) CandidateUnits() []UnitID {
	if len(s.Candidates) > 0 {
		return s.Candidates
	}
	var out []UnitID
	seen := map[UnitID]bool{}
	for _, g := range s.Params.Groups {
		for _, u := range g {
			if !seen[u] {
				seen[u] = true
				out = append(out, u)
			}
		}
	}
	return out
}

func (s TargetSpec) candidateSet() map[UnitID]bool {
	units := s.CandidateUnits()
	if len(units) == 0 {
		return nil
	}
	set := make(map[UnitID]bool, len(units))
	for _, u := range units {
		set[u] = true
	}
	return set
}

// Need is the number of units still to acquire per window.
type Need map[TimeWindow]int

func (n Need) Total() int {
	total := 0
	for _, v := range n {
		total += v
	}
	return total
}

// Active returns the windows with a positive need, in the given order.
func (n Need) Active(order []TimeWindow) []TimeWindow {
	var out []TimeWindow
	for _, w := range order {
		if n[w] > 0 {
			out = append(out, w)
		}
	}
	return out
}

func (n Need) clone() Need {
	out := make(Need, len(n))
	for k, v := range n {
		out[k] = v
	}
	return out
}

type SubmitResponse struct {
	OK      bool
	Message string
}

type OutcomeStatus string

const (
	StatusSuccess OutcomeStatus = "success"
	StatusPartial OutcomeStatus = "partial"
	StatusFail    OutcomeStatus = "fail"
	StatusPending OutcomeStatus = "pending"
)

// SubmitOutcome is the verified result of one round of submissions.
type SubmitOutcome struct {
	Status      OutcomeStatus
	APIAccepted bool
	Held        []Pair
	Unheld      []Pair
	Message     string
	// Suspected is set when the provider accepted pairs that verification cannot find.
	Suspected bool
}

type Result string

const (
	ResultSuccess Result = "success"
	ResultPartial Result = "partial"
	ResultFail    Result = "fail"
	ResultStopped Result = "stopped"
)

type TerminalOutcome struct {
	Result  Result
	Message string
	Date    string
	Secured []Pair
	Metrics RunMetrics
}

func formatPairs(ps []Pair) string {
	if len(ps) == 0 {
		return "none"
	}
	parts := make([]string, len(ps))
	for i, p := range ps {
		parts[i] = p.String()
	}
	return strings.Join(parts, ",")
}
