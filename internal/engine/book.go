package engine

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// BookResult is the outcome of a one-shot manual booking.
type BookResult struct {
	Date string
	// Skipped holds requested pairs that were not available at the re-check.
	Skipped []Pair
	Outcome SubmitOutcome
}

// ParsePairs reads comma-separated "unit@HH:MM" items.
func ParsePairs(s string) ([]Pair, error) {
	var out []Pair
	seen := map[Pair]bool{}
	for _, item := range strings.Split(s, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		u, w, ok := strings.Cut(item, "@")
		u = strings.TrimSpace(u)
		if !ok || u == "" {
			return nil, fmt.Errorf("invalid pair %q, want unit@HH:MM", item)
		}
		win, err := ParseWindow(w)
		if err != nil {
			return nil, err
		}
		p := Pair{Unit: UnitID(u), Window: win}
		if seen[p] {
			continue
		}
		seen[p] = true
		out = append(out, p)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no pairs given")
	}
	return out, nil
}

// Book submits the given pairs once, right now. Each pair is re-checked
// against a fresh poll first and only the available ones are sent; the
// submission then goes through the same executor and verifier as a run.
// Bookings for the same date never overlap.
func (r *Runner) Book(ctx context.Context, date string, ps []Pair) (BookResult, error) {
	if _, err := time.Parse("2006-01-02", date); err != nil {
		return BookResult{}, fmt.Errorf("invalid date %q", date)
	}
	if len(ps) == 0 {
		return BookResult{}, fmt.Errorf("no pairs given")
	}
	r.defaults()
	spec := bookSpec(date, ps)
	release, ok := r.Locks.TryAcquire(spec.TaskID)
	if !ok {
		return BookResult{}, ErrAlreadyRunning
	}
	defer release()

	rc := newRunContext(spec, r.Config, r.Clock, r.Clock.Now().UnixNano())
	r.syncClock(ctx, rc)
	rc.Date = date
	rc.resolveDeadline()
	res := BookResult{Date: date}

	m, err := fetchFresh(ctx, r.Provider, date)
	if err != nil {
		return res, fmt.Errorf("re-check: %w", err)
	}
	h, err := r.Provider.FetchHoldings(ctx, date)
	if err != nil {
		if KindOf(err) == KindSession || isCanceled(err) {
			return res, err
		}
		r.logf("book: date=%s holdings fetch failed: %v", date, err)
	} else {
		rc.setHoldings(h)
	}
	state := rc.classifier().Classify(m, rc.holdings())

	var todo []Pair
	for _, p := range ps {
		if state.Get(p) == SlotAvailable {
			todo = append(todo, p)
		} else {
			res.Skipped = append(res.Skipped, p)
		}
	}
	if len(todo) == 0 {
		res.Outcome = SubmitOutcome{Status: StatusFail, Message: "none of the requested pairs is available"}
		r.logf("book: date=%s nothing to submit, skipped=%s", date, formatPairs(res.Skipped))
		return res, nil
	}

	exec := &Executor{Provider: r.Provider, Logger: r.Logger}
	er, err := exec.Execute(ctx, rc, date, todo)
	if err != nil {
		return res, err
	}
	ver := &Verifier{Provider: r.Provider, Logger: r.Logger}
	out, _, err := r.verify(ctx, rc, ver, todo, er)
	if err != nil {
		return res, err
	}
	res.Outcome = out
	r.logf("book: date=%s status=%s held=%s unheld=%s skipped=%s",
		date, out.Status, formatPairs(out.Held), formatPairs(out.Unheld), formatPairs(res.Skipped))

	text := fmt.Sprintf("[slotsniper] manual booking %s date=%s held=%s: %s",
		out.Status, date, formatPairs(out.Held), out.Message)
	r.notify(ctx, rc, text)
	return res, nil
}

// bookSpec is the target a manual booking runs under: every requested pair
// once, no strategy choices left to make.
func bookSpec(date string, ps []Pair) TargetSpec {
	spec := TargetSpec{TaskID: "book:" + date, Date: date, Strategy: StrategyNormal, TargetCount: 1}
	perWindow := map[TimeWindow]int{}
	units := map[UnitID]bool{}
	for _, p := range ps {
		if perWindow[p.Window] == 0 {
			spec.Windows = append(spec.Windows, p.Window)
		}
		perWindow[p.Window]++
		if perWindow[p.Window] > spec.TargetCount {
			spec.TargetCount = perWindow[p.Window]
		}
		if !units[p.Unit] {
			units[p.Unit] = true
			spec.Candidates = append(spec.Candidates, p.Unit)
		}
	}
	return spec
}
