package engine

import (
	"context"
	"io"
	"log"
	"sync"
	"time"

	"github.com/example/slotsniper/internal/config"
)

var t0 = time.Date(2026, 1, 17, 12, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock { return &fakeClock{now: t0} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
	return nil
}

const (
	codeFree   = 1
	codeLocked = 6
	codeBooked = 2
)

// fakeProvider serves a mutable state matrix. Accepted submits turn pairs
// booked and, when holdOnSubmit is set, add them to the holdings list.
type fakeProvider struct {
	mu    sync.Mutex
	clock *fakeClock

	codes       map[Pair]int
	held        []HeldSlot
	lockedUntil time.Time

	stateErrs    []error
	holdingsErrs []error
	submitErrs   []error
	submitFn     func(pairs []Pair) SubmitResponse
	holdOnSubmit bool
	// holdingsBlock makes FetchHoldings wait for ctx when set.
	holdingsBlock bool

	submits    [][]Pair
	submitAt   []time.Time
	stateCalls int
}

func newFakeProvider(clock *fakeClock) *fakeProvider {
	return &fakeProvider{clock: clock, codes: map[Pair]int{}, holdOnSubmit: true}
}

func (p *fakeProvider) set(u UnitID, w TimeWindow, code int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.codes[Pair{Unit: u, Window: w}] = code
}

func (p *fakeProvider) FetchState(ctx context.Context, date string) (StateMatrix, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stateCalls++
	if len(p.stateErrs) > 0 {
		err := p.stateErrs[0]
		p.stateErrs = p.stateErrs[1:]
		if err != nil {
			return StateMatrix{}, err
		}
	}
	m := StateMatrix{Codes: map[UnitID]map[TimeWindow]int{}, ObservedAt: p.clock.Now()}
	locked := p.clock.Now().Before(p.lockedUntil)
	for pr, code := range p.codes {
		if locked && code == codeFree {
			code = codeLocked
		}
		m.Set(pr.Unit, pr.Window, code)
	}
	return m, nil
}

func (p *fakeProvider) FetchHoldings(ctx context.Context, date string) ([]HeldSlot, error) {
	p.mu.Lock()
	block := p.holdingsBlock
	p.mu.Unlock()
	if block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.holdingsErrs) > 0 {
		err := p.holdingsErrs[0]
		p.holdingsErrs = p.holdingsErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	return append([]HeldSlot(nil), p.held...), nil
}

func (p *fakeProvider) Submit(ctx context.Context, date string, pairs []Pair) (SubmitResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.submits = append(p.submits, append([]Pair(nil), pairs...))
	p.submitAt = append(p.submitAt, p.clock.Now())
	if len(p.submitErrs) > 0 {
		err := p.submitErrs[0]
		p.submitErrs = p.submitErrs[1:]
		if err != nil {
			return SubmitResponse{}, err
		}
	}
	resp := SubmitResponse{OK: true, Message: "success"}
	if p.submitFn != nil {
		resp = p.submitFn(pairs)
	}
	if resp.OK {
		for _, pr := range pairs {
			p.codes[pr] = codeBooked
			if p.holdOnSubmit {
				p.held = append(p.held, HeldSlot{Unit: pr.Unit, Window: pr.Window})
			}
		}
	}
	return resp, nil
}

func (p *fakeProvider) submitCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.submits)
}

type recordingNotifier struct {
	mu   sync.Mutex
	msgs []string
}

func (n *recordingNotifier) Notify(ctx context.Context, text string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.msgs = append(n.msgs, text)
	return nil
}

type memSink struct {
	mu   sync.Mutex
	runs []RunMetrics
}

func (s *memSink) Append(ctx context.Context, m RunMetrics) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs = append(s.runs, m)
	return nil
}

func testTuning() config.Tuning {
	t := config.DefaultTuning()
	t.Timezone = "UTC"
	t.HoldingsJoinTimeoutMs = 200
	return t
}

func quietLogger() *log.Logger { return log.New(io.Discard, "", 0) }

func newTestRunContext(spec TargetSpec, t config.Tuning, clock *fakeClock) *RunContext {
	rc := newRunContext(spec, config.StaticStore(t), clock, 1)
	rc.Date = spec.ResolveDate(rc.Now(), time.UTC)
	rc.resolveDeadline()
	return rc
}

func scenarioSpec() TargetSpec {
	return TargetSpec{
		TaskID:      "court-night",
		Date:        "2026-01-18",
		Windows:     []TimeWindow{"21:00"},
		Candidates:  []UnitID{"5", "6", "7"},
		TargetCount: 2,
		Strategy:    StrategyNormal,
	}
}

func scenarioProvider(clock *fakeClock) *fakeProvider {
	p := newFakeProvider(clock)
	p.set("5", "21:00", codeBooked)
	p.set("6", "21:00", codeFree)
	p.set("7", "21:00", codeFree)
	return p
}

func pairs(ss ...string) []Pair {
	out := make([]Pair, 0, len(ss))
	for _, s := range ss {
		for i := 0; i < len(s); i++ {
			if s[i] == '@' {
				out = append(out, Pair{Unit: UnitID(s[:i]), Window: TimeWindow(s[i+1:])})
				break
			}
		}
	}
	return out
}
