package engine

import (
	"math/rand"
	"sort"
	"time"
)

// PlanInput is everything the planner looks at for one round.
type PlanInput struct {
	Spec     TargetSpec
	State    ResourceState
	Need     Need
	Stage    Stage
	Failures *PairFailureCache
	Now      time.Time
	Cooldown time.Duration
	// Rand drives the random and refill stages. Nil uses a fixed seed.
	Rand *rand.Rand
}

type planner struct {
	in     PlanInput
	pool   []UnitID
	picked map[Pair]bool
	out    []Pair
}

// Plan picks the pairs to submit this round. Only available pairs are
// returned, never twice, and never a pair cooling down after a business
// failure. Pairs with a recent network failure are ordered last.
func Plan(in PlanInput) []Pair {
	if len(in.Need.Active(in.Spec.Windows)) == 0 {
		return nil
	}
	p := &planner{in: in, picked: map[Pair]bool{}}
	p.pool = in.Spec.CandidateUnits()
	if len(p.pool) == 0 {
		p.pool = in.State.Units()
	}

	switch in.Spec.Strategy {
	case StrategyPriority:
		p.priorityGroups()
	case StrategyTimePriority:
		p.timePriority()
	case StrategyStaged:
		switch in.Stage {
		case StageContinuous:
			p.intersection(true)
		default:
			p.random()
		}
	default:
		p.intersection(in.Spec.Params.PreferContiguous)
	}

	sort.SliceStable(p.out, func(i, j int) bool {
		return !p.flagged(p.out[i]) && p.flagged(p.out[j])
	})
	return p.out
}

func (p *planner) eligible(pr Pair) bool {
	if p.picked[pr] || p.in.State.Get(pr) != SlotAvailable {
		return false
	}
	if p.in.Failures != nil && p.in.Failures.Blocked(pr, p.in.Now, p.in.Cooldown) {
		return false
	}
	return true
}

func (p *planner) flagged(pr Pair) bool {
	return p.in.Failures != nil && p.in.Failures.Flagged(pr, p.in.Now, p.in.Cooldown)
}

func (p *planner) take(pr Pair) {
	p.picked[pr] = true
	p.out = append(p.out, pr)
}

func (p *planner) eligibleAll(u UnitID, windows []TimeWindow) bool {
	for _, w := range windows {
		if !p.eligible(Pair{Unit: u, Window: w}) {
			return false
		}
	}
	return true
}

func (p *planner) flaggedAny(u UnitID, windows []TimeWindow) bool {
	for _, w := range windows {
		if p.flagged(Pair{Unit: u, Window: w}) {
			return true
		}
	}
	return false
}

// byFlag moves units with a flagged pair behind the others, keeping order.
func (p *planner) byFlag(units []UnitID, windows []TimeWindow) []UnitID {
	out := make([]UnitID, 0, len(units))
	var late []UnitID
	for _, u := range units {
		if p.flaggedAny(u, windows) {
			late = append(late, u)
		} else {
			out = append(out, u)
		}
	}
	return append(out, late...)
}

// fill adds up to n single pairs at w from units, in order.
func (p *planner) fill(w TimeWindow, units []UnitID, n int) int {
	added := 0
	for _, u := range p.byFlag(units, []TimeWindow{w}) {
		if added >= n {
			break
		}
		pr := Pair{Unit: u, Window: w}
		if p.eligible(pr) {
			p.take(pr)
			added++
		}
	}
	return added
}

// intersection picks units free at every active window. Windows whose need
// exceeds the common amount get single picks for the difference; a shortfall
// in the common set is only filled per window when partial results are allowed.
func (p *planner) intersection(contiguous bool) {
	active := p.in.Need.Active(p.in.Spec.Windows)
	k := p.in.Need[active[0]]
	for _, w := range active[1:] {
		if p.in.Need[w] < k {
			k = p.in.Need[w]
		}
	}

	var common []UnitID
	for _, u := range p.pool {
		if p.eligibleAll(u, active) {
			common = append(common, u)
		}
	}
	sortUnits(common)

	var chosen []UnitID
	if contiguous {
		chosen = pickContiguous(common, k)
	} else {
		chosen = p.byFlag(common, active)
		if len(chosen) > k {
			chosen = chosen[:k]
		}
	}
	for _, u := range chosen {
		for _, w := range active {
			p.take(Pair{Unit: u, Window: w})
		}
	}

	for _, w := range active {
		extra := p.in.Need[w] - k
		if p.in.Spec.Params.AllowPartial {
			extra += k - len(chosen)
		}
		if extra > 0 {
			p.fill(w, p.pool, extra)
		}
	}
}

// pickContiguous prefers the longest run of consecutive numeric ids. If no
// run is long enough the longest run is taken and topped up in order.
func pickContiguous(units []UnitID, k int) []UnitID {
	if k <= 0 || len(units) == 0 {
		return nil
	}
	var best, cur []UnitID
	prev, havePrev := 0, false
	for _, u := range units {
		n, ok := unitNum(u)
		if ok && havePrev && n == prev+1 {
			cur = append(cur, u)
		} else {
			cur = []UnitID{u}
		}
		prev, havePrev = n, ok
		if len(cur) > len(best) {
			best = append([]UnitID(nil), cur...)
		}
	}
	if len(best) >= k {
		return best[:k]
	}
	out := append([]UnitID(nil), best...)
	inBest := map[UnitID]bool{}
	for _, u := range best {
		inBest[u] = true
	}
	for _, u := range units {
		if len(out) >= k {
			break
		}
		if !inBest[u] {
			out = append(out, u)
		}
	}
	return out
}

// priorityGroups takes whole groups per window in caller order, then single
// units from the groups for the remainder.
func (p *planner) priorityGroups() {
	residual := p.in.Need.clone()
	groups := p.in.Spec.Params.Groups
	if len(groups) == 0 {
		groups = [][]UnitID{p.pool}
	}
	for _, w := range p.in.Need.Active(p.in.Spec.Windows) {
		for _, g := range groups {
			if residual[w] <= 0 {
				break
			}
			if len(g) == 0 || len(g) > residual[w] {
				continue
			}
			whole := true
			for _, u := range g {
				if !p.eligible(Pair{Unit: u, Window: w}) {
					whole = false
					break
				}
			}
			if !whole {
				continue
			}
			for _, u := range g {
				p.take(Pair{Unit: u, Window: w})
			}
			residual[w] -= len(g)
		}
		if residual[w] > 0 {
			residual[w] -= p.fill(w, p.pool, residual[w])
		}
	}
}

// timePriority prefers units free for a whole preferred window sequence,
// then falls back to single windows.
func (p *planner) timePriority() {
	residual := p.in.Need.clone()
	seqs := p.in.Spec.Params.TimeSequences
	if len(seqs) == 0 {
		for _, w := range p.in.Spec.Windows {
			seqs = append(seqs, []TimeWindow{w})
		}
	}
	for _, seq := range seqs {
		var live []TimeWindow
		for _, w := range seq {
			if residual[w] > 0 {
				live = append(live, w)
			}
		}
		if len(live) == 0 {
			continue
		}
		k := residual[live[0]]
		for _, w := range live[1:] {
			if residual[w] < k {
				k = residual[w]
			}
		}
		taken := 0
		for _, u := range p.byFlag(p.pool, live) {
			if taken >= k {
				break
			}
			if !p.eligibleAll(u, live) {
				continue
			}
			for _, w := range live {
				p.take(Pair{Unit: u, Window: w})
				residual[w]--
			}
			taken++
		}
	}
	for _, w := range p.in.Spec.Windows {
		if residual[w] > 0 {
			residual[w] -= p.fill(w, p.pool, residual[w])
		}
	}
}

// random shuffles the pool per window so repeated rounds spread over units.
func (p *planner) random() {
	r := p.in.Rand
	if r == nil {
		r = rand.New(rand.NewSource(1))
	}
	for _, w := range p.in.Need.Active(p.in.Spec.Windows) {
		units := append([]UnitID(nil), p.pool...)
		r.Shuffle(len(units), func(i, j int) { units[i], units[j] = units[j], units[i] })
		p.fill(w, units, p.in.Need[w])
	}
}
