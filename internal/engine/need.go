package engine

// ComputeNeed counts, per window, how many more candidate units must be held
// to reach the target. It never goes below zero.
func ComputeNeed(spec TargetSpec, state ResourceState) Need {
	held := heldPerWindow(spec, state)
	need := make(Need, len(spec.Windows))
	for _, w := range spec.Windows {
		n := spec.TargetCount - held[w]
		if n < 0 {
			n = 0
		}
		need[w] = n
	}
	return need
}

func heldPerWindow(spec TargetSpec, state ResourceState) map[TimeWindow]int {
	cands := spec.candidateSet()
	out := map[TimeWindow]int{}
	for p, s := range state {
		if s != SlotHeld {
			continue
		}
		if cands != nil && !cands[p.Unit] {
			continue
		}
		out[p.Window]++
	}
	return out
}

// securedPairs lists held candidate pairs at the requested windows in stable order.
func securedPairs(spec TargetSpec, state ResourceState) []Pair {
	cands := spec.candidateSet()
	var out []Pair
	for _, u := range state.Units() {
		if cands != nil && !cands[u] {
			continue
		}
		for _, w := range spec.Windows {
			p := Pair{Unit: u, Window: w}
			if state[p] == SlotHeld {
				out = append(out, p)
			}
		}
	}
	return out
}
