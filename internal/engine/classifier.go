package engine

import "github.com/example/slotsniper/internal/config"

// Classifier maps provider status codes onto slot states.
// Any code that is neither available nor locked is taken.
type Classifier struct {
	available map[int]bool
	locked    map[int]bool
}

func NewClassifier(t config.Tuning) Classifier {
	c := Classifier{available: map[int]bool{}, locked: map[int]bool{}}
	for _, code := range t.AvailableCodes {
		c.available[code] = true
	}
	for _, code := range t.LockedCodes {
		c.locked[code] = true
	}
	return c
}

func (c Classifier) Code(code int) SlotState {
	switch {
	case c.available[code]:
		return SlotAvailable
	case c.locked[code]:
		return SlotLocked
	}
	return SlotTaken
}

// Classify builds the state for one round. Holdings overwrite whatever the
// matrix says for the same pair.
func (c Classifier) Classify(m StateMatrix, holdings []HeldSlot) ResourceState {
	state := make(ResourceState)
	for u, row := range m.Codes {
		for w, code := range row {
			state[Pair{Unit: u, Window: w}] = c.Code(code)
		}
	}
	for _, h := range holdings {
		state[Pair{Unit: h.Unit, Window: h.Window}] = SlotHeld
	}
	return state
}
