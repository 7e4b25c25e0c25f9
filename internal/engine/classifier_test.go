package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassifier_Code(t *testing.T) {
	c := NewClassifier(testTuning())

	tests := []struct {
		code int
		want SlotState
	}{
		{1, SlotAvailable},
		{6, SlotLocked},
		{2, SlotTaken},
		{0, SlotTaken},
		{4, SlotTaken},
		{99, SlotTaken},
		{-1, SlotTaken},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, c.Code(tt.code), "code %d", tt.code)
	}
}

func TestClassifier_ConfiguredLockedCodes(t *testing.T) {
	tun := testTuning()
	tun.LockedCodes = []int{6, 7}
	c := NewClassifier(tun)
	assert.Equal(t, SlotLocked, c.Code(7))
	assert.Equal(t, SlotTaken, c.Code(8))
}

func TestClassifier_HoldingsOverwriteMatrix(t *testing.T) {
	c := NewClassifier(testTuning())
	m := StateMatrix{Codes: map[UnitID]map[TimeWindow]int{}}
	m.Set("1", "20:00", codeBooked)
	m.Set("2", "20:00", codeFree)
	m.Set("3", "20:00", codeLocked)

	state := c.Classify(m, []HeldSlot{{Unit: "1", Window: "20:00"}, {Unit: "9", Window: "20:00"}})

	assert.Equal(t, SlotHeld, state.Get(Pair{"1", "20:00"}))
	assert.Equal(t, SlotAvailable, state.Get(Pair{"2", "20:00"}))
	assert.Equal(t, SlotLocked, state.Get(Pair{"3", "20:00"}))
	assert.Equal(t, SlotHeld, state.Get(Pair{"9", "20:00"}))
	assert.Equal(t, SlotUnknown, state.Get(Pair{"4", "20:00"}))
}
