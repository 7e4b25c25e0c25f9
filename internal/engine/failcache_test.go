package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestClassifyFailure(t *testing.T) {
	assert.Equal(t, FailureNetwork, ClassifyFailure("502 Bad Gateway"))
	assert.Equal(t, FailureNetwork, ClassifyFailure("read tcp: connection reset by peer"))
	assert.Equal(t, FailureNetwork, ClassifyFailure("请求过于频繁"))
	assert.Equal(t, FailureNetwork, ClassifyFailure("Too fast, slow down"))
	assert.Equal(t, FailureBusiness, ClassifyFailure("exceeds per-slot limit"))
	assert.Equal(t, FailureBusiness, ClassifyFailure(""))
}

func TestPairFailureCache_BusinessCooldown(t *testing.T) {
	c := NewPairFailureCache()
	p := Pair{"3", "20:00"}
	c.Record(p, FailureBusiness, t0, "limit reached")

	assert.True(t, c.Blocked(p, t0.Add(5*time.Second), 20*time.Second))
	assert.False(t, c.Blocked(p, t0.Add(20*time.Second), 20*time.Second))
	assert.False(t, c.Flagged(p, t0, 20*time.Second))
}

func TestPairFailureCache_NetworkIsFlaggedNotBlocked(t *testing.T) {
	c := NewPairFailureCache()
	p := Pair{"3", "20:00"}
	c.Record(p, FailureNetwork, t0, "timeout")

	assert.False(t, c.Blocked(p, t0, time.Minute))
	assert.True(t, c.Flagged(p, t0, time.Minute))
}

func TestPairFailureCache_ForgetAndPrune(t *testing.T) {
	c := NewPairFailureCache()
	c.Record(Pair{"1", "20:00"}, FailureBusiness, t0, "")
	c.Record(Pair{"2", "20:00"}, FailureBusiness, t0.Add(10*time.Second), "")
	c.Forget(Pair{"1", "20:00"})
	assert.Equal(t, 1, c.Len())

	c.Prune(t0.Add(25*time.Second), 20*time.Second)
	assert.Equal(t, 1, c.Len())
	c.Prune(t0.Add(30*time.Second), 20*time.Second)
	assert.Equal(t, 0, c.Len())
}
