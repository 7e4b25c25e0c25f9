package engine

import (
	"time"

	"github.com/example/slotsniper/internal/config"
)

type Stage int

const (
	StageContinuous Stage = iota
	StageRandom
	StageRefill
)

func (s Stage) String() string {
	switch s {
	case StageRandom:
		return "random"
	case StageRefill:
		return "refill"
	}
	return "continuous"
}

// StageState is the staged pipeline position carried between rounds.
type StageState struct {
	Stage            Stage
	EnteredAt        time.Time
	NoProgressRounds int
	// LastNeedTotal is -1 until the first round has been seen.
	LastNeedTotal int
	LastRefillAt  time.Time
}

func InitialStage(now time.Time) StageState {
	return StageState{Stage: StageContinuous, EnteredAt: now, LastNeedTotal: -1}
}

// NextStage advances the pipeline for one round. elapsed is measured from run
// start. Stages only move forward: continuous, random, refill.
//
// submitted reports whether a batch went out since the previous call. Only
// those rounds count toward the stuck escape, so waiting on a lock or on
// open slots never pushes the run out of the continuous stage early.
func NextStage(s StageState, elapsed time.Duration, needTotal int, now time.Time, submitted bool, t config.Tuning) StageState {
	if s.Stage == StageContinuous {
		switch {
		case s.LastNeedTotal < 0 || !submitted:
		case needTotal >= s.LastNeedTotal:
			s.NoProgressRounds++
		default:
			s.NoProgressRounds = 0
		}

		stuck := t.StuckRounds > 0 && s.NoProgressRounds >= t.StuckRounds
		if elapsed >= t.StageContinuous() || stuck {
			s.Stage = StageRandom
			s.EnteredAt = now
			s.NoProgressRounds = 0
		}
	}
	if s.Stage == StageRandom && elapsed >= t.StageContinuous()+t.StageRandom() {
		s.Stage = StageRefill
		s.EnteredAt = now
	}
	s.LastNeedTotal = needTotal
	return s
}

// RefillDue reports whether a refill attempt may run now.
func RefillDue(s StageState, now time.Time, t config.Tuning) bool {
	return s.LastRefillAt.IsZero() || now.Sub(s.LastRefillAt) >= t.RefillInterval()
}
