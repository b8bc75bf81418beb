// Package ledger is the additive, monotonic XP accounting of a user and the
// leveling curve derived from it.
package ledger

import "math"

// XPPerLevelUnit scales the leveling curve.
const XPPerLevelUnit = 100

// LevelFor returns floor(sqrt(totalXP/100)) + 1. Negative totals are level 1.
func LevelFor(totalXP int64) int {
	if totalXP <= 0 {
		return 1
	}
	level := int(math.Floor(math.Sqrt(float64(totalXP)/XPPerLevelUnit))) + 1

	// Guard float rounding right at a boundary.
	for level > 1 && ThresholdFor(level) > totalXP {
		level--
	}
	for ThresholdFor(level+1) <= totalXP {
		level++
	}
	return level
}

// ThresholdFor returns the minimum total XP of a level: (level-1)^2 * 100.
func ThresholdFor(level int) int64 {
	if level <= 1 {
		return 0
	}
	n := int64(level - 1)
	return n * n * XPPerLevelUnit
}

// LevelProgress describes how far a total is into its level.
type LevelProgress struct {
	Level        int   `json:"level"`
	CurrentFloor int64 `json:"currentLevelXp"`
	NextFloor    int64 `json:"nextLevelXp"`
	IntoLevel    int64 `json:"xpIntoLevel"`
	Percent      int   `json:"percent"`
}

// ProgressFor computes the level progress for a total.
func ProgressFor(totalXP int64) LevelProgress {
	if totalXP < 0 {
		totalXP = 0
	}
	level := LevelFor(totalXP)
	floor := ThresholdFor(level)
	next := ThresholdFor(level + 1)

	p := LevelProgress{
		Level:        level,
		CurrentFloor: floor,
		NextFloor:    next,
		IntoLevel:    totalXP - floor,
	}
	if span := next - floor; span > 0 {
		p.Percent = int(p.IntoLevel * 100 / span)
	}
	return p
}
