package ledger

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/jobquest/progress-engine/internal/domain/shared"
)

func TestLevelFor(t *testing.T) {
	tests := []struct {
		total int64
		want  int
	}{
		{-10, 1},
		{0, 1},
		{99, 1},
		{100, 2},
		{399, 2},
		{400, 3},
		{899, 3},
		{900, 4},
		{10000, 11},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, LevelFor(tt.total), "total %d", tt.total)
	}
}

func TestLevelFor_MatchesFormula(t *testing.T) {
	for total := int64(0); total <= 50000; total += 37 {
		want := int(math.Floor(math.Sqrt(float64(total)/100))) + 1
		assert.Equal(t, want, LevelFor(total), "total %d", total)
	}
}

func TestThresholdFor(t *testing.T) {
	assert.Equal(t, int64(0), ThresholdFor(1))
	assert.Equal(t, int64(100), ThresholdFor(2))
	assert.Equal(t, int64(400), ThresholdFor(3))

	for level := 1; level < 50; level++ {
		assert.Equal(t, level, LevelFor(ThresholdFor(level)))
	}
}

func TestProgressFor(t *testing.T) {
	p := ProgressFor(250)

	assert.Equal(t, 2, p.Level)
	assert.Equal(t, int64(100), p.CurrentFloor)
	assert.Equal(t, int64(400), p.NextFloor)
	assert.Equal(t, int64(150), p.IntoLevel)
	assert.Equal(t, 50, p.Percent)
}

func TestCredit_Validate(t *testing.T) {
	assert.NoError(t, Credit{UserID: "u1", Amount: 10, Key: "k"}.Validate())
	assert.True(t, errors.Is(Credit{UserID: "u1", Amount: 0, Key: "k"}.Validate(), shared.ErrNonPositiveXP))
	assert.True(t, errors.Is(Credit{UserID: "u1", Amount: -5, Key: "k"}.Validate(), shared.ErrNonPositiveXP))
	assert.True(t, errors.Is(Credit{UserID: "u1", Amount: 5}.Validate(), shared.ErrMissingCreditKey))
	assert.True(t, errors.Is(Credit{Amount: 5, Key: "k"}.Validate(), shared.ErrMissingUserID))
}

func TestCreditResult_LeveledUp(t *testing.T) {
	assert.True(t, CreditResult{BeforeTotal: 90, AfterTotal: 140, Applied: true}.LeveledUp())
	assert.False(t, CreditResult{BeforeTotal: 100, AfterTotal: 140, Applied: true}.LeveledUp())
	assert.False(t, CreditResult{BeforeTotal: 140, AfterTotal: 140}.LeveledUp())
}

func TestNextStreak(t *testing.T) {
	tests := []struct {
		name    string
		account Account
		day     string
		want    StreakResult
	}{
		{"first activity", Account{}, "2026-05-04", StreakResult{Current: 1, Longest: 1, Changed: true}},
		{"consecutive", Account{CurrentStreak: 6, LongestStreak: 6, LastActiveOn: "2026-05-03"}, "2026-05-04", StreakResult{Current: 7, Longest: 7, Changed: true}},
		{"same day", Account{CurrentStreak: 3, LongestStreak: 5, LastActiveOn: "2026-05-04"}, "2026-05-04", StreakResult{Current: 3, Longest: 5}},
		{"gap resets", Account{CurrentStreak: 3, LongestStreak: 5, LastActiveOn: "2026-05-01"}, "2026-05-04", StreakResult{Current: 1, Longest: 5, Changed: true}},
		{"earlier day ignored", Account{CurrentStreak: 3, LongestStreak: 3, LastActiveOn: "2026-05-04"}, "2026-05-02", StreakResult{Current: 3, Longest: 3}},
		{"month boundary", Account{CurrentStreak: 1, LongestStreak: 1, LastActiveOn: "2026-04-30"}, "2026-05-01", StreakResult{Current: 2, Longest: 2, Changed: true}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, NextStreak(tt.account, tt.day))
		})
	}
}
