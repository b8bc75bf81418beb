// Package achievement contains the static achievement catalog, the unlock
// records, and the pure evaluation functions that decide which locked
// achievements a user now qualifies for.
package achievement

import (
	"encoding/json"
	"time"

	"github.com/jobquest/progress-engine/internal/domain/rule"
	"github.com/jobquest/progress-engine/internal/domain/shared"
)

// Category groups achievements for display.
type Category string

const (
	CategoryFocus     Category = "FOCUS"
	CategoryJobSearch Category = "JOB_SEARCH"
	CategoryLearning  Category = "LEARNING"
	CategoryStreak    Category = "STREAK"
	CategoryMilestone Category = "MILESTONE"
)

// Achievement is a catalog entry. The catalog is created out-of-band and is
// read-only for the engine.
type Achievement struct {
	ID          string
	Name        string
	Description string
	Category    Category
	XPReward    int

	// Requirement is the JSON-encoded rule.
	Requirement json.RawMessage
}

// Rule decodes the requirement.
func (a Achievement) Rule() (rule.Rule, error) {
	return rule.Parse(a.Requirement)
}

// UserAchievement records that a user unlocked an achievement. Existence of
// the row is the unlock; rows are never deleted or duplicated.
type UserAchievement struct {
	UserID        string
	AchievementID string
	UnlockedAt    time.Time

	// IdempotencyKey is unique per (user, achievement) and doubles as the key
	// of the XP credit for the unlock.
	IdempotencyKey string
}

// NewUserAchievement builds the unlock row for a user and achievement.
func NewUserAchievement(userID, achievementID string, at time.Time) UserAchievement {
	return UserAchievement{
		UserID:         userID,
		AchievementID:  achievementID,
		UnlockedAt:     at.UTC(),
		IdempotencyKey: shared.UnlockKey(userID, achievementID),
	}
}

// Unlocked is one achievement newly unlocked by an evaluation pass.
type Unlocked struct {
	Achievement Achievement
	UnlockedAt  time.Time

	// XPAwarded is the XP credited for this unlock in this pass. Zero with
	// XPPending set means the credit failed and is left for reconciliation.
	XPAwarded int
	XPPending bool
}

// UnlockedSet indexes a user's unlock rows by achievement id.
type UnlockedSet map[string]UserAchievement

// NewUnlockedSet builds the index.
func NewUnlockedSet(rows []UserAchievement) UnlockedSet {
	set := make(UnlockedSet, len(rows))
	for _, row := range rows {
		set[row.AchievementID] = row
	}
	return set
}

// Has reports whether the achievement is unlocked.
func (s UnlockedSet) Has(achievementID string) bool {
	_, ok := s[achievementID]
	return ok
}
