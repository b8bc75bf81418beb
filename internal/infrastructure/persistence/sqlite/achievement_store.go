package sqlite

import (
	"context"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/jobquest/progress-engine/internal/domain/achievement"
)

// AchievementStore implements achievement.Repository.
type AchievementStore struct {
	db *gorm.DB
}

// NewAchievementStore creates the store.
func NewAchievementStore(db *Database) *AchievementStore {
	return &AchievementStore{db: db.DB}
}

func (s *AchievementStore) ListAchievements(ctx context.Context) ([]achievement.Achievement, error) {
	var rows []achievementRow
	if err := s.db.WithContext(ctx).Order("id").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list achievements: %w", err)
	}

	out := make([]achievement.Achievement, len(rows))
	for i, r := range rows {
		out[i] = achievement.Achievement{
			ID:          r.ID,
			Name:        r.Name,
			Description: r.Description,
			Category:    achievement.Category(r.Category),
			XPReward:    r.XPReward,
			Requirement: []byte(r.Requirement),
		}
	}
	return out, nil
}

func (s *AchievementStore) SaveAchievement(ctx context.Context, a achievement.Achievement) error {
	row := achievementRow{
		ID:          a.ID,
		Name:        a.Name,
		Description: a.Description,
		Category:    string(a.Category),
		XPReward:    a.XPReward,
		Requirement: string(a.Requirement),
	}
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "id"}}, UpdateAll: true}).
		Create(&row).Error
	if err != nil {
		return fmt.Errorf("save achievement %s: %w", a.ID, err)
	}
	return nil
}

// Unlock relies on the primary key and the unique idempotency key; a
// conflict on either inserts nothing.
func (s *AchievementStore) Unlock(ctx context.Context, ua achievement.UserAchievement) (bool, error) {
	row := unlockRow{
		UserID:         ua.UserID,
		AchievementID:  ua.AchievementID,
		UnlockedAt:     toMicros(ua.UnlockedAt),
		IdempotencyKey: ua.IdempotencyKey,
	}
	res := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&row)
	if res.Error != nil {
		return false, fmt.Errorf("insert unlock: %w", res.Error)
	}
	return res.RowsAffected == 1, nil
}

func (s *AchievementStore) ListUnlocked(ctx context.Context, userID string) ([]achievement.UserAchievement, error) {
	var rows []unlockRow
	err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("unlocked_at, achievement_id").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("list unlocks: %w", err)
	}

	out := make([]achievement.UserAchievement, len(rows))
	for i, r := range rows {
		out[i] = achievement.UserAchievement{
			UserID:         r.UserID,
			AchievementID:  r.AchievementID,
			UnlockedAt:     fromMicros(r.UnlockedAt),
			IdempotencyKey: r.IdempotencyKey,
		}
	}
	return out, nil
}

var _ achievement.Repository = (*AchievementStore)(nil)
