package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/jobquest/progress-engine/internal/domain/achievement"
)

// ══════════════════════════════════════════════════════════════════════════════
// ACHIEVEMENT REPOSITORY IMPLEMENTATION
// ══════════════════════════════════════════════════════════════════════════════

// AchievementRepository implements achievement.Repository for PostgreSQL.
type AchievementRepository struct {
	conn *Connection
}

// NewAchievementRepository creates a new AchievementRepository.
func NewAchievementRepository(conn *Connection) *AchievementRepository {
	return &AchievementRepository{conn: conn}
}

// ListAchievements returns the catalog ordered by id.
func (r *AchievementRepository) ListAchievements(ctx context.Context) ([]achievement.Achievement, error) {
	rows, err := r.conn.Query(ctx, `
		SELECT id, name, description, category, xp_reward, requirement
		FROM achievements
		ORDER BY id
	`)
	if err != nil {
		return nil, fmt.Errorf("list achievements: %w", err)
	}
	defer rows.Close()

	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (achievement.Achievement, error) {
		var (
			a        achievement.Achievement
			category string
			req      []byte
		)
		if err := row.Scan(&a.ID, &a.Name, &a.Description, &category, &a.XPReward, &req); err != nil {
			return a, err
		}
		a.Category = achievement.Category(category)
		a.Requirement = req
		return a, nil
	})
}

// SaveAchievement upserts a catalog entry.
func (r *AchievementRepository) SaveAchievement(ctx context.Context, a achievement.Achievement) error {
	_, err := r.conn.Exec(ctx, `
		INSERT INTO achievements (id, name, description, category, xp_reward, requirement)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			description = EXCLUDED.description,
			category = EXCLUDED.category,
			xp_reward = EXCLUDED.xp_reward,
			requirement = EXCLUDED.requirement,
			updated_at = NOW()
	`, a.ID, a.Name, a.Description, string(a.Category), a.XPReward, []byte(a.Requirement))
	if err != nil {
		return fmt.Errorf("save achievement %s: %w", a.ID, err)
	}
	return nil
}

// Unlock inserts the unlock row if absent. Either unique constraint (the
// (user, achievement) key or the idempotency key) means already unlocked.
func (r *AchievementRepository) Unlock(ctx context.Context, ua achievement.UserAchievement) (bool, error) {
	tag, err := r.conn.Exec(ctx, `
		INSERT INTO user_achievements (user_id, achievement_id, unlocked_at, idempotency_key)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT DO NOTHING
	`, ua.UserID, ua.AchievementID, ua.UnlockedAt, ua.IdempotencyKey)
	if err != nil {
		if IsUniqueViolation(err) {
			return false, nil
		}
		return false, fmt.Errorf("insert unlock: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// ListUnlocked returns the user's unlock rows, oldest first.
func (r *AchievementRepository) ListUnlocked(ctx context.Context, userID string) ([]achievement.UserAchievement, error) {
	rows, err := r.conn.Query(ctx, `
		SELECT user_id, achievement_id, unlocked_at, idempotency_key
		FROM user_achievements
		WHERE user_id = $1
		ORDER BY unlocked_at, achievement_id
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("list unlocks: %w", err)
	}
	defer rows.Close()

	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (achievement.UserAchievement, error) {
		var ua achievement.UserAchievement
		err := row.Scan(&ua.UserID, &ua.AchievementID, &ua.UnlockedAt, &ua.IdempotencyKey)
		ua.UnlockedAt = ua.UnlockedAt.UTC()
		return ua, err
	})
}

var _ achievement.Repository = (*AchievementRepository)(nil)
