package sqlite

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/jobquest/progress-engine/internal/domain/ledger"
	"github.com/jobquest/progress-engine/internal/domain/shared"
)

// LedgerStore implements ledger.Repository. SQLite serializes writers, so a
// transaction is enough to make each operation atomic.
type LedgerStore struct {
	db  *gorm.DB
	now func() time.Time
}

// NewLedgerStore creates the store.
func NewLedgerStore(db *Database) *LedgerStore {
	return &LedgerStore{db: db.DB, now: time.Now}
}

func (s *LedgerStore) GetAccount(ctx context.Context, userID string) (*ledger.Account, error) {
	var row accountRow
	if err := s.db.WithContext(ctx).Where("user_id = ?", userID).Take(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, shared.ErrAccountNotFound
		}
		return nil, fmt.Errorf("get account: %w", err)
	}
	acc := row.toDomain()
	return &acc, nil
}

// Credit inserts the key first; the balance moves only when that insert
// applied.
func (s *LedgerStore) Credit(ctx context.Context, c ledger.Credit) (ledger.CreditResult, error) {
	if err := c.Validate(); err != nil {
		return ledger.CreditResult{}, err
	}

	now := toMicros(s.now())
	var result ledger.CreditResult

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&creditRow{
			Key:       c.Key,
			UserID:    c.UserID,
			Amount:    c.Amount,
			Reason:    c.Reason,
			CreatedAt: now,
		})
		if res.Error != nil {
			return fmt.Errorf("insert credit: %w", res.Error)
		}

		if res.RowsAffected == 0 {
			total, err := readTotal(tx, c.UserID)
			if err != nil {
				return err
			}
			result = ledger.CreditResult{BeforeTotal: total, AfterTotal: total}
			return nil
		}

		amount := int64(c.Amount)
		err := tx.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "user_id"}},
			DoUpdates: clause.Assignments(map[string]interface{}{
				"xp":         gorm.Expr("xp + ?", amount),
				"total_xp":   gorm.Expr("total_xp + ?", amount),
				"updated_at": now,
			}),
		}).Create(&accountRow{
			UserID:    c.UserID,
			XP:        amount,
			TotalXP:   amount,
			UpdatedAt: now,
		}).Error
		if err != nil {
			return fmt.Errorf("apply credit: %w", err)
		}

		after, err := readTotal(tx, c.UserID)
		if err != nil {
			return err
		}
		result = ledger.CreditResult{
			BeforeTotal: after - amount,
			AfterTotal:  after,
			Applied:     true,
		}
		return nil
	})
	if err != nil {
		return ledger.CreditResult{}, err
	}
	return result, nil
}

func readTotal(tx *gorm.DB, userID string) (int64, error) {
	var totals []int64
	err := tx.Model(&accountRow{}).
		Where("user_id = ?", userID).
		Pluck("total_xp", &totals).Error
	if err != nil {
		return 0, fmt.Errorf("read total: %w", err)
	}
	if len(totals) == 0 {
		return 0, nil
	}
	return totals[0], nil
}

func (s *LedgerStore) TouchStreak(ctx context.Context, userID, day string) (ledger.StreakResult, error) {
	now := toMicros(s.now())
	var result ledger.StreakResult

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Clauses(clause.OnConflict{DoNothing: true}).
			Create(&accountRow{UserID: userID, UpdatedAt: now}).Error
		if err != nil {
			return fmt.Errorf("ensure account: %w", err)
		}

		var row accountRow
		if err := tx.Where("user_id = ?", userID).Take(&row).Error; err != nil {
			return fmt.Errorf("read account: %w", err)
		}

		result = ledger.NextStreak(row.toDomain(), day)
		if !result.Changed {
			return nil
		}

		err = tx.Model(&accountRow{}).
			Where("user_id = ?", userID).
			Updates(map[string]interface{}{
				"current_streak": result.Current,
				"longest_streak": result.Longest,
				"last_active_on": day,
				"updated_at":     now,
			}).Error
		if err != nil {
			return fmt.Errorf("update streak: %w", err)
		}
		return nil
	})
	return result, err
}

func (s *LedgerStore) PendingCredits(ctx context.Context, limit int) ([]ledger.Credit, error) {
	if limit <= 0 {
		limit = 100
	}

	type pendingRow struct {
		UserID string
		Amount int
		Key    string
		Reason string
	}

	var rows []pendingRow
	err := s.db.WithContext(ctx).Raw(`
		SELECT user_id, amount, key, reason FROM (
			SELECT ua.user_id AS user_id, a.xp_reward AS amount, ua.idempotency_key AS key,
			       'achievement:' || a.id AS reason, ua.unlocked_at AS at
			FROM user_achievements ua
			JOIN achievements a ON a.id = ua.achievement_id
			LEFT JOIN xp_credits c ON c.key = ua.idempotency_key
			WHERE c.key IS NULL AND a.xp_reward > 0

			UNION ALL

			SELECT p.user_id, d.xp_reward, p.completion_key,
			       'challenge:' || d.id, p.completed_at
			FROM daily_challenge_progress p
			JOIN daily_challenges d ON d.id = p.challenge_id
			LEFT JOIN xp_credits c ON c.key = p.completion_key
			WHERE p.status = 'COMPLETED' AND p.completion_key IS NOT NULL
			  AND c.key IS NULL AND d.xp_reward > 0
		)
		ORDER BY at
		LIMIT ?
	`, limit).Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("query pending credits: %w", err)
	}

	out := make([]ledger.Credit, len(rows))
	for i, r := range rows {
		out[i] = ledger.Credit{UserID: r.UserID, Amount: r.Amount, Key: r.Key, Reason: r.Reason}
	}
	return out, nil
}

func (r accountRow) toDomain() ledger.Account {
	return ledger.Account{
		UserID:        r.UserID,
		XP:            r.XP,
		TotalXP:       r.TotalXP,
		CurrentStreak: r.CurrentStreak,
		LongestStreak: r.LongestStreak,
		LastActiveOn:  r.LastActiveOn,
		UpdatedAt:     fromMicros(r.UpdatedAt),
	}
}

var _ ledger.Repository = (*LedgerStore)(nil)
