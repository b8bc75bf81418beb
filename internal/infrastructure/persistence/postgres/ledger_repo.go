package postgres

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/jobquest/progress-engine/internal/domain/ledger"
	"github.com/jobquest/progress-engine/internal/domain/shared"
	"github.com/jobquest/progress-engine/pkg/retry"
)

// ══════════════════════════════════════════════════════════════════════════════
// LEDGER REPOSITORY IMPLEMENTATION
// ══════════════════════════════════════════════════════════════════════════════

// LedgerRepository implements ledger.Repository for PostgreSQL. Writes run in
// short transactions retried on serialization failures.
type LedgerRepository struct {
	conn    *Connection
	retrier *retry.Retrier
}

// NewLedgerRepository creates a new LedgerRepository.
func NewLedgerRepository(conn *Connection, logger *slog.Logger) *LedgerRepository {
	if logger == nil {
		logger = slog.Default()
	}
	return &LedgerRepository{
		conn: conn,
		retrier: retry.StoreRetrier(IsTransient, func(attempt int, err error, delay time.Duration) {
			logger.Debug("retrying ledger write", "attempt", attempt, "delay", delay, "error", err)
		}),
	}
}

// GetAccount returns the user's account.
func (r *LedgerRepository) GetAccount(ctx context.Context, userID string) (*ledger.Account, error) {
	a, err := scanAccount(r.conn.QueryRow(ctx, `
		SELECT user_id, xp, total_xp, current_streak, longest_streak, last_active_on, updated_at
		FROM accounts WHERE user_id = $1
	`, userID))
	if err != nil {
		if IsNoRows(err) {
			return nil, shared.ErrAccountNotFound
		}
		return nil, fmt.Errorf("get account: %w", err)
	}
	return a, nil
}

// Credit records the key and, only when it was new, adds the amount. The
// key insert and the balance update commit together.
func (r *LedgerRepository) Credit(ctx context.Context, c ledger.Credit) (ledger.CreditResult, error) {
	if err := c.Validate(); err != nil {
		return ledger.CreditResult{}, err
	}

	var result ledger.CreditResult
	err := r.retrier.Do(ctx, func(ctx context.Context) error {
		return r.conn.WithTx(ctx, pgx.ReadCommitted, func(tx pgx.Tx) error {
			tag, err := tx.Exec(ctx, `
				INSERT INTO xp_credits (key, user_id, amount, reason)
				VALUES ($1, $2, $3, $4)
				ON CONFLICT (key) DO NOTHING
			`, c.Key, c.UserID, c.Amount, c.Reason)
			if err != nil {
				return fmt.Errorf("insert credit: %w", err)
			}

			if tag.RowsAffected() == 0 {
				var total int64
				err := tx.QueryRow(ctx, `SELECT total_xp FROM accounts WHERE user_id = $1`, c.UserID).Scan(&total)
				if err != nil && !IsNoRows(err) {
					return fmt.Errorf("read total: %w", err)
				}
				result = ledger.CreditResult{BeforeTotal: total, AfterTotal: total}
				return nil
			}

			var after int64
			err = tx.QueryRow(ctx, `
				INSERT INTO accounts (user_id, xp, total_xp, updated_at)
				VALUES ($1, $2, $2, NOW())
				ON CONFLICT (user_id) DO UPDATE SET
					xp = accounts.xp + EXCLUDED.xp,
					total_xp = accounts.total_xp + EXCLUDED.total_xp,
					updated_at = NOW()
				RETURNING total_xp
			`, c.UserID, int64(c.Amount)).Scan(&after)
			if err != nil {
				return fmt.Errorf("apply credit: %w", err)
			}

			result = ledger.CreditResult{
				BeforeTotal: after - int64(c.Amount),
				AfterTotal:  after,
				Applied:     true,
			}
			return nil
		})
	})
	if err != nil {
		return ledger.CreditResult{}, err
	}
	return result, nil
}

// TouchStreak applies ledger.NextStreak under a row lock.
func (r *LedgerRepository) TouchStreak(ctx context.Context, userID, day string) (ledger.StreakResult, error) {
	var result ledger.StreakResult
	err := r.retrier.Do(ctx, func(ctx context.Context) error {
		return r.conn.WithTx(ctx, pgx.ReadCommitted, func(tx pgx.Tx) error {
			if _, err := tx.Exec(ctx, `
				INSERT INTO accounts (user_id) VALUES ($1)
				ON CONFLICT (user_id) DO NOTHING
			`, userID); err != nil {
				return fmt.Errorf("ensure account: %w", err)
			}

			acc, err := scanAccount(tx.QueryRow(ctx, `
				SELECT user_id, xp, total_xp, current_streak, longest_streak, last_active_on, updated_at
				FROM accounts WHERE user_id = $1
				FOR UPDATE
			`, userID))
			if err != nil {
				return fmt.Errorf("lock account: %w", err)
			}

			result = ledger.NextStreak(*acc, day)
			if !result.Changed {
				return nil
			}

			_, err = tx.Exec(ctx, `
				UPDATE accounts SET
					current_streak = $2,
					longest_streak = $3,
					last_active_on = $4,
					updated_at = NOW()
				WHERE user_id = $1
			`, userID, result.Current, result.Longest, day)
			if err != nil {
				return fmt.Errorf("update streak: %w", err)
			}
			return nil
		})
	})
	return result, err
}

// PendingCredits lists unlocks and completed challenges whose credit key is
// missing from xp_credits, oldest first.
func (r *LedgerRepository) PendingCredits(ctx context.Context, limit int) ([]ledger.Credit, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := r.conn.Query(ctx, `
		SELECT user_id, amount, key, reason FROM (
			SELECT ua.user_id, a.xp_reward AS amount, ua.idempotency_key AS key,
			       'achievement:' || a.id AS reason, ua.unlocked_at AS at
			FROM user_achievements ua
			JOIN achievements a ON a.id = ua.achievement_id
			LEFT JOIN xp_credits c ON c.key = ua.idempotency_key
			WHERE c.key IS NULL AND a.xp_reward > 0

			UNION ALL

			SELECT p.user_id, d.xp_reward, p.completion_key,
			       'challenge:' || d.id::text, p.completed_at
			FROM daily_challenge_progress p
			JOIN daily_challenges d ON d.id = p.challenge_id
			LEFT JOIN xp_credits c ON c.key = p.completion_key
			WHERE p.status = 'COMPLETED' AND c.key IS NULL AND d.xp_reward > 0
		) pending
		ORDER BY at
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query pending credits: %w", err)
	}
	defer rows.Close()

	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (ledger.Credit, error) {
		var c ledger.Credit
		err := row.Scan(&c.UserID, &c.Amount, &c.Key, &c.Reason)
		return c, err
	})
}

func scanAccount(row pgx.Row) (*ledger.Account, error) {
	var a ledger.Account
	if err := row.Scan(&a.UserID, &a.XP, &a.TotalXP, &a.CurrentStreak, &a.LongestStreak, &a.LastActiveOn, &a.UpdatedAt); err != nil {
		return nil, err
	}
	return &a, nil
}

var _ ledger.Repository = (*LedgerRepository)(nil)
