package saga

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jobquest/progress-engine/internal/domain/activity"
	"github.com/jobquest/progress-engine/internal/domain/ledger"
	"github.com/jobquest/progress-engine/internal/domain/shared"
	"github.com/jobquest/progress-engine/pkg/retry"
	"github.com/jobquest/progress-engine/pkg/timeutil"
)

// ══════════════════════════════════════════════════════════════════════════════
// LEDGER SERVICE
// Credits XP through the store's idempotent credit, then signals observers:
// xp.credited for every applied credit, level.up (plus a LEVEL_UP activity)
// when the credit crossed a level boundary.
// ══════════════════════════════════════════════════════════════════════════════

// Ledger is the application-side entry point to the XP/level ledger.
type Ledger struct {
	repo      ledger.Repository
	log       *activity.Log
	publisher shared.EventPublisher
	clock     *timeutil.Clock
	retrier   *retry.Retrier
	logger    *slog.Logger
}

// LedgerConfig configures the Ledger.
type LedgerConfig struct {
	// MaxAttempts bounds credit retries.
	MaxAttempts int

	// InitialDelay is the first retry delay.
	InitialDelay time.Duration
}

// DefaultLedgerConfig returns default configuration.
func DefaultLedgerConfig() LedgerConfig {
	return LedgerConfig{MaxAttempts: 3, InitialDelay: 50 * time.Millisecond}
}

// NewLedger creates the service. log may be nil, in which case level-ups
// are not written to the activity log.
func NewLedger(
	repo ledger.Repository,
	log *activity.Log,
	publisher shared.EventPublisher,
	clock *timeutil.Clock,
	logger *slog.Logger,
	config LedgerConfig,
) *Ledger {
	if publisher == nil {
		publisher = shared.NopPublisher
	}
	if clock == nil {
		clock = timeutil.NewClock(time.UTC)
	}
	if logger == nil {
		logger = slog.Default()
	}
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 1
	}

	l := &Ledger{
		repo:      repo,
		log:       log,
		publisher: publisher,
		clock:     clock,
		logger:    logger.With("component", "ledger"),
	}
	l.retrier = retry.New(
		retry.WithMaxAttempts(config.MaxAttempts),
		retry.WithInitialDelay(config.InitialDelay),
		retry.WithMaxDelay(time.Second),
		retry.WithRetryIf(func(err error) bool {
			return !shared.IsValidation(err)
		}),
		retry.WithOnRetry(func(attempt int, err error, delay time.Duration) {
			l.logger.Debug("retrying xp credit", "attempt", attempt, "delay", delay, "error", err)
		}),
	)
	return l
}

// Repository exposes the underlying repository for read paths.
func (l *Ledger) Repository() ledger.Repository {
	return l.repo
}

// Credit applies c at most once and signals the outcome.
func (l *Ledger) Credit(ctx context.Context, c ledger.Credit) (ledger.CreditResult, error) {
	if err := c.Validate(); err != nil {
		return ledger.CreditResult{}, err
	}

	var result ledger.CreditResult
	err := l.retrier.Do(ctx, func(ctx context.Context) error {
		r, err := l.repo.Credit(ctx, c)
		if err != nil {
			return err
		}
		result = r
		return nil
	})
	if err != nil {
		return ledger.CreditResult{}, fmt.Errorf("credit %s: %w", c.Key, err)
	}
	if !result.Applied {
		return result, nil
	}

	l.logger.Info("xp credited",
		"user_id", c.UserID,
		"amount", c.Amount,
		"reason", c.Reason,
		"total_xp", result.AfterTotal,
	)

	shared.PublishAndLog(ctx, l.publisher, l.logger, shared.NewEvent(shared.EventXPCredited, c.UserID, map[string]interface{}{
		"amount":  c.Amount,
		"reason":  c.Reason,
		"key":     c.Key,
		"totalXp": result.AfterTotal,
	}))

	if result.LeveledUp() {
		l.onLevelUp(ctx, c.UserID, result)
	}
	return result, nil
}

func (l *Ledger) onLevelUp(ctx context.Context, userID string, result ledger.CreditResult) {
	from, to := result.LevelBefore(), result.LevelAfter()
	l.logger.Info("level up", "user_id", userID, "from", from, "to", to)

	if l.log != nil {
		_, err := l.log.Append(ctx, activity.NewActivityParams{
			UserID:      userID,
			Type:        activity.TypeLevelUp,
			Title:       fmt.Sprintf("Reached level %d", to),
			Description: fmt.Sprintf("Level %d → %d", from, to),
			Metadata: activity.Metadata{
				"fromLevel": from,
				"toLevel":   to,
				"totalXp":   result.AfterTotal,
			},
		})
		if err != nil {
			l.logger.Warn("failed to record level up", "user_id", userID, "error", err)
		}
	}

	shared.PublishAndLog(ctx, l.publisher, l.logger, shared.NewEvent(shared.EventLevelUp, userID, map[string]interface{}{
		"fromLevel": from,
		"toLevel":   to,
		"totalXp":   result.AfterTotal,
	}))
}

// TouchStreak counts activity at `at` toward the user's streak and publishes
// streak.updated when it moved.
func (l *Ledger) TouchStreak(ctx context.Context, userID string, at time.Time) (ledger.StreakResult, error) {
	day := l.clock.Day(at)
	res, err := l.repo.TouchStreak(ctx, userID, day)
	if err != nil {
		return ledger.StreakResult{}, fmt.Errorf("touch streak: %w", err)
	}
	if res.Changed {
		shared.PublishAndLog(ctx, l.publisher, l.logger, shared.NewEvent(shared.EventStreakUpdated, userID, map[string]interface{}{
			"currentStreak": res.Current,
			"longestStreak": res.Longest,
			"day":           day,
		}))
	}
	return res, nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Reconciliation
// ─────────────────────────────────────────────────────────────────────────────

// ReconcileResult summarizes one reconciliation pass.
type ReconcileResult struct {
	Scanned int `json:"scanned"`
	Applied int `json:"applied"`
	Failed  int `json:"failed"`
}

// Reconcile credits unlocks and challenge completions whose credit never
// landed. Each credit is keyed, so overlapping passes are harmless.
func (l *Ledger) Reconcile(ctx context.Context, limit int) (ReconcileResult, error) {
	pending, err := l.repo.PendingCredits(ctx, limit)
	if err != nil {
		return ReconcileResult{}, fmt.Errorf("list pending credits: %w", err)
	}

	res := ReconcileResult{Scanned: len(pending)}
	for _, c := range pending {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		r, err := l.Credit(ctx, c)
		if err != nil {
			res.Failed++
			l.logger.Warn("reconcile credit failed", "user_id", c.UserID, "key", c.Key, "error", err)
			continue
		}
		if r.Applied {
			res.Applied++
		}
	}

	if res.Applied > 0 {
		l.logger.Info("xp reconciled", "applied", res.Applied, "failed", res.Failed)
		shared.PublishAndLog(ctx, l.publisher, l.logger, shared.NewEvent(shared.EventXPReconciled, "", map[string]interface{}{
			"scanned": res.Scanned,
			"applied": res.Applied,
			"failed":  res.Failed,
		}))
	}
	return res, nil
}
