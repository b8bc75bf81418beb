// Package saga contains the multi-step progress flows: achievement
// evaluation, daily challenge sync and the XP ledger service they credit
// through.
package saga

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jobquest/progress-engine/internal/domain/achievement"
	"github.com/jobquest/progress-engine/internal/domain/activity"
	"github.com/jobquest/progress-engine/internal/domain/ledger"
	"github.com/jobquest/progress-engine/internal/domain/shared"
)

// ══════════════════════════════════════════════════════════════════════════════
// ACHIEVEMENT FLOW SAGA
// Flow: Load State → Evaluate → Unlock (insert-if-absent) → Credit XP →
//
//	Record Activity → Publish Event
//
// Only the unlock is critical. A failed credit is left for reconciliation,
// a failed activity write or publish is logged.
// ══════════════════════════════════════════════════════════════════════════════

// AchievementFlowStep names a step of the flow.
type AchievementFlowStep string

const (
	StepLoadState      AchievementFlowStep = "load_state"
	StepEvaluate       AchievementFlowStep = "evaluate"
	StepUnlock         AchievementFlowStep = "unlock"
	StepCreditXP       AchievementFlowStep = "credit_xp"
	StepRecordActivity AchievementFlowStep = "record_activity"
	StepPublishEvent   AchievementFlowStep = "publish_event"
)

// UnlockGuard claims an unlock key before the insert. Implementations back
// stores without a unique constraint on the key.
type UnlockGuard interface {
	Claim(ctx context.Context, key string) (bool, error)
	Release(ctx context.Context, key string) error
}

// UserLocker serializes flows of one user.
type UserLocker interface {
	Lock(ctx context.Context, userID string) (unlock func(), err error)
}

// AchievementFlowResult is the read-and-signal outcome of one pass.
type AchievementFlowResult struct {
	UserID          string
	NewAchievements []achievement.Unlocked
	TotalXPAwarded  int
	ProcessedAt     time.Time
}

// HasNewAchievements returns true if any achievements were unlocked.
func (r *AchievementFlowResult) HasNewAchievements() bool {
	return len(r.NewAchievements) > 0
}

// AchievementFlowConfig contains configuration for the achievement flow.
type AchievementFlowConfig struct {
	// MaxPasses bounds re-evaluation after XP credits: an unlock's reward can
	// satisfy a TOTAL_XP rule in the same call.
	MaxPasses int
}

// DefaultAchievementFlowConfig returns default configuration.
func DefaultAchievementFlowConfig() AchievementFlowConfig {
	return AchievementFlowConfig{MaxPasses: 3}
}

// AchievementFlow evaluates the catalog for a user and unlocks what now
// qualifies. Safe to run concurrently and repeatedly for the same user.
type AchievementFlow struct {
	achievements achievement.Repository
	loader       *SnapshotLoader
	ledger       *Ledger
	log          *activity.Log
	publisher    shared.EventPublisher
	guard        UnlockGuard
	locker       UserLocker
	logger       *slog.Logger
	now          func() time.Time
	config       AchievementFlowConfig
}

// Execute runs one evaluation pass for the user.
func (f *AchievementFlow) Execute(ctx context.Context, userID string) (*AchievementFlowResult, error) {
	result := &AchievementFlowResult{
		UserID:          userID,
		NewAchievements: []achievement.Unlocked{},
	}
	if userID == "" {
		result.ProcessedAt = f.now().UTC()
		return result, nil
	}

	if f.locker != nil {
		unlock, err := f.locker.Lock(ctx, userID)
		if err != nil {
			return nil, f.wrapError(StepLoadState, userID, fmt.Errorf("lock user: %w", err))
		}
		defer unlock()
	}

	state, err := f.loader.Load(ctx, userID)
	if err != nil {
		return nil, f.wrapError(StepLoadState, userID, err)
	}
	if len(state.Catalog) == 0 {
		result.ProcessedAt = f.now().UTC()
		return result, nil
	}

	passes := f.config.MaxPasses
	if passes <= 0 {
		passes = 1
	}

	var inFlight []string
	for pass := 0; pass < passes; pass++ {
		candidates := achievement.Evaluate(state.Catalog, state.Unlocked, state.Snapshot, f.logger)
		if len(candidates) == 0 {
			break
		}

		for _, c := range candidates {
			// A cancelled caller stops between unlock steps, never inside one.
			if err := ctx.Err(); err != nil {
				result.ProcessedAt = f.now().UTC()
				return result, f.wrapError(StepUnlock, userID, err)
			}
			unlocked, ok, err := f.unlockOne(ctx, userID, c.Achievement)
			if err != nil {
				inFlight = append(inFlight, c.Achievement.ID)
			}
			// Either way the entry is no longer a candidate in this call.
			state.Unlocked[c.Achievement.ID] = achievement.NewUserAchievement(userID, c.Achievement.ID, unlocked.UnlockedAt)
			if !ok {
				continue
			}
			result.NewAchievements = append(result.NewAchievements, unlocked)
			result.TotalXPAwarded += unlocked.XPAwarded
			state.Snapshot.TotalXP += int64(unlocked.XPAwarded)
		}
	}

	result.ProcessedAt = f.now().UTC()
	if result.HasNewAchievements() {
		f.logger.Info("achievements unlocked",
			"user_id", userID,
			"count", len(result.NewAchievements),
			"xp_awarded", result.TotalXPAwarded,
		)
	}
	if len(inFlight) > 0 {
		// Retryable: a consumer retries the event once the other claim
		// completes or its lease lapses.
		return result, f.wrapError(StepUnlock, userID, fmt.Errorf("%w: unlock claimed elsewhere: %v",
			shared.ErrConcurrentModification, inFlight))
	}
	return result, nil
}

// unlockOne runs unlock → credit → activity → publish for one achievement.
// ok is false when this call did not create the unlock row. err is set only
// when another caller holds the claim and the row does not exist yet.
func (f *AchievementFlow) unlockOne(ctx context.Context, userID string, a achievement.Achievement) (achievement.Unlocked, bool, error) {
	now := f.now().UTC()
	ua := achievement.NewUserAchievement(userID, a.ID, now)
	out := achievement.Unlocked{Achievement: a, UnlockedAt: now}

	claimed := false
	if f.guard != nil {
		ok, err := f.guard.Claim(ctx, ua.IdempotencyKey)
		switch {
		case err != nil:
			f.logger.Warn("unlock guard unavailable, relying on store",
				"user_id", userID, "achievement_id", a.ID, "error", err)
		case !ok:
			return out, false, f.refusedClaim(ctx, userID, a.ID)
		default:
			claimed = true
		}
	}

	// Step: unlock
	created, err := f.achievements.Unlock(ctx, ua)
	if err != nil || !created {
		if err != nil {
			f.logger.Error("unlock failed",
				"step", StepUnlock, "user_id", userID, "achievement_id", a.ID, "error", err)
		}
		// The claim guards only our own insert.
		if claimed {
			f.releaseClaim(ua.IdempotencyKey)
		}
		return out, false, nil
	}

	// Step: credit XP
	if a.XPReward > 0 {
		res, err := f.ledger.Credit(ctx, ledger.Credit{
			UserID: userID,
			Amount: a.XPReward,
			Key:    ua.IdempotencyKey,
			Reason: ledger.ReasonAchievement(a.ID),
		})
		if err != nil {
			out.XPPending = true
			f.logger.Warn("xp credit deferred to reconciliation",
				"step", StepCreditXP, "user_id", userID, "achievement_id", a.ID, "error", err)
		} else if res.Applied {
			out.XPAwarded = a.XPReward
		}
	}

	// Step: record activity
	xp := out.XPAwarded
	if _, err := f.log.Append(ctx, activity.NewActivityParams{
		UserID:      userID,
		Type:        activity.TypeAchievementUnlocked,
		Title:       "Achievement unlocked: " + a.Name,
		Description: a.Description,
		Metadata: activity.Metadata{
			"achievementId": a.ID,
			"category":      string(a.Category),
		},
		XPEarned:  &xp,
		CreatedAt: now,
	}); err != nil {
		f.logger.Warn("failed to record unlock activity",
			"step", StepRecordActivity, "user_id", userID, "achievement_id", a.ID, "error", err)
	}

	// Step: publish
	shared.PublishAndLog(ctx, f.publisher, f.logger, shared.NewEvent(shared.EventAchievementUnlocked, userID, map[string]interface{}{
		"achievementId": a.ID,
		"name":          a.Name,
		"category":      string(a.Category),
		"xpReward":      a.XPReward,
		"xpAwarded":     out.XPAwarded,
		"unlockedAt":    now.Format(time.RFC3339),
	}))

	return out, true, nil
}

// refusedClaim decides what a refused claim means. A stored row means the
// unlock is done; otherwise its holder is mid-flight or died holding the
// lease, and the caller should come back later.
func (f *AchievementFlow) refusedClaim(ctx context.Context, userID, achievementID string) error {
	rows, err := f.achievements.ListUnlocked(ctx, userID)
	if err != nil {
		f.logger.Warn("unlock recheck failed", "user_id", userID, "achievement_id", achievementID, "error", err)
		return err
	}
	for _, r := range rows {
		if r.AchievementID == achievementID {
			return nil
		}
	}
	f.logger.Debug("unlock claimed elsewhere and not stored yet", "user_id", userID, "achievement_id", achievementID)
	return shared.ErrConcurrentModification
}

func (f *AchievementFlow) releaseClaim(key string) {
	// A fresh context: the caller's may already be cancelled.
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := f.guard.Release(ctx, key); err != nil {
		f.logger.Warn("failed to release unlock claim", "error", err)
	}
}

// wrapError wraps an error with saga context.
func (f *AchievementFlow) wrapError(step AchievementFlowStep, userID string, err error) error {
	return &FlowError{
		Flow:   "achievement_flow",
		Step:   string(step),
		UserID: userID,
		Cause:  err,
	}
}

// ══════════════════════════════════════════════════════════════════════════════
// ERRORS
// ══════════════════════════════════════════════════════════════════════════════

// FlowError represents an error during a progress flow.
type FlowError struct {
	Flow   string
	Step   string
	UserID string
	Cause  error
}

// Error implements the error interface.
func (e *FlowError) Error() string {
	return fmt.Sprintf("%s failed at step '%s' for user %s: %v", e.Flow, e.Step, e.UserID, e.Cause)
}

// Unwrap returns the underlying error.
func (e *FlowError) Unwrap() error {
	return e.Cause
}

// ══════════════════════════════════════════════════════════════════════════════
// ACHIEVEMENT FLOW BUILDER (Fluent API)
// ══════════════════════════════════════════════════════════════════════════════

// AchievementFlowBuilder provides a fluent API for building AchievementFlow.
type AchievementFlowBuilder struct {
	achievements achievement.Repository
	loader       *SnapshotLoader
	ledger       *Ledger
	log          *activity.Log
	publisher    shared.EventPublisher
	guard        UnlockGuard
	locker       UserLocker
	logger       *slog.Logger
	now          func() time.Time
	config       AchievementFlowConfig
}

// NewAchievementFlowBuilder creates a new builder.
func NewAchievementFlowBuilder() *AchievementFlowBuilder {
	return &AchievementFlowBuilder{config: DefaultAchievementFlowConfig()}
}

// WithAchievements sets the catalog and unlock repository.
func (b *AchievementFlowBuilder) WithAchievements(repo achievement.Repository) *AchievementFlowBuilder {
	b.achievements = repo
	return b
}

// WithSnapshotLoader sets the state loader.
func (b *AchievementFlowBuilder) WithSnapshotLoader(loader *SnapshotLoader) *AchievementFlowBuilder {
	b.loader = loader
	return b
}

// WithLedger sets the XP ledger.
func (b *AchievementFlowBuilder) WithLedger(l *Ledger) *AchievementFlowBuilder {
	b.ledger = l
	return b
}

// WithActivityLog sets the activity log.
func (b *AchievementFlowBuilder) WithActivityLog(log *activity.Log) *AchievementFlowBuilder {
	b.log = log
	return b
}

// WithPublisher sets the event publisher.
func (b *AchievementFlowBuilder) WithPublisher(pub shared.EventPublisher) *AchievementFlowBuilder {
	b.publisher = pub
	return b
}

// WithUnlockGuard sets the optional unlock guard.
func (b *AchievementFlowBuilder) WithUnlockGuard(g UnlockGuard) *AchievementFlowBuilder {
	b.guard = g
	return b
}

// WithUserLocker sets the optional per-user lock.
func (b *AchievementFlowBuilder) WithUserLocker(l UserLocker) *AchievementFlowBuilder {
	b.locker = l
	return b
}

// WithLogger sets the logger.
func (b *AchievementFlowBuilder) WithLogger(logger *slog.Logger) *AchievementFlowBuilder {
	b.logger = logger
	return b
}

// WithClock sets the time source.
func (b *AchievementFlowBuilder) WithClock(now func() time.Time) *AchievementFlowBuilder {
	b.now = now
	return b
}

// WithConfig sets the configuration.
func (b *AchievementFlowBuilder) WithConfig(config AchievementFlowConfig) *AchievementFlowBuilder {
	b.config = config
	return b
}

// Build creates the AchievementFlow instance.
func (b *AchievementFlowBuilder) Build() (*AchievementFlow, error) {
	if b.achievements == nil {
		return nil, errors.New("achievement repository is required")
	}
	if b.loader == nil {
		return nil, errors.New("snapshot loader is required")
	}
	if b.ledger == nil {
		return nil, errors.New("ledger is required")
	}
	if b.log == nil {
		return nil, errors.New("activity log is required")
	}

	f := &AchievementFlow{
		achievements: b.achievements,
		loader:       b.loader,
		ledger:       b.ledger,
		log:          b.log,
		publisher:    b.publisher,
		guard:        b.guard,
		locker:       b.locker,
		logger:       b.logger,
		now:          b.now,
		config:       b.config,
	}
	if f.publisher == nil {
		f.publisher = shared.NopPublisher
	}
	if f.logger == nil {
		f.logger = slog.Default()
	}
	f.logger = f.logger.With("component", "achievement_flow")
	if f.now == nil {
		f.now = time.Now
	}
	return f, nil
}
