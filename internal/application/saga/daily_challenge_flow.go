package saga

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jobquest/progress-engine/internal/domain/activity"
	"github.com/jobquest/progress-engine/internal/domain/challenge"
	"github.com/jobquest/progress-engine/internal/domain/ledger"
	"github.com/jobquest/progress-engine/internal/domain/rule"
	"github.com/jobquest/progress-engine/internal/domain/shared"
	"github.com/jobquest/progress-engine/pkg/timeutil"
)

// ══════════════════════════════════════════════════════════════════════════════
// DAILY CHALLENGE FLOW
// Flow: Ensure Instances → Ensure Progress Rows → Recompute (today's window) →
//
//	CAS Update → on completion: Credit XP → Record Activity →
//	Annotate Trigger → Publish
//
// The CAS makes exactly one writer observe each transition to COMPLETED, so
// only that writer credits and signals it.
// ══════════════════════════════════════════════════════════════════════════════

// ChallengeView is one of today's challenges with the user's progress.
type ChallengeView struct {
	Challenge challenge.DailyChallenge
	Progress  challenge.Progress
	Target    int
}

// CompletedChallenge is a challenge this call moved to COMPLETED.
type CompletedChallenge struct {
	Challenge   challenge.DailyChallenge
	CompletedAt time.Time
	XPAwarded   int

	// XPPending marks a completion whose credit failed; reconciliation
	// applies it later.
	XPPending bool
}

// DailyChallengeResult is the outcome of one sync.
type DailyChallengeResult struct {
	UserID     string
	Day        string
	Challenges []ChallengeView
	Completed  []CompletedChallenge
}

// XPAwarded sums the XP credited for completions in this sync.
func (r *DailyChallengeResult) XPAwarded() int {
	total := 0
	for _, c := range r.Completed {
		total += c.XPAwarded
	}
	return total
}

// DailyChallengeFlow recomputes today's challenges for a user.
type DailyChallengeFlow struct {
	challenges challenge.Repository
	settings   challenge.SettingsRepository
	activities activity.Repository
	ledger     *Ledger
	log        *activity.Log
	publisher  shared.EventPublisher
	clock      *timeutil.Clock
	rewards    challenge.Rewards
	defaults   func(userID string) challenge.Settings
	logger     *slog.Logger
}

// DailyChallengeFlowDeps groups the flow's collaborators.
type DailyChallengeFlowDeps struct {
	Challenges challenge.Repository
	Settings   challenge.SettingsRepository
	Activities activity.Repository
	Ledger     *Ledger
	Log        *activity.Log
	Publisher  shared.EventPublisher
	Clock      *timeutil.Clock
	Rewards    challenge.Rewards

	// Defaults builds the settings of users who never saved any. Nil uses
	// challenge.DefaultSettings.
	Defaults func(userID string) challenge.Settings

	Logger *slog.Logger
}

// NewDailyChallengeFlow creates the flow.
func NewDailyChallengeFlow(deps DailyChallengeFlowDeps) *DailyChallengeFlow {
	f := &DailyChallengeFlow{
		challenges: deps.Challenges,
		settings:   deps.Settings,
		activities: deps.Activities,
		ledger:     deps.Ledger,
		log:        deps.Log,
		publisher:  deps.Publisher,
		clock:      deps.Clock,
		rewards:    deps.Rewards,
		defaults:   deps.Defaults,
		logger:     deps.Logger,
	}
	if f.publisher == nil {
		f.publisher = shared.NopPublisher
	}
	if f.clock == nil {
		f.clock = timeutil.NewClock(time.UTC)
	}
	if f.defaults == nil {
		f.defaults = challenge.DefaultSettings
	}
	if f.logger == nil {
		f.logger = slog.Default()
	}
	f.logger = f.logger.With("component", "daily_challenge_flow")
	return f
}

// Clock returns the flow's clock.
func (f *DailyChallengeFlow) Clock() *timeutil.Clock {
	return f.clock
}

// Settings returns the user's stored settings or the defaults.
func (f *DailyChallengeFlow) Settings(ctx context.Context, userID string) (challenge.Settings, error) {
	s, err := f.settings.GetSettings(ctx, userID)
	if errors.Is(err, shared.ErrSettingsNotFound) {
		return f.defaults(userID), nil
	}
	if err != nil {
		return challenge.Settings{}, fmt.Errorf("load settings: %w", err)
	}
	return *s, nil
}

// Sync ensures today's challenges and recomputes the user's progress on
// each. triggerActivityID, when set, is annotated with every challenge this
// call completes. A failure on one challenge is logged and does not stop
// the others.
func (f *DailyChallengeFlow) Sync(ctx context.Context, userID string, now time.Time, triggerActivityID string) (*DailyChallengeResult, error) {
	if userID == "" {
		return nil, shared.ErrMissingUserID
	}

	settings, err := f.Settings(ctx, userID)
	if err != nil {
		return nil, f.wrapError("load_settings", userID, err)
	}

	from, to := f.clock.DayBounds(now)
	instances, err := challenge.Instantiate(settings, f.rewards, from)
	if err != nil {
		return nil, f.wrapError("instantiate", userID, err)
	}

	result := &DailyChallengeResult{
		UserID:     userID,
		Day:        f.clock.Day(from),
		Challenges: []ChallengeView{},
		Completed:  []CompletedChallenge{},
	}
	if len(instances) == 0 {
		return result, nil
	}

	stored, err := f.challenges.EnsureChallenges(ctx, instances)
	if err != nil {
		return nil, f.wrapError("ensure_challenges", userID, err)
	}

	stats, err := f.activities.Stats(ctx, userID, &activity.Window{From: from, To: to})
	if err != nil {
		return nil, f.wrapError("load_stats", userID, err)
	}
	snap := rule.Snapshot{Stats: stats}

	for _, c := range stored {
		view, completed, err := f.syncOne(ctx, userID, c, snap, now, triggerActivityID)
		if err != nil {
			f.logger.Error("challenge sync failed",
				"user_id", userID, "challenge_id", c.ID, "kind", c.Kind, "error", err)
			continue
		}
		result.Challenges = append(result.Challenges, view)
		if completed != nil {
			result.Completed = append(result.Completed, *completed)
		}
	}

	return result, nil
}

func (f *DailyChallengeFlow) syncOne(
	ctx context.Context,
	userID string,
	c challenge.DailyChallenge,
	snap rule.Snapshot,
	now time.Time,
	triggerActivityID string,
) (ChallengeView, *CompletedChallenge, error) {
	r, err := c.Rule()
	if err != nil {
		return ChallengeView{}, nil, fmt.Errorf("decode requirement: %w", err)
	}
	view := ChallengeView{Challenge: c, Target: r.Target()}

	p, err := f.ensureProgress(ctx, userID, c.ID, now)
	if err != nil {
		return view, nil, err
	}
	view.Progress = *p
	if p.IsCompleted() {
		return view, nil, nil
	}

	measured := rule.Evaluate(r, snap)
	next, changed, err := p.Advance(measured.Current, view.Target, now)
	if err != nil {
		return view, nil, err
	}
	if !changed {
		return view, nil, nil
	}
	if next.IsCompleted() {
		next.CompletionKey = c.CompletionKey(userID)
	}

	applied, err := f.challenges.UpdateProgress(ctx, next)
	if err != nil {
		return view, nil, err
	}
	if !applied {
		// Another writer got there first; report what is stored.
		current, err := f.challenges.GetProgress(ctx, userID, c.ID)
		if err != nil {
			return view, nil, err
		}
		view.Progress = *current
		return view, nil, nil
	}
	view.Progress = next

	shared.PublishAndLog(ctx, f.publisher, f.logger, shared.NewEvent(shared.EventDailyChallengeProgress, userID, map[string]interface{}{
		"challengeId": c.ID,
		"kind":        string(c.Kind),
		"day":         c.Day(),
		"progress":    next.Progress,
		"target":      view.Target,
		"status":      string(next.Status),
	}))

	if !next.IsCompleted() {
		return view, nil, nil
	}
	return view, f.onCompleted(ctx, userID, c, next, triggerActivityID), nil
}

// ensureProgress creates the IN_PROGRESS/0 row on first observation.
func (f *DailyChallengeFlow) ensureProgress(ctx context.Context, userID, challengeID string, now time.Time) (*challenge.Progress, error) {
	p, err := f.challenges.GetProgress(ctx, userID, challengeID)
	if err == nil {
		return p, nil
	}
	if !errors.Is(err, shared.ErrProgressNotFound) {
		return nil, err
	}

	if _, err := f.challenges.CreateProgress(ctx, challenge.NewProgress(userID, challengeID, now)); err != nil {
		return nil, err
	}
	return f.challenges.GetProgress(ctx, userID, challengeID)
}

func (f *DailyChallengeFlow) onCompleted(
	ctx context.Context,
	userID string,
	c challenge.DailyChallenge,
	p challenge.Progress,
	triggerActivityID string,
) *CompletedChallenge {
	done := &CompletedChallenge{Challenge: c, CompletedAt: p.UpdatedAt}
	if p.CompletedAt != nil {
		done.CompletedAt = *p.CompletedAt
	}

	if c.XPReward > 0 {
		res, err := f.ledger.Credit(ctx, ledger.Credit{
			UserID: userID,
			Amount: c.XPReward,
			Key:    p.CompletionKey,
			Reason: ledger.ReasonChallenge(c.ID),
		})
		if err != nil {
			done.XPPending = true
			f.logger.Warn("xp credit deferred to reconciliation",
				"user_id", userID, "challenge_id", c.ID, "error", err)
		} else if res.Applied {
			done.XPAwarded = c.XPReward
		}
	}

	xp := done.XPAwarded
	if _, err := f.log.Append(ctx, activity.NewActivityParams{
		UserID:      userID,
		Type:        activity.TypeChallengeCompleted,
		Title:       "Daily challenge completed: " + c.Title,
		Description: c.Description,
		Metadata: activity.Metadata{
			"challengeId": c.ID,
			"kind":        string(c.Kind),
			"day":         c.Day(),
		},
		XPEarned:  &xp,
		CreatedAt: done.CompletedAt,
	}); err != nil {
		f.logger.Warn("failed to record challenge completion", "user_id", userID, "challenge_id", c.ID, "error", err)
	}

	if triggerActivityID != "" {
		if err := f.log.Annotate(ctx, triggerActivityID, activity.AnnotationCompletedChallenge, c.ID); err != nil {
			f.logger.Warn("failed to annotate trigger activity",
				"activity_id", triggerActivityID, "challenge_id", c.ID, "error", err)
		}
	}

	shared.PublishAndLog(ctx, f.publisher, f.logger, shared.NewEvent(shared.EventDailyChallengeCompleted, userID, map[string]interface{}{
		"challengeId": c.ID,
		"title":       c.Title,
		"kind":        string(c.Kind),
		"day":         c.Day(),
		"xpReward":    c.XPReward,
		"xpAwarded":   done.XPAwarded,
		"completedAt": done.CompletedAt.Format(time.RFC3339),
	}))

	f.logger.Info("daily challenge completed", "user_id", userID, "challenge_id", c.ID, "kind", c.Kind)
	return done
}

func (f *DailyChallengeFlow) wrapError(step, userID string, err error) error {
	return &FlowError{Flow: "daily_challenge_flow", Step: step, UserID: userID, Cause: err}
}
