package saga

import (
	"context"
	"log/slog"
	"time"

	"github.com/jobquest/progress-engine/internal/domain/achievement"
	"github.com/jobquest/progress-engine/internal/domain/activity"
)

// ══════════════════════════════════════════════════════════════════════════════
// PROGRESS EVALUATION
// Runs both flows for a user after new activity. Challenge completions credit
// XP, so the achievement flow runs once more when they did, which lets
// TOTAL_XP rules see that XP in the same call.
// ══════════════════════════════════════════════════════════════════════════════

// ProgressOutcome is everything one evaluation newly produced.
type ProgressOutcome struct {
	NewAchievements     []achievement.Unlocked
	CompletedChallenges []CompletedChallenge
	Challenges          []ChallengeView
	XPAwarded           int
}

// ProgressEvaluator combines the achievement flow and the daily challenge flow.
type ProgressEvaluator struct {
	achievements *AchievementFlow
	challenges   *DailyChallengeFlow
	log          *activity.Log
	logger       *slog.Logger
}

// NewProgressEvaluator creates the evaluator. log may be nil, in which case
// trigger activities are not annotated with unlocks.
func NewProgressEvaluator(achievements *AchievementFlow, challenges *DailyChallengeFlow, log *activity.Log, logger *slog.Logger) *ProgressEvaluator {
	if logger == nil {
		logger = slog.Default()
	}
	return &ProgressEvaluator{
		achievements: achievements,
		challenges:   challenges,
		log:          log,
		logger:       logger.With("component", "progress_evaluator"),
	}
}

// Evaluate runs the flows for userID at now. triggerActivityID, when set, is
// annotated with what it unlocked or completed. Each flow failing is logged
// and leaves the other's outcome intact; the first error is returned along
// with the partial outcome.
func (e *ProgressEvaluator) Evaluate(ctx context.Context, userID string, now time.Time, triggerActivityID string) (*ProgressOutcome, error) {
	out := &ProgressOutcome{
		NewAchievements:     []achievement.Unlocked{},
		CompletedChallenges: []CompletedChallenge{},
		Challenges:          []ChallengeView{},
	}
	var firstErr error
	keep := func(err error) {
		if firstErr == nil {
			firstErr = err
		}
	}

	e.runAchievements(ctx, userID, triggerActivityID, out, keep)

	if e.challenges != nil {
		res, err := e.challenges.Sync(ctx, userID, now, triggerActivityID)
		if err != nil {
			e.logger.Error("daily challenge sync failed", "user_id", userID, "error", err)
			keep(err)
		} else {
			out.Challenges = res.Challenges
			out.CompletedChallenges = res.Completed
			out.XPAwarded += res.XPAwarded()

			if res.XPAwarded() > 0 {
				e.runAchievements(ctx, userID, triggerActivityID, out, keep)
			}
		}
	}

	return out, firstErr
}

func (e *ProgressEvaluator) runAchievements(ctx context.Context, userID, triggerActivityID string, out *ProgressOutcome, keep func(error)) {
	if e.achievements == nil {
		return
	}

	res, err := e.achievements.Execute(ctx, userID)
	if err != nil {
		e.logger.Error("achievement evaluation failed", "user_id", userID, "error", err)
		keep(err)
		if res == nil {
			return
		}
	}

	out.NewAchievements = append(out.NewAchievements, res.NewAchievements...)
	out.XPAwarded += res.TotalXPAwarded

	if triggerActivityID == "" || e.log == nil {
		return
	}
	for _, u := range res.NewAchievements {
		if err := e.log.Annotate(ctx, triggerActivityID, activity.AnnotationUnlockedAchievement, u.Achievement.ID); err != nil {
			e.logger.Warn("failed to annotate trigger activity",
				"activity_id", triggerActivityID, "achievement_id", u.Achievement.ID, "error", err)
		}
	}
}
