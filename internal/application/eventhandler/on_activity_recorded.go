// Package eventhandler contains consumers of bus events.
package eventhandler

import (
	"context"
	"log/slog"

	"github.com/jobquest/progress-engine/internal/application/saga"
	"github.com/jobquest/progress-engine/internal/domain/shared"
	"github.com/jobquest/progress-engine/pkg/timeutil"
)

// ═══════════════════════════════════════════════════════════════════════════
// ON ACTIVITY RECORDED HANDLER
// Re-evaluates achievements and today's challenges when an activity event
// arrives. Producers that skip synchronous evaluation rely on this. Events
// marked as evaluated by their producer are skipped, so the unlocks of an
// in-request evaluation are reported to that request only. Returning the
// flow error lets the dispatcher retry the event.
// ═══════════════════════════════════════════════════════════════════════════

// Registrar binds handlers to event types (the messaging dispatcher).
type Registrar interface {
	Register(eventType shared.EventType, name string, handler shared.EventHandler) error
}

// ActivityEventTypes are the events this handler consumes.
var ActivityEventTypes = []shared.EventType{
	shared.EventMissionCompleted,
	shared.EventJobApplicationCreated,
	shared.EventJobApplicationStatus,
	shared.EventLearningResourceComplete,
	shared.EventNotebookEntryCreated,
	shared.EventActivityRecorded,
}

// OnActivityRecordedHandler re-runs progress evaluation for the event's user.
type OnActivityRecordedHandler struct {
	evaluator *saga.ProgressEvaluator
	clock     *timeutil.Clock
	logger    *slog.Logger
}

// NewOnActivityRecordedHandler creates the handler.
func NewOnActivityRecordedHandler(evaluator *saga.ProgressEvaluator, clock *timeutil.Clock, logger *slog.Logger) *OnActivityRecordedHandler {
	if clock == nil {
		clock = timeutil.NewClock(nil)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &OnActivityRecordedHandler{
		evaluator: evaluator,
		clock:     clock,
		logger:    logger.With("handler", "on_activity_recorded"),
	}
}

// Handle implements shared.EventHandler.
func (h *OnActivityRecordedHandler) Handle(ctx context.Context, event shared.Event) error {
	if event.UserID == "" {
		h.logger.Warn("activity event without user", "event_id", event.ID, "event_type", event.Type)
		return nil
	}
	if event.MetadataBool(shared.MetadataEvaluated) {
		h.logger.Debug("activity already evaluated by producer", "event_id", event.ID, "user_id", event.UserID)
		return nil
	}

	outcome, err := h.evaluator.Evaluate(ctx, event.UserID, h.clock.Now(), event.DataString("activityId"))
	if err != nil {
		return err
	}

	if len(outcome.NewAchievements) > 0 || len(outcome.CompletedChallenges) > 0 {
		h.logger.Info("progress caught up by consumer",
			"user_id", event.UserID,
			"event_id", event.ID,
			"achievements", len(outcome.NewAchievements),
			"challenges", len(outcome.CompletedChallenges),
			"xp_awarded", outcome.XPAwarded,
		)
	}
	return nil
}

// Register binds the handler to every activity event type.
func (h *OnActivityRecordedHandler) Register(r Registrar) error {
	for _, t := range ActivityEventTypes {
		if err := r.Register(t, "on_activity_recorded", h.Handle); err != nil {
			return err
		}
	}
	return nil
}
