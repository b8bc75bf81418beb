// Package command contains write operations (CQRS - Commands).
package command

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jobquest/progress-engine/internal/application/saga"
	"github.com/jobquest/progress-engine/internal/domain/achievement"
	"github.com/jobquest/progress-engine/internal/domain/activity"
	"github.com/jobquest/progress-engine/internal/domain/ledger"
	"github.com/jobquest/progress-engine/internal/domain/shared"
	"github.com/jobquest/progress-engine/pkg/timeutil"
)

// ══════════════════════════════════════════════════════════════════════════════
// RECORD ACTIVITY COMMAND
// Appends a user action to the activity log, counts it toward the streak and
// announces it on the bus. Unless asked not to, it then evaluates achievements
// and today's challenges synchronously so the caller can show what the action
// earned. Only the append can fail the command.
// ══════════════════════════════════════════════════════════════════════════════

// RecordActivityCommand contains the data to record an activity.
type RecordActivityCommand struct {
	UserID      string
	Type        activity.Type
	Title       string
	Description string
	Metadata    activity.Metadata

	// XPEarned is informational; it is not credited to the ledger.
	XPEarned *int

	// OccurredAt defaults to now.
	OccurredAt time.Time

	// SkipEvaluation leaves evaluation to bus consumers.
	SkipEvaluation bool

	// CorrelationID for tracing.
	CorrelationID string
}

// Validate validates the command.
func (c RecordActivityCommand) Validate() error {
	if c.UserID == "" {
		return shared.ErrMissingUserID
	}
	if !c.Type.IsUserProduced() {
		return fmt.Errorf("record_activity: %w: %s", shared.ErrInvalidActivityType, c.Type)
	}
	return nil
}

// RecordActivityResult contains the result of recording an activity.
type RecordActivityResult struct {
	Activity *activity.Activity

	NewAchievements     []achievement.Unlocked
	CompletedChallenges []saga.CompletedChallenge

	// XPAwarded is the XP credited by this call's unlocks and completions.
	XPAwarded int

	Account ledger.Account
	Level   ledger.LevelProgress
	Streak  ledger.StreakResult
}

// ══════════════════════════════════════════════════════════════════════════════
// HANDLER
// ══════════════════════════════════════════════════════════════════════════════

// RecordActivityHandler handles the RecordActivityCommand.
type RecordActivityHandler struct {
	log       *activity.Log
	ledger    *saga.Ledger
	evaluator *saga.ProgressEvaluator
	publisher shared.EventPublisher
	clock     *timeutil.Clock
	logger    *slog.Logger
}

// NewRecordActivityHandler creates a new RecordActivityHandler. evaluator may
// be nil when evaluation happens only on the consumer side.
func NewRecordActivityHandler(
	log *activity.Log,
	ledger *saga.Ledger,
	evaluator *saga.ProgressEvaluator,
	publisher shared.EventPublisher,
	clock *timeutil.Clock,
	logger *slog.Logger,
) *RecordActivityHandler {
	if publisher == nil {
		publisher = shared.NopPublisher
	}
	if clock == nil {
		clock = timeutil.NewClock(time.UTC)
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &RecordActivityHandler{
		log:       log,
		ledger:    ledger,
		evaluator: evaluator,
		publisher: publisher,
		clock:     clock,
		logger:    logger.With("command", "record_activity"),
	}
}

// Handle executes the record activity command.
func (h *RecordActivityHandler) Handle(ctx context.Context, cmd RecordActivityCommand) (*RecordActivityResult, error) {
	if err := cmd.Validate(); err != nil {
		return nil, err
	}

	occurredAt := cmd.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = h.clock.Now()
	}

	a, err := h.log.Append(ctx, activity.NewActivityParams{
		UserID:      cmd.UserID,
		Type:        cmd.Type,
		Title:       cmd.Title,
		Description: cmd.Description,
		Metadata:    cmd.Metadata,
		XPEarned:    cmd.XPEarned,
		CreatedAt:   occurredAt,
	})
	if err != nil {
		return nil, fmt.Errorf("record_activity: %w", err)
	}

	result := &RecordActivityResult{
		Activity:            a,
		NewAchievements:     []achievement.Unlocked{},
		CompletedChallenges: []saga.CompletedChallenge{},
	}

	streak, err := h.ledger.TouchStreak(ctx, cmd.UserID, a.CreatedAt)
	if err != nil {
		h.logger.Warn("streak update failed", "user_id", cmd.UserID, "error", err)
	}
	result.Streak = streak

	event := shared.NewEvent(a.Type.EventType(), cmd.UserID, a.EventData()).
		WithCorrelationID(cmd.CorrelationID)

	// The event goes out after evaluation so a co-hosted consumer cannot
	// claim this call's unlocks before the caller sees them.
	if !cmd.SkipEvaluation && h.evaluator != nil {
		outcome, err := h.evaluator.Evaluate(ctx, cmd.UserID, h.clock.Now(), a.ID)
		if err != nil {
			h.logger.Warn("progress evaluation incomplete", "user_id", cmd.UserID, "activity_id", a.ID, "error", err)
		} else {
			event = event.WithMetadata(shared.MetadataEvaluated, true)
		}
		result.NewAchievements = outcome.NewAchievements
		result.CompletedChallenges = outcome.CompletedChallenges
		result.XPAwarded = outcome.XPAwarded
	}

	if err := h.publisher.Publish(ctx, event); err != nil {
		h.logger.Warn("activity event publish failed",
			"user_id", cmd.UserID, "event_type", event.Type, "error", err)
	}

	acc, err := h.ledger.Repository().GetAccount(ctx, cmd.UserID)
	switch {
	case err == nil:
		result.Account = *acc
	case errors.Is(err, shared.ErrAccountNotFound):
		result.Account = ledger.Account{UserID: cmd.UserID}
	default:
		h.logger.Warn("account read failed", "user_id", cmd.UserID, "error", err)
		result.Account = ledger.Account{UserID: cmd.UserID}
	}
	result.Level = ledger.ProgressFor(result.Account.TotalXP)

	h.logger.Debug("activity recorded",
		"user_id", cmd.UserID,
		"activity_id", a.ID,
		"type", a.Type,
		"achievements", len(result.NewAchievements),
		"challenges", len(result.CompletedChallenges),
	)
	return result, nil
}

// ══════════════════════════════════════════════════════════════════════════════
// BATCH
// ══════════════════════════════════════════════════════════════════════════════

// RecordBatchActivityCommand records several activities of one user in order.
type RecordBatchActivityCommand struct {
	UserID        string
	Items         []RecordActivityCommand
	CorrelationID string
}

// MaxBatchSize bounds a batch.
const MaxBatchSize = 100

// BatchItemResult is the outcome of one batch item.
type BatchItemResult struct {
	Index  int
	Result *RecordActivityResult
	Err    error
}

// RecordBatchActivityResult collects the per-item outcomes.
type RecordBatchActivityResult struct {
	Items     []BatchItemResult
	Succeeded int
	Failed    int
}

// HandleBatch records every item, capturing failures per item. Only the last
// successful item is evaluated synchronously; evaluation reads the whole log,
// so one pass covers the batch.
func (h *RecordActivityHandler) HandleBatch(ctx context.Context, cmd RecordBatchActivityCommand) (*RecordBatchActivityResult, error) {
	if cmd.UserID == "" {
		return nil, shared.ErrMissingUserID
	}
	if len(cmd.Items) == 0 {
		return nil, shared.NewDomainError("activity", "RecordBatch", shared.ErrEmptyValue, "batch has no items")
	}
	if len(cmd.Items) > MaxBatchSize {
		return nil, shared.NewDomainError("activity", "RecordBatch", shared.ErrValidation,
			fmt.Sprintf("batch exceeds %d items", MaxBatchSize))
	}

	out := &RecordBatchActivityResult{Items: make([]BatchItemResult, len(cmd.Items))}
	last := len(cmd.Items) - 1
	for i, item := range cmd.Items {
		item.UserID = cmd.UserID
		if item.CorrelationID == "" {
			item.CorrelationID = cmd.CorrelationID
		}
		item.SkipEvaluation = item.SkipEvaluation || i != last

		res, err := h.Handle(ctx, item)
		out.Items[i] = BatchItemResult{Index: i, Result: res, Err: err}
		if err != nil {
			out.Failed++
			continue
		}
		out.Succeeded++
	}

	// The last item failed, so nothing was evaluated yet.
	if out.Items[last].Err != nil && out.Succeeded > 0 && h.evaluator != nil {
		if _, err := h.evaluator.Evaluate(ctx, cmd.UserID, h.clock.Now(), ""); err != nil {
			h.logger.Warn("batch evaluation incomplete", "user_id", cmd.UserID, "error", err)
		}
	}

	return out, nil
}
