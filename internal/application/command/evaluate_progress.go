package command

import (
	"context"

	"github.com/jobquest/progress-engine/internal/application/saga"
	"github.com/jobquest/progress-engine/internal/domain/shared"
	"github.com/jobquest/progress-engine/pkg/timeutil"
)

// EvaluateProgressCommand asks for an opportunistic evaluation of a user,
// e.g. when a dashboard loads.
type EvaluateProgressCommand struct {
	UserID string
}

// EvaluateProgressHandler runs both flows without recording anything.
type EvaluateProgressHandler struct {
	evaluator *saga.ProgressEvaluator
	clock     *timeutil.Clock
}

// NewEvaluateProgressHandler creates the handler.
func NewEvaluateProgressHandler(evaluator *saga.ProgressEvaluator, clock *timeutil.Clock) *EvaluateProgressHandler {
	if clock == nil {
		clock = timeutil.NewClock(nil)
	}
	return &EvaluateProgressHandler{evaluator: evaluator, clock: clock}
}

// Handle evaluates the user. Partial outcomes are returned with the error.
func (h *EvaluateProgressHandler) Handle(ctx context.Context, cmd EvaluateProgressCommand) (*saga.ProgressOutcome, error) {
	if cmd.UserID == "" {
		return nil, shared.ErrMissingUserID
	}
	return h.evaluator.Evaluate(ctx, cmd.UserID, h.clock.Now(), "")
}
