package query

import (
	"context"

	"github.com/jobquest/progress-engine/internal/application/saga"
	"github.com/jobquest/progress-engine/internal/domain/shared"
)

// ══════════════════════════════════════════════════════════════════════════════
// GET DAILY CHALLENGES QUERY
// Today's challenges with the user's progress. Reading ensures the instances
// and progress rows exist and recomputes progress, so a completion can be
// observed here as well.
// ══════════════════════════════════════════════════════════════════════════════

// GetDailyChallengesQuery contains the query parameters.
type GetDailyChallengesQuery struct {
	UserID string
}

// GetDailyChallengesHandler handles the query.
type GetDailyChallengesHandler struct {
	flow *saga.DailyChallengeFlow
}

// NewGetDailyChallengesHandler creates the handler.
func NewGetDailyChallengesHandler(flow *saga.DailyChallengeFlow) *GetDailyChallengesHandler {
	return &GetDailyChallengesHandler{flow: flow}
}

// Handle executes the query.
func (h *GetDailyChallengesHandler) Handle(ctx context.Context, q GetDailyChallengesQuery) (*saga.DailyChallengeResult, error) {
	if q.UserID == "" {
		return nil, shared.ErrMissingUserID
	}
	return h.flow.Sync(ctx, q.UserID, h.flow.Clock().Now(), "")
}
