package query

import (
	"context"
	"fmt"
	"time"

	"github.com/jobquest/progress-engine/internal/domain/activity"
	"github.com/jobquest/progress-engine/internal/domain/shared"
)

// ══════════════════════════════════════════════════════════════════════════════
// LIST ACTIVITIES QUERY
// ══════════════════════════════════════════════════════════════════════════════

// MaxActivityPage bounds a page of activities.
const MaxActivityPage = 500

// ListActivitiesQuery contains the query parameters.
type ListActivitiesQuery struct {
	UserID string
	Since  time.Time
	Until  time.Time
	Types  []activity.Type
	Limit  int

	// WithAnnotations loads each activity's annotations.
	WithAnnotations bool
}

// Validate validates the query and applies defaults.
func (q *ListActivitiesQuery) Validate() error {
	if q.UserID == "" {
		return shared.ErrMissingUserID
	}
	if !q.Since.IsZero() && !q.Until.IsZero() && !q.Since.Before(q.Until) {
		return shared.NewDomainError("activity", "List", shared.ErrValueOutOfRange, "since must be before until")
	}
	for _, t := range q.Types {
		if !t.IsValid() {
			return fmt.Errorf("%w: %s", shared.ErrInvalidActivityType, t)
		}
	}
	if q.Limit <= 0 {
		q.Limit = 100
	}
	if q.Limit > MaxActivityPage {
		q.Limit = MaxActivityPage
	}
	return nil
}

// ActivityView is an activity with its annotations.
type ActivityView struct {
	Activity    *activity.Activity
	Annotations []activity.Annotation
}

// ListActivitiesHandler handles the query.
type ListActivitiesHandler struct {
	activities activity.Repository
}

// NewListActivitiesHandler creates the handler.
func NewListActivitiesHandler(activities activity.Repository) *ListActivitiesHandler {
	return &ListActivitiesHandler{activities: activities}
}

// Handle executes the query. Results are most recent first.
func (h *ListActivitiesHandler) Handle(ctx context.Context, q ListActivitiesQuery) ([]ActivityView, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}

	rows, err := h.activities.ListByUser(ctx, q.UserID, activity.ListOptions{
		Since: q.Since,
		Until: q.Until,
		Types: q.Types,
		Limit: q.Limit,
	})
	if err != nil {
		return nil, fmt.Errorf("list_activities: %w", err)
	}

	out := make([]ActivityView, len(rows))
	for i, a := range rows {
		out[i] = ActivityView{Activity: a, Annotations: []activity.Annotation{}}
		if !q.WithAnnotations {
			continue
		}
		anns, err := h.activities.Annotations(ctx, a.ID)
		if err != nil {
			return nil, fmt.Errorf("list_activities: annotations of %s: %w", a.ID, err)
		}
		out[i].Annotations = anns
	}
	return out, nil
}
