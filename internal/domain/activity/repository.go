package activity

import (
	"context"
	"time"
)

// ListOptions filters ListByUser.
type ListOptions struct {
	// Since and Until bound CreatedAt as [Since, Until). Zero values are open.
	Since time.Time
	Until time.Time

	// Types restricts the result to the given activity types.
	Types []Type

	// Limit caps the number of rows (most recent first). Zero means 100.
	Limit int
}

// Repository defines the interface for activity log persistence.
// This interface is implemented by the infrastructure layer.
type Repository interface {
	// Append inserts a new activity. Activities are never updated.
	Append(ctx context.Context, activity *Activity) error

	// GetByID returns one activity or shared.ErrActivityNotFound.
	GetByID(ctx context.Context, id string) (*Activity, error)

	// ListByUser returns a user's activities, most recent first.
	ListByUser(ctx context.Context, userID string, opts ListOptions) ([]*Activity, error)

	// Stats aggregates a user's activities, optionally restricted to a window.
	Stats(ctx context.Context, userID string, window *Window) (Stats, error)

	// Annotate attaches late-bound information to an activity.
	// Writing the same (activity, key, value) twice is a no-op.
	Annotate(ctx context.Context, annotation Annotation) error

	// Annotations returns every annotation of an activity.
	Annotations(ctx context.Context, activityID string) ([]Annotation, error)
}
