package activity

import (
	"context"
	"fmt"
)

// Log is the single write path into the activity log.
type Log struct {
	repo Repository
}

// NewLog creates a Log backed by the repository.
func NewLog(repo Repository) *Log {
	return &Log{repo: repo}
}

// Append validates the params, stores exactly one new activity and returns it.
func (l *Log) Append(ctx context.Context, p NewActivityParams) (*Activity, error) {
	a, err := NewActivity(p)
	if err != nil {
		return nil, err
	}
	if err := l.repo.Append(ctx, a); err != nil {
		return nil, fmt.Errorf("append activity: %w", err)
	}
	return a, nil
}

// Annotate records late-bound information about an existing activity.
func (l *Log) Annotate(ctx context.Context, activityID, key, value string) error {
	ann, err := NewAnnotation(activityID, key, value)
	if err != nil {
		return err
	}
	if err := l.repo.Annotate(ctx, ann); err != nil {
		return fmt.Errorf("annotate activity %s: %w", activityID, err)
	}
	return nil
}

// Stats proxies the aggregate read.
func (l *Log) Stats(ctx context.Context, userID string, window *Window) (Stats, error) {
	return l.repo.Stats(ctx, userID, window)
}

// Repository exposes the underlying repository for read paths.
func (l *Log) Repository() Repository {
	return l.repo
}
