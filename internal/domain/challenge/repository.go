package challenge

import "context"

// Repository persists challenge instances and per-user progress.
type Repository interface {
	// EnsureChallenges inserts the instances that do not exist yet and
	// returns the stored rows for all given ids, in input order.
	EnsureChallenges(ctx context.Context, challenges []DailyChallenge) ([]DailyChallenge, error)

	// GetProgress returns shared.ErrProgressNotFound when no row exists.
	GetProgress(ctx context.Context, userID, challengeID string) (*Progress, error)

	// CreateProgress inserts the row if absent.
	CreateProgress(ctx context.Context, p Progress) (created bool, err error)

	// UpdateProgress writes next only if the stored row is not COMPLETED and
	// its progress is <= next.Progress. applied reports whether this call
	// performed the write; exactly one concurrent writer wins a transition to
	// COMPLETED.
	UpdateProgress(ctx context.Context, next Progress) (applied bool, err error)
}

// SettingsRepository persists per-user challenge settings.
type SettingsRepository interface {
	// GetSettings returns shared.ErrSettingsNotFound when the user has none.
	GetSettings(ctx context.Context, userID string) (*Settings, error)

	// SaveSettings creates or replaces the user's settings.
	SaveSettings(ctx context.Context, s Settings) error
}
