package achievement

import "context"

// Catalog provides the static achievement catalog.
type Catalog interface {
	// ListAchievements returns every catalog entry.
	ListAchievements(ctx context.Context) ([]Achievement, error)
}

// Repository persists the catalog and unlock rows.
type Repository interface {
	Catalog

	// SaveAchievement creates or replaces a catalog entry (used for seeding).
	SaveAchievement(ctx context.Context, a Achievement) error

	// Unlock inserts the unlock row if absent. created is false when the row
	// already existed, which is the expected outcome of a lost race and not
	// an error.
	Unlock(ctx context.Context, ua UserAchievement) (created bool, err error)

	// ListUnlocked returns the user's unlock rows.
	ListUnlocked(ctx context.Context, userID string) ([]UserAchievement, error)
}
