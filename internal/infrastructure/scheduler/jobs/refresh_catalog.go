package jobs

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jobquest/progress-engine/internal/domain/achievement"
)

// CatalogRefresher reloads a cached catalog from its source.
type CatalogRefresher interface {
	Refresh(ctx context.Context) ([]achievement.Achievement, error)
}

// RefreshCatalogJob picks up catalog edits made directly in the database.
type RefreshCatalogJob struct {
	catalog CatalogRefresher
	logger  *slog.Logger
}

// NewRefreshCatalogJob creates the job.
func NewRefreshCatalogJob(catalog CatalogRefresher, logger *slog.Logger) *RefreshCatalogJob {
	if logger == nil {
		logger = slog.Default()
	}
	return &RefreshCatalogJob{catalog: catalog, logger: logger.With("job", "refresh_catalog")}
}

func (j *RefreshCatalogJob) Name() string { return "refresh_catalog" }

func (j *RefreshCatalogJob) Description() string {
	return "Reloads the achievement catalog into the shared cache"
}

// Run reloads the catalog.
func (j *RefreshCatalogJob) Run(ctx context.Context) error {
	list, err := j.catalog.Refresh(ctx)
	if err != nil {
		return fmt.Errorf("refresh catalog: %w", err)
	}
	j.logger.Debug("catalog refreshed", "achievements", len(list))
	return nil
}
