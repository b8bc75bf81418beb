// Package query contains read operations (CQRS - Queries).
package query

import (
	"context"
	"log/slog"
	"sort"

	"github.com/jobquest/progress-engine/internal/application/saga"
	"github.com/jobquest/progress-engine/internal/domain/achievement"
	"github.com/jobquest/progress-engine/internal/domain/shared"
)

// ══════════════════════════════════════════════════════════════════════════════
// GET ACHIEVEMENT PROGRESS QUERY
// Progress toward every parseable catalog entry. Unknown or malformed rules
// are left out of the report.
// ══════════════════════════════════════════════════════════════════════════════

// GetAchievementProgressQuery contains the query parameters.
type GetAchievementProgressQuery struct {
	UserID string

	// Category restricts the report to one category.
	Category achievement.Category

	// OnlyUnlocked / OnlyLocked filter by state; both false returns all.
	OnlyUnlocked bool
	OnlyLocked   bool
}

// Validate validates the query.
func (q GetAchievementProgressQuery) Validate() error {
	if q.UserID == "" {
		return shared.ErrMissingUserID
	}
	return nil
}

// AchievementProgressResult is the report plus totals.
type AchievementProgressResult struct {
	UserID        string
	Entries       []achievement.ProgressEntry
	UnlockedCount int
	TotalCount    int
}

// GetAchievementProgressHandler handles the query.
type GetAchievementProgressHandler struct {
	loader *saga.SnapshotLoader
	logger *slog.Logger
}

// NewGetAchievementProgressHandler creates the handler.
func NewGetAchievementProgressHandler(loader *saga.SnapshotLoader, logger *slog.Logger) *GetAchievementProgressHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &GetAchievementProgressHandler{loader: loader, logger: logger.With("query", "get_achievement_progress")}
}

// Handle executes the query.
func (h *GetAchievementProgressHandler) Handle(ctx context.Context, q GetAchievementProgressQuery) (*AchievementProgressResult, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}

	state, err := h.loader.Load(ctx, q.UserID)
	if err != nil {
		return nil, err
	}

	report := achievement.Report(state.Catalog, state.Unlocked, state.Snapshot, h.logger)

	result := &AchievementProgressResult{UserID: q.UserID, Entries: make([]achievement.ProgressEntry, 0, len(report))}
	for _, e := range report {
		if q.Category != "" && e.Achievement.Category != q.Category {
			continue
		}
		if q.OnlyUnlocked && !e.Unlocked {
			continue
		}
		if q.OnlyLocked && e.Unlocked {
			continue
		}
		result.Entries = append(result.Entries, e)
		result.TotalCount++
		if e.Unlocked {
			result.UnlockedCount++
		}
	}

	// Unlocked first, then closest to completion.
	sort.SliceStable(result.Entries, func(i, j int) bool {
		a, b := result.Entries[i], result.Entries[j]
		if a.Unlocked != b.Unlocked {
			return a.Unlocked
		}
		return ratio(a) > ratio(b)
	})

	return result, nil
}

func ratio(e achievement.ProgressEntry) float64 {
	if e.MaxProgress <= 0 {
		return 0
	}
	return float64(e.Progress) / float64(e.MaxProgress)
}
