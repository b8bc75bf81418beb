package achievement

import (
	"log/slog"
	"time"

	"github.com/jobquest/progress-engine/internal/domain/rule"
)

// Candidate is a locked achievement whose rule is now satisfied.
type Candidate struct {
	Achievement Achievement
	Progress    rule.Progress
}

// Evaluate returns the locked achievements in the catalog whose rules are
// satisfied by the snapshot. Rules that fail to parse are logged and skipped
// so one bad catalog entry never blocks the others.
func Evaluate(catalog []Achievement, unlocked UnlockedSet, snap rule.Snapshot, logger *slog.Logger) []Candidate {
	if logger == nil {
		logger = slog.Default()
	}

	candidates := make([]Candidate, 0)
	for _, a := range catalog {
		if unlocked.Has(a.ID) {
			continue
		}

		r, err := a.Rule()
		if err != nil {
			logger.Warn("skipping achievement with unusable rule",
				"achievement_id", a.ID,
				"error", err,
			)
			continue
		}

		p := rule.Evaluate(r, snap)
		if p.Satisfied() {
			candidates = append(candidates, Candidate{Achievement: a, Progress: p})
		}
	}

	return candidates
}

// ProgressEntry is the display state of one catalog entry for one user.
type ProgressEntry struct {
	Achievement Achievement
	Kind        rule.Kind
	Progress    int
	MaxProgress int
	Unlocked    bool
	UnlockedAt  *time.Time

	// Inert marks reserved rules that cannot be earned yet.
	Inert bool
}

// Report computes (progress, maxProgress) for every catalog entry with a
// parseable rule. Unknown or malformed rules are excluded.
func Report(catalog []Achievement, unlocked UnlockedSet, snap rule.Snapshot, logger *slog.Logger) []ProgressEntry {
	if logger == nil {
		logger = slog.Default()
	}

	entries := make([]ProgressEntry, 0, len(catalog))
	for _, a := range catalog {
		r, err := a.Rule()
		if err != nil {
			logger.Debug("excluding achievement from progress report",
				"achievement_id", a.ID,
				"error", err,
			)
			continue
		}

		p := rule.Evaluate(r, snap)
		entry := ProgressEntry{
			Achievement: a,
			Kind:        r.Kind(),
			Progress:    p.Current,
			MaxProgress: p.Target,
			Inert:       p.Inert,
		}

		if row, ok := unlocked[a.ID]; ok {
			at := row.UnlockedAt
			entry.Unlocked = true
			entry.UnlockedAt = &at
			entry.Progress = entry.MaxProgress
		}

		entries = append(entries, entry)
	}

	return entries
}
