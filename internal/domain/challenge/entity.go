// Package challenge models per-day challenges: the instances generated from a
// user's settings and the per-user progress state machine.
package challenge

import (
	"encoding/json"
	"time"

	"github.com/jobquest/progress-engine/internal/domain/rule"
	"github.com/jobquest/progress-engine/internal/domain/shared"
)

// ══════════════════════════════════════════════════════════════════════════════
// STATUS
// ══════════════════════════════════════════════════════════════════════════════

// Status is the progress state of one user on one challenge.
type Status string

const (
	StatusNotStarted Status = "NOT_STARTED"
	StatusInProgress Status = "IN_PROGRESS"
	StatusCompleted  Status = "COMPLETED"
)

// IsValid reports whether the status is known.
func (s Status) IsValid() bool {
	switch s {
	case StatusNotStarted, StatusInProgress, StatusCompleted:
		return true
	}
	return false
}

// CanTransitionTo reports whether s → next is allowed. COMPLETED is terminal.
func (s Status) CanTransitionTo(next Status) bool {
	switch s {
	case StatusNotStarted:
		return next == StatusInProgress || next == StatusCompleted
	case StatusInProgress:
		return next == StatusInProgress || next == StatusCompleted
	}
	return false
}

// ══════════════════════════════════════════════════════════════════════════════
// KIND
// ══════════════════════════════════════════════════════════════════════════════

// Kind is the family of a daily challenge.
type Kind string

const (
	KindNotebookEntries   Kind = "NOTEBOOK_ENTRIES"
	KindLearningMaterials Kind = "LEARNING_MATERIALS"
	KindJobApplications   Kind = "JOB_APPLICATIONS"
)

// Rule returns the requirement for a target of this kind.
func (k Kind) Rule(target int) rule.Rule {
	switch k {
	case KindNotebookEntries:
		return rule.NotebookEntries{Count: target}
	case KindLearningMaterials:
		return rule.LearningResources{Count: target}
	case KindJobApplications:
		return rule.JobApplications{Count: target}
	}
	return rule.Reserved{Of: rule.Kind(k), Count: target}
}

// ══════════════════════════════════════════════════════════════════════════════
// DAILY CHALLENGE
// ══════════════════════════════════════════════════════════════════════════════

// DailyChallenge is one instance of a challenge kind on one calendar day.
// Instances are shared between users with the same (day, kind, target).
type DailyChallenge struct {
	ID          string
	Title       string
	Description string
	Kind        Kind
	Requirement json.RawMessage
	XPReward    int

	// Date is local midnight of the challenge day.
	Date time.Time
}

// Rule decodes the requirement.
func (c DailyChallenge) Rule() (rule.Rule, error) {
	return rule.Parse(c.Requirement)
}

// Day returns the challenge day as YYYY-MM-DD.
func (c DailyChallenge) Day() string {
	return c.Date.Format(time.DateOnly)
}

// CompletionKey is the idempotency key of the XP credit for a user
// completing this challenge.
func (c DailyChallenge) CompletionKey(userID string) string {
	return shared.ChallengeCompletionKey(userID, c.ID, c.Day())
}

// ══════════════════════════════════════════════════════════════════════════════
// PROGRESS
// ══════════════════════════════════════════════════════════════════════════════

// Progress is a user's state on one challenge. Unique on (UserID, ChallengeID).
type Progress struct {
	UserID      string
	ChallengeID string
	Status      Status
	Progress    int
	CompletedAt *time.Time
	UpdatedAt   time.Time

	// CompletionKey is set with the transition to COMPLETED. It is the key
	// of the XP credit, so stores can find completions that were never
	// credited.
	CompletionKey string
}

// NewProgress is the row created on first observation: IN_PROGRESS at zero.
func NewProgress(userID, challengeID string, now time.Time) Progress {
	return Progress{
		UserID:      userID,
		ChallengeID: challengeID,
		Status:      StatusInProgress,
		Progress:    0,
		UpdatedAt:   now.UTC(),
	}
}

// IsCompleted reports whether the terminal state is reached.
func (p Progress) IsCompleted() bool {
	return p.Status == StatusCompleted
}

// Advance computes the next state for a recomputed value. The value is capped
// at target and never moves backwards. changed is false when nothing would be
// written. Completed progress returns ErrChallengeCompleted.
func (p Progress) Advance(value, target int, now time.Time) (next Progress, changed bool, err error) {
	if p.IsCompleted() {
		return p, false, shared.ErrChallengeCompleted
	}
	if target <= 0 {
		return p, false, shared.ErrInvalidTarget
	}

	if value > target {
		value = target
	}
	if value < p.Progress {
		value = p.Progress
	}

	next = p
	next.Progress = value
	next.Status = StatusInProgress
	if value >= target {
		completedAt := now.UTC()
		next.Status = StatusCompleted
		next.CompletedAt = &completedAt
	}

	if !p.Status.CanTransitionTo(next.Status) {
		return p, false, shared.ErrInvalidStatusChange
	}

	changed = next.Progress != p.Progress || next.Status != p.Status
	if changed {
		next.UpdatedAt = now.UTC()
	}
	return next, changed, nil
}
