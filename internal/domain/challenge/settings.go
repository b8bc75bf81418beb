package challenge

import (
	"errors"
	"fmt"
	"time"

	"github.com/jobquest/progress-engine/internal/domain/shared"
)

// MaxTarget bounds a daily target.
const MaxTarget = 100

// Target is one independently toggleable challenge setting.
type Target struct {
	Enabled bool `json:"enabled"`
	Target  int  `json:"target"`
}

// Settings are a user's enabled challenges and their daily targets.
type Settings struct {
	UserID            string
	NotebookEntries   Target
	LearningMaterials Target
	JobApplications   Target
	UpdatedAt         time.Time
}

// DefaultSettings returns notebook 1, learning 2, jobs 3, all enabled.
func DefaultSettings(userID string) Settings {
	return Settings{
		UserID:            userID,
		NotebookEntries:   Target{Enabled: true, Target: 1},
		LearningMaterials: Target{Enabled: true, Target: 2},
		JobApplications:   Target{Enabled: true, Target: 3},
	}
}

// Validate checks every enabled target is within [1, MaxTarget].
func (s Settings) Validate() error {
	if s.UserID == "" {
		return shared.ErrMissingUserID
	}

	var errs []error
	for _, item := range []struct {
		kind Kind
		t    Target
	}{
		{KindNotebookEntries, s.NotebookEntries},
		{KindLearningMaterials, s.LearningMaterials},
		{KindJobApplications, s.JobApplications},
	} {
		if !item.t.Enabled {
			continue
		}
		if item.t.Target < 1 || item.t.Target > MaxTarget {
			errs = append(errs, fmt.Errorf("%s target %d: %w", item.kind, item.t.Target, shared.ErrInvalidTarget))
		}
	}
	return errors.Join(errs...)
}

// Rewards is the XP granted per completed challenge kind.
type Rewards struct {
	NotebookEntries   int
	LearningMaterials int
	JobApplications   int
}

// DefaultRewards returns the stock rewards.
func DefaultRewards() Rewards {
	return Rewards{NotebookEntries: 25, LearningMaterials: 50, JobApplications: 75}
}
