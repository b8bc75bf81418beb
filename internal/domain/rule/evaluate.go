package rule

import (
	"math"

	"github.com/jobquest/progress-engine/internal/domain/activity"
)

// Snapshot is the aggregated user state a rule is evaluated against.
type Snapshot struct {
	Stats         activity.Stats
	CurrentStreak int
	TotalXP       int64
}

// Progress is the outcome of evaluating one rule.
type Progress struct {
	// Current is the measured value, capped at Target.
	Current int

	// Target is the rule threshold.
	Target int

	// Inert marks reserved rules that can never be satisfied.
	Inert bool
}

// Satisfied reports whether the threshold is met.
func (p Progress) Satisfied() bool {
	return !p.Inert && p.Target > 0 && p.Current >= p.Target
}

// Percent returns progress in [0, 100].
func (p Progress) Percent() int {
	if p.Target <= 0 {
		return 0
	}
	return p.Current * 100 / p.Target
}

// Evaluate runs the rule against the snapshot.
func Evaluate(r Rule, s Snapshot) Progress {
	var current int

	switch v := r.(type) {
	case MissionsCompleted:
		current = s.Stats.MissionsOfType(v.MissionType)
	case StreakDays:
		current = s.CurrentStreak
	case TotalXP:
		current = clampInt(s.TotalXP)
	case JobApplications:
		current = s.Stats.JobApplications
	case JobApplicationsScreening:
		current = s.Stats.JobApplicationsInStatus(activity.JobStatusScreening)
	case LearningResources:
		current = s.Stats.LearningResources
	case LearningResourcesByType:
		current = s.Stats.LearningOfType(v.ResourceType)
	case FocusSessionDuration:
		current = s.Stats.FocusMinutes
	case NotebookEntries:
		current = s.Stats.NotebookEntries
	case Reserved:
		return Progress{Current: 0, Target: v.Count, Inert: true}
	default:
		return Progress{Inert: true}
	}

	target := r.Target()
	if current > target {
		current = target
	}
	if current < 0 {
		current = 0
	}
	return Progress{Current: current, Target: target}
}

func clampInt(v int64) int {
	if v > math.MaxInt32 {
		return math.MaxInt32
	}
	return int(v)
}
