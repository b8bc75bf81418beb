package activity

import (
	"strings"
	"time"
)

// Window is a half-open time range [From, To).
type Window struct {
	From time.Time
	To   time.Time
}

// Contains reports whether t falls inside the window.
func (w Window) Contains(t time.Time) bool {
	return !t.Before(w.From) && t.Before(w.To)
}

// StatRow is one group of the aggregate query stores run over the log:
// activities grouped by (type, dimension).
type StatRow struct {
	Type      Type
	Dimension string
	Count     int
	Quantity  int
}

// Stats is the aggregated view of a user's activity that rules are
// evaluated against.
type Stats struct {
	MissionsCompleted       int
	MissionsByType          map[string]int
	FocusMinutes            int
	JobApplications         int
	JobApplicationsByStatus map[string]int
	LearningResources       int
	LearningByType          map[string]int
	NotebookEntries         int
}

// NewStats folds grouped rows into Stats.
func NewStats(rows []StatRow) Stats {
	s := Stats{
		MissionsByType:          make(map[string]int),
		JobApplicationsByStatus: make(map[string]int),
		LearningByType:          make(map[string]int),
	}

	for _, row := range rows {
		switch row.Type {
		case TypeMissionCompleted:
			s.MissionsCompleted += row.Count
			if row.Dimension != "" {
				s.MissionsByType[row.Dimension] += row.Count
			}
			if row.Dimension == MissionTypeFocus {
				s.FocusMinutes += row.Quantity
			}
		case TypeJobApplication:
			s.JobApplications += row.Count
			if row.Dimension != "" {
				s.JobApplicationsByStatus[row.Dimension] += row.Count
			}
		case TypeJobStatusChanged:
			if row.Dimension != "" {
				s.JobApplicationsByStatus[row.Dimension] += row.Count
			}
		case TypeLearningCompleted:
			s.LearningResources += row.Count
			if row.Dimension != "" {
				s.LearningByType[row.Dimension] += row.Count
			}
		case TypeNotebookEntry:
			s.NotebookEntries += row.Count
		}
	}

	return s
}

// Tally folds raw activities into Stats, for callers that already hold them.
func Tally(activities []*Activity) Stats {
	type key struct {
		t Type
		d string
	}
	groups := make(map[key]*StatRow)
	order := make([]key, 0)
	for _, a := range activities {
		k := key{a.Type, a.Dimension}
		row, ok := groups[k]
		if !ok {
			row = &StatRow{Type: a.Type, Dimension: a.Dimension}
			groups[k] = row
			order = append(order, k)
		}
		row.Count++
		row.Quantity += a.Quantity
	}

	rows := make([]StatRow, 0, len(order))
	for _, k := range order {
		rows = append(rows, *groups[k])
	}
	return NewStats(rows)
}

// MissionsOfType returns completed missions of one type, or all missions
// when missionType is empty.
func (s Stats) MissionsOfType(missionType string) int {
	if missionType == "" {
		return s.MissionsCompleted
	}
	return s.MissionsByType[strings.ToUpper(missionType)]
}

// JobApplicationsInStatus counts applications that were created in, or moved
// to, the given status.
func (s Stats) JobApplicationsInStatus(status string) int {
	return s.JobApplicationsByStatus[strings.ToUpper(status)]
}

// LearningOfType returns completed learning resources of one type.
func (s Stats) LearningOfType(resourceType string) int {
	if resourceType == "" {
		return s.LearningResources
	}
	return s.LearningByType[strings.ToUpper(resourceType)]
}
