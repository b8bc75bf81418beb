// Package rule defines the requirement grammar shared by achievements and
// daily challenges: a closed set of rule variants decoded from JSON and
// evaluated against a user's aggregated activity.
package rule

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/jobquest/progress-engine/internal/domain/shared"
)

// Kind is the discriminator of the rule union (the "type" field in JSON).
type Kind string

// Implemented rule kinds.
const (
	KindMissionsCompleted        Kind = "MISSIONS_COMPLETED"
	KindStreakDays               Kind = "STREAK_DAYS"
	KindTotalXP                  Kind = "TOTAL_XP"
	KindJobApplications          Kind = "JOB_APPLICATIONS"
	KindJobApplicationsScreening Kind = "JOB_APPLICATIONS_SCREENING"
	KindLearningResources        Kind = "LEARNING_RESOURCES"
	KindLearningResourcesByType  Kind = "LEARNING_RESOURCES_BY_TYPE"
	KindFocusSessionDuration     Kind = "FOCUS_SESSION_DURATION"
	KindNotebookEntries          Kind = "NOTEBOOK_ENTRIES"
)

// Reserved kinds are part of the grammar but never satisfied until the
// time-of-day and per-day streak counters they need exist.
const (
	KindEarlyFocusSessions     Kind = "EARLY_FOCUS_SESSIONS"
	KindLateFocusSessions      Kind = "LATE_FOCUS_SESSIONS"
	KindWeekendFocusSessions   Kind = "WEEKEND_FOCUS_SESSIONS"
	KindDailyLearningResources Kind = "DAILY_LEARNING_RESOURCES"
	KindDailyJobApplications   Kind = "DAILY_JOB_APPLICATIONS"
	KindJobApplicationStreak   Kind = "JOB_APPLICATION_STREAK"
)

// IsReserved reports whether the kind is declared but inert.
func (k Kind) IsReserved() bool {
	switch k {
	case KindEarlyFocusSessions, KindLateFocusSessions, KindWeekendFocusSessions,
		KindDailyLearningResources, KindDailyJobApplications, KindJobApplicationStreak:
		return true
	}
	return false
}

// Rule is one variant of the requirement union. The unexported method closes
// the set to the variants declared in this package.
type Rule interface {
	// Kind returns the discriminator.
	Kind() Kind

	// Target is the threshold the rule compares against.
	Target() int

	isRule()
}

// MissionsCompleted requires Count completed missions, optionally of one type.
type MissionsCompleted struct {
	Count       int
	MissionType string
}

// StreakDays requires a current streak of at least Days.
type StreakDays struct {
	Days int
}

// TotalXP requires at least XP lifetime experience.
type TotalXP struct {
	XP int
}

// JobApplications requires Count submitted applications.
type JobApplications struct {
	Count int
}

// JobApplicationsScreening requires Count applications that reached screening.
type JobApplicationsScreening struct {
	Count int
}

// LearningResources requires Count completed learning resources.
type LearningResources struct {
	Count int
}

// LearningResourcesByType requires Count completed resources of ResourceType.
type LearningResourcesByType struct {
	Count        int
	ResourceType string
}

// FocusSessionDuration requires Minutes of accumulated focus time.
type FocusSessionDuration struct {
	Minutes int
}

// NotebookEntries requires Count notebook entries. Used by daily challenges.
type NotebookEntries struct {
	Count int
}

// Reserved carries a declared-but-inert kind.
type Reserved struct {
	Of    Kind
	Count int
}

func (r MissionsCompleted) Kind() Kind        { return KindMissionsCompleted }
func (r StreakDays) Kind() Kind               { return KindStreakDays }
func (r TotalXP) Kind() Kind                  { return KindTotalXP }
func (r JobApplications) Kind() Kind          { return KindJobApplications }
func (r JobApplicationsScreening) Kind() Kind { return KindJobApplicationsScreening }
func (r LearningResources) Kind() Kind        { return KindLearningResources }
func (r LearningResourcesByType) Kind() Kind  { return KindLearningResourcesByType }
func (r FocusSessionDuration) Kind() Kind     { return KindFocusSessionDuration }
func (r NotebookEntries) Kind() Kind          { return KindNotebookEntries }
func (r Reserved) Kind() Kind                 { return r.Of }

func (r MissionsCompleted) Target() int        { return r.Count }
func (r StreakDays) Target() int               { return r.Days }
func (r TotalXP) Target() int                  { return r.XP }
func (r JobApplications) Target() int          { return r.Count }
func (r JobApplicationsScreening) Target() int { return r.Count }
func (r LearningResources) Target() int        { return r.Count }
func (r LearningResourcesByType) Target() int  { return r.Count }
func (r FocusSessionDuration) Target() int     { return r.Minutes }
func (r NotebookEntries) Target() int          { return r.Count }
func (r Reserved) Target() int                 { return r.Count }

func (MissionsCompleted) isRule()        {}
func (StreakDays) isRule()               {}
func (TotalXP) isRule()                  {}
func (JobApplications) isRule()          {}
func (JobApplicationsScreening) isRule() {}
func (LearningResources) isRule()        {}
func (LearningResourcesByType) isRule()  {}
func (FocusSessionDuration) isRule()     {}
func (NotebookEntries) isRule()          {}
func (Reserved) isRule()                 {}

// ══════════════════════════════════════════════════════════════════════════════
// JSON
// ══════════════════════════════════════════════════════════════════════════════

// wire is the JSON shape of a requirement.
type wire struct {
	Type         string `json:"type"`
	Count        *int   `json:"count,omitempty"`
	Days         *int   `json:"days,omitempty"`
	XP           *int   `json:"xp,omitempty"`
	Minutes      *int   `json:"minutes,omitempty"`
	MissionType  string `json:"missionType,omitempty"`
	ResourceType string `json:"resourceType,omitempty"`
}

// Parse decodes a JSON requirement. Unknown kinds return an error wrapping
// shared.ErrUnknownRuleType; bad JSON or thresholds wrap shared.ErrMalformedRule.
func Parse(raw []byte) (Rule, error) {
	var w wire
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, shared.WrapError("rule", "Parse", shared.ErrMalformedRule, "invalid requirement JSON", err)
	}
	if w.Type == "" {
		return nil, shared.NewDomainError("rule", "Parse", shared.ErrMalformedRule, "requirement has no type")
	}

	kind := Kind(w.Type)
	switch kind {
	case KindMissionsCompleted:
		n, err := threshold(kind, "count", w.Count)
		if err != nil {
			return nil, err
		}
		return MissionsCompleted{Count: n, MissionType: strings.ToUpper(w.MissionType)}, nil
	case KindStreakDays:
		n, err := threshold(kind, "days", w.Days)
		if err != nil {
			return nil, err
		}
		return StreakDays{Days: n}, nil
	case KindTotalXP:
		n, err := threshold(kind, "xp", w.XP)
		if err != nil {
			return nil, err
		}
		return TotalXP{XP: n}, nil
	case KindJobApplications:
		n, err := threshold(kind, "count", w.Count)
		if err != nil {
			return nil, err
		}
		return JobApplications{Count: n}, nil
	case KindJobApplicationsScreening:
		n, err := threshold(kind, "count", w.Count)
		if err != nil {
			return nil, err
		}
		return JobApplicationsScreening{Count: n}, nil
	case KindLearningResources:
		n, err := threshold(kind, "count", w.Count)
		if err != nil {
			return nil, err
		}
		return LearningResources{Count: n}, nil
	case KindLearningResourcesByType:
		n, err := threshold(kind, "count", w.Count)
		if err != nil {
			return nil, err
		}
		if w.ResourceType == "" {
			return nil, shared.NewDomainError("rule", "Parse", shared.ErrMalformedRule,
				fmt.Sprintf("%s requires resourceType", kind))
		}
		return LearningResourcesByType{Count: n, ResourceType: strings.ToUpper(w.ResourceType)}, nil
	case KindFocusSessionDuration:
		n, err := threshold(kind, "minutes", w.Minutes)
		if err != nil {
			return nil, err
		}
		return FocusSessionDuration{Minutes: n}, nil
	case KindNotebookEntries:
		n, err := threshold(kind, "count", w.Count)
		if err != nil {
			return nil, err
		}
		return NotebookEntries{Count: n}, nil
	}

	if kind.IsReserved() {
		n := 1
		switch {
		case w.Count != nil && *w.Count > 0:
			n = *w.Count
		case w.Days != nil && *w.Days > 0:
			n = *w.Days
		}
		return Reserved{Of: kind, Count: n}, nil
	}

	return nil, shared.NewDomainError("rule", "Parse", shared.ErrUnknownRuleType,
		fmt.Sprintf("unknown rule type %q", w.Type))
}

func threshold(kind Kind, field string, v *int) (int, error) {
	if v == nil {
		return 0, shared.NewDomainError("rule", "Parse", shared.ErrMalformedRule,
			fmt.Sprintf("%s requires %s", kind, field))
	}
	if *v <= 0 {
		return 0, shared.NewDomainError("rule", "Parse", shared.ErrMalformedRule,
			fmt.Sprintf("%s.%s must be positive", kind, field))
	}
	return *v, nil
}

// Encode renders a rule back into its JSON requirement.
func Encode(r Rule) (json.RawMessage, error) {
	w := wire{Type: string(r.Kind())}
	n := r.Target()

	switch v := r.(type) {
	case MissionsCompleted:
		w.Count = &n
		w.MissionType = v.MissionType
	case StreakDays:
		w.Days = &n
	case TotalXP:
		w.XP = &n
	case LearningResourcesByType:
		w.Count = &n
		w.ResourceType = v.ResourceType
	case FocusSessionDuration:
		w.Minutes = &n
	case JobApplications, JobApplicationsScreening, LearningResources, NotebookEntries, Reserved:
		w.Count = &n
	default:
		return nil, shared.NewDomainError("rule", "Encode", shared.ErrUnknownRuleType,
			fmt.Sprintf("cannot encode %T", r))
	}

	return json.Marshal(w)
}
