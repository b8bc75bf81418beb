// Package activity contains the append-only activity log: the durable record
// of user actions that drives every progress calculation.
package activity

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jobquest/progress-engine/internal/domain/shared"
)

// Type enumerates the kinds of user actions recorded in the log.
type Type string

const (
	// TypeMissionCompleted - a mission (focus session, job search block, ...) was completed.
	TypeMissionCompleted Type = "MISSION_COMPLETED"

	// TypeJobApplication - a job application was submitted.
	TypeJobApplication Type = "JOB_APPLICATION"

	// TypeJobStatusChanged - an existing application moved to a new status.
	TypeJobStatusChanged Type = "JOB_STATUS_CHANGED"

	// TypeLearningCompleted - a learning resource was completed.
	TypeLearningCompleted Type = "LEARNING_COMPLETED"

	// TypeNotebookEntry - a notebook (journal) entry was written.
	TypeNotebookEntry Type = "NOTEBOOK_ENTRY"

	// TypeAchievementUnlocked is written by the achievement flow.
	TypeAchievementUnlocked Type = "ACHIEVEMENT_UNLOCKED"

	// TypeChallengeCompleted is written by the daily challenge flow.
	TypeChallengeCompleted Type = "CHALLENGE_COMPLETED"

	// TypeLevelUp is written by the ledger when a credit crosses a level boundary.
	TypeLevelUp Type = "LEVEL_UP"
)

// IsValid reports whether the type is known.
func (t Type) IsValid() bool {
	switch t {
	case TypeMissionCompleted, TypeJobApplication, TypeJobStatusChanged,
		TypeLearningCompleted, TypeNotebookEntry,
		TypeAchievementUnlocked, TypeChallengeCompleted, TypeLevelUp:
		return true
	}
	return false
}

// IsUserProduced reports whether the type originates from a user action.
// The remaining types are only written by the engine itself.
func (t Type) IsUserProduced() bool {
	switch t {
	case TypeMissionCompleted, TypeJobApplication, TypeJobStatusChanged,
		TypeLearningCompleted, TypeNotebookEntry:
		return true
	}
	return false
}

// EventType returns the event published when an activity of this type is appended.
func (t Type) EventType() shared.EventType {
	switch t {
	case TypeMissionCompleted:
		return shared.EventMissionCompleted
	case TypeJobApplication:
		return shared.EventJobApplicationCreated
	case TypeJobStatusChanged:
		return shared.EventJobApplicationStatus
	case TypeLearningCompleted:
		return shared.EventLearningResourceComplete
	case TypeNotebookEntry:
		return shared.EventNotebookEntryCreated
	default:
		return shared.EventActivityRecorded
	}
}

// Metadata keys understood by the engine. Any other keys are carried opaquely.
const (
	MetaMissionType     = "missionType"
	MetaDurationMinutes = "durationMinutes"
	MetaStatus          = "status"
	MetaApplicationID   = "applicationId"
	MetaResourceType    = "resourceType"
)

// Well-known dimension values.
const (
	MissionTypeFocus   = "FOCUS"
	JobStatusApplied   = "APPLIED"
	JobStatusScreening = "SCREENING"
)

// Metadata is the opaque JSON object attached to an activity.
type Metadata map[string]interface{}

// String returns a string value, or "" when absent or not a string.
func (m Metadata) String(key string) string {
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}

// Int returns an integer value. JSON numbers decode as float64.
func (m Metadata) Int(key string) int {
	switch v := m[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	case json.Number:
		n, _ := v.Int64()
		return int(n)
	default:
		return 0
	}
}

// Activity is one immutable entry in the activity log.
type Activity struct {
	ID          string
	UserID      string
	Type        Type
	Title       string
	Description string
	Metadata    Metadata
	XPEarned    *int
	CreatedAt   time.Time

	// Dimension and Quantity are denormalized from Metadata at creation so
	// stores can aggregate without parsing JSON.
	Dimension string
	Quantity  int
}

// NewActivityParams holds the inputs of Append.
type NewActivityParams struct {
	UserID      string
	Type        Type
	Title       string
	Description string
	Metadata    Metadata
	XPEarned    *int
	CreatedAt   time.Time
}

// NewActivity validates the params and builds an Activity with a fresh id.
func NewActivity(p NewActivityParams) (*Activity, error) {
	if strings.TrimSpace(p.UserID) == "" {
		return nil, shared.ErrMissingUserID
	}
	if !p.Type.IsValid() {
		return nil, shared.ErrInvalidActivityType
	}
	if strings.TrimSpace(p.Title) == "" {
		return nil, shared.ErrMissingTitle
	}
	if p.XPEarned != nil && *p.XPEarned < 0 {
		return nil, shared.NewDomainError("activity", "Validate", shared.ErrNegativeValue, "xpEarned cannot be negative")
	}

	md := p.Metadata
	if md == nil {
		md = Metadata{}
	}
	if p.Type == TypeJobStatusChanged && md.String(MetaStatus) == "" {
		return nil, shared.NewDomainError("activity", "Validate", shared.ErrEmptyValue, "status is required for JOB_STATUS_CHANGED")
	}
	if md.Int(MetaDurationMinutes) < 0 {
		return nil, shared.NewDomainError("activity", "Validate", shared.ErrNegativeValue, "durationMinutes cannot be negative")
	}

	createdAt := p.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	a := &Activity{
		ID:          uuid.NewString(),
		UserID:      p.UserID,
		Type:        p.Type,
		Title:       p.Title,
		Description: p.Description,
		Metadata:    md,
		XPEarned:    p.XPEarned,
		CreatedAt:   createdAt.UTC(),
	}
	a.Dimension, a.Quantity = deriveCounters(p.Type, md)

	return a, nil
}

// deriveCounters extracts the aggregation dimension and quantity for a type.
func deriveCounters(t Type, md Metadata) (string, int) {
	switch t {
	case TypeMissionCompleted:
		return normalize(md.String(MetaMissionType)), md.Int(MetaDurationMinutes)
	case TypeJobApplication:
		status := normalize(md.String(MetaStatus))
		if status == "" {
			status = JobStatusApplied
		}
		return status, 0
	case TypeJobStatusChanged:
		return normalize(md.String(MetaStatus)), 0
	case TypeLearningCompleted:
		return normalize(md.String(MetaResourceType)), 0
	default:
		return "", 0
	}
}

func normalize(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}

// MarshalMetadata encodes metadata for storage.
func (a *Activity) MarshalMetadata() ([]byte, error) {
	if a.Metadata == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(a.Metadata)
}

// UnmarshalMetadata decodes stored metadata.
func UnmarshalMetadata(raw []byte) (Metadata, error) {
	md := Metadata{}
	if len(raw) == 0 {
		return md, nil
	}
	if err := json.Unmarshal(raw, &md); err != nil {
		return nil, err
	}
	return md, nil
}

// EventData returns the payload published for this activity.
func (a *Activity) EventData() map[string]interface{} {
	data := map[string]interface{}{
		"activityId":   a.ID,
		"activityType": string(a.Type),
		"title":        a.Title,
		"createdAt":    a.CreatedAt.Format(time.RFC3339),
	}
	if a.Dimension != "" {
		data["dimension"] = a.Dimension
	}
	if a.Quantity > 0 {
		data["quantity"] = a.Quantity
	}
	if a.XPEarned != nil {
		data["xpEarned"] = *a.XPEarned
	}
	return data
}

// ══════════════════════════════════════════════════════════════════════════════
// ANNOTATIONS
// ══════════════════════════════════════════════════════════════════════════════

// Annotation keys written by the engine.
const (
	AnnotationCompletedChallenge  = "completedChallenge"
	AnnotationUnlockedAchievement = "unlockedAchievement"
)

// Annotation is late-bound information about an activity, kept in a side
// table so the activity row stays immutable. Writing the same
// (activity, key, value) twice is a no-op.
type Annotation struct {
	ActivityID string
	Key        string
	Value      string
	CreatedAt  time.Time
}

// NewAnnotation validates and builds an annotation.
func NewAnnotation(activityID, key, value string) (Annotation, error) {
	if activityID == "" {
		return Annotation{}, shared.NewDomainError("activity", "Annotate", shared.ErrInvalidID, "activity id is required")
	}
	if key == "" {
		return Annotation{}, shared.NewDomainError("activity", "Annotate", shared.ErrEmptyValue, "annotation key is required")
	}
	return Annotation{
		ActivityID: activityID,
		Key:        key,
		Value:      value,
		CreatedAt:  time.Now().UTC(),
	}, nil
}
