// Package notification derives user-facing notifications from progress
// events. Delivery (push, email, in-app inbox) happens downstream of the
// notification.created event and is not modeled here.
package notification

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/jobquest/progress-engine/internal/domain/shared"
)

// ══════════════════════════════════════════════════════════════════════════════
// NOTIFICATION TYPE
// ══════════════════════════════════════════════════════════════════════════════

// Type identifies what the notification is about.
type Type string

const (
	TypeAchievementUnlocked Type = "ACHIEVEMENT_UNLOCKED"
	TypeLevelUp             Type = "LEVEL_UP"
	TypeChallengeCompleted  Type = "CHALLENGE_COMPLETED"
	TypeStreakMilestone     Type = "STREAK_MILESTONE"
)

// DefaultPriority returns the priority a type is sent with.
func (t Type) DefaultPriority() Priority {
	switch t {
	case TypeLevelUp, TypeAchievementUnlocked:
		return PriorityHigh
	case TypeStreakMilestone:
		return PriorityNormal
	default:
		return PriorityLow
	}
}

// ══════════════════════════════════════════════════════════════════════════════
// PRIORITY
// ══════════════════════════════════════════════════════════════════════════════

// Priority orders notifications for delivery.
type Priority int

const (
	// PriorityLow can be batched with others.
	PriorityLow Priority = 1

	PriorityNormal Priority = 2

	// PriorityHigh is delivered right away.
	PriorityHigh Priority = 3
)

// String returns the wire name of the priority.
func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	default:
		return "unknown"
	}
}

// CanBeBatched reports whether the notification may wait for a digest.
func (p Priority) CanBeBatched() bool {
	return p == PriorityLow
}

// ══════════════════════════════════════════════════════════════════════════════
// NOTIFICATION
// ══════════════════════════════════════════════════════════════════════════════

// Notification is one message for a user.
type Notification struct {
	// ID is derived from the source event id, so redelivery of the source
	// event yields the same notification and consumers can dedupe.
	ID       string
	UserID   string
	Type     Type
	Priority Priority
	Title    string
	Message  string

	SourceEventID   string
	SourceEventType shared.EventType

	Data      map[string]interface{}
	CreatedAt time.Time
}

// idNamespace seeds the UUIDv5 notification ids.
var idNamespace = uuid.MustParse("2d4b7c1e-5a3f-5b9e-8c6d-0f1e2a3b4c5d")

// StreakMilestones are the streak lengths worth a notification.
var StreakMilestones = map[int]bool{3: true, 7: true, 14: true, 30: true, 60: true, 100: true, 365: true}

// FromEvent builds the notification for a progress event. ok is false for
// events that do not notify.
func FromEvent(e shared.Event) (n Notification, ok bool) {
	if e.UserID == "" {
		return Notification{}, false
	}

	n = Notification{
		ID:              uuid.NewSHA1(idNamespace, []byte(e.ID)).String(),
		UserID:          e.UserID,
		SourceEventID:   e.ID,
		SourceEventType: e.Type,
		CreatedAt:       e.Timestamp,
		Data:            map[string]interface{}{},
	}

	switch e.Type {
	case shared.EventAchievementUnlocked:
		n.Type = TypeAchievementUnlocked
		n.Title = "Achievement unlocked"
		n.Message = e.DataString("name")
		if xp := e.DataInt("xpAwarded"); xp > 0 {
			n.Message = fmt.Sprintf("%s (+%d XP)", e.DataString("name"), xp)
		}
		n.Data["achievementId"] = e.DataString("achievementId")

	case shared.EventLevelUp:
		n.Type = TypeLevelUp
		n.Title = "Level up"
		n.Message = fmt.Sprintf("You reached level %d", e.DataInt("toLevel"))
		n.Data["level"] = e.DataInt("toLevel")

	case shared.EventDailyChallengeCompleted:
		n.Type = TypeChallengeCompleted
		n.Title = "Daily challenge completed"
		n.Message = e.DataString("title")
		if xp := e.DataInt("xpAwarded"); xp > 0 {
			n.Message = fmt.Sprintf("%s (+%d XP)", e.DataString("title"), xp)
		}
		n.Data["challengeId"] = e.DataString("challengeId")

	case shared.EventStreakUpdated:
		days := e.DataInt("currentStreak")
		if !StreakMilestones[days] {
			return Notification{}, false
		}
		n.Type = TypeStreakMilestone
		n.Title = "Streak milestone"
		n.Message = fmt.Sprintf("%d days in a row", days)
		n.Data["streak"] = days

	default:
		return Notification{}, false
	}

	n.Priority = n.Type.DefaultPriority()
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now().UTC()
	}
	return n, true
}

// Event returns the notification.created event carrying n.
func (n Notification) Event() shared.Event {
	data := map[string]interface{}{
		"notificationId":  n.ID,
		"type":            string(n.Type),
		"priority":        n.Priority.String(),
		"title":           n.Title,
		"message":         n.Message,
		"sourceEventId":   n.SourceEventID,
		"sourceEventType": string(n.SourceEventType),
	}
	for k, v := range n.Data {
		data[k] = v
	}
	return shared.NewEvent(shared.EventNotificationCreated, n.UserID, data)
}
