package shared

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// EventType represents the type of an event carried on the event bus.
// Types are dotted names; the leading segment selects the topic.
type EventType string

// Event types emitted by the engine and by activity producers.
const (
	// Activity events
	EventMissionCompleted         EventType = "mission.completed"
	EventJobApplicationCreated    EventType = "job.application.created"
	EventJobApplicationStatus     EventType = "job.application.status_changed"
	EventLearningResourceComplete EventType = "learning.resource.completed"
	EventNotebookEntryCreated     EventType = "notebook.entry.created"
	EventActivityRecorded         EventType = "user.activity.recorded"

	// Progress events
	EventAchievementUnlocked EventType = "achievement.unlocked"
	EventLevelUp             EventType = "level.up"
	EventXPCredited          EventType = "xp.credited"
	EventStreakUpdated       EventType = "streak.updated"

	// Daily challenge events
	EventDailyChallengeProgress  EventType = "daily.challenge.progress"
	EventDailyChallengeCompleted EventType = "daily.challenge.completed"

	// Notification events
	EventNotificationCreated EventType = "notification.created"

	// System events
	EventXPReconciled EventType = "system.xp_reconciled"
)

// Event is the wire unit of the event bus. It is delivered at least once and
// never persisted by the engine; consumers must be idempotent.
type Event struct {
	ID        string                 `json:"id"`
	Type      EventType              `json:"type"`
	UserID    string                 `json:"userId"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// NewEvent creates an event with a fresh opaque id and the current time.
func NewEvent(eventType EventType, userID string, data map[string]interface{}) Event {
	if data == nil {
		data = make(map[string]interface{})
	}
	return Event{
		ID:        uuid.NewString(),
		Type:      eventType,
		UserID:    userID,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

// WithMetadata returns a copy of the event with the metadata key set.
func (e Event) WithMetadata(key string, value interface{}) Event {
	md := make(map[string]interface{}, len(e.Metadata)+1)
	for k, v := range e.Metadata {
		md[k] = v
	}
	md[key] = value
	e.Metadata = md
	return e
}

// WithCorrelationID sets the correlation ID for tracing.
func (e Event) WithCorrelationID(id string) Event {
	if id == "" {
		return e
	}
	return e.WithMetadata("correlationId", id)
}

// MetadataEvaluated marks an activity event whose producer already ran
// progress evaluation for it.
const MetadataEvaluated = "evaluated"

// MetadataBool returns a boolean metadata field, false when absent.
func (e Event) MetadataBool(key string) bool {
	v, ok := e.Metadata[key].(bool)
	return ok && v
}

// DataString returns a string field from Data, or "" when absent.
func (e Event) DataString(key string) string {
	if v, ok := e.Data[key].(string); ok {
		return v
	}
	return ""
}

// DataInt returns an integer field from Data. Values that went through JSON
// arrive as float64 and are converted.
func (e Event) DataInt(key string) int {
	switch v := e.Data[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return 0
	}
}

// EventHandler is a function that handles an event.
type EventHandler func(ctx context.Context, event Event) error

// EventPublisher defines the interface for publishing events.
type EventPublisher interface {
	// Publish hands the event to the transport. Errors are reported to the
	// caller, who decides whether they matter.
	Publish(ctx context.Context, event Event) error
}

// EventPublisherFunc adapts a function to EventPublisher.
type EventPublisherFunc func(ctx context.Context, event Event) error

// Publish implements EventPublisher.
func (f EventPublisherFunc) Publish(ctx context.Context, event Event) error {
	return f(ctx, event)
}

// NopPublisher discards every event.
var NopPublisher EventPublisher = EventPublisherFunc(func(context.Context, Event) error { return nil })

// PublishAndLog publishes and logs a failure instead of returning it. Side
// effects of a user action use this so a bus outage never fails the action.
func PublishAndLog(ctx context.Context, pub EventPublisher, logger *slog.Logger, event Event) {
	if pub == nil {
		return
	}
	if err := pub.Publish(ctx, event); err != nil {
		if logger == nil {
			logger = slog.Default()
		}
		logger.Warn("event publish failed",
			"event_type", event.Type,
			"event_id", event.ID,
			"user_id", event.UserID,
			"error", err,
		)
	}
}
