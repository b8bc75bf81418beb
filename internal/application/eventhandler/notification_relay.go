package eventhandler

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jobquest/progress-engine/internal/domain/notification"
	"github.com/jobquest/progress-engine/internal/domain/shared"
)

// ═══════════════════════════════════════════════════════════════════════════
// NOTIFICATION RELAY
// Turns progress events into notification.created events for downstream
// delivery. Notification ids derive from the source event id, so a
// redelivered source event produces a duplicate consumers can drop.
// ═══════════════════════════════════════════════════════════════════════════

// NotificationEventTypes are the events the relay consumes.
var NotificationEventTypes = []shared.EventType{
	shared.EventAchievementUnlocked,
	shared.EventLevelUp,
	shared.EventDailyChallengeCompleted,
	shared.EventStreakUpdated,
}

// NotificationRelay publishes a notification for each notifying event.
type NotificationRelay struct {
	publisher shared.EventPublisher
	logger    *slog.Logger
}

// NewNotificationRelay creates the relay.
func NewNotificationRelay(publisher shared.EventPublisher, logger *slog.Logger) *NotificationRelay {
	if logger == nil {
		logger = slog.Default()
	}
	return &NotificationRelay{publisher: publisher, logger: logger.With("handler", "notification_relay")}
}

// Handle implements shared.EventHandler. A publish failure is returned so
// the dispatcher retries.
func (r *NotificationRelay) Handle(ctx context.Context, event shared.Event) error {
	n, ok := notification.FromEvent(event)
	if !ok {
		return nil
	}

	out := n.Event()
	if cid, ok := event.Metadata["correlationId"].(string); ok {
		out = out.WithCorrelationID(cid)
	}
	if err := r.publisher.Publish(ctx, out); err != nil {
		return fmt.Errorf("relay %s: %w", event.Type, err)
	}

	r.logger.Debug("notification created",
		"user_id", n.UserID,
		"notification_id", n.ID,
		"type", n.Type,
		"priority", n.Priority.String(),
	)
	return nil
}

// Register binds the relay to every notifying event type.
func (r *NotificationRelay) Register(reg Registrar) error {
	for _, t := range NotificationEventTypes {
		if err := reg.Register(t, "notification_relay", r.Handle); err != nil {
			return err
		}
	}
	return nil
}
