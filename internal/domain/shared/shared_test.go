package shared

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIdempotencyKey_Stable(t *testing.T) {
	a := IdempotencyKey("achievement", "u1", "a1")

	assert.Len(t, a, 64)
	assert.Equal(t, a, IdempotencyKey("achievement", "u1", "a1"))
	assert.NotEqual(t, a, IdempotencyKey("challenge", "u1", "a1"))
	assert.NotEqual(t, IdempotencyKey("s", "ab", "c"), IdempotencyKey("s", "a", "bc"))
	assert.Equal(t, a, UnlockKey("u1", "a1"))
}

func TestEvent_JSONShape(t *testing.T) {
	e := NewEvent(EventAchievementUnlocked, "u1", map[string]interface{}{"achievementId": "streak-7"})
	e.Timestamp = time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)

	raw, err := json.Marshal(e)
	require.NoError(t, err)

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &decoded))

	assert.Equal(t, e.ID, decoded["id"])
	assert.Equal(t, "achievement.unlocked", decoded["type"])
	assert.Equal(t, "u1", decoded["userId"])
	assert.Equal(t, "2026-05-04T10:00:00Z", decoded["timestamp"])
	assert.NotContains(t, decoded, "metadata")

	withMeta := e.WithCorrelationID("req-1")
	assert.Nil(t, e.Metadata)
	assert.Equal(t, "req-1", withMeta.Metadata["correlationId"])
}

func TestEvent_DataAccessors(t *testing.T) {
	var e Event
	require.NoError(t, json.Unmarshal([]byte(`{"id":"1","type":"xp.credited","userId":"u","timestamp":"2026-05-04T10:00:00Z","data":{"amount":25,"reason":"r"}}`), &e))

	assert.Equal(t, 25, e.DataInt("amount"))
	assert.Equal(t, "r", e.DataString("reason"))
	assert.Equal(t, 0, e.DataInt("missing"))
}

func TestDomainError_Matching(t *testing.T) {
	wrapped := fmt.Errorf("unlock: %w", ErrAlreadyUnlocked)

	assert.True(t, IsAlreadyExists(wrapped))
	assert.True(t, errors.Is(wrapped, ErrAlreadyUnlocked))
	assert.False(t, IsNotFound(wrapped))

	transport := WrapError("eventbus", "Publish", ErrTransport, "redis down", errors.New("dial tcp"))
	assert.True(t, IsRetryable(transport))
	assert.Contains(t, transport.Error(), "dial tcp")
}

func TestPublishAndLog_SwallowsErrors(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	failing := EventPublisherFunc(func(context.Context, Event) error {
		return ErrPublishFailed
	})

	assert.NotPanics(t, func() {
		PublishAndLog(context.Background(), failing, logger, NewEvent(EventLevelUp, "u1", nil))
		PublishAndLog(context.Background(), nil, nil, NewEvent(EventLevelUp, "u1", nil))
	})
	assert.Contains(t, buf.String(), "event publish failed")
	assert.Contains(t, buf.String(), "level.up")
}
