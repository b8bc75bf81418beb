package eventhandler_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jobquest/progress-engine/internal/application/eventhandler"
	"github.com/jobquest/progress-engine/internal/application/saga"
	"github.com/jobquest/progress-engine/internal/domain/achievement"
	"github.com/jobquest/progress-engine/internal/domain/activity"
	"github.com/jobquest/progress-engine/internal/domain/challenge"
	"github.com/jobquest/progress-engine/internal/domain/shared"
	"github.com/jobquest/progress-engine/internal/infrastructure/messaging"
	"github.com/jobquest/progress-engine/internal/infrastructure/persistence/sqlite"
	"github.com/jobquest/progress-engine/pkg/timeutil"
)

var quietLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

type recorder struct {
	mu     sync.Mutex
	events []shared.Event
}

func (r *recorder) Publish(_ context.Context, e shared.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *recorder) ofType(t shared.EventType) []shared.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []shared.Event
	for _, e := range r.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

type world struct {
	activities   *sqlite.ActivityStore
	achievements *sqlite.AchievementStore
	log          *activity.Log
	evaluator    *saga.ProgressEvaluator
	clock        *timeutil.Clock
}

func newWorld(t *testing.T, publisher shared.EventPublisher) *world {
	t.Helper()

	db, err := sqlite.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	w := &world{
		activities:   sqlite.NewActivityStore(db),
		achievements: sqlite.NewAchievementStore(db),
		clock:        timeutil.NewClock(time.UTC),
	}
	w.log = activity.NewLog(w.activities)
	accounts := sqlite.NewLedgerStore(db)
	challenges := sqlite.NewChallengeStore(db)

	require.NoError(t, w.achievements.SaveAchievement(context.Background(), achievement.Achievement{
		ID:          "first-focus",
		Name:        "First Focus",
		Category:    achievement.CategoryFocus,
		XPReward:    50,
		Requirement: json.RawMessage(`{"type":"MISSIONS_COMPLETED","count":1,"missionType":"FOCUS"}`),
	}))

	l := saga.NewLedger(accounts, w.log, publisher, w.clock, quietLogger,
		saga.LedgerConfig{MaxAttempts: 1, InitialDelay: time.Millisecond})

	flow, err := saga.NewAchievementFlowBuilder().
		WithAchievements(w.achievements).
		WithSnapshotLoader(saga.NewSnapshotLoader(nil, w.achievements, w.activities, accounts)).
		WithLedger(l).
		WithActivityLog(w.log).
		WithPublisher(publisher).
		WithLogger(quietLogger).
		Build()
	require.NoError(t, err)

	daily := saga.NewDailyChallengeFlow(saga.DailyChallengeFlowDeps{
		Challenges: challenges,
		Settings:   challenges,
		Activities: w.activities,
		Ledger:     l,
		Log:        w.log,
		Publisher:  publisher,
		Clock:      w.clock,
		Rewards:    challenge.DefaultRewards(),
		Logger:     quietLogger,
	})

	w.evaluator = saga.NewProgressEvaluator(flow, daily, w.log, quietLogger)
	return w
}

func (w *world) focusMission(t *testing.T, userID string) *activity.Activity {
	t.Helper()
	a, err := w.log.Append(context.Background(), activity.NewActivityParams{
		UserID: userID,
		Type:   activity.TypeMissionCompleted,
		Title:  "Deep work",
		Metadata: activity.Metadata{
			activity.MetaMissionType:     activity.MissionTypeFocus,
			activity.MetaDurationMinutes: 30,
		},
		CreatedAt: w.clock.Now(),
	})
	require.NoError(t, err)
	return a
}

// ─────────────────────────────────────────────────────────────────────────────
// Notification relay
// ─────────────────────────────────────────────────────────────────────────────

func TestNotificationRelay_MapsProgressEvents(t *testing.T) {
	out := &recorder{}
	relay := eventhandler.NewNotificationRelay(out, quietLogger)
	ctx := context.Background()

	src := shared.NewEvent(shared.EventAchievementUnlocked, "u1", map[string]interface{}{
		"achievementId": "first-focus",
		"name":          "First Focus",
		"xpAwarded":     50,
	}).WithCorrelationID("corr-1")

	require.NoError(t, relay.Handle(ctx, src))
	require.NoError(t, relay.Handle(ctx, shared.NewEvent(shared.EventXPCredited, "u1", nil)))

	created := out.ofType(shared.EventNotificationCreated)
	require.Len(t, created, 1)
	assert.Equal(t, "u1", created[0].UserID)
	assert.Equal(t, src.ID, created[0].DataString("sourceEventId"))
	assert.Equal(t, "corr-1", created[0].Metadata["correlationId"])
}

type failingPublisher struct{}

func (failingPublisher) Publish(context.Context, shared.Event) error {
	return errors.New("broker down")
}

func TestNotificationRelay_PublishFailureIsReturned(t *testing.T) {
	relay := eventhandler.NewNotificationRelay(failingPublisher{}, quietLogger)
	err := relay.Handle(context.Background(), shared.NewEvent(shared.EventLevelUp, "u1", map[string]interface{}{"toLevel": 2}))
	assert.Error(t, err)
}

// ─────────────────────────────────────────────────────────────────────────────
// Activity consumer
// ─────────────────────────────────────────────────────────────────────────────

func TestOnActivityRecorded_UnlocksAchievement(t *testing.T) {
	events := &recorder{}
	w := newWorld(t, events)
	ctx := context.Background()

	a := w.focusMission(t, "u1")
	h := eventhandler.NewOnActivityRecordedHandler(w.evaluator, w.clock, quietLogger)

	ev := shared.NewEvent(shared.EventMissionCompleted, "u1", a.EventData())
	require.NoError(t, h.Handle(ctx, ev))

	unlocked, err := w.achievements.ListUnlocked(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, unlocked, 1)
	assert.Equal(t, "first-focus", unlocked[0].AchievementID)
	assert.Len(t, events.ofType(shared.EventAchievementUnlocked), 1)

	// redelivery does not unlock twice
	require.NoError(t, h.Handle(ctx, ev))
	assert.Len(t, events.ofType(shared.EventAchievementUnlocked), 1)
}

func TestOnActivityRecorded_SkipsProducerEvaluatedEvents(t *testing.T) {
	events := &recorder{}
	w := newWorld(t, events)
	ctx := context.Background()

	a := w.focusMission(t, "u1")
	h := eventhandler.NewOnActivityRecordedHandler(w.evaluator, w.clock, quietLogger)

	ev := shared.NewEvent(shared.EventMissionCompleted, "u1", a.EventData()).
		WithMetadata(shared.MetadataEvaluated, true)
	require.NoError(t, h.Handle(ctx, ev))

	unlocked, err := w.achievements.ListUnlocked(ctx, "u1")
	require.NoError(t, err)
	assert.Empty(t, unlocked)
	assert.Empty(t, events.ofType(shared.EventAchievementUnlocked))
}

func TestOnActivityRecorded_IgnoresEventsWithoutUser(t *testing.T) {
	w := newWorld(t, &recorder{})
	h := eventhandler.NewOnActivityRecordedHandler(w.evaluator, w.clock, quietLogger)
	assert.NoError(t, h.Handle(context.Background(), shared.NewEvent(shared.EventMissionCompleted, "", nil)))
}

// ─────────────────────────────────────────────────────────────────────────────
// Bus wiring
// ─────────────────────────────────────────────────────────────────────────────

func TestHandlers_OverMemoryBus(t *testing.T) {
	bus := messaging.NewMemoryBus(messaging.MemoryBusConfig{
		Partitions:     2,
		QueueSize:      64,
		PublishTimeout: time.Second,
		Logger:         quietLogger,
	})
	w := newWorld(t, bus)

	dispatcher := messaging.NewDispatcher(messaging.DispatcherConfig{
		RetryConfig:         messaging.RetryConfig{MaxRetries: 1, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond, BackoffMultiplier: 1},
		HandlerTimeout:      5 * time.Second,
		DeadLetterQueueSize: 10,
		Logger:              quietLogger,
	})
	t.Cleanup(dispatcher.Stop)

	require.NoError(t, eventhandler.NewOnActivityRecordedHandler(w.evaluator, w.clock, quietLogger).Register(dispatcher))
	require.NoError(t, eventhandler.NewNotificationRelay(bus, quietLogger).Register(dispatcher))

	sink := &recorder{}
	require.NoError(t, bus.Subscribe("progress", messaging.AllTopics(), dispatcher))
	require.NoError(t, bus.Subscribe("sink", []messaging.Topic{messaging.TopicNotifications}, messaging.HandlerFunc(sink.Publish)))

	ctx := context.Background()
	require.NoError(t, bus.Start(ctx))

	a := w.focusMission(t, "u1")
	require.NoError(t, bus.Publish(ctx, shared.NewEvent(shared.EventMissionCompleted, "u1", a.EventData())))

	assert.Eventually(t, func() bool {
		for _, e := range sink.ofType(shared.EventNotificationCreated) {
			if e.DataString("achievementId") == "first-focus" {
				return true
			}
		}
		return false
	}, 3*time.Second, 10*time.Millisecond)

	stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	require.NoError(t, bus.Stop(stopCtx))
	assert.Zero(t, dispatcher.DeadLetterQueue().Size())
}
