package messaging

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jobquest/progress-engine/internal/domain/shared"
	"github.com/jobquest/progress-engine/pkg/circuitbreaker"
)

// ─────────────────────────────────────────────────────────────────────────────
// Helpers
// ─────────────────────────────────────────────────────────────────────────────

func newRedisTestClient(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func newRedisTestBus(t *testing.T, client redis.UniversalClient, consumer string) *RedisBus {
	t.Helper()
	bus := NewRedisBus(client, RedisBusConfig{
		Prefix:         "test:events",
		Partitions:     2,
		Consumer:       consumer,
		BatchSize:      8,
		Block:          50 * time.Millisecond,
		PublishTimeout: 500 * time.Millisecond,
		Logger:         quietLogger(),
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = bus.Stop(ctx)
	})
	return bus
}

// eventLog collects delivered events in arrival order.
type eventLog struct {
	mu     sync.Mutex
	events []shared.Event
}

func (l *eventLog) HandleEvent(_ context.Context, e shared.Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
	return nil
}

func (l *eventLog) len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.events)
}

func (l *eventLog) ids() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, len(l.events))
	for i, e := range l.events {
		out[i] = e.ID
	}
	return out
}

func (l *eventLog) seqsFor(userID string) []int {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []int
	for _, e := range l.events {
		if e.UserID == userID {
			out = append(out, e.DataInt("seq"))
		}
	}
	return out
}

func pendingCount(t *testing.T, client *redis.Client, stream, group string) int64 {
	t.Helper()
	p, err := client.XPending(context.Background(), stream, group).Result()
	require.NoError(t, err)
	return p.Count
}

// ─────────────────────────────────────────────────────────────────────────────
// Lifecycle
// ─────────────────────────────────────────────────────────────────────────────

func TestRedisBus_SubscribeRules(t *testing.T) {
	_, client := newRedisTestClient(t)
	bus := newRedisTestBus(t, client, "c1")
	h := &eventLog{}

	require.NoError(t, bus.Subscribe("g1", []Topic{TopicMissionEvents}, h))
	assert.ErrorIs(t, bus.Subscribe("g1", []Topic{TopicAchievements}, h), ErrGroupExists)

	require.NoError(t, bus.Start(context.Background()))
	assert.ErrorIs(t, bus.Subscribe("g2", []Topic{TopicMissionEvents}, h), ErrSubscribeAfterStart)
}

func TestRedisBus_StartCreatesGroupsPerPartition(t *testing.T) {
	_, client := newRedisTestClient(t)
	bus := newRedisTestBus(t, client, "c1")
	ctx := context.Background()

	require.NoError(t, bus.Subscribe("progress", []Topic{TopicMissionEvents, TopicJobApplications}, &eventLog{}))
	require.NoError(t, bus.Start(ctx))

	for _, topic := range []Topic{TopicMissionEvents, TopicJobApplications} {
		for p := 0; p < 2; p++ {
			// XPENDING fails with NOGROUP when the group is missing
			assert.Zero(t, pendingCount(t, client, bus.StreamKey(topic, p), "progress"))
		}
	}
}

func TestRedisBus_StartKeepsExistingGroup(t *testing.T) {
	_, client := newRedisTestClient(t)
	ctx := context.Background()

	first := newRedisTestBus(t, client, "c1")
	require.NoError(t, first.Subscribe("progress", []Topic{TopicMissionEvents}, &eventLog{}))
	require.NoError(t, first.Start(ctx))
	require.NoError(t, first.Stop(ctx))

	second := newRedisTestBus(t, client, "c2")
	require.NoError(t, second.Subscribe("progress", []Topic{TopicMissionEvents}, &eventLog{}))
	assert.NoError(t, second.Start(ctx))
}

func TestRedisBus_StartStopIdempotent(t *testing.T) {
	_, client := newRedisTestClient(t)
	bus := newRedisTestBus(t, client, "c1")
	ctx := context.Background()

	require.NoError(t, bus.Start(ctx))
	require.NoError(t, bus.Start(ctx))
	require.NoError(t, bus.Stop(ctx))
	require.NoError(t, bus.Stop(ctx))

	assert.ErrorIs(t, bus.Start(ctx), ErrEventBusClosed)
}

func TestRedisBus_PublishAfterStopRejected(t *testing.T) {
	_, client := newRedisTestClient(t)
	bus := newRedisTestBus(t, client, "c1")
	ctx := context.Background()

	require.NoError(t, bus.Start(ctx))
	require.NoError(t, bus.Stop(ctx))

	err := bus.Publish(ctx, shared.NewEvent(shared.EventMissionCompleted, "u1", nil))
	assert.ErrorIs(t, err, shared.ErrBusNotRunning)
	assert.Equal(t, int64(1), bus.Metrics().Snapshot().PublishFailures)
}

func TestRedisBus_StartFailsWhenRedisDown(t *testing.T) {
	mr, client := newRedisTestClient(t)
	bus := newRedisTestBus(t, client, "c1")
	mr.Close()

	assert.ErrorIs(t, bus.Start(context.Background()), shared.ErrTransport)
}

// ─────────────────────────────────────────────────────────────────────────────
// Delivery
// ─────────────────────────────────────────────────────────────────────────────

func TestRedisBus_AcksAfterDispatch(t *testing.T) {
	_, client := newRedisTestClient(t)
	bus := newRedisTestBus(t, client, "c1")
	ctx := context.Background()

	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	h := HandlerFunc(func(context.Context, shared.Event) error {
		once.Do(func() { close(entered) })
		<-release
		return nil
	})
	require.NoError(t, bus.Subscribe("progress", []Topic{TopicMissionEvents}, h))
	require.NoError(t, bus.Start(ctx))

	ev := shared.NewEvent(shared.EventMissionCompleted, "u1", nil)
	require.NoError(t, bus.Publish(ctx, ev))
	stream := bus.StreamKey(TopicMissionEvents, PartitionFor("u1", 2))

	select {
	case <-entered:
	case <-time.After(3 * time.Second):
		t.Fatal("handler never ran")
	}
	assert.Equal(t, int64(1), pendingCount(t, client, stream, "progress"))

	close(release)
	assert.Eventually(t, func() bool {
		return pendingCount(t, client, stream, "progress") == 0
	}, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, int64(1), bus.Metrics().Snapshot().Deliveries)
}

func TestRedisBus_HandlerErrorStillAcks(t *testing.T) {
	_, client := newRedisTestClient(t)
	bus := newRedisTestBus(t, client, "c1")
	ctx := context.Background()

	h := HandlerFunc(func(context.Context, shared.Event) error { return assert.AnError })
	require.NoError(t, bus.Subscribe("progress", []Topic{TopicMissionEvents}, h))
	require.NoError(t, bus.Start(ctx))
	require.NoError(t, bus.Publish(ctx, shared.NewEvent(shared.EventMissionCompleted, "u1", nil)))

	stream := bus.StreamKey(TopicMissionEvents, PartitionFor("u1", 2))
	assert.Eventually(t, func() bool {
		return bus.Metrics().Snapshot().DeliveryFailures == 1 &&
			pendingCount(t, client, stream, "progress") == 0
	}, 3*time.Second, 10*time.Millisecond)
}

func TestRedisBus_PreservesPerUserOrder(t *testing.T) {
	_, client := newRedisTestClient(t)
	bus := newRedisTestBus(t, client, "c1")
	ctx := context.Background()

	log := &eventLog{}
	require.NoError(t, bus.Subscribe("progress", []Topic{TopicMissionEvents}, log))

	// published while idle, so the first read sees a backlog
	const n = 30
	for i := 0; i < n; i++ {
		for _, user := range []string{"u1", "u2"} {
			ev := shared.NewEvent(shared.EventMissionCompleted, user, map[string]interface{}{"seq": i})
			require.NoError(t, bus.Publish(ctx, ev))
		}
	}
	require.NoError(t, bus.Start(ctx))

	require.Eventually(t, func() bool { return log.len() == 2*n }, 3*time.Second, 10*time.Millisecond)

	want := make([]int, n)
	for i := range want {
		want[i] = i
	}
	assert.Equal(t, want, log.seqsFor("u1"))
	assert.Equal(t, want, log.seqsFor("u2"))
}

func TestRedisBus_RereadsPendingEntriesOnRestart(t *testing.T) {
	_, client := newRedisTestClient(t)
	ctx := context.Background()

	bus := newRedisTestBus(t, client, "c1")
	stream := bus.StreamKey(TopicMissionEvents, PartitionFor("u1", 2))

	// A previous c1 read the entry and died before acknowledging it.
	require.NoError(t, client.XGroupCreateMkStream(ctx, stream, "progress", "0").Err())
	ev := shared.NewEvent(shared.EventMissionCompleted, "u1", map[string]interface{}{"seq": 7})
	payload, err := json.Marshal(ev)
	require.NoError(t, err)
	require.NoError(t, client.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		Values: map[string]interface{}{"type": string(ev.Type), "event": payload},
	}).Err())
	read, err := client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    "progress",
		Consumer: "c1",
		Streams:  []string{stream, ">"},
		Count:    1,
	}).Result()
	require.NoError(t, err)
	require.Len(t, read[0].Messages, 1)
	require.Equal(t, int64(1), pendingCount(t, client, stream, "progress"))

	log := &eventLog{}
	require.NoError(t, bus.Subscribe("progress", []Topic{TopicMissionEvents}, log))
	require.NoError(t, bus.Start(ctx))

	require.Eventually(t, func() bool { return log.len() == 1 }, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{ev.ID}, log.ids())
	assert.Equal(t, []int{7}, log.seqsFor("u1"))
	assert.Eventually(t, func() bool {
		return pendingCount(t, client, stream, "progress") == 0
	}, 3*time.Second, 10*time.Millisecond)

	// the loop moves on to new entries once the backlog is drained
	require.NoError(t, bus.Publish(ctx, shared.NewEvent(shared.EventMissionCompleted, "u1", map[string]interface{}{"seq": 8})))
	assert.Eventually(t, func() bool { return log.len() == 2 }, 3*time.Second, 10*time.Millisecond)
}

func TestRedisBus_DropsUndecodableEntries(t *testing.T) {
	_, client := newRedisTestClient(t)
	bus := newRedisTestBus(t, client, "c1")
	ctx := context.Background()

	log := &eventLog{}
	require.NoError(t, bus.Subscribe("progress", []Topic{TopicMissionEvents}, log))
	require.NoError(t, bus.Start(ctx))

	stream := bus.StreamKey(TopicMissionEvents, 0)
	require.NoError(t, client.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		Values: map[string]interface{}{"type": "mission.completed", "event": "{not json"},
	}).Err())

	assert.Eventually(t, func() bool {
		return pendingCount(t, client, stream, "progress") == 0
	}, 3*time.Second, 10*time.Millisecond)
	assert.Zero(t, log.len())
}

// ─────────────────────────────────────────────────────────────────────────────
// Publish breaker
// ─────────────────────────────────────────────────────────────────────────────

func TestRedisBus_BreakerOpensWhenRedisDown(t *testing.T) {
	mr, client := newRedisTestClient(t)
	bus := newRedisTestBus(t, client, "c1")
	ctx := context.Background()
	mr.Close()

	ev := shared.NewEvent(shared.EventMissionCompleted, "u1", nil)
	threshold := circuitbreaker.TransportSettings().FailureThreshold
	for i := 0; i < threshold; i++ {
		err := bus.Publish(ctx, ev)
		require.Error(t, err)
		assert.NotErrorIs(t, err, circuitbreaker.ErrCircuitOpen)
	}

	assert.True(t, bus.Breaker().IsOpen())
	assert.ErrorIs(t, bus.Publish(ctx, ev), circuitbreaker.ErrCircuitOpen)
	assert.Equal(t, int64(threshold+1), bus.Metrics().Snapshot().PublishFailures)
}
