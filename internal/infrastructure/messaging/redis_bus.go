package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/jobquest/progress-engine/internal/domain/shared"
	"github.com/jobquest/progress-engine/pkg/circuitbreaker"
)

// ══════════════════════════════════════════════════════════════════════════════
// REDIS STREAMS EVENT BUS
// ══════════════════════════════════════════════════════════════════════════════

// RedisBus carries events over Redis Streams. Each (topic, partition) pair is
// one stream; each Subscribe group is a Redis consumer group reading every
// stream of its topics with one loop per stream, so per-user order holds
// within a group. Entries are acknowledged after dispatch and pending entries
// are re-read on restart.
type RedisBus struct {
	client  redis.UniversalClient
	breaker *circuitbreaker.CircuitBreaker
	config  RedisBusConfig
	logger  *slog.Logger
	metrics *BusMetrics

	mu      sync.Mutex
	state   busState
	subs    []*subscription
	cancel  context.CancelFunc
	readers sync.WaitGroup
}

// RedisBusConfig contains configuration for RedisBus.
type RedisBusConfig struct {
	// Prefix namespaces the stream keys: <prefix>:<topic>:<partition>
	Prefix string

	// Partitions is the number of streams per topic
	Partitions int

	// Consumer names this process inside its consumer groups
	Consumer string

	// MaxLen trims streams approximately to this many entries
	MaxLen int64

	// BatchSize is the XREADGROUP COUNT
	BatchSize int64

	// Block is how long one XREADGROUP waits for new entries
	Block time.Duration

	// PublishTimeout bounds one XADD
	PublishTimeout time.Duration

	// CloseClient closes the Redis client on Stop
	CloseClient bool

	// Logger for structured logging
	Logger *slog.Logger
}

// DefaultRedisBusConfig returns sensible defaults.
func DefaultRedisBusConfig() RedisBusConfig {
	return RedisBusConfig{
		Prefix:         "jobquest:events",
		Partitions:     8,
		MaxLen:         100_000,
		BatchSize:      16,
		Block:          2 * time.Second,
		PublishTimeout: 2 * time.Second,
	}
}

// NewRedisBus creates a bus over an existing client.
func NewRedisBus(client redis.UniversalClient, config RedisBusConfig) *RedisBus {
	defaults := DefaultRedisBusConfig()
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.Prefix == "" {
		config.Prefix = defaults.Prefix
	}
	if config.Partitions <= 0 {
		config.Partitions = defaults.Partitions
	}
	if config.Consumer == "" {
		config.Consumer = "consumer-" + uuid.NewString()[:8]
	}
	if config.MaxLen <= 0 {
		config.MaxLen = defaults.MaxLen
	}
	if config.BatchSize <= 0 {
		config.BatchSize = defaults.BatchSize
	}
	if config.Block <= 0 {
		config.Block = defaults.Block
	}
	if config.PublishTimeout <= 0 {
		config.PublishTimeout = defaults.PublishTimeout
	}

	settings := circuitbreaker.TransportSettings()
	settings.OnStateChange = circuitbreaker.LogStateChanges(config.Logger)

	return &RedisBus{
		client:  client,
		breaker: circuitbreaker.New("redis-eventbus", settings),
		config:  config,
		logger:  config.Logger,
		metrics: NewBusMetrics(),
	}
}

// StreamKey returns the stream holding a topic partition.
func (b *RedisBus) StreamKey(topic Topic, partition int) string {
	return fmt.Sprintf("%s:%s:%d", b.config.Prefix, topic, partition)
}

// Subscribe registers a consumer group. Must be called before Start.
func (b *RedisBus) Subscribe(group string, topics []Topic, handler Handler) error {
	sub, err := newSubscription(group, topics, handler)
	if err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != stateIdle {
		return ErrSubscribeAfterStart
	}
	for _, s := range b.subs {
		if s.group == group {
			return fmt.Errorf("%w: %s", ErrGroupExists, group)
		}
	}
	b.subs = append(b.subs, sub)
	return nil
}

// Start creates the consumer groups and launches the reader loops.
func (b *RedisBus) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case stateRunning:
		b.logger.Warn("event bus already started")
		return nil
	case stateStopping, stateStopped:
		return ErrEventBusClosed
	}

	if err := b.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: ping redis: %v", shared.ErrTransport, err)
	}

	for _, sub := range b.subs {
		for topic := range sub.topics {
			for p := 0; p < b.config.Partitions; p++ {
				stream := b.StreamKey(topic, p)
				if err := b.ensureGroup(ctx, stream, sub.group); err != nil {
					return err
				}
			}
		}
	}

	readCtx, cancel := context.WithCancel(context.Background())
	b.cancel = cancel

	loops := 0
	for _, sub := range b.subs {
		for topic := range sub.topics {
			for p := 0; p < b.config.Partitions; p++ {
				b.readers.Add(1)
				loops++
				go b.readLoop(readCtx, sub, b.StreamKey(topic, p))
			}
		}
	}

	b.state = stateRunning
	b.logger.Info("redis event bus started",
		"prefix", b.config.Prefix,
		"consumer", b.config.Consumer,
		"partitions", b.config.Partitions,
		"readers", loops,
	)
	return nil
}

func (b *RedisBus) ensureGroup(ctx context.Context, stream, group string) error {
	err := b.client.XGroupCreateMkStream(ctx, stream, group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("%w: create group %s on %s: %v", shared.ErrTransport, group, stream, err)
	}
	return nil
}

// Publish appends the event to its topic partition stream. It is accepted
// before Start and while running; once Stop begins only handlers of this bus
// may publish.
func (b *RedisBus) Publish(ctx context.Context, event shared.Event) error {
	if event.Type == "" {
		return errors.New("event type is required")
	}

	b.mu.Lock()
	running := b.state == stateRunning || b.state == stateIdle ||
		(b.state == stateStopping && inDelivery(ctx, b))
	b.mu.Unlock()
	if !running {
		b.metrics.RecordPublishFailure(event.Type)
		return shared.ErrBusNotRunning
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	topic := TopicFor(event.Type)
	stream := b.StreamKey(topic, PartitionFor(event.UserID, b.config.Partitions))

	ctx, cancel := context.WithTimeout(ctx, b.config.PublishTimeout)
	defer cancel()

	err = b.breaker.Execute(ctx, func(ctx context.Context) error {
		return b.client.XAdd(ctx, &redis.XAddArgs{
			Stream: stream,
			MaxLen: b.config.MaxLen,
			Approx: true,
			Values: map[string]interface{}{
				"type":  string(event.Type),
				"event": payload,
			},
		}).Err()
	})
	if err != nil {
		b.metrics.RecordPublishFailure(event.Type)
		if errors.Is(err, context.DeadlineExceeded) {
			return shared.ErrPublishTimeout
		}
		return shared.WrapError("eventbus", "Publish", shared.ErrTransport, "xadd "+stream, err)
	}

	b.metrics.RecordPublish(event.Type, topic)
	return nil
}

// readLoop first re-reads the entries this consumer left pending, then
// follows new entries until ctx is cancelled.
func (b *RedisBus) readLoop(ctx context.Context, sub *subscription, stream string) {
	defer b.readers.Done()

	cursor := "0"
	for {
		if ctx.Err() != nil {
			return
		}

		res, err := b.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    sub.group,
			Consumer: b.config.Consumer,
			Streams:  []string{stream, cursor},
			Count:    b.config.BatchSize,
			Block:    b.config.Block,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctx.Err() != nil {
				return
			}
			b.logger.Warn("stream read failed",
				"stream", stream,
				"group", sub.group,
				"error", err,
			)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}

		delivered := 0
		for _, xs := range res {
			for _, msg := range xs.Messages {
				b.handleMessage(sub, stream, msg)
				delivered++
			}
		}

		// An empty pending read means the backlog is done.
		if cursor == "0" && delivered == 0 {
			cursor = ">"
		}
	}
}

// handleMessage dispatches one entry and acknowledges it. Handlers get a
// context that outlives Stop so in-flight work completes, and their publishes
// are still accepted while Stop waits for them.
func (b *RedisBus) handleMessage(sub *subscription, stream string, msg redis.XMessage) {
	ctx := withDelivery(context.Background(), b)

	event, err := decodeMessage(msg)
	if err != nil {
		b.logger.Error("dropping undecodable stream entry",
			"stream", stream,
			"entry_id", msg.ID,
			"error", err,
		)
	} else {
		start := time.Now()
		herr := sub.handler.HandleEvent(ctx, event)
		b.metrics.RecordDelivery(time.Since(start), herr == nil)
		if herr != nil {
			b.logger.Warn("consumer group reported handler errors",
				"group", sub.group,
				"event_type", event.Type,
				"event_id", event.ID,
				"error", herr,
			)
		}
	}

	if err := b.client.XAck(ctx, stream, sub.group, msg.ID).Err(); err != nil {
		b.logger.Warn("stream ack failed",
			"stream", stream,
			"entry_id", msg.ID,
			"error", err,
		)
	}
}

func decodeMessage(msg redis.XMessage) (shared.Event, error) {
	var event shared.Event
	raw, ok := msg.Values["event"]
	if !ok {
		return event, errors.New("entry has no event field")
	}

	var data []byte
	switch v := raw.(type) {
	case string:
		data = []byte(v)
	case []byte:
		data = v
	default:
		return event, fmt.Errorf("unexpected event field type %T", raw)
	}

	if err := json.Unmarshal(data, &event); err != nil {
		return event, fmt.Errorf("unmarshal event: %w", err)
	}
	return event, nil
}

// Stop cancels the reader loops, waits for in-flight handlers and closes the
// client when configured to.
func (b *RedisBus) Stop(ctx context.Context) error {
	b.mu.Lock()
	if b.state != stateRunning {
		if b.state == stateIdle {
			b.state = stateStopped
		}
		b.mu.Unlock()
		return nil
	}
	b.state = stateStopping
	cancel := b.cancel
	b.mu.Unlock()

	cancel()

	done := make(chan struct{})
	go func() {
		b.readers.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("drain event bus: %w", ctx.Err())
	}

	b.mu.Lock()
	b.state = stateStopped
	b.mu.Unlock()

	if b.config.CloseClient {
		if err := b.client.Close(); err != nil {
			b.logger.Warn("redis client close failed", "error", err)
		}
	}

	b.logger.Info("redis event bus stopped")
	return nil
}

// Metrics returns the current metrics.
func (b *RedisBus) Metrics() *BusMetrics {
	return b.metrics
}

// Breaker exposes the publish circuit breaker for health reporting.
func (b *RedisBus) Breaker() *circuitbreaker.CircuitBreaker {
	return b.breaker
}

var (
	_ Bus = (*MemoryBus)(nil)
	_ Bus = (*RedisBus)(nil)
)
