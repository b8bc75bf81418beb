package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jobquest/progress-engine/internal/domain/shared"
)

// Bus is the event bus contract shared by the transports.
type Bus interface {
	shared.EventPublisher

	// Subscribe joins a consumer group to a set of topics. Every group
	// receives every event of its topics; subscriptions are fixed at Start.
	Subscribe(group string, topics []Topic, handler Handler) error

	// Start begins delivery. A second call logs a warning and returns nil.
	Start(ctx context.Context) error

	// Stop stops intake, drains queued and in-flight deliveries, then
	// releases the transport. A second call is a no-op.
	Stop(ctx context.Context) error

	// Metrics returns the bus counters.
	Metrics() *BusMetrics
}

// deliveryKey marks the context a bus hands its handlers, so the bus can tell
// a handler's own publishes from outside ones.
type deliveryKey struct{}

func withDelivery(ctx context.Context, bus Bus) context.Context {
	return context.WithValue(ctx, deliveryKey{}, bus)
}

func inDelivery(ctx context.Context, bus Bus) bool {
	b, ok := ctx.Value(deliveryKey{}).(Bus)
	return ok && b == bus
}

// busState tracks the lifecycle shared by the transports.
type busState int

const (
	stateIdle busState = iota
	stateRunning
	stateStopping
	stateStopped
)

// subscription is one consumer group bound to its topics.
type subscription struct {
	group   string
	topics  map[Topic]bool
	handler Handler
}

func newSubscription(group string, topics []Topic, handler Handler) (*subscription, error) {
	if group == "" {
		return nil, errors.New("consumer group is required")
	}
	if handler == nil {
		return nil, errors.New("handler cannot be nil")
	}
	if len(topics) == 0 {
		return nil, errors.New("at least one topic is required")
	}

	set := make(map[Topic]bool, len(topics))
	for _, t := range topics {
		set[t] = true
	}
	return &subscription{group: group, topics: set, handler: handler}, nil
}

// ══════════════════════════════════════════════════════════════════════════════
// IN-MEMORY EVENT BUS
// ══════════════════════════════════════════════════════════════════════════════

// MemoryBus delivers events inside one process. Events are spread over
// Partitions lanes by user id; a lane is served by one goroutine, so events
// of one user reach each group in publish order while different users
// proceed concurrently.
//
// Publishes made by a handler while it handles a delivery never wait for lane
// capacity: when the target lane is full they go to the lane's overflow,
// which its worker serves ahead of the queue. They are also accepted while
// the bus is stopping, and Stop drains them along with the queues.
type MemoryBus struct {
	mu             sync.Mutex
	state          busState
	subs           []*subscription
	lanes          []*memLane
	partitions     int
	publishTimeout time.Duration
	logger         *slog.Logger
	metrics        *BusMetrics
	workers        sync.WaitGroup

	// pending counts accepted deliveries not yet handed to every group.
	pending int
	drained chan struct{}
	closed  bool
}

// memLane is one ordered partition.
type memLane struct {
	queue chan delivery
	wake  chan struct{}

	mu       sync.Mutex
	overflow []delivery
}

func (l *memLane) spill(d delivery) {
	l.mu.Lock()
	l.overflow = append(l.overflow, d)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
}

func (l *memLane) popOverflow() (delivery, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.overflow) == 0 {
		return delivery{}, false
	}
	d := l.overflow[0]
	l.overflow = l.overflow[1:]
	return d, true
}

type delivery struct {
	event shared.Event
	topic Topic
}

// MemoryBusConfig contains configuration for MemoryBus.
type MemoryBusConfig struct {
	// Partitions is the number of ordered lanes
	Partitions int

	// QueueSize is the buffer of each lane
	QueueSize int

	// PublishTimeout bounds how long Publish waits for lane capacity
	PublishTimeout time.Duration

	// Logger for structured logging
	Logger *slog.Logger
}

// DefaultMemoryBusConfig returns sensible defaults.
func DefaultMemoryBusConfig() MemoryBusConfig {
	return MemoryBusConfig{
		Partitions:     8,
		QueueSize:      256,
		PublishTimeout: 2 * time.Second,
	}
}

// NewMemoryBus creates a new in-memory event bus.
func NewMemoryBus(config MemoryBusConfig) *MemoryBus {
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.Partitions <= 0 {
		config.Partitions = 8
	}
	if config.QueueSize <= 0 {
		config.QueueSize = 256
	}
	if config.PublishTimeout <= 0 {
		config.PublishTimeout = 2 * time.Second
	}

	lanes := make([]*memLane, config.Partitions)
	for i := range lanes {
		lanes[i] = &memLane{
			queue: make(chan delivery, config.QueueSize),
			wake:  make(chan struct{}, 1),
		}
	}

	return &MemoryBus{
		lanes:          lanes,
		partitions:     config.Partitions,
		publishTimeout: config.PublishTimeout,
		logger:         config.Logger,
		metrics:        NewBusMetrics(),
		drained:        make(chan struct{}),
	}
}

// Subscribe registers a consumer group. Must be called before Start.
func (b *MemoryBus) Subscribe(group string, topics []Topic, handler Handler) error {
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
	b.logger.Debug("subscribed consumer group", "group", group, "topics", topics)
	return nil
}

// Start launches one worker per lane.
func (b *MemoryBus) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case stateRunning:
		b.logger.Warn("event bus already started")
		return nil
	case stateStopping, stateStopped:
		return ErrEventBusClosed
	}

	for i, lane := range b.lanes {
		b.workers.Add(1)
		go b.runLane(i, lane)
	}
	b.state = stateRunning

	b.logger.Info("memory event bus started",
		"partitions", b.partitions,
		"groups", len(b.subs),
	)
	return nil
}

// Publish routes the event to its topic and lane. It fails with
// shared.ErrPublishTimeout when the lane stays full past PublishTimeout, and
// with shared.ErrBusNotRunning outside Start..Stop. Handler publishes are
// exempt from both, see MemoryBus.
func (b *MemoryBus) Publish(ctx context.Context, event shared.Event) error {
	if event.Type == "" {
		return errors.New("event type is required")
	}
	fromHandler := inDelivery(ctx, b)

	b.mu.Lock()
	accept := b.state == stateRunning || (fromHandler && b.state == stateStopping && !b.closed)
	if !accept {
		b.mu.Unlock()
		b.metrics.RecordPublishFailure(event.Type)
		return shared.ErrBusNotRunning
	}
	b.pending++
	b.mu.Unlock()

	topic := TopicFor(event.Type)
	lane := b.lanes[PartitionFor(event.UserID, b.partitions)]
	d := delivery{event: event, topic: topic}

	if fromHandler {
		select {
		case lane.queue <- d:
		default:
			lane.spill(d)
		}
		b.metrics.RecordPublish(event.Type, topic)
		return nil
	}

	timer := time.NewTimer(b.publishTimeout)
	defer timer.Stop()

	select {
	case lane.queue <- d:
		b.metrics.RecordPublish(event.Type, topic)
		return nil
	case <-ctx.Done():
		b.settle()
		b.metrics.RecordPublishFailure(event.Type)
		return fmt.Errorf("publish %s: %w", event.Type, ctx.Err())
	case <-timer.C:
		b.settle()
		b.metrics.RecordPublishFailure(event.Type)
		return shared.ErrPublishTimeout
	}
}

// settle retires one pending delivery and releases the workers once a
// stopping bus has nothing left.
func (b *MemoryBus) settle() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pending--
	b.closeIfDrained()
}

// closeIfDrained runs with mu held.
func (b *MemoryBus) closeIfDrained() {
	if b.state == stateStopping && b.pending == 0 && !b.closed {
		b.closed = true
		close(b.drained)
	}
}

// runLane delivers a lane's events in order until the bus is stopping and
// every lane is empty.
func (b *MemoryBus) runLane(index int, lane *memLane) {
	defer b.workers.Done()

	for {
		if d, ok := lane.popOverflow(); ok {
			b.deliver(d)
			continue
		}
		select {
		case d := <-lane.queue:
			b.deliver(d)
		case <-lane.wake:
		case <-b.drained:
			b.logger.Debug("lane drained", "partition", index)
			return
		}
	}
}

// deliver hands the event to every group subscribed to its topic, one group
// after another so each group observes the lane's order.
func (b *MemoryBus) deliver(d delivery) {
	defer b.settle()

	ctx := withDelivery(context.Background(), b)
	for _, sub := range b.subs {
		if !sub.topics[d.topic] {
			continue
		}

		start := time.Now()
		err := sub.handler.HandleEvent(ctx, d.event)
		b.metrics.RecordDelivery(time.Since(start), err == nil)

		if err != nil {
			b.logger.Warn("consumer group reported handler errors",
				"group", sub.group,
				"event_type", d.event.Type,
				"event_id", d.event.ID,
				"error", err,
			)
		}
	}
}

// Stop refuses new publishes from outside the bus, then waits until every
// accepted delivery, including those handlers publish while draining, has
// been handled. Returns ctx.Err() if the drain outlives ctx.
func (b *MemoryBus) Stop(ctx context.Context) error {
	b.mu.Lock()
	if b.state != stateRunning {
		if b.state == stateIdle {
			b.state = stateStopped
		}
		b.mu.Unlock()
		return nil
	}
	b.state = stateStopping
	b.closeIfDrained()
	b.mu.Unlock()

	done := make(chan struct{})
	go func() {
		b.workers.Wait()
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

	b.logger.Info("memory event bus stopped")
	return nil
}

// Metrics returns the current metrics.
func (b *MemoryBus) Metrics() *BusMetrics {
	return b.metrics
}

// ══════════════════════════════════════════════════════════════════════════════
// METRICS
// ══════════════════════════════════════════════════════════════════════════════

// BusMetrics tracks event bus counters.
type BusMetrics struct {
	mu sync.RWMutex

	PublishedByType  map[shared.EventType]int64
	PublishedByTopic map[Topic]int64
	PublishFailures  int64

	Deliveries       int64
	DeliveryFailures int64
	DeliveryDuration time.Duration
}

// NewBusMetrics creates a new metrics tracker.
func NewBusMetrics() *BusMetrics {
	return &BusMetrics{
		PublishedByType:  make(map[shared.EventType]int64),
		PublishedByTopic: make(map[Topic]int64),
	}
}

// RecordPublish records an accepted publish.
func (m *BusMetrics) RecordPublish(eventType shared.EventType, topic Topic) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.PublishedByType[eventType]++
	m.PublishedByTopic[topic]++
}

// RecordPublishFailure records a rejected publish.
func (m *BusMetrics) RecordPublishFailure(shared.EventType) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.PublishFailures++
}

// RecordDelivery records one delivery to one consumer group.
func (m *BusMetrics) RecordDelivery(duration time.Duration, success bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.Deliveries++
	m.DeliveryDuration += duration
	if !success {
		m.DeliveryFailures++
	}
}

// Snapshot returns a copy of current metrics.
func (m *BusMetrics) Snapshot() BusMetricsSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	byType := make(map[string]int64, len(m.PublishedByType))
	var total int64
	for k, v := range m.PublishedByType {
		byType[string(k)] = v
		total += v
	}
	byTopic := make(map[string]int64, len(m.PublishedByTopic))
	for k, v := range m.PublishedByTopic {
		byTopic[string(k)] = v
	}

	avg := time.Duration(0)
	if m.Deliveries > 0 {
		avg = m.DeliveryDuration / time.Duration(m.Deliveries)
	}

	return BusMetricsSnapshot{
		Published:        total,
		PublishedByType:  byType,
		PublishedByTopic: byTopic,
		PublishFailures:  m.PublishFailures,
		Deliveries:       m.Deliveries,
		DeliveryFailures: m.DeliveryFailures,
		AverageDelivery:  avg.String(),
	}
}

// BusMetricsSnapshot is a point-in-time snapshot of metrics.
type BusMetricsSnapshot struct {
	Published        int64            `json:"published"`
	PublishedByType  map[string]int64 `json:"publishedByType"`
	PublishedByTopic map[string]int64 `json:"publishedByTopic"`
	PublishFailures  int64            `json:"publishFailures"`
	Deliveries       int64            `json:"deliveries"`
	DeliveryFailures int64            `json:"deliveryFailures"`
	AverageDelivery  string           `json:"averageDelivery"`
}

// ══════════════════════════════════════════════════════════════════════════════
// ERRORS
// ══════════════════════════════════════════════════════════════════════════════

var (
	// ErrEventBusClosed is returned when starting a bus that was stopped.
	ErrEventBusClosed = errors.New("event bus is closed")

	// ErrHandlerPanic is returned when a handler panics.
	ErrHandlerPanic = errors.New("handler panicked")

	// ErrHandlerAbandoned is returned when a timed-out handler keeps running
	// past the cancel grace. It is not retried, so no second attempt runs
	// next to the first.
	ErrHandlerAbandoned = errors.New("handler ignored cancellation")

	// ErrSubscribeAfterStart is returned when subscribing to a running bus.
	ErrSubscribeAfterStart = errors.New("subscriptions are fixed once the bus starts")

	// ErrGroupExists is returned when a consumer group subscribes twice.
	ErrGroupExists = errors.New("consumer group already subscribed")
)
