package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sourcegraph/conc/panics"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jobquest/progress-engine/internal/domain/shared"
	"github.com/jobquest/progress-engine/pkg/retry"
)

// ══════════════════════════════════════════════════════════════════════════════
// DISPATCHER
// ══════════════════════════════════════════════════════════════════════════════

// Handler consumes events delivered by a bus subscription.
type Handler interface {
	HandleEvent(ctx context.Context, event shared.Event) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, event shared.Event) error

// HandleEvent implements Handler.
func (f HandlerFunc) HandleEvent(ctx context.Context, event shared.Event) error {
	return f(ctx, event)
}

// Dispatcher is the handler set of one consumer group. Every event is passed
// to the handlers registered for its exact type and to every OnEvent hook.
// Each handler runs on its own with:
// - panic recovery and error capture
// - retry with exponential backoff
// - a per-attempt timeout
// - a dead letter queue once retries are exhausted
type Dispatcher struct {
	handlers       map[shared.EventType][]HandlerRegistration
	hooks          []HandlerRegistration
	middlewares    []Middleware
	retryConfig    RetryConfig
	defaultTimeout time.Duration
	cancelGrace    time.Duration
	deadLetterQ    *DeadLetterQueue
	logger         *slog.Logger
	mu             sync.RWMutex
	ctx            context.Context
	cancel         context.CancelFunc
	metrics        *DispatcherMetrics
}

// HandlerRegistration contains handler metadata.
type HandlerRegistration struct {
	Name       string
	Handler    shared.EventHandler
	MaxRetries int
	Timeout    time.Duration
}

// DispatcherConfig contains configuration for the Dispatcher.
type DispatcherConfig struct {
	// RetryConfig configures retry behavior
	RetryConfig RetryConfig

	// HandlerTimeout bounds a single handler attempt
	HandlerTimeout time.Duration

	// CancelGrace is how long a timed-out attempt may take to return after
	// its context is cancelled before the next attempt may start
	CancelGrace time.Duration

	// DeadLetterQueueSize is the max size of the DLQ; 0 disables it
	DeadLetterQueueSize int

	// Logger for structured logging
	Logger *slog.Logger
}

// RetryConfig contains retry configuration.
type RetryConfig struct {
	// MaxRetries is the number of retries after the first attempt
	MaxRetries int

	// InitialBackoff is the initial wait between retries
	InitialBackoff time.Duration

	// MaxBackoff is the maximum wait between retries
	MaxBackoff time.Duration

	// BackoffMultiplier is the factor for exponential backoff
	BackoffMultiplier float64
}

// DefaultRetryConfig returns sensible retry defaults.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:        3,
		InitialBackoff:    100 * time.Millisecond,
		MaxBackoff:        5 * time.Second,
		BackoffMultiplier: 2.0,
	}
}

// DefaultDispatcherConfig returns sensible defaults.
func DefaultDispatcherConfig() DispatcherConfig {
	return DispatcherConfig{
		RetryConfig:         DefaultRetryConfig(),
		HandlerTimeout:      30 * time.Second,
		CancelGrace:         5 * time.Second,
		DeadLetterQueueSize: 1000,
	}
}

// NewDispatcher creates a new event dispatcher.
func NewDispatcher(config DispatcherConfig) *Dispatcher {
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.HandlerTimeout <= 0 {
		config.HandlerTimeout = 30 * time.Second
	}
	if config.CancelGrace <= 0 {
		config.CancelGrace = 5 * time.Second
	}
	if config.RetryConfig.BackoffMultiplier < 1 {
		config.RetryConfig.BackoffMultiplier = 2.0
	}

	ctx, cancel := context.WithCancel(context.Background())

	d := &Dispatcher{
		handlers:       make(map[shared.EventType][]HandlerRegistration),
		middlewares:    make([]Middleware, 0),
		retryConfig:    config.RetryConfig,
		defaultTimeout: config.HandlerTimeout,
		cancelGrace:    config.CancelGrace,
		logger:         config.Logger,
		ctx:            ctx,
		cancel:         cancel,
		metrics:        NewDispatcherMetrics(),
	}

	if config.DeadLetterQueueSize > 0 {
		d.deadLetterQ = NewDeadLetterQueue(config.DeadLetterQueueSize)
	}

	return d
}

// ══════════════════════════════════════════════════════════════════════════════
// HANDLER REGISTRATION
// ══════════════════════════════════════════════════════════════════════════════

// RegisterHandler registers a handler for an exact event type.
func (d *Dispatcher) RegisterHandler(eventType shared.EventType, reg HandlerRegistration) error {
	reg, err := d.normalize(reg)
	if err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	d.handlers[eventType] = append(d.handlers[eventType], reg)
	d.logger.Debug("registered handler",
		"event_type", eventType,
		"handler_name", reg.Name,
	)

	return nil
}

// Register is a convenience method for simple handler registration.
func (d *Dispatcher) Register(eventType shared.EventType, name string, handler shared.EventHandler) error {
	return d.RegisterHandler(eventType, HandlerRegistration{Name: name, Handler: handler})
}

// OnEvent registers a generic hook that sees every event the group receives.
func (d *Dispatcher) OnEvent(name string, handler shared.EventHandler) error {
	reg, err := d.normalize(HandlerRegistration{Name: name, Handler: handler})
	if err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	d.hooks = append(d.hooks, reg)
	d.logger.Debug("registered event hook", "handler_name", reg.Name)
	return nil
}

func (d *Dispatcher) normalize(reg HandlerRegistration) (HandlerRegistration, error) {
	if reg.Handler == nil {
		return reg, errors.New("handler cannot be nil")
	}
	if reg.Name == "" {
		return reg, errors.New("handler name is required")
	}
	if reg.MaxRetries <= 0 {
		reg.MaxRetries = d.retryConfig.MaxRetries
	}
	if reg.Timeout <= 0 {
		reg.Timeout = d.defaultTimeout
	}
	return reg, nil
}

// ══════════════════════════════════════════════════════════════════════════════
// MIDDLEWARE
// ══════════════════════════════════════════════════════════════════════════════

// Middleware wraps handler execution.
type Middleware func(shared.EventHandler) shared.EventHandler

// Use adds middleware to the dispatcher.
func (d *Dispatcher) Use(middleware Middleware) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.middlewares = append(d.middlewares, middleware)
}

// RecoveryMiddleware turns handler panics into errors.
func RecoveryMiddleware(logger *slog.Logger) Middleware {
	return func(next shared.EventHandler) shared.EventHandler {
		return func(ctx context.Context, event shared.Event) error {
			var err error
			if r := panics.Try(func() { err = next(ctx, event) }); r != nil {
				logger.Error("handler panic recovered",
					"event_type", event.Type,
					"event_id", event.ID,
					"panic", r.Value,
					"stack", string(r.Stack),
				)
				return fmt.Errorf("%w: %v", ErrHandlerPanic, r.Value)
			}
			return err
		}
	}
}

// LoggingMiddleware logs handler execution.
func LoggingMiddleware(logger *slog.Logger) Middleware {
	return func(next shared.EventHandler) shared.EventHandler {
		return func(ctx context.Context, event shared.Event) error {
			start := time.Now()
			err := next(ctx, event)
			duration := time.Since(start)

			if err != nil {
				logger.Warn("handler failed",
					"event_type", event.Type,
					"user_id", event.UserID,
					"duration", duration,
					"error", err,
				)
			} else {
				logger.Debug("handler completed",
					"event_type", event.Type,
					"user_id", event.UserID,
					"duration", duration,
				)
			}

			return err
		}
	}
}

// MetricsMiddleware collects handler metrics.
func MetricsMiddleware(metrics *DispatcherMetrics) Middleware {
	return func(next shared.EventHandler) shared.EventHandler {
		return func(ctx context.Context, event shared.Event) error {
			start := time.Now()
			err := next(ctx, event)
			metrics.RecordExecution(event.Type, time.Since(start), err == nil)
			return err
		}
	}
}

// TracingMiddleware opens a consumer span per handler attempt.
func TracingMiddleware(tracer trace.Tracer) Middleware {
	if tracer == nil {
		tracer = otel.Tracer("github.com/jobquest/progress-engine/messaging")
	}
	return func(next shared.EventHandler) shared.EventHandler {
		return func(ctx context.Context, event shared.Event) error {
			ctx, span := tracer.Start(ctx, "handle "+string(event.Type),
				trace.WithSpanKind(trace.SpanKindConsumer),
				trace.WithAttributes(
					attribute.String("event.id", event.ID),
					attribute.String("event.type", string(event.Type)),
					attribute.String("event.topic", string(TopicFor(event.Type))),
				),
			)
			defer span.End()

			err := next(ctx, event)
			if err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
			}
			return err
		}
	}
}

// ══════════════════════════════════════════════════════════════════════════════
// EVENT DISPATCHING
// ══════════════════════════════════════════════════════════════════════════════

// HandleEvent runs every matching handler concurrently and waits for all of
// them. A failing handler never prevents the others from running; the
// returned error joins the failures for logging only.
func (d *Dispatcher) HandleEvent(ctx context.Context, event shared.Event) error {
	d.mu.RLock()
	regs := make([]HandlerRegistration, 0, len(d.handlers[event.Type])+len(d.hooks))
	regs = append(regs, d.handlers[event.Type]...)
	regs = append(regs, d.hooks...)
	middlewares := d.middlewares
	d.mu.RUnlock()

	if len(regs) == 0 {
		return nil
	}

	d.metrics.RecordDispatch(event.Type)

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for _, reg := range regs {
		wg.Add(1)
		go func(r HandlerRegistration) {
			defer wg.Done()
			if err := d.executeHandler(ctx, event, r, middlewares); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
		}(reg)
	}
	wg.Wait()

	return errors.Join(errs...)
}

// executeHandler runs one handler with retries and sends it to the DLQ when
// every attempt failed.
func (d *Dispatcher) executeHandler(ctx context.Context, event shared.Event, reg HandlerRegistration, middlewares []Middleware) error {
	// Recovery is always innermost so retries see panics as errors.
	handler := RecoveryMiddleware(d.logger)(reg.Handler)
	for i := len(middlewares) - 1; i >= 0; i-- {
		handler = middlewares[i](handler)
	}

	attempts := 0
	retrier := retry.New(
		retry.WithMaxAttempts(reg.MaxRetries+1),
		retry.WithInitialDelay(d.retryConfig.InitialBackoff),
		retry.WithMaxDelay(d.retryConfig.MaxBackoff),
		retry.WithMultiplier(d.retryConfig.BackoffMultiplier),
		retry.WithJitter(0),
		retry.WithRetryIf(func(err error) bool {
			return d.ctx.Err() == nil &&
				!errors.Is(err, context.Canceled) &&
				!errors.Is(err, ErrHandlerAbandoned)
		}),
		retry.WithOnRetry(func(attempt int, err error, delay time.Duration) {
			d.metrics.RecordRetry(event.Type)
			d.logger.Debug("retrying handler",
				"handler", reg.Name,
				"attempt", attempt,
				"backoff", delay,
				"error", err,
			)
		}),
	)

	runCtx, cancel := d.runContext(ctx)
	defer cancel()

	err := retrier.Do(runCtx, func(ctx context.Context) error {
		attempts++
		return d.executeWithTimeout(ctx, handler, event, reg.Name, reg.Timeout)
	})
	if err == nil {
		if attempts > 1 {
			d.metrics.RecordRetrySuccess(event.Type)
		}
		return nil
	}

	if d.deadLetterQ != nil {
		d.deadLetterQ.Add(DeadLetterEntry{
			Event:       event,
			HandlerName: reg.Name,
			Error:       err.Error(),
			Attempts:    attempts,
			FailedAt:    time.Now(),
		})
	}

	d.metrics.RecordFailure(event.Type)
	d.logger.Error("handler exhausted retries",
		"handler", reg.Name,
		"event_type", event.Type,
		"event_id", event.ID,
		"attempts", attempts,
		"error", err,
	)
	return fmt.Errorf("handler %s failed after %d attempts: %w", reg.Name, attempts, err)
}

// runContext keeps the caller's values but is cancelled when the dispatcher
// stops, so backoff sleeps end promptly on shutdown.
func (d *Dispatcher) runContext(ctx context.Context) (context.Context, context.CancelFunc) {
	merged, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(d.ctx, cancel)
	return merged, func() {
		stop()
		cancel()
	}
}

// executeWithTimeout runs one attempt. When the attempt times out or ctx ends,
// its context is cancelled and it gets cancelGrace to return; an attempt
// still running after that is abandoned with ErrHandlerAbandoned.
func (d *Dispatcher) executeWithTimeout(ctx context.Context, handler shared.EventHandler, event shared.Event, name string, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- handler(ctx, event)
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
	}

	cause := ctx.Err()
	if errors.Is(cause, context.DeadlineExceeded) {
		cause = fmt.Errorf("handler timeout after %v", timeout)
	}

	grace := time.NewTimer(d.cancelGrace)
	defer grace.Stop()

	select {
	case <-done:
		return cause
	case <-grace.C:
		d.logger.Warn("handler still running after cancellation",
			"handler", name,
			"event_type", event.Type,
			"event_id", event.ID,
			"grace", d.cancelGrace,
		)
		return fmt.Errorf("%w: %v", ErrHandlerAbandoned, cause)
	}
}

// ══════════════════════════════════════════════════════════════════════════════
// REPLAY
// ══════════════════════════════════════════════════════════════════════════════

// ReplayDeadLetters re-runs up to limit dead-lettered entries through the
// handler that failed them. Entries that fail again go back to the queue.
// Returns how many succeeded.
func (d *Dispatcher) ReplayDeadLetters(ctx context.Context, limit int) (int, error) {
	if d.deadLetterQ == nil {
		return 0, nil
	}

	d.mu.RLock()
	middlewares := d.middlewares
	byName := make(map[string]HandlerRegistration)
	for _, regs := range d.handlers {
		for _, r := range regs {
			byName[r.Name] = r
		}
	}
	for _, r := range d.hooks {
		byName[r.Name] = r
	}
	d.mu.RUnlock()

	replayed := 0
	for i := 0; i < limit; i++ {
		if err := ctx.Err(); err != nil {
			return replayed, err
		}

		entry, ok := d.deadLetterQ.Pop()
		if !ok {
			break
		}

		reg, ok := byName[entry.HandlerName]
		if !ok {
			d.logger.Warn("dropping dead letter for unknown handler",
				"handler", entry.HandlerName,
				"event_id", entry.Event.ID,
			)
			continue
		}

		// executeHandler re-queues on failure.
		if err := d.executeHandler(ctx, entry.Event, reg, middlewares); err == nil {
			replayed++
		}
	}

	return replayed, nil
}

// ══════════════════════════════════════════════════════════════════════════════
// LIFECYCLE
// ══════════════════════════════════════════════════════════════════════════════

// Stop cancels pending retries. Call it after the bus has drained.
func (d *Dispatcher) Stop() {
	d.cancel()
	d.logger.Info("dispatcher stopped")
}

// Metrics returns dispatcher metrics.
func (d *Dispatcher) Metrics() *DispatcherMetrics {
	return d.metrics
}

// DeadLetterQueue returns the dead letter queue.
func (d *Dispatcher) DeadLetterQueue() *DeadLetterQueue {
	return d.deadLetterQ
}

// ══════════════════════════════════════════════════════════════════════════════
// DEAD LETTER QUEUE
// ══════════════════════════════════════════════════════════════════════════════

// DeadLetterEntry represents a failed event.
type DeadLetterEntry struct {
	Event       shared.Event `json:"event"`
	HandlerName string       `json:"handler"`
	Error       string       `json:"error"`
	Attempts    int          `json:"attempts"`
	FailedAt    time.Time    `json:"failedAt"`
}

// DeadLetterQueue stores events that failed processing. It is bounded; the
// oldest entry is evicted when full.
type DeadLetterQueue struct {
	mu      sync.RWMutex
	entries []DeadLetterEntry
	maxSize int
	evicted int64
}

// NewDeadLetterQueue creates a new dead letter queue.
func NewDeadLetterQueue(maxSize int) *DeadLetterQueue {
	if maxSize <= 0 {
		maxSize = 1000
	}
	return &DeadLetterQueue{
		entries: make([]DeadLetterEntry, 0),
		maxSize: maxSize,
	}
}

// Add adds an entry to the queue.
func (q *DeadLetterQueue) Add(entry DeadLetterEntry) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.entries) >= q.maxSize {
		q.entries = q.entries[1:]
		q.evicted++
	}

	q.entries = append(q.entries, entry)
}

// Entries returns all entries.
func (q *DeadLetterQueue) Entries() []DeadLetterEntry {
	q.mu.RLock()
	defer q.mu.RUnlock()

	result := make([]DeadLetterEntry, len(q.entries))
	copy(result, q.entries)
	return result
}

// Size returns the current queue size.
func (q *DeadLetterQueue) Size() int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return len(q.entries)
}

// Evicted returns how many entries were dropped for capacity.
func (q *DeadLetterQueue) Evicted() int64 {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.evicted
}

// Pop removes and returns the oldest entry.
func (q *DeadLetterQueue) Pop() (DeadLetterEntry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.entries) == 0 {
		return DeadLetterEntry{}, false
	}

	entry := q.entries[0]
	q.entries = q.entries[1:]
	return entry, true
}

// ══════════════════════════════════════════════════════════════════════════════
// DISPATCHER METRICS
// ══════════════════════════════════════════════════════════════════════════════

// DispatcherMetrics tracks dispatcher performance.
type DispatcherMetrics struct {
	mu sync.RWMutex

	DispatchedTotal map[shared.EventType]int64

	ExecutionsTotal int64
	SuccessTotal    int64
	FailuresTotal   int64
	ExhaustedTotal  int64
	RetriesTotal    int64
	RetrySuccesses  int64

	TotalDuration time.Duration
}

// NewDispatcherMetrics creates new dispatcher metrics.
func NewDispatcherMetrics() *DispatcherMetrics {
	return &DispatcherMetrics{
		DispatchedTotal: make(map[shared.EventType]int64),
	}
}

// RecordDispatch records an event dispatch.
func (m *DispatcherMetrics) RecordDispatch(eventType shared.EventType) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.DispatchedTotal[eventType]++
}

// RecordExecution records a handler attempt.
func (m *DispatcherMetrics) RecordExecution(_ shared.EventType, duration time.Duration, success bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.ExecutionsTotal++
	m.TotalDuration += duration
	if success {
		m.SuccessTotal++
	} else {
		m.FailuresTotal++
	}
}

// RecordRetry records a retry attempt.
func (m *DispatcherMetrics) RecordRetry(shared.EventType) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.RetriesTotal++
}

// RecordRetrySuccess records a handler that succeeded after retrying.
func (m *DispatcherMetrics) RecordRetrySuccess(shared.EventType) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.RetrySuccesses++
}

// RecordFailure records a handler failure after all retries.
func (m *DispatcherMetrics) RecordFailure(shared.EventType) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ExhaustedTotal++
}

// Snapshot returns a point-in-time snapshot.
func (m *DispatcherMetrics) Snapshot() DispatcherMetricsSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	avgDuration := time.Duration(0)
	if m.ExecutionsTotal > 0 {
		avgDuration = m.TotalDuration / time.Duration(m.ExecutionsTotal)
	}

	var totalDispatched int64
	for _, v := range m.DispatchedTotal {
		totalDispatched += v
	}

	return DispatcherMetricsSnapshot{
		TotalDispatched: totalDispatched,
		TotalExecutions: m.ExecutionsTotal,
		TotalFailures:   m.FailuresTotal,
		TotalExhausted:  m.ExhaustedTotal,
		TotalRetries:    m.RetriesTotal,
		RetrySuccesses:  m.RetrySuccesses,
		AverageDuration: avgDuration.String(),
	}
}

// DispatcherMetricsSnapshot is a point-in-time snapshot.
type DispatcherMetricsSnapshot struct {
	TotalDispatched int64  `json:"dispatched"`
	TotalExecutions int64  `json:"executions"`
	TotalFailures   int64  `json:"failedAttempts"`
	TotalExhausted  int64  `json:"exhausted"`
	TotalRetries    int64  `json:"retries"`
	RetrySuccesses  int64  `json:"retrySuccesses"`
	AverageDuration string `json:"averageDuration"`
	DeadLetters     int    `json:"deadLetters"`
}

// Snapshot combines metrics and DLQ size.
func (d *Dispatcher) Snapshot() DispatcherMetricsSnapshot {
	s := d.metrics.Snapshot()
	if d.deadLetterQ != nil {
		s.DeadLetters = d.deadLetterQ.Size()
	}
	return s
}

// ══════════════════════════════════════════════════════════════════════════════
// CONVENIENCE BUILDER
// ══════════════════════════════════════════════════════════════════════════════

// DispatcherBuilder provides fluent API for building a dispatcher.
type DispatcherBuilder struct {
	config  DispatcherConfig
	tracer  trace.Tracer
	tracing bool
}

// NewDispatcherBuilder creates a new builder.
func NewDispatcherBuilder() *DispatcherBuilder {
	return &DispatcherBuilder{config: DefaultDispatcherConfig()}
}

// WithRetryConfig sets the retry configuration.
func (b *DispatcherBuilder) WithRetryConfig(config RetryConfig) *DispatcherBuilder {
	b.config.RetryConfig = config
	return b
}

// WithHandlerTimeout sets the per-attempt timeout.
func (b *DispatcherBuilder) WithHandlerTimeout(d time.Duration) *DispatcherBuilder {
	b.config.HandlerTimeout = d
	return b
}

// WithCancelGrace sets how long a timed-out attempt may take to return.
func (b *DispatcherBuilder) WithCancelGrace(d time.Duration) *DispatcherBuilder {
	b.config.CancelGrace = d
	return b
}

// WithDeadLetterQueue sets the DLQ size; 0 disables it.
func (b *DispatcherBuilder) WithDeadLetterQueue(size int) *DispatcherBuilder {
	b.config.DeadLetterQueueSize = size
	return b
}

// WithLogger sets the logger.
func (b *DispatcherBuilder) WithLogger(logger *slog.Logger) *DispatcherBuilder {
	b.config.Logger = logger
	return b
}

// WithTracing enables a span per handler attempt.
func (b *DispatcherBuilder) WithTracing(tracer trace.Tracer) *DispatcherBuilder {
	b.tracing = true
	b.tracer = tracer
	return b
}

// Build creates the dispatcher with logging and metrics middleware installed.
func (b *DispatcherBuilder) Build() *Dispatcher {
	d := NewDispatcher(b.config)
	d.Use(LoggingMiddleware(d.logger))
	d.Use(MetricsMiddleware(d.metrics))
	if b.tracing {
		d.Use(TracingMiddleware(b.tracer))
	}
	return d
}
