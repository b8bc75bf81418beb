// Package circuitbreaker guards calls to an external dependency. The Redis
// event transport publishes through one so an unreachable broker fails fast,
// and the Redis cache runs its commands through another so the unlock guard
// and user lock degrade to the unguarded path instead of waiting on timeouts.
package circuitbreaker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// State of a breaker.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

var (
	// ErrCircuitOpen is returned without calling the dependency while the
	// breaker is open, or half-open with every trial call in flight.
	ErrCircuitOpen = errors.New("circuit breaker is open")
)

// Settings tune a breaker.
type Settings struct {
	// FailureThreshold consecutive failures open a closed breaker.
	FailureThreshold int

	// OpenTimeout is how long an open breaker rejects calls before letting
	// trial calls through.
	OpenTimeout time.Duration

	// HalfOpenCalls bounds concurrent trial calls. One successful trial
	// closes the breaker; one failed trial reopens it.
	HalfOpenCalls int

	// Ignore reports errors that say nothing about the dependency's health,
	// such as a cache miss or a cancelled caller. They count as successes.
	Ignore func(error) bool

	OnStateChange func(name string, from, to State)
}

// TransportSettings suit event publishes, which sit on the request path.
func TransportSettings() Settings {
	return Settings{
		FailureThreshold: 3,
		OpenTimeout:      5 * time.Second,
		HalfOpenCalls:    1,
		Ignore:           isCallerDone,
	}
}

// StoreSettings suit an auxiliary store whose callers have a fallback.
func StoreSettings() Settings {
	return Settings{
		FailureThreshold: 3,
		OpenTimeout:      10 * time.Second,
		HalfOpenCalls:    1,
		Ignore:           isCallerDone,
	}
}

func isCallerDone(err error) bool {
	return errors.Is(err, context.Canceled)
}

// Snapshot is a point-in-time view of a breaker, for health and metrics.
type Snapshot struct {
	Name                string `json:"name"`
	State               string `json:"state"`
	ConsecutiveFailures int    `json:"consecutiveFailures"`
	TotalFailures       int64  `json:"totalFailures"`
	Rejected            int64  `json:"rejected"`
}

// CircuitBreaker is safe for concurrent use.
type CircuitBreaker struct {
	name     string
	settings Settings
	now      func() time.Time

	mu            sync.Mutex
	state         State
	openedAt      time.Time
	consecutive   int
	totalFailures int64
	rejected      int64
	trials        int
}

// New builds a closed breaker. Zero fields of s fall back to StoreSettings.
func New(name string, s Settings) *CircuitBreaker {
	def := StoreSettings()
	if s.FailureThreshold <= 0 {
		s.FailureThreshold = def.FailureThreshold
	}
	if s.OpenTimeout <= 0 {
		s.OpenTimeout = def.OpenTimeout
	}
	if s.HalfOpenCalls <= 0 {
		s.HalfOpenCalls = def.HalfOpenCalls
	}
	return &CircuitBreaker{name: name, settings: s, now: time.Now}
}

// Execute runs fn when the breaker allows it and records the outcome. It
// returns ErrCircuitOpen without running fn otherwise.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	trial, err := cb.admit()
	if err != nil {
		return err
	}
	err = fn(ctx)
	cb.record(err, trial)
	return err
}

func (cb *CircuitBreaker) admit() (trial bool, err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateOpen && cb.now().Sub(cb.openedAt) >= cb.settings.OpenTimeout {
		cb.setState(StateHalfOpen)
	}

	switch cb.state {
	case StateClosed:
		return false, nil
	case StateHalfOpen:
		if cb.trials < cb.settings.HalfOpenCalls {
			cb.trials++
			return true, nil
		}
	}
	cb.rejected++
	return false, ErrCircuitOpen
}

func (cb *CircuitBreaker) record(err error, trial bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if trial {
		cb.trials--
	}

	failed := err != nil && (cb.settings.Ignore == nil || !cb.settings.Ignore(err))
	if !failed {
		cb.consecutive = 0
		if cb.state == StateHalfOpen {
			cb.setState(StateClosed)
		}
		return
	}

	cb.consecutive++
	cb.totalFailures++
	switch cb.state {
	case StateClosed:
		if cb.consecutive >= cb.settings.FailureThreshold {
			cb.setState(StateOpen)
		}
	case StateHalfOpen:
		cb.setState(StateOpen)
	}
}

// setState runs with mu held.
func (cb *CircuitBreaker) setState(to State) {
	from := cb.state
	if from == to {
		return
	}
	cb.state = to
	switch to {
	case StateOpen:
		cb.openedAt = cb.now()
	case StateClosed:
		cb.consecutive = 0
	}
	if cb.settings.OnStateChange != nil {
		cb.settings.OnStateChange(cb.name, from, to)
	}
}

func (cb *CircuitBreaker) Name() string { return cb.name }

// State reports the current state. An open breaker whose timeout has passed
// still reads open until the next call admits a trial.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// IsOpen reports whether calls are currently being rejected.
func (cb *CircuitBreaker) IsOpen() bool {
	return cb.State() == StateOpen
}

func (cb *CircuitBreaker) Snapshot() Snapshot {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return Snapshot{
		Name:                cb.name,
		State:               cb.state.String(),
		ConsecutiveFailures: cb.consecutive,
		TotalFailures:       cb.totalFailures,
		Rejected:            cb.rejected,
	}
}

// LogStateChanges returns an OnStateChange callback that logs transitions,
// at warn level when the breaker opens.
func LogStateChanges(logger *slog.Logger) func(name string, from, to State) {
	if logger == nil {
		logger = slog.Default()
	}
	return func(name string, from, to State) {
		level := slog.LevelInfo
		if to == StateOpen {
			level = slog.LevelWarn
		}
		logger.Log(context.Background(), level, "circuit breaker state changed",
			"breaker", name,
			"from", from.String(),
			"to", to.String(),
		)
	}
}
