package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	errBroker = errors.New("broker down")
	errMiss   = errors.New("miss")
)

func failing(context.Context) error    { return errBroker }
func succeeding(context.Context) error { return nil }

// manualClock lets tests move past OpenTimeout without sleeping.
type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newBreaker(s Settings) (*CircuitBreaker, *manualClock) {
	clock := &manualClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	cb := New("test", s)
	cb.now = clock.Now
	return cb, clock
}

func TestCircuitBreaker_OpensAfterThreshold(t *testing.T) {
	var transitions []State
	cb, _ := newBreaker(Settings{
		FailureThreshold: 2,
		OpenTimeout:      time.Minute,
		OnStateChange:    func(_ string, _, to State) { transitions = append(transitions, to) },
	})
	ctx := context.Background()

	assert.ErrorIs(t, cb.Execute(ctx, failing), errBroker)
	assert.False(t, cb.IsOpen())
	assert.ErrorIs(t, cb.Execute(ctx, failing), errBroker)
	assert.True(t, cb.IsOpen())

	called := false
	err := cb.Execute(ctx, func(context.Context) error { called = true; return nil })
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.False(t, called)
	assert.Equal(t, []State{StateOpen}, transitions)

	snap := cb.Snapshot()
	assert.Equal(t, "test", snap.Name)
	assert.Equal(t, "open", snap.State)
	assert.Equal(t, int64(2), snap.TotalFailures)
	assert.Equal(t, int64(1), snap.Rejected)
}

func TestCircuitBreaker_SuccessResetsConsecutiveFailures(t *testing.T) {
	cb, _ := newBreaker(Settings{FailureThreshold: 2})
	ctx := context.Background()

	_ = cb.Execute(ctx, failing)
	require.NoError(t, cb.Execute(ctx, succeeding))
	_ = cb.Execute(ctx, failing)

	assert.Equal(t, StateClosed, cb.State())
	assert.Equal(t, 1, cb.Snapshot().ConsecutiveFailures)
}

func TestCircuitBreaker_TrialAfterTimeout(t *testing.T) {
	cb, clock := newBreaker(Settings{FailureThreshold: 1, OpenTimeout: time.Minute})
	ctx := context.Background()

	_ = cb.Execute(ctx, failing)
	require.True(t, cb.IsOpen())

	clock.Advance(time.Minute)
	require.NoError(t, cb.Execute(ctx, succeeding))
	assert.Equal(t, StateClosed, cb.State())
}

func TestCircuitBreaker_FailedTrialReopens(t *testing.T) {
	cb, clock := newBreaker(Settings{FailureThreshold: 1, OpenTimeout: time.Minute})
	ctx := context.Background()

	_ = cb.Execute(ctx, failing)
	clock.Advance(time.Minute)
	assert.ErrorIs(t, cb.Execute(ctx, failing), errBroker)
	assert.True(t, cb.IsOpen())

	// the open window restarts from the failed trial
	clock.Advance(30 * time.Second)
	assert.ErrorIs(t, cb.Execute(ctx, succeeding), ErrCircuitOpen)
}

func TestCircuitBreaker_LimitsConcurrentTrials(t *testing.T) {
	cb, clock := newBreaker(Settings{FailureThreshold: 1, OpenTimeout: time.Minute, HalfOpenCalls: 1})
	ctx := context.Background()

	_ = cb.Execute(ctx, failing)
	clock.Advance(time.Minute)

	inTrial := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- cb.Execute(ctx, func(context.Context) error {
			close(inTrial)
			<-release
			return nil
		})
	}()
	<-inTrial

	assert.Equal(t, StateHalfOpen, cb.State())
	assert.ErrorIs(t, cb.Execute(ctx, succeeding), ErrCircuitOpen)

	close(release)
	require.NoError(t, <-done)
	assert.Equal(t, StateClosed, cb.State())
}

func TestCircuitBreaker_IgnoredErrorsDoNotTrip(t *testing.T) {
	s := StoreSettings()
	s.FailureThreshold = 1
	s.Ignore = func(err error) bool { return errors.Is(err, errMiss) || errors.Is(err, context.Canceled) }
	cb, _ := newBreaker(s)
	ctx := context.Background()

	assert.ErrorIs(t, cb.Execute(ctx, func(context.Context) error { return errMiss }), errMiss)
	assert.ErrorIs(t, cb.Execute(ctx, func(context.Context) error { return context.Canceled }), context.Canceled)
	assert.False(t, cb.IsOpen())
	assert.Zero(t, cb.Snapshot().TotalFailures)
}

func TestNew_FillsZeroSettings(t *testing.T) {
	cb := New("store", Settings{})
	def := StoreSettings()

	assert.Equal(t, def.FailureThreshold, cb.settings.FailureThreshold)
	assert.Equal(t, def.OpenTimeout, cb.settings.OpenTimeout)
	assert.Equal(t, def.HalfOpenCalls, cb.settings.HalfOpenCalls)
	assert.Equal(t, "store", cb.Name())
}

func TestTransportSettings_IgnoreCancellation(t *testing.T) {
	s := TransportSettings()
	assert.True(t, s.Ignore(context.Canceled))
	assert.False(t, s.Ignore(errBroker))
}
