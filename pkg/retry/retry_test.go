package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	errFlaky = errors.New("flaky")
	errFatal = errors.New("fatal")
)

func fast(opts ...Option) *Retrier {
	return New(append([]Option{WithInitialDelay(time.Millisecond), WithJitter(0)}, opts...)...)
}

func TestDo_RetriesUntilSuccess(t *testing.T) {
	calls := 0
	err := fast(WithMaxAttempts(5)).Do(context.Background(), func(context.Context) error {
		calls++
		if calls < 3 {
			return errFlaky
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDo_StopsWhenPredicateRejects(t *testing.T) {
	calls := 0
	r := fast(WithMaxAttempts(5), WithRetryIf(func(err error) bool { return errors.Is(err, errFlaky) }))

	err := r.Do(context.Background(), func(context.Context) error {
		calls++
		return errFatal
	})

	assert.ErrorIs(t, err, errFatal)
	assert.Equal(t, 1, calls)
}

func TestDo_ReturnsLastErrorWhenAttemptsRunOut(t *testing.T) {
	calls := 0
	err := fast(WithMaxAttempts(2)).Do(context.Background(), func(context.Context) error {
		calls++
		return errFlaky
	})

	assert.Equal(t, errFlaky, err)
	assert.Equal(t, 2, calls)
}

func TestDo_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	err := fast().Do(ctx, func(context.Context) error {
		calls++
		return nil
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, calls)
}

func TestDo_CancelDuringWaitKeepsOperationError(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	r := New(WithMaxAttempts(5), WithInitialDelay(time.Hour), WithJitter(0),
		WithOnRetry(func(int, error, time.Duration) { cancel() }))

	err := r.Do(ctx, func(context.Context) error { return errFlaky })
	assert.Equal(t, errFlaky, err)
}

func TestStoreRetrier_UsesPredicateAndCallback(t *testing.T) {
	var retried []int
	r := StoreRetrier(
		func(err error) bool { return errors.Is(err, errFlaky) },
		func(attempt int, _ error, _ time.Duration) { retried = append(retried, attempt) },
	)

	calls := 0
	err := r.Do(context.Background(), func(context.Context) error {
		calls++
		return errFlaky
	})

	assert.ErrorIs(t, err, errFlaky)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []int{1, 2}, retried)
}

func TestBackoff_GrowsAndCaps(t *testing.T) {
	r := New(WithInitialDelay(10*time.Millisecond), WithMaxDelay(35*time.Millisecond), WithMultiplier(2), WithJitter(0))

	assert.Equal(t, 10*time.Millisecond, r.backoff(1))
	assert.Equal(t, 20*time.Millisecond, r.backoff(2))
	assert.Equal(t, 35*time.Millisecond, r.backoff(3))
}
