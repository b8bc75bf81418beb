package timeutil

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClock_DayBounds(t *testing.T) {
	loc := time.FixedZone("UTC+5", 5*60*60)
	clock := NewClock(loc)

	// 20:30 UTC is already the next local day.
	at := time.Date(2026, 5, 4, 20, 30, 0, 0, time.UTC)
	start, end := clock.DayBounds(at)

	assert.Equal(t, time.Date(2026, 5, 5, 0, 0, 0, 0, loc), start)
	assert.Equal(t, time.Date(2026, 5, 6, 0, 0, 0, 0, loc), end)
	assert.Equal(t, "2026-05-05", clock.Day(at))
}

func TestClock_WithNow(t *testing.T) {
	fixed := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	clock := NewClock(nil).WithNow(func() time.Time { return fixed })

	assert.Equal(t, fixed, clock.Now())
	assert.True(t, clock.IsSameDay(fixed, fixed.Add(11*time.Hour)))
	assert.False(t, clock.IsSameDay(fixed, fixed.Add(12*time.Hour)))
}

func TestClock_ParseDay(t *testing.T) {
	clock, err := LoadClock("UTC")
	require.NoError(t, err)

	day, err := clock.ParseDay("2026-02-28")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 2, 28, 0, 0, 0, 0, time.UTC), day)

	_, err = LoadClock("Not/AZone")
	assert.Error(t, err)
}

func TestDaysBetweenDays(t *testing.T) {
	n, err := DaysBetweenDays("2026-02-28", "2026-03-01")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = DaysBetweenDays("2026-03-05", "2026-03-01")
	require.NoError(t, err)
	assert.Equal(t, -4, n)

	_, err = DaysBetweenDays("bad", "2026-03-01")
	assert.Error(t, err)

	assert.True(t, IsConsecutiveDay("2025-12-31", "2026-01-01"))
	assert.False(t, IsConsecutiveDay("2026-01-01", "2026-01-01"))
}
