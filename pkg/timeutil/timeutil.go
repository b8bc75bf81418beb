// Package timeutil provides calendar-day utilities in a configured timezone.
// Daily challenges and streaks are bounded by the user's local midnight, so
// every day computation goes through a Clock bound to one location.
package timeutil

import (
	"fmt"
	"time"
)

// DayLayout is the canonical day format (YYYY-MM-DD).
const DayLayout = time.DateOnly

// Clock is a time source bound to a location.
type Clock struct {
	loc *time.Location
	now func() time.Time
}

// NewClock creates a clock in loc. A nil loc means UTC.
func NewClock(loc *time.Location) *Clock {
	if loc == nil {
		loc = time.UTC
	}
	return &Clock{loc: loc, now: time.Now}
}

// LoadClock creates a clock for an IANA timezone name.
func LoadClock(name string) (*Clock, error) {
	if name == "" {
		return NewClock(time.UTC), nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("load timezone %q: %w", name, err)
	}
	return NewClock(loc), nil
}

// WithNow returns a copy of the clock that reads the time from now.
func (c *Clock) WithNow(now func() time.Time) *Clock {
	return &Clock{loc: c.loc, now: now}
}

// Location returns the clock's location.
func (c *Clock) Location() *time.Location {
	return c.loc
}

// Now returns the current time in the clock's location.
func (c *Clock) Now() time.Time {
	return c.now().In(c.loc)
}

// StartOfDay returns local midnight of t's day.
func (c *Clock) StartOfDay(t time.Time) time.Time {
	local := t.In(c.loc)
	return time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, c.loc)
}

// DayBounds returns [local midnight, next local midnight) around t. The end
// is computed with AddDate so DST days keep their real length.
func (c *Clock) DayBounds(t time.Time) (time.Time, time.Time) {
	start := c.StartOfDay(t)
	return start, start.AddDate(0, 0, 1)
}

// Day formats t's local day as YYYY-MM-DD.
func (c *Clock) Day(t time.Time) string {
	return t.In(c.loc).Format(DayLayout)
}

// ParseDay parses YYYY-MM-DD as local midnight.
func (c *Clock) ParseDay(value string) (time.Time, error) {
	return time.ParseInLocation(DayLayout, value, c.loc)
}

// IsSameDay checks whether both times fall on the same local day.
func (c *Clock) IsSameDay(t1, t2 time.Time) bool {
	return c.Day(t1) == c.Day(t2)
}

// DaysBetweenDays returns the number of calendar days from a to b, both
// YYYY-MM-DD. Negative when b precedes a.
func DaysBetweenDays(a, b string) (int, error) {
	ta, err := time.Parse(DayLayout, a)
	if err != nil {
		return 0, fmt.Errorf("parse day %q: %w", a, err)
	}
	tb, err := time.Parse(DayLayout, b)
	if err != nil {
		return 0, fmt.Errorf("parse day %q: %w", b, err)
	}
	// Both are UTC midnights, so the difference is a whole number of days.
	return int(tb.Sub(ta).Hours() / 24), nil
}

// IsConsecutiveDay checks whether day b is the calendar day after day a.
func IsConsecutiveDay(a, b string) bool {
	n, err := DaysBetweenDays(a, b)
	return err == nil && n == 1
}
