package scheduler

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ══════════════════════════════════════════════════════════════════════════════
// CRON EXPRESSION
// Standard 5-field format: minute hour day-of-month month day-of-week.
//   - "*/5 * * * *"  every 5 minutes
//   - "0 3 * * *"    every day at 03:00
//   - "0 0 * * 0"    every Sunday at midnight
// Each field accepts *, n, n-m, */s, n-m/s and comma lists of those.
// ══════════════════════════════════════════════════════════════════════════════

// CronExpression is a parsed cron expression. It implements Schedule.
type CronExpression struct {
	raw      string
	minutes  uint64
	hours    uint64
	days     uint64
	months   uint64
	weekdays uint64
}

type fieldBounds struct {
	name     string
	min, max int
}

var cronFields = [5]fieldBounds{
	{"minute", 0, 59},
	{"hour", 0, 23},
	{"day", 1, 31},
	{"month", 1, 12},
	{"weekday", 0, 6},
}

// ParseCronExpression parses a 5-field cron expression.
func ParseCronExpression(expr string) (*CronExpression, error) {
	fields := strings.Fields(expr)
	if len(fields) != 5 {
		return nil, fmt.Errorf("%w: expected 5 fields, got %d", ErrInvalidSchedule, len(fields))
	}

	var sets [5]uint64
	for i, f := range fields {
		set, err := parseField(f, cronFields[i])
		if err != nil {
			return nil, fmt.Errorf("%w: %s field: %v", ErrInvalidSchedule, cronFields[i].name, err)
		}
		sets[i] = set
	}

	return &CronExpression{
		raw:      expr,
		minutes:  sets[0],
		hours:    sets[1],
		days:     sets[2],
		months:   sets[3],
		weekdays: sets[4],
	}, nil
}

// MustParseCronExpression is ParseCronExpression that panics on error.
func MustParseCronExpression(expr string) *CronExpression {
	ce, err := ParseCronExpression(expr)
	if err != nil {
		panic(err)
	}
	return ce
}

func parseField(field string, b fieldBounds) (uint64, error) {
	var set uint64
	for _, part := range strings.Split(field, ",") {
		bits, err := parsePart(part, b)
		if err != nil {
			return 0, err
		}
		set |= bits
	}
	return set, nil
}

func parsePart(part string, b fieldBounds) (uint64, error) {
	rangePart, step := part, 1
	if i := strings.IndexByte(part, '/'); i >= 0 {
		s, err := strconv.Atoi(part[i+1:])
		if err != nil || s <= 0 {
			return 0, fmt.Errorf("invalid step %q", part[i+1:])
		}
		rangePart, step = part[:i], s
	}

	start, end := b.min, b.max
	switch {
	case rangePart == "*":
	case strings.Contains(rangePart, "-"):
		lo, hi, _ := strings.Cut(rangePart, "-")
		var err error
		if start, err = strconv.Atoi(lo); err != nil {
			return 0, fmt.Errorf("invalid range start %q", lo)
		}
		if end, err = strconv.Atoi(hi); err != nil {
			return 0, fmt.Errorf("invalid range end %q", hi)
		}
	default:
		v, err := strconv.Atoi(rangePart)
		if err != nil {
			return 0, fmt.Errorf("invalid value %q", rangePart)
		}
		start = v
		if step == 1 {
			end = v
		}
	}

	if start < b.min || end > b.max || start > end {
		return 0, fmt.Errorf("%q out of range [%d-%d]", part, b.min, b.max)
	}

	var set uint64
	for v := start; v <= end; v += step {
		set |= 1 << uint(v)
	}
	return set, nil
}

// String returns the original expression.
func (ce *CronExpression) String() string {
	return ce.raw
}

// Next returns the first matching minute strictly after t, or the zero time
// when nothing matches within a year (e.g. "0 0 31 2 *").
func (ce *CronExpression) Next(t time.Time) time.Time {
	next := t.Truncate(time.Minute).Add(time.Minute)

	const horizon = 366 * 24 * 60
	for i := 0; i < horizon; i++ {
		if ce.matches(next) {
			return next
		}
		next = next.Add(time.Minute)
	}
	return time.Time{}
}

func (ce *CronExpression) matches(t time.Time) bool {
	return ce.minutes&(1<<uint(t.Minute())) != 0 &&
		ce.hours&(1<<uint(t.Hour())) != 0 &&
		ce.days&(1<<uint(t.Day())) != 0 &&
		ce.months&(1<<uint(t.Month())) != 0 &&
		ce.weekdays&(1<<uint(t.Weekday())) != 0
}

// ══════════════════════════════════════════════════════════════════════════════
// SCHEDULE SPECS
// ══════════════════════════════════════════════════════════════════════════════

// ParseSchedule accepts a cron expression or one of the descriptors
// "@every <duration>", "@hourly", "@daily" and "@midnight".
func ParseSchedule(spec string) (Schedule, error) {
	spec = strings.TrimSpace(spec)
	switch {
	case strings.HasPrefix(spec, "@every "):
		d, err := time.ParseDuration(strings.TrimSpace(strings.TrimPrefix(spec, "@every ")))
		if err != nil || d <= 0 {
			return nil, fmt.Errorf("%w: %q", ErrInvalidSchedule, spec)
		}
		return NewIntervalSchedule(d), nil
	case spec == "@hourly":
		return ParseCronExpression("0 * * * *")
	case spec == "@daily", spec == "@midnight":
		return ParseCronExpression("0 0 * * *")
	case strings.HasPrefix(spec, "@"):
		return nil, fmt.Errorf("%w: unknown descriptor %q", ErrInvalidSchedule, spec)
	default:
		return ParseCronExpression(spec)
	}
}
