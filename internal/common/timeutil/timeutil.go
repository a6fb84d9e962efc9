// Package timeutil centralizes wall-clock reads, timezone handling and the
// time input formats accepted over RPC.
//
// All persisted timestamps are unsigned 64-bit milliseconds since the Unix
// epoch (UTC).
package timeutil

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Clock abstracts wall-clock reads so tests can substitute a fake.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the real wall clock.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

// NowMillis returns the current time as epoch milliseconds.
func NowMillis(c Clock) uint64 {
	return ToMillis(c.Now())
}

// ToMillis converts a time to epoch milliseconds.
func ToMillis(t time.Time) uint64 {
	ms := t.UnixMilli()
	if ms < 0 {
		return 0
	}
	return uint64(ms)
}

// FromMillis converts epoch milliseconds to a UTC time.
func FromMillis(ms uint64) time.Time {
	return time.UnixMilli(int64(ms)).UTC()
}

// LoadLocation validates and loads an IANA timezone name.
func LoadLocation(name string) (*time.Location, error) {
	if name == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("invalid timezone %q: %w", name, err)
	}
	return loc, nil
}

// FormatLocal renders epoch milliseconds as an ISO-8601 timestamp in loc.
func FormatLocal(ms uint64, loc *time.Location) string {
	if loc == nil {
		loc = time.UTC
	}
	return FromMillis(ms).In(loc).Format("2006-01-02T15:04:05-07:00")
}

// ParseDeliverAt parses the deliver-at input format: an ISO-8601 absolute
// timestamp ("2026-01-27T16:30:00+08:00" or "...Z"), or a signed relative
// expression "[+-]<n><unit>..." with units Y, M, D, h, m, s applied to now.
func ParseDeliverAt(input string, now time.Time) (uint64, error) {
	s := strings.TrimSpace(input)
	if s == "" {
		return 0, fmt.Errorf("empty deliver-at")
	}
	if s[0] == '+' || s[0] == '-' {
		t, err := applyRelative(s, now)
		if err != nil {
			return 0, err
		}
		return ToMillis(t), nil
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05Z07:00", "2006-01-02T15:04Z07:00"} {
		if t, err := time.Parse(layout, s); err == nil {
			return ToMillis(t), nil
		}
	}
	return 0, fmt.Errorf("invalid deliver-at %q: expected ISO-8601 or signed relative expression", input)
}

// applyRelative parses expressions like "+2h30m", "-1D", "+1M2D" unit by unit.
// Calendar units (Y, M, D) use AddDate so month lengths and DST are respected.
func applyRelative(expr string, now time.Time) (time.Time, error) {
	sign := 1
	switch expr[0] {
	case '+':
	case '-':
		sign = -1
	default:
		return time.Time{}, fmt.Errorf("relative expression must start with + or -")
	}

	t := now
	rest := expr[1:]
	if rest == "" {
		return time.Time{}, fmt.Errorf("relative expression %q has no terms", expr)
	}
	for len(rest) > 0 {
		i := 0
		for i < len(rest) && rest[i] >= '0' && rest[i] <= '9' {
			i++
		}
		if i == 0 || i == len(rest) {
			return time.Time{}, fmt.Errorf("malformed relative expression %q", expr)
		}
		n, err := strconv.Atoi(rest[:i])
		if err != nil {
			return time.Time{}, fmt.Errorf("malformed relative expression %q: %w", expr, err)
		}
		n *= sign
		switch rest[i] {
		case 'Y':
			t = t.AddDate(n, 0, 0)
		case 'M':
			t = t.AddDate(0, n, 0)
		case 'D':
			t = t.AddDate(0, 0, n)
		case 'h':
			t = t.Add(time.Duration(n) * time.Hour)
		case 'm':
			t = t.Add(time.Duration(n) * time.Minute)
		case 's':
			t = t.Add(time.Duration(n) * time.Second)
		default:
			return time.Time{}, fmt.Errorf("unknown unit %q in relative expression %q", string(rest[i]), expr)
		}
		rest = rest[i+1:]
	}
	return t, nil
}

// ParseIdleTimeout parses a duration string with units d, h, m, s
// (e.g. "1h30m", "2d"). Used by session policies.
func ParseIdleTimeout(input string) (time.Duration, error) {
	s := strings.TrimSpace(input)
	if s == "" {
		return 0, fmt.Errorf("empty duration")
	}
	var total time.Duration
	rest := s
	for len(rest) > 0 {
		i := 0
		for i < len(rest) && rest[i] >= '0' && rest[i] <= '9' {
			i++
		}
		if i == 0 || i == len(rest) {
			return 0, fmt.Errorf("malformed duration %q", input)
		}
		n, err := strconv.Atoi(rest[:i])
		if err != nil {
			return 0, fmt.Errorf("malformed duration %q: %w", input, err)
		}
		switch rest[i] {
		case 'd':
			total += time.Duration(n) * 24 * time.Hour
		case 'h':
			total += time.Duration(n) * time.Hour
		case 'm':
			total += time.Duration(n) * time.Minute
		case 's':
			total += time.Duration(n) * time.Second
		default:
			return 0, fmt.Errorf("unknown unit %q in duration %q", string(rest[i]), input)
		}
		rest = rest[i+1:]
	}
	if total <= 0 {
		return 0, fmt.Errorf("duration %q must be positive", input)
	}
	return total, nil
}

// ParseClockTime parses a local "HH:MM" clock time. Returns hour and minute.
func ParseClockTime(input string) (hour, minute int, err error) {
	parts := strings.Split(strings.TrimSpace(input), ":")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("invalid clock time %q: expected HH:MM", input)
	}
	hour, err = strconv.Atoi(parts[0])
	if err != nil || hour < 0 || hour > 23 {
		return 0, 0, fmt.Errorf("invalid hour in clock time %q", input)
	}
	minute, err = strconv.Atoi(parts[1])
	if err != nil || minute < 0 || minute > 59 {
		return 0, 0, fmt.Errorf("invalid minute in clock time %q", input)
	}
	return hour, minute, nil
}

// MostRecentClockTime returns the most recent occurrence of hour:minute in loc
// at or before now.
func MostRecentClockTime(now time.Time, hour, minute int, loc *time.Location) time.Time {
	local := now.In(loc)
	candidate := time.Date(local.Year(), local.Month(), local.Day(), hour, minute, 0, 0, loc)
	if candidate.After(local) {
		candidate = candidate.AddDate(0, 0, -1)
	}
	return candidate
}
