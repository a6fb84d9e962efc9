package timeutil

import (
	"testing"
	"time"
)

func TestParseDeliverAtAbsolute(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	ms, err := ParseDeliverAt("2026-01-27T16:30:00+08:00", now)
	if err != nil {
		t.Fatalf("ParseDeliverAt failed: %v", err)
	}
	want := time.Date(2026, 1, 27, 8, 30, 0, 0, time.UTC)
	if got := FromMillis(ms); !got.Equal(want) {
		t.Errorf("expected %v, got %v", want, got)
	}

	ms, err = ParseDeliverAt("2026-01-27T16:30:00Z", now)
	if err != nil {
		t.Fatalf("ParseDeliverAt failed: %v", err)
	}
	want = time.Date(2026, 1, 27, 16, 30, 0, 0, time.UTC)
	if got := FromMillis(ms); !got.Equal(want) {
		t.Errorf("expected %v, got %v", want, got)
	}
}

func TestParseDeliverAtRelative(t *testing.T) {
	now := time.Date(2026, 1, 31, 12, 0, 0, 0, time.UTC)

	cases := []struct {
		expr string
		want time.Time
	}{
		{"+2s", now.Add(2 * time.Second)},
		{"+1h30m", now.Add(90 * time.Minute)},
		{"-15m", now.Add(-15 * time.Minute)},
		{"+1D", now.AddDate(0, 0, 1)},
		{"+1M", now.AddDate(0, 1, 0)},
		{"+1Y2D", now.AddDate(1, 0, 2)},
	}
	for _, tc := range cases {
		ms, err := ParseDeliverAt(tc.expr, now)
		if err != nil {
			t.Fatalf("ParseDeliverAt(%q) failed: %v", tc.expr, err)
		}
		if got := FromMillis(ms); !got.Equal(tc.want) {
			t.Errorf("ParseDeliverAt(%q) = %v, want %v", tc.expr, got, tc.want)
		}
	}
}

func TestParseDeliverAtRejectsGarbage(t *testing.T) {
	now := time.Now()
	for _, expr := range []string{"", "tomorrow", "+", "+2x", "5m", "+2h30"} {
		if _, err := ParseDeliverAt(expr, now); err == nil {
			t.Errorf("ParseDeliverAt(%q) should fail", expr)
		}
	}
}

func TestParseIdleTimeout(t *testing.T) {
	cases := []struct {
		expr string
		want time.Duration
	}{
		{"2s", 2 * time.Second},
		{"1h30m", 90 * time.Minute},
		{"1d", 24 * time.Hour},
		{"1d2h", 26 * time.Hour},
	}
	for _, tc := range cases {
		got, err := ParseIdleTimeout(tc.expr)
		if err != nil {
			t.Fatalf("ParseIdleTimeout(%q) failed: %v", tc.expr, err)
		}
		if got != tc.want {
			t.Errorf("ParseIdleTimeout(%q) = %v, want %v", tc.expr, got, tc.want)
		}
	}
	for _, expr := range []string{"", "h", "2w", "-1h", "0s"} {
		if _, err := ParseIdleTimeout(expr); err == nil {
			t.Errorf("ParseIdleTimeout(%q) should fail", expr)
		}
	}
}

func TestMostRecentClockTime(t *testing.T) {
	loc := time.UTC
	now := time.Date(2026, 3, 10, 9, 30, 0, 0, loc)

	got := MostRecentClockTime(now, 4, 0, loc)
	want := time.Date(2026, 3, 10, 4, 0, 0, 0, loc)
	if !got.Equal(want) {
		t.Errorf("expected %v, got %v", want, got)
	}

	// Clock time later than now resolves to yesterday.
	got = MostRecentClockTime(now, 22, 0, loc)
	want = time.Date(2026, 3, 9, 22, 0, 0, 0, loc)
	if !got.Equal(want) {
		t.Errorf("expected %v, got %v", want, got)
	}
}
