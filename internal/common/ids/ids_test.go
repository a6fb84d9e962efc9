package ids

import "testing"

func TestShort(t *testing.T) {
	id := "3f2a9b1c-0d4e-4f6a-8b2c-1d3e5f7a9b0c"
	if got := Short(id); got != "3f2a9b1c" {
		t.Errorf("Short(%q) = %q, want %q", id, got, "3f2a9b1c")
	}
	if got := Short("3F2A9B1C-0d4e-4f6a-8b2c-1d3e5f7a9b0c"); got != "3f2a9b1c" {
		t.Errorf("Short should lowercase, got %q", got)
	}
}

func TestMatchesPrefix(t *testing.T) {
	id := "3f2a9b1c-0d4e-4f6a-8b2c-1d3e5f7a9b0c"
	if !MatchesPrefix(id, "3f2a9b1c") {
		t.Error("expected short ID to match")
	}
	if !MatchesPrefix(id, "3F2A") {
		t.Error("prefix matching should be case-insensitive")
	}
	if !MatchesPrefix(id, id) {
		t.Error("full ID should match itself")
	}
	if MatchesPrefix(id, "") {
		t.Error("empty prefix must not match")
	}
	if MatchesPrefix(id, "deadbeef") {
		t.Error("unrelated prefix must not match")
	}
}

func TestNewIsValid(t *testing.T) {
	id := New()
	if !IsValid(id) {
		t.Errorf("New() produced invalid UUID %q", id)
	}
	if len(Short(id)) != ShortIDLength {
		t.Errorf("short form of %q has wrong length", id)
	}
}
