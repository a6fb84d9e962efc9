// Package ids provides UUID generation and short-ID resolution.
//
// User-facing IDs are lowercase hyphenated UUIDs. The "short ID" shown to
// humans is the first 8 hex characters after hyphen removal. A short ID is a
// UX affordance, not an identity: resolvers must detect prefix collisions.
package ids

import (
	"strings"

	"github.com/google/uuid"
)

// ShortIDLength is the number of hex characters in a short ID.
const ShortIDLength = 8

// New returns a new lowercase hyphenated UUID string.
func New() string {
	return uuid.NewString()
}

// Short derives the short form of a full UUID.
func Short(id string) string {
	hex := strings.ReplaceAll(strings.ToLower(id), "-", "")
	if len(hex) < ShortIDLength {
		return hex
	}
	return hex[:ShortIDLength]
}

// IsValid reports whether id parses as a UUID.
func IsValid(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil
}

// MatchesPrefix reports whether the hyphen-stripped lowercase form of id
// starts with the given prefix (also hyphen-stripped, case-insensitive).
func MatchesPrefix(id, prefix string) bool {
	hex := strings.ReplaceAll(strings.ToLower(id), "-", "")
	p := strings.ReplaceAll(strings.ToLower(prefix), "-", "")
	if p == "" {
		return false
	}
	return strings.HasPrefix(hex, p)
}
