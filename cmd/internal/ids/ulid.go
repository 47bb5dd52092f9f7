// Package ids provides the ULID primitives used for channel suffixes and envelope ids.
package ids

import (
	"crypto/rand"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

// NewULID returns a new ULID string (26 chars, Crockford base32).
// ULIDs sort by creation time, which keeps generated channel names ordered in logs.
func NewULID(now time.Time) (string, error) {
	if now.IsZero() {
		now = time.Now().UTC()
	}

	id, err := ulid.New(ulid.Timestamp(now), rand.Reader)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// NewChannelSuffix returns a lowercase ULID for use after a '?' or '!' delimiter.
func NewChannelSuffix(now time.Time) (string, error) {
	id, err := NewULID(now)
	if err != nil {
		return "", err
	}
	return strings.ToLower(id), nil
}

// Parse reports whether s is a ULID (either case) and returns its timestamp.
func Parse(s string) (time.Time, bool) {
	id, err := ulid.ParseStrict(strings.ToUpper(s))
	if err != nil {
		return time.Time{}, false
	}
	return ulid.Time(id.Time()), true
}
