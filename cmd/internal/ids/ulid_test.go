package ids

import (
	"strings"
	"testing"
	"time"
)

func TestNewULID_LengthAndTime(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	id, err := NewULID(now)
	if err != nil {
		t.Fatalf("NewULID: %v", err)
	}
	if len(id) != 26 {
		t.Fatalf("len=%d want=26", len(id))
	}

	ts, ok := Parse(id)
	if !ok {
		t.Fatalf("Parse(%q) failed", id)
	}
	if !ts.Equal(now) {
		t.Fatalf("timestamp=%v want=%v", ts, now)
	}
}

func TestNewChannelSuffix_LowercaseAndUnique(t *testing.T) {
	t.Parallel()

	seen := make(map[string]struct{}, 64)
	for i := 0; i < 64; i++ {
		s, err := NewChannelSuffix(time.Time{})
		if err != nil {
			t.Fatalf("NewChannelSuffix: %v", err)
		}
		if s != strings.ToLower(s) {
			t.Fatalf("suffix not lowercase: %q", s)
		}
		if _, dup := seen[s]; dup {
			t.Fatalf("duplicate suffix: %q", s)
		}
		seen[s] = struct{}{}
	}
}

func TestParse_RejectsGarbage(t *testing.T) {
	t.Parallel()

	if _, ok := Parse("not-a-ulid"); ok {
		t.Fatalf("expected Parse to reject garbage")
	}
}
