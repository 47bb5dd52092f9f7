package gateway

import (
	"testing"
	"time"
)

func TestRateLimiter_SlidingWindow(t *testing.T) {
	t.Parallel()

	rl := NewRateLimiter(3, 10*time.Second)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	for i := 0; i < 3; i++ {
		if !rl.Allow(base.Add(time.Duration(i) * time.Second)) {
			t.Fatalf("event %d refused", i)
		}
	}
	if rl.Allow(base.Add(5 * time.Second)) {
		t.Fatalf("fourth event inside the window was allowed")
	}

	// The first event leaves the window at base+10s.
	if !rl.Allow(base.Add(10 * time.Second)) {
		t.Fatalf("event after the oldest expired was refused")
	}
	if rl.Allow(base.Add(10*time.Second + time.Millisecond)) {
		t.Fatalf("window should be full again")
	}
	if !rl.Allow(base.Add(11 * time.Second)) {
		t.Fatalf("second slot should have freed at base+11s")
	}
}

func TestRateLimiter_Defaults(t *testing.T) {
	t.Parallel()

	rl := NewRateLimiter(0, 0)
	if len(rl.ring) != defaultRateEvents || rl.window != defaultRateWindow {
		t.Fatalf("limit=%d window=%s", len(rl.ring), rl.window)
	}

	now := time.Now()
	for i := 0; i < defaultRateEvents; i++ {
		if !rl.Allow(now) {
			t.Fatalf("event %d refused", i)
		}
	}
	if rl.Allow(now) {
		t.Fatalf("limit not enforced")
	}
}
