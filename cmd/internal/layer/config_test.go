package layer

import (
	"errors"
	"testing"
	"time"
)

func TestNewConfig_Defaults(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	if cfg.Expiry() != 60*time.Second {
		t.Fatalf("Expiry=%s", cfg.Expiry())
	}
	if cfg.GroupExpiry() != 86400*time.Second {
		t.Fatalf("GroupExpiry=%s", cfg.GroupExpiry())
	}
	if cfg.DefaultCapacity() != 100 {
		t.Fatalf("DefaultCapacity=%d", cfg.DefaultCapacity())
	}
	if cfg.MaxMessageSize() != DefaultMaxMessageSize {
		t.Fatalf("MaxMessageSize=%d", cfg.MaxMessageSize())
	}
	if len(cfg.Rules()) != 0 {
		t.Fatalf("Rules=%v", cfg.Rules())
	}
	if got := cfg.Capacity("anything"); got != 100 {
		t.Fatalf("Capacity=%d", got)
	}
}

func TestNewConfig_ChannelCapacity(t *testing.T) {
	t.Parallel()

	cfg, err := NewConfig(
		WithCapacity(50),
		WithChannelCapacity(CapacityEntry{Pattern: Glob("special.*"), Limit: 10}),
	)
	if err != nil {
		t.Fatalf("NewConfig: %v", err)
	}
	if got := cfg.Capacity("special.one"); got != 10 {
		t.Fatalf("Capacity(special.one)=%d want=10", got)
	}
	if got := cfg.Capacity("general.one"); got != 50 {
		t.Fatalf("Capacity(general.one)=%d want=50", got)
	}
}

func TestNewConfig_ChannelCapacityOrderAcrossOptions(t *testing.T) {
	t.Parallel()

	cfg, err := NewConfig(
		WithChannelCapacity(CapacityEntry{Pattern: Glob("http.*"), Limit: 1}),
		WithChannelCapacity(CapacityEntry{Pattern: Regexp(`http\.request`), Limit: 2}),
	)
	if err != nil {
		t.Fatalf("NewConfig: %v", err)
	}
	if got := cfg.Capacity("http.request"); got != 1 {
		t.Fatalf("Capacity=%d want=1", got)
	}

	rules := cfg.Rules()
	rules[0].Limit = 99
	if got := cfg.Capacity("http.request"); got != 1 {
		t.Fatalf("mutating Rules() leaked into Config: %d", got)
	}
}

func TestNewConfig_InvalidOptions(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		opt  Option
	}{
		{"zero expiry", WithExpiry(0)},
		{"negative group expiry", WithGroupExpiry(-time.Second)},
		{"negative capacity", WithCapacity(-1)},
		{"zero message size", WithMaxMessageSize(0)},
		{"malformed regexp", WithChannelCapacity(CapacityEntry{Pattern: Regexp(`[`), Limit: 1})},
		{"malformed glob", WithChannelCapacity(CapacityEntry{Pattern: Glob("[z-a]"), Limit: 1})},
	}

	for _, tc := range cases {
		cfg, err := NewConfig(tc.opt)
		if cfg != nil {
			t.Fatalf("%s: expected nil config", tc.name)
		}
		var ce *ConfigurationError
		if !errors.As(err, &ce) {
			t.Fatalf("%s: err=%v want *ConfigurationError", tc.name, err)
		}
	}
}

func TestNewConfig_ZeroCapacityAllowed(t *testing.T) {
	t.Parallel()

	cfg, err := NewConfig(WithCapacity(0), nil)
	if err != nil {
		t.Fatalf("NewConfig: %v", err)
	}
	if cfg.Capacity("x") != 0 {
		t.Fatalf("Capacity=%d", cfg.Capacity("x"))
	}
}
