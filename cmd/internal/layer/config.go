package layer

import "time"

// Config is the immutable configuration of one layer instance. Capacity rules are
// compiled once in NewConfig and only read afterwards, so a *Config may be shared
// by any number of goroutines.
type Config struct {
	expiry         time.Duration
	groupExpiry    time.Duration
	capacity       int
	maxMessageSize int
	rules          []CapacityRule
}

// Option configures a Config.
type Option func(*configBuilder) error

type configBuilder struct {
	cfg     Config
	entries []CapacityEntry
}

// WithExpiry sets how long an undelivered message may wait before being discarded.
func WithExpiry(d time.Duration) Option {
	return func(b *configBuilder) error {
		if d <= 0 {
			return &ConfigurationError{Msg: "expiry must be positive"}
		}
		b.cfg.expiry = d
		return nil
	}
}

// WithGroupExpiry sets how long a group membership lives without being refreshed.
func WithGroupExpiry(d time.Duration) Option {
	return func(b *configBuilder) error {
		if d <= 0 {
			return &ConfigurationError{Msg: "group expiry must be positive"}
		}
		b.cfg.groupExpiry = d
		return nil
	}
}

// WithCapacity sets the ceiling used when no channel capacity rule matches.
func WithCapacity(n int) Option {
	return func(b *configBuilder) error {
		if n < 0 {
			return &ConfigurationError{Msg: "capacity must not be negative"}
		}
		b.cfg.capacity = n
		return nil
	}
}

// WithChannelCapacity appends per-pattern capacity entries. Entries are matched in
// the order given, across repeated calls.
func WithChannelCapacity(entries ...CapacityEntry) Option {
	return func(b *configBuilder) error {
		b.entries = append(b.entries, entries...)
		return nil
	}
}

// WithMaxMessageSize sets the encoded payload ceiling in bytes.
func WithMaxMessageSize(n int) Option {
	return func(b *configBuilder) error {
		if n <= 0 {
			return &ConfigurationError{Msg: "max message size must be positive"}
		}
		b.cfg.maxMessageSize = n
		return nil
	}
}

// NewConfig builds a Config from defaults and opts.
func NewConfig(opts ...Option) (*Config, error) {
	b := &configBuilder{
		cfg: Config{
			expiry:         DefaultExpiry,
			groupExpiry:    DefaultGroupExpiry,
			capacity:       DefaultCapacity,
			maxMessageSize: DefaultMaxMessageSize,
		},
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(b); err != nil {
			return nil, err
		}
	}

	rules, err := CompileCapacities(b.entries)
	if err != nil {
		return nil, err
	}
	b.cfg.rules = rules

	cfg := b.cfg
	return &cfg, nil
}

// DefaultConfig returns a Config with every default applied.
func DefaultConfig() *Config {
	cfg, _ := NewConfig()
	return cfg
}

// Expiry returns the message expiry.
func (c *Config) Expiry() time.Duration { return c.expiry }

// GroupExpiry returns the group membership expiry.
func (c *Config) GroupExpiry() time.Duration { return c.groupExpiry }

// DefaultCapacity returns the fallback capacity.
func (c *Config) DefaultCapacity() int { return c.capacity }

// MaxMessageSize returns the encoded payload ceiling in bytes.
func (c *Config) MaxMessageSize() int { return c.maxMessageSize }

// Rules returns a copy of the compiled capacity rules.
func (c *Config) Rules() []CapacityRule {
	return append([]CapacityRule(nil), c.rules...)
}

// Capacity returns the capacity that applies to channel.
func (c *Config) Capacity(channel string) int {
	return ResolveCapacity(channel, c.rules, c.capacity)
}
