package layer

import "time"

// Defaults applied when a Config option is not given.
const (
	DefaultExpiry      = 60 * time.Second
	DefaultGroupExpiry = 86400 * time.Second
	DefaultCapacity    = 100

	// Encoded (JSON) payload ceiling per message.
	DefaultMaxMessageSize = 1 << 20 // 1 MiB
)

const (
	// SQL backends poll at this interval while a receive blocks.
	defaultPollInterval = 50 * time.Millisecond
	minPollInterval     = 5 * time.Millisecond
)
