package gateway

import "time"

// Defaults applied by Options.withDefaults.
const (
	// Max bytes per websocket frame read. Room for a full-size layer message plus
	// the envelope around it.
	defaultMaxFrameBytes = 2 << 20 // 2 MiB

	defaultSendQueueSize = 256
	minSendQueueSize     = 32

	defaultWriteTimeout = 5 * time.Second
	defaultReadIdle     = 2 * time.Minute
	closeGrace          = 1 * time.Second

	defaultHeartbeatInterval = 25 * time.Second
	defaultHeartbeatTimeout  = 5 * time.Second
	maxPingFailures          = 3

	// Per-connection rate limits (events per window).
	defaultRateEvents = 120
	defaultRateWindow = 10 * time.Second

	// Bound on group cleanup after the connection is gone.
	cleanupTimeout = 5 * time.Second
)

// Pattern used to allocate each connection's reply channel.
const replyChannelPattern = "gateway.client!"

// Delay before the receive pump retries after a backend error.
const pumpRetryDelay = 1 * time.Second
