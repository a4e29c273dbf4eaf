package realtime

import "time"

// Security/performance limits.
const (
	// Max bytes per websocket frame read (hard limit). Update batches can be large.
	maxFrameBytes = 4 << 20 // 4 MiB
)

const (
	// Heartbeat defaults.
	heartbeatInterval = 25 * time.Second
	heartbeatTimeout  = 5 * time.Second

	// Per-connection rate limits (events per window).
	rateLimitEvents = 300
	rateLimitWindow = 10 * time.Second

	// Minimum spacing between rate_limit_exceeded events sent to one connection.
	rateLimitNotifyInterval = 1000 * time.Millisecond
)
