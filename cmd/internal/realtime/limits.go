package realtime

import "time"

// Connection limits. Config overrides all but maxFrameBytes.
const (
	// A chat frame carries at most 4000 runes plus ten attachment URLs.
	maxFrameBytes = 64 << 10

	defaultSendQueue = 256
	minSendQueue     = 32

	defaultWriteTimeout = 5 * time.Second
	defaultReadIdle     = 2 * time.Minute

	heartbeatInterval = 25 * time.Second
	heartbeatTimeout  = 5 * time.Second

	// Frames per connection per sliding window.
	rateLimitEvents = 120
	rateLimitWindow = 10 * time.Second
)
