package realtime

import "time"

// RateLimiter is a sliding-window limiter for one connection. It is used only
// by that connection's read loop and is not safe for concurrent use.
type RateLimiter struct {
	window time.Duration
	// ring holds the times of the last len(ring) allowed events; next is the
	// slot of the oldest one once the ring is full.
	ring []time.Time
	next int
	n    int
}

// NewRateLimiter falls back to the package defaults for non-positive inputs.
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	if limit <= 0 {
		limit = rateLimitEvents
	}
	if window <= 0 {
		window = rateLimitWindow
	}
	return &RateLimiter{window: window, ring: make([]time.Time, limit)}
}

// Allow reports whether an event at now fits in the window and records it if so.
func (r *RateLimiter) Allow(now time.Time) bool {
	if r.n == len(r.ring) {
		if now.Sub(r.ring[r.next]) < r.window {
			return false
		}
	} else {
		r.n++
	}
	r.ring[r.next] = now
	r.next = (r.next + 1) % len(r.ring)
	return true
}
