// Package presence tracks which marketplace accounts currently hold a live
// gateway connection. Entries expire on their own unless refreshed.
package presence

import (
	"context"
	"time"
)

// DefaultTTL is the sliding expiry of a presence entry.
const DefaultTTL = 300 * time.Second

// Store is the cross-process record of who is online.
//
// All operations are single-key and last-writer-wins.
type Store interface {
	// MarkOnline records connID as the live connection of userID and resets the TTL.
	MarkOnline(ctx context.Context, userID, connID string) error
	// Refresh extends the TTL of an existing entry. It never recreates an
	// expired entry and reports whether one existed.
	Refresh(ctx context.Context, userID string) (bool, error)
	// MarkOffline removes the entry only while it still belongs to connID,
	// so a late disconnect cannot evict a newer connection.
	MarkOffline(ctx context.Context, userID, connID string) error
	// IsOnline reports whether a live entry exists.
	IsOnline(ctx context.Context, userID string) (bool, error)
}

func key(userID string) string { return "presence:" + userID }
