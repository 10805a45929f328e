// Package msgcache caches the last message and a bounded, newest-first
// history per conversation so common reads skip the durable store.
package msgcache

import (
	"context"

	"marketchat/cmd/internal/chat"
)

// HistoryLimit bounds the recent-history list per conversation.
const HistoryLimit = 50

// Cache is written by the persistence worker on every new message.
type Cache interface {
	// Put sets the last message and prepends it to the recent history,
	// trimming the history to HistoryLimit.
	Put(ctx context.Context, msg chat.Message) error
	// Last returns the most recent message; ok is false on a cache miss.
	Last(ctx context.Context, conversationID string) (msg chat.Message, ok bool, err error)
	// Recent returns up to limit cached messages, newest first.
	Recent(ctx context.Context, conversationID string, limit int) ([]chat.Message, error)
}

func lastKey(conversationID string) string   { return "chat:last:" + conversationID }
func recentKey(conversationID string) string { return "chat:recent:" + conversationID }

func clampLimit(limit int) int {
	if limit <= 0 || limit > HistoryLimit {
		return HistoryLimit
	}
	return limit
}
