package msgcache

import (
	"context"
	"sync"

	"marketchat/cmd/internal/chat"
)

// MemoryCache is the single-process fallback used when Redis is not configured.
type MemoryCache struct {
	mu      sync.RWMutex
	entries map[string][]chat.Message // newest first
}

// NewMemoryCache constructs an empty MemoryCache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{entries: make(map[string][]chat.Message)}
}

func (c *MemoryCache) Put(_ context.Context, msg chat.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	cur := c.entries[msg.ConversationID]
	next := make([]chat.Message, 0, min(len(cur)+1, HistoryLimit))
	next = append(next, msg)
	for _, m := range cur {
		if len(next) == HistoryLimit {
			break
		}
		next = append(next, m)
	}
	c.entries[msg.ConversationID] = next
	return nil
}

func (c *MemoryCache) Last(_ context.Context, conversationID string) (chat.Message, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	cur := c.entries[conversationID]
	if len(cur) == 0 {
		return chat.Message{}, false, nil
	}
	return cur[0], true, nil
}

func (c *MemoryCache) Recent(_ context.Context, conversationID string, limit int) ([]chat.Message, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	cur := c.entries[conversationID]
	n := min(clampLimit(limit), len(cur))
	return append([]chat.Message(nil), cur[:n]...), nil
}
