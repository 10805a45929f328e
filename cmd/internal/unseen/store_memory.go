package unseen

import (
	"context"
	"sync"
)

// MemoryStore is the single-process fallback used when Redis is not configured.
type MemoryStore struct {
	mu     sync.Mutex
	counts map[string]int64
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{counts: make(map[string]int64)}
}

func (s *MemoryStore) Increment(_ context.Context, participantID, conversationID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := key(participantID, conversationID)
	s.counts[k]++
	return s.counts[k], nil
}

func (s *MemoryStore) Get(_ context.Context, participantID, conversationID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counts[key(participantID, conversationID)], nil
}

func (s *MemoryStore) Clear(_ context.Context, participantID, conversationID string) error {
	s.mu.Lock()
	delete(s.counts, key(participantID, conversationID))
	s.mu.Unlock()
	return nil
}
