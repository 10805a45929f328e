package presence

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is the single-process fallback used when Redis is not configured.
type MemoryStore struct {
	ttl time.Duration
	now func() time.Time

	mu      sync.Mutex
	entries map[string]memEntry
}

type memEntry struct {
	connID    string
	expiresAt time.Time
}

// NewMemoryStore constructs a MemoryStore. now may be nil to use the wall clock.
func NewMemoryStore(ttl time.Duration, now func() time.Time) *MemoryStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if now == nil {
		now = time.Now
	}
	return &MemoryStore{ttl: ttl, now: now, entries: make(map[string]memEntry)}
}

func (s *MemoryStore) MarkOnline(_ context.Context, userID, connID string) error {
	s.mu.Lock()
	s.entries[userID] = memEntry{connID: connID, expiresAt: s.now().Add(s.ttl)}
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Refresh(_ context.Context, userID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.live(userID)
	if !ok {
		return false, nil
	}
	e.expiresAt = s.now().Add(s.ttl)
	s.entries[userID] = e
	return true, nil
}

func (s *MemoryStore) MarkOffline(_ context.Context, userID, connID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.entries[userID]; ok && e.connID == connID {
		delete(s.entries, userID)
	}
	return nil
}

func (s *MemoryStore) IsOnline(_ context.Context, userID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.live(userID)
	return ok, nil
}

// live returns an unexpired entry, evicting it if it lapsed. Caller holds mu.
func (s *MemoryStore) live(userID string) (memEntry, bool) {
	e, ok := s.entries[userID]
	if !ok {
		return memEntry{}, false
	}
	if !s.now().Before(e.expiresAt) {
		delete(s.entries, userID)
		return memEntry{}, false
	}
	return e, true
}
