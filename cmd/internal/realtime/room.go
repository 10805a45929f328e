package realtime

import (
	"sync"

	v1 "marketchat/contracts/chat/v1"
)

// Room is the set of connections subscribed to one conversation id.
//
// Join and Leave are safe under concurrent Broadcast, and Broadcast never
// blocks: a member whose queue is full misses the frame.
type Room struct {
	ID string

	mu      sync.RWMutex
	members map[string]*Client
}

func newRoom(id string) *Room {
	return &Room{ID: id, members: make(map[string]*Client)}
}

func (r *Room) join(c *Client) {
	r.mu.Lock()
	r.members[c.ConnID] = c
	r.mu.Unlock()
}

// leave removes connID and reports how many members remain.
func (r *Room) leave(connID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.members, connID)
	return len(r.members)
}

func (r *Room) has(connID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.members[connID]
	return ok
}

func (r *Room) size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.members)
}

// broadcast fans env out to every member except exceptConnID and returns the
// number of members whose queue rejected it.
func (r *Room) broadcast(env v1.Envelope, exceptConnID string) (dropped int) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for id, m := range r.members {
		if m == nil || id == exceptConnID {
			continue
		}
		if !m.offer(env) {
			dropped++
		}
	}
	return dropped
}
