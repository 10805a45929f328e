package realtime

import (
	"log/slog"
	"sync"

	v1 "marketchat/contracts/chat/v1"
)

// Hub is the process-wide room registry. It is the only state shared between
// connections; everything else a connection knows is owned by its handler.
type Hub struct {
	log *slog.Logger

	mu    sync.Mutex
	rooms map[string]*Room
}

// NewHub constructs a Hub.
func NewHub(log *slog.Logger) *Hub {
	if log == nil {
		log = slog.Default()
	}
	return &Hub{log: log, rooms: make(map[string]*Room)}
}

// Join subscribes c to the room for conversationID, creating it on demand.
func (h *Hub) Join(conversationID string, c *Client) {
	if c == nil || c.ConnID == "" || conversationID == "" {
		return
	}
	h.mu.Lock()
	r, ok := h.rooms[conversationID]
	if !ok {
		r = newRoom(conversationID)
		h.rooms[conversationID] = r
	}
	// Joined under h.mu so a concurrent Leave cannot drop the room between
	// lookup and join.
	r.join(c)
	h.mu.Unlock()

	h.log.Debug("room.join", "conversation_id", conversationID, "conn_id", c.ConnID)
}

// Leave unsubscribes connID and removes the room once it is empty.
func (h *Hub) Leave(conversationID, connID string) {
	h.mu.Lock()
	r, ok := h.rooms[conversationID]
	if ok && r.leave(connID) == 0 {
		delete(h.rooms, conversationID)
	}
	h.mu.Unlock()

	if ok {
		h.log.Debug("room.leave", "conversation_id", conversationID, "conn_id", connID)
	}
}

// IsMember reports whether connID is subscribed to conversationID.
func (h *Hub) IsMember(conversationID, connID string) bool {
	r := h.room(conversationID)
	return r != nil && r.has(connID)
}

// RoomSize returns the number of subscribed connections.
func (h *Hub) RoomSize(conversationID string) int {
	r := h.room(conversationID)
	if r == nil {
		return 0
	}
	return r.size()
}

// Rooms returns the number of live rooms.
func (h *Hub) Rooms() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.rooms)
}

// Broadcast delivers env to the room, skipping exceptConnID when set. It
// returns the number of dropped frames.
func (h *Hub) Broadcast(conversationID string, env v1.Envelope, exceptConnID string) int {
	r := h.room(conversationID)
	if r == nil {
		return 0
	}
	return r.broadcast(env, exceptConnID)
}

func (h *Hub) room(conversationID string) *Room {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.rooms[conversationID]
}
