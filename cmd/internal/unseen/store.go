// Package unseen keeps per (participant, conversation) counters of messages
// received since the participant last marked the conversation as seen.
package unseen

import "context"

// Store is shared by the persistence worker (increments) and the gateway and
// conversation service (reads, clears).
//
// participantID is the participant's identity in "kind:id" form
// (chat.ParticipantRef.String), which the gateway knows without a store lookup.
type Store interface {
	Increment(ctx context.Context, participantID, conversationID string) (int64, error)
	// Get returns 0 for a counter that was never incremented or was cleared.
	Get(ctx context.Context, participantID, conversationID string) (int64, error)
	Clear(ctx context.Context, participantID, conversationID string) error
}

func key(participantID, conversationID string) string {
	return "unseen:" + participantID + ":" + conversationID
}
