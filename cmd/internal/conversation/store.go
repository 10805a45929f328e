// Package conversation owns durable conversations, participants and messages,
// and the request/response service built on them.
package conversation

import (
	"context"
	"errors"
	"time"

	"marketchat/cmd/internal/chat"
)

var (
	// ErrNotFound is returned for an unknown conversation or participant.
	ErrNotFound = errors.New("conversation: not found")
	// ErrNotParticipant is returned when a sender is not a member of the conversation.
	ErrNotParticipant = errors.New("conversation: sender is not a participant")
)

const (
	DefaultMessageLimit = 50
	MaxMessageLimit     = 200
)

// Store persists conversations and messages.
//
// Requirements:
//   - CreateDirect converges on one conversation per (a, b) pair
//   - Idempotency per (conversation_id, event_id)
//   - Monotonic seq per conversation, no gaps for duplicates
//   - created_at never decreases within a conversation
type Store interface {
	// CreateDirect returns the existing direct conversation between a and b or
	// creates one. created reports which happened.
	CreateDirect(ctx context.Context, a, b chat.ParticipantRef, now time.Time) (conv chat.Conversation, created bool, err error)
	FindDirect(ctx context.Context, a, b chat.ParticipantRef) (chat.Conversation, error)
	Get(ctx context.Context, conversationID string) (chat.Conversation, error)
	Participants(ctx context.Context, conversationID string) ([]chat.Participant, error)
	FindParticipant(ctx context.Context, conversationID string, ref chat.ParticipantRef) (chat.Participant, error)
	ListForParticipant(ctx context.Context, ref chat.ParticipantRef) ([]chat.Conversation, error)

	AppendMessage(ctx context.Context, in AppendMessageInput) (AppendMessageResult, error)
	ListMessages(ctx context.Context, in ListMessagesInput) (MessagePage, error)
	LastMessage(ctx context.Context, conversationID string) (chat.Message, bool, error)

	MarkSeen(ctx context.Context, conversationID string, ref chat.ParticipantRef, at time.Time) (chat.Participant, error)

	Ping(ctx context.Context) error
	Close() error
}

// AppendMessageInput describes a message append request.
type AppendMessageInput struct {
	ConversationID string
	EventID        string
	Sender         chat.ParticipantRef
	Content        string
	Attachments    []chat.Attachment
	CreatedAt      time.Time
}

// AppendMessageResult is the append operation result.
type AppendMessageResult struct {
	Message    chat.Message
	Duplicated bool
}

// ListMessagesInput pages through a conversation. With neither cursor set the
// newest Limit messages are returned.
type ListMessagesInput struct {
	ConversationID string
	BeforeSeq      *int64
	AfterSeq       *int64
	Limit          int
}

// MessagePage is always ordered by seq ascending. HasMore refers to older
// messages, or newer ones when AfterSeq was used.
type MessagePage struct {
	Messages []chat.Message
	HasMore  bool
}

func clampMessageLimit(n int) int {
	if n <= 0 {
		return DefaultMessageLimit
	}
	return min(n, MaxMessageLimit)
}

func validateAppend(in AppendMessageInput) error {
	if in.ConversationID == "" || in.EventID == "" {
		return errors.New("conversation: invalid append input")
	}
	if err := in.Sender.Validate(); err != nil {
		return err
	}
	return nil
}

// clampCreatedAt keeps created_at non-decreasing.
func clampCreatedAt(at, last time.Time) time.Time {
	at = at.UTC()
	if at.IsZero() {
		at = time.Now().UTC()
	}
	if !last.IsZero() && at.Before(last) {
		return last
	}
	return at
}

// pairKey is an order-independent key for a direct conversation.
func pairKey(a, b chat.ParticipantRef) string {
	x, y := a.String(), b.String()
	if y < x {
		x, y = y, x
	}
	return x + "|" + y
}
