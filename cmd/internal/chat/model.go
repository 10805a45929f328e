// Package chat holds the marketplace chat domain model shared by the gateway,
// the persistence worker and the conversation service.
package chat

import (
	"errors"
	"strings"
	"time"
)

// Kind tags which side of the marketplace a participant belongs to.
type Kind string

const (
	KindUser   Kind = "user"
	KindSeller Kind = "seller"
)

// ParseKind parses a wire value into a Kind.
func ParseKind(s string) (Kind, error) {
	switch Kind(strings.ToLower(strings.TrimSpace(s))) {
	case KindUser:
		return KindUser, nil
	case KindSeller:
		return KindSeller, nil
	default:
		return "", errors.New("unknown participant type")
	}
}

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool { return k == KindUser || k == KindSeller }

// Counterpart returns the only kind k may converse with.
func (k Kind) Counterpart() Kind {
	if k == KindUser {
		return KindSeller
	}
	return KindUser
}

func (k Kind) String() string { return string(k) }

// ParticipantRef identifies a marketplace party: exactly one of User(id) or Seller(id).
type ParticipantRef struct {
	Kind Kind
	ID   string
}

// User returns a reference to a buyer account.
func User(id string) ParticipantRef { return ParticipantRef{Kind: KindUser, ID: id} }

// Seller returns a reference to a seller account.
func Seller(id string) ParticipantRef { return ParticipantRef{Kind: KindSeller, ID: id} }

// Validate checks the tag and the id.
func (r ParticipantRef) Validate() error {
	if !r.Kind.Valid() {
		return Validation("participant type must be user or seller")
	}
	if strings.TrimSpace(r.ID) == "" {
		return Validation("participant id is required")
	}
	return nil
}

// CanConverseWith enforces the user<->seller pairing rule.
func (r ParticipantRef) CanConverseWith(other ParticipantRef) bool {
	return r.Kind.Valid() && other.Kind == r.Kind.Counterpart()
}

func (r ParticipantRef) String() string { return string(r.Kind) + ":" + r.ID }

// Conversation is a durable chat thread. In scope it is always a direct
// (two-party) conversation.
type Conversation struct {
	ID             string
	IsGroup        bool
	ParticipantIDs []string
	CreatedAt      time.Time
}

// Participant is a conversation member record.
type Participant struct {
	ID             string
	ConversationID string
	Ref            ParticipantRef
	LastSeenAt     *time.Time
	UnreadCount    int64
}

// Attachment references uploaded media.
type Attachment struct {
	URL  string `json:"url" validate:"required,url"`
	Type string `json:"type,omitempty" validate:"omitempty,max=64"`
}

// Message is an append-only persisted chat message.
type Message struct {
	ID             string       `json:"id"`
	ConversationID string       `json:"conversationId"`
	Seq            int64        `json:"seq"`
	EventID        string       `json:"eventId"`
	SenderID       string       `json:"senderId"`
	SenderType     Kind         `json:"senderType"`
	Content        string       `json:"content"`
	Attachments    []Attachment `json:"attachments"`
	CreatedAt      time.Time    `json:"createdAt"`
}

// Sender returns the message author as a ParticipantRef.
func (m Message) Sender() ParticipantRef {
	return ParticipantRef{Kind: m.SenderType, ID: m.SenderID}
}
