// Package v1 defines the marketchat realtime protocol v1 contract.
//
// It is shared between the gateway, the smoke tool and client SDKs so the
// wire format stays authoritative in one place.
package v1

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Version is the protocol version identifier embedded into every envelope.
const Version = "v1"

// Subprotocol is negotiated during the WebSocket handshake.
const Subprotocol = "marketchat.v1"

// Client -> server intents.
const (
	TypeJoinConversation  = "join_conversation"
	TypeLeaveConversation = "leave_conversation"
	TypeHeartbeat         = "heartbeat"
	TypeSendMessage       = "send_message"
	TypeMarkAsSeen        = "mark_as_seen"
	TypeTyping            = "typing"
	TypeCheckOnline       = "check_online"
)

// Server -> client events.
const (
	// TypeConnected acknowledges a successful authenticated connect.
	TypeConnected = "connected"
	// TypeError is sent only to the connection that caused it.
	TypeError = "error"

	TypeConversationJoined = "conversation_joined"
	TypeConversationLeft   = "conversation_left"
	TypeHeartbeatAck       = "heartbeat_ack"

	// TypeMessageSent acknowledges a send to the sender only (status "queued").
	TypeMessageSent = "message_sent"
	// TypeChatMessage carries a fully persisted message to every room member.
	TypeChatMessage = "chat_message"

	TypeMessagesSeen = "messages_seen"
	TypeUserTyping   = "user_typing"
	TypeOnlineStatus = "online_status"
)

// Error codes carried in ErrorPayload.Code.
const (
	CodeUnauthenticated = "unauthenticated"
	CodeValidation      = "validation"
	CodeNotFound        = "not_found"
	CodeForbidden       = "forbidden"
	CodeInternal        = "internal"
	CodeBadJSON         = "bad_json"
	CodeBadEnvelope     = "bad_envelope"
	CodeUnsupported     = "unsupported"
	CodeRateLimited     = "rate_limited"
)

// StatusQueued is the only status a send acknowledgment carries.
const StatusQueued = "queued"

// Envelope is the canonical wire wrapper.
type Envelope struct {
	V       string          `json:"v"`
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	ReplyTo string          `json:"replyTo,omitempty"`
	TS      time.Time       `json:"ts,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Validate performs structural validation for a client-sent Envelope.
func (e Envelope) Validate() error {
	if strings.TrimSpace(e.V) == "" {
		return errors.New("missing field: v")
	}
	if e.V != Version {
		return fmt.Errorf("unsupported protocol version: %q", e.V)
	}
	if strings.TrimSpace(e.Type) == "" {
		return errors.New("missing field: type")
	}
	if !IsClientIntent(e.Type) {
		return fmt.Errorf("unknown type: %q", e.Type)
	}
	return nil
}

// IsClientIntent reports whether typ may be sent by a client.
func IsClientIntent(typ string) bool {
	switch typ {
	case TypeJoinConversation,
		TypeLeaveConversation,
		TypeHeartbeat,
		TypeSendMessage,
		TypeMarkAsSeen,
		TypeTyping,
		TypeCheckOnline:
		return true
	default:
		return false
	}
}

// ---- Payloads ----

// ConnectedPayload acknowledges authentication.
type ConnectedPayload struct {
	ConnectionID    string `json:"connectionId"`
	UserID          string `json:"userId"`
	ParticipantType string `json:"participantType"`
}

// ConversationPayload names a conversation (join/leave/mark-seen and their echoes).
type ConversationPayload struct {
	ConversationID string `json:"conversationId"`
}

// Attachment is a message attachment reference.
type Attachment struct {
	URL  string `json:"url"`
	Type string `json:"type,omitempty"`
}

// SendMessagePayload requests a new message. Sender identity is never read from it.
type SendMessagePayload struct {
	ConversationID string       `json:"conversationId"`
	Content        string       `json:"content"`
	Attachments    []Attachment `json:"attachments,omitempty"`
}

// MessageSentPayload acknowledges a queued message to the sender.
type MessageSentPayload struct {
	ConversationID string    `json:"conversationId"`
	EventID        string    `json:"eventId"`
	Status         string    `json:"status"`
	CreatedAt      time.Time `json:"createdAt"`
}

// ChatMessagePayload is the authoritative persisted message.
type ChatMessagePayload struct {
	ID             string       `json:"id"`
	ConversationID string       `json:"conversationId"`
	Seq            int64        `json:"seq"`
	SenderID       string       `json:"senderId"`
	SenderType     string       `json:"senderType"`
	Content        string       `json:"content"`
	Attachments    []Attachment `json:"attachments"`
	CreatedAt      time.Time    `json:"createdAt"`
}

// MessagesSeenPayload is broadcast to every room member after mark_as_seen.
type MessagesSeenPayload struct {
	ConversationID  string    `json:"conversationId"`
	UserID          string    `json:"userId"`
	ParticipantType string    `json:"participantType"`
	SeenAt          time.Time `json:"seenAt"`
}

// TypingPayload is sent by a client.
type TypingPayload struct {
	ConversationID string `json:"conversationId"`
	IsTyping       bool   `json:"isTyping"`
}

// UserTypingPayload is broadcast to room members other than the typist.
type UserTypingPayload struct {
	ConversationID  string `json:"conversationId"`
	UserID          string `json:"userId"`
	ParticipantType string `json:"participantType"`
	IsTyping        bool   `json:"isTyping"`
}

// CheckOnlinePayload asks whether a user has a live connection.
type CheckOnlinePayload struct {
	UserID string `json:"userId"`
}

// OnlineStatusPayload answers check_online.
type OnlineStatusPayload struct {
	UserID string `json:"userId"`
	Online bool   `json:"online"`
}

// ErrorPayload is a generic error response payload.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
