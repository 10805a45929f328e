package chat

import (
	"strings"
	"time"
	"unicode/utf8"
)

const (
	previewRunes = 80

	// AttachmentPreview replaces an empty body in notifications.
	AttachmentPreview = "Sent an attachment"

	// NotificationTemplate is the template id consumed by the notification dispatcher.
	NotificationTemplate = "chat.new_message"
)

// MessageEvent is the message-create record carried on the event log.
// EventID is minted once at ingestion and doubles as the de-duplication key.
type MessageEvent struct {
	EventID        string       `json:"eventId"`
	ConversationID string       `json:"conversationId"`
	SenderID       string       `json:"senderId"`
	SenderType     Kind         `json:"senderType"`
	Content        string       `json:"content"`
	Attachments    []Attachment `json:"attachments,omitempty"`
	CreatedAt      time.Time    `json:"createdAt"`
}

// Notification is published for every non-sender participant of a new message.
type Notification struct {
	TargetType     Kind      `json:"targetType"`
	TargetID       string    `json:"targetId"`
	TemplateID     string    `json:"templateId"`
	Title          string    `json:"title"`
	Message        string    `json:"message"`
	ConversationID string    `json:"conversationId"`
	MessageID      string    `json:"messageId"`
	Timestamp      time.Time `json:"timestamp"`
}

// Preview derives notification text from a message body.
func Preview(content string, attachments int) string {
	content = strings.TrimSpace(content)
	if content == "" {
		if attachments > 0 {
			return AttachmentPreview
		}
		return ""
	}
	if utf8.RuneCountInString(content) <= previewRunes {
		return content
	}
	r := []rune(content)
	return string(r[:previewRunes])
}
