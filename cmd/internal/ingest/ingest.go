// Package ingest is the single publication path for new chat messages. The
// gateway's send_message intent and the conversation service's initial
// message both go through Queue so downstream handling is identical.
package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"marketchat/cmd/identity/ids"
	"marketchat/cmd/internal/chat"
	"marketchat/cmd/internal/eventlog"
)

const (
	MaxContentRunes = 4000
	MaxAttachments  = 10
)

// StatusQueued is the only status Enqueue reports.
const StatusQueued = "queued"

// Draft is a message as submitted. Sender always comes from the
// authenticated identity, never from a client payload.
type Draft struct {
	ConversationID string              `json:"conversationId" validate:"required,max=128"`
	Sender         chat.ParticipantRef `json:"-" validate:"-"`
	Content        string              `json:"content" validate:"max=4000"`
	Attachments    []chat.Attachment   `json:"attachments" validate:"max=10,dive"`
}

// Queued acknowledges a published draft.
type Queued struct {
	ConversationID string
	EventID        string
	Status         string
	CreatedAt      time.Time
}

// Enqueuer is what callers depend on.
type Enqueuer interface {
	Enqueue(ctx context.Context, d Draft) (Queued, error)
}

// Queue publishes message-create events.
type Queue struct {
	pub   eventlog.Publisher
	topic string
	log   *slog.Logger
	now   func() time.Time
}

// Option customizes a Queue.
type Option func(*Queue)

// WithTopic overrides the message-create topic.
func WithTopic(topic string) Option {
	return func(q *Queue) {
		if strings.TrimSpace(topic) != "" {
			q.topic = topic
		}
	}
}

// WithClock overrides the clock.
func WithClock(now func() time.Time) Option {
	return func(q *Queue) {
		if now != nil {
			q.now = now
		}
	}
}

// NewQueue constructs a Queue.
func NewQueue(pub eventlog.Publisher, log *slog.Logger, opts ...Option) *Queue {
	if log == nil {
		log = slog.Default()
	}
	q := &Queue{pub: pub, topic: eventlog.TopicMessageCreate, log: log, now: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(q)
		}
	}
	return q
}

// Validate checks a draft without publishing it.
func Validate(d Draft) error {
	if err := d.Sender.Validate(); err != nil {
		return chat.Unauthenticated("sender identity missing")
	}
	d.ConversationID = strings.TrimSpace(d.ConversationID)
	if err := chat.ValidateStruct(d); err != nil {
		return err
	}
	if strings.TrimSpace(d.Content) == "" && len(d.Attachments) == 0 {
		return chat.Validation("content or at least one attachment is required")
	}
	return nil
}

// Enqueue validates d, stamps an event id and timestamp, and publishes it
// keyed by conversation id so one conversation stays on one partition.
func (q *Queue) Enqueue(ctx context.Context, d Draft) (Queued, error) {
	d.ConversationID = strings.TrimSpace(d.ConversationID)
	if err := Validate(d); err != nil {
		return Queued{}, err
	}

	now := q.now().UTC()
	eventID, err := ids.New(now)
	if err != nil {
		return Queued{}, fmt.Errorf("ingest: event id: %w", err)
	}

	attachments := make([]chat.Attachment, len(d.Attachments))
	copy(attachments, d.Attachments)

	ev := chat.MessageEvent{
		EventID:        eventID,
		ConversationID: d.ConversationID,
		SenderID:       d.Sender.ID,
		SenderType:     d.Sender.Kind,
		Content:        d.Content,
		Attachments:    attachments,
		CreatedAt:      now,
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return Queued{}, fmt.Errorf("ingest: encode: %w", err)
	}

	if err := q.pub.Publish(ctx, q.topic, d.ConversationID, payload); err != nil {
		q.log.Error("ingest.publish.fail", "conversation_id", d.ConversationID, "event_id", eventID, "err", err)
		return Queued{}, fmt.Errorf("ingest: publish: %w", err)
	}

	q.log.Debug("ingest.publish.ok", "conversation_id", d.ConversationID, "event_id", eventID, "sender", d.Sender.String())
	return Queued{
		ConversationID: d.ConversationID,
		EventID:        eventID,
		Status:         StatusQueued,
		CreatedAt:      now,
	}, nil
}
