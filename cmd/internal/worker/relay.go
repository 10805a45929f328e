package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"marketchat/cmd/internal/chat"
	"marketchat/cmd/internal/eventlog"
)

// Relay is the Broadcaster used when the worker runs apart from the gateway:
// persisted messages are published to a fan-out topic that every gateway
// instance consumes with its own group.
type Relay struct {
	pub   eventlog.Publisher
	topic string
}

// NewRelay publishes to topic (default chat.message.persisted).
func NewRelay(pub eventlog.Publisher, topic string) *Relay {
	if topic == "" {
		topic = eventlog.TopicMessagePersisted
	}
	return &Relay{pub: pub, topic: topic}
}

func (r *Relay) Broadcast(ctx context.Context, msg chat.Message) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return r.pub.Publish(ctx, r.topic, msg.ConversationID, payload)
}

// Deliver consumes a fan-out topic and hands each message to the local
// broadcaster. Delivery is best-effort; an undecodable record is dropped.
func Deliver(ctx context.Context, sub eventlog.Subscriber, topic, group string, local Broadcaster, log *slog.Logger) error {
	if log == nil {
		log = slog.Default()
	}
	log.Info("relay.deliver.start", "topic", topic, "group", group)
	return sub.Subscribe(ctx, topic, group, func(ctx context.Context, rec eventlog.Record) error {
		var msg chat.Message
		if err := json.Unmarshal(rec.Payload, &msg); err != nil {
			return fmt.Errorf("%w: %v", eventlog.ErrPoison, err)
		}
		if err := local.Broadcast(ctx, msg); err != nil {
			log.Warn("relay.deliver.fail", "conversation_id", msg.ConversationID, "message_id", msg.ID, "err", err)
		}
		return nil
	})
}
