// Package worker turns queued message-create events into durable messages and
// drives the downstream effects: cache, broadcast, unseen counters and
// notification events.
//
// Only the durable write is retried. Every later step is best-effort so a
// redelivery can never duplicate a persisted message.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"marketchat/cmd/internal/chat"
	"marketchat/cmd/internal/conversation"
	"marketchat/cmd/internal/eventlog"
	"marketchat/cmd/internal/msgcache"
	"marketchat/cmd/internal/telemetry"
	"marketchat/cmd/internal/unseen"
)

// Steps reported in outcomes, logs and metrics.
const (
	StepDecode    = "decode"
	StepPersist   = "persist"
	StepCache     = "cache"
	StepBroadcast = "broadcast"
	StepUnseen    = "unseen"
	StepNotify    = "notify"
)

const notificationTitle = "New message"

var tracer = telemetry.Tracer("worker")

// Broadcaster delivers a persisted message to the connections in its room.
type Broadcaster interface {
	Broadcast(ctx context.Context, msg chat.Message) error
}

// Deps are the collaborators of Worker. Metrics may be nil.
type Deps struct {
	Store             conversation.Store
	Cache             msgcache.Cache
	Unseen            unseen.Store
	Notifications     eventlog.Publisher
	NotificationTopic string
	Broadcaster       Broadcaster
	Metrics           *telemetry.Metrics
	Log               *slog.Logger
}

// Worker is the message persistence consumer.
type Worker struct {
	store       conversation.Store
	cache       msgcache.Cache
	unseen      unseen.Store
	notify      eventlog.Publisher
	notifyTopic string
	broadcaster Broadcaster
	metrics     *telemetry.Metrics
	log         *slog.Logger
}

// New validates d and constructs a Worker.
func New(d Deps) (*Worker, error) {
	switch {
	case d.Store == nil:
		return nil, errors.New("worker: nil store")
	case d.Cache == nil:
		return nil, errors.New("worker: nil cache")
	case d.Unseen == nil:
		return nil, errors.New("worker: nil unseen store")
	case d.Notifications == nil:
		return nil, errors.New("worker: nil notification publisher")
	case d.Broadcaster == nil:
		return nil, errors.New("worker: nil broadcaster")
	}
	if d.Log == nil {
		d.Log = slog.Default()
	}
	if strings.TrimSpace(d.NotificationTopic) == "" {
		d.NotificationTopic = eventlog.TopicNotification
	}
	return &Worker{
		store:       d.Store,
		cache:       d.Cache,
		unseen:      d.Unseen,
		notify:      d.Notifications,
		notifyTopic: d.NotificationTopic,
		broadcaster: d.Broadcaster,
		metrics:     d.Metrics,
		log:         d.Log,
	}, nil
}

// Run consumes topic as group until ctx is done.
func (w *Worker) Run(ctx context.Context, sub eventlog.Subscriber, topic, group string) error {
	w.log.Info("worker.start", "topic", topic, "group", group)
	err := sub.Subscribe(ctx, topic, group, w.Handle)
	w.log.Info("worker.stop", "topic", topic, "group", group)
	return err
}

// StepError is a best-effort step that failed.
type StepError struct {
	Step   string
	Target string
	Err    error
}

func (e StepError) Error() string {
	if e.Target != "" {
		return fmt.Sprintf("%s (%s): %v", e.Step, e.Target, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Step, e.Err)
}

// Outcome is the result of processing one event.
type Outcome struct {
	Message    chat.Message
	Duplicated bool
	// Failed lists best-effort steps that did not complete.
	Failed []StepError
}

// Handle is the eventlog.Handler for the message-create topic.
func (w *Worker) Handle(ctx context.Context, rec eventlog.Record) error {
	_, err := w.Process(ctx, rec.Payload)
	return err
}

// Process runs the full pipeline for one payload. A returned error wrapping
// eventlog.ErrPoison must be dropped; any other error must be retried.
func (w *Worker) Process(ctx context.Context, payload []byte) (out Outcome, err error) {
	ctx, span := tracer.Start(ctx, "Worker.Process")
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	ev, err := decode(payload)
	if err != nil {
		w.metrics.WorkerEvent(telemetry.OutcomePoison)
		w.log.Warn("worker.decode.poison", "err", err, "bytes", len(payload))
		return Outcome{}, fmt.Errorf("%w: %s: %v", eventlog.ErrPoison, StepDecode, err)
	}
	span.SetAttributes(
		attribute.String("conversation_id", ev.ConversationID),
		attribute.String("event_id", ev.EventID),
	)

	res, err := w.persist(ctx, ev)
	if err != nil {
		return Outcome{}, err
	}
	out = Outcome{Message: res.Message, Duplicated: res.Duplicated}

	if res.Duplicated {
		// Already persisted on an earlier delivery. Unseen and notification
		// effects already ran or were given up on; the cache is only
		// rewritten if the earlier write was lost.
		w.metrics.WorkerEvent(telemetry.OutcomeDuplicate)
		w.log.Info("worker.persist.duplicate", "conversation_id", ev.ConversationID, "event_id", ev.EventID, "message_id", res.Message.ID)
		w.bestEffort(ctx, &out, StepCache, "", func() error { return w.repairCache(ctx, res.Message) })
		w.bestEffort(ctx, &out, StepBroadcast, "", func() error { return w.broadcaster.Broadcast(ctx, res.Message) })
		return out, nil
	}

	w.metrics.WorkerEvent(telemetry.OutcomePersisted)
	w.log.Info("worker.persist.ok", "conversation_id", ev.ConversationID, "event_id", ev.EventID,
		"message_id", res.Message.ID, "seq", res.Message.Seq)

	w.bestEffort(ctx, &out, StepCache, "", func() error { return w.cache.Put(ctx, res.Message) })
	w.bestEffort(ctx, &out, StepBroadcast, "", func() error { return w.broadcaster.Broadcast(ctx, res.Message) })
	w.fanOutUnseen(ctx, &out, res.Message, span)

	return out, nil
}

// repairCache re-puts msg when the cached head is behind it. A head at or
// past msg means a newer message already landed and must not be displaced.
func (w *Worker) repairCache(ctx context.Context, msg chat.Message) error {
	last, ok, err := w.cache.Last(ctx, msg.ConversationID)
	if err != nil {
		return err
	}
	if ok && last.Seq >= msg.Seq {
		return nil
	}
	return w.cache.Put(ctx, msg)
}

func decode(payload []byte) (chat.MessageEvent, error) {
	var ev chat.MessageEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		return chat.MessageEvent{}, err
	}
	switch {
	case strings.TrimSpace(ev.EventID) == "":
		return chat.MessageEvent{}, errors.New("missing eventId")
	case strings.TrimSpace(ev.ConversationID) == "":
		return chat.MessageEvent{}, errors.New("missing conversationId")
	case strings.TrimSpace(ev.SenderID) == "" || !ev.SenderType.Valid():
		return chat.MessageEvent{}, errors.New("missing or invalid sender")
	case strings.TrimSpace(ev.Content) == "" && len(ev.Attachments) == 0:
		return chat.MessageEvent{}, errors.New("empty message")
	}
	return ev, nil
}

// persist is the durability point. Store unavailability is returned as-is so
// the record is redelivered; a conversation or sender that can never be valid
// is poison.
func (w *Worker) persist(ctx context.Context, ev chat.MessageEvent) (conversation.AppendMessageResult, error) {
	res, err := w.store.AppendMessage(ctx, conversation.AppendMessageInput{
		ConversationID: ev.ConversationID,
		EventID:        ev.EventID,
		Sender:         chat.ParticipantRef{Kind: ev.SenderType, ID: ev.SenderID},
		Content:        ev.Content,
		Attachments:    ev.Attachments,
		CreatedAt:      ev.CreatedAt,
	})
	switch {
	case err == nil:
		return res, nil
	case errors.Is(err, conversation.ErrNotFound), errors.Is(err, conversation.ErrNotParticipant):
		w.metrics.WorkerEvent(telemetry.OutcomePoison)
		w.log.Warn("worker.persist.rejected", "conversation_id", ev.ConversationID, "event_id", ev.EventID,
			"sender", ev.SenderType.String()+":"+ev.SenderID, "err", err)
		return res, fmt.Errorf("%w: %s: %v", eventlog.ErrPoison, StepPersist, err)
	default:
		w.metrics.WorkerEvent(telemetry.OutcomeRetry)
		w.log.Error("worker.persist.fail", "conversation_id", ev.ConversationID, "event_id", ev.EventID, "err", err)
		return res, fmt.Errorf("%s: %w", StepPersist, err)
	}
}

// fanOutUnseen increments the counter of, and notifies, every participant
// other than the sender.
func (w *Worker) fanOutUnseen(ctx context.Context, out *Outcome, msg chat.Message, span trace.Span) {
	parts, err := w.store.Participants(ctx, msg.ConversationID)
	if err != nil {
		w.recordFailure(ctx, out, StepError{Step: StepUnseen, Err: fmt.Errorf("participants: %w", err)})
		return
	}

	sender := msg.Sender()
	recipients := 0
	for _, p := range parts {
		if p.Ref == sender {
			continue
		}
		recipients++
		target := p.Ref.String()

		w.bestEffort(ctx, out, StepUnseen, target, func() error {
			_, err := w.unseen.Increment(ctx, target, msg.ConversationID)
			return err
		})
		w.bestEffort(ctx, out, StepNotify, target, func() error {
			return w.publishNotification(ctx, p.Ref, msg)
		})
	}
	span.SetAttributes(attribute.Int("recipients", recipients))
}

func (w *Worker) publishNotification(ctx context.Context, target chat.ParticipantRef, msg chat.Message) error {
	n := chat.Notification{
		TargetType:     target.Kind,
		TargetID:       target.ID,
		TemplateID:     chat.NotificationTemplate,
		Title:          notificationTitle,
		Message:        chat.Preview(msg.Content, len(msg.Attachments)),
		ConversationID: msg.ConversationID,
		MessageID:      msg.ID,
		Timestamp:      msg.CreatedAt,
	}
	payload, err := json.Marshal(n)
	if err != nil {
		return err
	}
	return w.notify.Publish(ctx, w.notifyTopic, target.String(), payload)
}

func (w *Worker) bestEffort(ctx context.Context, out *Outcome, step, target string, fn func() error) {
	if err := fn(); err != nil {
		w.recordFailure(ctx, out, StepError{Step: step, Target: target, Err: err})
	}
}

func (w *Worker) recordFailure(ctx context.Context, out *Outcome, se StepError) {
	out.Failed = append(out.Failed, se)
	w.metrics.WorkerStepFailed(se.Step)
	w.log.WarnContext(ctx, "worker."+se.Step+".fail",
		"conversation_id", out.Message.ConversationID, "message_id", out.Message.ID,
		"target", se.Target, "err", se.Err)
}
