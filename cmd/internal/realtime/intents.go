package realtime

import (
	"context"
	"encoding/json"
	"strings"

	"go.opentelemetry.io/otel/codes"

	"marketchat/cmd/internal/chat"
	"marketchat/cmd/internal/ingest"
	"marketchat/cmd/internal/telemetry"
	v1 "marketchat/contracts/chat/v1"
)

// session is the per-connection state. It is owned by the connection's read
// loop and never shared, except for the Client it registers in rooms.
type session struct {
	g      *WSGateway
	client *Client
	rooms  map[string]struct{}
}

func (s *session) dispatch(ctx context.Context, env v1.Envelope) {
	ctx, span := tracer.Start(ctx, "ws."+env.Type)
	span.SetAttributes(spanAttrs(s.client, env)...)
	defer span.End()

	var err error
	if s.client.Identity.Ref().Validate() != nil {
		err = chat.Unauthenticated("authenticate before sending intents")
	} else {
		err = s.route(ctx, env)
	}

	if err != nil {
		kind := chat.KindOf(err)
		outcome := telemetry.OutcomeRejected
		if kind == chat.KindInternal {
			outcome = telemetry.OutcomeError
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			s.g.log.Error("ws.intent.fail", "conn_id", s.client.ConnID, "type", env.Type, "err", err)
		}
		s.g.metrics.Intent(env.Type, outcome)
		s.sendError(env.ID, errorCode(kind), chat.PublicMessage(err))
		return
	}
	s.g.metrics.Intent(env.Type, telemetry.OutcomeOK)
}

func (s *session) route(ctx context.Context, env v1.Envelope) error {
	switch env.Type {
	case v1.TypeJoinConversation:
		return s.onJoin(env)
	case v1.TypeLeaveConversation:
		return s.onLeave(env)
	case v1.TypeHeartbeat:
		return s.onHeartbeat(ctx, env)
	case v1.TypeSendMessage:
		return s.onSendMessage(ctx, env)
	case v1.TypeMarkAsSeen:
		return s.onMarkAsSeen(ctx, env)
	case v1.TypeTyping:
		return s.onTyping(env)
	case v1.TypeCheckOnline:
		return s.onCheckOnline(ctx, env)
	default:
		return chat.Validation("unsupported type: " + env.Type)
	}
}

// onJoin subscribes the connection to a room. Room membership is not checked
// against stored participants; persisted data is only served by the
// conversation service, which does check.
func (s *session) onJoin(env v1.Envelope) error {
	convID, err := conversationID(env)
	if err != nil {
		return err
	}
	s.g.hub.Join(convID, s.client)
	s.rooms[convID] = struct{}{}
	s.reply(v1.TypeConversationJoined, env.ID, v1.ConversationPayload{ConversationID: convID})
	return nil
}

func (s *session) onLeave(env v1.Envelope) error {
	convID, err := conversationID(env)
	if err != nil {
		return err
	}
	s.g.hub.Leave(convID, s.client.ConnID)
	delete(s.rooms, convID)
	s.reply(v1.TypeConversationLeft, env.ID, v1.ConversationPayload{ConversationID: convID})
	return nil
}

// onHeartbeat extends the presence TTL. An entry that already expired is not
// recreated.
func (s *session) onHeartbeat(ctx context.Context, env v1.Envelope) error {
	id := s.client.Identity
	alive, err := s.g.presence.Refresh(ctx, id.UserID)
	switch {
	case err != nil:
		s.g.log.Warn("ws.presence.refresh.fail", "conn_id", s.client.ConnID, "user_id", id.UserID, "err", err)
	case !alive:
		s.g.log.Debug("ws.presence.expired", "conn_id", s.client.ConnID, "user_id", id.UserID)
	}
	s.reply(v1.TypeHeartbeatAck, env.ID, struct{}{})
	return nil
}

// onSendMessage publishes a message-create event. The sender always comes
// from the connection identity; any sender fields in the payload are ignored.
func (s *session) onSendMessage(ctx context.Context, env v1.Envelope) error {
	var p v1.SendMessagePayload
	if err := decodePayload(env, &p); err != nil {
		return err
	}

	attachments := make([]chat.Attachment, 0, len(p.Attachments))
	for _, a := range p.Attachments {
		attachments = append(attachments, chat.Attachment{URL: a.URL, Type: a.Type})
	}

	q, err := s.g.ingest.Enqueue(ctx, ingest.Draft{
		ConversationID: p.ConversationID,
		Sender:         s.client.Identity.Ref(),
		Content:        p.Content,
		Attachments:    attachments,
	})
	if err != nil {
		return err
	}

	s.reply(v1.TypeMessageSent, env.ID, v1.MessageSentPayload{
		ConversationID: q.ConversationID,
		EventID:        q.EventID,
		Status:         q.Status,
		CreatedAt:      q.CreatedAt,
	})
	return nil
}

// onMarkAsSeen clears the caller's unseen counter and tells the whole room,
// the caller included.
func (s *session) onMarkAsSeen(ctx context.Context, env v1.Envelope) error {
	convID, err := conversationID(env)
	if err != nil {
		return err
	}
	id := s.client.Identity
	if err := s.g.unseen.Clear(ctx, id.Ref().String(), convID); err != nil {
		return err
	}

	seenAt := s.g.now().UTC()
	payload, err := json.Marshal(v1.MessagesSeenPayload{
		ConversationID:  convID,
		UserID:          id.UserID,
		ParticipantType: id.Kind.String(),
		SeenAt:          seenAt,
	})
	if err != nil {
		return err
	}
	out := newEnvelope(v1.TypeMessagesSeen, "", payload, seenAt)
	s.broadcast(convID, out, "")
	if !s.g.hub.IsMember(convID, s.client.ConnID) {
		s.client.offer(out)
	}
	return nil
}

// onTyping relays the indicator to the rest of the room. There is no
// server-side debounce.
func (s *session) onTyping(env v1.Envelope) error {
	var p v1.TypingPayload
	if err := decodePayload(env, &p); err != nil {
		return err
	}
	convID := strings.TrimSpace(p.ConversationID)
	if convID == "" {
		return chat.Validation("conversationId is required")
	}

	id := s.client.Identity
	payload, err := json.Marshal(v1.UserTypingPayload{
		ConversationID:  convID,
		UserID:          id.UserID,
		ParticipantType: id.Kind.String(),
		IsTyping:        p.IsTyping,
	})
	if err != nil {
		return err
	}
	s.broadcast(convID, newEnvelope(v1.TypeUserTyping, "", payload, s.g.now().UTC()), s.client.ConnID)
	return nil
}

func (s *session) onCheckOnline(ctx context.Context, env v1.Envelope) error {
	var p v1.CheckOnlinePayload
	if err := decodePayload(env, &p); err != nil {
		return err
	}
	userID := strings.TrimSpace(p.UserID)
	if userID == "" {
		return chat.Validation("userId is required")
	}
	online, err := s.g.presence.IsOnline(ctx, userID)
	if err != nil {
		return err
	}
	s.reply(v1.TypeOnlineStatus, env.ID, v1.OnlineStatusPayload{UserID: userID, Online: online})
	return nil
}

// leaveAll drops every room the connection joined.
func (s *session) leaveAll() {
	for convID := range s.rooms {
		s.g.hub.Leave(convID, s.client.ConnID)
	}
	clear(s.rooms)
}

// ---- send helpers ----

func (s *session) reply(typ, replyTo string, v any) {
	payload, err := json.Marshal(v)
	if err != nil {
		s.g.log.Error("ws.encode.fail", "conn_id", s.client.ConnID, "type", typ, "err", err)
		return
	}
	if !s.client.offer(newEnvelope(typ, replyTo, payload, s.g.now().UTC())) {
		s.g.log.Info("ws.reply.dropped", "conn_id", s.client.ConnID, "type", typ)
	}
}

func (s *session) sendError(replyTo, code, msg string) {
	s.reply(v1.TypeError, replyTo, v1.ErrorPayload{Code: code, Message: msg})
}

func (s *session) broadcast(convID string, env v1.Envelope, exceptConnID string) {
	dropped := s.g.hub.Broadcast(convID, env, exceptConnID)
	for range dropped {
		s.g.metrics.BroadcastDropped()
	}
}

func decodePayload(env v1.Envelope, dst any) error {
	if len(env.Payload) == 0 {
		return chat.Validation("payload is required")
	}
	if err := json.Unmarshal(env.Payload, dst); err != nil {
		return chat.Validation("invalid payload")
	}
	return nil
}

func conversationID(env v1.Envelope) (string, error) {
	var p v1.ConversationPayload
	if err := decodePayload(env, &p); err != nil {
		return "", err
	}
	id := strings.TrimSpace(p.ConversationID)
	if id == "" {
		return "", chat.Validation("conversationId is required")
	}
	return id, nil
}

func errorCode(kind chat.ErrorKind) string {
	switch kind {
	case chat.KindValidation:
		return v1.CodeValidation
	case chat.KindUnauthenticated:
		return v1.CodeUnauthenticated
	case chat.KindNotFound:
		return v1.CodeNotFound
	case chat.KindForbidden:
		return v1.CodeForbidden
	default:
		return v1.CodeInternal
	}
}

func chatMessagePayload(m chat.Message) v1.ChatMessagePayload {
	attachments := make([]v1.Attachment, 0, len(m.Attachments))
	for _, a := range m.Attachments {
		attachments = append(attachments, v1.Attachment{URL: a.URL, Type: a.Type})
	}
	return v1.ChatMessagePayload{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		Seq:            m.Seq,
		SenderID:       m.SenderID,
		SenderType:     m.SenderType.String(),
		Content:        m.Content,
		Attachments:    attachments,
		CreatedAt:      m.CreatedAt,
	}
}
