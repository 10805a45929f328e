package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"marketchat/cmd/internal/chat"
	"marketchat/cmd/internal/ingest"
	"marketchat/cmd/internal/msgcache"
	"marketchat/cmd/internal/presence"
	"marketchat/cmd/internal/profile"
	"marketchat/cmd/internal/telemetry"
	"marketchat/cmd/internal/unseen"
)

const (
	DefaultPageLimit = 20
	MaxPageLimit     = 100

	enrichConcurrency = 8
)

var tracer = telemetry.Tracer("conversation")

// Deps are the collaborators of Service. All are required.
type Deps struct {
	Store    Store
	Unseen   unseen.Store
	Cache    msgcache.Cache
	Presence presence.Store
	Profiles profile.Directory
	Ingest   ingest.Enqueuer
	Log      *slog.Logger
	Now      func() time.Time
}

// Service is the request/response API over conversations.
type Service struct {
	store    Store
	unseen   unseen.Store
	cache    msgcache.Cache
	presence presence.Store
	profiles profile.Directory
	ingest   ingest.Enqueuer
	log      *slog.Logger
	now      func() time.Time
}

// NewService validates d and constructs a Service.
func NewService(d Deps) (*Service, error) {
	switch {
	case d.Store == nil:
		return nil, errors.New("conversation: nil store")
	case d.Unseen == nil:
		return nil, errors.New("conversation: nil unseen store")
	case d.Cache == nil:
		return nil, errors.New("conversation: nil cache")
	case d.Presence == nil:
		return nil, errors.New("conversation: nil presence store")
	case d.Profiles == nil:
		return nil, errors.New("conversation: nil profile directory")
	case d.Ingest == nil:
		return nil, errors.New("conversation: nil ingest")
	}
	if d.Log == nil {
		d.Log = slog.Default()
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	return &Service{
		store:    d.Store,
		unseen:   d.Unseen,
		cache:    d.Cache,
		presence: d.Presence,
		profiles: d.Profiles,
		ingest:   d.Ingest,
		log:      d.Log,
		now:      d.Now,
	}, nil
}

// ---- DTOs ----

// ParticipantView is a participant as returned to clients.
type ParticipantView struct {
	ID              string     `json:"id"`
	ParticipantType chat.Kind  `json:"participantType"`
	UserID          string     `json:"userId,omitempty"`
	SellerID        string     `json:"sellerId,omitempty"`
	LastSeenAt      *time.Time `json:"lastSeenAt,omitempty"`
}

// View is an enriched conversation.
type View struct {
	ID               string            `json:"id"`
	IsGroup          bool              `json:"isGroup"`
	CreatedAt        time.Time         `json:"createdAt"`
	Participants     []ParticipantView `json:"participants"`
	OtherParticipant profile.Profile   `json:"otherParticipant"`
	LastMessage      *chat.Message     `json:"lastMessage"`
	UnreadCount      int64             `json:"unreadCount"`
	LastActivityAt   time.Time         `json:"lastActivityAt"`
}

// InitialMessage is an optional first message sent with CreateConversation.
type InitialMessage struct {
	Content     string            `json:"content"`
	Attachments []chat.Attachment `json:"attachments,omitempty"`
}

// CreateInput creates or reuses a direct conversation.
type CreateInput struct {
	Initiator      chat.ParticipantRef
	Target         chat.ParticipantRef
	InitialMessage *InitialMessage
}

// CreateResult is the conversation plus the queued initial message, if any.
type CreateResult struct {
	Conversation View
	Created      bool
	Queued       *ingest.Queued
}

// ListInput pages a participant's conversations.
type ListInput struct {
	Caller chat.ParticipantRef
	Page   int
	Limit  int
}

// ListResult is one page of conversations sorted by last activity.
type ListResult struct {
	Items      []View `json:"items"`
	Page       int    `json:"page"`
	Limit      int    `json:"limit"`
	Total      int    `json:"total"`
	TotalPages int    `json:"totalPages"`
}

// MessagesInput pages a conversation's history backwards from Before.
type MessagesInput struct {
	Caller         chat.ParticipantRef
	ConversationID string
	Before         *int64
	Limit          int
}

// MessagesResult is ordered oldest first. NextBefore continues into older history.
type MessagesResult struct {
	Messages   []chat.Message `json:"messages"`
	HasMore    bool           `json:"hasMore"`
	NextBefore *int64         `json:"nextBefore,omitempty"`
}

// SeenResult reports a cleared conversation.
type SeenResult struct {
	ConversationID string    `json:"conversationId"`
	SeenAt         time.Time `json:"seenAt"`
}

// ---- operations ----

// CreateConversation returns the direct conversation between initiator and
// target, creating it on first contact. Repeated calls converge on one id.
func (s *Service) CreateConversation(ctx context.Context, in CreateInput) (res CreateResult, err error) {
	ctx, span := tracer.Start(ctx, "Service.CreateConversation", trace.WithAttributes(
		attribute.String("initiator", in.Initiator.String()),
		attribute.String("target", in.Target.String()),
	))
	defer func() { endSpan(span, err) }()

	if err := in.Initiator.Validate(); err != nil {
		return CreateResult{}, err
	}
	if err := in.Target.Validate(); err != nil {
		return CreateResult{}, err
	}
	if !in.Initiator.CanConverseWith(in.Target) {
		return CreateResult{}, chat.Validation("a user may only converse with a seller and vice versa")
	}
	if in.InitialMessage != nil {
		draft := ingest.Draft{
			ConversationID: "pending",
			Sender:         in.Initiator,
			Content:        in.InitialMessage.Content,
			Attachments:    in.InitialMessage.Attachments,
		}
		if err := ingest.Validate(draft); err != nil {
			return CreateResult{}, err
		}
	}

	target, err := s.profiles.Lookup(ctx, in.Target)
	if errors.Is(err, profile.ErrNotFound) {
		return CreateResult{}, chat.NotFound(fmt.Sprintf("%s not found", in.Target.Kind))
	}
	if err != nil {
		return CreateResult{}, fmt.Errorf("lookup target: %w", err)
	}

	conv, created, err := s.findOrCreate(ctx, in.Initiator, in.Target)
	if err != nil {
		return CreateResult{}, err
	}
	s.log.InfoContext(ctx, "conversation.create.ok", "conversation_id", conv.ID, "created", created,
		"initiator", in.Initiator.String(), "target", in.Target.String())

	res.Created = created
	if in.InitialMessage != nil {
		q, err := s.ingest.Enqueue(ctx, ingest.Draft{
			ConversationID: conv.ID,
			Sender:         in.Initiator,
			Content:        in.InitialMessage.Content,
			Attachments:    in.InitialMessage.Attachments,
		})
		if err != nil {
			return CreateResult{}, err
		}
		res.Queued = &q
	}

	view, err := s.view(ctx, conv, in.Initiator, &target)
	if err != nil {
		return CreateResult{}, err
	}
	res.Conversation = view
	return res, nil
}

func (s *Service) findOrCreate(ctx context.Context, a, b chat.ParticipantRef) (chat.Conversation, bool, error) {
	conv, err := s.store.FindDirect(ctx, a, b)
	if err == nil {
		return conv, false, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return chat.Conversation{}, false, err
	}
	return s.store.CreateDirect(ctx, a, b, s.now())
}

// GetConversations lists the caller's conversations, newest activity first.
func (s *Service) GetConversations(ctx context.Context, in ListInput) (res ListResult, err error) {
	ctx, span := tracer.Start(ctx, "Service.GetConversations", trace.WithAttributes(
		attribute.String("caller", in.Caller.String()),
	))
	defer func() { endSpan(span, err) }()

	if err := in.Caller.Validate(); err != nil {
		return ListResult{}, chat.Unauthenticated("caller identity missing")
	}
	page, limit := in.Page, in.Limit
	if page <= 0 {
		page = 1
	}
	if limit <= 0 {
		limit = DefaultPageLimit
	}
	limit = min(limit, MaxPageLimit)

	convs, err := s.store.ListForParticipant(ctx, in.Caller)
	if err != nil {
		return ListResult{}, err
	}

	views := make([]View, len(convs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(enrichConcurrency)
	for i, c := range convs {
		g.Go(func() error {
			v, err := s.view(gctx, c, in.Caller, nil)
			if err != nil {
				return err
			}
			views[i] = v
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return ListResult{}, err
	}

	sort.SliceStable(views, func(i, j int) bool {
		return views[i].LastActivityAt.After(views[j].LastActivityAt)
	})

	total := len(views)
	start := min((page-1)*limit, total)
	end := min(start+limit, total)
	return ListResult{
		Items:      views[start:end],
		Page:       page,
		Limit:      limit,
		Total:      total,
		TotalPages: (total + limit - 1) / limit,
	}, nil
}

// GetConversation returns one conversation to one of its participants.
func (s *Service) GetConversation(ctx context.Context, caller chat.ParticipantRef, conversationID string) (v View, err error) {
	ctx, span := tracer.Start(ctx, "Service.GetConversation", trace.WithAttributes(
		attribute.String("conversation_id", conversationID),
	))
	defer func() { endSpan(span, err) }()

	conv, err := s.authorize(ctx, caller, conversationID)
	if err != nil {
		return View{}, err
	}
	return s.view(ctx, conv, caller, nil)
}

// GetMessages returns a page of history to a participant.
func (s *Service) GetMessages(ctx context.Context, in MessagesInput) (res MessagesResult, err error) {
	ctx, span := tracer.Start(ctx, "Service.GetMessages", trace.WithAttributes(
		attribute.String("conversation_id", in.ConversationID),
	))
	defer func() { endSpan(span, err) }()

	if _, err := s.authorize(ctx, in.Caller, in.ConversationID); err != nil {
		return MessagesResult{}, err
	}
	limit := clampMessageLimit(in.Limit)

	page, ok := s.recentFromCache(ctx, in.ConversationID, in.Before, limit)
	if !ok {
		page, err = s.store.ListMessages(ctx, ListMessagesInput{
			ConversationID: in.ConversationID,
			BeforeSeq:      in.Before,
			Limit:          limit,
		})
		if err != nil {
			return MessagesResult{}, err
		}
	}

	res = MessagesResult{Messages: page.Messages, HasMore: page.HasMore}
	if res.Messages == nil {
		res.Messages = []chat.Message{}
	}
	if page.HasMore && len(page.Messages) > 0 {
		next := page.Messages[0].Seq
		res.NextBefore = &next
	}
	return res, nil
}

// recentFromCache serves the newest page from the recent-history cache when
// it holds a contiguous run longer than the page, so HasMore is known, and
// its head is the store's last message.
func (s *Service) recentFromCache(ctx context.Context, conversationID string, before *int64, limit int) (MessagePage, bool) {
	if before != nil || limit >= msgcache.HistoryLimit {
		return MessagePage{}, false
	}
	recent, err := s.cache.Recent(ctx, conversationID, limit+1)
	if err != nil {
		s.log.WarnContext(ctx, "conversation.cache.recent.fail", "conversation_id", conversationID, "err", err)
		return MessagePage{}, false
	}
	if len(recent) <= limit {
		return MessagePage{}, false
	}
	for i := 1; i < len(recent); i++ {
		if recent[i].Seq != recent[i-1].Seq-1 {
			return MessagePage{}, false
		}
	}
	// Cache writes are best-effort; the head must be the newest persisted
	// message or the page would hide it.
	last, ok, err := s.store.LastMessage(ctx, conversationID)
	if err != nil || !ok || last.Seq != recent[0].Seq {
		return MessagePage{}, false
	}
	msgs := make([]chat.Message, limit)
	for i := range msgs {
		msgs[i] = recent[limit-1-i]
	}
	return MessagePage{Messages: msgs, HasMore: true}, true
}

// MarkConversationSeen resets the caller's durable read marker and clears
// their unseen counter.
func (s *Service) MarkConversationSeen(ctx context.Context, caller chat.ParticipantRef, conversationID string) (res SeenResult, err error) {
	ctx, span := tracer.Start(ctx, "Service.MarkConversationSeen", trace.WithAttributes(
		attribute.String("conversation_id", conversationID),
	))
	defer func() { endSpan(span, err) }()

	if _, err := s.authorize(ctx, caller, conversationID); err != nil {
		return SeenResult{}, err
	}
	now := s.now().UTC()
	if _, err := s.store.MarkSeen(ctx, conversationID, caller, now); err != nil {
		return SeenResult{}, err
	}
	if err := s.unseen.Clear(ctx, caller.String(), conversationID); err != nil {
		return SeenResult{}, fmt.Errorf("clear unseen: %w", err)
	}
	return SeenResult{ConversationID: conversationID, SeenAt: now}, nil
}

// CheckOnline reports whether userID has a live gateway connection.
func (s *Service) CheckOnline(ctx context.Context, userID string) (bool, error) {
	if strings.TrimSpace(userID) == "" {
		return false, chat.Validation("userId is required")
	}
	return s.presence.IsOnline(ctx, userID)
}

// authorize loads the conversation and requires caller to be a participant.
func (s *Service) authorize(ctx context.Context, caller chat.ParticipantRef, conversationID string) (chat.Conversation, error) {
	if err := caller.Validate(); err != nil {
		return chat.Conversation{}, chat.Unauthenticated("caller identity missing")
	}
	if strings.TrimSpace(conversationID) == "" {
		return chat.Conversation{}, chat.Validation("conversationId is required")
	}
	conv, err := s.store.Get(ctx, conversationID)
	if errors.Is(err, ErrNotFound) {
		return chat.Conversation{}, chat.NotFound("conversation not found")
	}
	if err != nil {
		return chat.Conversation{}, err
	}
	if _, err := s.store.FindParticipant(ctx, conversationID, caller); err != nil {
		if errors.Is(err, ErrNotFound) {
			return chat.Conversation{}, chat.Forbidden("not a participant of this conversation")
		}
		return chat.Conversation{}, err
	}
	return conv, nil
}

// view enriches conv from the caller's point of view. A known other-party
// profile may be passed in to skip the lookup.
func (s *Service) view(ctx context.Context, conv chat.Conversation, caller chat.ParticipantRef, other *profile.Profile) (View, error) {
	parts, err := s.store.Participants(ctx, conv.ID)
	if err != nil {
		return View{}, err
	}

	v := View{
		ID:             conv.ID,
		IsGroup:        conv.IsGroup,
		CreatedAt:      conv.CreatedAt,
		Participants:   make([]ParticipantView, 0, len(parts)),
		LastActivityAt: conv.CreatedAt,
	}
	var otherRef *chat.ParticipantRef
	for _, p := range parts {
		v.Participants = append(v.Participants, toParticipantView(p))
		if p.Ref != caller && otherRef == nil {
			ref := p.Ref
			otherRef = &ref
		}
	}

	switch {
	case other != nil:
		v.OtherParticipant = *other
	case otherRef != nil:
		p, err := s.profiles.Lookup(ctx, *otherRef)
		if err != nil {
			s.log.WarnContext(ctx, "conversation.profile.lookup.fail",
				"conversation_id", conv.ID, "participant", otherRef.String(), "err", err)
			p = profile.Fallback(*otherRef)
		}
		v.OtherParticipant = p
	}

	if last, ok := s.lastMessage(ctx, conv.ID); ok {
		v.LastMessage = &last
		if last.CreatedAt.After(v.LastActivityAt) {
			v.LastActivityAt = last.CreatedAt
		}
	}

	n, err := s.unseen.Get(ctx, caller.String(), conv.ID)
	if err != nil {
		s.log.WarnContext(ctx, "conversation.unseen.get.fail", "conversation_id", conv.ID, "err", err)
	}
	v.UnreadCount = n
	return v, nil
}

// lastMessage is cache-first with a durable fallback.
func (s *Service) lastMessage(ctx context.Context, conversationID string) (chat.Message, bool) {
	msg, ok, err := s.cache.Last(ctx, conversationID)
	if err != nil {
		s.log.WarnContext(ctx, "conversation.cache.last.fail", "conversation_id", conversationID, "err", err)
	}
	if ok {
		return msg, true
	}
	msg, ok, err = s.store.LastMessage(ctx, conversationID)
	if err != nil {
		s.log.WarnContext(ctx, "conversation.store.last.fail", "conversation_id", conversationID, "err", err)
		return chat.Message{}, false
	}
	return msg, ok
}

func toParticipantView(p chat.Participant) ParticipantView {
	v := ParticipantView{ID: p.ID, ParticipantType: p.Ref.Kind, LastSeenAt: p.LastSeenAt}
	if p.Ref.Kind == chat.KindSeller {
		v.SellerID = p.Ref.ID
	} else {
		v.UserID = p.Ref.ID
	}
	return v
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		if chat.KindOf(err) == chat.KindInternal {
			span.SetStatus(codes.Error, err.Error())
		}
	}
	span.End()
}
