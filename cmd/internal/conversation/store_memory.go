package conversation

import (
	"context"
	"sort"
	"sync"
	"time"

	"marketchat/cmd/identity/ids"
	"marketchat/cmd/internal/chat"
)

const memMaxMessagesPerConversation = 10_000

// MemoryStore is the dev-only fallback when no database is configured.
type MemoryStore struct {
	mu     sync.Mutex
	convs  map[string]*memConv
	direct map[string]string // pairKey -> conversation id
}

type memConv struct {
	conv         chat.Conversation
	participants []chat.Participant
	seq          int64
	lastAt       time.Time
	dedupe       map[string]chat.Message // event_id -> stored message
	msgs         []chat.Message          // ordered by seq
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		convs:  make(map[string]*memConv),
		direct: make(map[string]string),
	}
}

func (s *MemoryStore) Ping(ctx context.Context) error { return ctx.Err() }

func (s *MemoryStore) Close() error { return nil }

func (s *MemoryStore) CreateDirect(ctx context.Context, a, b chat.ParticipantRef, now time.Time) (chat.Conversation, bool, error) {
	if err := ctx.Err(); err != nil {
		return chat.Conversation{}, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	key := pairKey(a, b)
	if id, ok := s.direct[key]; ok {
		return cloneConv(s.convs[id].conv), false, nil
	}

	now = now.UTC()
	c := &memConv{dedupe: make(map[string]chat.Message)}
	c.conv = chat.Conversation{ID: ids.MustNew(now), CreatedAt: now}
	for _, ref := range []chat.ParticipantRef{a, b} {
		p := chat.Participant{ID: ids.MustNew(now), ConversationID: c.conv.ID, Ref: ref}
		c.participants = append(c.participants, p)
		c.conv.ParticipantIDs = append(c.conv.ParticipantIDs, p.ID)
	}
	s.convs[c.conv.ID] = c
	s.direct[key] = c.conv.ID
	return cloneConv(c.conv), true, nil
}

func (s *MemoryStore) FindDirect(ctx context.Context, a, b chat.ParticipantRef) (chat.Conversation, error) {
	if err := ctx.Err(); err != nil {
		return chat.Conversation{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.direct[pairKey(a, b)]
	if !ok {
		return chat.Conversation{}, ErrNotFound
	}
	return cloneConv(s.convs[id].conv), nil
}

func (s *MemoryStore) Get(ctx context.Context, conversationID string) (chat.Conversation, error) {
	if err := ctx.Err(); err != nil {
		return chat.Conversation{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.convs[conversationID]
	if !ok {
		return chat.Conversation{}, ErrNotFound
	}
	return cloneConv(c.conv), nil
}

func (s *MemoryStore) Participants(ctx context.Context, conversationID string) ([]chat.Participant, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.convs[conversationID]
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]chat.Participant, len(c.participants))
	copy(out, c.participants)
	return out, nil
}

func (s *MemoryStore) FindParticipant(ctx context.Context, conversationID string, ref chat.ParticipantRef) (chat.Participant, error) {
	if err := ctx.Err(); err != nil {
		return chat.Participant{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.convs[conversationID]
	if !ok {
		return chat.Participant{}, ErrNotFound
	}
	for _, p := range c.participants {
		if p.Ref == ref {
			return p, nil
		}
	}
	return chat.Participant{}, ErrNotFound
}

func (s *MemoryStore) ListForParticipant(ctx context.Context, ref chat.ParticipantRef) ([]chat.Conversation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []chat.Conversation
	for _, c := range s.convs {
		for _, p := range c.participants {
			if p.Ref == ref {
				out = append(out, cloneConv(c.conv))
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) AppendMessage(ctx context.Context, in AppendMessageInput) (AppendMessageResult, error) {
	if err := validateAppend(in); err != nil {
		return AppendMessageResult{}, err
	}
	if err := ctx.Err(); err != nil {
		return AppendMessageResult{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.convs[in.ConversationID]
	if !ok {
		return AppendMessageResult{}, ErrNotFound
	}
	if existing, ok := c.dedupe[in.EventID]; ok {
		return AppendMessageResult{Message: existing, Duplicated: true}, nil
	}
	member := false
	for _, p := range c.participants {
		if p.Ref == in.Sender {
			member = true
			break
		}
	}
	if !member {
		return AppendMessageResult{}, ErrNotParticipant
	}

	at := clampCreatedAt(in.CreatedAt, c.lastAt)
	c.seq++
	msg := chat.Message{
		ID:             ids.MustNew(at),
		ConversationID: in.ConversationID,
		Seq:            c.seq,
		EventID:        in.EventID,
		SenderID:       in.Sender.ID,
		SenderType:     in.Sender.Kind,
		Content:        in.Content,
		Attachments:    append([]chat.Attachment{}, in.Attachments...),
		CreatedAt:      at,
	}
	c.lastAt = at
	c.dedupe[in.EventID] = msg
	c.msgs = append(c.msgs, msg)

	if len(c.msgs) > memMaxMessagesPerConversation {
		c.msgs = c.msgs[len(c.msgs)-memMaxMessagesPerConversation:]
	}
	return AppendMessageResult{Message: msg}, nil
}

func (s *MemoryStore) ListMessages(ctx context.Context, in ListMessagesInput) (MessagePage, error) {
	if err := ctx.Err(); err != nil {
		return MessagePage{}, err
	}
	limit := clampMessageLimit(in.Limit)

	s.mu.Lock()
	c, ok := s.convs[in.ConversationID]
	var snap []chat.Message
	if ok {
		snap = append([]chat.Message(nil), c.msgs...)
	}
	s.mu.Unlock()
	if !ok {
		return MessagePage{}, ErrNotFound
	}

	if in.AfterSeq != nil {
		start := sort.Search(len(snap), func(i int) bool { return snap[i].Seq > *in.AfterSeq })
		out := snap[start:]
		hasMore := len(out) > limit
		if hasMore {
			out = out[:limit]
		}
		return MessagePage{Messages: out, HasMore: hasMore}, nil
	}

	end := len(snap)
	if in.BeforeSeq != nil {
		end = sort.Search(len(snap), func(i int) bool { return snap[i].Seq >= *in.BeforeSeq })
	}
	start := max(end-limit, 0)
	return MessagePage{Messages: snap[start:end], HasMore: start > 0}, nil
}

func (s *MemoryStore) LastMessage(ctx context.Context, conversationID string) (chat.Message, bool, error) {
	if err := ctx.Err(); err != nil {
		return chat.Message{}, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.convs[conversationID]
	if !ok || len(c.msgs) == 0 {
		return chat.Message{}, false, nil
	}
	return c.msgs[len(c.msgs)-1], true, nil
}

func (s *MemoryStore) MarkSeen(ctx context.Context, conversationID string, ref chat.ParticipantRef, at time.Time) (chat.Participant, error) {
	if err := ctx.Err(); err != nil {
		return chat.Participant{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.convs[conversationID]
	if !ok {
		return chat.Participant{}, ErrNotFound
	}
	for i := range c.participants {
		if c.participants[i].Ref == ref {
			seen := at.UTC()
			c.participants[i].LastSeenAt = &seen
			c.participants[i].UnreadCount = 0
			return c.participants[i], nil
		}
	}
	return chat.Participant{}, ErrNotFound
}

func cloneConv(c chat.Conversation) chat.Conversation {
	c.ParticipantIDs = append([]string(nil), c.ParticipantIDs...)
	return c
}
