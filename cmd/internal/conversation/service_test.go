package conversation

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"marketchat/cmd/internal/chat"
	"marketchat/cmd/internal/ingest"
	"marketchat/cmd/internal/msgcache"
	"marketchat/cmd/internal/presence"
	"marketchat/cmd/internal/profile"
	"marketchat/cmd/internal/unseen"
)

type fakeEnqueuer struct {
	mu     sync.Mutex
	drafts []ingest.Draft
}

func (f *fakeEnqueuer) Enqueue(_ context.Context, d ingest.Draft) (ingest.Queued, error) {
	if err := ingest.Validate(d); err != nil {
		return ingest.Queued{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.drafts = append(f.drafts, d)
	return ingest.Queued{ConversationID: d.ConversationID, EventID: fmt.Sprintf("ev-%d", len(f.drafts)), Status: ingest.StatusQueued}, nil
}

// flakyDirectory fails lookups for one ref with a transport error.
type flakyDirectory struct {
	*profile.StaticDirectory
	broken chat.ParticipantRef
}

func (d flakyDirectory) Lookup(ctx context.Context, ref chat.ParticipantRef) (profile.Profile, error) {
	if ref == d.broken {
		return profile.Profile{}, errors.New("profile service unavailable")
	}
	return d.StaticDirectory.Lookup(ctx, ref)
}

type fixture struct {
	svc      *Service
	store    *MemoryStore
	unseen   *unseen.MemoryStore
	cache    *msgcache.MemoryCache
	presence *presence.MemoryStore
	enqueuer *fakeEnqueuer
	clock    *testClock
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

var (
	alice    = chat.User("alice")
	bob      = chat.Seller("bob")
	carol    = chat.Seller("carol")
	dave     = chat.User("dave")
	eveBroke = chat.Seller("eve")
)

func newFixture(t *testing.T) *fixture {
	t.Helper()

	clock := &testClock{now: time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)}
	dir := profile.NewStaticDirectory(
		profile.Profile{ID: "alice", Type: chat.KindUser, DisplayName: "Alice"},
		profile.Profile{ID: "bob", Type: chat.KindSeller, DisplayName: "Bob's Shop"},
		profile.Profile{ID: "carol", Type: chat.KindSeller, DisplayName: "Carol Store"},
		profile.Profile{ID: "dave", Type: chat.KindUser, DisplayName: "Dave"},
		profile.Profile{ID: "eve", Type: chat.KindSeller, DisplayName: "Eve"},
	)
	f := &fixture{
		store:    NewMemoryStore(),
		unseen:   unseen.NewMemoryStore(),
		cache:    msgcache.NewMemoryCache(),
		presence: presence.NewMemoryStore(presence.DefaultTTL, clock.Now),
		enqueuer: &fakeEnqueuer{},
		clock:    clock,
	}
	svc, err := NewService(Deps{
		Store:    f.store,
		Unseen:   f.unseen,
		Cache:    f.cache,
		Presence: f.presence,
		Profiles: flakyDirectory{StaticDirectory: dir, broken: eveBroke},
		Ingest:   f.enqueuer,
		Log:      slog.New(slog.NewTextHandler(io.Discard, nil)),
		Now:      clock.Now,
	})
	require.NoError(t, err)
	f.svc = svc
	return f
}

// persist appends a message the way the worker would, including the cache.
func (f *fixture) persist(t *testing.T, convID string, sender chat.ParticipantRef, content string) chat.Message {
	t.Helper()
	f.clock.Advance(time.Second)
	res, err := f.store.AppendMessage(context.Background(), AppendMessageInput{
		ConversationID: convID,
		EventID:        fmt.Sprintf("%s-%d", convID, f.clock.Now().UnixNano()),
		Sender:         sender,
		Content:        content,
		CreatedAt:      f.clock.Now(),
	})
	require.NoError(t, err)
	require.NoError(t, f.cache.Put(context.Background(), res.Message))
	return res.Message
}

func TestCreateConversation_IdempotentByPair(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.svc.CreateConversation(ctx, CreateInput{Initiator: alice, Target: bob})
	require.NoError(t, err)
	require.True(t, first.Created)
	require.Equal(t, "Bob's Shop", first.Conversation.OtherParticipant.DisplayName)
	require.Len(t, first.Conversation.Participants, 2)

	second, err := f.svc.CreateConversation(ctx, CreateInput{Initiator: alice, Target: bob})
	require.NoError(t, err)
	require.False(t, second.Created)
	require.Equal(t, first.Conversation.ID, second.Conversation.ID)

	// The seller contacting the same user converges on the same conversation.
	third, err := f.svc.CreateConversation(ctx, CreateInput{Initiator: bob, Target: alice})
	require.NoError(t, err)
	require.Equal(t, first.Conversation.ID, third.Conversation.ID)
	require.Equal(t, "Alice", third.Conversation.OtherParticipant.DisplayName)

	list, err := f.store.ListForParticipant(ctx, alice)
	require.NoError(t, err)
	require.Len(t, list, 1)
}

func TestCreateConversation_Rejections(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		in   CreateInput
		want chat.ErrorKind
	}{
		{name: "user to user", in: CreateInput{Initiator: alice, Target: dave}, want: chat.KindValidation},
		{name: "seller to seller", in: CreateInput{Initiator: bob, Target: carol}, want: chat.KindValidation},
		{name: "unknown target", in: CreateInput{Initiator: alice, Target: chat.Seller("ghost")}, want: chat.KindNotFound},
		{name: "missing target id", in: CreateInput{Initiator: alice, Target: chat.Seller(" ")}, want: chat.KindValidation},
		{name: "empty initial message", in: CreateInput{Initiator: alice, Target: bob, InitialMessage: &InitialMessage{}}, want: chat.KindValidation},
		{name: "profile service down", in: CreateInput{Initiator: alice, Target: eveBroke}, want: chat.KindInternal},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			f := newFixture(t)
			_, err := f.svc.CreateConversation(context.Background(), tc.in)
			require.Error(t, err)
			require.Equal(t, tc.want, chat.KindOf(err))

			list, err := f.store.ListForParticipant(context.Background(), tc.in.Initiator)
			require.NoError(t, err)
			require.Empty(t, list)
		})
	}
}

func TestCreateConversation_InitialMessageGoesThroughIngest(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	res, err := f.svc.CreateConversation(context.Background(), CreateInput{
		Initiator:      alice,
		Target:         bob,
		InitialMessage: &InitialMessage{Content: "Is this still available?"},
	})
	require.NoError(t, err)
	require.NotNil(t, res.Queued)
	require.Equal(t, ingest.StatusQueued, res.Queued.Status)

	require.Len(t, f.enqueuer.drafts, 1)
	d := f.enqueuer.drafts[0]
	require.Equal(t, res.Conversation.ID, d.ConversationID)
	require.Equal(t, alice, d.Sender)
	require.Equal(t, "Is this still available?", d.Content)
}

func TestGetConversations_EnrichedSortedPaged(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	withBob, err := f.svc.CreateConversation(ctx, CreateInput{Initiator: alice, Target: bob})
	require.NoError(t, err)
	f.clock.Advance(time.Minute)
	withCarol, err := f.svc.CreateConversation(ctx, CreateInput{Initiator: alice, Target: carol})
	require.NoError(t, err)
	f.clock.Advance(time.Minute)
	_, err = f.svc.CreateConversation(ctx, CreateInput{Initiator: dave, Target: carol})
	require.NoError(t, err)

	// Activity in the older conversation moves it to the top.
	last := f.persist(t, withBob.Conversation.ID, bob, "Yes, still available")
	_, err = f.unseen.Increment(ctx, alice.String(), withBob.Conversation.ID)
	require.NoError(t, err)

	res, err := f.svc.GetConversations(ctx, ListInput{Caller: alice})
	require.NoError(t, err)
	require.Equal(t, 2, res.Total)
	require.Equal(t, 1, res.Page)
	require.Equal(t, DefaultPageLimit, res.Limit)
	require.Len(t, res.Items, 2)

	top := res.Items[0]
	require.Equal(t, withBob.Conversation.ID, top.ID)
	require.Equal(t, "Bob's Shop", top.OtherParticipant.DisplayName)
	require.NotNil(t, top.LastMessage)
	require.Equal(t, last.ID, top.LastMessage.ID)
	require.Equal(t, int64(1), top.UnreadCount)
	require.Equal(t, withCarol.Conversation.ID, res.Items[1].ID)
	require.Nil(t, res.Items[1].LastMessage)

	paged, err := f.svc.GetConversations(ctx, ListInput{Caller: alice, Page: 2, Limit: 1})
	require.NoError(t, err)
	require.Len(t, paged.Items, 1)
	require.Equal(t, withCarol.Conversation.ID, paged.Items[0].ID)
	require.Equal(t, 2, paged.TotalPages)

	huge, err := f.svc.GetConversations(ctx, ListInput{Caller: alice, Limit: 1000})
	require.NoError(t, err)
	require.Equal(t, MaxPageLimit, huge.Limit)
}

func TestGetConversations_ProfileFailureFallsBack(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	conv, _, err := f.store.CreateDirect(ctx, alice, eveBroke, f.clock.Now())
	require.NoError(t, err)

	res, err := f.svc.GetConversations(ctx, ListInput{Caller: alice})
	require.NoError(t, err)
	require.Len(t, res.Items, 1)
	require.Equal(t, conv.ID, res.Items[0].ID)
	require.Equal(t, "Marketplace seller", res.Items[0].OtherParticipant.DisplayName)
}

func TestLastMessage_FallsBackToStoreOnCacheMiss(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	created, err := f.svc.CreateConversation(ctx, CreateInput{Initiator: alice, Target: bob})
	require.NoError(t, err)
	_, err = f.store.AppendMessage(ctx, AppendMessageInput{
		ConversationID: created.Conversation.ID, EventID: "e1", Sender: alice, Content: "not cached", CreatedAt: f.clock.Now(),
	})
	require.NoError(t, err)

	v, err := f.svc.GetConversation(ctx, alice, created.Conversation.ID)
	require.NoError(t, err)
	require.NotNil(t, v.LastMessage)
	require.Equal(t, "not cached", v.LastMessage.Content)
}

func TestParticipantOnlyReads(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	created, err := f.svc.CreateConversation(ctx, CreateInput{Initiator: alice, Target: bob})
	require.NoError(t, err)
	id := created.Conversation.ID

	_, err = f.svc.GetConversation(ctx, dave, id)
	require.Equal(t, chat.KindForbidden, chat.KindOf(err))

	_, err = f.svc.GetMessages(ctx, MessagesInput{Caller: dave, ConversationID: id})
	require.Equal(t, chat.KindForbidden, chat.KindOf(err))

	_, err = f.svc.MarkConversationSeen(ctx, dave, id)
	require.Equal(t, chat.KindForbidden, chat.KindOf(err))

	_, err = f.svc.GetConversation(ctx, alice, "missing")
	require.Equal(t, chat.KindNotFound, chat.KindOf(err))

	_, err = f.svc.GetMessages(ctx, MessagesInput{Caller: bob, ConversationID: id})
	require.NoError(t, err)
}

func TestGetMessages_PagingFromStoreAndCache(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	created, err := f.svc.CreateConversation(ctx, CreateInput{Initiator: alice, Target: bob})
	require.NoError(t, err)
	id := created.Conversation.ID
	for i := 1; i <= 5; i++ {
		f.persist(t, id, alice, fmt.Sprintf("m%d", i))
	}

	// Served from the cache: it holds more than one page.
	page, err := f.svc.GetMessages(ctx, MessagesInput{Caller: bob, ConversationID: id, Limit: 2})
	require.NoError(t, err)
	require.Equal(t, []int64{4, 5}, seqs(page.Messages))
	require.True(t, page.HasMore)
	require.NotNil(t, page.NextBefore)
	require.Equal(t, int64(4), *page.NextBefore)

	// Continuing backwards goes to the store.
	page, err = f.svc.GetMessages(ctx, MessagesInput{Caller: bob, ConversationID: id, Before: page.NextBefore, Limit: 2})
	require.NoError(t, err)
	require.Equal(t, []int64{2, 3}, seqs(page.Messages))

	page, err = f.svc.GetMessages(ctx, MessagesInput{Caller: bob, ConversationID: id, Before: page.NextBefore, Limit: 2})
	require.NoError(t, err)
	require.Equal(t, []int64{1}, seqs(page.Messages))
	require.False(t, page.HasMore)
	require.Nil(t, page.NextBefore)

	// Whole history fits in one page.
	page, err = f.svc.GetMessages(ctx, MessagesInput{Caller: alice, ConversationID: id})
	require.NoError(t, err)
	require.Len(t, page.Messages, 5)
	require.False(t, page.HasMore)
	require.Equal(t, "m1", page.Messages[0].Content)
}

func TestGetMessages_GappedCacheFallsBackToStore(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	created, err := f.svc.CreateConversation(ctx, CreateInput{Initiator: alice, Target: bob})
	require.NoError(t, err)
	id := created.Conversation.ID

	f.persist(t, id, alice, "m1")
	// m2 reaches the store but its cache write was lost.
	_, err = f.store.AppendMessage(ctx, AppendMessageInput{ConversationID: id, EventID: "lost", Sender: bob, Content: "m2", CreatedAt: f.clock.Now()})
	require.NoError(t, err)
	f.persist(t, id, alice, "m3")
	f.persist(t, id, alice, "m4")

	page, err := f.svc.GetMessages(ctx, MessagesInput{Caller: alice, ConversationID: id, Limit: 3})
	require.NoError(t, err)
	require.Equal(t, []int64{2, 3, 4}, seqs(page.Messages))
	require.Equal(t, "m2", page.Messages[0].Content)
}

func TestGetMessages_StaleCacheHeadFallsBackToStore(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	created, err := f.svc.CreateConversation(ctx, CreateInput{Initiator: alice, Target: bob})
	require.NoError(t, err)
	id := created.Conversation.ID

	for _, c := range []string{"m1", "m2", "m3", "m4"} {
		f.persist(t, id, alice, c)
	}
	// m5 reaches the store but its cache write was lost.
	_, err = f.store.AppendMessage(ctx, AppendMessageInput{ConversationID: id, EventID: "lost-head", Sender: bob, Content: "m5", CreatedAt: f.clock.Now()})
	require.NoError(t, err)

	page, err := f.svc.GetMessages(ctx, MessagesInput{Caller: alice, ConversationID: id, Limit: 2})
	require.NoError(t, err)
	require.Equal(t, []int64{4, 5}, seqs(page.Messages))
	require.Equal(t, "m5", page.Messages[1].Content)
	require.True(t, page.HasMore)
}

func TestMarkConversationSeen_ClearsCounterAndDurableMarker(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	created, err := f.svc.CreateConversation(ctx, CreateInput{Initiator: alice, Target: bob})
	require.NoError(t, err)
	id := created.Conversation.ID

	for i := 0; i < 3; i++ {
		_, err := f.unseen.Increment(ctx, bob.String(), id)
		require.NoError(t, err)
	}

	res, err := f.svc.MarkConversationSeen(ctx, bob, id)
	require.NoError(t, err)
	require.Equal(t, id, res.ConversationID)
	require.True(t, res.SeenAt.Equal(f.clock.Now()))

	n, err := f.unseen.Get(ctx, bob.String(), id)
	require.NoError(t, err)
	require.Zero(t, n)

	p, err := f.store.FindParticipant(ctx, id, bob)
	require.NoError(t, err)
	require.NotNil(t, p.LastSeenAt)
	require.Zero(t, p.UnreadCount)
}

func TestCheckOnline_DelegatesToPresence(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	online, err := f.svc.CheckOnline(ctx, "alice")
	require.NoError(t, err)
	require.False(t, online)

	require.NoError(t, f.presence.MarkOnline(ctx, "alice", "conn-1"))
	online, err = f.svc.CheckOnline(ctx, "alice")
	require.NoError(t, err)
	require.True(t, online)

	_, err = f.svc.CheckOnline(ctx, " ")
	require.Equal(t, chat.KindValidation, chat.KindOf(err))
}

func TestNewService_RequiresDeps(t *testing.T) {
	t.Parallel()

	_, err := NewService(Deps{})
	require.Error(t, err)
}
