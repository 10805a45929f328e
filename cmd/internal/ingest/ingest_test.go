package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"marketchat/cmd/internal/chat"
	"marketchat/cmd/internal/eventlog"
)

type published struct {
	topic, key string
	payload    []byte
}

type recordingPublisher struct {
	mu   sync.Mutex
	got  []published
	fail error
}

func (p *recordingPublisher) Publish(_ context.Context, topic, key string, payload []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail != nil {
		return p.fail
	}
	p.got = append(p.got, published{topic: topic, key: key, payload: payload})
	return nil
}

func fixedClock() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }

func TestEnqueue_PublishesKeyedByConversation(t *testing.T) {
	t.Parallel()

	pub := &recordingPublisher{}
	q := NewQueue(pub, nil, WithClock(fixedClock))

	got, err := q.Enqueue(context.Background(), Draft{
		ConversationID: " c1 ",
		Sender:         chat.User("u1"),
		Content:        "Hello",
	})
	require.NoError(t, err)
	require.Equal(t, StatusQueued, got.Status)
	require.Equal(t, "c1", got.ConversationID)
	require.NotEmpty(t, got.EventID)
	require.True(t, got.CreatedAt.Equal(fixedClock()))

	require.Len(t, pub.got, 1)
	require.Equal(t, eventlog.TopicMessageCreate, pub.got[0].topic)
	require.Equal(t, "c1", pub.got[0].key)

	var ev chat.MessageEvent
	require.NoError(t, json.Unmarshal(pub.got[0].payload, &ev))
	require.Equal(t, got.EventID, ev.EventID)
	require.Equal(t, "u1", ev.SenderID)
	require.Equal(t, chat.KindUser, ev.SenderType)
	require.Equal(t, "Hello", ev.Content)
}

func TestEnqueue_Validation(t *testing.T) {
	t.Parallel()

	okAttachment := []chat.Attachment{{URL: "https://cdn.example.com/a.png", Type: "image"}}
	tooMany := make([]chat.Attachment, MaxAttachments+1)
	for i := range tooMany {
		tooMany[i] = okAttachment[0]
	}

	cases := []struct {
		name     string
		draft    Draft
		wantKind chat.ErrorKind
		wantMsg  string
	}{
		{name: "empty content no attachments", draft: Draft{ConversationID: "c", Sender: chat.User("u"), Content: "  "}, wantKind: chat.KindValidation, wantMsg: "content or at least one attachment"},
		{name: "empty content one attachment", draft: Draft{ConversationID: "c", Sender: chat.User("u"), Attachments: okAttachment}},
		{name: "missing conversation", draft: Draft{Sender: chat.Seller("s"), Content: "x"}, wantKind: chat.KindValidation, wantMsg: "conversationId is required"},
		{name: "content too long", draft: Draft{ConversationID: "c", Sender: chat.User("u"), Content: strings.Repeat("é", MaxContentRunes+1)}, wantKind: chat.KindValidation, wantMsg: "content must be at most"},
		{name: "content at limit", draft: Draft{ConversationID: "c", Sender: chat.User("u"), Content: strings.Repeat("é", MaxContentRunes)}},
		{name: "too many attachments", draft: Draft{ConversationID: "c", Sender: chat.User("u"), Attachments: tooMany}, wantKind: chat.KindValidation, wantMsg: "attachments must have at most"},
		{name: "attachment without url", draft: Draft{ConversationID: "c", Sender: chat.User("u"), Attachments: []chat.Attachment{{Type: "image"}}}, wantKind: chat.KindValidation, wantMsg: "url is required"},
		{name: "no sender", draft: Draft{ConversationID: "c", Content: "x"}, wantKind: chat.KindUnauthenticated},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			pub := &recordingPublisher{}
			q := NewQueue(pub, nil, WithClock(fixedClock))

			_, err := q.Enqueue(context.Background(), tc.draft)
			if tc.wantKind == "" {
				require.NoError(t, err)
				require.Len(t, pub.got, 1)
				return
			}
			require.Error(t, err)
			require.Equal(t, tc.wantKind, chat.KindOf(err))
			if tc.wantMsg != "" {
				require.Contains(t, err.Error(), tc.wantMsg)
			}
			require.Empty(t, pub.got)
		})
	}
}

func TestEnqueue_PublishFailureIsInternal(t *testing.T) {
	t.Parallel()

	pub := &recordingPublisher{fail: errors.New("redis down")}
	q := NewQueue(pub, nil)

	_, err := q.Enqueue(context.Background(), Draft{ConversationID: "c", Sender: chat.User("u"), Content: "x"})
	require.Error(t, err)
	require.Equal(t, chat.KindInternal, chat.KindOf(err))
}

func TestEnqueue_EventIDsAreUnique(t *testing.T) {
	t.Parallel()

	q := NewQueue(&recordingPublisher{}, nil, WithClock(fixedClock))
	seen := map[string]bool{}
	for i := 0; i < 50; i++ {
		got, err := q.Enqueue(context.Background(), Draft{ConversationID: "c", Sender: chat.User("u"), Content: "x"})
		require.NoError(t, err)
		require.False(t, seen[got.EventID])
		seen[got.EventID] = true
	}
}
