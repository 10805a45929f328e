package msgcache

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"marketchat/cmd/internal/chat"
)

func caches(t *testing.T) map[string]Cache {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	rc, err := NewRedisCache(rdb, time.Hour)
	require.NoError(t, err)

	return map[string]Cache{"memory": NewMemoryCache(), "redis": rc}
}

func msg(conv string, seq int64) chat.Message {
	return chat.Message{
		ID:             fmt.Sprintf("m-%d", seq),
		ConversationID: conv,
		Seq:            seq,
		SenderID:       "u1",
		SenderType:     chat.KindUser,
		Content:        fmt.Sprintf("hello %d", seq),
		Attachments:    []chat.Attachment{{URL: "https://cdn.example.com/a.png", Type: "image"}},
		CreatedAt:      time.Date(2026, 1, 1, 0, 0, int(seq), 0, time.UTC),
	}
}

func TestCache_MissThenHit(t *testing.T) {
	for name, c := range caches(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			_, ok, err := c.Last(ctx, "c1")
			require.NoError(t, err)
			require.False(t, ok)

			want := msg("c1", 1)
			require.NoError(t, c.Put(ctx, want))

			got, ok, err := c.Last(ctx, "c1")
			require.NoError(t, err)
			require.True(t, ok)
			require.Equal(t, want.ID, got.ID)
			require.Equal(t, want.Content, got.Content)
			require.Equal(t, want.Attachments, got.Attachments)
			require.True(t, want.CreatedAt.Equal(got.CreatedAt))
		})
	}
}

func TestCache_HistoryBoundedNewestFirst(t *testing.T) {
	for name, c := range caches(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			total := HistoryLimit + 15
			for i := 1; i <= total; i++ {
				require.NoError(t, c.Put(ctx, msg("c1", int64(i))))
			}

			recent, err := c.Recent(ctx, "c1", 0)
			require.NoError(t, err)
			require.Len(t, recent, HistoryLimit)
			require.EqualValues(t, total, recent[0].Seq)
			require.EqualValues(t, total-HistoryLimit+1, recent[len(recent)-1].Seq)

			last, ok, err := c.Last(ctx, "c1")
			require.NoError(t, err)
			require.True(t, ok)
			require.EqualValues(t, total, last.Seq)

			few, err := c.Recent(ctx, "c1", 3)
			require.NoError(t, err)
			require.Len(t, few, 3)
		})
	}
}
