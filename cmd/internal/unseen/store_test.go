package unseen

import (
	"context"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func stores(t *testing.T) map[string]Store {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	rs, err := NewRedisStore(rdb)
	require.NoError(t, err)

	return map[string]Store{"memory": NewMemoryStore(), "redis": rs}
}

func TestUnseen_CountClearCount(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			n, err := s.Get(ctx, "p-b", "c1")
			require.NoError(t, err)
			require.Zero(t, n)

			const sent = 5
			for i := 0; i < sent; i++ {
				_, err := s.Increment(ctx, "p-b", "c1")
				require.NoError(t, err)
			}
			n, err = s.Get(ctx, "p-b", "c1")
			require.NoError(t, err)
			require.EqualValues(t, sent, n)

			require.NoError(t, s.Clear(ctx, "p-b", "c1"))
			n, err = s.Get(ctx, "p-b", "c1")
			require.NoError(t, err)
			require.Zero(t, n)

			n, err = s.Increment(ctx, "p-b", "c1")
			require.NoError(t, err)
			require.EqualValues(t, 1, n)
		})
	}
}

func TestUnseen_KeysAreScoped(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			_, err := s.Increment(ctx, "p-a", "c1")
			require.NoError(t, err)
			_, err = s.Increment(ctx, "p-a", "c2")
			require.NoError(t, err)

			require.NoError(t, s.Clear(ctx, "p-a", "c1"))

			n, err := s.Get(ctx, "p-a", "c2")
			require.NoError(t, err)
			require.EqualValues(t, 1, n)
		})
	}
}

func TestUnseen_ConcurrentIncrements(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			var wg sync.WaitGroup
			for i := 0; i < 50; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					_, _ = s.Increment(ctx, "p-x", "c9")
				}()
			}
			wg.Wait()

			n, err := s.Get(ctx, "p-x", "c9")
			require.NoError(t, err)
			require.EqualValues(t, 50, n)
		})
	}
}
