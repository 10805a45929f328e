package unseen

import (
	"context"
	"errors"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps counters as INCR-able string keys.
type RedisStore struct {
	rdb redis.UniversalClient
}

// NewRedisStore constructs a RedisStore.
func NewRedisStore(rdb redis.UniversalClient) (*RedisStore, error) {
	if rdb == nil {
		return nil, errors.New("unseen: nil redis client")
	}
	return &RedisStore{rdb: rdb}, nil
}

func (s *RedisStore) Increment(ctx context.Context, participantID, conversationID string) (int64, error) {
	return s.rdb.Incr(ctx, key(participantID, conversationID)).Result()
}

func (s *RedisStore) Get(ctx context.Context, participantID, conversationID string) (int64, error) {
	n, err := s.rdb.Get(ctx, key(participantID, conversationID)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return n, err
}

func (s *RedisStore) Clear(ctx context.Context, participantID, conversationID string) error {
	return s.rdb.Del(ctx, key(participantID, conversationID)).Err()
}
