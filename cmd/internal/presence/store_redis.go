package presence

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

var compareAndDelete = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisStore keeps presence entries as plain keys with an expiry.
type RedisStore struct {
	rdb redis.UniversalClient
	ttl time.Duration
}

// NewRedisStore constructs a RedisStore. ttl <= 0 selects DefaultTTL.
func NewRedisStore(rdb redis.UniversalClient, ttl time.Duration) (*RedisStore, error) {
	if rdb == nil {
		return nil, errors.New("presence: nil redis client")
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisStore{rdb: rdb, ttl: ttl}, nil
}

func (s *RedisStore) MarkOnline(ctx context.Context, userID, connID string) error {
	return s.rdb.Set(ctx, key(userID), connID, s.ttl).Err()
}

func (s *RedisStore) Refresh(ctx context.Context, userID string) (bool, error) {
	// EXPIRE is a no-op on a missing key.
	return s.rdb.Expire(ctx, key(userID), s.ttl).Result()
}

func (s *RedisStore) MarkOffline(ctx context.Context, userID, connID string) error {
	return compareAndDelete.Run(ctx, s.rdb, []string{key(userID)}, connID).Err()
}

func (s *RedisStore) IsOnline(ctx context.Context, userID string) (bool, error) {
	n, err := s.rdb.Exists(ctx, key(userID)).Result()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}
