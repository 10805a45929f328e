package msgcache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"marketchat/cmd/internal/chat"
)

// DefaultTTL drops cache entries of conversations that went quiet.
const DefaultTTL = 7 * 24 * time.Hour

// RedisCache stores the last message as a JSON string and history as a list.
type RedisCache struct {
	rdb redis.UniversalClient
	ttl time.Duration
}

// NewRedisCache constructs a RedisCache. ttl <= 0 selects DefaultTTL.
func NewRedisCache(rdb redis.UniversalClient, ttl time.Duration) (*RedisCache, error) {
	if rdb == nil {
		return nil, errors.New("msgcache: nil redis client")
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisCache{rdb: rdb, ttl: ttl}, nil
}

func (c *RedisCache) Put(ctx context.Context, msg chat.Message) error {
	b, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("msgcache: encode: %w", err)
	}

	last := lastKey(msg.ConversationID)
	recent := recentKey(msg.ConversationID)

	_, err = c.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Set(ctx, last, b, c.ttl)
		p.LPush(ctx, recent, b)
		p.LTrim(ctx, recent, 0, HistoryLimit-1)
		p.Expire(ctx, recent, c.ttl)
		return nil
	})
	return err
}

func (c *RedisCache) Last(ctx context.Context, conversationID string) (chat.Message, bool, error) {
	b, err := c.rdb.Get(ctx, lastKey(conversationID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return chat.Message{}, false, nil
	}
	if err != nil {
		return chat.Message{}, false, err
	}

	var m chat.Message
	if err := json.Unmarshal(b, &m); err != nil {
		// A corrupt entry behaves as a miss; the next Put overwrites it.
		return chat.Message{}, false, nil
	}
	return m, true, nil
}

func (c *RedisCache) Recent(ctx context.Context, conversationID string, limit int) ([]chat.Message, error) {
	raw, err := c.rdb.LRange(ctx, recentKey(conversationID), 0, int64(clampLimit(limit)-1)).Result()
	if err != nil {
		return nil, err
	}

	out := make([]chat.Message, 0, len(raw))
	for _, s := range raw {
		var m chat.Message
		if err := json.Unmarshal([]byte(s), &m); err != nil {
			continue
		}
		out = append(out, m)
	}
	return out, nil
}
