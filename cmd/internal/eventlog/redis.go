package eventlog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	fieldKey  = "key"
	fieldData = "data"
)

// RedisStreams is a Log backed by one Redis stream per topic partition.
//
// Consumer groups give at-least-once delivery; an ownership lease per
// (stream, group) keeps a partition on a single consumer so records of one
// key are never processed concurrently.
type RedisStreams struct {
	rdb        redis.UniversalClient
	log        *slog.Logger
	partitions int
	maxLen     int64
	block      time.Duration
	lease      time.Duration
	batch      int64
	retry      RetryPolicy
	consumer   string
	groupStart string
}

// RedisOption customizes RedisStreams.
type RedisOption func(*RedisStreams)

// WithPartitions sets the partition count. Publishers and subscribers must agree.
func WithPartitions(n int) RedisOption {
	return func(s *RedisStreams) {
		if n > 0 {
			s.partitions = n
		}
	}
}

// WithMaxLen caps every stream (approximate trimming).
func WithMaxLen(n int64) RedisOption {
	return func(s *RedisStreams) { s.maxLen = n }
}

// WithConsumerName overrides the random consumer name.
func WithConsumerName(name string) RedisOption {
	return func(s *RedisStreams) {
		if strings.TrimSpace(name) != "" {
			s.consumer = name
		}
	}
}

// WithRetryPolicy sets redelivery backoff.
func WithRetryPolicy(p RetryPolicy) RedisOption {
	return func(s *RedisStreams) { s.retry = p }
}

// WithBlock sets how long one XREADGROUP waits for new records.
func WithBlock(d time.Duration) RedisOption {
	return func(s *RedisStreams) {
		if d > 0 {
			s.block = d
		}
	}
}

// WithLease sets the partition ownership lease.
func WithLease(d time.Duration) RedisOption {
	return func(s *RedisStreams) {
		if d > 0 {
			s.lease = d
		}
	}
}

// WithGroupStart sets where newly created consumer groups begin reading.
// The default "0" replays the whole stream; "$" sees only new records, which
// suits per-instance fan-out groups.
func WithGroupStart(id string) RedisOption {
	return func(s *RedisStreams) {
		if strings.TrimSpace(id) != "" {
			s.groupStart = id
		}
	}
}

// NewRedisStreams constructs a RedisStreams log.
func NewRedisStreams(rdb redis.UniversalClient, log *slog.Logger, opts ...RedisOption) *RedisStreams {
	if log == nil {
		log = slog.Default()
	}
	s := &RedisStreams{
		rdb:        rdb,
		log:        log,
		partitions: DefaultPartitions,
		maxLen:     100_000,
		block:      2 * time.Second,
		lease:      15 * time.Second,
		batch:      16,
		retry:      DefaultRetryPolicy(),
		consumer:   "consumer-" + uuid.NewString(),
		groupStart: "0",
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Consumer returns this instance's consumer name.
func (s *RedisStreams) Consumer() string { return s.consumer }

func (s *RedisStreams) stream(topic string, partition int) string {
	return fmt.Sprintf("%s:%d", topic, partition)
}

func (s *RedisStreams) Publish(ctx context.Context, topic, key string, payload []byte) error {
	p := PartitionFor(key, s.partitions)
	args := &redis.XAddArgs{
		Stream: s.stream(topic, p),
		Values: map[string]any{fieldKey: key, fieldData: payload},
	}
	if s.maxLen > 0 {
		args.MaxLen = s.maxLen
		args.Approx = true
	}
	if err := s.rdb.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("eventlog: xadd %s: %w", args.Stream, err)
	}
	return nil
}

func (s *RedisStreams) Subscribe(ctx context.Context, topic, group string, h Handler) error {
	for p := 0; p < s.partitions; p++ {
		if err := s.ensureGroup(ctx, s.stream(topic, p), group); err != nil {
			return err
		}
	}

	s.log.Info("eventlog.subscribe",
		"backend", "redis", "topic", topic, "group", group,
		"partitions", s.partitions, "consumer", s.consumer)

	var wg sync.WaitGroup
	for p := 0; p < s.partitions; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			s.runPartition(ctx, topic, p, group, h)
		}(p)
	}
	wg.Wait()
	return nil
}

func (s *RedisStreams) ensureGroup(ctx context.Context, stream, group string) error {
	err := s.rdb.XGroupCreateMkStream(ctx, stream, group, s.groupStart).Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("eventlog: create group %s/%s: %w", stream, group, err)
	}
	return nil
}

// runPartition loops acquiring the partition lease and consuming while held.
func (s *RedisStreams) runPartition(ctx context.Context, topic string, p int, group string, h Handler) {
	stream := s.stream(topic, p)
	owner := stream + ":owner:" + group

	for ctx.Err() == nil {
		ok, err := s.rdb.SetNX(ctx, owner, s.consumer, s.lease).Result()
		if err != nil && ctx.Err() == nil {
			s.log.Warn("eventlog.lease.error", "stream", stream, "group", group, "err", err)
		}
		if !ok {
			if !sleepCtx(ctx, s.lease/3) {
				return
			}
			continue
		}

		s.log.Debug("eventlog.lease.acquired", "stream", stream, "group", group, "consumer", s.consumer)
		s.own(ctx, stream, owner, topic, p, group, h)
	}
}

// own consumes the partition until ctx ends or the lease is lost.
func (s *RedisStreams) own(ctx context.Context, stream, owner, topic string, p int, group string, h Handler) {
	pctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		t := time.NewTicker(s.lease / 3)
		defer t.Stop()
		for {
			select {
			case <-pctx.Done():
				return
			case <-t.C:
				kept, err := renewLease.Run(pctx, s.rdb, []string{owner}, s.consumer, s.lease.Milliseconds()).Int()
				if err != nil && pctx.Err() == nil {
					s.log.Warn("eventlog.lease.renew_failed", "stream", stream, "err", err)
				}
				if err == nil && kept == 0 {
					s.log.Warn("eventlog.lease.lost", "stream", stream, "group", group)
					cancel()
					return
				}
			}
		}
	}()

	defer func() {
		// Released with a fresh context; pctx is already done here.
		rctx, rcancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer rcancel()
		_ = releaseLease.Run(rctx, s.rdb, []string{owner}, s.consumer).Err()
	}()

	// Records left pending by a previous owner come first, in id order.
	if !s.drainPending(pctx, stream, topic, p, group, h) {
		return
	}

	for pctx.Err() == nil {
		res, err := s.rdb.XReadGroup(pctx, &redis.XReadGroupArgs{
			Group:    group,
			Consumer: s.consumer,
			Streams:  []string{stream, ">"},
			Count:    s.batch,
			Block:    s.block,
		}).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if pctx.Err() != nil {
				return
			}
			s.log.Warn("eventlog.read.error", "stream", stream, "err", err)
			if !sleepCtx(pctx, time.Second) {
				return
			}
			continue
		}
		for _, str := range res {
			for _, msg := range str.Messages {
				if !s.handle(pctx, stream, topic, p, group, msg, h) {
					return
				}
			}
		}
	}
}

// drainPending handles every pending record of the partition. It reports
// false only when ctx ended; a failed scan is retried from the same
// position so no newer record is read while older ones are pending.
func (s *RedisStreams) drainPending(ctx context.Context, stream, topic string, p int, group string, h Handler) bool {
	start := "0-0"
	failures := 0
	for {
		msgs, next, err := s.rdb.XAutoClaim(ctx, &redis.XAutoClaimArgs{
			Stream:   stream,
			Group:    group,
			Consumer: s.consumer,
			MinIdle:  0,
			Start:    start,
			Count:    s.batch,
		}).Result()
		if err != nil {
			if ctx.Err() != nil {
				return false
			}
			failures++
			s.log.Warn("eventlog.pending.error", "stream", stream, "attempt", failures, "err", err)
			if !sleepCtx(ctx, s.retry.backoff(failures)) {
				return false
			}
			continue
		}
		failures = 0
		for _, msg := range msgs {
			if !s.handle(ctx, stream, topic, p, group, msg, h) {
				return false
			}
		}
		if next == "" || next == "0-0" || len(msgs) == 0 {
			return true
		}
		start = next
	}
}

// handle delivers one message and acknowledges it. False means stop.
func (s *RedisStreams) handle(ctx context.Context, stream, topic string, p int, group string, msg redis.XMessage, h Handler) bool {
	rec := Record{Topic: topic, Partition: p, ID: msg.ID}
	rec.Key, _ = msg.Values[fieldKey].(string)
	switch v := msg.Values[fieldData].(type) {
	case string:
		rec.Payload = []byte(v)
	case []byte:
		rec.Payload = v
	}

	if !deliver(ctx, s.log, s.retry, h, rec) {
		return false
	}
	if err := s.rdb.XAck(ctx, stream, group, msg.ID).Err(); err != nil {
		// Unacked records are redelivered on the next lease; handlers are idempotent.
		s.log.Warn("eventlog.ack.error", "stream", stream, "id", msg.ID, "err", err)
	}
	return true
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

var renewLease = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

var releaseLease = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)
