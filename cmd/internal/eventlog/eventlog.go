// Package eventlog is the partitioned publish/subscribe log that decouples
// message ingestion (gateway) from persistence and fan-out (worker).
//
// Records are routed to a partition by key; every partition is consumed by a
// single goroutine per consumer group, in order. A handler error leaves the
// record unacknowledged and it is retried before anything behind it. Handlers
// wrap ErrPoison to drop a record that can never succeed.
package eventlog

import (
	"context"
	"errors"
	"hash/fnv"
	"log/slog"
	"time"
)

// Well-known topics.
const (
	TopicMessageCreate    = "chat.message.create"
	TopicMessagePersisted = "chat.message.persisted"
	TopicNotification     = "chat.notification"
)

// DefaultPartitions is the partition count per topic.
const DefaultPartitions = 16

// ErrPoison marks a record that is acknowledged and dropped instead of retried.
var ErrPoison = errors.New("eventlog: poison record")

// Record is one delivered log entry.
type Record struct {
	Topic     string
	Partition int
	Key       string
	ID        string
	Payload   []byte
}

// Handler processes one record. Returning nil acknowledges it.
type Handler func(ctx context.Context, rec Record) error

// Publisher appends records.
type Publisher interface {
	Publish(ctx context.Context, topic, key string, payload []byte) error
}

// Subscriber consumes a topic as part of a consumer group. Subscribe blocks
// until ctx is done.
type Subscriber interface {
	Subscribe(ctx context.Context, topic, group string, h Handler) error
}

// Log is both halves.
type Log interface {
	Publisher
	Subscriber
}

// PartitionFor maps a key onto [0, partitions).
func PartitionFor(key string, partitions int) int {
	if partitions <= 1 {
		return 0
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % uint32(partitions))
}

// RetryPolicy controls redelivery of a failed record.
type RetryPolicy struct {
	Initial time.Duration
	Max     time.Duration
}

// DefaultRetryPolicy backs off from 100ms up to 10s.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{Initial: 100 * time.Millisecond, Max: 10 * time.Second}
}

func (p RetryPolicy) backoff(attempt int) time.Duration {
	d := p.Initial
	if d <= 0 {
		d = 100 * time.Millisecond
	}
	for i := 1; i < attempt; i++ {
		d *= 2
		if p.Max > 0 && d >= p.Max {
			return p.Max
		}
	}
	return d
}

// deliver runs h until it succeeds or poisons the record. It reports false
// only when ctx ended first, in which case the record must stay unacknowledged.
func deliver(ctx context.Context, log *slog.Logger, policy RetryPolicy, h Handler, rec Record) bool {
	for attempt := 1; ; attempt++ {
		err := h(ctx, rec)
		if err == nil {
			return true
		}
		if errors.Is(err, ErrPoison) {
			log.Warn("eventlog.record.poison", "topic", rec.Topic, "partition", rec.Partition, "id", rec.ID, "err", err)
			return true
		}

		wait := policy.backoff(attempt)
		log.Warn("eventlog.record.retry",
			"topic", rec.Topic, "partition", rec.Partition, "id", rec.ID,
			"attempt", attempt, "backoff_ms", wait.Milliseconds(), "err", err)

		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return false
		case <-t.C:
		}
	}
}
