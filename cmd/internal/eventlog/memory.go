package eventlog

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// DefaultMemoryRetention is how many consumed records a partition keeps for
// groups that subscribe later. Unconsumed records are never dropped while
// some group still needs them; with no group at all only this many are kept.
const DefaultMemoryRetention = 1024

// Memory is an in-process Log with the same ordering and retry semantics as
// RedisStreams. Every consumer group sees every record still retained.
type Memory struct {
	log        *slog.Logger
	partitions int
	retry      RetryPolicy
	retain     int

	mu     sync.Mutex
	topics map[string][]*memPartition
}

type memPartition struct {
	mu      sync.Mutex
	records []Record
	// base is the absolute offset of records[0]; offsets are absolute.
	base    int
	offsets map[string]int
	claimed map[string]bool
	wake    chan struct{}
}

// NewMemory constructs a Memory log.
func NewMemory(log *slog.Logger, partitions int, retry RetryPolicy) *Memory {
	if log == nil {
		log = slog.Default()
	}
	if partitions <= 0 {
		partitions = DefaultPartitions
	}
	return &Memory{
		log:        log,
		partitions: partitions,
		retry:      retry,
		retain:     DefaultMemoryRetention,
		topics:     make(map[string][]*memPartition),
	}
}

func (m *Memory) topic(name string) []*memPartition {
	m.mu.Lock()
	defer m.mu.Unlock()

	parts, ok := m.topics[name]
	if !ok {
		parts = make([]*memPartition, m.partitions)
		for i := range parts {
			parts[i] = &memPartition{
				offsets: make(map[string]int),
				claimed: make(map[string]bool),
				wake:    make(chan struct{}),
			}
		}
		m.topics[name] = parts
	}
	return parts
}

func (m *Memory) Publish(ctx context.Context, topic, key string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p := PartitionFor(key, m.partitions)
	part := m.topic(topic)[p]

	part.mu.Lock()
	rec := Record{
		Topic:     topic,
		Partition: p,
		Key:       key,
		ID:        fmt.Sprintf("%d-%d", p, part.base+len(part.records)),
		Payload:   append([]byte(nil), payload...),
	}
	part.records = append(part.records, rec)
	part.trim(m.retain)
	close(part.wake)
	part.wake = make(chan struct{})
	part.mu.Unlock()
	return nil
}

func (m *Memory) Subscribe(ctx context.Context, topic, group string, h Handler) error {
	parts := m.topic(topic)

	release := func(parts []*memPartition) {
		for _, part := range parts {
			part.mu.Lock()
			delete(part.claimed, group)
			part.mu.Unlock()
		}
	}
	for i, part := range parts {
		part.mu.Lock()
		if part.claimed[group] {
			part.mu.Unlock()
			release(parts[:i])
			return fmt.Errorf("eventlog: group %q already consuming %s partition %d", group, topic, i)
		}
		part.claimed[group] = true
		if _, ok := part.offsets[group]; !ok {
			part.offsets[group] = part.base
		}
		part.mu.Unlock()
	}
	defer release(parts)

	m.log.Info("eventlog.subscribe", "backend", "memory", "topic", topic, "group", group, "partitions", len(parts))

	var wg sync.WaitGroup
	for _, part := range parts {
		wg.Add(1)
		go func(part *memPartition) {
			defer wg.Done()
			m.consume(ctx, part, group, h)
		}(part)
	}
	wg.Wait()
	return nil
}

func (m *Memory) consume(ctx context.Context, part *memPartition, group string, h Handler) {
	for {
		part.mu.Lock()
		off := max(part.offsets[group], part.base)
		if off-part.base >= len(part.records) {
			wake := part.wake
			part.mu.Unlock()
			select {
			case <-ctx.Done():
				return
			case <-wake:
				continue
			}
		}
		rec := part.records[off-part.base]
		part.mu.Unlock()

		if !deliver(ctx, m.log, m.retry, h, rec) {
			return
		}

		part.mu.Lock()
		part.offsets[group] = off + 1
		part.trim(m.retain)
		part.mu.Unlock()
	}
}

// trim drops records that every known group has consumed, keeping the
// newest retain of them. Caller holds mu.
func (p *memPartition) trim(retain int) {
	low := p.base + len(p.records) - retain
	for _, off := range p.offsets {
		low = min(low, off)
	}
	n := low - p.base
	if n <= 0 {
		return
	}
	clear(p.records[:n])
	p.records = p.records[n:]
	p.base += n
}
