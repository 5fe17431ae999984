package bus

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/alanyoungcy/miscalibrated/internal/domain"
)

// MemoryLog is an in-process domain.EventBus. It keeps every record for the
// life of the process and tracks per-group cursors and per-consumer pending
// sets the same way a Redis Streams consumer group does. It is meant for
// tests and single-process runs; nothing survives a restart.
type MemoryLog struct {
	partitions int
	batch      int
	block      time.Duration

	mu     sync.Mutex
	topics map[string][]*memPartition
	wake   chan struct{}
}

type memPartition struct {
	records []domain.Record
	groups  map[string]*memGroup
}

type memGroup struct {
	next    int
	pending map[string]map[int]bool // consumer -> offsets delivered, not acked
}

// NewMemoryLog creates a MemoryLog with the given partition count. Fetch
// returns at most batch records and waits up to block for new ones.
func NewMemoryLog(partitions, batch int, block time.Duration) *MemoryLog {
	if partitions < 1 {
		partitions = 1
	}
	if batch < 1 {
		batch = 64
	}
	if block <= 0 {
		block = 100 * time.Millisecond
	}
	return &MemoryLog{
		partitions: partitions,
		batch:      batch,
		block:      block,
		topics:     make(map[string][]*memPartition),
		wake:       make(chan struct{}),
	}
}

// Partitions returns the partition count.
func (m *MemoryLog) Partitions() int { return m.partitions }

func (m *MemoryLog) partition(topic string, p int) *memPartition {
	parts, ok := m.topics[topic]
	if !ok {
		parts = make([]*memPartition, m.partitions)
		for i := range parts {
			parts[i] = &memPartition{groups: make(map[string]*memGroup)}
		}
		m.topics[topic] = parts
	}
	return parts[p]
}

func (mp *memPartition) group(name string) *memGroup {
	g, ok := mp.groups[name]
	if !ok {
		g = &memGroup{pending: make(map[string]map[int]bool)}
		mp.groups[name] = g
	}
	return g
}

// Publish appends the record to the partition chosen by key.
func (m *MemoryLog) Publish(ctx context.Context, topic, key string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p := Partition(key, m.partitions)

	m.mu.Lock()
	mp := m.partition(topic, p)
	offset := len(mp.records)
	data := make([]byte, len(payload))
	copy(data, payload)
	mp.records = append(mp.records, domain.Record{
		Topic:       topic,
		Partition:   p,
		ID:          strconv.Itoa(offset),
		Key:         key,
		Payload:     data,
		PublishedAt: time.Now().UTC(),
	})
	close(m.wake)
	m.wake = make(chan struct{})
	m.mu.Unlock()
	return nil
}

// Fetch implements domain.EventBus.
func (m *MemoryLog) Fetch(ctx context.Context, sub domain.Subscription, pending bool) ([]domain.Record, error) {
	if sub.Partition < 0 || sub.Partition >= m.partitions {
		return nil, fmt.Errorf("bus: partition %d out of range", sub.Partition)
	}

	var timeout <-chan time.Time
	if !pending {
		t := time.NewTimer(m.block)
		defer t.Stop()
		timeout = t.C
	}

	for {
		m.mu.Lock()
		mp := m.partition(sub.Topic, sub.Partition)
		g := mp.group(sub.Group)
		if pending {
			out := m.pendingLocked(mp, g, sub.Consumer)
			m.mu.Unlock()
			return out, nil
		}
		if g.next < len(mp.records) {
			end := g.next + m.batch
			if end > len(mp.records) {
				end = len(mp.records)
			}
			owned := g.pending[sub.Consumer]
			if owned == nil {
				owned = make(map[int]bool)
				g.pending[sub.Consumer] = owned
			}
			out := make([]domain.Record, 0, end-g.next)
			for i := g.next; i < end; i++ {
				owned[i] = true
				out = append(out, mp.records[i])
			}
			g.next = end
			m.mu.Unlock()
			return out, nil
		}
		wake := m.wake
		m.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timeout:
			return nil, nil
		case <-wake:
		}
	}
}

func (m *MemoryLog) pendingLocked(mp *memPartition, g *memGroup, consumer string) []domain.Record {
	owned := g.pending[consumer]
	if len(owned) == 0 {
		return nil
	}
	offsets := make([]int, 0, len(owned))
	for off := range owned {
		offsets = append(offsets, off)
	}
	sort.Ints(offsets)
	if len(offsets) > m.batch {
		offsets = offsets[:m.batch]
	}
	out := make([]domain.Record, 0, len(offsets))
	for _, off := range offsets {
		out = append(out, mp.records[off])
	}
	return out
}

// Ack removes the records from the consumer's pending set.
func (m *MemoryLog) Ack(ctx context.Context, sub domain.Subscription, ids ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	g := m.partition(sub.Topic, sub.Partition).group(sub.Group)
	owned := g.pending[sub.Consumer]
	for _, id := range ids {
		off, err := strconv.Atoi(id)
		if err != nil {
			return fmt.Errorf("bus: ack %s: bad id %q", sub.Topic, id)
		}
		delete(owned, off)
	}
	return nil
}

// Len returns the number of records ever published to topic.
func (m *MemoryLog) Len(topic string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, mp := range m.topics[topic] {
		n += len(mp.records)
	}
	return n
}

// Records returns a copy of every record published to topic, partition by
// partition.
func (m *MemoryLog) Records(topic string) []domain.Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Record
	for _, mp := range m.topics[topic] {
		out = append(out, mp.records...)
	}
	return out
}

var _ domain.EventBus = (*MemoryLog)(nil)
