package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/alanyoungcy/miscalibrated/internal/bus"
	"github.com/alanyoungcy/miscalibrated/internal/domain"
	"github.com/redis/go-redis/v9"
)

// StreamBusConfig tunes a StreamBus.
type StreamBusConfig struct {
	Partitions int
	// MaxLen caps each partition stream with XADD MAXLEN ~. Zero keeps
	// everything.
	MaxLen int64
	Batch  int64
	Block  time.Duration
}

// StreamBus implements domain.EventBus with one Redis stream per topic
// partition and Redis consumer groups for the per-group cursor.
//
// Key schema:
//
//	{topic}:p{n} - stream; entries carry fields "key", "data" and "ts"
type StreamBus struct {
	rdb *redis.Client
	cfg StreamBusConfig

	mu     sync.Mutex
	groups map[string]bool
}

// NewStreamBus creates a StreamBus backed by the given Client.
func NewStreamBus(c *Client, cfg StreamBusConfig) *StreamBus {
	if cfg.Partitions < 1 {
		cfg.Partitions = 1
	}
	if cfg.Batch < 1 {
		cfg.Batch = 64
	}
	if cfg.Block <= 0 {
		cfg.Block = 2 * time.Second
	}
	return &StreamBus{
		rdb:    c.Underlying(),
		cfg:    cfg,
		groups: make(map[string]bool),
	}
}

func streamKey(topic string, partition int) string {
	return topic + ":p" + strconv.Itoa(partition)
}

// Partitions returns the partition count.
func (b *StreamBus) Partitions() int { return b.cfg.Partitions }

// Publish appends the payload to the partition stream chosen by key. It
// returns after Redis has accepted the XADD.
func (b *StreamBus) Publish(ctx context.Context, topic, key string, payload []byte) error {
	stream := streamKey(topic, bus.Partition(key, b.cfg.Partitions))
	args := &redis.XAddArgs{
		Stream: stream,
		Values: map[string]interface{}{
			"key":  key,
			"data": payload,
			"ts":   time.Now().UnixMilli(),
		},
	}
	if b.cfg.MaxLen > 0 {
		args.MaxLen = b.cfg.MaxLen
		args.Approx = true
	}
	if err := b.rdb.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("redis: publish %s: %w", stream, err)
	}
	return nil
}

// ensureGroup creates the consumer group at the start of the stream so a new
// group sees every retained record.
func (b *StreamBus) ensureGroup(ctx context.Context, stream, group string) error {
	id := stream + "|" + group
	b.mu.Lock()
	known := b.groups[id]
	b.mu.Unlock()
	if known {
		return nil
	}

	err := b.rdb.XGroupCreateMkStream(ctx, stream, group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("redis: create group %s on %s: %w", group, stream, err)
	}

	b.mu.Lock()
	b.groups[id] = true
	b.mu.Unlock()
	return nil
}

// Fetch reads the next batch for sub. With pending set it reads the
// consumer's own unacked entries from the start of its pending list and does
// not block; otherwise it reads never-delivered entries and blocks up to the
// configured block time.
func (b *StreamBus) Fetch(ctx context.Context, sub domain.Subscription, pending bool) ([]domain.Record, error) {
	stream := streamKey(sub.Topic, sub.Partition)
	if err := b.ensureGroup(ctx, stream, sub.Group); err != nil {
		return nil, err
	}

	args := &redis.XReadGroupArgs{
		Group:    sub.Group,
		Consumer: sub.Consumer,
		Streams:  []string{stream, ">"},
		Count:    b.cfg.Batch,
		Block:    b.cfg.Block,
	}
	if pending {
		args.Streams[1] = "0"
		args.Block = -1
	}

	res, err := b.rdb.XReadGroup(ctx, args).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("redis: read %s as %s/%s: %w", stream, sub.Group, sub.Consumer, err)
	}

	var out []domain.Record
	var trimmed []string
	for _, s := range res {
		for _, msg := range s.Messages {
			rec, ok := decodeEntry(sub, msg)
			if !ok {
				// Pending entries whose data was trimmed by MAXLEN come back
				// empty; ack them so they stop reappearing.
				trimmed = append(trimmed, msg.ID)
				continue
			}
			out = append(out, rec)
		}
	}
	if len(trimmed) > 0 {
		if err := b.rdb.XAck(ctx, stream, sub.Group, trimmed...).Err(); err != nil {
			return nil, fmt.Errorf("redis: ack trimmed on %s: %w", stream, err)
		}
		if len(out) == 0 && pending {
			// Keep draining the pending list past the trimmed entries.
			return b.Fetch(ctx, sub, pending)
		}
	}
	return out, nil
}

func decodeEntry(sub domain.Subscription, msg redis.XMessage) (domain.Record, bool) {
	data, ok := msg.Values["data"]
	if !ok {
		return domain.Record{}, false
	}
	var payload []byte
	switch v := data.(type) {
	case string:
		payload = []byte(v)
	case []byte:
		payload = v
	default:
		return domain.Record{}, false
	}

	rec := domain.Record{
		Topic:     sub.Topic,
		Partition: sub.Partition,
		ID:        msg.ID,
		Payload:   payload,
	}
	if k, ok := msg.Values["key"].(string); ok {
		rec.Key = k
	}
	if ts, ok := msg.Values["ts"].(string); ok {
		if ms, err := strconv.ParseInt(ts, 10, 64); err == nil {
			rec.PublishedAt = time.UnixMilli(ms).UTC()
		}
	}
	return rec, true
}

// Ack acknowledges entries for the subscription's group.
func (b *StreamBus) Ack(ctx context.Context, sub domain.Subscription, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	stream := streamKey(sub.Topic, sub.Partition)
	if err := b.rdb.XAck(ctx, stream, sub.Group, ids...).Err(); err != nil {
		return fmt.Errorf("redis: ack %s: %w", stream, err)
	}
	return nil
}

// Compile-time interface check.
var _ domain.EventBus = (*StreamBus)(nil)
