package domain

import (
	"context"
	"time"
)

// Bus topics.
const (
	TopicNewsFeed          = "news.feed"
	TopicMarketsNormalized = "markets.normalized"
	TopicAlertsTriggered   = "alerts.triggered"
	TopicIngestRejected    = "ingest.rejected"
)

// Record is one entry read from a bus partition.
type Record struct {
	Topic       string
	Partition   int
	ID          string
	Key         string
	Payload     []byte
	PublishedAt time.Time
}

// Subscription names the cursor a consumer reads through: one consumer of a
// group bound to one partition of a topic.
type Subscription struct {
	Topic     string
	Group     string
	Consumer  string
	Partition int
}

// EventBus is an ordered, partitioned, durable log. Records sharing a key land
// on the same partition and are delivered to a group in publish order.
// Delivery is at-least-once: a record fetched but not acked is redelivered to
// the same consumer when it fetches pending records again.
type EventBus interface {
	// Publish returns once the record has been durably accepted.
	Publish(ctx context.Context, topic, key string, payload []byte) error
	// Fetch returns the next records for sub. With pending set it returns
	// records previously delivered to this consumer and never acked.
	Fetch(ctx context.Context, sub Subscription, pending bool) ([]Record, error)
	// Ack advances the group's cursor past the given records.
	Ack(ctx context.Context, sub Subscription, ids ...string) error
	// Partitions returns the partition count shared by every topic.
	Partitions() int
}

// SignalBus is fire-and-forget pub/sub used for live fan-out to websocket
// clients. Unlike EventBus nothing is retained.
type SignalBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
}
