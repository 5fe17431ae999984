package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/miscalibrated/internal/domain"
	"github.com/alanyoungcy/miscalibrated/internal/retry"
	"golang.org/x/sync/errgroup"
)

// Handler processes one record. Returning nil acks the record. A non-nil
// error means the handler cannot make progress at all (the store is down,
// say); per-record problems must be handled inside and reported as nil.
// A handler that runs out of HandlerTimeout is not a failure: the record
// stays pending and is handed to it again, so handlers must resume from
// their persisted state.
type Handler func(ctx context.Context, rec domain.Record) error

// errDeferred marks a record whose handler ran out of time.
var errDeferred = errors.New("handler deadline expired")

// ConsumerConfig configures a Consumer.
type ConsumerConfig struct {
	Topic    string
	Group    string
	Consumer string
	// Retry bounds how often a failing handler or fetch is retried before
	// the consumer gives up and returns.
	Retry retry.Policy
	// HandlerTimeout bounds one handler call, including its retries. A
	// record in flight at shutdown gets this long to finish.
	HandlerTimeout time.Duration
}

// Consumer runs one worker per partition of a topic for one consumer group.
// On start each worker first replays records it fetched earlier but never
// acked, then reads new records. Records are handled one at a time in
// partition order and acked only after the handler returns nil.
type Consumer struct {
	bus     domain.EventBus
	cfg     ConsumerConfig
	handler Handler
	logger  *slog.Logger
}

// NewConsumer creates a Consumer.
func NewConsumer(b domain.EventBus, cfg ConsumerConfig, h Handler, logger *slog.Logger) *Consumer {
	if cfg.HandlerTimeout <= 0 {
		cfg.HandlerTimeout = 30 * time.Second
	}
	if cfg.Retry.Attempts < 1 {
		cfg.Retry.Attempts = 1
	}
	return &Consumer{
		bus:     b,
		cfg:     cfg,
		handler: h,
		logger: logger.With(
			slog.String("component", "consumer"),
			slog.String("topic", cfg.Topic),
			slog.String("group", cfg.Group),
		),
	}
}

// Run blocks until ctx is cancelled or a partition worker fails. It returns
// nil on cancellation.
func (c *Consumer) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for p := 0; p < c.bus.Partitions(); p++ {
		g.Go(func() error {
			return c.runPartition(gctx, p)
		})
	}
	return g.Wait()
}

func (c *Consumer) runPartition(ctx context.Context, partition int) error {
	sub := domain.Subscription{
		Topic:     c.cfg.Topic,
		Group:     c.cfg.Group,
		Consumer:  c.cfg.Consumer,
		Partition: partition,
	}
	logger := c.logger.With(slog.Int("partition", partition))
	logger.Debug("partition worker started")

	pending := true
	failures := 0
	deferrals := 0
	for {
		if ctx.Err() != nil {
			logger.Debug("partition worker stopped")
			return nil
		}

		recs, err := c.bus.Fetch(ctx, sub, pending)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			failures++
			if failures >= c.cfg.Retry.Attempts {
				return fmt.Errorf("bus: fetch %s/%d: %w", sub.Topic, partition, err)
			}
			logger.Warn("fetch failed",
				slog.Int("failures", failures),
				slog.String("error", err.Error()),
			)
			if !sleep(ctx, c.cfg.Retry.Delay(failures)) {
				return nil
			}
			continue
		}
		failures = 0

		if len(recs) == 0 {
			if pending {
				pending = false
			}
			continue
		}

		for _, rec := range recs {
			// Anything not yet handled stays pending and is replayed on the
			// next start.
			if ctx.Err() != nil {
				return nil
			}
			err := c.process(ctx, sub, rec)
			if errors.Is(err, errDeferred) {
				// Re-read from the pending list so the record is resumed
				// before anything published after it.
				deferrals++
				logger.Warn("handler timed out; record will be resumed",
					slog.String("record_id", rec.ID),
					slog.Int("deferrals", deferrals),
				)
				pending = true
				if !sleep(ctx, c.cfg.Retry.Delay(deferrals)) {
					return nil
				}
				break
			}
			if err != nil {
				return err
			}
			deferrals = 0
		}
	}
}

func (c *Consumer) process(ctx context.Context, sub domain.Subscription, rec domain.Record) error {
	hctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.HandlerTimeout)
	defer cancel()

	err := retry.Do(hctx, c.cfg.Retry, func(error) bool { return hctx.Err() == nil }, func(ctx context.Context, attempt int) error {
		return c.handler(ctx, rec)
	})
	if err != nil {
		if hctx.Err() != nil {
			return errDeferred
		}
		return fmt.Errorf("bus: handle %s/%d record %s: %w", sub.Topic, sub.Partition, rec.ID, err)
	}

	if err := c.bus.Ack(hctx, sub, rec.ID); err != nil {
		return fmt.Errorf("bus: ack %s/%d record %s: %w", sub.Topic, sub.Partition, rec.ID, err)
	}
	return nil
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
