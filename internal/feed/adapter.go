// Package feed polls prediction-market venues and publishes raw snapshots
// to the event bus. Each venue runs its own Adapter so a failing venue never
// delays another.
package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/miscalibrated/internal/domain"
	"github.com/alanyoungcy/miscalibrated/internal/metrics"
	"github.com/alanyoungcy/miscalibrated/internal/retry"
)

// Source fetches raw market records from one venue.
type Source interface {
	Platform() domain.Platform
	// Fetch returns at most limit raw records.
	Fetch(ctx context.Context, limit int) ([]json.RawMessage, error)
	// Identify extracts the venue's native identifier from a raw record.
	Identify(raw json.RawMessage) (string, error)
}

// Config holds one adapter's schedule and limits.
type Config struct {
	Interval  time.Duration
	BatchSize int
	Retry     retry.Policy
}

// CycleResult summarises one poll.
type CycleResult struct {
	Fetched   int
	Published int
	Dropped   int
}

// Adapter polls one Source on a fixed interval.
type Adapter struct {
	src     Source
	bus     domain.EventBus
	cfg     Config
	metrics *metrics.Metrics
	logger  *slog.Logger
	now     func() time.Time
}

// NewAdapter creates an Adapter for src.
func NewAdapter(src Source, bus domain.EventBus, cfg Config, m *metrics.Metrics, logger *slog.Logger) *Adapter {
	if cfg.BatchSize < 1 {
		cfg.BatchSize = 200
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	return &Adapter{
		src:     src,
		bus:     bus,
		cfg:     cfg,
		metrics: m,
		logger: logger.With(
			slog.String("component", "feed"),
			slog.String("platform", string(src.Platform())),
		),
		now: time.Now,
	}
}

// Cycle runs one poll: fetch with backoff, drop records without a usable
// identifier, and publish the rest to the venue topic keyed by that
// identifier. A fetch that is still failing after the retry budget ends the
// cycle with an error and nothing published.
func (a *Adapter) Cycle(ctx context.Context) (CycleResult, error) {
	var res CycleResult
	platform := a.src.Platform()

	var raws []json.RawMessage
	err := retry.Do(ctx, a.cfg.Retry, domain.IsRetryable, func(ctx context.Context, attempt int) error {
		var err error
		raws, err = a.src.Fetch(ctx, a.cfg.BatchSize)
		if err != nil {
			a.metrics.FetchError(string(platform))
			a.logger.Warn("fetch attempt failed",
				slog.Int("attempt", attempt),
				slog.String("error", err.Error()),
			)
		}
		return err
	})
	if err != nil {
		a.metrics.SkippedPoll(string(platform))
		return res, fmt.Errorf("feed: fetch %s: %w", platform, err)
	}
	if len(raws) > a.cfg.BatchSize {
		raws = raws[:a.cfg.BatchSize]
	}
	res.Fetched = len(raws)

	observed := a.now().UTC()
	topic := platform.Topic()
	for _, raw := range raws {
		id, err := a.src.Identify(raw)
		if err != nil {
			res.Dropped++
			a.metrics.Snapshot(string(platform), "dropped")
			a.logger.Debug("dropping record", slog.String("error", err.Error()))
			continue
		}

		payload, err := json.Marshal(domain.Snapshot{
			Platform:   platform,
			ExternalID: id,
			ObservedAt: observed,
			Payload:    raw,
		})
		if err != nil {
			res.Dropped++
			a.metrics.Snapshot(string(platform), "dropped")
			continue
		}

		if err := a.bus.Publish(ctx, topic, id, payload); err != nil {
			return res, fmt.Errorf("feed: publish %s/%s: %w", topic, id, err)
		}
		res.Published++
		a.metrics.Snapshot(string(platform), "published")
	}
	return res, nil
}

// RunLoop polls immediately and then on every interval tick until ctx is
// cancelled. Failed cycles are logged and skipped.
func (a *Adapter) RunLoop(ctx context.Context) error {
	a.logger.Info("feed adapter started", slog.Duration("interval", a.cfg.Interval))
	a.runOnce(ctx)

	ticker := time.NewTicker(a.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			a.logger.Info("feed adapter stopped")
			return ctx.Err()
		case <-ticker.C:
			a.runOnce(ctx)
		}
	}
}

func (a *Adapter) runOnce(ctx context.Context) {
	start := time.Now()
	res, err := a.Cycle(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		a.logger.Error("poll cycle skipped", slog.String("error", err.Error()))
		return
	}
	a.logger.Info("poll cycle complete",
		slog.Int("fetched", res.Fetched),
		slog.Int("published", res.Published),
		slog.Int("dropped", res.Dropped),
		slog.Duration("took", time.Since(start)),
	)
}
