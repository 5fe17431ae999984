// Package dispatch publishes newly created edges to alerts.triggered and
// re-publishes any edge whose dispatch was lost.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/alanyoungcy/miscalibrated/internal/domain"
	"github.com/alanyoungcy/miscalibrated/internal/metrics"
)

// ChannelEdges is the signal channel live edge alerts are broadcast on.
const ChannelEdges = "ch:edges"

// Config holds the recovery schedule.
type Config struct {
	// Grace is how old an undispatched edge must be before recovery
	// re-publishes it, leaving the in-line path time to finish.
	Grace    time.Duration
	Interval time.Duration
	Batch    int
}

// Dispatcher publishes edges at least once. An edge is marked dispatched
// only after the bus accepted it, so a crash in between leaves it for
// Recover.
type Dispatcher struct {
	bus     domain.EventBus
	edges   domain.EdgeStore
	markets domain.MarketStore
	signals domain.SignalBus
	cfg     Config
	metrics *metrics.Metrics
	logger  *slog.Logger
	now     func() time.Time
}

// New creates a Dispatcher. signals may be nil.
func New(b domain.EventBus, edges domain.EdgeStore, markets domain.MarketStore, signals domain.SignalBus, cfg Config, m *metrics.Metrics, logger *slog.Logger) *Dispatcher {
	if cfg.Grace <= 0 {
		cfg.Grace = 30 * time.Second
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.Batch < 1 {
		cfg.Batch = 200
	}
	return &Dispatcher{
		bus:     b,
		edges:   edges,
		markets: markets,
		signals: signals,
		cfg:     cfg,
		metrics: m,
		logger:  logger.With(slog.String("component", "dispatcher")),
		now:     time.Now,
	}
}

// Dispatch publishes e to alerts.triggered keyed by its market and records
// the dispatch.
func (d *Dispatcher) Dispatch(ctx context.Context, e domain.Edge, m domain.Market) error {
	if err := d.publish(ctx, e, m); err != nil {
		return err
	}
	d.metrics.Dispatch("inline")
	return nil
}

func (d *Dispatcher) publish(ctx context.Context, e domain.Edge, m domain.Market) error {
	payload, err := json.Marshal(domain.NewEdgeAlert(e, m))
	if err != nil {
		return fmt.Errorf("dispatch: encode edge %s: %w", e.ID, err)
	}
	key := strconv.FormatInt(e.MarketID, 10)
	if err := d.bus.Publish(ctx, domain.TopicAlertsTriggered, key, payload); err != nil {
		return fmt.Errorf("dispatch: publish edge %s: %w", e.ID, err)
	}
	if err := d.edges.MarkDispatched(ctx, e.ID, d.now().UTC()); err != nil {
		return fmt.Errorf("dispatch: mark edge %s: %w", e.ID, err)
	}

	if d.signals != nil {
		if err := d.signals.Publish(ctx, ChannelEdges, payload); err != nil {
			d.logger.Warn("live broadcast failed",
				slog.String("edge_id", e.ID),
				slog.String("error", err.Error()),
			)
		}
	}
	return nil
}

// Recover re-publishes every edge older than the grace period that has no
// dispatch record, and returns how many it published.
func (d *Dispatcher) Recover(ctx context.Context) (int, error) {
	cutoff := d.now().Add(-d.cfg.Grace)
	total := 0
	for {
		batch, err := d.edges.ListUndispatched(ctx, cutoff, d.cfg.Batch)
		if err != nil {
			return total, fmt.Errorf("dispatch: list undispatched: %w", err)
		}
		for _, e := range batch {
			m, err := d.markets.GetByID(ctx, e.MarketID)
			if err != nil {
				return total, fmt.Errorf("dispatch: load market %d: %w", e.MarketID, err)
			}
			if err := d.publish(ctx, e, m); err != nil {
				return total, err
			}
			total++
			d.metrics.Dispatch("recovered")
			d.logger.Info("edge re-dispatched", slog.String("edge_id", e.ID), slog.Time("detected_at", e.DetectedAt))
		}
		if len(batch) < d.cfg.Batch {
			return total, nil
		}
	}
}

// RunRecovery runs Recover immediately and then on every interval tick.
// Failures are logged and retried on the next tick.
func (d *Dispatcher) RunRecovery(ctx context.Context) error {
	ticker := time.NewTicker(d.cfg.Interval)
	defer ticker.Stop()

	for {
		n, err := d.Recover(ctx)
		switch {
		case ctx.Err() != nil:
			return ctx.Err()
		case err != nil:
			d.logger.Error("recovery pass failed", slog.String("error", err.Error()))
		case n > 0:
			d.logger.Info("recovery pass complete", slog.Int("republished", n))
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
