package calibration

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/miscalibrated/internal/domain"
	"github.com/alanyoungcy/miscalibrated/internal/metrics"
)

// Dispatcher publishes a freshly created edge.
type Dispatcher interface {
	Dispatch(ctx context.Context, e domain.Edge, m domain.Market) error
}

// Config holds the engine's thresholds and limits.
type Config struct {
	// MinEdge is the smallest |model - market| that produces an Edge.
	MinEdge float64
	// Cooldown is the minimum time between two Edges of one market.
	Cooldown      time.Duration
	LeaseTTL      time.Duration
	ScoreTimeout  time.Duration
	SweepInterval time.Duration
	Concurrency   int
	PageSize      int
	// MaxRelated caps the chunks passed to the scorer; zero passes none.
	MaxRelated int
}

// Outcome is what happened to one market in one calibration.
type Outcome string

const (
	OutcomeEdge           Outcome = "edge"
	OutcomeBelowThreshold Outcome = "below_threshold"
	OutcomeCooldown       Outcome = "cooldown"
	OutcomeScoreFailed    Outcome = "score_failed"
	OutcomeLocked         Outcome = "locked"
	OutcomeClosed         Outcome = "closed"
)

// SweepResult counts outcomes across one sweep.
type SweepResult struct {
	Markets  int
	Outcomes map[Outcome]int
}

// Engine scores open markets and records edges.
type Engine struct {
	markets    domain.MarketStore
	edges      domain.EdgeStore
	chunks     domain.ChunkStore
	locks      domain.LockManager
	scorer     domain.Scorer
	dispatcher Dispatcher
	cfg        Config
	metrics    *metrics.Metrics
	logger     *slog.Logger
	now        func() time.Time
	newID      func() string
}

// NewEngine creates an Engine. chunks may be nil when no news is ingested.
func NewEngine(
	markets domain.MarketStore,
	edges domain.EdgeStore,
	chunks domain.ChunkStore,
	locks domain.LockManager,
	scorer domain.Scorer,
	dispatcher Dispatcher,
	cfg Config,
	m *metrics.Metrics,
	logger *slog.Logger,
) *Engine {
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = 30 * time.Second
	}
	if cfg.ScoreTimeout <= 0 {
		cfg.ScoreTimeout = 10 * time.Second
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 2 * time.Minute
	}
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	if cfg.PageSize < 1 {
		cfg.PageSize = 500
	}
	return &Engine{
		markets:    markets,
		edges:      edges,
		chunks:     chunks,
		locks:      locks,
		scorer:     scorer,
		dispatcher: dispatcher,
		cfg:        cfg,
		metrics:    m,
		logger:     logger.With(slog.String("component", "calibration")),
		now:        time.Now,
		newID:      uuid.NewString,
	}
}

// CalibrateMarket scores one market under its per-market lease and creates
// an Edge when the divergence reaches MinEdge and the market is out of
// cooldown. Scoring failures skip the market and are not returned; store
// failures are.
func (e *Engine) CalibrateMarket(ctx context.Context, m domain.Market) (Outcome, error) {
	unlock, err := e.locks.Acquire(ctx, "calibrate:"+m.Key(), e.cfg.LeaseTTL)
	if errors.Is(err, domain.ErrLockHeld) {
		e.metrics.Calibration(string(OutcomeLocked))
		return OutcomeLocked, nil
	}
	if err != nil {
		return "", fmt.Errorf("calibration: lease %s: %w", m.Key(), err)
	}
	defer unlock()

	// Re-read under the lease so the price is the latest applied snapshot.
	id := m.ID
	m, err = e.markets.GetByID(ctx, id)
	if err != nil {
		return "", fmt.Errorf("calibration: load market %d: %w", id, err)
	}
	if !m.IsOpen {
		e.metrics.Calibration(string(OutcomeClosed))
		return OutcomeClosed, nil
	}

	in := domain.ScoreInput{Market: m}
	if e.chunks != nil && e.cfg.MaxRelated > 0 {
		in.Related, err = e.chunks.ForMarket(ctx, m.ID, e.cfg.MaxRelated)
		if err != nil {
			return "", fmt.Errorf("calibration: related chunks %d: %w", m.ID, err)
		}
	}

	prob, err := e.score(ctx, in)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		e.metrics.Calibration(string(OutcomeScoreFailed))
		e.logger.Warn("scoring failed, skipping market",
			slog.Int64("market_id", m.ID),
			slog.String("scorer", e.scorer.Name()),
			slog.String("error", err.Error()),
		)
		return OutcomeScoreFailed, nil
	}

	edge, err := domain.NewEdge(e.newID(), m.ID, m.MarketProbability, prob, e.now().UTC())
	if err != nil {
		e.metrics.Calibration(string(OutcomeScoreFailed))
		e.logger.Warn("edge rejected", slog.Int64("market_id", m.ID), slog.String("error", err.Error()))
		return OutcomeScoreFailed, nil
	}
	if !domain.MeetsThreshold(edge.EdgeMagnitude, e.cfg.MinEdge) {
		e.metrics.Calibration(string(OutcomeBelowThreshold))
		return OutcomeBelowThreshold, nil
	}

	created, err := e.edges.CreateIfCool(ctx, edge, e.cfg.Cooldown)
	if err != nil {
		return "", fmt.Errorf("calibration: create edge for %d: %w", m.ID, err)
	}
	if !created {
		e.metrics.Calibration(string(OutcomeCooldown))
		return OutcomeCooldown, nil
	}
	e.metrics.Calibration(string(OutcomeEdge))
	e.logger.Info("edge detected",
		slog.String("edge_id", edge.ID),
		slog.Int64("market_id", m.ID),
		slog.String("platform", string(m.Platform)),
		slog.Float64("market_probability", edge.MarketProbability),
		slog.Float64("model_probability", edge.ModelProbability),
		slog.Float64("edge_magnitude", edge.EdgeMagnitude),
		slog.String("direction", string(edge.Direction)),
	)

	// An undispatched edge is picked up by the dispatcher's recovery loop.
	if err := e.dispatcher.Dispatch(ctx, edge, m); err != nil {
		e.logger.Error("dispatch failed, left for recovery",
			slog.String("edge_id", edge.ID),
			slog.String("error", err.Error()),
		)
	}
	return OutcomeEdge, nil
}

func (e *Engine) score(ctx context.Context, in domain.ScoreInput) (float64, error) {
	sctx, cancel := context.WithTimeout(ctx, e.cfg.ScoreTimeout)
	defer cancel()

	start := time.Now()
	prob, err := e.scorer.Score(sctx, in)
	e.metrics.ObserveScoring(e.scorer.Name(), time.Since(start))
	if err != nil {
		return 0, err
	}
	if math.IsNaN(prob) || prob < 0 || prob > 1 {
		return 0, fmt.Errorf("%w: probability %v outside [0,1]", domain.ErrScoring, prob)
	}
	return prob, nil
}

// Sweep calibrates every open market with bounded concurrency.
func (e *Engine) Sweep(ctx context.Context) (SweepResult, error) {
	res := SweepResult{Outcomes: make(map[Outcome]int)}
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.Concurrency)

	// Keyset paging: markets closing mid-sweep must not shift later pages.
	var lastID int64
	for {
		page, err := e.markets.ListOpen(gctx, domain.MarketFilter{
			AfterID:  lastID,
			ListOpts: domain.ListOpts{Limit: e.cfg.PageSize},
		})
		if err != nil {
			if werr := g.Wait(); werr != nil {
				return res, werr
			}
			return res, fmt.Errorf("calibration: list open markets: %w", err)
		}
		for _, m := range page {
			lastID = m.ID
			g.Go(func() error {
				out, err := e.CalibrateMarket(gctx, m)
				if err != nil {
					return err
				}
				mu.Lock()
				res.Markets++
				res.Outcomes[out]++
				mu.Unlock()
				return nil
			})
		}
		if len(page) < e.cfg.PageSize {
			break
		}
	}

	err := g.Wait()
	return res, err
}

// Handle consumes markets.normalized and calibrates the referenced market
// right away.
func (e *Engine) Handle(ctx context.Context, rec domain.Record) error {
	var ref domain.MarketRef
	if err := json.Unmarshal(rec.Payload, &ref); err != nil || ref.MarketID == 0 {
		e.logger.Warn("malformed market ref", slog.String("key", rec.Key))
		return nil
	}
	m, err := e.markets.GetByID(ctx, ref.MarketID)
	if errors.Is(err, domain.ErrNotFound) {
		e.logger.Warn("market ref points nowhere", slog.Int64("market_id", ref.MarketID))
		return nil
	}
	if err != nil {
		return fmt.Errorf("calibration: load market %d: %w", ref.MarketID, err)
	}
	if !m.IsOpen {
		return nil
	}
	_, err = e.CalibrateMarket(ctx, m)
	return err
}

// RunLoop sweeps immediately and then on every interval tick until ctx is
// cancelled. A sweep that fails on the store is returned.
func (e *Engine) RunLoop(ctx context.Context) error {
	e.logger.Info("calibration sweeper started",
		slog.Duration("interval", e.cfg.SweepInterval),
		slog.Float64("min_edge", e.cfg.MinEdge),
		slog.Duration("cooldown", e.cfg.Cooldown),
		slog.String("scorer", e.scorer.Name()),
	)
	ticker := time.NewTicker(e.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		start := time.Now()
		res, err := e.Sweep(ctx)
		if ctx.Err() != nil {
			e.logger.Info("calibration sweeper stopped")
			return ctx.Err()
		}
		if err != nil {
			return err
		}
		e.logger.Info("sweep complete",
			slog.Int("markets", res.Markets),
			slog.Int("edges", res.Outcomes[OutcomeEdge]),
			slog.Int("cooldown", res.Outcomes[OutcomeCooldown]),
			slog.Int("score_failed", res.Outcomes[OutcomeScoreFailed]),
			slog.Duration("took", time.Since(start)),
		)

		select {
		case <-ctx.Done():
			e.logger.Info("calibration sweeper stopped")
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
