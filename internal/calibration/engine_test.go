package calibration

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/miscalibrated/internal/domain"
	"github.com/alanyoungcy/miscalibrated/internal/store/memstore"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

var t0 = time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)

type fixedScorer struct {
	mu    sync.Mutex
	probs map[string]float64
	errs  map[string]error
	block bool
	calls int
	// onScore runs before each score, outside the lock.
	onScore func(ext string)
}

func (s *fixedScorer) Name() string { return "fixed" }

func (s *fixedScorer) Score(ctx context.Context, in domain.ScoreInput) (float64, error) {
	s.mu.Lock()
	s.calls++
	p, ok := s.probs[in.Market.ExternalID]
	err := s.errs[in.Market.ExternalID]
	s.mu.Unlock()

	if s.onScore != nil {
		s.onScore(in.Market.ExternalID)
	}
	if s.block {
		<-ctx.Done()
		return 0, ctx.Err()
	}
	if err != nil {
		return 0, err
	}
	if !ok {
		return in.Market.MarketProbability, nil
	}
	return p, nil
}

type recordingDispatcher struct {
	mu    sync.Mutex
	edges []domain.Edge
	err   error
}

func (d *recordingDispatcher) Dispatch(ctx context.Context, e domain.Edge, m domain.Market) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.edges = append(d.edges, e)
	return d.err
}

func (d *recordingDispatcher) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.edges)
}

type fixture struct {
	store      *memstore.Store
	locks      *memstore.LockManager
	scorer     *fixedScorer
	dispatcher *recordingDispatcher
	engine     *Engine
	clock      time.Time
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	f := &fixture{
		store:      memstore.New(),
		locks:      memstore.NewLockManager(),
		scorer:     &fixedScorer{probs: map[string]float64{}, errs: map[string]error{}},
		dispatcher: &recordingDispatcher{},
		clock:      t0,
	}
	f.engine = NewEngine(f.store.Markets(), f.store.Edges(), f.store.Chunks(), f.locks, f.scorer, f.dispatcher, cfg, nil, discardLogger())
	f.engine.now = func() time.Time { return f.clock }
	return f
}

func (f *fixture) market(t *testing.T, ext string, prob float64) domain.Market {
	t.Helper()
	ctx := context.Background()
	_, _, err := f.store.Markets().Upsert(ctx, domain.Market{
		Platform:          domain.PlatformKalshi,
		ExternalID:        ext,
		Title:             "Market " + ext,
		MarketProbability: prob,
		IsOpen:            true,
		UpdatedAt:         t0,
	})
	require.NoError(t, err)
	m, err := f.store.Markets().GetByIdentity(ctx, domain.PlatformKalshi, ext)
	require.NoError(t, err)
	return m
}

func defaultConfig() Config {
	return Config{MinEdge: 0.05, Cooldown: time.Hour, Concurrency: 4, PageSize: 10}
}

func TestCalibrateCreatesEdge(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, defaultConfig())
	m := f.market(t, "FED", 0.34)
	f.scorer.probs["FED"] = 0.47

	out, err := f.engine.CalibrateMarket(ctx, m)
	require.NoError(t, err)
	assert.Equal(t, OutcomeEdge, out)

	require.Equal(t, 1, f.dispatcher.count())
	e := f.dispatcher.edges[0]
	assert.InDelta(t, 0.13, e.EdgeMagnitude, 1e-9)
	assert.Equal(t, e.ModelProbability-e.MarketProbability, e.EdgeMagnitude)
	assert.Equal(t, domain.DirectionYes, e.Direction)
	assert.Equal(t, t0, e.DetectedAt)
	assert.NotEmpty(t, e.ID)

	stored, err := f.store.Edges().GetByID(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, m.ID, stored.MarketID)
}

func TestCalibrateNegativeEdgeIsNo(t *testing.T) {
	f := newFixture(t, defaultConfig())
	m := f.market(t, "FED", 0.60)
	f.scorer.probs["FED"] = 0.40

	out, err := f.engine.CalibrateMarket(context.Background(), m)
	require.NoError(t, err)
	assert.Equal(t, OutcomeEdge, out)
	assert.Equal(t, domain.DirectionNo, f.dispatcher.edges[0].Direction)
	assert.InDelta(t, -0.20, f.dispatcher.edges[0].EdgeMagnitude, 1e-9)
}

func TestCalibrateBelowThreshold(t *testing.T) {
	f := newFixture(t, defaultConfig())
	m := f.market(t, "FED", 0.34)
	f.scorer.probs["FED"] = 0.38

	out, err := f.engine.CalibrateMarket(context.Background(), m)
	require.NoError(t, err)
	assert.Equal(t, OutcomeBelowThreshold, out)
	assert.Zero(t, f.dispatcher.count())
}

func TestEdgeAtThresholdIsCreated(t *testing.T) {
	f := newFixture(t, defaultConfig())
	m := f.market(t, "FED", 0.40)
	f.scorer.probs["FED"] = 0.45 // 0.45-0.40 is 0.04999999999999999 in float64

	out, err := f.engine.CalibrateMarket(context.Background(), m)
	require.NoError(t, err)
	assert.Equal(t, OutcomeEdge, out)
	require.Equal(t, 1, f.dispatcher.count())
	assert.Equal(t, domain.DirectionYes, f.dispatcher.edges[0].Direction)
}

func TestCooldownBoundaries(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, defaultConfig())
	m := f.market(t, "FED", 0.34)
	f.scorer.probs["FED"] = 0.47

	out, err := f.engine.CalibrateMarket(ctx, m)
	require.NoError(t, err)
	require.Equal(t, OutcomeEdge, out)

	// Too short: a price flapping around the threshold inside the window
	// must not produce a second edge.
	for _, d := range []time.Duration{time.Minute, 30 * time.Minute, 59 * time.Minute} {
		f.clock = t0.Add(d)
		out, err = f.engine.CalibrateMarket(ctx, m)
		require.NoError(t, err)
		assert.Equal(t, OutcomeCooldown, out, "after %s", d)
	}

	// Too long is avoided too: once the window has passed a still-wide
	// divergence is a new episode.
	f.clock = t0.Add(time.Hour)
	out, err = f.engine.CalibrateMarket(ctx, m)
	require.NoError(t, err)
	assert.Equal(t, OutcomeEdge, out)
	assert.Equal(t, 2, f.dispatcher.count())
}

func TestScoringFailureIsolatesMarket(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, defaultConfig())
	f.market(t, "A", 0.30)
	f.market(t, "B", 0.30)
	f.market(t, "C", 0.30)
	f.scorer.probs["A"] = 0.50
	f.scorer.errs["B"] = fmt.Errorf("%w: model offline", domain.ErrScoring)
	f.scorer.probs["C"] = 0.50

	res, err := f.engine.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Markets)
	assert.Equal(t, 2, res.Outcomes[OutcomeEdge])
	assert.Equal(t, 1, res.Outcomes[OutcomeScoreFailed])
}

func TestOutOfRangeScoreIsSkipped(t *testing.T) {
	f := newFixture(t, defaultConfig())
	m := f.market(t, "A", 0.30)
	f.scorer.probs["A"] = 1.3

	out, err := f.engine.CalibrateMarket(context.Background(), m)
	require.NoError(t, err)
	assert.Equal(t, OutcomeScoreFailed, out)
}

func TestScoringTimeout(t *testing.T) {
	cfg := defaultConfig()
	cfg.ScoreTimeout = 10 * time.Millisecond
	f := newFixture(t, cfg)
	m := f.market(t, "A", 0.30)
	f.scorer.block = true

	out, err := f.engine.CalibrateMarket(context.Background(), m)
	require.NoError(t, err)
	assert.Equal(t, OutcomeScoreFailed, out)
}

func TestLeaseSerialisesMarket(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, defaultConfig())
	m := f.market(t, "FED", 0.34)
	f.scorer.probs["FED"] = 0.47

	unlock, err := f.locks.Acquire(ctx, "calibrate:"+m.Key(), time.Minute)
	require.NoError(t, err)

	out, err := f.engine.CalibrateMarket(ctx, m)
	require.NoError(t, err)
	assert.Equal(t, OutcomeLocked, out)
	assert.Zero(t, f.scorer.calls)

	unlock()
	out, err = f.engine.CalibrateMarket(ctx, m)
	require.NoError(t, err)
	assert.Equal(t, OutcomeEdge, out)
}

func TestConcurrentCalibrationsCreateOneEdge(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, defaultConfig())
	m := f.market(t, "FED", 0.34)
	f.scorer.probs["FED"] = 0.47

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.engine.CalibrateMarket(ctx, m)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	edges, err := f.store.Edges().List(ctx, domain.EdgeFilter{MarketID: m.ID})
	require.NoError(t, err)
	assert.Len(t, edges, 1)
}

func TestSweepPagesEveryOpenMarket(t *testing.T) {
	f := newFixture(t, defaultConfig())
	for i := 0; i < 25; i++ {
		ext := fmt.Sprintf("M%02d", i)
		f.market(t, ext, 0.20)
		f.scorer.probs[ext] = 0.40
	}

	res, err := f.engine.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 25, res.Markets)
	assert.Equal(t, 25, res.Outcomes[OutcomeEdge])
	assert.Equal(t, 25, f.dispatcher.count())
}

func TestSweepSurvivesMarketClosingMidSweep(t *testing.T) {
	cfg := defaultConfig()
	cfg.Concurrency = 1
	cfg.PageSize = 2
	f := newFixture(t, cfg)
	var exts []string
	for i := 0; i < 6; i++ {
		ext := fmt.Sprintf("M%02d", i)
		f.market(t, ext, 0.20)
		exts = append(exts, ext)
	}

	var mu sync.Mutex
	var scored []string
	f.scorer.onScore = func(ext string) {
		mu.Lock()
		scored = append(scored, ext)
		mu.Unlock()
		if ext != "M00" {
			return
		}
		// M00 closes while being scored, before the second page is read.
		_, _, err := f.store.Markets().Upsert(context.Background(), domain.Market{
			Platform:          domain.PlatformKalshi,
			ExternalID:        "M00",
			Title:             "Market M00",
			MarketProbability: 0.20,
			IsOpen:            false,
			UpdatedAt:         t0.Add(time.Minute),
		})
		assert.NoError(t, err)
	}

	res, err := f.engine.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 6, res.Markets)
	mu.Lock()
	defer mu.Unlock()
	assert.ElementsMatch(t, exts, scored, "no open market is skipped")
}

func TestDispatchFailureStillCountsEdge(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, defaultConfig())
	m := f.market(t, "FED", 0.34)
	f.scorer.probs["FED"] = 0.47
	f.dispatcher.err = errors.New("bus down")

	out, err := f.engine.CalibrateMarket(ctx, m)
	require.NoError(t, err)
	assert.Equal(t, OutcomeEdge, out)

	pending, err := f.store.Edges().ListUndispatched(ctx, t0.Add(time.Second), 10)
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}

func TestHandleTriggersCalibration(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, defaultConfig())
	m := f.market(t, "FED", 0.34)
	f.scorer.probs["FED"] = 0.47

	payload, err := json.Marshal(domain.MarketRef{MarketID: m.ID, Platform: m.Platform, ExternalID: m.ExternalID, UpdatedAt: t0})
	require.NoError(t, err)
	rec := domain.Record{Topic: domain.TopicMarketsNormalized, Key: m.Key(), Payload: payload}

	require.NoError(t, f.engine.Handle(ctx, rec))
	require.NoError(t, f.engine.Handle(ctx, rec), "redelivery is absorbed by the cooldown")
	assert.Equal(t, 1, f.dispatcher.count())

	require.NoError(t, f.engine.Handle(ctx, domain.Record{Payload: []byte("nope")}))
	missing, _ := json.Marshal(domain.MarketRef{MarketID: 999})
	require.NoError(t, f.engine.Handle(ctx, domain.Record{Payload: missing}))
}
