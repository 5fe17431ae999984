package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/miscalibrated/internal/bus"
	"github.com/alanyoungcy/miscalibrated/internal/domain"
	"github.com/alanyoungcy/miscalibrated/internal/store/memstore"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

var t0 = time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)

type failingBus struct {
	domain.EventBus
	fail bool
}

func (f *failingBus) Publish(ctx context.Context, topic, key string, payload []byte) error {
	if f.fail {
		return errors.New("bus unreachable")
	}
	return f.EventBus.Publish(ctx, topic, key, payload)
}

func seedEdge(t *testing.T, store *memstore.Store, id string, at time.Time) (domain.Edge, domain.Market) {
	t.Helper()
	ctx := context.Background()
	mid, _, err := store.Markets().Upsert(ctx, domain.Market{
		Platform:          domain.PlatformPolymarket,
		ExternalID:        "0x" + id,
		Title:             "Market " + id,
		MarketProbability: 0.34,
		IsOpen:            true,
		UpdatedAt:         t0,
	})
	require.NoError(t, err)
	m, err := store.Markets().GetByID(ctx, mid)
	require.NoError(t, err)

	e, err := domain.NewEdge(id, mid, 0.34, 0.47, at)
	require.NoError(t, err)
	created, err := store.Edges().CreateIfCool(ctx, e, time.Hour)
	require.NoError(t, err)
	require.True(t, created)
	return e, m
}

func TestDispatchPublishesAndMarks(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	log := bus.NewMemoryLog(2, 10, time.Millisecond)
	signals := bus.NewMemorySignal()
	live, err := signals.Subscribe(t.Context(), ChannelEdges)
	require.NoError(t, err)

	d := New(log, store.Edges(), store.Markets(), signals, Config{}, nil, discardLogger())
	e, m := seedEdge(t, store, "e1", t0)

	require.NoError(t, d.Dispatch(ctx, e, m))

	recs := log.Records(domain.TopicAlertsTriggered)
	require.Len(t, recs, 1)
	var alert domain.EdgeAlert
	require.NoError(t, json.Unmarshal(recs[0].Payload, &alert))
	assert.Equal(t, "e1", alert.EdgeID)
	assert.Equal(t, domain.PlatformPolymarket, alert.Platform)
	assert.InDelta(t, 0.13, alert.EdgeMagnitude, 1e-9)
	assert.True(t, store.Edges().Dispatched("e1"))

	select {
	case payload := <-live:
		assert.JSONEq(t, string(recs[0].Payload), string(payload))
	case <-time.After(time.Second):
		t.Fatal("no live broadcast")
	}
}

func TestRecoverRepublishesLostDispatch(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	log := bus.NewMemoryLog(1, 10, time.Millisecond)
	fb := &failingBus{EventBus: log, fail: true}

	d := New(fb, store.Edges(), store.Markets(), nil, Config{Grace: time.Minute, Batch: 1}, nil, discardLogger())
	d.now = func() time.Time { return t0.Add(5 * time.Minute) }

	e1, m1 := seedEdge(t, store, "e1", t0)
	e2, m2 := seedEdge(t, store, "e2", t0.Add(time.Minute))
	seedEdge(t, store, "fresh", t0.Add(4*time.Minute+30*time.Second))

	// Edge persisted, publish lost.
	require.Error(t, d.Dispatch(ctx, e1, m1))
	require.Error(t, d.Dispatch(ctx, e2, m2))
	assert.False(t, store.Edges().Dispatched("e1"))

	fb.fail = false
	n, err := d.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n, "edges inside the grace period are left alone")
	assert.True(t, store.Edges().Dispatched("e1"))
	assert.True(t, store.Edges().Dispatched("e2"))
	assert.False(t, store.Edges().Dispatched("fresh"))
	assert.Equal(t, 2, log.Len(domain.TopicAlertsTriggered))

	n, err = d.Recover(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}
