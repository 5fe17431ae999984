package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/miscalibrated/internal/domain"
	"github.com/alanyoungcy/miscalibrated/internal/metrics"
	"github.com/alanyoungcy/miscalibrated/internal/news"
	"github.com/alanyoungcy/miscalibrated/internal/server/handler"
	"github.com/alanyoungcy/miscalibrated/internal/service"
	"github.com/alanyoungcy/miscalibrated/internal/store/memstore"
)

const testKey = "secret-key"

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

type fixture struct {
	store    *memstore.Store
	handler  http.Handler
	marketID int64
	edgeID   string
}

type denyLimiter struct{}

func (denyLimiter) Allow(context.Context, string, int, time.Duration) (bool, error) {
	return false, nil
}

func newFixture(t *testing.T, limiter domain.RateLimiter) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	st := memstore.New()
	ctx := t.Context()

	id, applied, err := st.Markets().Upsert(ctx, domain.Market{
		Platform:          domain.PlatformKalshi,
		ExternalID:        "FED-25DEC",
		Title:             "Will the Fed cut rates in December?",
		Category:          "Economics",
		MarketProbability: 0.34,
		IsOpen:            true,
		UpdatedAt:         t0,
	})
	require.NoError(t, err)
	require.True(t, applied)

	e, err := domain.NewEdge("edge-1", id, 0.34, 0.47, t0)
	require.NoError(t, err)
	created, err := st.Edges().CreateIfCool(ctx, e, time.Hour)
	require.NoError(t, err)
	require.True(t, created)

	embedder := news.NewHashingEmbedder(32)
	vecs, err := embedder.Embed(ctx, []string{"fed signals december rate cut"})
	require.NoError(t, err)
	_, _, err = st.Chunks().Insert(ctx, domain.ArticleChunk{
		URL:         "https://news.example/fed",
		Content:     "fed signals december rate cut",
		Embedding:   vecs[0],
		PublishedAt: t0,
	})
	require.NoError(t, err)

	m := metrics.New()
	h := NewHandler(Config{APIKey: testKey, RateLimit: 10}, Handlers{
		Health:      handler.NewHealthHandler(map[string]handler.Pinger{"store": st}, logger),
		Status:      handler.NewStatusHandler("full"),
		Markets:     handler.NewMarketHandler(service.NewMarketService(st.Markets(), st.Edges(), nil, logger), logger),
		Edges:       handler.NewEdgeHandler(service.NewEdgeService(st.Edges()), logger),
		Preferences: handler.NewPreferenceHandler(service.NewPreferenceService(st.Users(), logger), logger),
		Alerts:      handler.NewAlertHandler(service.NewAlertService(st.Deliveries()), logger),
		Retrieval:   handler.NewRetrievalHandler(service.NewRetrievalService(st.Chunks(), embedder), logger),
		Metrics:     promhttp.HandlerFor(m.Registry(), promhttp.HandlerOpts{}),
	}, nil, limiter, logger)

	return &fixture{store: st, handler: h, marketID: id, edgeID: e.ID}
}

func (f *fixture) do(t *testing.T, method, path string, body any, auth bool) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, rd)
	if auth {
		req.Header.Set("Authorization", "Bearer "+testKey)
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func TestPublicEndpointsSkipAuth(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.do(t, http.MethodGet, "/api/health", nil, false)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, map[string]any{"store": "ok"}, body["checks"])
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	rec = f.do(t, http.MethodGet, "/metrics", nil, false)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAuthRequired(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.do(t, http.MethodGet, "/api/markets", nil, false)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/api/markets", nil)
	req.Header.Set("X-API-Key", "wrong")
	rec = httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/api/markets", nil)
	req.Header.Set("X-API-Key", testKey)
	rec = httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestStatus(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.do(t, http.MethodGet, "/api/status", nil, true)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "full", body["mode"])
	assert.Contains(t, body, "started_at")
	assert.Contains(t, body, "uptime_seconds")
}

func TestMarkets(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.do(t, http.MethodGet, "/api/markets?platform=kalshi&category=Economics", nil, true)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	markets := body["markets"].([]any)
	require.Len(t, markets, 1)
	assert.Equal(t, "FED-25DEC", markets[0].(map[string]any)["external_id"])
	assert.EqualValues(t, 1, body["total"])

	rec = f.do(t, http.MethodGet, "/api/markets?platform=predictit", nil, true)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/markets/"+strconv.FormatInt(f.marketID, 10), nil, true)
	require.Equal(t, http.StatusOK, rec.Code)
	body = decode(t, rec)
	assert.InDelta(t, 0.34, body["market_probability"], 1e-9)
	edges := body["recent_edges"].([]any)
	require.Len(t, edges, 1)
	assert.Equal(t, "YES", edges[0].(map[string]any)["direction"])

	rec = f.do(t, http.MethodGet, "/api/markets/abc", nil, true)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/markets/9999", nil, true)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestEdges(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.do(t, http.MethodGet, "/api/edges?min_magnitude=0.1&direction=yes", nil, true)
	require.Equal(t, http.StatusOK, rec.Code)
	edges := decode(t, rec)["edges"].([]any)
	require.Len(t, edges, 1)
	assert.InDelta(t, 0.13, edges[0].(map[string]any)["edge_magnitude"], 1e-9)

	rec = f.do(t, http.MethodGet, "/api/edges?min_magnitude=0.2", nil, true)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decode(t, rec)["edges"])

	rec = f.do(t, http.MethodGet, "/api/edges?min_magnitude=1.5", nil, true)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/edges?direction=UP", nil, true)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/edges/"+f.edgeID, nil, true)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, f.edgeID, decode(t, rec)["id"])

	rec = f.do(t, http.MethodGet, "/api/edges/missing", nil, true)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestPreferences(t *testing.T) {
	f := newFixture(t, nil)
	path := "/api/users/idp%7Cu-42/preferences"

	rec := f.do(t, http.MethodGet, path, nil, true)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "idp|u-42", body["identity_id"])
	assert.InDelta(t, domain.DefaultAlertThreshold, body["alert_threshold"], 1e-9)
	assert.Equal(t, true, body["alerts_enabled"])

	rec = f.do(t, http.MethodPatch, path, map[string]any{
		"alert_threshold":      0.2,
		"subscribed_platforms": []string{"Polymarket"},
	}, true)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body = decode(t, rec)
	assert.InDelta(t, 0.2, body["alert_threshold"], 1e-9)
	assert.Equal(t, []any{"polymarket"}, body["subscribed_platforms"])

	stored, err := f.store.Users().Get(t.Context(), "idp|u-42")
	require.NoError(t, err)
	assert.InDelta(t, 0.2, stored.AlertThreshold, 1e-9)
	assert.True(t, stored.AlertsEnabled)

	rec = f.do(t, http.MethodPatch, path, map[string]any{"alert_threshold": 2}, true)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPatch, path, map[string]any{"subscribed_platforms": []string{"predictit"}}, true)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPatch, path, map[string]any{"threshold": 0.1}, true)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestFailedAlerts(t *testing.T) {
	f := newFixture(t, nil)
	ctx := t.Context()

	_, err := f.store.Deliveries().Begin(ctx, f.edgeID, "u-1", t0)
	require.NoError(t, err)
	ok, err := f.store.Deliveries().Apply(ctx, domain.Transition{
		EdgeID:     f.edgeID,
		IdentityID: "u-1",
		To:         domain.DeliveryFailed,
		Reason:     "retries_exhausted",
		At:         t0,
	})
	require.NoError(t, err)
	require.True(t, ok)

	rec := f.do(t, http.MethodGet, "/api/alerts/failed", nil, true)
	require.Equal(t, http.StatusOK, rec.Code)
	deliveries := decode(t, rec)["deliveries"].([]any)
	require.Len(t, deliveries, 1)
	assert.Equal(t, "failed", deliveries[0].(map[string]any)["state"])
}

func TestRetrieval(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.do(t, http.MethodPost, "/api/retrieval", map[string]any{"query": "december rate cut", "k": 3}, true)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	chunks := decode(t, rec)["chunks"].([]any)
	require.Len(t, chunks, 1)
	assert.Equal(t, "https://news.example/fed", chunks[0].(map[string]any)["url"])

	rec = f.do(t, http.MethodPost, "/api/retrieval", map[string]any{"vector": []float32{1, 0}, "k": 3}, true)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/retrieval", map[string]any{"query": "x", "k": 500}, true)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRateLimit(t *testing.T) {
	f := newFixture(t, denyLimiter{})

	rec := f.do(t, http.MethodGet, "/api/markets", nil, true)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
}

func TestCORSPreflight(t *testing.T) {
	f := newFixture(t, nil)

	req := httptest.NewRequest(http.MethodOptions, "/api/markets", nil)
	req.Header.Set("Origin", "https://app.example")
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "https://app.example", rec.Header().Get("Access-Control-Allow-Origin"))
}
