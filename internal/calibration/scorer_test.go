package calibration

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/miscalibrated/internal/domain"
)

func TestTemperatureScorer(t *testing.T) {
	ctx := context.Background()
	in := func(p float64, related int) domain.ScoreInput {
		return domain.ScoreInput{
			Market:  domain.Market{MarketProbability: p},
			Related: make([]domain.ArticleChunk, related),
		}
	}

	identity := NewTemperatureScorer(1, 0)
	p, err := identity.Score(ctx, in(0.34, 0))
	require.NoError(t, err)
	assert.InDelta(t, 0.34, p, 1e-9)

	hot := NewTemperatureScorer(2, 0)
	p, err = hot.Score(ctx, in(0.9, 0))
	require.NoError(t, err)
	assert.InDelta(t, 0.75, p, 1e-9, "sqrt of the odds: 9 -> 3")

	p, err = hot.Score(ctx, in(0.5, 0))
	require.NoError(t, err)
	assert.InDelta(t, 0.5, p, 1e-12)

	p, err = hot.Score(ctx, in(1, 0))
	require.NoError(t, err)
	assert.Less(t, p, 1.0)

	newsy := NewTemperatureScorer(2, 1)
	quiet, err := newsy.Score(ctx, in(0.9, 0))
	require.NoError(t, err)
	covered, err := newsy.Score(ctx, in(0.9, 3))
	require.NoError(t, err)
	assert.InDelta(t, 0.75, quiet, 1e-9)
	assert.Greater(t, covered, quiet, "coverage pulls the score back toward the price")
	assert.Less(t, covered, 0.9)
}

func TestHTTPScorer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))

		var req scoreRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "FED", req.Market.ExternalID)
		require.Len(t, req.Related, 1)
		assert.Equal(t, "https://n/1", req.Related[0].URL)

		_, _ = w.Write([]byte(`{"probability":0.47}`))
	}))
	defer srv.Close()

	s := NewHTTPScorer(srv.URL, "secret", time.Second)
	p, err := s.Score(context.Background(), domain.ScoreInput{
		Market:  domain.Market{ExternalID: "FED", MarketProbability: 0.34},
		Related: []domain.ArticleChunk{{URL: "https://n/1", Content: "Fed"}},
	})
	require.NoError(t, err)
	assert.InDelta(t, 0.47, p, 1e-12)
}

func TestHTTPScorerFailures(t *testing.T) {
	cases := map[string]http.HandlerFunc{
		"server error": func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
			_, _ = w.Write([]byte(`{"error":"model offline"}`))
		},
		"no probability": func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{}`))
		},
		"garbage": func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`<html>`))
		},
	}
	for name, h := range cases {
		t.Run(name, func(t *testing.T) {
			srv := httptest.NewServer(h)
			defer srv.Close()

			_, err := NewHTTPScorer(srv.URL, "", time.Second).Score(context.Background(), domain.ScoreInput{})
			assert.ErrorIs(t, err, domain.ErrScoring)
		})
	}
}
