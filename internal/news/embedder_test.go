package news

import (
	"context"
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/miscalibrated/internal/domain"
)

func TestOpenAIEmbedderOrdersByIndex(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/embeddings", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))

		var req embeddingRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "text-embedding-3-small", req.Model)
		require.Len(t, req.Input, 2)

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"data":[
			{"index":1,"embedding":[0,1,0]},
			{"index":0,"embedding":[1,0,0]}
		]}`))
	}))
	defer srv.Close()

	e := NewOpenAIEmbedder(srv.URL, "sk-test", "text-embedding-3-small", 3, 0, time.Second)
	vecs, err := e.Embed(context.Background(), []string{"first", "second"})
	require.NoError(t, err)
	assert.Equal(t, [][]float32{{1, 0, 0}, {0, 1, 0}}, vecs)
}

func TestOpenAIEmbedderRejectsWrongDimensions(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"data":[{"index":0,"embedding":[1,0]}]}`))
	}))
	defer srv.Close()

	e := NewOpenAIEmbedder(srv.URL, "k", "m", 3, 0, time.Second)
	_, err := e.Embed(context.Background(), []string{"x"})
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestOpenAIEmbedderStatusMapping(t *testing.T) {
	cases := []struct {
		status    int
		retryable bool
		target    error
	}{
		{http.StatusTooManyRequests, true, domain.ErrRateLimited},
		{http.StatusBadGateway, true, domain.ErrTransientFetch},
		{http.StatusUnauthorized, false, domain.ErrUnauthorized},
		{http.StatusBadRequest, false, nil},
	}
	for _, tc := range cases {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tc.status)
			_, _ = w.Write([]byte(`{"error":{"message":"nope","type":"x"}}`))
		}))
		e := NewOpenAIEmbedder(srv.URL, "k", "m", 3, 0, time.Second)
		_, err := e.Embed(context.Background(), []string{"x"})
		srv.Close()

		require.Error(t, err, "status %d", tc.status)
		assert.Equal(t, tc.retryable, domain.IsRetryable(err), "status %d", tc.status)
		if tc.target != nil {
			assert.ErrorIs(t, err, tc.target)
		}
	}
}

func TestOpenAIEmbedderBatches(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		var req embeddingRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		type item struct {
			Index     int       `json:"index"`
			Embedding []float32 `json:"embedding"`
		}
		resp := struct {
			Data []item `json:"data"`
		}{}
		for i := range req.Input {
			resp.Data = append(resp.Data, item{Index: i, Embedding: []float32{float32(i), 0}})
		}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	texts := make([]string, maxEmbedBatch+5)
	for i := range texts {
		texts[i] = "t"
	}
	e := NewOpenAIEmbedder(srv.URL, "k", "m", 2, 0, time.Second)
	vecs, err := e.Embed(context.Background(), texts)
	require.NoError(t, err)
	assert.Len(t, vecs, len(texts))
	assert.Equal(t, 2, calls)
	assert.Equal(t, float32(4), vecs[maxEmbedBatch+4][0])
}

func TestHashingEmbedder(t *testing.T) {
	h := NewHashingEmbedder(256)
	vecs, err := h.Embed(context.Background(), []string{
		"Federal Reserve holds interest rates steady",
		"Federal Reserve holds interest rates steady",
		"Federal Reserve cuts interest rates",
		"Lakers win basketball championship",
		"",
	})
	require.NoError(t, err)
	require.Len(t, vecs, 5)

	for _, v := range vecs[:4] {
		require.Len(t, v, 256)
		var norm float64
		for _, x := range v {
			norm += float64(x) * float64(x)
		}
		assert.InDelta(t, 1, math.Sqrt(norm), 1e-5)
	}
	assert.Equal(t, vecs[0], vecs[1])
	assert.Greater(t, dot(vecs[0], vecs[2]), dot(vecs[0], vecs[3]))
	assert.Len(t, vecs[4], 256)
}

func dot(a, b []float32) float64 {
	var s float64
	for i := range a {
		s += float64(a[i]) * float64(b[i])
	}
	return s
}
