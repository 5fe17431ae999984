package polymarket

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/miscalibrated/internal/domain"
)

func TestFetchStopsOnShortPage(t *testing.T) {
	var offsets []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		assert.Equal(t, "true", q.Get("active"))
		assert.Equal(t, "false", q.Get("closed"))
		offsets = append(offsets, q.Get("offset"))
		limit, _ := strconv.Atoi(q.Get("limit"))
		n := limit
		if q.Get("offset") != "0" {
			n = 1
		}
		w.Write([]byte("["))
		for i := 0; i < n; i++ {
			if i > 0 {
				w.Write([]byte(","))
			}
			fmt.Fprintf(w, `{"id":"%s-%d"}`, q.Get("offset"), i)
		}
		w.Write([]byte("]"))
	}))
	defer srv.Close()

	got, err := NewGammaClient(srv.URL, 0, time.Second).Fetch(t.Context(), 600)
	require.NoError(t, err)
	assert.Len(t, got, 501)
	assert.Equal(t, []string{"0", "500"}, offsets)
}

func TestServerErrorIsRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := NewGammaClient(srv.URL, 0, time.Second).Fetch(t.Context(), 10)
	require.Error(t, err)
	assert.True(t, domain.IsRetryable(err))
	assert.ErrorIs(t, err, domain.ErrTransientFetch)
}

func TestIdentifyPrefersConditionID(t *testing.T) {
	g := NewGammaClient("http://unused", 0, time.Second)

	id, err := g.Identify(json.RawMessage(`{"id":"512","conditionId":"0xabc"}`))
	require.NoError(t, err)
	assert.Equal(t, "0xabc", id)

	id, err = g.Identify(json.RawMessage(`{"id":512}`))
	require.NoError(t, err)
	assert.Equal(t, "512", id)

	_, err = g.Identify(json.RawMessage(`{"question":"?"}`))
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestDecodeMarket(t *testing.T) {
	at := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	m, err := DecodeMarket(json.RawMessage(`{
		"id":"512","conditionId":"0xabc","question":"Will BTC close above 100k?",
		"category":"Crypto","active":"true","closed":false,
		"outcomePrices":"[\"0.62\",\"0.38\"]","volume":"10543.25",
		"endDate":"2026-12-31T00:00:00Z"}`), at)
	require.NoError(t, err)
	assert.Equal(t, domain.PlatformPolymarket, m.Platform)
	assert.Equal(t, "0xabc", m.ExternalID)
	assert.InDelta(t, 0.62, m.MarketProbability, 1e-12)
	assert.InDelta(t, 10543.25, m.Volume, 1e-9)
	assert.True(t, m.IsOpen)
	require.NotNil(t, m.CloseTime)

	m, err = DecodeMarket(json.RawMessage(`{"id":7,"question":"q","active":true,"closed":true,"outcomePrices":[0.1,0.9],"end_date_iso":"2026-06-01"}`), at)
	require.NoError(t, err)
	assert.Equal(t, "7", m.ExternalID)
	assert.False(t, m.IsOpen)
	assert.InDelta(t, 0.1, m.MarketProbability, 1e-12)
}

func TestDecodeMarketRejectsDrift(t *testing.T) {
	for name, raw := range map[string]string{
		"no prices":     `{"conditionId":"0x1","question":"q"}`,
		"garbled":       `{"conditionId":"0x1","question":"q","outcomePrices":"not json"}`,
		"out of range":  `{"conditionId":"0x1","question":"q","outcomePrices":"[\"1.5\"]"}`,
		"no question":   `{"conditionId":"0x1","outcomePrices":"[\"0.5\"]"}`,
		"bad end date":  `{"conditionId":"0x1","question":"q","outcomePrices":"[\"0.5\"]","endDate":"soon"}`,
		"no identifier": `{"question":"q","outcomePrices":"[\"0.5\"]"}`,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := DecodeMarket(json.RawMessage(raw), time.Now())
			assert.ErrorIs(t, err, domain.ErrValidation)
		})
	}
}
