package ws

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/miscalibrated/internal/bus"
	"github.com/alanyoungcy/miscalibrated/internal/domain"
)

const channel = "ch:edges"

func alertJSON(t *testing.T, p domain.Platform, magnitude float64) []byte {
	t.Helper()
	data, err := json.Marshal(domain.EdgeAlert{
		EdgeID:        "e-" + string(p),
		Platform:      p,
		EdgeMagnitude: magnitude,
		Direction:     domain.DirectionOf(magnitude),
	})
	require.NoError(t, err)
	return data
}

func TestHubRelaysAlerts(t *testing.T) {
	signals := bus.NewMemorySignal()
	hub := NewHub(signals, channel, slog.New(slog.NewTextHandler(io.Discard, nil)))
	go func() { _ = hub.Run(t.Context()) }()

	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	want := alertJSON(t, domain.PlatformKalshi, 0.13)
	require.NoError(t, signals.Publish(t.Context(), channel, want))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	kind, got, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.TextMessage, kind)
	assert.JSONEq(t, string(want), string(got))
}

func TestClientFilter(t *testing.T) {
	c := &client{}
	kalshi := domain.EdgeAlert{Platform: domain.PlatformKalshi, EdgeMagnitude: -0.15}
	poly := domain.EdgeAlert{Platform: domain.PlatformPolymarket, EdgeMagnitude: 0.05}

	assert.True(t, c.wants(kalshi))
	assert.True(t, c.wants(poly))

	c.setFilter(filterMsg{Platforms: []string{"Kalshi", "bogus"}})
	assert.True(t, c.wants(kalshi))
	assert.False(t, c.wants(poly))

	c.setFilter(filterMsg{MinMagnitude: 0.1})
	assert.True(t, c.wants(kalshi))
	assert.False(t, c.wants(poly))
}
