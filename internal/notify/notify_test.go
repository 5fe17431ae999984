package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/miscalibrated/internal/domain"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type captureSender struct {
	name   string
	err    error
	titles []string
}

func (c *captureSender) Send(ctx context.Context, title, message string) error {
	c.titles = append(c.titles, title)
	return c.err
}

func (c *captureSender) Name() string { return c.name }

func TestNotifierFiltersEvents(t *testing.T) {
	s := &captureSender{name: "cap"}
	n := NewNotifier([]Sender{s}, []string{EventAlertFailed}, discardLogger())

	require.NoError(t, n.Notify(context.Background(), EventError, "ignored", ""))
	require.NoError(t, n.Notify(context.Background(), EventAlertFailed, "kept", ""))
	assert.Equal(t, []string{"kept"}, s.titles)
}

func TestNotifierJoinsSenderErrors(t *testing.T) {
	ok := &captureSender{name: "ok"}
	bad := &captureSender{name: "bad", err: errors.New("boom")}
	n := NewNotifier([]Sender{bad, ok}, nil, discardLogger())

	err := n.AlertFailed(context.Background(),
		domain.EdgeAlert{EdgeID: "e1", Title: "Fed cut?", EdgeMagnitude: 0.13, Direction: domain.DirectionYes},
		domain.AlertDelivery{IdentityID: "u1", Attempts: 5, LastError: "502"},
	)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad: boom")
	assert.Equal(t, []string{"Alert failed: Fed cut?"}, ok.titles)
}

func TestTelegramAndDiscordSenders(t *testing.T) {
	var paths []string
	var bodies []map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		paths = append(paths, r.URL.Path)
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		bodies = append(bodies, body)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	tg := NewTelegramSender("tok", "42")
	tg.baseURL = srv.URL
	require.NoError(t, tg.Send(context.Background(), "Title", "body"))

	dc := NewDiscordSender(srv.URL + "/hook")
	require.NoError(t, dc.Send(context.Background(), "Title", "body"))

	assert.Equal(t, []string{"/bottok/sendMessage", "/hook"}, paths)
	assert.Equal(t, "42", bodies[0]["chat_id"])
	assert.Equal(t, "*Title*\nbody", bodies[0]["text"])
	assert.Equal(t, "**Title**\nbody", bodies[1]["content"])
}

func TestWebhookTransportSigns(t *testing.T) {
	secret := "s3cret"
	now := time.Unix(1_780_000_000, 0)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		ts := r.Header.Get(HeaderTimestamp)
		assert.Equal(t, "1780000000", ts)
		assert.Equal(t, Sign([]byte(secret), ts, body), r.Header.Get(HeaderSignature))
		assert.Equal(t, "e1:u1", r.Header.Get(HeaderDelivery))

		var p WebhookPayload
		require.NoError(t, json.Unmarshal(body, &p))
		assert.Equal(t, "u1", p.IdentityID)
		assert.Equal(t, "e1", p.Alert.EdgeID)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	wt := NewWebhookTransport(srv.URL, secret, time.Second)
	wt.now = func() time.Time { return now }
	err := wt.Deliver(context.Background(), domain.UserPreference{IdentityID: "u1"}, domain.EdgeAlert{EdgeID: "e1"})
	require.NoError(t, err)
}

func TestWebhookTransportFailureIsDeliveryError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusBadGateway)
	}))
	defer srv.Close()

	err := NewWebhookTransport(srv.URL, "", time.Second).
		Deliver(context.Background(), domain.UserPreference{IdentityID: "u1"}, domain.EdgeAlert{EdgeID: "e1"})
	require.ErrorIs(t, err, domain.ErrDelivery)
	assert.True(t, strings.Contains(err.Error(), "502"))
}

func TestSignIsStable(t *testing.T) {
	a := Sign([]byte("k"), "1", []byte(`{}`))
	assert.Equal(t, a, Sign([]byte("k"), "1", []byte(`{}`)))
	assert.NotEqual(t, a, Sign([]byte("k"), "2", []byte(`{}`)))
	assert.True(t, strings.HasPrefix(a, "sha256="))
}
