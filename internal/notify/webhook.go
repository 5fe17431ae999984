package notify

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/alanyoungcy/miscalibrated/internal/domain"
)

// Webhook headers.
const (
	HeaderSignature = "X-Miscal-Signature"
	HeaderTimestamp = "X-Miscal-Timestamp"
	HeaderDelivery  = "X-Miscal-Delivery"
)

// WebhookTransport delivers edge alerts to one HTTP endpoint. When a secret
// is set every request carries an HMAC-SHA256 of "<timestamp>.<body>" so the
// receiver can authenticate it.
type WebhookTransport struct {
	url    string
	secret []byte
	client *http.Client
	now    func() time.Time
}

// NewWebhookTransport creates a WebhookTransport.
func NewWebhookTransport(url, secret string, timeout time.Duration) *WebhookTransport {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &WebhookTransport{
		url:    url,
		secret: []byte(secret),
		client: &http.Client{Timeout: timeout},
		now:    time.Now,
	}
}

// WebhookPayload is the JSON body of one delivery.
type WebhookPayload struct {
	IdentityID string           `json:"identity_id"`
	Email      string           `json:"email,omitempty"`
	Alert      domain.EdgeAlert `json:"alert"`
}

// Name implements domain.Transport.
func (w *WebhookTransport) Name() string { return "webhook" }

// Deliver implements domain.Transport. The delivery header carries the
// (edge, identity) pairing so receivers can drop duplicates.
func (w *WebhookTransport) Deliver(ctx context.Context, user domain.UserPreference, alert domain.EdgeAlert) error {
	body, err := json.Marshal(WebhookPayload{IdentityID: user.IdentityID, Email: user.Email, Alert: alert})
	if err != nil {
		return fmt.Errorf("webhook: marshal payload: %w", err)
	}

	ts := strconv.FormatInt(w.now().Unix(), 10)
	headers := map[string]string{
		HeaderTimestamp: ts,
		HeaderDelivery:  alert.EdgeID + ":" + user.IdentityID,
	}
	if len(w.secret) > 0 {
		headers[HeaderSignature] = Sign(w.secret, ts, body)
	}

	if err := post(ctx, w.client, w.url, body, headers); err != nil {
		return fmt.Errorf("webhook: %w: %v", domain.ErrDelivery, err)
	}
	return nil
}

// Sign returns the hex HMAC-SHA256 of "<timestamp>.<body>" under secret.
func Sign(secret []byte, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(timestamp))
	mac.Write([]byte{'.'})
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

var _ domain.Transport = (*WebhookTransport)(nil)
