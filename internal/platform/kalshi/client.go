package kalshi

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/alanyoungcy/miscalibrated/internal/domain"
)

// maxPageSize is the largest page the /markets endpoint returns.
const maxPageSize = 1000

// Client is the REST client for the Kalshi exchange API. Only public market
// data is read; requests are RSA-signed when a private key is configured.
type Client struct {
	baseURL    string
	apiKeyID   string
	privateKey *rsa.PrivateKey
	httpClient *http.Client
	limiter    *rate.Limiter
}

// NewClient creates a new Kalshi REST client.
//
// baseURL is the API root, e.g. "https://api.elections.kalshi.com/trade-api/v2".
// ratePerSec caps outbound requests; zero disables the cap.
func NewClient(baseURL, apiKeyID string, ratePerSec float64, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	limit := rate.Inf
	if ratePerSec > 0 {
		limit = rate.Limit(ratePerSec)
	}
	return &Client{
		baseURL:  strings.TrimRight(baseURL, "/"),
		apiKeyID: apiKeyID,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		limiter: rate.NewLimiter(limit, 1),
	}
}

// SetRSAPrivateKey loads an RSA private key from PEM-encoded bytes and
// configures the client for RSA-signed authentication.
func (c *Client) SetRSAPrivateKey(pemBytes []byte) error {
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return fmt.Errorf("kalshi: no PEM block found in private key")
	}

	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		pkcs1Key, pkcs1Err := x509.ParsePKCS1PrivateKey(block.Bytes)
		if pkcs1Err != nil {
			return fmt.Errorf("kalshi: parse private key: %w (pkcs1: %v)", err, pkcs1Err)
		}
		c.privateKey = pkcs1Key
		return nil
	}

	rsaKey, ok := key.(*rsa.PrivateKey)
	if !ok {
		return fmt.Errorf("kalshi: expected RSA private key, got %T", key)
	}
	c.privateKey = rsaKey
	return nil
}

// Platform implements feed.Source.
func (c *Client) Platform() domain.Platform { return domain.PlatformKalshi }

// MarketsPage is one page of GET /markets. Markets are kept raw so that a
// single malformed entry cannot fail the whole page.
type MarketsPage struct {
	Markets []json.RawMessage `json:"markets"`
	Cursor  string            `json:"cursor"`
}

// GetMarkets returns one page of markets with the given status.
func (c *Client) GetMarkets(ctx context.Context, status string, limit int, cursor string) (MarketsPage, error) {
	params := url.Values{}
	if status != "" {
		params.Set("status", status)
	}
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}
	if cursor != "" {
		params.Set("cursor", cursor)
	}

	path := "/markets"
	if len(params) > 0 {
		path += "?" + params.Encode()
	}

	body, err := c.do(ctx, path)
	if err != nil {
		return MarketsPage{}, fmt.Errorf("kalshi: get markets: %w", err)
	}

	var page MarketsPage
	if err := json.Unmarshal(body, &page); err != nil {
		return MarketsPage{}, fmt.Errorf("kalshi: decode markets: %w", err)
	}
	return page, nil
}

// Fetch implements feed.Source. It pages through open markets until limit
// records are collected or the cursor runs out.
func (c *Client) Fetch(ctx context.Context, limit int) ([]json.RawMessage, error) {
	var out []json.RawMessage
	cursor := ""
	for {
		size := limit - len(out)
		if size > maxPageSize {
			size = maxPageSize
		}
		page, err := c.GetMarkets(ctx, "open", size, cursor)
		if err != nil {
			return nil, err
		}
		out = append(out, page.Markets...)
		if page.Cursor == "" || len(page.Markets) == 0 || len(out) >= limit {
			break
		}
		cursor = page.Cursor
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Identify implements feed.Source: a Kalshi market is keyed by its ticker.
func (c *Client) Identify(raw json.RawMessage) (string, error) {
	var head struct {
		Ticker string `json:"ticker"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		return "", &domain.ValidationError{Field: "payload", Reason: err.Error()}
	}
	if strings.TrimSpace(head.Ticker) == "" {
		return "", &domain.ValidationError{Field: "ticker", Reason: "empty"}
	}
	return head.Ticker, nil
}

// --------------------------------------------------------------------------
// Internal helpers
// --------------------------------------------------------------------------

// do sends a GET request, signing it when a key is configured.
func (c *Client) do(ctx context.Context, path string) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	if c.privateKey != nil {
		if err := c.signRequest(req, http.MethodGet, req.URL.Path); err != nil {
			return nil, fmt.Errorf("sign request: %w", err)
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &domain.TransientError{Op: "kalshi: http request", Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &domain.TransientError{Op: "kalshi: read response", Err: err}
	}

	if err := checkStatus(resp.StatusCode, body); err != nil {
		return nil, err
	}
	return body, nil
}

// signRequest adds RSA authentication headers to the HTTP request.
// Kalshi uses RSA-PSS-SHA256 signatures over timestamp + method + path.
func (c *Client) signRequest(req *http.Request, method, path string) error {
	ts := strconv.FormatInt(time.Now().UnixMilli(), 10)
	hash := sha256.Sum256([]byte(ts + method + path))
	signature, err := rsa.SignPSS(rand.Reader, c.privateKey, crypto.SHA256, hash[:], &rsa.PSSOptions{
		SaltLength: rsa.PSSSaltLengthEqualsHash,
	})
	if err != nil {
		return fmt.Errorf("RSA sign: %w", err)
	}

	req.Header.Set("KALSHI-ACCESS-KEY", c.apiKeyID)
	req.Header.Set("KALSHI-ACCESS-SIGNATURE", base64.StdEncoding.EncodeToString(signature))
	req.Header.Set("KALSHI-ACCESS-TIMESTAMP", ts)
	return nil
}

// checkStatus maps non-2xx HTTP status codes to domain errors. Throttling and
// server-side failures are retryable; other client errors are not.
func checkStatus(statusCode int, body []byte) error {
	if statusCode >= 200 && statusCode < 300 {
		return nil
	}

	var apiErr ErrorResponse
	_ = json.Unmarshal(body, &apiErr)
	detail := fmt.Sprintf("%s (%s)", apiErr.Error.Message, apiErr.Error.Code)

	switch {
	case statusCode == http.StatusNotFound:
		return fmt.Errorf("kalshi: %w: %s", domain.ErrNotFound, detail)
	case statusCode == http.StatusUnauthorized || statusCode == http.StatusForbidden:
		return fmt.Errorf("kalshi: %w: %s", domain.ErrUnauthorized, detail)
	case statusCode == http.StatusTooManyRequests:
		return fmt.Errorf("kalshi: %w: %s", domain.ErrRateLimited, detail)
	case statusCode >= 500:
		return &domain.TransientError{Op: "kalshi", Err: fmt.Errorf("HTTP %d: %s", statusCode, detail)}
	default:
		return errors.New("kalshi: HTTP " + strconv.Itoa(statusCode) + ": " + detail)
	}
}
