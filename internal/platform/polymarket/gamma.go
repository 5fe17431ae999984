package polymarket

import (
	"context"
	"encoding/json"
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

// maxPageSize is the largest page the Gamma /markets endpoint returns.
const maxPageSize = 500

// GammaClient is the REST client for the Polymarket Gamma API, which
// provides market discovery and metadata without authentication.
type GammaClient struct {
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
}

// NewGammaClient creates a new Gamma API client.
//
// baseURL is the Gamma API root, e.g. "https://gamma-api.polymarket.com".
// ratePerSec caps outbound requests; zero disables the cap.
func NewGammaClient(baseURL string, ratePerSec float64, timeout time.Duration) *GammaClient {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	limit := rate.Inf
	if ratePerSec > 0 {
		limit = rate.Limit(ratePerSec)
	}
	return &GammaClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: timeout,
		},
		limiter: rate.NewLimiter(limit, 1),
	}
}

// Platform implements feed.Source.
func (g *GammaClient) Platform() domain.Platform { return domain.PlatformPolymarket }

// GetMarkets returns one page of active, unclosed markets as raw JSON.
func (g *GammaClient) GetMarkets(ctx context.Context, limit, offset int) ([]json.RawMessage, error) {
	params := url.Values{}
	params.Set("active", "true")
	params.Set("closed", "false")
	params.Set("limit", strconv.Itoa(limit))
	params.Set("offset", strconv.Itoa(offset))

	body, err := g.doGet(ctx, "/markets?"+params.Encode())
	if err != nil {
		return nil, fmt.Errorf("polymarket/gamma: get markets: %w", err)
	}

	var page []json.RawMessage
	if err := json.Unmarshal(body, &page); err != nil {
		// Some deployments wrap the list.
		var wrapped struct {
			Markets []json.RawMessage `json:"markets"`
		}
		if err2 := json.Unmarshal(body, &wrapped); err2 != nil {
			return nil, fmt.Errorf("polymarket/gamma: decode markets: %w", err)
		}
		page = wrapped.Markets
	}
	return page, nil
}

// Fetch implements feed.Source. It pages by offset until limit records are
// collected or a short page is returned.
func (g *GammaClient) Fetch(ctx context.Context, limit int) ([]json.RawMessage, error) {
	var out []json.RawMessage
	for len(out) < limit {
		size := limit - len(out)
		if size > maxPageSize {
			size = maxPageSize
		}
		page, err := g.GetMarkets(ctx, size, len(out))
		if err != nil {
			return nil, err
		}
		out = append(out, page...)
		if len(page) < size {
			break
		}
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Identify implements feed.Source: a market is keyed by its condition ID,
// falling back to the Gamma numeric id.
func (g *GammaClient) Identify(raw json.RawMessage) (string, error) {
	var head struct {
		ID          flexString `json:"id"`
		ConditionID string     `json:"conditionId"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		return "", &domain.ValidationError{Field: "payload", Reason: err.Error()}
	}
	id := externalID(head.ConditionID, string(head.ID))
	if id == "" {
		return "", &domain.ValidationError{Field: "conditionId", Reason: "empty"}
	}
	return id, nil
}

func externalID(conditionID, id string) string {
	if s := strings.TrimSpace(conditionID); s != "" {
		return s
	}
	return strings.TrimSpace(id)
}

// --------------------------------------------------------------------------
// Internal helpers
// --------------------------------------------------------------------------

// doGet sends an unauthenticated GET request to the Gamma API.
func (g *GammaClient) doGet(ctx context.Context, path string) ([]byte, error) {
	if err := g.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := g.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &domain.TransientError{Op: "polymarket/gamma: http request", Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &domain.TransientError{Op: "polymarket/gamma: read response", Err: err}
	}

	if err := checkStatus(resp.StatusCode, body); err != nil {
		return nil, err
	}
	return body, nil
}

// checkStatus maps non-2xx HTTP status codes to domain errors.
func checkStatus(statusCode int, body []byte) error {
	if statusCode >= 200 && statusCode < 300 {
		return nil
	}

	bodyStr := string(body)
	if len(bodyStr) > 256 {
		bodyStr = bodyStr[:256]
	}
	switch {
	case statusCode == http.StatusNotFound:
		return fmt.Errorf("%w: %s", domain.ErrNotFound, bodyStr)
	case statusCode == http.StatusUnauthorized || statusCode == http.StatusForbidden:
		return fmt.Errorf("%w: %s", domain.ErrUnauthorized, bodyStr)
	case statusCode == http.StatusTooManyRequests:
		return fmt.Errorf("%w: %s", domain.ErrRateLimited, bodyStr)
	case statusCode >= 500:
		return &domain.TransientError{Op: "polymarket/gamma", Err: fmt.Errorf("HTTP %d: %s", statusCode, bodyStr)}
	default:
		return fmt.Errorf("HTTP %d: %s", statusCode, bodyStr)
	}
}
