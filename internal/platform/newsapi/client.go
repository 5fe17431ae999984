// Package newsapi is a minimal client for the NewsAPI /v2/everything search.
package newsapi

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

// Client queries NewsAPI.
type Client struct {
	baseURL    string
	apiKey     string
	language   string
	pageSize   int
	httpClient *http.Client
	limiter    *rate.Limiter
}

// NewClient creates a NewsAPI client. baseURL is the API root, e.g.
// "https://newsapi.org".
func NewClient(baseURL, apiKey, language string, pageSize int, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	if pageSize <= 0 {
		pageSize = 20
	}
	return &Client{
		baseURL:  strings.TrimRight(baseURL, "/"),
		apiKey:   apiKey,
		language: language,
		pageSize: pageSize,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		// The developer plan allows roughly one request per second.
		limiter: rate.NewLimiter(rate.Limit(1), 2),
	}
}

// Article is one entry of an /v2/everything response.
type Article struct {
	Source struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	} `json:"source"`
	Author      string `json:"author"`
	Title       string `json:"title"`
	Description string `json:"description"`
	URL         string `json:"url"`
	Content     string `json:"content"`
	PublishedAt string `json:"publishedAt"`
}

type everythingResponse struct {
	Status       string    `json:"status"`
	Code         string    `json:"code"`
	Message      string    `json:"message"`
	TotalResults int       `json:"totalResults"`
	Articles     []Article `json:"articles"`
}

// Everything returns the newest articles matching query.
func (c *Client) Everything(ctx context.Context, query string) ([]Article, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter: %w", err)
	}

	params := url.Values{}
	params.Set("q", query)
	params.Set("sortBy", "publishedAt")
	params.Set("pageSize", strconv.Itoa(c.pageSize))
	if c.language != "" {
		params.Set("language", c.language)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v2/everything?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("newsapi: create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Api-Key", c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &domain.TransientError{Op: "newsapi: http request", Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &domain.TransientError{Op: "newsapi: read response", Err: err}
	}

	var out everythingResponse
	_ = json.Unmarshal(body, &out)

	switch {
	case resp.StatusCode == http.StatusTooManyRequests || out.Code == "rateLimited":
		return nil, fmt.Errorf("newsapi: %w: %s", domain.ErrRateLimited, out.Message)
	case resp.StatusCode == http.StatusUnauthorized || out.Code == "apiKeyInvalid" || out.Code == "apiKeyMissing":
		return nil, fmt.Errorf("newsapi: %w: %s", domain.ErrUnauthorized, out.Message)
	case resp.StatusCode >= 500:
		return nil, &domain.TransientError{Op: "newsapi", Err: fmt.Errorf("HTTP %d: %s", resp.StatusCode, out.Message)}
	case resp.StatusCode >= 300 || out.Status == "error":
		return nil, fmt.Errorf("newsapi: HTTP %d: %s (%s)", resp.StatusCode, out.Message, out.Code)
	}
	return out.Articles, nil
}

// ToDomain converts the API article into the news.feed payload tagged with
// the query that found it.
func (a Article) ToDomain(query string) (domain.Article, error) {
	if strings.TrimSpace(a.URL) == "" {
		return domain.Article{}, &domain.ValidationError{Field: "url", Reason: "empty"}
	}
	if strings.TrimSpace(a.Title) == "" || a.Title == "[Removed]" {
		return domain.Article{}, &domain.ValidationError{Field: "title", Reason: "empty or removed"}
	}
	published, err := time.Parse(time.RFC3339, a.PublishedAt)
	if err != nil {
		return domain.Article{}, &domain.ValidationError{Field: "publishedAt", Reason: err.Error()}
	}
	return domain.Article{
		URL:         a.URL,
		Title:       a.Title,
		Description: a.Description,
		Content:     a.Content,
		SourceName:  a.Source.Name,
		PublishedAt: published.UTC(),
		SearchQuery: query,
	}, nil
}
