// Package calibration compares model-implied probabilities with market
// prices and records an Edge when they diverge.
package calibration

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"time"

	"github.com/alanyoungcy/miscalibrated/internal/domain"
)

// probFloor keeps logit finite for prices quoted at exactly 0 or 1.
const probFloor = 1e-4

// TemperatureScorer rescales the market's own log-odds by 1/T. T > 1 pulls
// prices toward 0.5, correcting a market that is systematically
// overconfident. With a positive news weight, correlated coverage moves the
// effective temperature back toward 1: a market that has been in the news is
// assumed to be priced more accurately.
type TemperatureScorer struct {
	temperature float64
	newsWeight  float64
}

// NewTemperatureScorer creates a TemperatureScorer. A non-positive
// temperature is treated as 1.
func NewTemperatureScorer(temperature, newsWeight float64) *TemperatureScorer {
	if temperature <= 0 {
		temperature = 1
	}
	if newsWeight < 0 {
		newsWeight = 0
	}
	return &TemperatureScorer{temperature: temperature, newsWeight: newsWeight}
}

// Name implements domain.Scorer.
func (s *TemperatureScorer) Name() string { return "temperature" }

// Score implements domain.Scorer.
func (s *TemperatureScorer) Score(ctx context.Context, in domain.ScoreInput) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	t := s.temperature
	if n := len(in.Related); n > 0 && s.newsWeight > 0 {
		t = 1 + (t-1)/(1+s.newsWeight*float64(n))
	}
	return sigmoid(logit(in.Market.MarketProbability) / t), nil
}

func logit(p float64) float64 {
	p = math.Min(math.Max(p, probFloor), 1-probFloor)
	return math.Log(p / (1 - p))
}

func sigmoid(z float64) float64 {
	return 1 / (1 + math.Exp(-z))
}

// HTTPScorer asks an external model service for a probability. It POSTs the
// canonical market and its related chunks as JSON and expects
// {"probability": p} back.
type HTTPScorer struct {
	url        string
	apiKey     string
	httpClient *http.Client
}

// NewHTTPScorer creates an HTTPScorer.
func NewHTTPScorer(url, apiKey string, timeout time.Duration) *HTTPScorer {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPScorer{
		url:        url,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Name implements domain.Scorer.
func (s *HTTPScorer) Name() string { return "http" }

type scoreMarket struct {
	ID                int64           `json:"id"`
	Platform          domain.Platform `json:"platform"`
	ExternalID        string          `json:"external_id"`
	Title             string          `json:"title"`
	Category          string          `json:"category,omitempty"`
	CloseTime         *time.Time      `json:"close_time,omitempty"`
	MarketProbability float64         `json:"market_probability"`
	Volume            float64         `json:"volume"`
}

type scoreChunk struct {
	URL         string    `json:"url"`
	Content     string    `json:"content"`
	SourceName  string    `json:"source_name,omitempty"`
	PublishedAt time.Time `json:"published_at"`
}

type scoreRequest struct {
	Market  scoreMarket  `json:"market"`
	Related []scoreChunk `json:"related"`
}

type scoreResponse struct {
	Probability *float64 `json:"probability"`
	Error       string   `json:"error"`
}

// Score implements domain.Scorer. Every failure matches domain.ErrScoring.
func (s *HTTPScorer) Score(ctx context.Context, in domain.ScoreInput) (float64, error) {
	m := in.Market
	req := scoreRequest{
		Market: scoreMarket{
			ID:                m.ID,
			Platform:          m.Platform,
			ExternalID:        m.ExternalID,
			Title:             m.Title,
			Category:          m.Category,
			CloseTime:         m.CloseTime,
			MarketProbability: m.MarketProbability,
			Volume:            m.Volume,
		},
		Related: make([]scoreChunk, 0, len(in.Related)),
	}
	for _, c := range in.Related {
		req.Related = append(req.Related, scoreChunk{
			URL:         c.URL,
			Content:     c.Content,
			SourceName:  c.SourceName,
			PublishedAt: c.PublishedAt,
		})
	}

	body, err := json.Marshal(req)
	if err != nil {
		return 0, fmt.Errorf("%w: marshal request: %v", domain.ErrScoring, err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("%w: create request: %v", domain.ErrScoring, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if s.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+s.apiKey)
	}

	resp, err := s.httpClient.Do(httpReq)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", domain.ErrScoring, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return 0, fmt.Errorf("%w: read response: %v", domain.ErrScoring, err)
	}
	var out scoreResponse
	if err := json.Unmarshal(raw, &out); err != nil && resp.StatusCode < 300 {
		return 0, fmt.Errorf("%w: decode response: %v", domain.ErrScoring, err)
	}
	if resp.StatusCode >= 300 {
		return 0, fmt.Errorf("%w: HTTP %d: %s", domain.ErrScoring, resp.StatusCode, out.Error)
	}
	if out.Probability == nil {
		return 0, fmt.Errorf("%w: response has no probability", domain.ErrScoring)
	}
	return *out.Probability, nil
}

var (
	_ domain.Scorer = (*TemperatureScorer)(nil)
	_ domain.Scorer = (*HTTPScorer)(nil)
)
