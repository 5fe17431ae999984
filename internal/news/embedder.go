package news

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"io"
	"math"
	"net/http"
	"sort"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/alanyoungcy/miscalibrated/internal/domain"
)

// maxEmbedBatch caps the inputs sent in one embeddings request.
const maxEmbedBatch = 96

// OpenAIEmbedder calls an OpenAI-compatible /v1/embeddings endpoint.
type OpenAIEmbedder struct {
	baseURL    string
	apiKey     string
	model      string
	dims       int
	httpClient *http.Client
	limiter    *rate.Limiter
}

// NewOpenAIEmbedder creates an embedder for model producing dims-wide
// vectors. ratePerSec caps requests; zero disables the cap.
func NewOpenAIEmbedder(baseURL, apiKey, model string, dims int, ratePerSec float64, timeout time.Duration) *OpenAIEmbedder {
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	limit := rate.Inf
	if ratePerSec > 0 {
		limit = rate.Limit(ratePerSec)
	}
	return &OpenAIEmbedder{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		model:      model,
		dims:       dims,
		httpClient: &http.Client{Timeout: timeout},
		limiter:    rate.NewLimiter(limit, 1),
	}
}

// Dimensions implements domain.Embedder.
func (e *OpenAIEmbedder) Dimensions() int { return e.dims }

// Name identifies the provider in logs.
func (e *OpenAIEmbedder) Name() string { return "openai:" + e.model }

type embeddingRequest struct {
	Model      string   `json:"model"`
	Input      []string `json:"input"`
	Dimensions int      `json:"dimensions,omitempty"`
}

type embeddingResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// Embed implements domain.Embedder. Vectors come back in input order.
func (e *OpenAIEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += maxEmbedBatch {
		end := start + maxEmbedBatch
		if end > len(texts) {
			end = len(texts)
		}
		vecs, err := e.embedBatch(ctx, texts[start:end])
		if err != nil {
			return nil, err
		}
		out = append(out, vecs...)
	}
	return out, nil
}

func (e *OpenAIEmbedder) embedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if err := e.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter: %w", err)
	}

	body, err := json.Marshal(embeddingRequest{Model: e.model, Input: texts, Dimensions: e.dims})
	if err != nil {
		return nil, fmt.Errorf("embed: marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/v1/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("embed: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+e.apiKey)

	resp, err := e.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &domain.TransientError{Op: "embed: http request", Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &domain.TransientError{Op: "embed: read response", Err: err}
	}

	var parsed embeddingResponse
	_ = json.Unmarshal(raw, &parsed)
	msg := ""
	if parsed.Error != nil {
		msg = parsed.Error.Message
	}
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, fmt.Errorf("embed: %w: %s", domain.ErrRateLimited, msg)
	case resp.StatusCode == http.StatusUnauthorized:
		return nil, fmt.Errorf("embed: %w: %s", domain.ErrUnauthorized, msg)
	case resp.StatusCode >= 500:
		return nil, &domain.TransientError{Op: "embed", Err: fmt.Errorf("HTTP %d: %s", resp.StatusCode, msg)}
	case resp.StatusCode >= 300:
		return nil, fmt.Errorf("embed: HTTP %d: %s", resp.StatusCode, msg)
	}

	if len(parsed.Data) != len(texts) {
		return nil, fmt.Errorf("embed: got %d vectors for %d inputs", len(parsed.Data), len(texts))
	}
	sort.Slice(parsed.Data, func(i, j int) bool { return parsed.Data[i].Index < parsed.Data[j].Index })
	out := make([][]float32, len(parsed.Data))
	for i, d := range parsed.Data {
		if len(d.Embedding) != e.dims {
			return nil, &domain.ValidationError{
				Field:  "embedding",
				Reason: fmt.Sprintf("got %d dimensions, want %d", len(d.Embedding), e.dims),
			}
		}
		out[i] = d.Embedding
	}
	return out, nil
}

// HashingEmbedder maps text to a fixed-width vector by signed feature
// hashing of its tokens, then L2-normalises it. It needs no network and is
// deterministic, so similar texts share dimensions and cosine distance
// still ranks lexical overlap.
type HashingEmbedder struct {
	dims int
}

// NewHashingEmbedder creates a HashingEmbedder.
func NewHashingEmbedder(dims int) *HashingEmbedder {
	return &HashingEmbedder{dims: dims}
}

// Dimensions implements domain.Embedder.
func (h *HashingEmbedder) Dimensions() int { return h.dims }

// Name identifies the provider in logs.
func (h *HashingEmbedder) Name() string { return "hashing" }

// Embed implements domain.Embedder.
func (h *HashingEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		vec := make([]float32, h.dims)
		for _, tok := range Tokenize(text) {
			f := fnv.New64a()
			_, _ = f.Write([]byte(tok))
			sum := f.Sum64()
			idx := int(sum % uint64(h.dims))
			if sum&(1<<63) != 0 {
				vec[idx]--
			} else {
				vec[idx]++
			}
		}
		var norm float64
		for _, x := range vec {
			norm += float64(x) * float64(x)
		}
		if norm > 0 {
			scale := float32(1 / math.Sqrt(norm))
			for j := range vec {
				vec[j] *= scale
			}
		}
		out[i] = vec
	}
	return out, nil
}

var (
	_ domain.Embedder = (*OpenAIEmbedder)(nil)
	_ domain.Embedder = (*HashingEmbedder)(nil)
)
