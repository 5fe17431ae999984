package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/alanyoungcy/miscalibrated/internal/domain"
)

// MaxRetrievalK caps the neighbours one query may ask for.
const MaxRetrievalK = 50

// RetrievalService answers top-k similarity queries over stored chunks.
type RetrievalService struct {
	chunks   domain.ChunkStore
	embedder domain.Embedder
}

// NewRetrievalService creates a RetrievalService. embedder may be nil, in
// which case only vector queries are accepted.
func NewRetrievalService(chunks domain.ChunkStore, embedder domain.Embedder) *RetrievalService {
	return &RetrievalService{chunks: chunks, embedder: embedder}
}

// Nearest returns the k chunks closest to vector by cosine distance.
func (s *RetrievalService) Nearest(ctx context.Context, vector []float32, k int) ([]domain.ScoredChunk, error) {
	if k < 1 || k > MaxRetrievalK {
		return nil, &domain.ValidationError{Field: "k", Reason: fmt.Sprintf("must be in [1,%d]", MaxRetrievalK)}
	}
	if len(vector) == 0 {
		return nil, &domain.ValidationError{Field: "vector", Reason: "empty"}
	}
	if s.embedder != nil && len(vector) != s.embedder.Dimensions() {
		return nil, &domain.ValidationError{
			Field:  "vector",
			Reason: fmt.Sprintf("got %d dimensions, want %d", len(vector), s.embedder.Dimensions()),
		}
	}
	out, err := s.chunks.Nearest(ctx, vector, k)
	if err != nil {
		return nil, fmt.Errorf("retrieval_service: nearest: %w", err)
	}
	return out, nil
}

// Search embeds text and returns its k nearest chunks.
func (s *RetrievalService) Search(ctx context.Context, text string, k int) ([]domain.ScoredChunk, error) {
	if strings.TrimSpace(text) == "" {
		return nil, &domain.ValidationError{Field: "query", Reason: "empty"}
	}
	if s.embedder == nil {
		return nil, &domain.ValidationError{Field: "query", Reason: "text search needs an embedder"}
	}
	vecs, err := s.embedder.Embed(ctx, []string{text})
	if err != nil {
		return nil, fmt.Errorf("retrieval_service: embed query: %w", err)
	}
	if len(vecs) != 1 {
		return nil, fmt.Errorf("retrieval_service: embed query: got %d vectors", len(vecs))
	}
	return s.Nearest(ctx, vecs[0], k)
}
