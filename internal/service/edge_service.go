package service

import (
	"context"
	"fmt"

	"github.com/alanyoungcy/miscalibrated/internal/domain"
)

// EdgeService lists detected edges.
type EdgeService struct {
	edges domain.EdgeStore
}

// NewEdgeService creates an EdgeService.
func NewEdgeService(edges domain.EdgeStore) *EdgeService {
	return &EdgeService{edges: edges}
}

// List returns edges matching f, newest first.
func (s *EdgeService) List(ctx context.Context, f domain.EdgeFilter) ([]domain.Edge, error) {
	if f.MinMagnitude < 0 || f.MinMagnitude > 1 {
		return nil, &domain.ValidationError{Field: "min_magnitude", Reason: fmt.Sprintf("%v outside [0,1]", f.MinMagnitude)}
	}
	edges, err := s.edges.List(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("edge_service: list: %w", err)
	}
	return edges, nil
}

// Get returns one edge.
func (s *EdgeService) Get(ctx context.Context, id string) (domain.Edge, error) {
	e, err := s.edges.GetByID(ctx, id)
	if err != nil {
		return domain.Edge{}, fmt.Errorf("edge_service: get %s: %w", id, err)
	}
	return e, nil
}
