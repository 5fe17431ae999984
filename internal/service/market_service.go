// Package service holds the read-side operations behind the HTTP API.
package service

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/alanyoungcy/miscalibrated/internal/domain"
)

// MarketService lists and looks up canonical markets. Single-market reads
// go through the cache when one is configured.
type MarketService struct {
	markets domain.MarketStore
	edges   domain.EdgeStore
	cache   domain.MarketCache
	logger  *slog.Logger
}

// NewMarketService creates a MarketService. cache may be nil.
func NewMarketService(markets domain.MarketStore, edges domain.EdgeStore, cache domain.MarketCache, logger *slog.Logger) *MarketService {
	return &MarketService{
		markets: markets,
		edges:   edges,
		cache:   cache,
		logger:  logger.With(slog.String("component", "market_service")),
	}
}

// ListOpen returns open markets matching f.
func (s *MarketService) ListOpen(ctx context.Context, f domain.MarketFilter) ([]domain.Market, error) {
	markets, err := s.markets.ListOpen(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("market_service: list open: %w", err)
	}
	return markets, nil
}

// GetMarket returns a market by id, checking the cache first and
// back-filling it on a miss.
func (s *MarketService) GetMarket(ctx context.Context, id int64) (domain.Market, error) {
	if s.cache != nil {
		if m, err := s.cache.Get(ctx, id); err == nil {
			return m, nil
		}
	}

	m, err := s.markets.GetByID(ctx, id)
	if err != nil {
		return domain.Market{}, fmt.Errorf("market_service: get %d: %w", id, err)
	}

	if s.cache != nil {
		if err := s.cache.Set(ctx, m); err != nil {
			s.logger.WarnContext(ctx, "cache set failed",
				slog.Int64("market_id", id),
				slog.String("error", err.Error()),
			)
		}
	}
	return m, nil
}

// RecentEdges returns the newest edges of one market.
func (s *MarketService) RecentEdges(ctx context.Context, marketID int64, limit int) ([]domain.Edge, error) {
	edges, err := s.edges.List(ctx, domain.EdgeFilter{MarketID: marketID, ListOpts: domain.ListOpts{Limit: limit}})
	if err != nil {
		return nil, fmt.Errorf("market_service: edges of %d: %w", marketID, err)
	}
	return edges, nil
}

// Count returns the number of stored markets.
func (s *MarketService) Count(ctx context.Context) (int64, error) {
	n, err := s.markets.Count(ctx)
	if err != nil {
		return 0, fmt.Errorf("market_service: count: %w", err)
	}
	return n, nil
}
