package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/miscalibrated/internal/domain"
)

// MarketService is what the market handler needs from the service layer.
type MarketService interface {
	ListOpen(ctx context.Context, f domain.MarketFilter) ([]domain.Market, error)
	GetMarket(ctx context.Context, id int64) (domain.Market, error)
	RecentEdges(ctx context.Context, marketID int64, limit int) ([]domain.Edge, error)
	Count(ctx context.Context) (int64, error)
}

// MarketHandler serves market endpoints.
type MarketHandler struct {
	markets MarketService
	logger  *slog.Logger
}

// NewMarketHandler creates a MarketHandler.
func NewMarketHandler(markets MarketService, logger *slog.Logger) *MarketHandler {
	return &MarketHandler{markets: markets, logger: logger}
}

type listMarketsResponse struct {
	Markets []marketView `json:"markets"`
	Total   int64        `json:"total"`
	Limit   int          `json:"limit"`
	Offset  int          `json:"offset"`
}

// ListMarkets returns open markets.
// GET /api/markets?platform=kalshi&category=Economics&limit=50&offset=0
func (h *MarketHandler) ListMarkets(w http.ResponseWriter, r *http.Request) {
	platform, err := parsePlatform(r)
	if err != nil {
		writeServiceError(w, r, h.logger, err, "list markets")
		return
	}
	f := domain.MarketFilter{
		Platform: platform,
		Category: r.URL.Query().Get("category"),
		ListOpts: parseListOpts(r),
	}

	markets, err := h.markets.ListOpen(r.Context(), f)
	if err != nil {
		writeServiceError(w, r, h.logger, err, "list markets")
		return
	}
	total, err := h.markets.Count(r.Context())
	if err != nil {
		writeServiceError(w, r, h.logger, err, "count markets")
		return
	}

	views := make([]marketView, 0, len(markets))
	for _, m := range markets {
		views = append(views, toMarketView(m))
	}
	writeJSON(w, http.StatusOK, listMarketsResponse{
		Markets: views,
		Total:   total,
		Limit:   f.Limit,
		Offset:  f.Offset,
	})
}

type marketDetailResponse struct {
	marketView
	RecentEdges []edgeView `json:"recent_edges"`
}

// GetMarket returns one market with its latest edges.
// GET /api/markets/{id}
func (h *MarketHandler) GetMarket(w http.ResponseWriter, r *http.Request) {
	id, ok := pathInt64(r, "id")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid market id")
		return
	}

	market, err := h.markets.GetMarket(r.Context(), id)
	if err != nil {
		writeServiceError(w, r, h.logger, err, "market")
		return
	}
	edges, err := h.markets.RecentEdges(r.Context(), id, 10)
	if err != nil {
		writeServiceError(w, r, h.logger, err, "market edges")
		return
	}

	writeJSON(w, http.StatusOK, marketDetailResponse{
		marketView:  toMarketView(market),
		RecentEdges: toEdgeViews(edges),
	})
}
