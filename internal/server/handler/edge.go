package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/alanyoungcy/miscalibrated/internal/domain"
)

// EdgeService is what the edge handler needs from the service layer.
type EdgeService interface {
	List(ctx context.Context, f domain.EdgeFilter) ([]domain.Edge, error)
	Get(ctx context.Context, id string) (domain.Edge, error)
}

// EdgeHandler serves edge endpoints.
type EdgeHandler struct {
	edges  EdgeService
	logger *slog.Logger
}

// NewEdgeHandler creates an EdgeHandler.
func NewEdgeHandler(edges EdgeService, logger *slog.Logger) *EdgeHandler {
	return &EdgeHandler{edges: edges, logger: logger}
}

// ListEdges returns edges newest first. min_magnitude compares against the
// absolute magnitude.
// GET /api/edges?min_magnitude=0.1&platform=kalshi&direction=YES&market_id=7
func (h *EdgeHandler) ListEdges(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := domain.EdgeFilter{ListOpts: parseListOpts(r)}

	if v := q.Get("min_magnitude"); v != "" {
		mag, err := strconv.ParseFloat(v, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid min_magnitude")
			return
		}
		f.MinMagnitude = mag
	}
	platform, err := parsePlatform(r)
	if err != nil {
		writeServiceError(w, r, h.logger, err, "list edges")
		return
	}
	f.Platform = platform

	switch d := domain.Direction(strings.ToUpper(q.Get("direction"))); d {
	case "":
	case domain.DirectionYes, domain.DirectionNo:
		f.Direction = d
	default:
		writeError(w, http.StatusBadRequest, "direction must be YES or NO")
		return
	}
	if v := q.Get("market_id"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid market_id")
			return
		}
		f.MarketID = id
	}

	edges, err := h.edges.List(r.Context(), f)
	if err != nil {
		writeServiceError(w, r, h.logger, err, "list edges")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"edges":  toEdgeViews(edges),
		"limit":  f.Limit,
		"offset": f.Offset,
	})
}

// GetEdge returns one edge.
// GET /api/edges/{id}
func (h *EdgeHandler) GetEdge(w http.ResponseWriter, r *http.Request) {
	e, err := h.edges.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeServiceError(w, r, h.logger, err, "edge")
		return
	}
	writeJSON(w, http.StatusOK, toEdgeView(e))
}
