package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/miscalibrated/internal/domain"
)

// RetrievalService is what the retrieval handler needs from the service
// layer.
type RetrievalService interface {
	Nearest(ctx context.Context, vector []float32, k int) ([]domain.ScoredChunk, error)
	Search(ctx context.Context, text string, k int) ([]domain.ScoredChunk, error)
}

// RetrievalHandler serves top-k chunk similarity queries.
type RetrievalHandler struct {
	retrieval RetrievalService
	logger    *slog.Logger
}

// NewRetrievalHandler creates a RetrievalHandler.
func NewRetrievalHandler(retrieval RetrievalService, logger *slog.Logger) *RetrievalHandler {
	return &RetrievalHandler{retrieval: retrieval, logger: logger}
}

type retrievalRequest struct {
	Vector []float32 `json:"vector"`
	Query  string    `json:"query"`
	K      int       `json:"k"`
}

// Query returns the k chunks nearest to a vector, or to the embedding of a
// text query when no vector is given.
// POST /api/retrieval
func (h *RetrievalHandler) Query(w http.ResponseWriter, r *http.Request) {
	var req retrievalRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.K == 0 {
		req.K = 5
	}

	var (
		hits []domain.ScoredChunk
		err  error
	)
	if len(req.Vector) > 0 {
		hits, err = h.retrieval.Nearest(r.Context(), req.Vector, req.K)
	} else {
		hits, err = h.retrieval.Search(r.Context(), req.Query, req.K)
	}
	if err != nil {
		writeServiceError(w, r, h.logger, err, "retrieval")
		return
	}

	views := make([]chunkView, 0, len(hits))
	for _, c := range hits {
		views = append(views, toChunkView(c))
	}
	writeJSON(w, http.StatusOK, map[string]any{"chunks": views})
}
