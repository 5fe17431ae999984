package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/miscalibrated/internal/domain"
)

// AlertService is what the alert handler needs from the service layer.
type AlertService interface {
	Failed(ctx context.Context, opts domain.ListOpts) ([]domain.AlertDelivery, error)
}

// AlertHandler exposes delivery state for operators.
type AlertHandler struct {
	alerts AlertService
	logger *slog.Logger
}

// NewAlertHandler creates an AlertHandler.
func NewAlertHandler(alerts AlertService, logger *slog.Logger) *AlertHandler {
	return &AlertHandler{alerts: alerts, logger: logger}
}

// ListFailed returns alerts that could not be delivered.
// GET /api/alerts/failed?since=2026-01-01T00:00:00Z
func (h *AlertHandler) ListFailed(w http.ResponseWriter, r *http.Request) {
	opts := parseListOpts(r)
	failed, err := h.alerts.Failed(r.Context(), opts)
	if err != nil {
		writeServiceError(w, r, h.logger, err, "failed alerts")
		return
	}
	views := make([]deliveryView, 0, len(failed))
	for _, d := range failed {
		views = append(views, toDeliveryView(d))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"deliveries": views,
		"limit":      opts.Limit,
		"offset":     opts.Offset,
	})
}
