package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/miscalibrated/internal/domain"
)

// PreferenceService is what the preference handler needs from the service
// layer.
type PreferenceService interface {
	Get(ctx context.Context, identityID string) (domain.UserPreference, error)
	Update(ctx context.Context, identityID string, patch domain.PreferencePatch) (domain.UserPreference, error)
}

// PreferenceHandler serves alert preference endpoints.
type PreferenceHandler struct {
	prefs  PreferenceService
	logger *slog.Logger
}

// NewPreferenceHandler creates a PreferenceHandler.
func NewPreferenceHandler(prefs PreferenceService, logger *slog.Logger) *PreferenceHandler {
	return &PreferenceHandler{prefs: prefs, logger: logger}
}

// GetPreferences returns one user's alert preferences.
// GET /api/users/{identity}/preferences
func (h *PreferenceHandler) GetPreferences(w http.ResponseWriter, r *http.Request) {
	u, err := h.prefs.Get(r.Context(), r.PathValue("identity"))
	if err != nil {
		writeServiceError(w, r, h.logger, err, "preferences")
		return
	}
	writeJSON(w, http.StatusOK, toPreferenceView(u))
}

type preferencePatchRequest struct {
	Email               *string  `json:"email"`
	AlertThreshold      *float64 `json:"alert_threshold"`
	AlertsEnabled       *bool    `json:"alerts_enabled"`
	SubscribedPlatforms []string `json:"subscribed_platforms"`
}

// UpdatePreferences changes only the supplied fields.
// PATCH /api/users/{identity}/preferences
func (h *PreferenceHandler) UpdatePreferences(w http.ResponseWriter, r *http.Request) {
	var req preferencePatchRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	patch := domain.PreferencePatch{
		Email:          req.Email,
		AlertThreshold: req.AlertThreshold,
		AlertsEnabled:  req.AlertsEnabled,
	}
	if req.SubscribedPlatforms != nil {
		patch.SubscribedPlatforms = make([]domain.Platform, 0, len(req.SubscribedPlatforms))
		for _, s := range req.SubscribedPlatforms {
			p, err := domain.ParsePlatform(s)
			if err != nil {
				writeServiceError(w, r, h.logger, err, "preferences")
				return
			}
			patch.SubscribedPlatforms = append(patch.SubscribedPlatforms, p)
		}
	}

	u, err := h.prefs.Update(r.Context(), r.PathValue("identity"), patch)
	if err != nil {
		writeServiceError(w, r, h.logger, err, "preferences")
		return
	}
	writeJSON(w, http.StatusOK, toPreferenceView(u))
}
