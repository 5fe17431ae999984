package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/alanyoungcy/miscalibrated/internal/domain"
)

// PreferenceService reads and patches user alert preferences. A user who
// never saved preferences reads as the defaults.
type PreferenceService struct {
	users  domain.UserStore
	logger *slog.Logger
	now    func() time.Time
}

// NewPreferenceService creates a PreferenceService.
func NewPreferenceService(users domain.UserStore, logger *slog.Logger) *PreferenceService {
	return &PreferenceService{
		users:  users,
		logger: logger.With(slog.String("component", "preference_service")),
		now:    time.Now,
	}
}

// Get returns the preference of identityID, or the defaults if none is
// stored.
func (s *PreferenceService) Get(ctx context.Context, identityID string) (domain.UserPreference, error) {
	if strings.TrimSpace(identityID) == "" {
		return domain.UserPreference{}, &domain.ValidationError{Field: "identity_id", Reason: "empty"}
	}
	u, err := s.users.Get(ctx, identityID)
	if errors.Is(err, domain.ErrNotFound) {
		return domain.DefaultPreference(identityID), nil
	}
	if err != nil {
		return domain.UserPreference{}, fmt.Errorf("preference_service: get %s: %w", identityID, err)
	}
	return u, nil
}

// Update applies patch on top of the current preference and stores the
// result. Only supplied fields change.
func (s *PreferenceService) Update(ctx context.Context, identityID string, patch domain.PreferencePatch) (domain.UserPreference, error) {
	cur, err := s.Get(ctx, identityID)
	if err != nil {
		return domain.UserPreference{}, err
	}
	next, err := patch.Apply(cur)
	if err != nil {
		return domain.UserPreference{}, err
	}
	next.UpdatedAt = s.now().UTC()
	if err := s.users.Upsert(ctx, next); err != nil {
		return domain.UserPreference{}, fmt.Errorf("preference_service: save %s: %w", identityID, err)
	}
	s.logger.InfoContext(ctx, "preferences updated",
		slog.String("identity_id", identityID),
		slog.Float64("alert_threshold", next.AlertThreshold),
		slog.Bool("alerts_enabled", next.AlertsEnabled),
	)
	return next, nil
}
