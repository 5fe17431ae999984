package service

import (
	"context"
	"fmt"

	"github.com/alanyoungcy/miscalibrated/internal/domain"
)

// AlertService exposes delivery state for operators.
type AlertService struct {
	deliveries domain.DeliveryStore
}

// NewAlertService creates an AlertService.
func NewAlertService(deliveries domain.DeliveryStore) *AlertService {
	return &AlertService{deliveries: deliveries}
}

// Failed returns deliveries that exhausted their retries, newest first.
func (s *AlertService) Failed(ctx context.Context, opts domain.ListOpts) ([]domain.AlertDelivery, error) {
	out, err := s.deliveries.List(ctx, domain.DeliveryFailed, opts)
	if err != nil {
		return nil, fmt.Errorf("alert_service: list failed: %w", err)
	}
	return out, nil
}
