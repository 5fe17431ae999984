// Package alert fans triggered edges out to users and drives each (edge,
// user) pairing through Pending to exactly one of Suppressed, Sent or
// Failed.
package alert

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/miscalibrated/internal/bus"
	"github.com/alanyoungcy/miscalibrated/internal/domain"
	"github.com/alanyoungcy/miscalibrated/internal/metrics"
	"github.com/alanyoungcy/miscalibrated/internal/retry"
)

// Operator is told about deliveries that ended in Failed.
type Operator interface {
	AlertFailed(ctx context.Context, alert domain.EdgeAlert, d domain.AlertDelivery) error
}

// Config holds the delivery limits.
type Config struct {
	// MaxAttempts bounds transport calls per pairing across redeliveries.
	MaxAttempts int
	// Backoff spaces out transport retries; its Attempts field is ignored.
	Backoff         retry.Policy
	LeaseTTL        time.Duration
	DeliveryTimeout time.Duration
	PageSize        int
	// Concurrency bounds the pairings of one alert delivered at once.
	Concurrency int
}

// Evaluate decides whether user should receive alert. It returns the
// suppression reason when not. Checks run in a fixed order so the recorded
// reason is deterministic.
func Evaluate(user domain.UserPreference, alert domain.EdgeAlert) (ok bool, reason string) {
	switch {
	case !user.AlertsEnabled:
		return false, domain.ReasonAlertsDisabled
	case !user.Subscribes(alert.Platform):
		return false, domain.ReasonPlatformFiltered
	case !domain.MeetsThreshold(alert.EdgeMagnitude, user.AlertThreshold):
		return false, domain.ReasonBelowThreshold
	}
	return true, ""
}

// Notifier consumes alerts.triggered.
type Notifier struct {
	users      domain.UserStore
	deliveries domain.DeliveryStore
	edges      domain.EdgeStore
	locks      domain.LockManager
	transport  domain.Transport
	operator   Operator
	cfg        Config
	metrics    *metrics.Metrics
	logger     *slog.Logger
	bus        domain.EventBus
	now        func() time.Time
}

// New creates a Notifier. operator may be nil.
func New(
	users domain.UserStore,
	deliveries domain.DeliveryStore,
	edges domain.EdgeStore,
	locks domain.LockManager,
	transport domain.Transport,
	operator Operator,
	b domain.EventBus,
	cfg Config,
	m *metrics.Metrics,
	logger *slog.Logger,
) *Notifier {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 5
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = 3 * time.Minute
	}
	if cfg.DeliveryTimeout <= 0 {
		cfg.DeliveryTimeout = 10 * time.Second
	}
	if cfg.PageSize < 1 {
		cfg.PageSize = 500
	}
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 8
	}
	return &Notifier{
		users:      users,
		deliveries: deliveries,
		edges:      edges,
		locks:      locks,
		transport:  transport,
		operator:   operator,
		bus:        b,
		cfg:        cfg,
		metrics:    m,
		logger:     logger.With(slog.String("component", "alert_notifier")),
		now:        time.Now,
	}
}

// Handle processes one alerts.triggered record. Pairings already in a
// terminal state are left alone, so replaying a record never sends twice.
// If ctx expires mid fan-out the unfinished pairings stay Pending with their
// attempt counts, and the replayed record picks them up where they stopped.
func (n *Notifier) Handle(ctx context.Context, rec domain.Record) error {
	var alert domain.EdgeAlert
	if err := json.Unmarshal(rec.Payload, &alert); err != nil || alert.EdgeID == "" {
		cause := error(&domain.ValidationError{Field: "alert", Reason: "undecodable or missing edge id"})
		n.logger.Warn("alert rejected", slog.String("key", rec.Key))
		return bus.PublishReject(ctx, n.bus, rec, cause, n.now())
	}

	for offset := 0; ; offset += n.cfg.PageSize {
		users, err := n.users.List(ctx, domain.ListOpts{Limit: n.cfg.PageSize, Offset: offset})
		if err != nil {
			return fmt.Errorf("alert: list users: %w", err)
		}
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(n.cfg.Concurrency)
		for _, u := range users {
			g.Go(func() error {
				return n.deliver(gctx, alert, u)
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}
		if len(users) < n.cfg.PageSize {
			break
		}
	}

	if err := n.edges.MarkAlertSent(ctx, alert.EdgeID); err != nil && !errors.Is(err, domain.ErrNotFound) {
		return fmt.Errorf("alert: mark edge %s: %w", alert.EdgeID, err)
	}
	return nil
}

func (n *Notifier) deliver(ctx context.Context, alert domain.EdgeAlert, user domain.UserPreference) error {
	logger := n.logger.With(
		slog.String("edge_id", alert.EdgeID),
		slog.String("identity_id", user.IdentityID),
	)

	d, err := n.deliveries.Begin(ctx, alert.EdgeID, user.IdentityID, n.now().UTC())
	if err != nil {
		return fmt.Errorf("alert: begin %s/%s: %w", alert.EdgeID, user.IdentityID, err)
	}
	if d.State.Terminal() {
		return nil
	}

	if ok, reason := Evaluate(user, alert); !ok {
		return n.transition(ctx, logger, domain.Transition{
			EdgeID:     alert.EdgeID,
			IdentityID: user.IdentityID,
			To:         domain.DeliverySuppressed,
			Reason:     reason,
			Attempts:   d.Attempts,
		})
	}

	unlock, err := n.locks.Acquire(ctx, "deliver:"+alert.EdgeID+":"+user.IdentityID, n.cfg.LeaseTTL)
	if errors.Is(err, domain.ErrLockHeld) {
		logger.Debug("delivery in progress elsewhere")
		return nil
	}
	if err != nil {
		return fmt.Errorf("alert: lease %s/%s: %w", alert.EdgeID, user.IdentityID, err)
	}
	defer unlock()

	// Another worker may have finished the pairing between Begin and the
	// lease.
	d, err = n.deliveries.Begin(ctx, alert.EdgeID, user.IdentityID, n.now().UTC())
	if err != nil {
		return fmt.Errorf("alert: reload %s/%s: %w", alert.EdgeID, user.IdentityID, err)
	}
	if d.State.Terminal() {
		return nil
	}

	attempts := d.Attempts
	var lastErr error
	var storeErr error
	budget := n.cfg.Backoff
	budget.Attempts = n.cfg.MaxAttempts - attempts

	if budget.Attempts > 0 {
		err = retry.Do(ctx, budget, func(err error) bool { return storeErr == nil && ctx.Err() == nil }, func(ctx context.Context, attempt int) error {
			dctx, cancel := context.WithTimeout(ctx, n.cfg.DeliveryTimeout)
			derr := n.transport.Deliver(dctx, user, alert)
			cancel()
			attempts++
			if derr == nil {
				n.metrics.DeliveryAttempt(n.transport.Name(), "ok")
				return nil
			}
			lastErr = derr
			n.metrics.DeliveryAttempt(n.transport.Name(), "error")
			logger.Warn("delivery attempt failed",
				slog.Int("attempt", attempts),
				slog.String("error", derr.Error()),
			)
			if serr := n.deliveries.RecordAttempt(ctx, alert.EdgeID, user.IdentityID, attempts, derr.Error()); serr != nil {
				storeErr = serr
				return serr
			}
			return derr
		})
		if storeErr != nil {
			return fmt.Errorf("alert: record attempt %s/%s: %w", alert.EdgeID, user.IdentityID, storeErr)
		}
		if err == nil {
			return n.transition(ctx, logger, domain.Transition{
				EdgeID:     alert.EdgeID,
				IdentityID: user.IdentityID,
				To:         domain.DeliverySent,
				Attempts:   attempts,
			})
		}
		if ctx.Err() != nil {
			// Shutting down mid-backoff; the pairing stays Pending and the
			// record is redelivered.
			return ctx.Err()
		}
	}

	t := domain.Transition{
		EdgeID:     alert.EdgeID,
		IdentityID: user.IdentityID,
		To:         domain.DeliveryFailed,
		Reason:     "retries_exhausted",
		Attempts:   attempts,
	}
	if lastErr != nil {
		t.LastError = lastErr.Error()
	} else {
		t.LastError = d.LastError
	}
	if err := n.transition(ctx, logger, t); err != nil {
		return err
	}
	if n.operator != nil {
		failed := domain.AlertDelivery{
			EdgeID:     t.EdgeID,
			IdentityID: t.IdentityID,
			State:      domain.DeliveryFailed,
			Attempts:   t.Attempts,
			LastError:  t.LastError,
		}
		if err := n.operator.AlertFailed(ctx, alert, failed); err != nil {
			logger.Error("operator notification failed", slog.String("error", err.Error()))
		}
	}
	return nil
}

func (n *Notifier) transition(ctx context.Context, logger *slog.Logger, t domain.Transition) error {
	t.At = n.now().UTC()
	applied, err := n.deliveries.Apply(ctx, t)
	if err != nil {
		return fmt.Errorf("alert: apply %s for %s/%s: %w", t.To, t.EdgeID, t.IdentityID, err)
	}
	if !applied {
		return nil
	}
	n.metrics.AlertTransition(string(t.To), t.Reason)

	attrs := []any{slog.String("state", string(t.To)), slog.Int("attempts", t.Attempts)}
	if t.Reason != "" {
		attrs = append(attrs, slog.String("reason", t.Reason))
	}
	switch t.To {
	case domain.DeliveryFailed:
		logger.Error("alert delivery failed", append(attrs, slog.String("error", t.LastError))...)
	case domain.DeliverySent:
		logger.Info("alert sent", attrs...)
	default:
		logger.Debug("alert suppressed", attrs...)
	}
	return nil
}
