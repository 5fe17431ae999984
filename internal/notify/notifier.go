// Package notify delivers operator notifications (Telegram, Discord) and
// user-facing edge alerts (signed webhooks).
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/alanyoungcy/miscalibrated/internal/domain"
)

// Operator event types. The configured event list filters which of them
// reach the operator channels.
const (
	EventAlertFailed = "alert_failed"
	EventError       = "error"
)

// Sender is one operator notification channel.
type Sender interface {
	// Send delivers a notification with the given title and message body.
	Send(ctx context.Context, title, message string) error
	// Name returns a human-readable identifier for the sender (e.g. "telegram").
	Name() string
}

// Notifier fans operator notifications out to every Sender whose event type
// is allowed. An empty event list allows everything.
type Notifier struct {
	senders []Sender
	events  map[string]bool
	logger  *slog.Logger
}

// NewNotifier creates a Notifier.
func NewNotifier(senders []Sender, events []string, logger *slog.Logger) *Notifier {
	allowed := make(map[string]bool, len(events))
	for _, e := range events {
		if e = strings.TrimSpace(e); e != "" {
			allowed[e] = true
		}
	}
	return &Notifier{
		senders: senders,
		events:  allowed,
		logger:  logger.With(slog.String("component", "notifier")),
	}
}

// Notify sends to every sender if event is allowed.
func (n *Notifier) Notify(ctx context.Context, event, title, message string) error {
	if len(n.events) > 0 && !n.events[event] {
		n.logger.DebugContext(ctx, "event filtered out", slog.String("event", event))
		return nil
	}
	return n.dispatch(ctx, title, message)
}

// AlertFailed reports a delivery that exhausted its retries.
func (n *Notifier) AlertFailed(ctx context.Context, alert domain.EdgeAlert, d domain.AlertDelivery) error {
	title := fmt.Sprintf("Alert failed: %s", alert.Title)
	msg := fmt.Sprintf(
		"edge %s (%s %s, %+.3f %s) could not be delivered to %s after %d attempts: %s",
		alert.EdgeID, alert.Platform, alert.ExternalID, alert.EdgeMagnitude, alert.Direction,
		d.IdentityID, d.Attempts, d.LastError,
	)
	return n.Notify(ctx, EventAlertFailed, title, msg)
}

// dispatch sends to every sender. One failing sender does not stop the
// others; all failures are joined into the returned error.
func (n *Notifier) dispatch(ctx context.Context, title, message string) error {
	var errs []error
	for _, s := range n.senders {
		if err := s.Send(ctx, title, message); err != nil {
			n.logger.ErrorContext(ctx, "sender failed",
				slog.String("sender", s.Name()),
				slog.String("error", err.Error()),
			)
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
			continue
		}
		n.logger.DebugContext(ctx, "notification sent",
			slog.String("sender", s.Name()),
			slog.String("title", title),
		)
	}
	return errors.Join(errs...)
}
