package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/miscalibrated/internal/domain"
)

// DeliveryStore implements domain.DeliveryStore using PostgreSQL. The
// (edge_id, identity_id) primary key is the alert idempotency key.
type DeliveryStore struct {
	pool *pgxpool.Pool
}

// NewDeliveryStore creates a new DeliveryStore backed by the given pool.
func NewDeliveryStore(pool *pgxpool.Pool) *DeliveryStore {
	return &DeliveryStore{pool: pool}
}

const deliveryCols = `edge_id, identity_id, state, reason, attempts, last_error, updated_at`

func scanDelivery(row pgx.Row) (domain.AlertDelivery, error) {
	var d domain.AlertDelivery
	var state string
	if err := row.Scan(&d.EdgeID, &d.IdentityID, &state, &d.Reason, &d.Attempts, &d.LastError, &d.UpdatedAt); err != nil {
		return domain.AlertDelivery{}, err
	}
	d.State = domain.DeliveryState(state)
	return d, nil
}

// Begin inserts the pairing as pending if absent, then returns the stored row.
func (s *DeliveryStore) Begin(ctx context.Context, edgeID, identityID string, at time.Time) (domain.AlertDelivery, error) {
	if _, err := s.pool.Exec(ctx, `
		INSERT INTO alert_deliveries (edge_id, identity_id, state, updated_at)
		VALUES ($1, $2, 'pending', $3)
		ON CONFLICT (edge_id, identity_id) DO NOTHING`,
		edgeID, identityID, at); err != nil {
		return domain.AlertDelivery{}, fmt.Errorf("postgres: begin delivery %s/%s: %w", edgeID, identityID, err)
	}

	d, err := scanDelivery(s.pool.QueryRow(ctx,
		`SELECT `+deliveryCols+` FROM alert_deliveries WHERE edge_id = $1 AND identity_id = $2`,
		edgeID, identityID))
	if err != nil {
		return domain.AlertDelivery{}, fmt.Errorf("postgres: read delivery %s/%s: %w", edgeID, identityID, err)
	}
	return d, nil
}

// Apply moves a pending pairing to t.To. The state = 'pending' guard is what
// makes a second Sent impossible.
func (s *DeliveryStore) Apply(ctx context.Context, t domain.Transition) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE alert_deliveries
		SET state = $3, reason = $4, attempts = $5, last_error = $6, updated_at = $7
		WHERE edge_id = $1 AND identity_id = $2 AND state = 'pending'`,
		t.EdgeID, t.IdentityID, string(t.To), t.Reason, t.Attempts, t.LastError, t.At)
	if err != nil {
		return false, fmt.Errorf("postgres: transition %s/%s to %s: %w", t.EdgeID, t.IdentityID, t.To, err)
	}
	return tag.RowsAffected() == 1, nil
}

// RecordAttempt stores progress on a pending pairing.
func (s *DeliveryStore) RecordAttempt(ctx context.Context, edgeID, identityID string, attempts int, lastErr string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE alert_deliveries
		SET attempts = $3, last_error = $4, updated_at = NOW()
		WHERE edge_id = $1 AND identity_id = $2 AND state = 'pending'`,
		edgeID, identityID, attempts, lastErr)
	if err != nil {
		return fmt.Errorf("postgres: record attempt %s/%s: %w", edgeID, identityID, err)
	}
	return nil
}

// List returns deliveries newest first, optionally filtered by state.
func (s *DeliveryStore) List(ctx context.Context, state domain.DeliveryState, opts domain.ListOpts) ([]domain.AlertDelivery, error) {
	var q listQuery
	if state != "" {
		q.where("state = $%d", string(state))
	}
	q.window("updated_at", opts)
	query, args := q.build(`SELECT `+deliveryCols+` FROM alert_deliveries`,
		"updated_at DESC, edge_id, identity_id", opts)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list deliveries: %w", err)
	}
	defer rows.Close()

	var out []domain.AlertDelivery
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan delivery: %w", err)
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list deliveries rows: %w", err)
	}
	return out, nil
}

// Compile-time interface check.
var _ domain.DeliveryStore = (*DeliveryStore)(nil)
