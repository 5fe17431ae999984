package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/miscalibrated/internal/domain"
)

// EdgeStore implements domain.EdgeStore using PostgreSQL.
type EdgeStore struct {
	pool *pgxpool.Pool
}

// NewEdgeStore creates a new EdgeStore backed by the given connection pool.
func NewEdgeStore(pool *pgxpool.Pool) *EdgeStore {
	return &EdgeStore{pool: pool}
}

const edgeCols = `e.id, e.market_id, e.market_probability, e.model_probability,
	e.edge_magnitude, e.direction, e.detected_at, e.alert_sent`

func scanEdge(row pgx.Row) (domain.Edge, error) {
	var e domain.Edge
	var direction string
	if err := row.Scan(
		&e.ID, &e.MarketID, &e.MarketProbability, &e.ModelProbability,
		&e.EdgeMagnitude, &direction, &e.DetectedAt, &e.AlertSent,
	); err != nil {
		return domain.Edge{}, err
	}
	e.Direction = domain.Direction(direction)
	return e, nil
}

// CreateIfCool inserts e unless the market already has an edge detected
// after e.DetectedAt - cooldown. A transaction-scoped advisory lock on the
// market id serialises the check with the insert.
func (s *EdgeStore) CreateIfCool(ctx context.Context, e domain.Edge, cooldown time.Duration) (bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("postgres: begin create edge: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, e.MarketID); err != nil {
		return false, fmt.Errorf("postgres: lock market %d: %w", e.MarketID, err)
	}

	const query = `
		INSERT INTO edges (
			id, market_id, market_probability, model_probability,
			edge_magnitude, direction, detected_at
		)
		SELECT $1, $2, $3, $4, $5, $6, $7
		WHERE NOT EXISTS (
			SELECT 1 FROM edges WHERE market_id = $2 AND detected_at > $8
		)`
	tag, err := tx.Exec(ctx, query,
		e.ID, e.MarketID, e.MarketProbability, e.ModelProbability,
		e.EdgeMagnitude, string(e.Direction), e.DetectedAt,
		e.DetectedAt.Add(-cooldown),
	)
	if err != nil {
		return false, fmt.Errorf("postgres: create edge %s: %w", e.ID, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("postgres: commit edge %s: %w", e.ID, err)
	}
	return tag.RowsAffected() == 1, nil
}

// GetByID retrieves one edge.
func (s *EdgeStore) GetByID(ctx context.Context, id string) (domain.Edge, error) {
	e, err := scanEdge(s.pool.QueryRow(ctx, `SELECT `+edgeCols+` FROM edges e WHERE e.id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Edge{}, domain.ErrNotFound
		}
		return domain.Edge{}, fmt.Errorf("postgres: get edge %s: %w", id, err)
	}
	return e, nil
}

// LatestForMarket returns the most recently detected edge of a market.
func (s *EdgeStore) LatestForMarket(ctx context.Context, marketID int64) (domain.Edge, error) {
	e, err := scanEdge(s.pool.QueryRow(ctx,
		`SELECT `+edgeCols+` FROM edges e WHERE e.market_id = $1 ORDER BY e.detected_at DESC LIMIT 1`,
		marketID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Edge{}, domain.ErrNotFound
		}
		return domain.Edge{}, fmt.Errorf("postgres: latest edge for market %d: %w", marketID, err)
	}
	return e, nil
}

// List returns edges newest first, filtered by absolute magnitude and the
// optional platform, direction and market.
func (s *EdgeStore) List(ctx context.Context, f domain.EdgeFilter) ([]domain.Edge, error) {
	var q listQuery
	q.where("round(abs(e.edge_magnitude)::numeric, 9) >= round($%d::numeric, 9)", f.MinMagnitude)
	if f.Platform != "" {
		q.where("m.platform = $%d", string(f.Platform))
	}
	if f.Direction != "" {
		q.where("e.direction = $%d", string(f.Direction))
	}
	if f.MarketID != 0 {
		q.where("e.market_id = $%d", f.MarketID)
	}
	q.window("e.detected_at", f.ListOpts)

	query, args := q.build(`SELECT `+edgeCols+` FROM edges e JOIN markets m ON m.id = e.market_id`,
		"e.detected_at DESC", f.ListOpts)
	return s.queryEdges(ctx, "list edges", query, args...)
}

func (s *EdgeStore) queryEdges(ctx context.Context, op, query string, args ...any) ([]domain.Edge, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: %s: %w", op, err)
	}
	defer rows.Close()

	var edges []domain.Edge
	for rows.Next() {
		e, err := scanEdge(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: %s: scan: %w", op, err)
		}
		edges = append(edges, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: %s rows: %w", op, err)
	}
	return edges, nil
}

// MarkAlertSent sets the completion flag, the only mutable edge column.
func (s *EdgeStore) MarkAlertSent(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `UPDATE edges SET alert_sent = TRUE WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("postgres: mark alert sent %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// MarkDispatched records that the edge was published to the alert topic.
func (s *EdgeStore) MarkDispatched(ctx context.Context, id string, at time.Time) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO edge_dispatches (edge_id, dispatched_at) VALUES ($1, $2)
		 ON CONFLICT (edge_id) DO NOTHING`, id, at)
	if err != nil {
		return fmt.Errorf("postgres: mark dispatched %s: %w", id, err)
	}
	return nil
}

// ListUndispatched returns edges older than olderThan with no dispatch record.
func (s *EdgeStore) ListUndispatched(ctx context.Context, olderThan time.Time, limit int) ([]domain.Edge, error) {
	return s.queryEdges(ctx, "list undispatched edges",
		`SELECT `+edgeCols+` FROM edges e
		 LEFT JOIN edge_dispatches d ON d.edge_id = e.id
		 WHERE d.edge_id IS NULL AND e.detected_at < $1
		 ORDER BY e.detected_at
		 LIMIT $2`, olderThan, limit)
}

// Compile-time interface check.
var _ domain.EdgeStore = (*EdgeStore)(nil)
