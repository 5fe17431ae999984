package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/miscalibrated/internal/domain"
)

// MarketStore implements domain.MarketStore using PostgreSQL.
type MarketStore struct {
	pool *pgxpool.Pool
}

// NewMarketStore creates a new MarketStore backed by the given connection pool.
func NewMarketStore(pool *pgxpool.Pool) *MarketStore {
	return &MarketStore{pool: pool}
}

// Upsert writes m keyed by (platform, external_id). The conflict branch only
// fires when the incoming updated_at is strictly newer, so a stale snapshot
// leaves the row untouched and RETURNING yields nothing.
func (s *MarketStore) Upsert(ctx context.Context, m domain.Market) (int64, bool, error) {
	const query = `
		INSERT INTO markets (
			platform, external_id, title, category, close_time,
			market_probability, volume, is_open, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (platform, external_id) DO UPDATE SET
			title              = EXCLUDED.title,
			category           = EXCLUDED.category,
			close_time         = EXCLUDED.close_time,
			market_probability = EXCLUDED.market_probability,
			volume             = EXCLUDED.volume,
			is_open            = EXCLUDED.is_open,
			updated_at         = EXCLUDED.updated_at
		WHERE markets.updated_at < EXCLUDED.updated_at
		RETURNING id`

	var id int64
	err := s.pool.QueryRow(ctx, query,
		string(m.Platform), m.ExternalID, m.Title, m.Category, m.CloseTime,
		m.MarketProbability, m.Volume, m.IsOpen, m.UpdatedAt,
	).Scan(&id)
	if err == nil {
		return id, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return 0, false, fmt.Errorf("postgres: upsert market %s: %w", m.Key(), err)
	}

	// Stale write: report the existing row's id.
	if err := s.pool.QueryRow(ctx,
		`SELECT id FROM markets WHERE platform = $1 AND external_id = $2`,
		string(m.Platform), m.ExternalID,
	).Scan(&id); err != nil {
		return 0, false, fmt.Errorf("postgres: lookup stale market %s: %w", m.Key(), err)
	}
	return id, false, nil
}

const marketCols = `id, platform, external_id, title, category, close_time,
	market_probability, volume, is_open, updated_at, created_at`

// scanMarket scans a single market row into a domain.Market.
func scanMarket(row pgx.Row) (domain.Market, error) {
	var m domain.Market
	var platform string
	err := row.Scan(
		&m.ID, &platform, &m.ExternalID, &m.Title, &m.Category, &m.CloseTime,
		&m.MarketProbability, &m.Volume, &m.IsOpen, &m.UpdatedAt, &m.CreatedAt,
	)
	if err != nil {
		return domain.Market{}, err
	}
	m.Platform = domain.Platform(platform)
	return m, nil
}

// GetByID retrieves a market by its surrogate key.
func (s *MarketStore) GetByID(ctx context.Context, id int64) (domain.Market, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+marketCols+` FROM markets WHERE id = $1`, id)
	m, err := scanMarket(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Market{}, domain.ErrNotFound
		}
		return domain.Market{}, fmt.Errorf("postgres: get market %d: %w", id, err)
	}
	return m, nil
}

// GetByIdentity retrieves a market by its venue identity.
func (s *MarketStore) GetByIdentity(ctx context.Context, p domain.Platform, externalID string) (domain.Market, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+marketCols+` FROM markets WHERE platform = $1 AND external_id = $2`,
		string(p), externalID)
	m, err := scanMarket(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Market{}, domain.ErrNotFound
		}
		return domain.Market{}, fmt.Errorf("postgres: get market %s: %w", domain.MarketKey(p, externalID), err)
	}
	return m, nil
}

// ListOpen returns open markets ordered by id, filtered by platform and
// category when set.
func (s *MarketStore) ListOpen(ctx context.Context, f domain.MarketFilter) ([]domain.Market, error) {
	q := listQuery{conds: []string{"is_open"}}
	if f.Platform != "" {
		q.where("platform = $%d", string(f.Platform))
	}
	if f.Category != "" {
		q.where("category = $%d", f.Category)
	}
	if f.AfterID > 0 {
		q.where("id > $%d", f.AfterID)
	}
	q.window("updated_at", f.ListOpts)
	query, args := q.build(`SELECT `+marketCols+` FROM markets`, "id", f.ListOpts)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list open markets: %w", err)
	}
	defer rows.Close()

	var markets []domain.Market
	for rows.Next() {
		m, err := scanMarket(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan open market: %w", err)
		}
		markets = append(markets, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list open markets rows: %w", err)
	}
	return markets, nil
}

// Count returns the total number of markets in the database.
func (s *MarketStore) Count(ctx context.Context) (int64, error) {
	var count int64
	if err := s.pool.QueryRow(ctx, "SELECT COUNT(*) FROM markets").Scan(&count); err != nil {
		return 0, fmt.Errorf("postgres: count markets: %w", err)
	}
	return count, nil
}

// Compile-time interface check.
var _ domain.MarketStore = (*MarketStore)(nil)
