package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/miscalibrated/internal/domain"
)

// UserStore implements domain.UserStore using PostgreSQL.
type UserStore struct {
	pool *pgxpool.Pool
}

// NewUserStore creates a new UserStore backed by the given connection pool.
func NewUserStore(pool *pgxpool.Pool) *UserStore {
	return &UserStore{pool: pool}
}

const userCols = `identity_id, email, alert_threshold, alerts_enabled, subscribed_platforms, updated_at`

func scanUser(row pgx.Row) (domain.UserPreference, error) {
	var u domain.UserPreference
	var platforms []string
	if err := row.Scan(&u.IdentityID, &u.Email, &u.AlertThreshold, &u.AlertsEnabled, &platforms, &u.UpdatedAt); err != nil {
		return domain.UserPreference{}, err
	}
	u.SubscribedPlatforms = make([]domain.Platform, 0, len(platforms))
	for _, p := range platforms {
		u.SubscribedPlatforms = append(u.SubscribedPlatforms, domain.Platform(p))
	}
	return u, nil
}

// Get returns one user's preferences or domain.ErrNotFound.
func (s *UserStore) Get(ctx context.Context, identityID string) (domain.UserPreference, error) {
	u, err := scanUser(s.pool.QueryRow(ctx, `SELECT `+userCols+` FROM users WHERE identity_id = $1`, identityID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.UserPreference{}, domain.ErrNotFound
		}
		return domain.UserPreference{}, fmt.Errorf("postgres: get user %s: %w", identityID, err)
	}
	return u, nil
}

// Upsert writes the full preference row.
func (s *UserStore) Upsert(ctx context.Context, u domain.UserPreference) error {
	platforms := make([]string, 0, len(u.SubscribedPlatforms))
	for _, p := range u.SubscribedPlatforms {
		platforms = append(platforms, string(p))
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO users (identity_id, email, alert_threshold, alerts_enabled, subscribed_platforms, updated_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		ON CONFLICT (identity_id) DO UPDATE SET
			email                = EXCLUDED.email,
			alert_threshold      = EXCLUDED.alert_threshold,
			alerts_enabled       = EXCLUDED.alerts_enabled,
			subscribed_platforms = EXCLUDED.subscribed_platforms,
			updated_at           = NOW()`,
		u.IdentityID, u.Email, u.AlertThreshold, u.AlertsEnabled, platforms)
	if err != nil {
		return fmt.Errorf("postgres: upsert user %s: %w", u.IdentityID, err)
	}
	return nil
}

// List pages through every user ordered by identity.
func (s *UserStore) List(ctx context.Context, opts domain.ListOpts) ([]domain.UserPreference, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 500
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+userCols+` FROM users ORDER BY identity_id LIMIT $1 OFFSET $2`,
		limit, opts.Offset)
	if err != nil {
		return nil, fmt.Errorf("postgres: list users: %w", err)
	}
	defer rows.Close()

	var users []domain.UserPreference
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan user: %w", err)
		}
		users = append(users, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list users rows: %w", err)
	}
	return users, nil
}

// Compile-time interface check.
var _ domain.UserStore = (*UserStore)(nil)
