package domain

import (
	"context"
	"time"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// MarketFilter narrows open-market listings.
type MarketFilter struct {
	Platform Platform
	Category string
	// AfterID restricts the listing to ids greater than it, for keyset
	// paging over a set that changes between pages.
	AfterID int64
	ListOpts
}

// EdgeFilter narrows edge listings. MinMagnitude compares against the
// absolute edge magnitude.
type EdgeFilter struct {
	MinMagnitude float64
	Platform     Platform
	Direction    Direction
	MarketID     int64
	ListOpts
}

// MarketStore persists canonical markets.
type MarketStore interface {
	// Upsert writes m keyed by (Platform, ExternalID) unless the stored row
	// has an UpdatedAt at or after m.UpdatedAt. It returns the market ID and
	// whether the write was applied.
	Upsert(ctx context.Context, m Market) (id int64, applied bool, err error)
	GetByID(ctx context.Context, id int64) (Market, error)
	GetByIdentity(ctx context.Context, p Platform, externalID string) (Market, error)
	ListOpen(ctx context.Context, f MarketFilter) ([]Market, error)
	Count(ctx context.Context) (int64, error)
}

// EdgeStore persists edges and their dispatch records.
type EdgeStore interface {
	// CreateIfCool inserts e unless an edge for the same market was detected
	// within cooldown before e.DetectedAt.
	CreateIfCool(ctx context.Context, e Edge, cooldown time.Duration) (created bool, err error)
	GetByID(ctx context.Context, id string) (Edge, error)
	LatestForMarket(ctx context.Context, marketID int64) (Edge, error)
	List(ctx context.Context, f EdgeFilter) ([]Edge, error)
	MarkAlertSent(ctx context.Context, id string) error
	MarkDispatched(ctx context.Context, id string, at time.Time) error
	// ListUndispatched returns edges detected before olderThan that have no
	// dispatch record.
	ListUndispatched(ctx context.Context, olderThan time.Time, limit int) ([]Edge, error)
}

// ChunkStore persists embedded article chunks and their market links.
type ChunkStore interface {
	// Insert stores c unless (URL, ChunkIndex) already exists. It returns the
	// chunk ID in both cases.
	Insert(ctx context.Context, c ArticleChunk) (id int64, inserted bool, err error)
	// CountForURL returns how many chunks of an article are stored.
	CountForURL(ctx context.Context, url string) (int, error)
	Link(ctx context.Context, links []ChunkLink) error
	Nearest(ctx context.Context, vector []float32, k int) ([]ScoredChunk, error)
	ForMarket(ctx context.Context, marketID int64, limit int) ([]ArticleChunk, error)
}

// UserStore persists alert preferences.
type UserStore interface {
	Get(ctx context.Context, identityID string) (UserPreference, error)
	Upsert(ctx context.Context, u UserPreference) error
	List(ctx context.Context, opts ListOpts) ([]UserPreference, error)
}

// DeliveryStore persists alert delivery state keyed by (edge, identity).
type DeliveryStore interface {
	// Begin creates the pairing in Pending if absent and returns its current
	// state.
	Begin(ctx context.Context, edgeID, identityID string, at time.Time) (AlertDelivery, error)
	// Apply performs t if the pairing is still Pending and reports whether it
	// did.
	Apply(ctx context.Context, t Transition) (bool, error)
	// RecordAttempt bumps the attempt count of a Pending pairing.
	RecordAttempt(ctx context.Context, edgeID, identityID string, attempts int, lastErr string) error
	// List returns deliveries newest first; an empty state matches all.
	List(ctx context.Context, state DeliveryState, opts ListOpts) ([]AlertDelivery, error)
}
