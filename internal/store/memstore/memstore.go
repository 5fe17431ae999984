// Package memstore provides in-memory implementations of the domain stores
// and lease manager. Semantics match the postgres package: last-write-wins
// market upserts, cooldown-guarded edge inserts, (url, chunk_index)
// uniqueness and pending-only delivery transitions.
package memstore

import (
	"context"
	"math"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/alanyoungcy/miscalibrated/internal/domain"
)

// Store holds every table behind one mutex.
type Store struct {
	mu sync.Mutex

	markets    map[int64]domain.Market
	marketKeys map[string]int64
	nextMarket int64

	edges      map[string]domain.Edge
	dispatched map[string]time.Time

	chunks    map[int64]domain.ArticleChunk
	chunkKeys map[string]int64
	nextChunk int64
	links     map[int64]map[int64]float64 // market -> chunk -> score

	users      map[string]domain.UserPreference
	deliveries map[string]domain.AlertDelivery

	audit []domain.AuditEntry
}

// New creates an empty Store.
func New() *Store {
	return &Store{
		markets:    make(map[int64]domain.Market),
		marketKeys: make(map[string]int64),
		edges:      make(map[string]domain.Edge),
		dispatched: make(map[string]time.Time),
		chunks:     make(map[int64]domain.ArticleChunk),
		chunkKeys:  make(map[string]int64),
		links:      make(map[int64]map[int64]float64),
		users:      make(map[string]domain.UserPreference),
		deliveries: make(map[string]domain.AlertDelivery),
	}
}

// Markets returns the MarketStore view.
func (s *Store) Markets() *MarketStore { return &MarketStore{s} }

// Edges returns the EdgeStore view.
func (s *Store) Edges() *EdgeStore { return &EdgeStore{s} }

// Chunks returns the ChunkStore view.
func (s *Store) Chunks() *ChunkStore { return &ChunkStore{s} }

// Users returns the UserStore view.
func (s *Store) Users() *UserStore { return &UserStore{s} }

// Deliveries returns the DeliveryStore view.
func (s *Store) Deliveries() *DeliveryStore { return &DeliveryStore{s} }

// Audit returns the AuditStore view.
func (s *Store) Audit() *AuditStore { return &AuditStore{s} }

// Ping always succeeds.
func (s *Store) Ping(ctx context.Context) error { return ctx.Err() }

func page[T any](items []T, opts domain.ListOpts) []T {
	if opts.Offset > 0 {
		if opts.Offset >= len(items) {
			return nil
		}
		items = items[opts.Offset:]
	}
	if opts.Limit > 0 && len(items) > opts.Limit {
		items = items[:opts.Limit]
	}
	return items
}

// ---------------------------------------------------------------------------
// Markets
// ---------------------------------------------------------------------------

// MarketStore implements domain.MarketStore.
type MarketStore struct{ s *Store }

// Upsert applies m only when it is strictly newer than the stored row.
func (m *MarketStore) Upsert(ctx context.Context, mk domain.Market) (int64, bool, error) {
	s := m.s
	s.mu.Lock()
	defer s.mu.Unlock()

	key := mk.Key()
	if id, ok := s.marketKeys[key]; ok {
		cur := s.markets[id]
		if !cur.UpdatedAt.Before(mk.UpdatedAt) {
			return id, false, nil
		}
		mk.ID = id
		mk.CreatedAt = cur.CreatedAt
		s.markets[id] = mk
		return id, true, nil
	}

	s.nextMarket++
	mk.ID = s.nextMarket
	mk.CreatedAt = time.Now().UTC()
	s.markets[mk.ID] = mk
	s.marketKeys[key] = mk.ID
	return mk.ID, true, nil
}

// GetByID returns a market or domain.ErrNotFound.
func (m *MarketStore) GetByID(ctx context.Context, id int64) (domain.Market, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	mk, ok := m.s.markets[id]
	if !ok {
		return domain.Market{}, domain.ErrNotFound
	}
	return mk, nil
}

// GetByIdentity returns a market by venue identity.
func (m *MarketStore) GetByIdentity(ctx context.Context, p domain.Platform, externalID string) (domain.Market, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	id, ok := m.s.marketKeys[domain.MarketKey(p, externalID)]
	if !ok {
		return domain.Market{}, domain.ErrNotFound
	}
	return m.s.markets[id], nil
}

// ListOpen returns open markets ordered by id.
func (m *MarketStore) ListOpen(ctx context.Context, f domain.MarketFilter) ([]domain.Market, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	var out []domain.Market
	for _, mk := range m.s.markets {
		if !mk.IsOpen || mk.ID <= f.AfterID {
			continue
		}
		if f.Platform != "" && mk.Platform != f.Platform {
			continue
		}
		if f.Category != "" && mk.Category != f.Category {
			continue
		}
		if f.Since != nil && mk.UpdatedAt.Before(*f.Since) {
			continue
		}
		if f.Until != nil && !mk.UpdatedAt.Before(*f.Until) {
			continue
		}
		out = append(out, mk)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return page(out, f.ListOpts), nil
}

// Count returns the number of markets.
func (m *MarketStore) Count(ctx context.Context) (int64, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	return int64(len(m.s.markets)), nil
}

// ---------------------------------------------------------------------------
// Edges
// ---------------------------------------------------------------------------

// EdgeStore implements domain.EdgeStore.
type EdgeStore struct{ s *Store }

// CreateIfCool inserts e unless the market has an edge detected after
// e.DetectedAt - cooldown.
func (es *EdgeStore) CreateIfCool(ctx context.Context, e domain.Edge, cooldown time.Duration) (bool, error) {
	s := es.s
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.markets[e.MarketID]; !ok {
		return false, domain.ErrNotFound
	}
	if _, ok := s.edges[e.ID]; ok {
		return false, domain.ErrAlreadyExists
	}
	cutoff := e.DetectedAt.Add(-cooldown)
	for _, prev := range s.edges {
		if prev.MarketID == e.MarketID && prev.DetectedAt.After(cutoff) {
			return false, nil
		}
	}
	s.edges[e.ID] = e
	return true, nil
}

// GetByID returns an edge or domain.ErrNotFound.
func (es *EdgeStore) GetByID(ctx context.Context, id string) (domain.Edge, error) {
	es.s.mu.Lock()
	defer es.s.mu.Unlock()
	e, ok := es.s.edges[id]
	if !ok {
		return domain.Edge{}, domain.ErrNotFound
	}
	return e, nil
}

// LatestForMarket returns the newest edge of a market.
func (es *EdgeStore) LatestForMarket(ctx context.Context, marketID int64) (domain.Edge, error) {
	es.s.mu.Lock()
	defer es.s.mu.Unlock()
	var latest domain.Edge
	found := false
	for _, e := range es.s.edges {
		if e.MarketID == marketID && (!found || e.DetectedAt.After(latest.DetectedAt)) {
			latest, found = e, true
		}
	}
	if !found {
		return domain.Edge{}, domain.ErrNotFound
	}
	return latest, nil
}

// List returns edges newest first.
func (es *EdgeStore) List(ctx context.Context, f domain.EdgeFilter) ([]domain.Edge, error) {
	s := es.s
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Edge
	for _, e := range s.edges {
		if !domain.MeetsThreshold(e.EdgeMagnitude, f.MinMagnitude) {
			continue
		}
		if f.Platform != "" && s.markets[e.MarketID].Platform != f.Platform {
			continue
		}
		if f.Direction != "" && e.Direction != f.Direction {
			continue
		}
		if f.MarketID != 0 && e.MarketID != f.MarketID {
			continue
		}
		if f.Since != nil && e.DetectedAt.Before(*f.Since) {
			continue
		}
		if f.Until != nil && !e.DetectedAt.Before(*f.Until) {
			continue
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].DetectedAt.Equal(out[j].DetectedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].DetectedAt.After(out[j].DetectedAt)
	})
	return page(out, f.ListOpts), nil
}

// MarkAlertSent sets the completion flag.
func (es *EdgeStore) MarkAlertSent(ctx context.Context, id string) error {
	es.s.mu.Lock()
	defer es.s.mu.Unlock()
	e, ok := es.s.edges[id]
	if !ok {
		return domain.ErrNotFound
	}
	e.AlertSent = true
	es.s.edges[id] = e
	return nil
}

// MarkDispatched records a dispatch; repeats keep the first timestamp.
func (es *EdgeStore) MarkDispatched(ctx context.Context, id string, at time.Time) error {
	es.s.mu.Lock()
	defer es.s.mu.Unlock()
	if _, ok := es.s.dispatched[id]; !ok {
		es.s.dispatched[id] = at
	}
	return nil
}

// ListUndispatched returns undispatched edges older than olderThan, oldest
// first.
func (es *EdgeStore) ListUndispatched(ctx context.Context, olderThan time.Time, limit int) ([]domain.Edge, error) {
	es.s.mu.Lock()
	defer es.s.mu.Unlock()
	var out []domain.Edge
	for id, e := range es.s.edges {
		if _, ok := es.s.dispatched[id]; ok {
			continue
		}
		if e.DetectedAt.Before(olderThan) {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DetectedAt.Before(out[j].DetectedAt) })
	return page(out, domain.ListOpts{Limit: limit}), nil
}

// Dispatched reports whether id has a dispatch record.
func (es *EdgeStore) Dispatched(id string) bool {
	es.s.mu.Lock()
	defer es.s.mu.Unlock()
	_, ok := es.s.dispatched[id]
	return ok
}

// ---------------------------------------------------------------------------
// Chunks
// ---------------------------------------------------------------------------

// ChunkStore implements domain.ChunkStore with brute-force cosine search.
type ChunkStore struct{ s *Store }

func chunkKey(url string, idx int) string {
	return url + "#" + strconv.Itoa(idx)
}

// Insert stores c unless (URL, ChunkIndex) exists.
func (cs *ChunkStore) Insert(ctx context.Context, c domain.ArticleChunk) (int64, bool, error) {
	s := cs.s
	s.mu.Lock()
	defer s.mu.Unlock()
	key := chunkKey(c.URL, c.ChunkIndex)
	if id, ok := s.chunkKeys[key]; ok {
		return id, false, nil
	}
	s.nextChunk++
	c.ID = s.nextChunk
	c.Embedding = append([]float32(nil), c.Embedding...)
	s.chunks[c.ID] = c
	s.chunkKeys[key] = c.ID
	return c.ID, true, nil
}

// CountForURL returns how many chunks of url are stored.
func (cs *ChunkStore) CountForURL(ctx context.Context, url string) (int, error) {
	cs.s.mu.Lock()
	defer cs.s.mu.Unlock()
	n := 0
	for _, c := range cs.s.chunks {
		if c.URL == url {
			n++
		}
	}
	return n, nil
}

// Link upserts chunk-market scores.
func (cs *ChunkStore) Link(ctx context.Context, links []domain.ChunkLink) error {
	cs.s.mu.Lock()
	defer cs.s.mu.Unlock()
	for _, l := range links {
		byChunk, ok := cs.s.links[l.MarketID]
		if !ok {
			byChunk = make(map[int64]float64)
			cs.s.links[l.MarketID] = byChunk
		}
		byChunk[l.ChunkID] = l.Score
	}
	return nil
}

// Nearest returns the k chunks with the smallest cosine distance.
func (cs *ChunkStore) Nearest(ctx context.Context, vector []float32, k int) ([]domain.ScoredChunk, error) {
	cs.s.mu.Lock()
	defer cs.s.mu.Unlock()
	out := make([]domain.ScoredChunk, 0, len(cs.s.chunks))
	for _, c := range cs.s.chunks {
		out = append(out, domain.ScoredChunk{Chunk: c, Distance: CosineDistance(vector, c.Embedding)})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Distance == out[j].Distance {
			return out[i].Chunk.ID < out[j].Chunk.ID
		}
		return out[i].Distance < out[j].Distance
	})
	if k > 0 && len(out) > k {
		out = out[:k]
	}
	return out, nil
}

// ForMarket returns linked chunks, best score first.
func (cs *ChunkStore) ForMarket(ctx context.Context, marketID int64, limit int) ([]domain.ArticleChunk, error) {
	cs.s.mu.Lock()
	defer cs.s.mu.Unlock()
	type scored struct {
		c     domain.ArticleChunk
		score float64
	}
	var all []scored
	for id, score := range cs.s.links[marketID] {
		all = append(all, scored{cs.s.chunks[id], score})
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].score == all[j].score {
			return all[i].c.ID < all[j].c.ID
		}
		return all[i].score > all[j].score
	})
	out := make([]domain.ArticleChunk, 0, len(all))
	for _, s := range all {
		out = append(out, s.c)
	}
	return page(out, domain.ListOpts{Limit: limit}), nil
}

// CosineDistance returns 1 - cos(a, b), matching pgvector's <=> operator.
// Mismatched or zero vectors are maximally distant.
func CosineDistance(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 2
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 2
	}
	return 1 - dot/(math.Sqrt(na)*math.Sqrt(nb))
}

// ---------------------------------------------------------------------------
// Users
// ---------------------------------------------------------------------------

// UserStore implements domain.UserStore.
type UserStore struct{ s *Store }

// Get returns a user's preferences or domain.ErrNotFound.
func (us *UserStore) Get(ctx context.Context, identityID string) (domain.UserPreference, error) {
	us.s.mu.Lock()
	defer us.s.mu.Unlock()
	u, ok := us.s.users[identityID]
	if !ok {
		return domain.UserPreference{}, domain.ErrNotFound
	}
	return u, nil
}

// Upsert writes the full preference row.
func (us *UserStore) Upsert(ctx context.Context, u domain.UserPreference) error {
	us.s.mu.Lock()
	defer us.s.mu.Unlock()
	u.SubscribedPlatforms = append([]domain.Platform(nil), u.SubscribedPlatforms...)
	u.UpdatedAt = time.Now().UTC()
	us.s.users[u.IdentityID] = u
	return nil
}

// List pages through users ordered by identity.
func (us *UserStore) List(ctx context.Context, opts domain.ListOpts) ([]domain.UserPreference, error) {
	us.s.mu.Lock()
	defer us.s.mu.Unlock()
	out := make([]domain.UserPreference, 0, len(us.s.users))
	for _, u := range us.s.users {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].IdentityID < out[j].IdentityID })
	return page(out, opts), nil
}

// ---------------------------------------------------------------------------
// Deliveries
// ---------------------------------------------------------------------------

// DeliveryStore implements domain.DeliveryStore.
type DeliveryStore struct{ s *Store }

func deliveryKey(edgeID, identityID string) string { return edgeID + "|" + identityID }

// Begin creates the pairing as pending if absent.
func (ds *DeliveryStore) Begin(ctx context.Context, edgeID, identityID string, at time.Time) (domain.AlertDelivery, error) {
	ds.s.mu.Lock()
	defer ds.s.mu.Unlock()
	key := deliveryKey(edgeID, identityID)
	d, ok := ds.s.deliveries[key]
	if !ok {
		d = domain.AlertDelivery{EdgeID: edgeID, IdentityID: identityID, State: domain.DeliveryPending, UpdatedAt: at}
		ds.s.deliveries[key] = d
	}
	return d, nil
}

// Apply transitions a pending pairing.
func (ds *DeliveryStore) Apply(ctx context.Context, t domain.Transition) (bool, error) {
	ds.s.mu.Lock()
	defer ds.s.mu.Unlock()
	key := deliveryKey(t.EdgeID, t.IdentityID)
	d, ok := ds.s.deliveries[key]
	if !ok || d.State != domain.DeliveryPending {
		return false, nil
	}
	d.State = t.To
	d.Reason = t.Reason
	d.Attempts = t.Attempts
	d.LastError = t.LastError
	d.UpdatedAt = t.At
	ds.s.deliveries[key] = d
	return true, nil
}

// RecordAttempt stores progress on a pending pairing.
func (ds *DeliveryStore) RecordAttempt(ctx context.Context, edgeID, identityID string, attempts int, lastErr string) error {
	ds.s.mu.Lock()
	defer ds.s.mu.Unlock()
	key := deliveryKey(edgeID, identityID)
	d, ok := ds.s.deliveries[key]
	if !ok || d.State != domain.DeliveryPending {
		return nil
	}
	d.Attempts = attempts
	d.LastError = lastErr
	ds.s.deliveries[key] = d
	return nil
}

// List returns deliveries newest first.
func (ds *DeliveryStore) List(ctx context.Context, state domain.DeliveryState, opts domain.ListOpts) ([]domain.AlertDelivery, error) {
	ds.s.mu.Lock()
	defer ds.s.mu.Unlock()
	var out []domain.AlertDelivery
	for _, d := range ds.s.deliveries {
		if state != "" && d.State != state {
			continue
		}
		if opts.Since != nil && d.UpdatedAt.Before(*opts.Since) {
			continue
		}
		if opts.Until != nil && !d.UpdatedAt.Before(*opts.Until) {
			continue
		}
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return deliveryKey(out[i].EdgeID, out[i].IdentityID) < deliveryKey(out[j].EdgeID, out[j].IdentityID)
		}
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	return page(out, opts), nil
}

var (
	_ domain.MarketStore   = (*MarketStore)(nil)
	_ domain.EdgeStore     = (*EdgeStore)(nil)
	_ domain.ChunkStore    = (*ChunkStore)(nil)
	_ domain.UserStore     = (*UserStore)(nil)
	_ domain.DeliveryStore = (*DeliveryStore)(nil)
)

// ---------------------------------------------------------------------------
// Audit
// ---------------------------------------------------------------------------

// AuditStore implements domain.AuditStore.
type AuditStore struct{ s *Store }

// Log appends an entry.
func (as *AuditStore) Log(ctx context.Context, event string, detail map[string]any) error {
	as.s.mu.Lock()
	defer as.s.mu.Unlock()
	as.s.audit = append(as.s.audit, domain.AuditEntry{
		ID:        int64(len(as.s.audit) + 1),
		Event:     event,
		Detail:    detail,
		CreatedAt: time.Now().UTC(),
	})
	return nil
}

// List returns entries newest first.
func (as *AuditStore) List(ctx context.Context, opts domain.ListOpts) ([]domain.AuditEntry, error) {
	as.s.mu.Lock()
	defer as.s.mu.Unlock()
	out := make([]domain.AuditEntry, 0, len(as.s.audit))
	for i := len(as.s.audit) - 1; i >= 0; i-- {
		out = append(out, as.s.audit[i])
	}
	return page(out, opts), nil
}

var _ domain.AuditStore = (*AuditStore)(nil)
