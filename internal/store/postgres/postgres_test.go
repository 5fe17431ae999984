package postgres

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/miscalibrated/internal/domain"
)

func TestDSN(t *testing.T) {
	assert.Equal(t, "postgres://u:p@db:5432/edges?sslmode=disable",
		DSN(ClientConfig{User: "u", Password: "p", Host: "db", Database: "edges"}))
	assert.Equal(t, "postgres://x", DSN(ClientConfig{DSN: "postgres://x", Host: "ignored"}))
}

func TestVectorLiteral(t *testing.T) {
	assert.Equal(t, "[]", vectorLiteral(nil))
	assert.Equal(t, "[0.5,-1,0.25]", vectorLiteral([]float32{0.5, -1, 0.25}))
}

// testClient connects to POSTGRES_TEST_DSN (a disposable database with the
// vector extension available) or skips.
func testClient(t *testing.T) *Client {
	t.Helper()
	dsn := os.Getenv("POSTGRES_TEST_DSN")
	if dsn == "" {
		t.Skip("POSTGRES_TEST_DSN not set")
	}
	ctx := context.Background()
	c, err := New(ctx, ClientConfig{DSN: dsn})
	require.NoError(t, err)
	require.NoError(t, c.RunMigrations(ctx))
	t.Cleanup(func() {
		_, _ = c.Pool().Exec(ctx, `TRUNCATE audit_log, chunk_market_links, article_chunks, alert_deliveries, edge_dispatches, edges, users, markets RESTART IDENTITY CASCADE`)
		c.Close()
	})
	return c
}

func TestMarketUpsertLastWriteWins(t *testing.T) {
	c := testClient(t)
	ctx := context.Background()
	s := NewMarketStore(c.Pool())

	t0 := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	newer := domain.Market{Platform: domain.PlatformKalshi, ExternalID: "FED-25DEC", Title: "Fed cut", MarketProbability: 0.40, IsOpen: true, UpdatedAt: t0.Add(time.Minute)}
	older := newer
	older.MarketProbability = 0.10
	older.UpdatedAt = t0

	id, applied, err := s.Upsert(ctx, newer)
	require.NoError(t, err)
	assert.True(t, applied)

	id2, applied, err := s.Upsert(ctx, older)
	require.NoError(t, err)
	assert.False(t, applied)
	assert.Equal(t, id, id2)

	got, err := s.GetByID(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 0.40, got.MarketProbability)

	n, err := s.Count(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
}

func TestEdgeCooldownAndDispatch(t *testing.T) {
	c := testClient(t)
	ctx := context.Background()
	markets := NewMarketStore(c.Pool())
	edges := NewEdgeStore(c.Pool())

	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	mid, _, err := markets.Upsert(ctx, domain.Market{Platform: domain.PlatformPolymarket, ExternalID: "0xabc", Title: "BTC 100k", MarketProbability: 0.34, IsOpen: true, UpdatedAt: now})
	require.NoError(t, err)

	first, err := domain.NewEdge(uuid.NewString(), mid, 0.34, 0.47, now)
	require.NoError(t, err)
	created, err := edges.CreateIfCool(ctx, first, time.Hour)
	require.NoError(t, err)
	assert.True(t, created)

	again, _ := domain.NewEdge(uuid.NewString(), mid, 0.34, 0.50, now.Add(59*time.Minute))
	created, err = edges.CreateIfCool(ctx, again, time.Hour)
	require.NoError(t, err)
	assert.False(t, created)

	later, _ := domain.NewEdge(uuid.NewString(), mid, 0.34, 0.50, now.Add(time.Hour))
	created, err = edges.CreateIfCool(ctx, later, time.Hour)
	require.NoError(t, err)
	assert.True(t, created)

	undispatched, err := edges.ListUndispatched(ctx, now.Add(2*time.Hour), 10)
	require.NoError(t, err)
	assert.Len(t, undispatched, 2)

	require.NoError(t, edges.MarkDispatched(ctx, first.ID, now))
	require.NoError(t, edges.MarkDispatched(ctx, first.ID, now))
	undispatched, err = edges.ListUndispatched(ctx, now.Add(2*time.Hour), 10)
	require.NoError(t, err)
	require.Len(t, undispatched, 1)
	assert.Equal(t, later.ID, undispatched[0].ID)

	got, err := edges.List(ctx, domain.EdgeFilter{MinMagnitude: 0.14, Platform: domain.PlatformPolymarket})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, later.ID, got[0].ID)
}

func TestDeliveryAtMostOneSent(t *testing.T) {
	c := testClient(t)
	ctx := context.Background()
	markets := NewMarketStore(c.Pool())
	edges := NewEdgeStore(c.Pool())
	deliveries := NewDeliveryStore(c.Pool())

	now := time.Now().UTC()
	mid, _, err := markets.Upsert(ctx, domain.Market{Platform: domain.PlatformKalshi, ExternalID: "X", Title: "X", MarketProbability: 0.3, IsOpen: true, UpdatedAt: now})
	require.NoError(t, err)
	e, _ := domain.NewEdge(uuid.NewString(), mid, 0.3, 0.5, now)
	_, err = edges.CreateIfCool(ctx, e, 0)
	require.NoError(t, err)

	var wg sync.WaitGroup
	results := make(chan bool, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := deliveries.Begin(ctx, e.ID, "user-1", now)
			require.NoError(t, err)
			ok, err := deliveries.Apply(ctx, domain.Transition{EdgeID: e.ID, IdentityID: "user-1", To: domain.DeliverySent, At: now})
			require.NoError(t, err)
			results <- ok
		}()
	}
	wg.Wait()
	close(results)

	sent := 0
	for ok := range results {
		if ok {
			sent++
		}
	}
	assert.Equal(t, 1, sent)
}

func TestChunkInsertIdempotentUnderConcurrency(t *testing.T) {
	c := testClient(t)
	ctx := context.Background()
	chunks := NewChunkStore(c.Pool())

	vec := make([]float32, EmbeddingDimensions)
	vec[0] = 1
	chunk := domain.ArticleChunk{URL: "https://example.com/a", ChunkIndex: 0, Content: "text", Embedding: vec}

	var wg sync.WaitGroup
	ids := make(chan int64, 6)
	inserted := make(chan bool, 6)
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id, ok, err := chunks.Insert(ctx, chunk)
			require.NoError(t, err)
			ids <- id
			inserted <- ok
		}()
	}
	wg.Wait()
	close(ids)
	close(inserted)

	first := int64(-1)
	for id := range ids {
		if first < 0 {
			first = id
		}
		assert.Equal(t, first, id)
	}
	wins := 0
	for ok := range inserted {
		if ok {
			wins++
		}
	}
	assert.Equal(t, 1, wins)

	near, err := chunks.Nearest(ctx, vec, 3)
	require.NoError(t, err)
	require.Len(t, near, 1)
	assert.InDelta(t, 0, near[0].Distance, 1e-6)
}
