package news

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/miscalibrated/internal/bus"
	"github.com/alanyoungcy/miscalibrated/internal/domain"
	"github.com/alanyoungcy/miscalibrated/internal/store/memstore"
)

type countingEmbedder struct {
	inner domain.Embedder
	calls int
	errs  []error
	dims  int
}

func (c *countingEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	n := c.calls
	c.calls++
	if n < len(c.errs) && c.errs[n] != nil {
		return nil, c.errs[n]
	}
	return c.inner.Embed(ctx, texts)
}

func (c *countingEmbedder) Dimensions() int {
	if c.dims > 0 {
		return c.dims
	}
	return c.inner.Dimensions()
}

func articleRecord(t *testing.T, a domain.Article) domain.Record {
	t.Helper()
	payload, err := json.Marshal(a)
	require.NoError(t, err)
	return domain.Record{Topic: domain.TopicNewsFeed, Key: a.URL, Payload: payload}
}

func fedArticle() domain.Article {
	return domain.Article{
		URL:         "https://n/fed",
		Title:       "Fed expected to cut rates in March",
		Content:     strings.Repeat("Economists see the Fed cutting rates at the March meeting. ", 4),
		SourceName:  "Wire",
		PublishedAt: t0,
		SearchQuery: "fed",
	}
}

type ingestFixture struct {
	store    *memstore.Store
	log      *bus.MemoryLog
	embedder *countingEmbedder
	ing      *Ingestor
	fedID    int64
}

func newIngestFixture(t *testing.T) *ingestFixture {
	t.Helper()
	store := memstore.New()
	fedID := seedMarket(t, store.Markets(), "FED", "Fed cut rates in March?", "Economics", true)
	seedMarket(t, store.Markets(), "NBA", "Lakers win championship?", "Sports", true)

	log := bus.NewMemoryLog(1, 10, time.Millisecond)
	emb := &countingEmbedder{inner: NewHashingEmbedder(64)}
	ing := NewIngestor(store.Chunks(), emb, NewMatcher(store.Markets(), 0.5), log, IngestorConfig{
		ChunkSize:    100,
		ChunkOverlap: 10,
		Retry:        fastRetry(),
	}, nil, discardLogger())
	return &ingestFixture{store: store, log: log, embedder: emb, ing: ing, fedID: fedID}
}

func TestIngestorStoresAndLinksChunks(t *testing.T) {
	ctx := context.Background()
	f := newIngestFixture(t)
	art := fedArticle()
	text, err := ArticleText(art)
	require.NoError(t, err)
	want := len(Chunk(text, 100, 10))
	require.Greater(t, want, 1)

	require.NoError(t, f.ing.Handle(ctx, articleRecord(t, art)))

	n, err := f.store.Chunks().CountForURL(ctx, art.URL)
	require.NoError(t, err)
	assert.Equal(t, want, n)

	linked, err := f.store.Chunks().ForMarket(ctx, f.fedID, 50)
	require.NoError(t, err)
	assert.NotEmpty(t, linked)
	for _, c := range linked {
		assert.Equal(t, art.URL, c.URL)
		assert.Len(t, c.Embedding, 64)
	}
	assert.Zero(t, f.log.Len(domain.TopicIngestRejected))
}

func TestIngestorReplayStoresNothingNew(t *testing.T) {
	ctx := context.Background()
	f := newIngestFixture(t)
	rec := articleRecord(t, fedArticle())

	require.NoError(t, f.ing.Handle(ctx, rec))
	before, err := f.store.Chunks().CountForURL(ctx, "https://n/fed")
	require.NoError(t, err)

	require.NoError(t, f.ing.Handle(ctx, rec))
	after, err := f.store.Chunks().CountForURL(ctx, "https://n/fed")
	require.NoError(t, err)

	assert.Equal(t, before, after)
	assert.Equal(t, 1, f.embedder.calls, "replay must not re-embed")
}

func TestIngestorRejectsArticleWithoutContent(t *testing.T) {
	ctx := context.Background()
	f := newIngestFixture(t)
	art := fedArticle()
	art.Content = ""
	art.Description = ""

	require.NoError(t, f.ing.Handle(ctx, articleRecord(t, art)))

	assert.Zero(t, f.embedder.calls)
	rejects := f.log.Records(domain.TopicIngestRejected)
	require.Len(t, rejects, 1)
	var rej domain.Reject
	require.NoError(t, json.Unmarshal(rejects[0].Payload, &rej))
	assert.Equal(t, domain.TopicNewsFeed, rej.Topic)
	assert.Contains(t, rej.Reason, "content")
}

func TestIngestorRejectsGarbage(t *testing.T) {
	f := newIngestFixture(t)
	rec := domain.Record{Topic: domain.TopicNewsFeed, Key: "x", Payload: []byte("{not json")}
	require.NoError(t, f.ing.Handle(context.Background(), rec))
	assert.Equal(t, 1, f.log.Len(domain.TopicIngestRejected))
}

func TestIngestorRetriesTransientEmbedFailure(t *testing.T) {
	ctx := context.Background()
	f := newIngestFixture(t)
	f.embedder.errs = []error{&domain.TransientError{Op: "embed", Err: errors.New("502")}}

	require.NoError(t, f.ing.Handle(ctx, articleRecord(t, fedArticle())))
	assert.Equal(t, 2, f.embedder.calls)
	n, err := f.store.Chunks().CountForURL(ctx, "https://n/fed")
	require.NoError(t, err)
	assert.Positive(t, n)
}

func TestIngestorRejectsOnEmbedFailure(t *testing.T) {
	ctx := context.Background()
	f := newIngestFixture(t)
	f.embedder.errs = []error{domain.ErrUnauthorized}

	require.NoError(t, f.ing.Handle(ctx, articleRecord(t, fedArticle())))
	assert.Equal(t, 1, f.log.Len(domain.TopicIngestRejected))
	n, err := f.store.Chunks().CountForURL(ctx, "https://n/fed")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestIngestorRejectsDimensionMismatch(t *testing.T) {
	ctx := context.Background()
	f := newIngestFixture(t)
	f.embedder.dims = 1536

	require.NoError(t, f.ing.Handle(ctx, articleRecord(t, fedArticle())))
	assert.Equal(t, 1, f.log.Len(domain.TopicIngestRejected))
	n, err := f.store.Chunks().CountForURL(ctx, "https://n/fed")
	require.NoError(t, err)
	assert.Zero(t, n)
}
