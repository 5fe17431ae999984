package postgres

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/miscalibrated/internal/domain"
)

// ChunkStore implements domain.ChunkStore using PostgreSQL and pgvector.
// Vectors travel as pgvector text literals ("[0.1,0.2,...]") cast with
// ::vector.
type ChunkStore struct {
	pool *pgxpool.Pool
	dims int
}

// NewChunkStore creates a new ChunkStore backed by the given connection pool.
func NewChunkStore(pool *pgxpool.Pool) *ChunkStore {
	return &ChunkStore{pool: pool, dims: EmbeddingDimensions}
}

func vectorLiteral(v []float32) string {
	var b strings.Builder
	b.Grow(len(v) * 10)
	b.WriteByte('[')
	for i, x := range v {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.FormatFloat(float64(x), 'f', -1, 32))
	}
	b.WriteByte(']')
	return b.String()
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

// Insert stores c unless (url, chunk_index) exists. Concurrent inserts of the
// same key resolve through the unique constraint: one row wins and both
// callers get its id.
func (s *ChunkStore) Insert(ctx context.Context, c domain.ArticleChunk) (int64, bool, error) {
	if len(c.Embedding) != s.dims {
		return 0, false, &domain.ValidationError{
			Field:  "embedding",
			Reason: fmt.Sprintf("got %d dimensions, want %d", len(c.Embedding), s.dims),
		}
	}

	var id int64
	err := s.pool.QueryRow(ctx, `
		INSERT INTO article_chunks (
			url, chunk_index, content, embedding, source_name, published_at, search_query
		) VALUES ($1, $2, $3, $4::vector, $5, $6, $7)
		ON CONFLICT (url, chunk_index) DO NOTHING
		RETURNING id`,
		c.URL, c.ChunkIndex, c.Content, vectorLiteral(c.Embedding),
		c.SourceName, nullTime(c.PublishedAt), c.SearchQuery,
	).Scan(&id)
	if err == nil {
		return id, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return 0, false, fmt.Errorf("postgres: insert chunk %s#%d: %w", c.URL, c.ChunkIndex, err)
	}

	if err := s.pool.QueryRow(ctx,
		`SELECT id FROM article_chunks WHERE url = $1 AND chunk_index = $2`,
		c.URL, c.ChunkIndex,
	).Scan(&id); err != nil {
		return 0, false, fmt.Errorf("postgres: lookup chunk %s#%d: %w", c.URL, c.ChunkIndex, err)
	}
	return id, false, nil
}

// CountForURL returns how many chunks of url are stored.
func (s *ChunkStore) CountForURL(ctx context.Context, url string) (int, error) {
	var n int
	if err := s.pool.QueryRow(ctx,
		`SELECT count(*) FROM article_chunks WHERE url = $1`, url,
	).Scan(&n); err != nil {
		return 0, fmt.Errorf("postgres: count chunks %s: %w", url, err)
	}
	return n, nil
}

// Link upserts chunk-to-market correlations in one batch.
func (s *ChunkStore) Link(ctx context.Context, links []domain.ChunkLink) error {
	if len(links) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, l := range links {
		batch.Queue(`
			INSERT INTO chunk_market_links (chunk_id, market_id, score) VALUES ($1, $2, $3)
			ON CONFLICT (chunk_id, market_id) DO UPDATE SET score = EXCLUDED.score`,
			l.ChunkID, l.MarketID, l.Score)
	}

	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()
	for i := range links {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("postgres: link chunk batch item %d: %w", i, err)
		}
	}
	return nil
}

const chunkCols = `c.id, c.url, c.chunk_index, c.content, c.source_name,
	COALESCE(c.published_at, 'epoch'::timestamptz), c.search_query`

func scanChunk(row pgx.Row, extra ...any) (domain.ArticleChunk, error) {
	var c domain.ArticleChunk
	dest := append([]any{&c.ID, &c.URL, &c.ChunkIndex, &c.Content, &c.SourceName, &c.PublishedAt, &c.SearchQuery}, extra...)
	if err := row.Scan(dest...); err != nil {
		return domain.ArticleChunk{}, err
	}
	if c.PublishedAt.Equal(time.Unix(0, 0)) {
		c.PublishedAt = time.Time{}
	}
	return c, nil
}

// Nearest returns the k chunks closest to vector by cosine distance.
func (s *ChunkStore) Nearest(ctx context.Context, vector []float32, k int) ([]domain.ScoredChunk, error) {
	if len(vector) != s.dims {
		return nil, &domain.ValidationError{
			Field:  "vector",
			Reason: fmt.Sprintf("got %d dimensions, want %d", len(vector), s.dims),
		}
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+chunkCols+`, c.embedding <=> $1::vector AS distance
		 FROM article_chunks c
		 ORDER BY c.embedding <=> $1::vector
		 LIMIT $2`,
		vectorLiteral(vector), k)
	if err != nil {
		return nil, fmt.Errorf("postgres: nearest chunks: %w", err)
	}
	defer rows.Close()

	var out []domain.ScoredChunk
	for rows.Next() {
		var distance float64
		c, err := scanChunk(rows, &distance)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan nearest chunk: %w", err)
		}
		out = append(out, domain.ScoredChunk{Chunk: c, Distance: distance})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: nearest chunks rows: %w", err)
	}
	return out, nil
}

// ForMarket returns the chunks linked to a market, best score first.
func (s *ChunkStore) ForMarket(ctx context.Context, marketID int64, limit int) ([]domain.ArticleChunk, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+chunkCols+`
		 FROM chunk_market_links l
		 JOIN article_chunks c ON c.id = l.chunk_id
		 WHERE l.market_id = $1
		 ORDER BY l.score DESC, c.published_at DESC NULLS LAST
		 LIMIT $2`,
		marketID, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: chunks for market %d: %w", marketID, err)
	}
	defer rows.Close()

	var out []domain.ArticleChunk
	for rows.Next() {
		c, err := scanChunk(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan market chunk: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: chunks for market rows: %w", err)
	}
	return out, nil
}

// Compile-time interface check.
var _ domain.ChunkStore = (*ChunkStore)(nil)
