package news

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/alanyoungcy/miscalibrated/internal/bus"
	"github.com/alanyoungcy/miscalibrated/internal/domain"
	"github.com/alanyoungcy/miscalibrated/internal/metrics"
	"github.com/alanyoungcy/miscalibrated/internal/retry"
)

// IngestorConfig holds the chunking and embedding parameters.
type IngestorConfig struct {
	ChunkSize    int
	ChunkOverlap int
	// MatcherMaxAge bounds how stale the market index may be before the
	// next article rebuilds it.
	MatcherMaxAge time.Duration
	Retry         retry.Policy
}

// Ingestor consumes news.feed: it chunks each article, embeds the chunks,
// stores them and links them to the markets they mention.
type Ingestor struct {
	chunks   domain.ChunkStore
	embedder domain.Embedder
	matcher  *Matcher
	bus      domain.EventBus
	cfg      IngestorConfig
	metrics  *metrics.Metrics
	logger   *slog.Logger
	now      func() time.Time
}

// NewIngestor creates an Ingestor. matcher may be nil, in which case chunks
// are stored without market links.
func NewIngestor(chunks domain.ChunkStore, embedder domain.Embedder, matcher *Matcher, b domain.EventBus, cfg IngestorConfig, m *metrics.Metrics, logger *slog.Logger) *Ingestor {
	if cfg.ChunkSize < 1 {
		cfg.ChunkSize = 2000
	}
	if cfg.ChunkOverlap < 0 || cfg.ChunkOverlap >= cfg.ChunkSize {
		cfg.ChunkOverlap = 0
	}
	if cfg.MatcherMaxAge <= 0 {
		cfg.MatcherMaxAge = 5 * time.Minute
	}
	return &Ingestor{
		chunks:   chunks,
		embedder: embedder,
		matcher:  matcher,
		bus:      b,
		cfg:      cfg,
		metrics:  m,
		logger:   logger.With(slog.String("component", "news_ingestor")),
		now:      time.Now,
	}
}

// Handle processes one news.feed record. Malformed articles and articles
// that cannot be embedded are recorded on ingest.rejected and reported as
// handled. Only store or bus failures are returned. Replaying an article
// stores nothing new.
func (in *Ingestor) Handle(ctx context.Context, rec domain.Record) error {
	article, text, err := decodeArticle(rec.Payload)
	if err != nil {
		return in.reject(ctx, rec, err)
	}
	pieces := Chunk(text, in.cfg.ChunkSize, in.cfg.ChunkOverlap)

	stored, err := in.chunks.CountForURL(ctx, article.URL)
	if err != nil {
		return fmt.Errorf("news: count chunks %s: %w", article.URL, err)
	}
	if stored >= len(pieces) {
		in.metrics.Chunk("duplicate")
		in.logger.Debug("article already ingested", slog.String("url", article.URL))
		return nil
	}

	vectors, err := in.embed(ctx, pieces)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return in.reject(ctx, rec, err)
	}

	if in.matcher != nil {
		if err := in.matcher.RefreshIfOlder(ctx, in.cfg.MatcherMaxAge); err != nil {
			return fmt.Errorf("news: refresh matcher: %w", err)
		}
	}

	for i, piece := range pieces {
		id, inserted, err := in.chunks.Insert(ctx, domain.ArticleChunk{
			URL:         article.URL,
			ChunkIndex:  i,
			Content:     piece,
			Embedding:   vectors[i],
			SourceName:  article.SourceName,
			PublishedAt: article.PublishedAt,
			SearchQuery: article.SearchQuery,
		})
		if err != nil {
			return fmt.Errorf("news: insert chunk %s#%d: %w", article.URL, i, err)
		}
		if inserted {
			in.metrics.Chunk("stored")
		} else {
			in.metrics.Chunk("duplicate")
		}

		if in.matcher == nil {
			continue
		}
		if links := in.matcher.Match(id, piece); len(links) > 0 {
			if err := in.chunks.Link(ctx, links); err != nil {
				return fmt.Errorf("news: link chunk %d: %w", id, err)
			}
		}
	}

	in.logger.Debug("article ingested",
		slog.String("url", article.URL),
		slog.Int("chunks", len(pieces)),
	)
	return nil
}

func (in *Ingestor) embed(ctx context.Context, pieces []string) ([][]float32, error) {
	var vectors [][]float32
	err := retry.Do(ctx, in.cfg.Retry, domain.IsRetryable, func(ctx context.Context, attempt int) error {
		var err error
		vectors, err = in.embedder.Embed(ctx, pieces)
		if err != nil {
			in.logger.Warn("embed attempt failed",
				slog.Int("attempt", attempt),
				slog.String("error", err.Error()),
			)
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	if len(vectors) != len(pieces) {
		return nil, &domain.ValidationError{
			Field:  "embedding",
			Reason: fmt.Sprintf("got %d vectors for %d chunks", len(vectors), len(pieces)),
		}
	}
	want := in.embedder.Dimensions()
	for _, v := range vectors {
		if len(v) != want {
			return nil, &domain.ValidationError{
				Field:  "embedding",
				Reason: fmt.Sprintf("got %d dimensions, want %d", len(v), want),
			}
		}
	}
	return vectors, nil
}

func (in *Ingestor) reject(ctx context.Context, rec domain.Record, cause error) error {
	if errors.Is(cause, domain.ErrValidation) {
		in.metrics.Article("rejected")
	} else {
		in.metrics.Article("embed_failed")
	}
	in.logger.Warn("article rejected",
		slog.String("key", rec.Key),
		slog.String("error", cause.Error()),
	)
	return bus.PublishReject(ctx, in.bus, rec, cause, in.now())
}

func decodeArticle(payload []byte) (domain.Article, string, error) {
	var a domain.Article
	if err := json.Unmarshal(payload, &a); err != nil {
		return a, "", &domain.ValidationError{Field: "article", Reason: err.Error()}
	}
	if strings.TrimSpace(a.URL) == "" {
		return a, "", &domain.ValidationError{Field: "url", Reason: "empty"}
	}
	if strings.TrimSpace(a.Title) == "" {
		return a, "", &domain.ValidationError{Field: "title", Reason: "empty"}
	}
	if a.PublishedAt.IsZero() {
		return a, "", &domain.ValidationError{Field: "published_at", Reason: "missing"}
	}
	text, err := ArticleText(a)
	if err != nil {
		return a, "", err
	}
	return a, text, nil
}
