package news

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/miscalibrated/internal/domain"
	"github.com/alanyoungcy/miscalibrated/internal/metrics"
	"github.com/alanyoungcy/miscalibrated/internal/platform/newsapi"
	"github.com/alanyoungcy/miscalibrated/internal/retry"
)

// Searcher runs one news search.
type Searcher interface {
	Everything(ctx context.Context, query string) ([]newsapi.Article, error)
}

// AdapterConfig holds the news adapter schedule.
type AdapterConfig struct {
	Queries    []string
	Interval   time.Duration
	QueryPause time.Duration
	Retry      retry.Policy
}

// CycleResult summarises one pass over the configured queries.
type CycleResult struct {
	Queries   int
	Failed    int
	Published int
	Dropped   int
}

// Adapter polls the news search API for each configured query and publishes
// every article to news.feed keyed by its URL.
type Adapter struct {
	search  Searcher
	bus     domain.EventBus
	cfg     AdapterConfig
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewAdapter creates a news Adapter.
func NewAdapter(search Searcher, b domain.EventBus, cfg AdapterConfig, m *metrics.Metrics, logger *slog.Logger) *Adapter {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Minute
	}
	return &Adapter{
		search:  search,
		bus:     b,
		cfg:     cfg,
		metrics: m,
		logger:  logger.With(slog.String("component", "news_adapter")),
	}
}

// Cycle runs every query once. A query whose search still fails after the
// retry budget is skipped; the others still run. An article returned by
// more than one query is published once, tagged with the first query.
func (a *Adapter) Cycle(ctx context.Context) (CycleResult, error) {
	var res CycleResult
	seen := make(map[string]struct{})

	for i, query := range a.cfg.Queries {
		if i > 0 && a.cfg.QueryPause > 0 {
			if !pause(ctx, a.cfg.QueryPause) {
				return res, ctx.Err()
			}
		}
		res.Queries++

		var articles []newsapi.Article
		err := retry.Do(ctx, a.cfg.Retry, domain.IsRetryable, func(ctx context.Context, attempt int) error {
			var err error
			articles, err = a.search.Everything(ctx, query)
			if err != nil {
				a.metrics.FetchError("newsapi")
				a.logger.Warn("search attempt failed",
					slog.String("query", query),
					slog.Int("attempt", attempt),
					slog.String("error", err.Error()),
				)
			}
			return err
		})
		if err != nil {
			if ctx.Err() != nil {
				return res, ctx.Err()
			}
			res.Failed++
			a.metrics.SkippedPoll("newsapi")
			a.logger.Error("query skipped", slog.String("query", query), slog.String("error", err.Error()))
			continue
		}

		for _, raw := range articles {
			article, err := raw.ToDomain(query)
			if err != nil {
				res.Dropped++
				a.metrics.Article("dropped")
				a.logger.Debug("dropping article", slog.String("url", raw.URL), slog.String("error", err.Error()))
				continue
			}
			if _, dup := seen[article.URL]; dup {
				continue
			}
			seen[article.URL] = struct{}{}

			payload, err := json.Marshal(article)
			if err != nil {
				res.Dropped++
				a.metrics.Article("dropped")
				continue
			}
			if err := a.bus.Publish(ctx, domain.TopicNewsFeed, article.URL, payload); err != nil {
				return res, fmt.Errorf("news: publish %s: %w", article.URL, err)
			}
			res.Published++
			a.metrics.Article("published")
		}
	}
	return res, nil
}

// RunLoop runs a cycle immediately and then on every interval tick until ctx
// is cancelled.
func (a *Adapter) RunLoop(ctx context.Context) error {
	a.logger.Info("news adapter started",
		slog.Int("queries", len(a.cfg.Queries)),
		slog.Duration("interval", a.cfg.Interval),
	)
	a.runOnce(ctx)

	ticker := time.NewTicker(a.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			a.logger.Info("news adapter stopped")
			return ctx.Err()
		case <-ticker.C:
			a.runOnce(ctx)
		}
	}
}

func (a *Adapter) runOnce(ctx context.Context) {
	start := time.Now()
	res, err := a.Cycle(ctx)
	if err != nil {
		if ctx.Err() == nil {
			a.logger.Error("news cycle aborted", slog.String("error", err.Error()))
		}
		return
	}
	a.logger.Info("news cycle complete",
		slog.Int("queries", res.Queries),
		slog.Int("failed", res.Failed),
		slog.Int("published", res.Published),
		slog.Int("dropped", res.Dropped),
		slog.Duration("took", time.Since(start)),
	)
}

func pause(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
