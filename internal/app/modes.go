package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/miscalibrated/internal/alert"
	"github.com/alanyoungcy/miscalibrated/internal/bus"
	"github.com/alanyoungcy/miscalibrated/internal/calibration"
	"github.com/alanyoungcy/miscalibrated/internal/config"
	"github.com/alanyoungcy/miscalibrated/internal/dispatch"
	"github.com/alanyoungcy/miscalibrated/internal/domain"
	"github.com/alanyoungcy/miscalibrated/internal/feed"
	"github.com/alanyoungcy/miscalibrated/internal/news"
	"github.com/alanyoungcy/miscalibrated/internal/normalizer"
	"github.com/alanyoungcy/miscalibrated/internal/platform/kalshi"
	"github.com/alanyoungcy/miscalibrated/internal/platform/newsapi"
	"github.com/alanyoungcy/miscalibrated/internal/platform/polymarket"
	"github.com/alanyoungcy/miscalibrated/internal/retry"
	"github.com/alanyoungcy/miscalibrated/internal/server"
	"github.com/alanyoungcy/miscalibrated/internal/server/handler"
	"github.com/alanyoungcy/miscalibrated/internal/server/ws"
	"github.com/alanyoungcy/miscalibrated/internal/service"
)

// Consumer groups.
const (
	GroupNormalizer   = "normalizer"
	GroupNewsIngestor = "news-ingestor"
	GroupCalibration  = "calibration"
	GroupNotifier     = "alert-notifier"
)

// notifierTimeout bounds one alerts.triggered record: the fan-out to every
// user including transport retries.
const notifierTimeout = 5 * time.Minute

func (a *App) retryPolicy() retry.Policy {
	return retry.Policy{
		Attempts:  a.cfg.Retry.Attempts,
		BaseDelay: a.cfg.Retry.BaseDelay.Duration,
		MaxDelay:  a.cfg.Retry.MaxDelay.Duration,
	}
}

// consume runs one consumer group over topic.
func (a *App) consume(ctx context.Context, g *errgroup.Group, deps *Dependencies, topic, group string, timeout time.Duration, h bus.Handler) {
	c := bus.NewConsumer(deps.Bus, bus.ConsumerConfig{
		Topic:          topic,
		Group:          group,
		Consumer:       a.cfg.Bus.ConsumerName,
		Retry:          a.retryPolicy(),
		HandlerTimeout: timeout,
	}, h, a.logger)
	g.Go(func() error {
		return c.Run(ctx)
	})
}

// startIngest runs one feed adapter per enabled venue plus the news adapter.
func (a *App) startIngest(ctx context.Context, g *errgroup.Group, deps *Dependencies) error {
	var sources []feed.Source

	if v := a.cfg.Kalshi; v.Enabled {
		client := kalshi.NewClient(v.BaseURL, v.APIKeyID, v.RatePerSec, v.Timeout.Duration)
		if v.PrivateKeyPath != "" {
			pem, err := readKey(v.PrivateKeyPath)
			if err != nil {
				return fmt.Errorf("kalshi: %w", err)
			}
			if err := client.SetRSAPrivateKey(pem); err != nil {
				return fmt.Errorf("kalshi: %w", err)
			}
		}
		sources = append(sources, client)
	}
	if v := a.cfg.Polymarket; v.Enabled {
		sources = append(sources, polymarket.NewGammaClient(v.BaseURL, v.RatePerSec, v.Timeout.Duration))
	}

	for _, src := range sources {
		v := a.venueConfig(src.Platform())
		adapter := feed.NewAdapter(src, deps.Bus, feed.Config{
			Interval:  v.PollInterval.Duration,
			BatchSize: v.BatchSize,
			Retry:     a.retryPolicy(),
		}, deps.Metrics, a.logger)
		g.Go(func() error {
			return adapter.RunLoop(ctx)
		})
	}

	if n := a.cfg.News; n.Enabled {
		client := newsapi.NewClient(n.BaseURL, n.APIKey, n.Language, n.PageSize, n.Timeout.Duration)
		adapter := news.NewAdapter(client, deps.Bus, news.AdapterConfig{
			Queries:    n.Queries,
			Interval:   n.PollInterval.Duration,
			QueryPause: n.QueryPause.Duration,
			Retry:      a.retryPolicy(),
		}, deps.Metrics, a.logger)
		g.Go(func() error {
			return adapter.RunLoop(ctx)
		})
	}

	if len(sources) == 0 && !a.cfg.News.Enabled {
		a.logger.WarnContext(ctx, "ingest: no venue or news adapter is enabled")
	}
	return nil
}

func (a *App) venueConfig(p domain.Platform) config.VenueConfig {
	if p == domain.PlatformKalshi {
		return a.cfg.Kalshi
	}
	return a.cfg.Polymarket
}

// startProcess runs the normalizer, news ingestor, calibration engine, edge
// dispatcher recovery and the archive job.
func (a *App) startProcess(ctx context.Context, g *errgroup.Group, deps *Dependencies) {
	norm := normalizer.New(deps.Markets, deps.Bus, nil, deps.Metrics, a.logger)
	if deps.MarketCache != nil {
		norm.WithCache(deps.MarketCache)
	}
	for _, topic := range norm.Topics() {
		a.consume(ctx, g, deps, topic, GroupNormalizer, 0, norm.Handle)
	}

	ingestor := news.NewIngestor(
		deps.Chunks,
		deps.Embedder,
		news.NewMatcher(deps.Markets, a.cfg.News.MatchFloor),
		deps.Bus,
		news.IngestorConfig{
			ChunkSize:    a.cfg.News.ChunkSize,
			ChunkOverlap: a.cfg.News.ChunkOverlap,
			Retry:        a.retryPolicy(),
		},
		deps.Metrics,
		a.logger,
	)
	a.consume(ctx, g, deps, domain.TopicNewsFeed, GroupNewsIngestor, 0, ingestor.Handle)

	dispatcher := dispatch.New(deps.Bus, deps.Edges, deps.Markets, deps.Signals, dispatch.Config{
		Grace:    a.cfg.Alerts.RecoveryGrace.Duration,
		Interval: a.cfg.Alerts.RecoveryInterval.Duration,
	}, deps.Metrics, a.logger)
	g.Go(func() error {
		return dispatcher.RunRecovery(ctx)
	})

	if c := a.cfg.Calibration; c.Enabled {
		engine := calibration.NewEngine(
			deps.Markets,
			deps.Edges,
			deps.Chunks,
			deps.Locks,
			deps.Scorer,
			dispatcher,
			calibration.Config{
				MinEdge:       c.MinEdge,
				Cooldown:      c.Cooldown.Duration,
				LeaseTTL:      c.LeaseTTL.Duration,
				ScoreTimeout:  a.cfg.Scoring.Timeout.Duration,
				SweepInterval: c.SweepInterval.Duration,
				Concurrency:   c.Concurrency,
				PageSize:      c.PageSize,
				MaxRelated:    a.cfg.Scoring.MaxRelated,
			},
			deps.Metrics,
			a.logger,
		)
		g.Go(func() error {
			return engine.RunLoop(ctx)
		})
		a.consume(ctx, g, deps, domain.TopicMarketsNormalized, GroupCalibration, 0, engine.Handle)
	}

	if deps.Archiver != nil {
		g.Go(func() error {
			return deps.Archiver.RunLoop(ctx, a.cfg.Archive.Interval.Duration, a.cfg.Archive.After.Duration)
		})
	}
}

// startNotify runs the alert notifier. Without a transport there is nothing
// to deliver through, so the notifier stays off.
func (a *App) startNotify(ctx context.Context, g *errgroup.Group, deps *Dependencies) {
	if deps.Transport == nil {
		a.logger.WarnContext(ctx, "notify: alerts.webhook_url is empty; alert notifier disabled")
		return
	}
	notifier := alert.New(
		deps.Users,
		deps.Deliveries,
		deps.Edges,
		deps.Locks,
		deps.Transport,
		deps.Operator,
		deps.Bus,
		alert.Config{
			MaxAttempts:     a.cfg.Alerts.MaxAttempts,
			Backoff:         a.retryPolicy(),
			LeaseTTL:        a.cfg.Alerts.LeaseTTL.Duration,
			DeliveryTimeout: a.cfg.Alerts.DeliveryTimeout.Duration,
			Concurrency:     a.cfg.Alerts.Concurrency,
		},
		deps.Metrics,
		a.logger,
	)
	a.consume(ctx, g, deps, domain.TopicAlertsTriggered, GroupNotifier, notifierTimeout, notifier.Handle)
}

// startAPI serves the read API, preferences, metrics and the live edge
// stream until ctx is cancelled.
func (a *App) startAPI(ctx context.Context, g *errgroup.Group, deps *Dependencies) {
	hub := ws.NewHub(deps.Signals, dispatch.ChannelEdges, a.logger)
	g.Go(func() error {
		return hub.Run(ctx)
	})

	handlers := server.Handlers{
		Health: handler.NewHealthHandler(deps.Pingers, a.logger),
		Status: handler.NewStatusHandler(a.cfg.Mode),
		Markets: handler.NewMarketHandler(
			service.NewMarketService(deps.Markets, deps.Edges, deps.MarketCache, a.logger), a.logger),
		Edges: handler.NewEdgeHandler(service.NewEdgeService(deps.Edges), a.logger),
		Preferences: handler.NewPreferenceHandler(
			service.NewPreferenceService(deps.Users, a.logger), a.logger),
		Alerts: handler.NewAlertHandler(service.NewAlertService(deps.Deliveries), a.logger),
		Retrieval: handler.NewRetrievalHandler(
			service.NewRetrievalService(deps.Chunks, deps.Embedder), a.logger),
		Metrics: promhttp.HandlerFor(deps.Metrics.Registry(), promhttp.HandlerOpts{}),
	}

	srv := server.NewServer(server.Config{
		Port:        a.cfg.Server.Port,
		CORSOrigins: a.cfg.Server.CORSOrigins,
		APIKey:      a.cfg.Server.APIKey,
		RateLimit:   a.cfg.Server.RateLimit,
	}, handlers, hub, deps.RateLimiter, a.logger)

	g.Go(srv.Start)
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.cfg.ShutdownTimeout.Duration)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("http server shutdown failed", slog.String("error", err.Error()))
		}
		return nil
	})
}
