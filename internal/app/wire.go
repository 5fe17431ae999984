package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	s3blob "github.com/alanyoungcy/miscalibrated/internal/blob/s3"
	"github.com/alanyoungcy/miscalibrated/internal/bus"
	"github.com/alanyoungcy/miscalibrated/internal/cache/redis"
	"github.com/alanyoungcy/miscalibrated/internal/calibration"
	"github.com/alanyoungcy/miscalibrated/internal/config"
	"github.com/alanyoungcy/miscalibrated/internal/domain"
	"github.com/alanyoungcy/miscalibrated/internal/metrics"
	"github.com/alanyoungcy/miscalibrated/internal/news"
	"github.com/alanyoungcy/miscalibrated/internal/notify"
	"github.com/alanyoungcy/miscalibrated/internal/server/handler"
	"github.com/alanyoungcy/miscalibrated/internal/store/memstore"
	"github.com/alanyoungcy/miscalibrated/internal/store/postgres"
)

// Dependencies bundles every domain-level dependency the modes need. It is
// constructed by Wire and torn down by the returned cleanup function.
type Dependencies struct {
	// Stores
	Markets    domain.MarketStore
	Edges      domain.EdgeStore
	Chunks     domain.ChunkStore
	Users      domain.UserStore
	Deliveries domain.DeliveryStore
	Audit      domain.AuditStore

	// Bus, leases and caches. MarketCache and RateLimiter are nil without
	// Redis.
	Bus         domain.EventBus
	Signals     domain.SignalBus
	Locks       domain.LockManager
	MarketCache domain.MarketCache
	RateLimiter domain.RateLimiter

	// Capabilities. Transport is nil when no webhook is configured.
	Embedder  domain.Embedder
	Scorer    domain.Scorer
	Transport domain.Transport

	// Archiver is nil unless archiving is enabled.
	Archiver *s3blob.Archiver

	Operator *notify.Notifier
	Metrics  *metrics.Metrics
	// Pingers are reported by the health endpoint.
	Pingers map[string]handler.Pinger
}

// Wire constructs all concrete dependency implementations from the given
// configuration and returns them together with a cleanup function that should
// be called on shutdown to release resources.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	fail := func(err error) (*Dependencies, func(), error) {
		cleanup()
		return nil, nil, err
	}

	deps := &Dependencies{
		Metrics: metrics.New(),
		Pingers: make(map[string]handler.Pinger),
	}

	// --- Store ---
	switch cfg.Store.Driver {
	case "postgres":
		pgClient, err := postgres.New(ctx, postgres.ClientConfig{
			DSN:      cfg.Postgres.DSN,
			Host:     cfg.Postgres.Host,
			Port:     cfg.Postgres.Port,
			Database: cfg.Postgres.Database,
			User:     cfg.Postgres.User,
			Password: cfg.Postgres.Password,
			SSLMode:  cfg.Postgres.SSLMode,
			MaxConns: cfg.Postgres.PoolMaxConns,
			MinConns: cfg.Postgres.PoolMinConns,
		})
		if err != nil {
			return fail(fmt.Errorf("wire: postgres: %w", err))
		}
		closers = append(closers, pgClient.Close)

		if cfg.Postgres.RunMigrations {
			if err := pgClient.RunMigrations(ctx); err != nil {
				return fail(fmt.Errorf("wire: postgres migrations: %w", err))
			}
		}

		pool := pgClient.Pool()
		deps.Markets = postgres.NewMarketStore(pool)
		deps.Edges = postgres.NewEdgeStore(pool)
		deps.Chunks = postgres.NewChunkStore(pool)
		deps.Users = postgres.NewUserStore(pool)
		deps.Deliveries = postgres.NewDeliveryStore(pool)
		deps.Audit = postgres.NewAuditStore(pool)
		deps.Pingers["store"] = pgClient
	default:
		st := memstore.New()
		deps.Markets = st.Markets()
		deps.Edges = st.Edges()
		deps.Chunks = st.Chunks()
		deps.Users = st.Users()
		deps.Deliveries = st.Deliveries()
		deps.Audit = st.Audit()
		deps.Pingers["store"] = st
		logger.WarnContext(ctx, "using the in-memory store; state is lost on exit")
	}

	// --- Bus, leases, caches ---
	switch cfg.Bus.Driver {
	case "redis":
		redisClient, err := redis.New(ctx, redis.ClientConfig{
			Addr:       cfg.Redis.Addr,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			PoolSize:   cfg.Redis.PoolSize,
			MaxRetries: cfg.Redis.MaxRetries,
			TLSEnabled: cfg.Redis.TLSEnabled,
		})
		if err != nil {
			return fail(fmt.Errorf("wire: redis: %w", err))
		}
		closers = append(closers, func() { _ = redisClient.Close() })

		deps.Bus = redis.NewStreamBus(redisClient, redis.StreamBusConfig{
			Partitions: cfg.Bus.Partitions,
			MaxLen:     cfg.Bus.MaxLen,
			Batch:      int64(cfg.Bus.BatchSize),
			Block:      cfg.Bus.Block.Duration,
		})
		deps.Signals = redis.NewSignalBus(redisClient)
		deps.Locks = redis.NewLockManager(redisClient)
		deps.MarketCache = redis.NewMarketCache(redisClient)
		deps.RateLimiter = redis.NewRateLimiter(redisClient)
		deps.Pingers["bus"] = redisClient
	default:
		deps.Bus = bus.NewMemoryLog(cfg.Bus.Partitions, cfg.Bus.BatchSize, cfg.Bus.Block.Duration)
		deps.Signals = bus.NewMemorySignal()
		deps.Locks = memstore.NewLockManager()
	}

	// --- Capabilities ---
	switch cfg.Embedding.Provider {
	case "openai":
		deps.Embedder = news.NewOpenAIEmbedder(
			cfg.Embedding.BaseURL,
			cfg.Embedding.APIKey,
			cfg.Embedding.Model,
			cfg.Embedding.Dimensions,
			cfg.Embedding.RatePerSec,
			cfg.Embedding.Timeout.Duration,
		)
	default:
		deps.Embedder = news.NewHashingEmbedder(cfg.Embedding.Dimensions)
	}

	switch cfg.Scoring.Provider {
	case "http":
		deps.Scorer = calibration.NewHTTPScorer(cfg.Scoring.URL, cfg.Scoring.APIKey, cfg.Scoring.Timeout.Duration)
	default:
		deps.Scorer = calibration.NewTemperatureScorer(cfg.Scoring.Temperature, cfg.Scoring.NewsWeight)
	}

	if cfg.Alerts.WebhookURL != "" {
		deps.Transport = notify.NewWebhookTransport(
			cfg.Alerts.WebhookURL,
			cfg.Alerts.WebhookSecret,
			cfg.Alerts.DeliveryTimeout.Duration,
		)
	}

	// --- Archive ---
	if cfg.Archive.Enabled {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
			Prefix:         cfg.S3.Prefix,
		})
		if err != nil {
			return fail(fmt.Errorf("wire: s3: %w", err))
		}
		deps.Archiver = s3blob.NewArchiver(
			s3blob.NewWriter(s3Client),
			s3blob.NewReader(s3Client),
			deps.Edges,
			deps.Deliveries,
			deps.Audit,
			s3blob.ArchiverConfig{},
			deps.Metrics,
			logger,
		)
		deps.Pingers["blob"] = s3Client
	}

	// --- Operator notifications ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(
			cfg.Notify.TelegramToken,
			cfg.Notify.TelegramChatID,
		))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	deps.Operator = notify.NewNotifier(senders, cfg.Notify.Events, logger)

	return deps, cleanup, nil
}

// readKey loads a PEM file referenced by configuration.
func readKey(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read key %s: %w", path, err)
	}
	return data, nil
}
