// Package config defines the top-level configuration for the edge pipeline
// and provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by MISCAL_* environment variables.
type Config struct {
	Postgres    PostgresConfig    `toml:"postgres"`
	Redis       RedisConfig       `toml:"redis"`
	Bus         BusConfig         `toml:"bus"`
	Store       StoreConfig       `toml:"store"`
	S3          S3Config          `toml:"s3"`
	Kalshi      VenueConfig       `toml:"kalshi"`
	Polymarket  VenueConfig       `toml:"polymarket"`
	News        NewsConfig        `toml:"news"`
	Embedding   EmbeddingConfig   `toml:"embedding"`
	Scoring     ScoringConfig     `toml:"scoring"`
	Calibration CalibrationConfig `toml:"calibration"`
	Alerts      AlertsConfig      `toml:"alerts"`
	Retry       RetryConfig       `toml:"retry"`
	Archive     ArchiveConfig     `toml:"archive"`
	Server      ServerConfig      `toml:"server"`
	Notify      NotifyConfig      `toml:"notify"`

	Mode            string   `toml:"mode"`
	LogLevel        string   `toml:"log_level"`
	ShutdownTimeout duration `toml:"shutdown_timeout"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
}

// BusConfig selects and tunes the event bus.
type BusConfig struct {
	// Driver is "redis" (Redis Streams) or "memory" (single process only).
	Driver     string   `toml:"driver"`
	Partitions int      `toml:"partitions"`
	MaxLen     int64    `toml:"max_len"`
	BatchSize  int      `toml:"batch_size"`
	Block      duration `toml:"block"`
	// ConsumerName identifies this process inside every consumer group. It
	// must be stable across restarts so unacked records are replayed.
	ConsumerName string `toml:"consumer_name"`
}

// StoreConfig selects the persistent store.
type StoreConfig struct {
	// Driver is "postgres" or "memory".
	Driver string `toml:"driver"`
}

// S3Config holds S3-compatible object storage parameters.
type S3Config struct {
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
	Prefix         string `toml:"prefix"`
}

// PostgresEmbeddingDimensions is the vector width fixed by the schema.
const PostgresEmbeddingDimensions = 1536

// VenueConfig holds one venue feed adapter's parameters.
type VenueConfig struct {
	Enabled bool   `toml:"enabled"`
	BaseURL string `toml:"base_url"`
	// APIKeyID and PrivateKeyPath enable RSA-signed requests (Kalshi only).
	// Public market data needs neither.
	APIKeyID       string   `toml:"api_key_id"`
	PrivateKeyPath string   `toml:"private_key_path"`
	PollInterval   duration `toml:"poll_interval"`
	BatchSize      int      `toml:"batch_size"`
	RatePerSec     float64  `toml:"rate_per_sec"`
	Timeout        duration `toml:"timeout"`
}

// NewsConfig holds the news adapter and chunker parameters.
type NewsConfig struct {
	Enabled      bool     `toml:"enabled"`
	BaseURL      string   `toml:"base_url"`
	APIKey       string   `toml:"api_key"`
	Queries      []string `toml:"queries"`
	Language     string   `toml:"language"`
	PageSize     int      `toml:"page_size"`
	PollInterval duration `toml:"poll_interval"`
	QueryPause   duration `toml:"query_pause"`
	ChunkSize    int      `toml:"chunk_size"`
	ChunkOverlap int      `toml:"chunk_overlap"`
	MatchFloor   float64  `toml:"match_floor"`
	Timeout      duration `toml:"timeout"`
}

// EmbeddingConfig selects the embedding capability.
type EmbeddingConfig struct {
	// Provider is "openai" (any OpenAI-compatible endpoint) or "hashing".
	Provider   string   `toml:"provider"`
	BaseURL    string   `toml:"base_url"`
	APIKey     string   `toml:"api_key"`
	Model      string   `toml:"model"`
	Dimensions int      `toml:"dimensions"`
	RatePerSec float64  `toml:"rate_per_sec"`
	Timeout    duration `toml:"timeout"`
}

// ScoringConfig selects the scoring capability.
type ScoringConfig struct {
	// Provider is "http" or "temperature".
	Provider    string   `toml:"provider"`
	URL         string   `toml:"url"`
	APIKey      string   `toml:"api_key"`
	Timeout     duration `toml:"timeout"`
	Temperature float64  `toml:"temperature"`
	NewsWeight  float64  `toml:"news_weight"`
	MaxRelated  int      `toml:"max_related"`
}

// CalibrationConfig holds the calibration engine parameters.
type CalibrationConfig struct {
	Enabled       bool     `toml:"enabled"`
	SweepInterval duration `toml:"sweep_interval"`
	MinEdge       float64  `toml:"min_edge"`
	Cooldown      duration `toml:"cooldown"`
	LeaseTTL      duration `toml:"lease_ttl"`
	Concurrency   int      `toml:"concurrency"`
	PageSize      int      `toml:"page_size"`
}

// AlertsConfig holds the edge dispatcher and alert notifier parameters.
type AlertsConfig struct {
	MaxAttempts int `toml:"max_attempts"`
	// LeaseTTL must outlast one pairing's full retry run; see
	// DeliveryWorstCase.
	LeaseTTL         duration `toml:"lease_ttl"`
	Concurrency      int      `toml:"concurrency"`
	WebhookURL       string   `toml:"webhook_url"`
	WebhookSecret    string   `toml:"webhook_secret"`
	DeliveryTimeout  duration `toml:"delivery_timeout"`
	RecoveryInterval duration `toml:"recovery_interval"`
	RecoveryGrace    duration `toml:"recovery_grace"`
}

// DeliveryWorstCase is the longest one alert pairing can spend retrying the
// transport: every attempt times out and every wait between attempts is
// retry.max_delay.
func (c *Config) DeliveryWorstCase() time.Duration {
	n := time.Duration(max(c.Alerts.MaxAttempts, 1))
	return n*c.Alerts.DeliveryTimeout.Duration + (n-1)*c.Retry.MaxDelay.Duration
}

// RetryConfig holds the backoff parameters shared by fetch retries.
type RetryConfig struct {
	Attempts  int      `toml:"attempts"`
	BaseDelay duration `toml:"base_delay"`
	MaxDelay  duration `toml:"max_delay"`
}

// ArchiveConfig controls the periodic export of history to object storage.
type ArchiveConfig struct {
	Enabled  bool     `toml:"enabled"`
	Interval duration `toml:"interval"`
	After    duration `toml:"after"`
}

// duration is a wrapper around time.Duration that supports TOML string decoding
// (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Enabled     bool     `toml:"enabled"`
	Port        int      `toml:"port"`
	CORSOrigins []string `toml:"cors_origins"`
	APIKey      string   `toml:"api_key"`
	RateLimit   int      `toml:"rate_limit"`
}

// NotifyConfig holds operator notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// Defaults returns a Config populated with reasonable default values.
func Defaults() Config {
	return Config{
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "miscalibrated",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Addr:       "localhost:6379",
			PoolSize:   20,
			MaxRetries: 3,
		},
		Bus: BusConfig{
			Driver:       "redis",
			Partitions:   4,
			MaxLen:       1_000_000,
			BatchSize:    64,
			Block:        duration{2 * time.Second},
			ConsumerName: "worker-0",
		},
		Store: StoreConfig{Driver: "postgres"},
		S3: S3Config{
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "miscalibrated-archive",
			ForcePathStyle: true,
		},
		Kalshi: VenueConfig{
			Enabled:      true,
			BaseURL:      "https://api.elections.kalshi.com/trade-api/v2",
			PollInterval: duration{60 * time.Second},
			BatchSize:    200,
			RatePerSec:   5,
			Timeout:      duration{15 * time.Second},
		},
		Polymarket: VenueConfig{
			Enabled:      true,
			BaseURL:      "https://gamma-api.polymarket.com",
			PollInterval: duration{60 * time.Second},
			BatchSize:    200,
			RatePerSec:   5,
			Timeout:      duration{15 * time.Second},
		},
		News: NewsConfig{
			Enabled: false,
			BaseURL: "https://newsapi.org",
			Queries: []string{
				"election polls",
				"federal reserve interest rates",
				"bitcoin price",
				"supreme court ruling",
			},
			Language:     "en",
			PageSize:     20,
			PollInterval: duration{5 * time.Minute},
			QueryPause:   duration{time.Second},
			ChunkSize:    2000,
			ChunkOverlap: 200,
			MatchFloor:   0.2,
			Timeout:      duration{15 * time.Second},
		},
		Embedding: EmbeddingConfig{
			Provider:   "hashing",
			BaseURL:    "https://api.openai.com",
			Model:      "text-embedding-3-small",
			Dimensions: 1536,
			RatePerSec: 3,
			Timeout:    duration{20 * time.Second},
		},
		Scoring: ScoringConfig{
			Provider:    "temperature",
			Timeout:     duration{10 * time.Second},
			Temperature: 1.25,
			NewsWeight:  0.0,
			MaxRelated:  5,
		},
		Calibration: CalibrationConfig{
			Enabled:       true,
			SweepInterval: duration{2 * time.Minute},
			MinEdge:       0.05,
			Cooldown:      duration{30 * time.Minute},
			LeaseTTL:      duration{30 * time.Second},
			Concurrency:   8,
			PageSize:      500,
		},
		Alerts: AlertsConfig{
			MaxAttempts:      5,
			LeaseTTL:         duration{3 * time.Minute},
			Concurrency:      8,
			DeliveryTimeout:  duration{10 * time.Second},
			RecoveryInterval: duration{time.Minute},
			RecoveryGrace:    duration{30 * time.Second},
		},
		Retry: RetryConfig{
			Attempts:  4,
			BaseDelay: duration{500 * time.Millisecond},
			MaxDelay:  duration{10 * time.Second},
		},
		Archive: ArchiveConfig{
			Enabled:  false,
			Interval: duration{24 * time.Hour},
			After:    duration{30 * 24 * time.Hour},
		},
		Server: ServerConfig{
			Enabled:     true,
			Port:        8000,
			CORSOrigins: []string{"http://localhost:3000", "http://localhost:5173"},
			RateLimit:   120,
		},
		Notify: NotifyConfig{
			Events: []string{"alert_failed", "error"},
		},
		Mode:            "full",
		LogLevel:        "info",
		ShutdownTimeout: duration{15 * time.Second},
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"ingest":  true,
	"process": true,
	"notify":  true,
	"api":     true,
	"full":    true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: ingest, process, notify, api, full)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Store
	switch c.Store.Driver {
	case "postgres":
		if strings.TrimSpace(c.Postgres.DSN) == "" {
			if c.Postgres.Host == "" {
				errs = append(errs, "postgres: host must not be empty (or set postgres.dsn)")
			}
			if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
				errs = append(errs, fmt.Sprintf("postgres: port must be 1-65535, got %d", c.Postgres.Port))
			}
			if c.Postgres.Database == "" {
				errs = append(errs, "postgres: database must not be empty")
			}
		}
		if c.Postgres.PoolMaxConns < 1 {
			errs = append(errs, "postgres: pool_max_conns must be >= 1")
		}
		if c.Postgres.PoolMinConns < 0 || c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
			errs = append(errs, "postgres: pool_min_conns must be between 0 and pool_max_conns")
		}
	case "memory":
	default:
		errs = append(errs, fmt.Sprintf("store: unknown driver %q (valid: postgres, memory)", c.Store.Driver))
	}

	// Bus
	switch c.Bus.Driver {
	case "redis", "memory":
	default:
		errs = append(errs, fmt.Sprintf("bus: unknown driver %q (valid: redis, memory)", c.Bus.Driver))
	}
	if c.Bus.Partitions < 1 {
		errs = append(errs, "bus: partitions must be >= 1")
	}
	if c.Bus.BatchSize < 1 {
		errs = append(errs, "bus: batch_size must be >= 1")
	}
	if strings.TrimSpace(c.Bus.ConsumerName) == "" {
		errs = append(errs, "bus: consumer_name must not be empty")
	}
	if c.Bus.Driver == "memory" && c.Mode != "full" {
		errs = append(errs, "bus: the memory driver only works in full mode")
	}

	// Redis backs the bus, leases, cache and live stream whenever the bus
	// driver is redis.
	if c.Bus.Driver == "redis" {
		if c.Redis.Addr == "" {
			errs = append(errs, "redis: addr must not be empty")
		}
		if c.Redis.PoolSize < 1 {
			errs = append(errs, "redis: pool_size must be >= 1")
		}
	}

	// Venues
	for name, v := range map[string]VenueConfig{"kalshi": c.Kalshi, "polymarket": c.Polymarket} {
		if !v.Enabled {
			continue
		}
		if v.BaseURL == "" {
			errs = append(errs, name+": base_url must not be empty")
		}
		if v.PollInterval.Duration <= 0 {
			errs = append(errs, name+": poll_interval must be > 0")
		}
		if v.BatchSize < 1 {
			errs = append(errs, name+": batch_size must be >= 1")
		}
	}

	// News
	if c.News.Enabled {
		if c.News.APIKey == "" {
			errs = append(errs, "news: api_key is required when enabled")
		}
		if len(c.News.Queries) == 0 {
			errs = append(errs, "news: at least one query is required when enabled")
		}
	}
	if c.News.ChunkSize < 1 {
		errs = append(errs, "news: chunk_size must be >= 1")
	}
	if c.News.ChunkOverlap < 0 || c.News.ChunkOverlap >= c.News.ChunkSize {
		errs = append(errs, "news: chunk_overlap must be >= 0 and < chunk_size")
	}
	if c.News.MatchFloor < 0 || c.News.MatchFloor > 1 {
		errs = append(errs, "news: match_floor must be within [0,1]")
	}

	// Embedding
	switch c.Embedding.Provider {
	case "openai":
		if c.Embedding.APIKey == "" {
			errs = append(errs, "embedding: api_key is required for the openai provider")
		}
	case "hashing":
	default:
		errs = append(errs, fmt.Sprintf("embedding: unknown provider %q (valid: openai, hashing)", c.Embedding.Provider))
	}
	if c.Embedding.Dimensions < 1 {
		errs = append(errs, "embedding: dimensions must be >= 1")
	}
	if c.Store.Driver == "postgres" && c.Embedding.Dimensions != PostgresEmbeddingDimensions {
		errs = append(errs, fmt.Sprintf("embedding: dimensions must be %d with the postgres store (article_chunks.embedding is vector(%d))",
			PostgresEmbeddingDimensions, PostgresEmbeddingDimensions))
	}

	// Scoring
	switch c.Scoring.Provider {
	case "http":
		if c.Scoring.URL == "" {
			errs = append(errs, "scoring: url is required for the http provider")
		}
	case "temperature":
		if c.Scoring.Temperature <= 0 {
			errs = append(errs, "scoring: temperature must be > 0")
		}
	default:
		errs = append(errs, fmt.Sprintf("scoring: unknown provider %q (valid: http, temperature)", c.Scoring.Provider))
	}

	// Calibration
	if c.Calibration.MinEdge <= 0 || c.Calibration.MinEdge >= 1 {
		errs = append(errs, "calibration: min_edge must be within (0,1)")
	}
	if c.Calibration.Cooldown.Duration < 0 {
		errs = append(errs, "calibration: cooldown must be >= 0")
	}
	if c.Calibration.LeaseTTL.Duration <= 0 {
		errs = append(errs, "calibration: lease_ttl must be > 0")
	}
	if c.Calibration.Concurrency < 1 {
		errs = append(errs, "calibration: concurrency must be >= 1")
	}

	// Alerts
	if c.Alerts.MaxAttempts < 1 {
		errs = append(errs, "alerts: max_attempts must be >= 1")
	}
	if strings.EqualFold(c.Mode, "notify") && c.Alerts.WebhookURL == "" {
		errs = append(errs, "alerts: webhook_url is required in notify mode")
	}
	if c.Alerts.Concurrency < 1 {
		errs = append(errs, "alerts: concurrency must be >= 1")
	}
	if worst := c.DeliveryWorstCase(); c.Alerts.LeaseTTL.Duration <= worst {
		errs = append(errs, fmt.Sprintf("alerts: lease_ttl must exceed %s (max_attempts x delivery_timeout plus retry backoff)", worst))
	}
	if c.Retry.Attempts < 1 {
		errs = append(errs, "retry: attempts must be >= 1")
	}
	if c.Retry.BaseDelay.Duration <= 0 || c.Retry.MaxDelay.Duration < c.Retry.BaseDelay.Duration {
		errs = append(errs, "retry: base_delay must be > 0 and <= max_delay")
	}

	// Archive
	if c.Archive.Enabled {
		if c.S3.Endpoint == "" {
			errs = append(errs, "s3: endpoint must not be empty when archive is enabled")
		}
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty when archive is enabled")
		}
	}

	// Server
	if c.Server.Enabled {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
