package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies MISCAL_* environment variable overrides, and
// returns the final Config. The returned Config has NOT been validated; the
// caller should invoke Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, err
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known MISCAL_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty). This lets operators inject secrets at deploy time without touching
// the TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── Postgres ──
	setStr(&cfg.Postgres.DSN, "MISCAL_POSTGRES_DSN")
	setStr(&cfg.Postgres.DSN, "DATABASE_URL") // compatibility alias
	setStr(&cfg.Postgres.Host, "MISCAL_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "MISCAL_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "MISCAL_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "MISCAL_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "MISCAL_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "MISCAL_POSTGRES_SSL_MODE")
	setInt(&cfg.Postgres.PoolMaxConns, "MISCAL_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "MISCAL_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "MISCAL_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setStr(&cfg.Redis.Addr, "MISCAL_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "MISCAL_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "MISCAL_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "MISCAL_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "MISCAL_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "MISCAL_REDIS_TLS_ENABLED")

	// ── Bus / store ──
	setStr(&cfg.Bus.Driver, "MISCAL_BUS_DRIVER")
	setInt(&cfg.Bus.Partitions, "MISCAL_BUS_PARTITIONS")
	setInt64(&cfg.Bus.MaxLen, "MISCAL_BUS_MAX_LEN")
	setInt(&cfg.Bus.BatchSize, "MISCAL_BUS_BATCH_SIZE")
	setDuration(&cfg.Bus.Block, "MISCAL_BUS_BLOCK")
	setStr(&cfg.Bus.ConsumerName, "MISCAL_BUS_CONSUMER_NAME")
	setStr(&cfg.Store.Driver, "MISCAL_STORE_DRIVER")

	// ── S3 ──
	setStr(&cfg.S3.Endpoint, "MISCAL_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "MISCAL_S3_REGION")
	setStr(&cfg.S3.Bucket, "MISCAL_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "MISCAL_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "MISCAL_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "MISCAL_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "MISCAL_S3_FORCE_PATH_STYLE")
	setStr(&cfg.S3.Prefix, "MISCAL_S3_PREFIX")

	// ── Venues ──
	setVenue(&cfg.Kalshi, "MISCAL_KALSHI")
	setVenue(&cfg.Polymarket, "MISCAL_POLYMARKET")

	// ── News ──
	setBool(&cfg.News.Enabled, "MISCAL_NEWS_ENABLED")
	setStr(&cfg.News.BaseURL, "MISCAL_NEWS_BASE_URL")
	setStr(&cfg.News.APIKey, "MISCAL_NEWS_API_KEY")
	setStr(&cfg.News.APIKey, "NEWS_API_KEY") // compatibility alias
	setStringSlice(&cfg.News.Queries, "MISCAL_NEWS_QUERIES")
	setDuration(&cfg.News.PollInterval, "MISCAL_NEWS_POLL_INTERVAL")
	setInt(&cfg.News.ChunkSize, "MISCAL_NEWS_CHUNK_SIZE")
	setInt(&cfg.News.ChunkOverlap, "MISCAL_NEWS_CHUNK_OVERLAP")
	setFloat64(&cfg.News.MatchFloor, "MISCAL_NEWS_MATCH_FLOOR")

	// ── Embedding / scoring ──
	setStr(&cfg.Embedding.Provider, "MISCAL_EMBEDDING_PROVIDER")
	setStr(&cfg.Embedding.BaseURL, "MISCAL_EMBEDDING_BASE_URL")
	setStr(&cfg.Embedding.APIKey, "MISCAL_EMBEDDING_API_KEY")
	setStr(&cfg.Embedding.APIKey, "OPENAI_API_KEY") // compatibility alias
	setStr(&cfg.Embedding.Model, "MISCAL_EMBEDDING_MODEL")
	setInt(&cfg.Embedding.Dimensions, "MISCAL_EMBEDDING_DIMENSIONS")
	setStr(&cfg.Scoring.Provider, "MISCAL_SCORING_PROVIDER")
	setStr(&cfg.Scoring.URL, "MISCAL_SCORING_URL")
	setStr(&cfg.Scoring.APIKey, "MISCAL_SCORING_API_KEY")
	setFloat64(&cfg.Scoring.Temperature, "MISCAL_SCORING_TEMPERATURE")
	setFloat64(&cfg.Scoring.NewsWeight, "MISCAL_SCORING_NEWS_WEIGHT")

	// ── Calibration ──
	setBool(&cfg.Calibration.Enabled, "MISCAL_CALIBRATION_ENABLED")
	setDuration(&cfg.Calibration.SweepInterval, "MISCAL_CALIBRATION_SWEEP_INTERVAL")
	setFloat64(&cfg.Calibration.MinEdge, "MISCAL_CALIBRATION_MIN_EDGE")
	setDuration(&cfg.Calibration.Cooldown, "MISCAL_CALIBRATION_COOLDOWN")
	setDuration(&cfg.Calibration.LeaseTTL, "MISCAL_CALIBRATION_LEASE_TTL")
	setInt(&cfg.Calibration.Concurrency, "MISCAL_CALIBRATION_CONCURRENCY")

	// ── Alerts / retry ──
	setInt(&cfg.Alerts.MaxAttempts, "MISCAL_ALERTS_MAX_ATTEMPTS")
	setInt(&cfg.Alerts.Concurrency, "MISCAL_ALERTS_CONCURRENCY")
	setDuration(&cfg.Alerts.LeaseTTL, "MISCAL_ALERTS_LEASE_TTL")
	setStr(&cfg.Alerts.WebhookURL, "MISCAL_ALERTS_WEBHOOK_URL")
	setStr(&cfg.Alerts.WebhookSecret, "MISCAL_ALERTS_WEBHOOK_SECRET")
	setInt(&cfg.Retry.Attempts, "MISCAL_RETRY_ATTEMPTS")
	setDuration(&cfg.Retry.BaseDelay, "MISCAL_RETRY_BASE_DELAY")
	setDuration(&cfg.Retry.MaxDelay, "MISCAL_RETRY_MAX_DELAY")

	// ── Archive ──
	setBool(&cfg.Archive.Enabled, "MISCAL_ARCHIVE_ENABLED")
	setDuration(&cfg.Archive.Interval, "MISCAL_ARCHIVE_INTERVAL")
	setDuration(&cfg.Archive.After, "MISCAL_ARCHIVE_AFTER")

	// ── Server ──
	setBool(&cfg.Server.Enabled, "MISCAL_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "MISCAL_SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "MISCAL_SERVER_CORS_ORIGINS")
	setStr(&cfg.Server.APIKey, "MISCAL_SERVER_API_KEY")
	setInt(&cfg.Server.RateLimit, "MISCAL_SERVER_RATE_LIMIT")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "MISCAL_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "MISCAL_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "MISCAL_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "MISCAL_NOTIFY_EVENTS")

	// ── Top-level ──
	setStr(&cfg.Mode, "MISCAL_MODE")
	setStr(&cfg.LogLevel, "MISCAL_LOG_LEVEL")
	setDuration(&cfg.ShutdownTimeout, "MISCAL_SHUTDOWN_TIMEOUT")
}

// setVenue applies the <prefix>_* overrides shared by every venue section.
func setVenue(v *VenueConfig, prefix string) {
	setBool(&v.Enabled, prefix+"_ENABLED")
	setStr(&v.BaseURL, prefix+"_BASE_URL")
	setDuration(&v.PollInterval, prefix+"_POLL_INTERVAL")
	setInt(&v.BatchSize, prefix+"_BATCH_SIZE")
	setFloat64(&v.RatePerSec, prefix+"_RATE_PER_SEC")
	setStr(&v.APIKeyID, prefix+"_API_KEY_ID")
	setStr(&v.PrivateKeyPath, prefix+"_PRIVATE_KEY_PATH")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
