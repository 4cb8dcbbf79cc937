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
// built-in defaults, applies UNWIND_* environment variable overrides, and
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

// applyEnvOverrides reads well-known UNWIND_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty). This lets operators inject secrets at deploy time without touching
// the TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── Database ──
	setStr(&cfg.Database.DSN, "UNWIND_DATABASE_DSN")
	setStr(&cfg.Database.Host, "UNWIND_DATABASE_HOST")
	setInt(&cfg.Database.Port, "UNWIND_DATABASE_PORT")
	setStr(&cfg.Database.Database, "UNWIND_DATABASE_NAME")
	setStr(&cfg.Database.User, "UNWIND_DATABASE_USER")
	setStr(&cfg.Database.Password, "UNWIND_DATABASE_PASSWORD")
	setStr(&cfg.Database.SSLMode, "UNWIND_DATABASE_SSL_MODE")
	setInt(&cfg.Database.PoolMaxConns, "UNWIND_DATABASE_POOL_MAX_CONNS")
	setInt(&cfg.Database.PoolMinConns, "UNWIND_DATABASE_POOL_MIN_CONNS")
	setBool(&cfg.Database.RunMigrations, "UNWIND_DATABASE_RUN_MIGRATIONS")

	// ── Redis ──
	setStr(&cfg.Redis.Addr, "UNWIND_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "UNWIND_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "UNWIND_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "UNWIND_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "UNWIND_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "UNWIND_REDIS_TLS_ENABLED")

	// ── S3 ──
	setStr(&cfg.S3.Endpoint, "UNWIND_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "UNWIND_S3_REGION")
	setStr(&cfg.S3.Bucket, "UNWIND_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "UNWIND_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "UNWIND_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "UNWIND_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "UNWIND_S3_FORCE_PATH_STYLE")

	// ── Broker ──
	setStr(&cfg.Broker.BaseURL, "UNWIND_BROKER_BASE_URL")
	setStr(&cfg.Broker.APIKey, "UNWIND_BROKER_API_KEY")
	setDuration(&cfg.Broker.HTTPTimeout, "UNWIND_BROKER_HTTP_TIMEOUT")
	setBool(&cfg.Broker.Simulated, "UNWIND_BROKER_SIMULATED")
	setStr(&cfg.Broker.WebhookSecret, "UNWIND_BROKER_WEBHOOK_SECRET")
	setDuration(&cfg.Broker.WebhookTolerance, "UNWIND_BROKER_WEBHOOK_TOLERANCE")

	// ── Intake ──
	setDuration(&cfg.Intake.LockTimeout, "UNWIND_INTAKE_LOCK_TIMEOUT")
	setInt(&cfg.Intake.MaxRetries, "UNWIND_INTAKE_MAX_RETRIES")

	// ── Relay ──
	setDuration(&cfg.Relay.PollInterval, "UNWIND_RELAY_POLL_INTERVAL")
	setDuration(&cfg.Relay.SubmitTimeout, "UNWIND_RELAY_SUBMIT_TIMEOUT")
	setInt(&cfg.Relay.MaxAttempts, "UNWIND_RELAY_MAX_ATTEMPTS")
	setDuration(&cfg.Relay.BackoffBase, "UNWIND_RELAY_BACKOFF_BASE")
	setDuration(&cfg.Relay.BackoffMax, "UNWIND_RELAY_BACKOFF_MAX")

	// ── Reconcile ──
	setDuration(&cfg.Reconcile.Interval, "UNWIND_RECONCILE_INTERVAL")
	setDuration(&cfg.Reconcile.ZombiePendingAge, "UNWIND_RECONCILE_ZOMBIE_PENDING_AGE")
	setDuration(&cfg.Reconcile.StuckSubmittedAge, "UNWIND_RECONCILE_STUCK_SUBMITTED_AGE")
	setDuration(&cfg.Reconcile.QueryTimeout, "UNWIND_RECONCILE_QUERY_TIMEOUT")
	setDuration(&cfg.Reconcile.LockTTL, "UNWIND_RECONCILE_LOCK_TTL")

	// ── Archive ──
	setBool(&cfg.Archive.Enabled, "UNWIND_ARCHIVE_ENABLED")
	setDuration(&cfg.Archive.Interval, "UNWIND_ARCHIVE_INTERVAL")
	setInt(&cfg.Archive.RetentionDays, "UNWIND_ARCHIVE_RETENTION_DAYS")
	setInt(&cfg.Archive.BatchLimit, "UNWIND_ARCHIVE_BATCH_LIMIT")

	// ── Server ──
	setBool(&cfg.Server.Enabled, "UNWIND_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "UNWIND_SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "UNWIND_SERVER_CORS_ORIGINS")
	setStr(&cfg.Server.APIKey, "UNWIND_SERVER_API_KEY")
	setInt(&cfg.Server.RateLimit, "UNWIND_SERVER_RATE_LIMIT")
	setDuration(&cfg.Server.RateWindow, "UNWIND_SERVER_RATE_WINDOW")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "UNWIND_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "UNWIND_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "UNWIND_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "UNWIND_NOTIFY_EVENTS")

	// ── Top-level ──
	setStr(&cfg.Mode, "UNWIND_MODE")
	setStr(&cfg.LogLevel, "UNWIND_LOG_LEVEL")
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
