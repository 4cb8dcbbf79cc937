// Package config defines the top-level configuration for the close-position
// service and provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by UNWIND_* environment variables.
type Config struct {
	Database  DatabaseConfig  `toml:"database"`
	Redis     RedisConfig     `toml:"redis"`
	S3        S3Config        `toml:"s3"`
	Broker    BrokerConfig    `toml:"broker"`
	Intake    IntakeConfig    `toml:"intake"`
	Relay     RelayConfig     `toml:"relay"`
	Reconcile ReconcileConfig `toml:"reconcile"`
	Archive   ArchiveConfig   `toml:"archive"`
	Server    ServerConfig    `toml:"server"`
	Notify    NotifyConfig    `toml:"notify"`
	Mode      string          `toml:"mode"`
	LogLevel  string          `toml:"log_level"`
}

// DatabaseConfig holds PostgreSQL connection parameters.
type DatabaseConfig struct {
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

// S3Config holds S3-compatible object storage parameters for the archiver.
type S3Config struct {
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// BrokerConfig holds the external brokerage API parameters. When Simulated
// is true the in-memory simulator is used instead of the REST client.
type BrokerConfig struct {
	BaseURL          string   `toml:"base_url"`
	APIKey           string   `toml:"api_key"`
	HTTPTimeout      duration `toml:"http_timeout"`
	Simulated        bool     `toml:"simulated"`
	WebhookSecret    string   `toml:"webhook_secret"`    // empty disables callback signature checks
	WebhookTolerance duration `toml:"webhook_tolerance"` // allowed callback timestamp skew
}

// IntakeConfig tunes close request admission.
type IntakeConfig struct {
	LockTimeout duration `toml:"lock_timeout"` // position row-lock acquisition bound
	MaxRetries  int      `toml:"max_retries"`  // retry budget per close request
}

// RelayConfig tunes the outbox relay workers.
type RelayConfig struct {
	PollInterval  duration `toml:"poll_interval"`
	SubmitTimeout duration `toml:"submit_timeout"`
	MaxAttempts   int      `toml:"max_attempts"`
	BackoffBase   duration `toml:"backoff_base"`
	BackoffMax    duration `toml:"backoff_max"`
}

// ReconcileConfig tunes the reconciler sweeps.
type ReconcileConfig struct {
	Interval          duration `toml:"interval"`
	ZombiePendingAge  duration `toml:"zombie_pending_age"`
	StuckSubmittedAge duration `toml:"stuck_submitted_age"`
	QueryTimeout      duration `toml:"query_timeout"`
	LockTTL           duration `toml:"lock_ttl"`
}

// ArchiveConfig tunes terminal close request export to cold storage.
type ArchiveConfig struct {
	Enabled       bool     `toml:"enabled"`
	Interval      duration `toml:"interval"`
	RetentionDays int      `toml:"retention_days"` // terminal requests older than this are exported
	BatchLimit    int      `toml:"batch_limit"`
}

// ServerConfig holds the HTTP API parameters.
type ServerConfig struct {
	Enabled     bool     `toml:"enabled"`
	Port        int      `toml:"port"`
	CORSOrigins []string `toml:"cors_origins"`
	APIKey      string   `toml:"api_key"`
	RateLimit   int      `toml:"rate_limit"` // requests per window per client, 0 disables
	RateWindow  duration `toml:"rate_window"`
}

// NotifyConfig holds operator alerting channels.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// duration is a wrapper around time.Duration that supports TOML string
// decoding, so config files can use values like "5m" or "30s".
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns a Config populated with reasonable default values.
// These match the values in config.example.toml.
func Defaults() Config {
	return Config{
		Database: DatabaseConfig{
			DSN:           "",
			Host:          "localhost",
			Port:          5432,
			Database:      "unwind",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Addr:       "localhost:6379",
			DB:         0,
			PoolSize:   20,
			MaxRetries: 3,
			TLSEnabled: false,
		},
		S3: S3Config{
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "unwind-archive",
			UseSSL:         false,
			ForcePathStyle: true,
		},
		Broker: BrokerConfig{
			BaseURL:          "",
			HTTPTimeout:      duration{10 * time.Second},
			Simulated:        true,
			WebhookTolerance: duration{5 * time.Minute},
		},
		Intake: IntakeConfig{
			LockTimeout: duration{500 * time.Millisecond},
			MaxRetries:  3,
		},
		Relay: RelayConfig{
			PollInterval:  duration{1 * time.Second},
			SubmitTimeout: duration{10 * time.Second},
			MaxAttempts:   5,
			BackoffBase:   duration{2 * time.Second},
			BackoffMax:    duration{1 * time.Minute},
		},
		Reconcile: ReconcileConfig{
			Interval:          duration{5 * time.Minute},
			ZombiePendingAge:  duration{2 * time.Minute},
			StuckSubmittedAge: duration{10 * time.Minute},
			QueryTimeout:      duration{30 * time.Second},
			LockTTL:           duration{4 * time.Minute},
		},
		Archive: ArchiveConfig{
			Enabled:       false,
			Interval:      duration{24 * time.Hour},
			RetentionDays: 30,
			BatchLimit:    500,
		},
		Server: ServerConfig{
			Enabled:     true,
			Port:        8000,
			CORSOrigins: []string{"http://localhost:3000", "http://localhost:5173"},
			RateLimit:   0,
			RateWindow:  duration{1 * time.Minute},
		},
		Notify: NotifyConfig{
			Events: []string{"close_failed", "invariant_violation"},
		},
		Mode:     "serve",
		LogLevel: "info",
	}
}

// validModes enumerates the accepted values for Config.Mode.
//
//	serve  - API server plus all background workers in one process
//	api    - API server only
//	worker - relay, reconciler and archiver only
var validModes = map[string]bool{
	"serve":  true,
	"api":    true,
	"worker": true,
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
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: serve, api, worker)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Database
	if strings.TrimSpace(c.Database.DSN) == "" {
		if c.Database.Host == "" {
			errs = append(errs, "database: host must not be empty (or set database.dsn)")
		}
		if c.Database.Port <= 0 || c.Database.Port > 65535 {
			errs = append(errs, fmt.Sprintf("database: port must be 1-65535, got %d", c.Database.Port))
		}
		if c.Database.Database == "" {
			errs = append(errs, "database: database must not be empty")
		}
	}
	if c.Database.PoolMaxConns < 1 {
		errs = append(errs, "database: pool_max_conns must be >= 1")
	}
	if c.Database.PoolMinConns < 0 {
		errs = append(errs, "database: pool_min_conns must be >= 0")
	}
	if c.Database.PoolMinConns > c.Database.PoolMaxConns {
		errs = append(errs, "database: pool_min_conns must not exceed pool_max_conns")
	}

	// Redis
	if c.Redis.Addr == "" {
		errs = append(errs, "redis: addr must not be empty")
	}
	if c.Redis.PoolSize < 1 {
		errs = append(errs, "redis: pool_size must be >= 1")
	}

	// S3 settings are only required when archiving is on.
	if c.Archive.Enabled {
		if c.S3.Endpoint == "" && c.S3.Region == "" {
			errs = append(errs, "s3: endpoint or region must be set when archive is enabled")
		}
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty when archive is enabled")
		}
		if c.Archive.RetentionDays < 1 {
			errs = append(errs, "archive: retention_days must be >= 1")
		}
		if c.Archive.BatchLimit < 1 {
			errs = append(errs, "archive: batch_limit must be >= 1")
		}
	}

	// Broker
	if !c.Broker.Simulated {
		if c.Broker.BaseURL == "" {
			errs = append(errs, "broker: base_url must not be empty (or set broker.simulated)")
		}
	}
	if c.Broker.HTTPTimeout.Duration <= 0 {
		errs = append(errs, "broker: http_timeout must be > 0")
	}

	// Intake
	if c.Intake.LockTimeout.Duration <= 0 {
		errs = append(errs, "intake: lock_timeout must be > 0")
	}
	if c.Intake.MaxRetries < 0 {
		errs = append(errs, "intake: max_retries must be >= 0")
	}

	// Relay
	if c.Relay.PollInterval.Duration <= 0 {
		errs = append(errs, "relay: poll_interval must be > 0")
	}
	if c.Relay.SubmitTimeout.Duration <= 0 {
		errs = append(errs, "relay: submit_timeout must be > 0")
	}
	if c.Relay.MaxAttempts < 1 {
		errs = append(errs, "relay: max_attempts must be >= 1")
	}
	if c.Relay.BackoffBase.Duration <= 0 {
		errs = append(errs, "relay: backoff_base must be > 0")
	}
	if c.Relay.BackoffMax.Duration < c.Relay.BackoffBase.Duration {
		errs = append(errs, "relay: backoff_max must be >= backoff_base")
	}

	// Reconcile
	if c.Reconcile.Interval.Duration <= 0 {
		errs = append(errs, "reconcile: interval must be > 0")
	}
	if c.Reconcile.ZombiePendingAge.Duration <= 0 {
		errs = append(errs, "reconcile: zombie_pending_age must be > 0")
	}
	if c.Reconcile.StuckSubmittedAge.Duration <= 0 {
		errs = append(errs, "reconcile: stuck_submitted_age must be > 0")
	}
	if c.Reconcile.LockTTL.Duration <= 0 {
		errs = append(errs, "reconcile: lock_ttl must be > 0")
	}

	// Server
	if c.Server.Enabled {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
		}
		if c.Server.RateLimit > 0 && c.Server.RateWindow.Duration <= 0 {
			errs = append(errs, "server: rate_window must be > 0 when rate_limit is set")
		}
	}

	// Telegram fields must be set together.
	tt := c.Notify.TelegramToken != ""
	tc := c.Notify.TelegramChatID != ""
	if tt != tc {
		errs = append(errs, "notify: telegram_token and telegram_chat_id must be set together")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
