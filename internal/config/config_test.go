package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultsValidate(t *testing.T) {
	cfg := Defaults()
	assert.NoError(t, cfg.Validate())
}

func TestValidateCollectsErrors(t *testing.T) {
	cfg := Defaults()
	cfg.Mode = "turbo"
	cfg.LogLevel = "loud"
	cfg.Redis.Addr = ""
	cfg.Relay.BackoffBase = duration{10 * time.Second}
	cfg.Relay.BackoffMax = duration{1 * time.Second}

	err := cfg.Validate()
	require.Error(t, err)
	assert.ErrorContains(t, err, `unknown mode "turbo"`)
	assert.ErrorContains(t, err, `unknown log_level "loud"`)
	assert.ErrorContains(t, err, "redis: addr must not be empty")
	assert.ErrorContains(t, err, "backoff_max must be >= backoff_base")
}

func TestValidateModeCaseInsensitive(t *testing.T) {
	cfg := Defaults()
	cfg.Mode = "WORKER"
	assert.NoError(t, cfg.Validate())
}

func TestValidateDSNSkipsHostChecks(t *testing.T) {
	cfg := Defaults()
	cfg.Database.DSN = "postgres://app:pw@db:5432/unwind"
	cfg.Database.Host = ""
	cfg.Database.Database = ""
	assert.NoError(t, cfg.Validate())
}

func TestValidateS3OnlyWhenArchiveEnabled(t *testing.T) {
	cfg := Defaults()
	cfg.S3.Bucket = ""
	assert.NoError(t, cfg.Validate())

	cfg.Archive.Enabled = true
	err := cfg.Validate()
	require.Error(t, err)
	assert.ErrorContains(t, err, "s3: bucket must not be empty")
}

func TestValidateRealBrokerNeedsBaseURL(t *testing.T) {
	cfg := Defaults()
	cfg.Broker.Simulated = false
	err := cfg.Validate()
	require.Error(t, err)
	assert.ErrorContains(t, err, "broker: base_url must not be empty")
}

func TestValidateTelegramFieldsPaired(t *testing.T) {
	cfg := Defaults()
	cfg.Notify.TelegramToken = "123:abc"
	err := cfg.Validate()
	require.Error(t, err)
	assert.ErrorContains(t, err, "telegram_token and telegram_chat_id must be set together")

	cfg.Notify.TelegramChatID = "-100123"
	assert.NoError(t, cfg.Validate())
}

func TestLoadMergesFileOverDefaults(t *testing.T) {
	path := writeConfig(t, `
mode = "worker"
log_level = "debug"

[database]
host = "db.internal"
port = 5433

[relay]
max_attempts = 8
backoff_base = "5s"
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "worker", cfg.Mode)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "db.internal", cfg.Database.Host)
	assert.Equal(t, 5433, cfg.Database.Port)
	assert.Equal(t, 8, cfg.Relay.MaxAttempts)
	assert.Equal(t, 5*time.Second, cfg.Relay.BackoffBase.Duration)

	// untouched sections keep defaults
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
	assert.Equal(t, 10*time.Second, cfg.Relay.SubmitTimeout.Duration)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.toml"))
	assert.True(t, os.IsNotExist(err))
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("UNWIND_DATABASE_PASSWORD", "hunter2")
	t.Setenv("UNWIND_BROKER_WEBHOOK_SECRET", "whsec")
	t.Setenv("UNWIND_RELAY_POLL_INTERVAL", "250ms")
	t.Setenv("UNWIND_SERVER_ENABLED", "false")
	t.Setenv("UNWIND_SERVER_CORS_ORIGINS", "https://a.example, https://b.example")
	t.Setenv("UNWIND_MODE", "api")

	cfg := Defaults()
	applyEnvOverrides(&cfg)

	assert.Equal(t, "hunter2", cfg.Database.Password)
	assert.Equal(t, "whsec", cfg.Broker.WebhookSecret)
	assert.Equal(t, 250*time.Millisecond, cfg.Relay.PollInterval.Duration)
	assert.False(t, cfg.Server.Enabled)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.Server.CORSOrigins)
	assert.Equal(t, "api", cfg.Mode)
}

func TestEnvOverrideBadValueIgnored(t *testing.T) {
	t.Setenv("UNWIND_RELAY_MAX_ATTEMPTS", "lots")
	t.Setenv("UNWIND_RELAY_BACKOFF_BASE", "soon")

	cfg := Defaults()
	applyEnvOverrides(&cfg)

	assert.Equal(t, 5, cfg.Relay.MaxAttempts)
	assert.Equal(t, 2*time.Second, cfg.Relay.BackoffBase.Duration)
}

func TestDurationText(t *testing.T) {
	var d duration
	require.NoError(t, d.UnmarshalText([]byte("90s")))
	assert.Equal(t, 90*time.Second, d.Duration)

	out, err := d.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "1m30s", string(out))

	assert.Error(t, d.UnmarshalText([]byte("nope")))
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}
