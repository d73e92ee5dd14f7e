package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "rewards.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestDefault_IsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 48*time.Hour, cfg.Ledger.IdempotencyTTL)
	assert.Equal(t, 2, cfg.Streak.MaxFreezes)
	assert.Equal(t, 6, cfg.Queue.MaxAttempts)
	assert.Equal(t, time.UTC, cfg.Location())
}

func TestLoad_File(t *testing.T) {
	path := writeFile(t, `
[server]
port = 9090
request_timeout = "5s"

[database]
path = "/tmp/rewards.db"

[ledger]
idempotency_ttl = "72h"

[streak]
default_timezone = "Europe/Paris"
max_freezes = 3
initial_freezes = 2

[projector]
interval = "1s"
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, 5*time.Second, cfg.Server.RequestTimeout)
	assert.Equal(t, "/tmp/rewards.db", cfg.Database.Path)
	assert.Equal(t, 72*time.Hour, cfg.Ledger.IdempotencyTTL)
	assert.Equal(t, 3, cfg.Streak.MaxFreezes)
	assert.Equal(t, 2, cfg.Streak.InitialFreezes)
	assert.Equal(t, 1, cfg.Streak.MonthlyGrant, "unset keys keep defaults")
	assert.Equal(t, time.Second, cfg.Projector.Interval)
	assert.Equal(t, "Europe/Paris", cfg.Location().String())
}

func TestLoad_RejectsUnknownKeys(t *testing.T) {
	path := writeFile(t, `
[server]
prot = 9090
`)
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "server.prot")
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := writeFile(t, `
[server]
port = 9090
`)
	t.Setenv("REWARDS_PORT", "7070")
	t.Setenv("REWARDS_DB", ":memory:")
	t.Setenv("REWARDS_IDEMPOTENCY_TTL", "24h")
	t.Setenv("REWARDS_ALLOWED_ORIGINS", "https://a.example,https://b.example")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 7070, cfg.Server.Port)
	assert.Equal(t, ":memory:", cfg.Database.Path)
	assert.Equal(t, 24*time.Hour, cfg.Ledger.IdempotencyTTL)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.Server.AllowedOrigins)
}

func TestLoad_BadEnvValue(t *testing.T) {
	t.Setenv("REWARDS_PORT", "eighty")
	_, err := Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "REWARDS_PORT")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"port", func(c *Config) { c.Server.Port = 0 }, "server.port"},
		{"ttl too short", func(c *Config) { c.Ledger.IdempotencyTTL = time.Hour }, "idempotency_ttl"},
		{"ttl too long", func(c *Config) { c.Ledger.IdempotencyTTL = 96 * time.Hour }, "idempotency_ttl"},
		{"level", func(c *Config) { c.Log.Level = "loud" }, "log.level"},
		{"format", func(c *Config) { c.Log.Format = "xml" }, "log.format"},
		{"timezone", func(c *Config) { c.Streak.DefaultTimezone = "Mars/Olympus" }, "default_timezone"},
		{"freezes", func(c *Config) { c.Streak.InitialFreezes = 5 }, "initial_freezes"},
		{"batch", func(c *Config) { c.Projector.BatchSize = 0 }, "batch_size"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestNewLogger(t *testing.T) {
	log, err := Log{Level: "debug", Format: "console"}.NewLogger()
	require.NoError(t, err)
	assert.NotNil(t, log)

	_, err = Log{Level: "loud"}.NewLogger()
	assert.Error(t, err)
}
