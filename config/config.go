/*
Package config loads rewardsd settings.

SOURCES (later wins):
  1. Defaults (Default)
  2. TOML file (--config), unknown keys rejected
  3. .env file, if present
  4. REWARDS_* environment variables

EXAMPLE FILE:
  [server]
  port = 8080
  allowed_origins = ["https://app.example.com"]
  request_timeout = "10s"

  [database]
  path = "./data/rewards.db"

  [log]
  level = "info"
  format = "json"

  [ledger]
  idempotency_ttl = "48h"
  max_attempts = 5

  [streak]
  default_timezone = "Europe/Paris"
  max_freezes = 2
  initial_freezes = 1
  monthly_grant = 1
  max_uses_per_month = 2

  [achievements]
  file = "./achievements.yaml"

  [projector]
  interval = "5s"
  batch_size = 100
  purge_interval = "1h"

  [queue]
  path = "./data/queue.db"
  server_url = "http://localhost:8080"
  max_attempts = 6
  attempt_timeout = "15s"
  poll_interval = "30s"

Durations are Go duration strings.
*/
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/warp/chore-rewards/ledger"
	"github.com/warp/chore-rewards/offline"
	"github.com/warp/chore-rewards/projector"
	"github.com/warp/chore-rewards/streak"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "REWARDS_"

// Idempotency keys must outlive every client retry window.
const (
	MinIdempotencyTTL = 24 * time.Hour
	MaxIdempotencyTTL = 72 * time.Hour
)

// Config is the full daemon and CLI configuration.
type Config struct {
	Server       Server       `toml:"server"`
	Database     Database     `toml:"database"`
	Log          Log          `toml:"log"`
	Ledger       Ledger       `toml:"ledger"`
	Streak       Streak       `toml:"streak"`
	Achievements Achievements `toml:"achievements"`
	Projector    Projector    `toml:"projector"`
	Queue        Queue        `toml:"queue"`
}

type Server struct {
	Port            int           `toml:"port"`
	AllowedOrigins  []string      `toml:"allowed_origins"`
	RequestTimeout  time.Duration `toml:"request_timeout"`
	ShutdownTimeout time.Duration `toml:"shutdown_timeout"`
}

// Database.Path is a SQLite file, or ":memory:" for a throwaway store.
type Database struct {
	Path string `toml:"path"`
}

type Log struct {
	Level  string `toml:"level"`
	Format string `toml:"format"` // json or console
}

type Ledger struct {
	IdempotencyTTL time.Duration `toml:"idempotency_ttl"`
	MaxAttempts    int           `toml:"max_attempts"`
}

// Streak holds the freeze policy and the timezone used for members that
// have not set their own.
type Streak struct {
	DefaultTimezone string `toml:"default_timezone"`
	streak.Policy
}

// Achievements.File replaces the built-in catalog when set.
type Achievements struct {
	File string `toml:"file"`
}

type Projector struct {
	Interval      time.Duration `toml:"interval"`
	BatchSize     int           `toml:"batch_size"`
	PurgeInterval time.Duration `toml:"purge_interval"`
}

// Queue configures the client-side offline queue used by `rewardsd queue`.
type Queue struct {
	Path           string        `toml:"path"`
	ServerURL      string        `toml:"server_url"`
	Token          string        `toml:"token"`
	MaxAttempts    int           `toml:"max_attempts"`
	AttemptTimeout time.Duration `toml:"attempt_timeout"`
	PollInterval   time.Duration `toml:"poll_interval"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Server: Server{
			Port:            8080,
			RequestTimeout:  15 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Database: Database{Path: "rewards.db"},
		Log:      Log{Level: "info", Format: "json"},
		Ledger: Ledger{
			IdempotencyTTL: ledger.DefaultIdempotencyTTL,
			MaxAttempts:    ledger.DefaultMaxAttempts,
		},
		Streak: Streak{
			DefaultTimezone: "UTC",
			Policy:          streak.DefaultPolicy(),
		},
		Projector: Projector{
			Interval:      projector.DefaultInterval,
			BatchSize:     projector.DefaultBatchSize,
			PurgeInterval: projector.DefaultPurgeInterval,
		},
		Queue: Queue{
			Path:           "queue.db",
			ServerURL:      "http://localhost:8080",
			MaxAttempts:    offline.DefaultMaxAttempts,
			AttemptTimeout: offline.DefaultAttemptTimeout,
			PollInterval:   offline.DefaultPollInterval,
		},
	}
}

// =============================================================================
// LOADING
// =============================================================================

// Load builds the configuration from defaults, the TOML file at path (if
// not empty), the .env file in the working directory and the environment.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		md, err := toml.DecodeFile(path, &cfg)
		if err != nil {
			return cfg, fmt.Errorf("failed to read config %s: %w", path, err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			keys := make([]string, len(undecoded))
			for i, k := range undecoded {
				keys[i] = k.String()
			}
			return cfg, fmt.Errorf("unknown config keys in %s: %s", path, strings.Join(keys, ", "))
		}
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return cfg, fmt.Errorf("failed to read .env: %w", err)
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

// applyEnv overrides fields from REWARDS_* variables.
func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(name string, dst *string) {
		if v, ok := lookup(EnvPrefix + name); ok && v != "" {
			*dst = v
		}
	}
	num := func(name string, dst *int) error {
		v, ok := lookup(EnvPrefix + name)
		if !ok || v == "" {
			return nil
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s%s: %w", EnvPrefix, name, err)
		}
		*dst = n
		return nil
	}
	dur := func(name string, dst *time.Duration) error {
		v, ok := lookup(EnvPrefix + name)
		if !ok || v == "" {
			return nil
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%s%s: %w", EnvPrefix, name, err)
		}
		*dst = d
		return nil
	}

	str("DB", &c.Database.Path)
	str("LOG_LEVEL", &c.Log.Level)
	str("LOG_FORMAT", &c.Log.Format)
	str("DEFAULT_TIMEZONE", &c.Streak.DefaultTimezone)
	str("ACHIEVEMENTS_FILE", &c.Achievements.File)
	str("QUEUE_PATH", &c.Queue.Path)
	str("SERVER_URL", &c.Queue.ServerURL)
	str("TOKEN", &c.Queue.Token)
	if v, ok := lookup(EnvPrefix + "ALLOWED_ORIGINS"); ok && v != "" {
		c.Server.AllowedOrigins = strings.Split(v, ",")
	}

	return errors.Join(
		num("PORT", &c.Server.Port),
		num("LEDGER_MAX_ATTEMPTS", &c.Ledger.MaxAttempts),
		dur("IDEMPOTENCY_TTL", &c.Ledger.IdempotencyTTL),
		dur("PROJECTOR_INTERVAL", &c.Projector.Interval),
		dur("REQUEST_TIMEOUT", &c.Server.RequestTimeout),
	)
}

// =============================================================================
// VALIDATION
// =============================================================================

// Validate reports every invalid setting at once.
func (c Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		add("server.port %d out of range", c.Server.Port)
	}
	if c.Database.Path == "" {
		add("database.path is required")
	}
	if _, err := zapcore.ParseLevel(c.Log.Level); err != nil {
		add("log.level: %v", err)
	}
	if c.Log.Format != "json" && c.Log.Format != "console" {
		add("log.format must be json or console, got %q", c.Log.Format)
	}
	if c.Ledger.IdempotencyTTL < MinIdempotencyTTL || c.Ledger.IdempotencyTTL > MaxIdempotencyTTL {
		add("ledger.idempotency_ttl %s must be between %s and %s",
			c.Ledger.IdempotencyTTL, MinIdempotencyTTL, MaxIdempotencyTTL)
	}
	if c.Ledger.MaxAttempts < 1 {
		add("ledger.max_attempts must be positive")
	}
	if _, err := time.LoadLocation(c.Streak.DefaultTimezone); err != nil {
		add("streak.default_timezone: %v", err)
	}
	p := c.Streak.Policy
	if p.MaxFreezes < 0 || p.InitialFreezes < 0 || p.MonthlyGrant < 0 || p.MaxUsesPerMonth < 0 {
		add("streak freeze counts must not be negative")
	}
	if p.InitialFreezes > p.MaxFreezes {
		add("streak.initial_freezes %d exceeds max_freezes %d", p.InitialFreezes, p.MaxFreezes)
	}
	if c.Projector.Interval <= 0 || c.Projector.PurgeInterval <= 0 {
		add("projector intervals must be positive")
	}
	if c.Projector.BatchSize < 1 {
		add("projector.batch_size must be positive")
	}
	if c.Queue.MaxAttempts < 1 {
		add("queue.max_attempts must be positive")
	}
	return errors.Join(errs...)
}

// Location returns the default member timezone. Call after Validate.
func (c Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Streak.DefaultTimezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// NewLogger builds the process logger.
func (l Log) NewLogger() (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(l.Level)
	if err != nil {
		return nil, err
	}
	zc := zap.NewProductionConfig()
	if l.Format == "console" {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}
