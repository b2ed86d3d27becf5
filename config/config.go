// Package config loads the escrow service configuration from YAML with
// CARD_ESCROW_* environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration to support YAML unmarshalling.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses human readable duration strings.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be string")
	}
	raw := value.Value
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

// Config captures runtime configuration for the escrow service.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Trades   TradesConfig   `yaml:"trades"`
	Auth     AuthConfig     `yaml:"auth"`
	Log      LogConfig      `yaml:"log"`
}

type ServerConfig struct {
	Addr            string   `yaml:"addr"`
	CORSOrigins     []string `yaml:"cors_origins"`
	ShutdownTimeout Duration `yaml:"shutdown_timeout"`
	// EnableScenarios mounts the demo data loader.
	EnableScenarios bool `yaml:"enable_scenarios"`
}

// DatabaseConfig selects the store. Driver is sqlite, postgres or memory.
type DatabaseConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

type TradesConfig struct {
	DefaultExpiry Duration `yaml:"default_expiry"`
	SweepInterval Duration `yaml:"sweep_interval"`
	SweepBatch    int      `yaml:"sweep_batch"`
	SweepWorkers  int      `yaml:"sweep_workers"`
	RetentionDays int      `yaml:"retention_days"`
}

// AuthConfig: with a JWT secret, callers authenticate with HS256 bearer
// tokens; without one the X-User-Id header is trusted (development only).
type AuthConfig struct {
	JWTSecret string   `yaml:"jwt_secret"`
	Admins    []string `yaml:"admins"`
}

type LogConfig struct {
	Level      string `yaml:"level"`
	Env        string `yaml:"env"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

// Default returns the configuration used when no file is given.
func Default() Config {
	cfg := Config{}
	applyDefaults(&cfg)
	return cfg
}

// Load reads configuration from the supplied path. An empty path skips the
// file. Environment overrides are applied after the file, then defaults.
func Load(path string) (Config, error) {
	cfg := Config{}
	if path != "" {
		file, err := os.Open(path)
		if err != nil {
			return cfg, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()
		dec := yaml.NewDecoder(file)
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil {
			return cfg, fmt.Errorf("decode config: %w", err)
		}
	}
	if err := applyEnv(&cfg); err != nil {
		return cfg, err
	}
	applyDefaults(&cfg)
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) error {
	str := func(key string, dst *string) {
		if v, ok := os.LookupEnv("CARD_ESCROW_" + key); ok {
			*dst = strings.TrimSpace(v)
		}
	}
	list := func(key string, dst *[]string) {
		if v, ok := os.LookupEnv("CARD_ESCROW_" + key); ok {
			*dst = splitList(v)
		}
	}
	str("ADDR", &cfg.Server.Addr)
	list("CORS_ORIGINS", &cfg.Server.CORSOrigins)
	str("DB_DRIVER", &cfg.Database.Driver)
	str("DB_DSN", &cfg.Database.DSN)
	str("JWT_SECRET", &cfg.Auth.JWTSecret)
	list("ADMINS", &cfg.Auth.Admins)
	str("LOG_LEVEL", &cfg.Log.Level)
	str("LOG_FILE", &cfg.Log.File)
	str("ENV", &cfg.Log.Env)

	if v, ok := os.LookupEnv("CARD_ESCROW_DEFAULT_EXPIRY"); ok {
		d, err := time.ParseDuration(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("CARD_ESCROW_DEFAULT_EXPIRY: %w", err)
		}
		cfg.Trades.DefaultExpiry.Duration = d
	}
	if v, ok := os.LookupEnv("CARD_ESCROW_SWEEP_INTERVAL"); ok {
		d, err := time.ParseDuration(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("CARD_ESCROW_SWEEP_INTERVAL: %w", err)
		}
		cfg.Trades.SweepInterval.Duration = d
	}
	if v, ok := os.LookupEnv("CARD_ESCROW_RETENTION_DAYS"); ok {
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("CARD_ESCROW_RETENTION_DAYS: %w", err)
		}
		cfg.Trades.RetentionDays = n
	}
	if v, ok := os.LookupEnv("CARD_ESCROW_ENABLE_SCENARIOS"); ok {
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("CARD_ESCROW_ENABLE_SCENARIOS: %w", err)
		}
		cfg.Server.EnableScenarios = b
	}
	return nil
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = ":8080"
	}
	if len(cfg.Server.CORSOrigins) == 0 {
		cfg.Server.CORSOrigins = []string{"*"}
	}
	if cfg.Server.ShutdownTimeout.Duration == 0 {
		cfg.Server.ShutdownTimeout.Duration = 10 * time.Second
	}
	if cfg.Database.Driver == "" {
		cfg.Database.Driver = DriverSQLite
	}
	if cfg.Database.DSN == "" && cfg.Database.Driver == DriverSQLite {
		cfg.Database.DSN = "escrow.db"
	}
	if cfg.Trades.DefaultExpiry.Duration == 0 {
		cfg.Trades.DefaultExpiry.Duration = 72 * time.Hour
	}
	if cfg.Trades.SweepInterval.Duration == 0 {
		cfg.Trades.SweepInterval.Duration = time.Minute
	}
	if cfg.Trades.SweepBatch <= 0 {
		cfg.Trades.SweepBatch = 500
	}
	if cfg.Trades.SweepWorkers <= 0 {
		cfg.Trades.SweepWorkers = 4
	}
	if cfg.Trades.RetentionDays == 0 {
		cfg.Trades.RetentionDays = 90
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.MaxSizeMB == 0 {
		cfg.Log.MaxSizeMB = 100
	}
	if cfg.Log.MaxBackups == 0 {
		cfg.Log.MaxBackups = 5
	}
	if cfg.Log.MaxAgeDays == 0 {
		cfg.Log.MaxAgeDays = 28
	}
}

// Validate reports every problem at once.
func (c Config) Validate() error {
	var errs []error
	switch c.Database.Driver {
	case DriverSQLite, DriverPostgres:
		if c.Database.DSN == "" {
			errs = append(errs, fmt.Errorf("database.dsn is required for %s", c.Database.Driver))
		}
	case DriverMemory:
	default:
		errs = append(errs, fmt.Errorf("database.driver %q is not one of sqlite, postgres, memory", c.Database.Driver))
	}
	if d := c.Trades.DefaultExpiry.Duration; d < time.Hour || d > 168*time.Hour {
		errs = append(errs, fmt.Errorf("trades.default_expiry %s must be between 1h and 168h", d))
	}
	if c.Trades.SweepInterval.Duration < time.Second {
		errs = append(errs, fmt.Errorf("trades.sweep_interval must be at least 1s"))
	}
	if c.Trades.RetentionDays < 1 {
		errs = append(errs, fmt.Errorf("trades.retention_days must be at least 1"))
	}
	return errors.Join(errs...)
}

// IsAdmin reports whether user is listed in auth.admins.
func (c AuthConfig) IsAdmin(user string) bool {
	for _, a := range c.Admins {
		if a == user {
			return true
		}
	}
	return false
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
