// Package config loads service configuration from environment variables and
// an optional YAML file.
package config

import (
	"errors"
	"os"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

// Config is the root application configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Auth     AuthConfig     `yaml:"auth"`
	Recon    ReconConfig    `yaml:"reconciliation"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Addr            string        `yaml:"addr"             env:"SERVER_ADDR"             env-default:":8080"`
	ReadTimeout     time.Duration `yaml:"read_timeout"     env:"SERVER_READ_TIMEOUT"     env-default:"15s"`
	WriteTimeout    time.Duration `yaml:"write_timeout"    env:"SERVER_WRITE_TIMEOUT"    env-default:"15s"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"     env:"SERVER_IDLE_TIMEOUT"     env-default:"60s"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SERVER_SHUTDOWN_TIMEOUT" env-default:"10s"`
	RateLimitPerSec int           `yaml:"rate_limit_per_sec" env:"SERVER_RATE_LIMIT_PER_SEC" env-default:"50"`
	RateLimitBurst  int           `yaml:"rate_limit_burst"   env:"SERVER_RATE_LIMIT_BURST"   env-default:"100"`
}

// DatabaseConfig holds PostgreSQL connection settings. An empty DSN keeps
// the service on the in-memory ledger (dev/smoke mode).
type DatabaseConfig struct {
	DSN             string        `yaml:"dsn"                env:"HOURBANK_PG_DSN"`
	MaxOpenConns    int           `yaml:"max_open_conns"     env:"HOURBANK_PG_MAX_OPEN_CONNS" env-default:"50"`
	MaxIdleConns    int           `yaml:"max_idle_conns"     env:"HOURBANK_PG_MAX_IDLE_CONNS" env-default:"25"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"  env:"HOURBANK_PG_CONN_MAX_LIFETIME" env-default:"15m"`
}

// AuthConfig holds bearer-token settings.
type AuthConfig struct {
	Secret   string        `yaml:"secret"    env:"HOURBANK_AUTH_SECRET"`
	Issuer   string        `yaml:"issuer"    env:"HOURBANK_AUTH_ISSUER" env-default:"hourbank"`
	TokenTTL time.Duration `yaml:"token_ttl" env:"HOURBANK_AUTH_TOKEN_TTL" env-default:"15m"`
}

// ReconConfig holds reconciliation settings. The daily threshold is a named
// constant rather than a literal so tenants with different working days can
// override it per deployment.
type ReconConfig struct {
	DailyThresholdMinutes int `yaml:"daily_threshold_minutes" env:"RECON_DAILY_THRESHOLD_MINUTES" env-default:"480"`
	Workers               int `yaml:"workers"                 env:"RECON_WORKERS"                 env-default:"4"`
}

// Load reads configuration from path (when it exists) and the environment.
// Environment variables win over file values.
func Load(path string) (Config, error) {
	var cfg Config
	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if err := cleanenv.ReadConfig(path, &cfg); err != nil {
				return Config{}, err
			}
			return cfg, validate(cfg)
		}
	}
	if err := cleanenv.ReadEnv(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, validate(cfg)
}

func validate(cfg Config) error {
	if cfg.Recon.DailyThresholdMinutes <= 0 {
		return errors.New("config: daily threshold must be > 0")
	}
	if cfg.Recon.Workers <= 0 {
		return errors.New("config: reconciliation workers must be > 0")
	}
	return nil
}
