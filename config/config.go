// Package config loads tradeflow settings from a TOML file with environment
// overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

const (
	EnvDatabaseURL = "DATABASE_URL"
	EnvAddr        = "TRADEFLOW_ADDR"
	EnvJWTSecret   = "TRADEFLOW_JWT_SECRET"
	EnvLogLevel    = "TRADEFLOW_LOG_LEVEL"
	EnvLogFormat   = "TRADEFLOW_LOG_FORMAT"
	EnvBackend     = "TRADEFLOW_LEDGER_BACKEND"
	EnvSweep       = "TRADEFLOW_SWEEP_SCHEDULE"
)

const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
)

type Config struct {
	Name     string         `toml:"name"`
	Addr     string         `toml:"addr"`
	Log      LogConfig      `toml:"log"`
	Auth     AuthConfig     `toml:"auth"`
	Ledger   LedgerConfig   `toml:"ledger"`
	Database DatabaseConfig `toml:"database"`
	Offers   OfferConfig    `toml:"offers"`
	Codes    CodeConfig     `toml:"codes"`
	HTTP     HTTPConfig     `toml:"http"`
}

type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"` // console | json
}

type AuthConfig struct {
	JWTSecret string `toml:"jwt_secret"`
	Issuer    string `toml:"issuer"`
	TokenTTL  string `toml:"token_ttl"`
}

type LedgerConfig struct {
	Backend         string `toml:"backend"`
	MaxRetries      int    `toml:"max_retries"`
	InitialInterval string `toml:"initial_interval"`
	MaxInterval     string `toml:"max_interval"`
}

type DatabaseConfig struct {
	URL             string `toml:"url"`
	MaxConns        int32  `toml:"max_conns"`
	MaxConnLifetime string `toml:"max_conn_lifetime"`
	MaxConnIdleTime string `toml:"max_conn_idle_time"`
}

type OfferConfig struct {
	DefaultValidityDays int    `toml:"default_validity_days"`
	SweepSchedule       string `toml:"sweep_schedule"`
}

type CodeConfig struct {
	Length int    `toml:"length"`
	TTL    string `toml:"ttl"`
}

type HTTPConfig struct {
	RateLimit    float64 `toml:"rate_limit"`
	RateBurst    int     `toml:"rate_burst"`
	ReadTimeout  string  `toml:"read_timeout"`
	WriteTimeout string  `toml:"write_timeout"`
}

// Default returns the settings used when no file is given.
func Default() Config {
	return Config{
		Name: "tradeflow",
		Addr: ":8080",
		Log:  LogConfig{Level: "info", Format: "console"},
		Auth: AuthConfig{Issuer: "tradeflow", TokenTTL: "12h"},
		Ledger: LedgerConfig{
			Backend:         BackendMemory,
			MaxRetries:      8,
			InitialInterval: "5ms",
			MaxInterval:     "250ms",
		},
		Database: DatabaseConfig{
			MaxConns:        10,
			MaxConnLifetime: "30m",
			MaxConnIdleTime: "5m",
		},
		Offers: OfferConfig{DefaultValidityDays: 7, SweepSchedule: "@every 1m"},
		Codes:  CodeConfig{Length: 10},
		HTTP: HTTPConfig{
			RateLimit:    20,
			RateBurst:    40,
			ReadTimeout:  "10s",
			WriteTimeout: "30s",
		},
	}
}

// Load reads path over the defaults, applies environment overrides and
// validates the result. An empty path skips the file.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		if err := loadToml(path, &cfg); err != nil {
			return Config{}, err
		}
	}
	applyEnv(&cfg)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func loadToml(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config load failed (%s): %w", path, err)
	}
	if err := toml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("config parse failed (%s): %w", path, err)
	}
	return nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv(EnvDatabaseURL); v != "" {
		cfg.Database.URL = v
		if os.Getenv(EnvBackend) == "" {
			cfg.Ledger.Backend = BackendPostgres
		}
	}
	if v := os.Getenv(EnvAddr); v != "" {
		cfg.Addr = v
	}
	if v := os.Getenv(EnvJWTSecret); v != "" {
		cfg.Auth.JWTSecret = v
	}
	if v := os.Getenv(EnvLogLevel); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv(EnvLogFormat); v != "" {
		cfg.Log.Format = v
	}
	if v := os.Getenv(EnvBackend); v != "" {
		cfg.Ledger.Backend = v
	}
	if v := os.Getenv(EnvSweep); v != "" {
		cfg.Offers.SweepSchedule = v
	}
}

// Validate reports the first invalid setting.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Addr) == "" {
		return fmt.Errorf("config missing addr")
	}
	switch c.Ledger.Backend {
	case BackendMemory:
	case BackendPostgres:
		if strings.TrimSpace(c.Database.URL) == "" {
			return fmt.Errorf("postgres ledger requires database url")
		}
	default:
		return fmt.Errorf("unknown ledger backend %q", c.Ledger.Backend)
	}
	switch strings.ToLower(c.Log.Format) {
	case "", "console", "json":
	default:
		return fmt.Errorf("unknown log format %q", c.Log.Format)
	}
	if c.Ledger.MaxRetries < 0 {
		return fmt.Errorf("ledger max_retries must not be negative")
	}
	if c.Offers.DefaultValidityDays <= 0 {
		return fmt.Errorf("offers default_validity_days must be positive")
	}
	if c.Codes.Length != 0 && c.Codes.Length < 8 {
		return fmt.Errorf("codes length must be at least 8")
	}
	if c.HTTP.RateLimit < 0 || c.HTTP.RateBurst < 0 {
		return fmt.Errorf("http rate limit must not be negative")
	}
	durations := map[string]string{
		"auth.token_ttl":              c.Auth.TokenTTL,
		"ledger.initial_interval":     c.Ledger.InitialInterval,
		"ledger.max_interval":         c.Ledger.MaxInterval,
		"database.max_conn_lifetime":  c.Database.MaxConnLifetime,
		"database.max_conn_idle_time": c.Database.MaxConnIdleTime,
		"codes.ttl":                   c.Codes.TTL,
		"http.read_timeout":           c.HTTP.ReadTimeout,
		"http.write_timeout":          c.HTTP.WriteTimeout,
	}
	for name, raw := range durations {
		if _, err := parseDuration(raw); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	return nil
}

// Duration parses a duration setting. Empty means zero.
func Duration(raw string) time.Duration {
	d, _ := parseDuration(raw)
	return d
}

func parseDuration(raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	if n, err := strconv.Atoi(raw); err == nil {
		return time.Duration(n) * time.Second, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q", raw)
	}
	if d < 0 {
		return 0, fmt.Errorf("negative duration %q", raw)
	}
	return d, nil
}
