// Package config loads the portfolio engine settings from a YAML file and
// the environment. Environment variables take precedence over the file.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds every runtime setting.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Store   StoreConfig   `yaml:"store"`
	Quotes  QuotesConfig  `yaml:"quotes"`
	Refresh RefreshConfig `yaml:"refresh"`
	Logging struct {
		Level string `yaml:"level"`
	} `yaml:"logging"`
}

type ServerConfig struct {
	Port            string        `yaml:"port"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// StoreConfig selects the persistence backend: Postgres when DatabaseURL is
// set, else the JSON file at File, else process memory. RedisURL adds a
// read-through cache in front of whichever is chosen.
type StoreConfig struct {
	DatabaseURL string        `yaml:"database_url"`
	RedisURL    string        `yaml:"redis_url"`
	CacheTTL    time.Duration `yaml:"cache_ttl"`
	File        string        `yaml:"file"`
	PortfolioID string        `yaml:"portfolio_id"`
}

// QuotesConfig configures the market data provider. Without an API key the
// engine falls back to a static provider.
type QuotesConfig struct {
	APIKey         string        `yaml:"api_key"`
	BaseURL        string        `yaml:"base_url"`
	Timeout        time.Duration `yaml:"timeout"`
	MaxConcurrent  int           `yaml:"max_concurrent"`
	SearchDebounce time.Duration `yaml:"search_debounce"`
	SearchLimit    int           `yaml:"search_limit"`
}

type RefreshConfig struct {
	Interval  time.Duration `yaml:"interval"` // 0 disables periodic refresh
	OnStartup bool          `yaml:"on_startup"`
}

// Default returns the built-in settings.
func Default() *Config {
	cfg := &Config{
		Server: ServerConfig{
			Port:            "8080",
			ShutdownTimeout: 5 * time.Second,
		},
		Store: StoreConfig{
			CacheTTL:    30 * time.Second,
			PortfolioID: "default",
		},
		Quotes: QuotesConfig{
			Timeout:        10 * time.Second,
			MaxConcurrent:  4,
			SearchDebounce: 300 * time.Millisecond,
			SearchLimit:    5,
		},
		Refresh: RefreshConfig{
			OnStartup: true,
		},
	}
	cfg.Logging.Level = "info"
	return cfg
}

// Load reads the YAML file at path over the defaults, applies environment
// overrides and validates the result. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	overrideWithEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func overrideWithEnv(cfg *Config) {
	if v := os.Getenv("PORT"); v != "" {
		cfg.Server.Port = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Store.DatabaseURL = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.Store.RedisURL = v
	}
	if v := os.Getenv("PORTFOLIO_FILE"); v != "" {
		cfg.Store.File = v
	}
	if v := os.Getenv("PORTFOLIO_ID"); v != "" {
		cfg.Store.PortfolioID = v
	}
	if v := os.Getenv("ALPHAVANTAGE_API_KEY"); v != "" {
		cfg.Quotes.APIKey = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
}

// Validate checks configuration validity.
func (c *Config) Validate() error {
	port, err := strconv.Atoi(c.Server.Port)
	if err != nil || port < 1 || port > 65535 {
		return fmt.Errorf("invalid server port: %q", c.Server.Port)
	}
	if c.Server.ShutdownTimeout <= 0 {
		return fmt.Errorf("shutdown timeout must be positive")
	}

	if c.Store.PortfolioID == "" {
		return fmt.Errorf("portfolio id is required")
	}
	if c.Store.RedisURL != "" && c.Store.CacheTTL <= 0 {
		return fmt.Errorf("cache ttl must be positive when redis is enabled")
	}

	if c.Quotes.Timeout <= 0 {
		return fmt.Errorf("quote timeout must be positive")
	}
	if c.Quotes.MaxConcurrent <= 0 {
		return fmt.Errorf("max concurrent quote queries must be positive")
	}
	if c.Quotes.SearchDebounce < 0 {
		return fmt.Errorf("search debounce must not be negative")
	}
	if c.Quotes.SearchLimit <= 0 {
		return fmt.Errorf("search limit must be positive")
	}

	if c.Refresh.Interval < 0 {
		return fmt.Errorf("refresh interval must not be negative")
	}

	if _, err := parseLevel(c.Logging.Level); err != nil {
		return err
	}
	return nil
}

// LogLevel returns the configured slog level.
func (c *Config) LogLevel() slog.Level {
	lvl, _ := parseLevel(c.Logging.Level)
	return lvl
}

func parseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("unknown log level: %q", s)
}
