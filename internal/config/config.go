// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/maghrebdata/courtpubs/internal/normalize"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Auth    AuthConfig    `mapstructure:"auth"`
	Source  SourceConfig  `mapstructure:"source"`
	HTTP    HTTPConfig    `mapstructure:"http"`
	Scraper ScraperConfig `mapstructure:"scraper"`
	Storage StorageConfig `mapstructure:"storage"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// SourceConfig identifies the publications site being scraped.
type SourceConfig struct {
	BaseURL         string   `mapstructure:"base_url"`
	PublicationsURL string   `mapstructure:"publications_url"`
	Categories      []string `mapstructure:"categories"`
}

// HTTPConfig configures outbound fetch behavior: timeouts, retry with
// backoff, and the polite inter-request delay.
type HTTPConfig struct {
	UserAgent        string `mapstructure:"user_agent"`
	TimeoutSeconds   int    `mapstructure:"timeout_seconds"`
	MaxRetries       int    `mapstructure:"max_retries"`
	BackoffInitialMs int    `mapstructure:"backoff_initial_ms"`
	BackoffMaxMs     int    `mapstructure:"backoff_max_ms"`
	MinDelayMs       int    `mapstructure:"min_delay_ms"`
	RespectRobots    bool   `mapstructure:"respect_robots"`
}

// ScraperConfig governs crawl run behavior.
type ScraperConfig struct {
	DefaultMaxPages int  `mapstructure:"default_max_pages"`
	FetchDetails    bool `mapstructure:"fetch_details"`
}

// StorageConfig selects and parameterizes the corpus store.
type StorageConfig struct {
	// Provider is "json" or "sqlite".
	Provider   string `mapstructure:"provider"`
	DataDir    string `mapstructure:"data_dir"`
	SQLitePath string `mapstructure:"sqlite_path"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("COURTPUBS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("source.base_url", "https://www.courdescomptes.ma")
	v.SetDefault("source.publications_url", "https://www.courdescomptes.ma/publications/")
	v.SetDefault("source.categories", normalize.DefaultCategories)
	v.SetDefault("http.user_agent", "courtpubs-bot/0.1")
	v.SetDefault("http.timeout_seconds", 30)
	v.SetDefault("http.max_retries", 3)
	v.SetDefault("http.backoff_initial_ms", 250)
	v.SetDefault("http.backoff_max_ms", 8000)
	v.SetDefault("http.min_delay_ms", 1000)
	v.SetDefault("http.respect_robots", false)
	v.SetDefault("scraper.default_max_pages", 10)
	v.SetDefault("scraper.fetch_details", true)
	v.SetDefault("storage.provider", "json")
	v.SetDefault("storage.data_dir", "data")
	v.SetDefault("storage.sqlite_path", "data/publications.db")
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Source.PublicationsURL == "" {
		return fmt.Errorf("source.publications_url must be set")
	}
	if c.HTTP.TimeoutSeconds <= 0 {
		return fmt.Errorf("http.timeout_seconds must be > 0")
	}
	if c.HTTP.MaxRetries < 0 {
		return fmt.Errorf("http.max_retries must be >= 0")
	}
	if c.Scraper.DefaultMaxPages <= 0 {
		return fmt.Errorf("scraper.default_max_pages must be > 0")
	}
	switch c.Storage.Provider {
	case "json":
		if c.Storage.DataDir == "" {
			return fmt.Errorf("storage.data_dir must be set for the json provider")
		}
	case "sqlite":
		if c.Storage.SQLitePath == "" {
			return fmt.Errorf("storage.sqlite_path must be set for the sqlite provider")
		}
	default:
		return fmt.Errorf("storage.provider must be json or sqlite, got %q", c.Storage.Provider)
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	return nil
}

// FetchTimeout converts the HTTP timeout config into a duration.
func (c Config) FetchTimeout() time.Duration {
	return time.Duration(c.HTTP.TimeoutSeconds) * time.Second
}

// RunBudget bounds the wall-clock time of one crawl run: every page gets
// the full retry schedule plus the polite delay, with slack for parsing.
func (c Config) RunBudget(maxPages int) time.Duration {
	if maxPages <= 0 {
		maxPages = c.Scraper.DefaultMaxPages
	}
	perAttempt := c.FetchTimeout() + time.Duration(c.HTTP.BackoffMaxMs)*time.Millisecond
	perPage := perAttempt*time.Duration(c.HTTP.MaxRetries+1) +
		time.Duration(c.HTTP.MinDelayMs)*time.Millisecond
	return perPage*time.Duration(maxPages) + 30*time.Second
}
