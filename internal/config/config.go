package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/adrg/xdg"
	"github.com/spf13/viper"
)

// EnvPrefix namespaces environment overrides, e.g. WEAVER_DB_DRIVER=memory.
const EnvPrefix = "WEAVER"

// Storage drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

// Config holds all runtime configuration parameters
type Config struct {
	SeedLocators      []string `mapstructure:"seed_locators"`
	BaseURL           string   `mapstructure:"base_url"`
	EntityCategory    string   `mapstructure:"entity_category"`
	ReferenceSnapshot string   `mapstructure:"reference_snapshot"`

	ConcurrentWorkers int    `mapstructure:"concurrent_workers"`
	RequestTimeoutMs  int    `mapstructure:"request_timeout_ms"`
	RetryAttempts     int    `mapstructure:"retry_attempts"`
	RetryDelayMs      int    `mapstructure:"retry_delay_ms"`
	CrawlDelayMs      int    `mapstructure:"crawl_delay_ms"`
	UserAgent         string `mapstructure:"user_agent"`

	DBDriver string `mapstructure:"db_driver"`
	DBPath   string `mapstructure:"db_path"`
	DBDSN    string `mapstructure:"db_dsn"`

	MetricsPath    string `mapstructure:"metrics_path"`
	MetricsAddr    string `mapstructure:"metrics_addr"`
	ResolveWorkers int    `mapstructure:"resolve_workers"`

	LogLevel  string `mapstructure:"log_level"`
	LogFormat string `mapstructure:"log_format"`

	// File is the config file actually read, empty when running on defaults.
	File string `mapstructure:"-"`
}

// LoadConfig reads configuration from a JSON or YAML file, then applies
// WEAVER_* environment overrides. A missing file is not an error.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var used string
	if path != "" {
		if _, err := os.Stat(path); err == nil {
			v.SetConfigFile(path)
			if err := v.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("failed to parse config file: %w", err)
			}
			used = v.ConfigFileUsed()
		} else if !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to open config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	cfg.File = used

	applyDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// setDefaults registers every key so AutomaticEnv can override it
func setDefaults(v *viper.Viper) {
	v.SetDefault("seed_locators", []string{})
	v.SetDefault("base_url", "https://wikimon.net")
	v.SetDefault("entity_category", "Category:Digimon")
	v.SetDefault("reference_snapshot", "")
	v.SetDefault("concurrent_workers", 1)
	v.SetDefault("request_timeout_ms", 10000)
	v.SetDefault("retry_attempts", 3)
	v.SetDefault("retry_delay_ms", 1000)
	v.SetDefault("crawl_delay_ms", 500)
	v.SetDefault("user_agent", "lineage-weaver/1.0 (+https://github.com/alvmarrod/lineage-weaver)")
	v.SetDefault("db_driver", DriverSQLite)
	v.SetDefault("db_path", "")
	v.SetDefault("db_dsn", "")
	v.SetDefault("metrics_path", "metrics.json")
	v.SetDefault("metrics_addr", "")
	v.SetDefault("resolve_workers", 4)
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "text")
}

// applyDefaults fills values that depend on the environment
func applyDefaults(cfg *Config) {
	cfg.DBDriver = strings.ToLower(cfg.DBDriver)
	cfg.LogFormat = strings.ToLower(cfg.LogFormat)
	if cfg.DBPath == "" && cfg.DBDriver == DriverSQLite {
		cfg.DBPath = filepath.Join(xdg.DataHome, "lineage-weaver", "weaver.db")
	}
}

// validate checks that required fields are present and values are sensible
func validate(cfg *Config) error {
	if cfg.BaseURL == "" {
		return fmt.Errorf("base_url is required")
	}
	if cfg.ConcurrentWorkers < 1 {
		return fmt.Errorf("concurrent_workers must be >= 1")
	}
	if cfg.ResolveWorkers < 1 {
		return fmt.Errorf("resolve_workers must be >= 1")
	}
	if cfg.RequestTimeoutMs < 1000 {
		return fmt.Errorf("request_timeout_ms must be >= 1000")
	}
	if cfg.RetryAttempts < 1 {
		return fmt.Errorf("retry_attempts must be >= 1")
	}
	if cfg.RetryDelayMs < 0 || cfg.CrawlDelayMs < 0 {
		return fmt.Errorf("delays must not be negative")
	}
	switch cfg.DBDriver {
	case DriverSQLite:
	case DriverPostgres:
		if cfg.DBDSN == "" {
			return fmt.Errorf("db_dsn is required for the postgres driver")
		}
	case DriverMemory:
	default:
		return fmt.Errorf("unknown db_driver %q", cfg.DBDriver)
	}
	switch cfg.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("unknown log_format %q", cfg.LogFormat)
	}
	return nil
}

// RequestTimeout returns the per-attempt fetch timeout
func (c *Config) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutMs) * time.Millisecond
}

// RetryDelay returns the base backoff between fetch attempts
func (c *Config) RetryDelay() time.Duration {
	return time.Duration(c.RetryDelayMs) * time.Millisecond
}

// CrawlDelay returns the politeness delay between requests
func (c *Config) CrawlDelay() time.Duration {
	return time.Duration(c.CrawlDelayMs) * time.Millisecond
}
