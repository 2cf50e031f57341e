// Package config provides configuration for the histfeed pipeline. Settings
// load from a YAML file, then environment variables override file values,
// then defaults fill whatever remains unset.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Source kinds recognized in configuration.
const (
	SourceBinanceArchive = "binance-archive"
	SourceAlphaVantage   = "alphavantage"
)

// Config is the complete application configuration.
type Config struct {
	Source   SourceConfig   `yaml:"source"`
	Database DatabaseConfig `yaml:"database"`
	Output   OutputConfig   `yaml:"output"`
	Ingest   IngestConfig   `yaml:"ingest"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// SourceConfig selects and configures the source adapter.
type SourceConfig struct {
	// Kind selects the adapter: binance-archive or alphavantage.
	Kind string `yaml:"kind"`
	// Domain overrides the adapter's download root (archive source) or
	// query endpoint (API source). Empty uses the adapter default.
	Domain string `yaml:"domain"`
	// SymbolPair is the exchange-native pair the archive source downloads,
	// e.g. BTCBUSD.
	SymbolPair string `yaml:"symbol_pair"`
	// BarInterval is the archive granularity directory, e.g. 1m.
	BarInterval string `yaml:"bar_interval"`
	// Credential is the API key for the API source.
	Credential string `yaml:"credential"`
	// RateLimitInterval is the minimum gap between API requests, as a
	// duration string.
	RateLimitInterval string `yaml:"rate_limit_interval"`
}

// DatabaseConfig configures the bar store.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// OutputConfig configures export destinations.
type OutputConfig struct {
	Dir string `yaml:"dir"`
}

// IngestConfig tunes the pipeline retry policy.
type IngestConfig struct {
	MaxAttempts    int    `yaml:"max_attempts"`
	InitialBackoff string `yaml:"initial_backoff"`
	MaxBackoff     string `yaml:"max_backoff"`
}

// LoggingConfig configures structured logging.
type LoggingConfig struct {
	Level      string `yaml:"level"`        // debug, info, warn, error
	Format     string `yaml:"format"`       // json, text
	Output     string `yaml:"output"`       // stdout, stderr, file
	FilePath   string `yaml:"file_path"`    // log file path when output is file
	MaxSize    int    `yaml:"max_size_mb"`  // maximum log file size in MB
	MaxBackups int    `yaml:"max_backups"`  // rotated files to keep
	MaxAge     int    `yaml:"max_age_days"` // maximum age of rotated files
	Compress   bool   `yaml:"compress"`     // compress rotated files
}

// Load reads configuration from a YAML file at path, applies environment
// overrides, and fills defaults. A missing file is not an error; overrides
// and defaults still apply.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	cfg.applyEnvOverrides()
	cfg.applyDefaults()

	return cfg, nil
}

// Default returns the configuration with no file and no environment applied
// beyond the standard overrides.
func Default() *Config {
	cfg := &Config{}
	cfg.applyEnvOverrides()
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("HISTFEED_SOURCE"); v != "" {
		c.Source.Kind = v
	}
	if v := os.Getenv("HISTFEED_DOMAIN"); v != "" {
		c.Source.Domain = v
	}
	if v := os.Getenv("HISTFEED_SYMBOL_PAIR"); v != "" {
		c.Source.SymbolPair = v
	}
	if v := os.Getenv("HISTFEED_CREDENTIAL"); v != "" {
		c.Source.Credential = v
	}
	if v := os.Getenv("HISTFEED_DB_PATH"); v != "" {
		c.Database.Path = v
	}
	if v := os.Getenv("HISTFEED_OUTPUT_DIR"); v != "" {
		c.Output.Dir = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		c.Logging.Format = v
	}
}

func (c *Config) applyDefaults() {
	if c.Source.Kind == "" {
		c.Source.Kind = SourceBinanceArchive
	}
	if c.Source.BarInterval == "" {
		c.Source.BarInterval = "1m"
	}
	if c.Source.RateLimitInterval == "" {
		c.Source.RateLimitInterval = "60s"
	}
	if c.Database.Path == "" {
		c.Database.Path = "data/histfeed.db"
	}
	if c.Output.Dir == "" {
		c.Output.Dir = "data"
	}
	if c.Ingest.MaxAttempts == 0 {
		c.Ingest.MaxAttempts = 3
	}
	if c.Ingest.InitialBackoff == "" {
		c.Ingest.InitialBackoff = "2s"
	}
	if c.Ingest.MaxBackoff == "" {
		c.Ingest.MaxBackoff = "2m"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if c.Logging.Output == "" {
		c.Logging.Output = "stderr"
	}
	if c.Logging.MaxSize == 0 {
		c.Logging.MaxSize = 100
	}
	if c.Logging.MaxBackups == 0 {
		c.Logging.MaxBackups = 3
	}
	if c.Logging.MaxAge == 0 {
		c.Logging.MaxAge = 28
	}
}

// Validate checks that the configuration is usable for the selected source.
func (c *Config) Validate() error {
	switch c.Source.Kind {
	case SourceBinanceArchive:
		if c.Source.SymbolPair == "" {
			return fmt.Errorf("source.symbol_pair is required for %s", SourceBinanceArchive)
		}
	case SourceAlphaVantage:
		if c.Source.Credential == "" {
			return fmt.Errorf("source.credential is required for %s", SourceAlphaVantage)
		}
	default:
		return fmt.Errorf("unknown source.kind %q", c.Source.Kind)
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.Ingest.MaxAttempts < 1 {
		return fmt.Errorf("ingest.max_attempts must be at least 1")
	}

	if _, err := c.RateLimitInterval(); err != nil {
		return err
	}
	if _, err := time.ParseDuration(c.Ingest.InitialBackoff); err != nil {
		return fmt.Errorf("invalid ingest.initial_backoff: %w", err)
	}
	if _, err := time.ParseDuration(c.Ingest.MaxBackoff); err != nil {
		return fmt.Errorf("invalid ingest.max_backoff: %w", err)
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid logging.level %q", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "json", "text":
	default:
		return fmt.Errorf("invalid logging.format %q", c.Logging.Format)
	}
	if c.Logging.Output == "file" && c.Logging.FilePath == "" {
		return fmt.Errorf("logging.file_path is required when logging.output is file")
	}

	return nil
}

// RateLimitInterval returns the parsed minimum gap between API requests.
func (c *Config) RateLimitInterval() (time.Duration, error) {
	d, err := time.ParseDuration(c.Source.RateLimitInterval)
	if err != nil {
		return 0, fmt.Errorf("invalid source.rate_limit_interval: %w", err)
	}
	return d, nil
}

// InitialBackoffDuration returns the parsed first retry delay.
func (c *IngestConfig) InitialBackoffDuration() (time.Duration, error) {
	d, err := time.ParseDuration(c.InitialBackoff)
	if err != nil {
		return 0, fmt.Errorf("invalid ingest.initial_backoff: %w", err)
	}
	return d, nil
}

// MaxBackoffDuration returns the parsed retry delay cap.
func (c *IngestConfig) MaxBackoffDuration() (time.Duration, error) {
	d, err := time.ParseDuration(c.MaxBackoff)
	if err != nil {
		return 0, fmt.Errorf("invalid ingest.max_backoff: %w", err)
	}
	return d, nil
}
