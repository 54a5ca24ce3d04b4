// ABOUTME: Configuration loading and parsing for halcyond
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete halcyond configuration
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	Redis      RedisConfig      `yaml:"redis"`
	Broker     BrokerConfig     `yaml:"broker"`
	Ingest     IngestConfig     `yaml:"ingest"`
	Dedupe     DedupeConfig     `yaml:"dedupe"`
	Fanout     FanoutConfig     `yaml:"fanout"`
	Permission PermissionConfig `yaml:"permission"`
	Webhook    WebhookConfig    `yaml:"webhook"`
	Logging    LoggingConfig    `yaml:"logging"`
	Metrics    MetricsConfig    `yaml:"metrics"`
}

// ServerConfig holds the HTTP listener configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`
}

// DatabaseConfig holds sqlite configuration
type DatabaseConfig struct {
	Path     string `yaml:"path"`
	FullText bool   `yaml:"full_text"`
}

// RedisConfig holds the shared Redis connection settings
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// BrokerConfig holds realtime broker endpoints
type BrokerConfig struct {
	BaseURL    string `yaml:"base_url"`
	ManagerURL string `yaml:"manager_url"`
}

// IngestConfig holds pipeline tuning
type IngestConfig struct {
	Workers       int     `yaml:"workers"`
	QueueDepth    int     `yaml:"queue_depth"`
	RetryAttempts int     `yaml:"retry_attempts"`
	SendRate      float64 `yaml:"send_rate"`

	RetryInitial  time.Duration `yaml:"-"`
	RecallWindow  time.Duration `yaml:"-"`
	SweepInterval time.Duration `yaml:"-"`
	SweepCutoff   time.Duration `yaml:"-"`

	// Raw string values for YAML unmarshaling
	RetryInitialRaw  string `yaml:"retry_initial"`
	RecallWindowRaw  string `yaml:"recall_window"`
	SweepIntervalRaw string `yaml:"sweep_interval"`
	SweepCutoffRaw   string `yaml:"sweep_cutoff"`
}

// DedupeConfig holds duplicate-filter sizing
type DedupeConfig struct {
	FilterBits int64 `yaml:"filter_bits"`
	HashCount  int   `yaml:"hash_count"`

	ConfirmTTL time.Duration `yaml:"-"`

	ConfirmTTLRaw string `yaml:"confirm_ttl"`
}

// FanoutConfig holds group fan-out tuning
type FanoutConfig struct {
	BatchSize int `yaml:"batch_size"`

	FlushInterval time.Duration `yaml:"-"`

	FlushIntervalRaw string `yaml:"flush_interval"`
}

// PermissionConfig holds delivery gating policy
type PermissionConfig struct {
	RequireFriendship bool `yaml:"require_friendship"`
}

// WebhookConfig holds the broker event webhook settings
type WebhookConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
	Secret  string `yaml:"secret"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetricsConfig holds metrics endpoint configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw YAML content
	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// applyDefaults fills unset optional fields
func (c *Config) applyDefaults() {
	if c.Server.HTTPAddr == "" {
		c.Server.HTTPAddr = ":8080"
	}
	if c.Webhook.Path == "" {
		c.Webhook.Path = "/webhook"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.Redis.Addr == "" {
		return fmt.Errorf("redis.addr is required")
	}
	if c.Broker.BaseURL == "" {
		return fmt.Errorf("broker.base_url is required")
	}
	if c.Webhook.Enabled && c.Webhook.Secret == "" {
		return fmt.Errorf("webhook.secret is required when the webhook is enabled")
	}
	if c.Ingest.SendRate < 0 {
		return fmt.Errorf("ingest.send_rate must not be negative")
	}
	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		raw  string
		name string
		dst  *time.Duration
	}{
		{cfg.Ingest.RetryInitialRaw, "ingest.retry_initial", &cfg.Ingest.RetryInitial},
		{cfg.Ingest.RecallWindowRaw, "ingest.recall_window", &cfg.Ingest.RecallWindow},
		{cfg.Ingest.SweepIntervalRaw, "ingest.sweep_interval", &cfg.Ingest.SweepInterval},
		{cfg.Ingest.SweepCutoffRaw, "ingest.sweep_cutoff", &cfg.Ingest.SweepCutoff},
		{cfg.Dedupe.ConfirmTTLRaw, "dedupe.confirm_ttl", &cfg.Dedupe.ConfirmTTL},
		{cfg.Fanout.FlushIntervalRaw, "fanout.flush_interval", &cfg.Fanout.FlushInterval},
	}
	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}
	return nil
}
