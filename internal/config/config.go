// Package config handles YAML configuration loading with environment variable expansion.
package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"go.yaml.in/yaml/v3"
)

// Config is the top-level gateway configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	ClickHouse ClickHouseConfig `yaml:"clickhouse"`
	Logging    LoggingConfig    `yaml:"logging"`
	Telemetry  TelemetryConfig  `yaml:"telemetry"`
	Proxy      ProxyConfig      `yaml:"proxy"`
	Billing    BillingConfig    `yaml:"billing"`
	Upstreams  []UpstreamEntry  `yaml:"upstreams"`
	Keys       []KeyEntry       `yaml:"keys"`
	Rules      []RuleEntry      `yaml:"rules"`
	Prices     []PriceEntry     `yaml:"prices"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"` // must exceed the longest stream
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DatabaseConfig holds SQLite settings.
type DatabaseConfig struct {
	DSN string `yaml:"dsn"` // file path or ":memory:"
}

// ClickHouseConfig configures the optional analytics sink. An empty addr
// disables it.
type ClickHouseConfig struct {
	Addr     string `yaml:"addr"`
	Database string `yaml:"database"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Table    string `yaml:"table"`
}

// Enabled reports whether the analytics sink is configured.
func (c ClickHouseConfig) Enabled() bool { return c.Addr != "" }

// LoggingConfig controls the slog handler.
type LoggingConfig struct {
	Level  string        `yaml:"level"`  // debug | info | warn | error
	Format string        `yaml:"format"` // json | text
	File   FileLogConfig `yaml:"file"`
}

// FileLogConfig configures optional rotating file output.
type FileLogConfig struct {
	Path       string `yaml:"path"` // empty = stdout only
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// TelemetryConfig holds observability settings.
type TelemetryConfig struct {
	Metrics MetricsConfig `yaml:"metrics"`
	Tracing TracingConfig `yaml:"tracing"`
}

// MetricsConfig controls Prometheus metrics.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// TracingConfig controls OpenTelemetry tracing.
type TracingConfig struct {
	Enabled    bool    `yaml:"enabled"`
	Endpoint   string  `yaml:"endpoint"`    // OTLP gRPC endpoint
	SampleRate float64 `yaml:"sample_rate"` // 0.0 to 1.0
}

// ProxyConfig holds proxy behavior settings.
type ProxyConfig struct {
	Prefix              string `yaml:"prefix"`                // path prefix in front of vendor routes, default ""
	MaxFailoverAttempts int    `yaml:"max_failover_attempts"` // candidates tried per request
	MasterKey           string `yaml:"master_key"`            // AES key for credential decryption; empty = plaintext
	InternalToken       string `yaml:"internal_token"`        // bearer token for /internal; empty disables the plane

	// Strategies overrides the load-balancing strategy per capability,
	// e.g. openai_chat_compatible: round_robin. Default is weighted.
	Strategies map[string]string `yaml:"strategies"`
}

// BillingConfig holds price catalog sync settings.
type BillingConfig struct {
	CatalogURL   string        `yaml:"catalog_url"` // LiteLLM-format price document; empty disables sync
	SyncInterval time.Duration `yaml:"sync_interval"`
}

// UpstreamEntry is an upstream seed in the config file.
type UpstreamEntry struct {
	Name           string            `yaml:"name"`
	BaseURL        string            `yaml:"base_url"`
	ProviderType   string            `yaml:"provider_type"`
	Capabilities   []string          `yaml:"capabilities"`
	Priority       int               `yaml:"priority"`
	Weight         int               `yaml:"weight"`
	Enabled        *bool             `yaml:"enabled"`
	AllowedModels  []string          `yaml:"allowed_models"`
	ModelRedirects map[string]string `yaml:"model_redirects"`
	Credential     string            `yaml:"credential"` // plaintext, encrypted at bootstrap
	TimeoutSeconds int               `yaml:"timeout_seconds"`

	DailySpendingLimit   *float64 `yaml:"daily_spending_limit"`
	MonthlySpendingLimit *float64 `yaml:"monthly_spending_limit"`
	BillingInputMult     float64  `yaml:"billing_input_multiplier"`
	BillingOutputMult    float64  `yaml:"billing_output_multiplier"`

	CircuitBreaker    *CircuitBreakerEntry    `yaml:"circuit_breaker"`
	AffinityMigration *AffinityMigrationEntry `yaml:"affinity_migration"`
}

// IsEnabled reports whether the upstream is active (defaults to true when nil).
func (u UpstreamEntry) IsEnabled() bool {
	return u.Enabled == nil || *u.Enabled
}

// CircuitBreakerEntry overrides breaker defaults for one upstream.
type CircuitBreakerEntry struct {
	FailureThreshold int `yaml:"failure_threshold"`
	OpenDurationMs   int `yaml:"open_duration_ms"`
	HalfOpenProbes   int `yaml:"half_open_probes"`
	MaxConcurrent    int `yaml:"max_concurrent"`
}

// AffinityMigrationEntry configures session migration for one upstream.
type AffinityMigrationEntry struct {
	Enabled   bool   `yaml:"enabled"`
	Metric    string `yaml:"metric"` // tokens | length
	Threshold int64  `yaml:"threshold"`
}

// KeyEntry is an API key seed in the config file.
type KeyEntry struct {
	Name      string   `yaml:"name"`
	Key       string   `yaml:"key"`  // plaintext, hashed on bootstrap
	Algo      string   `yaml:"algo"` // sha256 (default) | bcrypt
	Upstreams []string `yaml:"upstreams"`
	ExpiresAt string   `yaml:"expires_at"` // RFC3339, empty = never
}

// RuleEntry is a compensation rule seed in the config file.
type RuleEntry struct {
	ID           string   `yaml:"id"`
	Capabilities []string `yaml:"capabilities"`
	Sources      []string `yaml:"sources"`
	TargetHeader string   `yaml:"target_header"`
	Mode         string   `yaml:"mode"` // missing_only (default) | always
	Enabled      *bool    `yaml:"enabled"`
}

// IsEnabled reports whether the rule is enabled (defaults to true when nil).
func (r RuleEntry) IsEnabled() bool {
	return r.Enabled == nil || *r.Enabled
}

// PriceEntry is a manual price override seed in the config file.
// Prices are USD per million tokens.
type PriceEntry struct {
	Model          string  `yaml:"model"`
	InputPerMTok   float64 `yaml:"input_per_mtok"`
	OutputPerMTok  float64 `yaml:"output_per_mtok"`
	CacheReadPerM  float64 `yaml:"cache_read_per_mtok"`
	CacheWritePerM float64 `yaml:"cache_write_per_mtok"`
}

var envPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnv replaces ${VAR} patterns with environment variable values.
func expandEnv(data []byte) []byte {
	return envPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		varName := string(match[2 : len(match)-1])
		if val, ok := os.LookupEnv(varName); ok {
			return []byte(val)
		}
		return match
	})
}

// Load reads and parses a YAML config file, expanding environment variables.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse parses YAML config bytes, expanding environment variables and
// applying defaults.
func Parse(data []byte) (*Config, error) {
	data = expandEnv(data)

	cfg := &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    10 * time.Minute,
			ShutdownTimeout: 30 * time.Second,
		},
		Database: DatabaseConfig{
			DSN: "tollgate.db",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Proxy: ProxyConfig{
			MaxFailoverAttempts: 3,
		},
		Billing: BillingConfig{
			SyncInterval: 24 * time.Hour,
		},
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}
