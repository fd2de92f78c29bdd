// Package config loads the gateway's YAML configuration and applies
// environment overrides for secrets.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that unmarshals from YAML strings like "60s"
// or "30m".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	parsed, errParse := time.ParseDuration(value.Value)
	if errParse != nil {
		return fmt.Errorf("config: invalid duration %q: %w", value.Value, errParse)
	}
	*d = Duration(parsed)
	return nil
}

// Std converts to time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Config is the root configuration document.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	Plan     PlanConfig     `yaml:"plan"`
	Bedrock  BedrockConfig  `yaml:"bedrock"`
	Billing  BillingConfig  `yaml:"billing"`
	Security SecurityConfig `yaml:"security"`

	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
	Cache          CacheConfig          `yaml:"cache"`
	Recorder       RecorderConfig       `yaml:"recorder"`
	Logging        LoggingConfig        `yaml:"logging"`

	// ModelMapping maps requested model IDs to Bedrock model IDs.
	ModelMapping map[string]string `yaml:"model_mapping"`

	// PricingOverridePath points at an optional JSON pricing override.
	PricingOverridePath string `yaml:"pricing_override_path"`
}

// ServerConfig controls the HTTP listener.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// Addr returns the listen address.
func (c ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// DatabaseConfig selects the backing database. The DSN dialect is detected
// from its scheme: postgres:// or a SQLite path/file: URI.
type DatabaseConfig struct {
	DSN string `yaml:"dsn"`
}

// RedisConfig enables the shared cache backend for multi-replica deploys.
// When disabled, per-process in-memory caches are used instead.
type RedisConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix"`
}

// PlanConfig points at the plan upstream. APIKey is an optional
// service-level key used when callers bring no credentials of their own.
type PlanConfig struct {
	BaseURL        string   `yaml:"base_url"`
	APIKey         string   `yaml:"api_key"`
	ConnectTimeout Duration `yaml:"connect_timeout"`
	ReadTimeout    Duration `yaml:"read_timeout"`
}

// BedrockConfig carries the Bedrock defaults used when a key has no
// per-key override.
type BedrockConfig struct {
	DefaultRegion string `yaml:"default_region"`
	DefaultModel  string `yaml:"default_model"`
}

// BillingConfig fixes the billing timezone for budget windows and
// aggregate buckets.
type BillingConfig struct {
	Timezone string `yaml:"timezone"`
}

// SecurityConfig holds the key hashing and credential encryption secrets.
// Both are normally injected via environment variables, not the YAML file.
type SecurityConfig struct {
	KeyHashSecret    string `yaml:"key_hash_secret"`
	EncryptionSecret string `yaml:"encryption_secret"`
}

// CircuitBreakerConfig tunes the per-key breaker.
type CircuitBreakerConfig struct {
	FailureThreshold int      `yaml:"failure_threshold"`
	FailureWindow    Duration `yaml:"failure_window"`
	ResetTimeout     Duration `yaml:"reset_timeout"`
}

// CacheConfig sets the TTLs of the identity, credential, and budget caches.
type CacheConfig struct {
	AccessKeyTTL  Duration `yaml:"access_key_ttl"`
	BedrockKeyTTL Duration `yaml:"bedrock_key_ttl"`
	BudgetTTL     Duration `yaml:"budget_ttl"`
}

// RecorderConfig sizes the async usage writer. RetentionDays bounds how long
// raw per-request rows are kept; aggregates are kept forever. Zero disables
// cleanup.
type RecorderConfig struct {
	Workers       int `yaml:"workers"`
	QueueDepth    int `yaml:"queue_depth"`
	RetentionDays int `yaml:"retention_days"`
}

// LoggingConfig controls log level and optional rotating file output.
type LoggingConfig struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Server: ServerConfig{Host: "0.0.0.0", Port: 8080},
		Plan: PlanConfig{
			BaseURL:        "https://api.anthropic.com",
			ConnectTimeout: Duration(5 * time.Second),
			ReadTimeout:    Duration(300 * time.Second),
		},
		Bedrock: BedrockConfig{
			DefaultRegion: "ap-northeast-2",
			DefaultModel:  "global.anthropic.claude-sonnet-4-5-20250929-v1:0",
		},
		Billing: BillingConfig{Timezone: "Asia/Seoul"},
		CircuitBreaker: CircuitBreakerConfig{
			FailureThreshold: 3,
			FailureWindow:    Duration(60 * time.Second),
			ResetTimeout:     Duration(30 * time.Minute),
		},
		Cache: CacheConfig{
			AccessKeyTTL:  Duration(60 * time.Second),
			BedrockKeyTTL: Duration(300 * time.Second),
			BudgetTTL:     Duration(60 * time.Second),
		},
		Recorder: RecorderConfig{Workers: 2, QueueDepth: 256, RetentionDays: 90},
		Logging: LoggingConfig{
			Level:      "info",
			MaxSizeMB:  100,
			MaxBackups: 5,
			MaxAgeDays: 30,
			Compress:   true,
		},
		Redis: RedisConfig{KeyPrefix: "gateway:"},
	}
}

// Load reads the YAML file at path on top of the defaults, then applies
// environment overrides. An empty path loads defaults and environment only.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, errRead := os.ReadFile(path)
		if errRead != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", path, errRead)
		}
		if errParse := yaml.Unmarshal(data, &cfg); errParse != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, errParse)
		}
	}

	cfg.applyEnv()

	if errValidate := cfg.validate(); errValidate != nil {
		return Config{}, errValidate
	}
	return cfg, nil
}

// applyEnv pulls secrets and deployment-specific values from the
// environment, overriding the file.
func (c *Config) applyEnv() {
	if v := os.Getenv("GATEWAY_DATABASE_DSN"); v != "" {
		c.Database.DSN = v
	}
	if v := os.Getenv("GATEWAY_REDIS_ADDR"); v != "" {
		c.Redis.Addr = v
		c.Redis.Enabled = true
	}
	if v := os.Getenv("GATEWAY_REDIS_PASSWORD"); v != "" {
		c.Redis.Password = v
	}
	if v := os.Getenv("GATEWAY_KEY_HASH_SECRET"); v != "" {
		c.Security.KeyHashSecret = v
	}
	if v := os.Getenv("GATEWAY_ENCRYPTION_SECRET"); v != "" {
		c.Security.EncryptionSecret = v
	}
	if v := os.Getenv("GATEWAY_PLAN_BASE_URL"); v != "" {
		c.Plan.BaseURL = v
	}
	if v := os.Getenv("GATEWAY_PLAN_API_KEY"); v != "" {
		c.Plan.APIKey = v
	}
}

func (c *Config) validate() error {
	if strings.TrimSpace(c.Database.DSN) == "" {
		return fmt.Errorf("config: database dsn is required")
	}
	if strings.TrimSpace(c.Security.KeyHashSecret) == "" {
		return fmt.Errorf("config: key hash secret is required")
	}
	if strings.TrimSpace(c.Security.EncryptionSecret) == "" {
		return fmt.Errorf("config: encryption secret is required")
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("config: invalid server port %d", c.Server.Port)
	}
	if _, errLoc := time.LoadLocation(c.Billing.Timezone); errLoc != nil {
		return fmt.Errorf("config: invalid billing timezone %q: %w", c.Billing.Timezone, errLoc)
	}
	return nil
}

// Location resolves the billing timezone. Call after validate.
func (c *Config) Location() *time.Location {
	loc, errLoc := time.LoadLocation(c.Billing.Timezone)
	if errLoc != nil {
		return time.UTC
	}
	return loc
}
