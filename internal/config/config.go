package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/kailas-cloud/promptmeter/internal/domain"
	domguest "github.com/kailas-cloud/promptmeter/internal/domain/guest"
	"github.com/kailas-cloud/promptmeter/internal/domain/pricing"
)

// Config holds the promptmeter service configuration.
type Config struct {
	HTTP      HTTPConfig      `yaml:"http"`
	Database  DatabaseConfig  `yaml:"database"`
	Accounts  AccountsConfig  `yaml:"accounts"`
	Guest     GuestConfig     `yaml:"guest"`
	Ledger    LedgerConfig    `yaml:"ledger"`
	Generator GeneratorConfig `yaml:"generator"`
	Pricing   PricingConfig   `yaml:"pricing"`
	Auth      AuthConfig      `yaml:"auth"`
	Storage   StorageConfig   `yaml:"storage"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level string `yaml:"level"` // debug, info, warn, error (default: determined by env)
}

// AuthConfig maps bearer tokens to users.
type AuthConfig struct {
	Users []UserToken `yaml:"users"`
}

// UserToken is a single bearer token and the user it authenticates.
type UserToken struct {
	Token  string `yaml:"token"`
	UserID string `yaml:"user_id"`
	Email  string `yaml:"email"`
}

// HTTPConfig holds HTTP server settings.
type HTTPConfig struct {
	Port            int `yaml:"port"`
	ReadTimeoutSec  int `yaml:"read_timeout_sec"`
	WriteTimeoutSec int `yaml:"write_timeout_sec"`
	ShutdownSec     int `yaml:"shutdown_timeout_sec"`
}

// DatabaseConfig holds the guest counter store settings.
type DatabaseConfig struct {
	Driver           string   `yaml:"driver"` // valkey, redis, memory (default: valkey)
	Addrs            []string `yaml:"addrs"`
	Username         string   `yaml:"username"`
	Password         string   `yaml:"password"`
	DB               int      `yaml:"db"`
	ReadinessTimeout int      `yaml:"readiness_timeout_sec"`
}

// AccountsConfig holds the PostgreSQL account store settings.
type AccountsConfig struct {
	URL            string `yaml:"url"`
	MigrateOnStart bool   `yaml:"migrate_on_start"`
}

// GuestConfig holds guest quota settings. Nil maximums fall back to one attempt.
type GuestConfig struct {
	MaxGenerate *int `yaml:"max_generate"`
	MaxRefine   *int `yaml:"max_refine"`
	KeyTTLHours int  `yaml:"key_ttl_hours"` // 0 = keep until reset
}

// LedgerConfig holds read retry settings for the account store.
type LedgerConfig struct {
	RetryAttempts       int `yaml:"retry_attempts"`
	RetryInitialBackoff int `yaml:"retry_initial_backoff_ms"`
	RetryMaxBackoff     int `yaml:"retry_max_backoff_ms"`
}

// GeneratorConfig holds the OpenAI-compatible backend settings.
type GeneratorConfig struct {
	APIKey       string `yaml:"api_key"`
	BaseURL      string `yaml:"base_url"`
	DefaultModel string `yaml:"default_model"`
	MaxTokens    int    `yaml:"max_tokens"`
	TimeoutSec   int    `yaml:"timeout_sec"`
}

// PricingConfig holds per-model prices in USD per one million tokens.
type PricingConfig struct {
	FallbackPerMillion string            `yaml:"fallback_per_million"`
	Models             map[string]string `yaml:"models"`
}

// StorageConfig holds storage settings.
type StorageConfig struct {
	KeyPrefix string `yaml:"key_prefix"`
}

// Load reads configuration from a YAML file by environment name (local, dev, prod).
func Load(env string) (Config, error) {
	configPath := findConfigPath(env)

	data, err := os.ReadFile(filepath.Clean(configPath))
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config %s: %w", configPath, err)
	}

	return Parse(data)
}

// Parse decodes, defaults and validates a YAML document.
func Parse(data []byte) (Config, error) {
	// Substitute env variables of the form ${VAR}
	data = expandEnvVars(data)

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// MustLoad loads configuration or panics.
func MustLoad(env string) Config {
	cfg, err := Load(env)
	if err != nil {
		panic(err)
	}
	return cfg
}

// GetEnv returns the current environment from the ENV variable, defaulting to "local".
func GetEnv() string {
	if env := os.Getenv("ENV"); env != "" {
		return env
	}
	return "local"
}

// ApplyDefaults fills empty fields with default values.
func (c *Config) ApplyDefaults() {
	if c.HTTP.ReadTimeoutSec <= 0 {
		c.HTTP.ReadTimeoutSec = 10
	}
	if c.HTTP.WriteTimeoutSec <= 0 {
		c.HTTP.WriteTimeoutSec = 60
	}
	if c.HTTP.ShutdownSec <= 0 {
		c.HTTP.ShutdownSec = 10
	}
	if c.Database.Driver == "" {
		c.Database.Driver = "valkey"
	}
	if c.Database.ReadinessTimeout <= 0 {
		c.Database.ReadinessTimeout = 10
	}
	if c.Guest.MaxGenerate == nil {
		v := domguest.DefaultLimits().MaxGenerate
		c.Guest.MaxGenerate = &v
	}
	if c.Guest.MaxRefine == nil {
		v := domguest.DefaultLimits().MaxRefine
		c.Guest.MaxRefine = &v
	}
	if c.Ledger.RetryAttempts <= 0 {
		c.Ledger.RetryAttempts = 3
	}
	if c.Ledger.RetryInitialBackoff <= 0 {
		c.Ledger.RetryInitialBackoff = 100
	}
	if c.Ledger.RetryMaxBackoff <= 0 {
		c.Ledger.RetryMaxBackoff = 2000
	}
	if c.Generator.DefaultModel == "" {
		c.Generator.DefaultModel = "gpt-4o-mini"
	}
	if c.Generator.TimeoutSec <= 0 {
		c.Generator.TimeoutSec = 45
	}
	if c.Pricing.FallbackPerMillion == "" {
		c.Pricing.FallbackPerMillion = "0"
	}
	if c.Storage.KeyPrefix == "" {
		c.Storage.KeyPrefix = "promptmeter:"
	}
}

// Validate checks the configuration for correctness.
func (c *Config) Validate() error {
	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("http.port must be between 1 and 65535, got %d", c.HTTP.Port)
	}
	switch c.Database.Driver {
	case "valkey", "redis":
		if len(c.Database.Addrs) == 0 {
			return fmt.Errorf("database.addrs is required")
		}
	case "memory":
	default:
		return fmt.Errorf("database.driver must be \"valkey\", \"redis\" or \"memory\", got %q", c.Database.Driver)
	}
	if c.Accounts.URL == "" {
		return fmt.Errorf("accounts.url is required")
	}
	if c.Guest.MaxGenerate != nil && *c.Guest.MaxGenerate < 0 {
		return fmt.Errorf("guest.max_generate must be >= 0, got %d", *c.Guest.MaxGenerate)
	}
	if c.Guest.MaxRefine != nil && *c.Guest.MaxRefine < 0 {
		return fmt.Errorf("guest.max_refine must be >= 0, got %d", *c.Guest.MaxRefine)
	}
	if c.Guest.KeyTTLHours < 0 {
		return fmt.Errorf("guest.key_ttl_hours must be >= 0, got %d", c.Guest.KeyTTLHours)
	}
	if _, err := c.Pricing.Table(); err != nil {
		return err
	}
	seen := make(map[string]struct{}, len(c.Auth.Users))
	for i, u := range c.Auth.Users {
		if u.Token == "" || u.UserID == "" {
			return fmt.Errorf("auth.users[%d]: token and user_id are required", i)
		}
		if _, dup := seen[u.Token]; dup {
			return fmt.Errorf("auth.users[%d]: duplicate token", i)
		}
		seen[u.Token] = struct{}{}
	}
	return nil
}

// Tokens maps each configured bearer token to its user.
func (a AuthConfig) Tokens() map[string]domain.User {
	m := make(map[string]domain.User, len(a.Users))
	for _, u := range a.Users {
		m[u.Token] = domain.User{ID: u.UserID, Email: u.Email}
	}
	return m
}

// GuestLimits returns the configured guest maximums.
func (c *Config) GuestLimits() domguest.Limits {
	l := domguest.DefaultLimits()
	if c.Guest.MaxGenerate != nil {
		l.MaxGenerate = *c.Guest.MaxGenerate
	}
	if c.Guest.MaxRefine != nil {
		l.MaxRefine = *c.Guest.MaxRefine
	}
	return l
}

// GuestKeyTTL returns the expiry of guest counter keys.
func (c *Config) GuestKeyTTL() time.Duration {
	return time.Duration(c.Guest.KeyTTLHours) * time.Hour
}

// Table parses the configured prices.
func (p PricingConfig) Table() (*pricing.Table, error) {
	fallback := decimal.Zero
	if p.FallbackPerMillion != "" {
		v, err := decimal.NewFromString(p.FallbackPerMillion)
		if err != nil {
			return nil, fmt.Errorf("pricing.fallback_per_million: %w", err)
		}
		fallback = v
	}

	rates := make(map[string]decimal.Decimal, len(p.Models))
	for model, raw := range p.Models {
		v, err := decimal.NewFromString(raw)
		if err != nil {
			return nil, fmt.Errorf("pricing.models.%s: %w", model, err)
		}
		if v.IsNegative() {
			return nil, fmt.Errorf("pricing.models.%s must be >= 0, got %s", model, raw)
		}
		rates[model] = v
	}
	return pricing.NewTable(rates, fallback), nil
}

// findConfigPath locates the config file.
func findConfigPath(env string) string {
	filename := fmt.Sprintf("%s.yaml", env)

	// 1. Check ./config/
	if path := filepath.Join("config", filename); fileExists(path) {
		return path
	}

	// 2. Check relative to the source file
	_, b, _, _ := runtime.Caller(0)
	projectRoot := filepath.Dir(filepath.Dir(filepath.Dir(b))) // internal/config -> project root
	if path := filepath.Join(projectRoot, "config", filename); fileExists(path) {
		return path
	}

	// 3. Fallback to ./config/
	return filepath.Join("config", filename)
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// expandEnvVars replaces ${VAR} and ${VAR:-default} with environment variable values.
var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}`)

func expandEnvVars(data []byte) []byte {
	return envVarRegex.ReplaceAllFunc(data, func(match []byte) []byte {
		expr := string(match[2 : len(match)-1]) // strip ${ and }
		varName, defaultVal, hasDefault := strings.Cut(expr, ":-")
		val := os.Getenv(varName)
		if val == "" && hasDefault {
			val = defaultVal
		}
		return []byte(val)
	})
}
