// Package config loads service configuration from the environment, optionally seeded from a .env file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Store backends
const (
	BackendFirestore = "firestore"
	BackendPostgres  = "postgres"
	BackendRedis     = "redis"
	BackendMemory    = "memory"
)

// Config holds all configuration for the service.
type Config struct {
	Port      int    `mapstructure:"PORT"`
	ClientURL string `mapstructure:"CLIENT_URL"`
	LogLevel  string `mapstructure:"LOG_LEVEL"`
	LogFormat string `mapstructure:"LOG_FORMAT"`

	StripeSecretKey             string `mapstructure:"STRIPE_SECRET_KEY"`
	StripeWebhookSecret         string `mapstructure:"STRIPE_WEBHOOK_SECRET"`
	StripePriceID               string `mapstructure:"STRIPE_PRICE_ID"`
	StripePortalConfigurationID string `mapstructure:"STRIPE_PORTAL_CONFIGURATION_ID"`

	OpenAIAPIKey  string `mapstructure:"OPENAI_API_KEY"`
	OpenAIBaseURL string `mapstructure:"OPENAI_BASE_URL"`

	// StoreBackend selects the entitlement store. Empty picks the first backend with credentials.
	StoreBackend            string `mapstructure:"STORE_BACKEND"`
	FirebaseProjectID       string `mapstructure:"FIREBASE_PROJECT_ID"`
	FirebaseCredentialsFile string `mapstructure:"FIREBASE_CREDENTIALS_FILE"`
	DatabaseURL             string `mapstructure:"DATABASE_URL"`
	RedisURL                string `mapstructure:"REDIS_URL"`

	StoreTimeout   time.Duration `mapstructure:"STORE_TIMEOUT"`
	BillingTimeout time.Duration `mapstructure:"BILLING_TIMEOUT"`

	AnonymousLimit int `mapstructure:"ANONYMOUS_LIMIT"`
	FreeLimit      int `mapstructure:"FREE_LIMIT"`
}

var keys = []string{
	"PORT", "CLIENT_URL", "LOG_LEVEL", "LOG_FORMAT",
	"STRIPE_SECRET_KEY", "STRIPE_WEBHOOK_SECRET", "STRIPE_PRICE_ID", "STRIPE_PORTAL_CONFIGURATION_ID",
	"OPENAI_API_KEY", "OPENAI_BASE_URL",
	"STORE_BACKEND", "FIREBASE_PROJECT_ID", "FIREBASE_CREDENTIALS_FILE", "DATABASE_URL", "REDIS_URL",
	"STORE_TIMEOUT", "BILLING_TIMEOUT", "ANONYMOUS_LIMIT", "FREE_LIMIT",
}

// Load reads a .env file when present, then the environment.
// envFile may be empty to use ./.env; a missing file is not an error.
func Load(envFile string) (*Config, error) {
	if envFile == "" {
		envFile = ".env"
	}
	if _, err := os.Stat(envFile); err == nil {
		if err := godotenv.Load(envFile); err != nil {
			return nil, fmt.Errorf("load %s: %w", envFile, err)
		}
	}

	v := viper.New()
	v.SetDefault("PORT", 3001)
	v.SetDefault("CLIENT_URL", "http://localhost:5173")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "auto")
	v.SetDefault("STORE_TIMEOUT", 3*time.Second)
	v.SetDefault("BILLING_TIMEOUT", 10*time.Second)
	v.SetDefault("ANONYMOUS_LIMIT", 1)
	v.SetDefault("FREE_LIMIT", 3)
	v.AutomaticEnv()

	// Bind explicitly so unset keys still appear in Unmarshal
	for _, key := range keys {
		_ = v.BindEnv(key)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.StoreBackend = strings.ToLower(strings.TrimSpace(cfg.StoreBackend))
	cfg.ClientURL = strings.TrimRight(cfg.ClientURL, "/")

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks value ranges and that an explicitly selected backend has its credentials.
func (c *Config) Validate() error {
	var errs []error
	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("PORT out of range: %d", c.Port))
	}
	if c.AnonymousLimit < 0 {
		errs = append(errs, fmt.Errorf("ANONYMOUS_LIMIT must not be negative"))
	}
	if c.FreeLimit < 0 {
		errs = append(errs, fmt.Errorf("FREE_LIMIT must not be negative"))
	}
	if c.StoreTimeout <= 0 {
		errs = append(errs, fmt.Errorf("STORE_TIMEOUT must be positive"))
	}
	if c.BillingTimeout <= 0 {
		errs = append(errs, fmt.Errorf("BILLING_TIMEOUT must be positive"))
	}

	switch c.StoreBackend {
	case "", BackendMemory:
	case BackendFirestore:
		if c.FirebaseProjectID == "" {
			errs = append(errs, fmt.Errorf("STORE_BACKEND=firestore requires FIREBASE_PROJECT_ID"))
		}
	case BackendPostgres:
		if c.DatabaseURL == "" {
			errs = append(errs, fmt.Errorf("STORE_BACKEND=postgres requires DATABASE_URL"))
		}
	case BackendRedis:
		if c.RedisURL == "" {
			errs = append(errs, fmt.Errorf("STORE_BACKEND=redis requires REDIS_URL"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown STORE_BACKEND %q", c.StoreBackend))
	}
	return errors.Join(errs...)
}

// Backend resolves the store to use. An empty result means no persistent store is
// configured and the service runs in anonymous-only mode.
func (c *Config) Backend() string {
	if c.StoreBackend != "" {
		return c.StoreBackend
	}
	switch {
	case c.FirebaseProjectID != "":
		return BackendFirestore
	case c.DatabaseURL != "":
		return BackendPostgres
	case c.RedisURL != "":
		return BackendRedis
	default:
		return ""
	}
}

// AnonymousOnly reports whether accounts are unavailable
func (c *Config) AnonymousOnly() bool {
	return c.Backend() == ""
}

// BillingEnabled reports whether billing endpoints can be served
func (c *Config) BillingEnabled() bool {
	return c.StripeSecretKey != ""
}

// ModelEnabled reports whether the language model is configured
func (c *Config) ModelEnabled() bool {
	return c.OpenAIAPIKey != ""
}

// SecureCookies reports whether the client is served over HTTPS
func (c *Config) SecureCookies() bool {
	return strings.HasPrefix(c.ClientURL, "https://")
}
