// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port     string
	Env      string // "development", "staging", "production"
	LogLevel string

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Payout providers
	StripeAPIKey string // Bank transfers via Stripe
	WalletAPIURL string // Wallet payout provider base URL
	WalletAPIKey string

	// Release scheduler
	ReleaseSweepInterval time.Duration

	// Security
	WebhookSecret string // Default HMAC secret for event subscriptions
	RateLimitRPM  int

	// Observability
	OTLPEndpoint string // Optional, traces are no-op if not set
}

const (
	DefaultPort          = "8080"
	DefaultEnv           = "development"
	DefaultLogLevel      = "info"
	DefaultRateLimit     = 300
	DefaultSweepInterval = 2 * time.Minute
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                 getEnv("PORT", DefaultPort),
		Env:                  getEnv("ENV", DefaultEnv),
		LogLevel:             getEnv("LOG_LEVEL", DefaultLogLevel),
		DatabaseURL:          os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		StripeAPIKey:         os.Getenv("STRIPE_API_KEY"),
		WalletAPIURL:         os.Getenv("WALLET_API_URL"),
		WalletAPIKey:         os.Getenv("WALLET_API_KEY"),
		ReleaseSweepInterval: getEnvDuration("RELEASE_SWEEP_INTERVAL", DefaultSweepInterval),
		WebhookSecret:        os.Getenv("WEBHOOK_SECRET"),
		RateLimitRPM:         int(getEnvInt64("RATE_LIMIT_RPM", int64(DefaultRateLimit))),
		OTLPEndpoint:         os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that configuration values are coherent
func (c *Config) Validate() error {
	if c.WalletAPIURL != "" {
		u, err := url.Parse(c.WalletAPIURL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("WALLET_API_URL must be a valid URL")
		}
	}
	if c.WalletAPIURL != "" && c.WalletAPIKey == "" {
		return fmt.Errorf("WALLET_API_KEY is required when WALLET_API_URL is set")
	}
	if c.ReleaseSweepInterval <= 0 {
		return fmt.Errorf("RELEASE_SWEEP_INTERVAL must be positive")
	}
	if c.IsProduction() && c.StripeAPIKey == "" && c.WalletAPIURL == "" {
		return fmt.Errorf("at least one payout provider (STRIPE_API_KEY or WALLET_API_URL) is required in production")
	}
	return nil
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
