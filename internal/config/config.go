// Package config loads and validates process configuration from the
// environment, the way cmd/test/main.go in the reference gateway does
// via github.com/joho/godotenv before falling back to os.Getenv.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/Laisky/errors/v2"
	"github.com/joho/godotenv"
)

// Config holds every tunable the proxy needs at startup. Required
// fields abort the process when absent; everything else has a
// default matching the constants named in the specification.
type Config struct {
	Port            string
	AnthropicAPIKey string
	JWTSecret       string
	DomesticAPIURL  string

	BalanceFreshTTL       time.Duration
	BalanceStaleTTL       time.Duration
	BalanceJanitorPeriod  time.Duration
	MaxFailedReports      int
	MaxRetries            int
	BaseRetryDelay        time.Duration
	RetryScanInterval     time.Duration
	UpstreamTimeout       time.Duration
	BillingTimeout        time.Duration
	LogLevel              string
}

// Load reads configuration from a local .env file (if present) and
// then the process environment, validates required fields, and
// returns a populated Config.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:                 getEnv("PORT", "3000"),
		AnthropicAPIKey:      os.Getenv("ANTHROPIC_API_KEY"),
		JWTSecret:            os.Getenv("JWT_SECRET"),
		DomesticAPIURL:       os.Getenv("DOMESTIC_API_URL"),
		BalanceFreshTTL:      getDuration("BALANCE_FRESH_TTL", 2*time.Minute),
		BalanceStaleTTL:      getDuration("BALANCE_STALE_TTL", 10*time.Minute),
		BalanceJanitorPeriod: getDuration("BALANCE_JANITOR_INTERVAL", 5*time.Minute),
		MaxFailedReports:     getInt("MAX_FAILED_REPORTS", 1000),
		MaxRetries:           getInt("MAX_RETRIES", 3),
		BaseRetryDelay:       getDurationMS("BASE_RETRY_MS", 30_000),
		RetryScanInterval:    getDurationMS("RETRY_SCAN_INTERVAL_MS", 30_000),
		UpstreamTimeout:      getDuration("UPSTREAM_TIMEOUT_SEC", 0),
		BillingTimeout:       getDuration("BILLING_TIMEOUT_SEC", 10*time.Second),
		LogLevel:             getEnv("LOG_LEVEL", "info"),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.AnthropicAPIKey == "" {
		return errors.New("missing required environment variable: ANTHROPIC_API_KEY")
	}
	if c.JWTSecret == "" {
		return errors.New("missing required environment variable: JWT_SECRET")
	}
	if c.DomesticAPIURL == "" {
		return errors.New("missing required environment variable: DOMESTIC_API_URL")
	}
	return nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return time.Duration(n) * time.Second
		}
	}
	return fallback
}

func getDurationMS(key string, fallbackMS int) time.Duration {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return time.Duration(n) * time.Millisecond
		}
	}
	return time.Duration(fallbackMS) * time.Millisecond
}
