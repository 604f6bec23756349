// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port     string
	Env      string // "development", "staging", "production"
	LogLevel string

	// Storage
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)
	RedisURL    string // Redis connection string for shared rate-limit counters (optional)

	// Billing
	StripeWebhookSecret string // Signing secret for billing webhook verification
	TrialDays           int    // Length of the trial period for new tenants
	GracePeriodDays     int    // Length of the grace period after a failed payment

	// Rate limiting
	RateLimitWindowSeconds int // Fixed-window length for per-tenant API rate limits

	// Audit
	AuditFailClosed bool // Deny authorization when the audit write fails

	// Background work
	SweepInterval     time.Duration // How often expired trials and grace periods are swept
	ReconcileInterval time.Duration // How often the drift reconciler compares stores

	// Security
	AdminSecret        string   // Admin API secret
	CORSAllowedOrigins []string // Origins allowed to call the API from browsers

	// Observability
	OTLPEndpoint string // OTLP gRPC endpoint for trace export (optional)
}

const (
	DefaultPort              = "8080"
	DefaultEnv               = "development"
	DefaultLogLevel          = "info"
	DefaultTrialDays         = 30
	DefaultGracePeriodDays   = 7
	DefaultRateLimitWindow   = 60
	DefaultSweepInterval     = time.Minute
	DefaultReconcileInterval = 5 * time.Minute
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                   getEnv("PORT", DefaultPort),
		Env:                    getEnv("ENV", DefaultEnv),
		LogLevel:               getEnv("LOG_LEVEL", DefaultLogLevel),
		DatabaseURL:            os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		RedisURL:               os.Getenv("REDIS_URL"),    // Optional, uses in-process counters if not set
		StripeWebhookSecret:    os.Getenv("STRIPE_WEBHOOK_SECRET"),
		TrialDays:              int(getEnvInt64("TRIAL_DAYS", DefaultTrialDays)),
		GracePeriodDays:        int(getEnvInt64("GRACE_PERIOD_DAYS", DefaultGracePeriodDays)),
		RateLimitWindowSeconds: int(getEnvInt64("RATE_LIMIT_WINDOW_SECONDS", DefaultRateLimitWindow)),
		AuditFailClosed:        getEnvBool("AUDIT_FAIL_CLOSED", false),
		SweepInterval:          getEnvDuration("SWEEP_INTERVAL", DefaultSweepInterval),
		ReconcileInterval:      getEnvDuration("RECONCILE_INTERVAL", DefaultReconcileInterval),
		AdminSecret:            os.Getenv("ADMIN_SECRET"),
		CORSAllowedOrigins:     getEnvList("CORS_ALLOWED_ORIGINS"),
		OTLPEndpoint:           os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if c.TrialDays <= 0 {
		return fmt.Errorf("TRIAL_DAYS must be positive")
	}

	if c.GracePeriodDays <= 0 {
		return fmt.Errorf("GRACE_PERIOD_DAYS must be positive")
	}

	if c.RateLimitWindowSeconds <= 0 {
		return fmt.Errorf("RATE_LIMIT_WINDOW_SECONDS must be positive")
	}

	if c.SweepInterval <= 0 {
		return fmt.Errorf("SWEEP_INTERVAL must be positive")
	}

	if c.ReconcileInterval <= 0 {
		return fmt.Errorf("RECONCILE_INTERVAL must be positive")
	}

	// Webhooks cannot be verified without the signing secret. Local
	// development may run without billing wired up at all.
	if c.IsProduction() && c.StripeWebhookSecret == "" {
		return fmt.Errorf("STRIPE_WEBHOOK_SECRET is required in production")
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

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
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

func getEnvList(key string) []string {
	value := os.Getenv(key)
	if value == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
