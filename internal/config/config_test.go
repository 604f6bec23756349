package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Test helper to set env vars and clean up after
func setEnv(t *testing.T, key, value string) {
	t.Helper()
	old := os.Getenv(key)
	os.Setenv(key, value)
	t.Cleanup(func() {
		if old == "" {
			os.Unsetenv(key)
		} else {
			os.Setenv(key, old)
		}
	})
}

func TestLoad_WithValidConfig(t *testing.T) {
	setEnv(t, "PORT", "9090")
	setEnv(t, "TRIAL_DAYS", "14")
	setEnv(t, "AUDIT_FAIL_CLOSED", "true")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, 14, cfg.TrialDays)
	assert.Equal(t, DefaultGracePeriodDays, cfg.GracePeriodDays)
	assert.Equal(t, DefaultRateLimitWindow, cfg.RateLimitWindowSeconds)
	assert.Equal(t, DefaultSweepInterval, cfg.SweepInterval)
	assert.True(t, cfg.AuditFailClosed)
}

func TestLoad_ProductionRequiresWebhookSecret(t *testing.T) {
	setEnv(t, "ENV", "production")
	setEnv(t, "STRIPE_WEBHOOK_SECRET", "")

	_, err := Load()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "STRIPE_WEBHOOK_SECRET")
}

func TestConfig_Validate(t *testing.T) {
	valid := Config{
		Env:                    "development",
		TrialDays:              30,
		GracePeriodDays:        7,
		RateLimitWindowSeconds: 60,
		SweepInterval:          time.Minute,
		ReconcileInterval:      5 * time.Minute,
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "valid config",
			mutate:  func(c *Config) {},
			wantErr: "",
		},
		{
			name:    "zero trial days",
			mutate:  func(c *Config) { c.TrialDays = 0 },
			wantErr: "TRIAL_DAYS",
		},
		{
			name:    "negative grace period",
			mutate:  func(c *Config) { c.GracePeriodDays = -1 },
			wantErr: "GRACE_PERIOD_DAYS",
		},
		{
			name:    "zero rate limit window",
			mutate:  func(c *Config) { c.RateLimitWindowSeconds = 0 },
			wantErr: "RATE_LIMIT_WINDOW_SECONDS",
		},
		{
			name:    "zero sweep interval",
			mutate:  func(c *Config) { c.SweepInterval = 0 },
			wantErr: "SWEEP_INTERVAL",
		},
		{
			name: "production without webhook secret",
			mutate: func(c *Config) {
				c.Env = "production"
				c.StripeWebhookSecret = ""
			},
			wantErr: "STRIPE_WEBHOOK_SECRET",
		},
		{
			name: "production with webhook secret",
			mutate: func(c *Config) {
				c.Env = "production"
				c.StripeWebhookSecret = "whsec_test"
			},
			wantErr: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}

func TestConfig_IsDevelopment(t *testing.T) {
	cfg := &Config{Env: "development"}
	assert.True(t, cfg.IsDevelopment())
	assert.False(t, cfg.IsProduction())

	cfg.Env = "production"
	assert.False(t, cfg.IsDevelopment())
	assert.True(t, cfg.IsProduction())
}

func TestGetEnv(t *testing.T) {
	setEnv(t, "TEST_VAR", "custom_value")

	assert.Equal(t, "custom_value", getEnv("TEST_VAR", "default"))
	assert.Equal(t, "default", getEnv("NONEXISTENT_VAR", "default"))
}

func TestGetEnvInt64(t *testing.T) {
	setEnv(t, "TEST_INT", "42")
	setEnv(t, "TEST_INVALID", "not_a_number")

	assert.Equal(t, int64(42), getEnvInt64("TEST_INT", 0))
	assert.Equal(t, int64(99), getEnvInt64("NONEXISTENT_VAR", 99))
	assert.Equal(t, int64(99), getEnvInt64("TEST_INVALID", 99)) // Falls back on parse error
}

func TestGetEnvBool(t *testing.T) {
	setEnv(t, "TEST_BOOL", "true")
	setEnv(t, "TEST_BOOL_INVALID", "yep")

	assert.True(t, getEnvBool("TEST_BOOL", false))
	assert.False(t, getEnvBool("NONEXISTENT_VAR", false))
	assert.True(t, getEnvBool("TEST_BOOL_INVALID", true)) // Falls back on parse error
}

func TestGetEnvDuration(t *testing.T) {
	setEnv(t, "TEST_DUR", "90s")
	setEnv(t, "TEST_DUR_INVALID", "soon")

	assert.Equal(t, 90*time.Second, getEnvDuration("TEST_DUR", time.Minute))
	assert.Equal(t, time.Minute, getEnvDuration("NONEXISTENT_VAR", time.Minute))
	assert.Equal(t, time.Minute, getEnvDuration("TEST_DUR_INVALID", time.Minute))
}

func TestGetEnvList(t *testing.T) {
	setEnv(t, "TEST_LIST", "https://a.example.com, https://b.example.com,")

	assert.Equal(t, []string{"https://a.example.com", "https://b.example.com"}, getEnvList("TEST_LIST"))
	assert.Nil(t, getEnvList("NONEXISTENT_VAR"))
}
