package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("ENV", "development")
	t.Setenv("PORT", "9090")
	t.Setenv("SWEEP_INTERVAL", "")
	t.Setenv("KAFKA_BROKERS", "")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, DefaultSweepInterval, cfg.SweepInterval)
	assert.Equal(t, DefaultDisputeWindow, cfg.DisputeWindow)
	assert.Equal(t, DefaultGatewayMaxAttempts, cfg.GatewayMaxAttempts)
	assert.Empty(t, cfg.KafkaBrokers)
	assert.Equal(t, DefaultRateLimitRPM, cfg.RateLimitRPM)
	assert.True(t, cfg.IsDevelopment())
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("ENV", "staging")
	t.Setenv("SWEEP_INTERVAL", "30s")
	t.Setenv("DISPUTE_WINDOW", "96h")
	t.Setenv("KAFKA_BROKERS", "kafka-1:9092, kafka-2:9092,")
	t.Setenv("REPAIR_ON_SWEEP", "true")
	t.Setenv("CORS_ORIGINS", "https://app.example.com")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 30*time.Second, cfg.SweepInterval)
	assert.Equal(t, 96*time.Hour, cfg.DisputeWindow)
	assert.Equal(t, []string{"kafka-1:9092", "kafka-2:9092"}, cfg.KafkaBrokers)
	assert.True(t, cfg.RepairOnSweep)
	assert.Equal(t, []string{"https://app.example.com"}, cfg.CORSOrigins)
}

func TestLoad_InvalidDurationFallsBack(t *testing.T) {
	t.Setenv("ENV", "development")
	t.Setenv("SWEEP_INTERVAL", "soon")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, DefaultSweepInterval, cfg.SweepInterval)
}

func valid() Config {
	return Config{
		Env:                "development",
		LogFormat:          "text",
		SweepInterval:      time.Minute,
		DisputeWindow:      time.Hour,
		GatewayTimeout:     time.Second,
		GatewayMaxAttempts: 3,
		DefaultFeeSide:     50,
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{"valid development", func(c *Config) {}, ""},
		{"zero sweep interval", func(c *Config) { c.SweepInterval = 0 }, "SWEEP_INTERVAL"},
		{"too many attempts", func(c *Config) { c.GatewayMaxAttempts = 11 }, "GATEWAY_MAX_ATTEMPTS"},
		{"bad fee side", func(c *Config) { c.DefaultFeeSide = 101 }, "DEFAULT_FEE_RATIO_CLIENT"},
		{"negative rate limit", func(c *Config) { c.RateLimitRPM = -1 }, "RATE_LIMIT_RPM"},
		{"bad log format", func(c *Config) { c.LogFormat = "xml" }, "LOG_FORMAT"},
		{"production without database", func(c *Config) { c.Env = "production" }, "DATABASE_URL"},
		{"production with test key", func(c *Config) {
			c.Env = "production"
			c.DatabaseURL = "postgres://x"
			c.StripeSecretKey = "sk_test_123"
		}, "live key"},
		{"production with short admin secret", func(c *Config) {
			c.Env = "production"
			c.DatabaseURL = "postgres://x"
			c.StripeSecretKey = "sk_live_123"
			c.AdminSecret = "short"
		}, "ADMIN_SECRET"},
		{"production complete", func(c *Config) {
			c.Env = "production"
			c.DatabaseURL = "postgres://x"
			c.StripeSecretKey = "sk_live_123"
			c.AdminSecret = "0123456789abcdef0123456789abcdef"
		}, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid()
			tt.mutate(&c)
			err := c.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
