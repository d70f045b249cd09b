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
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "text" or "json"

	// Database (optional, uses in-memory stores if not set)
	DatabaseURL string

	// Payment processor. Empty key selects the in-memory gateway.
	StripeSecretKey    string
	GatewayTimeout     time.Duration
	GatewayMaxAttempts int

	// Deadline engine
	SweepInterval  time.Duration
	DisputeWindow  time.Duration
	RepairOnSweep  bool
	DateExtension  time.Duration // card window granted when a date change lands inside the card cutoff
	DefaultFeeSide int           // default FeeRatioToClient when a seller omits it

	// Event publishing (optional)
	KafkaBrokers []string
	KafkaTopic   string

	// Security
	AdminSecret    string
	RateLimitRPM   int // requests per minute per caller; 0 disables
	RateLimitBurst int
	CORSOrigins    []string

	// Tracing (optional)
	OTLPEndpoint string
}

const (
	DefaultPort               = "8080"
	DefaultEnv                = "development"
	DefaultLogLevel           = "info"
	DefaultLogFormat          = "text"
	DefaultGatewayTimeout     = 15 * time.Second
	DefaultGatewayMaxAttempts = 3
	DefaultSweepInterval      = 5 * time.Minute
	DefaultDisputeWindow      = 72 * time.Hour
	DefaultDateExtension      = 24 * time.Hour
	DefaultFeeSide            = 50
	DefaultKafkaTopic         = "trustline.events"
	DefaultRateLimitRPM       = 120
	DefaultRateLimitBurst     = 20
)

// Load reads configuration from environment variables.
// It loads .env file if present (for local development).
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:               getEnv("PORT", DefaultPort),
		Env:                getEnv("ENV", DefaultEnv),
		LogLevel:           getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:          getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL:        os.Getenv("DATABASE_URL"),
		StripeSecretKey:    os.Getenv("STRIPE_SECRET_KEY"),
		GatewayTimeout:     getEnvDuration("GATEWAY_TIMEOUT", DefaultGatewayTimeout),
		GatewayMaxAttempts: int(getEnvInt64("GATEWAY_MAX_ATTEMPTS", DefaultGatewayMaxAttempts)),
		SweepInterval:      getEnvDuration("SWEEP_INTERVAL", DefaultSweepInterval),
		DisputeWindow:      getEnvDuration("DISPUTE_WINDOW", DefaultDisputeWindow),
		RepairOnSweep:      getEnvBool("REPAIR_ON_SWEEP", false),
		DateExtension:      getEnvDuration("DATE_CHANGE_EXTENSION", DefaultDateExtension),
		DefaultFeeSide:     int(getEnvInt64("DEFAULT_FEE_RATIO_CLIENT", DefaultFeeSide)),
		KafkaBrokers:       getEnvList("KAFKA_BROKERS"),
		KafkaTopic:         getEnv("KAFKA_TOPIC", DefaultKafkaTopic),
		AdminSecret:        os.Getenv("ADMIN_SECRET"),
		RateLimitRPM:       int(getEnvInt64("RATE_LIMIT_RPM", DefaultRateLimitRPM)),
		RateLimitBurst:     int(getEnvInt64("RATE_LIMIT_BURST", DefaultRateLimitBurst)),
		CORSOrigins:        getEnvList("CORS_ORIGINS"),
		OTLPEndpoint:       os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks ranges and production requirements
func (c *Config) Validate() error {
	if c.SweepInterval <= 0 {
		return fmt.Errorf("SWEEP_INTERVAL must be positive")
	}
	if c.DisputeWindow <= 0 {
		return fmt.Errorf("DISPUTE_WINDOW must be positive")
	}
	if c.GatewayTimeout <= 0 {
		return fmt.Errorf("GATEWAY_TIMEOUT must be positive")
	}
	if c.GatewayMaxAttempts < 1 || c.GatewayMaxAttempts > 10 {
		return fmt.Errorf("GATEWAY_MAX_ATTEMPTS must be between 1 and 10")
	}
	if c.DefaultFeeSide < 0 || c.DefaultFeeSide > 100 {
		return fmt.Errorf("DEFAULT_FEE_RATIO_CLIENT must be between 0 and 100")
	}
	if c.RateLimitRPM < 0 || c.RateLimitBurst < 0 {
		return fmt.Errorf("RATE_LIMIT_RPM and RATE_LIMIT_BURST must not be negative")
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		return fmt.Errorf("LOG_FORMAT must be text or json")
	}

	if c.IsProduction() {
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required in production")
		}
		if c.StripeSecretKey == "" {
			return fmt.Errorf("STRIPE_SECRET_KEY is required in production")
		}
		if !strings.HasPrefix(c.StripeSecretKey, "sk_live_") && !strings.HasPrefix(c.StripeSecretKey, "rk_live_") {
			return fmt.Errorf("STRIPE_SECRET_KEY must be a live key in production")
		}
		if len(c.AdminSecret) < 32 {
			return fmt.Errorf("ADMIN_SECRET must be at least 32 characters in production")
		}
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

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvList(key string) []string {
	raw := os.Getenv(key)
	if raw == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
