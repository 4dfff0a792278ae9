// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/mbd888/tiltguard/internal/security"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port        string
	Env         string // "development", "staging", "production"
	LogLevel    string
	LogFormat   string // "json" or "text"
	CORSOrigins []string

	// Storage (all optional; in-memory when unset)
	DatabaseURL string
	RedisURL    string
	CacheTTL    time.Duration

	// Scoring
	WeightTablePaths []string // extra YAML weight tables loaded beside the built-in v3

	// External analyst
	AnalystURL          string
	AnalystAPIKey       string
	AnalystTimeout      time.Duration
	AnalystRetries      int
	AnalystAllowPrivate bool
	BreakerThreshold    int
	BreakerCooldown     time.Duration

	// Facial tracking
	FaceWatchdogTimeout time.Duration
	FaceFrameBuffer     int

	// Rate limiting
	RateLimitRPM int

	// Webhooks
	WebhookAllowPrivate bool // permit subscriptions to private/loopback URLs

	// Tracing
	OTLPEndpoint string
}

// Defaults
const (
	DefaultPort                = "8080"
	DefaultEnv                 = "development"
	DefaultLogLevel            = "info"
	DefaultLogFormat           = "json"
	DefaultCacheTTL            = 30 * time.Second
	DefaultAnalystTimeout      = 3 * time.Second
	DefaultAnalystRetries      = 2
	DefaultBreakerThreshold    = 5
	DefaultBreakerCooldown     = 30 * time.Second
	DefaultFaceWatchdogTimeout = 5 * time.Second
	DefaultFaceFrameBuffer     = 64
	DefaultRateLimit           = 120
)

var validEnvs = map[string]bool{"development": true, "staging": true, "production": true}

var validLevels = map[string]bool{"debug": true, "info": true, "warn": true, "error": true}

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:                getEnv("PORT", DefaultPort),
		Env:                 getEnv("ENV", DefaultEnv),
		LogLevel:            getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:           getEnv("LOG_FORMAT", DefaultLogFormat),
		CORSOrigins:         getEnvList("CORS_ORIGINS"),
		DatabaseURL:         os.Getenv("DATABASE_URL"),
		RedisURL:            os.Getenv("REDIS_URL"),
		CacheTTL:            getEnvDuration("CACHE_TTL", DefaultCacheTTL),
		WeightTablePaths:    getEnvList("WEIGHT_TABLE_PATHS"),
		AnalystURL:          os.Getenv("ANALYST_URL"),
		AnalystAPIKey:       os.Getenv("ANALYST_API_KEY"),
		AnalystTimeout:      getEnvDuration("ANALYST_TIMEOUT", DefaultAnalystTimeout),
		AnalystRetries:      int(getEnvInt64("ANALYST_RETRIES", DefaultAnalystRetries)),
		AnalystAllowPrivate: getEnvBool("ANALYST_ALLOW_PRIVATE", false),
		BreakerThreshold:    int(getEnvInt64("ANALYST_BREAKER_THRESHOLD", DefaultBreakerThreshold)),
		BreakerCooldown:     getEnvDuration("ANALYST_BREAKER_COOLDOWN", DefaultBreakerCooldown),
		FaceWatchdogTimeout: getEnvDuration("FACE_WATCHDOG_TIMEOUT", DefaultFaceWatchdogTimeout),
		FaceFrameBuffer:     int(getEnvInt64("FACE_FRAME_BUFFER", DefaultFaceFrameBuffer)),
		RateLimitRPM:        int(getEnvInt64("RATE_LIMIT_RPM", DefaultRateLimit)),
		WebhookAllowPrivate: getEnvBool("WEBHOOK_ALLOW_PRIVATE", false),
		OTLPEndpoint:        os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that the configuration is usable
func (c *Config) Validate() error {
	if _, err := strconv.Atoi(c.Port); err != nil {
		return fmt.Errorf("PORT must be numeric, got %q", c.Port)
	}
	if !validEnvs[c.Env] {
		return fmt.Errorf("ENV must be development, staging or production, got %q", c.Env)
	}
	if !validLevels[c.LogLevel] {
		return fmt.Errorf("LOG_LEVEL must be debug, info, warn or error, got %q", c.LogLevel)
	}
	if c.AnalystURL != "" {
		policy := security.EndpointPolicy{AllowPrivate: c.AnalystAllowPrivate}
		if err := policy.Validate(c.AnalystURL); err != nil {
			return fmt.Errorf("ANALYST_URL: %w", err)
		}
	}
	if c.AnalystTimeout <= 0 {
		return fmt.Errorf("ANALYST_TIMEOUT must be positive")
	}
	if c.AnalystRetries < 0 {
		return fmt.Errorf("ANALYST_RETRIES must not be negative")
	}
	if c.BreakerThreshold < 1 {
		return fmt.Errorf("ANALYST_BREAKER_THRESHOLD must be at least 1")
	}
	if c.FaceWatchdogTimeout <= 0 {
		return fmt.Errorf("FACE_WATCHDOG_TIMEOUT must be positive")
	}
	if c.FaceFrameBuffer < 1 {
		return fmt.Errorf("FACE_FRAME_BUFFER must be at least 1")
	}
	if c.RateLimitRPM < 1 {
		return fmt.Errorf("RATE_LIMIT_RPM must be at least 1")
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

// getEnvList splits a comma-separated value, dropping blanks.
func getEnvList(key string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(key), ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
