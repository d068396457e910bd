// Package config validates environment configuration at startup so a
// misconfigured deployment fails fast with every problem listed at once.
package config

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/driftcall/server/internal/v1/logging"
)

// defaultSTUNURL keeps WebRTC usable with zero ICE configuration.
const defaultSTUNURL = "stun:stun.l.google.com:19302"

// Config holds validated environment configuration.
type Config struct {
	// Required variables
	Port string

	// HTTP surface
	CORSOrigins []string

	// Shared state store
	RedisHost     string
	RedisPort     string
	RedisPassword string
	RedisDB       int

	// Analytics (optional)
	AnalyticsEnabled     bool
	AnalyticsDatabaseURL string

	// Runtime
	GoEnv    string
	LogLevel string

	// ICE servers handed to clients on connect
	STUNURLs     []string
	TURNURLs     []string
	TURNUsername string
	TURNPassword string

	// Rate limits (ulule formatted rates, e.g. "100-M")
	RateLimitWsIP      string
	RateLimitAPIPublic string

	// Tracing (optional)
	TracingEnabled    bool
	OTelCollectorAddr string

	// Shutdown
	ShutdownGrace time.Duration
}

// RedisAddr renders the host:port pair the store client dials.
func (c *Config) RedisAddr() string {
	return c.RedisHost + ":" + c.RedisPort
}

// IsDevelopment reports whether the process runs outside production.
func (c *Config) IsDevelopment() bool {
	return c.GoEnv != "production"
}

// ValidateEnv validates all environment variables and returns a Config
// object. Returns an error if any required variable is missing or invalid;
// all problems are collected so one run surfaces the complete list.
func ValidateEnv() (*Config, error) {
	cfg := &Config{}
	var errors []string

	// Required: PORT (valid port number)
	cfg.Port = os.Getenv("PORT")
	if cfg.Port == "" {
		errors = append(errors, "PORT is required")
	} else if !isValidPort(cfg.Port) {
		errors = append(errors, fmt.Sprintf("PORT must be a valid port number between 1 and 65535 (got '%s')", cfg.Port))
	}

	// Optional: CORS_ORIGIN (comma separated, defaults to local frontend)
	cfg.CORSOrigins = splitList(getEnvOrDefault("CORS_ORIGIN", "http://localhost:3000"))

	// Shared state store: individual pieces with defaults
	cfg.RedisHost = getEnvOrDefault("REDIS_HOST", "localhost")
	cfg.RedisPort = getEnvOrDefault("REDIS_PORT", "6379")
	if !isValidPort(cfg.RedisPort) {
		errors = append(errors, fmt.Sprintf("REDIS_PORT must be a valid port number (got '%s')", cfg.RedisPort))
	}
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	if raw := os.Getenv("REDIS_DB"); raw != "" {
		db, err := strconv.Atoi(raw)
		if err != nil || db < 0 {
			errors = append(errors, fmt.Sprintf("REDIS_DB must be a non-negative integer (got '%s')", raw))
		} else {
			cfg.RedisDB = db
		}
	}

	// Conditional: ANALYTICS_DATABASE_URL (required if ANALYTICS_ENABLED=true)
	cfg.AnalyticsEnabled = os.Getenv("ANALYTICS_ENABLED") == "true"
	if cfg.AnalyticsEnabled {
		cfg.AnalyticsDatabaseURL = os.Getenv("ANALYTICS_DATABASE_URL")
		if cfg.AnalyticsDatabaseURL == "" {
			errors = append(errors, "ANALYTICS_DATABASE_URL is required when ANALYTICS_ENABLED=true")
		} else if !strings.HasPrefix(cfg.AnalyticsDatabaseURL, "postgres://") &&
			!strings.HasPrefix(cfg.AnalyticsDatabaseURL, "postgresql://") {
			errors = append(errors, "ANALYTICS_DATABASE_URL must be a postgres:// connection URL")
		}
	}

	// Optional: GO_ENV (defaults to "production")
	cfg.GoEnv = getEnvOrDefault("GO_ENV", "production")

	// Optional: LOG_LEVEL (defaults to "info")
	cfg.LogLevel = getEnvOrDefault("LOG_LEVEL", "info")

	// ICE servers. TURN needs credentials; STUN does not.
	cfg.STUNURLs = splitList(getEnvOrDefault("ICE_STUN_URLS", defaultSTUNURL))
	cfg.TURNURLs = splitList(os.Getenv("ICE_TURN_URLS"))
	cfg.TURNUsername = os.Getenv("TURN_USERNAME")
	cfg.TURNPassword = os.Getenv("TURN_PASSWORD")
	if len(cfg.TURNURLs) > 0 && (cfg.TURNUsername == "" || cfg.TURNPassword == "") {
		errors = append(errors, "TURN_USERNAME and TURN_PASSWORD are required when ICE_TURN_URLS is set")
	}

	// Rate limits (Defaults: M = Minute, H = Hour)
	cfg.RateLimitWsIP = getEnvOrDefault("RATE_LIMIT_WS_IP", "100-M")
	cfg.RateLimitAPIPublic = getEnvOrDefault("RATE_LIMIT_API_PUBLIC", "100-M")

	// Conditional: OTEL_COLLECTOR_ADDR (required if TRACING_ENABLED=true)
	cfg.TracingEnabled = os.Getenv("TRACING_ENABLED") == "true"
	if cfg.TracingEnabled {
		cfg.OTelCollectorAddr = os.Getenv("OTEL_COLLECTOR_ADDR")
		if cfg.OTelCollectorAddr == "" {
			errors = append(errors, "OTEL_COLLECTOR_ADDR is required when TRACING_ENABLED=true")
		} else if !isValidHostPort(cfg.OTelCollectorAddr) {
			errors = append(errors, fmt.Sprintf("OTEL_COLLECTOR_ADDR must be in format 'host:port' (got '%s')", cfg.OTelCollectorAddr))
		}
	}

	// Optional: SHUTDOWN_GRACE (defaults to 10s)
	grace := getEnvOrDefault("SHUTDOWN_GRACE", "10s")
	if d, err := time.ParseDuration(grace); err != nil || d <= 0 {
		errors = append(errors, fmt.Sprintf("SHUTDOWN_GRACE must be a positive duration (got '%s')", grace))
	} else {
		cfg.ShutdownGrace = d
	}

	if len(errors) > 0 {
		return nil, fmt.Errorf("environment validation failed:\n  - %s", strings.Join(errors, "\n  - "))
	}

	logValidatedConfig(cfg)
	return cfg, nil
}

// isValidPort checks that s parses as a TCP port.
func isValidPort(s string) bool {
	port, err := strconv.Atoi(s)
	return err == nil && port >= 1 && port <= 65535
}

// isValidHostPort checks if a string is in the format "host:port".
func isValidHostPort(addr string) bool {
	parts := strings.Split(addr, ":")
	if len(parts) != 2 {
		return false
	}
	if parts[0] == "" {
		return false
	}
	return isValidPort(parts[1])
}

// splitList splits a comma separated value, trimming whitespace and
// dropping empty entries.
func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// getEnvOrDefault returns the value of the environment variable or a default
// value if not set.
func getEnvOrDefault(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

// redactSecret redacts a secret by showing only the first 8 characters.
func redactSecret(secret string) string {
	if len(secret) <= 8 {
		return "***"
	}
	return secret[:8] + "***"
}

// logValidatedConfig logs the validated configuration with secrets redacted.
func logValidatedConfig(cfg *Config) {
	logging.Info(context.Background(), "environment configuration validated",
		zap.String("port", cfg.Port),
		zap.Strings("cors_origins", cfg.CORSOrigins),
		zap.String("redis_addr", cfg.RedisAddr()),
		zap.String("redis_password", redactSecret(cfg.RedisPassword)),
		zap.Bool("analytics_enabled", cfg.AnalyticsEnabled),
		zap.String("go_env", cfg.GoEnv),
		zap.String("log_level", cfg.LogLevel),
		zap.Strings("stun_urls", cfg.STUNURLs),
		zap.Strings("turn_urls", cfg.TURNURLs),
		zap.String("rate_limit_ws_ip", cfg.RateLimitWsIP),
		zap.String("rate_limit_api_public", cfg.RateLimitAPIPublic),
		zap.Bool("tracing_enabled", cfg.TracingEnabled),
		zap.Duration("shutdown_grace", cfg.ShutdownGrace))
}
