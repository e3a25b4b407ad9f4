// Package config loads and validates the worker's runtime configuration from
// environment variables. Validation happens once at startup.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config contains everything the worker needs to run.
type Config struct {
	// APIOrigin is the feed base URL.
	APIOrigin string

	// APIKey authenticates against the feed.
	APIKey string

	// DatabaseURL is the Postgres connection string.
	DatabaseURL string

	// FeedLimit is the page size requested from the feed.
	FeedLimit int

	// RequestTimeout bounds each fetch attempt.
	RequestTimeout time.Duration

	// LogLevel and LogPretty configure the logger.
	LogLevel  string
	LogPretty bool

	// MetricsAddr is the listen address for /metrics and /healthz.
	// Empty disables the listener.
	MetricsAddr string
}

// Load reads configuration from the environment.
//
// Required: TARGET_API_KEY, DATABASE_URL. Optional: API_ORIGIN, FEED_LIMIT,
// REQUEST_TIMEOUT_MS, LOG_LEVEL, LOG_PRETTY, METRICS_ADDR.
func Load() (Config, error) {
	cfg := Config{
		APIOrigin:   getEnv("API_ORIGIN", "http://localhost:8080"),
		LogLevel:    getEnv("LOG_LEVEL", "info"),
		MetricsAddr: getEnv("METRICS_ADDR", ":9090"),
	}

	cfg.APIKey = strings.TrimSpace(os.Getenv("TARGET_API_KEY"))
	if cfg.APIKey == "" {
		return Config{}, errors.New("TARGET_API_KEY required")
	}

	cfg.DatabaseURL = strings.TrimSpace(os.Getenv("DATABASE_URL"))
	if cfg.DatabaseURL == "" {
		return Config{}, errors.New("DATABASE_URL required")
	}

	limit, err := intEnv("FEED_LIMIT", 5000)
	if err != nil {
		return Config{}, err
	}
	if limit <= 0 {
		return Config{}, errors.New("FEED_LIMIT must be positive")
	}
	cfg.FeedLimit = limit

	timeoutMs, err := intEnv("REQUEST_TIMEOUT_MS", 30_000)
	if err != nil {
		return Config{}, err
	}
	if timeoutMs <= 0 {
		return Config{}, errors.New("REQUEST_TIMEOUT_MS must be positive")
	}
	cfg.RequestTimeout = time.Duration(timeoutMs) * time.Millisecond

	cfg.LogPretty = os.Getenv("LOG_PRETTY") == "true"

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}

func intEnv(key string, fallback int) (int, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback, nil
	}
	parsed, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("env var %s must be a number: %w", key, err)
	}
	return parsed, nil
}
