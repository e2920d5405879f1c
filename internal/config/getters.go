// Package config provides functions for reading config settings from ENV.
//
// Settings are namespaced by deployment environment: with ENV_STATE=prod a
// lookup of DATABASE_URL first tries PROD_DATABASE_URL and falls back to
// the bare name. Supported states are dev, test and prod.
package config

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// envPrefix returns the variable prefix for the current ENV_STATE.
func envPrefix() string {
	switch strings.ToLower(strings.TrimSpace(os.Getenv("ENV_STATE"))) {
	case "dev":
		return "DEV_"
	case "test":
		return "TEST_"
	case "prod":
		return "PROD_"
	}

	return ""
}

// lookup resolves a key through the ENV_STATE prefix with a fallback to the
// unprefixed name.
func lookup(key string) string {
	if prefix := envPrefix(); prefix != "" {
		if value := os.Getenv(prefix + key); value != "" {
			return value
		}
	}

	return os.Getenv(key)
}

// GetEnvStr returns a string environment variable value or a default if not set.
//
// Example:
//
//	s := GetEnvStr("DIRECTORY_PATH", "./inbox")
func GetEnvStr(key, defaultValue string) string {
	if value := lookup(key); value != "" {
		return value
	}

	return defaultValue
}

// GetEnvInt returns an int environment variable value or a default if not set.
func GetEnvInt(key string, defaultValue int) int {
	if value := lookup(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}

	return defaultValue
}

// GetEnvBool returns a bool environment variable value or a default if not set.
// Accepts: "true", "1", "yes" as true; "false", "0", "no" as false (case-insensitive).
func GetEnvBool(key string, defaultValue bool) bool {
	if value := lookup(key); value != "" {
		switch strings.ToLower(strings.TrimSpace(value)) {
		case "true", "1", "yes":
			return true
		case "false", "0", "no":
			return false
		}
	}

	return defaultValue
}

// GetEnvDuration returns the environment variable value or a default if not set.
//
// Example:
//
//	d := GetEnvDuration("DB_CALL_TIMEOUT", 30*time.Second)
func GetEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := lookup(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}

	return defaultValue
}

// GetEnvStrSlice returns a comma-separated environment variable as a slice,
// or a default if not set. Entries are trimmed; empty entries are dropped.
func GetEnvStrSlice(key string, defaultValue []string) []string {
	value := lookup(key)
	if value == "" {
		return defaultValue
	}

	parts := strings.Split(value, ",")
	result := make([]string, 0, len(parts))

	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			result = append(result, trimmed)
		}
	}

	return result
}

// GetEnvLogLevel returns the environment variable value or a default if not set.
func GetEnvLogLevel(key string, defaultValue slog.Level) slog.Level {
	if value := lookup(key); value != "" {
		switch strings.ToLower(strings.TrimSpace(value)) {
		case "debug":
			return slog.LevelDebug
		case "info":
			return slog.LevelInfo
		case "warn", "warning":
			return slog.LevelWarn
		case "error":
			return slog.LevelError
		}
	}

	return defaultValue
}
