// Package config provides configuration loading from environment variables.
package config

import (
	"log/slog"
	"strings"
	"time"
)

// Store backends.
const (
	BackendPostgres = "postgres"
	BackendMemory   = "memory"
)

// ServiceConfig holds configuration shared by the notifier commands.
type ServiceConfig struct {
	Port              string
	MetricsPort       string
	APIKey            string
	ShutdownDrainWait time.Duration // Time to wait for load balancer to drain (0 to skip)
	StoreBackend      string
	SecretKey         string // key material for secret encryption at rest, empty = plaintext
	LogLevel          slog.Level
	Database          DatabaseConfig
}

// DatabaseConfig holds Postgres connection settings.
type DatabaseConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// LoadServiceConfig loads service configuration from environment variables.
func LoadServiceConfig() *ServiceConfig {
	return &ServiceConfig{
		Port:              GetEnv("PORT", "8080"),
		MetricsPort:       GetEnv("METRICS_PORT", "9090"),
		APIKey:            GetSecretFile(GetEnv("API_KEY_FILE", "")),
		ShutdownDrainWait: GetDurationEnv("SHUTDOWN_DRAIN_WAIT", 5*time.Second),
		StoreBackend:      strings.ToLower(GetEnv("STORE_BACKEND", BackendPostgres)),
		SecretKey:         GetSecretFile(GetEnv("SECRET_ENCRYPTION_KEY_FILE", "")),
		LogLevel:          ParseLogLevel(GetEnv("LOG_LEVEL", "info")),
		Database:          LoadDatabaseConfig(),
	}
}

// LoadDatabaseConfig loads Postgres settings. DATABASE_URL_FILE takes precedence over DATABASE_URL.
func LoadDatabaseConfig() DatabaseConfig {
	return DatabaseConfig{
		URL:             GetSecret("DATABASE_URL"),
		MaxOpenConns:    GetIntEnv("DB_MAX_OPEN_CONNS", 20),
		MaxIdleConns:    GetIntEnv("DB_MAX_IDLE_CONNS", 5),
		ConnMaxLifetime: GetDurationEnv("DB_CONN_MAX_LIFETIME", 30*time.Minute),
	}
}

// ParseLogLevel maps a level name to slog.Level, defaulting to info.
func ParseLogLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
