// Package config loads the daemon configuration from environment
// variables. Policy documents are separate YAML files handled by
// pkg/policy.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds the erasured server configuration.
type Config struct {
	Port     string
	LogLevel string

	// Backend selects persistence: memory, redis, postgres or sqlite.
	Backend     string
	RedisURL    string
	DatabaseURL string
	SQLitePath  string

	// PolicyFile is the YAML policy document path.
	PolicyFile string

	// JWTSecret verifies API bearer tokens; empty disables the API's
	// authenticated routes (fail closed).
	JWTSecret string

	// SigningSecret is the master secret the certificate signing key is
	// derived from.
	SigningSecret string
	SignerKeyID   string

	RateLimitRPS   int
	RateLimitBurst int

	// Workers sizes the event bus pool.
	Workers int

	// ZombieSweep toggles the daily re-check loop.
	ZombieSweep bool

	// OTLPEndpoint enables telemetry export when set.
	OTLPEndpoint string
	Environment  string

	ShutdownGrace time.Duration
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envIntOr(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

// Load reads configuration from the environment with local-mode defaults.
func Load() *Config {
	return &Config{
		Port:           envOr("PORT", "8080"),
		LogLevel:       envOr("LOG_LEVEL", "INFO"),
		Backend:        envOr("STORE_BACKEND", "memory"),
		RedisURL:       envOr("REDIS_URL", "redis://localhost:6379/0"),
		DatabaseURL:    envOr("DATABASE_URL", "postgres://erasure@localhost:5432/erasure?sslmode=disable"),
		SQLitePath:     envOr("SQLITE_PATH", "erasure.db"),
		PolicyFile:     envOr("POLICY_FILE", "policies.yaml"),
		JWTSecret:      os.Getenv("JWT_SECRET"),
		SigningSecret:  os.Getenv("SIGNING_SECRET"),
		SignerKeyID:    envOr("SIGNER_KEY_ID", "cert-signer-1"),
		RateLimitRPS:   envIntOr("RATE_LIMIT_RPS", 20),
		RateLimitBurst: envIntOr("RATE_LIMIT_BURST", 40),
		Workers:        envIntOr("BUS_WORKERS", 8),
		ZombieSweep:    os.Getenv("ZOMBIE_SWEEP") != "false",
		OTLPEndpoint:   os.Getenv("OTLP_ENDPOINT"),
		Environment:    envOr("ENVIRONMENT", "development"),
		ShutdownGrace:  time.Duration(envIntOr("SHUTDOWN_GRACE_SECONDS", 15)) * time.Second,
	}
}
