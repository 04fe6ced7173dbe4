// Package config loads service configuration from the environment, with
// optional .env support for local development.
package config

import (
	"os"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all settings for the settlement engine.
type Config struct {
	// Port the HTTP server listens on.
	Port string

	// DatabaseURL is the PostgreSQL connection string. Empty selects the
	// in-memory store (development only; data will not persist).
	DatabaseURL string

	// RedisURL enables the read-through cache when set.
	RedisURL string

	// AdminToken authorizes market resolution, cancellation, and
	// probability edits. Empty denies all admin operations.
	AdminToken string

	// LockTimeout bounds how long a settlement transaction waits for
	// row locks before aborting with a retryable conflict.
	LockTimeout time.Duration

	// CacheTTL is the Redis cache entry lifetime.
	CacheTTL time.Duration
}

// Load reads configuration from the environment. A .env file in the
// working directory is applied first if present.
func Load() Config {
	_ = godotenv.Load()

	return Config{
		Port:        getenv("PORT", "8080"),
		DatabaseURL: os.Getenv("DATABASE_URL"),
		RedisURL:    os.Getenv("REDIS_URL"),
		AdminToken:  os.Getenv("ADMIN_TOKEN"),
		LockTimeout: getduration("LOCK_TIMEOUT", 5*time.Second),
		CacheTTL:    getduration("CACHE_TTL", 30*time.Second),
	}
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getduration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}
