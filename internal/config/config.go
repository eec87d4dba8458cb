// Package config reads service configuration from the environment. Callers
// are expected to load a .env file (godotenv) before calling Load.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds everything the server needs to run.
type Config struct {
	Addr        string // HTTP listen address
	BaseURL     string // public base for returned short URLs
	DatabaseDSN string
	FallbackURL string // redirect target for unknown codes

	Redis struct {
		Addr     string
		Password string
		DB       int
	}

	CacheTTL      time.Duration // default cache entry lifetime
	SweepInterval time.Duration // expiry sweeper period

	OwnedExpiryDays int // auto-expiry for owned links
	AnonExpiryDays  int // auto-expiry for anonymous links

	LogLevel  string
	LogFormat string // "json" or "text"
}

// Load builds a Config from environment variables, applying defaults for
// everything except DATABASE_DSN.
func Load() (*Config, error) {
	cfg := &Config{
		Addr:            getEnv("ADDR", ":8080"),
		BaseURL:         getEnv("BASE_URL", "http://localhost:8080"),
		DatabaseDSN:     os.Getenv("DATABASE_DSN"),
		FallbackURL:     getEnv("FALLBACK_REDIRECT_URL", "https://www.google.com/"),
		OwnedExpiryDays: getEnvInt("OWNED_EXPIRY_DAYS", 30),
		AnonExpiryDays:  getEnvInt("ANON_EXPIRY_DAYS", 10),
		LogLevel:        getEnv("LOG_LEVEL", "info"),
		LogFormat:       getEnv("LOG_FORMAT", "text"),
	}

	cfg.Redis.Addr = getEnv("REDIS_ADDR", "localhost:6379")
	cfg.Redis.Password = os.Getenv("REDIS_PASSWORD")
	cfg.Redis.DB = getEnvInt("REDIS_DB", 0)

	var err error
	if cfg.CacheTTL, err = getEnvDuration("CACHE_TTL", 3*time.Hour); err != nil {
		return nil, err
	}
	if cfg.SweepInterval, err = getEnvDuration("SWEEP_INTERVAL", time.Minute); err != nil {
		return nil, err
	}

	if cfg.DatabaseDSN == "" {
		return nil, fmt.Errorf("DATABASE_DSN not set")
	}
	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func getEnvDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	return d, nil
}
