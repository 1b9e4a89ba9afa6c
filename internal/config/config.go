// Package config loads runtime configuration from the environment: a flat
// struct populated by getEnv-with-fallback, covering this runtime's
// equivalents (equilibrate timeout, log level, and the optional postgres
// DSN for the mount index described in SPEC_FULL.md's DOMAIN STACK).
package config

import (
	"os"
	"time"
)

// Config holds the environment-derived settings a Manager is constructed
// with when run as a standalone process (see cmd/seamlessctl).
type Config struct {
	LogLevel           string
	EquilibrateTimeout time.Duration
	MountIndexDSN      string
}

// Load reads Config from the environment, falling back to sensible defaults.
func Load() *Config {
	return &Config{
		LogLevel:           getEnv("SEAMLESS_LOG_LEVEL", "info"),
		EquilibrateTimeout: getDuration("SEAMLESS_EQUILIBRATE_TIMEOUT", 5*time.Second),
		MountIndexDSN:      getEnv("SEAMLESS_MOUNT_INDEX_DSN", ""),
	}
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return d
}
