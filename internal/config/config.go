// Package config loads engine configuration from the environment.
//
// Operation timeouts are deliberately NOT configurable here; they live in
// the fixed catalog in internal/remote so callers cannot invent ad hoc
// budgets per call site.
package config

import (
	"os"
	"path/filepath"
	"strconv"

	"github.com/joho/godotenv"
)

type Config struct {
	// Engine
	Env       string
	Version   string
	LogLevel  string
	LogFormat string

	// Connection store
	StorePath string

	// Transfer pipeline
	TempDir string

	// Terminal
	OutputRingBytes int
}

func Load() (*Config, error) {
	// Load .env file if exists
	_ = godotenv.Load()

	cfg := &Config{
		Env:             getEnv("ENV", "development"),
		Version:         getEnv("VERSION", "0.1.0"),
		LogLevel:        getEnv("LOG_LEVEL", "info"),
		LogFormat:       getEnv("LOG_FORMAT", "json"),
		StorePath:       getEnv("HOSTBRIDGE_STORE", ""),
		TempDir:         getEnv("HOSTBRIDGE_TMP", os.TempDir()),
		OutputRingBytes: getEnvAsInt("HOSTBRIDGE_OUTPUT_RING_BYTES", 1<<20),
	}

	if cfg.StorePath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, err
		}
		cfg.StorePath = filepath.Join(home, ".hostbridge", "connections.json")
	}

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}
