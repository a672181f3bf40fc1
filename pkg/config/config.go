// Package config holds the agent's environment-and-flag configuration.
package config

import (
	"os"
	"strconv"
)

// Config holds all configuration for the TDA agent service.
type Config struct {
	// Listen Configuration (spec.md §6 CLI surface: -H host, -P port)
	Host string
	Port int

	// Storage Configuration
	DataDir        string // base directory for persisted KEL + keys
	Ed25519KeyPath string // path to the hex key file holding the agent's current and next Ed25519 private keys
	PersistEnabled bool   // if false, run with an in-memory LogState only

	// Service Configuration
	LogLevel string
}

// Load reads configuration from environment variables. CLI flags parsed in
// main.go override the corresponding fields after Load returns.
func Load() (*Config, error) {
	cfg := &Config{
		Host:           getEnv("TDA_HOST", "localhost"),
		Port:           getEnvInt("TDA_PORT", 49152),
		DataDir:        getEnv("TDA_DATA_DIR", "./data"),
		Ed25519KeyPath: getEnv("TDA_KEY_PATH", ""),
		PersistEnabled: getEnvBool("TDA_PERSIST", true),
		LogLevel:       getEnv("TDA_LOG_LEVEL", "info"),
	}
	return cfg, nil
}

// Addr returns the host:port listen address.
func (c *Config) Addr() string {
	return c.Host + ":" + strconv.Itoa(c.Port)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}
