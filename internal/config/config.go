// Package config provides configuration loading and structs for the Quiver server.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the application.
type Config struct {
	Debug  bool         `yaml:"debug"`
	Server ServerConfig `yaml:"server"`
	Store  StoreConfig  `yaml:"store"`
	Dense  DenseConfig  `yaml:"dense"`
	Query  QueryConfig  `yaml:"query"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// StoreConfig holds multi-vector store settings.
type StoreConfig struct {
	// Backend selects the persistence backend: "sqlite" or "postgres".
	Backend string `yaml:"backend"`
	// Path is the SQLite database file path.
	Path string `yaml:"path"`
	// DSN is the PostgreSQL connection string.
	DSN string `yaml:"dsn"`
	// Dimension is the bit width of every quantized vector.
	Dimension int `yaml:"dimension"`
	// Scorer selects where MaxSim runs: "backend" (pushed into SQL) or
	// "process" (candidates pulled and scored in-process). Postgres always
	// scores in the backend.
	Scorer string `yaml:"scorer"`
	// MaxRetries and RetryDelayMS tune connection establishment retries.
	MaxRetries   int `yaml:"max_retries"`
	RetryDelayMS int `yaml:"retry_delay_ms"`
}

// RetryDelay returns the configured retry delay as a duration.
func (s *StoreConfig) RetryDelay() time.Duration {
	return time.Duration(s.RetryDelayMS) * time.Millisecond
}

// DenseConfig holds settings for the optional single-vector pass-through store.
type DenseConfig struct {
	Enabled   bool   `yaml:"enabled"`
	DSN       string `yaml:"dsn"`
	Dimension int    `yaml:"dimension"`
}

// QueryConfig holds search limits.
type QueryConfig struct {
	DefaultK int `yaml:"default_k"`
	MaxK     int `yaml:"max_k"`
}

// Load reads and parses the config file at path, applies environment
// overrides and defaults, and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	ApplyEnvOverrides(&cfg)
	ApplyDefaults(&cfg)
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ApplyEnvOverrides lets environment variables (typically loaded from a .env
// file) override connection settings without editing the config file.
func ApplyEnvOverrides(cfg *Config) {
	if v := os.Getenv("QUIVER_DSN"); v != "" {
		cfg.Store.DSN = v
	}
	if v := os.Getenv("QUIVER_DB_PATH"); v != "" {
		cfg.Store.Path = v
	}
	if v := os.Getenv("QUIVER_DENSE_DSN"); v != "" {
		cfg.Dense.DSN = v
	}
}

// Validate checks settings that have no sensible default.
func Validate(cfg *Config) error {
	switch cfg.Store.Backend {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("unknown store backend: %q (supported: sqlite, postgres)", cfg.Store.Backend)
	}
	if cfg.Store.Backend == "postgres" && cfg.Store.DSN == "" {
		return fmt.Errorf("store.dsn is required for the postgres backend")
	}
	switch cfg.Store.Scorer {
	case "backend", "process":
	default:
		return fmt.Errorf("unknown scorer mode: %q (supported: backend, process)", cfg.Store.Scorer)
	}
	if cfg.Store.Dimension <= 0 {
		return fmt.Errorf("store.dimension must be positive, got %d", cfg.Store.Dimension)
	}
	if cfg.Dense.Enabled && cfg.Dense.DSN == "" && cfg.Store.DSN == "" {
		return fmt.Errorf("dense.dsn is required when the dense store is enabled")
	}
	return nil
}
