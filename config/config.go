// Package config loads the server configuration from the environment.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config is the server configuration.
type Config struct {
	Addr      string `env:"DOCLOADER_ADDR"       envDefault:":8080"`
	LogLevel  string `env:"DOCLOADER_LOG_LEVEL"  envDefault:"info"`
	LogFormat string `env:"DOCLOADER_LOG_FORMAT" envDefault:"json"`

	// FirestoreProject selects Cloud Firestore; empty means the in-memory
	// store.
	FirestoreProject string `env:"FIRESTORE_PROJECT"`

	// CacheSize enables the read-through snapshot cache when positive.
	CacheSize int64         `env:"DOCLOADER_CACHE_SIZE" envDefault:"0"`
	CacheTTL  time.Duration `env:"DOCLOADER_CACHE_TTL"  envDefault:"30s"`

	Debounce time.Duration `env:"DOCLOADER_DEBOUNCE" envDefault:"100ms"`
}

// Load reads Config from the environment.
func Load() (Config, error) {
	var cfg Config
	if err := ParseEnv(&cfg); err != nil {
		return Config{}, err
	}
	if cfg.Debounce < 0 {
		return Config{}, fmt.Errorf("DOCLOADER_DEBOUNCE must not be negative, got %s", cfg.Debounce)
	}
	return cfg, nil
}

// ParseEnv loads configuration from environment variables.
func ParseEnv(target any) error {
	if err := env.Parse(target); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}
