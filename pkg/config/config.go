// Package config provides the unified configuration for Pulsar writers and
// the in-memory chunk store, plus a YAML loader with environment variable
// substitution.
package config

import (
	"github.com/pulsardata/pulsar/pkg/chunkstore"
	"github.com/pulsardata/pulsar/pkg/errors"
)

// LoggingConfig controls the structured logger
type LoggingConfig struct {
	// Level is the minimum level to emit (debug, info, warn, error)
	Level string `yaml:"level" json:"level"`
	// Encoding selects json or console output
	Encoding string `yaml:"encoding" json:"encoding"`
	// Development enables colored, stack-traced development output
	Development bool `yaml:"development" json:"development"`
}

// Config is the top-level Pulsar configuration
type Config struct {
	// Logging configures the structured logger
	Logging LoggingConfig `yaml:"logging" json:"logging"`

	// Store configures chunking, retention, table capacity and compression
	Store *chunkstore.Config `yaml:"store" json:"store"`
}

// Default returns the default configuration
func Default() *Config {
	return &Config{
		Logging: LoggingConfig{
			Level:    "info",
			Encoding: "json",
		},
		Store: chunkstore.DefaultConfig(),
	}
}

// Validate checks the configuration for consistency
func (c *Config) Validate() error {
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return errors.Newf(errors.ErrorTypeValidation,
			"unknown log level %q", c.Logging.Level)
	}

	switch c.Logging.Encoding {
	case "json", "console":
	default:
		return errors.Newf(errors.ErrorTypeValidation,
			"unknown log encoding %q", c.Logging.Encoding)
	}

	if c.Store == nil {
		return errors.New(errors.ErrorTypeValidation, "store configuration is required")
	}
	return c.Store.Validate()
}
