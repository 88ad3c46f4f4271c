// Package node holds the process-level configuration of the snapsync
// binary: where data lives, how it logs, whether it exports metrics, and
// the snapshot sync tunables.
package node

import (
	"errors"
	"fmt"
	"path/filepath"

	"github.com/eth2030/snapsync/log"
	"github.com/eth2030/snapsync/sync"
)

// Config holds all configuration for a snapsync node.
type Config struct {
	// DataDir is the root directory for the staging database.
	DataDir string `mapstructure:"datadir"`

	// SyncMode selects the sync strategy (full, snap).
	SyncMode string `mapstructure:"sync_mode"`

	// LogLevel controls log verbosity (trace, debug, info, warn, error, crit).
	LogLevel string `mapstructure:"log_level"`

	// LogFormat is one of json, terminal, logfmt.
	LogFormat string `mapstructure:"log_format"`

	Metrics MetricsConfig `mapstructure:"metrics"`

	// Snap carries the snapshot sync tunables.
	Snap sync.Config `mapstructure:"snap"`
}

// MetricsConfig controls the prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		DataDir:   "snapsync-data",
		SyncMode:  "snap",
		LogLevel:  "info",
		LogFormat: log.FormatTerminal,
		Metrics: MetricsConfig{
			Enabled: false,
			Addr:    "127.0.0.1:6060",
		},
		Snap: sync.DefaultConfig(),
	}
}

// Validate checks configuration values for correctness.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return errors.New("config: datadir must not be empty")
	}
	if _, err := sync.ParseMode(c.SyncMode); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if _, err := log.LevelFromString(c.LogLevel); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	switch c.LogFormat {
	case log.FormatJSON, log.FormatTerminal, log.FormatLogfmt:
	default:
		return fmt.Errorf("config: unknown log format %q", c.LogFormat)
	}
	if c.Metrics.Enabled && c.Metrics.Addr == "" {
		return errors.New("config: metrics addr must be set when metrics are enabled")
	}
	return c.Snap.Validate()
}

// Mode returns the parsed sync mode. Validate must have succeeded.
func (c *Config) Mode() sync.Mode {
	m, _ := sync.ParseMode(c.SyncMode)
	return m
}

// ResolvePath resolves a path relative to the data directory.
func (c *Config) ResolvePath(path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(c.DataDir, path)
}
