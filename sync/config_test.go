package sync

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefaultConfig_Valid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	require.Equal(t, 10, cfg.MaxConcurrentRequests)
	require.Equal(t, uint64(2*1024*1024), cfg.MaxResponseBytes)
	require.Equal(t, uint64(7200), cfg.MinRootAgeBlocks)
	require.Equal(t, uint64(50400), cfg.MaxRootAgeBlocks)
	require.Equal(t, 5, cfg.MaxRetries)
	require.Equal(t, 5, cfg.HealMaxRetries)
}

func TestConfig_ValidateRejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero concurrency", func(c *Config) { c.MaxConcurrentRequests = 0 }},
		{"zero response bytes", func(c *Config) { c.MaxResponseBytes = 0 }},
		{"zero code cap", func(c *Config) { c.MaxByteCodesPerRequest = 0 }},
		{"zero commit threshold", func(c *Config) { c.CommitThreshold = 0 }},
		{"inverted age window", func(c *Config) { c.MinRootAgeBlocks, c.MaxRootAgeBlocks = 100, 10 }},
		{"zero timeout", func(c *Config) { c.RequestTimeout = 0 }},
		{"negative retries", func(c *Config) { c.MaxRetries = -1 }},
		{"zero heal retries", func(c *Config) { c.HealMaxRetries = 0 }},
		{"unknown strategy", func(c *Config) { c.PeerStrategy = "loudest" }},
		{"zero quorum", func(c *Config) { c.RootQuorum = 0 }},
		{"too many account tasks", func(c *Config) { c.AccountTasks = 1000 }},
		{"queue below concurrency", func(c *Config) { c.MaxQueuedRequests = 1 }},
		{"inverted backoff", func(c *Config) { c.BackoffMax = c.BackoffInitial / 2 }},
		{"negative rate", func(c *Config) { c.RequestsPerSecond = -1 }},
		{"zero attempts", func(c *Config) { c.MaxAttempts = 0 }},
		{"zero progress interval", func(c *Config) { c.ProgressInterval = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			require.ErrorIs(t, cfg.Validate(), ErrConfig)
		})
	}
}

func TestParseMode(t *testing.T) {
	m, err := ParseMode("snap")
	require.NoError(t, err)
	require.Equal(t, ModeSnap, m)
	m, err = ParseMode("full")
	require.NoError(t, err)
	require.Equal(t, ModeFull, m)
	_, err = ParseMode("light")
	require.ErrorIs(t, err, ErrConfig)
}
