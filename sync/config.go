package sync

import (
	"fmt"
	"time"
)

// Peer selection strategies.
const (
	StrategyBest       = "best"
	StrategyFastest    = "fastest"
	StrategyRoundRobin = "round-robin"
	StrategyRandom     = "random"
)

// Config holds the tunables of snapshot sync. Field tags carry the option
// names accepted in configuration files.
type Config struct {
	// MaxConcurrentRequests bounds the number of in-flight requests.
	MaxConcurrentRequests int `mapstructure:"max_concurrent_requests"`

	// MaxResponseBytes is the soft response size asked of peers.
	MaxResponseBytes uint64 `mapstructure:"max_response_bytes"`

	// Per-kind item caps on outgoing requests.
	MaxAccountsPerRequest     int `mapstructure:"max_accounts_per_request"`
	MaxStorageSlotsPerRequest int `mapstructure:"max_storage_slots_per_request"`
	MaxByteCodesPerRequest    int `mapstructure:"max_byte_codes_per_request"`
	MaxTrieNodesPerRequest    int `mapstructure:"max_trie_nodes_per_request"`

	// CommitThreshold is the number of staged items that triggers a flush.
	CommitThreshold int `mapstructure:"commit_threshold"`

	// Root age window, in blocks behind the chain tip.
	MinRootAgeBlocks uint64 `mapstructure:"min_root_age_blocks"`
	MaxRootAgeBlocks uint64 `mapstructure:"max_root_age_blocks"`

	// RequestTimeout is the per-request deadline.
	RequestTimeout time.Duration `mapstructure:"request_timeout"`

	// MaxRetries is how often a failed request is requeued before it is
	// abandoned.
	MaxRetries int `mapstructure:"max_retries"`

	// HealMaxRetries bounds the attempts per healing task.
	HealMaxRetries int `mapstructure:"heal_max_retries"`

	// PeerFailureThreshold excludes peers with more consecutive failures.
	PeerFailureThreshold int `mapstructure:"peer_failure_threshold"`

	// PeerStrategy is one of best, fastest, round-robin, random.
	PeerStrategy string `mapstructure:"peer_strategy"`

	// RootQuorum is the number of peers that must report the same root and
	// block before the root is eligible.
	RootQuorum int `mapstructure:"root_quorum"`

	// AccountTasks is the number of slices the account key space is split
	// into.
	AccountTasks int `mapstructure:"account_tasks"`

	// MaxQueuedRequests bounds the scheduler queue.
	MaxQueuedRequests int `mapstructure:"max_queued_requests"`

	// Requeue backoff bounds.
	BackoffInitial time.Duration `mapstructure:"backoff_initial"`
	BackoffMax     time.Duration `mapstructure:"backoff_max"`

	// RequestsPerSecond throttles dispatch; zero disables throttling.
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`

	// MaxAttempts bounds full restarts after a final root mismatch.
	MaxAttempts int `mapstructure:"max_attempts"`

	// ProgressInterval is the period of progress log lines.
	ProgressInterval time.Duration `mapstructure:"progress_interval"`
}

// DefaultConfig returns the default snapshot sync configuration.
func DefaultConfig() Config {
	return Config{
		MaxConcurrentRequests:     10,
		MaxResponseBytes:          2 * 1024 * 1024,
		MaxAccountsPerRequest:     1000,
		MaxStorageSlotsPerRequest: 1000,
		MaxByteCodesPerRequest:    100,
		MaxTrieNodesPerRequest:    100,
		CommitThreshold:           10000,
		MinRootAgeBlocks:          7200,
		MaxRootAgeBlocks:          50400,
		RequestTimeout:            10 * time.Second,
		MaxRetries:                5,
		HealMaxRetries:            5,
		PeerFailureThreshold:      3,
		PeerStrategy:              StrategyBest,
		RootQuorum:                1,
		AccountTasks:              16,
		MaxQueuedRequests:         4096,
		BackoffInitial:            250 * time.Millisecond,
		BackoffMax:                10 * time.Second,
		MaxAttempts:               3,
		ProgressInterval:          8 * time.Second,
	}
}

// Validate checks the configuration for invalid combinations.
func (c *Config) Validate() error {
	switch {
	case c.MaxConcurrentRequests < 1:
		return fmt.Errorf("%w: max_concurrent_requests must be positive", ErrConfig)
	case c.MaxResponseBytes == 0:
		return fmt.Errorf("%w: max_response_bytes must be positive", ErrConfig)
	case c.MaxAccountsPerRequest < 1, c.MaxStorageSlotsPerRequest < 1,
		c.MaxByteCodesPerRequest < 1, c.MaxTrieNodesPerRequest < 1:
		return fmt.Errorf("%w: per-request item caps must be positive", ErrConfig)
	case c.CommitThreshold < 1:
		return fmt.Errorf("%w: commit_threshold must be positive", ErrConfig)
	case c.MinRootAgeBlocks > c.MaxRootAgeBlocks:
		return fmt.Errorf("%w: min_root_age_blocks %d exceeds max_root_age_blocks %d",
			ErrConfig, c.MinRootAgeBlocks, c.MaxRootAgeBlocks)
	case c.RequestTimeout <= 0:
		return fmt.Errorf("%w: request_timeout must be positive", ErrConfig)
	case c.MaxRetries < 0:
		return fmt.Errorf("%w: max_retries must not be negative", ErrConfig)
	case c.HealMaxRetries < 1:
		return fmt.Errorf("%w: heal_max_retries must be positive", ErrConfig)
	case c.PeerFailureThreshold < 1:
		return fmt.Errorf("%w: peer_failure_threshold must be positive", ErrConfig)
	case c.RootQuorum < 1:
		return fmt.Errorf("%w: root_quorum must be positive", ErrConfig)
	case c.AccountTasks < 1 || c.AccountTasks > 256:
		return fmt.Errorf("%w: account_tasks must be within [1, 256]", ErrConfig)
	case c.MaxQueuedRequests < c.MaxConcurrentRequests:
		return fmt.Errorf("%w: max_queued_requests below max_concurrent_requests", ErrConfig)
	case c.BackoffInitial <= 0 || c.BackoffMax < c.BackoffInitial:
		return fmt.Errorf("%w: backoff bounds invalid", ErrConfig)
	case c.RequestsPerSecond < 0:
		return fmt.Errorf("%w: requests_per_second must not be negative", ErrConfig)
	case c.MaxAttempts < 1:
		return fmt.Errorf("%w: max_attempts must be positive", ErrConfig)
	case c.ProgressInterval <= 0:
		return fmt.Errorf("%w: progress_interval must be positive", ErrConfig)
	}
	switch c.PeerStrategy {
	case StrategyBest, StrategyFastest, StrategyRoundRobin, StrategyRandom:
	default:
		return fmt.Errorf("%w: unknown peer_strategy %q", ErrConfig, c.PeerStrategy)
	}
	return nil
}
