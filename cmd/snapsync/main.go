// Command snapsync bootstraps node state from a recent state snapshot and
// reports the block from which incremental sync resumes.
//
// Usage:
//
//	snapsync [flags]
//
// Flags:
//
//	--config        Configuration file (toml, yaml or json)
//	--datadir       Data directory path
//	--mode          Sync mode: snap, full
//	--log.level     Log level (trace, debug, info, warn, error, crit)
//	--metrics       Serve prometheus metrics
//	--dev.accounts  Serve a synthetic state with this many accounts over loopback peers
//	--dev.peers     Number of loopback peers in dev mode
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/eth2030/snapsync/core/rawdb"
	"github.com/eth2030/snapsync/log"
	"github.com/eth2030/snapsync/metrics"
	"github.com/eth2030/snapsync/node"
	"github.com/eth2030/snapsync/p2p/snap"
	"github.com/eth2030/snapsync/sync"
)

// Build-time version info, overridable with ldflags:
//
//	go build -ldflags "-X main.version=v0.2.0 -X main.commit=abc1234"
var (
	version = "v0.1.0-dev"
	commit  = "unknown"
)

// devHeadBlock is the block the synthetic dev state is advertised at.
const devHeadBlock = 100_000

func main() {
	os.Exit(run(os.Args[1:]))
}

// options are the command-line settings layered over the config file.
type options struct {
	configPath  string
	dataDir     string
	mode        string
	logLevel    string
	metrics     bool
	devAccounts int
	devPeers    int
	devSeed     int64
	devLatency  time.Duration
}

// run is the actual entry point, returning an exit code. Accepts CLI
// arguments (without the program name) so it can be tested in isolation.
func run(args []string) int {
	cmd := newRootCommand()
	cmd.SetArgs(args)
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		if errors.Is(err, sync.ErrConfig) {
			return 2
		}
		return 1
	}
	return 0
}

func newRootCommand() *cobra.Command {
	var opts options
	cmd := &cobra.Command{
		Use:           "snapsync",
		Short:         "Synchronize state from a peer-served snapshot",
		Version:       fmt.Sprintf("%s (commit %s)", version, commit),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := resolveConfig(cmd, &opts)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runSync(ctx, cfg, &opts)
		},
	}
	f := cmd.Flags()
	f.StringVar(&opts.configPath, "config", "", "configuration file (toml, yaml or json)")
	f.StringVar(&opts.dataDir, "datadir", "", "data directory path")
	f.StringVar(&opts.mode, "mode", "", "sync mode (snap, full)")
	f.StringVar(&opts.logLevel, "log.level", "", "log level (trace, debug, info, warn, error, crit)")
	f.BoolVar(&opts.metrics, "metrics", false, "serve prometheus metrics")
	f.IntVar(&opts.devAccounts, "dev.accounts", 0, "serve a synthetic state with this many accounts")
	f.IntVar(&opts.devPeers, "dev.peers", 4, "number of loopback peers in dev mode")
	f.Int64Var(&opts.devSeed, "dev.seed", 1, "seed of the synthetic state")
	f.DurationVar(&opts.devLatency, "dev.latency", 0, "simulated round-trip time of loopback peers")
	return cmd
}

// resolveConfig loads the config file and applies the flags the user set.
func resolveConfig(cmd *cobra.Command, opts *options) (*node.Config, error) {
	cfg, err := node.LoadConfig(opts.configPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", sync.ErrConfig, err)
	}
	f := cmd.Flags()
	if f.Changed("datadir") {
		cfg.DataDir = opts.dataDir
	}
	if f.Changed("mode") {
		cfg.SyncMode = opts.mode
	}
	if f.Changed("log.level") {
		cfg.LogLevel = opts.logLevel
	}
	if f.Changed("metrics") {
		cfg.Metrics.Enabled = opts.metrics
	}
	if opts.devAccounts < 0 || opts.devPeers < 1 {
		return nil, fmt.Errorf("%w: dev.accounts must not be negative and dev.peers must be positive", sync.ErrConfig)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", sync.ErrConfig, err)
	}
	return cfg, nil
}

func newLogger(cfg *node.Config) (*log.Logger, error) {
	level, err := log.LevelFromString(cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	h, err := log.NewHandler(os.Stderr, cfg.LogFormat, level)
	if err != nil {
		return nil, err
	}
	return log.NewWithHandler(h), nil
}

func runSync(ctx context.Context, cfg *node.Config, opts *options) error {
	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}
	log.SetDefault(logger)
	logger.Info("snapsync starting", "version", version, "commit", commit,
		"datadir", cfg.DataDir, "mode", cfg.SyncMode)

	reg := prometheus.NewRegistry()
	m, err := metrics.NewSyncMetrics(reg)
	if err != nil {
		return err
	}
	if cfg.Metrics.Enabled {
		srv := serveMetrics(cfg.Metrics.Addr, reg, logger)
		defer srv.Close()
	}

	db, err := rawdb.Open(cfg.ResolvePath("staging"), 0, 0)
	if err != nil {
		return err
	}
	defer db.Close()

	peers := sync.NewPeerRegistry(cfg.Snap.PeerFailureThreshold, nil)
	tip := uint64(0)
	if opts.devAccounts > 0 {
		root, err := startDevNetwork(peers, opts, logger)
		if err != nil {
			return err
		}
		tip = devHeadBlock + cfg.Snap.MinRootAgeBlocks
		logger.Info("Dev network ready", "root", root, "block", devHeadBlock,
			"tip", tip, "accounts", opts.devAccounts, "peers", opts.devPeers)
	}

	root, err := sync.Run(ctx, cfg.Snap, cfg.Mode(), sync.Deps{
		DB:      db,
		Peers:   peers,
		Chain:   sync.ChainTipFunc(func() uint64 { return tip }),
		Target:  &resumeLogger{log: logger},
		Metrics: m,
		Logger:  logger,
	})
	if err != nil {
		return err
	}
	if cfg.Mode() == sync.ModeSnap {
		logger.Info("State snapshot ready", "root", root.Hash, "block", root.Block)
	}
	return nil
}

// startDevNetwork generates a synthetic state and registers loopback peers
// serving it.
func startDevNetwork(peers *sync.PeerRegistry, opts *options, logger *log.Logger) (common.Hash, error) {
	state, err := snap.GenerateState(opts.devAccounts, opts.devSeed)
	if err != nil {
		return common.Hash{}, err
	}
	handler := snap.NewStateHandler(state)
	for i := 0; i < opts.devPeers; i++ {
		p := snap.NewLoopbackPeer(fmt.Sprintf("dev-%d", i), handler, opts.devLatency, state.Root(), devHeadBlock)
		peers.Register(p, state.Root(), devHeadBlock)
	}
	logger.Debug("Generated dev state", "root", state.Root(), "nodes", state.NodeCount())
	return state.Root(), nil
}

func serveMetrics(addr string, reg *prometheus.Registry, logger *log.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("Metrics server stopped", "addr", addr, "err", err)
		}
	}()
	logger.Info("Serving metrics", "addr", addr)
	return srv
}

// resumeLogger stands in for the incremental sync pipeline, which lives
// outside this binary.
type resumeLogger struct {
	log *log.Logger
}

func (r *resumeLogger) ResumeFrom(block uint64, root common.Hash) error {
	r.log.Info("Incremental sync resume point", "block", block, "root", root)
	return nil
}
