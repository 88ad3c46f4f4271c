// stage.go is the snapshot sync pipeline stage. It selects a state root,
// downloads the account and storage layers through the scheduler, heals what
// the download missed, verifies the final root and hands the resume point to
// incremental sync. Progress survives restarts through the checkpoint written
// with every flush.
package sync

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethdb"
	"github.com/gammazero/deque"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"

	"github.com/eth2030/snapsync/core/rawdb"
	"github.com/eth2030/snapsync/log"
	"github.com/eth2030/snapsync/metrics"
)

// Mode selects how a node acquires state.
type Mode uint8

const (
	// ModeSnap downloads a recent state snapshot before incremental sync.
	ModeSnap Mode = iota
	// ModeFull replays the chain from genesis.
	ModeFull
)

func (m Mode) String() string {
	switch m {
	case ModeSnap:
		return "snap"
	case ModeFull:
		return "full"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(m))
	}
}

// ParseMode parses a sync mode name.
func ParseMode(s string) (Mode, error) {
	switch s {
	case "snap", "snapshot":
		return ModeSnap, nil
	case "full":
		return ModeFull, nil
	default:
		return 0, fmt.Errorf("%w: unknown sync mode %q", ErrConfig, s)
	}
}

// ChainTip reports the head block number of the canonical chain.
type ChainTip interface {
	TipBlock() uint64
}

// ChainTipFunc adapts a function to ChainTip.
type ChainTipFunc func() uint64

// TipBlock calls f.
func (f ChainTipFunc) TipBlock() uint64 { return f() }

// IncrementalSync is the block-by-block sync that continues from the
// snapshot.
type IncrementalSync interface {
	ResumeFrom(block uint64, root common.Hash) error
}

// Deps are the collaborators of the stage.
type Deps struct {
	DB      ethdb.KeyValueStore
	Peers   *PeerRegistry
	Chain   ChainTip
	Target  IncrementalSync
	Metrics *metrics.SyncMetrics
	Clock   clockwork.Clock
	Logger  *log.Logger
}

// Run is the single entry point of state acquisition. In ModeFull it hands
// incremental sync the genesis start point; in ModeSnap it runs the stage to
// completion and returns the verified root.
func Run(ctx context.Context, cfg Config, mode Mode, deps Deps) (StateRoot, error) {
	if err := cfg.Validate(); err != nil {
		return StateRoot{}, err
	}
	if deps.Target == nil {
		return StateRoot{}, fmt.Errorf("%w: no incremental sync target", ErrConfig)
	}
	if mode == ModeFull {
		return StateRoot{}, deps.Target.ResumeFrom(0, common.Hash{})
	}
	s, err := NewStage(&cfg, deps)
	if err != nil {
		return StateRoot{}, err
	}
	defer s.Close()
	return s.Run(ctx)
}

// progress is a point-in-time view published by the sync loop for the
// reporter.
type progress struct {
	coverage float64
	counts   [4]int
	inflight int
	queued   int
}

// Stage runs snapshot sync attempts.
type Stage struct {
	cfg      *Config
	db       ethdb.KeyValueStore
	peers    *PeerRegistry
	chain    ChainTip
	target   IncrementalSync
	selector *RootSelector
	sched    *Scheduler
	asm      *Assembler
	clock    clockwork.Clock
	log      *log.Logger
	metrics  *metrics.SyncMetrics

	backlog  *deque.Deque[*RangeRequest]
	progress atomic.Pointer[progress]
}

// NewStage wires the sync components over deps.
func NewStage(cfg *Config, deps Deps) (*Stage, error) {
	if deps.DB == nil || deps.Peers == nil || deps.Chain == nil {
		return nil, fmt.Errorf("%w: stage needs a database, a peer registry and a chain tip", ErrConfig)
	}
	clock := deps.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	logger := deps.Logger
	if logger == nil {
		logger = log.Default()
	}
	return &Stage{
		cfg:      cfg,
		db:       deps.DB,
		peers:    deps.Peers,
		chain:    deps.Chain,
		target:   deps.Target,
		selector: NewRootSelector(cfg, clock, logger),
		sched:    NewScheduler(cfg, deps.Peers, deps.Metrics, clock, logger),
		asm:      NewAssembler(deps.DB, cfg, deps.Metrics, clock, logger),
		clock:    clock,
		log:      logger.Module("snap/stage"),
		metrics:  deps.Metrics,
		backlog:  deque.New[*RangeRequest](),
	}, nil
}

// Selector exposes the root selector, for peers that announce heads after
// the stage was created.
func (s *Stage) Selector() *RootSelector { return s.selector }

// Close stops the scheduler workers.
func (s *Stage) Close() { s.sched.Close() }

// Run syncs to a verified root, retrying with a new root when the final root
// does not match or the root ages out. On success the resume point is handed
// to the incremental sync target, if any.
func (s *Stage) Run(ctx context.Context) (StateRoot, error) {
	cp, err := LoadCheckpoint(s.db)
	if err != nil {
		return StateRoot{}, err
	}
	if cp != nil && cp.Phase == PhaseDone {
		root := cp.StateRoot()
		s.log.Info("Snapshot already synced", "root", root.Hash, "block", root.Block)
		return root, s.handoff(root)
	}
	var lastErr error
	for attempt := 1; attempt <= s.cfg.MaxAttempts; attempt++ {
		root, err := s.prepare(cp)
		cp = nil
		if err != nil {
			if lastErr != nil {
				return StateRoot{}, fmt.Errorf("%w: after %w", err, lastErr)
			}
			return StateRoot{}, err
		}
		s.log.Info("Starting snapshot sync attempt", "attempt", attempt, "root", root.Hash,
			"block", root.Block, "id", s.asm.Attempt(), "phase", s.asm.Phase())

		err = s.attempt(ctx, root)
		if err == nil {
			return root, s.handoff(root)
		}
		if !errors.Is(err, ErrRootMismatch) && !errors.Is(err, ErrRootExpired) {
			s.log.Error("Snapshot sync failed", "root", root.Hash, "block", root.Block, "err", err)
			return StateRoot{}, err
		}
		lastErr = err
		s.log.Warn("Restarting snapshot sync", "attempt", attempt, "root", root.Hash, "err", err)
		s.metrics.Restarted()
		s.selector.Reject(root.Hash)
		s.sched.Reset(common.Hash{})
		if err := s.asm.Discard(); err != nil {
			return StateRoot{}, err
		}
	}
	return StateRoot{}, fmt.Errorf("snap sync: gave up after %d attempts: %w", s.cfg.MaxAttempts, lastErr)
}

// Unwind discards all staged state and the checkpoint, reverting to the
// pre-sync state.
func (s *Stage) Unwind() error {
	s.sched.Reset(common.Hash{})
	s.backlog.Clear()
	return s.asm.Discard()
}

func (s *Stage) handoff(root StateRoot) error {
	if s.target == nil {
		return nil
	}
	s.log.Info("Handing off to incremental sync", "block", root.Block+1, "root", root.Hash)
	return s.target.ResumeFrom(root.Block+1, root.Hash)
}

// prepare resumes the checkpointed attempt when it is still usable, or
// selects a root and starts a fresh attempt.
func (s *Stage) prepare(cp *SyncCheckpoint) (StateRoot, error) {
	tip := s.chain.TipBlock()
	if cp != nil {
		root := cp.StateRoot()
		if !s.selector.Expired(root, tip) {
			if err := s.asm.Restore(cp); err != nil {
				return StateRoot{}, err
			}
			return root, nil
		}
		s.log.Warn("Checkpointed root expired", "root", root.Hash, "block", root.Block, "tip", tip)
	}
	for _, rec := range s.peers.Records() {
		if rec.ReportedRoot != (common.Hash{}) {
			s.selector.RegisterCandidate(rec.ID, rec.ReportedRoot, rec.ReportedBlock)
		}
	}
	root, err := s.selector.Select(tip)
	if err != nil {
		return StateRoot{}, err
	}
	if err := s.asm.Discard(); err != nil {
		return StateRoot{}, err
	}
	s.asm.Begin(root, uuid.New())
	if err := s.asm.SetPhase(PhaseDownloading); err != nil {
		return StateRoot{}, err
	}
	return root, nil
}

// attempt runs one attempt under root, alongside the progress reporter.
func (s *Stage) attempt(ctx context.Context, root StateRoot) error {
	g, gctx := errgroup.WithContext(ctx)
	done := make(chan struct{})
	g.Go(func() error {
		defer close(done)
		return s.syncRoot(gctx, root)
	})
	g.Go(func() error {
		s.report(gctx, done)
		return nil
	})
	return g.Wait()
}

func (s *Stage) syncRoot(ctx context.Context, root StateRoot) error {
	s.sched.Reset(root.Hash)
	s.backlog.Clear()

	if s.asm.Phase() == PhaseDownloading {
		s.metrics.SetPhase(int(PhaseDownloading))
		if err := s.download(ctx, root); err != nil {
			return err
		}
		if s.asm.CoverageComplete() {
			if err := s.verifyRoot(root); err != nil {
				return err
			}
		}
		if err := s.asm.SetPhase(PhaseHealing); err != nil {
			return err
		}
	}
	s.metrics.SetPhase(int(PhaseHealing))
	healer := NewGapHealer(s.cfg, s.db, s.asm, s.sched, s.metrics, s.log)
	healer.checkRoot = func() error { return s.checkExpiry(root) }
	if err := healer.Heal(ctx); err != nil {
		return err
	}
	if err := s.verifyRoot(root); err != nil {
		return err
	}
	if err := s.asm.SetPhase(PhaseDone); err != nil {
		return err
	}
	s.metrics.SetPhase(int(PhaseDone))
	counts := s.asm.Counts()
	s.log.Info("Snapshot sync complete", "root", root.Hash, "block", root.Block,
		"accounts", counts[rawdb.TableAccounts], "slots", counts[rawdb.TableStorage],
		"codes", counts[rawdb.TableCode], "nodes", counts[rawdb.TableTrieNodes])
	return nil
}

func (s *Stage) verifyRoot(root StateRoot) error {
	got, err := s.asm.ComputedRoot()
	if err != nil {
		return err
	}
	if got != root.Hash {
		return fmt.Errorf("%w: computed %x, want %x", ErrRootMismatch, got, root.Hash)
	}
	return nil
}

func (s *Stage) checkExpiry(root StateRoot) error {
	if tip := s.chain.TipBlock(); s.selector.Expired(root, tip) {
		return fmt.Errorf("%w: root block %d, tip %d", ErrRootExpired, root.Block, tip)
	}
	return nil
}

// download fetches the uncovered account ranges and everything they refer
// to until the scheduler runs dry.
func (s *Stage) download(ctx context.Context, root StateRoot) error {
	gaps := s.asm.AccountGaps()
	perGap := max(1, s.cfg.AccountTasks/max(1, len(gaps)))
	for _, gap := range gaps {
		for _, iv := range splitInterval(gap, perGap) {
			s.enqueue(&RangeRequest{Kind: AccountRange, Interval: iv})
		}
	}
	// Storage and code discovered before an interruption.
	storageGaps := s.asm.StorageGaps()
	var fresh []StorageTarget
	for _, owner := range s.asm.StorageOwners() {
		ivs, ok := storageGaps[owner]
		if !ok {
			continue
		}
		target, _ := s.asm.StorageTarget(owner)
		if len(ivs) == 1 && ivs[0] == FullInterval() {
			fresh = append(fresh, target)
			continue
		}
		for _, iv := range ivs {
			s.enqueue(&RangeRequest{Kind: StorageRange, Interval: iv, Storage: []StorageTarget{target}})
		}
	}
	if len(fresh) > 0 {
		s.enqueue(&RangeRequest{Kind: StorageRange, Storage: fresh})
	}
	if codes := s.asm.MissingCodes(); len(codes) > 0 {
		s.enqueue(&RangeRequest{Kind: ByteCode, Hashes: codes})
	}

	s.publish()
	for {
		submitErr := s.drain(root)
		if submitErr != nil && !errors.Is(submitErr, ErrResourceExhausted) {
			return submitErr
		}
		res, err := s.sched.Next(ctx)
		if err != nil {
			return err
		}
		if res == nil {
			if s.backlog.Len() == 0 {
				break
			}
			if submitErr != nil {
				return submitErr
			}
			continue
		}
		if err := s.handle(res); err != nil {
			return err
		}
		if err := s.checkExpiry(root); err != nil {
			return err
		}
		s.publish()
	}
	return s.asm.Flush()
}

func (s *Stage) enqueue(req *RangeRequest) { s.backlog.PushBack(req) }

// drain moves backlog requests into the scheduler until its queue is full.
func (s *Stage) drain(root StateRoot) error {
	for s.backlog.Len() > 0 {
		req := s.backlog.Front()
		req.Root = root.Hash
		if err := s.sched.Submit(req); err != nil {
			return err
		}
		s.backlog.PopFront()
	}
	return nil
}

// handle ingests one terminal result and enqueues its continuation and
// follow-up work. Abandoned requests are left to healing.
func (s *Stage) handle(res *Result) error {
	req := res.Request
	if res.Err != nil {
		s.log.Warn("Request abandoned, leaving gap to healing", "req", req, "peer", req.LastPeer, "err", res.Err)
		s.asm.RecordFailure(req, req.LastPeer)
		return nil
	}
	var (
		storage []StorageTarget
		codes   []common.Hash
	)
	for _, v := range res.Verified {
		f, err := s.asm.Ingest(v)
		if err != nil {
			return err
		}
		storage = append(storage, f.Storage...)
		codes = append(codes, f.Codes...)
		if v.Kind == StorageRange {
			s.asm.RecordStorageSupplier(v.Owner, req.Peer)
		}
	}
	switch req.Kind {
	case AccountRange:
		v := res.Verified[0]
		if !v.Complete {
			if next, ok := nextKey(v.Covered.End); ok {
				s.enqueue(&RangeRequest{Kind: AccountRange, Interval: Interval{Start: next, End: req.Interval.End}})
			}
		}
	case StorageRange:
		n := len(res.Verified)
		if last := res.Verified[n-1]; !last.Complete {
			iv := FullInterval()
			if n == 1 {
				iv.End = req.Interval.End
			}
			if next, ok := nextKey(last.Covered.End); ok {
				iv.Start = next
				s.enqueue(&RangeRequest{Kind: StorageRange, Interval: iv, Storage: []StorageTarget{req.Storage[n-1]}})
			}
		}
		if n < len(req.Storage) {
			s.enqueue(&RangeRequest{Kind: StorageRange, Storage: req.Storage[n:]})
		}
	case ByteCode:
		got := make(map[common.Hash]struct{}, len(res.Verified[0].Keys))
		for _, k := range res.Verified[0].Keys {
			got[k] = struct{}{}
		}
		var rest []common.Hash
		for _, h := range req.Hashes {
			if _, ok := got[h]; !ok {
				rest = append(rest, h)
			}
		}
		codes = append(codes, rest...)
	}
	if len(storage) > 0 {
		s.enqueue(&RangeRequest{Kind: StorageRange, Storage: storage})
	}
	if len(codes) > 0 {
		s.enqueue(&RangeRequest{Kind: ByteCode, Hashes: codes})
	}
	return nil
}

func (s *Stage) publish() {
	s.progress.Store(&progress{
		coverage: s.asm.accounts.Ratio(),
		counts:   s.asm.Counts(),
		inflight: s.sched.InFlight(),
		queued:   s.sched.Queued() + s.backlog.Len(),
	})
}

// report logs sync progress every ProgressInterval until done is closed.
func (s *Stage) report(ctx context.Context, done <-chan struct{}) {
	ticker := s.clock.NewTicker(s.cfg.ProgressInterval)
	defer ticker.Stop()
	start := s.clock.Now()
	for {
		select {
		case <-ctx.Done():
			return
		case <-done:
			return
		case <-ticker.Chan():
			p := s.progress.Load()
			if p == nil {
				continue
			}
			elapsed := s.clock.Since(start)
			var eta time.Duration
			if p.coverage > 0 && p.coverage < 1 {
				eta = time.Duration(float64(elapsed) * (1 - p.coverage) / p.coverage).Round(time.Second)
			}
			s.log.Info("Syncing state snapshot",
				"coverage", fmt.Sprintf("%.2f%%", p.coverage*100),
				"accounts", p.counts[rawdb.TableAccounts], "slots", p.counts[rawdb.TableStorage],
				"codes", p.counts[rawdb.TableCode], "nodes", p.counts[rawdb.TableTrieNodes],
				"inflight", p.inflight, "queued", p.queued,
				"elapsed", elapsed.Round(time.Second), "eta", eta)
		}
	}
}
