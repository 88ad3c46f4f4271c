package sync

import (
	"context"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"github.com/eth2030/snapsync/log"
	"github.com/eth2030/snapsync/metrics"
	"github.com/eth2030/snapsync/p2p/snap"
)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.MinRootAgeBlocks = 5
	cfg.MaxRootAgeBlocks = 100
	cfg.RequestTimeout = 2 * time.Second
	cfg.BackoffInitial = time.Millisecond
	cfg.BackoffMax = 5 * time.Millisecond
	cfg.MaxRetries = 3
	cfg.HealMaxRetries = 3
	cfg.CommitThreshold = 64
	cfg.AccountTasks = 4
	cfg.ProgressInterval = time.Hour
	return cfg
}

func testLogger() *log.Logger { return log.Discard() }

func newTestState(t *testing.T, n int, seed int64) *snap.State {
	t.Helper()
	s, err := snap.GenerateState(n, seed)
	require.NoError(t, err)
	return s
}

// hashOf returns a hash whose last byte is b.
func hashOf(b byte) common.Hash {
	var h common.Hash
	h[31] = b
	return h
}

// testPeer wraps a snap peer with fault injection and concurrency accounting.
type testPeer struct {
	Peer
	id string

	mu       sync.Mutex
	calls    int
	inflight *atomic.Int32
	peak     *atomic.Int32
	delay    time.Duration

	// Mutators applied to responses before they are returned.
	tamperAccounts func(*snap.AccountRangePacket)
	tamperStorage  func(*snap.StorageRangesPacket)
	tamperCodes    func(*snap.ByteCodesPacket)
	fail           error

	codeHashes []common.Hash // every code hash asked for, in order
}

func newTestPeer(id string, state *snap.State, block uint64) *testPeer {
	inner := snap.NewLoopbackPeer(id, snap.NewStateHandler(state), 0, state.Root(), block)
	return &testPeer{Peer: inner, id: id, inflight: new(atomic.Int32), peak: new(atomic.Int32)}
}

func (p *testPeer) ID() string { return p.id }

func (p *testPeer) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func (p *testPeer) enter(ctx context.Context) (func(), error) {
	p.mu.Lock()
	p.calls++
	fail := p.fail
	p.mu.Unlock()

	n := p.inflight.Add(1)
	for {
		peak := p.peak.Load()
		if n <= peak || p.peak.CompareAndSwap(peak, n) {
			break
		}
	}
	leave := func() { p.inflight.Add(-1) }
	if p.delay > 0 {
		select {
		case <-time.After(p.delay):
		case <-ctx.Done():
			leave()
			return nil, ctx.Err()
		}
	}
	if fail != nil {
		leave()
		return nil, fail
	}
	return leave, nil
}

func (p *testPeer) RequestAccountRange(ctx context.Context, req *snap.GetAccountRangePacket) (*snap.AccountRangePacket, error) {
	leave, err := p.enter(ctx)
	if err != nil {
		return nil, err
	}
	defer leave()
	resp, err := p.Peer.RequestAccountRange(ctx, req)
	if err == nil && p.tamperAccounts != nil {
		p.tamperAccounts(resp)
	}
	return resp, err
}

func (p *testPeer) RequestStorageRanges(ctx context.Context, req *snap.GetStorageRangesPacket) (*snap.StorageRangesPacket, error) {
	leave, err := p.enter(ctx)
	if err != nil {
		return nil, err
	}
	defer leave()
	resp, err := p.Peer.RequestStorageRanges(ctx, req)
	if err == nil && p.tamperStorage != nil {
		p.tamperStorage(resp)
	}
	return resp, err
}

// CodeHashes returns the code hashes the peer was asked for.
func (p *testPeer) CodeHashes() []common.Hash {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.codeHashes)
}

func (p *testPeer) RequestByteCodes(ctx context.Context, req *snap.GetByteCodesPacket) (*snap.ByteCodesPacket, error) {
	p.mu.Lock()
	p.codeHashes = append(p.codeHashes, req.Hashes...)
	p.mu.Unlock()
	leave, err := p.enter(ctx)
	if err != nil {
		return nil, err
	}
	defer leave()
	resp, err := p.Peer.RequestByteCodes(ctx, req)
	if err == nil && p.tamperCodes != nil {
		p.tamperCodes(resp)
	}
	return resp, err
}

func (p *testPeer) RequestTrieNodes(ctx context.Context, req *snap.GetTrieNodesPacket) (*snap.TrieNodesPacket, error) {
	leave, err := p.enter(ctx)
	if err != nil {
		return nil, err
	}
	defer leave()
	return p.Peer.RequestTrieNodes(ctx, req)
}

// dropCodes makes a peer answer every bytecode request with nothing.
func dropCodes(resp *snap.ByteCodesPacket) { resp.Codes = nil }

// corruptFirstAccount flips a byte of the first returned account body.
func corruptFirstAccount(resp *snap.AccountRangePacket) {
	if len(resp.Accounts) > 0 {
		body := common.CopyBytes(resp.Accounts[0].Body)
		body[len(body)-1] ^= 0xff
		resp.Accounts[0] = &snap.AccountData{Hash: resp.Accounts[0].Hash, Body: body}
	}
}

func newTestRegistry(cfg *Config, peers ...*testPeer) *PeerRegistry {
	reg := NewPeerRegistry(cfg.PeerFailureThreshold, nil)
	for _, p := range peers {
		lp := p.Peer.(*snap.LoopbackPeer)
		root, block := lp.Head()
		reg.Register(p, root, block)
	}
	return reg
}

func newTestScheduler(t *testing.T, cfg *Config, reg *PeerRegistry, root common.Hash) *Scheduler {
	t.Helper()
	s := NewScheduler(cfg, reg, metrics.NewUnregistered(), nil, testLogger())
	t.Cleanup(s.Close)
	s.Reset(root)
	return s
}

// drainScheduler collects results until the scheduler is idle.
func drainScheduler(t *testing.T, s *Scheduler) []*Result {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	var out []*Result
	for {
		res, err := s.Next(ctx)
		require.NoError(t, err)
		if res == nil {
			return out
		}
		out = append(out, res)
	}
}

type resumeRecorder struct {
	mu    sync.Mutex
	block uint64
	root  common.Hash
	calls int
}

func (r *resumeRecorder) ResumeFrom(block uint64, root common.Hash) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.block, r.root = block, root
	r.calls++
	return nil
}
