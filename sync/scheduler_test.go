package sync

import (
	"context"
	"errors"
	"math/big"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
)

func TestScheduler_BoundedConcurrency(t *testing.T) {
	cfg := testConfig()
	cfg.MaxConcurrentRequests = 3
	state := newTestState(t, 200, 11)

	inflight, peak := new(atomic.Int32), new(atomic.Int32)
	var peers []*testPeer
	for _, id := range []string{"a", "b", "c", "d", "e"} {
		p := newTestPeer(id, state, 1000)
		p.inflight, p.peak = inflight, peak
		p.delay = 10 * time.Millisecond
		peers = append(peers, p)
	}
	reg := newTestRegistry(&cfg, peers...)
	s := newTestScheduler(t, &cfg, reg, state.Root())

	for _, iv := range splitInterval(FullInterval(), 12) {
		require.NoError(t, s.Submit(&RangeRequest{Kind: AccountRange, Root: state.Root(), Interval: iv}))
	}
	require.Equal(t, 12, s.Queued())

	results := drainScheduler(t, s)
	require.Len(t, results, 12)
	for _, res := range results {
		require.NoError(t, res.Err)
		require.Equal(t, StateCompleted, res.Request.State)
	}
	require.LessOrEqual(t, int(peak.Load()), 3)
	require.LessOrEqual(t, s.PeakInFlight(), 3)
	require.True(t, s.Idle())
}

func TestScheduler_InvalidProofRequeuedToOtherPeer(t *testing.T) {
	cfg := testConfig()
	state := newTestState(t, 50, 12)
	bad := newTestPeer("bad", state, 1000)
	bad.tamperAccounts = corruptFirstAccount
	good := newTestPeer("good", state, 1000)
	reg := newTestRegistry(&cfg, bad, good)
	s := newTestScheduler(t, &cfg, reg, state.Root())

	require.NoError(t, s.Submit(&RangeRequest{Kind: AccountRange, Root: state.Root()}))
	results := drainScheduler(t, s)
	require.Len(t, results, 1)

	res := results[0]
	require.NoError(t, res.Err)
	require.Equal(t, "good", res.Request.Peer)
	require.Equal(t, "bad", res.Request.LastPeer)
	require.Equal(t, 1, res.Request.Retries)
	require.ErrorIs(t, res.Request.Err, ErrInvalidProof)
	require.True(t, res.Verified[0].Complete)

	rec, _ := reg.Record("bad")
	require.Equal(t, 1, rec.ConsecutiveFailures)
	rec, _ = reg.Record("good")
	require.Zero(t, rec.ConsecutiveFailures)
	require.Equal(t, uint64(1), rec.Successes)
}

func TestScheduler_TimeoutRetriedElsewhere(t *testing.T) {
	cfg := testConfig()
	cfg.RequestTimeout = 50 * time.Millisecond
	state := newTestState(t, 20, 13)
	slow := newTestPeer("slow", state, 1000)
	slow.delay = time.Second
	fast := newTestPeer("fast", state, 1000)
	reg := newTestRegistry(&cfg, slow, fast)
	s := newTestScheduler(t, &cfg, reg, state.Root())

	require.NoError(t, s.Submit(&RangeRequest{Kind: AccountRange, Root: state.Root()}))
	results := drainScheduler(t, s)
	require.Len(t, results, 1)
	require.NoError(t, results[0].Err)
	require.Equal(t, "fast", results[0].Request.Peer)
	require.ErrorIs(t, results[0].Request.Err, ErrTimeout)

	rec, _ := reg.Record("slow")
	require.Equal(t, 1, rec.ConsecutiveFailures)
}

func TestScheduler_RetriesExhausted(t *testing.T) {
	cfg := testConfig()
	cfg.MaxRetries = 3
	state := newTestState(t, 10, 14)
	p := newTestPeer("only", state, 1000)
	p.fail = errors.New("connection reset")
	reg := newTestRegistry(&cfg, p)
	s := newTestScheduler(t, &cfg, reg, state.Root())

	require.NoError(t, s.Submit(&RangeRequest{Kind: AccountRange, Root: state.Root()}))
	results := drainScheduler(t, s)
	require.Len(t, results, 1)
	require.ErrorIs(t, results[0].Err, ErrRetriesExhausted)
	require.ErrorIs(t, results[0].Err, ErrNetwork)
	require.Equal(t, StateAbandoned, results[0].Request.State)
	require.Equal(t, 4, p.Calls())
}

func TestScheduler_OneShotStrictAvoidsTriedPeer(t *testing.T) {
	cfg := testConfig()
	state := newTestState(t, 10, 15)
	p := newTestPeer("only", state, 1000)
	p.fail = errors.New("connection reset")
	reg := newTestRegistry(&cfg, p)
	s := newTestScheduler(t, &cfg, reg, state.Root())

	require.NoError(t, s.Submit(&RangeRequest{Kind: AccountRange, Root: state.Root(), OneShot: true, Strict: true}))
	results := drainScheduler(t, s)
	require.Len(t, results, 1)
	require.ErrorIs(t, results[0].Err, ErrRetriesExhausted)
	require.Equal(t, 1, p.Calls())
}

func TestScheduler_ResetDropsStaleWork(t *testing.T) {
	cfg := testConfig()
	state := newTestState(t, 10, 16)
	p := newTestPeer("p", state, 1000)
	p.delay = 100 * time.Millisecond
	reg := newTestRegistry(&cfg, p)
	s := newTestScheduler(t, &cfg, reg, state.Root())

	require.NoError(t, s.Submit(&RangeRequest{Kind: AccountRange, Root: state.Root()}))
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	res, err := s.Next(ctx)
	cancel()
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Nil(t, res)
	require.Equal(t, 1, s.InFlight())

	newRoot := common.HexToHash("0x01")
	s.Reset(newRoot)
	err = s.Submit(&RangeRequest{Kind: AccountRange, Root: state.Root()})
	require.ErrorIs(t, err, ErrStaleRoot)

	require.Empty(t, drainScheduler(t, s))
	require.True(t, s.Idle())
	rec, _ := reg.Record("p")
	require.Zero(t, rec.ConsecutiveFailures, "stale work must not be charged to the peer")
	require.Zero(t, rec.Failures)
}

func TestScheduler_QueueFull(t *testing.T) {
	cfg := testConfig()
	cfg.MaxConcurrentRequests = 2
	cfg.MaxQueuedRequests = 2
	reg := NewPeerRegistry(cfg.PeerFailureThreshold, nil)
	root := common.HexToHash("0xaa")
	s := newTestScheduler(t, &cfg, reg, root)

	require.NoError(t, s.Submit(&RangeRequest{Kind: AccountRange, Root: root}))
	require.NoError(t, s.Submit(&RangeRequest{Kind: AccountRange, Root: root}))
	err := s.Submit(&RangeRequest{Kind: AccountRange, Root: root})
	require.ErrorIs(t, err, ErrResourceExhausted)
	require.Equal(t, 2, s.Queued())

	_, err = s.Next(context.Background())
	require.ErrorIs(t, err, ErrNoPeers)
}

func TestScheduler_FullQueueLeavesRequestIntact(t *testing.T) {
	cfg := testConfig()
	cfg.MaxByteCodesPerRequest = 100
	cfg.MaxQueuedRequests = 3
	root := common.HexToHash("0xaa")
	s := newTestScheduler(t, &cfg, NewPeerRegistry(3, nil), root)
	require.NoError(t, s.Submit(&RangeRequest{Kind: AccountRange, Root: root}))

	hashes := make([]common.Hash, 250)
	for i := range hashes {
		hashes[i] = common.BigToHash(big.NewInt(int64(i + 1)))
	}
	req := &RangeRequest{Kind: ByteCode, Root: root, Hashes: hashes}
	require.ErrorIs(t, s.Submit(req), ErrResourceExhausted)
	require.Len(t, req.Hashes, 250)
	require.Equal(t, 1, s.Queued())

	// Once there is room the same request goes through whole.
	cfg.MaxQueuedRequests = 4
	require.NoError(t, s.Submit(req))
	require.Equal(t, 4, s.Queued())
	var queued []common.Hash
	for i := 0; i < s.queues[ByteCode].Len(); i++ {
		queued = append(queued, s.queues[ByteCode].At(i).Hashes...)
	}
	require.Equal(t, hashes, queued)
}

func TestScheduler_EmptyQueueTakesOversizedRequest(t *testing.T) {
	cfg := testConfig()
	cfg.MaxByteCodesPerRequest = 10
	cfg.MaxConcurrentRequests = 2
	cfg.MaxQueuedRequests = 2
	root := common.HexToHash("0xaa")
	s := newTestScheduler(t, &cfg, NewPeerRegistry(3, nil), root)

	hashes := make([]common.Hash, 45)
	for i := range hashes {
		hashes[i] = common.BigToHash(big.NewInt(int64(i + 1)))
	}
	require.NoError(t, s.Submit(&RangeRequest{Kind: ByteCode, Root: root, Hashes: hashes}))
	require.Equal(t, 5, s.Queued())
	require.ErrorIs(t, s.Submit(&RangeRequest{Kind: AccountRange, Root: root}), ErrResourceExhausted)
}

func TestScheduler_SplitsHashRequests(t *testing.T) {
	cfg := testConfig()
	cfg.MaxByteCodesPerRequest = 100
	root := common.HexToHash("0xaa")
	s := newTestScheduler(t, &cfg, NewPeerRegistry(3, nil), root)

	hashes := make([]common.Hash, 250)
	for i := range hashes {
		hashes[i] = common.BigToHash(big.NewInt(int64(i + 1)))
	}
	req := &RangeRequest{Kind: ByteCode, Root: root, Hashes: hashes}
	require.NoError(t, s.Submit(req))
	require.Equal(t, 3, s.Queued())
	require.Len(t, req.Hashes, 100)
	require.Equal(t, 100, req.MaxItems)
}
