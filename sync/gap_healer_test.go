package sync

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethdb"
	"github.com/stretchr/testify/require"

	"github.com/eth2030/snapsync/core/rawdb"
	"github.com/eth2030/snapsync/metrics"
	"github.com/eth2030/snapsync/trie"
)

func newTestHealer(t *testing.T, cfg *Config, db ethdb.KeyValueStore, a *Assembler, peers ...*testPeer) *GapHealer {
	t.Helper()
	reg := newTestRegistry(cfg, peers...)
	s := newTestScheduler(t, cfg, reg, a.Root().Hash)
	return NewGapHealer(cfg, db, a, s, metrics.NewUnregistered(), testLogger())
}

func healCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestGapHealer_FetchesStorageAndCode(t *testing.T) {
	cfg := testConfig()
	db := rawdb.NewMemoryDatabase()
	state := newTestState(t, 60, 31)
	a := newTestAssembler(t, db, &cfg, state.Root())

	// Only the account layer is present.
	_, err := a.Ingest(verifiedAccounts(t, state, FullInterval(), 0))
	require.NoError(t, err)
	require.NotEmpty(t, a.StorageGaps())
	require.NotEmpty(t, a.MissingCodes())

	h := newTestHealer(t, &cfg, db, a, newTestPeer("a", state, 1000), newTestPeer("b", state, 1000))
	require.NoError(t, h.Heal(healCtx(t)))

	require.Empty(t, a.StorageGaps())
	require.Empty(t, a.MissingCodes())
	root, err := a.ComputedRoot()
	require.NoError(t, err)
	require.Equal(t, state.Root(), root)
}

func TestGapHealer_FillsAccountGap(t *testing.T) {
	cfg := testConfig()
	db := rawdb.NewMemoryDatabase()
	state := newTestState(t, 40, 32)
	a := newTestAssembler(t, db, &cfg, state.Root())

	v := verifiedAccounts(t, state, FullInterval(), 1000)
	require.False(t, v.Complete)
	_, err := a.Ingest(v)
	require.NoError(t, err)

	h := newTestHealer(t, &cfg, db, a, newTestPeer("a", state, 1000))
	require.NoError(t, h.Heal(healCtx(t)))
	require.True(t, a.CoverageComplete())
}

func TestGapHealer_RepairsStorageRootMismatch(t *testing.T) {
	cfg := testConfig()
	db := rawdb.NewMemoryDatabase()
	state := newTestState(t, 30, 33)
	a := newTestAssembler(t, db, &cfg, state.Root())
	assembleState(t, a, state)
	require.NoError(t, a.Flush())

	// A stray slot makes the staged trie disagree with the storage root.
	owner := a.StorageOwners()[0]
	require.NoError(t, rawdb.WriteStagedStorage(db, owner, common.HexToHash("0x1234"), []byte{0x01}))
	before, err := a.ComputedStorageRoot(owner)
	require.NoError(t, err)
	target, _ := a.StorageTarget(owner)
	require.NotEqual(t, target.Root, before)

	h := newTestHealer(t, &cfg, db, a, newTestPeer("a", state, 1000))
	require.NoError(t, h.Heal(healCtx(t)))
	got, err := a.ComputedStorageRoot(owner)
	require.NoError(t, err)
	require.Equal(t, target.Root, got)
	require.False(t, rawdb.HasStagedStorage(db, owner, common.HexToHash("0x1234")))
}

func TestGapHealer_RefetchesMissingTrieNode(t *testing.T) {
	cfg := testConfig()
	db := rawdb.NewMemoryDatabase()
	state := newTestState(t, 50, 34)
	a := newTestAssembler(t, db, &cfg, state.Root())
	assembleState(t, a, state)
	_, err := a.ComputedRoot()
	require.NoError(t, err)
	for _, owner := range a.StorageOwners() {
		_, err := a.ComputedStorageRoot(owner)
		require.NoError(t, err)
	}

	refs, err := trie.ChildHashes(rawdb.ReadStagedNode(db, state.Root()))
	require.NoError(t, err)
	require.NotEmpty(t, refs)
	lost := refs[0]
	require.NoError(t, rawdb.DeleteStagedNode(db, lost.Hash))

	// A restored assembler has not seen the node staged before.
	cp, err := LoadCheckpoint(db)
	require.NoError(t, err)
	b := NewAssembler(db, &cfg, nil, nil, testLogger())
	require.NoError(t, b.Restore(cp))

	h := newTestHealer(t, &cfg, db, b, newTestPeer("a", state, 1000))
	missing := h.missingNodes()
	require.Len(t, missing, 1)
	require.Equal(t, lost.Hash, missing[0].Hash)
	require.Equal(t, lost.Path, missing[0].Path)

	task := h.task("node", TrieNode, nil)
	task.node = missing[0]
	require.NoError(t, h.runRound(healCtx(t), []*healTask{task}))
	require.True(t, task.progress)
	require.NoError(t, b.Flush())
	require.True(t, rawdb.HasStagedNode(db, lost.Hash))
	require.Empty(t, h.missingNodes())
}

// Healing gives up exactly once, naming every unresolved code.
func TestGapHealer_UnrecoverableGap(t *testing.T) {
	cfg := testConfig()
	cfg.HealMaxRetries = 3
	db := rawdb.NewMemoryDatabase()
	state := newTestState(t, 40, 35)
	a := newTestAssembler(t, db, &cfg, state.Root())

	f, err := a.Ingest(verifiedAccounts(t, state, FullInterval(), 0))
	require.NoError(t, err)
	for _, v := range verifiedStorage(t, state, f.Storage) {
		_, err := a.Ingest(v)
		require.NoError(t, err)
	}
	missing := a.MissingCodes()
	require.NotEmpty(t, missing)

	pa, pb := newTestPeer("a", state, 1000), newTestPeer("b", state, 1000)
	pa.tamperCodes, pb.tamperCodes = dropCodes, dropCodes
	h := newTestHealer(t, &cfg, db, a, pa, pb)

	err = h.Heal(healCtx(t))
	require.ErrorIs(t, err, ErrUnrecoverableGap)
	var gapErr *UnrecoverableGapError
	require.True(t, errors.As(err, &gapErr))
	require.Len(t, gapErr.Gaps, len(missing))
	for _, g := range gapErr.Gaps {
		require.Equal(t, ByteCode, g.Kind)
		require.Equal(t, cfg.HealMaxRetries, g.Attempts)
		require.ElementsMatch(t, []string{"a", "b"}, g.PeersTried)
	}
	// Each peer was asked once; the third round found nobody left to ask.
	require.Equal(t, 1, pa.Calls())
	require.Equal(t, 1, pb.Calls())
}

// Peers that supplied or failed to supply a piece of state are not asked for
// it on the first healing attempt.
func TestGapHealer_FirstAttemptAvoidsSuppliers(t *testing.T) {
	cfg := testConfig()
	cfg.PeerStrategy = StrategyFastest
	cfg.PeerFailureThreshold = 100
	db := rawdb.NewMemoryDatabase()
	state := newTestState(t, 40, 37)
	a := newTestAssembler(t, db, &cfg, state.Root())

	f, err := a.Ingest(verifiedAccounts(t, state, FullInterval(), 0))
	require.NoError(t, err)
	require.NotEmpty(t, f.Storage)
	require.NotEmpty(t, f.Codes)
	a.RecordFailure(&RangeRequest{Kind: ByteCode, Hashes: f.Codes}, "a")
	a.RecordFailure(&RangeRequest{Kind: StorageRange, Storage: f.Storage}, "a")

	pa, pb := newTestPeer("a", state, 1000), newTestPeer("b", state, 1000)
	h := newTestHealer(t, &cfg, db, a, pa, pb)
	// b looks slow, so the fastest strategy prefers a whenever it may.
	h.sched.peers.RecordSuccess("b", time.Second)

	require.NoError(t, h.Heal(healCtx(t)))
	require.Zero(t, pa.Calls())
	require.ElementsMatch(t, f.Codes, pb.CodeHashes())
}

func TestGapHealer_SeedsTriedPeers(t *testing.T) {
	cfg := testConfig()
	db := rawdb.NewMemoryDatabase()
	state := newTestState(t, 40, 38)
	a := newTestAssembler(t, db, &cfg, state.Root())

	v := verifiedAccounts(t, state, FullInterval(), 1000)
	require.False(t, v.Complete)
	_, err := a.Ingest(v)
	require.NoError(t, err)
	gap := a.AccountGaps()[0]
	a.RecordFailure(&RangeRequest{Kind: AccountRange, Interval: Interval{Start: gap.Start, End: MaxHash}}, "a")
	a.RecordFailure(&RangeRequest{Kind: AccountRange, Interval: v.Covered}, "c")
	owner := a.StorageOwners()[0]
	a.RecordStorageSupplier(owner, "b")

	h := newTestHealer(t, &cfg, db, a)
	open, err := h.detect()
	require.NoError(t, err)
	for _, task := range open {
		switch {
		case task.kind == AccountRange:
			require.ElementsMatch(t, []string{"a"}, task.tried.ToSlice())
		case task.kind == StorageRange && task.owner == owner:
			require.ElementsMatch(t, []string{"b"}, task.tried.ToSlice())
		default:
			require.Zero(t, task.tried.Cardinality(), task.id)
		}
	}
}

// The unrecoverable gap report carries the complete key ranges.
func TestGapHealer_ReportsFullKeyRanges(t *testing.T) {
	cfg := testConfig()
	cfg.HealMaxRetries = 2
	db := rawdb.NewMemoryDatabase()
	state := newTestState(t, 40, 39)
	a := newTestAssembler(t, db, &cfg, state.Root())

	v := verifiedAccounts(t, state, FullInterval(), 1000)
	require.False(t, v.Complete)
	_, err := a.Ingest(v)
	require.NoError(t, err)
	accountGaps := a.AccountGaps()
	require.Len(t, accountGaps, 1)
	storageGaps := a.StorageGaps()
	require.NotEmpty(t, storageGaps)

	p := newTestPeer("a", state, 1000)
	p.fail = errors.New("connection reset")
	h := newTestHealer(t, &cfg, db, a, p)

	err = h.Heal(healCtx(t))
	var gapErr *UnrecoverableGapError
	require.ErrorAs(t, err, &gapErr)
	var accounts, storage int
	for _, g := range gapErr.Gaps {
		switch g.Kind {
		case AccountRange:
			accounts++
			require.Empty(t, g.Owner)
			require.Equal(t, accountGaps[0].Hex(), g.Interval)
		case StorageRange:
			storage++
			ivs, ok := storageGaps[common.HexToHash(g.Owner)]
			require.True(t, ok, g.Owner)
			require.Equal(t, ivs[0].Hex(), g.Interval)
		}
		require.Equal(t, []string{"a"}, g.PeersTried)
	}
	require.Equal(t, 1, accounts)
	require.Equal(t, len(storageGaps), storage)
	require.Contains(t, err.Error(), accountGaps[0].Start.Hex())
	require.Contains(t, err.Error(), accountGaps[0].End.Hex())
}

// A queue smaller than one round of requests still heals every gap.
func TestGapHealer_SmallQueue(t *testing.T) {
	cfg := testConfig()
	cfg.MaxConcurrentRequests = 1
	cfg.MaxQueuedRequests = 2
	cfg.MaxByteCodesPerRequest = 1
	db := rawdb.NewMemoryDatabase()
	state := newTestState(t, 60, 40)
	a := newTestAssembler(t, db, &cfg, state.Root())

	_, err := a.Ingest(verifiedAccounts(t, state, FullInterval(), 0))
	require.NoError(t, err)
	require.Greater(t, len(a.StorageOwners()), cfg.MaxQueuedRequests)
	codes := a.MissingCodes()
	require.Greater(t, len(codes), cfg.MaxQueuedRequests)

	p := newTestPeer("a", state, 1000)
	h := newTestHealer(t, &cfg, db, a, p)
	require.NoError(t, h.Heal(healCtx(t)))
	require.Empty(t, a.StorageGaps())
	require.Empty(t, a.MissingCodes())
	require.ElementsMatch(t, codes, p.CodeHashes())
	require.Equal(t, 1, int(p.peak.Load()))
}
