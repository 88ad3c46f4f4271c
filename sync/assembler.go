// assembler.go merges verified ranges into the coverage map and the staging
// tables. It is the single writer of both: every mutation of coverage or
// staged data for the active root goes through it, and every flush persists
// the staged batch together with a checkpoint describing it.
package sync

import (
	"fmt"
	"slices"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethdb"
	"github.com/ethereum/go-ethereum/rlp"
	gethtrie "github.com/ethereum/go-ethereum/trie"
	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/jonboulle/clockwork"

	"github.com/eth2030/snapsync/core/rawdb"
	"github.com/eth2030/snapsync/log"
	"github.com/eth2030/snapsync/metrics"
)

// recentStagedEntries sizes the cache of recently staged keys.
const recentStagedEntries = 65536

type stagedKey struct {
	table rawdb.Table
	a, b  common.Hash
}

type storageState struct {
	root common.Hash
	cov  *CoverageMap
}

// Followups lists the work discovered while ingesting accounts.
type Followups struct {
	Storage []StorageTarget
	Codes   []common.Hash
}

// Empty reports whether there is no follow-up work.
func (f *Followups) Empty() bool { return f == nil || len(f.Storage)+len(f.Codes) == 0 }

// Assembler owns the coverage map and staging store of the active root.
type Assembler struct {
	db        ethdb.KeyValueStore
	batch     ethdb.Batch
	pending   int
	threshold int

	root     StateRoot
	attempt  uuid.UUID
	phase    Phase
	accounts *CoverageMap
	storage  map[common.Hash]*storageState
	codes    map[common.Hash]struct{} // referenced but not yet staged
	recent   *lru.Cache[stagedKey, struct{}]
	counts   [4]int

	suppliers *supplierLog

	// computed caches the rebuilt account root until accounts change.
	computed common.Hash
	dirty    bool

	clock   clockwork.Clock
	log     *log.Logger
	metrics *metrics.SyncMetrics
}

// NewAssembler creates an assembler writing to db.
func NewAssembler(db ethdb.KeyValueStore, cfg *Config, m *metrics.SyncMetrics, clock clockwork.Clock, logger *log.Logger) *Assembler {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = log.Default()
	}
	recent, _ := lru.New[stagedKey, struct{}](recentStagedEntries)
	return &Assembler{
		db:        db,
		batch:     db.NewBatch(),
		threshold: cfg.CommitThreshold,
		accounts:  new(CoverageMap),
		storage:   make(map[common.Hash]*storageState),
		codes:     make(map[common.Hash]struct{}),
		recent:    recent,
		suppliers: newSupplierLog(),
		clock:     clock,
		log:       logger.Module("snap/assembler"),
		metrics:   m,
	}
}

// Begin starts a fresh attempt under root.
func (a *Assembler) Begin(root StateRoot, attempt uuid.UUID) {
	a.reset()
	a.root, a.attempt, a.phase = root, attempt, PhaseDownloading
}

func (a *Assembler) reset() {
	a.batch.Reset()
	a.pending = 0
	a.accounts.Reset()
	a.storage = make(map[common.Hash]*storageState)
	a.codes = make(map[common.Hash]struct{})
	a.recent.Purge()
	a.counts = [4]int{}
	a.suppliers = newSupplierLog()
	a.computed, a.dirty = common.Hash{}, true
}

// Restore resumes the attempt described by cp. Storage and code needs are
// rebuilt from the staged accounts.
func (a *Assembler) Restore(cp *SyncCheckpoint) error {
	a.reset()
	a.root = cp.StateRoot()
	a.attempt, a.phase = cp.AttemptID, cp.Phase
	for _, iv := range cp.Accounts {
		a.accounts.Add(iv)
	}
	for _, sc := range cp.Storage {
		a.storage[sc.Account] = &storageState{root: sc.Root, cov: NewCoverageMap(sc.Intervals...)}
	}
	it := rawdb.NewStagedAccountIterator(a.db, common.Hash{})
	defer it.Release()
	for it.Next() {
		a.counts[rawdb.TableAccounts]++
		acc := new(types.StateAccount)
		if err := rlp.DecodeBytes(it.Value(), acc); err != nil {
			return fmt.Errorf("snap sync: staged account %x: %w", it.Hash(), err)
		}
		a.track(it.Hash(), acc, nil)
	}
	if err := it.Error(); err != nil {
		return err
	}
	for _, table := range []rawdb.Table{rawdb.TableStorage, rawdb.TableCode, rawdb.TableTrieNodes} {
		n, err := rawdb.CountStaged(a.db, table)
		if err != nil {
			return err
		}
		a.counts[table] = n
	}
	a.log.Info("Restored sync checkpoint", "root", a.root.Hash, "block", a.root.Block,
		"phase", a.phase, "attempt", a.attempt, "coverage", a.accounts.Ratio(), "accounts", a.counts[rawdb.TableAccounts])
	return nil
}

// track records the storage and code an account refers to. New needs are
// appended to f when it is not nil.
func (a *Assembler) track(hash common.Hash, acc *types.StateAccount, f *Followups) {
	if acc.Root != types.EmptyRootHash {
		if _, ok := a.storage[hash]; !ok {
			a.storage[hash] = &storageState{root: acc.Root, cov: new(CoverageMap)}
			if f != nil {
				f.Storage = append(f.Storage, StorageTarget{Account: hash, Root: acc.Root})
			}
		}
	}
	code := common.BytesToHash(acc.CodeHash)
	if code != types.EmptyCodeHash && code != (common.Hash{}) {
		if _, ok := a.codes[code]; ok {
			return
		}
		if rawdb.HasStagedCode(a.db, code) {
			return
		}
		a.codes[code] = struct{}{}
		if f != nil {
			f.Codes = append(f.Codes, code)
		}
	}
}

// RecordFailure charges peer with the state of a request it failed to serve.
func (a *Assembler) RecordFailure(req *RangeRequest, peer string) { a.suppliers.record(req, peer) }

// RecordStorageSupplier notes that peer served slots of owner. A storage trie
// that later fails its root check is healed from other peers first.
func (a *Assembler) RecordStorageSupplier(owner common.Hash, peer string) {
	a.suppliers.addStorage(owner, peer)
}

// Root returns the active root.
func (a *Assembler) Root() StateRoot { return a.root }

// Attempt returns the active attempt id.
func (a *Assembler) Attempt() uuid.UUID { return a.attempt }

// Phase returns the current phase.
func (a *Assembler) Phase() Phase { return a.phase }

// Ingest merges a verified range. Coverage never shrinks here.
func (a *Assembler) Ingest(v *VerifiedRange) (*Followups, error) {
	f := new(Followups)
	switch v.Kind {
	case AccountRange:
		for i, key := range v.Keys {
			if err := a.stage(rawdb.TableAccounts, key, common.Hash{}, v.Values[i]); err != nil {
				return nil, err
			}
			a.track(key, v.Accounts[i], f)
		}
		a.accounts.Add(v.Covered)
		a.dirty = true
		a.metrics.SetCoverage(a.accounts.Ratio())

	case StorageRange:
		st, ok := a.storage[v.Owner]
		if !ok {
			st = &storageState{root: v.Root, cov: new(CoverageMap)}
			a.storage[v.Owner] = st
		}
		for i, key := range v.Keys {
			if err := a.stage(rawdb.TableStorage, v.Owner, key, v.Values[i]); err != nil {
				return nil, err
			}
		}
		st.cov.Add(v.Covered)

	case ByteCode:
		for i, key := range v.Keys {
			if err := a.stage(rawdb.TableCode, key, common.Hash{}, v.Values[i]); err != nil {
				return nil, err
			}
			delete(a.codes, key)
		}

	case TrieNode:
		for i, key := range v.Keys {
			if err := a.stage(rawdb.TableTrieNodes, key, common.Hash{}, v.Values[i]); err != nil {
				return nil, err
			}
		}
	}
	return f, nil
}

// stage adds one content-addressed entry to the batch, flushing when the
// commit threshold is reached. The flush blocks ingestion until it is
// durable. Entries the store already holds are rewritten but not counted.
func (a *Assembler) stage(table rawdb.Table, k1, k2 common.Hash, value []byte) error {
	key := stagedKey{table: table, a: k1, b: k2}
	if a.recent.Contains(key) {
		return nil
	}
	known := a.has(table, k1, k2)
	var err error
	switch table {
	case rawdb.TableAccounts:
		err = rawdb.WriteStagedAccount(a.batch, k1, value)
	case rawdb.TableStorage:
		err = rawdb.WriteStagedStorage(a.batch, k1, k2, value)
	case rawdb.TableCode:
		err = rawdb.WriteStagedCode(a.batch, k1, value)
	case rawdb.TableTrieNodes:
		err = rawdb.WriteStagedNode(a.batch, k1, value)
	}
	if err != nil {
		return err
	}
	a.recent.Add(key, struct{}{})
	a.pending++
	if !known {
		a.counts[table]++
		a.metrics.StagedItems(table.String(), 1)
	}
	if a.pending >= a.threshold {
		return a.Flush()
	}
	return nil
}

// has reports whether the store already holds a staged entry.
func (a *Assembler) has(table rawdb.Table, k1, k2 common.Hash) bool {
	switch table {
	case rawdb.TableAccounts:
		return rawdb.HasStagedAccount(a.db, k1)
	case rawdb.TableStorage:
		return rawdb.HasStagedStorage(a.db, k1, k2)
	case rawdb.TableCode:
		return rawdb.HasStagedCode(a.db, k1)
	default:
		return rawdb.HasStagedNode(a.db, k1)
	}
}

// Flush writes the staged batch and the checkpoint atomically.
func (a *Assembler) Flush() error {
	start := a.clock.Now()
	if err := writeCheckpoint(a.batch, a.Snapshot()); err != nil {
		return err
	}
	if err := a.batch.Write(); err != nil {
		return fmt.Errorf("snap sync: flush staging batch: %w", err)
	}
	items := a.pending
	a.batch.Reset()
	a.pending = 0
	elapsed := a.clock.Since(start)
	a.metrics.Flushed(elapsed.Seconds())
	a.log.Debug("Flushed staging batch", "items", items, "elapsed", elapsed)
	return nil
}

// SetPhase moves the attempt to phase and persists it.
func (a *Assembler) SetPhase(p Phase) error {
	a.phase = p
	return a.Flush()
}

// Snapshot returns the checkpoint describing the current coverage.
func (a *Assembler) Snapshot() *SyncCheckpoint {
	cp := &SyncCheckpoint{
		Phase:     a.phase,
		Root:      a.root.Hash,
		Block:     a.root.Block,
		AttemptID: a.attempt,
		Accounts:  a.accounts.Intervals(),
		UpdatedAt: uint64(a.clock.Now().Unix()),
	}
	owners := make([]common.Hash, 0, len(a.storage))
	for owner := range a.storage {
		owners = append(owners, owner)
	}
	slices.SortFunc(owners, func(x, y common.Hash) int { return x.Cmp(y) })
	for _, owner := range owners {
		st := a.storage[owner]
		cp.Storage = append(cp.Storage, StorageCoverage{Account: owner, Root: st.root, Intervals: st.cov.Intervals()})
	}
	return cp
}

// Coverage returns a copy of the account coverage.
func (a *Assembler) Coverage() *CoverageMap { return a.accounts.Clone() }

// CoverageComplete reports whether the account key space is fully covered.
func (a *Assembler) CoverageComplete() bool { return a.accounts.Complete() }

// AccountGaps returns the uncovered account intervals.
func (a *Assembler) AccountGaps() []Interval { return a.accounts.Gaps(FullInterval()) }

// StorageGaps returns the uncovered slot intervals of every account with
// storage, keyed by account.
func (a *Assembler) StorageGaps() map[common.Hash][]Interval {
	out := make(map[common.Hash][]Interval)
	for owner, st := range a.storage {
		if gaps := st.cov.Gaps(FullInterval()); len(gaps) > 0 {
			out[owner] = gaps
		}
	}
	return out
}

// StorageTarget returns the storage root of an account with storage.
func (a *Assembler) StorageTarget(owner common.Hash) (StorageTarget, bool) {
	st, ok := a.storage[owner]
	if !ok {
		return StorageTarget{}, false
	}
	return StorageTarget{Account: owner, Root: st.root}, true
}

// StorageOwners returns every account with storage, in ascending order.
func (a *Assembler) StorageOwners() []common.Hash {
	owners := make([]common.Hash, 0, len(a.storage))
	for owner := range a.storage {
		owners = append(owners, owner)
	}
	slices.SortFunc(owners, func(x, y common.Hash) int { return x.Cmp(y) })
	return owners
}

// MissingCodes returns referenced byte codes that are not staged yet.
func (a *Assembler) MissingCodes() []common.Hash {
	out := make([]common.Hash, 0, len(a.codes))
	for hash := range a.codes {
		out = append(out, hash)
	}
	slices.SortFunc(out, func(x, y common.Hash) int { return x.Cmp(y) })
	return out
}

// Counts returns the number of staged entries per table.
func (a *Assembler) Counts() [4]int { return a.counts }

// ComputedRoot rebuilds the account trie from the staged accounts and
// returns its root. Every hashed node of the rebuilt trie is staged. The
// result is reused until further accounts are ingested.
func (a *Assembler) ComputedRoot() (common.Hash, error) {
	if !a.accounts.Complete() {
		return common.Hash{}, ErrCoverageIncomplete
	}
	if !a.dirty {
		return a.computed, nil
	}
	if err := a.Flush(); err != nil {
		return common.Hash{}, err
	}
	it := rawdb.NewStagedAccountIterator(a.db, common.Hash{})
	defer it.Release()
	root, err := a.rebuild(it)
	if err != nil {
		return common.Hash{}, err
	}
	a.computed, a.dirty = root, false
	a.log.Info("Recomputed state root", "root", root, "accounts", a.counts[rawdb.TableAccounts])
	return root, nil
}

// ComputedStorageRoot rebuilds the storage trie of owner from its staged
// slots.
func (a *Assembler) ComputedStorageRoot(owner common.Hash) (common.Hash, error) {
	if err := a.Flush(); err != nil {
		return common.Hash{}, err
	}
	it := rawdb.NewStagedStorageIterator(a.db, owner)
	defer it.Release()
	return a.rebuild(it)
}

func (a *Assembler) rebuild(it *rawdb.StagedIterator) (common.Hash, error) {
	var stageErr error
	st := gethtrie.NewStackTrie(func(path []byte, hash common.Hash, blob []byte) {
		if stageErr == nil {
			stageErr = a.stage(rawdb.TableTrieNodes, hash, common.Hash{}, common.CopyBytes(blob))
		}
	})
	for it.Next() {
		key := it.Hash()
		if err := st.Update(key[:], common.CopyBytes(it.Value())); err != nil {
			return common.Hash{}, err
		}
	}
	if err := it.Error(); err != nil {
		return common.Hash{}, err
	}
	root := st.Hash()
	if stageErr != nil {
		return common.Hash{}, stageErr
	}
	return root, a.Flush()
}

// DiscardStorage drops the staged slots and coverage of one account so it
// can be fetched again.
func (a *Assembler) DiscardStorage(owner common.Hash) error {
	if err := a.Flush(); err != nil {
		return err
	}
	n, err := rawdb.DeleteStagedStorage(a.db, owner)
	if err != nil {
		return err
	}
	a.counts[rawdb.TableStorage] -= n
	if st, ok := a.storage[owner]; ok {
		st.cov.Reset()
	}
	a.recent.Purge()
	return a.Flush()
}

// Discard drops every staged entry and the checkpoint.
func (a *Assembler) Discard() error {
	a.reset()
	n, err := rawdb.DeleteStagingTables(a.db)
	if err != nil {
		return err
	}
	if err := rawdb.DeleteSyncCheckpoint(a.db); err != nil {
		return err
	}
	a.phase = PhaseNone
	a.log.Info("Discarded staged state", "root", a.root.Hash, "entries", n)
	return nil
}
