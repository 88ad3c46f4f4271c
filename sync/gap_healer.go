// gap_healer.go finds and repairs what the range download left incomplete:
// uncovered key ranges, storage tries that do not hash to their account's
// storage root, missing byte codes and unreachable trie nodes. Each gap is a
// task retried against different peers until it resolves or runs out of
// attempts.
package sync

import (
	"context"
	"errors"
	"fmt"
	"slices"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethdb"

	"github.com/eth2030/snapsync/core/rawdb"
	"github.com/eth2030/snapsync/log"
	"github.com/eth2030/snapsync/metrics"
	"github.com/eth2030/snapsync/trie"
)

// maxMissingNodes bounds the trie nodes requested per healing round.
const maxMissingNodes = 4096

type healTask struct {
	id       string
	kind     Kind
	owner    common.Hash
	interval Interval
	hash     common.Hash
	node     NodeTarget

	attempts int
	tried    mapset.Set[string]
	progress bool
}

func (t *healTask) gap() Gap {
	g := Gap{Kind: t.kind, Attempts: t.attempts, PeersTried: t.tried.ToSlice()}
	slices.Sort(g.PeersTried)
	switch t.kind {
	case AccountRange:
		g.Interval = t.interval.Hex()
	case StorageRange:
		g.Owner = t.owner.Hex()
		g.Interval = t.interval.Hex()
	case ByteCode:
		g.Interval = t.hash.Hex()
	case TrieNode:
		if t.node.Owner != (common.Hash{}) {
			g.Owner = t.node.Owner.Hex()
		}
		g.Interval = fmt.Sprintf("path=%x hash=%s", t.node.Path, t.node.Hash.Hex())
	}
	return g
}

// GapHealer drives healing rounds over the assembler's state.
type GapHealer struct {
	cfg     *Config
	db      ethdb.KeyValueStore
	asm     *Assembler
	sched   *Scheduler
	log     *log.Logger
	metrics *metrics.SyncMetrics

	tasks    map[string]*healTask
	verified mapset.Set[common.Hash] // storage tries known to match their root

	// checkRoot is consulted before every round; an error aborts healing.
	checkRoot func() error
}

// NewGapHealer creates a healer working on the assembler's active root.
func NewGapHealer(cfg *Config, db ethdb.KeyValueStore, asm *Assembler, sched *Scheduler, m *metrics.SyncMetrics, logger *log.Logger) *GapHealer {
	if logger == nil {
		logger = log.Default()
	}
	return &GapHealer{
		cfg:      cfg,
		db:       db,
		asm:      asm,
		sched:    sched,
		log:      logger.Module("snap/healer"),
		metrics:  m,
		tasks:    make(map[string]*healTask),
		verified: mapset.NewThreadUnsafeSet[common.Hash](),
	}
}

// Heal runs healing rounds until no gap remains. A task that fails to make
// progress HealMaxRetries times makes Heal return an UnrecoverableGapError
// listing every such task.
func (h *GapHealer) Heal(ctx context.Context) error {
	for round := 1; ; round++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if h.checkRoot != nil {
			if err := h.checkRoot(); err != nil {
				return err
			}
		}
		open, err := h.detect()
		if err != nil {
			return err
		}
		if len(open) == 0 {
			h.log.Info("Healing complete", "rounds", round-1)
			return nil
		}
		h.log.Info("Healing round", "round", round, "tasks", len(open))
		if err := h.runRound(ctx, open); err != nil {
			return err
		}
		var gaps []Gap
		for _, t := range open {
			if t.progress {
				t.progress = false
				continue
			}
			t.attempts++
			if t.attempts >= h.cfg.HealMaxRetries {
				gaps = append(gaps, t.gap())
			}
		}
		if len(gaps) > 0 {
			slices.SortFunc(gaps, func(a, b Gap) int {
				if a.Kind != b.Kind {
					return int(a.Kind) - int(b.Kind)
				}
				if a.Owner != b.Owner {
					if a.Owner < b.Owner {
						return -1
					}
					return 1
				}
				if a.Interval < b.Interval {
					return -1
				}
				if a.Interval > b.Interval {
					return 1
				}
				return 0
			})
			for _, g := range gaps {
				h.metrics.HealTask(g.Kind.String(), metrics.OutcomeFailed)
			}
			return &UnrecoverableGapError{Gaps: gaps}
		}
	}
}

// task returns the persistent task for id, creating it on first sight. A new
// task counts the peers that supplied, or failed to supply, its state as
// already tried.
func (h *GapHealer) task(id string, kind Kind, suppliers []string) *healTask {
	t, ok := h.tasks[id]
	if !ok {
		t = &healTask{id: id, kind: kind, tried: mapset.NewThreadUnsafeSet(suppliers...)}
		h.tasks[id] = t
	}
	return t
}

// detect lists the open gaps, resolving tasks whose gap has disappeared.
func (h *GapHealer) detect() ([]*healTask, error) {
	if err := h.asm.Flush(); err != nil {
		return nil, err
	}
	open := make(map[string]*healTask)

	for _, iv := range h.asm.AccountGaps() {
		t := h.task("account:"+iv.Hex(), AccountRange, h.asm.suppliers.accountPeers(iv))
		t.interval = iv
		open[t.id] = t
	}
	gaps := h.asm.StorageGaps()
	for _, owner := range h.asm.StorageOwners() {
		if ivs, ok := gaps[owner]; ok {
			t := h.task("storage:"+owner.Hex(), StorageRange, h.asm.suppliers.storagePeers(owner))
			t.owner, t.interval = owner, ivs[0]
			open[t.id] = t
			continue
		}
		if h.verified.Contains(owner) {
			continue
		}
		target, _ := h.asm.StorageTarget(owner)
		got, err := h.asm.ComputedStorageRoot(owner)
		if err != nil {
			return nil, err
		}
		if got == target.Root {
			h.verified.Add(owner)
			continue
		}
		h.log.Warn("Storage root mismatch", "account", owner, "want", target.Root, "got", got)
		h.metrics.VerifyFailed("root_mismatch")
		if err := h.asm.DiscardStorage(owner); err != nil {
			return nil, err
		}
		t := h.task("storage:"+owner.Hex(), StorageRange, h.asm.suppliers.storagePeers(owner))
		t.owner, t.interval = owner, FullInterval()
		open[t.id] = t
	}
	for _, hash := range h.asm.MissingCodes() {
		t := h.task("code:"+hash.Hex(), ByteCode, h.asm.suppliers.codePeers(hash))
		t.hash = hash
		open[t.id] = t
	}
	if len(open) == 0 {
		// The node walk starts from the rebuilt account trie.
		root := h.asm.Root().Hash
		got, err := h.asm.ComputedRoot()
		if err != nil {
			return nil, err
		}
		if got != root {
			return nil, fmt.Errorf("%w: computed %x, want %x", ErrRootMismatch, got, root)
		}
		for _, n := range h.missingNodes() {
			t := h.task(fmt.Sprintf("node:%x:%x", n.Owner, n.Path), TrieNode, nil)
			t.node = n
			open[t.id] = t
		}
	}
	for id, t := range h.tasks {
		if _, ok := open[id]; !ok {
			delete(h.tasks, id)
			h.metrics.HealTask(t.kind.String(), metrics.OutcomeResolved)
		}
	}
	out := make([]*healTask, 0, len(open))
	for _, t := range open {
		out = append(out, t)
	}
	slices.SortFunc(out, func(a, b *healTask) int {
		if a.id < b.id {
			return -1
		}
		if a.id > b.id {
			return 1
		}
		return 0
	})
	return out, nil
}

// missingNodes walks the account trie and every verified storage trie from
// their roots and returns the referenced nodes that are not staged.
func (h *GapHealer) missingNodes() []NodeTarget {
	var missing []NodeTarget
	h.walk(common.Hash{}, h.asm.Root().Hash, &missing)
	for _, owner := range h.asm.StorageOwners() {
		if len(missing) >= maxMissingNodes {
			break
		}
		target, _ := h.asm.StorageTarget(owner)
		h.walk(owner, target.Root, &missing)
	}
	return missing
}

func (h *GapHealer) walk(owner, root common.Hash, missing *[]NodeTarget) {
	if root == types.EmptyRootHash || root == (common.Hash{}) {
		return
	}
	stack := []NodeTarget{{Owner: owner, Hash: root}}
	for len(stack) > 0 && len(*missing) < maxMissingNodes {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		blob := rawdb.ReadStagedNode(h.db, n.Hash)
		if len(blob) == 0 {
			*missing = append(*missing, n)
			continue
		}
		refs, err := trie.ChildHashes(blob)
		if err != nil {
			h.log.Warn("Undecodable staged node", "owner", owner, "path", n.Path, "hash", n.Hash, "err", err)
			*missing = append(*missing, n)
			continue
		}
		for _, ref := range refs {
			path := append(common.CopyBytes(n.Path), ref.Path...)
			stack = append(stack, NodeTarget{Owner: owner, Path: path, Hash: ref.Hash})
		}
	}
}

// runRound submits one request per open task group and ingests the results
// until the scheduler is idle.
func (h *GapHealer) runRound(ctx context.Context, open []*healTask) error {
	root := h.asm.Root().Hash
	var (
		codes    []*healTask
		nodes    []*healTask
		requests []*RangeRequest
	)
	for _, t := range open {
		switch t.kind {
		case AccountRange:
			requests = append(requests, &RangeRequest{Kind: AccountRange, Interval: t.interval, Tag: []*healTask{t}})
		case StorageRange:
			target, _ := h.asm.StorageTarget(t.owner)
			requests = append(requests, &RangeRequest{Kind: StorageRange, Interval: t.interval, Storage: []StorageTarget{target}, Tag: []*healTask{t}})
		case ByteCode:
			codes = append(codes, t)
		case TrieNode:
			nodes = append(nodes, t)
		}
	}
	for _, group := range groupByTried(codes) {
		req := &RangeRequest{Kind: ByteCode, Tag: group}
		for _, t := range group {
			req.Hashes = append(req.Hashes, t.hash)
		}
		requests = append(requests, req)
	}
	for _, group := range groupByTried(nodes) {
		req := &RangeRequest{Kind: TrieNode, Tag: group}
		for _, t := range group {
			req.Nodes = append(req.Nodes, t.node)
		}
		requests = append(requests, req)
	}

	var backlog []*RangeRequest
	for _, req := range requests {
		tasks := req.Tag.([]*healTask)
		req.Root = root
		req.OneShot, req.Strict = true, true
		req.Avoid = tasks[0].tried.Clone()
		backlog = append(backlog, req)
	}
	for {
		var submitErr error
		for len(backlog) > 0 {
			if submitErr = h.sched.Submit(backlog[0]); submitErr != nil {
				break
			}
			backlog = backlog[1:]
		}
		if submitErr != nil && !errors.Is(submitErr, ErrResourceExhausted) {
			return submitErr
		}
		res, err := h.sched.Next(ctx)
		if err != nil {
			return err
		}
		if res == nil {
			if len(backlog) == 0 {
				return nil
			}
			if submitErr != nil {
				// The queue is empty and still cannot take the request.
				return submitErr
			}
			continue
		}
		if err := h.handle(res); err != nil {
			return err
		}
	}
}

// handle folds one healing result into its tasks.
func (h *GapHealer) handle(res *Result) error {
	req := res.Request
	tasks := req.Tag.([]*healTask)
	peer := req.Peer
	if res.Err != nil {
		peer = req.LastPeer
	}
	for _, t := range tasks {
		if peer != "" {
			t.tried.Add(peer)
		}
	}
	if res.Err != nil {
		h.log.Debug("Healing request failed", "req", req, "peer", peer, "err", res.Err)
		return nil
	}
	delivered := mapset.NewThreadUnsafeSet[common.Hash]()
	for _, v := range res.Verified {
		if _, err := h.asm.Ingest(v); err != nil {
			return err
		}
		switch v.Kind {
		case AccountRange, StorageRange:
			if len(v.Keys) > 0 || v.Covered.End.Cmp(v.Covered.Start) >= 0 {
				tasks[0].progress = true
			}
		default:
			for _, k := range v.Keys {
				delivered.Add(k)
			}
		}
	}
	for _, t := range tasks {
		switch t.kind {
		case ByteCode:
			t.progress = t.progress || delivered.Contains(t.hash)
		case TrieNode:
			t.progress = t.progress || delivered.Contains(t.node.Hash)
		}
	}
	return nil
}

// groupByTried batches hash tasks that share the same set of tried peers so
// one request can avoid all of them.
func groupByTried(tasks []*healTask) [][]*healTask {
	var groups [][]*healTask
	for _, t := range tasks {
		placed := false
		for i, g := range groups {
			if g[0].tried.Equal(t.tried) {
				groups[i] = append(g, t)
				placed = true
				break
			}
		}
		if !placed {
			groups = append(groups, []*healTask{t})
		}
	}
	return groups
}
