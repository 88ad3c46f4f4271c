package snap

import (
	"bytes"
	"errors"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethdb/memorydb"
	gethtrie "github.com/ethereum/go-ethereum/trie"

	"github.com/eth2030/snapsync/trie"
)

var (
	// ErrInvalidRange is returned when the requested range is malformed.
	ErrInvalidRange = errors.New("snap: invalid range (origin > limit)")

	// ErrRequestTooLarge is returned when a request exceeds protocol limits.
	ErrRequestTooLarge = errors.New("snap: request exceeds lookup limits")
)

var maxHash = common.HexToHash("0xffffffffffffffffffffffffffffffffffffffffffffffffffffffffffffffff")

// StateHandler serves snap requests from one or more in-memory states.
// Requests against an unknown root receive empty responses, matching how a
// node that has pruned the root behaves.
type StateHandler struct {
	mu     sync.RWMutex
	states map[common.Hash]*State
}

// NewStateHandler creates a handler serving the given states.
func NewStateHandler(states ...*State) *StateHandler {
	h := &StateHandler{states: make(map[common.Hash]*State)}
	for _, s := range states {
		h.states[s.Root()] = s
	}
	return h
}

// AddState starts serving another state.
func (h *StateHandler) AddState(s *State) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.states[s.Root()] = s
}

// DropState stops serving the state with the given root.
func (h *StateHandler) DropState(root common.Hash) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.states, root)
}

func (h *StateHandler) state(root common.Hash) *State {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.states[root]
}

func softLimit(req uint64) uint64 {
	if req == 0 {
		return SoftResponseLimit
	}
	if req > HardResponseLimit {
		return HardResponseLimit
	}
	return req
}

// HandleGetAccountRange returns accounts in [origin, limit] in hash order up
// to the soft byte limit, plus boundary proofs for the first requested and
// last returned key. The first account at or beyond limit is included as a
// boundary element.
func (h *StateHandler) HandleGetAccountRange(req *GetAccountRangePacket) (*AccountRangePacket, error) {
	if req.Origin.Cmp(req.Limit) > 0 {
		return nil, ErrInvalidRange
	}
	resp := &AccountRangePacket{ID: req.ID}
	s := h.state(req.Root)
	if s == nil {
		return resp, nil
	}
	budget := softLimit(req.Bytes)
	start := sort.Search(len(s.accounts), func(i int) bool { return s.accounts[i].hash.Cmp(req.Origin) >= 0 })

	var size uint64
	reachedLimit := false
	i := start
	for ; i < len(s.accounts); i++ {
		sa := s.accounts[i]
		resp.Accounts = append(resp.Accounts, &AccountData{Hash: sa.hash, Body: common.CopyBytes(sa.body)})
		size += uint64(common.HashLength + len(sa.body))
		if sa.hash.Cmp(req.Limit) >= 0 {
			reachedLimit = true
			i++
			break
		}
		if size >= budget {
			i++
			break
		}
	}
	resp.IsLast = reachedLimit || i >= len(s.accounts)

	proof, err := proveRange(s.trie, req.Origin, resp.lastHash())
	if err != nil {
		return nil, err
	}
	resp.Proof = proof
	return resp, nil
}

func (p *AccountRangePacket) lastHash() *common.Hash {
	if len(p.Accounts) == 0 {
		return nil
	}
	return &p.Accounts[len(p.Accounts)-1].Hash
}

// HandleGetStorageRanges returns storage slots of the requested accounts.
// Origin and limit apply to the first account only. Serving stops after
// the first account that exceeds the byte budget; that account is then
// proven as a partial range.
func (h *StateHandler) HandleGetStorageRanges(req *GetStorageRangesPacket) (*StorageRangesPacket, error) {
	resp := &StorageRangesPacket{ID: req.ID}
	s := h.state(req.Root)
	if s == nil {
		return resp, nil
	}
	budget := softLimit(req.Bytes)
	var size uint64
	for i, account := range req.Accounts {
		if size >= budget {
			break
		}
		origin, limit := common.Hash{}, maxHash
		if i == 0 {
			if len(req.Origin) > 0 {
				origin = common.BytesToHash(req.Origin)
			}
			if len(req.Limit) > 0 {
				limit = common.BytesToHash(req.Limit)
			}
		}
		sa := s.index[account]
		if sa == nil {
			resp.Slots = append(resp.Slots, nil)
			continue
		}
		start := sort.Search(len(sa.slots), func(j int) bool { return sa.slots[j].Cmp(origin) >= 0 })
		var slots []*StorageData
		abort := false
		for j := start; j < len(sa.slots); j++ {
			slot := sa.slots[j]
			value := sa.storage[slot]
			slots = append(slots, &StorageData{Hash: slot, Body: common.CopyBytes(value)})
			size += uint64(common.HashLength + len(value))
			if slot.Cmp(limit) >= 0 {
				break
			}
			if size >= budget {
				abort = j+1 < len(sa.slots)
				break
			}
		}
		resp.Slots = append(resp.Slots, slots)

		if origin != (common.Hash{}) || abort {
			var last *common.Hash
			if len(slots) > 0 {
				last = &slots[len(slots)-1].Hash
			}
			tr := sa.trie
			if tr == nil {
				tr = newTrie()
			}
			proof, err := proveRange(tr, origin, last)
			if err != nil {
				return nil, err
			}
			resp.Proof = proof
			break
		}
	}
	return resp, nil
}

// HandleGetByteCodes returns the requested codes in request order, skipping
// unknown hashes, up to the soft byte limit.
func (h *StateHandler) HandleGetByteCodes(req *GetByteCodesPacket) (*ByteCodesPacket, error) {
	if len(req.Hashes) > MaxCodeLookups {
		return nil, ErrRequestTooLarge
	}
	resp := &ByteCodesPacket{ID: req.ID}
	budget := softLimit(req.Bytes)
	var size uint64

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, hash := range req.Hashes {
		var code []byte
		for _, s := range h.states {
			if c, ok := s.Code(hash); ok {
				code = c
				break
			}
		}
		if code == nil {
			continue
		}
		resp.Codes = append(resp.Codes, common.CopyBytes(code))
		size += uint64(len(code))
		if size >= budget {
			break
		}
	}
	return resp, nil
}

// HandleGetTrieNodes returns trie nodes addressed by compact paths. The
// response stops at the first unknown node or once the byte budget is used.
func (h *StateHandler) HandleGetTrieNodes(req *GetTrieNodesPacket) (*TrieNodesPacket, error) {
	if len(req.Paths) > MaxTrieNodeLookups {
		return nil, ErrRequestTooLarge
	}
	resp := &TrieNodesPacket{ID: req.ID}
	s := h.state(req.Root)
	if s == nil {
		return resp, nil
	}
	budget := softLimit(req.Bytes)
	var size uint64
	for _, set := range req.Paths {
		var blobs [][]byte
		switch len(set) {
		case 0:
			return resp, nil
		case 1:
			blobs = append(blobs, s.nodes[string(nodePath(set[0]))])
		default:
			sa := s.index[common.BytesToHash(set[0])]
			for _, p := range set[1:] {
				if sa == nil {
					blobs = append(blobs, nil)
					break
				}
				blobs = append(blobs, sa.nodes[string(nodePath(p))])
			}
		}
		for _, blob := range blobs {
			if blob == nil {
				return resp, nil
			}
			resp.Nodes = append(resp.Nodes, common.CopyBytes(blob))
			size += uint64(len(blob))
			if size >= budget {
				return resp, nil
			}
		}
	}
	return resp, nil
}

// nodePath decodes a compact path into hex nibbles without terminator.
func nodePath(compact []byte) []byte {
	hex := trie.CompactToHex(compact)
	if n := len(hex); n > 0 && hex[n-1] == 16 {
		hex = hex[:n-1]
	}
	return hex
}

// proveRange collects the deduplicated proof nodes for origin and, if set,
// the last returned key.
func proveRange(tr *gethtrie.Trie, origin common.Hash, last *common.Hash) ([][]byte, error) {
	db := memorydb.New()
	if err := tr.Prove(origin[:], db); err != nil {
		return nil, err
	}
	if last != nil && !bytes.Equal(last[:], origin[:]) {
		if err := tr.Prove(last[:], db); err != nil {
			return nil, err
		}
	}
	var proof [][]byte
	it := db.NewIterator(nil, nil)
	defer it.Release()
	for it.Next() {
		proof = append(proof, common.CopyBytes(it.Value()))
	}
	return proof, it.Error()
}
