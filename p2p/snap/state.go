package snap

import (
	"errors"
	"fmt"
	"math/rand"
	"slices"

	"github.com/ethereum/go-ethereum/common"
	gethrawdb "github.com/ethereum/go-ethereum/core/rawdb"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"
	gethtrie "github.com/ethereum/go-ethereum/trie"
	"github.com/ethereum/go-ethereum/triedb"
	"github.com/holiman/uint256"
)

var (
	ErrDuplicateAccount = errors.New("snap: duplicate account hash")
)

// Account is one account of a served state together with its code and
// storage. Storage maps slot hashes to RLP-encoded slot values.
type Account struct {
	Hash    common.Hash
	Nonce   uint64
	Balance *uint256.Int
	Code    []byte
	Storage map[common.Hash][]byte
}

// servedAccount is an Account with its derived trie data.
type servedAccount struct {
	hash     common.Hash
	state    types.StateAccount
	body     []byte
	slots    []common.Hash // sorted slot hashes
	storage  map[common.Hash][]byte
	trie     *gethtrie.Trie
	nodes    map[string][]byte // hex path -> node blob
	codeHash common.Hash
}

// State is an immutable, fully materialized state trie that can answer
// snap requests: ranges with proofs, bytecodes and trie nodes by path.
type State struct {
	root     common.Hash
	accounts []*servedAccount
	index    map[common.Hash]*servedAccount
	codes    map[common.Hash][]byte
	trie     *gethtrie.Trie
	nodes    map[string][]byte // account trie: hex path -> node blob
}

func newTrie() *gethtrie.Trie {
	return gethtrie.NewEmpty(triedb.NewDatabase(gethrawdb.NewMemoryDatabase(), nil))
}

// NewState builds the account and storage tries for the given accounts.
func NewState(accounts []*Account) (*State, error) {
	s := &State{
		index: make(map[common.Hash]*servedAccount, len(accounts)),
		codes: make(map[common.Hash][]byte),
		trie:  newTrie(),
		nodes: make(map[string][]byte),
	}
	for _, acc := range accounts {
		if _, ok := s.index[acc.Hash]; ok {
			return nil, fmt.Errorf("%w: %x", ErrDuplicateAccount, acc.Hash)
		}
		sa, err := buildAccount(acc)
		if err != nil {
			return nil, err
		}
		if len(acc.Code) > 0 {
			s.codes[sa.codeHash] = common.CopyBytes(acc.Code)
		}
		s.index[acc.Hash] = sa
		s.accounts = append(s.accounts, sa)
	}
	slices.SortFunc(s.accounts, func(a, b *servedAccount) int { return a.hash.Cmp(b.hash) })

	st := gethtrie.NewStackTrie(recordNodes(s.nodes))
	for _, sa := range s.accounts {
		if err := s.trie.Update(sa.hash[:], sa.body); err != nil {
			return nil, err
		}
		if err := st.Update(sa.hash[:], sa.body); err != nil {
			return nil, err
		}
	}
	s.root = s.trie.Hash()
	if got := st.Hash(); got != s.root {
		return nil, fmt.Errorf("snap: stack trie root %x differs from trie root %x", got, s.root)
	}
	return s, nil
}

func buildAccount(acc *Account) (*servedAccount, error) {
	balance := acc.Balance
	if balance == nil {
		balance = new(uint256.Int)
	}
	sa := &servedAccount{
		hash:     acc.Hash,
		storage:  make(map[common.Hash][]byte, len(acc.Storage)),
		nodes:    make(map[string][]byte),
		codeHash: types.EmptyCodeHash,
	}
	if len(acc.Code) > 0 {
		sa.codeHash = crypto.Keccak256Hash(acc.Code)
	}
	sa.state = types.StateAccount{
		Nonce:    acc.Nonce,
		Balance:  balance,
		Root:     types.EmptyRootHash,
		CodeHash: sa.codeHash.Bytes(),
	}
	if len(acc.Storage) > 0 {
		sa.trie = newTrie()
		st := gethtrie.NewStackTrie(recordNodes(sa.nodes))
		for slot, value := range acc.Storage {
			sa.slots = append(sa.slots, slot)
			sa.storage[slot] = common.CopyBytes(value)
		}
		slices.SortFunc(sa.slots, func(a, b common.Hash) int { return a.Cmp(b) })
		for _, slot := range sa.slots {
			if err := sa.trie.Update(slot[:], sa.storage[slot]); err != nil {
				return nil, err
			}
			if err := st.Update(slot[:], sa.storage[slot]); err != nil {
				return nil, err
			}
		}
		sa.state.Root = sa.trie.Hash()
		st.Hash()
	}
	body, err := rlp.EncodeToBytes(&sa.state)
	if err != nil {
		return nil, err
	}
	sa.body = body
	return sa, nil
}

func recordNodes(into map[string][]byte) gethtrie.OnTrieNode {
	return func(path []byte, hash common.Hash, blob []byte) {
		into[string(path)] = common.CopyBytes(blob)
	}
}

// Root returns the state root.
func (s *State) Root() common.Hash { return s.root }

// Len returns the number of accounts.
func (s *State) Len() int { return len(s.accounts) }

// AccountHashes returns the account hashes in ascending order.
func (s *State) AccountHashes() []common.Hash {
	out := make([]common.Hash, len(s.accounts))
	for i, sa := range s.accounts {
		out[i] = sa.hash
	}
	return out
}

// AccountBody returns the RLP trie value of an account.
func (s *State) AccountBody(hash common.Hash) ([]byte, bool) {
	sa, ok := s.index[hash]
	if !ok {
		return nil, false
	}
	return sa.body, true
}

// StorageRoot returns the storage root of an account, or the empty root.
func (s *State) StorageRoot(hash common.Hash) common.Hash {
	if sa, ok := s.index[hash]; ok {
		return sa.state.Root
	}
	return types.EmptyRootHash
}

// SlotCount returns the number of storage slots of an account.
func (s *State) SlotCount(hash common.Hash) int {
	if sa, ok := s.index[hash]; ok {
		return len(sa.slots)
	}
	return 0
}

// Code returns the byte code with the given hash.
func (s *State) Code(hash common.Hash) ([]byte, bool) {
	code, ok := s.codes[hash]
	return code, ok
}

// NodeCount returns the number of hashed trie nodes across the account and
// storage tries.
func (s *State) NodeCount() int {
	n := len(s.nodes)
	for _, sa := range s.accounts {
		n += len(sa.nodes)
	}
	return n
}

// GenerateState builds a deterministic synthetic state with n accounts.
// Roughly a third of the accounts carry storage and a quarter carry code.
func GenerateState(n int, seed int64) (*State, error) {
	rng := rand.New(rand.NewSource(seed))
	accounts := make([]*Account, 0, n)
	seen := make(map[common.Hash]bool, n)
	for len(accounts) < n {
		var hash common.Hash
		rng.Read(hash[:])
		if seen[hash] {
			continue
		}
		seen[hash] = true
		acc := &Account{
			Hash:    hash,
			Nonce:   uint64(rng.Intn(1 << 16)),
			Balance: uint256.NewInt(rng.Uint64()),
		}
		i := len(accounts)
		if i%3 == 0 {
			slots := 1 + rng.Intn(24)
			acc.Storage = make(map[common.Hash][]byte, slots)
			for j := 0; j < slots; j++ {
				var slot common.Hash
				rng.Read(slot[:])
				value := make([]byte, 1+rng.Intn(32))
				rng.Read(value)
				value[0] |= 0x01
				enc, err := rlp.EncodeToBytes(value)
				if err != nil {
					return nil, err
				}
				acc.Storage[slot] = enc
			}
		}
		if i%4 == 0 {
			acc.Code = make([]byte, 1+rng.Intn(96))
			rng.Read(acc.Code)
		}
		accounts = append(accounts, acc)
	}
	return NewState(accounts)
}
