package sync

import (
	"fmt"
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/ethereum/go-ethereum/common"
	"github.com/jonboulle/clockwork"

	"github.com/eth2030/snapsync/log"
)

// StateRoot is the target of one sync attempt.
type StateRoot struct {
	Hash         common.Hash
	Block        uint64
	DiscoveredAt time.Time
}

func (r StateRoot) String() string {
	return fmt.Sprintf("%x@%d", r.Hash[:4], r.Block)
}

type rootKey struct {
	root  common.Hash
	block uint64
}

// RootSelector chooses the state root to sync against from the heads peers
// advertise. A root is eligible when its age relative to the chain tip lies
// within [minAge, maxAge] and at least quorum peers agree on it.
type RootSelector struct {
	mu         sync.Mutex
	candidates map[rootKey]mapset.Set[string]
	byPeer     map[string]rootKey
	firstSeen  map[rootKey]time.Time
	rejected   mapset.Set[common.Hash]

	minAge, maxAge uint64
	quorum         int
	clock          clockwork.Clock
	log            *log.Logger
}

// NewRootSelector creates a selector with the age window and quorum of cfg.
func NewRootSelector(cfg *Config, clock clockwork.Clock, logger *log.Logger) *RootSelector {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = log.Default()
	}
	return &RootSelector{
		candidates: make(map[rootKey]mapset.Set[string]),
		byPeer:     make(map[string]rootKey),
		firstSeen:  make(map[rootKey]time.Time),
		rejected:   mapset.NewThreadUnsafeSet[common.Hash](),
		minAge:     cfg.MinRootAgeBlocks,
		maxAge:     cfg.MaxRootAgeBlocks,
		quorum:     cfg.RootQuorum,
		clock:      clock,
		log:        logger.Module("snap/selector"),
	}
}

// RegisterCandidate records that peer advertises root at block, replacing
// whatever the peer advertised before.
func (s *RootSelector) RegisterCandidate(peer string, root common.Hash, block uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := rootKey{root: root, block: block}
	if prev, ok := s.byPeer[peer]; ok {
		if prev == key {
			return
		}
		s.dropLocked(peer, prev)
	}
	set, ok := s.candidates[key]
	if !ok {
		set = mapset.NewThreadUnsafeSet[string]()
		s.candidates[key] = set
		s.firstSeen[key] = s.clock.Now()
	}
	set.Add(peer)
	s.byPeer[peer] = key
}

// RemovePeer forgets the candidate advertised by peer.
func (s *RootSelector) RemovePeer(peer string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if key, ok := s.byPeer[peer]; ok {
		s.dropLocked(peer, key)
	}
}

func (s *RootSelector) dropLocked(peer string, key rootKey) {
	delete(s.byPeer, peer)
	if set, ok := s.candidates[key]; ok {
		set.Remove(peer)
		if set.Cardinality() == 0 {
			delete(s.candidates, key)
			delete(s.firstSeen, key)
		}
	}
}

// Reject excludes root from future selections.
func (s *RootSelector) Reject(root common.Hash) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rejected.Add(root)
	s.log.Warn("Rejected state root", "root", root)
}

// Agreement returns how many peers advertise root at block.
func (s *RootSelector) Agreement(root common.Hash, block uint64) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if set, ok := s.candidates[rootKey{root, block}]; ok {
		return set.Cardinality()
	}
	return 0
}

// InWindow reports whether a root at block is within the age window for
// the given tip.
func (s *RootSelector) InWindow(block, tip uint64) bool {
	if block > tip {
		return false
	}
	age := tip - block
	return age >= s.minAge && age <= s.maxAge
}

// Expired reports whether the chain tip has moved past the maximum age of
// root.
func (s *RootSelector) Expired(root StateRoot, tip uint64) bool {
	return tip > root.Block && tip-root.Block > s.maxAge
}

// Select returns the eligible root with the highest block number, breaking
// ties by agreement count and then by hash.
func (s *RootSelector) Select(tip uint64) (StateRoot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.candidates) == 0 {
		return StateRoot{}, ErrNoPeers
	}
	var (
		best      rootKey
		bestAgree int
		found     bool
	)
	for key, peers := range s.candidates {
		if s.rejected.Contains(key.root) || !s.InWindow(key.block, tip) {
			continue
		}
		agree := peers.Cardinality()
		if agree < s.quorum {
			continue
		}
		if !found || better(key, agree, best, bestAgree) {
			best, bestAgree, found = key, agree, true
		}
	}
	if !found {
		return StateRoot{}, fmt.Errorf("%w: %d candidates, tip %d, window [%d, %d], quorum %d",
			ErrNoEligibleRoot, len(s.candidates), tip, s.minAge, s.maxAge, s.quorum)
	}
	root := StateRoot{Hash: best.root, Block: best.block, DiscoveredAt: s.firstSeen[best]}
	s.log.Info("Selected state root", "root", root.Hash, "block", root.Block, "peers", bestAgree, "tip", tip)
	return root, nil
}

func better(a rootKey, aAgree int, b rootKey, bAgree int) bool {
	if a.block != b.block {
		return a.block > b.block
	}
	if aAgree != bAgree {
		return aAgree > bAgree
	}
	return a.root.Cmp(b.root) < 0
}
