// peer_registry.go tracks connected snap peers, the state heads they
// advertise and per-peer request metrics. The map is read-mostly; metric
// updates lock only the affected peer.
package sync

import (
	"math/rand"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/ethereum/go-ethereum/common"
	"github.com/jonboulle/clockwork"
)

// latencyAlphaDiv is the inverse smoothing factor of the latency EMA.
const latencyAlphaDiv = 5

// PeerRecord is a snapshot of what the registry knows about a peer.
type PeerRecord struct {
	ID                  string
	ReportedRoot        common.Hash
	ReportedBlock       uint64
	LatencyEMA          time.Duration
	ConsecutiveFailures int
	Available           bool
	Successes           uint64
	Failures            uint64
	LastSeen            time.Time
}

type peerEntry struct {
	peer Peer

	mu  sync.Mutex
	rec PeerRecord
}

func (e *peerEntry) snapshot() PeerRecord {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rec
}

// PeerRegistry is the set of peers available to snapshot sync.
type PeerRegistry struct {
	mu    sync.RWMutex
	peers map[string]*peerEntry
	order []string

	threshold int
	clock     clockwork.Clock
	cursor    atomic.Uint64

	rngMu sync.Mutex
	rng   *rand.Rand
}

// NewPeerRegistry creates an empty registry. Peers with more than
// failureThreshold consecutive failures are skipped by Select.
func NewPeerRegistry(failureThreshold int, clock clockwork.Clock) *PeerRegistry {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &PeerRegistry{
		peers:     make(map[string]*peerEntry),
		threshold: failureThreshold,
		clock:     clock,
		rng:       rand.New(rand.NewSource(clock.Now().UnixNano())),
	}
}

// Register adds a peer or refreshes the head it advertises.
func (r *PeerRegistry) Register(p Peer, root common.Hash, block uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.peers[p.ID()]; ok {
		e.mu.Lock()
		e.peer = p
		e.rec.ReportedRoot, e.rec.ReportedBlock = root, block
		e.rec.Available = true
		e.rec.LastSeen = r.clock.Now()
		e.mu.Unlock()
		return
	}
	r.peers[p.ID()] = &peerEntry{
		peer: p,
		rec: PeerRecord{
			ID:            p.ID(),
			ReportedRoot:  root,
			ReportedBlock: block,
			Available:     true,
			LastSeen:      r.clock.Now(),
		},
	}
	r.order = append(r.order, p.ID())
}

// Unregister removes a peer.
func (r *PeerRegistry) Unregister(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.peers[id]; !ok {
		return
	}
	delete(r.peers, id)
	for i, pid := range r.order {
		if pid == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
}

// Len returns the number of registered peers.
func (r *PeerRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.peers)
}

// Peer returns the peer with the given id.
func (r *PeerRegistry) Peer(id string) (Peer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.peers[id]
	if !ok {
		return nil, false
	}
	return e.peer, true
}

// Record returns a snapshot of one peer's record.
func (r *PeerRegistry) Record(id string) (PeerRecord, bool) {
	r.mu.RLock()
	e, ok := r.peers[id]
	r.mu.RUnlock()
	if !ok {
		return PeerRecord{}, false
	}
	return e.snapshot(), true
}

// Records returns snapshots of all peers in registration order.
func (r *PeerRegistry) Records() []PeerRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]PeerRecord, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.peers[id].snapshot())
	}
	return out
}

func (r *PeerRegistry) entry(id string) *peerEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.peers[id]
}

// RecordSuccess folds a successful round trip into the peer's metrics and
// clears its failure streak.
func (r *PeerRegistry) RecordSuccess(id string, latency time.Duration) {
	e := r.entry(id)
	if e == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.rec.LatencyEMA == 0 {
		e.rec.LatencyEMA = latency
	} else {
		e.rec.LatencyEMA += (latency - e.rec.LatencyEMA) / latencyAlphaDiv
	}
	e.rec.ConsecutiveFailures = 0
	e.rec.Successes++
	e.rec.LastSeen = r.clock.Now()
}

// RecordFailure charges a failed request to the peer.
func (r *PeerRegistry) RecordFailure(id string) {
	e := r.entry(id)
	if e == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rec.ConsecutiveFailures++
	e.rec.Failures++
	e.rec.LastSeen = r.clock.Now()
}

// SetAvailable marks a peer as usable or not.
func (r *PeerRegistry) SetAvailable(id string, available bool) {
	e := r.entry(id)
	if e == nil {
		return
	}
	e.mu.Lock()
	e.rec.Available = available
	e.mu.Unlock()
}

type candidate struct {
	peer Peer
	rec  PeerRecord
}

// Select picks a peer using the given strategy, skipping ids in exclude.
// Peers above the failure threshold are only used when no other peer is
// left; then the one with the fewest consecutive failures is probed.
func (r *PeerRegistry) Select(strategy string, exclude mapset.Set[string]) (Peer, error) {
	r.mu.RLock()
	all := make([]candidate, 0, len(r.order))
	for _, id := range r.order {
		if exclude != nil && exclude.Contains(id) {
			continue
		}
		e := r.peers[id]
		rec := e.snapshot()
		if !rec.Available {
			continue
		}
		all = append(all, candidate{peer: e.peer, rec: rec})
	}
	r.mu.RUnlock()

	if len(all) == 0 {
		return nil, ErrNoPeers
	}
	healthy := all[:0:0]
	for _, c := range all {
		if c.rec.ConsecutiveFailures <= r.threshold {
			healthy = append(healthy, c)
		}
	}
	if len(healthy) == 0 {
		sort.SliceStable(all, func(i, j int) bool {
			return all[i].rec.ConsecutiveFailures < all[j].rec.ConsecutiveFailures
		})
		return all[0].peer, nil
	}

	switch strategy {
	case StrategyFastest:
		sort.SliceStable(healthy, func(i, j int) bool {
			return healthy[i].rec.LatencyEMA < healthy[j].rec.LatencyEMA
		})
	case StrategyRoundRobin:
		n := r.cursor.Add(1) - 1
		return healthy[n%uint64(len(healthy))].peer, nil
	case StrategyRandom:
		r.rngMu.Lock()
		n := r.rng.Intn(len(healthy))
		r.rngMu.Unlock()
		return healthy[n].peer, nil
	default:
		sort.SliceStable(healthy, func(i, j int) bool {
			si, sj := peerScore(healthy[i].rec), peerScore(healthy[j].rec)
			if si != sj {
				return si > sj
			}
			return healthy[i].rec.LatencyEMA < healthy[j].rec.LatencyEMA
		})
	}
	return healthy[0].peer, nil
}

// peerScore is the Laplace-smoothed success ratio of a peer.
func peerScore(rec PeerRecord) float64 {
	return float64(rec.Successes+1) / float64(rec.Successes+rec.Failures+2)
}
