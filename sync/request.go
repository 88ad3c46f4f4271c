package sync

import (
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	mapset "github.com/deckarep/golang-set/v2"
	"github.com/ethereum/go-ethereum/common"
)

// Kind is the closed set of snap request kinds.
type Kind uint8

const (
	AccountRange Kind = iota
	StorageRange
	ByteCode
	TrieNode
	numKinds
)

// Kinds lists every request kind in dispatch order.
var Kinds = []Kind{AccountRange, StorageRange, ByteCode, TrieNode}

func (k Kind) String() string {
	switch k {
	case AccountRange:
		return "account_range"
	case StorageRange:
		return "storage_range"
	case ByteCode:
		return "byte_code"
	case TrieNode:
		return "trie_node"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(k))
	}
}

// RequestState is the lifecycle state of a RangeRequest.
type RequestState uint8

const (
	StateQueued RequestState = iota
	StateInFlight
	StateCompleted
	StateTimedOut
	StatePeerError
	StateFailed
	StateRequeued
	StateAbandoned
)

func (s RequestState) String() string {
	switch s {
	case StateQueued:
		return "queued"
	case StateInFlight:
		return "inflight"
	case StateCompleted:
		return "completed"
	case StateTimedOut:
		return "timed_out"
	case StatePeerError:
		return "peer_error"
	case StateFailed:
		return "failed"
	case StateRequeued:
		return "requeued"
	case StateAbandoned:
		return "abandoned"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(s))
	}
}

// StorageTarget names one account whose storage is requested.
type StorageTarget struct {
	Account common.Hash
	Root    common.Hash
}

// NodeTarget names one trie node by owner, path and hash. Owner is the zero
// hash for the account trie. Path is in hex nibbles.
type NodeTarget struct {
	Owner common.Hash
	Path  []byte
	Hash  common.Hash
}

// RangeRequest is one unit of scheduled network work. Payload fields are
// interpreted according to Kind.
type RangeRequest struct {
	ID   uint64
	Kind Kind
	Root common.Hash // state root the request is issued under

	// Interval applies to account ranges and to the first storage target.
	Interval Interval
	Storage  []StorageTarget
	Hashes   []common.Hash
	Nodes    []NodeTarget

	MaxBytes uint64
	MaxItems int

	State    RequestState
	Peer     string // peer serving the current attempt
	LastPeer string // peer of the previous attempt
	Retries  int
	IssuedAt time.Time
	Err      error // last failure

	// OneShot abandons the request on its first failure; the submitter
	// runs its own retry policy.
	OneShot bool
	// Strict forbids any retry against LastPeer, even if it is the only
	// peer left.
	Strict bool
	// Avoid lists peers that must not serve this request.
	Avoid mapset.Set[string]
	// Tag is opaque to the scheduler and lets the submitter correlate
	// results.
	Tag any

	backoff   *backoff.ExponentialBackOff
	notBefore time.Time
}

func (r *RangeRequest) String() string {
	switch r.Kind {
	case AccountRange:
		return fmt.Sprintf("%s#%d%s", r.Kind, r.ID, r.Interval)
	case StorageRange:
		return fmt.Sprintf("%s#%d accounts=%d%s", r.Kind, r.ID, len(r.Storage), r.Interval)
	case ByteCode:
		return fmt.Sprintf("%s#%d hashes=%d", r.Kind, r.ID, len(r.Hashes))
	default:
		return fmt.Sprintf("%s#%d nodes=%d", r.Kind, r.ID, len(r.Nodes))
	}
}

// items returns the number of hash-addressed items of the request.
func (r *RangeRequest) items() int {
	switch r.Kind {
	case StorageRange:
		return len(r.Storage)
	case ByteCode:
		return len(r.Hashes)
	case TrieNode:
		return len(r.Nodes)
	default:
		return 1
	}
}

// chunks returns how many requests split(n) leaves behind, r included.
func (r *RangeRequest) chunks(n int) int {
	if n < 1 || r.items() <= n {
		return 1
	}
	return (r.items() + n - 1) / n
}

// split divides a hash-addressed request into chunks of at most n items.
// The receiver keeps the first chunk.
func (r *RangeRequest) split(n int) []*RangeRequest {
	if n < 1 || r.items() <= n {
		return nil
	}
	var rest []*RangeRequest
	clone := func() *RangeRequest {
		c := *r
		c.Storage, c.Hashes, c.Nodes = nil, nil, nil
		c.backoff = nil
		return &c
	}
	switch r.Kind {
	case StorageRange:
		for i := n; i < len(r.Storage); i += n {
			c := clone()
			c.Interval = FullInterval()
			c.Storage = r.Storage[i:min(i+n, len(r.Storage))]
			rest = append(rest, c)
		}
		r.Storage = r.Storage[:n]
	case ByteCode:
		for i := n; i < len(r.Hashes); i += n {
			c := clone()
			c.Hashes = r.Hashes[i:min(i+n, len(r.Hashes))]
			rest = append(rest, c)
		}
		r.Hashes = r.Hashes[:n]
	case TrieNode:
		for i := n; i < len(r.Nodes); i += n {
			c := clone()
			c.Nodes = r.Nodes[i:min(i+n, len(r.Nodes))]
			rest = append(rest, c)
		}
		r.Nodes = r.Nodes[:n]
	}
	return rest
}

// excluded returns the peers that must not serve the next attempt.
func (r *RangeRequest) excluded() mapset.Set[string] {
	ex := mapset.NewThreadUnsafeSet[string]()
	if r.Avoid != nil {
		r.Avoid.Each(func(id string) bool {
			ex.Add(id)
			return false
		})
	}
	if r.LastPeer != "" {
		ex.Add(r.LastPeer)
	}
	return ex
}
