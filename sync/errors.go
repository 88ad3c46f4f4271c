package sync

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Snapshot sync errors.
var (
	// ErrNetwork is a transient transport failure; the request is retried
	// with backoff.
	ErrNetwork = errors.New("snap sync: network error")

	// ErrTimeout is returned when a peer does not answer before the request
	// deadline.
	ErrTimeout = errors.New("snap sync: request timed out")

	// ErrInvalidProof is returned when a response's proof does not bind its
	// items to the requested root.
	ErrInvalidProof = errors.New("snap sync: invalid proof")

	// ErrOutOfRange is returned when a response carries a key outside the
	// requested interval.
	ErrOutOfRange = errors.New("snap sync: key out of requested range")

	// ErrUnorderedKeys is returned when response keys are not strictly
	// increasing.
	ErrUnorderedKeys = errors.New("snap sync: keys not strictly increasing")

	// ErrRootMismatch is returned when reconstructed data hashes to a root
	// other than the expected one.
	ErrRootMismatch = errors.New("snap sync: root mismatch")

	// ErrResourceExhausted is returned by Submit when the request queue is
	// full. Callers must back off before submitting more work.
	ErrResourceExhausted = errors.New("snap sync: request queue full")

	// ErrUnrecoverableGap is returned when healing retries are exhausted.
	ErrUnrecoverableGap = errors.New("snap sync: unrecoverable gap")

	// ErrConfig is returned for invalid configuration.
	ErrConfig = errors.New("snap sync: invalid configuration")

	// ErrNoEligibleRoot is returned when no candidate root satisfies the
	// age window and quorum.
	ErrNoEligibleRoot = errors.New("snap sync: no eligible state root")

	// ErrNoPeers is returned when no peer is registered.
	ErrNoPeers = errors.New("snap sync: no peers")

	// ErrRetriesExhausted marks a request abandoned after max retries.
	ErrRetriesExhausted = errors.New("snap sync: request retries exhausted")

	// ErrStaleRoot marks work issued under a root the attempt has since
	// abandoned.
	ErrStaleRoot = errors.New("snap sync: stale state root")

	// ErrCoverageIncomplete is returned when the root is requested before the
	// key space is fully covered.
	ErrCoverageIncomplete = errors.New("snap sync: coverage incomplete")

	// ErrRootExpired is returned when the chain tip moved past the maximum
	// age of the active root.
	ErrRootExpired = errors.New("snap sync: state root expired")
)

// Gap describes one unresolved piece of state reported by the healer.
type Gap struct {
	Kind       Kind
	Owner      string // account hash for storage gaps, empty otherwise
	Interval   string // key interval or hash list
	Attempts   int
	PeersTried []string
}

func (g Gap) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s", g.Kind)
	if g.Owner != "" {
		fmt.Fprintf(&b, " owner=%s", g.Owner)
	}
	fmt.Fprintf(&b, " %s attempts=%d", g.Interval, g.Attempts)
	if len(g.PeersTried) > 0 {
		fmt.Fprintf(&b, " peers=%s", strings.Join(g.PeersTried, ","))
	}
	return b.String()
}

// UnrecoverableGapError lists every gap left after healing gave up.
type UnrecoverableGapError struct {
	Gaps []Gap
}

func (e *UnrecoverableGapError) Error() string {
	parts := make([]string, len(e.Gaps))
	for i, g := range e.Gaps {
		parts[i] = g.String()
	}
	return fmt.Sprintf("%v: %d gaps [%s]", ErrUnrecoverableGap, len(e.Gaps), strings.Join(parts, "; "))
}

func (e *UnrecoverableGapError) Unwrap() error { return ErrUnrecoverableGap }

// IsPeerFault reports whether err should be charged to the responding peer.
// Stale roots and local cancellation are not the peer's fault.
func IsPeerFault(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, ErrStaleRoot), errors.Is(err, context.Canceled):
		return false
	case errors.Is(err, ErrInvalidProof), errors.Is(err, ErrOutOfRange),
		errors.Is(err, ErrUnorderedKeys), errors.Is(err, ErrRootMismatch),
		errors.Is(err, ErrTimeout), errors.Is(err, ErrNetwork):
		return true
	default:
		return false
	}
}

// failureReason maps a verification error to a metrics label.
func failureReason(err error) string {
	switch {
	case errors.Is(err, ErrUnorderedKeys):
		return "unordered_keys"
	case errors.Is(err, ErrOutOfRange):
		return "out_of_range"
	case errors.Is(err, ErrRootMismatch):
		return "root_mismatch"
	case errors.Is(err, ErrInvalidProof):
		return "invalid_proof"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	default:
		return "network"
	}
}
