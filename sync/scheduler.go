// scheduler.go dispatches range requests to peers with bounded concurrency.
// Requests of the four kinds wait in per-kind queues that are served
// round-robin; each dispatched request runs on a worker that performs the
// network round trip and verifies the response, and its outcome is folded
// back into the request state machine by the single goroutine that owns the
// scheduler.
package sync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ethereum/go-ethereum/common"
	"github.com/gammazero/deque"
	"github.com/gammazero/workerpool"
	"github.com/jonboulle/clockwork"
	"golang.org/x/time/rate"

	"github.com/eth2030/snapsync/log"
	"github.com/eth2030/snapsync/metrics"
	"github.com/eth2030/snapsync/p2p/snap"
	"github.com/eth2030/snapsync/trie"
)

// Estimated encoded sizes used to turn item caps into response budgets.
const (
	accountItemBytes = 112
	slotItemBytes    = 64

	// maxStorageAccounts bounds the accounts batched in one storage request.
	maxStorageAccounts = 16
)

// Result is a request that reached a terminal state: Completed with its
// verified data, or Abandoned with Err set.
type Result struct {
	Request  *RangeRequest
	Verified []*VerifiedRange
	Err      error
}

type outcome struct {
	req      *RangeRequest
	peer     string
	latency  time.Duration
	verified []*VerifiedRange
	err      error
}

// Scheduler issues RangeRequests against peers. It is owned by a single
// goroutine: Submit, Next and Reset must not be called concurrently.
type Scheduler struct {
	cfg      *Config
	peers    *PeerRegistry
	verifier Verifier
	clock    clockwork.Clock
	log      *log.Logger
	metrics  *metrics.SyncMetrics
	limiter  *rate.Limiter

	root       common.Hash
	rootCtx    context.Context
	rootCancel context.CancelFunc

	queues    [numKinds]*deque.Deque[*RangeRequest]
	queued    int
	cursor    int
	inflight  int
	peak      int
	nextID    uint64
	throttled time.Time
	ready     []*Result

	pool    *workerpool.WorkerPool
	results chan outcome
}

// NewScheduler creates a scheduler. Reset must be called with the target
// root before requests are submitted.
func NewScheduler(cfg *Config, peers *PeerRegistry, m *metrics.SyncMetrics, clock clockwork.Clock, logger *log.Logger) *Scheduler {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = log.Default()
	}
	s := &Scheduler{
		cfg:     cfg,
		peers:   peers,
		clock:   clock,
		log:     logger.Module("snap/scheduler"),
		metrics: m,
		pool:    workerpool.New(cfg.MaxConcurrentRequests),
		results: make(chan outcome, cfg.MaxConcurrentRequests),
	}
	for i := range s.queues {
		s.queues[i] = deque.New[*RangeRequest]()
	}
	if cfg.RequestsPerSecond > 0 {
		burst := int(cfg.RequestsPerSecond)
		if burst < 1 {
			burst = 1
		}
		s.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}
	s.rootCtx, s.rootCancel = context.WithCancel(context.Background())
	return s
}

// Root returns the state root requests are currently issued under.
func (s *Scheduler) Root() common.Hash { return s.root }

// InFlight returns the number of requests awaiting a peer.
func (s *Scheduler) InFlight() int { return s.inflight }

// PeakInFlight returns the highest InFlight value observed.
func (s *Scheduler) PeakInFlight() int { return s.peak }

// Queued returns the number of requests waiting for dispatch.
func (s *Scheduler) Queued() int { return s.queued }

// Idle reports whether no request is queued, in flight or awaiting pickup.
func (s *Scheduler) Idle() bool {
	return s.queued == 0 && s.inflight == 0 && len(s.ready) == 0
}

// Reset abandons all work issued under the previous root and starts issuing
// under root. In-flight requests are cancelled; their late outcomes are
// dropped without charging the peer.
func (s *Scheduler) Reset(root common.Hash) {
	s.rootCancel()
	s.rootCtx, s.rootCancel = context.WithCancel(context.Background())
	for _, q := range s.queues {
		q.Clear()
	}
	s.queued = 0
	s.ready = nil
	s.root = root
	s.metrics.SetQueue(s.inflight, 0)
}

// Close cancels outstanding work and stops the workers.
func (s *Scheduler) Close() {
	s.rootCancel()
	s.pool.StopWait()
}

func (s *Scheduler) itemCap(k Kind) int {
	switch k {
	case StorageRange:
		return min(maxStorageAccounts, s.cfg.MaxStorageSlotsPerRequest)
	case ByteCode:
		return s.cfg.MaxByteCodesPerRequest
	case TrieNode:
		return s.cfg.MaxTrieNodesPerRequest
	default:
		return s.cfg.MaxAccountsPerRequest
	}
}

func (s *Scheduler) byteBudget(k Kind) uint64 {
	switch k {
	case AccountRange:
		return min(s.cfg.MaxResponseBytes, uint64(s.cfg.MaxAccountsPerRequest)*accountItemBytes)
	case StorageRange:
		return min(s.cfg.MaxResponseBytes, uint64(s.cfg.MaxStorageSlotsPerRequest)*slotItemBytes)
	default:
		return s.cfg.MaxResponseBytes
	}
}

// Submit queues a request under the current root. Hash-addressed requests
// larger than the per-kind cap are split. It fails with ErrResourceExhausted
// when the queue cannot take every chunk; the items of req are left
// untouched then. An empty queue takes any request.
func (s *Scheduler) Submit(req *RangeRequest) error {
	if req.Root != s.root {
		return fmt.Errorf("%w: request for %x, syncing %x", ErrStaleRoot, req.Root, s.root)
	}
	if req.Kind >= numKinds {
		return fmt.Errorf("snap sync: unknown request kind %d", req.Kind)
	}
	if req.Kind == AccountRange || req.Kind == StorageRange {
		if req.Interval == (Interval{}) {
			req.Interval = FullInterval()
		}
	}
	if req.MaxBytes == 0 || req.MaxBytes > s.byteBudget(req.Kind) {
		req.MaxBytes = s.byteBudget(req.Kind)
	}
	req.MaxItems = s.itemCap(req.Kind)
	if s.queued > 0 && s.queued+req.chunks(req.MaxItems) > s.cfg.MaxQueuedRequests {
		return fmt.Errorf("%w: %d queued", ErrResourceExhausted, s.queued)
	}
	parts := append([]*RangeRequest{req}, req.split(req.MaxItems)...)
	for _, part := range parts {
		s.nextID++
		part.ID = s.nextID
		part.State = StateQueued
		s.queues[part.Kind].PushBack(part)
		s.queued++
	}
	s.metrics.SetQueue(s.inflight, s.queued)
	return nil
}

// Next dispatches queued requests and blocks until one reaches a terminal
// state. It returns (nil, nil) once the scheduler is idle.
func (s *Scheduler) Next(ctx context.Context) (*Result, error) {
	for {
		if err := s.dispatch(); err != nil {
			return nil, err
		}
		if len(s.ready) > 0 {
			res := s.ready[0]
			s.ready = s.ready[1:]
			return res, nil
		}
		if s.inflight == 0 && s.queued == 0 {
			return nil, nil
		}
		var (
			wake  <-chan time.Time
			timer clockwork.Timer
		)
		if d, ok := s.nextWake(); ok {
			timer = s.clock.NewTimer(d)
			wake = timer.Chan()
		}
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil, ctx.Err()
		case o := <-s.results:
			if timer != nil {
				timer.Stop()
			}
			if res := s.resolve(o); res != nil {
				return res, nil
			}
		case <-wake:
		}
	}
}

// nextWake returns how long to sleep until a queued request becomes ready,
// if nothing is in flight that could wake the owner earlier.
func (s *Scheduler) nextWake() (time.Duration, bool) {
	if s.queued == 0 || s.inflight >= s.cfg.MaxConcurrentRequests {
		return 0, false
	}
	now := s.clock.Now()
	var earliest time.Time
	for _, q := range s.queues {
		for i := 0; i < q.Len(); i++ {
			nb := q.At(i).notBefore
			if earliest.IsZero() || nb.Before(earliest) {
				earliest = nb
			}
		}
	}
	if s.throttled.After(earliest) {
		earliest = s.throttled
	}
	d := earliest.Sub(now)
	if d < time.Millisecond {
		d = time.Millisecond
	}
	return d, true
}

// pick removes the first ready request, visiting the kinds round-robin.
func (s *Scheduler) pick(now time.Time) *RangeRequest {
	for i := 0; i < int(numKinds); i++ {
		k := (s.cursor + i) % int(numKinds)
		q := s.queues[k]
		idx := q.Index(func(r *RangeRequest) bool { return !r.notBefore.After(now) })
		if idx < 0 {
			continue
		}
		s.cursor = k + 1
		s.queued--
		return q.Remove(idx)
	}
	return nil
}

func (s *Scheduler) dispatch() error {
	now := s.clock.Now()
	for s.inflight < s.cfg.MaxConcurrentRequests && s.queued > 0 {
		if now.Before(s.throttled) {
			return nil
		}
		req := s.pick(now)
		if req == nil {
			return nil
		}
		if s.limiter != nil && !s.limiter.AllowN(now, 1) {
			s.queues[req.Kind].PushFront(req)
			s.queued++
			s.throttled = now.Add(time.Duration(float64(time.Second) / s.cfg.RequestsPerSecond))
			return nil
		}
		peer, err := s.selectPeer(req)
		if err != nil {
			if s.peers.Len() == 0 {
				s.queues[req.Kind].PushFront(req)
				s.queued++
				return ErrNoPeers
			}
			req.State = StateAbandoned
			req.Err = err
			s.metrics.ObserveRequest(req.Kind.String(), metrics.OutcomeAbandoned, 0)
			s.ready = append(s.ready, &Result{Request: req, Err: fmt.Errorf("%w: %v", ErrRetriesExhausted, err)})
			continue
		}
		s.launch(req, peer, now)
	}
	return nil
}

// selectPeer chooses a peer other than the one that served the previous
// attempt. Non-strict requests fall back to it when no one else is left.
func (s *Scheduler) selectPeer(req *RangeRequest) (Peer, error) {
	peer, err := s.peers.Select(s.cfg.PeerStrategy, req.excluded())
	if err == nil || req.Strict || req.LastPeer == "" {
		return peer, err
	}
	return s.peers.Select(s.cfg.PeerStrategy, req.Avoid)
}

func (s *Scheduler) launch(req *RangeRequest, peer Peer, now time.Time) {
	req.State = StateInFlight
	req.Peer = peer.ID()
	req.IssuedAt = now
	s.inflight++
	if s.inflight > s.peak {
		s.peak = s.inflight
	}
	s.metrics.SetQueue(s.inflight, s.queued)
	s.log.Debug("Dispatching request", "req", req, "peer", req.Peer, "retries", req.Retries)

	ctx := s.rootCtx
	s.pool.Submit(func() {
		s.results <- s.execute(ctx, req, peer)
	})
}

// execute performs one round trip and verifies the response. It runs on a
// worker and must not mutate req.
func (s *Scheduler) execute(parent context.Context, req *RangeRequest, peer Peer) outcome {
	ctx, cancel := context.WithTimeout(parent, s.cfg.RequestTimeout)
	defer cancel()

	start := s.clock.Now()
	verified, err := s.roundTrip(ctx, req, peer)
	o := outcome{req: req, peer: peer.ID(), latency: s.clock.Since(start), verified: verified, err: err}
	if err != nil {
		switch {
		case parent.Err() != nil:
			o.err = fmt.Errorf("%w: %v", ErrStaleRoot, err)
		case errors.Is(err, context.DeadlineExceeded):
			o.err = fmt.Errorf("%w: after %v", ErrTimeout, s.cfg.RequestTimeout)
		}
	}
	return o
}

func (s *Scheduler) roundTrip(ctx context.Context, req *RangeRequest, peer Peer) ([]*VerifiedRange, error) {
	switch req.Kind {
	case AccountRange:
		resp, err := peer.RequestAccountRange(ctx, &snap.GetAccountRangePacket{
			ID:     req.ID,
			Root:   req.Root,
			Origin: req.Interval.Start,
			Limit:  req.Interval.End,
			Bytes:  req.MaxBytes,
		})
		if err = transportError(err, req.ID, resp); err != nil {
			return nil, err
		}
		v, err := s.verifier.VerifyAccountRange(req, resp)
		if err != nil {
			return nil, err
		}
		return []*VerifiedRange{v}, nil

	case StorageRange:
		pkt := &snap.GetStorageRangesPacket{ID: req.ID, Root: req.Root, Bytes: req.MaxBytes}
		for _, t := range req.Storage {
			pkt.Accounts = append(pkt.Accounts, t.Account)
		}
		if req.Interval.Start != (common.Hash{}) {
			pkt.Origin = req.Interval.Start.Bytes()
		}
		if req.Interval.End != MaxHash {
			pkt.Limit = req.Interval.End.Bytes()
		}
		resp, err := peer.RequestStorageRanges(ctx, pkt)
		if err = transportError(err, req.ID, resp); err != nil {
			return nil, err
		}
		return s.verifier.VerifyStorageRanges(req, resp)

	case ByteCode:
		resp, err := peer.RequestByteCodes(ctx, &snap.GetByteCodesPacket{ID: req.ID, Hashes: req.Hashes, Bytes: req.MaxBytes})
		if err = transportError(err, req.ID, resp); err != nil {
			return nil, err
		}
		v, err := s.verifier.VerifyByteCodes(req, resp)
		if err != nil {
			return nil, err
		}
		return []*VerifiedRange{v}, nil

	default:
		pkt := &snap.GetTrieNodesPacket{ID: req.ID, Root: req.Root, Bytes: req.MaxBytes}
		for _, n := range req.Nodes {
			if n.Owner == (common.Hash{}) {
				pkt.Paths = append(pkt.Paths, snap.TrieNodePathSet{trie.HexToCompact(n.Path)})
			} else {
				pkt.Paths = append(pkt.Paths, snap.TrieNodePathSet{n.Owner.Bytes(), trie.HexToCompact(n.Path)})
			}
		}
		resp, err := peer.RequestTrieNodes(ctx, pkt)
		if err = transportError(err, req.ID, resp); err != nil {
			return nil, err
		}
		v, err := s.verifier.VerifyTrieNodes(req, resp)
		if err != nil {
			return nil, err
		}
		return []*VerifiedRange{v}, nil
	}
}

// respID extracts the echoed request id of a response packet.
func respID(resp any) (uint64, bool) {
	switch r := resp.(type) {
	case *snap.AccountRangePacket:
		if r != nil {
			return r.ID, true
		}
	case *snap.StorageRangesPacket:
		if r != nil {
			return r.ID, true
		}
	case *snap.ByteCodesPacket:
		if r != nil {
			return r.ID, true
		}
	case *snap.TrieNodesPacket:
		if r != nil {
			return r.ID, true
		}
	}
	return 0, false
}

// transportError normalizes a transport failure or a mismatched response.
func transportError(err error, want uint64, resp any) error {
	got, ok := respID(resp)
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return err
	case err != nil:
		return fmt.Errorf("%w: %v", ErrNetwork, err)
	case !ok:
		return fmt.Errorf("%w: nil response", ErrNetwork)
	case got != want:
		return fmt.Errorf("%w: response id %d for request %d", ErrNetwork, got, want)
	}
	return nil
}

// resolve folds a worker outcome into the request state machine. It returns
// a Result when the request reached a terminal state.
func (s *Scheduler) resolve(o outcome) *Result {
	s.inflight--
	defer func() { s.metrics.SetQueue(s.inflight, s.queued) }()

	req := o.req
	kind := req.Kind.String()
	if req.Root != s.root || errors.Is(o.err, ErrStaleRoot) {
		s.metrics.ObserveRequest(kind, metrics.OutcomeStale, o.latency.Seconds())
		s.log.Debug("Dropped stale response", "req", req, "peer", o.peer)
		return nil
	}
	if o.err == nil {
		req.State = StateCompleted
		s.peers.RecordSuccess(o.peer, o.latency)
		s.metrics.ObserveRequest(kind, metrics.OutcomeCompleted, o.latency.Seconds())
		return &Result{Request: req, Verified: o.verified}
	}

	req.Err = o.err
	switch {
	case errors.Is(o.err, ErrTimeout):
		req.State = StateTimedOut
	case errors.Is(o.err, ErrNetwork):
		req.State = StatePeerError
	default:
		req.State = StateFailed
		s.metrics.VerifyFailed(failureReason(o.err))
	}
	if IsPeerFault(o.err) {
		s.peers.RecordFailure(o.peer)
	}
	req.LastPeer = o.peer
	req.Retries++

	if req.OneShot || req.Retries > s.cfg.MaxRetries {
		req.State = StateAbandoned
		s.metrics.ObserveRequest(kind, metrics.OutcomeAbandoned, o.latency.Seconds())
		s.log.Warn("Abandoned request", "req", req, "peer", o.peer, "retries", req.Retries, "err", o.err)
		return &Result{Request: req, Err: fmt.Errorf("%w: %w", ErrRetriesExhausted, o.err)}
	}

	if req.backoff == nil {
		req.backoff = s.newBackoff()
	}
	delay := req.backoff.NextBackOff()
	req.notBefore = s.clock.Now().Add(delay)
	req.State = StateRequeued
	s.metrics.ObserveRequest(kind, metrics.OutcomeRequeued, o.latency.Seconds())
	s.log.Warn("Requeued request", "req", req, "peer", o.peer, "state", req.State, "delay", delay, "err", o.err)

	req.State = StateQueued
	s.queues[req.Kind].PushBack(req)
	s.queued++
	return nil
}

func (s *Scheduler) newBackoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.cfg.BackoffInitial
	b.MaxInterval = s.cfg.BackoffMax
	b.MaxElapsedTime = 0
	b.Clock = s.clock
	b.Reset()
	return b
}
