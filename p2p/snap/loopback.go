package snap

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// LoopbackPeer delivers requests straight to a local Handler. It stands in
// for a remote snap peer in tests and in the development network.
type LoopbackPeer struct {
	id      string
	handler Handler
	latency time.Duration
	root    common.Hash
	block   uint64
}

// NewLoopbackPeer creates a peer that answers from handler after the given
// artificial latency. root and block are the head the peer advertises.
func NewLoopbackPeer(id string, handler Handler, latency time.Duration, root common.Hash, block uint64) *LoopbackPeer {
	return &LoopbackPeer{id: id, handler: handler, latency: latency, root: root, block: block}
}

// ID returns the peer identifier.
func (p *LoopbackPeer) ID() string { return p.id }

// Head returns the state root and block number the peer advertises.
func (p *LoopbackPeer) Head() (common.Hash, uint64) { return p.root, p.block }

func (p *LoopbackPeer) wait(ctx context.Context) error {
	if p.latency <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(p.latency)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// RequestAccountRange sends a GetAccountRange request.
func (p *LoopbackPeer) RequestAccountRange(ctx context.Context, req *GetAccountRangePacket) (*AccountRangePacket, error) {
	if err := p.wait(ctx); err != nil {
		return nil, err
	}
	return p.handler.HandleGetAccountRange(req)
}

// RequestStorageRanges sends a GetStorageRanges request.
func (p *LoopbackPeer) RequestStorageRanges(ctx context.Context, req *GetStorageRangesPacket) (*StorageRangesPacket, error) {
	if err := p.wait(ctx); err != nil {
		return nil, err
	}
	return p.handler.HandleGetStorageRanges(req)
}

// RequestByteCodes sends a GetByteCodes request.
func (p *LoopbackPeer) RequestByteCodes(ctx context.Context, req *GetByteCodesPacket) (*ByteCodesPacket, error) {
	if err := p.wait(ctx); err != nil {
		return nil, err
	}
	return p.handler.HandleGetByteCodes(req)
}

// RequestTrieNodes sends a GetTrieNodes request.
func (p *LoopbackPeer) RequestTrieNodes(ctx context.Context, req *GetTrieNodesPacket) (*TrieNodesPacket, error) {
	if err := p.wait(ctx); err != nil {
		return nil, err
	}
	return p.handler.HandleGetTrieNodes(req)
}
