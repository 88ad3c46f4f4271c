package sync

import (
	"context"

	"github.com/eth2030/snapsync/p2p/snap"
)

// Peer is a remote node able to serve snap requests. The transport owns
// framing and decoding; responses arrive as decoded packets.
type Peer interface {
	// ID returns a stable identifier of the peer.
	ID() string

	RequestAccountRange(ctx context.Context, req *snap.GetAccountRangePacket) (*snap.AccountRangePacket, error)
	RequestStorageRanges(ctx context.Context, req *snap.GetStorageRangesPacket) (*snap.StorageRangesPacket, error)
	RequestByteCodes(ctx context.Context, req *snap.GetByteCodesPacket) (*snap.ByteCodesPacket, error)
	RequestTrieNodes(ctx context.Context, req *snap.GetTrieNodesPacket) (*snap.TrieNodesPacket, error)
}
