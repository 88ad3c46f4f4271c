// Package snap implements the snap/1 style request and response messages
// used by snapshot sync, together with an in-memory state server and a
// loopback peer that exercise them without a network transport.
package snap

import (
	"github.com/ethereum/go-ethereum/common"
)

// Protocol version and name.
const (
	ProtocolName    = "snap"
	ProtocolVersion = 1
)

// Message codes for the snap/1 protocol.
const (
	GetAccountRangeMsg  uint64 = 0x00
	AccountRangeMsg     uint64 = 0x01
	GetStorageRangesMsg uint64 = 0x02
	StorageRangesMsg    uint64 = 0x03
	GetByteCodesMsg     uint64 = 0x04
	ByteCodesMsg        uint64 = 0x05
	GetTrieNodesMsg     uint64 = 0x06
	TrieNodesMsg        uint64 = 0x07
)

// Response size limits.
const (
	// SoftResponseLimit is the target maximum size of responses when the
	// request does not specify one.
	SoftResponseLimit = 512 * 1024

	// HardResponseLimit is the absolute maximum size of responses (2 MiB).
	HardResponseLimit = 2 * 1024 * 1024

	// MaxCodeLookups bounds the number of code hashes served per request.
	MaxCodeLookups = 1024

	// MaxTrieNodeLookups bounds the number of trie node paths served per
	// request.
	MaxTrieNodeLookups = 1024
)

// GetAccountRangePacket requests a range of accounts from the state trie.
type GetAccountRangePacket struct {
	ID     uint64      // Request identifier.
	Root   common.Hash // State trie root to query against.
	Origin common.Hash // Account hash range start (inclusive).
	Limit  common.Hash // Account hash range end (inclusive).
	Bytes  uint64      // Soft limit on response size in bytes.
}

// AccountData is a single account in a range response.
type AccountData struct {
	Hash common.Hash // Keccak256 of the account address.
	Body []byte      // RLP-encoded state account, as stored in the trie.
}

// AccountRangePacket is the response to GetAccountRangePacket. The last
// account may lie beyond the requested limit; it then proves that no other
// account exists between the previous one and the limit.
type AccountRangePacket struct {
	ID       uint64         // Echoed request identifier.
	Accounts []*AccountData // Accounts in the requested range.
	Proof    [][]byte       // Merkle proof nodes for the range boundaries.
	IsLast   bool           // Server claims no further accounts up to Limit.
}

// GetStorageRangesPacket requests storage slot ranges for a set of
// accounts. Origin and Limit apply to the first account only.
type GetStorageRangesPacket struct {
	ID       uint64        // Request identifier.
	Root     common.Hash   // State trie root.
	Accounts []common.Hash // Account hashes to query.
	Origin   []byte        // Storage hash range start (empty for the full range).
	Limit    []byte        // Storage hash range end (empty for the full range).
	Bytes    uint64        // Soft limit on response size in bytes.
}

// StorageData is a single storage slot in a range response.
type StorageData struct {
	Hash common.Hash // Keccak256 of the storage key.
	Body []byte      // RLP-encoded storage value.
}

// StorageRangesPacket is the response to GetStorageRangesPacket. Only the
// last returned account may be partial, in which case Proof covers it.
type StorageRangesPacket struct {
	ID    uint64           // Echoed request identifier.
	Slots [][]*StorageData // Slots per requested account (parallel array).
	Proof [][]byte         // Merkle proof for the last account's range.
}

// GetByteCodesPacket requests contract bytecodes by their code hashes.
type GetByteCodesPacket struct {
	ID     uint64        // Request identifier.
	Hashes []common.Hash // Code hashes to retrieve.
	Bytes  uint64        // Soft limit on response size in bytes.
}

// ByteCodesPacket is the response to GetByteCodesPacket. Codes appear in
// request order; unknown hashes are skipped.
type ByteCodesPacket struct {
	ID    uint64   // Echoed request identifier.
	Codes [][]byte // Retrieved bytecodes.
}

// TrieNodePathSet addresses trie nodes. A single element is a compact
// encoded path in the account trie. Otherwise the first element is the
// account hash and the remaining elements are compact paths in that
// account's storage trie.
type TrieNodePathSet [][]byte

// GetTrieNodesPacket requests trie nodes by path.
type GetTrieNodesPacket struct {
	ID    uint64            // Request identifier.
	Root  common.Hash       // State trie root.
	Paths []TrieNodePathSet // Sets of trie node paths to retrieve.
	Bytes uint64            // Soft limit on response size in bytes.
}

// TrieNodesPacket is the response to GetTrieNodesPacket. Nodes appear in
// request order; the response may stop early.
type TrieNodesPacket struct {
	ID    uint64   // Echoed request identifier.
	Nodes [][]byte // Retrieved trie node blobs.
}

// Handler defines the interface for processing incoming snap protocol messages.
type Handler interface {
	// HandleGetAccountRange processes a request for an account range.
	HandleGetAccountRange(req *GetAccountRangePacket) (*AccountRangePacket, error)

	// HandleGetStorageRanges processes a request for storage ranges.
	HandleGetStorageRanges(req *GetStorageRangesPacket) (*StorageRangesPacket, error)

	// HandleGetByteCodes processes a request for contract bytecodes.
	HandleGetByteCodes(req *GetByteCodesPacket) (*ByteCodesPacket, error)

	// HandleGetTrieNodes processes a request for trie nodes.
	HandleGetTrieNodes(req *GetTrieNodesPacket) (*TrieNodesPacket, error)
}
