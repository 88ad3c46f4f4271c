package rawdb

import "github.com/ethereum/go-ethereum/common"

// Key prefixes for the snapshot staging tables. Every table is
// content-addressed: the key suffix is the trie key or content hash of the
// stored blob, so identical entries delivered by different requests collapse
// into one record.
var (
	stagedAccountPrefix = []byte("sa") // sa + account hash -> account RLP
	stagedStoragePrefix = []byte("ss") // ss + account hash + slot hash -> slot value RLP
	stagedCodePrefix    = []byte("sc") // sc + code hash -> byte code
	stagedNodePrefix    = []byte("sn") // sn + node hash -> trie node RLP

	// syncCheckpointKey tracks the persisted snapshot sync checkpoint.
	syncCheckpointKey = []byte("SnapSyncCheckpoint")
)

// Table identifies one staging table.
type Table uint8

const (
	TableAccounts Table = iota
	TableStorage
	TableCode
	TableTrieNodes
)

// Tables lists every staging table.
var Tables = []Table{TableAccounts, TableStorage, TableCode, TableTrieNodes}

// String returns the table name used in logs and metrics.
func (t Table) String() string {
	switch t {
	case TableAccounts:
		return "accounts"
	case TableStorage:
		return "storage"
	case TableCode:
		return "code"
	case TableTrieNodes:
		return "trie_nodes"
	default:
		return "unknown"
	}
}

// Prefix returns the key prefix of the table.
func (t Table) Prefix() []byte {
	switch t {
	case TableAccounts:
		return stagedAccountPrefix
	case TableStorage:
		return stagedStoragePrefix
	case TableCode:
		return stagedCodePrefix
	case TableTrieNodes:
		return stagedNodePrefix
	default:
		return nil
	}
}

// stagedAccountKey = stagedAccountPrefix + hash
func stagedAccountKey(hash common.Hash) []byte {
	return append(append([]byte{}, stagedAccountPrefix...), hash[:]...)
}

// stagedStorageKey = stagedStoragePrefix + account hash + slot hash
func stagedStorageKey(account, slot common.Hash) []byte {
	buf := make([]byte, 0, len(stagedStoragePrefix)+2*common.HashLength)
	buf = append(buf, stagedStoragePrefix...)
	buf = append(buf, account[:]...)
	return append(buf, slot[:]...)
}

// stagedStorageAccountPrefix = stagedStoragePrefix + account hash
func stagedStorageAccountPrefix(account common.Hash) []byte {
	return append(append([]byte{}, stagedStoragePrefix...), account[:]...)
}

// stagedCodeKey = stagedCodePrefix + code hash
func stagedCodeKey(hash common.Hash) []byte {
	return append(append([]byte{}, stagedCodePrefix...), hash[:]...)
}

// stagedNodeKey = stagedNodePrefix + node hash
func stagedNodeKey(hash common.Hash) []byte {
	return append(append([]byte{}, stagedNodePrefix...), hash[:]...)
}
