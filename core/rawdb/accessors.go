package rawdb

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethdb"
)

// deleteBatchSize bounds the size of a single delete batch when dropping
// staging tables.
const deleteBatchSize = 4 * 1024 * 1024

// --- Account Accessors ---

// WriteStagedAccount stores an account's trie value under its hash.
func WriteStagedAccount(db ethdb.KeyValueWriter, hash common.Hash, value []byte) error {
	return db.Put(stagedAccountKey(hash), value)
}

// ReadStagedAccount retrieves a staged account value, or nil if absent.
func ReadStagedAccount(db ethdb.KeyValueReader, hash common.Hash) []byte {
	data, _ := db.Get(stagedAccountKey(hash))
	return data
}

// HasStagedAccount checks if an account is staged.
func HasStagedAccount(db ethdb.KeyValueReader, hash common.Hash) bool {
	ok, _ := db.Has(stagedAccountKey(hash))
	return ok
}

// --- Storage Accessors ---

// WriteStagedStorage stores a storage slot value of an account.
func WriteStagedStorage(db ethdb.KeyValueWriter, account, slot common.Hash, value []byte) error {
	return db.Put(stagedStorageKey(account, slot), value)
}

// ReadStagedStorage retrieves a staged storage slot, or nil if absent.
func ReadStagedStorage(db ethdb.KeyValueReader, account, slot common.Hash) []byte {
	data, _ := db.Get(stagedStorageKey(account, slot))
	return data
}

// HasStagedStorage checks if a storage slot is staged.
func HasStagedStorage(db ethdb.KeyValueReader, account, slot common.Hash) bool {
	ok, _ := db.Has(stagedStorageKey(account, slot))
	return ok
}

// DeleteStagedStorage removes every staged slot of an account.
func DeleteStagedStorage(db ethdb.KeyValueStore, account common.Hash) (int, error) {
	return deletePrefix(db, stagedStorageAccountPrefix(account))
}

// --- Code Accessors ---

// WriteStagedCode stores contract byte code under its hash.
func WriteStagedCode(db ethdb.KeyValueWriter, hash common.Hash, code []byte) error {
	return db.Put(stagedCodeKey(hash), code)
}

// ReadStagedCode retrieves staged byte code, or nil if absent.
func ReadStagedCode(db ethdb.KeyValueReader, hash common.Hash) []byte {
	data, _ := db.Get(stagedCodeKey(hash))
	return data
}

// HasStagedCode checks if byte code is staged.
func HasStagedCode(db ethdb.KeyValueReader, hash common.Hash) bool {
	ok, _ := db.Has(stagedCodeKey(hash))
	return ok
}

// --- Trie Node Accessors ---

// WriteStagedNode stores a trie node under its hash.
func WriteStagedNode(db ethdb.KeyValueWriter, hash common.Hash, blob []byte) error {
	return db.Put(stagedNodeKey(hash), blob)
}

// ReadStagedNode retrieves a staged trie node, or nil if absent.
func ReadStagedNode(db ethdb.KeyValueReader, hash common.Hash) []byte {
	data, _ := db.Get(stagedNodeKey(hash))
	return data
}

// HasStagedNode checks if a trie node is staged.
func HasStagedNode(db ethdb.KeyValueReader, hash common.Hash) bool {
	ok, _ := db.Has(stagedNodeKey(hash))
	return ok
}

// DeleteStagedNode removes a staged trie node.
func DeleteStagedNode(db ethdb.KeyValueWriter, hash common.Hash) error {
	return db.Delete(stagedNodeKey(hash))
}

// --- Checkpoint Accessors ---

// ReadSyncCheckpoint retrieves the encoded sync checkpoint, or nil.
func ReadSyncCheckpoint(db ethdb.KeyValueReader) []byte {
	data, _ := db.Get(syncCheckpointKey)
	return data
}

// WriteSyncCheckpoint stores the encoded sync checkpoint.
func WriteSyncCheckpoint(db ethdb.KeyValueWriter, blob []byte) error {
	return db.Put(syncCheckpointKey, blob)
}

// DeleteSyncCheckpoint removes the sync checkpoint.
func DeleteSyncCheckpoint(db ethdb.KeyValueWriter) error {
	return db.Delete(syncCheckpointKey)
}

// --- Iteration ---

// StagedIterator walks one staging table in ascending key order.
type StagedIterator struct {
	it     ethdb.Iterator
	prefix int
}

// NewStagedAccountIterator iterates staged accounts starting at start.
func NewStagedAccountIterator(db ethdb.Iteratee, start common.Hash) *StagedIterator {
	return &StagedIterator{
		it:     db.NewIterator(stagedAccountPrefix, start[:]),
		prefix: len(stagedAccountPrefix),
	}
}

// NewStagedStorageIterator iterates the staged slots of one account.
func NewStagedStorageIterator(db ethdb.Iteratee, account common.Hash) *StagedIterator {
	prefix := stagedStorageAccountPrefix(account)
	return &StagedIterator{
		it:     db.NewIterator(prefix, nil),
		prefix: len(prefix),
	}
}

// Next advances the iterator.
func (it *StagedIterator) Next() bool {
	for it.it.Next() {
		if len(it.it.Key()) == it.prefix+common.HashLength {
			return true
		}
	}
	return false
}

// Hash returns the key hash of the current entry.
func (it *StagedIterator) Hash() common.Hash {
	return common.BytesToHash(it.it.Key()[it.prefix:])
}

// Value returns the value of the current entry. The slice is only valid
// until the next call to Next.
func (it *StagedIterator) Value() []byte { return it.it.Value() }

// Error returns any accumulated iteration error.
func (it *StagedIterator) Error() error { return it.it.Error() }

// Release releases the underlying iterator.
func (it *StagedIterator) Release() { it.it.Release() }

// CountStaged returns the number of entries of a staging table.
func CountStaged(db ethdb.Iteratee, table Table) (int, error) {
	it := db.NewIterator(table.Prefix(), nil)
	defer it.Release()
	n := 0
	for it.Next() {
		n++
	}
	return n, it.Error()
}

// DeleteStagingTables drops every staged account, slot, code and trie node.
// The checkpoint record is left untouched.
func DeleteStagingTables(db ethdb.KeyValueStore) (int, error) {
	total := 0
	for _, table := range Tables {
		n, err := deletePrefix(db, table.Prefix())
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func deletePrefix(db ethdb.KeyValueStore, prefix []byte) (int, error) {
	it := db.NewIterator(prefix, nil)
	defer it.Release()

	batch := db.NewBatch()
	deleted := 0
	for it.Next() {
		if err := batch.Delete(common.CopyBytes(it.Key())); err != nil {
			return deleted, err
		}
		deleted++
		if batch.ValueSize() >= deleteBatchSize {
			if err := batch.Write(); err != nil {
				return deleted, err
			}
			batch.Reset()
		}
	}
	if err := it.Error(); err != nil {
		return deleted, err
	}
	return deleted, batch.Write()
}
