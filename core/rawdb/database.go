// Package rawdb provides the staging tables and checkpoint record used by
// snapshot sync, on top of go-ethereum's key-value store interfaces.
//
// Architecture follows go-ethereum's prefix-based schema where each table
// uses a distinct key prefix to avoid collisions.
package rawdb

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/ethereum/go-ethereum/ethdb"
	"github.com/ethereum/go-ethereum/ethdb/leveldb"
	"github.com/ethereum/go-ethereum/ethdb/memorydb"
	"github.com/gofrs/flock"
)

const (
	// DefaultCache is the leveldb cache allowance in megabytes.
	DefaultCache = 256

	// DefaultHandles is the number of open file handles granted to leveldb.
	DefaultHandles = 256

	lockFileName = "snapsync.lock"
	dbDirName    = "snapdata"
)

var (
	ErrDatabaseLocked = errors.New("rawdb: data directory is locked by another process")
)

// Store is a durable key-value store holding the staging tables, guarded by
// an exclusive lock on its data directory.
type Store struct {
	ethdb.KeyValueStore
	lock *flock.Flock
}

// Open creates (if needed) and opens the staging database under dataDir.
// The data directory is locked for the lifetime of the store.
func Open(dataDir string, cache, handles int) (*Store, error) {
	if dataDir == "" {
		return nil, errors.New("rawdb: empty data directory")
	}
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, fmt.Errorf("rawdb: create data directory: %w", err)
	}
	lock := flock.New(filepath.Join(dataDir, lockFileName))
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("rawdb: lock data directory: %w", err)
	}
	if !locked {
		return nil, ErrDatabaseLocked
	}
	if cache <= 0 {
		cache = DefaultCache
	}
	if handles <= 0 {
		handles = DefaultHandles
	}
	db, err := leveldb.New(filepath.Join(dataDir, dbDirName), cache, handles, "snapsync/db/", false)
	if err != nil {
		lock.Unlock()
		return nil, fmt.Errorf("rawdb: open leveldb: %w", err)
	}
	return &Store{KeyValueStore: db, lock: lock}, nil
}

// Close closes the database and releases the directory lock.
func (s *Store) Close() error {
	err := s.KeyValueStore.Close()
	if uerr := s.lock.Unlock(); err == nil {
		err = uerr
	}
	return err
}

// NewMemoryDatabase returns an ephemeral in-memory store.
func NewMemoryDatabase() ethdb.KeyValueStore {
	return memorydb.New()
}
