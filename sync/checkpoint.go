package sync

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethdb"
	"github.com/ethereum/go-ethereum/rlp"
	"github.com/google/uuid"

	"github.com/eth2030/snapsync/core/rawdb"
)

// Phase is the persisted phase of a sync attempt.
type Phase uint8

const (
	PhaseNone Phase = iota
	PhaseDownloading
	PhaseHealing
	PhaseDone
)

func (p Phase) String() string {
	switch p {
	case PhaseNone:
		return "none"
	case PhaseDownloading:
		return "downloading"
	case PhaseHealing:
		return "healing"
	case PhaseDone:
		return "done"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(p))
	}
}

// StorageCoverage is the persisted storage coverage of one account.
type StorageCoverage struct {
	Account   common.Hash
	Root      common.Hash
	Intervals []Interval
}

// SyncCheckpoint is the resumable state of one sync attempt. Coverage is
// written together with the staged data it describes.
type SyncCheckpoint struct {
	Phase     Phase
	Root      common.Hash
	Block     uint64
	AttemptID uuid.UUID
	Accounts  []Interval
	Storage   []StorageCoverage
	UpdatedAt uint64 // unix seconds
}

// StateRoot returns the root the checkpoint was taken under.
func (cp *SyncCheckpoint) StateRoot() StateRoot {
	return StateRoot{Hash: cp.Root, Block: cp.Block}
}

// EncodeCheckpoint serializes a checkpoint.
func EncodeCheckpoint(cp *SyncCheckpoint) ([]byte, error) {
	return rlp.EncodeToBytes(cp)
}

// DecodeCheckpoint parses a serialized checkpoint.
func DecodeCheckpoint(blob []byte) (*SyncCheckpoint, error) {
	cp := new(SyncCheckpoint)
	if err := rlp.DecodeBytes(blob, cp); err != nil {
		return nil, fmt.Errorf("snap sync: decode checkpoint: %w", err)
	}
	return cp, nil
}

// LoadCheckpoint reads the persisted checkpoint, or nil if there is none.
func LoadCheckpoint(db ethdb.KeyValueReader) (*SyncCheckpoint, error) {
	blob := rawdb.ReadSyncCheckpoint(db)
	if len(blob) == 0 {
		return nil, nil
	}
	return DecodeCheckpoint(blob)
}

// writeCheckpoint adds the encoded checkpoint to w.
func writeCheckpoint(w ethdb.KeyValueWriter, cp *SyncCheckpoint) error {
	blob, err := EncodeCheckpoint(cp)
	if err != nil {
		return err
	}
	return rawdb.WriteSyncCheckpoint(w, blob)
}
