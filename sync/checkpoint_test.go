package sync

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/eth2030/snapsync/core/rawdb"
)

func TestCheckpoint_PersistRoundTrip(t *testing.T) {
	db := rawdb.NewMemoryDatabase()

	cp, err := LoadCheckpoint(db)
	require.NoError(t, err)
	require.Nil(t, cp)

	want := &SyncCheckpoint{
		Phase:     PhaseHealing,
		Root:      hashOf(0xaa),
		Block:     1000,
		AttemptID: uuid.New(),
		Accounts:  []Interval{{Start: hashOf(0), End: hashOf(9)}, {Start: hashOf(20), End: MaxHash}},
		Storage: []StorageCoverage{{
			Account:   hashOf(3),
			Root:      hashOf(4),
			Intervals: []Interval{{Start: hashOf(0), End: hashOf(1)}},
		}},
		UpdatedAt: 1700000000,
	}
	require.NoError(t, writeCheckpoint(db, want))

	got, err := LoadCheckpoint(db)
	require.NoError(t, err)
	require.Equal(t, want, got)
	require.Equal(t, StateRoot{Hash: hashOf(0xaa), Block: 1000}, got.StateRoot())
}

func TestDecodeCheckpoint_RejectsGarbage(t *testing.T) {
	_, err := DecodeCheckpoint([]byte{0x01, 0x02})
	require.Error(t, err)
}

func TestPhaseString(t *testing.T) {
	require.Equal(t, "downloading", PhaseDownloading.String())
	require.Equal(t, "done", PhaseDone.String())
}
