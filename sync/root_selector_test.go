package sync

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestSelector(minAge, maxAge uint64, quorum int) *RootSelector {
	cfg := testConfig()
	cfg.MinRootAgeBlocks, cfg.MaxRootAgeBlocks, cfg.RootQuorum = minAge, maxAge, quorum
	return NewRootSelector(&cfg, nil, testLogger())
}

func TestRootSelector_EligibleWithinWindow(t *testing.T) {
	s := newTestSelector(5, 100, 1)
	s.RegisterCandidate("p1", hashOf(0xaa), 1000)

	root, err := s.Select(1050)
	require.NoError(t, err)
	require.Equal(t, hashOf(0xaa), root.Hash)
	require.Equal(t, uint64(1000), root.Block)
}

func TestRootSelector_Window(t *testing.T) {
	s := newTestSelector(5, 100, 1)
	s.RegisterCandidate("p1", hashOf(0xaa), 1000)

	_, err := s.Select(1003) // too young
	require.ErrorIs(t, err, ErrNoEligibleRoot)
	_, err = s.Select(1101) // too old
	require.ErrorIs(t, err, ErrNoEligibleRoot)
	_, err = s.Select(999) // ahead of the tip
	require.ErrorIs(t, err, ErrNoEligibleRoot)

	_, err = s.Select(1005)
	require.NoError(t, err)
	_, err = s.Select(1100)
	require.NoError(t, err)
}

func TestRootSelector_NoCandidates(t *testing.T) {
	s := newTestSelector(5, 100, 1)
	_, err := s.Select(1000)
	require.ErrorIs(t, err, ErrNoPeers)
}

func TestRootSelector_TieBreaks(t *testing.T) {
	s := newTestSelector(0, 100, 1)
	s.RegisterCandidate("p1", hashOf(0x01), 990)
	s.RegisterCandidate("p2", hashOf(0x02), 995)
	s.RegisterCandidate("p3", hashOf(0x03), 995)
	s.RegisterCandidate("p4", hashOf(0x03), 995)

	root, err := s.Select(1000)
	require.NoError(t, err)
	require.Equal(t, hashOf(0x03), root.Hash, "highest block, then most agreement")
	require.Equal(t, 2, s.Agreement(hashOf(0x03), 995))

	// p4 moves to another head; agreement is now even and the lower hash wins.
	s.RegisterCandidate("p4", hashOf(0x04), 900)
	root, err = s.Select(1000)
	require.NoError(t, err)
	require.Equal(t, hashOf(0x02), root.Hash)
}

func TestRootSelector_QuorumAndReject(t *testing.T) {
	s := newTestSelector(0, 100, 2)
	s.RegisterCandidate("p1", hashOf(0xaa), 1000)
	_, err := s.Select(1010)
	require.ErrorIs(t, err, ErrNoEligibleRoot)

	s.RegisterCandidate("p2", hashOf(0xaa), 1000)
	root, err := s.Select(1010)
	require.NoError(t, err)
	require.Equal(t, hashOf(0xaa), root.Hash)

	s.Reject(hashOf(0xaa))
	_, err = s.Select(1010)
	require.ErrorIs(t, err, ErrNoEligibleRoot)

	s.RemovePeer("p1")
	require.Equal(t, 1, s.Agreement(hashOf(0xaa), 1000))
}

func TestRootSelector_Expired(t *testing.T) {
	s := newTestSelector(5, 100, 1)
	root := StateRoot{Hash: hashOf(1), Block: 1000}
	require.False(t, s.Expired(root, 1100))
	require.True(t, s.Expired(root, 1101))
}
