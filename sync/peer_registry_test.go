package sync

import (
	"testing"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
)

func newRegistryWith(t *testing.T, threshold int, ids ...string) (*PeerRegistry, clockwork.FakeClock) {
	t.Helper()
	clock := clockwork.NewFakeClock()
	reg := NewPeerRegistry(threshold, clock)
	state := newTestState(t, 4, 1)
	for _, id := range ids {
		reg.Register(newTestPeer(id, state, 1000), state.Root(), 1000)
	}
	return reg, clock
}

func TestPeerRegistry_RegisterAndRecord(t *testing.T) {
	reg, clock := newRegistryWith(t, 3, "a", "b")
	require.Equal(t, 2, reg.Len())

	rec, ok := reg.Record("a")
	require.True(t, ok)
	require.True(t, rec.Available)
	require.Equal(t, uint64(1000), rec.ReportedBlock)
	require.Equal(t, clock.Now(), rec.LastSeen)

	reg.Unregister("a")
	_, ok = reg.Record("a")
	require.False(t, ok)
	require.Len(t, reg.Records(), 1)
}

func TestPeerRegistry_LatencyEMAAndFailures(t *testing.T) {
	reg, _ := newRegistryWith(t, 3, "a")
	reg.RecordSuccess("a", 100*time.Millisecond)
	rec, _ := reg.Record("a")
	require.Equal(t, 100*time.Millisecond, rec.LatencyEMA)

	reg.RecordSuccess("a", 200*time.Millisecond)
	rec, _ = reg.Record("a")
	require.Equal(t, 120*time.Millisecond, rec.LatencyEMA)

	reg.RecordFailure("a")
	reg.RecordFailure("a")
	rec, _ = reg.Record("a")
	require.Equal(t, 2, rec.ConsecutiveFailures)
	require.Equal(t, uint64(2), rec.Failures)

	reg.RecordSuccess("a", 100*time.Millisecond)
	rec, _ = reg.Record("a")
	require.Zero(t, rec.ConsecutiveFailures)
	require.Equal(t, uint64(3), rec.Successes)
}

func TestPeerRegistry_SelectSkipsFailingAndExcluded(t *testing.T) {
	reg, _ := newRegistryWith(t, 1, "a", "b", "c")
	for i := 0; i < 2; i++ {
		reg.RecordFailure("a")
	}
	reg.RecordSuccess("b", 50*time.Millisecond)
	reg.RecordSuccess("c", 10*time.Millisecond)

	p, err := reg.Select(StrategyFastest, nil)
	require.NoError(t, err)
	require.Equal(t, "c", p.ID())

	p, err = reg.Select(StrategyBest, mapset.NewSet("c"))
	require.NoError(t, err)
	require.Equal(t, "b", p.ID())

	reg.SetAvailable("b", false)
	p, err = reg.Select(StrategyBest, mapset.NewSet("c"))
	require.NoError(t, err)
	require.Equal(t, "a", p.ID(), "failing peer is probed when nothing else is left")

	_, err = reg.Select(StrategyBest, mapset.NewSet("a", "b", "c"))
	require.ErrorIs(t, err, ErrNoPeers)
}

func TestPeerRegistry_ProbationPicksFewestFailures(t *testing.T) {
	reg, _ := newRegistryWith(t, 0, "a", "b")
	reg.RecordFailure("a")
	reg.RecordFailure("a")
	reg.RecordFailure("b")
	p, err := reg.Select(StrategyBest, nil)
	require.NoError(t, err)
	require.Equal(t, "b", p.ID())
}

func TestPeerRegistry_RoundRobinVisitsAll(t *testing.T) {
	reg, _ := newRegistryWith(t, 3, "a", "b", "c")
	seen := mapset.NewSet[string]()
	for i := 0; i < 3; i++ {
		p, err := reg.Select(StrategyRoundRobin, nil)
		require.NoError(t, err)
		seen.Add(p.ID())
	}
	require.Equal(t, 3, seen.Cardinality())
}

func TestPeerRegistry_EmptySelect(t *testing.T) {
	reg := NewPeerRegistry(3, nil)
	_, err := reg.Select(StrategyRandom, nil)
	require.ErrorIs(t, err, ErrNoPeers)
}
