package registry

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/relaygrid/virtual/virtual/types"
)

func testAllCommon(t *testing.T, registryCtor func() Registry) {
	t.Run("simple lazy placement", func(t *testing.T) {
		testRegistrySimple(t, registryCtor())
	})

	t.Run("service discovery and ensure activation", func(t *testing.T) {
		testRegistryServiceDiscoveryAndEnsureActivation(t, registryCtor())
	})
}

func ref(t *testing.T, actorType string, id string) types.Ref {
	t.Helper()
	r := types.Ref{ActorType: actorType, ActorID: types.Identity{id}}
	require.NoError(t, r.Validate())
	return r
}

// testRegistrySimple checks that EnsureActivation lazily creates a
// placement the first time a ref is seen, and that the same ref stays
// pinned to the same node across repeated calls so long as that node
// keeps heartbeating.
func testRegistrySimple(t *testing.T, reg Registry) {
	ctx := context.Background()
	a := ref(t, "greeter", "a")

	// No live nodes yet: EnsureActivation must fail.
	_, err := reg.EnsureActivation(ctx, a)
	require.ErrorIs(t, err, ErrNoLiveNodes)

	_, err = reg.Heartbeat(ctx, "node1", HeartbeatState{Address: "node1_address"})
	require.NoError(t, err)

	p1, err := reg.EnsureActivation(ctx, a)
	require.NoError(t, err)
	require.Equal(t, "node1", p1.NodeID)
	require.Equal(t, "node1_address", p1.Address)

	// Repeated calls are sticky to the same node.
	for i := 0; i < 5; i++ {
		p, err := reg.EnsureActivation(ctx, a)
		require.NoError(t, err)
		require.Equal(t, p1.NodeID, p.NodeID)
		require.Equal(t, p1.Incarnation, p.Incarnation)
	}

	// IncGeneration bumps the incarnation but keeps the same node live.
	require.NoError(t, reg.IncGeneration(ctx, a))
	p2, err := reg.EnsureActivation(ctx, a)
	require.NoError(t, err)
	require.Equal(t, p1.NodeID, p2.NodeID)
	require.Equal(t, p1.Incarnation+1, p2.Incarnation)

	// IncGeneration on a never-placed ref is a harmless no-op.
	require.NoError(t, reg.IncGeneration(ctx, ref(t, "greeter", "never-placed")))
}

// testRegistryServiceDiscoveryAndEnsureActivation exercises load-balancing
// across live nodes and re-placement once a node's heartbeat expires.
func testRegistryServiceDiscoveryAndEnsureActivation(t *testing.T, reg Registry) {
	ctx := context.Background()

	hb1, err := reg.Heartbeat(ctx, "node1", HeartbeatState{NumActivatedActors: 10, Address: "node1_address"})
	require.NoError(t, err)
	require.True(t, hb1.VersionStamp > 0)
	require.Equal(t, HeartbeatTTL.Microseconds(), hb1.HeartbeatTTL)

	hb2, err := reg.Heartbeat(ctx, "node2", HeartbeatState{NumActivatedActors: 0, Address: "node2_address"})
	require.NoError(t, err)
	require.True(t, hb2.VersionStamp >= hb1.VersionStamp)

	// node2 has fewer activated actors, so a fresh ref should land there.
	p, err := reg.EnsureActivation(ctx, ref(t, "greeter", "fresh"))
	require.NoError(t, err)
	require.Equal(t, "node2", p.NodeID)

	// Balance a batch of new refs across the two nodes, nudging
	// NumActivatedActors up after each placement like a real node would.
	counts := map[string]int{"node1": 10, "node2": 1}
	for i := 0; i < 10; i++ {
		actorID := fmt.Sprintf("batch-%d", i)
		placement, err := reg.EnsureActivation(ctx, ref(t, "greeter", actorID))
		require.NoError(t, err)

		counts[placement.NodeID]++
		_, err = reg.Heartbeat(ctx, placement.NodeID, HeartbeatState{
			NumActivatedActors: counts[placement.NodeID],
			Address:            placement.Address,
		})
		require.NoError(t, err)
	}
	// Both nodes should have picked up at least some of the batch.
	require.True(t, counts["node1"] > 10)
	require.True(t, counts["node2"] > 1)

	// Let node1's heartbeat expire; node2 should become the only live node.
	time.Sleep(HeartbeatTTL + time.Second)
	_, err = reg.Heartbeat(ctx, "node2", HeartbeatState{NumActivatedActors: 9999, Address: "node2_address"})
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		actorID := fmt.Sprintf("post-expiry-%d", i)
		placement, err := reg.EnsureActivation(ctx, ref(t, "greeter", actorID))
		require.NoError(t, err)
		require.Equal(t, "node2", placement.NodeID)
	}
}
