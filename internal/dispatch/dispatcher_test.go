package dispatch

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"pgregory.net/rapid"

	"yqhp/ml-orchestrator/internal/cluster"
	"yqhp/ml-orchestrator/internal/config"
	"yqhp/ml-orchestrator/pkg/types"
)

type testSettings struct {
	policy string
	onlyML bool
}

func (s testSettings) DispatchPolicy() string     { return s.policy }
func (s testSettings) OnlyRunOnMLNode() bool      { return s.onlyML }
func (s testSettings) ExcludeNodeNames() []string { return nil }

func newCluster(t *testing.T, ids ...string) *cluster.InMemoryRegistry {
	t.Helper()
	reg := cluster.NewInMemoryRegistry(ids[0], "")
	for _, id := range ids {
		require.NoError(t, reg.Join(context.Background(), &types.NodeInfo{
			ID:    id,
			Name:  id,
			Roles: []types.NodeRole{types.NodeRoleML},
		}))
	}
	return reg
}

func newDispatcher(reg *cluster.InMemoryRegistry, s testSettings, load LoadFunc) *Dispatcher {
	return New("n1", reg, cluster.NewEligibility(reg, s), s, load, zap.NewNop())
}

func TestRoundRobinCyclesInIDOrder(t *testing.T) {
	reg := newCluster(t, "n3", "n1", "n2")
	d := newDispatcher(reg, testSettings{policy: config.DispatchRoundRobin, onlyML: true}, nil)

	var got []string
	for i := 0; i < 6; i++ {
		node, err := d.Dispatch(context.Background(), types.FunctionTextEmbedding)
		require.NoError(t, err)
		got = append(got, node.ID)
	}
	assert.Equal(t, []string{"n1", "n2", "n3", "n1", "n2", "n3"}, got)
}

func TestLeastLoad(t *testing.T) {
	reg := newCluster(t, "n1", "n2", "n3")
	loads := map[string]int{"n1": 4, "n2": 1, "n3": 1}
	d := newDispatcher(reg, testSettings{policy: config.DispatchLeastLoad, onlyML: true},
		func(_ context.Context, id string) int { return loads[id] })

	node, err := d.Dispatch(context.Background(), types.FunctionKMeans)
	require.NoError(t, err)
	assert.Equal(t, "n2", node.ID, "ties go to the lowest id")

	loads["n2"] = 9
	node, err = d.Dispatch(context.Background(), types.FunctionKMeans)
	require.NoError(t, err)
	assert.Equal(t, "n3", node.ID)
}

func TestLeastLoadFromHeartbeats(t *testing.T) {
	ctx := context.Background()
	reg := newCluster(t, "n1", "n2")
	require.NoError(t, reg.Heartbeat(ctx, "n1", 5))
	require.NoError(t, reg.Heartbeat(ctx, "n2", 2))
	d := newDispatcher(reg, testSettings{policy: config.DispatchLeastLoad, onlyML: true}, nil)

	node, err := d.Dispatch(ctx, types.FunctionKMeans)
	require.NoError(t, err)
	assert.Equal(t, "n2", node.ID)
}

func TestNoEligibleNode(t *testing.T) {
	ctx := context.Background()
	reg := cluster.NewInMemoryRegistry("d1", "")
	require.NoError(t, reg.Join(ctx, &types.NodeInfo{ID: "d1", Roles: []types.NodeRole{types.NodeRoleData}}))
	d := newDispatcher(reg, testSettings{onlyML: true}, nil)

	_, err := d.Dispatch(ctx, types.FunctionTextEmbedding)
	assert.ErrorIs(t, err, ErrNoEligibleNode)

	var listened error
	d.DispatchTask(ctx, types.FunctionTextEmbedding, func(node *types.NodeInfo, err error) {
		assert.Nil(t, node)
		listened = err
	})
	assert.ErrorIs(t, listened, ErrNoEligibleNode)

	node, err := d.Dispatch(ctx, types.FunctionRemote)
	require.NoError(t, err)
	assert.Equal(t, "d1", node.ID)
	assert.False(t, d.IsLocal(node))
}

func TestDispatchRoles(t *testing.T) {
	ctx := context.Background()
	reg := newCluster(t, "n1", "n2")
	d := newDispatcher(reg, testSettings{}, nil)

	node, err := d.DispatchRoles(ctx, types.NodeRoleML)
	require.NoError(t, err)
	assert.Equal(t, "n1", node.ID)
	assert.True(t, d.IsLocal(node))

	_, err = d.DispatchRoles(ctx, types.NodeRoleData)
	assert.ErrorIs(t, err, ErrNoEligibleNode)
}

// Two dispatchers fed the same equal-load cluster pick the same sequence.
func TestDispatchDeterminism(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		n := rapid.IntRange(1, 8).Draw(rt, "nodes")
		calls := rapid.IntRange(1, 20).Draw(rt, "calls")
		policy := rapid.SampledFrom([]string{config.DispatchRoundRobin, config.DispatchLeastLoad}).Draw(rt, "policy")

		nodes := make([]*types.NodeInfo, n)
		for i := range nodes {
			nodes[i] = &types.NodeInfo{ID: fmt.Sprintf("node-%02d", i)}
		}
		shuffled := rapid.Permutation(nodes).Draw(rt, "order")

		reg := cluster.NewInMemoryRegistry("", "")
		s := testSettings{policy: policy}
		flat := func(context.Context, string) int { return 0 }
		a := New("", reg, nil, s, flat, zap.NewNop())
		b := New("", reg, nil, s, flat, zap.NewNop())

		for i := 0; i < calls; i++ {
			na, err := a.Select(context.Background(), nodes)
			if err != nil {
				rt.Fatal(err)
			}
			nb, err := b.Select(context.Background(), shuffled)
			if err != nil {
				rt.Fatal(err)
			}
			if na.ID != nb.ID {
				rt.Fatalf("call %d: %s != %s", i, na.ID, nb.ID)
			}
			if policy == config.DispatchRoundRobin && na.ID != nodes[i%n].ID {
				rt.Fatalf("call %d: round robin picked %s", i, na.ID)
			}
			if policy == config.DispatchLeastLoad && na.ID != nodes[0].ID {
				rt.Fatalf("call %d: least load picked %s", i, na.ID)
			}
		}
	})
}
