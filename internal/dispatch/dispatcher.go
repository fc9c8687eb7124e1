// Package dispatch picks the worker node for a new task.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync/atomic"

	"go.uber.org/zap"

	"yqhp/ml-orchestrator/internal/cluster"
	"yqhp/ml-orchestrator/internal/config"
	"yqhp/ml-orchestrator/internal/logger"
	"yqhp/ml-orchestrator/pkg/types"
)

// ErrNoEligibleNode is returned when no online node may run the task.
var ErrNoEligibleNode = errors.New("no eligible node found")

// LoadFunc reports how many tasks a node currently runs.
type LoadFunc func(ctx context.Context, nodeID string) int

// PolicyReader supplies the live dispatch policy.
type PolicyReader interface {
	DispatchPolicy() string
}

// Listener receives the outcome of DispatchTask.
type Listener func(node *types.NodeInfo, err error)

// Dispatcher selects a node among eligible candidates. Candidates are always
// considered in node id order so equal choices are reproducible.
type Dispatcher struct {
	localID     string
	registry    cluster.Registry
	eligibility *cluster.Eligibility
	policy      PolicyReader
	load        LoadFunc
	next        atomic.Uint64
	logger      *zap.Logger
}

// New creates a dispatcher. A nil load func reads active task counts from
// the registry.
func New(localID string, registry cluster.Registry, eligibility *cluster.Eligibility, policy PolicyReader, load LoadFunc, log *zap.Logger) *Dispatcher {
	if load == nil {
		load = RegistryLoad(registry)
	}
	return &Dispatcher{
		localID:     localID,
		registry:    registry,
		eligibility: eligibility,
		policy:      policy,
		load:        load,
		logger:      logger.Or(log, "dispatch"),
	}
}

// RegistryLoad reads node load from registry heartbeats.
func RegistryLoad(registry cluster.Registry) LoadFunc {
	return func(ctx context.Context, nodeID string) int {
		status, err := registry.GetNodeStatus(ctx, nodeID)
		if err != nil || status == nil {
			return 0
		}
		return status.ActiveTasks
	}
}

// Dispatch selects a node eligible to run fn.
func (d *Dispatcher) Dispatch(ctx context.Context, fn types.FunctionName) (*types.NodeInfo, error) {
	node, err := d.Select(ctx, d.eligibility.EligibleNodes(ctx, fn))
	if err != nil {
		return nil, fmt.Errorf("dispatch %s: %w", fn, err)
	}
	return node, nil
}

// DispatchRoles selects an online node holding any of roles.
func (d *Dispatcher) DispatchRoles(ctx context.Context, roles ...types.NodeRole) (*types.NodeInfo, error) {
	nodes, err := d.registry.ListNodes(ctx, &cluster.NodeFilter{
		Roles:  roles,
		States: []types.NodeState{types.NodeStateOnline},
	})
	if err != nil {
		return nil, fmt.Errorf("list nodes: %w", err)
	}
	return d.Select(ctx, nodes)
}

// DispatchTask runs Dispatch and reports the result to listener.
func (d *Dispatcher) DispatchTask(ctx context.Context, fn types.FunctionName, listener Listener) {
	listener(d.Dispatch(ctx, fn))
}

// Select applies the live policy to candidates.
func (d *Dispatcher) Select(ctx context.Context, candidates []*types.NodeInfo) (*types.NodeInfo, error) {
	if len(candidates) == 0 {
		return nil, ErrNoEligibleNode
	}
	nodes := append([]*types.NodeInfo(nil), candidates...)
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].ID < nodes[j].ID })

	var node *types.NodeInfo
	policy := config.DispatchRoundRobin
	if d.policy != nil {
		policy = d.policy.DispatchPolicy()
	}
	switch policy {
	case config.DispatchLeastLoad:
		node = d.leastLoaded(ctx, nodes)
	default:
		node = nodes[(d.next.Add(1)-1)%uint64(len(nodes))]
	}

	d.logger.Debug("dispatched",
		zap.String("policy", policy),
		zap.String("node_id", node.ID),
		zap.Int("candidates", len(nodes)))
	return node, nil
}

// leastLoaded returns the first node with the minimum load; nodes are
// sorted so ties go to the lowest id.
func (d *Dispatcher) leastLoaded(ctx context.Context, nodes []*types.NodeInfo) *types.NodeInfo {
	best, bestLoad := nodes[0], d.load(ctx, nodes[0].ID)
	for _, n := range nodes[1:] {
		if l := d.load(ctx, n.ID); l < bestLoad {
			best, bestLoad = n, l
		}
	}
	return best
}

// IsLocal reports whether node is this node.
func (d *Dispatcher) IsLocal(node *types.NodeInfo) bool {
	return node != nil && node.ID == d.localID
}
