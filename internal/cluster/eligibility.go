package cluster

import (
	"context"

	"github.com/duke-git/lancet/v2/slice"

	"yqhp/ml-orchestrator/pkg/types"
)

// SettingsReader is the subset of live settings eligibility depends on.
type SettingsReader interface {
	OnlyRunOnMLNode() bool
	ExcludeNodeNames() []string
}

// Eligibility decides which online nodes may run a model function.
type Eligibility struct {
	registry Registry
	settings SettingsReader
}

// NewEligibility creates an eligibility helper.
func NewEligibility(registry Registry, settings SettingsReader) *Eligibility {
	return &Eligibility{registry: registry, settings: settings}
}

// EligibleNodes returns online nodes that may run fn, ordered by id.
// Remote models run on ml and data nodes. Local models run on ml nodes,
// falling back to data nodes only when only_run_on_ml_node is off.
// Excluded node names are never eligible.
func (e *Eligibility) EligibleNodes(ctx context.Context, fn types.FunctionName) []*types.NodeInfo {
	online, err := e.registry.OnlineNodes(ctx)
	if err != nil {
		return nil
	}
	excluded := e.settings.ExcludeNodeNames()
	online = slice.Filter(online, func(_ int, n *types.NodeInfo) bool {
		return !slice.Contain(excluded, n.Name)
	})

	mlNodes := slice.Filter(online, func(_ int, n *types.NodeInfo) bool { return n.IsMLNode() })
	dataNodes := slice.Filter(online, func(_ int, n *types.NodeInfo) bool { return n.IsDataNode() })

	if fn.IsRemote() {
		return slice.Filter(online, func(_ int, n *types.NodeInfo) bool {
			return n.IsMLNode() || n.IsDataNode()
		})
	}
	if len(mlNodes) > 0 {
		return mlNodes
	}
	if !e.settings.OnlyRunOnMLNode() {
		return dataNodes
	}
	return []*types.NodeInfo{}
}

// EligibleNodeIDs returns the ids of EligibleNodes.
func (e *Eligibility) EligibleNodeIDs(ctx context.Context, fn types.FunctionName) []string {
	return NodeIDs(e.EligibleNodes(ctx, fn))
}

// FilterEligible keeps the ids of nodeIDs that are eligible for fn. A nil
// input returns nil.
func (e *Eligibility) FilterEligible(ctx context.Context, fn types.FunctionName, nodeIDs []string) []string {
	if nodeIDs == nil {
		return nil
	}
	eligible := e.EligibleNodeIDs(ctx, fn)
	return slice.Filter(nodeIDs, func(_ int, id string) bool {
		return slice.Contain(eligible, id)
	})
}

// DataOnlyNodeIDs returns online nodes that hold the data role without the
// ml role.
func (e *Eligibility) DataOnlyNodeIDs(ctx context.Context) []string {
	online, err := e.registry.OnlineNodes(ctx)
	if err != nil {
		return nil
	}
	return NodeIDs(slice.Filter(online, func(_ int, n *types.NodeInfo) bool {
		return n.IsDataNode() && !n.IsMLNode()
	}))
}

// NodeIDs maps nodes to their ids.
func NodeIDs(nodes []*types.NodeInfo) []string {
	return slice.Map(nodes, func(_ int, n *types.NodeInfo) string { return n.ID })
}
