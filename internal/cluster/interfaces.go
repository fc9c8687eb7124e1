// Package cluster tracks cluster membership and classifies nodes for ML
// placement. Membership is consumed as an event feed by the task manager
// listener and the auto-redeploy reconciler.
package cluster

import (
	"context"
	"time"

	"yqhp/ml-orchestrator/pkg/types"
)

// Registry manages node membership and liveness.
type Registry interface {
	// Join registers a node, or re-registers a restarted one.
	Join(ctx context.Context, node *types.NodeInfo) error

	// Leave removes a node from the cluster.
	Leave(ctx context.Context, nodeID string) error

	// Heartbeat refreshes a node's liveness.
	Heartbeat(ctx context.Context, nodeID string, activeTasks int) error

	// MarkOffline marks a node offline.
	MarkOffline(ctx context.Context, nodeID string) error

	// GetNode returns a single node's information.
	GetNode(ctx context.Context, nodeID string) (*types.NodeInfo, error)

	// GetNodeStatus returns a node's current status.
	GetNodeStatus(ctx context.Context, nodeID string) (*types.NodeStatus, error)

	// ListNodes lists all nodes matching the filter.
	ListNodes(ctx context.Context, filter *NodeFilter) ([]*types.NodeInfo, error)

	// OnlineNodes returns all online nodes.
	OnlineNodes(ctx context.Context) ([]*types.NodeInfo, error)

	// WatchNodes watches for membership events until ctx is done.
	WatchNodes(ctx context.Context) (<-chan *types.NodeEvent, error)

	// ReapStale marks nodes offline whose heartbeat is older than timeout
	// and returns their ids.
	ReapStale(ctx context.Context, timeout time.Duration) []string

	// ClusterManager returns the elected cluster-manager node id.
	ClusterManager(ctx context.Context) string
}

// NodeFilter defines node filtering criteria.
type NodeFilter struct {
	Roles  []types.NodeRole  // any of
	States []types.NodeState // any of
}
