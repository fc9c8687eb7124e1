package types

import "time"

// NodeRole is a role a cluster node advertises.
type NodeRole string

const (
	// NodeRoleClusterManager can be elected to coordinate the cluster.
	NodeRoleClusterManager NodeRole = "cluster_manager"
	// NodeRoleData hosts data and may run local models when allowed.
	NodeRoleData NodeRole = "data"
	// NodeRoleML is dedicated to ML workloads.
	NodeRoleML NodeRole = "ml"
)

// NodeInfo contains node registration information.
type NodeInfo struct {
	ID      string            `json:"id" yaml:"id"`
	Name    string            `json:"name" yaml:"name"`
	Address string            `json:"address" yaml:"address"`
	Roles   []NodeRole        `json:"roles" yaml:"roles"`
	Labels  map[string]string `json:"labels,omitempty" yaml:"labels,omitempty"`
}

// HasRole reports whether the node advertises role.
func (n *NodeInfo) HasRole(role NodeRole) bool {
	if n == nil {
		return false
	}
	for _, r := range n.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// IsMLNode reports whether the node carries the ml role.
func (n *NodeInfo) IsMLNode() bool { return n.HasRole(NodeRoleML) }

// IsDataNode reports whether the node carries the data role.
func (n *NodeInfo) IsDataNode() bool { return n.HasRole(NodeRoleData) }

// NodeState represents the liveness of a node.
type NodeState string

const (
	NodeStateOnline  NodeState = "online"
	NodeStateOffline NodeState = "offline"
)

// NodeStatus is the mutable status tracked for a registered node.
type NodeStatus struct {
	State       NodeState `json:"state"`
	ActiveTasks int       `json:"active_tasks"`
	LastSeen    time.Time `json:"last_seen"`
}

// NodeEventType defines the type of membership event.
type NodeEventType string

const (
	// NodeEventJoined indicates a node joined the cluster.
	NodeEventJoined NodeEventType = "joined"
	// NodeEventLeft indicates a node left the cluster.
	NodeEventLeft NodeEventType = "left"
	// NodeEventOnline indicates an offline node resumed heartbeating.
	NodeEventOnline NodeEventType = "online"
	// NodeEventOffline indicates a node missed its heartbeat window.
	NodeEventOffline NodeEventType = "offline"
)

// NodeEvent is a membership change observed by the registry.
type NodeEvent struct {
	Type   NodeEventType `json:"type"`
	NodeID string        `json:"node_id"`
	Node   *NodeInfo     `json:"node,omitempty"`
}

// NodeStats is the per-node resource and task snapshot served by stats/nodes.
type NodeStats struct {
	NodeID            string   `json:"node_id"`
	HeapUsedPercent   float64  `json:"heap_used_percent"`
	NativeUsedPercent float64  `json:"native_memory_used_percent"`
	DiskFreeBytes     uint64   `json:"disk_free_bytes"`
	OpenBreaker       string   `json:"open_circuit_breaker,omitempty"`
	RunningTasks      int      `json:"running_tasks"`
	DeployedModels    []string `json:"deployed_models"`
	Error             string   `json:"error,omitempty"`
}
