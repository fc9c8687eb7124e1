package rest

import (
	"yqhp/ml-orchestrator/pkg/types"
)

// ErrorResponse represents an error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// SuccessResponse represents a generic success response.
type SuccessResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

// HealthResponse represents a health check response.
type HealthResponse struct {
	Status         string `json:"status"`
	NodeID         string `json:"node_id"`
	ClusterManager string `json:"cluster_manager,omitempty"`
	Timestamp      string `json:"timestamp"`
}

// TaskResponse is returned by the dispatch endpoints.
type TaskResponse struct {
	TaskID string          `json:"task_id"`
	Status types.TaskState `json:"status"`
	Error  string          `json:"error,omitempty"`
}

// UndeployResponse maps node ids to their undeploy error, empty on success.
type UndeployResponse struct {
	Nodes map[string]string `json:"nodes"`
}

// RedeployRequest triggers auto redeploy for added nodes. Empty means
// every online node.
type RedeployRequest struct {
	AddedNodes []string `json:"added_nodes"`
}

// RedeployResponse reports the arrangements still queued.
type RedeployResponse struct {
	Triggered bool     `json:"triggered"`
	Pending   []string `json:"pending_models"`
}

// ClusterNode is a node with its status.
type ClusterNode struct {
	Node   *types.NodeInfo   `json:"node"`
	Status *types.NodeStatus `json:"status,omitempty"`
}

// ClusterView is the membership snapshot returned to joining and
// heartbeating nodes.
type ClusterView struct {
	ClusterManager string         `json:"cluster_manager"`
	Nodes          []*ClusterNode `json:"nodes"`
}

// JoinResponse answers a join request.
type JoinResponse struct {
	Accepted bool `json:"accepted"`
	// HeartbeatInterval is in milliseconds.
	HeartbeatInterval int64 `json:"heartbeat_interval"`
	ClusterView
}

// HeartbeatRequest carries a node's load.
type HeartbeatRequest struct {
	ActiveTasks int `json:"active_tasks"`
}
