package cluster

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"yqhp/ml-orchestrator/pkg/types"
)

// InMemoryRegistry implements Registry using in-memory storage.
type InMemoryRegistry struct {
	localID string
	// pinned overrides cluster-manager election when set.
	pinned string

	nodes  map[string]*types.NodeInfo
	status map[string]*types.NodeStatus

	subscribers []chan *types.NodeEvent
	subMu       sync.RWMutex

	mu sync.RWMutex
}

// NewInMemoryRegistry creates a registry for the node with localID. The
// local node is never reaped.
func NewInMemoryRegistry(localID, pinnedManager string) *InMemoryRegistry {
	return &InMemoryRegistry{
		localID: localID,
		pinned:  pinnedManager,
		nodes:   make(map[string]*types.NodeInfo),
		status:  make(map[string]*types.NodeStatus),
	}
}

// Join registers a node. A node that joins again, typically after a
// restart, is refreshed and reported as joined so its models are redeployed.
func (r *InMemoryRegistry) Join(ctx context.Context, node *types.NodeInfo) error {
	if node == nil {
		return fmt.Errorf("node cannot be nil")
	}
	if node.ID == "" {
		return fmt.Errorf("node ID cannot be empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.nodes[node.ID] = node
	r.status[node.ID] = &types.NodeStatus{
		State:    types.NodeStateOnline,
		LastSeen: time.Now(),
	}

	r.notifyEvent(&types.NodeEvent{
		Type:   types.NodeEventJoined,
		NodeID: node.ID,
		Node:   node,
	})
	return nil
}

// Leave removes a node.
func (r *InMemoryRegistry) Leave(ctx context.Context, nodeID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	node, exists := r.nodes[nodeID]
	if !exists {
		return fmt.Errorf("node not found: %s", nodeID)
	}

	delete(r.nodes, nodeID)
	delete(r.status, nodeID)

	r.notifyEvent(&types.NodeEvent{
		Type:   types.NodeEventLeft,
		NodeID: nodeID,
		Node:   node,
	})
	return nil
}

// Heartbeat updates the last seen time and load of a node. An offline node
// that heartbeats again comes back online.
func (r *InMemoryRegistry) Heartbeat(ctx context.Context, nodeID string, activeTasks int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	status, exists := r.status[nodeID]
	if !exists {
		return fmt.Errorf("node not found: %s", nodeID)
	}

	status.LastSeen = time.Now()
	status.ActiveTasks = activeTasks

	if status.State == types.NodeStateOffline {
		status.State = types.NodeStateOnline
		r.notifyEvent(&types.NodeEvent{
			Type:   types.NodeEventOnline,
			NodeID: nodeID,
			Node:   r.nodes[nodeID],
		})
	}
	return nil
}

// MarkOffline marks a node as offline.
func (r *InMemoryRegistry) MarkOffline(ctx context.Context, nodeID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.markOfflineLocked(nodeID)
}

func (r *InMemoryRegistry) markOfflineLocked(nodeID string) error {
	status, exists := r.status[nodeID]
	if !exists {
		return fmt.Errorf("node not found: %s", nodeID)
	}
	if status.State != types.NodeStateOffline {
		status.State = types.NodeStateOffline
		r.notifyEvent(&types.NodeEvent{
			Type:   types.NodeEventOffline,
			NodeID: nodeID,
			Node:   r.nodes[nodeID],
		})
	}
	return nil
}

// ReapStale marks stale nodes offline.
func (r *InMemoryRegistry) ReapStale(ctx context.Context, timeout time.Duration) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	var reaped []string
	for id, status := range r.status {
		if id == r.localID || status.State == types.NodeStateOffline {
			continue
		}
		if now.Sub(status.LastSeen) > timeout {
			_ = r.markOfflineLocked(id)
			reaped = append(reaped, id)
		}
	}
	sort.Strings(reaped)
	return reaped
}

// GetNode returns a single node's information.
func (r *InMemoryRegistry) GetNode(ctx context.Context, nodeID string) (*types.NodeInfo, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	node, exists := r.nodes[nodeID]
	if !exists {
		return nil, fmt.Errorf("node not found: %s", nodeID)
	}
	return node, nil
}

// GetNodeStatus returns a copy of a node's status.
func (r *InMemoryRegistry) GetNodeStatus(ctx context.Context, nodeID string) (*types.NodeStatus, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	status, exists := r.status[nodeID]
	if !exists {
		return nil, fmt.Errorf("node not found: %s", nodeID)
	}
	s := *status
	return &s, nil
}

// ListNodes lists nodes matching the filter, ordered by id.
func (r *InMemoryRegistry) ListNodes(ctx context.Context, filter *NodeFilter) ([]*types.NodeInfo, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]*types.NodeInfo, 0, len(r.nodes))
	for id, node := range r.nodes {
		if filter != nil && !r.matchesFilter(id, node, filter) {
			continue
		}
		result = append(result, node)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

func (r *InMemoryRegistry) matchesFilter(nodeID string, node *types.NodeInfo, filter *NodeFilter) bool {
	if len(filter.Roles) > 0 {
		found := false
		for _, role := range filter.Roles {
			if node.HasRole(role) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}

	if len(filter.States) > 0 {
		status := r.status[nodeID]
		if status == nil {
			return false
		}
		found := false
		for _, s := range filter.States {
			if status.State == s {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// OnlineNodes returns all online nodes.
func (r *InMemoryRegistry) OnlineNodes(ctx context.Context) ([]*types.NodeInfo, error) {
	return r.ListNodes(ctx, &NodeFilter{
		States: []types.NodeState{types.NodeStateOnline},
	})
}

// ClusterManager returns the pinned manager, or the lowest online node id
// with the cluster_manager role.
func (r *InMemoryRegistry) ClusterManager(ctx context.Context) string {
	if r.pinned != "" {
		return r.pinned
	}
	nodes, _ := r.ListNodes(ctx, &NodeFilter{
		Roles:  []types.NodeRole{types.NodeRoleClusterManager},
		States: []types.NodeState{types.NodeStateOnline},
	})
	if len(nodes) == 0 {
		return ""
	}
	return nodes[0].ID
}

// IsLeader returns a predicate reporting whether nodeID is the elected
// cluster-manager.
func IsLeader(r Registry, nodeID string) func() bool {
	return func() bool {
		return r.ClusterManager(context.Background()) == nodeID
	}
}

// WatchNodes watches for membership events.
func (r *InMemoryRegistry) WatchNodes(ctx context.Context) (<-chan *types.NodeEvent, error) {
	ch := make(chan *types.NodeEvent, 100)

	r.subMu.Lock()
	r.subscribers = append(r.subscribers, ch)
	r.subMu.Unlock()

	go func() {
		<-ctx.Done()
		r.removeSubscriber(ch)
		close(ch)
	}()

	return ch, nil
}

func (r *InMemoryRegistry) notifyEvent(event *types.NodeEvent) {
	r.subMu.RLock()
	defer r.subMu.RUnlock()

	for _, ch := range r.subscribers {
		select {
		case ch <- event:
		default:
			// Channel full, skip
		}
	}
}

func (r *InMemoryRegistry) removeSubscriber(ch chan *types.NodeEvent) {
	r.subMu.Lock()
	defer r.subMu.Unlock()

	for i, sub := range r.subscribers {
		if sub == ch {
			r.subscribers = append(r.subscribers[:i], r.subscribers[i+1:]...)
			break
		}
	}
}

// Count returns the number of registered nodes.
func (r *InMemoryRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.nodes)
}

// CountOnline returns the number of online nodes.
func (r *InMemoryRegistry) CountOnline() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	count := 0
	for _, status := range r.status {
		if status.State == types.NodeStateOnline {
			count++
		}
	}
	return count
}
