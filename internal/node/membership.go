package node

import (
	"context"

	"go.uber.org/zap"

	"yqhp/ml-orchestrator/api/rest"
	"yqhp/ml-orchestrator/internal/cluster"
	"yqhp/ml-orchestrator/internal/pool"
	"yqhp/ml-orchestrator/pkg/types"
)

// watchMembership reacts to membership events until events is closed.
// Nodes that leave or go offline fail their share of running tasks;
// nodes that join or come back trigger auto redeploy on the leader.
func (n *Node) watchMembership(ctx context.Context, events <-chan *types.NodeEvent) {
	for ev := range events {
		if ev == nil || ev.NodeID == n.info.ID {
			continue
		}
		switch ev.Type {
		case types.NodeEventLeft, types.NodeEventOffline:
			n.failTasksOnNode(ctx, ev.NodeID, "node "+string(ev.Type))
		case types.NodeEventJoined, types.NodeEventOnline:
			if !n.isLeader() {
				continue
			}
			added := []string{ev.NodeID}
			pool.SafeGo(n.logger, "auto-redeploy", func() {
				_ = n.reconciler.BuildArrangements(ctx, added)
			})
		}
	}
}

func (n *Node) failTasksOnNode(ctx context.Context, nodeID, reason string) {
	ids := n.tasks.TasksOnNode(nodeID)
	if len(ids) == 0 {
		return
	}
	n.logger.Warn("failing tasks on lost node",
		zap.String("node_id", nodeID),
		zap.String("reason", reason),
		zap.Strings("task_ids", ids))
	for _, id := range ids {
		n.tasks.AddNodeError(ctx, id, nodeID, reason)
	}
}

// syncMembership mirrors the cluster-manager's view into the local
// registry.
func syncMembership(ctx context.Context, reg cluster.Registry, localID string, view *rest.ClusterView, log *zap.Logger) {
	seen := make(map[string]struct{}, len(view.Nodes))
	for _, cn := range view.Nodes {
		if cn == nil || cn.Node == nil {
			continue
		}
		seen[cn.Node.ID] = struct{}{}
		if cn.Node.ID == localID {
			continue
		}

		if _, err := reg.GetNode(ctx, cn.Node.ID); err != nil {
			if err := reg.Join(ctx, cn.Node); err != nil {
				log.Warn("sync node failed", zap.String("node_id", cn.Node.ID), zap.Error(err))
			}
			continue
		}
		if cn.Status != nil && cn.Status.State == types.NodeStateOffline {
			_ = reg.MarkOffline(ctx, cn.Node.ID)
			continue
		}
		active := 0
		if cn.Status != nil {
			active = cn.Status.ActiveTasks
		}
		_ = reg.Heartbeat(ctx, cn.Node.ID, active)
	}

	local, err := reg.ListNodes(ctx, nil)
	if err != nil {
		return
	}
	for _, node := range local {
		if _, ok := seen[node.ID]; !ok && node.ID != localID {
			_ = reg.Leave(ctx, node.ID)
		}
	}
}
