package rest

import (
	"context"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"yqhp/ml-orchestrator/pkg/types"
)

func (s *Server) clusterView(ctx context.Context) (*ClusterView, error) {
	nodes, err := s.deps.Registry.ListNodes(ctx, nil)
	if err != nil {
		return nil, err
	}
	view := &ClusterView{
		ClusterManager: s.deps.Registry.ClusterManager(ctx),
		Nodes:          make([]*ClusterNode, 0, len(nodes)),
	}
	for _, n := range nodes {
		status, _ := s.deps.Registry.GetNodeStatus(ctx, n.ID)
		view.Nodes = append(view.Nodes, &ClusterNode{Node: n, Status: status})
	}
	return view, nil
}

// listNodes handles GET /api/v1/cluster/nodes
func (s *Server) listNodes(c *fiber.Ctx) error {
	view, err := s.clusterView(c.UserContext())
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(view)
}

// joinCluster handles POST /api/v1/cluster/join
func (s *Server) joinCluster(c *fiber.Ctx) error {
	var node types.NodeInfo
	if err := c.BodyParser(&node); err != nil {
		return badRequest(c, "Failed to parse request body: "+err.Error())
	}
	if node.ID == "" || node.Address == "" {
		return badRequest(c, "node id and address are required")
	}
	if node.Name == "" {
		node.Name = node.ID
	}

	if err := s.deps.Registry.Join(c.UserContext(), &node); err != nil {
		return badRequest(c, err.Error())
	}
	s.logger.Info("node joined",
		zap.String("node_id", node.ID),
		zap.String("address", node.Address))

	view, err := s.clusterView(c.UserContext())
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(JoinResponse{
		Accepted:          true,
		HeartbeatInterval: s.deps.HeartbeatInterval.Milliseconds(),
		ClusterView:       *view,
	})
}

// nodeHeartbeat handles POST /api/v1/cluster/nodes/:id/heartbeat
func (s *Server) nodeHeartbeat(c *fiber.Ctx) error {
	var req HeartbeatRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return badRequest(c, "Failed to parse request body: "+err.Error())
		}
	}
	if err := s.deps.Registry.Heartbeat(c.UserContext(), c.Params("id"), req.ActiveTasks); err != nil {
		return writeStatus(c, fiber.StatusNotFound, err.Error())
	}

	view, err := s.clusterView(c.UserContext())
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(view)
}

// leaveCluster handles POST /api/v1/cluster/nodes/:id/leave
func (s *Server) leaveCluster(c *fiber.Ctx) error {
	if err := s.deps.Registry.Leave(c.UserContext(), c.Params("id")); err != nil {
		return writeStatus(c, fiber.StatusNotFound, err.Error())
	}
	return c.JSON(SuccessResponse{Success: true, Message: "Node left"})
}
