package rest

import (
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"

	"yqhp/ml-orchestrator/internal/cluster"
	"yqhp/ml-orchestrator/internal/stats"
	"yqhp/ml-orchestrator/pkg/types"
)

// healthCheck handles GET /health
func (s *Server) healthCheck(c *fiber.Ctx) error {
	resp := HealthResponse{
		Status:    "healthy",
		NodeID:    s.deps.NodeID,
		Timestamp: time.Now().Format(time.RFC3339),
	}
	if s.deps.Registry != nil {
		resp.ClusterManager = s.deps.Registry.ClusterManager(c.UserContext())
	}
	return c.JSON(resp)
}

func taskResponse(t *types.Task, err error) TaskResponse {
	resp := TaskResponse{TaskID: t.ID, Status: t.State}
	if err != nil {
		resp.Error = err.Error()
	}
	return resp
}

// registerModel handles POST /api/v1/dispatch/register-model
func (s *Server) registerModel(c *fiber.Ctx) error {
	var in types.RegisterModelInput
	if err := c.BodyParser(&in); err != nil {
		return badRequest(c, "Failed to parse request body: "+err.Error())
	}
	if in.FunctionName == "" {
		return badRequest(c, "function_name is required")
	}

	t, err := s.deps.Models.Register(c.UserContext(), &in)
	if t == nil {
		return writeError(c, err)
	}
	return c.JSON(taskResponse(t, err))
}

// uploadModel handles POST /api/v1/dispatch/upload-model
func (s *Server) uploadModel(c *fiber.Ctx) error {
	var in types.UploadModelInput
	if err := c.BodyParser(&in); err != nil {
		return badRequest(c, "Failed to parse request body: "+err.Error())
	}
	if in.FunctionName == "" {
		return badRequest(c, "function_name is required")
	}

	t, err := s.deps.Models.Upload(c.UserContext(), &in)
	if t == nil {
		return writeError(c, err)
	}
	return c.JSON(taskResponse(t, err))
}

// deployModel handles POST /api/v1/dispatch/deploy-model
func (s *Server) deployModel(c *fiber.Ctx) error {
	var in types.DeployModelInput
	if err := c.BodyParser(&in); err != nil {
		return badRequest(c, "Failed to parse request body: "+err.Error())
	}
	if in.ModelID == "" {
		return badRequest(c, "model_id is required")
	}
	in.UserInitiated = true

	t, err := s.deps.Models.Deploy(c.UserContext(), &in)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(taskResponse(t, nil))
}

// forwardEnvelope handles POST /api/v1/forward
func (s *Server) forwardEnvelope(c *fiber.Ctx) error {
	var env types.ForwardEnvelope
	if err := c.BodyParser(&env); err != nil {
		return badRequest(c, "Failed to parse request body: "+err.Error())
	}
	if err := env.Validate(); err != nil {
		return badRequest(c, err.Error())
	}

	resp, err := s.deps.Forward.Handle(c.UserContext(), &env)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(resp)
}

// undeployModels handles POST /api/v1/models/undeploy
func (s *Server) undeployModels(c *fiber.Ctx) error {
	var in types.UndeployModelInput
	if err := c.BodyParser(&in); err != nil {
		return badRequest(c, "Failed to parse request body: "+err.Error())
	}
	if len(in.ModelIDs) == 0 {
		return badRequest(c, "model_ids is required")
	}

	results, err := s.deps.Models.Undeploy(c.UserContext(), &in)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(UndeployResponse{Nodes: results})
}

// getModel handles GET /api/v1/models/:id
func (s *Server) getModel(c *fiber.Ctx) error {
	m, err := s.deps.Models.Get(c.UserContext(), c.Params("id"))
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(m)
}

// listTasks handles GET /api/v1/tasks
func (s *Server) listTasks(c *fiber.Ctx) error {
	ids := s.deps.Tasks.AllTaskIDs()
	tasks := make([]*types.Task, 0, len(ids))
	for _, id := range ids {
		if t := s.deps.Tasks.GetTask(id); t != nil {
			tasks = append(tasks, t)
		}
	}
	return c.JSON(fiber.Map{
		"tasks": tasks,
		"total": len(tasks),
	})
}

// getTask handles GET /api/v1/tasks/:id
func (s *Server) getTask(c *fiber.Ctx) error {
	id := c.Params("id")
	if t := s.deps.Tasks.GetTask(id); t != nil {
		return c.JSON(t)
	}
	t, err := s.deps.Tasks.LoadTask(c.UserContext(), id)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(t)
}

// cancelTask handles POST /api/v1/tasks/:id/cancel
func (s *Server) cancelTask(c *fiber.Ctx) error {
	if err := s.deps.Tasks.Cancel(c.UserContext(), c.Params("id")); err != nil {
		return writeError(c, err)
	}
	return c.JSON(SuccessResponse{Success: true, Message: "Task cancelled"})
}

// clusterStats handles GET /api/v1/stats/nodes
func (s *Server) clusterStats(c *fiber.Ctx) error {
	var nodeIDs []string
	if q := c.Query("nodes"); q != "" {
		for _, id := range strings.Split(q, ",") {
			if id = strings.TrimSpace(id); id != "" {
				nodeIDs = append(nodeIDs, id)
			}
		}
	} else {
		nodes, err := s.deps.Registry.OnlineNodes(c.UserContext())
		if err != nil {
			return writeError(c, err)
		}
		nodeIDs = cluster.NodeIDs(nodes)
	}

	return c.JSON(fiber.Map{
		"nodes": stats.Gather(c.UserContext(), s.deps.Transport, nodeIDs),
	})
}

// localStats handles GET /api/v1/stats/local
func (s *Server) localStats(c *fiber.Ctx) error {
	return c.JSON(s.deps.Stats.Collect())
}

// getSettings handles GET /api/v1/settings
func (s *Server) getSettings(c *fiber.Ctx) error {
	return c.JSON(s.deps.Settings.All())
}

// updateSettings handles PUT /api/v1/settings
func (s *Server) updateSettings(c *fiber.Ctx) error {
	var updates map[string]string
	if err := c.BodyParser(&updates); err != nil {
		return badRequest(c, "Failed to parse request body: "+err.Error())
	}
	if err := s.deps.Settings.Apply(updates); err != nil {
		return badRequest(c, err.Error())
	}
	return c.JSON(s.deps.Settings.All())
}

// triggerRedeploy handles POST /api/v1/redeploy
func (s *Server) triggerRedeploy(c *fiber.Ctx) error {
	var req RedeployRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return badRequest(c, "Failed to parse request body: "+err.Error())
		}
	}
	if len(req.AddedNodes) == 0 {
		nodes, err := s.deps.Registry.OnlineNodes(c.UserContext())
		if err != nil {
			return writeError(c, err)
		}
		req.AddedNodes = cluster.NodeIDs(nodes)
	}

	if err := s.deps.Reconciler.BuildArrangements(c.UserContext(), req.AddedNodes); err != nil {
		return writeError(c, err)
	}

	pending := []string{}
	for _, a := range s.deps.Reconciler.Pending() {
		pending = append(pending, a.ModelID)
	}
	return c.JSON(RedeployResponse{Triggered: true, Pending: pending})
}
