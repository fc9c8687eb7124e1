// Package forward handles the forward envelope on both ends: dispatched
// work is handed to the local worker, and completion reports update the
// coordinator's task cache.
package forward

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"yqhp/ml-orchestrator/internal/logger"
	"yqhp/ml-orchestrator/internal/task"
	"yqhp/ml-orchestrator/internal/transport"
	"yqhp/ml-orchestrator/pkg/types"
)

// Worker accepts dispatched work. Accept returns once the work is admitted;
// the outcome is reported later with a DONE envelope.
type Worker interface {
	Accept(ctx context.Context, env *types.ForwardEnvelope) error
}

// Handler serves the forward action.
type Handler struct {
	tasks  *task.Manager
	worker Worker
	logger *zap.Logger
}

// NewHandler creates a forward handler.
func NewHandler(tasks *task.Manager, worker Worker, log *zap.Logger) *Handler {
	return &Handler{
		tasks:  tasks,
		worker: worker,
		logger: logger.Or(log, "forward"),
	}
}

// Register serves the handler on t.
func (h *Handler) Register(t transport.Transport) {
	transport.Handle(t, transport.ActionForward,
		func(ctx context.Context, _ string, env *types.ForwardEnvelope) (*types.ForwardResponse, error) {
			return h.Handle(ctx, env)
		})
}

// Handle processes one envelope. Completion reports always acknowledge,
// including those for tasks this node no longer tracks.
func (h *Handler) Handle(ctx context.Context, env *types.ForwardEnvelope) (*types.ForwardResponse, error) {
	if err := env.Validate(); err != nil {
		return nil, fmt.Errorf("invalid forward request: %w", err)
	}

	if env.RequestType.IsDone() {
		h.handleDone(ctx, env)
		return &types.ForwardResponse{Status: types.ForwardStatusOK}, nil
	}

	if h.worker == nil {
		return nil, fmt.Errorf("node cannot run %s", env.RequestType)
	}
	if err := h.worker.Accept(ctx, env); err != nil {
		return nil, err
	}
	return &types.ForwardResponse{Status: types.ForwardStatusOK}, nil
}

func (h *Handler) handleDone(ctx context.Context, env *types.ForwardEnvelope) {
	if !h.tasks.Contains(env.TaskID) {
		h.logger.Debug("task not found in cache, ignore completion",
			zap.String("task_id", env.TaskID),
			zap.String("request_type", string(env.RequestType)),
			zap.String("worker_node_id", env.WorkerNodeID))
		return
	}

	var outcome task.Outcome
	if env.Error != "" {
		outcome = h.tasks.AddNodeError(ctx, env.TaskID, env.WorkerNodeID, env.Error)
	} else {
		outcome = h.tasks.AddNodeDone(ctx, env.TaskID, env.WorkerNodeID)
	}
	h.logger.Debug("completion recorded",
		zap.String("task_id", env.TaskID),
		zap.String("worker_node_id", env.WorkerNodeID),
		zap.Stringer("outcome", outcome))
}

// Send delivers env to nodeID and checks the acknowledgement.
func Send(ctx context.Context, t transport.Transport, nodeID string, env *types.ForwardEnvelope) error {
	resp, err := transport.Invoke[types.ForwardEnvelope, types.ForwardResponse](ctx, t, nodeID, transport.ActionForward, env)
	if err != nil {
		return fmt.Errorf("forward %s to %s: %w", env.RequestType, nodeID, err)
	}
	if resp.Status != types.ForwardStatusOK {
		return fmt.Errorf("forward %s to %s: unexpected status %q: %s", env.RequestType, nodeID, resp.Status, resp.Message)
	}
	return nil
}
