// Package worker executes dispatched model operations on this node and
// reports their outcome to the coordinating node.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"yqhp/ml-orchestrator/internal/breaker"
	"yqhp/ml-orchestrator/internal/forward"
	"yqhp/ml-orchestrator/internal/logger"
	"yqhp/ml-orchestrator/internal/pool"
	"yqhp/ml-orchestrator/internal/task"
	"yqhp/ml-orchestrator/internal/transport"
	"yqhp/ml-orchestrator/pkg/types"
)

// Limits supplies per-node running task limits.
type Limits interface {
	MaxRegisterTasksPerNode() int
	MaxDeployTasksPerNode() int
	MaxMLTaskPerNode() int
}

// Runtime is the worker side of the forward protocol.
type Runtime struct {
	localID   string
	transport transport.Transport
	tasks     *task.Manager
	breakers  *breaker.Set
	pools     *pool.Pools
	executor  Executor
	limits    Limits
	logger    *zap.Logger

	mu     sync.RWMutex
	models map[string]struct{}
}

// NewRuntime creates a worker runtime. Work runs on the register, upload and
// deploy pools; with nil pools it runs on plain goroutines.
func NewRuntime(t transport.Transport, tasks *task.Manager, breakers *breaker.Set, pools *pool.Pools, executor Executor, limits Limits, log *zap.Logger) *Runtime {
	if executor == nil {
		executor = NopExecutor{}
	}
	return &Runtime{
		localID:   t.LocalNodeID(),
		transport: t,
		tasks:     tasks,
		breakers:  breakers,
		pools:     pools,
		executor:  executor,
		limits:    limits,
		logger:    logger.Or(log, "worker"),
		models:    make(map[string]struct{}),
	}
}

// Accept admits dispatched work. Register, upload and deploy run
// asynchronously and report a DONE envelope; undeploy runs inline.
func (r *Runtime) Accept(ctx context.Context, env *types.ForwardEnvelope) error {
	switch env.RequestType {
	case types.ForwardRegisterModel:
		return r.start(env, r.pool(func(p *pool.Pools) *pool.Pool { return p.Register }),
			r.limit(Limits.MaxRegisterTasksPerNode), types.ForwardRegisterModelDone,
			func(ctx context.Context, t *types.Task) error {
				return r.executor.Register(ctx, t, env.Register)
			})
	case types.ForwardUploadModel:
		return r.start(env, r.pool(func(p *pool.Pools) *pool.Pool { return p.Upload }),
			r.limit(Limits.MaxMLTaskPerNode), types.ForwardUploadModelDone,
			func(ctx context.Context, t *types.Task) error {
				return r.executor.Upload(ctx, t, env.Upload)
			})
	case types.ForwardDeployModel:
		return r.start(env, r.pool(func(p *pool.Pools) *pool.Pool { return p.Deploy }),
			r.limit(Limits.MaxDeployTasksPerNode), types.ForwardDeployModelDone,
			func(ctx context.Context, t *types.Task) error {
				if err := r.executor.Deploy(ctx, t, env.Deploy); err != nil {
					return err
				}
				r.addModel(env.Deploy.ModelID)
				return nil
			})
	case types.ForwardUndeployModel:
		return r.undeploy(ctx, env.Undeploy.ModelIDs)
	}
	return fmt.Errorf("worker cannot run %s", env.RequestType)
}

func (r *Runtime) pool(pick func(*pool.Pools) *pool.Pool) *pool.Pool {
	if r.pools == nil {
		return nil
	}
	return pick(r.pools)
}

func (r *Runtime) limit(get func(Limits) int) int {
	if r.limits == nil {
		return 0
	}
	return get(r.limits)
}

func (r *Runtime) start(env *types.ForwardEnvelope, p *pool.Pool, limit int, done types.ForwardRequestType, run func(context.Context, *types.Task) error) error {
	if r.breakers != nil {
		if err := r.breakers.Admit(); err != nil {
			return err
		}
	}
	t := env.Task.Clone()
	if err := r.tasks.CheckLimitAndAddRunningTask(t, limit); err != nil {
		return err
	}

	job := func() {
		err := run(context.Background(), t)
		r.tasks.ReleaseRunningTask(t.ID)
		r.report(env, done, err)
	}
	if p == nil {
		pool.SafeGo(r.logger, string(env.RequestType), job)
		return nil
	}
	if err := p.Submit(job); err != nil {
		r.tasks.ReleaseRunningTask(t.ID)
		return err
	}
	return nil
}

// report sends the DONE envelope for env to its coordinator.
func (r *Runtime) report(env *types.ForwardEnvelope, done types.ForwardRequestType, runErr error) {
	reply := &types.ForwardEnvelope{
		RequestType:  done,
		TaskID:       env.TaskID,
		ModelID:      env.ModelID,
		WorkerNodeID: r.localID,
	}
	if runErr != nil {
		reply.Error = runErr.Error()
		r.logger.Warn("task failed on worker",
			zap.String("task_id", env.TaskID),
			zap.String("model_id", env.ModelID),
			zap.Error(runErr))
	}
	if err := forward.Send(context.Background(), r.transport, env.CoordinatorNodeID, reply); err != nil {
		r.logger.Error("report task completion failed",
			zap.String("task_id", env.TaskID),
			zap.String("coordinator", env.CoordinatorNodeID),
			zap.Error(err))
	}
}

func (r *Runtime) undeploy(ctx context.Context, modelIDs []string) error {
	var errs []error
	for _, id := range modelIDs {
		if !r.HostsModel(id) {
			continue
		}
		if err := r.executor.Undeploy(ctx, id); err != nil {
			errs = append(errs, fmt.Errorf("undeploy %s: %w", id, err))
			continue
		}
		r.removeModel(id)
		r.logger.Info("model undeployed", zap.String("model_id", id))
	}
	return errors.Join(errs...)
}

func (r *Runtime) addModel(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.models[id] = struct{}{}
}

func (r *Runtime) removeModel(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.models, id)
}

// HostsModel reports whether modelID is deployed on this node.
func (r *Runtime) HostsModel(modelID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.models[modelID]
	return ok
}

// DeployedModels returns the models deployed on this node, sorted.
func (r *Runtime) DeployedModels() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.models))
	for id := range r.models {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
