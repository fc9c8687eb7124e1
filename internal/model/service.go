// Package model is the coordinator side of model operations. It admits and
// places register, upload, deploy and undeploy requests, creates their
// tasks, forwards the work to workers and keeps model records in step with
// task outcomes.
package model

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/duke-git/lancet/v2/slice"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"yqhp/ml-orchestrator/internal/breaker"
	"yqhp/ml-orchestrator/internal/cluster"
	"yqhp/ml-orchestrator/internal/dispatch"
	"yqhp/ml-orchestrator/internal/forward"
	"yqhp/ml-orchestrator/internal/logger"
	"yqhp/ml-orchestrator/internal/store"
	"yqhp/ml-orchestrator/internal/task"
	"yqhp/ml-orchestrator/internal/transport"
	"yqhp/ml-orchestrator/pkg/types"
)

var (
	// ErrCustomPlanNotAllowed is returned for explicit deploy targets while
	// custom deployment plans are disabled.
	ErrCustomPlanNotAllowed = errors.New("custom deployment plan is not allowed")
	// ErrModelBusy is returned when another task of the model is in flight.
	ErrModelBusy = errors.New("model has a task in progress")
)

// Settings is the subset of live settings the service reads.
type Settings interface {
	AllowCustomDeploymentPlan() bool
}

// Deps wires a Service.
type Deps struct {
	Transport   transport.Transport
	Store       store.Store
	Tasks       *task.Manager
	Registry    cluster.Registry
	Eligibility *cluster.Eligibility
	Dispatcher  *dispatch.Dispatcher
	Breakers    *breaker.Set
	Settings    Settings
	Logger      *zap.Logger
}

// Service handles model operations on the coordinating node.
type Service struct {
	localID     string
	transport   transport.Transport
	store       store.Store
	tasks       *task.Manager
	registry    cluster.Registry
	eligibility *cluster.Eligibility
	dispatcher  *dispatch.Dispatcher
	breakers    *breaker.Set
	settings    Settings
	logger      *zap.Logger

	// deployAfterRegister holds deploy requests chained to register tasks.
	deployAfterRegister sync.Map
}

// NewService creates a model service and subscribes it to task completion.
func NewService(deps Deps) *Service {
	s := &Service{
		localID:     deps.Transport.LocalNodeID(),
		transport:   deps.Transport,
		store:       deps.Store,
		tasks:       deps.Tasks,
		registry:    deps.Registry,
		eligibility: deps.Eligibility,
		dispatcher:  deps.Dispatcher,
		breakers:    deps.Breakers,
		settings:    deps.Settings,
		logger:      logger.Or(deps.Logger, "model"),
	}
	s.tasks.OnTaskDone(s.onTaskDone)
	return s
}

func (s *Service) admit() error {
	if s.breakers == nil {
		return nil
	}
	return s.breakers.Admit()
}

// Get returns a model record.
func (s *Service) Get(ctx context.Context, modelID string) (*types.Model, error) {
	return Get(ctx, s.store, modelID)
}

// Register creates a model record and dispatches its registration to one
// worker. The returned task is in CREATED state; the outcome arrives later.
func (s *Service) Register(ctx context.Context, in *types.RegisterModelInput) (*types.Task, error) {
	if in == nil || in.Name == "" || in.FunctionName == "" {
		return nil, errors.New("register input requires name and function name")
	}
	if in.ModelID == "" {
		in.ModelID = uuid.NewString()
	}
	t, node, err := s.prepareSingle(ctx, types.TaskTypeRegisterModel, in.ModelID, in.FunctionName)
	if err != nil {
		return nil, err
	}
	if err := s.createModel(ctx, in.ModelID, in.Name, in.FunctionName, in.URL); err != nil {
		return nil, err
	}
	if err := s.startTask(ctx, t); err != nil {
		return nil, err
	}
	if in.DeployModel {
		s.deployAfterRegister.Store(t.ID, &types.DeployModelInput{
			ModelID:      in.ModelID,
			FunctionName: in.FunctionName,
			NodeIDs:      in.NodeIDs,
		})
	}

	env := s.envelope(types.ForwardRegisterModel, t, node.ID)
	env.Register = in
	return t, s.sendSingle(ctx, t, node.ID, env)
}

// Upload creates a model record and dispatches the upload to one worker.
func (s *Service) Upload(ctx context.Context, in *types.UploadModelInput) (*types.Task, error) {
	if in == nil || in.Name == "" || in.URL == "" {
		return nil, errors.New("upload input requires name and url")
	}
	if in.ModelID == "" {
		in.ModelID = uuid.NewString()
	}
	t, node, err := s.prepareSingle(ctx, types.TaskTypeUploadModel, in.ModelID, in.FunctionName)
	if err != nil {
		return nil, err
	}
	if err := s.createModel(ctx, in.ModelID, in.Name, in.FunctionName, in.URL); err != nil {
		return nil, err
	}
	if err := s.startTask(ctx, t); err != nil {
		return nil, err
	}

	env := s.envelope(types.ForwardUploadModel, t, node.ID)
	env.Upload = in
	return t, s.sendSingle(ctx, t, node.ID, env)
}

// prepareSingle admits the request and places it before anything is
// created.
func (s *Service) prepareSingle(ctx context.Context, typ types.TaskType, modelID string, fn types.FunctionName) (*types.Task, *types.NodeInfo, error) {
	if err := s.admit(); err != nil {
		return nil, nil, err
	}
	if s.tasks.ContainsModel(modelID) {
		return nil, nil, fmt.Errorf("%w: %s", ErrModelBusy, modelID)
	}
	node, err := s.dispatcher.Dispatch(ctx, fn)
	if err != nil {
		return nil, nil, err
	}
	return s.newTask(typ, modelID, fn, []string{node.ID}), node, nil
}

func (s *Service) newTask(typ types.TaskType, modelID string, fn types.FunctionName, workers []string) *types.Task {
	now := time.Now()
	return &types.Task{
		ID:             uuid.NewString(),
		ModelID:        modelID,
		Type:           typ,
		FunctionName:   fn,
		State:          types.TaskStateCreated,
		Async:          true,
		WorkerNodes:    workers,
		CreateTime:     now,
		LastUpdateTime: now,
	}
}

func (s *Service) createModel(ctx context.Context, id, name string, fn types.FunctionName, url string) error {
	now := time.Now()
	m := &types.Model{
		ID:             id,
		Name:           name,
		FunctionName:   fn,
		State:          types.ModelStateRegistering,
		URL:            url,
		CreatedTime:    now,
		LastUpdateTime: now,
	}
	if err := s.store.Put(ctx, types.ModelIndex, id, m.Source()); err != nil {
		return fmt.Errorf("persist model %s: %w", id, err)
	}
	return nil
}

// startTask persists and caches a task.
func (s *Service) startTask(ctx context.Context, t *types.Task) error {
	if err := s.tasks.CreateTask(ctx, t); err != nil {
		return err
	}
	return s.tasks.Add(t, t.WorkerNodes)
}

func (s *Service) envelope(typ types.ForwardRequestType, t *types.Task, workerID string) *types.ForwardEnvelope {
	return &types.ForwardEnvelope{
		RequestType:       typ,
		TaskID:            t.ID,
		ModelID:           t.ModelID,
		WorkerNodeID:      workerID,
		CoordinatorNodeID: s.localID,
		Task:              t,
	}
}

// sendSingle forwards env; a send failure counts as that worker's error,
// which fails a single-worker task.
func (s *Service) sendSingle(ctx context.Context, t *types.Task, nodeID string, env *types.ForwardEnvelope) error {
	if err := forward.Send(ctx, s.transport, nodeID, env); err != nil {
		s.logger.Error("forward request failed",
			zap.String("task_id", t.ID),
			zap.String("node_id", nodeID),
			zap.Error(err))
		s.deployAfterRegister.Delete(t.ID)
		s.tasks.AddNodeError(ctx, t.ID, nodeID, err.Error())
		return err
	}
	s.markRunning(ctx, t)
	return nil
}

// markRunning persists RUNNING once a worker accepted the task. A task that
// already finished keeps its terminal state.
func (s *Service) markRunning(ctx context.Context, t *types.Task) {
	s.tasks.UpdateTaskAsync(ctx, t.ID, map[string]any{
		types.TaskFieldState: string(types.TaskStateRunning),
	}, false)
}

// Deploy deploys a registered model. Without explicit node ids the model
// goes to every eligible node; explicit ids require custom deployment plans
// and are narrowed to eligible nodes.
func (s *Service) Deploy(ctx context.Context, in *types.DeployModelInput) (*types.Task, error) {
	if in == nil || in.ModelID == "" {
		return nil, errors.New("deploy input requires model id")
	}
	if err := s.admit(); err != nil {
		return nil, err
	}
	m, err := s.Get(ctx, in.ModelID)
	if err != nil {
		return nil, err
	}
	if s.tasks.ContainsModel(in.ModelID) {
		return nil, fmt.Errorf("%w: %s", ErrModelBusy, in.ModelID)
	}

	fn := m.FunctionName
	if in.FunctionName != "" {
		fn = in.FunctionName
	}
	eligible := s.eligibility.EligibleNodeIDs(ctx, fn)
	targets, deployToAll := eligible, true
	if len(in.NodeIDs) > 0 {
		if !s.settings.AllowCustomDeploymentPlan() {
			return nil, ErrCustomPlanNotAllowed
		}
		targets = slice.Intersection(slice.Unique(in.NodeIDs), eligible)
		deployToAll = false
	}
	if len(targets) == 0 {
		return nil, fmt.Errorf("deploy %s: %w", in.ModelID, dispatch.ErrNoEligibleNode)
	}

	t := s.newTask(types.TaskTypeDeployModel, in.ModelID, fn, targets)
	if err := s.startTask(ctx, t); err != nil {
		return nil, err
	}
	if err := s.store.Update(ctx, types.ModelIndex, in.ModelID, map[string]any{
		types.ModelFieldState:               string(types.ModelStateDeploying),
		types.ModelFieldPlanningWorkerNodes: targets,
		types.ModelFieldPlanningWorkerCount: len(targets),
		types.ModelFieldDeployToAllNodes:    deployToAll,
		types.ModelFieldLastUpdateTime:      time.Now().UnixMilli(),
	}); err != nil {
		s.logger.Warn("update model before deploy failed",
			zap.String("model_id", in.ModelID),
			zap.Error(err))
	}

	deploy := *in
	deploy.FunctionName = fn
	deploy.NodeIDs = targets
	deploy.DeployToAll = deployToAll
	deploy.CoordinatingID = s.localID

	var (
		g        errgroup.Group
		accepted atomic.Int32
	)
	for _, nodeID := range targets {
		g.Go(func() error {
			env := s.envelope(types.ForwardDeployModel, t, nodeID)
			env.Deploy = &deploy
			if err := forward.Send(ctx, s.transport, nodeID, env); err != nil {
				s.logger.Warn("forward deploy failed",
					zap.String("task_id", t.ID),
					zap.String("node_id", nodeID),
					zap.Error(err))
				s.tasks.AddNodeError(ctx, t.ID, nodeID, err.Error())
				return nil
			}
			accepted.Add(1)
			return nil
		})
	}
	_ = g.Wait()
	if accepted.Load() > 0 {
		s.markRunning(ctx, t)
	}

	s.logger.Info("deploy dispatched",
		zap.String("task_id", t.ID),
		zap.String("model_id", in.ModelID),
		zap.Strings("nodes", targets))
	return t, nil
}

// Undeploy removes models from nodes, all online nodes when none are given,
// and returns per-node errors keyed by node id. Model records shrink their
// planning nodes accordingly.
func (s *Service) Undeploy(ctx context.Context, in *types.UndeployModelInput) (map[string]string, error) {
	if in == nil || len(in.ModelIDs) == 0 {
		return nil, errors.New("undeploy input requires model ids")
	}
	nodeIDs := in.NodeIDs
	if len(nodeIDs) == 0 {
		online, err := s.registry.OnlineNodes(ctx)
		if err != nil {
			return nil, fmt.Errorf("list nodes: %w", err)
		}
		nodeIDs = cluster.NodeIDs(online)
	}

	var (
		mu      sync.Mutex
		results = make(map[string]string, len(nodeIDs))
		g       errgroup.Group
	)
	for _, nodeID := range nodeIDs {
		g.Go(func() error {
			err := forward.Send(ctx, s.transport, nodeID, &types.ForwardEnvelope{
				RequestType:       types.ForwardUndeployModel,
				WorkerNodeID:      nodeID,
				CoordinatorNodeID: s.localID,
				Undeploy:          &types.UndeployModelInput{ModelIDs: in.ModelIDs, NodeIDs: []string{nodeID}},
			})
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				results[nodeID] = err.Error()
			} else {
				results[nodeID] = ""
			}
			return nil
		})
	}
	_ = g.Wait()

	undeployed := slice.Filter(nodeIDs, func(_ int, id string) bool { return results[id] == "" })
	for _, modelID := range in.ModelIDs {
		s.shrinkPlan(ctx, modelID, undeployed)
	}
	return results, nil
}

func (s *Service) shrinkPlan(ctx context.Context, modelID string, removed []string) {
	m, err := s.Get(ctx, modelID)
	if err != nil {
		s.logger.Warn("skip model record update after undeploy",
			zap.String("model_id", modelID),
			zap.Error(err))
		return
	}
	remaining := slice.Difference(m.PlanningWorkerNodes, removed)
	now := time.Now().UnixMilli()
	fields := map[string]any{
		types.ModelFieldPlanningWorkerNodes: remaining,
		types.ModelFieldPlanningWorkerCount: len(remaining),
		types.ModelFieldCurrentWorkerCount:  len(remaining),
		types.ModelFieldLastUpdateTime:      now,
	}
	if len(remaining) == 0 {
		fields[types.ModelFieldState] = string(types.ModelStateUndeployed)
		fields[types.ModelFieldLastUndeployedTime] = now
	} else {
		fields[types.ModelFieldState] = string(types.ModelStatePartiallyDeployed)
	}
	if err := s.store.Update(ctx, types.ModelIndex, modelID, fields); err != nil {
		s.logger.Error("update model after undeploy failed",
			zap.String("model_id", modelID),
			zap.Error(err))
	}
}

// onTaskDone moves the model record to the state implied by a finished task.
func (s *Service) onTaskDone(ctx context.Context, t *types.Task, c *task.Cache) {
	if t.ModelID == "" {
		return
	}
	now := time.Now().UnixMilli()
	fields := map[string]any{types.ModelFieldLastUpdateTime: now}

	switch t.Type {
	case types.TaskTypeRegisterModel, types.TaskTypeUploadModel:
		if t.State == types.TaskStateCompleted {
			fields[types.ModelFieldState] = string(types.ModelStateRegistered)
		} else {
			fields[types.ModelFieldState] = string(types.ModelStateRegisterFailed)
		}
	case types.TaskTypeDeployModel:
		succeeded := c.Succeeded()
		switch {
		case t.State == types.TaskStateFailed:
			fields[types.ModelFieldState] = string(types.ModelStateDeployFailed)
		case c.HasError():
			fields[types.ModelFieldState] = string(types.ModelStatePartiallyDeployed)
		default:
			fields[types.ModelFieldState] = string(types.ModelStateDeployed)
		}
		fields[types.ModelFieldCurrentWorkerCount] = len(succeeded)
		if len(succeeded) > 0 {
			fields[types.ModelFieldLastDeployedTime] = now
		}
	default:
		return
	}

	if err := s.store.Update(ctx, types.ModelIndex, t.ModelID, fields); err != nil {
		s.logger.Error("update model after task failed",
			zap.String("task_id", t.ID),
			zap.String("model_id", t.ModelID),
			zap.Error(err))
	}

	v, ok := s.deployAfterRegister.LoadAndDelete(t.ID)
	if !ok || t.State != types.TaskStateCompleted {
		return
	}
	if _, err := s.Deploy(ctx, v.(*types.DeployModelInput)); err != nil {
		s.logger.Error("deploy after register failed",
			zap.String("model_id", t.ModelID),
			zap.Error(err))
	}
}
