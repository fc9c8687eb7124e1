// Package redeploy repairs model placement after cluster topology changes.
// When nodes join, the elected cluster-manager queues every running model
// that has retries left and redeploys them one at a time.
package redeploy

import (
	"context"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/duke-git/lancet/v2/slice"
	"go.uber.org/zap"

	"yqhp/ml-orchestrator/internal/config"
	"yqhp/ml-orchestrator/internal/logger"
	"yqhp/ml-orchestrator/internal/model"
	"yqhp/ml-orchestrator/internal/pool"
	"yqhp/ml-orchestrator/internal/store"
	"yqhp/ml-orchestrator/pkg/types"
)

// Deployer issues deploy and undeploy requests.
type Deployer interface {
	Deploy(ctx context.Context, in *types.DeployModelInput) (*types.Task, error)
	Undeploy(ctx context.Context, in *types.UndeployModelInput) (map[string]string, error)
}

// Settings is the subset of live settings the reconciler reads.
type Settings interface {
	AutoRedeployEnabled() bool
	AutoRedeployMaxRetryTimes() int
	AllowCustomDeploymentPlan() bool
}

// Arrangement is a queued redeploy of one model onto newly added nodes.
type Arrangement struct {
	ModelID    string       `json:"model_id"`
	AddedNodes []string     `json:"added_nodes"`
	Model      *types.Model `json:"model"`
}

func (a *Arrangement) key() string {
	nodes := append([]string(nil), a.AddedNodes...)
	sort.Strings(nodes)
	return a.ModelID + "|" + strings.Join(nodes, ",")
}

// Reconciler owns the arrangement queue. The queue is FIFO and has a single
// consumer at a time.
type Reconciler struct {
	store     store.Store
	deployer  Deployer
	settings  Settings
	isLeader  func() bool
	dataNodes func(ctx context.Context) []string
	logger    *zap.Logger

	mu    sync.Mutex
	queue []*Arrangement

	draining atomic.Bool

	idleMu sync.Mutex
	onIdle func()
}

// New creates a reconciler. isLeader reports whether this node is the
// elected cluster-manager; dataNodes lists online data-only nodes.
func New(st store.Store, deployer Deployer, settings Settings, isLeader func() bool, dataNodes func(ctx context.Context) []string, log *zap.Logger) *Reconciler {
	return &Reconciler{
		store:     st,
		deployer:  deployer,
		settings:  settings,
		isLeader:  isLeader,
		dataNodes: dataNodes,
		logger:    logger.Or(log, "redeploy"),
	}
}

// SetIdleHook sets a callback fired once, the first time the reconciler has
// nothing to do.
func (r *Reconciler) SetIdleHook(fn func()) {
	r.idleMu.Lock()
	defer r.idleMu.Unlock()
	r.onIdle = fn
}

func (r *Reconciler) idle() {
	r.idleMu.Lock()
	fn := r.onIdle
	r.onIdle = nil
	r.idleMu.Unlock()
	if fn != nil {
		fn()
	}
}

// BuildArrangements queues running models for redeploy onto addedNodes and
// drains the queue. Only the cluster-manager acts, and only while auto
// redeploy is enabled.
func (r *Reconciler) BuildArrangements(ctx context.Context, addedNodes []string) error {
	if !r.settings.AutoRedeployEnabled() {
		r.logger.Info("model auto redeploy is disabled, skip")
		r.idle()
		return nil
	}
	if r.isLeader != nil && !r.isLeader() {
		r.logger.Debug("model auto redeploy runs on the cluster manager only")
		return nil
	}
	if _, err := r.Arrange(ctx, addedNodes); err != nil {
		r.logger.Error("query models to redeploy failed",
			zap.Strings("added_nodes", addedNodes),
			zap.Error(err))
		r.idle()
		return err
	}
	r.Drain(ctx)
	return nil
}

// Arrange queues running models with retries left, skipping arrangements
// already queued. It returns how many were added.
func (r *Reconciler) Arrange(ctx context.Context, addedNodes []string) (int, error) {
	models, err := model.RunningModels(ctx, r.store)
	if err != nil {
		return 0, err
	}
	maxRetries := r.settings.AutoRedeployMaxRetryTimes()

	r.mu.Lock()
	defer r.mu.Unlock()
	queued := make(map[string]struct{}, len(r.queue))
	for _, a := range r.queue {
		queued[a.key()] = struct{}{}
	}

	added := 0
	for _, m := range models {
		if m.AutoRedeployRetryTimes >= maxRetries {
			continue
		}
		a := &Arrangement{ModelID: m.ID, AddedNodes: append([]string(nil), addedNodes...), Model: m}
		if _, dup := queued[a.key()]; dup {
			continue
		}
		queued[a.key()] = struct{}{}
		r.queue = append(r.queue, a)
		added++
	}
	if added > 0 {
		r.logger.Info("models queued for auto redeploy",
			zap.Int("count", added),
			zap.Strings("added_nodes", addedNodes))
	}
	return added, nil
}

func (r *Reconciler) poll() *Arrangement {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.queue) == 0 {
		return nil
	}
	a := r.queue[0]
	r.queue[0] = nil
	r.queue = r.queue[1:]
	return a
}

// Pending returns the queued arrangements in order.
func (r *Reconciler) Pending() []*Arrangement {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*Arrangement(nil), r.queue...)
}

// Drain processes queued arrangements one at a time until the queue is
// empty. A concurrent call returns immediately. It returns how many
// arrangements were taken off the queue.
func (r *Reconciler) Drain(ctx context.Context) int {
	if !r.draining.CompareAndSwap(false, true) {
		return 0
	}
	defer r.draining.Store(false)

	processed := 0
	for {
		if !r.settings.AutoRedeployEnabled() {
			r.idle()
			return processed
		}
		a := r.poll()
		if a == nil {
			r.idle()
			return processed
		}
		r.redeploy(ctx, a)
		processed++
	}
}

// targets returns the deploy node ids for a, nil meaning every eligible
// node. ok is false when the added nodes are outside the model's plan.
func (r *Reconciler) targets(a *Arrangement) (nodeIDs []string, ok bool) {
	if a.Model.DeployToAllNodes || !r.settings.AllowCustomDeploymentPlan() {
		return nil, true
	}
	planning := a.Model.PlanningWorkerNodes
	if len(planning) > 0 && len(slice.Intersection(planning, a.AddedNodes)) > 0 {
		return planning, true
	}
	return nil, false
}

func (r *Reconciler) redeploy(ctx context.Context, a *Arrangement) {
	nodeIDs, ok := r.targets(a)
	if !ok {
		r.logger.Info("added nodes are not in the model's planning nodes, skip auto redeploy",
			zap.String("model_id", a.ModelID),
			zap.Strings("added_nodes", a.AddedNodes))
		return
	}

	retries := a.Model.AutoRedeployRetryTimes + 1
	if err := r.store.Update(ctx, types.ModelIndex, a.ModelID, map[string]any{
		types.ModelFieldAutoRedeployRetryTimes: retries,
	}); err != nil {
		r.logger.Warn("persist auto redeploy retry times failed",
			zap.String("model_id", a.ModelID),
			zap.Error(err))
	}

	t, err := r.deployer.Deploy(ctx, &types.DeployModelInput{
		ModelID:      a.ModelID,
		FunctionName: a.Model.FunctionName,
		NodeIDs:      nodeIDs,
	})
	if err != nil {
		r.logger.Error("auto redeploy failed, continue with next model",
			zap.String("model_id", a.ModelID),
			zap.Int("retry_times", retries),
			zap.Error(err))
		return
	}
	r.logger.Info("model auto redeploy triggered",
		zap.String("model_id", a.ModelID),
		zap.String("task_id", t.ID),
		zap.Int("retry_times", retries))
}

// UndeployDataNodes removes running models from data-only nodes.
func (r *Reconciler) UndeployDataNodes(ctx context.Context) error {
	if r.dataNodes == nil {
		return nil
	}
	dataNodes := r.dataNodes(ctx)
	if len(dataNodes) == 0 {
		return nil
	}
	models, err := model.RunningModels(ctx, r.store)
	if err != nil {
		r.logger.Error("query models to undeploy failed", zap.Error(err))
		return err
	}
	var modelIDs []string
	for _, m := range models {
		if m.DeployToAllNodes || len(slice.Intersection(m.PlanningWorkerNodes, dataNodes)) > 0 {
			modelIDs = append(modelIDs, m.ID)
		}
	}
	if len(modelIDs) == 0 {
		return nil
	}

	results, err := r.deployer.Undeploy(ctx, &types.UndeployModelInput{ModelIDs: modelIDs, NodeIDs: dataNodes})
	if err != nil {
		r.logger.Error("undeploy models on data nodes failed", zap.Error(err))
		return err
	}
	for nodeID, msg := range results {
		if msg != "" {
			r.logger.Warn("undeploy on data node failed",
				zap.String("node_id", nodeID),
				zap.String("error", msg))
		}
	}
	r.logger.Info("undeployed models on data nodes",
		zap.Strings("model_ids", modelIDs),
		zap.Strings("nodes", dataNodes))
	return nil
}

// OnlyRunOnMLNodeConsumer returns a settings consumer that sweeps data-only
// nodes when only_run_on_ml_node turns on.
func (r *Reconciler) OnlyRunOnMLNodeConsumer(ctx context.Context) config.UpdateConsumer {
	return func(cfg config.MLConfig) {
		if !cfg.OnlyRunOnMLNode {
			return
		}
		if r.isLeader != nil && !r.isLeader() {
			return
		}
		pool.SafeGo(r.logger, "undeploy-data-nodes", func() {
			_ = r.UndeployDataNodes(ctx)
		})
	}
}
