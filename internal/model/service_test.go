package model

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"yqhp/ml-orchestrator/internal/breaker"
	"yqhp/ml-orchestrator/internal/cluster"
	"yqhp/ml-orchestrator/internal/config"
	"yqhp/ml-orchestrator/internal/dispatch"
	"yqhp/ml-orchestrator/internal/forward"
	"yqhp/ml-orchestrator/internal/store"
	"yqhp/ml-orchestrator/internal/store/memory"
	"yqhp/ml-orchestrator/internal/task"
	"yqhp/ml-orchestrator/internal/transport"
	"yqhp/ml-orchestrator/internal/worker"
	"yqhp/ml-orchestrator/pkg/types"
)

type testCluster struct {
	network  *transport.Network
	store    store.Store
	registry *cluster.InMemoryRegistry
	settings *config.Settings
	tasks    *task.Manager
	service  *Service
	workers  map[string]*worker.Runtime
}

// newTestCluster starts nodes n1..nN with the ml role; n1 coordinates.
// executors override the executor of individual nodes.
func newTestCluster(t *testing.T, ids []string, executors map[string]worker.Executor) *testCluster {
	t.Helper()
	ctx := context.Background()
	tc := &testCluster{
		network:  transport.NewNetwork(),
		store:    memory.New(),
		registry: cluster.NewInMemoryRegistry(ids[0], ""),
		settings: config.NewSettings(config.DefaultMLConfig(), zap.NewNop()),
		workers:  make(map[string]*worker.Runtime),
	}
	for _, id := range ids {
		require.NoError(t, tc.registry.Join(ctx, &types.NodeInfo{ID: id, Name: id, Roles: []types.NodeRole{types.NodeRoleML}}))
		tr := tc.network.Join(id)
		tasks := task.NewManager(tc.store, tc.settings, nil, zap.NewNop())
		rt := worker.NewRuntime(tr, tasks, nil, nil, executors[id], tc.settings, zap.NewNop())
		forward.NewHandler(tasks, rt, zap.NewNop()).Register(tr)
		tc.workers[id] = rt
		if id == ids[0] {
			tc.tasks = tasks
		}
	}
	eligibility := cluster.NewEligibility(tc.registry, tc.settings)
	tc.service = NewService(Deps{
		Transport:   tc.network.Join(ids[0]),
		Store:       tc.store,
		Tasks:       tc.tasks,
		Registry:    tc.registry,
		Eligibility: eligibility,
		Dispatcher:  dispatch.New(ids[0], tc.registry, eligibility, tc.settings, nil, zap.NewNop()),
		Breakers:    breaker.NewSet(),
		Settings:    tc.settings,
		Logger:      zap.NewNop(),
	})
	return tc
}

func (tc *testCluster) model(t *testing.T, id string) *types.Model {
	t.Helper()
	m, err := tc.service.Get(context.Background(), id)
	require.NoError(t, err)
	return m
}

func (tc *testCluster) waitModelState(t *testing.T, id string, state types.ModelState) *types.Model {
	t.Helper()
	require.Eventually(t, func() bool {
		m, err := tc.service.Get(context.Background(), id)
		return err == nil && m.State == state
	}, 2*time.Second, 10*time.Millisecond, "model %s never reached %s", id, state)
	return tc.model(t, id)
}

func (tc *testCluster) waitTaskState(t *testing.T, id string, state types.TaskState) *types.Task {
	t.Helper()
	var last *types.Task
	require.Eventually(t, func() bool {
		tk, err := tc.tasks.LoadTask(context.Background(), id)
		last = tk
		return err == nil && tk.State == state
	}, 2*time.Second, 10*time.Millisecond)
	return last
}

func TestRegisterCompletes(t *testing.T) {
	tc := newTestCluster(t, []string{"n1", "n2"}, nil)

	tk, err := tc.service.Register(context.Background(), &types.RegisterModelInput{
		Name:         "bert",
		FunctionName: types.FunctionTextEmbedding,
		URL:          "https://models/bert.zip",
	})
	require.NoError(t, err)
	assert.Equal(t, types.TaskStateCreated, tk.State)
	assert.Len(t, tk.WorkerNodes, 1)
	assert.NotEmpty(t, tk.ModelID)

	tc.waitTaskState(t, tk.ID, types.TaskStateCompleted)
	m := tc.waitModelState(t, tk.ModelID, types.ModelStateRegistered)
	assert.Equal(t, "bert", m.Name)
	assert.False(t, tc.tasks.Contains(tk.ID))
}

func TestRegisterAndDeploy(t *testing.T) {
	tc := newTestCluster(t, []string{"n1", "n2", "n3"}, nil)

	tk, err := tc.service.Register(context.Background(), &types.RegisterModelInput{
		ModelID:      "m1",
		Name:         "bert",
		FunctionName: types.FunctionTextEmbedding,
		DeployModel:  true,
	})
	require.NoError(t, err)
	assert.Equal(t, "m1", tk.ModelID)

	m := tc.waitModelState(t, "m1", types.ModelStateDeployed)
	assert.Equal(t, 3, m.CurrentWorkerCount)
	assert.Equal(t, []string{"n1", "n2", "n3"}, m.PlanningWorkerNodes)
	assert.True(t, m.DeployToAllNodes)
	assert.False(t, m.LastDeployedTime.IsZero())
	for _, w := range tc.workers {
		assert.True(t, w.HostsModel("m1"))
	}
}

func TestAdmissionErrorCreatesNothing(t *testing.T) {
	tc := newTestCluster(t, []string{"n1"}, nil)
	tc.service.breakers.Register(breaker.DiskBreakerName,
		breaker.NewDiskBreaker(func() int64 { return 100 }, func() string { return "/" },
			func(string) (uint64, error) { return 1, nil }, zap.NewNop()))

	_, err := tc.service.Register(context.Background(), &types.RegisterModelInput{
		ModelID: "m1", Name: "m", FunctionName: types.FunctionKMeans,
	})
	assert.ErrorIs(t, err, breaker.ErrCircuitBreakerOpen)
	assert.Empty(t, tc.tasks.AllTaskIDs())
	_, err = tc.service.Get(context.Background(), "m1")
	assert.ErrorIs(t, err, ErrModelNotFound)
}

func TestPlacementErrorCreatesNothing(t *testing.T) {
	tc := newTestCluster(t, []string{"n1"}, nil)
	require.NoError(t, tc.settings.Set(config.KeyExcludeNodeNames, "n1"))

	_, err := tc.service.Upload(context.Background(), &types.UploadModelInput{
		ModelID: "m1", Name: "m", FunctionName: types.FunctionKMeans, URL: "https://models/m.zip",
	})
	assert.ErrorIs(t, err, dispatch.ErrNoEligibleNode)
	assert.Empty(t, tc.tasks.AllTaskIDs())
	_, err = tc.service.Get(context.Background(), "m1")
	assert.ErrorIs(t, err, ErrModelNotFound)
}

func TestSendFailureFailsTask(t *testing.T) {
	tc := newTestCluster(t, []string{"n1", "n2"}, nil)
	tc.network.SetDown("n1", true)
	tc.network.SetDown("n2", true)

	tk, err := tc.service.Register(context.Background(), &types.RegisterModelInput{
		ModelID: "m1", Name: "m", FunctionName: types.FunctionKMeans,
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, transport.ErrNodeUnreachable)
	require.NotNil(t, tk)

	tc.waitTaskState(t, tk.ID, types.TaskStateFailed)
	tc.waitModelState(t, "m1", types.ModelStateRegisterFailed)
}

func TestPartialDeploy(t *testing.T) {
	failing := worker.ExecutorFuncs{DeployFunc: func(context.Context, *types.Task, *types.DeployModelInput) error {
		return errors.New("disk full")
	}}
	tc := newTestCluster(t, []string{"n1", "n2", "n3"}, map[string]worker.Executor{"n2": failing})
	ctx := context.Background()
	require.NoError(t, tc.service.createModel(ctx, "m1", "m", types.FunctionTextEmbedding, ""))

	tk, err := tc.service.Deploy(ctx, &types.DeployModelInput{ModelID: "m1"})
	require.NoError(t, err)
	assert.Equal(t, []string{"n1", "n2", "n3"}, tk.WorkerNodes)

	m := tc.waitModelState(t, "m1", types.ModelStatePartiallyDeployed)
	assert.Equal(t, 2, m.CurrentWorkerCount)
	final := tc.waitTaskState(t, tk.ID, types.TaskStateCompleted)
	assert.Contains(t, final.Error, "disk full")
}

func TestDeployPersistsRunningWhileWorkerOutstanding(t *testing.T) {
	release := make(chan struct{})
	failing := worker.ExecutorFuncs{DeployFunc: func(context.Context, *types.Task, *types.DeployModelInput) error {
		return errors.New("disk full")
	}}
	blocking := worker.ExecutorFuncs{DeployFunc: func(context.Context, *types.Task, *types.DeployModelInput) error {
		<-release
		return nil
	}}
	tc := newTestCluster(t, []string{"n1", "n2", "n3"}, map[string]worker.Executor{"n2": failing, "n3": blocking})
	ctx := context.Background()
	require.NoError(t, tc.service.createModel(ctx, "m1", "m", types.FunctionTextEmbedding, ""))

	tk, err := tc.service.Deploy(ctx, &types.DeployModelInput{ModelID: "m1"})
	require.NoError(t, err)
	assert.Equal(t, types.TaskStateCreated, tk.State)

	require.Eventually(t, func() bool {
		c := tc.tasks.GetCache(tk.ID)
		return c != nil && assert.ObjectsAreEqual([]string{"n3"}, c.Pending())
	}, 2*time.Second, 10*time.Millisecond)

	stored, err := tc.tasks.LoadTask(ctx, tk.ID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskStateRunning, stored.State)
	assert.Equal(t, types.TaskStateRunning, tc.tasks.GetTask(tk.ID).State)

	close(release)
	tc.waitTaskState(t, tk.ID, types.TaskStateCompleted)
	tc.waitModelState(t, "m1", types.ModelStatePartiallyDeployed)
}

func TestRegisterPersistsRunning(t *testing.T) {
	release := make(chan struct{})
	blocking := worker.ExecutorFuncs{RegisterFunc: func(context.Context, *types.Task, *types.RegisterModelInput) error {
		<-release
		return nil
	}}
	tc := newTestCluster(t, []string{"n1"}, map[string]worker.Executor{"n1": blocking})

	tk, err := tc.service.Register(context.Background(), &types.RegisterModelInput{
		ModelID: "m1", Name: "m", FunctionName: types.FunctionKMeans,
	})
	require.NoError(t, err)
	tc.waitTaskState(t, tk.ID, types.TaskStateRunning)

	close(release)
	tc.waitTaskState(t, tk.ID, types.TaskStateCompleted)
}

func TestSuccessfulRedeployKeepsRetryCount(t *testing.T) {
	tc := newTestCluster(t, []string{"n1", "n2"}, nil)
	ctx := context.Background()
	require.NoError(t, tc.service.createModel(ctx, "m1", "m", types.FunctionTextEmbedding, ""))
	require.NoError(t, tc.store.Update(ctx, types.ModelIndex, "m1", map[string]any{
		types.ModelFieldAutoRedeployRetryTimes: 2,
	}))

	_, err := tc.service.Deploy(ctx, &types.DeployModelInput{ModelID: "m1"})
	require.NoError(t, err)
	m := tc.waitModelState(t, "m1", types.ModelStateDeployed)
	assert.Equal(t, 2, m.AutoRedeployRetryTimes)
}

func TestDeployAllFail(t *testing.T) {
	failing := worker.ExecutorFuncs{DeployFunc: func(context.Context, *types.Task, *types.DeployModelInput) error {
		return errors.New("no gpu")
	}}
	tc := newTestCluster(t, []string{"n1", "n2"}, map[string]worker.Executor{"n1": failing, "n2": failing})
	ctx := context.Background()
	require.NoError(t, tc.service.createModel(ctx, "m1", "m", types.FunctionTextEmbedding, ""))

	tk, err := tc.service.Deploy(ctx, &types.DeployModelInput{ModelID: "m1"})
	require.NoError(t, err)
	tc.waitTaskState(t, tk.ID, types.TaskStateFailed)
	tc.waitModelState(t, "m1", types.ModelStateDeployFailed)
}

func TestDeployCustomPlan(t *testing.T) {
	tc := newTestCluster(t, []string{"n1", "n2", "n3"}, nil)
	ctx := context.Background()
	require.NoError(t, tc.service.createModel(ctx, "m1", "m", types.FunctionTextEmbedding, ""))

	_, err := tc.service.Deploy(ctx, &types.DeployModelInput{ModelID: "m1", NodeIDs: []string{"n2"}})
	assert.ErrorIs(t, err, ErrCustomPlanNotAllowed)

	require.NoError(t, tc.settings.Set(config.KeyAllowCustomDeploymentPlan, "true"))
	tk, err := tc.service.Deploy(ctx, &types.DeployModelInput{ModelID: "m1", NodeIDs: []string{"n2", "gone"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"n2"}, tk.WorkerNodes)

	m := tc.waitModelState(t, "m1", types.ModelStateDeployed)
	assert.Equal(t, []string{"n2"}, m.PlanningWorkerNodes)
	assert.False(t, m.DeployToAllNodes)

	_, err = tc.service.Deploy(ctx, &types.DeployModelInput{ModelID: "m1", NodeIDs: []string{"gone"}})
	assert.ErrorIs(t, err, dispatch.ErrNoEligibleNode)
	_, err = tc.service.Deploy(ctx, &types.DeployModelInput{ModelID: "missing"})
	assert.ErrorIs(t, err, ErrModelNotFound)
}

func TestUndeploy(t *testing.T) {
	tc := newTestCluster(t, []string{"n1", "n2"}, nil)
	ctx := context.Background()
	require.NoError(t, tc.service.createModel(ctx, "m1", "m", types.FunctionTextEmbedding, ""))
	_, err := tc.service.Deploy(ctx, &types.DeployModelInput{ModelID: "m1"})
	require.NoError(t, err)
	tc.waitModelState(t, "m1", types.ModelStateDeployed)

	results, err := tc.service.Undeploy(ctx, &types.UndeployModelInput{ModelIDs: []string{"m1"}, NodeIDs: []string{"n2"}})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"n2": ""}, results)
	m := tc.model(t, "m1")
	assert.Equal(t, types.ModelStatePartiallyDeployed, m.State)
	assert.Equal(t, []string{"n1"}, m.PlanningWorkerNodes)
	assert.False(t, tc.workers["n2"].HostsModel("m1"))
	assert.True(t, tc.workers["n1"].HostsModel("m1"))

	results, err = tc.service.Undeploy(ctx, &types.UndeployModelInput{ModelIDs: []string{"m1"}})
	require.NoError(t, err)
	assert.Len(t, results, 2)
	m = tc.model(t, "m1")
	assert.Equal(t, types.ModelStateUndeployed, m.State)
	assert.Empty(t, m.PlanningWorkerNodes)
	assert.False(t, m.LastUndeployedTime.IsZero())
}

func TestRunningModelsOrder(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	put := func(id string, state types.ModelState, deployed int64) {
		m := &types.Model{ID: id, State: state, LastDeployedTime: time.UnixMilli(deployed)}
		require.NoError(t, st.Put(ctx, types.ModelIndex, id, m.Source()))
	}
	put("new", types.ModelStateDeployed, 3000)
	put("old", types.ModelStatePartiallyDeployed, 1000)
	put("gone", types.ModelStateUndeployed, 500)
	put("mid", types.ModelStateLoaded, 2000)

	models, err := RunningModels(ctx, st)
	require.NoError(t, err)
	ids := make([]string, len(models))
	for i, m := range models {
		ids[i] = m.ID
	}
	assert.Equal(t, []string{"old", "mid", "new"}, ids)
}
