package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"yqhp/ml-orchestrator/internal/breaker"
	"yqhp/ml-orchestrator/internal/forward"
	"yqhp/ml-orchestrator/internal/store/memory"
	"yqhp/ml-orchestrator/internal/task"
	"yqhp/ml-orchestrator/internal/transport"
	"yqhp/ml-orchestrator/pkg/types"
)

type limits struct{ n int }

func (l limits) MaxRegisterTasksPerNode() int { return l.n }
func (l limits) MaxDeployTasksPerNode() int   { return l.n }
func (l limits) MaxMLTaskPerNode() int        { return l.n }

type openBreaker struct{}

func (openBreaker) Name() string             { return breaker.MemoryBreakerName }
func (openBreaker) Threshold() float64       { return 1 }
func (openBreaker) Sample() (float64, error) { return 99, nil }
func (openBreaker) IsOpen() bool             { return true }

type harness struct {
	network *transport.Network
	coord   *task.Manager
	results chan *types.Task
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		network: transport.NewNetwork(),
		coord:   task.NewManager(memory.New(), nil, nil, zap.NewNop()),
		results: make(chan *types.Task, 4),
	}
	forward.NewHandler(h.coord, nil, zap.NewNop()).Register(h.network.Join("coord"))
	h.coord.OnTaskDone(func(_ context.Context, tk *types.Task, _ *task.Cache) { h.results <- tk })
	return h
}

func (h *harness) worker(t *testing.T, id string, exec Executor, set *breaker.Set, max int) (*Runtime, *task.Manager) {
	t.Helper()
	tr := h.network.Join(id)
	tasks := task.NewManager(memory.New(), nil, nil, zap.NewNop())
	rt := NewRuntime(tr, tasks, set, nil, exec, limits{n: max}, zap.NewNop())
	forward.NewHandler(tasks, rt, zap.NewNop()).Register(tr)
	return rt, tasks
}

func (h *harness) deploy(t *testing.T, taskID string, workers ...string) {
	t.Helper()
	ctx := context.Background()
	tk := &types.Task{ID: taskID, ModelID: "m1", Type: types.TaskTypeDeployModel, State: types.TaskStateCreated, WorkerNodes: workers}
	require.NoError(t, h.coord.CreateTask(ctx, tk))
	require.NoError(t, h.coord.Add(tk, workers))
	for _, w := range workers {
		require.NoError(t, forward.Send(ctx, h.network.Join("coord"), w, &types.ForwardEnvelope{
			RequestType:       types.ForwardDeployModel,
			TaskID:            taskID,
			ModelID:           "m1",
			CoordinatorNodeID: "coord",
			Deploy:            &types.DeployModelInput{ModelID: "m1"},
			Task:              tk,
		}))
	}
}

func (h *harness) wait(t *testing.T) *types.Task {
	t.Helper()
	select {
	case tk := <-h.results:
		return tk
	case <-time.After(2 * time.Second):
		t.Fatal("task did not finish")
		return nil
	}
}

func TestDeployAcrossWorkers(t *testing.T) {
	h := newHarness(t)
	failing := ExecutorFuncs{DeployFunc: func(context.Context, *types.Task, *types.DeployModelInput) error {
		return errors.New("disk full")
	}}
	a, _ := h.worker(t, "A", nil, nil, 0)
	b, _ := h.worker(t, "B", failing, nil, 0)
	c, _ := h.worker(t, "C", nil, nil, 0)

	h.deploy(t, "t1", "A", "B", "C")
	final := h.wait(t)

	assert.Equal(t, types.TaskStateCompleted, final.State)
	assert.Contains(t, final.Error, "disk full")
	assert.True(t, a.HostsModel("m1"))
	assert.False(t, b.HostsModel("m1"))
	assert.Equal(t, []string{"m1"}, c.DeployedModels())
}

func TestDeployFailsEverywhere(t *testing.T) {
	h := newHarness(t)
	failing := ExecutorFuncs{DeployFunc: func(context.Context, *types.Task, *types.DeployModelInput) error {
		return errors.New("no gpu")
	}}
	h.worker(t, "A", failing, nil, 0)
	h.worker(t, "B", failing, nil, 0)

	h.deploy(t, "t1", "A", "B")
	assert.Equal(t, types.TaskStateFailed, h.wait(t).State)
}

func TestAcceptRejectsWhenBreakerOpen(t *testing.T) {
	h := newHarness(t)
	set := breaker.NewSet()
	set.Register(breaker.MemoryBreakerName, openBreaker{})
	_, tasks := h.worker(t, "A", nil, set, 0)

	err := forward.Send(context.Background(), h.network.Join("coord"), "A", &types.ForwardEnvelope{
		RequestType:       types.ForwardRegisterModel,
		TaskID:            "t1",
		CoordinatorNodeID: "coord",
		Register:          &types.RegisterModelInput{Name: "m", FunctionName: types.FunctionKMeans},
		Task:              &types.Task{ID: "t1", Type: types.TaskTypeRegisterModel},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "memory")
	assert.False(t, tasks.Contains("t1"))
}

func TestAcceptEnforcesRunningLimit(t *testing.T) {
	h := newHarness(t)
	release := make(chan struct{})
	blocking := ExecutorFuncs{UploadFunc: func(context.Context, *types.Task, *types.UploadModelInput) error {
		<-release
		return nil
	}}
	rt, tasks := h.worker(t, "A", blocking, nil, 1)

	upload := func(id string) error {
		return rt.Accept(context.Background(), &types.ForwardEnvelope{
			RequestType:       types.ForwardUploadModel,
			TaskID:            id,
			CoordinatorNodeID: "coord",
			Upload:            &types.UploadModelInput{Name: "m", URL: "http://models/m.zip"},
			Task:              &types.Task{ID: id, Type: types.TaskTypeUploadModel},
		})
	}
	require.NoError(t, upload("u1"))
	assert.ErrorIs(t, upload("u2"), task.ErrTaskLimitExceeded)

	close(release)
	assert.Eventually(t, func() bool { return !tasks.Contains("u1") }, 2*time.Second, 10*time.Millisecond)
	require.NoError(t, upload("u3"))
}

func TestUndeployDropsHostedModels(t *testing.T) {
	h := newHarness(t)
	var undeployed []string
	exec := ExecutorFuncs{UndeployFunc: func(_ context.Context, id string) error {
		undeployed = append(undeployed, id)
		return nil
	}}
	rt, _ := h.worker(t, "A", exec, nil, 0)
	h.deploy(t, "t1", "A")
	h.wait(t)
	require.True(t, rt.HostsModel("m1"))

	err := forward.Send(context.Background(), h.network.Join("coord"), "A", &types.ForwardEnvelope{
		RequestType: types.ForwardUndeployModel,
		Undeploy:    &types.UndeployModelInput{ModelIDs: []string{"m1", "unknown"}, NodeIDs: []string{"A"}},
	})
	require.NoError(t, err)
	assert.False(t, rt.HostsModel("m1"))
	assert.Equal(t, []string{"m1"}, undeployed)
}
