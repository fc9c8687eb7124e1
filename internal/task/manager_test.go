package task

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/bytedance/sonic"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"yqhp/ml-orchestrator/internal/store"
	"yqhp/ml-orchestrator/internal/store/memory"
	"yqhp/ml-orchestrator/pkg/types"
)

type fixedTimeout time.Duration

func (f fixedTimeout) TaskUpdateTimeout() time.Duration { return time.Duration(f) }

func newTestManager(t *testing.T) (*Manager, store.Store) {
	t.Helper()
	st := memory.New()
	return NewManager(st, fixedTimeout(time.Second), nil, nil), st
}

func deployTask(id string, workers ...string) *types.Task {
	return &types.Task{
		ID:          id,
		ModelID:     "model-" + id,
		Type:        types.TaskTypeDeployModel,
		State:       types.TaskStateCreated,
		Async:       true,
		WorkerNodes: workers,
	}
}

func addPersisted(t *testing.T, m *Manager, task *types.Task) {
	t.Helper()
	require.NoError(t, m.CreateTask(context.Background(), task))
	require.NoError(t, m.Add(task, task.WorkerNodes))
}

func storedTask(t *testing.T, st store.Store, id string) *types.Task {
	t.Helper()
	doc, err := st.Get(context.Background(), types.TaskIndex, id)
	require.NoError(t, err)
	return FromSource(doc.ID, doc.Source)
}

func TestAddRejectsDuplicate(t *testing.T) {
	m, _ := newTestManager(t)
	require.NoError(t, m.Add(deployTask("t1", "a"), []string{"a"}))
	assert.ErrorIs(t, m.Add(deployTask("t1", "a"), []string{"a"}), ErrDuplicateTask)
	assert.True(t, m.Contains("t1"))
	assert.Equal(t, []string{"a"}, m.GetWorkNodes("t1"))
	assert.Nil(t, m.GetWorkNodes("missing"))
}

// Deploy to A, B and C where B fails: the task completes with B's error kept.
func TestMixedOutcomeCompletesWithErrors(t *testing.T) {
	ctx := context.Background()
	m, st := newTestManager(t)
	addPersisted(t, m, deployTask("t1", "A", "B", "C"))

	var done []*types.Task
	m.OnTaskDone(func(_ context.Context, task *types.Task, c *Cache) {
		done = append(done, task)
		assert.Equal(t, []string{"A", "C"}, c.Succeeded())
	})

	assert.Equal(t, OutcomeRecorded, m.AddNodeDone(ctx, "t1", "A"))
	assert.Equal(t, types.TaskStateCreated, m.GetTask("t1").State)
	assert.Equal(t, OutcomeRecorded, m.AddNodeError(ctx, "t1", "B", "out of memory"))
	assert.Equal(t, []string{"A", "C"}, m.GetCache("t1").Remaining())
	assert.Equal(t, OutcomeCompleted, m.AddNodeDone(ctx, "t1", "C"))

	assert.False(t, m.Contains("t1"))
	stored := storedTask(t, st, "t1")
	assert.Equal(t, types.TaskStateCompleted, stored.State)

	var errs map[string]string
	require.NoError(t, sonic.ConfigStd.UnmarshalFromString(stored.Error, &errs))
	assert.Equal(t, map[string]string{"B": "out of memory"}, errs)

	require.Len(t, done, 1)
	assert.Equal(t, types.TaskStateCompleted, done[0].State)
}

func TestOneSuccessIsEnough(t *testing.T) {
	ctx := context.Background()
	m, st := newTestManager(t)
	addPersisted(t, m, deployTask("t1", "A", "B", "C"))

	assert.Equal(t, OutcomeRecorded, m.AddNodeDone(ctx, "t1", "A"))
	assert.Equal(t, OutcomeRecorded, m.AddNodeError(ctx, "t1", "B", "disk full"))
	assert.Equal(t, OutcomeCompleted, m.AddNodeError(ctx, "t1", "C", "disk full"))

	assert.Equal(t, types.TaskStateCompleted, storedTask(t, st, "t1").State)
}

func TestAllWorkersFailed(t *testing.T) {
	ctx := context.Background()
	m, st := newTestManager(t)
	addPersisted(t, m, deployTask("t1", "A", "B"))

	assert.Equal(t, OutcomeRecorded, m.AddNodeError(ctx, "t1", "A", "boom"))
	assert.Equal(t, OutcomeFailed, m.AddNodeError(ctx, "t1", "B", "bang"))

	stored := storedTask(t, st, "t1")
	assert.Equal(t, types.TaskStateFailed, stored.State)
	var errs map[string]string
	require.NoError(t, sonic.ConfigStd.UnmarshalFromString(stored.Error, &errs))
	assert.Equal(t, map[string]string{"A": "boom", "B": "bang"}, errs)
}

func TestAllWorkersSucceeded(t *testing.T) {
	ctx := context.Background()
	m, st := newTestManager(t)
	addPersisted(t, m, deployTask("t1", "A", "B"))

	m.AddNodeDone(ctx, "t1", "B")
	m.AddNodeDone(ctx, "t1", "A")

	stored := storedTask(t, st, "t1")
	assert.Equal(t, types.TaskStateCompleted, stored.State)
	assert.Empty(t, stored.Error)
}

func TestLateAndUnexpectedSignalsIgnored(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t)
	addPersisted(t, m, deployTask("t1", "A", "B"))

	assert.Equal(t, OutcomeIgnored, m.AddNodeDone(ctx, "t1", "Z"))
	assert.Equal(t, OutcomeRecorded, m.AddNodeDone(ctx, "t1", "A"))
	assert.Equal(t, OutcomeIgnored, m.AddNodeError(ctx, "t1", "A", "flip"))
	assert.False(t, m.GetCache("t1").HasError())
	assert.Equal(t, OutcomeCompleted, m.AddNodeDone(ctx, "t1", "B"))

	assert.Equal(t, OutcomeIgnored, m.AddNodeError(ctx, "t1", "B", "late"))
	assert.Equal(t, OutcomeIgnored, m.AddNodeDone(ctx, "unknown", "A"))
}

func TestCheckLimitAndAddRunningTask(t *testing.T) {
	m, _ := newTestManager(t)

	require.NoError(t, m.CheckLimitAndAddRunningTask(deployTask("t1"), 2))
	require.NoError(t, m.CheckLimitAndAddRunningTask(deployTask("t2"), 2))
	assert.ErrorIs(t, m.CheckLimitAndAddRunningTask(deployTask("t3"), 2), ErrTaskLimitExceeded)
	assert.Equal(t, 2, m.RunningCount(types.TaskTypeDeployModel))
	assert.Equal(t, 2, m.RunningTaskCount())
	assert.Equal(t, types.TaskStateRunning, m.GetTask("t1").State)

	register := &types.Task{ID: "r1", Type: types.TaskTypeRegisterModel}
	require.NoError(t, m.CheckLimitAndAddRunningTask(register, 2))

	m.ReleaseRunningTask("t1")
	assert.False(t, m.Contains("t1"))
	assert.Equal(t, 1, m.RunningCount(types.TaskTypeDeployModel))
	require.NoError(t, m.CheckLimitAndAddRunningTask(deployTask("t3"), 2))
}

func TestReleaseKeepsCoordinatorEntry(t *testing.T) {
	m, _ := newTestManager(t)
	task := deployTask("t1", "local")
	require.NoError(t, m.Add(task, task.WorkerNodes))

	require.NoError(t, m.CheckLimitAndAddRunningTask(task, 1))
	require.NoError(t, m.CheckLimitAndAddRunningTask(task, 1), "re-admitting a counted task does not count twice")
	assert.Equal(t, 1, m.RunningCount(types.TaskTypeDeployModel))

	m.ReleaseRunningTask("t1")
	assert.True(t, m.Contains("t1"))
	assert.Equal(t, 0, m.RunningCount(types.TaskTypeDeployModel))
}

func TestRemoveDecrementsRunningCount(t *testing.T) {
	m, _ := newTestManager(t)
	require.NoError(t, m.CheckLimitAndAddRunningTask(deployTask("t1"), 1))
	m.Remove("t1")
	assert.Equal(t, 0, m.RunningCount(types.TaskTypeDeployModel))
	m.Remove("t1")
	assert.Equal(t, 0, m.RunningCount(types.TaskTypeDeployModel))
}

func TestIntrospection(t *testing.T) {
	m, _ := newTestManager(t)
	require.NoError(t, m.Add(deployTask("t2", "A", "B"), []string{"A", "B"}))
	require.NoError(t, m.Add(deployTask("t1", "B"), []string{"B"}))
	require.NoError(t, m.CheckLimitAndAddRunningTask(deployTask("t1"), 0))

	assert.Equal(t, []string{"t1", "t2"}, m.AllTaskIDs())
	assert.True(t, m.ContainsModel("model-t2"))
	assert.False(t, m.ContainsModel("model-x"))
	assert.Equal(t, []string{"t1"}, m.LocalRunningDeployModelTasks())
	assert.Equal(t, []string{"t2"}, m.TasksOnNode("A"))
	assert.Equal(t, []string{"t1", "t2"}, m.TasksOnNode("B"))

	m.Clear()
	assert.Empty(t, m.AllTaskIDs())
}

func TestUpdateTask(t *testing.T) {
	ctx := context.Background()
	m, st := newTestManager(t)
	addPersisted(t, m, deployTask("t1", "A"))

	assert.ErrorIs(t, m.UpdateTask(ctx, "t1", nil, 0, false), ErrNoFields)
	assert.ErrorIs(t, m.UpdateTask(ctx, "missing", map[string]any{"state": "RUNNING"}, 0, false), ErrTaskNotFound)

	require.NoError(t, m.UpdateTaskStateAsRunning(ctx, "t1"))
	assert.Equal(t, types.TaskStateRunning, m.GetTask("t1").State)
	stored := storedTask(t, st, "t1")
	assert.Equal(t, types.TaskStateRunning, stored.State)
	assert.False(t, stored.LastUpdateTime.IsZero())

	require.NoError(t, m.UpdateTask(ctx, "t1", map[string]any{types.TaskFieldProgress: 0.5}, 0, true))
	assert.False(t, m.Contains("t1"))
	assert.InDelta(t, 0.5, *storedTask(t, st, "t1").Progress, 1e-9)

	assert.ErrorIs(t, m.UpdateTaskStateAsRunning(ctx, "t1"), ErrTaskNotFound)
}

func TestUpdateTaskAsyncNeverReopensFinishedTask(t *testing.T) {
	ctx := context.Background()
	m, st := newTestManager(t)
	addPersisted(t, m, deployTask("t1", "A"))
	running := map[string]any{types.TaskFieldState: string(types.TaskStateRunning)}

	m.UpdateTaskAsync(ctx, "t1", running, false)
	assert.Equal(t, types.TaskStateRunning, storedTask(t, st, "t1").State)

	c := m.GetCache("t1")
	assert.Equal(t, OutcomeCompleted, m.AddNodeDone(ctx, "t1", "A"))
	assert.Equal(t, types.TaskStateCompleted, storedTask(t, st, "t1").State)

	m.UpdateTaskAsync(ctx, "t1", running, false)
	assert.ErrorIs(t, m.update(ctx, c, "t1", running, time.Second), ErrTaskFinished)
	assert.Equal(t, types.TaskStateCompleted, storedTask(t, st, "t1").State)
}

func TestUpdateTaskBusy(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t)
	addPersisted(t, m, deployTask("t1", "A"))

	c := m.GetCache("t1")
	require.True(t, c.acquire(ctx, 0))
	err := m.UpdateTask(ctx, "t1", map[string]any{"state": "RUNNING"}, 20*time.Millisecond, false)
	assert.ErrorIs(t, err, ErrUpdateInProgress)
	c.release()

	require.NoError(t, m.UpdateTask(ctx, "t1", map[string]any{"state": "RUNNING"}, 20*time.Millisecond, false))
}

func TestConcurrentUpdatesSerialized(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t)
	addPersisted(t, m, deployTask("t1", "A"))

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- m.UpdateTask(ctx, "t1", map[string]any{types.TaskFieldState: "RUNNING"}, time.Second, false)
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}
}

func TestUpdateTaskDirectlyMissing(t *testing.T) {
	m, _ := newTestManager(t)
	err := m.UpdateTaskDirectly(context.Background(), "missing", map[string]any{"state": "FAILED"})
	assert.ErrorIs(t, err, ErrTaskNotFound)
}

func TestCancel(t *testing.T) {
	ctx := context.Background()
	m, st := newTestManager(t)
	addPersisted(t, m, deployTask("t1", "A", "B"))

	require.NoError(t, m.Cancel(ctx, "t1"))
	assert.False(t, m.Contains("t1"))
	assert.Equal(t, types.TaskStateCancelled, storedTask(t, st, "t1").State)
	assert.Equal(t, OutcomeIgnored, m.AddNodeDone(ctx, "t1", "A"))

	assert.ErrorIs(t, m.Cancel(ctx, "t1"), ErrTaskFinished)
	assert.ErrorIs(t, m.Cancel(ctx, "missing"), ErrTaskNotFound)

	stale := deployTask("t2")
	require.NoError(t, m.CreateTask(ctx, stale))
	require.NoError(t, m.Cancel(ctx, "t2"))
	assert.Equal(t, types.TaskStateCancelled, storedTask(t, st, "t2").State)
}

func TestLoadTask(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t)
	task := deployTask("t1", "A", "B")
	require.NoError(t, m.CreateTask(ctx, task))

	loaded, err := m.LoadTask(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, task.ModelID, loaded.ModelID)
	assert.Equal(t, []string{"A", "B"}, loaded.WorkerNodes)
	assert.Equal(t, types.TaskTypeDeployModel, loaded.Type)
	assert.Equal(t, task.CreateTime.UnixMilli(), loaded.CreateTime.UnixMilli())
}
