// Package task keeps the coordinator's view of in-flight tasks: which
// workers each task waits on, what they reported, and when the task reaches
// its terminal state. It also enforces per-type running limits for tasks
// executing on this node and persists task records.
package task

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"yqhp/ml-orchestrator/internal/logger"
	"yqhp/ml-orchestrator/internal/pool"
	"yqhp/ml-orchestrator/internal/store"
	"yqhp/ml-orchestrator/pkg/types"
)

// Settings supplies the update timeout used when callers pass none.
type Settings interface {
	TaskUpdateTimeout() time.Duration
}

// DoneHook observes a task once it reaches a terminal state through worker
// aggregation. The cache carries per-worker results.
type DoneHook func(ctx context.Context, t *types.Task, c *Cache)

// Manager is the in-memory task cache of one node.
type Manager struct {
	mu      sync.RWMutex
	caches  map[string]*Cache
	running map[types.TaskType]int

	store    store.Store
	settings Settings
	general  *pool.Pool
	logger   *zap.Logger

	hooksMu sync.RWMutex
	hooks   []DoneHook
}

// NewManager creates a manager persisting to st. general runs asynchronous
// updates; when nil they run inline.
func NewManager(st store.Store, settings Settings, general *pool.Pool, log *zap.Logger) *Manager {
	return &Manager{
		caches:   make(map[string]*Cache),
		running:  make(map[types.TaskType]int),
		store:    st,
		settings: settings,
		general:  general,
		logger:   logger.Or(log, "task"),
	}
}

// OnTaskDone registers a hook fired after a task finalizes.
func (m *Manager) OnTaskDone(hook DoneHook) {
	m.hooksMu.Lock()
	defer m.hooksMu.Unlock()
	m.hooks = append(m.hooks, hook)
}

// Add caches a task expecting a signal from each of workers.
func (m *Manager) Add(t *types.Task, workers []string) error {
	if err := t.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.caches[t.ID]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateTask, t.ID)
	}
	m.caches[t.ID] = newCache(t, workers)
	return nil
}

// Contains reports whether the task is cached.
func (m *Manager) Contains(taskID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.caches[taskID]
	return ok
}

// GetCache returns the cache entry of a task, or nil.
func (m *Manager) GetCache(taskID string) *Cache {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.caches[taskID]
}

// GetTask returns a copy of the cached task, or nil.
func (m *Manager) GetTask(taskID string) *types.Task {
	c := m.GetCache(taskID)
	if c == nil {
		return nil
	}
	return c.Task()
}

// GetWorkNodes returns the workers a task was dispatched to, or nil when
// the task is not cached.
func (m *Manager) GetWorkNodes(taskID string) []string {
	c := m.GetCache(taskID)
	if c == nil {
		return nil
	}
	return c.ExpectedWorkers()
}

// Remove drops a task from the cache.
func (m *Manager) Remove(taskID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.caches[taskID]
	if !ok {
		return
	}
	m.uncountLocked(c)
	delete(m.caches, taskID)
}

func (m *Manager) uncountLocked(c *Cache) {
	c.mu.Lock()
	counted, typ := c.counted, c.task.Type
	c.counted = false
	c.mu.Unlock()
	if counted && m.running[typ] > 0 {
		m.running[typ]--
	}
}

// Clear drops every cached task.
func (m *Manager) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.caches = make(map[string]*Cache)
	m.running = make(map[types.TaskType]int)
}

// CheckLimitAndAddRunningTask admits a task for local execution when fewer
// than limit tasks of its type are running, marking it RUNNING. A
// non-positive limit admits everything.
func (m *Manager) CheckLimitAndAddRunningTask(t *types.Task, limit int) error {
	if err := t.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.caches[t.ID]
	if ok {
		c.mu.Lock()
		counted := c.counted
		c.mu.Unlock()
		if counted {
			return nil
		}
	}
	if limit > 0 && m.running[t.Type] >= limit {
		return fmt.Errorf("%w: %d %s tasks running", ErrTaskLimitExceeded, m.running[t.Type], t.Type)
	}

	if !ok {
		c = newCache(t, nil)
		m.caches[t.ID] = c
	}
	c.mu.Lock()
	c.task.State = types.TaskStateRunning
	c.counted = true
	c.mu.Unlock()
	m.running[t.Type]++
	return nil
}

// ReleaseRunningTask ends local execution of a task. Entries created only
// for execution are dropped; coordinator entries stay until aggregation
// finishes.
func (m *Manager) ReleaseRunningTask(taskID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.caches[taskID]
	if !ok {
		return
	}
	m.uncountLocked(c)
	c.mu.Lock()
	workerOnly := len(c.expected) == 0
	c.mu.Unlock()
	if workerOnly {
		delete(m.caches, taskID)
	}
}

// RunningCount returns how many tasks of typ execute locally.
func (m *Manager) RunningCount(typ types.TaskType) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.running[typ]
}

// RunningTaskCount returns the number of cached tasks in RUNNING state.
func (m *Manager) RunningTaskCount() int {
	n := 0
	for _, c := range m.snapshot() {
		if c.Task().State == types.TaskStateRunning {
			n++
		}
	}
	return n
}

// AllTaskIDs returns the cached task ids, sorted.
func (m *Manager) AllTaskIDs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.caches))
	for id := range m.caches {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// ContainsModel reports whether any cached task targets modelID.
func (m *Manager) ContainsModel(modelID string) bool {
	for _, c := range m.snapshot() {
		if c.Task().ModelID == modelID {
			return true
		}
	}
	return false
}

// LocalRunningDeployModelTasks returns the ids of deploy tasks that have
// started.
func (m *Manager) LocalRunningDeployModelTasks() []string {
	var ids []string
	for id, c := range m.snapshot() {
		t := c.Task()
		if t.Type == types.TaskTypeDeployModel && t.State != types.TaskStateCreated {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// TasksOnNode returns tasks still waiting for a signal from nodeID.
func (m *Manager) TasksOnNode(nodeID string) []string {
	var ids []string
	for id, c := range m.snapshot() {
		for _, n := range c.Pending() {
			if n == nodeID {
				ids = append(ids, id)
				break
			}
		}
	}
	sort.Strings(ids)
	return ids
}

func (m *Manager) snapshot() map[string]*Cache {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]*Cache, len(m.caches))
	for id, c := range m.caches {
		out[id] = c
	}
	return out
}

// AddNodeDone records a worker's success. Signals for unknown tasks are
// ignored.
func (m *Manager) AddNodeDone(ctx context.Context, taskID, nodeID string) Outcome {
	return m.signal(ctx, taskID, nodeID, "", false)
}

// AddNodeError records a worker's failure. Signals for unknown tasks are
// ignored.
func (m *Manager) AddNodeError(ctx context.Context, taskID, nodeID, errMsg string) Outcome {
	return m.signal(ctx, taskID, nodeID, errMsg, true)
}

func (m *Manager) signal(ctx context.Context, taskID, nodeID, errMsg string, failed bool) Outcome {
	c := m.GetCache(taskID)
	if c == nil {
		m.logger.Debug("ignore signal for unknown task",
			zap.String("task_id", taskID),
			zap.String("node_id", nodeID))
		return OutcomeIgnored
	}

	outcome := c.record(nodeID, errMsg, failed)
	switch outcome {
	case OutcomeIgnored:
		m.logger.Debug("ignore duplicate or unexpected signal",
			zap.String("task_id", taskID),
			zap.String("node_id", nodeID))
	case OutcomeRecorded:
		if failed {
			m.logger.Warn("worker reported error",
				zap.String("task_id", taskID),
				zap.String("node_id", nodeID),
				zap.String("error", errMsg))
		}
	case OutcomeCompleted:
		m.finish(ctx, taskID, c, types.TaskStateCompleted)
	case OutcomeFailed:
		m.finish(ctx, taskID, c, types.TaskStateFailed)
	}
	return outcome
}

// finish persists the terminal state, drops the cache entry and fires hooks.
func (m *Manager) finish(ctx context.Context, taskID string, c *Cache, state types.TaskState) {
	fields := map[string]any{types.TaskFieldState: string(state)}
	if msg := c.ErrorMessage(); msg != "" {
		fields[types.TaskFieldError] = msg
	}
	c.apply(fields)
	m.Remove(taskID)

	final := c.Task()
	if state == types.TaskStateFailed {
		m.logger.Error("task failed on all workers",
			zap.String("task_id", taskID),
			zap.String("error", final.Error))
	} else {
		m.logger.Info("task completed",
			zap.String("task_id", taskID),
			zap.Strings("succeeded", c.Succeeded()),
			zap.Int("errors", len(c.Errors())))
	}

	ctx = context.WithoutCancel(ctx)
	m.submit(taskID, func() {
		if err := m.update(ctx, c, taskID, fields, 0); err != nil {
			m.logger.Error("persist terminal task state failed",
				zap.String("task_id", taskID),
				zap.Error(err))
		}
		m.hooksMu.RLock()
		hooks := append([]DoneHook(nil), m.hooks...)
		m.hooksMu.RUnlock()
		for _, hook := range hooks {
			hook(ctx, final, c)
		}
	})
}

func (m *Manager) submit(taskID string, fn func()) {
	if m.general == nil {
		fn()
		return
	}
	if err := m.general.Submit(fn); err != nil {
		m.logger.Error("submit task update failed, running inline",
			zap.String("task_id", taskID),
			zap.Error(err))
		fn()
	}
}

// CreateTask persists a new task record.
func (m *Manager) CreateTask(ctx context.Context, t *types.Task) error {
	if err := t.Validate(); err != nil {
		return err
	}
	now := time.Now()
	if t.CreateTime.IsZero() {
		t.CreateTime = now
	}
	t.LastUpdateTime = now
	if err := m.store.Put(ctx, types.TaskIndex, t.ID, t.Source()); err != nil {
		return fmt.Errorf("persist task %s: %w", t.ID, err)
	}
	return nil
}

// UpdateTask persists fields of a cached task. Concurrent updates of one
// task are serialized; an update that cannot start within timeout fails
// with ErrUpdateInProgress, and one that would move a finished task back
// to a non-terminal state fails with ErrTaskFinished. When removeFromCache is set the entry is
// dropped before the write.
func (m *Manager) UpdateTask(ctx context.Context, taskID string, fields map[string]any, timeout time.Duration, removeFromCache bool) error {
	c := m.GetCache(taskID)
	if removeFromCache {
		m.Remove(taskID)
	}
	if c == nil {
		return fmt.Errorf("%w in cache: %s", ErrTaskNotFound, taskID)
	}
	return m.update(ctx, c, taskID, fields, timeout)
}

// UpdateTaskAsync runs UpdateTask on the general pool and logs failures.
// Updates racing with completion are dropped.
func (m *Manager) UpdateTaskAsync(ctx context.Context, taskID string, fields map[string]any, removeFromCache bool) {
	ctx = context.WithoutCancel(ctx)
	m.submit(taskID, func() {
		err := m.UpdateTask(ctx, taskID, fields, 0, removeFromCache)
		switch {
		case err == nil:
		case errors.Is(err, ErrTaskNotFound), errors.Is(err, ErrTaskFinished):
			m.logger.Debug("skip update of finished task",
				zap.String("task_id", taskID),
				zap.Error(err))
		default:
			m.logger.Error("update task failed",
				zap.String("task_id", taskID),
				zap.Error(err))
		}
	})
}

func (m *Manager) update(ctx context.Context, c *Cache, taskID string, fields map[string]any, timeout time.Duration) error {
	if len(fields) == 0 {
		return ErrNoFields
	}
	if timeout <= 0 {
		timeout = m.updateTimeout()
	}
	if !c.acquire(ctx, timeout) {
		return fmt.Errorf("%w: %s", ErrUpdateInProgress, taskID)
	}
	defer c.release()

	if c.regresses(fields) {
		return fmt.Errorf("%w: %s", ErrTaskFinished, taskID)
	}
	c.apply(fields)
	return m.write(ctx, taskID, fields, timeout)
}

// UpdateTaskDirectly persists fields of a task whether or not it is cached.
func (m *Manager) UpdateTaskDirectly(ctx context.Context, taskID string, fields map[string]any) error {
	if len(fields) == 0 {
		return ErrNoFields
	}
	return m.write(ctx, taskID, fields, m.updateTimeout())
}

func (m *Manager) write(ctx context.Context, taskID string, fields map[string]any, timeout time.Duration) error {
	doc := make(map[string]any, len(fields)+1)
	for k, v := range fields {
		if s, ok := v.(types.TaskState); ok {
			v = string(s)
		}
		doc[k] = v
	}
	doc[types.TaskFieldLastUpdateTime] = time.Now().UnixMilli()

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := m.store.Update(ctx, types.TaskIndex, taskID, doc); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
		}
		return fmt.Errorf("update task %s: %w", taskID, err)
	}
	return nil
}

func (m *Manager) updateTimeout() time.Duration {
	if m.settings != nil {
		if d := m.settings.TaskUpdateTimeout(); d > 0 {
			return d
		}
	}
	return 5 * time.Second
}

// UpdateTaskStateAsRunning marks a cached task RUNNING.
func (m *Manager) UpdateTaskStateAsRunning(ctx context.Context, taskID string) error {
	if !m.Contains(taskID) {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	return m.UpdateTask(ctx, taskID, map[string]any{types.TaskFieldState: string(types.TaskStateRunning)}, 0, false)
}

// LoadTask reads a task record from the store.
func (m *Manager) LoadTask(ctx context.Context, taskID string) (*types.Task, error) {
	doc, err := m.store.Get(ctx, types.TaskIndex, taskID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
		}
		return nil, fmt.Errorf("load task %s: %w", taskID, err)
	}
	return FromSource(doc.ID, doc.Source), nil
}

// Cancel stops tracking a task and persists CANCELLED. Late worker signals
// are ignored afterwards.
func (m *Manager) Cancel(ctx context.Context, taskID string) error {
	if c := m.GetCache(taskID); c != nil {
		if c.Task().State.IsDone() {
			return fmt.Errorf("%w: %s", ErrTaskFinished, taskID)
		}
		return m.UpdateTask(ctx, taskID, map[string]any{types.TaskFieldState: string(types.TaskStateCancelled)}, 0, true)
	}
	t, err := m.LoadTask(ctx, taskID)
	if err != nil {
		return err
	}
	if t.State.IsDone() {
		return fmt.Errorf("%w: %s", ErrTaskFinished, taskID)
	}
	return m.UpdateTaskDirectly(ctx, taskID, map[string]any{types.TaskFieldState: string(types.TaskStateCancelled)})
}

// FromSource rebuilds a task from its stored document.
func FromSource(id string, src map[string]any) *types.Task {
	t := &types.Task{
		ID:             id,
		ModelID:        store.String(src, types.TaskFieldModelID),
		Type:           types.TaskType(store.String(src, types.TaskFieldType)),
		FunctionName:   types.FunctionName(store.String(src, types.TaskFieldFunctionName)),
		State:          types.TaskState(store.String(src, types.TaskFieldState)),
		Async:          store.Bool(src, types.TaskFieldAsync),
		WorkerNodes:    store.Strings(src, types.TaskFieldWorkerNodes),
		CreateTime:     store.Time(src, types.TaskFieldCreateTime),
		LastUpdateTime: store.Time(src, types.TaskFieldLastUpdateTime),
		Error:          store.String(src, types.TaskFieldError),
	}
	if v, ok := src[types.TaskFieldProgress].(float64); ok {
		t.Progress = &v
	}
	return t
}
