package task

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/duke-git/lancet/v2/slice"

	"yqhp/ml-orchestrator/pkg/types"
)

// Outcome is the result of recording one worker signal.
type Outcome int

const (
	// OutcomeIgnored means the signal was stale, duplicated or came from
	// a node the task never expected.
	OutcomeIgnored Outcome = iota
	// OutcomeRecorded means the signal was recorded and workers are still
	// outstanding.
	OutcomeRecorded
	// OutcomeCompleted means every worker reported and at least one
	// succeeded.
	OutcomeCompleted
	// OutcomeFailed means every expected worker reported an error.
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeRecorded:
		return "recorded"
	case OutcomeCompleted:
		return "completed"
	case OutcomeFailed:
		return "failed"
	}
	return "ignored"
}

// Cache is the coordinator-side state of one in-flight task: the task, the
// workers expected to report, and what each has reported so far. All
// mutation happens under the entry's own lock.
type Cache struct {
	mu        sync.Mutex
	task      *types.Task
	expected  []string
	errors    map[string]string
	succeeded map[string]struct{}
	finalized bool
	// counted marks entries included in the running-task limit.
	counted bool
	// updateSem serializes persisted updates of this task.
	updateSem chan struct{}
}

func newCache(t *types.Task, workers []string) *Cache {
	expected := slice.Unique(append([]string(nil), workers...))
	sort.Strings(expected)
	return &Cache{
		task:      t.Clone(),
		expected:  expected,
		errors:    make(map[string]string),
		succeeded: make(map[string]struct{}),
		updateSem: make(chan struct{}, 1),
	}
}

// Task returns a copy of the cached task.
func (c *Cache) Task() *types.Task {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.task.Clone()
}

// ExpectedWorkers returns the workers the task was dispatched to.
func (c *Cache) ExpectedWorkers() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.expected...)
}

// Errors returns worker errors keyed by node id.
func (c *Cache) Errors() map[string]string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]string, len(c.errors))
	for k, v := range c.errors {
		out[k] = v
	}
	return out
}

// Succeeded returns the workers that reported success, sorted.
func (c *Cache) Succeeded() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.succeededLocked()
}

func (c *Cache) succeededLocked() []string {
	out := make([]string, 0, len(c.succeeded))
	for k := range c.succeeded {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Remaining returns expected workers that have not errored.
func (c *Cache) Remaining() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slice.Filter(c.expected, func(_ int, n string) bool {
		_, failed := c.errors[n]
		return !failed
	})
}

// Pending returns expected workers that have not reported at all.
func (c *Cache) Pending() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pendingLocked()
}

func (c *Cache) pendingLocked() []string {
	return slice.Filter(c.expected, func(_ int, n string) bool {
		_, failed := c.errors[n]
		_, ok := c.succeeded[n]
		return !failed && !ok
	})
}

// HasError reports whether any worker errored.
func (c *Cache) HasError() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.errors) > 0
}

// AllFailed reports whether every expected worker errored.
func (c *Cache) AllFailed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.expected) > 0 && len(c.errors) == len(c.expected)
}

// ErrorMessage renders worker errors as a JSON object keyed by node id.
func (c *Cache) ErrorMessage() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.errorMessageLocked()
}

func (c *Cache) errorMessageLocked() string {
	if len(c.errors) == 0 {
		return ""
	}
	msg, err := sonic.ConfigStd.MarshalToString(c.errors)
	if err != nil {
		return ""
	}
	return msg
}

// record applies a worker signal. The first signal from a node wins; the
// task finalizes once every expected worker has reported.
func (c *Cache) record(nodeID, errMsg string, failed bool) Outcome {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.finalized || !slice.Contain(c.expected, nodeID) {
		return OutcomeIgnored
	}
	if _, dup := c.errors[nodeID]; dup {
		return OutcomeIgnored
	}
	if _, dup := c.succeeded[nodeID]; dup {
		return OutcomeIgnored
	}

	if failed {
		c.errors[nodeID] = errMsg
	} else {
		c.succeeded[nodeID] = struct{}{}
	}

	if len(c.pendingLocked()) > 0 {
		return OutcomeRecorded
	}
	c.finalized = true
	if len(c.succeeded) == 0 {
		return OutcomeFailed
	}
	return OutcomeCompleted
}

// apply mirrors persisted field updates onto the cached task.
func (c *Cache) apply(fields map[string]any) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if state, ok := stateOf(fields); ok {
		c.task.State = state
	}
	if v, ok := fields[types.TaskFieldError].(string); ok {
		c.task.Error = v
	}
	if v, ok := fields[types.TaskFieldProgress].(float64); ok {
		c.task.Progress = &v
	}
	c.task.LastUpdateTime = time.Now()
}

// regresses reports whether fields would move a finished task back to a
// non-terminal state.
func (c *Cache) regresses(fields map[string]any) bool {
	next, ok := stateOf(fields)
	if !ok || next.IsDone() {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.finalized || c.task.State.IsDone()
}

func stateOf(fields map[string]any) (types.TaskState, bool) {
	switch s := fields[types.TaskFieldState].(type) {
	case types.TaskState:
		return s, true
	case string:
		return types.TaskState(s), true
	}
	return "", false
}

// acquire takes the update semaphore, waiting at most timeout. A
// non-positive timeout does not wait.
func (c *Cache) acquire(ctx context.Context, timeout time.Duration) bool {
	if timeout <= 0 {
		select {
		case c.updateSem <- struct{}{}:
			return true
		default:
			return false
		}
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case c.updateSem <- struct{}{}:
		return true
	case <-timer.C:
		return false
	case <-ctx.Done():
		return false
	}
}

func (c *Cache) release() { <-c.updateSem }
