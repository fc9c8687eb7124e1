package task

import "errors"

var (
	// ErrTaskNotFound is returned when a task is neither cached nor stored.
	ErrTaskNotFound = errors.New("task not found")
	// ErrDuplicateTask is returned when adding a task id already cached.
	ErrDuplicateTask = errors.New("duplicate task id")
	// ErrTaskLimitExceeded is returned when a node already runs the maximum
	// number of tasks of a type.
	ErrTaskLimitExceeded = errors.New("exceed max running task limit")
	// ErrUpdateInProgress is returned when another update of the same task
	// holds the update slot past the timeout.
	ErrUpdateInProgress = errors.New("other updating request not finished yet")
	// ErrNoFields is returned for an update without fields.
	ErrNoFields = errors.New("no fields to update")
	// ErrTaskFinished is returned when cancelling or reopening a task in a terminal state.
	ErrTaskFinished = errors.New("task already finished")
)
