package types

import (
	"errors"
	"time"
)

// TaskType identifies the kind of long-running operation a task tracks.
type TaskType string

const (
	TaskTypeRegisterModel  TaskType = "REGISTER_MODEL"
	TaskTypeUploadModel    TaskType = "UPLOAD_MODEL"
	TaskTypeDeployModel    TaskType = "DEPLOY_MODEL"
	TaskTypeTraining       TaskType = "TRAINING"
	TaskTypeBatchIngest    TaskType = "BATCH_INGEST"
	TaskTypeBatchPredict   TaskType = "BATCH_PREDICTION"
	TaskTypeTrainPredict   TaskType = "TRAINING_AND_PREDICTION"
	TaskTypeUndeployModel  TaskType = "UNDEPLOY_MODEL"
	TaskTypeExecutePredict TaskType = "PREDICTION"
)

// TaskState is the lifecycle state of a task.
type TaskState string

const (
	TaskStateCreated   TaskState = "CREATED"
	TaskStateRunning   TaskState = "RUNNING"
	TaskStateCompleted TaskState = "COMPLETED"
	// TaskStateCompletedWithError is accepted from persisted records written by
	// older nodes; new tasks use COMPLETED with a populated error field.
	TaskStateCompletedWithError TaskState = "COMPLETED_WITH_ERROR"
	TaskStateFailed             TaskState = "FAILED"
	TaskStateCancelled          TaskState = "CANCELLED"
)

// IsDone reports whether the state is terminal.
func (s TaskState) IsDone() bool {
	switch s {
	case TaskStateCompleted, TaskStateCompletedWithError, TaskStateFailed, TaskStateCancelled:
		return true
	}
	return false
}

// FunctionName identifies the algorithm family a task belongs to.
type FunctionName string

const (
	FunctionRemote           FunctionName = "REMOTE"
	FunctionTextEmbedding    FunctionName = "TEXT_EMBEDDING"
	FunctionSparseEncoding   FunctionName = "SPARSE_ENCODING"
	FunctionTextSimilarity   FunctionName = "TEXT_SIMILARITY"
	FunctionKMeans           FunctionName = "KMEANS"
	FunctionLinearRegression FunctionName = "LINEAR_REGRESSION"
	FunctionAnomalyDetect    FunctionName = "AD_LIBSVM"
)

// IsRemote reports whether the function runs against an external endpoint
// rather than inside the node.
func (f FunctionName) IsRemote() bool {
	return f == FunctionRemote
}

// Persisted task field names.
const (
	TaskFieldID             = "task_id"
	TaskFieldModelID        = "model_id"
	TaskFieldType           = "task_type"
	TaskFieldFunctionName   = "function_name"
	TaskFieldState          = "state"
	TaskFieldAsync          = "is_async"
	TaskFieldWorkerNodes    = "worker_node"
	TaskFieldCreateTime     = "create_time"
	TaskFieldLastUpdateTime = "last_update_time"
	TaskFieldError          = "error"
	TaskFieldProgress       = "progress"
)

// Task is an in-flight distributed operation.
type Task struct {
	ID             string       `json:"task_id" yaml:"task_id"`
	ModelID        string       `json:"model_id,omitempty" yaml:"model_id,omitempty"`
	Type           TaskType     `json:"task_type" yaml:"task_type"`
	FunctionName   FunctionName `json:"function_name,omitempty" yaml:"function_name,omitempty"`
	State          TaskState    `json:"state" yaml:"state"`
	Async          bool         `json:"is_async" yaml:"is_async"`
	WorkerNodes    []string     `json:"worker_node,omitempty" yaml:"worker_node,omitempty"`
	CreateTime     time.Time    `json:"create_time" yaml:"create_time"`
	LastUpdateTime time.Time    `json:"last_update_time" yaml:"last_update_time"`
	Error          string       `json:"error,omitempty" yaml:"error,omitempty"`
	Progress       *float64     `json:"progress,omitempty" yaml:"progress,omitempty"`
}

// Validate checks the fields a worker needs before executing a task.
func (t *Task) Validate() error {
	if t == nil {
		return errors.New("task cannot be nil")
	}
	if t.ID == "" {
		return errors.New("task ID cannot be empty")
	}
	if t.Type == "" {
		return errors.New("task type cannot be empty")
	}
	return nil
}

// Clone returns a deep copy of the task.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	c := *t
	c.WorkerNodes = append([]string(nil), t.WorkerNodes...)
	if t.Progress != nil {
		p := *t.Progress
		c.Progress = &p
	}
	return &c
}

// Source converts the task to a document for the store.
func (t *Task) Source() map[string]any {
	src := map[string]any{
		TaskFieldID:             t.ID,
		TaskFieldType:           string(t.Type),
		TaskFieldState:          string(t.State),
		TaskFieldAsync:          t.Async,
		TaskFieldCreateTime:     t.CreateTime.UnixMilli(),
		TaskFieldLastUpdateTime: t.LastUpdateTime.UnixMilli(),
	}
	if t.ModelID != "" {
		src[TaskFieldModelID] = t.ModelID
	}
	if t.FunctionName != "" {
		src[TaskFieldFunctionName] = string(t.FunctionName)
	}
	if len(t.WorkerNodes) > 0 {
		src[TaskFieldWorkerNodes] = append([]string(nil), t.WorkerNodes...)
	}
	if t.Error != "" {
		src[TaskFieldError] = t.Error
	}
	if t.Progress != nil {
		src[TaskFieldProgress] = *t.Progress
	}
	return src
}
