package types

import "time"

// ModelState is the persisted deployment state of a model.
type ModelState string

const (
	ModelStateRegistering       ModelState = "REGISTERING"
	ModelStateRegistered        ModelState = "REGISTERED"
	ModelStateRegisterFailed    ModelState = "REGISTER_FAILED"
	ModelStateLoading           ModelState = "LOADING"
	ModelStatePartiallyLoaded   ModelState = "PARTIALLY_LOADED"
	ModelStateLoaded            ModelState = "LOADED"
	ModelStateDeploying         ModelState = "DEPLOYING"
	ModelStatePartiallyDeployed ModelState = "PARTIALLY_DEPLOYED"
	ModelStateDeployed          ModelState = "DEPLOYED"
	ModelStateDeployFailed      ModelState = "DEPLOY_FAILED"
	ModelStateUndeployed        ModelState = "UNDEPLOYED"
)

// RunningModelStates is the "actively running" family the reconciler scans.
var RunningModelStates = []ModelState{
	ModelStateLoading,
	ModelStatePartiallyLoaded,
	ModelStateLoaded,
	ModelStateDeploying,
	ModelStatePartiallyDeployed,
	ModelStateDeployed,
}

// Persisted model field names.
const (
	ModelFieldID                     = "model_id"
	ModelFieldName                   = "name"
	ModelFieldFunctionName           = "function_name"
	ModelFieldState                  = "model_state"
	ModelFieldAutoRedeployRetryTimes = "auto_redeploy_retry_times"
	ModelFieldPlanningWorkerNodes    = "planning_worker_nodes"
	ModelFieldPlanningWorkerCount    = "planning_worker_node_count"
	ModelFieldCurrentWorkerCount     = "current_worker_node_count"
	ModelFieldDeployToAllNodes       = "deploy_to_all_nodes"
	ModelFieldLastDeployedTime       = "last_deployed_time"
	ModelFieldLastUndeployedTime     = "last_undeployed_time"
	ModelFieldLastUpdateTime         = "last_updated_time"
	ModelFieldCreatedTime            = "created_time"
	ModelFieldURL                    = "url"
)

// Index names used by the document store.
const (
	ModelIndex = "ml_models"
	TaskIndex  = "ml_tasks"
)

// IsRunning reports whether the state belongs to RunningModelStates.
func (s ModelState) IsRunning() bool {
	for _, r := range RunningModelStates {
		if s == r {
			return true
		}
	}
	return false
}

// Model is the persisted record of a registered model.
type Model struct {
	ID                     string       `json:"model_id"`
	Name                   string       `json:"name"`
	FunctionName           FunctionName `json:"function_name"`
	State                  ModelState   `json:"model_state"`
	URL                    string       `json:"url,omitempty"`
	AutoRedeployRetryTimes int          `json:"auto_redeploy_retry_times"`
	PlanningWorkerNodes    []string     `json:"planning_worker_nodes,omitempty"`
	PlanningWorkerCount    int          `json:"planning_worker_node_count"`
	CurrentWorkerCount     int          `json:"current_worker_node_count"`
	DeployToAllNodes       bool         `json:"deploy_to_all_nodes"`
	LastDeployedTime       time.Time    `json:"last_deployed_time"`
	LastUndeployedTime     time.Time    `json:"last_undeployed_time"`
	LastUpdateTime         time.Time    `json:"last_updated_time"`
	CreatedTime            time.Time    `json:"created_time"`
}

// Source converts the model to a document for the store. Times are stored
// as epoch milliseconds; zero times are omitted.
func (m *Model) Source() map[string]any {
	src := map[string]any{
		ModelFieldID:                     m.ID,
		ModelFieldName:                   m.Name,
		ModelFieldFunctionName:           string(m.FunctionName),
		ModelFieldState:                  string(m.State),
		ModelFieldAutoRedeployRetryTimes: m.AutoRedeployRetryTimes,
		ModelFieldPlanningWorkerNodes:    append([]string{}, m.PlanningWorkerNodes...),
		ModelFieldPlanningWorkerCount:    m.PlanningWorkerCount,
		ModelFieldCurrentWorkerCount:     m.CurrentWorkerCount,
		ModelFieldDeployToAllNodes:       m.DeployToAllNodes,
	}
	if m.URL != "" {
		src[ModelFieldURL] = m.URL
	}
	for field, t := range map[string]time.Time{
		ModelFieldLastDeployedTime:   m.LastDeployedTime,
		ModelFieldLastUndeployedTime: m.LastUndeployedTime,
		ModelFieldLastUpdateTime:     m.LastUpdateTime,
		ModelFieldCreatedTime:        m.CreatedTime,
	} {
		if !t.IsZero() {
			src[field] = t.UnixMilli()
		}
	}
	return src
}
