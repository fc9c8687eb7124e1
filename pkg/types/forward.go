package types

import (
	"errors"
	"fmt"
)

// ForwardRequestType selects how a forward envelope is handled.
type ForwardRequestType string

const (
	ForwardRegisterModel     ForwardRequestType = "REGISTER_MODEL"
	ForwardRegisterModelDone ForwardRequestType = "REGISTER_MODEL_DONE"
	ForwardUploadModel       ForwardRequestType = "UPLOAD_MODEL"
	ForwardUploadModelDone   ForwardRequestType = "UPLOAD_MODEL_DONE"
	ForwardDeployModel       ForwardRequestType = "DEPLOY_MODEL"
	ForwardDeployModelDone   ForwardRequestType = "DEPLOY_MODEL_DONE"
	ForwardUndeployModel     ForwardRequestType = "UNDEPLOY_MODEL"
)

// IsDone reports whether the type is a worker-to-coordinator completion.
func (t ForwardRequestType) IsDone() bool {
	switch t {
	case ForwardRegisterModelDone, ForwardUploadModelDone, ForwardDeployModelDone:
		return true
	}
	return false
}

// ForwardStatusOK is the synchronous acknowledgement status.
const ForwardStatusOK = "ok"

// RegisterModelInput describes a model to register on a worker.
type RegisterModelInput struct {
	ModelID      string       `json:"model_id,omitempty"`
	Name         string       `json:"name"`
	Version      string       `json:"version,omitempty"`
	FunctionName FunctionName `json:"function_name"`
	URL          string       `json:"url,omitempty"`
	DeployModel  bool         `json:"deploy_model,omitempty"`
	NodeIDs      []string     `json:"node_ids,omitempty"`
}

// UploadModelInput describes model chunks to upload through a worker.
type UploadModelInput struct {
	ModelID      string       `json:"model_id,omitempty"`
	Name         string       `json:"name"`
	FunctionName FunctionName `json:"function_name"`
	URL          string       `json:"url"`
}

// DeployModelInput describes a deployment of an already registered model.
type DeployModelInput struct {
	ModelID        string       `json:"model_id"`
	FunctionName   FunctionName `json:"function_name,omitempty"`
	NodeIDs        []string     `json:"node_ids,omitempty"`
	UserInitiated  bool         `json:"user_initiated_deploy"`
	DeployToAll    bool         `json:"deploy_to_all_nodes,omitempty"`
	CoordinatingID string       `json:"coordinating_node_id,omitempty"`
}

// UndeployModelInput removes models from a set of nodes.
type UndeployModelInput struct {
	ModelIDs []string `json:"model_ids"`
	NodeIDs  []string `json:"node_ids"`
}

// ForwardEnvelope is the message carried by the forward action. The same
// shape is used for coordinator-to-worker dispatch and for the worker's
// completion report; RequestType tells them apart.
type ForwardEnvelope struct {
	RequestType       ForwardRequestType  `json:"request_type"`
	TaskID            string              `json:"task_id,omitempty"`
	ModelID           string              `json:"model_id,omitempty"`
	WorkerNodeID      string              `json:"worker_node_id,omitempty"`
	CoordinatorNodeID string              `json:"coordinator_node_id,omitempty"`
	Register          *RegisterModelInput `json:"register_input,omitempty"`
	Upload            *UploadModelInput   `json:"upload_input,omitempty"`
	Deploy            *DeployModelInput   `json:"deploy_input,omitempty"`
	Undeploy          *UndeployModelInput `json:"undeploy_input,omitempty"`
	Error             string              `json:"error,omitempty"`
	Task              *Task               `json:"ml_task,omitempty"`
}

// Validate checks that the envelope carries what its request type needs.
func (e *ForwardEnvelope) Validate() error {
	if e == nil {
		return errors.New("envelope cannot be nil")
	}
	switch e.RequestType {
	case ForwardRegisterModel:
		if e.Register == nil {
			return errors.New("register input cannot be nil")
		}
		return e.Task.Validate()
	case ForwardUploadModel:
		if e.Upload == nil {
			return errors.New("upload input cannot be nil")
		}
		return e.Task.Validate()
	case ForwardDeployModel:
		if e.Deploy == nil {
			return errors.New("deploy input cannot be nil")
		}
		return e.Task.Validate()
	case ForwardUndeployModel:
		if e.Undeploy == nil || len(e.Undeploy.ModelIDs) == 0 {
			return errors.New("undeploy input requires model ids")
		}
		return nil
	case ForwardRegisterModelDone, ForwardUploadModelDone, ForwardDeployModelDone:
		if e.TaskID == "" {
			return errors.New("task ID cannot be empty")
		}
		if e.WorkerNodeID == "" {
			return errors.New("worker node ID cannot be empty")
		}
		return nil
	case "":
		return errors.New("request type cannot be empty")
	default:
		return fmt.Errorf("unknown request type: %s", e.RequestType)
	}
}

// ForwardResponse is the synchronous acknowledgement of a forward envelope.
type ForwardResponse struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}
