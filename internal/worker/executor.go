package worker

import (
	"context"

	"yqhp/ml-orchestrator/pkg/types"
)

// Executor runs the model operations of a worker. The concrete ML runtimes
// live behind this interface.
type Executor interface {
	Register(ctx context.Context, t *types.Task, in *types.RegisterModelInput) error
	Upload(ctx context.Context, t *types.Task, in *types.UploadModelInput) error
	Deploy(ctx context.Context, t *types.Task, in *types.DeployModelInput) error
	Undeploy(ctx context.Context, modelID string) error
}

// NopExecutor accepts every operation without doing any work.
type NopExecutor struct{}

func (NopExecutor) Register(context.Context, *types.Task, *types.RegisterModelInput) error { return nil }
func (NopExecutor) Upload(context.Context, *types.Task, *types.UploadModelInput) error     { return nil }
func (NopExecutor) Deploy(context.Context, *types.Task, *types.DeployModelInput) error     { return nil }
func (NopExecutor) Undeploy(context.Context, string) error                                 { return nil }

// ExecutorFuncs adapts functions to Executor. Nil functions succeed.
type ExecutorFuncs struct {
	RegisterFunc func(ctx context.Context, t *types.Task, in *types.RegisterModelInput) error
	UploadFunc   func(ctx context.Context, t *types.Task, in *types.UploadModelInput) error
	DeployFunc   func(ctx context.Context, t *types.Task, in *types.DeployModelInput) error
	UndeployFunc func(ctx context.Context, modelID string) error
}

func (f ExecutorFuncs) Register(ctx context.Context, t *types.Task, in *types.RegisterModelInput) error {
	if f.RegisterFunc == nil {
		return nil
	}
	return f.RegisterFunc(ctx, t, in)
}

func (f ExecutorFuncs) Upload(ctx context.Context, t *types.Task, in *types.UploadModelInput) error {
	if f.UploadFunc == nil {
		return nil
	}
	return f.UploadFunc(ctx, t, in)
}

func (f ExecutorFuncs) Deploy(ctx context.Context, t *types.Task, in *types.DeployModelInput) error {
	if f.DeployFunc == nil {
		return nil
	}
	return f.DeployFunc(ctx, t, in)
}

func (f ExecutorFuncs) Undeploy(ctx context.Context, modelID string) error {
	if f.UndeployFunc == nil {
		return nil
	}
	return f.UndeployFunc(ctx, modelID)
}
