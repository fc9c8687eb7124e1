package model

import (
	"context"
	"errors"
	"fmt"

	"yqhp/ml-orchestrator/internal/store"
	"yqhp/ml-orchestrator/pkg/types"
)

// ErrModelNotFound is returned when no model record exists.
var ErrModelNotFound = errors.New("model not found")

// FromSource rebuilds a model from its stored document.
func FromSource(id string, src map[string]any) *types.Model {
	return &types.Model{
		ID:                     id,
		Name:                   store.String(src, types.ModelFieldName),
		FunctionName:           types.FunctionName(store.String(src, types.ModelFieldFunctionName)),
		State:                  types.ModelState(store.String(src, types.ModelFieldState)),
		URL:                    store.String(src, types.ModelFieldURL),
		AutoRedeployRetryTimes: store.Int(src, types.ModelFieldAutoRedeployRetryTimes),
		PlanningWorkerNodes:    store.Strings(src, types.ModelFieldPlanningWorkerNodes),
		PlanningWorkerCount:    store.Int(src, types.ModelFieldPlanningWorkerCount),
		CurrentWorkerCount:     store.Int(src, types.ModelFieldCurrentWorkerCount),
		DeployToAllNodes:       store.Bool(src, types.ModelFieldDeployToAllNodes),
		LastDeployedTime:       store.Time(src, types.ModelFieldLastDeployedTime),
		LastUndeployedTime:     store.Time(src, types.ModelFieldLastUndeployedTime),
		LastUpdateTime:         store.Time(src, types.ModelFieldLastUpdateTime),
		CreatedTime:            store.Time(src, types.ModelFieldCreatedTime),
	}
}

// Get loads a model record.
func Get(ctx context.Context, st store.Store, modelID string) (*types.Model, error) {
	doc, err := st.Get(ctx, types.ModelIndex, modelID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrModelNotFound, modelID)
		}
		return nil, fmt.Errorf("load model %s: %w", modelID, err)
	}
	return FromSource(doc.ID, doc.Source), nil
}

// RunningModels returns models in the running state family, oldest
// deployment first, with only the fields redeploy decisions need.
func RunningModels(ctx context.Context, st store.Store) ([]*types.Model, error) {
	docs, err := st.Query(ctx, types.ModelIndex, store.Query{
		Terms:     map[string][]any{types.ModelFieldState: store.Terms(types.RunningModelStates...)},
		SortField: types.ModelFieldLastDeployedTime,
		Includes: []string{
			types.ModelFieldFunctionName,
			types.ModelFieldState,
			types.ModelFieldAutoRedeployRetryTimes,
			types.ModelFieldPlanningWorkerNodes,
			types.ModelFieldDeployToAllNodes,
			types.ModelFieldLastDeployedTime,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("query running models: %w", err)
	}
	models := make([]*types.Model, len(docs))
	for i, d := range docs {
		models[i] = FromSource(d.ID, d.Source)
	}
	return models, nil
}
