package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"yqhp/ml-orchestrator/internal/store"
)

func TestPutGetUpdateDelete(t *testing.T) {
	ctx := context.Background()
	s := New()

	nodes := []string{"a", "b"}
	require.NoError(t, s.Put(ctx, "models", "m1", map[string]any{
		"model_state":           "DEPLOYED",
		"planning_worker_nodes": nodes,
	}))
	nodes[0] = "mutated"

	doc, err := s.Get(ctx, "models", "m1")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, store.Strings(doc.Source, "planning_worker_nodes"))

	require.NoError(t, s.Update(ctx, "models", "m1", map[string]any{"auto_redeploy_retry_times": 1}))
	doc, err = s.Get(ctx, "models", "m1")
	require.NoError(t, err)
	assert.Equal(t, 1, store.Int(doc.Source, "auto_redeploy_retry_times"))
	assert.Equal(t, "DEPLOYED", store.String(doc.Source, "model_state"))

	assert.ErrorIs(t, s.Update(ctx, "models", "missing", map[string]any{"x": 1}), store.ErrNotFound)

	require.NoError(t, s.Delete(ctx, "models", "m1"))
	_, err = s.Get(ctx, "models", "m1")
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.ErrorIs(t, s.Delete(ctx, "models", "m1"), store.ErrNotFound)
}

func TestQueryFilterSortProject(t *testing.T) {
	ctx := context.Background()
	s := New()

	require.NoError(t, s.Put(ctx, "models", "m1", map[string]any{"model_state": "DEPLOYED", "last_deployed_time": int64(300), "name": "one"}))
	require.NoError(t, s.Put(ctx, "models", "m2", map[string]any{"model_state": "PARTIALLY_DEPLOYED", "last_deployed_time": int64(100), "name": "two"}))
	require.NoError(t, s.Put(ctx, "models", "m3", map[string]any{"model_state": "UNDEPLOYED", "last_deployed_time": int64(50), "name": "three"}))
	require.NoError(t, s.Put(ctx, "models", "m4", map[string]any{"model_state": "DEPLOYED", "name": "four"}))

	docs, err := s.Query(ctx, "models", store.Query{
		Terms:     map[string][]any{"model_state": store.Terms("DEPLOYED", "PARTIALLY_DEPLOYED")},
		SortField: "last_deployed_time",
		Includes:  []string{"name"},
	})
	require.NoError(t, err)
	require.Len(t, docs, 3)
	assert.Equal(t, []string{"m2", "m1", "m4"}, []string{docs[0].ID, docs[1].ID, docs[2].ID})
	assert.Equal(t, map[string]any{"name": "two"}, docs[0].Source)

	docs, err = s.Query(ctx, "models", store.Query{SortField: "last_deployed_time", SortDesc: true, Size: 1})
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, "m1", docs[0].ID)
}

func TestQueryMultiValuedTerm(t *testing.T) {
	ctx := context.Background()
	s := New()

	require.NoError(t, s.Put(ctx, "tasks", "t1", map[string]any{"worker_node": []string{"a", "b"}}))
	require.NoError(t, s.Put(ctx, "tasks", "t2", map[string]any{"worker_node": []string{"c"}}))

	docs, err := s.Query(ctx, "tasks", store.Query{Terms: map[string][]any{"worker_node": store.Terms("b")}})
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, "t1", docs[0].ID)
}
