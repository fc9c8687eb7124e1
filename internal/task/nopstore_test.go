package task

import (
	"context"

	"yqhp/ml-orchestrator/internal/store"
)

// nopStore accepts every write.
type nopStore struct{}

func (nopStore) Put(context.Context, string, string, map[string]any) error    { return nil }
func (nopStore) Update(context.Context, string, string, map[string]any) error { return nil }
func (nopStore) Delete(context.Context, string, string) error                 { return nil }
func (nopStore) Close() error                                                 { return nil }

func (nopStore) Get(context.Context, string, string) (*store.Document, error) {
	return nil, store.ErrNotFound
}

func (nopStore) Query(context.Context, string, store.Query) ([]*store.Document, error) {
	return nil, nil
}
