// Package memory provides an in-process document store.
package memory

import (
	"context"
	"sync"

	"yqhp/ml-orchestrator/internal/store"
)

// Store keeps documents in memory. Sources are deep-copied on the way in
// and out so callers never share maps with the store.
type Store struct {
	mu      sync.RWMutex
	indices map[string]map[string]map[string]any
}

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		indices: make(map[string]map[string]map[string]any),
	}
}

func (s *Store) Put(ctx context.Context, index, id string, source map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	docs, ok := s.indices[index]
	if !ok {
		docs = make(map[string]map[string]any)
		s.indices[index] = docs
	}
	docs[id] = store.Clone(source)
	return nil
}

func (s *Store) Get(ctx context.Context, index, id string) (*store.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	src, ok := s.indices[index][id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &store.Document{ID: id, Source: store.Clone(src)}, nil
}

func (s *Store) Update(ctx context.Context, index, id string, fields map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	src, ok := s.indices[index][id]
	if !ok {
		return store.ErrNotFound
	}
	for k, v := range store.Clone(fields) {
		src[k] = v
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, index, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.indices[index][id]; !ok {
		return store.ErrNotFound
	}
	delete(s.indices[index], id)
	return nil
}

func (s *Store) Query(ctx context.Context, index string, q store.Query) ([]*store.Document, error) {
	s.mu.RLock()
	docs := make([]*store.Document, 0, len(s.indices[index]))
	for id, src := range s.indices[index] {
		docs = append(docs, &store.Document{ID: id, Source: store.Clone(src)})
	}
	s.mu.RUnlock()

	return store.Run(docs, q), nil
}

func (s *Store) Close() error { return nil }
