// Package store defines the generic document store used for persisted model
// and task records, and the query helpers shared by its backends.
package store

import (
	"context"
	"errors"
)

// ErrNotFound is returned when a document does not exist.
var ErrNotFound = errors.New("document not found")

// Document is a stored record.
type Document struct {
	ID     string
	Source map[string]any
}

// Query selects documents of one index.
type Query struct {
	// Terms matches documents whose field equals any of the listed values.
	// A multi-valued field matches when any of its elements does.
	Terms map[string][]any
	// SortField orders results; documents missing it sort last.
	SortField string
	SortDesc  bool
	// Includes limits the returned source fields. Empty returns all.
	Includes []string
	// Size caps the result count. Zero means no cap.
	Size int
}

// Store is a document store addressed by index and id.
type Store interface {
	// Put creates or replaces a document.
	Put(ctx context.Context, index, id string, source map[string]any) error
	Get(ctx context.Context, index, id string) (*Document, error)
	// Update merges fields into an existing document.
	Update(ctx context.Context, index, id string, fields map[string]any) error
	Delete(ctx context.Context, index, id string) error
	Query(ctx context.Context, index string, q Query) ([]*Document, error)
	Close() error
}
