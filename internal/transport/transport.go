// Package transport carries node-to-node actions. A Transport sends a
// payload to a named action on a node and returns the handler's reply;
// sending to the local node runs the handler in-process.
package transport

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/bytedance/sonic"
)

// Actions served by every node.
const (
	ActionForward   = "ml/forward"
	ActionNodeStats = "ml/stats/node"
)

var (
	// ErrNoHandler is returned when the target node serves no such action.
	ErrNoHandler = errors.New("no handler registered for action")
	// ErrRemote wraps an error returned by a remote handler.
	ErrRemote = errors.New("remote handler failed")
	// ErrNodeUnreachable is returned when the target node cannot be reached.
	ErrNodeUnreachable = errors.New("node unreachable")
)

// Handler serves one action. from is the sending node id.
type Handler func(ctx context.Context, from string, payload []byte) ([]byte, error)

// Transport sends actions to nodes.
type Transport interface {
	LocalNodeID() string
	Send(ctx context.Context, nodeID, action string, payload []byte) ([]byte, error)
	RegisterHandler(action string, h Handler)
}

// Mux maps action names to handlers.
type Mux struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewMux creates an empty mux.
func NewMux() *Mux {
	return &Mux{handlers: make(map[string]Handler)}
}

// RegisterHandler sets the handler of an action, replacing any previous one.
func (m *Mux) RegisterHandler(action string, h Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[action] = h
}

// Actions returns the registered action names, sorted.
func (m *Mux) Actions() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.handlers))
	for a := range m.handlers {
		out = append(out, a)
	}
	sort.Strings(out)
	return out
}

// Serve runs the handler of action.
func (m *Mux) Serve(ctx context.Context, from, action string, payload []byte) ([]byte, error) {
	m.mu.RLock()
	h, ok := m.handlers[action]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoHandler, action)
	}
	return h(ctx, from, payload)
}

// Invoke encodes req, sends it and decodes the reply.
func Invoke[Req, Resp any](ctx context.Context, t Transport, nodeID, action string, req *Req) (*Resp, error) {
	payload, err := sonic.ConfigStd.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode %s request: %w", action, err)
	}
	reply, err := t.Send(ctx, nodeID, action, payload)
	if err != nil {
		return nil, err
	}
	resp := new(Resp)
	if len(reply) == 0 {
		return resp, nil
	}
	if err := sonic.ConfigStd.Unmarshal(reply, resp); err != nil {
		return nil, fmt.Errorf("decode %s response: %w", action, err)
	}
	return resp, nil
}

// Handle registers a typed handler for action.
func Handle[Req, Resp any](t Transport, action string, fn func(ctx context.Context, from string, req *Req) (*Resp, error)) {
	t.RegisterHandler(action, func(ctx context.Context, from string, payload []byte) ([]byte, error) {
		req := new(Req)
		if len(payload) > 0 {
			if err := sonic.ConfigStd.Unmarshal(payload, req); err != nil {
				return nil, fmt.Errorf("decode %s request: %w", action, err)
			}
		}
		resp, err := fn(ctx, from, req)
		if err != nil {
			return nil, err
		}
		return sonic.ConfigStd.Marshal(resp)
	})
}
