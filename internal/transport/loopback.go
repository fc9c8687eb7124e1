package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// Network connects in-process transports. Payloads still travel as
// encoded bytes, so handlers see exactly what a remote node would.
type Network struct {
	mu    sync.RWMutex
	nodes map[string]*Mux
	down  map[string]bool
}

// NewNetwork creates an empty network.
func NewNetwork() *Network {
	return &Network{
		nodes: make(map[string]*Mux),
		down:  make(map[string]bool),
	}
}

// Join attaches a node and returns its transport.
func (n *Network) Join(nodeID string) *LoopbackTransport {
	n.mu.Lock()
	defer n.mu.Unlock()
	mux, ok := n.nodes[nodeID]
	if !ok {
		mux = NewMux()
		n.nodes[nodeID] = mux
	}
	return &LoopbackTransport{Mux: mux, net: n, localID: nodeID}
}

// SetDown makes sends to nodeID fail with ErrNodeUnreachable.
func (n *Network) SetDown(nodeID string, down bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.down[nodeID] = down
}

func (n *Network) target(nodeID string) (*Mux, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	mux, ok := n.nodes[nodeID]
	return mux, ok && !n.down[nodeID]
}

// LoopbackTransport is a node's view of a Network.
type LoopbackTransport struct {
	*Mux
	net     *Network
	localID string
}

// LocalNodeID returns the id of this node.
func (t *LoopbackTransport) LocalNodeID() string { return t.localID }

// Send serves action on the target node's mux.
func (t *LoopbackTransport) Send(ctx context.Context, nodeID, action string, payload []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrNodeUnreachable, nodeID, err)
	}
	mux, ok := t.net.target(nodeID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNodeUnreachable, nodeID)
	}
	reply, err := mux.Serve(ctx, t.localID, action, append([]byte(nil), payload...))
	if err != nil && nodeID != t.localID && !errors.Is(err, ErrNoHandler) {
		return nil, fmt.Errorf("%w: %s on %s: %v", ErrRemote, action, nodeID, err)
	}
	return reply, err
}
