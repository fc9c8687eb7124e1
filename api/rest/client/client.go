// Package client implements the HTTP client a node uses to reach the
// cluster-manager's REST API.
package client

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gofiber/fiber/v2"

	"yqhp/ml-orchestrator/api/rest"
	"yqhp/ml-orchestrator/internal/stats"
	"yqhp/ml-orchestrator/pkg/types"
)

// ErrNotFound is returned when the remote node answers 404, for example a
// heartbeat for a node the cluster-manager no longer knows.
var ErrNotFound = errors.New("not found")

// Client calls a node's REST API.
type Client struct {
	baseURL string
	timeout time.Duration
	agent   *fiber.Client
}

// New creates a client for the node at addr. A bare host:port gets an
// http scheme.
func New(addr string, timeout time.Duration) *Client {
	if !strings.HasPrefix(addr, "http://") && !strings.HasPrefix(addr, "https://") {
		addr = "http://" + addr
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(addr, "/"),
		timeout: timeout,
		agent:   fiber.AcquireClient(),
	}
}

// Join registers node with the cluster-manager.
func (c *Client) Join(ctx context.Context, node *types.NodeInfo) (*rest.JoinResponse, error) {
	var resp rest.JoinResponse
	if err := c.do(ctx, fiber.MethodPost, "/api/v1/cluster/join", node, &resp); err != nil {
		return nil, fmt.Errorf("join cluster: %w", err)
	}
	if !resp.Accepted {
		return nil, fmt.Errorf("join cluster: rejected")
	}
	return &resp, nil
}

// Heartbeat reports liveness and returns the current membership.
func (c *Client) Heartbeat(ctx context.Context, nodeID string, activeTasks int) (*rest.ClusterView, error) {
	var view rest.ClusterView
	path := fmt.Sprintf("/api/v1/cluster/nodes/%s/heartbeat", nodeID)
	if err := c.do(ctx, fiber.MethodPost, path, &rest.HeartbeatRequest{ActiveTasks: activeTasks}, &view); err != nil {
		return nil, fmt.Errorf("heartbeat: %w", err)
	}
	return &view, nil
}

// Leave removes nodeID from the cluster.
func (c *Client) Leave(ctx context.Context, nodeID string) error {
	path := fmt.Sprintf("/api/v1/cluster/nodes/%s/leave", nodeID)
	if err := c.do(ctx, fiber.MethodPost, path, nil, nil); err != nil {
		return fmt.Errorf("leave cluster: %w", err)
	}
	return nil
}

// NodeStats returns stats of every online node.
func (c *Client) NodeStats(ctx context.Context) ([]*stats.NodeStats, error) {
	var resp struct {
		Nodes []*stats.NodeStats `json:"nodes"`
	}
	if err := c.do(ctx, fiber.MethodGet, "/api/v1/stats/nodes", nil, &resp); err != nil {
		return nil, fmt.Errorf("node stats: %w", err)
	}
	return resp.Nodes, nil
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	timeout := c.timeout
	if deadline, ok := ctx.Deadline(); ok {
		if left := time.Until(deadline); left < timeout {
			timeout = left
		}
	}

	url := c.baseURL + path
	var req *fiber.Agent
	switch method {
	case fiber.MethodGet:
		req = c.agent.Get(url)
	default:
		req = c.agent.Post(url)
	}
	req.Timeout(timeout)
	if in != nil {
		body, err := sonic.ConfigStd.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		req.Body(body)
		req.Set("Content-Type", "application/json")
	}

	status, respBody, errs := req.Bytes()
	if len(errs) > 0 {
		return errs[0]
	}
	if status != fiber.StatusOK {
		msg := fmt.Sprintf("status %d", status)
		var errResp rest.ErrorResponse
		if err := sonic.ConfigStd.Unmarshal(respBody, &errResp); err == nil && errResp.Message != "" {
			msg += ": " + errResp.Message
		}
		if status == fiber.StatusNotFound {
			return fmt.Errorf("%w: %s", ErrNotFound, msg)
		}
		return errors.New(msg)
	}
	if out == nil || len(respBody) == 0 {
		return nil
	}
	if err := sonic.ConfigStd.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return nil
}
