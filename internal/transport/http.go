package transport

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"yqhp/ml-orchestrator/internal/logger"
	"yqhp/ml-orchestrator/pkg/types"
)

const (
	// RoutePrefix is where transport actions are mounted.
	RoutePrefix = "/_transport"
	// HeaderNodeID carries the sending node id.
	HeaderNodeID = "X-ML-Node-ID"
)

// Resolver looks up node addresses.
type Resolver interface {
	GetNode(ctx context.Context, nodeID string) (*types.NodeInfo, error)
}

type errorBody struct {
	Error string `json:"error"`
}

// HTTPTransport sends actions as HTTP POSTs to RoutePrefix/<action> on the
// target node and serves them from a fiber app.
type HTTPTransport struct {
	*Mux
	localID  string
	resolver Resolver
	agent    *fiber.Client
	timeout  time.Duration
	logger   *zap.Logger
}

// NewHTTPTransport creates a transport for the node localID.
func NewHTTPTransport(localID string, resolver Resolver, timeout time.Duration, log *zap.Logger) *HTTPTransport {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPTransport{
		Mux:      NewMux(),
		localID:  localID,
		resolver: resolver,
		agent:    fiber.AcquireClient(),
		timeout:  timeout,
		logger:   logger.Or(log, "transport"),
	}
}

// LocalNodeID returns the id of this node.
func (t *HTTPTransport) LocalNodeID() string { return t.localID }

// Send posts payload to action on nodeID. The local node is served in-process.
func (t *HTTPTransport) Send(ctx context.Context, nodeID, action string, payload []byte) ([]byte, error) {
	if nodeID == t.localID {
		return t.Serve(ctx, t.localID, action, payload)
	}

	node, err := t.resolver.GetNode(ctx, nodeID)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrNodeUnreachable, nodeID, err)
	}
	if node.Address == "" {
		return nil, fmt.Errorf("%w: %s has no address", ErrNodeUnreachable, nodeID)
	}

	timeout := t.timeout
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < timeout {
			timeout = remaining
		}
	}
	if timeout <= 0 {
		return nil, fmt.Errorf("%w: %s: %v", ErrNodeUnreachable, nodeID, context.DeadlineExceeded)
	}

	url := fmt.Sprintf("http://%s%s/%s", node.Address, RoutePrefix, action)
	req := t.agent.Post(url)
	req.Timeout(timeout)
	req.Set(HeaderNodeID, t.localID)
	req.ContentType(fiber.MIMEApplicationJSON)
	req.Body(payload)

	statusCode, body, errs := req.Bytes()
	if len(errs) > 0 {
		t.logger.Warn("transport send failed",
			zap.String("node_id", nodeID),
			zap.String("action", action),
			zap.Error(errs[0]))
		return nil, fmt.Errorf("%w: %s: %v", ErrNodeUnreachable, nodeID, errs[0])
	}

	switch statusCode {
	case fiber.StatusOK:
		return body, nil
	case fiber.StatusNotFound:
		return nil, fmt.Errorf("%w: %s on %s", ErrNoHandler, action, nodeID)
	default:
		var eb errorBody
		if err := sonic.ConfigStd.Unmarshal(body, &eb); err != nil || eb.Error == "" {
			eb.Error = fmt.Sprintf("status %d", statusCode)
		}
		return nil, fmt.Errorf("%w: %s on %s: %s", ErrRemote, action, nodeID, eb.Error)
	}
}

// Mount serves transport actions on app.
func (t *HTTPTransport) Mount(app *fiber.App) {
	app.Post(RoutePrefix+"/+", t.serveHTTP)
}

func (t *HTTPTransport) serveHTTP(c *fiber.Ctx) error {
	action := c.Params("+")
	from := c.Get(HeaderNodeID)
	reply, err := t.Serve(c.UserContext(), from, action, c.Body())
	if err != nil {
		status := fiber.StatusInternalServerError
		if errors.Is(err, ErrNoHandler) {
			status = fiber.StatusNotFound
		}
		t.logger.Debug("transport action failed",
			zap.String("action", action),
			zap.String("from", from),
			zap.Error(err))
		return c.Status(status).JSON(errorBody{Error: err.Error()})
	}
	c.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
	return c.Send(reply)
}
