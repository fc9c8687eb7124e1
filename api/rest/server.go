// Package rest provides the REST API of an orchestrator node.
package rest

import (
	"context"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	fiberlogger "github.com/gofiber/fiber/v2/middleware/logger"
	fiberrecover "github.com/gofiber/fiber/v2/middleware/recover"
	"go.uber.org/zap"

	"yqhp/ml-orchestrator/internal/cluster"
	"yqhp/ml-orchestrator/internal/config"
	"yqhp/ml-orchestrator/internal/forward"
	"yqhp/ml-orchestrator/internal/logger"
	"yqhp/ml-orchestrator/internal/model"
	"yqhp/ml-orchestrator/internal/redeploy"
	"yqhp/ml-orchestrator/internal/stats"
	"yqhp/ml-orchestrator/internal/task"
	"yqhp/ml-orchestrator/internal/transport"
)

// Deps are the node services the API exposes.
type Deps struct {
	NodeID     string
	Models     *model.Service
	Tasks      *task.Manager
	Registry   cluster.Registry
	Settings   *config.Settings
	Reconciler *redeploy.Reconciler
	Forward    *forward.Handler
	Transport  transport.Transport
	Stats      *stats.Collector
	// HeartbeatInterval is advertised to joining nodes.
	HeartbeatInterval time.Duration
	Logger            *zap.Logger
}

// Server is the REST API server.
type Server struct {
	app    *fiber.App
	deps   Deps
	config config.ServerConfig
	logger *zap.Logger
}

// NewServer creates a REST API server.
func NewServer(cfg config.ServerConfig, deps Deps) *Server {
	app := fiber.New(fiber.Config{
		ReadTimeout:           cfg.ReadTimeout,
		WriteTimeout:          cfg.WriteTimeout,
		ErrorHandler:          customErrorHandler,
		AppName:               "ML Orchestrator API",
		JSONEncoder:           sonic.Marshal,
		JSONDecoder:           sonic.Unmarshal,
		DisableStartupMessage: true,
	})

	s := &Server{
		app:    app,
		deps:   deps,
		config: cfg,
		logger: logger.Or(deps.Logger, "rest"),
	}
	s.setupMiddleware()
	s.setupRoutes()
	return s
}

func (s *Server) setupMiddleware() {
	s.app.Use(fiberrecover.New(fiberrecover.Config{
		EnableStackTrace: true,
	}))

	s.app.Use(fiberlogger.New(fiberlogger.Config{
		Format:     "${time} | ${status} | ${latency} | ${method} ${path}\n",
		TimeFormat: "2006-01-02 15:04:05",
	}))

	if s.config.EnableCORS {
		s.app.Use(cors.New(cors.Config{
			AllowOrigins: "*",
			AllowMethods: "GET,POST,PUT,DELETE,OPTIONS",
			AllowHeaders: "Origin,Content-Type,Accept",
			MaxAge:       86400,
		}))
	}
}

func (s *Server) setupRoutes() {
	s.app.Get("/health", s.healthCheck)

	api := s.app.Group("/api/v1")
	api.Get("/health", s.healthCheck)

	// 分发入口
	api.Post("/dispatch/register-model", s.registerModel)
	api.Post("/dispatch/upload-model", s.uploadModel)
	api.Post("/dispatch/deploy-model", s.deployModel)
	api.Post("/forward", s.forwardEnvelope)

	api.Post("/models/undeploy", s.undeployModels)
	api.Get("/models/:id", s.getModel)

	api.Get("/tasks", s.listTasks)
	api.Get("/tasks/:id", s.getTask)
	api.Post("/tasks/:id/cancel", s.cancelTask)

	api.Get("/stats/nodes", s.clusterStats)
	api.Get("/stats/local", s.localStats)

	api.Get("/settings", s.getSettings)
	api.Put("/settings", s.updateSettings)

	api.Post("/redeploy", s.triggerRedeploy)

	// 集群成员
	api.Get("/cluster/nodes", s.listNodes)
	api.Post("/cluster/join", s.joinCluster)
	api.Post("/cluster/nodes/:id/heartbeat", s.nodeHeartbeat)
	api.Post("/cluster/nodes/:id/leave", s.leaveCluster)
}

// Start listens on the configured address.
func (s *Server) Start() error {
	return s.app.Listen(s.config.Address)
}

// StartWithContext listens until ctx is done.
func (s *Server) StartWithContext(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.app.Listen(s.config.Address)
	}()

	select {
	case <-ctx.Done():
		return s.Shutdown()
	case err := <-errCh:
		return err
	}
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown() error {
	return s.app.Shutdown()
}

// ShutdownWithTimeout gracefully shuts down the server with a timeout.
func (s *Server) ShutdownWithTimeout(timeout time.Duration) error {
	return s.app.ShutdownWithTimeout(timeout)
}

// App returns the underlying Fiber app.
func (s *Server) App() *fiber.App {
	return s.app
}

func customErrorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	message := "Internal Server Error"
	if e, ok := err.(*fiber.Error); ok {
		code = e.Code
		message = e.Message
	}
	return c.Status(code).JSON(ErrorResponse{
		Error:   errorCode(code),
		Message: message,
	})
}
