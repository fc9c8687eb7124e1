// Package node wires the orchestrator components of one cluster node and
// runs its background jobs.
package node

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"yqhp/ml-orchestrator/api/rest"
	"yqhp/ml-orchestrator/api/rest/client"
	"yqhp/ml-orchestrator/internal/breaker"
	"yqhp/ml-orchestrator/internal/cluster"
	"yqhp/ml-orchestrator/internal/config"
	"yqhp/ml-orchestrator/internal/dispatch"
	"yqhp/ml-orchestrator/internal/forward"
	"yqhp/ml-orchestrator/internal/logger"
	"yqhp/ml-orchestrator/internal/model"
	"yqhp/ml-orchestrator/internal/pool"
	"yqhp/ml-orchestrator/internal/redeploy"
	"yqhp/ml-orchestrator/internal/stats"
	"yqhp/ml-orchestrator/internal/store"
	"yqhp/ml-orchestrator/internal/task"
	"yqhp/ml-orchestrator/internal/transport"
	"yqhp/ml-orchestrator/internal/worker"
	"yqhp/ml-orchestrator/pkg/types"
)

// Node is a running orchestrator node.
type Node struct {
	cfg    *config.Config
	info   *types.NodeInfo
	logger *zap.Logger

	settings   *config.Settings
	store      store.Store
	registry   *cluster.InMemoryRegistry
	breakers   *breaker.Set
	pools      *pool.Pools
	tasks      *task.Manager
	transport  *transport.HTTPTransport
	worker     *worker.Runtime
	models     *model.Service
	reconciler *redeploy.Reconciler
	stats      *stats.Collector
	server     *rest.Server
	scheduler  gocron.Scheduler
	manager    *client.Client

	ctx    context.Context
	cancel context.CancelFunc

	redeployOnce sync.Once
	joined       bool
	mu           sync.Mutex
}

// New builds a node from cfg. executor runs model operations on this
// node; nil accepts everything without doing work.
func New(ctx context.Context, cfg *config.Config, executor worker.Executor, log *zap.Logger) (*Node, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	log = logger.Or(log, "node")

	info := nodeInfo(cfg)
	log = log.With(zap.String("node_id", info.ID))

	st, err := OpenStore(ctx, cfg.Store, log)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	pools, err := pool.NewPools(cfg.Pool, log)
	if err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("create pools: %w", err)
	}
	scheduler, err := gocron.NewScheduler()
	if err != nil {
		pools.Release()
		_ = st.Close()
		return nil, fmt.Errorf("create scheduler: %w", err)
	}

	n := &Node{
		cfg:       cfg,
		info:      info,
		logger:    log,
		settings:  config.NewSettings(cfg.ML, log),
		store:     st,
		registry:  cluster.NewInMemoryRegistry(info.ID, cfg.Cluster.ClusterManager),
		pools:     pools,
		scheduler: scheduler,
	}
	n.ctx, n.cancel = context.WithCancel(context.Background())

	if err := n.registry.Join(ctx, info); err != nil {
		n.abort()
		return nil, err
	}

	n.breakers = breaker.NewDefaultSet(n.settings, log)
	n.tasks = task.NewManager(st, n.settings, pools.General, log)
	n.transport = transport.NewHTTPTransport(info.ID, n.registry, cfg.Cluster.RPCTimeout, log)

	eligibility := cluster.NewEligibility(n.registry, n.settings)
	n.worker = worker.NewRuntime(n.transport, n.tasks, n.breakers, pools, executor, n.settings, log)
	fwd := forward.NewHandler(n.tasks, n.worker, log)
	fwd.Register(n.transport)
	n.stats = stats.NewCollector(info.ID, n.breakers, n.tasks, n.worker, log)
	n.stats.Register(n.transport)

	n.models = model.NewService(model.Deps{
		Transport:   n.transport,
		Store:       st,
		Tasks:       n.tasks,
		Registry:    n.registry,
		Eligibility: eligibility,
		Dispatcher:  dispatch.New(info.ID, n.registry, eligibility, n.settings, nil, log),
		Breakers:    n.breakers,
		Settings:    n.settings,
		Logger:      log,
	})
	n.reconciler = redeploy.New(st, n.models, n.settings, n.isLeader, eligibility.DataOnlyNodeIDs, log)
	n.reconciler.SetIdleHook(n.startRedeployJob)
	if err := n.settings.OnUpdate(config.KeyOnlyRunOnMLNode, n.reconciler.OnlyRunOnMLNodeConsumer(n.ctx)); err != nil {
		n.abort()
		return nil, err
	}

	n.server = rest.NewServer(cfg.Server, rest.Deps{
		NodeID:            info.ID,
		Models:            n.models,
		Tasks:             n.tasks,
		Registry:          n.registry,
		Settings:          n.settings,
		Reconciler:        n.reconciler,
		Forward:           fwd,
		Transport:         n.transport,
		Stats:             n.stats,
		HeartbeatInterval: cfg.Cluster.HeartbeatInterval,
		Logger:            log,
	})
	n.transport.Mount(n.server.App())

	if cfg.Node.JoinAddr != "" {
		n.manager = client.New(cfg.Node.JoinAddr, cfg.Cluster.RPCTimeout)
	}
	return n, nil
}

func nodeInfo(cfg *config.Config) *types.NodeInfo {
	id := cfg.Node.ID
	if id == "" {
		id = fmt.Sprintf("node-%s", uuid.New().String()[:8])
	}
	name := cfg.Node.Name
	if name == "" {
		name = id
	}
	addr := cfg.Node.Address
	if addr == "" {
		addr = cfg.Server.Address
		if strings.HasPrefix(addr, ":") {
			addr = "127.0.0.1" + addr
		}
	}
	roles := make([]types.NodeRole, 0, len(cfg.Node.Roles))
	for _, r := range cfg.Node.Roles {
		roles = append(roles, types.NodeRole(r))
	}
	return &types.NodeInfo{
		ID:      id,
		Name:    name,
		Address: addr,
		Roles:   roles,
		Labels:  cfg.Node.Labels,
	}
}

// Info returns the local node's registration.
func (n *Node) Info() *types.NodeInfo { return n.info }

// Server returns the REST server.
func (n *Node) Server() *rest.Server { return n.server }

// Settings returns the live settings.
func (n *Node) Settings() *config.Settings { return n.settings }

func (n *Node) isLeader() bool {
	return n.registry.ClusterManager(context.Background()) == n.info.ID
}

// Start serves the REST API, joins the cluster and starts background jobs.
func (n *Node) Start(ctx context.Context) error {
	events, err := n.registry.WatchNodes(n.ctx)
	if err != nil {
		return fmt.Errorf("watch nodes: %w", err)
	}
	pool.SafeGo(n.logger, "membership", func() { n.watchMembership(n.ctx, events) })

	pool.SafeGo(n.logger, "rest-server", func() {
		if err := n.server.Start(); err != nil {
			n.logger.Error("REST server stopped", zap.Error(err))
		}
	})

	if err := n.scheduleJobs(); err != nil {
		return err
	}
	n.scheduler.Start()

	if n.manager != nil {
		if err := n.join(ctx); err != nil {
			n.logger.Warn("join cluster failed, retrying with heartbeats", zap.Error(err))
		}
	}

	if n.isLeader() {
		online, _ := n.registry.OnlineNodes(ctx)
		added := cluster.NodeIDs(online)
		pool.SafeGo(n.logger, "auto-redeploy", func() {
			_ = n.reconciler.BuildArrangements(n.ctx, added)
		})
	} else {
		n.startRedeployJob()
	}

	n.logger.Info("node started",
		zap.String("address", n.info.Address),
		zap.Bool("cluster_manager", n.isLeader()))
	return nil
}

func (n *Node) scheduleJobs() error {
	cc := n.cfg.Cluster
	if _, err := n.scheduler.NewJob(
		gocron.DurationJob(cc.HeartbeatInterval),
		gocron.NewTask(func() {
			if reaped := n.registry.ReapStale(n.ctx, cc.HeartbeatTimeout); len(reaped) > 0 {
				n.logger.Warn("nodes missed heartbeat", zap.Strings("node_ids", reaped))
			}
		}),
		gocron.WithName("reap-stale-nodes"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	); err != nil {
		return fmt.Errorf("schedule reaper: %w", err)
	}

	if _, err := n.scheduler.NewJob(
		gocron.DurationJob(cc.HeartbeatInterval),
		gocron.NewTask(func() { n.stats.Refresh() }),
		gocron.WithName("stats-snapshot"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	); err != nil {
		return fmt.Errorf("schedule stats snapshot: %w", err)
	}

	if n.manager != nil {
		if _, err := n.scheduler.NewJob(
			gocron.DurationJob(cc.HeartbeatInterval),
			gocron.NewTask(n.heartbeat),
			gocron.WithName("heartbeat"),
			gocron.WithSingletonMode(gocron.LimitModeReschedule),
		); err != nil {
			return fmt.Errorf("schedule heartbeat: %w", err)
		}
	}
	return nil
}

// startRedeployJob schedules the periodic arrangement drain. It runs once
// the reconciler first goes idle.
func (n *Node) startRedeployJob() {
	n.redeployOnce.Do(func() {
		_, err := n.scheduler.NewJob(
			gocron.DurationJob(n.cfg.Cluster.RedeployInterval),
			gocron.NewTask(func() { n.reconciler.Drain(n.ctx) }),
			gocron.WithName("auto-redeploy-drain"),
			gocron.WithSingletonMode(gocron.LimitModeReschedule),
		)
		if err != nil {
			n.logger.Error("schedule auto redeploy drain failed", zap.Error(err))
			return
		}
		n.logger.Debug("auto redeploy drain job started")
	})
}

func (n *Node) join(ctx context.Context) error {
	resp, err := n.manager.Join(ctx, n.info)
	if err != nil {
		return err
	}
	syncMembership(ctx, n.registry, n.info.ID, &resp.ClusterView, n.logger)
	n.mu.Lock()
	n.joined = true
	n.mu.Unlock()
	n.logger.Info("joined cluster",
		zap.String("cluster_manager", resp.ClusterManager),
		zap.Int("nodes", len(resp.Nodes)))
	return nil
}

func (n *Node) heartbeat() {
	n.mu.Lock()
	joined := n.joined
	n.mu.Unlock()
	if !joined {
		if err := n.join(n.ctx); err != nil {
			n.logger.Debug("join cluster failed", zap.Error(err))
		}
		return
	}

	view, err := n.manager.Heartbeat(n.ctx, n.info.ID, n.tasks.RunningTaskCount())
	if err != nil {
		n.logger.Warn("heartbeat failed", zap.Error(err))
		if errors.Is(err, client.ErrNotFound) {
			n.mu.Lock()
			n.joined = false
			n.mu.Unlock()
		}
		return
	}
	syncMembership(n.ctx, n.registry, n.info.ID, view, n.logger)
}

// Stop leaves the cluster and releases every resource.
func (n *Node) Stop(ctx context.Context) error {
	var errs []error
	if err := n.scheduler.Shutdown(); err != nil {
		errs = append(errs, fmt.Errorf("stop scheduler: %w", err))
	}
	if n.manager != nil {
		if err := n.manager.Leave(ctx, n.info.ID); err != nil {
			n.logger.Warn("leave cluster failed", zap.Error(err))
		}
	}

	timeout := 10 * time.Second
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
	}
	if err := n.server.ShutdownWithTimeout(timeout); err != nil {
		errs = append(errs, fmt.Errorf("stop server: %w", err))
	}
	n.release()
	n.logger.Info("node stopped")
	return errors.Join(errs...)
}

func (n *Node) abort() {
	_ = n.scheduler.Shutdown()
	n.release()
}

func (n *Node) release() {
	n.cancel()
	n.pools.Release()
	if err := n.store.Close(); err != nil {
		n.logger.Warn("close store failed", zap.Error(err))
	}
}
