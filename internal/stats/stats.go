// Package stats collects per-node resource and task metrics and gathers
// them across the cluster.
package stats

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"yqhp/ml-orchestrator/internal/breaker"
	"yqhp/ml-orchestrator/internal/logger"
	"yqhp/ml-orchestrator/internal/task"
	"yqhp/ml-orchestrator/internal/transport"
)

// NodeStats is one node's view of its resources and work.
type NodeStats struct {
	NodeID                  string    `json:"node_id"`
	HeapUsedPercent         float64   `json:"jvm_heap_usage,omitempty"`
	NativeMemoryUsedPercent float64   `json:"native_memory_usage,omitempty"`
	DiskFreeBytes           uint64    `json:"disk_free_space,omitempty"`
	OpenBreaker             string    `json:"open_circuit_breaker,omitempty"`
	RunningTasks            int       `json:"running_task_count"`
	DeployedModels          []string  `json:"deployed_models"`
	CollectedAt             time.Time `json:"collected_at"`
	Error                   string    `json:"error,omitempty"`
}

// ModelHost lists the models deployed on the local node.
type ModelHost interface {
	DeployedModels() []string
}

// Collector reads the local node's stats.
type Collector struct {
	nodeID   string
	breakers *breaker.Set
	tasks    *task.Manager
	host     ModelHost
	logger   *zap.Logger

	mu   sync.RWMutex
	last *NodeStats
}

// NewCollector creates a collector. Any of breakers, tasks and host may be
// nil; the corresponding fields stay empty.
func NewCollector(nodeID string, breakers *breaker.Set, tasks *task.Manager, host ModelHost, log *zap.Logger) *Collector {
	return &Collector{
		nodeID:   nodeID,
		breakers: breakers,
		tasks:    tasks,
		host:     host,
		logger:   logger.Or(log, "stats"),
	}
}

// Collect samples the node now.
func (c *Collector) Collect() *NodeStats {
	s := &NodeStats{
		NodeID:         c.nodeID,
		DeployedModels: []string{},
		CollectedAt:    time.Now(),
	}

	if c.breakers != nil {
		s.HeapUsedPercent = c.sample(breaker.MemoryBreakerName)
		s.NativeMemoryUsedPercent = c.sample(breaker.NativeMemoryBreakerName)
		s.DiskFreeBytes = uint64(c.sample(breaker.DiskBreakerName))
		if b := c.breakers.CheckOpen(); b != nil {
			s.OpenBreaker = b.Name()
		}
	}
	if c.tasks != nil {
		s.RunningTasks = c.tasks.RunningTaskCount()
	}
	if c.host != nil {
		s.DeployedModels = append(s.DeployedModels, c.host.DeployedModels()...)
	}
	return s
}

func (c *Collector) sample(name string) float64 {
	b := c.breakers.Get(name)
	if b == nil {
		return 0
	}
	v, err := b.Sample()
	if err != nil {
		c.logger.Debug("sample resource failed", zap.String("breaker", name), zap.Error(err))
		return 0
	}
	return v
}

// Refresh collects and caches a snapshot.
func (c *Collector) Refresh() *NodeStats {
	s := c.Collect()
	c.mu.Lock()
	c.last = s
	c.mu.Unlock()
	return s
}

// Snapshot returns the last cached snapshot, collecting one if none exists.
func (c *Collector) Snapshot() *NodeStats {
	c.mu.RLock()
	s := c.last
	c.mu.RUnlock()
	if s == nil {
		return c.Refresh()
	}
	return s
}

// Register serves the node stats action on t.
func (c *Collector) Register(t transport.Transport) {
	transport.Handle(t, transport.ActionNodeStats,
		func(_ context.Context, _ string, _ *struct{}) (*NodeStats, error) {
			return c.Collect(), nil
		})
}

// Gather asks every node for its stats concurrently. Nodes that fail to
// answer get an entry with Error set. Results are sorted by node id.
func Gather(ctx context.Context, t transport.Transport, nodeIDs []string) []*NodeStats {
	results := make([]*NodeStats, len(nodeIDs))

	var g errgroup.Group
	for i, nodeID := range nodeIDs {
		g.Go(func() error {
			s, err := transport.Invoke[struct{}, NodeStats](ctx, t, nodeID, transport.ActionNodeStats, &struct{}{})
			if err != nil {
				results[i] = &NodeStats{NodeID: nodeID, DeployedModels: []string{}, Error: err.Error()}
				return nil
			}
			s.NodeID = nodeID
			results[i] = s
			return nil
		})
	}
	_ = g.Wait()

	sort.Slice(results, func(i, j int) bool { return results[i].NodeID < results[j].NodeID })
	return results
}
