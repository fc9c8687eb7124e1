// Package pool provides fixed-size goroutine pools per operation category
// and panic-safe goroutine helpers.
package pool

import (
	"fmt"
	"runtime/debug"

	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"

	"yqhp/ml-orchestrator/internal/config"
	"yqhp/ml-orchestrator/internal/logger"
)

// Pool is a named ants pool whose task panics are logged, not propagated.
type Pool struct {
	name string
	p    *ants.Pool
}

// New creates a pool with size workers.
func New(name string, size int, log *zap.Logger) (*Pool, error) {
	log = logger.Or(log, "pool")
	p, err := ants.NewPool(size, ants.WithPanicHandler(func(r any) {
		log.Error("pool task panic recovered",
			zap.String("pool", name),
			zap.Any("panic", r),
			zap.ByteString("stack", debug.Stack()))
	}))
	if err != nil {
		return nil, fmt.Errorf("create pool %s: %w", name, err)
	}
	return &Pool{name: name, p: p}, nil
}

// Submit runs fn on the pool, blocking while all workers are busy.
func (p *Pool) Submit(fn func()) error {
	if err := p.p.Submit(fn); err != nil {
		return fmt.Errorf("submit to pool %s: %w", p.name, err)
	}
	return nil
}

// Running returns the number of busy workers.
func (p *Pool) Running() int { return p.p.Running() }

// Name returns the pool name.
func (p *Pool) Name() string { return p.name }

// Release stops the pool.
func (p *Pool) Release() { p.p.Release() }

// Pools groups the per-category pools of a node.
type Pools struct {
	General  *Pool
	Register *Pool
	Deploy   *Pool
	Upload   *Pool
}

// NewPools creates every category pool.
func NewPools(cfg config.PoolConfig, log *zap.Logger) (*Pools, error) {
	var (
		ps  Pools
		err error
	)
	if ps.General, err = New("general", cfg.General, log); err != nil {
		return nil, err
	}
	if ps.Register, err = New("register", cfg.Register, log); err != nil {
		ps.Release()
		return nil, err
	}
	if ps.Deploy, err = New("deploy", cfg.Deploy, log); err != nil {
		ps.Release()
		return nil, err
	}
	if ps.Upload, err = New("upload", cfg.Upload, log); err != nil {
		ps.Release()
		return nil, err
	}
	return &ps, nil
}

// Release stops every pool that was created.
func (ps *Pools) Release() {
	for _, p := range []*Pool{ps.General, ps.Register, ps.Deploy, ps.Upload} {
		if p != nil {
			p.Release()
		}
	}
}

// SafeGo 安全地启动一个带名称的 goroutine，panic 时记录日志
func SafeGo(log *zap.Logger, name string, fn func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				logger.Or(log, "pool").Error("goroutine panic recovered",
					zap.String("goroutine", name),
					zap.Any("panic", r),
					zap.ByteString("stack", debug.Stack()))
			}
		}()
		fn()
	}()
}
