package node

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"yqhp/ml-orchestrator/internal/config"
	"yqhp/ml-orchestrator/internal/store"
	"yqhp/ml-orchestrator/internal/store/gormstore"
	"yqhp/ml-orchestrator/internal/store/memory"
	"yqhp/ml-orchestrator/internal/store/redis"
)

// Store drivers.
const (
	DriverMemory   = "memory"
	DriverRedis    = "redis"
	DriverMySQL    = "mysql"
	DriverPostgres = "postgres"
)

// OpenStore opens the document store selected by cfg.Driver.
func OpenStore(ctx context.Context, cfg config.StoreConfig, log *zap.Logger) (store.Store, error) {
	switch cfg.Driver {
	case "", DriverMemory:
		return memory.New(), nil
	case DriverRedis:
		return redis.Open(ctx, cfg.Redis, log)
	case DriverMySQL, DriverPostgres:
		return gormstore.Open(cfg.Driver, cfg.Database, log)
	default:
		return nil, fmt.Errorf("unknown store driver: %s", cfg.Driver)
	}
}
