// Package redis implements store.Store on Redis. Each document is a hash
// whose fields hold JSON-encoded values; a per-index set enumerates ids.
package redis

import (
	"context"
	"errors"
	"fmt"

	"github.com/bytedance/sonic"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"yqhp/ml-orchestrator/internal/config"
	"yqhp/ml-orchestrator/internal/logger"
	"yqhp/ml-orchestrator/internal/store"
)

var _ store.Store = (*Store)(nil)

// Store is a Redis-backed document store.
type Store struct {
	client goredis.UniversalClient
	prefix string
	owned  bool
	logger *zap.Logger
}

// New wraps an existing client. The caller owns the client lifecycle.
func New(client goredis.UniversalClient, prefix string, log *zap.Logger) *Store {
	return &Store{client: client, prefix: prefix, logger: logger.Or(log, "store.redis")}
}

// Open 根据配置创建 Redis 客户端并检查连接
func Open(ctx context.Context, cfg config.RedisConfig, log *zap.Logger) (*Store, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	s := New(client, cfg.KeyPrefix, log)
	s.owned = true
	return s, nil
}

// Put creates or replaces a document.
func (s *Store) Put(ctx context.Context, index, id string, source map[string]any) error {
	values, err := encodeFields(source)
	if err != nil {
		return err
	}
	key := s.docKey(index, id)

	pipe := s.client.TxPipeline()
	pipe.Del(ctx, key)
	if len(values) > 0 {
		pipe.HSet(ctx, key, values)
	}
	pipe.SAdd(ctx, s.idsKey(index), id)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis put %s/%s: %w", index, id, err)
	}
	return nil
}

// Get returns a document.
func (s *Store) Get(ctx context.Context, index, id string) (*store.Document, error) {
	vals, err := s.client.HGetAll(ctx, s.docKey(index, id)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis get %s/%s: %w", index, id, err)
	}
	if len(vals) == 0 {
		return nil, store.ErrNotFound
	}
	src, err := decodeFields(vals)
	if err != nil {
		return nil, err
	}
	return &store.Document{ID: id, Source: src}, nil
}

// Update merges fields into an existing document. The existence check and
// write run under WATCH so a concurrent delete cannot resurrect the key.
func (s *Store) Update(ctx context.Context, index, id string, fields map[string]any) error {
	values, err := encodeFields(fields)
	if err != nil {
		return err
	}
	key := s.docKey(index, id)

	err = s.client.Watch(ctx, func(tx *goredis.Tx) error {
		n, err := tx.Exists(ctx, key).Result()
		if err != nil {
			return err
		}
		if n == 0 {
			return store.ErrNotFound
		}
		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			pipe.HSet(ctx, key, values)
			return nil
		})
		return err
	}, key)
	if errors.Is(err, store.ErrNotFound) {
		return err
	}
	if err != nil {
		return fmt.Errorf("redis update %s/%s: %w", index, id, err)
	}
	return nil
}

// Delete removes a document.
func (s *Store) Delete(ctx context.Context, index, id string) error {
	key := s.docKey(index, id)

	pipe := s.client.TxPipeline()
	del := pipe.Del(ctx, key)
	pipe.SRem(ctx, s.idsKey(index), id)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis delete %s/%s: %w", index, id, err)
	}
	if del.Val() == 0 {
		return store.ErrNotFound
	}
	return nil
}

// Query loads every document of the index in one pipeline and filters in
// process.
func (s *Store) Query(ctx context.Context, index string, q store.Query) ([]*store.Document, error) {
	ids, err := s.client.SMembers(ctx, s.idsKey(index)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis query %s: %w", index, err)
	}

	pipe := s.client.Pipeline()
	cmds := make([]*goredis.MapStringStringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, s.docKey(index, id))
	}
	if len(ids) > 0 {
		if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, goredis.Nil) {
			return nil, fmt.Errorf("redis query %s: %w", index, err)
		}
	}

	docs := make([]*store.Document, 0, len(ids))
	for i, cmd := range cmds {
		vals := cmd.Val()
		if len(vals) == 0 {
			continue
		}
		src, err := decodeFields(vals)
		if err != nil {
			s.logger.Warn("skip undecodable document", zap.String("index", index), zap.String("id", ids[i]), zap.Error(err))
			continue
		}
		docs = append(docs, &store.Document{ID: ids[i], Source: src})
	}
	return store.Run(docs, q), nil
}

// Close closes the client when the store opened it.
func (s *Store) Close() error {
	if s.owned {
		return s.client.Close()
	}
	return nil
}

func encodeFields(fields map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(fields))
	for k, v := range fields {
		data, err := sonic.ConfigStd.MarshalToString(v)
		if err != nil {
			return nil, fmt.Errorf("encode field %s: %w", k, err)
		}
		out[k] = data
	}
	return out, nil
}

func decodeFields(vals map[string]string) (map[string]any, error) {
	out := make(map[string]any, len(vals))
	for k, raw := range vals {
		var v any
		if err := sonic.ConfigStd.UnmarshalFromString(raw, &v); err != nil {
			return nil, fmt.Errorf("decode field %s: %w", k, err)
		}
		out[k] = v
	}
	return out, nil
}
