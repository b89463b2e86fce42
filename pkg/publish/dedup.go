package publish

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
)

// DedupCache maps local content keys to the CID the network returned, so
// identical bytes are uploaded once.
type DedupCache interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key string, cid string) error
}

// MemoryDedup is a process-local DedupCache.
type MemoryDedup struct {
	mu   sync.RWMutex
	cids map[string]string
}

// NewMemoryDedup returns an empty cache.
func NewMemoryDedup() *MemoryDedup {
	return &MemoryDedup{cids: make(map[string]string)}
}

func (m *MemoryDedup) Get(_ context.Context, key string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.cids[key]
	return c, ok, nil
}

func (m *MemoryDedup) Set(_ context.Context, key string, cid string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cids[key] = cid
	return nil
}

// RedisDedup shares the cache between replicas.
type RedisDedup struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisDedup stores keys as prefix+contentKey. Prefix defaults to
// "ingest:cid:".
func NewRedisDedup(client redis.UniversalClient, prefix string) *RedisDedup {
	if prefix == "" {
		prefix = "ingest:cid:"
	}
	return &RedisDedup{client: client, prefix: prefix}
}

func (r *RedisDedup) Get(ctx context.Context, key string) (string, bool, error) {
	c, err := r.client.Get(ctx, r.prefix+key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("dedup lookup failed: %w", err)
	}
	return c, true, nil
}

func (r *RedisDedup) Set(ctx context.Context, key string, cid string) error {
	if err := r.client.Set(ctx, r.prefix+key, cid, 0).Err(); err != nil {
		return fmt.Errorf("dedup store failed: %w", err)
	}
	return nil
}
