package orchestrator

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// SeenStore remembers the content hash last enqueued per document key.
type SeenStore interface {
	// Seen reports whether key was already enqueued with hash.
	Seen(ctx context.Context, key, hash string) (bool, error)
	Mark(ctx context.Context, key, hash string) error
}

// MemorySeen is a process-local SeenStore.
type MemorySeen struct {
	mu     sync.RWMutex
	hashes map[string]string
}

func NewMemorySeen() *MemorySeen {
	return &MemorySeen{hashes: make(map[string]string)}
}

func (m *MemorySeen) Seen(_ context.Context, key, hash string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	h, ok := m.hashes[key]
	return ok && h == hash, nil
}

func (m *MemorySeen) Mark(_ context.Context, key, hash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hashes[key] = hash
	return nil
}

// RedisSeen keeps hashes in Redis so replicas and restarts share them.
type RedisSeen struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

// NewRedisSeen stores one string per key under prefix (default
// "ingest:seen:"). A ttl of 0 keeps entries forever.
func NewRedisSeen(client redis.UniversalClient, prefix string, ttl time.Duration) *RedisSeen {
	if prefix == "" {
		prefix = "ingest:seen:"
	}
	return &RedisSeen{client: client, prefix: prefix, ttl: ttl}
}

func (r *RedisSeen) Seen(ctx context.Context, key, hash string) (bool, error) {
	h, err := r.client.Get(ctx, r.prefix+key).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return h == hash, nil
}

func (r *RedisSeen) Mark(ctx context.Context, key, hash string) error {
	return r.client.Set(ctx, r.prefix+key, hash, r.ttl).Err()
}
