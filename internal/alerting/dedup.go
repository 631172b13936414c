package alerting

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// DedupStore decides whether an alert key has been seen within the
// dedup window. Implementations must be safe for concurrent use.
type DedupStore interface {
	// First reports whether key is the first occurrence within the
	// window. A true result also records the occurrence.
	First(ctx context.Context, key string, window time.Duration) (bool, error)
	Close() error
}

// MemoryDedup is a process-local dedup store.
type MemoryDedup struct {
	mu   sync.Mutex
	seen map[string]time.Time
}

// NewMemoryDedup returns an empty in-memory store.
func NewMemoryDedup() *MemoryDedup {
	return &MemoryDedup{seen: make(map[string]time.Time)}
}

// First implements DedupStore. Expired entries are pruned lazily on
// access so the map does not grow with dead keys.
func (m *MemoryDedup) First(_ context.Context, key string, window time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()

	if last, ok := m.seen[key]; ok && now.Sub(last) < window {
		return false, nil
	}
	m.seen[key] = now

	if len(m.seen) > 4096 {
		for k, t := range m.seen {
			if now.Sub(t) >= window {
				delete(m.seen, k)
			}
		}
	}

	return true, nil
}

// Close implements DedupStore.
func (m *MemoryDedup) Close() error {
	return nil
}

const redisDedupPrefix = "logwarden:alert:dedup:"

// RedisDedup shares dedup state across replicas through Redis.
type RedisDedup struct {
	client *redis.Client
}

// NewRedisDedup connects a dedup store to Redis.
func NewRedisDedup(addr, password string, db int) *RedisDedup {
	return &RedisDedup{
		client: redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: password,
			DB:       db,
		}),
	}
}

// First implements DedupStore with SET NX PX: the set succeeds only
// for the first writer inside the window, and the key expires on its
// own.
func (r *RedisDedup) First(ctx context.Context, key string, window time.Duration) (bool, error) {
	return r.client.SetNX(ctx, redisDedupPrefix+key, 1, window).Result()
}

// Ping checks the Redis connection.
func (r *RedisDedup) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close implements DedupStore.
func (r *RedisDedup) Close() error {
	return r.client.Close()
}
