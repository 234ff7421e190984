// Package locks provides the per-order single-flight guard. At most one
// processing run per order id may be in flight; a second entry attempt is
// a no-op for the caller. Acquisition is scoped: the release func must be
// deferred so the slot is freed on every exit path.
package locks

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Registry hands out per-key processing slots.
type Registry interface {
	// TryAcquire reserves the key. acquired=false means another run holds
	// it and the caller must back off without error. The release func is
	// non-nil only when acquired and may be called exactly once.
	TryAcquire(ctx context.Context, key string) (acquired bool, release func(), err error)
}

// MemoryRegistry is the in-process guard used by single-replica deployments
// and tests. Its key set is empty once every holder has released.
type MemoryRegistry struct {
	mu    sync.Mutex
	inUse map[string]struct{}
}

// NewMemoryRegistry constructs an empty in-process registry.
func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{inUse: make(map[string]struct{})}
}

// TryAcquire implements Registry.
func (r *MemoryRegistry) TryAcquire(_ context.Context, key string) (bool, func(), error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, held := r.inUse[key]; held {
		return false, nil, nil
	}
	r.inUse[key] = struct{}{}

	var once sync.Once
	release := func() {
		once.Do(func() {
			r.mu.Lock()
			delete(r.inUse, key)
			r.mu.Unlock()
		})
	}
	return true, release, nil
}

// Held reports whether the key currently has a holder. Test helper.
func (r *MemoryRegistry) Held(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, held := r.inUse[key]
	return held
}

// Len returns the number of held keys. Test helper.
func (r *MemoryRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.inUse)
}

const defaultLockTTL = 10 * time.Minute

// RedisRegistry coordinates the guard across replicas with SET NX locks.
// The TTL bounds how long a crashed holder can block an order.
type RedisRegistry struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// RedisRegistryOption customises the registry.
type RedisRegistryOption func(*RedisRegistry)

// WithLockTTL overrides the lock expiry applied to acquired keys.
func WithLockTTL(ttl time.Duration) RedisRegistryOption {
	return func(r *RedisRegistry) {
		if ttl > 0 {
			r.ttl = ttl
		}
	}
}

// NewRedisRegistry constructs a registry over the supplied client.
func NewRedisRegistry(client *redis.Client, prefix string, opts ...RedisRegistryOption) *RedisRegistry {
	reg := &RedisRegistry{
		client: client,
		prefix: prefix,
		ttl:    defaultLockTTL,
	}
	for _, opt := range opts {
		opt(reg)
	}
	return reg
}

// TryAcquire implements Registry.
func (r *RedisRegistry) TryAcquire(ctx context.Context, key string) (bool, func(), error) {
	lockKey := r.prefix + ":" + key
	ok, err := r.client.SetNX(ctx, lockKey, "1", r.ttl).Result()
	if err != nil {
		return false, nil, err
	}
	if !ok {
		return false, nil, nil
	}

	var once sync.Once
	release := func() {
		once.Do(func() {
			// Release must not inherit the run's cancellation.
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = r.client.Del(ctx, lockKey).Err()
		})
	}
	return true, release, nil
}
