package internal

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// keyval is the shared TTL'd key-value store backing quota counters, rate
// limit windows, and the L2 payload cache. Implementations must be safe for
// concurrent use.
type keyval interface {
	GetWithTTL(ctx context.Context, key string) (value []byte, ttl time.Duration, ok bool)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error

	// IncrWindow atomically increments a windowed counter, creating it with
	// the window's TTL on first use. The post-increment count and the
	// window's remaining lifetime are returned.
	IncrWindow(ctx context.Context, key string, window time.Duration) (count int64, remaining time.Duration, err error)
}

// redisKV is the production keyval, shared across processes.
type redisKV struct {
	client *redis.Client
}

var _ keyval = (*redisKV)(nil)

// NewRedisKV connects to the shared store and verifies it with a ping.
func NewRedisKV(ctx context.Context, url string) (*redisKV, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	opts.DialTimeout = 3 * time.Second
	opts.ReadTimeout = 2 * time.Second
	opts.WriteTimeout = 2 * time.Second

	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("pinging redis: %w", err)
	}
	return &redisKV{client: client}, nil
}

func (r *redisKV) GetWithTTL(ctx context.Context, key string) ([]byte, time.Duration, bool) {
	pipe := r.client.Pipeline()
	get := pipe.Get(ctx, key)
	ttl := pipe.TTL(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil {
		if !errors.Is(err, redis.Nil) {
			Log(ctx).Debug("kv get failed", "key", key, "err", err)
		}
		return nil, 0, false
	}
	value, err := get.Bytes()
	if err != nil {
		return nil, 0, false
	}
	return value, ttl.Val(), true
}

func (r *redisKV) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return r.client.Set(ctx, key, value, ttl).Err()
}

func (r *redisKV) Delete(ctx context.Context, key string) error {
	return r.client.Del(ctx, key).Err()
}

func (r *redisKV) IncrWindow(ctx context.Context, key string, window time.Duration) (int64, time.Duration, error) {
	pipe := r.client.Pipeline()
	incr := pipe.Incr(ctx, key)
	// NX so only the first increment of a window sets the deadline.
	pipe.ExpireNX(ctx, key, window)
	ttl := pipe.TTL(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, 0, fmt.Errorf("incrementing %q: %w", key, err)
	}
	remaining := ttl.Val()
	if remaining < 0 {
		remaining = window
	}
	return incr.Val(), remaining, nil
}

// Close releases the connection pool.
func (r *redisKV) Close() error {
	return r.client.Close()
}

// memoryKV is an in-process keyval for tests and single-node deployments
// without a shared store.
type memoryKV struct {
	mu      sync.Mutex
	entries map[string]memoryEntry

	// now is swappable so tests can control expiry.
	now func() time.Time
}

type memoryEntry struct {
	value   []byte
	count   int64
	expires time.Time
}

var _ keyval = (*memoryKV)(nil)

func newMemoryKV() *memoryKV {
	return &memoryKV{entries: map[string]memoryEntry{}, now: time.Now}
}

func (m *memoryKV) GetWithTTL(_ context.Context, key string) ([]byte, time.Duration, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[key]
	if !ok || m.now().After(e.expires) {
		delete(m.entries, key)
		return nil, 0, false
	}
	return e.value, e.expires.Sub(m.now()), true
}

func (m *memoryKV) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.entries[key] = memoryEntry{value: value, expires: m.now().Add(ttl)}
	return nil
}

func (m *memoryKV) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.entries, key)
	return nil
}

func (m *memoryKV) IncrWindow(_ context.Context, key string, window time.Duration) (int64, time.Duration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[key]
	if !ok || m.now().After(e.expires) {
		e = memoryEntry{expires: m.now().Add(window)}
	}
	e.count++
	// Mirror redis, which stores counters as stringified integers readable
	// through a plain GET.
	e.value = []byte(strconv.FormatInt(e.count, 10))
	m.entries[key] = e
	return e.count, e.expires.Sub(m.now()), nil
}
