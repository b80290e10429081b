package internal

import (
	"context"
	"fmt"
	"time"

	"github.com/dgraph-io/ristretto"
	gocache "github.com/eko/gocache/lib/v4/cache"
	gstore "github.com/eko/gocache/lib/v4/store"
	ristretto_store "github.com/eko/gocache/store/ristretto/v4"
	"github.com/klauspost/compress/zstd"
)

// cache is a TTL'd cache for serialized payloads. At worst lookups are O(1)
// round trips; the request path never blocks on anything slower.
type cache[T any] interface {
	Get(ctx context.Context, key string) (T, bool)
	GetWithTTL(ctx context.Context, key string) (T, time.Duration, bool)
	Set(ctx context.Context, key string, value T, ttl time.Duration)
	Delete(ctx context.Context, key string) error
	Expire(ctx context.Context, key string) error
}

// layeredcache fronts the shared KV with an in-memory ristretto layer.
// Payloads are zstd-compressed before they hit the shared store; the local
// layer holds them uncompressed.
type layeredcache struct {
	local   *gocache.Cache[[]byte]
	shared  keyval
	enc     *zstd.Encoder
	dec     *zstd.Decoder
	metrics CacheMetrics
}

var _ cache[[]byte] = (*layeredcache)(nil)

// NewCache builds the layered payload cache. The shared layer may be nil, in
// which case only the in-memory layer is used.
func NewCache(shared keyval, metrics CacheMetrics) (*layeredcache, error) {
	rc, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 1_000_000,
		MaxCost:     512 << 20, // 512MiB of hot payloads.
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("building local cache: %w", err)
	}

	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, err
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, err
	}

	if metrics == nil {
		metrics = &noCacheMetrics{}
	}

	return &layeredcache{
		local:   gocache.New[[]byte](ristretto_store.NewRistretto(rc)),
		shared:  shared,
		enc:     enc,
		dec:     dec,
		metrics: metrics,
	}, nil
}

func (c *layeredcache) Get(ctx context.Context, key string) ([]byte, bool) {
	value, _, ok := c.GetWithTTL(ctx, key)
	return value, ok
}

func (c *layeredcache) GetWithTTL(ctx context.Context, key string) ([]byte, time.Duration, bool) {
	if value, ttl, err := c.local.GetWithTTL(ctx, key); err == nil {
		c.metrics.CacheHitInc()
		return value, ttl, true
	}

	if c.shared != nil {
		compressed, ttl, ok := c.shared.GetWithTTL(ctx, key)
		if ok {
			value, err := c.dec.DecodeAll(compressed, nil)
			if err != nil {
				Log(ctx).Warn("dropping corrupt cache entry", "key", key, "err", err)
				_ = c.shared.Delete(ctx, key)
				c.metrics.CacheMissInc()
				return nil, 0, false
			}
			// Re-warm the local layer for the remaining lifetime.
			_ = c.local.Set(ctx, key, value, gstore.WithExpiration(ttl), gstore.WithCost(int64(len(value))))
			c.metrics.CacheHitInc()
			return value, ttl, true
		}
	}

	c.metrics.CacheMissInc()
	return nil, 0, false
}

func (c *layeredcache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) {
	_ = c.local.Set(ctx, key, value, gstore.WithExpiration(ttl), gstore.WithCost(int64(len(value))))
	if c.shared != nil {
		if err := c.shared.Set(ctx, key, c.enc.EncodeAll(value, nil), ttl); err != nil {
			Log(ctx).Debug("shared cache set failed", "key", key, "err", err)
		}
	}
}

func (c *layeredcache) Delete(ctx context.Context, key string) error {
	_ = c.local.Delete(ctx, key)
	if c.shared != nil {
		return c.shared.Delete(ctx, key)
	}
	return nil
}

// Expire drops a key so the next read refreshes it.
func (c *layeredcache) Expire(ctx context.Context, key string) error {
	return c.Delete(ctx, key)
}

func editionCacheKey(isbn ISBN) string {
	return "e" + string(isbn.ISBN13())
}

func bibliographyCacheKey(normalizedName string) string {
	return "bib" + normalizedName
}
