package embedding

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"math"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/nidhogg/nuka-rag/internal/metrics"
)

// Cache stores query embeddings. Implementations must be safe for
// concurrent use and treat failures as misses.
type Cache interface {
	Get(ctx context.Context, key string) ([]float32, bool)
	Set(ctx context.Context, key string, value []float32)
}

func cacheKey(model, text string) string {
	sum := sha256.Sum256([]byte(model + "\x00" + text))
	return hex.EncodeToString(sum[:])
}

// MemoryCache is an in-process LRU.
type MemoryCache struct {
	cache *lru.Cache[string, []float32]
}

func NewMemoryCache(size int) *MemoryCache {
	if size <= 0 {
		size = 512
	}
	c, err := lru.New[string, []float32](size)
	if err != nil {
		// only fails on a non-positive size
		c, _ = lru.New[string, []float32](512)
	}
	return &MemoryCache{cache: c}
}

func (c *MemoryCache) Get(_ context.Context, key string) ([]float32, bool) {
	return c.cache.Get(key)
}

func (c *MemoryCache) Set(_ context.Context, key string, value []float32) {
	c.cache.Add(key, value)
}

// RedisCache shares query embeddings across instances. Failed writes are
// counted and skipped.
type RedisCache struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	logger *zap.Logger
}

func NewRedisCache(client *redis.Client, prefix string, ttl time.Duration, logger *zap.Logger) *RedisCache {
	return &RedisCache{client: client, prefix: prefix, ttl: ttl, logger: logger.Named("embedding_cache")}
}

func (c *RedisCache) Get(ctx context.Context, key string) ([]float32, bool) {
	data, err := c.client.Get(ctx, c.prefix+key).Bytes()
	if err != nil || len(data)%4 != 0 {
		return nil, false
	}
	embedding := make([]float32, len(data)/4)
	for i := range embedding {
		embedding[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
	}
	return embedding, true
}

func (c *RedisCache) Set(ctx context.Context, key string, value []float32) {
	data := make([]byte, len(value)*4)
	for i, f := range value {
		binary.LittleEndian.PutUint32(data[i*4:], math.Float32bits(f))
	}
	if err := c.client.Set(ctx, c.prefix+key, data, c.ttl).Err(); err != nil {
		metrics.RecordCacheWriteError("embedding_l2")
		c.logger.Debug("Embedding cache write failed", zap.String("key", key), zap.Error(err))
	}
}

// Tiered checks an in-process cache before a shared one and backfills the
// first tier on a second-tier hit.
type Tiered struct {
	L1 Cache
	L2 Cache
}

func (t Tiered) Get(ctx context.Context, key string) ([]float32, bool) {
	if v, ok := t.L1.Get(ctx, key); ok {
		metrics.RecordCacheHit("embedding_l1")
		return v, true
	}
	metrics.RecordCacheMiss("embedding_l1")
	if t.L2 == nil {
		return nil, false
	}
	v, ok := t.L2.Get(ctx, key)
	if !ok {
		metrics.RecordCacheMiss("embedding_l2")
		return nil, false
	}
	metrics.RecordCacheHit("embedding_l2")
	t.L1.Set(ctx, key, v)
	return v, true
}

func (t Tiered) Set(ctx context.Context, key string, value []float32) {
	t.L1.Set(ctx, key, value)
	if t.L2 != nil {
		t.L2.Set(ctx, key, value)
	}
}
