//go:build integration

package bus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"
	"go.uber.org/zap"

	"github.com/nidhogg/nuka-rag/internal/embedding"
	"github.com/nidhogg/nuka-rag/internal/registry"
)

type recordingInvalidator struct {
	mu     sync.Mutex
	events []Event
}

func (r *recordingInvalidator) Invalidate(kind registry.CacheKind, key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, Event{Kind: kind, Key: key})
}

func (r *recordingInvalidator) seen() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

func startRedis(t *testing.T) *redis.Client {
	t.Helper()
	ctx := context.Background()
	container, err := tcredis.Run(ctx, "redis:7-alpine")
	require.NoError(t, err)
	t.Cleanup(func() { container.Terminate(ctx) })

	endpoint, err := container.Endpoint(ctx, "")
	require.NoError(t, err)
	rdb := redis.NewClient(&redis.Options{Addr: endpoint})
	t.Cleanup(func() { rdb.Close() })
	return rdb
}

func TestPublishedEventsReachSubscribers(t *testing.T) {
	rdb := startRedis(t)
	b := New(rdb, "test:invalidate", zap.NewNop())
	inv := &recordingInvalidator{}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		b.Run(ctx, inv)
		close(done)
	}()

	// subscription starts at "$"; give XREAD time to block first
	time.Sleep(300 * time.Millisecond)
	require.NoError(t, b.Publish(ctx, Event{Kind: registry.CacheModel, Key: "chat-large"}))
	require.NoError(t, b.Publish(ctx, Event{Kind: registry.CacheAll}))

	require.Eventually(t, func() bool { return len(inv.seen()) == 2 }, 5*time.Second, 20*time.Millisecond)
	got := inv.seen()
	assert.Equal(t, Event{Kind: registry.CacheModel, Key: "chat-large"}, got[0])
	assert.Equal(t, registry.CacheAll, got[1].Kind)

	cancel()
	<-done
}

func TestRedisEmbeddingCache(t *testing.T) {
	rdb := startRedis(t)
	cache := embedding.NewRedisCache(rdb, "test:emb:", time.Minute, zap.NewNop())
	ctx := context.Background()

	_, ok := cache.Get(ctx, "k")
	assert.False(t, ok)

	cache.Set(ctx, "k", []float32{0.25, -1, 3})
	got, ok := cache.Get(ctx, "k")
	require.True(t, ok)
	assert.Equal(t, []float32{0.25, -1, 3}, got)
}
