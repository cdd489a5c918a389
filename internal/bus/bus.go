// Package bus carries registry invalidation events over Redis Streams so
// every replica drops stale provider and model entries.
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/nidhogg/nuka-rag/internal/registry"
)

const DefaultStream = "nuka:registry:invalidate"

// Event names the cache entries to drop. An empty Key drops every entry of
// Kind; an empty Kind drops everything.
type Event struct {
	Kind      registry.CacheKind `json:"kind,omitempty"`
	Key       string             `json:"key,omitempty"`
	Source    string             `json:"source,omitempty"`
	Timestamp time.Time          `json:"timestamp"`
}

// Invalidator drops registry cache entries.
type Invalidator interface {
	Invalidate(kind registry.CacheKind, key string)
}

// Bus publishes and consumes invalidation events.
type Bus struct {
	rdb    *redis.Client
	stream string
	logger *zap.Logger
}

// New wraps an existing Redis client.
func New(rdb *redis.Client, stream string, logger *zap.Logger) *Bus {
	if stream == "" {
		stream = DefaultStream
	}
	return &Bus{rdb: rdb, stream: stream, logger: logger.Named("bus")}
}

// Publish appends an event to the stream.
func (b *Bus) Publish(ctx context.Context, ev Event) error {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	_, err = b.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: b.stream,
		MaxLen: 10000,
		Approx: true,
		Values: map[string]any{"data": string(data)},
	}).Result()
	if err != nil {
		return fmt.Errorf("publish to %s: %w", b.stream, err)
	}
	b.logger.Debug("Published invalidation",
		zap.String("kind", string(ev.Kind)),
		zap.String("key", ev.Key))
	return nil
}

// Subscribe reads events published after the call. The channel closes when
// ctx is done.
func (b *Bus) Subscribe(ctx context.Context) <-chan Event {
	ch := make(chan Event, 16)

	go func() {
		defer close(ch)
		lastID := "$"

		for {
			if ctx.Err() != nil {
				return
			}

			results, err := b.rdb.XRead(ctx, &redis.XReadArgs{
				Streams: []string{b.stream, lastID},
				Count:   10,
				Block:   2 * time.Second,
			}).Result()
			if err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					return
				}
				if !errors.Is(err, redis.Nil) {
					b.logger.Warn("Read invalidation stream", zap.Error(err))
					select {
					case <-ctx.Done():
						return
					case <-time.After(time.Second):
					}
				}
				continue
			}

			for _, r := range results {
				for _, msg := range r.Messages {
					lastID = msg.ID
					data, ok := msg.Values["data"].(string)
					if !ok {
						continue
					}
					var ev Event
					if err := json.Unmarshal([]byte(data), &ev); err != nil {
						b.logger.Warn("Skip malformed invalidation", zap.String("id", msg.ID), zap.Error(err))
						continue
					}
					select {
					case ch <- ev:
					case <-ctx.Done():
						return
					}
				}
			}
		}
	}()

	return ch
}

// Run applies every received event to inv until ctx is done.
func (b *Bus) Run(ctx context.Context, inv Invalidator) error {
	b.logger.Info("Listening for registry invalidations", zap.String("stream", b.stream))
	for ev := range b.Subscribe(ctx) {
		inv.Invalidate(ev.Kind, ev.Key)
	}
	return nil
}
