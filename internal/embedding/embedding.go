// Package embedding produces fixed-dimension vectors for chunks and
// queries through the registry and dispatch path, with bounded retries and
// a random-vector fallback.
package embedding

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"time"

	"go.uber.org/zap"

	"github.com/nidhogg/nuka-rag/internal/apperr"
	"github.com/nidhogg/nuka-rag/internal/chunker"
	"github.com/nidhogg/nuka-rag/internal/metrics"
	"github.com/nidhogg/nuka-rag/internal/provider"
	"github.com/nidhogg/nuka-rag/internal/registry"
	"github.com/nidhogg/nuka-rag/internal/retry"
)

// Resolver finds the embedding model and its mappings.
type Resolver interface {
	Resolve(ctx context.Context, name string, t registry.ModelType) (*registry.Model, *registry.Provider, error)
	MappingsFor(ctx context.Context, modelID string) ([]registry.ParameterMapping, error)
}

// Dispatcher performs one blocking provider call.
type Dispatcher interface {
	Do(ctx context.Context, m *registry.Model, p *registry.Provider, payload map[string]any) ([]byte, error)
}

// Config holds generator settings.
type Config struct {
	// Model is the embedding model name; empty selects the registry default.
	Model     string
	Dimension int
	Retry     retry.Policy
	// Counter enforces the hard token limit; it should match the chunker's.
	Counter chunker.Counter
}

// Result is one embedding. Degraded results carry a random unit vector
// produced after every attempt failed.
type Result struct {
	Vector    []float32
	Degraded  bool
	Attempts  int
	Usage     provider.Usage
	Model     string
	Provider  string
	LatencyMS int64
}

// Response converts r to the unified embedding response.
func (r *Result) Response() *provider.EmbeddingResponse {
	return &provider.EmbeddingResponse{
		Embedding: r.Vector,
		Provider:  r.Provider,
		Model:     r.Model,
		Usage:     r.Usage,
		LatencyMS: r.LatencyMS,
		Degraded:  r.Degraded,
	}
}

// Generator embeds text.
type Generator struct {
	resolver   Resolver
	dispatcher Dispatcher
	cfg        Config
	cache      Cache
	logger     *zap.Logger
}

// NewGenerator creates a Generator. cache may be nil.
func NewGenerator(resolver Resolver, dispatcher Dispatcher, cfg Config, cache Cache, logger *zap.Logger) *Generator {
	if cfg.Dimension <= 0 {
		cfg.Dimension = 1024
	}
	if cfg.Retry.MaxRetries <= 0 {
		cfg.Retry = retry.DefaultPolicy()
	}
	return &Generator{
		resolver:   resolver,
		dispatcher: dispatcher,
		cfg:        cfg,
		cache:      cache,
		logger:     logger.Named("embedding"),
	}
}

// Dimension returns the fixed vector length.
func (g *Generator) Dimension() int { return g.cfg.Dimension }

// Embed embeds a chunk. model overrides the configured model when set.
// Transient failures are retried; once retries are exhausted a random
// unit vector is returned with Degraded set instead of an error.
// Configuration errors, unknown models, oversize input and cancellation
// are returned as errors.
func (g *Generator) Embed(ctx context.Context, model, text string) (*Result, error) {
	if text == "" {
		return nil, apperr.Validation("text is required")
	}
	if n := g.cfg.Counter.Count(text); n > chunker.HardLimit {
		return nil, apperr.Validation(fmt.Sprintf("text is %d tokens, above the %d token embedding limit", n, chunker.HardLimit))
	}
	if model == "" {
		model = g.cfg.Model
	}

	m, p, err := g.resolver.Resolve(ctx, model, registry.ModelEmbedding)
	if err != nil {
		return nil, err
	}
	mappings, err := g.resolver.MappingsFor(ctx, m.ID)
	if err != nil {
		return nil, err
	}
	payload, err := registry.Transform(m, p, mappings, map[string]any{
		"text":            text,
		"encoding_format": "float",
	})
	if err != nil {
		return nil, err
	}

	policy := g.cfg.Retry
	policy.OnRetry = func(attempt int, delay time.Duration, err error) {
		limited := apperr.IsRateLimit(err)
		metrics.RecordRetry(limited)
		g.logger.Debug("Retrying embedding",
			zap.String("model", m.Name),
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Bool("rate_limited", limited),
			zap.Error(err))
	}

	start := time.Now()
	resp, out, err := retry.Do(ctx, policy, func(ctx context.Context, _ int) (*provider.EmbeddingResponse, error) {
		body, err := g.dispatcher.Do(ctx, m, p, payload)
		if err != nil {
			if errors.Is(err, apperr.ErrConfiguration) {
				return nil, retry.Permanent(err)
			}
			return nil, err
		}
		resp, err := provider.UnifyEmbedding(p.Name, m.Name, body)
		if err != nil {
			return nil, err
		}
		if len(resp.Embedding) != g.cfg.Dimension {
			return nil, &apperr.ProviderError{
				Provider: p.Name,
				Status:   200,
				Body:     fmt.Sprintf("embedding has %d dimensions, want %d", len(resp.Embedding), g.cfg.Dimension),
			}
		}
		return resp, nil
	})
	latency := time.Since(start).Milliseconds()

	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		if errors.Is(err, apperr.ErrConfiguration) {
			return nil, err
		}
		metrics.RecordEmbeddingFallback()
		g.logger.Warn("Embedding retries exhausted, using random fallback vector",
			zap.String("model", m.Name),
			zap.String("provider", p.Name),
			zap.Int("attempts", out.Attempts),
			zap.Bool("rate_limited", out.RateLimited),
			zap.Error(err))
		return &Result{
			Vector:    RandomUnitVector(g.cfg.Dimension),
			Degraded:  true,
			Attempts:  out.Attempts,
			Model:     m.Name,
			Provider:  p.Name,
			LatencyMS: latency,
		}, nil
	}

	return &Result{
		Vector:    resp.Embedding,
		Attempts:  out.Attempts,
		Usage:     resp.Usage,
		Model:     m.Name,
		Provider:  p.Name,
		LatencyMS: latency,
	}, nil
}

// EmbedQuery embeds search text, consulting the cache first. Degraded
// vectors are never cached.
func (g *Generator) EmbedQuery(ctx context.Context, model, text string) (*Result, error) {
	if model == "" {
		model = g.cfg.Model
	}
	key := cacheKey(model, text)
	if g.cache != nil {
		if v, ok := g.cache.Get(ctx, key); ok && len(v) == g.cfg.Dimension {
			return &Result{Vector: v, Model: model}, nil
		}
	}
	res, err := g.Embed(ctx, model, text)
	if err != nil {
		return nil, err
	}
	if g.cache != nil && !res.Degraded {
		g.cache.Set(ctx, key, res.Vector)
	}
	return res, nil
}

// RandomUnitVector returns a uniformly oriented vector of length one.
func RandomUnitVector(dim int) []float32 {
	v := make([]float32, dim)
	var norm float64
	for i := range v {
		x := rand.NormFloat64()
		v[i] = float32(x)
		norm += x * x
	}
	norm = math.Sqrt(norm)
	if norm == 0 {
		v[0] = 1
		return v
	}
	for i := range v {
		v[i] = float32(float64(v[i]) / norm)
	}
	return v
}
