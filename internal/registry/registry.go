package registry

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/nidhogg/nuka-rag/internal/apperr"
	"github.com/nidhogg/nuka-rag/internal/metrics"
)

// Source is the persistence the registry reads from. Implementations return
// an error wrapping apperr.ErrNotFound for missing rows.
type Source interface {
	GetProvider(ctx context.Context, id string) (*Provider, error)
	GetModelByName(ctx context.Context, name string) (*Model, error)
	GetDefaultModel(ctx context.Context, t ModelType) (*Model, error)
	ListMappings(ctx context.Context, modelID string) ([]ParameterMapping, error)
}

// CacheKind selects which cache an invalidation targets.
type CacheKind string

const (
	CacheProvider CacheKind = "provider"
	CacheModel    CacheKind = "model"
	CacheDefault  CacheKind = "default"
	CacheMappings CacheKind = "mappings"
	CacheAll      CacheKind = "all"
)

// Options tune the cache. LoadTimeout bounds a shared load, which runs
// detached from any single caller's context.
type Options struct {
	Size        int
	TTL         time.Duration
	LoadTimeout time.Duration
}

// Registry is a read-mostly cache over Source. Concurrent first lookups of
// the same key share one load.
type Registry struct {
	src    Source
	logger *zap.Logger

	providers *expirable.LRU[string, *Provider]
	models    *expirable.LRU[string, *Model]
	defaults  *expirable.LRU[string, *Model]
	mappings  *expirable.LRU[string, []ParameterMapping]

	group       singleflight.Group
	loadTimeout time.Duration

	// generations are bumped by invalidation; a load that straddles a bump
	// does not populate the cache.
	generations map[CacheKind]*atomic.Uint64
}

// New creates a Registry.
func New(src Source, opts Options, logger *zap.Logger) *Registry {
	if opts.Size <= 0 {
		opts.Size = 1024
	}
	if opts.TTL <= 0 {
		opts.TTL = 5 * time.Minute
	}
	if opts.LoadTimeout <= 0 {
		opts.LoadTimeout = 10 * time.Second
	}
	r := &Registry{
		src:         src,
		logger:      logger.Named("registry"),
		providers:   expirable.NewLRU[string, *Provider](opts.Size, nil, opts.TTL),
		models:      expirable.NewLRU[string, *Model](opts.Size, nil, opts.TTL),
		defaults:    expirable.NewLRU[string, *Model](8, nil, opts.TTL),
		mappings:    expirable.NewLRU[string, []ParameterMapping](opts.Size, nil, opts.TTL),
		loadTimeout: opts.LoadTimeout,
		generations: make(map[CacheKind]*atomic.Uint64, 4),
	}
	for _, k := range []CacheKind{CacheProvider, CacheModel, CacheDefault, CacheMappings} {
		r.generations[k] = new(atomic.Uint64)
	}
	return r
}

// load runs fn once per key across concurrent callers. The shared load is
// detached from the caller that started it and bounded by loadTimeout; each
// caller returns when its own ctx is done. Errors are never cached.
func load[V any](ctx context.Context, r *Registry, cache interface {
	Get(string) (V, bool)
	Add(string, V) bool
}, kind CacheKind, key string, fn func(context.Context) (V, error)) (V, error) {
	var zero V
	if v, ok := cache.Get(key); ok {
		metrics.RecordCacheHit("registry_" + string(kind))
		return v, nil
	}
	metrics.RecordCacheMiss("registry_" + string(kind))
	gen := r.generations[kind]
	ch := r.group.DoChan(string(kind)+":"+key, func() (any, error) {
		if v, ok := cache.Get(key); ok {
			return v, nil
		}
		before := gen.Load()
		lctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.loadTimeout)
		defer cancel()
		v, err := fn(lctx)
		if err != nil {
			return v, err
		}
		if gen.Load() == before {
			cache.Add(key, v)
		}
		return v, nil
	})
	select {
	case <-ctx.Done():
		return zero, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return zero, res.Err
		}
		return res.Val.(V), nil
	}
}

// LookupProvider returns a provider by id.
func (r *Registry) LookupProvider(ctx context.Context, id string) (*Provider, error) {
	return load(ctx, r, r.providers, CacheProvider, id, func(ctx context.Context) (*Provider, error) {
		p, err := r.src.GetProvider(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("lookup provider %s: %w", id, err)
		}
		return p, nil
	})
}

// LookupModel returns a model by name.
func (r *Registry) LookupModel(ctx context.Context, name string) (*Model, error) {
	return load(ctx, r, r.models, CacheModel, name, func(ctx context.Context) (*Model, error) {
		m, err := r.src.GetModelByName(ctx, name)
		if err != nil {
			return nil, fmt.Errorf("lookup model %s: %w", name, err)
		}
		return m, nil
	})
}

// DefaultModel returns the default model of a type.
func (r *Registry) DefaultModel(ctx context.Context, t ModelType) (*Model, error) {
	return load(ctx, r, r.defaults, CacheDefault, string(t), func(ctx context.Context) (*Model, error) {
		m, err := r.src.GetDefaultModel(ctx, t)
		if err != nil {
			return nil, fmt.Errorf("default %s model: %w", t, err)
		}
		return m, nil
	})
}

// MappingsFor returns the parameter mappings declared for a model.
func (r *Registry) MappingsFor(ctx context.Context, modelID string) ([]ParameterMapping, error) {
	return load(ctx, r, r.mappings, CacheMappings, modelID, func(ctx context.Context) ([]ParameterMapping, error) {
		ms, err := r.src.ListMappings(ctx, modelID)
		if err != nil {
			return nil, fmt.Errorf("list mappings for %s: %w", modelID, err)
		}
		if err := ValidateMappings(ms); err != nil {
			return nil, apperr.Configuration(err.Error())
		}
		return ms, nil
	})
}

// Resolve finds the model to serve a request and its provider. An empty
// name selects the default model of type t. Unknown models, inactive models,
// models of the wrong type and models behind an inactive provider all yield
// the same generic not-found error.
func (r *Registry) Resolve(ctx context.Context, name string, t ModelType) (*Model, *Provider, error) {
	var (
		m   *Model
		err error
	)
	if name == "" {
		m, err = r.DefaultModel(ctx, t)
		if errors.Is(err, apperr.ErrNotFound) {
			return nil, nil, apperr.Configuration(fmt.Sprintf("no default %s model", t))
		}
	} else {
		m, err = r.LookupModel(ctx, name)
		if errors.Is(err, apperr.ErrNotFound) {
			return nil, nil, apperr.ModelNotFound()
		}
	}
	if err != nil {
		return nil, nil, err
	}
	if m.Type != t || m.Status != StatusActive {
		return nil, nil, apperr.ModelNotFound()
	}

	p, err := r.LookupProvider(ctx, m.ProviderID)
	if errors.Is(err, apperr.ErrNotFound) {
		return nil, nil, apperr.ModelNotFound()
	}
	if err != nil {
		return nil, nil, err
	}
	if !p.Active {
		return nil, nil, apperr.ModelNotFound()
	}
	return m, p, nil
}

// Invalidate drops cached entries. An empty key drops the whole cache of
// that kind.
func (r *Registry) Invalidate(kind CacheKind, key string) {
	switch kind {
	case CacheProvider:
		r.generations[CacheProvider].Add(1)
		dropKey(r.providers, key)
	case CacheModel:
		r.generations[CacheModel].Add(1)
		r.generations[CacheDefault].Add(1)
		dropKey(r.models, key)
		// the default slot may point at the same model
		r.defaults.Purge()
		r.group.Forget(string(CacheDefault) + ":" + string(ModelText))
		r.group.Forget(string(CacheDefault) + ":" + string(ModelEmbedding))
	case CacheDefault:
		r.generations[CacheDefault].Add(1)
		dropKey(r.defaults, key)
	case CacheMappings:
		r.generations[CacheMappings].Add(1)
		dropKey(r.mappings, key)
	default:
		r.InvalidateAll()
		return
	}
	if key != "" {
		r.group.Forget(string(kind) + ":" + key)
	}
	r.logger.Info("Registry cache invalidated", zap.String("kind", string(kind)), zap.String("key", key))
}

// InvalidateAll empties every cache.
func (r *Registry) InvalidateAll() {
	for _, g := range r.generations {
		g.Add(1)
	}
	r.providers.Purge()
	r.models.Purge()
	r.defaults.Purge()
	r.mappings.Purge()
	r.logger.Info("Registry cache purged")
}

func dropKey[V any](c *expirable.LRU[string, V], key string) {
	if key == "" {
		c.Purge()
		return
	}
	c.Remove(key)
}
