package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/nidhogg/nuka-rag/internal/api"
	"github.com/nidhogg/nuka-rag/internal/auth"
	"github.com/nidhogg/nuka-rag/internal/blob"
	"github.com/nidhogg/nuka-rag/internal/bus"
	"github.com/nidhogg/nuka-rag/internal/chunker"
	"github.com/nidhogg/nuka-rag/internal/config"
	"github.com/nidhogg/nuka-rag/internal/embedding"
	"github.com/nidhogg/nuka-rag/internal/ingest"
	"github.com/nidhogg/nuka-rag/internal/logging"
	"github.com/nidhogg/nuka-rag/internal/provider"
	"github.com/nidhogg/nuka-rag/internal/rag"
	"github.com/nidhogg/nuka-rag/internal/registry"
	"github.com/nidhogg/nuka-rag/internal/retry"
	"github.com/nidhogg/nuka-rag/internal/search"
	pgstore "github.com/nidhogg/nuka-rag/internal/store"
	"github.com/nidhogg/nuka-rag/internal/store/memstore"
	"github.com/nidhogg/nuka-rag/internal/usage"
	"github.com/nidhogg/nuka-rag/internal/vectorstore"
)

// repository is everything the service persists: registry rows,
// documents and usage.
type repository interface {
	registry.Source
	ingest.Repository
	usage.Sink
	api.UsageReporter
}

func main() {
	_ = godotenv.Load()

	cfg, cfgPath, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "nuka-rag: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New(cfg.Server.LogLevel, cfg.Server.Development)
	if err != nil {
		fmt.Fprintf(os.Stderr, "nuka-rag: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("Starting Nuka RAG...", zap.String("config", cfgPath))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("Nuka RAG stopped with error", zap.Error(err))
	}
	logger.Info("Nuka RAG stopped")
}

// loadConfig reads CONFIG_PATH, falling back to configs/nuka-rag.json and
// then to built-in defaults when neither file exists.
func loadConfig() (*config.Config, string, error) {
	path := os.Getenv("CONFIG_PATH")
	if path == "" {
		path = "configs/nuka-rag.json"
		if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
			return config.Default(), "(defaults)", nil
		}
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, path, err
	}
	return cfg, path, nil
}

func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	seed, err := registry.SeedFromConfig(cfg.Registry)
	if err != nil {
		return fmt.Errorf("registry seed: %w", err)
	}

	// Storage: PostgreSQL when configured, otherwise in memory.
	var (
		repo        repository
		backend     search.Backend
		backendName string
		ping        func(context.Context) error
	)
	if cfg.Database.Postgres.DSN != "" {
		pg, err := pgstore.New(ctx, cfg.Database.Postgres.DSN, logger)
		if err != nil {
			return err
		}
		defer pg.Close()
		if err := pg.Migrate(ctx, cfg.Database.Postgres.MigrationsDir); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
		if err := pg.ImportSeed(ctx, seed); err != nil {
			return fmt.Errorf("import registry seed: %w", err)
		}
		repo, backend, backendName, ping = pg, pg, "pgvector", pg.Ping
	} else {
		logger.Warn("No PostgreSQL DSN configured, running with in-memory storage")
		mem := memstore.New()
		if err := mem.Load(seed); err != nil {
			return fmt.Errorf("load registry seed: %w", err)
		}
		repo, backend, backendName = mem, search.ExactBackend{Source: mem}, "exact"
	}

	// Redis carries the shared embedding cache and invalidation events.
	var rdb *redis.Client
	if cfg.Database.Redis.URL != "" {
		opts, err := redis.ParseURL(cfg.Database.Redis.URL)
		if err != nil {
			return fmt.Errorf("parse redis url: %w", err)
		}
		rdb = redis.NewClient(opts)
		if err := rdb.Ping(ctx).Err(); err != nil {
			logger.Warn("Redis unavailable, running without shared cache", zap.Error(err))
			rdb.Close()
			rdb = nil
		} else {
			defer rdb.Close()
			logger.Info("Redis connected")
		}
	}

	reg := registry.New(repo, registry.Options{
		Size: cfg.Registry.CacheSize,
		TTL:  cfg.Registry.CacheTTL.Std(),
	}, logger)

	client := provider.NewClient(provider.Options{
		Timeout:       cfg.Dispatch.Timeout.Std(),
		StreamTimeout: cfg.Dispatch.StreamTimeout.Std(),
	}, logger)

	policy := retry.Policy{
		MaxRetries: cfg.Retry.MaxRetries,
		BaseDelay:  cfg.Retry.BaseDelay.Std(),
		MaxDelay:   cfg.Retry.MaxDelay.Std(),
	}
	logger.Info("Embedding retry policy",
		zap.Int("attempts", policy.MaxRetries),
		zap.Duration("worst_case_sleep", policy.WorstCase()))

	var cache embedding.Cache = embedding.NewMemoryCache(cfg.Embedding.QueryCacheSize)
	if rdb != nil {
		cache = embedding.Tiered{
			L1: cache,
			L2: embedding.NewRedisCache(rdb, "nuka-rag:embedding:", cfg.Embedding.RedisCacheTTL.Std(), logger),
		}
	}
	embedder := embedding.NewGenerator(reg, client, embedding.Config{
		Model:     cfg.Embedding.Model,
		Dimension: cfg.Embedding.Dimension,
		Retry:     policy,
		Counter:   chunker.Counter{Multiplier: cfg.Chunker.SafetyMultiplier},
	}, cache, logger)

	blobs, err := blob.New(ctx, cfg.Blob, logger)
	if err != nil {
		return fmt.Errorf("blob store: %w", err)
	}

	var indexer ingest.Indexer
	if cfg.Database.Qdrant.Host != "" {
		qc, err := vectorstore.NewClient(vectorstore.QdrantConfig{
			Host:       cfg.Database.Qdrant.Host,
			Port:       cfg.Database.Qdrant.Port,
			Collection: cfg.Database.Qdrant.Collection,
			Dimension:  cfg.Embedding.Dimension,
		})
		if err != nil {
			return fmt.Errorf("qdrant: %w", err)
		}
		defer qc.Close()
		if err := qc.EnsureCollection(ctx); err != nil {
			return fmt.Errorf("qdrant collection: %w", err)
		}
		indexer, backend, backendName = qc, qc, "qdrant"
		logger.Info("Qdrant connected", zap.String("collection", cfg.Database.Qdrant.Collection))
	}

	engine := search.NewEngine(backend, embedder, backendName, logger)
	recorder := usage.NewRecorder(repo, cfg.Usage.Buffer, logger)

	svc := rag.NewService(reg, client, engine, embedder, recorder, rag.Config{
		DefaultTopK:      cfg.Search.TopK,
		DefaultThreshold: search.Threshold(cfg.Search.Threshold),
	}, logger)

	ch := chunker.New(chunker.Options{
		MaxTokens:     cfg.Chunker.MaxTokensPerChunk,
		OverlapTokens: cfg.Chunker.OverlapTokens,
		Multiplier:    cfg.Chunker.SafetyMultiplier,
	})
	pipeline := ingest.NewPipeline(repo, blobs, ch, embedder, indexer, ingest.Options{
		Model:          cfg.Embedding.Model,
		Workers:        cfg.Ingest.Workers,
		QueueSize:      cfg.Ingest.QueueSize,
		MaxUploadBytes: cfg.Ingest.MaxUploadBytes,
	}, logger)

	deps := api.Deps{
		Inference:      svc,
		Uploader:       pipeline,
		Documents:      repo,
		Usage:          repo,
		Invalidator:    reg,
		Directory:      auth.NewStaticDirectory(cfg.Auth.APIKeys),
		Permissions:    auth.RolePermissions(cfg.Auth.Roles),
		Ping:           ping,
		MaxUploadBytes: cfg.Ingest.MaxUploadBytes,
	}
	var events *bus.Bus
	if rdb != nil {
		events = bus.New(rdb, cfg.Database.Redis.Stream, logger)
		deps.Publisher = events
	}
	if len(cfg.Auth.APIKeys) == 0 {
		logger.Warn("No API keys configured, every /v1 request will be rejected")
	}
	handler := api.NewHandler(deps, logger)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           handler.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ln, err := net.Listen("tcp", srv.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", srv.Addr, err)
	}
	logger.Info("Nuka RAG listening", zap.String("addr", srv.Addr), zap.String("search_backend", backendName))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return serveHTTP(gctx, srv, ln, recorder, logger) })
	g.Go(func() error { return pipeline.Run(gctx) })
	if events != nil {
		g.Go(func() error { return events.Run(gctx, reg) })
	}

	return g.Wait()
}

type usageRunner interface {
	Run(ctx context.Context) error
}

// serveHTTP serves srv on ln until ctx is done, then shuts it down. The
// usage recorder is stopped only once in-flight requests have drained, so
// their records are still written.
func serveHTTP(ctx context.Context, srv *http.Server, ln net.Listener, recorder usageRunner, logger *zap.Logger) error {
	recCtx, stopRecorder := context.WithCancel(context.Background())
	defer stopRecorder()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return recorder.Run(recCtx) })
	g.Go(func() error {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down Nuka RAG...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		err := srv.Shutdown(shutdownCtx)
		stopRecorder()
		return err
	})
	return g.Wait()
}
