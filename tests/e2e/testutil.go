//go:build e2e

package e2e

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	tcpg "github.com/testcontainers/testcontainers-go/modules/postgres"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"
	"go.uber.org/zap"

	"github.com/nidhogg/nuka-rag/internal/api"
	"github.com/nidhogg/nuka-rag/internal/auth"
	"github.com/nidhogg/nuka-rag/internal/blob"
	"github.com/nidhogg/nuka-rag/internal/bus"
	"github.com/nidhogg/nuka-rag/internal/chunker"
	"github.com/nidhogg/nuka-rag/internal/config"
	"github.com/nidhogg/nuka-rag/internal/embedding"
	"github.com/nidhogg/nuka-rag/internal/ingest"
	"github.com/nidhogg/nuka-rag/internal/provider"
	"github.com/nidhogg/nuka-rag/internal/rag"
	"github.com/nidhogg/nuka-rag/internal/registry"
	"github.com/nidhogg/nuka-rag/internal/retry"
	"github.com/nidhogg/nuka-rag/internal/search"
	pgstore "github.com/nidhogg/nuka-rag/internal/store"
	"github.com/nidhogg/nuka-rag/internal/usage"
)

const (
	userKey   = "sk-e2e-user"
	adminKey  = "sk-e2e-admin"
	dimension = 8
)

// startPostgres starts a pgvector testcontainer, returns DSN + cleanup func.
func startPostgres(ctx context.Context) (string, func(), error) {
	container, err := tcpg.Run(ctx, "pgvector/pgvector:pg16",
		tcpg.WithDatabase("nuka_rag_e2e"),
		tcpg.WithUsername("test"),
		tcpg.WithPassword("test"),
		tcpg.BasicWaitStrategies(),
	)
	if err != nil {
		return "", nil, fmt.Errorf("start postgres: %w", err)
	}
	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		container.Terminate(ctx)
		return "", nil, fmt.Errorf("pg connection string: %w", err)
	}
	cleanup := func() { container.Terminate(ctx) }
	return dsn, cleanup, nil
}

// startRedis starts a Redis testcontainer, returns URL + cleanup func.
func startRedis(ctx context.Context) (string, func(), error) {
	container, err := tcredis.Run(ctx, "redis:7-alpine")
	if err != nil {
		return "", nil, fmt.Errorf("start redis: %w", err)
	}
	endpoint, err := container.Endpoint(ctx, "")
	if err != nil {
		container.Terminate(ctx)
		return "", nil, fmt.Errorf("redis endpoint: %w", err)
	}
	url := "redis://" + endpoint
	cleanup := func() { container.Terminate(ctx) }
	return url, cleanup, nil
}

// upstream fakes a chat provider and an embedding provider. Embeddings put
// texts mentioning Paris on the first axis and everything else on the
// second, so retrieval is predictable.
type upstream struct {
	mu       sync.Mutex
	lastChat map[string]any
}

func (u *upstream) chat(w http.ResponseWriter, r *http.Request) {
	var body map[string]any
	json.NewDecoder(r.Body).Decode(&body)
	u.mu.Lock()
	u.lastChat = body
	u.mu.Unlock()

	if body["stream"] == true {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"choices\":[{\"index\":0,\"delta\":{\"content\":\"Par\"}}]}\n\n")
		fmt.Fprint(w, "data: {\"choices\":[{\"index\":0,\"delta\":{\"content\":\"is.\"},\"finish_reason\":\"stop\"}],\"usage\":{\"prompt_tokens\":9,\"completion_tokens\":2,\"total_tokens\":11}}\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprint(w, `{"choices":[{"index":0,"message":{"role":"assistant","content":"Paris."},"finish_reason":"stop"}],
		"usage":{"prompt_tokens":20,"completion_tokens":2,"total_tokens":22}}`)
}

func (u *upstream) embed(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Input []string `json:"input"`
	}
	json.NewDecoder(r.Body).Decode(&body)
	vec := make([]float32, dimension)
	text := strings.ToLower(strings.Join(body.Input, " "))
	if strings.Contains(text, "paris") {
		vec[0] = 1
	} else {
		vec[1] = 1
	}
	json.NewEncoder(w).Encode(map[string]any{
		"data":  []map[string]any{{"embedding": vec}},
		"usage": map[string]int{"prompt_tokens": 4, "total_tokens": 4},
	})
}

func (u *upstream) lastChatBody() map[string]any {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.lastChat
}

// stack is a fully wired service instance backed by real Postgres and
// Redis.
type stack struct {
	server   *httptest.Server
	fakes    []*httptest.Server
	store    *pgstore.Store
	rdb      *redis.Client
	upstream *upstream
	registry *registry.Registry
	cancel   context.CancelFunc
	done     sync.WaitGroup
}

func newStack(ctx context.Context, dsn, redisURL string, logger *zap.Logger) (*stack, error) {
	up := &upstream{}
	chatSrv := httptest.NewServer(http.HandlerFunc(up.chat))
	embedSrv := httptest.NewServer(http.HandlerFunc(up.embed))

	seed, err := registry.SeedFromConfig(config.RegistryConfig{
		Providers: []config.ProviderSeed{
			{ID: "p-chat", Name: "chatco", BaseURL: chatSrv.URL},
			{ID: "p-embed", Name: "embedco", BaseURL: embedSrv.URL, Config: map[string]any{"kind": "embedding"}},
		},
		Models: []config.ModelSeed{
			{ID: "m-chat", Name: "chat-large", ProviderID: "p-chat", Type: "text", IsDefault: true,
				InputCostPer1K: 1, OutputCostPer1K: 2},
			{ID: "m-embed", Name: "embed-8", ProviderID: "p-embed", Type: "embedding", IsDefault: true},
		},
		Mappings: []config.ParameterMappingSeed{
			{ModelID: "m-embed", UnifiedParam: "text", ProviderParam: "input", Transform: "wrap_in_array"},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("seed: %w", err)
	}

	store, err := pgstore.New(ctx, dsn, logger)
	if err != nil {
		return nil, err
	}
	if err := store.Migrate(ctx, "../../migrations"); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	if err := store.ImportSeed(ctx, seed); err != nil {
		return nil, fmt.Errorf("import seed: %w", err)
	}

	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}
	rdb := redis.NewClient(opts)

	reg := registry.New(store, registry.Options{TTL: time.Minute}, logger)
	client := provider.NewClient(provider.Options{Timeout: 5 * time.Second, StreamTimeout: 5 * time.Second}, logger)
	cache := embedding.Tiered{
		L1: embedding.NewMemoryCache(64),
		L2: embedding.NewRedisCache(rdb, "e2e:embedding:", time.Hour, logger),
	}
	gen := embedding.NewGenerator(reg, client, embedding.Config{
		Dimension: dimension,
		Retry:     retry.Policy{MaxRetries: 2, BaseDelay: 10 * time.Millisecond, MaxDelay: 50 * time.Millisecond},
	}, cache, logger)

	dir, err := os.MkdirTemp("", "nuka-rag-e2e-")
	if err != nil {
		return nil, err
	}
	blobs, err := blob.NewLocal(dir)
	if err != nil {
		return nil, err
	}

	engine := search.NewEngine(store, gen, "pgvector", logger)
	recorder := usage.NewRecorder(store, 64, logger)
	svc := rag.NewService(reg, client, engine, gen, recorder, rag.Config{
		DefaultTopK:      3,
		DefaultThreshold: search.Threshold(0.5),
	}, logger)
	pipeline := ingest.NewPipeline(store, blobs, chunker.New(chunker.Options{MaxTokens: 200, OverlapTokens: 10}),
		gen, nil, ingest.Options{Workers: 2}, logger)
	events := bus.New(rdb, "e2e:registry", logger)

	handler := api.NewHandler(api.Deps{
		Inference:   svc,
		Uploader:    pipeline,
		Documents:   store,
		Usage:       store,
		Invalidator: reg,
		Publisher:   events,
		Directory: auth.NewStaticDirectory([]config.APIKeyConfig{
			{ID: "k-user", Key: userKey, UserID: "e2e-user", Role: "user"},
			{ID: "k-admin", Key: adminKey, UserID: "e2e-admin", Role: "admin"},
		}),
		Permissions: auth.RolePermissions(config.Default().Auth.Roles),
		Ping:        store.Ping,
	}, logger)

	runCtx, cancel := context.WithCancel(context.Background())
	s := &stack{
		server:   httptest.NewServer(handler.Router()),
		fakes:    []*httptest.Server{chatSrv, embedSrv},
		store:    store,
		rdb:      rdb,
		upstream: up,
		registry: reg,
		cancel:   cancel,
	}
	for _, run := range []func(context.Context) error{pipeline.Run, recorder.Run} {
		s.done.Add(1)
		go func() {
			defer s.done.Done()
			run(runCtx)
		}()
	}
	return s, nil
}

func (s *stack) close() {
	s.cancel()
	s.done.Wait()
	s.server.Close()
	for _, f := range s.fakes {
		f.Close()
	}
	s.rdb.Close()
	s.store.Close()
}
