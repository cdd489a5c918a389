//go:build integration

package store_test

import (
	"context"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tcpg "github.com/testcontainers/testcontainers-go/modules/postgres"
	"go.uber.org/zap"

	"github.com/nidhogg/nuka-rag/internal/apperr"
	"github.com/nidhogg/nuka-rag/internal/config"
	"github.com/nidhogg/nuka-rag/internal/ingest"
	"github.com/nidhogg/nuka-rag/internal/registry"
	"github.com/nidhogg/nuka-rag/internal/search"
	"github.com/nidhogg/nuka-rag/internal/store"
	"github.com/nidhogg/nuka-rag/internal/usage"
)

var testStore *store.Store

func TestMain(m *testing.M) {
	ctx := context.Background()
	container, err := tcpg.Run(ctx, "pgvector/pgvector:pg16",
		tcpg.WithDatabase("nuka_rag_test"),
		tcpg.WithUsername("test"),
		tcpg.WithPassword("test"),
		tcpg.BasicWaitStrategies(),
	)
	if err != nil {
		panic("start postgres: " + err.Error())
	}
	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		container.Terminate(ctx)
		panic("pg connection string: " + err.Error())
	}

	testStore, err = store.New(ctx, dsn, zap.NewNop())
	if err != nil {
		container.Terminate(ctx)
		panic("open store: " + err.Error())
	}
	if err := testStore.Migrate(ctx, "../../migrations"); err != nil {
		container.Terminate(ctx)
		panic("migrate: " + err.Error())
	}

	code := m.Run()
	testStore.Close()
	container.Terminate(ctx)
	os.Exit(code)
}

func TestRegistryRoundTrip(t *testing.T) {
	ctx := context.Background()
	seed, err := registry.SeedFromConfig(config.RegistryConfig{
		Providers: []config.ProviderSeed{{ID: "p1", Name: "chatco", BaseURL: "http://chat", SecretRef: "env:CHAT_KEY"}},
		Models: []config.ModelSeed{
			{ID: "m1", Name: "chat-large", ProviderID: "p1", Type: "text", IsDefault: true, InputCostPer1K: 0.5},
			{ID: "m2", Name: "chat-small", ProviderID: "p1", Type: "text"},
		},
		Mappings: []config.ParameterMappingSeed{
			{ModelID: "m1", UnifiedParam: "max_tokens", ProviderParam: "max_output_tokens", Transform: "to_int"},
		},
	})
	require.NoError(t, err)
	require.NoError(t, testStore.ImportSeed(ctx, seed))

	m, err := testStore.GetDefaultModel(ctx, registry.ModelText)
	require.NoError(t, err)
	assert.Equal(t, "chat-large", m.Name)
	assert.Equal(t, 0.5, m.InputCostPer1K)

	p, err := testStore.GetProvider(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, "env:CHAT_KEY", p.SecretRef)

	mappings, err := testStore.ListMappings(ctx, "m1")
	require.NoError(t, err)
	require.Len(t, mappings, 1)
	assert.Equal(t, registry.TransformToInt, mappings[0].Transform)

	require.NoError(t, testStore.SetDefaultModel(ctx, "m2"))
	m, err = testStore.GetDefaultModel(ctx, registry.ModelText)
	require.NoError(t, err)
	assert.Equal(t, "chat-small", m.Name)

	_, err = testStore.GetModelByName(ctx, "missing")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestChunksAndNearest(t *testing.T) {
	ctx := context.Background()
	doc := &ingest.Document{ID: uuid.NewString(), Filename: "a.txt", ContentType: "text/plain", Size: 10, StoragePath: "x/a.txt"}
	require.NoError(t, testStore.CreateDocument(ctx, doc))

	pending, err := testStore.ListUnprocessed(ctx)
	require.NoError(t, err)
	assert.NotEmpty(t, pending)

	chunks := []ingest.Chunk{
		{ID: uuid.NewString(), ChunkIndex: 0, Text: "alpha", Embedding: []float32{1, 0, 0}},
		{ID: uuid.NewString(), ChunkIndex: 1, Text: "beta", Embedding: []float32{0, 1, 0}},
		{ID: uuid.NewString(), ChunkIndex: 2, Text: "rejected", Metadata: ingest.ChunkMetadata{Status: ingest.ChunkRejected}},
	}
	require.NoError(t, testStore.ReplaceChunks(ctx, doc.ID, chunks))
	require.NoError(t, testStore.FinishDocument(ctx, doc.ID, ingest.TombstonePrefix+doc.StoragePath, "", 3))

	got, err := testStore.ListChunks(ctx, doc.ID)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, []float32{1, 0, 0}, got[0].Embedding)
	assert.Nil(t, got[2].Embedding)
	assert.Equal(t, ingest.ChunkRejected, got[2].Metadata.Status)

	hits, err := testStore.Nearest(ctx, []float32{1, 0.1, 0}, 5, 0.7)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "alpha", hits[0].Text)
	assert.Equal(t, "a.txt", hits[0].DocumentName)
	assert.InDelta(t, 0.995, hits[0].Score, 0.01)

	all, err := testStore.Nearest(ctx, []float32{1, 0.1, 0}, 5, search.NoThreshold)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	d, err := testStore.GetDocument(ctx, doc.ID)
	require.NoError(t, err)
	assert.True(t, d.IsProcessed)
	assert.NotNil(t, d.ProcessedAt)
}

func TestInsertUsage(t *testing.T) {
	ctx := context.Background()
	rec := usage.Record{ID: uuid.NewString(), UserID: "u1", Model: "chat-large", TotalTokens: 30, CostEstimate: 0.01}
	require.NoError(t, testStore.InsertUsage(ctx, rec))

	sums, err := testStore.SummarizeUsage(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, sums, 1)
	assert.Equal(t, int64(30), sums[0].TotalTokens)
}
