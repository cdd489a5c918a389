package memstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nidhogg/nuka-rag/internal/apperr"
	"github.com/nidhogg/nuka-rag/internal/config"
	"github.com/nidhogg/nuka-rag/internal/ingest"
	"github.com/nidhogg/nuka-rag/internal/registry"
)

func seeded(t *testing.T) *Store {
	t.Helper()
	seed, err := registry.SeedFromConfig(config.RegistryConfig{
		Providers: []config.ProviderSeed{{ID: "p1", Name: "chatco", BaseURL: "http://chat"}},
		Models: []config.ModelSeed{
			{ID: "m1", Name: "chat-large", ProviderID: "p1", Type: "text", IsDefault: true},
			{ID: "m2", Name: "chat-small", ProviderID: "p1", Type: "text"},
			{ID: "e1", Name: "embed", ProviderID: "p1", Type: "embedding", IsDefault: true},
		},
		Mappings: []config.ParameterMappingSeed{
			{ModelID: "m1", UnifiedParam: "max_tokens", ProviderParam: "max_output_tokens", Transform: "to_int"},
			{ModelID: "m2", UnifiedParam: "max_tokens", ProviderParam: "max_new_tokens"},
		},
	})
	require.NoError(t, err)
	s := New()
	require.NoError(t, s.Load(seed))
	return s
}

func TestRegistrySource(t *testing.T) {
	ctx := context.Background()
	s := seeded(t)

	m, err := s.GetDefaultModel(ctx, registry.ModelText)
	require.NoError(t, err)
	assert.Equal(t, "chat-large", m.Name)
	assert.Equal(t, registry.StatusActive, m.Status)

	p, err := s.GetProvider(ctx, "p1")
	require.NoError(t, err)
	assert.True(t, p.Active)

	mappings, err := s.ListMappings(ctx, "m1")
	require.NoError(t, err)
	require.Len(t, mappings, 1)
	assert.Equal(t, registry.TransformToInt, mappings[0].Transform)

	_, err = s.GetModelByName(ctx, "nope")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestSetDefaultModelKeepsOneDefault(t *testing.T) {
	ctx := context.Background()
	s := seeded(t)

	require.NoError(t, s.SetDefaultModel(ctx, "m2"))
	m, err := s.GetDefaultModel(ctx, registry.ModelText)
	require.NoError(t, err)
	assert.Equal(t, "chat-small", m.Name)

	old, err := s.GetModelByName(ctx, "chat-large")
	require.NoError(t, err)
	assert.False(t, old.IsDefault)

	e, err := s.GetDefaultModel(ctx, registry.ModelEmbedding)
	require.NoError(t, err)
	assert.Equal(t, "embed", e.Name)
}

func TestSeedRejectsUnknownTransform(t *testing.T) {
	_, err := registry.SeedFromConfig(config.RegistryConfig{
		Providers: []config.ProviderSeed{{ID: "p1", Name: "x"}},
		Models:    []config.ModelSeed{{ID: "m1", Name: "m", ProviderID: "p1"}},
		Mappings:  []config.ParameterMappingSeed{{ModelID: "m1", UnifiedParam: "a", ProviderParam: "b", Transform: "uppercase"}},
	})
	assert.ErrorIs(t, err, apperr.ErrConfiguration)
}

func TestChunksMustBeSequential(t *testing.T) {
	ctx := context.Background()
	s := New()
	require.NoError(t, s.CreateDocument(ctx, &ingest.Document{ID: "d1", Filename: "a.txt"}))

	err := s.ReplaceChunks(ctx, "d1", []ingest.Chunk{{ChunkIndex: 0}, {ChunkIndex: 2}})
	assert.Error(t, err)

	require.NoError(t, s.ReplaceChunks(ctx, "d1", []ingest.Chunk{
		{ID: "c0", ChunkIndex: 0, Embedding: []float32{1, 0}},
		{ID: "c1", ChunkIndex: 1},
	}))
	cands, err := s.EmbeddedChunks(ctx)
	require.NoError(t, err)
	require.Len(t, cands, 1)
	assert.Equal(t, "a.txt", cands[0].DocumentName)
}
