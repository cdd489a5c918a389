package search

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/nidhogg/nuka-rag/internal/apperr"
	"github.com/nidhogg/nuka-rag/internal/embedding"
)

type candidates []Candidate

func (c candidates) EmbeddedChunks(context.Context) ([]Candidate, error) { return c, nil }

type fixedEmbedder struct {
	vec []float32
	err error
}

func (f fixedEmbedder) EmbedQuery(context.Context, string, string) (*embedding.Result, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &embedding.Result{Vector: f.vec}, nil
}

func TestCosineSimilarity(t *testing.T) {
	assert.InDelta(t, 1.0, CosineSimilarity([]float32{1, 2, 3}, []float32{2, 4, 6}), 1e-9)
	assert.InDelta(t, 0.0, CosineSimilarity([]float32{1, 0}, []float32{0, 1}), 1e-9)
	assert.InDelta(t, -1.0, CosineSimilarity([]float32{1, 0}, []float32{-3, 0}), 1e-9)
	assert.Zero(t, CosineSimilarity([]float32{0, 0}, []float32{1, 1}))
	assert.Zero(t, CosineSimilarity([]float32{1}, []float32{1, 1}))
}

func TestRankOrdersFiltersAndTruncates(t *testing.T) {
	hits := []Hit{
		{DocumentID: "b", ChunkIndex: 0, Score: 0.8},
		{DocumentID: "a", ChunkIndex: 2, Score: 0.9},
		{DocumentID: "a", ChunkIndex: 1, Score: 0.8},
		{DocumentID: "c", ChunkIndex: 0, Score: 0.69},
		{DocumentID: "c", ChunkIndex: 1, Score: 0.7},
	}
	got := Rank(hits, 0.7, 3)
	require.Len(t, got, 3)
	assert.Equal(t, "a", got[0].DocumentID)
	assert.Equal(t, 2, got[0].ChunkIndex)
	assert.Equal(t, Hit{DocumentID: "a", ChunkIndex: 1, Score: 0.8}, got[1])
	assert.Equal(t, "b", got[2].DocumentID)

	all := Rank(hits, NoThreshold, 0)
	assert.Len(t, all, 5)
}

func TestSearchProperties(t *testing.T) {
	rng := rand.New(rand.NewSource(11))
	vec := func() []float32 {
		v := make([]float32, 16)
		for i := range v {
			v[i] = float32(rng.NormFloat64())
		}
		return v
	}

	var corpus candidates
	for i := 0; i < 300; i++ {
		corpus = append(corpus, Candidate{
			Hit:    Hit{ChunkID: fmt.Sprint(i), DocumentID: fmt.Sprint(i % 7), ChunkIndex: i},
			Vector: vec(),
		})
	}
	// an embedding-less chunk is never returned
	corpus = append(corpus, Candidate{Hit: Hit{ChunkID: "none"}})

	for trial := 0; trial < 20; trial++ {
		q := vec()
		// stored near-duplicate of the query guarantees at least one hit
		corpus[trial].Vector = q
		topK := 1 + rng.Intn(10)
		threshold := rng.Float64()*0.6 - 0.3

		e := NewEngine(ExactBackend{Source: corpus}, fixedEmbedder{vec: q}, "exact", zap.NewNop())
		hits, err := e.Search(context.Background(), "query", Options{TopK: topK, Threshold: Threshold(threshold)})
		require.NoError(t, err)

		require.LessOrEqual(t, len(hits), topK)
		require.NotEmpty(t, hits)
		for i, h := range hits {
			assert.NotEqual(t, "none", h.ChunkID)
			assert.GreaterOrEqual(t, h.Score, threshold)
			if i > 0 {
				assert.GreaterOrEqual(t, hits[i-1].Score, h.Score)
			}
		}
		assert.InDelta(t, 1.0, hits[0].Score, 1e-6)
	}
}

func TestSearchDefaults(t *testing.T) {
	q := []float32{1, 0}
	var corpus candidates
	for i := 0; i < 10; i++ {
		corpus = append(corpus, Candidate{Hit: Hit{ChunkIndex: i}, Vector: []float32{1, float32(i) * 0.1}})
	}
	corpus = append(corpus, Candidate{Hit: Hit{ChunkIndex: 99}, Vector: []float32{0, 1}})

	e := NewEngine(ExactBackend{Source: corpus}, fixedEmbedder{vec: q}, "exact", zap.NewNop())
	hits, err := e.Search(context.Background(), "q", Options{})
	require.NoError(t, err)
	assert.Len(t, hits, DefaultTopK)
	for _, h := range hits {
		assert.GreaterOrEqual(t, h.Score, DefaultThreshold)
	}

	hits, err = e.SearchVector(context.Background(), q, Options{TopK: 20, Threshold: Threshold(NoThreshold)})
	require.NoError(t, err)
	assert.Len(t, hits, 11)
}

func TestSearchErrors(t *testing.T) {
	e := NewEngine(ExactBackend{Source: candidates{}}, fixedEmbedder{err: errors.New("boom")}, "exact", zap.NewNop())
	_, err := e.Search(context.Background(), "", Options{})
	assert.ErrorIs(t, err, apperr.ErrValidation)

	_, err = e.Search(context.Background(), "q", Options{})
	assert.ErrorContains(t, err, "boom")
}
