// Package search ranks stored chunk embeddings against a query by cosine
// similarity.
package search

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/nidhogg/nuka-rag/internal/apperr"
	"github.com/nidhogg/nuka-rag/internal/embedding"
	"github.com/nidhogg/nuka-rag/internal/metrics"
)

const (
	DefaultThreshold = 0.7
	DefaultTopK      = 5
	// NoThreshold disables score filtering.
	NoThreshold = -1.0
)

// Hit is one ranked chunk.
type Hit struct {
	ChunkID      string  `json:"chunk_id"`
	DocumentID   string  `json:"document_id"`
	DocumentName string  `json:"document_name"`
	ChunkIndex   int     `json:"chunk_index"`
	Text         string  `json:"text"`
	Score        float64 `json:"similarity_score"`
}

// Backend returns candidate hits for a query vector. Implementations may
// pre-filter by minScore and limit; the engine ranks the result again.
type Backend interface {
	Nearest(ctx context.Context, vector []float32, limit int, minScore float64) ([]Hit, error)
}

// Embedder embeds query text.
type Embedder interface {
	EmbedQuery(ctx context.Context, model, text string) (*embedding.Result, error)
}

// Options controls one search. Zero TopK means DefaultTopK; a nil
// Threshold means DefaultThreshold.
type Options struct {
	TopK      int
	Threshold *float64
	Model     string
}

// Threshold returns a pointer for Options.Threshold.
func Threshold(v float64) *float64 { return &v }

func (o Options) resolve() (int, float64) {
	topK := o.TopK
	if topK <= 0 {
		topK = DefaultTopK
	}
	threshold := DefaultThreshold
	if o.Threshold != nil {
		threshold = *o.Threshold
	}
	return topK, threshold
}

// Engine runs similarity search.
type Engine struct {
	backend  Backend
	embedder Embedder
	name     string
	logger   *zap.Logger
}

// NewEngine creates an Engine. name labels the backend in metrics.
func NewEngine(backend Backend, embedder Embedder, name string, logger *zap.Logger) *Engine {
	return &Engine{backend: backend, embedder: embedder, name: name, logger: logger.Named("search")}
}

// Search embeds query and returns at most TopK hits scoring at or above
// the threshold, best first.
func (e *Engine) Search(ctx context.Context, query string, opts Options) ([]Hit, error) {
	if query == "" {
		return nil, apperr.Validation("query is required")
	}
	res, err := e.embedder.EmbedQuery(ctx, opts.Model, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	if res.Degraded {
		e.logger.Warn("Searching with a degraded query embedding")
	}
	return e.SearchVector(ctx, res.Vector, opts)
}

// SearchVector ranks stored chunks against an already embedded query.
func (e *Engine) SearchVector(ctx context.Context, vector []float32, opts Options) ([]Hit, error) {
	topK, threshold := opts.resolve()
	start := time.Now()
	hits, err := e.backend.Nearest(ctx, vector, topK, threshold)
	metrics.RecordSearch(e.name, time.Since(start).Seconds())
	if err != nil {
		return nil, fmt.Errorf("nearest chunks: %w", err)
	}
	return Rank(hits, threshold, topK), nil
}

// Rank drops hits below threshold, sorts the rest by score descending
// (ties by document id then chunk index) and keeps at most topK.
func Rank(hits []Hit, threshold float64, topK int) []Hit {
	out := make([]Hit, 0, len(hits))
	for _, h := range hits {
		if h.Score >= threshold {
			out = append(out, h)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		if out[i].DocumentID != out[j].DocumentID {
			return out[i].DocumentID < out[j].DocumentID
		}
		return out[i].ChunkIndex < out[j].ChunkIndex
	})
	if topK > 0 && len(out) > topK {
		out = out[:topK]
	}
	return out
}

// CosineSimilarity returns 0 for vectors of different length or zero norm.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// Candidate is a stored chunk with its vector.
type Candidate struct {
	Hit
	Vector []float32
}

// CandidateSource lists every chunk that has an embedding.
type CandidateSource interface {
	EmbeddedChunks(ctx context.Context) ([]Candidate, error)
}

// ExactBackend scores every candidate. It suits small corpora and tests.
type ExactBackend struct {
	Source CandidateSource
}

func (b ExactBackend) Nearest(ctx context.Context, vector []float32, limit int, minScore float64) ([]Hit, error) {
	cands, err := b.Source.EmbeddedChunks(ctx)
	if err != nil {
		return nil, err
	}
	hits := make([]Hit, 0, len(cands))
	for _, c := range cands {
		if len(c.Vector) == 0 {
			continue
		}
		h := c.Hit
		h.Score = CosineSimilarity(vector, c.Vector)
		hits = append(hits, h)
	}
	return Rank(hits, minScore, limit), nil
}
