// Package memstore is an in-process store for tests and for running
// without a database. Registry entries come from configuration seeds.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/nidhogg/nuka-rag/internal/apperr"
	"github.com/nidhogg/nuka-rag/internal/ingest"
	"github.com/nidhogg/nuka-rag/internal/registry"
	"github.com/nidhogg/nuka-rag/internal/search"
	"github.com/nidhogg/nuka-rag/internal/usage"
)

// Store holds every record in maps guarded by one lock.
type Store struct {
	mu        sync.RWMutex
	providers map[string]*registry.Provider
	models    map[string]*registry.Model // by id
	mappings  map[string][]registry.ParameterMapping
	documents map[string]*ingest.Document
	chunks    map[string][]ingest.Chunk
	usage     []usage.Record
}

func New() *Store {
	return &Store{
		providers: make(map[string]*registry.Provider),
		models:    make(map[string]*registry.Model),
		mappings:  make(map[string][]registry.ParameterMapping),
		documents: make(map[string]*ingest.Document),
		chunks:    make(map[string][]ingest.Chunk),
	}
}

// Load replaces the registry contents with seed.
func (s *Store) Load(seed *registry.Seed) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.providers = make(map[string]*registry.Provider)
	s.models = make(map[string]*registry.Model)
	s.mappings = make(map[string][]registry.ParameterMapping)
	for _, p := range seed.Providers {
		p := p
		s.providers[p.ID] = &p
	}
	for _, m := range seed.Models {
		if m.IsDefault {
			for _, other := range s.models {
				if other.IsDefault && other.Type == m.Type {
					return apperr.Configuration(fmt.Sprintf("models %s and %s are both default", other.Name, m.Name))
				}
			}
		}
		m := m
		s.models[m.ID] = &m
	}
	for _, mp := range seed.Mappings {
		s.mappings[mp.ModelID] = append(s.mappings[mp.ModelID], mp)
	}
	return nil
}

// PutProvider inserts or replaces a provider.
func (s *Store) PutProvider(_ context.Context, p registry.Provider) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p.UpdatedAt = time.Now().UTC()
	s.providers[p.ID] = &p
	return nil
}

// PutModel inserts or replaces a model. A default model clears the
// previous default of its type.
func (s *Store) PutModel(_ context.Context, m registry.Model) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.providers[m.ProviderID]; !ok {
		return apperr.NotFound("provider " + m.ProviderID)
	}
	if m.IsDefault {
		s.clearDefault(m.Type)
	}
	m.UpdatedAt = time.Now().UTC()
	s.models[m.ID] = &m
	return nil
}

// SetDefaultModel makes one model the default of its type.
func (s *Store) SetDefaultModel(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.models[id]
	if !ok {
		return apperr.NotFound("model " + id)
	}
	s.clearDefault(m.Type)
	m.IsDefault = true
	return nil
}

func (s *Store) clearDefault(t registry.ModelType) {
	for _, other := range s.models {
		if other.Type == t {
			other.IsDefault = false
		}
	}
}

// PutMappings replaces the mapping set of one model.
func (s *Store) PutMappings(_ context.Context, modelID string, mappings []registry.ParameterMapping) error {
	if err := registry.ValidateMappings(mappings); err != nil {
		return apperr.Validation(err.Error())
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mappings[modelID] = append([]registry.ParameterMapping(nil), mappings...)
	return nil
}

func (s *Store) GetProvider(_ context.Context, id string) (*registry.Provider, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.providers[id]
	if !ok {
		return nil, apperr.NotFound("provider " + id)
	}
	cp := *p
	return &cp, nil
}

func (s *Store) GetModelByName(_ context.Context, name string) (*registry.Model, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, m := range s.models {
		if m.Name == name {
			cp := *m
			return &cp, nil
		}
	}
	return nil, apperr.NotFound("model " + name)
}

func (s *Store) GetDefaultModel(_ context.Context, t registry.ModelType) (*registry.Model, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, m := range s.models {
		if m.IsDefault && m.Type == t {
			cp := *m
			return &cp, nil
		}
	}
	return nil, apperr.NotFound("default " + string(t) + " model")
}

func (s *Store) ListMappings(_ context.Context, modelID string) ([]registry.ParameterMapping, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]registry.ParameterMapping(nil), s.mappings[modelID]...), nil
}

func (s *Store) CreateDocument(_ context.Context, doc *ingest.Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.documents[doc.ID]; ok {
		return fmt.Errorf("document %s already exists", doc.ID)
	}
	cp := *doc
	s.documents[doc.ID] = &cp
	return nil
}

func (s *Store) GetDocument(_ context.Context, id string) (*ingest.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.documents[id]
	if !ok {
		return nil, apperr.NotFound("document " + id)
	}
	cp := *d
	return &cp, nil
}

func (s *Store) ListUnprocessed(_ context.Context) ([]*ingest.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*ingest.Document
	for _, d := range s.documents {
		if !d.IsProcessed {
			cp := *d
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) ReplaceChunks(_ context.Context, documentID string, chunks []ingest.Chunk) error {
	for i, c := range chunks {
		if c.ChunkIndex != i {
			return fmt.Errorf("chunk %d of document %s has index %d", i, documentID, c.ChunkIndex)
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.documents[documentID]; !ok {
		return apperr.NotFound("document " + documentID)
	}
	s.chunks[documentID] = append([]ingest.Chunk(nil), chunks...)
	return nil
}

func (s *Store) ListChunks(_ context.Context, documentID string) ([]ingest.Chunk, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.documents[documentID]; !ok {
		return nil, apperr.NotFound("document " + documentID)
	}
	return append([]ingest.Chunk(nil), s.chunks[documentID]...), nil
}

func (s *Store) FinishDocument(_ context.Context, id, storagePath, processingError string, chunkCount int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.documents[id]
	if !ok {
		return apperr.NotFound("document " + id)
	}
	now := time.Now().UTC()
	d.IsProcessed = true
	d.StoragePath = storagePath
	d.ProcessingError = processingError
	d.ChunkCount = chunkCount
	d.ProcessedAt = &now
	return nil
}

// EmbeddedChunks lists every chunk with an embedding for exact search.
func (s *Store) EmbeddedChunks(_ context.Context) ([]search.Candidate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []search.Candidate
	for docID, chunks := range s.chunks {
		name := s.documents[docID].Filename
		for _, c := range chunks {
			if c.Embedding == nil {
				continue
			}
			out = append(out, search.Candidate{
				Hit: search.Hit{
					ChunkID:      c.ID,
					DocumentID:   docID,
					DocumentName: name,
					ChunkIndex:   c.ChunkIndex,
					Text:         c.Text,
				},
				Vector: c.Embedding,
			})
		}
	}
	return out, nil
}

func (s *Store) InsertUsage(_ context.Context, rec usage.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.usage = append(s.usage, rec)
	return nil
}

// Usage returns a copy of every recorded usage entry.
func (s *Store) Usage() []usage.Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]usage.Record(nil), s.usage...)
}

func (s *Store) SummarizeUsage(_ context.Context, userID string) ([]usage.Summary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return usage.Summarize(s.usage, userID), nil
}
