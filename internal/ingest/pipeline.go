// Package ingest turns uploaded documents into embedded chunks on a
// background worker pool.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nidhogg/nuka-rag/internal/apperr"
	"github.com/nidhogg/nuka-rag/internal/blob"
	"github.com/nidhogg/nuka-rag/internal/chunker"
	"github.com/nidhogg/nuka-rag/internal/extract"
	"github.com/nidhogg/nuka-rag/internal/metrics"
	"github.com/nidhogg/nuka-rag/internal/vectorstore"
)

// Options configures a Pipeline.
type Options struct {
	// Model is the embedding model name; empty selects the default.
	Model          string
	Workers        int
	QueueSize      int
	MaxUploadBytes int64
}

// Upload is a document submitted for ingestion.
type Upload struct {
	Filename   string
	Data       []byte
	UploadedBy string
}

// Pipeline stores uploads and processes them off the request path.
type Pipeline struct {
	repo     Repository
	blobs    blob.Store
	chunker  *chunker.Chunker
	embedder Embedder
	indexer  Indexer
	opts     Options
	jobs     chan string
	inflight sync.Map
	logger   *zap.Logger
}

// NewPipeline creates a Pipeline. indexer may be nil.
func NewPipeline(repo Repository, blobs blob.Store, ch *chunker.Chunker, embedder Embedder, indexer Indexer, opts Options, logger *zap.Logger) *Pipeline {
	if opts.Workers <= 0 {
		opts.Workers = 2
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 64
	}
	return &Pipeline{
		repo:     repo,
		blobs:    blobs,
		chunker:  ch,
		embedder: embedder,
		indexer:  indexer,
		opts:     opts,
		jobs:     make(chan string, opts.QueueSize),
		logger:   logger.Named("ingest"),
	}
}

// Submit validates and stores an upload and queues it for processing. The
// returned document is not yet processed.
func (p *Pipeline) Submit(ctx context.Context, up Upload) (*Document, error) {
	if len(up.Data) == 0 {
		return nil, apperr.Validation("file is empty")
	}
	if p.opts.MaxUploadBytes > 0 && int64(len(up.Data)) > p.opts.MaxUploadBytes {
		return nil, apperr.Validation(fmt.Sprintf("file exceeds max size of %d bytes", p.opts.MaxUploadBytes))
	}
	name := safeName(up.Filename)
	contentType := extract.Detect(name, up.Data)
	if contentType == "" {
		return nil, apperr.Validation("unsupported document type")
	}

	doc := &Document{
		ID:          uuid.New().String(),
		Filename:    name,
		ContentType: contentType,
		Size:        int64(len(up.Data)),
		UploadedBy:  up.UploadedBy,
		CreatedAt:   time.Now().UTC(),
	}
	path, err := p.blobs.Put(ctx, doc.ID+"/"+name, up.Data, contentType)
	if err != nil {
		return nil, fmt.Errorf("store upload: %w", err)
	}
	doc.StoragePath = path
	if err := p.repo.CreateDocument(ctx, doc); err != nil {
		if delErr := p.blobs.Delete(ctx, path); delErr != nil {
			p.logger.Warn("Failed to remove orphaned upload", zap.String("path", path), zap.Error(delErr))
		}
		return nil, fmt.Errorf("create document: %w", err)
	}
	metrics.RecordDocument("submitted")
	p.enqueue(doc.ID)
	return doc, nil
}

// enqueue never blocks. Documents that miss the queue stay unprocessed and
// are picked up by the next Run.
func (p *Pipeline) enqueue(id string) {
	select {
	case p.jobs <- id:
	default:
		p.logger.Warn("Ingestion queue full, document deferred", zap.String("document", id))
	}
}

// Run processes queued documents on a bounded pool until ctx is done.
// Documents left unprocessed by an earlier run are queued first.
func (p *Pipeline) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for i := 0; i < p.opts.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case id := <-p.jobs:
					if err := p.Process(ctx, id); err != nil && ctx.Err() == nil {
						p.logger.Error("Document processing failed", zap.String("document", id), zap.Error(err))
					}
				}
			}
		}()
	}

	pending, err := p.repo.ListUnprocessed(ctx)
	if err != nil {
		p.logger.Warn("Failed to list unprocessed documents", zap.Error(err))
	}
	if len(pending) > 0 {
		p.logger.Info("Resuming unprocessed documents", zap.Int("count", len(pending)))
	}
resume:
	for _, doc := range pending {
		select {
		case p.jobs <- doc.ID:
		case <-ctx.Done():
			break resume
		}
	}

	wg.Wait()
	return nil
}

// Process extracts, chunks and embeds one document, then deletes its
// source and tombstones the storage path. Processing failures are
// recorded on the document; only cancellation and persistence errors are
// returned.
func (p *Pipeline) Process(ctx context.Context, id string) error {
	if _, busy := p.inflight.LoadOrStore(id, struct{}{}); busy {
		return nil
	}
	defer p.inflight.Delete(id)

	doc, err := p.repo.GetDocument(ctx, id)
	if err != nil {
		return fmt.Errorf("load document %s: %w", id, err)
	}
	if doc.IsProcessed {
		return nil
	}
	start := time.Now()
	log := p.logger.With(zap.String("document", doc.ID), zap.String("filename", doc.Filename))

	chunks, err := p.buildChunks(ctx, doc)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		log.Warn("Document rejected", zap.Error(err))
		metrics.RecordDocument("failed")
		return p.repo.FinishDocument(ctx, doc.ID, doc.StoragePath, err.Error(), 0)
	}

	if err := p.repo.ReplaceChunks(ctx, doc.ID, chunks); err != nil {
		return fmt.Errorf("save chunks: %w", err)
	}
	p.mirror(ctx, doc, chunks)

	storagePath := doc.StoragePath
	if err := p.blobs.Delete(ctx, doc.StoragePath); err != nil {
		log.Warn("Failed to delete processed source", zap.Error(err))
	} else {
		storagePath = TombstonePrefix + doc.StoragePath
	}
	if err := p.repo.FinishDocument(ctx, doc.ID, storagePath, "", len(chunks)); err != nil {
		return fmt.Errorf("finish document: %w", err)
	}

	metrics.RecordDocument("processed")
	log.Info("Document processed",
		zap.Int("chunks", len(chunks)),
		zap.Duration("elapsed", time.Since(start)))
	return nil
}

func (p *Pipeline) buildChunks(ctx context.Context, doc *Document) ([]Chunk, error) {
	data, err := p.blobs.Get(ctx, doc.StoragePath)
	if err != nil {
		return nil, fmt.Errorf("read source: %w", err)
	}
	text, err := extract.Text(doc.ContentType, data)
	if err != nil {
		return nil, err
	}
	pieces := p.chunker.Split(text)
	if len(pieces) == 0 {
		return nil, errors.New("document contains no text")
	}

	now := time.Now().UTC()
	chunks := make([]Chunk, 0, len(pieces))
	for _, piece := range pieces {
		c := Chunk{
			ID:         uuid.New().String(),
			DocumentID: doc.ID,
			ChunkIndex: piece.Index,
			Text:       piece.Text,
			CreatedAt:  now,
			Metadata: ChunkMetadata{
				TokenCount:   piece.TokenCount,
				CharCount:    piece.CharCount,
				OverlapBytes: piece.Overlap,
			},
		}
		if piece.TokenCount > chunker.HardLimit {
			c.Metadata.Status = ChunkRejected
			metrics.RecordChunk(string(ChunkRejected))
			chunks = append(chunks, c)
			continue
		}

		res, err := p.embedder.Embed(ctx, p.opts.Model, piece.Text)
		if err != nil {
			return nil, fmt.Errorf("embed chunk %d: %w", piece.Index, err)
		}
		c.Embedding = res.Vector
		c.Metadata.Attempts = res.Attempts
		c.Metadata.Degraded = res.Degraded
		c.Metadata.Status = ChunkEmbedded
		if res.Degraded {
			c.Metadata.Status = ChunkDegraded
		}
		metrics.RecordChunk(string(c.Metadata.Status))
		chunks = append(chunks, c)
	}
	return chunks, nil
}

// mirror copies chunks that carry an embedding into the vector index.
// Failures leave the primary store authoritative.
func (p *Pipeline) mirror(ctx context.Context, doc *Document, chunks []Chunk) {
	if p.indexer == nil {
		return
	}
	points := make([]vectorstore.Point, 0, len(chunks))
	for _, c := range chunks {
		if c.Embedding == nil {
			continue
		}
		points = append(points, vectorstore.Point{
			ChunkID:      c.ID,
			DocumentID:   doc.ID,
			DocumentName: doc.Filename,
			ChunkIndex:   c.ChunkIndex,
			Text:         c.Text,
			Vector:       c.Embedding,
		})
	}
	if err := p.indexer.DeleteDocument(ctx, doc.ID); err != nil {
		p.logger.Warn("Failed to clear mirrored points", zap.String("document", doc.ID), zap.Error(err))
	}
	if err := p.indexer.Index(ctx, points); err != nil {
		p.logger.Warn("Failed to mirror chunks", zap.String("document", doc.ID), zap.Error(err))
	}
}

func safeName(name string) string {
	name = filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	if name == "." || name == "/" || name == "" {
		return "upload"
	}
	return name
}
