package ingest

import (
	"context"
	"time"

	"github.com/nidhogg/nuka-rag/internal/embedding"
	"github.com/nidhogg/nuka-rag/internal/vectorstore"
)

// TombstonePrefix marks a storage path whose source was deleted after
// processing.
const TombstonePrefix = "deleted:"

// Document is an uploaded source file.
type Document struct {
	ID              string     `json:"id"`
	Filename        string     `json:"filename"`
	ContentType     string     `json:"content_type"`
	Size            int64      `json:"size"`
	StoragePath     string     `json:"storage_path"`
	UploadedBy      string     `json:"uploaded_by,omitempty"`
	IsProcessed     bool       `json:"is_processed"`
	ProcessingError string     `json:"processing_error,omitempty"`
	ChunkCount      int        `json:"chunk_count"`
	CreatedAt       time.Time  `json:"created_at"`
	ProcessedAt     *time.Time `json:"processed_at,omitempty"`
}

type ChunkStatus string

const (
	ChunkEmbedded ChunkStatus = "embedded"
	ChunkDegraded ChunkStatus = "degraded"
	// ChunkRejected chunks exceed the embedding hard limit and carry no
	// embedding.
	ChunkRejected ChunkStatus = "rejected"
)

type ChunkMetadata struct {
	TokenCount   int         `json:"token_count"`
	CharCount    int         `json:"char_count"`
	Status       ChunkStatus `json:"status"`
	Degraded     bool        `json:"degraded"`
	Attempts     int         `json:"attempts"`
	OverlapBytes int         `json:"overlap_bytes"`
}

// Chunk is one embedded slice of a document. Embedding is nil for
// rejected chunks.
type Chunk struct {
	ID         string        `json:"id"`
	DocumentID string        `json:"document_id"`
	ChunkIndex int           `json:"chunk_index"`
	Text       string        `json:"text"`
	Embedding  []float32     `json:"-"`
	Metadata   ChunkMetadata `json:"metadata"`
	CreatedAt  time.Time     `json:"created_at"`
}

// Repository persists documents and their chunks.
type Repository interface {
	CreateDocument(ctx context.Context, doc *Document) error
	GetDocument(ctx context.Context, id string) (*Document, error)
	ListUnprocessed(ctx context.Context) ([]*Document, error)
	// ReplaceChunks atomically swaps every chunk of a document.
	ReplaceChunks(ctx context.Context, documentID string, chunks []Chunk) error
	ListChunks(ctx context.Context, documentID string) ([]Chunk, error)
	// FinishDocument marks a document processed with its final storage path
	// and error text (empty on success).
	FinishDocument(ctx context.Context, id, storagePath, processingError string, chunkCount int) error
}

// Embedder embeds chunk text.
type Embedder interface {
	Embed(ctx context.Context, model, text string) (*embedding.Result, error)
}

// Indexer mirrors chunk vectors into an external vector index.
type Indexer interface {
	Index(ctx context.Context, points []vectorstore.Point) error
	DeleteDocument(ctx context.Context, documentID string) error
}
