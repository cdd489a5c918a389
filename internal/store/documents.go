package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pgvector/pgvector-go"

	"github.com/nidhogg/nuka-rag/internal/apperr"
	"github.com/nidhogg/nuka-rag/internal/ingest"
	"github.com/nidhogg/nuka-rag/internal/search"
)

const documentColumns = `id::text, filename, content_type, size, storage_path, uploaded_by,
	is_processed, processing_error, chunk_count, created_at, processed_at`

func scanDocument(row pgx.Row) (*ingest.Document, error) {
	var d ingest.Document
	err := row.Scan(&d.ID, &d.Filename, &d.ContentType, &d.Size, &d.StoragePath, &d.UploadedBy,
		&d.IsProcessed, &d.ProcessingError, &d.ChunkCount, &d.CreatedAt, &d.ProcessedAt)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func (s *Store) CreateDocument(ctx context.Context, doc *ingest.Document) error {
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.Exec(ctx, `
		INSERT INTO documents (id, filename, content_type, size, storage_path, uploaded_by, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		doc.ID, doc.Filename, doc.ContentType, doc.Size, doc.StoragePath, doc.UploadedBy, doc.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert document: %w", err)
	}
	return nil
}

func (s *Store) GetDocument(ctx context.Context, id string) (*ingest.Document, error) {
	d, err := scanDocument(s.db.QueryRow(ctx,
		`SELECT `+documentColumns+` FROM documents WHERE id=$1`, id))
	if err != nil {
		return nil, notFound(err, "document "+id)
	}
	return d, nil
}

// ListUnprocessed returns pending documents oldest first.
func (s *Store) ListUnprocessed(ctx context.Context) ([]*ingest.Document, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+documentColumns+` FROM documents WHERE NOT is_processed ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("query unprocessed: %w", err)
	}
	defer rows.Close()

	var docs []*ingest.Document
	for rows.Next() {
		d, err := scanDocument(rows)
		if err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		docs = append(docs, d)
	}
	return docs, rows.Err()
}

// ReplaceChunks deletes and rewrites every chunk of a document in one
// transaction. Chunk indices must run 0..n-1.
func (s *Store) ReplaceChunks(ctx context.Context, documentID string, chunks []ingest.Chunk) error {
	for i, c := range chunks {
		if c.ChunkIndex != i {
			return fmt.Errorf("chunk %d of document %s has index %d", i, documentID, c.ChunkIndex)
		}
	}

	return pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
		var exists bool
		if err := tx.QueryRow(ctx,
			`SELECT EXISTS(SELECT 1 FROM documents WHERE id=$1)`, documentID).Scan(&exists); err != nil {
			return fmt.Errorf("check document: %w", err)
		}
		if !exists {
			return apperr.NotFound("document " + documentID)
		}
		if _, err := tx.Exec(ctx, `DELETE FROM document_chunks WHERE document_id=$1`, documentID); err != nil {
			return fmt.Errorf("clear chunks: %w", err)
		}

		batch := &pgx.Batch{}
		for _, c := range chunks {
			meta, err := json.Marshal(c.Metadata)
			if err != nil {
				return fmt.Errorf("encode chunk metadata: %w", err)
			}
			var vec *pgvector.Vector
			if c.Embedding != nil {
				v := pgvector.NewVector(c.Embedding)
				vec = &v
			}
			created := c.CreatedAt
			if created.IsZero() {
				created = time.Now().UTC()
			}
			batch.Queue(`INSERT INTO document_chunks (id, document_id, chunk_index, text, embedding, metadata, created_at)
				VALUES ($1, $2, $3, $4, $5, $6, $7)`,
				c.ID, documentID, c.ChunkIndex, c.Text, vec, meta, created)
		}
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("insert chunks: %w", err)
		}
		return nil
	})
}

func (s *Store) ListChunks(ctx context.Context, documentID string) ([]ingest.Chunk, error) {
	if _, err := s.GetDocument(ctx, documentID); err != nil {
		return nil, err
	}
	rows, err := s.db.Query(ctx, `
		SELECT id::text, document_id::text, chunk_index, text, embedding, metadata, created_at
		FROM document_chunks WHERE document_id=$1 ORDER BY chunk_index`, documentID)
	if err != nil {
		return nil, fmt.Errorf("query chunks: %w", err)
	}
	defer rows.Close()

	var out []ingest.Chunk
	for rows.Next() {
		var (
			c    ingest.Chunk
			vec  *pgvector.Vector
			meta []byte
		)
		if err := rows.Scan(&c.ID, &c.DocumentID, &c.ChunkIndex, &c.Text, &vec, &meta, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan chunk: %w", err)
		}
		if vec != nil {
			c.Embedding = vec.Slice()
		}
		if err := json.Unmarshal(meta, &c.Metadata); err != nil {
			return nil, fmt.Errorf("decode chunk metadata: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *Store) FinishDocument(ctx context.Context, id, storagePath, processingError string, chunkCount int) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE documents SET is_processed=true, storage_path=$2, processing_error=$3,
			chunk_count=$4, processed_at=NOW()
		WHERE id=$1`, id, storagePath, processingError, chunkCount)
	if err != nil {
		return fmt.Errorf("finish document: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("document " + id)
	}
	return nil
}

// Nearest ranks stored chunks by cosine similarity inside PostgreSQL.
// Chunks whose embedding has a different dimension are skipped.
func (s *Store) Nearest(ctx context.Context, vector []float32, limit int, minScore float64) ([]search.Hit, error) {
	if limit <= 0 {
		limit = search.DefaultTopK
	}
	rows, err := s.db.Query(ctx, `
		SELECT c.id::text, c.document_id::text, d.filename, c.chunk_index, c.text,
			1 - (c.embedding <=> $1) AS score
		FROM document_chunks c
		JOIN documents d ON d.id = c.document_id
		WHERE c.embedding IS NOT NULL
			AND vector_dims(c.embedding) = $2
			AND 1 - (c.embedding <=> $1) >= $3
		ORDER BY c.embedding <=> $1, c.document_id, c.chunk_index
		LIMIT $4`,
		pgvector.NewVector(vector), len(vector), minScore, limit)
	if err != nil {
		return nil, fmt.Errorf("query nearest chunks: %w", err)
	}
	defer rows.Close()

	var hits []search.Hit
	for rows.Next() {
		var h search.Hit
		if err := rows.Scan(&h.ChunkID, &h.DocumentID, &h.DocumentName, &h.ChunkIndex, &h.Text, &h.Score); err != nil {
			return nil, fmt.Errorf("scan hit: %w", err)
		}
		hits = append(hits, h)
	}
	return hits, rows.Err()
}
