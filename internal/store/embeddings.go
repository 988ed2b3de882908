package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/pgvector/pgvector-go"

	"github.com/sslvsup/serviceup-insights/internal/errs"
	"github.com/sslvsup/serviceup-insights/internal/models"
)

// EmbeddingStore writes and queries invoice_embeddings.
type EmbeddingStore struct {
	db DB
}

func NewEmbeddingStore(db DB) *EmbeddingStore {
	return &EmbeddingStore{db: db}
}

const hasChunkSQL = `
SELECT EXISTS (SELECT 1 FROM invoice_embeddings WHERE parsed_invoice_id = $1 AND chunk_type = $2)`

func (s *EmbeddingStore) HasChunk(ctx context.Context, invoiceID int64, chunk models.ChunkType) (bool, error) {
	var exists bool
	if err := s.db.QueryRow(ctx, hasChunkSQL, invoiceID, string(chunk)).Scan(&exists); err != nil {
		return false, errs.E(errs.KindStorage, "store.HasChunk", err)
	}
	return exists, nil
}

const deleteChunksSQL = `DELETE FROM invoice_embeddings WHERE parsed_invoice_id = $1 AND chunk_type = $2`

// DeleteChunks removes every chunk of one type for an invoice.
func (s *EmbeddingStore) DeleteChunks(ctx context.Context, invoiceID int64, chunk models.ChunkType) error {
	if _, err := s.db.Exec(ctx, deleteChunksSQL, invoiceID, string(chunk)); err != nil {
		return errs.E(errs.KindStorage, "store.DeleteChunks", err)
	}
	return nil
}

const insertChunkSQL = `
INSERT INTO invoice_embeddings (parsed_invoice_id, chunk_type, chunk_text, embedding, metadata)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT DO NOTHING`

func (s *EmbeddingStore) InsertChunk(ctx context.Context, c models.EmbeddingChunk) error {
	meta, err := json.Marshal(nonNilMap(c.Metadata))
	if err != nil {
		return fmt.Errorf("failed to marshal chunk metadata: %w", err)
	}
	if _, err := s.db.Exec(ctx, insertChunkSQL, c.InvoiceID, string(c.Type), c.Text, pgvector.NewVector(c.Vector), meta); err != nil {
		return errs.E(errs.KindStorage, "store.InsertChunk", err)
	}
	return nil
}

// Match is one nearest-neighbour hit.
type Match struct {
	InvoiceID int64
	ChunkType models.ChunkType
	Text      string
	Distance  float64
}

const searchSQL = `
SELECT e.parsed_invoice_id, e.chunk_type, e.chunk_text, e.embedding <=> $1 AS distance
FROM invoice_embeddings e
JOIN parsed_invoices i ON i.id = e.parsed_invoice_id
WHERE ($2::bigint IS NULL OR i.fleet_id = $2)
ORDER BY distance
LIMIT $3`

// Search returns the chunks closest to vec by cosine distance, optionally
// restricted to one fleet.
func (s *EmbeddingStore) Search(ctx context.Context, vec []float32, fleetID *int64, limit int) ([]Match, error) {
	rows, err := s.db.Query(ctx, searchSQL, pgvector.NewVector(vec), fleetID, limit)
	if err != nil {
		return nil, errs.E(errs.KindStorage, "store.Search", err)
	}
	defer rows.Close()

	var matches []Match
	for rows.Next() {
		var (
			m     Match
			chunk string
		)
		if err := rows.Scan(&m.InvoiceID, &chunk, &m.Text, &m.Distance); err != nil {
			return nil, errs.E(errs.KindStorage, "store.Search", err)
		}
		m.ChunkType = models.ChunkType(chunk)
		matches = append(matches, m)
	}
	return matches, rows.Err()
}
