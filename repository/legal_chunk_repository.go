package repository

import (
	"context"
	"fmt"
	"strings"

	"legalresearch-backend/models"

	"github.com/jackc/pgx/v5/pgxpool"
)

// EmbeddingDimensions is the width of the legal_chunks.embedding column
const EmbeddingDimensions = 768

// LegalChunkRepository handles database operations for legal chunks
type LegalChunkRepository struct {
	db *pgxpool.Pool
}

// NewLegalChunkRepository creates a new legal chunk repository
func NewLegalChunkRepository(db *pgxpool.Pool) *LegalChunkRepository {
	return &LegalChunkRepository{db: db}
}

// formatVector formats an embedding vector as a pgvector literal
func formatVector(embedding []float32) string {
	if len(embedding) == 0 {
		return "[]"
	}
	parts := make([]string, 0, len(embedding))
	for _, v := range embedding {
		parts = append(parts, fmt.Sprintf("%.6f", v))
	}
	return "[" + strings.Join(parts, ",") + "]"
}

// SearchSimilar returns the chunks closest to embedding by cosine distance
// embedding: Query embedding vector (768 dimensions)
// jurisdiction: Jurisdiction filter, empty matches every jurisdiction
// limit: Maximum number of chunks to return
func (r *LegalChunkRepository) SearchSimilar(
	ctx context.Context,
	embedding []float32,
	jurisdiction string,
	limit int,
) ([]models.LegalChunk, error) {
	if len(embedding) != EmbeddingDimensions {
		return nil, fmt.Errorf("embedding must be %d dimensions, got %d", EmbeddingDimensions, len(embedding))
	}
	if limit <= 0 {
		limit = 5
	}

	query := `
		SELECT
			id,
			chunk_text,
			source_type,
			source_document,
			chunk_index,
			title,
			source_url,
			citation,
			court,
			jurisdiction,
			metadata,
			embedding <=> $1::vector AS distance
		FROM legal_chunks
		WHERE
			($2 = '' OR lower(jurisdiction) = lower($2))
		ORDER BY
			embedding <=> $1::vector
		LIMIT $3`

	rows, err := r.db.Query(ctx, query, formatVector(embedding), jurisdiction, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query legal chunks: %w", err)
	}
	defer rows.Close()

	var chunks []models.LegalChunk
	for rows.Next() {
		var chunk models.LegalChunk
		err := rows.Scan(
			&chunk.ID,
			&chunk.Text,
			&chunk.SourceType,
			&chunk.SourceDocument,
			&chunk.ChunkIndex,
			&chunk.Title,
			&chunk.SourceURL,
			&chunk.Citation,
			&chunk.Court,
			&chunk.Jurisdiction,
			&chunk.Metadata,
			&chunk.Distance,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan legal chunk: %w", err)
		}
		chunks = append(chunks, chunk)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating legal chunks: %w", err)
	}

	return chunks, nil
}

// Insert stores a chunk with its embedding
func (r *LegalChunkRepository) Insert(ctx context.Context, chunk *models.LegalChunk) error {
	if len(chunk.Embedding) != EmbeddingDimensions {
		return fmt.Errorf("embedding must be %d dimensions, got %d", EmbeddingDimensions, len(chunk.Embedding))
	}
	metadata := chunk.Metadata
	if metadata == nil {
		metadata = map[string]interface{}{}
	}

	query := `
		INSERT INTO legal_chunks (
			chunk_text, source_type, source_document, chunk_index, title,
			source_url, citation, court, jurisdiction, metadata, embedding
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11::vector)
		ON CONFLICT (source_document, chunk_index) DO UPDATE SET
			chunk_text = EXCLUDED.chunk_text,
			title = EXCLUDED.title,
			source_url = EXCLUDED.source_url,
			citation = EXCLUDED.citation,
			court = EXCLUDED.court,
			metadata = EXCLUDED.metadata,
			embedding = EXCLUDED.embedding
		RETURNING id`

	return r.db.QueryRow(
		ctx, query,
		chunk.Text,
		chunk.SourceType,
		chunk.SourceDocument,
		chunk.ChunkIndex,
		chunk.Title,
		chunk.SourceURL,
		chunk.Citation,
		chunk.Court,
		chunk.Jurisdiction,
		metadata,
		formatVector(chunk.Embedding),
	).Scan(&chunk.ID)
}

// CountBySourceDocument returns how many chunks of a document are stored
func (r *LegalChunkRepository) CountBySourceDocument(ctx context.Context, sourceDocument string) (int, error) {
	var n int
	err := r.db.QueryRow(ctx, `SELECT COUNT(*) FROM legal_chunks WHERE source_document = $1`, sourceDocument).Scan(&n)
	return n, err
}
