package repository

import (
	"context"
	"fmt"

	"legalresearch-backend/models"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ResearchRepository handles database operations for research records
type ResearchRepository struct {
	db *pgxpool.Pool
}

// NewResearchRepository creates a new research repository
func NewResearchRepository(db *pgxpool.Pool) *ResearchRepository {
	return &ResearchRepository{db: db}
}

// Create stores a finished research run
func (r *ResearchRepository) Create(ctx context.Context, rec *models.ResearchRecord) error {
	query := `
		INSERT INTO research_records (
			id, request, status, tier, response, sources, audit,
			summarization_stages, total_tokens, artifact_path
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING created_at`

	return r.db.QueryRow(
		ctx, query,
		rec.ID,
		rec.Request,
		rec.Status,
		rec.Tier,
		rec.Response,
		rec.Sources,
		rec.Audit,
		rec.SummarizationStages,
		rec.TotalTokens,
		rec.ArtifactPath,
	).Scan(&rec.CreatedAt)
}

// GetByID retrieves a research record by ID
func (r *ResearchRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.ResearchRecord, error) {
	rec := &models.ResearchRecord{}
	query := `
		SELECT id, request, status, tier, response, sources, audit,
			summarization_stages, total_tokens, artifact_path, created_at
		FROM research_records
		WHERE id = $1`

	err := r.db.QueryRow(ctx, query, id).Scan(
		&rec.ID,
		&rec.Request,
		&rec.Status,
		&rec.Tier,
		&rec.Response,
		&rec.Sources,
		&rec.Audit,
		&rec.SummarizationStages,
		&rec.TotalTokens,
		&rec.ArtifactPath,
		&rec.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	if rec.SummarizationStages == nil {
		rec.SummarizationStages = []string{}
	}
	return rec, nil
}

// ListRecent returns the most recent research records, newest first
func (r *ResearchRepository) ListRecent(ctx context.Context, limit, offset int) ([]*models.ResearchRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	query := `
		SELECT id, request, status, tier, response, sources, audit,
			summarization_stages, total_tokens, artifact_path, created_at
		FROM research_records
		ORDER BY created_at DESC
		LIMIT $1 OFFSET $2`

	rows, err := r.db.Query(ctx, query, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list research records: %w", err)
	}
	defer rows.Close()

	records := make([]*models.ResearchRecord, 0)
	for rows.Next() {
		rec := &models.ResearchRecord{}
		err := rows.Scan(
			&rec.ID,
			&rec.Request,
			&rec.Status,
			&rec.Tier,
			&rec.Response,
			&rec.Sources,
			&rec.Audit,
			&rec.SummarizationStages,
			&rec.TotalTokens,
			&rec.ArtifactPath,
			&rec.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan research record: %w", err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}
