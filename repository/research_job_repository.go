package repository

import (
	"context"
	"time"

	"legalresearch-backend/models"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ResearchJobRepository handles database operations for research jobs
type ResearchJobRepository struct {
	db *pgxpool.Pool
}

// NewResearchJobRepository creates a new research job repository
func NewResearchJobRepository(db *pgxpool.Pool) *ResearchJobRepository {
	return &ResearchJobRepository{db: db}
}

// Create creates a new research job
func (r *ResearchJobRepository) Create(ctx context.Context, job *models.ResearchJob) error {
	query := `
		INSERT INTO research_jobs (
			id, request, status, current_step, steps, error_message
		) VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at, updated_at`

	return r.db.QueryRow(
		ctx, query,
		job.ID,
		job.Request,
		job.Status,
		job.CurrentStep,
		job.Steps,
		job.ErrorMessage,
	).Scan(&job.CreatedAt, &job.UpdatedAt)
}

// GetByID retrieves a research job by ID
func (r *ResearchJobRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.ResearchJob, error) {
	job := &models.ResearchJob{}
	query := `
		SELECT id, request, status, current_step, steps, research_id, error_message,
			created_at, updated_at, completed_at
		FROM research_jobs
		WHERE id = $1`

	err := r.db.QueryRow(ctx, query, id).Scan(
		&job.ID,
		&job.Request,
		&job.Status,
		&job.CurrentStep,
		&job.Steps,
		&job.ResearchID,
		&job.ErrorMessage,
		&job.CreatedAt,
		&job.UpdatedAt,
		&job.CompletedAt,
	)
	if err != nil {
		return nil, err
	}

	if job.Steps == nil {
		job.Steps = make(models.ResearchSteps, 0)
	}
	return job, nil
}

// UpdateStatus updates the status of a research job
func (r *ResearchJobRepository) UpdateStatus(ctx context.Context, id uuid.UUID, status models.ResearchJobStatus) error {
	query := `
		UPDATE research_jobs SET
			status = $2,
			updated_at = NOW()
		WHERE id = $1`

	_, err := r.db.Exec(ctx, query, id, status)
	return err
}

// UpdateProgress updates the step list of a research job
func (r *ResearchJobRepository) UpdateProgress(ctx context.Context, id uuid.UUID, currentStep string, steps models.ResearchSteps) error {
	query := `
		UPDATE research_jobs SET
			current_step = $2,
			steps = $3,
			updated_at = NOW()
		WHERE id = $1`

	_, err := r.db.Exec(ctx, query, id, currentStep, steps)
	return err
}

// Complete marks a research job as completed and links its result
func (r *ResearchJobRepository) Complete(ctx context.Context, id uuid.UUID, researchID uuid.UUID) error {
	now := time.Now()
	query := `
		UPDATE research_jobs SET
			status = $2,
			research_id = $3,
			completed_at = $4,
			updated_at = $4
		WHERE id = $1`

	_, err := r.db.Exec(ctx, query, id, models.JobStatusCompleted, researchID, now)
	return err
}

// Fail marks a research job as failed
func (r *ResearchJobRepository) Fail(ctx context.Context, id uuid.UUID, errorMessage string) error {
	query := `
		UPDATE research_jobs SET
			status = $2,
			error_message = $3,
			updated_at = NOW()
		WHERE id = $1`

	_, err := r.db.Exec(ctx, query, id, models.JobStatusFailed, errorMessage)
	return err
}
