package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"unicode/utf8"

	"legalresearch-backend/logger"
	"legalresearch-backend/models"
	"legalresearch-backend/pipeline"
	"legalresearch-backend/storage"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

// MaxQueryChars bounds the question text accepted from clients
const MaxQueryChars = 4000

var (
	ErrInvalidQuery      = errors.New("query text is required")
	ErrQueryTooLong      = fmt.Errorf("query text exceeds %d characters", MaxQueryChars)
	ErrResearchNotFound  = errors.New("research not found")
	ErrJobNotFound       = errors.New("research job not found")
	ErrJobCreationFailed = errors.New("failed to create research job")
	ErrArtifactNotFound  = errors.New("research artifact not found")
)

// runner executes one research run
type runner interface {
	Run(ctx context.Context, q models.Query, obs pipeline.Observer) (*models.ResearchResult, error)
}

type researchStore interface {
	Create(ctx context.Context, rec *models.ResearchRecord) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.ResearchRecord, error)
	ListRecent(ctx context.Context, limit, offset int) ([]*models.ResearchRecord, error)
}

type jobStore interface {
	Create(ctx context.Context, job *models.ResearchJob) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.ResearchJob, error)
	UpdateStatus(ctx context.Context, id uuid.UUID, status models.ResearchJobStatus) error
	UpdateProgress(ctx context.Context, id uuid.UUID, currentStep string, steps models.ResearchSteps) error
	Complete(ctx context.Context, id uuid.UUID, researchID uuid.UUID) error
	Fail(ctx context.Context, id uuid.UUID, errorMessage string) error
}

// ResearchService handles business logic for research runs and jobs
type ResearchService struct {
	pipeline     runner
	researchRepo researchStore
	jobRepo      jobStore
	storage      storage.Storage
	logger       *zap.Logger
}

// ResearchServiceOption is a functional option for ResearchService
type ResearchServiceOption func(*ResearchService)

// WithPipeline sets the research pipeline
func WithPipeline(p runner) ResearchServiceOption {
	return func(s *ResearchService) {
		s.pipeline = p
	}
}

// WithResearchRepository sets the research record repository
func WithResearchRepository(repo researchStore) ResearchServiceOption {
	return func(s *ResearchService) {
		s.researchRepo = repo
	}
}

// WithResearchJobRepository sets the research job repository
func WithResearchJobRepository(repo jobStore) ResearchServiceOption {
	return func(s *ResearchService) {
		s.jobRepo = repo
	}
}

// WithStorage sets the artifact storage. Without one no artifacts are written.
func WithStorage(st storage.Storage) ResearchServiceOption {
	return func(s *ResearchService) {
		s.storage = st
	}
}

// WithLogger sets the logger
func WithLogger(logger *zap.Logger) ResearchServiceOption {
	return func(s *ResearchService) {
		s.logger = logger
	}
}

// NewResearchService creates a new research service
func NewResearchService(opts ...ResearchServiceOption) *ResearchService {
	s := &ResearchService{logger: zap.NewNop()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// normalizeQuery trims the query and checks it is answerable
func normalizeQuery(q models.Query) (models.Query, error) {
	q.Text = strings.TrimSpace(q.Text)
	q.Jurisdiction = strings.TrimSpace(q.Jurisdiction)
	if q.Text == "" {
		return q, ErrInvalidQuery
	}
	if utf8.RuneCountInString(q.Text) > MaxQueryChars {
		return q, ErrQueryTooLong
	}
	return q, nil
}

// RunResearchRequest represents a request to answer a question synchronously
type RunResearchRequest struct {
	Query models.Query
}

// RunResearchResult represents the result of a synchronous research run
type RunResearchResult struct {
	Record *models.ResearchRecord
	Result *models.ResearchResult
}

// RunResearch answers a question and stores the result
func (s *ResearchService) RunResearch(ctx context.Context, req RunResearchRequest) (*RunResearchResult, error) {
	if s.pipeline == nil {
		return nil, errors.New("research pipeline not set")
	}
	q, err := normalizeQuery(req.Query)
	if err != nil {
		return nil, err
	}

	res, err := s.pipeline.Run(ctx, q, nil)
	if err != nil {
		return nil, err
	}

	rec := s.save(ctx, q, res)
	return &RunResearchResult{Record: rec, Result: res}, nil
}

// save persists the record and its artifact. Persistence failures are logged;
// the caller still gets the answer.
func (s *ResearchService) save(ctx context.Context, q models.Query, res *models.ResearchResult) *models.ResearchRecord {
	rec := models.NewResearchRecord(q, res)
	log := s.logger.With(zap.String("research_id", rec.ID.String()))

	if s.storage != nil {
		if path, err := s.uploadArtifact(ctx, rec, res); err != nil {
			log.Warn("Failed to store research artifact", zap.Error(err))
		} else {
			rec.ArtifactPath = &path
		}
	}

	if s.researchRepo != nil {
		if err := s.researchRepo.Create(ctx, rec); err != nil {
			log.Error("Failed to store research record", zap.Error(err))
		}
	}
	return rec
}

// artifact is the full document kept for each run
type artifact struct {
	ID      uuid.UUID              `json:"id"`
	Request models.Query           `json:"request"`
	Result  *models.ResearchResult `json:"result"`
}

func (s *ResearchService) uploadArtifact(ctx context.Context, rec *models.ResearchRecord, res *models.ResearchResult) (string, error) {
	body, err := json.MarshalIndent(artifact{ID: rec.ID, Request: rec.Request, Result: res}, "", "  ")
	if err != nil {
		return "", err
	}
	return s.storage.Upload(ctx, rec.ID, "research.json", bytes.NewReader(body))
}

// CreateJobRequest represents a request to start a background research job
type CreateJobRequest struct {
	Query models.Query
}

// CreateJobResult represents the result of creating a research job
type CreateJobResult struct {
	JobID uuid.UUID
}

// CreateJob creates a pending research job and returns immediately
func (s *ResearchService) CreateJob(ctx context.Context, req CreateJobRequest) (*CreateJobResult, error) {
	if s.jobRepo == nil {
		return nil, errors.New("research job repository not set")
	}
	q, err := normalizeQuery(req.Query)
	if err != nil {
		return nil, err
	}

	job := &models.ResearchJob{
		ID:      uuid.New(),
		Request: q,
		Status:  models.JobStatusPending,
		Steps:   initializeSteps(),
	}
	if err := s.jobRepo.Create(ctx, job); err != nil {
		s.logger.Error("Failed to create research job", zap.Error(err))
		return nil, ErrJobCreationFailed
	}

	return &CreateJobResult{JobID: job.ID}, nil
}

// initializeSteps lists every pipeline stage as pending
func initializeSteps() models.ResearchSteps {
	stages := pipeline.Stages()
	steps := make(models.ResearchSteps, 0, len(stages))
	for _, st := range stages {
		steps = append(steps, models.ResearchStep{
			Name:        string(st),
			Status:      models.StepPending,
			Description: st.Description(),
		})
	}
	return steps
}

// ProcessJob performs the research of a job in the background
func (s *ResearchService) ProcessJob(ctx context.Context, jobID uuid.UUID) error {
	if s.jobRepo == nil {
		return errors.New("research job repository not set")
	}
	if s.pipeline == nil {
		return errors.New("research pipeline not set")
	}

	job, err := s.jobRepo.GetByID(ctx, jobID)
	if err != nil {
		return fmt.Errorf("failed to load research job: %w", err)
	}
	if err := s.jobRepo.UpdateStatus(ctx, jobID, models.JobStatusInProgress); err != nil {
		return fmt.Errorf("failed to update job status: %w", err)
	}

	obs := &jobProgress{s: s, jobID: jobID, steps: append(models.ResearchSteps{}, job.Steps...)}
	if len(obs.steps) == 0 {
		obs.steps = initializeSteps()
	}

	ctx = logger.ContextWithLogger(ctx, s.logger.With(zap.String("job_id", jobID.String())))
	res, err := s.pipeline.Run(ctx, job.Request, obs)
	if err != nil {
		s.markJobFailed(jobID, "research failed: "+err.Error())
		return fmt.Errorf("research job %s: %w", jobID, err)
	}

	obs.skipPending(ctx)
	rec := s.save(ctx, job.Request, res)

	if err := s.jobRepo.Complete(ctx, jobID, rec.ID); err != nil {
		return fmt.Errorf("failed to complete job: %w", err)
	}
	return nil
}

// markJobFailed marks a job as failed with an error message
func (s *ResearchService) markJobFailed(jobID uuid.UUID, errorMessage string) {
	// the run context may already be cancelled
	if err := s.jobRepo.Fail(context.Background(), jobID, errorMessage); err != nil {
		s.logger.Error("Failed to mark research job failed", zap.String("job_id", jobID.String()), zap.Error(err))
	}
}

// jobProgress mirrors pipeline stages into the job's step list
type jobProgress struct {
	s     *ResearchService
	jobID uuid.UUID

	mu      sync.Mutex
	steps   models.ResearchSteps
	current string
}

func (p *jobProgress) StageStarted(ctx context.Context, stage pipeline.Stage) {
	p.update(ctx, stage, models.StepInProgress)
}

func (p *jobProgress) StageFinished(ctx context.Context, stage pipeline.Stage, err error) {
	status := models.StepCompleted
	if err != nil {
		status = models.StepFailed
	}
	p.update(ctx, stage, status)
}

func (p *jobProgress) update(ctx context.Context, stage pipeline.Stage, status string) {
	p.mu.Lock()
	for i := range p.steps {
		if p.steps[i].Name == string(stage) {
			p.steps[i].Status = status
			break
		}
	}
	if status == models.StepInProgress {
		p.current = string(stage)
	}
	steps := append(models.ResearchSteps{}, p.steps...)
	current := p.current
	p.mu.Unlock()

	if err := p.s.jobRepo.UpdateProgress(ctx, p.jobID, current, steps); err != nil {
		p.s.logger.Warn("Failed to update job progress",
			zap.String("job_id", p.jobID.String()),
			zap.String("stage", string(stage)),
			zap.Error(err),
		)
	}
}

// skipPending marks stages the run never reached as skipped
func (p *jobProgress) skipPending(ctx context.Context) {
	p.mu.Lock()
	changed := false
	for i := range p.steps {
		if p.steps[i].Status == models.StepPending {
			p.steps[i].Status = models.StepSkipped
			changed = true
		}
	}
	steps := append(models.ResearchSteps{}, p.steps...)
	current := p.current
	p.mu.Unlock()

	if !changed {
		return
	}
	if err := p.s.jobRepo.UpdateProgress(ctx, p.jobID, current, steps); err != nil {
		p.s.logger.Warn("Failed to update job progress", zap.String("job_id", p.jobID.String()), zap.Error(err))
	}
}

// GetJobStatusRequest represents a request to get a job's status
type GetJobStatusRequest struct {
	JobID uuid.UUID
}

// GetJobStatusResult represents the status of a research job
type GetJobStatusResult struct {
	Job *models.ResearchJob
}

// GetJobStatus retrieves the status of a research job
func (s *ResearchService) GetJobStatus(ctx context.Context, req GetJobStatusRequest) (*GetJobStatusResult, error) {
	if s.jobRepo == nil {
		return nil, errors.New("research job repository not set")
	}

	job, err := s.jobRepo.GetByID(ctx, req.JobID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrJobNotFound
		}
		return nil, err
	}
	return &GetJobStatusResult{Job: job}, nil
}

// GetResearchRequest represents a request to get a stored research record
type GetResearchRequest struct {
	ID uuid.UUID
}

// GetResearchResult represents a stored research record
type GetResearchResult struct {
	Record *models.ResearchRecord
}

// GetResearch retrieves a research record by ID
func (s *ResearchService) GetResearch(ctx context.Context, req GetResearchRequest) (*GetResearchResult, error) {
	if s.researchRepo == nil {
		return nil, errors.New("research repository not set")
	}

	rec, err := s.researchRepo.GetByID(ctx, req.ID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrResearchNotFound
		}
		return nil, err
	}
	return &GetResearchResult{Record: rec}, nil
}

// ListResearchRequest represents a request to list recent research
type ListResearchRequest struct {
	Limit  int
	Offset int
}

// ListResearchResult represents a page of research records
type ListResearchResult struct {
	Records []*models.ResearchRecord
}

// ListResearch lists recent research records, newest first
func (s *ResearchService) ListResearch(ctx context.Context, req ListResearchRequest) (*ListResearchResult, error) {
	if s.researchRepo == nil {
		return nil, errors.New("research repository not set")
	}
	if req.Limit <= 0 || req.Limit > 100 {
		req.Limit = 20
	}
	if req.Offset < 0 {
		req.Offset = 0
	}

	records, err := s.researchRepo.ListRecent(ctx, req.Limit, req.Offset)
	if err != nil {
		return nil, err
	}
	return &ListResearchResult{Records: records}, nil
}

// OpenArtifactResult is an open artifact stream; the caller closes Body
type OpenArtifactResult struct {
	Body        io.ReadCloser
	ContentType string
	Filename    string
}

// OpenArtifact opens the stored result document of a research record
func (s *ResearchService) OpenArtifact(ctx context.Context, req GetResearchRequest) (*OpenArtifactResult, error) {
	if s.storage == nil {
		return nil, ErrArtifactNotFound
	}
	got, err := s.GetResearch(ctx, req)
	if err != nil {
		return nil, err
	}
	if got.Record.ArtifactPath == nil || *got.Record.ArtifactPath == "" {
		return nil, ErrArtifactNotFound
	}

	body, err := s.storage.Download(ctx, *got.Record.ArtifactPath)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrArtifactNotFound
		}
		return nil, err
	}
	return &OpenArtifactResult{
		Body:        body,
		ContentType: storage.ContentType(*got.Record.ArtifactPath),
		Filename:    "research-" + got.Record.ID.String() + ".json",
	}, nil
}
