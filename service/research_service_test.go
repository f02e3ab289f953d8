package service

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"

	"legalresearch-backend/models"
	"legalresearch-backend/pipeline"
	"legalresearch-backend/storage"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeRunner reports the given stages to the observer and returns res or err
type fakeRunner struct {
	stages   []pipeline.Stage
	failAt   pipeline.Stage
	res      *models.ResearchResult
	err      error
	lastQ    models.Query
	runCalls int
}

func (f *fakeRunner) Run(ctx context.Context, q models.Query, obs pipeline.Observer) (*models.ResearchResult, error) {
	f.runCalls++
	f.lastQ = q
	for _, st := range f.stages {
		if obs != nil {
			obs.StageStarted(ctx, st)
		}
		var err error
		if st == f.failAt {
			err = f.err
		}
		if obs != nil {
			obs.StageFinished(ctx, st, err)
		}
		if err != nil {
			return nil, err
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	return f.res, nil
}

type memResearchStore struct {
	mu      sync.Mutex
	records map[uuid.UUID]*models.ResearchRecord
	err     error
}

func newMemResearchStore() *memResearchStore {
	return &memResearchStore{records: map[uuid.UUID]*models.ResearchRecord{}}
}

func (m *memResearchStore) Create(_ context.Context, rec *models.ResearchRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	cp := *rec
	m.records[rec.ID] = &cp
	return nil
}

func (m *memResearchStore) GetByID(_ context.Context, id uuid.UUID) (*models.ResearchRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[id]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	cp := *rec
	return &cp, nil
}

func (m *memResearchStore) ListRecent(_ context.Context, limit, offset int) ([]*models.ResearchRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*models.ResearchRecord, 0, len(m.records))
	for _, r := range m.records {
		out = append(out, r)
	}
	if offset >= len(out) {
		return []*models.ResearchRecord{}, nil
	}
	out = out[offset:]
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

type memJobStore struct {
	mu      sync.Mutex
	jobs    map[uuid.UUID]*models.ResearchJob
	history []models.ResearchSteps
	err     error
}

func newMemJobStore() *memJobStore {
	return &memJobStore{jobs: map[uuid.UUID]*models.ResearchJob{}}
}

func (m *memJobStore) Create(_ context.Context, job *models.ResearchJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	cp := *job
	cp.Steps = append(models.ResearchSteps{}, job.Steps...)
	m.jobs[job.ID] = &cp
	return nil
}

func (m *memJobStore) GetByID(_ context.Context, id uuid.UUID) (*models.ResearchJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	cp := *job
	cp.Steps = append(models.ResearchSteps{}, job.Steps...)
	return &cp, nil
}

func (m *memJobStore) UpdateStatus(_ context.Context, id uuid.UUID, status models.ResearchJobStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs[id].Status = status
	return nil
}

func (m *memJobStore) UpdateProgress(_ context.Context, id uuid.UUID, current string, steps models.ResearchSteps) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs[id].CurrentStep = &current
	m.jobs[id].Steps = steps
	m.history = append(m.history, steps)
	return nil
}

func (m *memJobStore) Complete(_ context.Context, id uuid.UUID, researchID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs[id].Status = models.JobStatusCompleted
	m.jobs[id].ResearchID = &researchID
	return nil
}

func (m *memJobStore) Fail(_ context.Context, id uuid.UUID, msg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs[id].Status = models.JobStatusFailed
	m.jobs[id].ErrorMessage = &msg
	return nil
}

func completedResult() *models.ResearchResult {
	return &models.ResearchResult{
		Response:            "Employers may terminate on notice [1].",
		Sources:             []models.Source{{Title: "Zuva Petroleum v Nyamande", URL: "https://zimlii.org/zw/judgment/2015/43"}},
		TotalTokens:         120,
		SummarizationStages: []string{},
		Status:              models.ResearchCompleted,
		Decision:            models.ComplexityDecision{Tier: models.TierMedium},
		Audit:               models.AuditResult{VerifiedCitations: []string{}, UnverifiedCitations: []string{}, GroundingRate: 1},
	}
}

func stepStatus(steps models.ResearchSteps) map[string]string {
	out := map[string]string{}
	for _, s := range steps {
		out[s.Name] = s.Status
	}
	return out
}

func TestRunResearchStoresRecordAndArtifact(t *testing.T) {
	st, err := storage.NewLocalStorage(t.TempDir())
	require.NoError(t, err)
	records := newMemResearchStore()
	run := &fakeRunner{res: completedResult()}

	s := NewResearchService(WithPipeline(run), WithResearchRepository(records), WithStorage(st))
	out, err := s.RunResearch(context.Background(), RunResearchRequest{Query: models.Query{Text: "  What about the zuva case?  ", Jurisdiction: "Zimbabwe"}})
	require.NoError(t, err)

	assert.Equal(t, "What about the zuva case?", run.lastQ.Text)
	assert.Equal(t, models.ResearchCompleted, out.Record.Status)
	assert.Equal(t, models.TierMedium, out.Record.Tier)
	require.NotNil(t, out.Record.ArtifactPath)

	got, err := s.GetResearch(context.Background(), GetResearchRequest{ID: out.Record.ID})
	require.NoError(t, err)
	assert.Equal(t, out.Record.Response, got.Record.Response)

	art, err := s.OpenArtifact(context.Background(), GetResearchRequest{ID: out.Record.ID})
	require.NoError(t, err)
	defer art.Body.Close()
	body, err := io.ReadAll(art.Body)
	require.NoError(t, err)
	assert.Equal(t, "application/json", art.ContentType)
	assert.Contains(t, string(body), `"response": "Employers may terminate on notice [1]."`)
}

func TestRunResearchValidatesQuery(t *testing.T) {
	run := &fakeRunner{res: completedResult()}
	s := NewResearchService(WithPipeline(run))

	_, err := s.RunResearch(context.Background(), RunResearchRequest{Query: models.Query{Text: "   "}})
	assert.ErrorIs(t, err, ErrInvalidQuery)

	long := make([]rune, MaxQueryChars+1)
	for i := range long {
		long[i] = 'a'
	}
	_, err = s.RunResearch(context.Background(), RunResearchRequest{Query: models.Query{Text: string(long)}})
	assert.ErrorIs(t, err, ErrQueryTooLong)
	assert.Zero(t, run.runCalls)
}

func TestRunResearchSurvivesStoreFailure(t *testing.T) {
	records := newMemResearchStore()
	records.err = errors.New("db down")
	s := NewResearchService(WithPipeline(&fakeRunner{res: completedResult()}), WithResearchRepository(records))

	out, err := s.RunResearch(context.Background(), RunResearchRequest{Query: models.Query{Text: "Define locus standi"}})
	require.NoError(t, err)
	assert.Equal(t, "Employers may terminate on notice [1].", out.Result.Response)
	assert.Nil(t, out.Record.ArtifactPath)
}

func TestProcessJobTracksStages(t *testing.T) {
	jobs := newMemJobStore()
	records := newMemResearchStore()
	run := &fakeRunner{
		stages: []pipeline.Stage{pipeline.StageRoute, pipeline.StageEnhance, pipeline.StageRetrieve, pipeline.StageExtractEntities,
			pipeline.StageValidate, pipeline.StageExtractClaims, pipeline.StageCompose, pipeline.StageAudit},
		res: completedResult(),
	}
	s := NewResearchService(WithPipeline(run), WithResearchJobRepository(jobs), WithResearchRepository(records))
	ctx := context.Background()

	created, err := s.CreateJob(ctx, CreateJobRequest{Query: models.Query{Text: "What about the zuva case?"}})
	require.NoError(t, err)

	status, err := s.GetJobStatus(ctx, GetJobStatusRequest{JobID: created.JobID})
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusPending, status.Job.Status)
	require.Len(t, status.Job.Steps, len(pipeline.Stages()))
	for _, step := range status.Job.Steps {
		assert.Equal(t, models.StepPending, step.Status)
		assert.NotEmpty(t, step.Description)
	}

	require.NoError(t, s.ProcessJob(ctx, created.JobID))

	status, err = s.GetJobStatus(ctx, GetJobStatusRequest{JobID: created.JobID})
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCompleted, status.Job.Status)
	require.NotNil(t, status.Job.ResearchID)
	require.NotNil(t, status.Job.CurrentStep)
	assert.Equal(t, string(pipeline.StageAudit), *status.Job.CurrentStep)

	steps := stepStatus(status.Job.Steps)
	assert.Equal(t, models.StepCompleted, steps[string(pipeline.StageRoute)])
	assert.Equal(t, models.StepCompleted, steps[string(pipeline.StageAudit)])
	assert.Equal(t, models.StepSkipped, steps[string(pipeline.StageSupplement)])

	// a step is reported in progress before it completes
	first := stepStatus(jobs.history[0])
	assert.Equal(t, models.StepInProgress, first[string(pipeline.StageRoute)])

	_, err = s.GetResearch(ctx, GetResearchRequest{ID: *status.Job.ResearchID})
	assert.NoError(t, err)
}

func TestProcessJobFailure(t *testing.T) {
	jobs := newMemJobStore()
	run := &fakeRunner{
		stages: []pipeline.Stage{pipeline.StageRoute, pipeline.StageEnhance},
		failAt: pipeline.StageEnhance,
		err:    context.DeadlineExceeded,
	}
	s := NewResearchService(WithPipeline(run), WithResearchJobRepository(jobs))
	ctx := context.Background()

	created, err := s.CreateJob(ctx, CreateJobRequest{Query: models.Query{Text: "What about the zuva case?"}})
	require.NoError(t, err)

	err = s.ProcessJob(ctx, created.JobID)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	status, err := s.GetJobStatus(ctx, GetJobStatusRequest{JobID: created.JobID})
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, status.Job.Status)
	require.NotNil(t, status.Job.ErrorMessage)
	assert.Contains(t, *status.Job.ErrorMessage, "deadline exceeded")
	assert.Equal(t, models.StepFailed, stepStatus(status.Job.Steps)[string(pipeline.StageEnhance)])
	assert.Nil(t, status.Job.ResearchID)
}

func TestCreateJobErrors(t *testing.T) {
	jobs := newMemJobStore()
	jobs.err = errors.New("db down")
	s := NewResearchService(WithResearchJobRepository(jobs))

	_, err := s.CreateJob(context.Background(), CreateJobRequest{Query: models.Query{Text: "What is a lease?"}})
	assert.ErrorIs(t, err, ErrJobCreationFailed)

	_, err = s.CreateJob(context.Background(), CreateJobRequest{Query: models.Query{}})
	assert.ErrorIs(t, err, ErrInvalidQuery)
}

func TestNotFoundErrors(t *testing.T) {
	st, err := storage.NewLocalStorage(t.TempDir())
	require.NoError(t, err)
	records := newMemResearchStore()
	s := NewResearchService(WithResearchJobRepository(newMemJobStore()), WithResearchRepository(records), WithStorage(st))
	ctx := context.Background()

	_, err = s.GetJobStatus(ctx, GetJobStatusRequest{JobID: uuid.New()})
	assert.ErrorIs(t, err, ErrJobNotFound)

	_, err = s.GetResearch(ctx, GetResearchRequest{ID: uuid.New()})
	assert.ErrorIs(t, err, ErrResearchNotFound)

	rec := models.NewResearchRecord(models.Query{Text: "q"}, completedResult())
	require.NoError(t, records.Create(ctx, rec))
	_, err = s.OpenArtifact(ctx, GetResearchRequest{ID: rec.ID})
	assert.ErrorIs(t, err, ErrArtifactNotFound)

	missing := "ab/missing.json"
	rec.ArtifactPath = &missing
	require.NoError(t, records.Create(ctx, rec))
	_, err = s.OpenArtifact(ctx, GetResearchRequest{ID: rec.ID})
	assert.ErrorIs(t, err, ErrArtifactNotFound)
}

func TestListResearchClampsPaging(t *testing.T) {
	records := newMemResearchStore()
	s := NewResearchService(WithResearchRepository(records))
	for i := 0; i < 3; i++ {
		require.NoError(t, records.Create(context.Background(), models.NewResearchRecord(models.Query{Text: "q"}, completedResult())))
	}

	out, err := s.ListResearch(context.Background(), ListResearchRequest{Limit: 0, Offset: -5})
	require.NoError(t, err)
	assert.Len(t, out.Records, 3)
}
