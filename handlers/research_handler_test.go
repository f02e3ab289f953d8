package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"legalresearch-backend/models"
	"legalresearch-backend/service"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeResearchService struct {
	runErr    error
	lastQuery models.Query
	jobID     uuid.UUID
	processed chan uuid.UUID
	job       *models.ResearchJob
	record    *models.ResearchRecord
	artifact  string
}

func (f *fakeResearchService) RunResearch(_ context.Context, req service.RunResearchRequest) (*service.RunResearchResult, error) {
	f.lastQuery = req.Query
	if f.runErr != nil {
		return nil, f.runErr
	}
	res := &models.ResearchResult{
		Response:    "Employers may terminate on notice [1].",
		Sources:     []models.Source{{Title: "Zuva Petroleum v Nyamande", URL: "https://zimlii.org/zw/judgment/2015/43"}},
		TotalTokens: 321,
		Status:      models.ResearchCompleted,
		Decision:    models.ComplexityDecision{Tier: models.TierMedium},
		Audit:       models.AuditResult{VerifiedCitations: []string{}, UnverifiedCitations: []string{}, GroundingRate: 1},
	}
	return &service.RunResearchResult{Record: models.NewResearchRecord(req.Query, res), Result: res}, nil
}

func (f *fakeResearchService) CreateJob(_ context.Context, req service.CreateJobRequest) (*service.CreateJobResult, error) {
	f.lastQuery = req.Query
	return &service.CreateJobResult{JobID: f.jobID}, nil
}

func (f *fakeResearchService) ProcessJob(_ context.Context, jobID uuid.UUID) error {
	f.processed <- jobID
	return nil
}

func (f *fakeResearchService) GetJobStatus(_ context.Context, req service.GetJobStatusRequest) (*service.GetJobStatusResult, error) {
	if f.job == nil || f.job.ID != req.JobID {
		return nil, service.ErrJobNotFound
	}
	return &service.GetJobStatusResult{Job: f.job}, nil
}

func (f *fakeResearchService) GetResearch(_ context.Context, req service.GetResearchRequest) (*service.GetResearchResult, error) {
	if f.record == nil || f.record.ID != req.ID {
		return nil, service.ErrResearchNotFound
	}
	return &service.GetResearchResult{Record: f.record}, nil
}

func (f *fakeResearchService) ListResearch(_ context.Context, req service.ListResearchRequest) (*service.ListResearchResult, error) {
	return &service.ListResearchResult{Records: []*models.ResearchRecord{f.record}}, nil
}

func (f *fakeResearchService) OpenArtifact(ctx context.Context, req service.GetResearchRequest) (*service.OpenArtifactResult, error) {
	if _, err := f.GetResearch(ctx, req); err != nil {
		return nil, err
	}
	if f.artifact == "" {
		return nil, service.ErrArtifactNotFound
	}
	return &service.OpenArtifactResult{
		Body:        io.NopCloser(strings.NewReader(f.artifact)),
		ContentType: "application/json",
		Filename:    "research-" + req.ID.String() + ".json",
	}, nil
}

func newTestRouter(svc *fakeResearchService) *gin.Engine {
	gin.SetMode(gin.TestMode)
	h := NewResearchHandler(svc, nil)
	r := gin.New()
	api := r.Group("/api")
	api.POST("/research", h.Research)
	api.GET("/research", h.ListResearch)
	api.POST("/research/jobs", h.CreateJob)
	api.GET("/research/:id", h.GetResearch)
	api.GET("/research/:id/artifact", h.DownloadArtifact)
	api.GET("/jobs/:id", h.GetJobStatus)
	return r
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func do(t *testing.T, r http.Handler, method, path, body string) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	var env envelope
	if strings.HasPrefix(w.Header().Get("Content-Type"), "application/json") && !strings.Contains(w.Header().Get("Content-Disposition"), "attachment") {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env))
	}
	return w, env
}

func TestResearchReturnsAnswer(t *testing.T) {
	svc := &fakeResearchService{}
	r := newTestRouter(svc)

	w, env := do(t, r, http.MethodPost, "/api/research", `{
		"query": "What about the zuva case?",
		"jurisdiction": "Zimbabwe",
		"conversation_history": [
			{"role": "user", "text": "Can an employer terminate on notice under the Labour Act?"},
			{"role": "assistant", "text": "Section 12 of the Labour Act sets out notice periods."}
		]
	}`)

	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, env.Success)

	var data ResearchResponse
	require.NoError(t, json.Unmarshal(env.Data, &data))
	assert.Equal(t, "Employers may terminate on notice [1].", data.Response)
	assert.Equal(t, 321, data.TotalTokens)
	require.Len(t, data.Sources, 1)
	assert.NotNil(t, data.SummarizationStages)
	assert.NotEqual(t, uuid.Nil, data.ResearchID)

	require.Len(t, svc.lastQuery.ConversationHistory, 2)
	assert.Equal(t, models.RoleAssistant, svc.lastQuery.ConversationHistory[1].Role)
	assert.Equal(t, "Zimbabwe", svc.lastQuery.Jurisdiction)
}

func TestResearchRejectsBadRequests(t *testing.T) {
	r := newTestRouter(&fakeResearchService{})

	cases := map[string]string{
		"missing query": `{"jurisdiction": "Zimbabwe"}`,
		"bad role":      `{"query": "q", "conversation_history": [{"role": "judge", "text": "x"}]}`,
		"not json":      `query=1`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			w, env := do(t, r, http.MethodPost, "/api/research", body)
			assert.Equal(t, http.StatusBadRequest, w.Code)
			assert.False(t, env.Success)
			assert.Equal(t, "INVALID_REQUEST", env.Error.Code)
		})
	}
}

func TestResearchMapsServiceErrors(t *testing.T) {
	cases := []struct {
		err    error
		status int
		code   string
	}{
		{service.ErrQueryTooLong, http.StatusBadRequest, "INVALID_QUERY"},
		{context.DeadlineExceeded, http.StatusGatewayTimeout, "RESEARCH_ABORTED"},
		{errors.New("boom"), http.StatusInternalServerError, "RESEARCH_FAILED"},
	}
	for _, tc := range cases {
		t.Run(tc.code, func(t *testing.T) {
			r := newTestRouter(&fakeResearchService{runErr: tc.err})
			w, env := do(t, r, http.MethodPost, "/api/research", `{"query": "What is a lease?"}`)
			assert.Equal(t, tc.status, w.Code)
			assert.Equal(t, tc.code, env.Error.Code)
		})
	}
}

func TestCreateJobStartsProcessing(t *testing.T) {
	svc := &fakeResearchService{jobID: uuid.New(), processed: make(chan uuid.UUID, 1)}
	r := newTestRouter(svc)

	w, env := do(t, r, http.MethodPost, "/api/research/jobs", `{"query": "Draft a memo on retrenchment"}`)
	require.Equal(t, http.StatusAccepted, w.Code)

	var data struct {
		JobID  uuid.UUID `json:"job_id"`
		Status string    `json:"status"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &data))
	assert.Equal(t, svc.jobID, data.JobID)
	assert.Equal(t, "pending", data.Status)

	select {
	case id := <-svc.processed:
		assert.Equal(t, svc.jobID, id)
	case <-time.After(2 * time.Second):
		t.Fatal("job was not processed")
	}
}

func TestGetJobStatus(t *testing.T) {
	step := "retrieve"
	job := &models.ResearchJob{
		ID:          uuid.New(),
		Status:      models.JobStatusInProgress,
		CurrentStep: &step,
		Steps:       models.ResearchSteps{{Name: "route", Status: models.StepCompleted}, {Name: "retrieve", Status: models.StepInProgress}},
	}
	r := newTestRouter(&fakeResearchService{job: job})

	w, env := do(t, r, http.MethodGet, "/api/jobs/"+job.ID.String(), "")
	require.Equal(t, http.StatusOK, w.Code)
	var got models.ResearchJob
	require.NoError(t, json.Unmarshal(env.Data, &got))
	assert.Equal(t, models.JobStatusInProgress, got.Status)
	assert.Len(t, got.Steps, 2)

	w, env = do(t, r, http.MethodGet, "/api/jobs/"+uuid.NewString(), "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "NOT_FOUND", env.Error.Code)

	w, env = do(t, r, http.MethodGet, "/api/jobs/not-a-uuid", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "INVALID_ID", env.Error.Code)
}

func TestGetResearchAndArtifact(t *testing.T) {
	rec := models.NewResearchRecord(models.Query{Text: "q"}, &models.ResearchResult{Status: models.ResearchCompleted})
	svc := &fakeResearchService{record: rec, artifact: `{"id":"x"}`}
	r := newTestRouter(svc)

	w, env := do(t, r, http.MethodGet, "/api/research/"+rec.ID.String(), "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, env.Success)

	w, _ = do(t, r, http.MethodGet, "/api/research/"+rec.ID.String()+"/artifact", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, `{"id":"x"}`, w.Body.String())
	assert.Contains(t, w.Header().Get("Content-Disposition"), "research-"+rec.ID.String()+".json")

	svc.artifact = ""
	w, env = do(t, r, http.MethodGet, "/api/research/"+rec.ID.String()+"/artifact", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "NOT_FOUND", env.Error.Code)

	w, _ = do(t, r, http.MethodGet, "/api/research?limit=5", "")
	assert.Equal(t, http.StatusOK, w.Code)
}
