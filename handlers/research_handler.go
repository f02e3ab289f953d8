package handlers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"legalresearch-backend/logger"
	"legalresearch-backend/models"
	"legalresearch-backend/pipeline"
	"legalresearch-backend/service"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// researchService is what the handler needs from service.ResearchService
type researchService interface {
	RunResearch(ctx context.Context, req service.RunResearchRequest) (*service.RunResearchResult, error)
	CreateJob(ctx context.Context, req service.CreateJobRequest) (*service.CreateJobResult, error)
	ProcessJob(ctx context.Context, jobID uuid.UUID) error
	GetJobStatus(ctx context.Context, req service.GetJobStatusRequest) (*service.GetJobStatusResult, error)
	GetResearch(ctx context.Context, req service.GetResearchRequest) (*service.GetResearchResult, error)
	ListResearch(ctx context.Context, req service.ListResearchRequest) (*service.ListResearchResult, error)
	OpenArtifact(ctx context.Context, req service.GetResearchRequest) (*service.OpenArtifactResult, error)
}

// ResearchHandler handles HTTP requests for legal research
type ResearchHandler struct {
	research researchService
	logger   *zap.Logger
}

// NewResearchHandler creates a new research handler
func NewResearchHandler(research researchService, logger *zap.Logger) *ResearchHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ResearchHandler{research: research, logger: logger}
}

// TurnRequest is one prior conversation message
type TurnRequest struct {
	Role string `json:"role" binding:"required,oneof=user assistant"`
	Text string `json:"text"`
}

// ResearchRequest represents the request body for a research question
type ResearchRequest struct {
	Query               string        `json:"query" binding:"required"`
	Jurisdiction        string        `json:"jurisdiction"`
	ConversationHistory []TurnRequest `json:"conversation_history" binding:"dive"`
}

func (r ResearchRequest) toQuery() models.Query {
	q := models.Query{Text: r.Query, Jurisdiction: r.Jurisdiction}
	for _, t := range r.ConversationHistory {
		q.ConversationHistory = append(q.ConversationHistory, models.Turn{Role: models.Role(t.Role), Text: t.Text})
	}
	return q
}

// ResearchResponse is the answer returned to clients
type ResearchResponse struct {
	ResearchID          uuid.UUID                 `json:"research_id"`
	Response            string                    `json:"response"`
	Sources             []models.Source           `json:"sources"`
	TotalTokens         int                       `json:"total_tokens"`
	SummarizationStages []string                  `json:"summarization_stages"`
	Status              models.ResearchStatus     `json:"status"`
	Decision            models.ComplexityDecision `json:"decision"`
	Audit               models.AuditResult        `json:"audit"`
}

func respondError(c *gin.Context, status int, code, message string) {
	c.JSON(status, gin.H{
		"success": false,
		"error": gin.H{
			"code":    code,
			"message": message,
		},
	})
}

func isQueryError(err error) bool {
	return errors.Is(err, service.ErrInvalidQuery) ||
		errors.Is(err, service.ErrQueryTooLong) ||
		errors.Is(err, pipeline.ErrEmptyQuery)
}

func parseID(c *gin.Context, what string) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_ID", fmt.Sprintf("Invalid %s ID format", what))
		return uuid.Nil, false
	}
	return id, true
}

// Research handles POST /api/research
func (h *ResearchHandler) Research(c *gin.Context) {
	var req ResearchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}

	result, err := h.research.RunResearch(c.Request.Context(), service.RunResearchRequest{Query: req.toQuery()})
	if err != nil {
		if isQueryError(err) {
			respondError(c, http.StatusBadRequest, "INVALID_QUERY", err.Error())
			return
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			respondError(c, http.StatusGatewayTimeout, "RESEARCH_ABORTED", err.Error())
			return
		}
		logger.FromContextOr(c.Request.Context(), h.logger).Error("Research failed", zap.Error(err))
		respondError(c, http.StatusInternalServerError, "RESEARCH_FAILED", err.Error())
		return
	}

	res := result.Result
	stages := res.SummarizationStages
	if stages == nil {
		stages = []string{}
	}
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data": ResearchResponse{
			ResearchID:          result.Record.ID,
			Response:            res.Response,
			Sources:             res.Sources,
			TotalTokens:         res.TotalTokens,
			SummarizationStages: stages,
			Status:              res.Status,
			Decision:            res.Decision,
			Audit:               res.Audit,
		},
	})
}

// CreateJob handles POST /api/research/jobs
func (h *ResearchHandler) CreateJob(c *gin.Context) {
	var req ResearchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}

	result, err := h.research.CreateJob(c.Request.Context(), service.CreateJobRequest{Query: req.toQuery()})
	if err != nil {
		if isQueryError(err) {
			respondError(c, http.StatusBadRequest, "INVALID_QUERY", err.Error())
			return
		}
		respondError(c, http.StatusInternalServerError, "JOB_CREATION_FAILED", err.Error())
		return
	}

	// Background context: the job outlives the request
	go func(jobID uuid.UUID) {
		if err := h.research.ProcessJob(context.Background(), jobID); err != nil {
			h.logger.Error("Research job failed", zap.String("job_id", jobID.String()), zap.Error(err))
		}
	}(result.JobID)

	c.JSON(http.StatusAccepted, gin.H{
		"success": true,
		"data": gin.H{
			"job_id":  result.JobID,
			"status":  models.JobStatusPending,
			"message": "Research job created. Poll /api/jobs/:id for updates.",
		},
	})
}

// GetJobStatus handles GET /api/jobs/:id
func (h *ResearchHandler) GetJobStatus(c *gin.Context) {
	id, ok := parseID(c, "job")
	if !ok {
		return
	}

	result, err := h.research.GetJobStatus(c.Request.Context(), service.GetJobStatusRequest{JobID: id})
	if err != nil {
		if errors.Is(err, service.ErrJobNotFound) {
			respondError(c, http.StatusNotFound, "NOT_FOUND", "Research job not found")
			return
		}
		respondError(c, http.StatusInternalServerError, "RETRIEVAL_FAILED", err.Error())
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data":    result.Job,
	})
}

// GetResearch handles GET /api/research/:id
func (h *ResearchHandler) GetResearch(c *gin.Context) {
	id, ok := parseID(c, "research")
	if !ok {
		return
	}

	result, err := h.research.GetResearch(c.Request.Context(), service.GetResearchRequest{ID: id})
	if err != nil {
		if errors.Is(err, service.ErrResearchNotFound) {
			respondError(c, http.StatusNotFound, "NOT_FOUND", "Research not found")
			return
		}
		respondError(c, http.StatusInternalServerError, "RETRIEVAL_FAILED", err.Error())
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data":    result.Record,
	})
}

// ListResearch handles GET /api/research
func (h *ResearchHandler) ListResearch(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))

	result, err := h.research.ListResearch(c.Request.Context(), service.ListResearchRequest{Limit: limit, Offset: offset})
	if err != nil {
		respondError(c, http.StatusInternalServerError, "RETRIEVAL_FAILED", err.Error())
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data":    result.Records,
	})
}

// DownloadArtifact handles GET /api/research/:id/artifact
func (h *ResearchHandler) DownloadArtifact(c *gin.Context) {
	id, ok := parseID(c, "research")
	if !ok {
		return
	}

	art, err := h.research.OpenArtifact(c.Request.Context(), service.GetResearchRequest{ID: id})
	if err != nil {
		if errors.Is(err, service.ErrResearchNotFound) || errors.Is(err, service.ErrArtifactNotFound) {
			respondError(c, http.StatusNotFound, "NOT_FOUND", "Research artifact not found")
			return
		}
		respondError(c, http.StatusInternalServerError, "DOWNLOAD_FAILED", err.Error())
		return
	}
	defer art.Body.Close()

	c.DataFromReader(http.StatusOK, -1, art.ContentType, art.Body, map[string]string{
		"Content-Disposition": fmt.Sprintf(`attachment; filename="%s"`, art.Filename),
	})
}
