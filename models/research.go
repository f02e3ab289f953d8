package models

import (
	"database/sql/driver"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// ResearchStatus is the outcome of a pipeline run
type ResearchStatus string

const (
	ResearchCompleted     ResearchStatus = "completed"
	ResearchNoInformation ResearchStatus = "no_information"
	ResearchFailed        ResearchStatus = "research_failed"
)

// Sources represents a list of cited sources stored as JSONB
type Sources []Source

// Value implements driver.Valuer for JSONB
func (s Sources) Value() (driver.Value, error) {
	if s == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(s)
}

// Scan implements sql.Scanner for JSONB
func (s *Sources) Scan(value interface{}) error {
	b, ok := jsonbBytes(value)
	if !ok || len(b) == 0 {
		*s = make(Sources, 0)
		return nil
	}
	return json.Unmarshal(b, s)
}

// Value implements driver.Valuer for JSONB
func (a AuditResult) Value() (driver.Value, error) {
	return json.Marshal(a)
}

// Scan implements sql.Scanner for JSONB
func (a *AuditResult) Scan(value interface{}) error {
	b, ok := jsonbBytes(value)
	if !ok || len(b) == 0 {
		return nil
	}
	return json.Unmarshal(b, a)
}

// ResearchResult is what a pipeline run returns to its caller
type ResearchResult struct {
	Response            string             `json:"response"`
	Sources             []Source           `json:"sources"`
	TotalTokens         int                `json:"total_tokens"`
	SummarizationStages []string           `json:"summarization_stages"`
	Status              ResearchStatus     `json:"status"`
	Decision            ComplexityDecision `json:"decision"`
	Document            ComposedDocument   `json:"document"`
	Audit               AuditResult        `json:"audit"`
	ValidationIssues    []ValidationIssue  `json:"validation_issues,omitempty"`
	DocumentCount       int                `json:"document_count"`
	EntityCount         int                `json:"entity_count"`
	ClaimCount          int                `json:"claim_count"`
}

// ResearchRecord represents a persisted research result
type ResearchRecord struct {
	ID                  uuid.UUID      `json:"id"`
	Request             Query          `json:"request"`
	Status              ResearchStatus `json:"status"`
	Tier                Tier           `json:"tier"`
	Response            string         `json:"response"`
	Sources             Sources        `json:"sources"`
	Audit               AuditResult    `json:"audit"`
	SummarizationStages []string       `json:"summarization_stages"`
	TotalTokens         int            `json:"total_tokens"`
	ArtifactPath        *string        `json:"artifact_path,omitempty"`
	CreatedAt           time.Time      `json:"created_at"`
}

// NewResearchRecord builds a record for a finished run
func NewResearchRecord(q Query, res *ResearchResult) *ResearchRecord {
	stages := res.SummarizationStages
	if stages == nil {
		stages = []string{}
	}
	return &ResearchRecord{
		ID:                  uuid.New(),
		Request:             q,
		Status:              res.Status,
		Tier:                res.Decision.Tier,
		Response:            res.Response,
		Sources:             Sources(res.Sources),
		Audit:               res.Audit,
		SummarizationStages: stages,
		TotalTokens:         res.TotalTokens,
	}
}
