package models

import (
	"database/sql/driver"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// ResearchJobStatus represents the status of a background research job
type ResearchJobStatus string

const (
	JobStatusPending    ResearchJobStatus = "pending"
	JobStatusInProgress ResearchJobStatus = "in_progress"
	JobStatusCompleted  ResearchJobStatus = "completed"
	JobStatusFailed     ResearchJobStatus = "failed"
)

// Step statuses
const (
	StepPending    = "pending"
	StepInProgress = "in_progress"
	StepCompleted  = "completed"
	StepFailed     = "failed"
	StepSkipped    = "skipped"
)

// ResearchStep represents one pipeline stage as seen by a polling client
type ResearchStep struct {
	Name        string `json:"name"`
	Status      string `json:"status"`
	Description string `json:"description,omitempty"`
}

// ResearchSteps represents the ordered stages of a job
type ResearchSteps []ResearchStep

// Value implements driver.Valuer for JSONB
func (s ResearchSteps) Value() (driver.Value, error) {
	return json.Marshal(s)
}

// Scan implements sql.Scanner for JSONB
func (s *ResearchSteps) Scan(value interface{}) error {
	b, ok := jsonbBytes(value)
	if !ok || len(b) == 0 {
		*s = make(ResearchSteps, 0)
		return nil
	}
	return json.Unmarshal(b, s)
}

// Value implements driver.Valuer for JSONB
func (q Query) Value() (driver.Value, error) {
	return json.Marshal(q)
}

// Scan implements sql.Scanner for JSONB
func (q *Query) Scan(value interface{}) error {
	b, ok := jsonbBytes(value)
	if !ok || len(b) == 0 {
		return nil
	}
	return json.Unmarshal(b, q)
}

// ResearchJob represents an asynchronous research run
type ResearchJob struct {
	ID           uuid.UUID         `json:"id"`
	Request      Query             `json:"request"`
	Status       ResearchJobStatus `json:"status"`
	CurrentStep  *string           `json:"current_step,omitempty"`
	Steps        ResearchSteps     `json:"steps"`
	ResearchID   *uuid.UUID        `json:"research_id,omitempty"`
	ErrorMessage *string           `json:"error_message,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
	UpdatedAt    time.Time         `json:"updated_at"`
	CompletedAt  *time.Time        `json:"completed_at,omitempty"`
}

// jsonbBytes normalizes what pgx hands back for a JSONB column
func jsonbBytes(value interface{}) ([]byte, bool) {
	switch v := value.(type) {
	case []byte:
		return v, true
	case string:
		return []byte(v), true
	}
	return nil, false
}
