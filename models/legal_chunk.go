package models

import (
	"fmt"
	"net/url"

	"github.com/google/uuid"
)

// LegalChunk represents a chunk of text from the internal legal database
type LegalChunk struct {
	ID             uuid.UUID              `json:"id"`
	Text           string                 `json:"text"`
	SourceType     string                 `json:"source_type"` // "judgment", "statute", "commentary"
	SourceDocument string                 `json:"source_document"`
	ChunkIndex     int                    `json:"chunk_index"`
	Title          string                 `json:"title"`
	SourceURL      *string                `json:"source_url,omitempty"`
	Citation       *string                `json:"citation,omitempty"`
	Court          *string                `json:"court,omitempty"`
	Jurisdiction   string                 `json:"jurisdiction"`
	Metadata       map[string]interface{} `json:"metadata,omitempty"`
	Embedding      []float32              `json:"-"`
	Distance       float64                `json:"distance,omitempty"` // Vector similarity distance
}

// InternalURL is the pseudo-URL under which a chunk is cited when it has no
// public source URL. The document name is path-escaped so file names with
// spaces still form a single URL token.
func (c LegalChunk) InternalURL() string {
	return fmt.Sprintf("%s://legal-db/%s#%d", InternalScheme, url.PathEscape(c.SourceDocument), c.ChunkIndex)
}

// ToDocument converts a chunk hit into a retrieved document
func (c LegalChunk) ToDocument() RetrievedDocument {
	u := c.InternalURL()
	if c.SourceURL != nil && *c.SourceURL != "" {
		u = *c.SourceURL
	}
	title := c.Title
	if title == "" {
		title = c.SourceDocument
	}
	if c.Citation != nil && *c.Citation != "" {
		title = title + " " + *c.Citation
	}
	// cosine distance is in [0, 2]
	score := 1 - c.Distance/2
	return RetrievedDocument{
		SourceID:       c.ID.String(),
		Title:          title,
		URL:            u,
		RawContent:     c.Text,
		RelevanceScore: score,
		SourceKind:     SourceInternalLegalDB,
	}
}
