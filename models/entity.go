package models

import (
	"fmt"
	"strings"
)

// EntityKind is the discriminant of the Entity union
type EntityKind string

const (
	KindCourtCase        EntityKind = "court_case"
	KindStatute          EntityKind = "statute"
	KindAcademicSource   EntityKind = "academic_source"
	KindGovernmentSource EntityKind = "government_source"
	KindNewsSource       EntityKind = "news_source"
)

// ParseEntityKind maps loose model output ("case", "legislation", ...) to a kind
func ParseEntityKind(s string) (EntityKind, bool) {
	switch strings.ToLower(strings.TrimSpace(strings.ReplaceAll(s, "-", "_"))) {
	case "court_case", "case", "courtcase", "judgment", "judgement":
		return KindCourtCase, true
	case "statute", "legislation", "act", "regulation":
		return KindStatute, true
	case "academic_source", "academic", "academicsource", "article", "journal":
		return KindAcademicSource, true
	case "government_source", "government", "governmentsource", "official":
		return KindGovernmentSource, true
	case "news_source", "news", "newssource", "media":
		return KindNewsSource, true
	}
	return "", false
}

// idPrefix returns the run-scoped ID prefix for a kind
func (k EntityKind) idPrefix() string {
	switch k {
	case KindCourtCase:
		return "CASE"
	case KindStatute:
		return "STAT"
	case KindAcademicSource:
		return "ACAD"
	case KindGovernmentSource:
		return "GOV"
	case KindNewsSource:
		return "NEWS"
	}
	return "ENT"
}

// EntityID formats the n-th (1-based) ID for a kind, e.g. CASE-001
func EntityID(kind EntityKind, n int) string {
	return fmt.Sprintf("%s-%03d", kind.idPrefix(), n)
}

// Confidence is a coarse trust level
type Confidence string

const (
	ConfidenceHigh   Confidence = "high"
	ConfidenceMedium Confidence = "medium"
	ConfidenceLow    Confidence = "low"
)

// ParseConfidence returns the confidence named by s and whether it was valid
func ParseConfidence(s string) (Confidence, bool) {
	switch Confidence(strings.ToLower(strings.TrimSpace(s))) {
	case ConfidenceHigh:
		return ConfidenceHigh, true
	case ConfidenceMedium:
		return ConfidenceMedium, true
	case ConfidenceLow:
		return ConfidenceLow, true
	}
	return ConfidenceLow, false
}

// Rank orders confidences, higher is more trustworthy
func (c Confidence) Rank() int {
	switch c {
	case ConfidenceHigh:
		return 3
	case ConfidenceMedium:
		return 2
	case ConfidenceLow:
		return 1
	}
	return 0
}

// CourtCase holds case-specific fields
type CourtCase struct {
	Citation string `json:"citation,omitempty"`
	Court    string `json:"court,omitempty"`
	Year     string `json:"year,omitempty"`
}

// Statute holds legislation-specific fields
type Statute struct {
	Citation string `json:"citation,omitempty"`
	Section  string `json:"section,omitempty"`
}

// AcademicSource holds article or textbook fields
type AcademicSource struct {
	Author      string `json:"author,omitempty"`
	Publication string `json:"publication,omitempty"`
	Year        string `json:"year,omitempty"`
}

// GovernmentSource holds official publication fields
type GovernmentSource struct {
	Agency string `json:"agency,omitempty"`
}

// NewsSource holds press fields
type NewsSource struct {
	Outlet string `json:"outlet,omitempty"`
	Date   string `json:"date,omitempty"`
}

// Entity is a typed, source-attributed extraction. Kind selects which of the
// variant fields is set; the other variant fields stay nil.
type Entity struct {
	ID            string     `json:"id"`
	Kind          EntityKind `json:"kind"`
	Name          string     `json:"name"`
	URL           string     `json:"url"`
	SourceContent string     `json:"source_content"`
	Confidence    Confidence `json:"confidence"`

	Case       *CourtCase        `json:"case,omitempty"`
	Statute    *Statute          `json:"statute,omitempty"`
	Academic   *AcademicSource   `json:"academic,omitempty"`
	Government *GovernmentSource `json:"government,omitempty"`
	News       *NewsSource       `json:"news,omitempty"`
}

// Citation returns the formal citation carried by the variant, if any
func (e Entity) Citation() string {
	switch e.Kind {
	case KindCourtCase:
		if e.Case != nil {
			return e.Case.Citation
		}
	case KindStatute:
		if e.Statute != nil {
			return e.Statute.Citation
		}
	}
	return ""
}

// Label is the display name used in citations: the name plus the formal
// citation when there is one
func (e Entity) Label() string {
	c := e.Citation()
	if c == "" || strings.Contains(e.Name, c) {
		return e.Name
	}
	return e.Name + " " + c
}

// Severity grades a validation issue
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
	SeverityInfo    Severity = "info"
)

// ValidationIssue records a problem found on an entity. Only errors drop the entity.
type ValidationIssue struct {
	EntityID   string   `json:"entity_id"`
	Severity   Severity `json:"severity"`
	Message    string   `json:"message"`
	Suggestion string   `json:"suggestion,omitempty"`
}

// Claim is an atomic factual statement backed by at least one entity
type Claim struct {
	ID              string     `json:"id"`
	Text            string     `json:"text"`
	SourceEntityIDs []string   `json:"source_entity_ids"`
	Confidence      Confidence `json:"confidence"`
	Category        string     `json:"category"`
}

// Source is a cited source as shown to the user
type Source struct {
	Title string `json:"title"`
	URL   string `json:"url"`
}

// CitedSource is a numbered entry referenced by [n] markers in composed text
type CitedSource struct {
	Marker    int      `json:"marker"`
	Title     string   `json:"title"`
	URL       string   `json:"url"`
	EntityIDs []string `json:"entity_ids"`
}

// ComposedDocument is the final answer text with its citations
type ComposedDocument struct {
	Text          string        `json:"text"`
	CitedSources  []CitedSource `json:"cited_sources"`
	NoInformation bool          `json:"no_information,omitempty"`
}

// AuditResult is the outcome of checking citations against raw sources
type AuditResult struct {
	VerifiedCitations   []string `json:"verified_citations"`
	UnverifiedCitations []string `json:"unverified_citations"`
	GroundingRate       float64  `json:"grounding_rate"`
}
