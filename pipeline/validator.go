package pipeline

import (
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"legalresearch-backend/models"
)

var (
	urlShapeRe = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9+.-]*://\S+$`)

	caseNamePatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)\S\s+(v|vs|versus)\.?\s+\S`),
		regexp.MustCompile(`(?i)^\s*(in re|ex parte|re:?)\s+\S`),
		regexp.MustCompile(`(?i)\b(petition|application)\b`),
	}

	// Court and legislative citation shapes, including pre-2000 forms such as
	// "1998 (2) ZLR 12" and "SC 43/98".
	citationPatterns = []*regexp.Regexp{
		regexp.MustCompile(`\[\d{4}\]\s*[A-Z]{2,}[A-Za-z]*\s*\d+`),
		regexp.MustCompile(`\d{4}\s*\(\d+\)\s*[A-Z]{2,}[A-Za-z]*\s*\d+`),
		regexp.MustCompile(`\(\d{4}\)\s*\d+\s*[A-Z]{2,}[A-Za-z]*\s*\d+`),
		regexp.MustCompile(`\b[A-Z]{2,4}\s*\d+\s*[-/]\s*\d{2,4}\b`),
		regexp.MustCompile(`(?i)\bchapter\s*\d+:\d+`),
		regexp.MustCompile(`(?i)\b(no\.?|number)\s*\d+\s*of\s*\d{4}`),
		regexp.MustCompile(`(?i)\bS\.?I\.?\s*\d+\s*of\s*\d{4}`),
		regexp.MustCompile(`§\s*\d+`),
		regexp.MustCompile(`(?i)\b(section|sec\.|s\.)\s*\d+`),
		regexp.MustCompile(`\b\d+\s+[A-Z][A-Za-z.]*\s+\d+\b`),
	}
)

// ValidationResult is the outcome of validating a set of entities.
type ValidationResult struct {
	Valid   []models.Entity
	Issues  []models.ValidationIssue
	Dropped int
}

// Validator flags problems on extracted entities. Only error-severity issues
// remove an entity; warnings and info are reported alongside it.
type Validator struct {
	minSourceContent int
	knownURLs        map[string]bool
}

// NewValidator creates a validator that accepts URLs of docs and sections.
func NewValidator(minSourceContent int, docs []models.RetrievedDocument, sections []models.ContentSection) *Validator {
	known := make(map[string]bool, len(docs)+len(sections))
	for _, d := range docs {
		known[d.URL] = true
	}
	for _, s := range sections {
		known[s.URL] = true
	}
	return &Validator{minSourceContent: minSourceContent, knownURLs: known}
}

// Validate checks every entity. It is deterministic and has no side effects on
// its input.
func (v *Validator) Validate(entities []models.Entity) ValidationResult {
	res := ValidationResult{Valid: make([]models.Entity, 0, len(entities))}
	seen := make(map[string]bool, len(entities))

	for _, e := range entities {
		issues := v.check(e, seen)
		res.Issues = append(res.Issues, issues...)

		if hasError(issues) {
			res.Dropped++
			continue
		}
		seen[e.ID] = true
		if _, ok := models.ParseConfidence(string(e.Confidence)); !ok {
			e.Confidence = models.ConfidenceLow
		}
		res.Valid = append(res.Valid, e)
	}
	return res
}

func (v *Validator) check(e models.Entity, seen map[string]bool) []models.ValidationIssue {
	var issues []models.ValidationIssue
	add := func(sev models.Severity, msg, suggestion string) {
		issues = append(issues, models.ValidationIssue{EntityID: e.ID, Severity: sev, Message: msg, Suggestion: suggestion})
	}

	if strings.TrimSpace(e.ID) == "" {
		add(models.SeverityError, "missing entity id", "")
	} else if seen[e.ID] {
		add(models.SeverityError, "duplicate entity id "+e.ID, "")
	}
	if strings.TrimSpace(e.Name) == "" {
		add(models.SeverityError, "missing name", "")
	}
	content := strings.TrimSpace(e.SourceContent)
	if content == "" {
		add(models.SeverityError, "missing source content", "quote the supporting passage from the source")
	}

	switch {
	case models.IsInternalURL(e.URL):
		// internal database pseudo-URLs are accepted as retrieved
	case !urlShapeRe.MatchString(e.URL):
		add(models.SeverityError, fmt.Sprintf("url %q is not of the form scheme://...", e.URL), "")
	case !v.knownURLs[e.URL]:
		add(models.SeverityError, fmt.Sprintf("url %q does not match any retrieved source", e.URL), "")
	}

	if e.Kind == models.KindCourtCase && e.Name != "" && !matchesAny(e.Name, caseNamePatterns) {
		add(models.SeverityWarning, fmt.Sprintf("case name %q does not follow a party v party or petition pattern", e.Name),
			"check the case name against the source")
	}
	if c := e.Citation(); c != "" && !matchesAny(c, citationPatterns) {
		add(models.SeverityWarning, fmt.Sprintf("citation %q does not match a known citation format", c), "")
	}
	if content != "" && utf8.RuneCountInString(content) < v.minSourceContent {
		add(models.SeverityWarning, fmt.Sprintf("source content is shorter than %d characters", v.minSourceContent),
			"include more of the supporting passage")
	}
	if _, ok := models.ParseConfidence(string(e.Confidence)); !ok {
		add(models.SeverityInfo, fmt.Sprintf("confidence %q is not high, medium or low; treated as low", e.Confidence), "")
	}
	return issues
}

func hasError(issues []models.ValidationIssue) bool {
	for _, is := range issues {
		if is.Severity == models.SeverityError {
			return true
		}
	}
	return false
}

func matchesAny(s string, res []*regexp.Regexp) bool {
	for _, re := range res {
		if re.MatchString(s) {
			return true
		}
	}
	return false
}
