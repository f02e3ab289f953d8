package pipeline

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"go.uber.org/zap"

	"legalresearch-backend/llm"
	"legalresearch-backend/metrics"
	"legalresearch-backend/models"
)

// PurposeExtractEntities is the LLM request purpose of entity extraction.
const PurposeExtractEntities = "extract_entities"

const (
	maxPromptSourceRunes = 6000
	fallbackExcerptRunes = 500
)

const extractorSystem = `You extract legal authorities from research sources.
Entity kinds: court_case, statute, academic_source, government_source, news_source.
Copy "url" exactly from the source header. Copy "source_content" verbatim from the
source text: the passage that supports the entity, unchanged. Never invent a URL or
paraphrase source content. Skip anything you cannot quote.
Return JSON: {"entities": [{"kind": "...", "name": "...", "url": "...",
"source_content": "...", "confidence": "high|medium|low", "citation": "",
"court": "", "year": "", "section": "", "author": "", "publication": "",
"agency": "", "outlet": "", "date": ""}]}`

// Drop reasons recorded in metrics.
const (
	dropUnknownKind    = "unknown_kind"
	dropUnknownURL     = "unknown_url"
	dropUnverbatim     = "content_not_verbatim"
	dropValidatorError = "validation_error"
)

type rawEntity struct {
	Kind          string `json:"kind"`
	Name          string `json:"name"`
	URL           string `json:"url"`
	SourceContent string `json:"source_content"`
	Confidence    string `json:"confidence"`
	Citation      string `json:"citation"`
	Court         string `json:"court"`
	Year          string `json:"year"`
	Section       string `json:"section"`
	Author        string `json:"author"`
	Publication   string `json:"publication"`
	Agency        string `json:"agency"`
	Outlet        string `json:"outlet"`
	Date          string `json:"date"`
}

// ExtractionResult is the output of entity extraction.
type ExtractionResult struct {
	Entities []models.Entity
	Dropped  int
	// Fallback is set when entities were derived without the LLM.
	Fallback bool
}

// EntityExtractor converts research content into source-attributed entities.
type EntityExtractor struct {
	gw     llm.Gateway
	logger *zap.Logger
}

// NewEntityExtractor creates an extractor.
func NewEntityExtractor(gw llm.Gateway, logger *zap.Logger) *EntityExtractor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EntityExtractor{gw: gw, logger: logger}
}

// sourceIndex maps each known URL to the texts published under it.
type sourceIndex map[string][]string

func newSourceIndex(sections []models.ContentSection, docs []models.RetrievedDocument) sourceIndex {
	idx := sourceIndex{}
	for _, d := range docs {
		if d.URL != "" {
			idx[d.URL] = append(idx[d.URL], d.RawContent)
		}
	}
	for _, s := range sections {
		if s.URL != "" {
			idx[s.URL] = append(idx[s.URL], s.Text)
		}
	}
	return idx
}

// verbatim returns the exact span of some text under url matching excerpt,
// tolerating whitespace differences only.
func (idx sourceIndex) verbatim(url, excerpt string) (string, bool) {
	texts := idx[url]
	for _, t := range texts {
		if strings.Contains(t, excerpt) {
			return excerpt, true
		}
	}
	words := strings.Fields(excerpt)
	if len(words) == 0 {
		return "", false
	}
	quoted := make([]string, len(words))
	for i, w := range words {
		quoted[i] = regexp.QuoteMeta(w)
	}
	re, err := regexp.Compile(strings.Join(quoted, `\s+`))
	if err != nil {
		return "", false
	}
	for _, t := range texts {
		if m := re.FindString(t); m != "" {
			return m, true
		}
	}
	return "", false
}

// Extract returns the entities found in sections. Entities whose URL is not a
// known source URL, or whose content is not a verbatim excerpt, are discarded.
func (x *EntityExtractor) Extract(ctx context.Context, q models.Query, sections []models.ContentSection, docs []models.RetrievedDocument) ExtractionResult {
	sections = nonEmptySections(sections)
	if len(sections) == 0 {
		return ExtractionResult{Entities: []models.Entity{}}
	}
	idx := newSourceIndex(sections, docs)

	if x.gw == nil {
		return ExtractionResult{Entities: fallbackEntities(sections), Fallback: true}
	}

	var out struct {
		Entities []rawEntity `json:"entities"`
	}
	_, err := llm.InvokeJSON(ctx, x.gw, llm.Request{
		Purpose:         PurposeExtractEntities,
		System:          extractorSystem,
		Prompt:          extractionPrompt(q, sections),
		MaxOutputTokens: 8192,
	}, &out)
	if err != nil {
		x.logger.Warn("Entity extraction failed, deriving entities from sources", zap.Error(err))
		return ExtractionResult{Entities: fallbackEntities(sections), Fallback: true}
	}

	res := ExtractionResult{Entities: make([]models.Entity, 0, len(out.Entities))}
	counters := map[models.EntityKind]int{}
	drop := func(reason string, r rawEntity) {
		res.Dropped++
		metrics.EntitiesDroppedTotal.WithLabelValues(reason).Inc()
		x.logger.Debug("Entity dropped", zap.String("reason", reason), zap.String("name", r.Name), zap.String("url", r.URL))
	}

	for _, r := range out.Entities {
		kind, ok := models.ParseEntityKind(r.Kind)
		if !ok {
			drop(dropUnknownKind, r)
			continue
		}
		if _, known := idx[r.URL]; !known {
			drop(dropUnknownURL, r)
			continue
		}
		content := strings.TrimSpace(r.SourceContent)
		if content != "" {
			exact, ok := idx.verbatim(r.URL, content)
			if !ok {
				drop(dropUnverbatim, r)
				continue
			}
			content = exact
		}

		counters[kind]++
		res.Entities = append(res.Entities, buildEntity(models.EntityID(kind, counters[kind]), kind, r, content))
	}
	return res
}

func buildEntity(id string, kind models.EntityKind, r rawEntity, content string) models.Entity {
	e := models.Entity{
		ID:            id,
		Kind:          kind,
		Name:          strings.TrimSpace(r.Name),
		URL:           r.URL,
		SourceContent: content,
		Confidence:    models.Confidence(strings.ToLower(strings.TrimSpace(r.Confidence))),
	}
	switch kind {
	case models.KindCourtCase:
		e.Case = &models.CourtCase{Citation: strings.TrimSpace(r.Citation), Court: r.Court, Year: r.Year}
	case models.KindStatute:
		e.Statute = &models.Statute{Citation: strings.TrimSpace(r.Citation), Section: r.Section}
	case models.KindAcademicSource:
		e.Academic = &models.AcademicSource{Author: r.Author, Publication: r.Publication, Year: r.Year}
	case models.KindGovernmentSource:
		e.Government = &models.GovernmentSource{Agency: r.Agency}
	case models.KindNewsSource:
		e.News = &models.NewsSource{Outlet: r.Outlet, Date: r.Date}
	}
	return e
}

func extractionPrompt(q models.Query, sections []models.ContentSection) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Question: %s\nJurisdiction: %s\n\nSources:\n\n", q.Text, q.Jurisdiction)
	for i, s := range sections {
		fmt.Fprintf(&b, "Source %d\nTitle: %s\nURL: %s\nText:\n%s\n\n", i+1, s.Title, s.URL, truncateRunes(s.Text, maxPromptSourceRunes))
	}
	return b.String()
}

func nonEmptySections(sections []models.ContentSection) []models.ContentSection {
	out := make([]models.ContentSection, 0, len(sections))
	for _, s := range sections {
		if strings.TrimSpace(s.Text) != "" && s.URL != "" {
			out = append(out, s)
		}
	}
	return out
}

var (
	govURLRe  = regexp.MustCompile(`(?i)(\.gov\b|\.gov\.|parlzim|veritaszim|ministry|government)`)
	newsURLRe = regexp.MustCompile(`(?i)(news|herald|chronicle|times|post|bbc|reuters)`)
	statuteRe = regexp.MustCompile(`(?i)(\bact\b|chapter\s*\d+:\d+|statutory instrument|\bregulations?\b|constitution)`)
	caseRe    = regexp.MustCompile(`(?i)(\sv\.?\s|\bjudgment\b|\bin re\b|\bex parte\b|legal-db/)`)
)

// fallbackEntities derives one low-confidence entity per source. Names and
// URLs come from the source header and the content is a verbatim prefix.
func fallbackEntities(sections []models.ContentSection) []models.Entity {
	counters := map[models.EntityKind]int{}
	out := make([]models.Entity, 0, len(sections))
	for _, s := range sections {
		kind := classifySource(s)
		counters[kind]++
		name := strings.TrimSpace(s.Title)
		if name == "" {
			name = s.URL
		}
		excerpt := truncateRunes(strings.TrimSpace(s.Text), fallbackExcerptRunes)
		if utf8.RuneCountInString(excerpt) < utf8.RuneCountInString(strings.TrimSpace(s.Text)) {
			if i := strings.LastIndexAny(excerpt, " \n\t"); i > len(excerpt)/2 {
				excerpt = excerpt[:i]
			}
		}
		r := rawEntity{Name: name, URL: s.URL, Confidence: string(models.ConfidenceLow)}
		if kind == models.KindCourtCase || kind == models.KindStatute {
			r.Citation = firstCitation(s.Title + " " + s.Text)
		}
		out = append(out, buildEntity(models.EntityID(kind, counters[kind]), kind, r, excerpt))
	}
	return out
}

func classifySource(s models.ContentSection) models.EntityKind {
	header := s.Title + " " + s.URL
	switch {
	case caseRe.MatchString(header):
		return models.KindCourtCase
	case statuteRe.MatchString(s.Title):
		return models.KindStatute
	case govURLRe.MatchString(header):
		return models.KindGovernmentSource
	case newsURLRe.MatchString(s.URL):
		return models.KindNewsSource
	}
	return models.KindAcademicSource
}

func firstCitation(text string) string {
	for _, re := range citationRes {
		if m := re.FindString(text); m != "" {
			return m
		}
	}
	return ""
}
