package pipeline

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"go.uber.org/zap"

	"legalresearch-backend/llm"
	"legalresearch-backend/models"
)

// PurposeEnhance is the LLM request purpose of the query enhancer.
const PurposeEnhance = "enhance"

const maxPassageRunes = 1500

const enhancerSystem = `You rewrite a legal research question into search queries.
Resolve references to earlier conversation ("that case", "the act") into explicit names.
Keep every quoted phrase, case name and citation from the question exactly as written.
Return JSON: {"primary_query": "...", "variation_queries": ["..."], "hypothetical_passage": "..."}
The hypothetical passage is a short paragraph written the way a judgment or statute
answering the question would read.`

// Enhancer rewrites a query for search using recent conversation turns.
type Enhancer struct {
	gw           llm.Gateway
	historyTurns int
	minChars     int
	maxChars     int
	logger       *zap.Logger
}

// NewEnhancer creates an enhancer.
func NewEnhancer(gw llm.Gateway, cfg Config, logger *zap.Logger) *Enhancer {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Enhancer{
		gw:           gw,
		historyTurns: cfg.HistoryTurns,
		minChars:     cfg.EnhancerMinChars,
		maxChars:     cfg.EnhancerMaxChars,
		logger:       logger,
	}
}

// FallbackQuery is the enhancement used when the model output is unusable.
func FallbackQuery(q models.Query) string {
	return strings.TrimSpace(strings.TrimSpace(q.Text) + " " + strings.TrimSpace(q.Jurisdiction))
}

// Enhance returns the search rewrite of q with at most variations variation
// queries. It never fails.
func (e *Enhancer) Enhance(ctx context.Context, q models.Query, variations int) models.EnhancedQuery {
	fallback := models.EnhancedQuery{PrimaryQuery: FallbackQuery(q), VariationQueries: []string{}}
	if e.gw == nil {
		return fallback
	}

	var out struct {
		PrimaryQuery        string   `json:"primary_query"`
		VariationQueries    []string `json:"variation_queries"`
		HypotheticalPassage string   `json:"hypothetical_passage"`
	}
	_, err := llm.InvokeJSON(ctx, e.gw, llm.Request{
		Purpose:         PurposeEnhance,
		System:          enhancerSystem,
		Prompt:          e.prompt(q, variations),
		MaxOutputTokens: 1024,
	}, &out)
	if err != nil {
		e.logger.Warn("Query enhancement failed, using fallback", zap.Error(err))
		return fallback
	}

	primary := strings.Join(strings.Fields(out.PrimaryQuery), " ")
	if reason := e.reject(q, primary); reason != "" {
		e.logger.Warn("Enhanced query rejected, using fallback", zap.String("reason", reason))
		primary = fallback.PrimaryQuery
	}
	primary = appendMissing(primary, ProtectedTerms(q.Text))

	return models.EnhancedQuery{
		PrimaryQuery:        primary,
		VariationQueries:    dedupeQueries(primary, out.VariationQueries, variations),
		HypotheticalPassage: truncateRunes(strings.TrimSpace(out.HypotheticalPassage), maxPassageRunes),
	}
}

func (e *Enhancer) prompt(q models.Query, variations int) string {
	var b strings.Builder
	if turns := q.RecentTurns(e.historyTurns); len(turns) > 0 {
		b.WriteString("Recent conversation:\n")
		for _, t := range turns {
			fmt.Fprintf(&b, "%s: %s\n", t.Role, t.Text)
		}
		b.WriteString("\n")
	}
	fmt.Fprintf(&b, "Jurisdiction: %s\n", q.Jurisdiction)
	fmt.Fprintf(&b, "Question: %s\n", q.Text)
	fmt.Fprintf(&b, "Number of variation queries: %d\n", variations)
	if terms := ProtectedTerms(q.Text); len(terms) > 0 {
		fmt.Fprintf(&b, "Keep verbatim: %s\n", strings.Join(terms, "; "))
	}
	return b.String()
}

// reject returns why primary is unusable, or "".
func (e *Enhancer) reject(q models.Query, primary string) string {
	n := utf8.RuneCountInString(primary)
	orig := utf8.RuneCountInString(strings.TrimSpace(q.Text))

	minLen := e.minChars
	if orig/2 > minLen {
		minLen = orig / 2
	}
	maxLen := e.maxChars
	if 2*orig > maxLen {
		maxLen = 2 * orig
	}

	switch {
	case n == 0:
		return "empty"
	case n < minLen:
		return "too short"
	case n > maxLen:
		return "too long"
	}
	return ""
}

var (
	quotedRe   = regexp.MustCompile(`"([^"]{2,})"|“([^”]{2,})”`)
	caseNameRe = regexp.MustCompile(`\b[A-Z][\w.&'-]*(?:\s+(?:[A-Z][\w.&'-]*|\(Pvt\)|of|and))*\s+v\.?\s+[A-Z][\w.&'-]*(?:\s+(?:[A-Z][\w.&'-]*|\(Pvt\)))*`)
)

// citationRes match the citation shapes used across the pipeline.
var citationRes = []*regexp.Regexp{
	regexp.MustCompile(`\[\d{4}\]\s+[A-Z]{2,}[A-Za-z]*\s+\d+`),
	regexp.MustCompile(`\b\d{4}\s*\(\d+\)\s*[A-Z]{2,}[A-Za-z]*\s+\d+`),
	regexp.MustCompile(`\(\d{4}\)\s*\d+\s*[A-Z]{2,}[A-Za-z]*\s+\d+`),
	regexp.MustCompile(`\b(?:SC|HH|HB|HMT|HMA|CCZ|LC)\s*\d+[-/]\d{2,4}\b`),
}

// ProtectedTerms returns the quoted phrases, case names and citations of
// text, which must survive any rewrite verbatim.
func ProtectedTerms(text string) []string {
	var terms []string
	seen := map[string]bool{}
	add := func(s string) {
		s = strings.TrimSpace(s)
		if s == "" || seen[strings.ToLower(s)] {
			return
		}
		seen[strings.ToLower(s)] = true
		terms = append(terms, s)
	}

	for _, m := range quotedRe.FindAllStringSubmatch(text, -1) {
		add(m[1] + m[2])
	}
	for _, re := range citationRes {
		for _, m := range re.FindAllString(text, -1) {
			add(m)
		}
	}
	for _, m := range caseNameRe.FindAllString(text, -1) {
		add(trimLeadingFiller(trimSentenceRunOn(m)))
	}
	return terms
}

// appendMissing adds every term primary does not contain verbatim. A rewrite
// that only changes the case of a term has not kept it.
func appendMissing(primary string, terms []string) string {
	for _, t := range terms {
		if !strings.Contains(primary, t) {
			primary += " " + t
		}
	}
	return primary
}

func dedupeQueries(primary string, candidates []string, limit int) []string {
	out := make([]string, 0, limit)
	seen := map[string]bool{strings.ToLower(primary): true}
	for _, c := range candidates {
		if len(out) >= limit {
			break
		}
		c = strings.Join(strings.Fields(c), " ")
		key := strings.ToLower(c)
		if c == "" || seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, c)
	}
	return out
}

func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n])
}
