package pipeline

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"legalresearch-backend/llm"
	"legalresearch-backend/metrics"
	"legalresearch-backend/models"
)

// PurposeExtractClaims is the LLM request purpose of claim extraction.
const PurposeExtractClaims = "extract_claims"

const defaultCategory = "general"

const claimsSystem = `You derive atomic factual claims from legal authorities.
Each claim states one fact supported by the quoted source content of the entities it cites.
Cite only entity IDs from the list given. Do not state anything the quotes do not support.
Return JSON: {"claims": [{"text": "...", "source_entity_ids": ["CASE-001"],
"confidence": "high|medium|low", "category": "holding|rule|procedure|definition|background"}]}`

// ClaimResult is the output of claim extraction.
type ClaimResult struct {
	Claims   []models.Claim
	Dropped  int
	Fallback bool
}

// ClaimExtractor derives claims from validated entities.
type ClaimExtractor struct {
	gw     llm.Gateway
	logger *zap.Logger
}

// NewClaimExtractor creates a claim extractor.
func NewClaimExtractor(gw llm.Gateway, logger *zap.Logger) *ClaimExtractor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ClaimExtractor{gw: gw, logger: logger}
}

// ClaimID formats the n-th (1-based) claim ID.
func ClaimID(n int) string {
	return fmt.Sprintf("CLAIM-%03d", n)
}

// Extract returns claims that each cite at least one entity of entities.
// Claims citing unknown IDs are dropped.
func (c *ClaimExtractor) Extract(ctx context.Context, q models.Query, entities []models.Entity) ClaimResult {
	if len(entities) == 0 {
		return ClaimResult{Claims: []models.Claim{}}
	}
	if c.gw == nil {
		return ClaimResult{Claims: fallbackClaims(entities), Fallback: true}
	}

	known := make(map[string]bool, len(entities))
	for _, e := range entities {
		known[e.ID] = true
	}

	var out struct {
		Claims []struct {
			Text            string   `json:"text"`
			SourceEntityIDs []string `json:"source_entity_ids"`
			Confidence      string   `json:"confidence"`
			Category        string   `json:"category"`
		} `json:"claims"`
	}
	_, err := llm.InvokeJSON(ctx, c.gw, llm.Request{
		Purpose:         PurposeExtractClaims,
		System:          claimsSystem,
		Prompt:          claimsPrompt(q, entities),
		MaxOutputTokens: 4096,
	}, &out)
	if err != nil {
		c.logger.Warn("Claim extraction failed, deriving claims from entities", zap.Error(err))
		return ClaimResult{Claims: fallbackClaims(entities), Fallback: true}
	}

	res := ClaimResult{Claims: make([]models.Claim, 0, len(out.Claims))}
	for _, raw := range out.Claims {
		text := strings.TrimSpace(raw.Text)
		ids, ok := knownIDs(raw.SourceEntityIDs, known)
		if text == "" || !ok {
			res.Dropped++
			metrics.ClaimsDroppedTotal.Inc()
			c.logger.Debug("Claim dropped", zap.String("text", text), zap.Strings("ids", raw.SourceEntityIDs))
			continue
		}
		conf, _ := models.ParseConfidence(raw.Confidence)
		category := strings.ToLower(strings.TrimSpace(raw.Category))
		if category == "" {
			category = defaultCategory
		}
		res.Claims = append(res.Claims, models.Claim{
			ID:              ClaimID(len(res.Claims) + 1),
			Text:            text,
			SourceEntityIDs: ids,
			Confidence:      conf,
			Category:        category,
		})
	}
	return res
}

// knownIDs dedupes ids and reports whether the list is non-empty and every ID
// is known.
func knownIDs(ids []string, known map[string]bool) ([]string, bool) {
	out := make([]string, 0, len(ids))
	seen := map[string]bool{}
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if !known[id] {
			return nil, false
		}
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out, len(out) > 0
}

func claimsPrompt(q models.Query, entities []models.Entity) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Question: %s\nJurisdiction: %s\n\n", q.Text, q.Jurisdiction)
	ids := make([]string, 0, len(entities))
	for _, e := range entities {
		ids = append(ids, e.ID)
		fmt.Fprintf(&b, "%s (%s): %s\nConfidence: %s\nQuote: %s\n\n", e.ID, e.Kind, e.Label(), e.Confidence, e.SourceContent)
	}
	fmt.Fprintf(&b, "Valid entity IDs: %s\n", strings.Join(ids, ", "))
	return b.String()
}

var sentenceEndRe = regexp.MustCompile(`[.;!?](\s|$)`)

// fallbackClaims states, for each entity, the opening of its quoted content.
func fallbackClaims(entities []models.Entity) []models.Claim {
	out := make([]models.Claim, 0, len(entities))
	for _, e := range entities {
		text := strings.TrimSpace(e.SourceContent)
		if loc := sentenceEndRe.FindStringIndex(text); loc != nil {
			text = text[:loc[0]+1]
		}
		text = truncateRunes(text, 300)
		if text == "" {
			continue
		}
		conf, _ := models.ParseConfidence(string(e.Confidence))
		out = append(out, models.Claim{
			ID:              ClaimID(len(out) + 1),
			Text:            fmt.Sprintf("%s: %s", e.Label(), text),
			SourceEntityIDs: []string{e.ID},
			Confidence:      conf,
			Category:        defaultCategory,
		})
	}
	return out
}
