package pipeline

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"legalresearch-backend/llm"
	"legalresearch-backend/models"
)

// PurposeGapQueries is the LLM request purpose of supplementary query planning.
const PurposeGapQueries = "gap_queries"

const maxGapTitles = 20

const gapSystem = `You plan follow-up searches for legal research.
Given the question and the titles of sources already found, propose searches for
authorities that are still missing (leading cases, the governing statute, later amendments).
Return JSON: {"queries": ["..."]}`

// GapPlanner proposes supplementary search queries.
type GapPlanner struct {
	gw     llm.Gateway
	logger *zap.Logger
}

// NewGapPlanner creates a gap planner.
func NewGapPlanner(gw llm.Gateway, logger *zap.Logger) *GapPlanner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GapPlanner{gw: gw, logger: logger}
}

// Plan returns at most n new queries not already in asked. A failure yields
// no queries and the round is skipped.
func (g *GapPlanner) Plan(ctx context.Context, q models.Query, docs []models.RetrievedDocument, asked []string, n int) []string {
	if g.gw == nil || n <= 0 {
		return nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Question: %s\nJurisdiction: %s\nNumber of queries: %d\n\nAlready found:\n", q.Text, q.Jurisdiction, n)
	for i, d := range docs {
		if i >= maxGapTitles {
			break
		}
		fmt.Fprintf(&b, "- %s\n", d.Title)
	}
	b.WriteString("\nAlready searched:\n")
	for _, a := range asked {
		fmt.Fprintf(&b, "- %s\n", a)
	}

	var out struct {
		Queries []string `json:"queries"`
	}
	if _, err := llm.InvokeJSON(ctx, g.gw, llm.Request{
		Purpose:         PurposeGapQueries,
		System:          gapSystem,
		Prompt:          b.String(),
		MaxOutputTokens: 512,
	}, &out); err != nil {
		g.logger.Warn("Gap query planning failed, skipping round", zap.Error(err))
		return nil
	}

	seen := map[string]bool{}
	for _, a := range asked {
		seen[strings.ToLower(strings.TrimSpace(a))] = true
	}
	var queries []string
	for _, candidate := range out.Queries {
		candidate = strings.Join(strings.Fields(candidate), " ")
		key := strings.ToLower(candidate)
		if candidate == "" || seen[key] {
			continue
		}
		seen[key] = true
		queries = append(queries, candidate)
		if len(queries) == n {
			break
		}
	}
	return queries
}
