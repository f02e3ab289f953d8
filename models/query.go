package models

import "strings"

// Role identifies the author of a conversation turn
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Turn represents one message of prior conversation
type Turn struct {
	Role Role   `json:"role"`
	Text string `json:"text"`
}

// Query represents the immutable input to a pipeline run
type Query struct {
	Text                string `json:"text"`
	Jurisdiction        string `json:"jurisdiction"`
	ConversationHistory []Turn `json:"conversation_history,omitempty"`
}

// RecentTurns returns at most the last n non-empty turns, oldest first
func (q Query) RecentTurns(n int) []Turn {
	turns := make([]Turn, 0, len(q.ConversationHistory))
	for _, t := range q.ConversationHistory {
		if strings.TrimSpace(t.Text) == "" {
			continue
		}
		turns = append(turns, t)
	}
	if n >= 0 && len(turns) > n {
		turns = turns[len(turns)-n:]
	}
	return turns
}

// Tier is the research depth chosen for a query
type Tier string

const (
	TierSimple   Tier = "simple"
	TierLight    Tier = "light"
	TierMedium   Tier = "medium"
	TierDeep     Tier = "deep"
	TierWorkflow Tier = "workflow"
)

// ParseTier returns the tier named by s and whether it is a known tier
func ParseTier(s string) (Tier, bool) {
	switch Tier(strings.ToLower(strings.TrimSpace(s))) {
	case TierSimple:
		return TierSimple, true
	case TierLight:
		return TierLight, true
	case TierMedium:
		return TierMedium, true
	case TierDeep:
		return TierDeep, true
	case TierWorkflow:
		return TierWorkflow, true
	}
	return "", false
}

// ComplexityDecision is created once per run by the router
type ComplexityDecision struct {
	Tier           Tier   `json:"tier"`
	Reasoning      string `json:"reasoning"`
	EstimatedSteps int    `json:"estimated_steps"`
}

// EnhancedQuery is the search-optimized rewrite of a Query
type EnhancedQuery struct {
	PrimaryQuery        string   `json:"primary_query"`
	VariationQueries    []string `json:"variation_queries"`
	HypotheticalPassage string   `json:"hypothetical_passage,omitempty"`
}

// AllQueries returns the primary query followed by the variations
func (e EnhancedQuery) AllQueries() []string {
	out := make([]string, 0, 1+len(e.VariationQueries))
	out = append(out, e.PrimaryQuery)
	out = append(out, e.VariationQueries...)
	return out
}
