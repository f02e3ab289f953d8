package pipeline

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"legalresearch-backend/llm"
	"legalresearch-backend/models"
)

// PurposeClassify is the LLM request purpose of the router.
const PurposeClassify = "classify"

const routerSystem = `You classify legal research questions by the depth of research they need.
Tiers: simple (a single definition or fact), light (a short explanation of one rule),
medium (a rule with its conditions or a comparison), deep (analysis across several
authorities), workflow (drafting or multi-document work).
Return JSON: {"tier": "...", "reasoning": "...", "estimated_steps": n}`

var estimatedSteps = map[models.Tier]int{
	models.TierSimple:   4,
	models.TierLight:    6,
	models.TierMedium:   8,
	models.TierDeep:     10,
	models.TierWorkflow: 12,
}

var (
	workflowCues    = []string{"draft ", "drafting", "memo", "memorandum", "heads of argument", "prepare a", "write a", "letter of demand", "pleading"}
	deepCues        = []string{"analy", "comprehensive", "implications", "evolution of", "history of", "critically", "in depth", "in-depth", "all the cases", "line of authority"}
	comparativeCues = []string{"compare", "comparison", "difference between", "differences between", " vs ", " vs. ", " versus ", "distinguish"}
	definitionCues  = []string{"what is ", "what are ", "what does ", "define ", "definition of", "meaning of", "who is "}
)

// Router classifies a query into a research tier.
type Router struct {
	gw     llm.Gateway
	logger *zap.Logger
}

// NewRouter creates a router. gw may be nil, in which case only the
// heuristics are used.
func NewRouter(gw llm.Gateway, logger *zap.Logger) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Router{gw: gw, logger: logger}
}

// Route returns the complexity decision for q. It never fails: an
// unclassifiable query gets the medium tier.
func (r *Router) Route(ctx context.Context, q models.Query) models.ComplexityDecision {
	if d, ok := ClassifyHeuristic(q); ok {
		return d
	}
	if r.gw == nil {
		return defaultDecision("no classifier available")
	}

	var out struct {
		Tier           string `json:"tier"`
		Reasoning      string `json:"reasoning"`
		EstimatedSteps int    `json:"estimated_steps"`
	}
	_, err := llm.InvokeJSON(ctx, r.gw, llm.Request{
		Purpose:         PurposeClassify,
		System:          routerSystem,
		Prompt:          fmt.Sprintf("Jurisdiction: %s\nQuestion: %s", q.Jurisdiction, q.Text),
		MaxOutputTokens: 256,
	}, &out)
	if err != nil {
		r.logger.Warn("Complexity classification failed, using default tier", zap.Error(err))
		return defaultDecision("classification failed")
	}

	tier, ok := models.ParseTier(out.Tier)
	if !ok {
		r.logger.Warn("Classifier returned unknown tier", zap.String("tier", out.Tier))
		return defaultDecision(fmt.Sprintf("unknown tier %q", out.Tier))
	}
	steps := out.EstimatedSteps
	if steps <= 0 {
		steps = estimatedSteps[tier]
	}
	return models.ComplexityDecision{Tier: tier, Reasoning: strings.TrimSpace(out.Reasoning), EstimatedSteps: steps}
}

func defaultDecision(reason string) models.ComplexityDecision {
	return models.ComplexityDecision{
		Tier:           models.TierMedium,
		Reasoning:      "default tier: " + reason,
		EstimatedSteps: estimatedSteps[models.TierMedium],
	}
}

// ClassifyHeuristic applies keyword and structure rules. The second return
// value is false when the rules are not confident.
func ClassifyHeuristic(q models.Query) (models.ComplexityDecision, bool) {
	text := " " + strings.ToLower(strings.Join(strings.Fields(q.Text), " ")) + " "
	words := len(strings.Fields(q.Text))

	decide := func(t models.Tier, reason string) (models.ComplexityDecision, bool) {
		return models.ComplexityDecision{Tier: t, Reasoning: reason, EstimatedSteps: estimatedSteps[t]}, true
	}

	switch {
	case words == 0:
		return models.ComplexityDecision{}, false
	case containsAny(text, workflowCues):
		return decide(models.TierWorkflow, "drafting or multi-document request")
	case containsAny(text, deepCues) || words > 40:
		return decide(models.TierDeep, "analytical question")
	case containsAny(text, comparativeCues):
		return decide(models.TierMedium, "comparative question")
	case containsAny(text, definitionCues) && words <= 6:
		return decide(models.TierSimple, "short definitional question")
	case containsAny(text, definitionCues) && words <= 15:
		return decide(models.TierLight, "definitional question")
	}
	return models.ComplexityDecision{}, false
}

func containsAny(s string, cues []string) bool {
	for _, c := range cues {
		if strings.Contains(s, c) {
			return true
		}
	}
	return false
}
