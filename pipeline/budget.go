package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode"

	"go.uber.org/zap"

	"legalresearch-backend/llm"
	"legalresearch-backend/metrics"
	"legalresearch-backend/models"
	"legalresearch-backend/tokens"
)

// PurposeSummarize is the LLM request purpose of budget summarization.
const PurposeSummarize = "summarize"

// Checkpoint names a point where the token budget is evaluated. The name is
// recorded in the summarization stages when it triggers compression.
type Checkpoint string

// Fixed checkpoints.
const (
	CheckpointInitial        Checkpoint = "initial-research"
	CheckpointPreComposition Checkpoint = "pre-composition"
)

// SupplementaryCheckpoint names the checkpoint after supplementary round n.
func SupplementaryCheckpoint(round int) Checkpoint {
	return Checkpoint(fmt.Sprintf("supplementary-round-%d", round))
}

// MergedCheckpoint names the checkpoint after merging round n into the
// accumulated content.
func MergedCheckpoint(round int) Checkpoint {
	return Checkpoint(fmt.Sprintf("merged-supplementary-%d", round))
}

// SummaryURL is the internal pseudo-URL of content summarized at cp without
// a single source.
func SummaryURL(cp Checkpoint) string {
	return models.InternalScheme + "://" + string(cp)
}

// ErrCheckpointOrder is returned for a checkpoint evaluated out of order.
var ErrCheckpointOrder = errors.New("budget checkpoint out of order")

const (
	minSectionShare  = 150
	maxSummaryOutput = 8192
)

const summarizeSystem = `You condense legal research sources to fit a context budget.
Summarize each numbered source separately. Keep case names, citations, section numbers,
dates and holdings exactly as written. Do not merge sources or add facts.
Return JSON: {"summaries": [{"index": n, "summary": "..."}], "overview": "..."}
Use "overview" only for points that span several sources; leave it empty otherwise.`

// BudgetController keeps accumulated research content under a token ceiling.
type BudgetController struct {
	gw        llm.Gateway
	estimator tokens.Estimator
	ceiling   int
	logger    *zap.Logger
}

// NewBudgetController creates a controller.
func NewBudgetController(gw llm.Gateway, estimator tokens.Estimator, ceiling int, logger *zap.Logger) *BudgetController {
	if estimator == nil {
		estimator = tokens.Heuristic{}
	}
	if ceiling <= 0 {
		ceiling = DefaultConfig().TokenCeiling
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BudgetController{gw: gw, estimator: estimator, ceiling: ceiling, logger: logger}
}

// Tokens estimates the size of sections.
func (c *BudgetController) Tokens(sections []models.ContentSection) int {
	total := 0
	for _, s := range sections {
		total += c.sectionTokens(s)
	}
	return total
}

func (c *BudgetController) sectionTokens(s models.ContentSection) int {
	return tokens.CountAll(c.estimator, s.Title, s.URL, s.Text)
}

type budgetPhase int

const (
	phaseStart budgetPhase = iota
	phaseInitial
	phaseSupplementary
	phaseMerged
	phasePreComposition
)

// BudgetTracker is the per-run checkpoint state machine:
// initial, then any number of supplementary/merged pairs, then pre-composition.
type BudgetTracker struct {
	c      *BudgetController
	phase  budgetPhase
	round  int
	stages []string
}

// NewTracker starts the checkpoint sequence of one run.
func (c *BudgetController) NewTracker() *BudgetTracker {
	return &BudgetTracker{c: c, stages: []string{}}
}

// Stages returns the checkpoints that triggered compression, in order.
func (t *BudgetTracker) Stages() []string {
	return append([]string{}, t.stages...)
}

// Initial evaluates the content of the initial retrieval.
func (t *BudgetTracker) Initial(ctx context.Context, sections []models.ContentSection) ([]models.ContentSection, error) {
	if t.phase != phaseStart {
		return sections, fmt.Errorf("%w: initial after phase %d", ErrCheckpointOrder, t.phase)
	}
	t.phase = phaseInitial
	return t.evaluate(ctx, CheckpointInitial, sections), nil
}

// Supplementary evaluates the new content of supplementary round n (1-based).
func (t *BudgetTracker) Supplementary(ctx context.Context, round int, sections []models.ContentSection) ([]models.ContentSection, error) {
	if (t.phase != phaseInitial && t.phase != phaseMerged) || round != t.round+1 {
		return sections, fmt.Errorf("%w: supplementary round %d", ErrCheckpointOrder, round)
	}
	t.phase = phaseSupplementary
	t.round = round
	return t.evaluate(ctx, SupplementaryCheckpoint(round), sections), nil
}

// Merged evaluates the accumulated content after merging round n.
func (t *BudgetTracker) Merged(ctx context.Context, round int, sections []models.ContentSection) ([]models.ContentSection, error) {
	if t.phase != phaseSupplementary || round != t.round {
		return sections, fmt.Errorf("%w: merge of round %d", ErrCheckpointOrder, round)
	}
	t.phase = phaseMerged
	return t.evaluate(ctx, MergedCheckpoint(round), sections), nil
}

// PreComposition evaluates the final accumulated content.
func (t *BudgetTracker) PreComposition(ctx context.Context, sections []models.ContentSection) ([]models.ContentSection, error) {
	if t.phase != phaseInitial && t.phase != phaseMerged {
		return sections, fmt.Errorf("%w: pre-composition after phase %d", ErrCheckpointOrder, t.phase)
	}
	t.phase = phasePreComposition
	return t.evaluate(ctx, CheckpointPreComposition, sections), nil
}

// evaluate returns sections untouched when they fit, otherwise their
// compressed replacement.
func (t *BudgetTracker) evaluate(ctx context.Context, cp Checkpoint, sections []models.ContentSection) []models.ContentSection {
	total := t.c.Tokens(sections)
	if total <= t.c.ceiling {
		return sections
	}

	t.c.logger.Info("Token budget exceeded, summarizing",
		zap.String("checkpoint", string(cp)),
		zap.Int("tokens", total),
		zap.Int("ceiling", t.c.ceiling),
	)
	out := t.c.summarize(ctx, cp, sections, total)
	t.stages = append(t.stages, string(cp))
	metrics.SummarizationsTotal.WithLabelValues(string(cp)).Inc()
	return out
}

// summarize compresses sections in source-preserving batches. Each section
// keeps its source ID, title and URL.
func (c *BudgetController) summarize(ctx context.Context, cp Checkpoint, sections []models.ContentSection, total int) []models.ContentSection {
	target := c.ceiling * 3 / 4
	batchLimit := c.ceiling / 2

	shares := make([]int, len(sections))
	for i, s := range sections {
		share := c.sectionTokens(s) * target / total
		if share < minSectionShare {
			share = minSectionShare
		}
		shares[i] = share
	}

	out := make([]models.ContentSection, len(sections))
	var overviews []string

	start := 0
	for start < len(sections) {
		end, used := start, 0
		for end < len(sections) {
			n := min(c.sectionTokens(sections[end]), batchLimit)
			if end > start && used+n > batchLimit {
				break
			}
			used += n
			end++
		}

		summaries, overview, err := c.summarizeBatch(ctx, sections[start:end], shares[start:end], batchLimit)
		if err != nil {
			c.logger.Warn("Summarization failed, truncating sources",
				zap.String("checkpoint", string(cp)),
				zap.Error(err),
			)
		}
		for i := start; i < end; i++ {
			s := sections[i]
			if text, ok := summaries[i-start]; ok {
				s.Text = text
			} else {
				s.Text = truncateTokens(s.Text, shares[i], c.estimator)
			}
			s.Summarized = true
			out[i] = s
		}
		if overview != "" {
			overviews = append(overviews, overview)
		}
		start = end
	}

	if len(overviews) > 0 {
		out = append(out, models.ContentSection{
			SourceID:   "summary-" + string(cp),
			Title:      "Research summary (" + string(cp) + ")",
			URL:        SummaryURL(cp),
			Text:       strings.Join(overviews, "\n\n"),
			Summarized: true,
		})
	}

	if c.Tokens(out) > c.ceiling {
		out = c.truncateAll(out, target)
	}
	return out
}

func (c *BudgetController) summarizeBatch(ctx context.Context, batch []models.ContentSection, shares []int, batchLimit int) (map[int]string, string, error) {
	if c.gw == nil {
		return nil, "", errors.New("no llm gateway")
	}

	var prompt strings.Builder
	budget := 0
	for i, s := range batch {
		fmt.Fprintf(&prompt, "[%d] %s | %s\nTarget length: about %d tokens\n%s\n\n",
			i, s.Title, s.URL, shares[i], truncateTokens(s.Text, batchLimit, c.estimator))
		budget += shares[i]
	}

	var out struct {
		Summaries []struct {
			Index   int    `json:"index"`
			Summary string `json:"summary"`
		} `json:"summaries"`
		Overview string `json:"overview"`
	}
	_, err := llm.InvokeJSON(ctx, c.gw, llm.Request{
		Purpose:         PurposeSummarize,
		System:          summarizeSystem,
		Prompt:          prompt.String(),
		MaxOutputTokens: min(budget+256, maxSummaryOutput),
	}, &out)
	if err != nil {
		return nil, "", err
	}

	summaries := make(map[int]string, len(out.Summaries))
	for _, s := range out.Summaries {
		text := strings.TrimSpace(s.Summary)
		if s.Index < 0 || s.Index >= len(batch) || text == "" {
			continue
		}
		if _, dup := summaries[s.Index]; dup {
			continue
		}
		summaries[s.Index] = truncateTokens(text, shares[s.Index]*2, c.estimator)
	}
	return summaries, strings.TrimSpace(out.Overview), nil
}

// truncateAll cuts every section proportionally so the total fits target.
func (c *BudgetController) truncateAll(sections []models.ContentSection, target int) []models.ContentSection {
	total := c.Tokens(sections)
	out := make([]models.ContentSection, len(sections))
	for i, s := range sections {
		share := c.sectionTokens(s) * target / total
		overhead := tokens.CountAll(c.estimator, s.Title, s.URL)
		s.Text = truncateTokens(s.Text, max(share-overhead, 1), c.estimator)
		s.Summarized = true
		out[i] = s
	}
	return out
}

// truncateTokens returns the longest prefix of text, cut at a word boundary,
// that fits maxTokens. The prefix stays a verbatim excerpt.
func truncateTokens(text string, maxTokens int, est tokens.Estimator) string {
	count := est.Count(text)
	if count <= maxTokens {
		return text
	}
	runes := []rune(text)
	n := len(runes) * maxTokens / count
	for n > 0 && est.Count(string(runes[:n])) > maxTokens {
		n = n * 9 / 10
	}
	cut := n
	for cut > n/2 && cut > 0 && !unicode.IsSpace(runes[cut-1]) {
		cut--
	}
	if cut <= n/2 {
		cut = n
	}
	return strings.TrimRightFunc(string(runes[:cut]), unicode.IsSpace)
}
