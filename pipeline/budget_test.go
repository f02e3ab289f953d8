package pipeline

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"legalresearch-backend/llm"
	"legalresearch-backend/models"
	"legalresearch-backend/tokens"
)

func section(url string, words int) models.ContentSection {
	return models.ContentSection{
		SourceID: "src-" + url,
		Title:    "Source " + url,
		URL:      url,
		Text:     strings.Repeat("notice ", words),
	}
}

func TestBudgetUnderCeilingPassesThrough(t *testing.T) {
	gw := newScriptedLLM()
	c := NewBudgetController(gw, tokens.Heuristic{}, 50000, nil)
	tr := c.NewTracker()
	ctx := context.Background()

	in := []models.ContentSection{section("https://a.example", 100), section("https://b.example", 100)}
	out, err := tr.Initial(ctx, in)
	require.NoError(t, err)
	assert.Equal(t, in, out)

	more := []models.ContentSection{section("https://c.example", 50)}
	added, err := tr.Supplementary(ctx, 1, more)
	require.NoError(t, err)
	merged, err := tr.Merged(ctx, 1, append(out, added...))
	require.NoError(t, err)
	final, err := tr.PreComposition(ctx, merged)
	require.NoError(t, err)

	assert.Len(t, final, 3)
	assert.Equal(t, in[0], final[0])
	assert.NotNil(t, tr.Stages())
	assert.Empty(t, tr.Stages())
	assert.Zero(t, gw.total(), "no llm calls under the ceiling")
}

func summarizeAll(req llm.Request) (string, error) {
	type item struct {
		Index   int    `json:"index"`
		Summary string `json:"summary"`
	}
	var out struct {
		Summaries []item `json:"summaries"`
		Overview  string `json:"overview"`
	}
	for i := 0; strings.Contains(req.Prompt, "["+itoa(i)+"] "); i++ {
		out.Summaries = append(out.Summaries, item{Index: i, Summary: "summary of source " + itoa(i)})
	}
	out.Overview = "Both sources concern termination on notice."
	b, err := json.Marshal(out)
	return string(b), err
}

func itoa(i int) string {
	b, _ := json.Marshal(i)
	return string(b)
}

func TestBudgetSummarizesAndKeepsSourceIdentity(t *testing.T) {
	gw := newScriptedLLM().on(PurposeSummarize, summarizeAll)
	c := NewBudgetController(gw, tokens.Heuristic{}, 1000, nil)
	tr := c.NewTracker()

	in := []models.ContentSection{section("https://a.example", 600), section("https://b.example", 600)}
	out, err := tr.Initial(context.Background(), in)
	require.NoError(t, err)

	assert.Equal(t, []string{"initial-research"}, tr.Stages())
	assert.LessOrEqual(t, c.Tokens(out), 1000)
	require.Len(t, out, 3)
	for i := range in {
		assert.Equal(t, in[i].URL, out[i].URL)
		assert.Equal(t, in[i].SourceID, out[i].SourceID)
		assert.True(t, out[i].Summarized)
	}
	assert.Equal(t, "summary of source 0", out[0].Text)
	assert.Equal(t, "internal://initial-research", out[2].URL)
	assert.Contains(t, out[2].Text, "Both sources concern termination on notice.")
	assert.Equal(t, 2, gw.count(PurposeSummarize), "one batch per oversized source")
}

func TestBudgetSummarizesOnlyEvaluatedContent(t *testing.T) {
	gw := newScriptedLLM().on(PurposeSummarize, summarizeAll)
	c := NewBudgetController(gw, tokens.Heuristic{}, 1000, nil)
	tr := c.NewTracker()
	ctx := context.Background()

	initial, err := tr.Initial(ctx, []models.ContentSection{section("https://a.example", 100)})
	require.NoError(t, err)

	round := []models.ContentSection{section("https://b.example", 1200)}
	added, err := tr.Supplementary(ctx, 1, round)
	require.NoError(t, err)
	assert.NotContains(t, gw.lastPrompt(PurposeSummarize), "https://a.example")

	merged, err := tr.Merged(ctx, 1, append(append([]models.ContentSection{}, initial...), added...))
	require.NoError(t, err)
	assert.Equal(t, initial[0], merged[0])

	assert.Equal(t, []string{"supplementary-round-1"}, tr.Stages())
}

func TestBudgetTruncatesWhenSummarizationFails(t *testing.T) {
	c := NewBudgetController(newScriptedLLM(), tokens.Heuristic{}, 1000, nil)
	tr := c.NewTracker()

	in := []models.ContentSection{section("https://a.example", 900), section("https://b.example", 300)}
	out, err := tr.Initial(context.Background(), in)
	require.NoError(t, err)

	require.Len(t, out, 2)
	assert.LessOrEqual(t, c.Tokens(out), 1000)
	assert.Equal(t, []string{"initial-research"}, tr.Stages())
	for i := range in {
		assert.Equal(t, in[i].URL, out[i].URL)
		assert.True(t, strings.HasPrefix(in[i].Text, out[i].Text), "truncation keeps a verbatim prefix")
	}
	assert.Greater(t, len(out[0].Text), len(out[1].Text))
}

func TestBudgetCheckpointOrder(t *testing.T) {
	tr := NewBudgetController(nil, nil, 0, nil).NewTracker()
	ctx := context.Background()

	_, err := tr.Supplementary(ctx, 1, nil)
	assert.ErrorIs(t, err, ErrCheckpointOrder)
	_, err = tr.PreComposition(ctx, nil)
	assert.ErrorIs(t, err, ErrCheckpointOrder)

	_, err = tr.Initial(ctx, nil)
	require.NoError(t, err)
	_, err = tr.Merged(ctx, 1, nil)
	assert.ErrorIs(t, err, ErrCheckpointOrder)
	_, err = tr.Supplementary(ctx, 2, nil)
	assert.ErrorIs(t, err, ErrCheckpointOrder)
	_, err = tr.PreComposition(ctx, nil)
	require.NoError(t, err)
	_, err = tr.Initial(ctx, nil)
	assert.ErrorIs(t, err, ErrCheckpointOrder)
}

func TestTruncateTokens(t *testing.T) {
	est := tokens.Heuristic{}
	text := "The employer may terminate the contract on three months notice."
	assert.Equal(t, text, truncateTokens(text, 100, est))

	cut := truncateTokens(text, 5, est)
	assert.LessOrEqual(t, est.Count(cut), 5)
	assert.True(t, strings.HasPrefix(text, cut))
	assert.False(t, strings.HasSuffix(cut, " "))
}
