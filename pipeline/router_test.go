package pipeline

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"legalresearch-backend/llm"
	"legalresearch-backend/models"
)

func TestClassifyHeuristic(t *testing.T) {
	tests := []struct {
		text string
		want models.Tier
	}{
		{"What is constructive dismissal?", models.TierSimple},
		{"What is the notice period for a fixed term contract in Zimbabwe?", models.TierLight},
		{"Compare dismissal on notice with summary dismissal", models.TierMedium},
		{"Analyse the implications of Zuva Petroleum v Nyamande for employers", models.TierDeep},
		{"Draft a memo on retrenchment procedure under the Labour Act", models.TierWorkflow},
	}
	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			d, ok := ClassifyHeuristic(models.Query{Text: tt.text})
			require.True(t, ok)
			assert.Equal(t, tt.want, d.Tier)
			assert.Positive(t, d.EstimatedSteps)
		})
	}

	_, ok := ClassifyHeuristic(models.Query{Text: "Can my employer cut my salary without consent?"})
	assert.False(t, ok)
}

func TestRouterUsesLLMWhenHeuristicsUnsure(t *testing.T) {
	gw := newScriptedLLM().onJSON(PurposeClassify, map[string]any{
		"tier": "deep", "reasoning": "needs several authorities", "estimated_steps": 9,
	})
	r := NewRouter(gw, nil)

	d := r.Route(context.Background(), models.Query{Text: "Can my employer cut my salary without consent?"})
	assert.Equal(t, models.TierDeep, d.Tier)
	assert.Equal(t, 9, d.EstimatedSteps)
	assert.Equal(t, 1, gw.count(PurposeClassify))
}

func TestRouterHeuristicFastPathSkipsLLM(t *testing.T) {
	gw := newScriptedLLM()
	d := NewRouter(gw, nil).Route(context.Background(), models.Query{Text: "Define locus standi"})
	assert.Equal(t, models.TierSimple, d.Tier)
	assert.Zero(t, gw.total())
}

func TestRouterDegradesToMedium(t *testing.T) {
	q := models.Query{Text: "Can my employer cut my salary without consent?"}

	failing := NewRouter(newScriptedLLM(), nil)
	assert.Equal(t, models.TierMedium, failing.Route(context.Background(), q).Tier)

	bogus := NewRouter(newScriptedLLM().on(PurposeClassify, func(llm.Request) (string, error) {
		return `{"tier": "galactic"}`, nil
	}), nil)
	assert.Equal(t, models.TierMedium, bogus.Route(context.Background(), q).Tier)

	assert.Equal(t, models.TierMedium, NewRouter(nil, nil).Route(context.Background(), q).Tier)
}

func TestRouterIdempotent(t *testing.T) {
	gw := newScriptedLLM().onJSON(PurposeClassify, map[string]any{"tier": "light", "reasoning": "one rule"})
	r := NewRouter(gw, nil)
	q := models.Query{Text: "Can my employer cut my salary without consent?", Jurisdiction: "Zimbabwe"}
	assert.Equal(t, r.Route(context.Background(), q), r.Route(context.Background(), q))
}

func TestConfigForTier(t *testing.T) {
	assert.Equal(t, 0, ConfigForTier(models.TierSimple).Variations)
	assert.Equal(t, 1, ConfigForTier(models.TierDeep).SupplementaryRounds)
	assert.Equal(t, ConfigForTier(models.TierMedium), ConfigForTier("unknown"))
}
