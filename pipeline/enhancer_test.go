package pipeline

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"legalresearch-backend/llm"
	"legalresearch-backend/models"
)

func zuvaQuery() models.Query {
	return models.Query{
		Text:         "What about the zuva case?",
		Jurisdiction: "Zimbabwe",
		ConversationHistory: []models.Turn{
			{Role: models.RoleUser, Text: "Can an employer terminate a contract on notice under the Labour Act?"},
			{Role: models.RoleAssistant, Text: "Section 12 of the Labour Act [Chapter 28:01] sets out notice periods."},
		},
	}
}

// historyAwareLLM rewrites using the conversation it was shown, like a real model.
func historyAwareLLM() *scriptedLLM {
	return newScriptedLLM().on(PurposeEnhance, func(req llm.Request) (string, error) {
		primary := "zuva petroleum termination on notice"
		if strings.Contains(req.Prompt, "Labour Act") {
			primary += " Labour Act section 12 Zimbabwe"
		}
		return `{"primary_query": "` + primary + `",
			"variation_queries": ["Zuva Petroleum v Nyamande [2015] ZWSC 43", "common law termination on notice Zimbabwe", "` + strings.ToUpper(primary) + `", "Labour Amendment Act 2015"],
			"hypothetical_passage": "The Supreme Court held that an employer may terminate on notice at common law."}`, nil
	})
}

func TestEnhancerUsesConversationContext(t *testing.T) {
	gw := historyAwareLLM()
	e := NewEnhancer(gw, DefaultConfig(), nil)

	eq := e.Enhance(context.Background(), zuvaQuery(), 3)

	lower := strings.ToLower(eq.PrimaryQuery)
	assert.Contains(t, lower, "zuva")
	assert.Contains(t, eq.PrimaryQuery, "Labour Act")
	assert.NotEqual(t, FallbackQuery(zuvaQuery()), eq.PrimaryQuery)
	assert.Contains(t, gw.lastPrompt(PurposeEnhance), "Labour Act")

	// duplicate of the primary is removed and the list is capped
	assert.Equal(t, []string{
		"Zuva Petroleum v Nyamande [2015] ZWSC 43",
		"common law termination on notice Zimbabwe",
		"Labour Amendment Act 2015",
	}, eq.VariationQueries)
	assert.NotEmpty(t, eq.HypotheticalPassage)
}

func TestEnhancerHistoryWindow(t *testing.T) {
	gw := historyAwareLLM()
	e := NewEnhancer(gw, Config{HistoryTurns: 3}, nil)

	q := zuvaQuery()
	q.ConversationHistory = append([]models.Turn{{Role: models.RoleUser, Text: "an ancient turn about tenancy"}}, q.ConversationHistory...)
	q.ConversationHistory = append(q.ConversationHistory,
		models.Turn{Role: models.RoleUser, Text: "ok"},
		models.Turn{Role: models.RoleAssistant, Text: "Anything else?"})

	e.Enhance(context.Background(), q, 1)
	prompt := gw.lastPrompt(PurposeEnhance)
	assert.NotContains(t, prompt, "ancient turn")
	assert.NotContains(t, prompt, "Can an employer terminate")
	assert.Contains(t, prompt, "Anything else?")
}

func TestEnhancerIdempotent(t *testing.T) {
	e := NewEnhancer(historyAwareLLM(), DefaultConfig(), nil)
	first := e.Enhance(context.Background(), zuvaQuery(), 3)
	second := e.Enhance(context.Background(), zuvaQuery(), 3)
	assert.Equal(t, first, second)
}

func TestEnhancerFallback(t *testing.T) {
	q := zuvaQuery()
	want := "What about the zuva case? Zimbabwe"

	tests := []struct {
		name string
		gw   llm.Gateway
	}{
		{"provider failure", newScriptedLLM()},
		{"empty output", newScriptedLLM().on(PurposeEnhance, func(llm.Request) (string, error) {
			return `{"primary_query": ""}`, nil
		})},
		{"implausibly short", newScriptedLLM().on(PurposeEnhance, func(llm.Request) (string, error) {
			return `{"primary_query": "zuva"}`, nil
		})},
		{"overly long", newScriptedLLM().on(PurposeEnhance, func(llm.Request) (string, error) {
			return `{"primary_query": "` + strings.Repeat("zuva labour act ", 60) + `"}`, nil
		})},
		{"not json", newScriptedLLM().on(PurposeEnhance, func(llm.Request) (string, error) {
			return "I cannot help with that", nil
		})},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			eq := NewEnhancer(tt.gw, DefaultConfig(), nil).Enhance(context.Background(), q, 3)
			assert.Equal(t, want, eq.PrimaryQuery)
		})
	}

	assert.Equal(t, want, NewEnhancer(nil, DefaultConfig(), nil).Enhance(context.Background(), q, 3).PrimaryQuery)
}

func TestEnhancerPreservesProtectedTerms(t *testing.T) {
	gw := newScriptedLLM().onJSON(PurposeEnhance, map[string]any{
		"primary_query": "employer termination on notice common law Zimbabwe supreme court",
	})
	q := models.Query{Text: `Is "termination on notice" still allowed after Zuva Petroleum v Nyamande [2015] ZWSC 43?`}

	eq := NewEnhancer(gw, DefaultConfig(), nil).Enhance(context.Background(), q, 2)
	assert.Contains(t, eq.PrimaryQuery, "[2015] ZWSC 43")
	assert.Contains(t, eq.PrimaryQuery, "Zuva Petroleum v Nyamande")
	assert.Equal(t, 1, strings.Count(strings.ToLower(eq.PrimaryQuery), "termination on notice"))
}

func TestProtectedTerms(t *testing.T) {
	terms := ProtectedTerms(`In S v Banda the court cited 1998 (2) ZLR 12 and "fair labour standards".`)
	require.Len(t, terms, 3)
	assert.Equal(t, "fair labour standards", terms[0])
	assert.Contains(t, terms, "1998 (2) ZLR 12")
	assert.Contains(t, terms, "S v Banda")
}

func TestEnhancerRestoresCaseNameVerbatim(t *testing.T) {
	gw := newScriptedLLM().onJSON(PurposeEnhance, map[string]any{
		"primary_query": "zuva petroleum v nyamande termination on notice good law",
	})
	q := models.Query{Text: "Is Zuva Petroleum v Nyamande still good law on termination on notice?", Jurisdiction: "Zimbabwe"}

	assert.Equal(t, []string{"Zuva Petroleum v Nyamande"}, ProtectedTerms(q.Text))

	eq := NewEnhancer(gw, DefaultConfig(), nil).Enhance(context.Background(), q, 2)
	assert.Equal(t, 1, strings.Count(eq.PrimaryQuery, "Zuva Petroleum v Nyamande"))
	assert.NotContains(t, eq.PrimaryQuery, "Is Zuva")
}

func TestProtectedTermsDropQuestionWords(t *testing.T) {
	cases := map[string]string{
		"Does Zuva Petroleum v Nyamande apply to fixed-term contracts?": "Zuva Petroleum v Nyamande",
		"How was S v Banda decided?":                                    "S v Banda",
		"Can Smith v Jones be distinguished?":                           "Smith v Jones",
		"Was Nkomo v Ncube. The appeal failed.":                         "Nkomo v Ncube",
	}
	for text, want := range cases {
		assert.Equal(t, []string{want}, ProtectedTerms(text), text)
	}
}
