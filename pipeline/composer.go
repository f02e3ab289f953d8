package pipeline

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"legalresearch-backend/llm"
	"legalresearch-backend/models"
)

// PurposeCompose is the LLM request purpose of the composer.
const PurposeCompose = "compose"

const composerSystem = `You write the answer to a legal research question using only the claims given.
After every sentence that uses a claim, add that claim's citation markers exactly as given,
for example [1] or [2][3]. Do not cite markers that are not listed. Do not add facts,
cases or statutes that are not in the claims. If part of the question is not covered by
the claims, say explicitly that the sources did not contain that information.`

var (
	markerRe      = regexp.MustCompile(`\[(\d{1,3})\]`)
	markerListRe  = regexp.MustCompile(`\[(\d{1,3}(?:\s*,\s*\d{1,3})+)\]`)
	extraSpacesRe = regexp.MustCompile(`[ \t]{2,}`)
	spaceBeforeRe = regexp.MustCompile(`[ \t]+([.,;:])`)
)

// Composer writes the final cited answer from validated claims.
type Composer struct {
	gw     llm.Gateway
	logger *zap.Logger
}

// NewComposer creates a composer.
func NewComposer(gw llm.Gateway, logger *zap.Logger) *Composer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Composer{gw: gw, logger: logger}
}

// NoInformationText is the answer given when no claim survived.
func NoInformationText(q models.Query) string {
	return fmt.Sprintf("No information was found in the retrieved sources for this question: %q. "+
		"None of the sources searched contained authority that addresses it, so no answer is given.",
		strings.TrimSpace(q.Text))
}

// OrderClaims sorts claims by confidence, highest first, keeping the input
// order among equals.
func OrderClaims(claims []models.Claim) []models.Claim {
	out := append([]models.Claim{}, claims...)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Confidence.Rank() > out[j].Confidence.Rank()
	})
	return out
}

// citationPlan numbers the sources cited by the claims.
type citationPlan struct {
	claims  []models.Claim
	markers map[string][]int
	sources map[int]*models.CitedSource
}

func planCitations(claims []models.Claim, entities []models.Entity) citationPlan {
	byID := make(map[string]models.Entity, len(entities))
	for _, e := range entities {
		byID[e.ID] = e
	}

	p := citationPlan{markers: map[string][]int{}, sources: map[int]*models.CitedSource{}}
	byURL := map[string]int{}
	for _, c := range OrderClaims(claims) {
		var marks []int
		for _, id := range c.SourceEntityIDs {
			e, ok := byID[id]
			if !ok {
				continue
			}
			n, ok := byURL[e.URL]
			if !ok {
				n = len(byURL) + 1
				byURL[e.URL] = n
				p.sources[n] = &models.CitedSource{Marker: n, Title: e.Label(), URL: e.URL}
			}
			src := p.sources[n]
			if !containsString(src.EntityIDs, id) {
				src.EntityIDs = append(src.EntityIDs, id)
			}
			if !containsInt(marks, n) {
				marks = append(marks, n)
			}
		}
		if len(marks) == 0 {
			continue
		}
		p.claims = append(p.claims, c)
		p.markers[c.ID] = marks
	}
	return p
}

func (p citationPlan) markerText(claimID string) string {
	var b strings.Builder
	for _, n := range p.markers[claimID] {
		fmt.Fprintf(&b, "[%d]", n)
	}
	return b.String()
}

// Compose writes the answer. Every [n] marker in the returned text has an
// entry in CitedSources and every entry is referenced in the text.
func (c *Composer) Compose(ctx context.Context, q models.Query, claims []models.Claim, entities []models.Entity) models.ComposedDocument {
	plan := planCitations(claims, entities)
	if len(plan.claims) == 0 {
		return models.ComposedDocument{Text: NoInformationText(q), CitedSources: []models.CitedSource{}, NoInformation: true}
	}

	if c.gw != nil {
		resp, err := c.gw.Invoke(ctx, llm.Request{
			Purpose:         PurposeCompose,
			System:          composerSystem,
			Prompt:          composePrompt(q, plan),
			MaxOutputTokens: 4096,
			Temperature:     0.2,
		})
		if err == nil {
			if doc, ok := finalize(resp.Text, plan); ok {
				return doc
			}
			c.logger.Warn("Composed answer cites no known source, rendering claims directly")
		} else {
			c.logger.Warn("Composition failed, rendering claims directly", zap.Error(err))
		}
	}

	doc, _ := finalize(renderClaims(plan), plan)
	return doc
}

func composePrompt(q models.Query, plan citationPlan) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Question: %s\nJurisdiction: %s\n\nClaims, most reliable first:\n", q.Text, q.Jurisdiction)
	for _, c := range plan.claims {
		fmt.Fprintf(&b, "- (%s, %s) %s %s\n", c.Category, c.Confidence, c.Text, plan.markerText(c.ID))
	}
	b.WriteString("\nSources:\n")
	for n := 1; n <= len(plan.sources); n++ {
		s := plan.sources[n]
		fmt.Fprintf(&b, "[%d] %s (%s)\n", n, s.Title, s.URL)
	}
	return b.String()
}

// renderClaims is the deterministic answer used without the LLM.
func renderClaims(plan citationPlan) string {
	var b strings.Builder
	b.WriteString("The retrieved sources support the following points:\n\n")
	for _, c := range plan.claims {
		fmt.Fprintf(&b, "- %s %s\n", strings.TrimSpace(c.Text), plan.markerText(c.ID))
	}
	return strings.TrimRight(b.String(), "\n")
}

// finalize strips markers without a source, renumbers the remaining ones in
// order of first use and keeps only the sources actually cited.
func finalize(text string, plan citationPlan) (models.ComposedDocument, bool) {
	text = markerListRe.ReplaceAllStringFunc(text, func(m string) string {
		var b strings.Builder
		for _, part := range strings.Split(m[1:len(m)-1], ",") {
			fmt.Fprintf(&b, "[%s]", strings.TrimSpace(part))
		}
		return b.String()
	})

	renumber := map[int]int{}
	var cited []models.CitedSource
	text = markerRe.ReplaceAllStringFunc(text, func(m string) string {
		n, _ := strconv.Atoi(m[1 : len(m)-1])
		src, ok := plan.sources[n]
		if !ok {
			return ""
		}
		if _, done := renumber[n]; !done {
			renumber[n] = len(renumber) + 1
			cs := *src
			cs.Marker = renumber[n]
			cs.EntityIDs = append([]string{}, src.EntityIDs...)
			cited = append(cited, cs)
		}
		return fmt.Sprintf("[%d]", renumber[n])
	})
	text = spaceBeforeRe.ReplaceAllString(extraSpacesRe.ReplaceAllString(text, " "), "$1")
	text = strings.TrimSpace(text)

	if len(cited) == 0 {
		return models.ComposedDocument{}, false
	}
	return models.ComposedDocument{Text: text, CitedSources: cited}, true
}

func containsString(xs []string, x string) bool {
	for _, v := range xs {
		if v == x {
			return true
		}
	}
	return false
}

func containsInt(xs []int, x int) bool {
	for _, v := range xs {
		if v == x {
			return true
		}
	}
	return false
}
