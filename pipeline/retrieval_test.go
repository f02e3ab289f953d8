package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"legalresearch-backend/models"
	"legalresearch-backend/search"
)

func TestRetrieveFansOutAndMerges(t *testing.T) {
	defer goleak.VerifyNone(t)

	web := &fakeSource{name: "web", kind: models.SourceWebSearch, docs: []models.RetrievedDocument{
		webDoc("https://zimlii.org/judgment/43", "Zuva v Nyamande", "full text", 0.7),
		webDoc("https://veritaszim.net/labour-act", "Labour Act", "Section 12", 0.6),
	}}
	internal := &fakeSource{name: "legal_db", kind: models.SourceInternalLegalDB, docs: []models.RetrievedDocument{
		internalDoc("internal://legal-db/zuva#1", "Zuva Petroleum", "chunk", 0.9),
	}}
	o := NewRetrievalOrchestrator([]search.Gateway{web, internal}, time.Second, nil)

	res := o.Retrieve(context.Background(), RetrievalPlan{
		Queries:         []string{"primary", "variation one", "variation two"},
		Passage:         "hypothetical passage",
		WebResults:      5,
		InternalResults: 3,
	})

	assert.False(t, res.AllFailed)
	assert.Empty(t, res.Errors)
	assert.ElementsMatch(t, []string{"primary", "variation one", "variation two"}, web.seen())
	assert.ElementsMatch(t, []string{"primary", "hypothetical passage"}, internal.seen())

	// three web calls and two internal calls return duplicates; one copy each remains
	require.Len(t, res.Documents, 3)
	assert.Equal(t, "internal://legal-db/zuva#1", res.Documents[0].URL)
	assert.Equal(t, "https://zimlii.org/judgment/43", res.Documents[1].URL)
}

func TestRetrievePartialFailure(t *testing.T) {
	defer goleak.VerifyNone(t)

	web := &fakeSource{name: "web", kind: models.SourceWebSearch, err: errSearchDown}
	internal := &fakeSource{name: "legal_db", kind: models.SourceInternalLegalDB, docs: []models.RetrievedDocument{
		internalDoc("internal://legal-db/labour-act#3", "Labour Act s 12", "notice periods", 0.8),
	}}
	o := NewRetrievalOrchestrator([]search.Gateway{web, internal}, time.Second, nil)

	res := o.Retrieve(context.Background(), RetrievalPlan{Queries: []string{"q1", "q2"}, WebResults: 3, InternalResults: 3})

	assert.False(t, res.AllFailed)
	assert.Equal(t, []string{"web"}, res.FailedSources)
	assert.Len(t, res.Errors, 2)
	require.Len(t, res.Documents, 1)
	assert.Equal(t, models.SourceInternalLegalDB, res.Documents[0].SourceKind)
}

func TestRetrieveAllFailedIsWellFormed(t *testing.T) {
	defer goleak.VerifyNone(t)

	o := NewRetrievalOrchestrator([]search.Gateway{
		&fakeSource{name: "web", kind: models.SourceWebSearch, err: errSearchDown},
		&fakeSource{name: "legal_db", kind: models.SourceInternalLegalDB, err: errSearchDown},
	}, time.Second, nil)

	res := o.Retrieve(context.Background(), RetrievalPlan{Queries: []string{"q"}})
	assert.True(t, res.AllFailed)
	assert.NotNil(t, res.Documents)
	assert.Empty(t, res.Documents)
	assert.ElementsMatch(t, []string{"web", "legal_db"}, res.FailedSources)

	none := NewRetrievalOrchestrator(nil, time.Second, nil).Retrieve(context.Background(), RetrievalPlan{Queries: []string{"q"}})
	assert.True(t, none.AllFailed)
	assert.NotNil(t, none.Documents)
}

func TestRetrieveJoinTimeoutKeepsFastResults(t *testing.T) {
	defer goleak.VerifyNone(t)

	slow := &fakeSource{name: "web", kind: models.SourceWebSearch, delay: 5 * time.Second,
		docs: []models.RetrievedDocument{webDoc("https://slow.example/a", "slow", "x", 1)}}
	fast := &fakeSource{name: "legal_db", kind: models.SourceInternalLegalDB,
		docs: []models.RetrievedDocument{internalDoc("internal://legal-db/a#0", "fast", "y", 0.5)}}
	o := NewRetrievalOrchestrator([]search.Gateway{slow, fast}, 50*time.Millisecond, nil)

	start := time.Now()
	res := o.Retrieve(context.Background(), RetrievalPlan{Queries: []string{"q"}})
	assert.Less(t, time.Since(start), 2*time.Second)

	assert.False(t, res.AllFailed)
	require.Len(t, res.Documents, 1)
	assert.Equal(t, "fast", res.Documents[0].Title)
}

// stuckSource ignores its context and answers only once released.
type stuckSource struct {
	release chan struct{}
}

func (s *stuckSource) Name() string            { return "web" }
func (s *stuckSource) Kind() models.SourceKind { return models.SourceWebSearch }

func (s *stuckSource) Search(context.Context, string, search.Options) ([]models.RetrievedDocument, error) {
	<-s.release
	return []models.RetrievedDocument{webDoc("https://late.example/a", "late", "x", 1)}, nil
}

func TestRetrieveJoinTimeoutIgnoresStuckGateway(t *testing.T) {
	defer goleak.VerifyNone(t)

	stuck := &stuckSource{release: make(chan struct{})}
	defer close(stuck.release)
	fast := &fakeSource{name: "legal_db", kind: models.SourceInternalLegalDB,
		docs: []models.RetrievedDocument{internalDoc("internal://legal-db/a#0", "fast", "y", 0.5)}}
	o := NewRetrievalOrchestrator([]search.Gateway{stuck, fast}, 50*time.Millisecond, nil)

	start := time.Now()
	res := o.Retrieve(context.Background(), RetrievalPlan{Queries: []string{"q1", "q2"}})
	assert.Less(t, time.Since(start), 2*time.Second)

	assert.False(t, res.AllFailed)
	assert.Equal(t, []string{"web"}, res.FailedSources)
	require.Len(t, res.Errors, 2)
	for _, e := range res.Errors {
		assert.ErrorIs(t, e, context.DeadlineExceeded)
	}
	require.Len(t, res.Documents, 1)
	assert.Equal(t, "fast", res.Documents[0].Title)
}

func TestDeduplicateKeepsHighestScoreRegardlessOfOrder(t *testing.T) {
	a := webDoc("https://Example.org/case/", "low", "short", 0.2)
	b := webDoc("https://example.org/case", "high", "short", 0.9)
	c := webDoc("https://example.org/case#para-3", "high longer", "longer content", 0.9)
	d := webDoc("https://other.org/x", "other", "z", 0.5)

	first := Deduplicate([]models.RetrievedDocument{a, b, c, d})
	second := Deduplicate([]models.RetrievedDocument{d, c, b, a})

	require.Len(t, first, 2)
	assert.Equal(t, first, second)
	assert.Equal(t, "high longer", first[0].Title)
	assert.Equal(t, "other", first[1].Title)
}

func TestPlanFor(t *testing.T) {
	eq := models.EnhancedQuery{PrimaryQuery: "p", VariationQueries: []string{"v1"}, HypotheticalPassage: "h"}
	plan := PlanFor(eq, ConfigForTier(models.TierLight), "Zimbabwe")
	assert.Equal(t, []string{"p", "v1"}, plan.Queries)
	assert.Equal(t, "h", plan.Passage)
	assert.Equal(t, "Zimbabwe", plan.Jurisdiction)
	assert.Equal(t, 4, plan.WebResults)
}
