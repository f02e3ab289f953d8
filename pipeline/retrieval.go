package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"legalresearch-backend/logger"
	"legalresearch-backend/models"
	"legalresearch-backend/search"
)

// ErrNoSources is reported when no search gateway is configured.
var ErrNoSources = errors.New("no search sources configured")

// RetrievalPlan is one fan-out of searches.
type RetrievalPlan struct {
	// Queries go to every web source; the first one also goes to internal sources.
	Queries []string
	// Passage is an extra internal-source query written like the answer.
	Passage         string
	Jurisdiction    string
	WebResults      int
	InternalResults int
}

// PlanFor builds the plan of the initial retrieval.
func PlanFor(eq models.EnhancedQuery, tc TierConfig, jurisdiction string) RetrievalPlan {
	return RetrievalPlan{
		Queries:         eq.AllQueries(),
		Passage:         eq.HypotheticalPassage,
		Jurisdiction:    jurisdiction,
		WebResults:      tc.WebResults,
		InternalResults: tc.InternalResults,
	}
}

// SourceError is the failure of one search call.
type SourceError struct {
	Source string
	Query  string
	Err    error
}

func (e SourceError) Error() string {
	return fmt.Sprintf("%s search %q: %v", e.Source, e.Query, e.Err)
}

func (e SourceError) Unwrap() error { return e.Err }

// RetrievalResult is the merged outcome of a fan-out. It is always well formed.
type RetrievalResult struct {
	Documents []models.RetrievedDocument
	Errors    []SourceError
	// FailedSources lists sources whose every call failed.
	FailedSources []string
	// AllFailed is set when no source returned successfully.
	AllFailed bool
}

// RetrievalOrchestrator fans searches out to several gateways and merges the
// results.
type RetrievalOrchestrator struct {
	gateways []search.Gateway
	timeout  time.Duration
	logger   *zap.Logger
}

// NewRetrievalOrchestrator creates an orchestrator. timeout bounds the whole
// fan-out.
func NewRetrievalOrchestrator(gateways []search.Gateway, timeout time.Duration, logger *zap.Logger) *RetrievalOrchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RetrievalOrchestrator{gateways: gateways, timeout: timeout, logger: logger}
}

type searchTask struct {
	gateway search.Gateway
	query   string
	opts    search.Options
}

func (o *RetrievalOrchestrator) tasks(plan RetrievalPlan) []searchTask {
	var tasks []searchTask
	for _, gw := range o.gateways {
		switch gw.Kind() {
		case models.SourceInternalLegalDB:
			opts := search.Options{MaxResults: plan.InternalResults, Jurisdiction: plan.Jurisdiction}
			if len(plan.Queries) > 0 && plan.Queries[0] != "" {
				tasks = append(tasks, searchTask{gw, plan.Queries[0], opts})
			}
			if plan.Passage != "" {
				tasks = append(tasks, searchTask{gw, plan.Passage, opts})
			}
		default:
			opts := search.Options{MaxResults: plan.WebResults, Jurisdiction: plan.Jurisdiction}
			for _, q := range plan.Queries {
				if q != "" {
					tasks = append(tasks, searchTask{gw, q, opts})
				}
			}
		}
	}
	return tasks
}

// Retrieve runs the plan concurrently and returns deduplicated documents.
// A failing source never fails the stage; AllFailed reports the case where
// every source failed.
func (o *RetrievalOrchestrator) Retrieve(ctx context.Context, plan RetrievalPlan) RetrievalResult {
	tasks := o.tasks(plan)
	if len(tasks) == 0 {
		return RetrievalResult{
			Documents: []models.RetrievedDocument{},
			Errors:    []SourceError{{Source: "retrieval", Err: ErrNoSources}},
			AllFailed: true,
		}
	}

	joinCtx := ctx
	if o.timeout > 0 {
		var cancel context.CancelFunc
		joinCtx, cancel = context.WithTimeout(ctx, o.timeout)
		defer cancel()
	}

	var (
		mu        sync.Mutex
		docs      []models.RetrievedDocument
		errs      []SourceError
		succeeded = map[string]bool{}
		finished  = make([]bool, len(tasks))
		joined    bool
	)
	g, gctx := errgroup.WithContext(joinCtx)
	for i, t := range tasks {
		g.Go(func() error {
			found, err := t.gateway.Search(gctx, t.query, t.opts)
			mu.Lock()
			defer mu.Unlock()
			// late answers after the join are dropped
			if joined {
				return nil
			}
			finished[i] = true
			if err != nil {
				errs = append(errs, SourceError{Source: t.gateway.Name(), Query: t.query, Err: err})
				return nil
			}
			succeeded[t.gateway.Name()] = true
			docs = append(docs, found...)
			return nil
		})
	}

	// a gateway that ignores its context must not hold the stage past the join timeout
	done := make(chan struct{})
	go func() {
		_ = g.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-joinCtx.Done():
	}

	mu.Lock()
	joined = true
	for i, t := range tasks {
		if !finished[i] {
			errs = append(errs, SourceError{Source: t.gateway.Name(), Query: t.query, Err: joinCtx.Err()})
		}
	}
	mu.Unlock()

	res := RetrievalResult{Documents: Deduplicate(docs), Errors: errs}
	seen := map[string]bool{}
	for _, t := range tasks {
		name := t.gateway.Name()
		if seen[name] {
			continue
		}
		seen[name] = true
		if !succeeded[name] {
			res.FailedSources = append(res.FailedSources, name)
		}
	}
	res.AllFailed = len(succeeded) == 0

	log := logger.FromContextOr(ctx, o.logger)
	for _, e := range errs {
		log.Warn("Search call failed",
			zap.String("source", e.Source),
			zap.String("query", e.Query),
			zap.Error(e.Err),
		)
	}
	return res
}

// Deduplicate keeps one document per identity, the one with the highest
// relevance score. Ties are broken by content length then source ID so the
// result does not depend on arrival order. Output is sorted by score.
func Deduplicate(docs []models.RetrievedDocument) []models.RetrievedDocument {
	best := make(map[string]models.RetrievedDocument, len(docs))
	for _, d := range docs {
		key := d.Identity()
		cur, ok := best[key]
		if !ok || better(d, cur) {
			best[key] = d
		}
	}

	out := make([]models.RetrievedDocument, 0, len(best))
	for _, d := range best {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].RelevanceScore != out[j].RelevanceScore {
			return out[i].RelevanceScore > out[j].RelevanceScore
		}
		return out[i].Identity() < out[j].Identity()
	})
	return out
}

func better(a, b models.RetrievedDocument) bool {
	if a.RelevanceScore != b.RelevanceScore {
		return a.RelevanceScore > b.RelevanceScore
	}
	if len(a.RawContent) != len(b.RawContent) {
		return len(a.RawContent) > len(b.RawContent)
	}
	if a.SourceID != b.SourceID {
		return a.SourceID < b.SourceID
	}
	return a.URL+a.Title < b.URL+b.Title
}
