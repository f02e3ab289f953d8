package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"legalresearch-backend/llm"
	"legalresearch-backend/logger"
	"legalresearch-backend/metrics"
	"legalresearch-backend/models"
	"legalresearch-backend/search"
	"legalresearch-backend/telemetry"
	"legalresearch-backend/tokens"
)

// Stage is one step of a research run.
type Stage string

const (
	StageRoute           Stage = "route"
	StageEnhance         Stage = "enhance"
	StageRetrieve        Stage = "retrieve"
	StageSupplement      Stage = "supplement"
	StageExtractEntities Stage = "extract_entities"
	StageValidate        Stage = "validate_entities"
	StageExtractClaims   Stage = "extract_claims"
	StageCompose         Stage = "compose"
	StageAudit           Stage = "audit"
)

var stageOrder = []Stage{
	StageRoute, StageEnhance, StageRetrieve, StageSupplement, StageExtractEntities,
	StageValidate, StageExtractClaims, StageCompose, StageAudit,
}

var stageDescriptions = map[Stage]string{
	StageRoute:           "Classifying question complexity",
	StageEnhance:         "Rewriting the question for search",
	StageRetrieve:        "Searching legal sources",
	StageSupplement:      "Searching for missing authorities",
	StageExtractEntities: "Extracting cited authorities",
	StageValidate:        "Validating authorities",
	StageExtractClaims:   "Extracting supported claims",
	StageCompose:         "Composing the answer",
	StageAudit:           "Auditing citations",
}

// Stages returns every stage in execution order.
func Stages() []Stage {
	return append([]Stage{}, stageOrder...)
}

// Description is a human-readable label of the stage.
func (s Stage) Description() string {
	return stageDescriptions[s]
}

// Observer is notified as stages start and finish. Stages a tier does not use
// are never reported.
type Observer interface {
	StageStarted(ctx context.Context, stage Stage)
	StageFinished(ctx context.Context, stage Stage, err error)
}

type nopObserver struct{}

func (nopObserver) StageStarted(context.Context, Stage)         {}
func (nopObserver) StageFinished(context.Context, Stage, error) {}

var (
	// ErrEmptyQuery is returned for a query without text.
	ErrEmptyQuery = errors.New("query text is empty")
	// ErrPipelineFatal marks a run where every retrieval source failed. It is
	// reported in logs and spans; the caller gets a well-formed result.
	ErrPipelineFatal = errors.New("all retrieval sources failed")
)

// ResearchFailedText is the answer of a run whose retrieval failed entirely.
const ResearchFailedText = "Could not complete research: none of the legal sources could be searched. " +
	"No answer is given. Please try again later."

// Pipeline runs grounded research over an LLM gateway and search gateways.
type Pipeline struct {
	gw        llm.Gateway
	sources   []search.Gateway
	estimator tokens.Estimator
	cfg       Config
	logger    *zap.Logger
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithConfig sets the policy constants.
func WithConfig(cfg Config) Option {
	return func(p *Pipeline) {
		p.cfg = cfg.withDefaults()
	}
}

// WithEstimator sets the token estimator.
func WithEstimator(est tokens.Estimator) Option {
	return func(p *Pipeline) {
		if est != nil {
			p.estimator = est
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(p *Pipeline) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// New creates a pipeline.
func New(gw llm.Gateway, sources []search.Gateway, opts ...Option) *Pipeline {
	p := &Pipeline{
		gw:        gw,
		sources:   sources,
		estimator: tokens.Heuristic{},
		cfg:       DefaultConfig(),
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// run is the isolated state of one pipeline run.
type run struct {
	p        *Pipeline
	q        models.Query
	obs      Observer
	meter    *llm.Meter
	log      *zap.Logger
	decision models.ComplexityDecision
	docs     []models.RetrievedDocument
	sections []models.ContentSection
	tracker  *BudgetTracker
}

// Run answers q. It returns an error only for an empty query or when ctx is
// done; every other failure degrades inside the result. obs may be nil.
func (p *Pipeline) Run(ctx context.Context, q models.Query, obs Observer) (*models.ResearchResult, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, ErrEmptyQuery
	}
	if obs == nil {
		obs = nopObserver{}
	}

	runID := uuid.NewString()
	ctx, span := telemetry.Start(ctx, "pipeline.run", attribute.String("run_id", runID))
	defer span.End()

	meter := llm.NewMeter(p.gw, p.estimator)
	log := logger.FromContextOr(ctx, p.logger).With(zap.String("run_id", runID))
	ctx = logger.ContextWithLogger(ctx, log)
	r := &run{
		p:     p,
		q:     q,
		obs:   obs,
		meter: meter,
		log:   log,
	}
	r.tracker = NewBudgetController(r.gateway(), p.estimator, p.cfg.TokenCeiling, log).NewTracker()

	res, err := r.execute(ctx)
	if err != nil {
		telemetry.End(span, err)
		return nil, err
	}
	span.SetAttributes(
		attribute.String("tier", string(res.Decision.Tier)),
		attribute.String("status", string(res.Status)),
		attribute.Int("total_tokens", res.TotalTokens),
	)
	log.Info("Research finished",
		zap.String("tier", string(res.Decision.Tier)),
		zap.String("status", string(res.Status)),
		zap.Int("documents", res.DocumentCount),
		zap.Int("entities", res.EntityCount),
		zap.Int("claims", res.ClaimCount),
		zap.Float64("grounding_rate", res.Audit.GroundingRate),
		zap.Int("total_tokens", res.TotalTokens),
		zap.Strings("summarization_stages", res.SummarizationStages),
	)
	return res, nil
}

func (r *run) execute(ctx context.Context) (*models.ResearchResult, error) {
	p := r.p
	orch := NewRetrievalOrchestrator(p.sources, p.cfg.RetrievalTimeout, r.log)

	err := r.stage(ctx, StageRoute, func(ctx context.Context) error {
		r.decision = NewRouter(r.gateway(), r.log).Route(ctx, r.q)
		return nil
	})
	if err != nil {
		return nil, err
	}
	tc := ConfigForTier(r.decision.Tier)

	var eq models.EnhancedQuery
	err = r.stage(ctx, StageEnhance, func(ctx context.Context) error {
		eq = NewEnhancer(r.gateway(), p.cfg, r.log).Enhance(ctx, r.q, tc.Variations)
		return nil
	})
	if err != nil {
		return nil, err
	}

	var initial RetrievalResult
	err = r.stage(ctx, StageRetrieve, func(ctx context.Context) error {
		initial = orch.Retrieve(ctx, PlanFor(eq, tc, r.q.Jurisdiction))
		if initial.AllFailed {
			return ErrPipelineFatal
		}
		r.docs = initial.Documents
		var cerr error
		r.sections, cerr = r.tracker.Initial(ctx, models.SectionsFromDocuments(r.docs))
		return cerr
	})
	if cerr := ctx.Err(); cerr != nil {
		return nil, fmt.Errorf("research aborted: %w", cerr)
	}
	if initial.AllFailed {
		r.log.Error("Research failed", zap.Error(ErrPipelineFatal), zap.Int("source_errors", len(initial.Errors)))
		return r.failedResult(), nil
	}
	if err != nil {
		r.log.Warn("Budget checkpoint", zap.Error(err))
	}

	if tc.SupplementaryRounds > 0 && len(r.docs) > 0 {
		err = r.stage(ctx, StageSupplement, func(ctx context.Context) error {
			return r.supplement(ctx, orch, tc, eq.AllQueries())
		})
		if err != nil {
			if ctx.Err() != nil {
				return nil, fmt.Errorf("research aborted: %w", ctx.Err())
			}
			r.log.Warn("Supplementary research", zap.Error(err))
		}
	}

	var extracted ExtractionResult
	err = r.stage(ctx, StageExtractEntities, func(ctx context.Context) error {
		var cerr error
		r.sections, cerr = r.tracker.PreComposition(ctx, r.sections)
		if cerr != nil {
			r.log.Warn("Budget checkpoint", zap.Error(cerr))
		}
		extracted = NewEntityExtractor(r.gateway(), r.log).Extract(ctx, r.q, r.sections, r.docs)
		return nil
	})
	if err != nil {
		return nil, err
	}

	var validated ValidationResult
	err = r.stage(ctx, StageValidate, func(ctx context.Context) error {
		validated = NewValidator(p.cfg.MinSourceContentChars, r.docs, r.sections).Validate(extracted.Entities)
		if validated.Dropped > 0 {
			metrics.EntitiesDroppedTotal.WithLabelValues(dropValidatorError).Add(float64(validated.Dropped))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	var claims ClaimResult
	err = r.stage(ctx, StageExtractClaims, func(ctx context.Context) error {
		claims = NewClaimExtractor(r.gateway(), r.log).Extract(ctx, r.q, validated.Valid)
		return nil
	})
	if err != nil {
		return nil, err
	}

	var doc models.ComposedDocument
	err = r.stage(ctx, StageCompose, func(ctx context.Context) error {
		doc = NewComposer(r.gateway(), r.log).Compose(ctx, r.q, claims.Claims, validated.Valid)
		return nil
	})
	if err != nil {
		return nil, err
	}

	var audit models.AuditResult
	err = r.stage(ctx, StageAudit, func(ctx context.Context) error {
		audit = Audit(doc.Text, r.docs)
		metrics.GroundingRate.Observe(audit.GroundingRate)
		if len(audit.UnverifiedCitations) > 0 {
			r.log.Warn("Unverified citations in answer", zap.Strings("citations", audit.UnverifiedCitations))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	status := models.ResearchCompleted
	if doc.NoInformation {
		status = models.ResearchNoInformation
	}
	return &models.ResearchResult{
		Response:            doc.Text,
		Sources:             sourcesOf(doc),
		TotalTokens:         r.meter.TotalTokens(),
		SummarizationStages: r.tracker.Stages(),
		Status:              status,
		Decision:            r.decision,
		Document:            doc,
		Audit:               audit,
		ValidationIssues:    validated.Issues,
		DocumentCount:       len(r.docs),
		EntityCount:         len(validated.Valid),
		ClaimCount:          len(claims.Claims),
	}, nil
}

// gateway is the metered LLM gateway of the run, or nil without one.
func (r *run) gateway() llm.Gateway {
	if r.p.gw == nil {
		return nil
	}
	return r.meter
}

// supplement runs the gap-filling rounds of deep tiers.
func (r *run) supplement(ctx context.Context, orch *RetrievalOrchestrator, tc TierConfig, asked []string) error {
	gaps := NewGapPlanner(r.gateway(), r.log)
	for round := 1; round <= tc.SupplementaryRounds; round++ {
		queries := gaps.Plan(ctx, r.q, r.docs, asked, tc.GapQueries)
		if len(queries) == 0 {
			return nil
		}
		asked = append(asked, queries...)

		res := orch.Retrieve(ctx, RetrievalPlan{
			Queries:         queries,
			Jurisdiction:    r.q.Jurisdiction,
			WebResults:      tc.WebResults,
			InternalResults: tc.InternalResults,
		})
		fresh := newDocuments(r.docs, res.Documents)
		if len(fresh) == 0 {
			return nil
		}

		added, err := r.tracker.Supplementary(ctx, round, models.SectionsFromDocuments(fresh))
		if err != nil {
			return err
		}
		merged := make([]models.ContentSection, 0, len(r.sections)+len(added))
		merged = append(append(merged, r.sections...), added...)
		if r.sections, err = r.tracker.Merged(ctx, round, merged); err != nil {
			return err
		}
		r.docs = Deduplicate(append(append([]models.RetrievedDocument{}, r.docs...), fresh...))
		r.log.Debug("Supplementary round merged", zap.Int("round", round), zap.Int("new_documents", len(fresh)))
	}
	return nil
}

// newDocuments returns the documents of found whose identity is not in known.
func newDocuments(known, found []models.RetrievedDocument) []models.RetrievedDocument {
	seen := make(map[string]bool, len(known))
	for _, d := range known {
		seen[d.Identity()] = true
	}
	var out []models.RetrievedDocument
	for _, d := range found {
		if !seen[d.Identity()] {
			out = append(out, d)
		}
	}
	return out
}

func (r *run) stage(ctx context.Context, s Stage, fn func(ctx context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("research aborted before %s: %w", s, err)
	}
	r.obs.StageStarted(ctx, s)
	sctx, span := telemetry.Start(ctx, "pipeline."+string(s))
	start := time.Now()

	err := fn(sctx)

	metrics.StageDuration.WithLabelValues(string(s)).Observe(time.Since(start).Seconds())
	telemetry.End(span, err)
	r.obs.StageFinished(ctx, s, err)
	r.log.Debug("Stage finished", zap.String("stage", string(s)), zap.Duration("duration", time.Since(start)), zap.Error(err))
	return err
}

func (r *run) failedResult() *models.ResearchResult {
	return &models.ResearchResult{
		Response:            ResearchFailedText,
		Sources:             []models.Source{},
		TotalTokens:         r.meter.TotalTokens(),
		SummarizationStages: r.tracker.Stages(),
		Status:              models.ResearchFailed,
		Decision:            r.decision,
		Document: models.ComposedDocument{
			Text:          ResearchFailedText,
			CitedSources:  []models.CitedSource{},
			NoInformation: true,
		},
		Audit: models.AuditResult{
			VerifiedCitations:   []string{},
			UnverifiedCitations: []string{},
			GroundingRate:       1,
		},
	}
}

func sourcesOf(doc models.ComposedDocument) []models.Source {
	out := make([]models.Source, 0, len(doc.CitedSources))
	for _, s := range doc.CitedSources {
		out = append(out, models.Source{Title: s.Title, URL: s.URL})
	}
	return out
}
