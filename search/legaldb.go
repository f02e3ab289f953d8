package search

import (
	"context"
	"fmt"

	"legalresearch-backend/llm"
	"legalresearch-backend/metrics"
	"legalresearch-backend/models"
	"legalresearch-backend/provider"
)

const legalDBName = "legal_db"

// chunkSearcher is the consumer interface of the legal chunk repository.
type chunkSearcher interface {
	SearchSimilar(ctx context.Context, embedding []float32, jurisdiction string, limit int) ([]models.LegalChunk, error)
}

// LegalDBSearch runs vector similarity search over the internal legal database.
type LegalDBSearch struct {
	embedder llm.Embedder
	chunks   chunkSearcher
	policy   provider.Policy
}

// NewLegalDBSearch creates the internal legal database gateway.
func NewLegalDBSearch(embedder llm.Embedder, chunks chunkSearcher, policy provider.Policy) *LegalDBSearch {
	return &LegalDBSearch{embedder: embedder, chunks: chunks, policy: policy.WithDefaults()}
}

// Name implements Gateway.
func (s *LegalDBSearch) Name() string { return legalDBName }

// Kind implements Gateway.
func (s *LegalDBSearch) Kind() models.SourceKind { return models.SourceInternalLegalDB }

// Search implements Gateway.
func (s *LegalDBSearch) Search(ctx context.Context, query string, opts Options) ([]models.RetrievedDocument, error) {
	if opts.MaxResults <= 0 {
		opts.MaxResults = 5
	}

	embedding, err := provider.Call(ctx, s.policy, func(ctx context.Context) ([]float32, error) {
		return s.embedder.Embed(ctx, query)
	})
	if err != nil {
		metrics.SearchRequestsTotal.WithLabelValues(legalDBName, "error").Inc()
		return nil, provider.AsProviderError(legalDBName, "embed", err)
	}

	chunks, err := s.chunks.SearchSimilar(ctx, embedding, opts.Jurisdiction, opts.MaxResults)
	if err != nil {
		metrics.SearchRequestsTotal.WithLabelValues(legalDBName, "error").Inc()
		return nil, provider.NewError(legalDBName, "search", 0, fmt.Errorf("similarity search: %w", err))
	}
	metrics.SearchRequestsTotal.WithLabelValues(legalDBName, "success").Inc()

	docs := make([]models.RetrievedDocument, 0, len(chunks))
	for _, c := range chunks {
		docs = append(docs, c.ToDocument())
	}
	return docs, nil
}
