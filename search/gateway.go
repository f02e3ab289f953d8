// Package search holds the search gateways the retrieval stage fans out to.
package search

import (
	"context"

	"legalresearch-backend/models"
)

// Options narrow a single search call.
type Options struct {
	MaxResults int
	// SourceFilter restricts web results to these domains when non-empty.
	SourceFilter []string
	Jurisdiction string
}

// Gateway is one search source. Failures are *provider.ProviderError.
type Gateway interface {
	Name() string
	Kind() models.SourceKind
	Search(ctx context.Context, query string, opts Options) ([]models.RetrievedDocument, error)
}
