// Package llm is the uniform interface to LLM providers used by every
// pipeline stage.
package llm

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"legalresearch-backend/metrics"
	"legalresearch-backend/provider"
)

// ErrNoProviders is returned by a gateway with nothing to call.
var ErrNoProviders = errors.New("no llm providers configured")

// Request is a single completion request.
type Request struct {
	// Purpose names the calling stage; used for metrics and by test fakes.
	Purpose         string
	System          string
	Prompt          string
	MaxOutputTokens int
	Temperature     float32
	// JSON asks the provider for a JSON object response.
	JSON bool
}

// Response is a completion result.
type Response struct {
	Text         string
	Provider     string
	InputTokens  int
	OutputTokens int
}

// Gateway invokes an LLM. Failures are *provider.ProviderError.
type Gateway interface {
	Invoke(ctx context.Context, req Request) (*Response, error)
}

// Provider is one concrete LLM backend.
type Provider interface {
	Name() string
	Generate(ctx context.Context, req Request) (*Response, error)
}

// FailoverGateway tries each provider in order, each under the retry policy.
type FailoverGateway struct {
	providers []Provider
	policy    provider.Policy
	logger    *zap.Logger
}

// NewFailoverGateway creates a gateway over providers in priority order.
func NewFailoverGateway(policy provider.Policy, logger *zap.Logger, providers ...Provider) *FailoverGateway {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FailoverGateway{
		providers: providers,
		policy:    policy.WithDefaults(),
		logger:    logger,
	}
}

// Invoke implements Gateway.
func (g *FailoverGateway) Invoke(ctx context.Context, req Request) (*Response, error) {
	if len(g.providers) == 0 {
		return nil, provider.NewError("llm", "invoke", 0, ErrNoProviders)
	}

	var lastErr error
	for _, p := range g.providers {
		resp, err := provider.Call(ctx, g.policy, func(ctx context.Context) (*Response, error) {
			return p.Generate(ctx, req)
		})
		if err == nil {
			if resp.Provider == "" {
				resp.Provider = p.Name()
			}
			metrics.LLMRequestsTotal.WithLabelValues(p.Name(), req.Purpose, "success").Inc()
			metrics.LLMTokensTotal.WithLabelValues(p.Name(), "input").Add(float64(resp.InputTokens))
			metrics.LLMTokensTotal.WithLabelValues(p.Name(), "output").Add(float64(resp.OutputTokens))
			return resp, nil
		}

		metrics.LLMRequestsTotal.WithLabelValues(p.Name(), req.Purpose, "error").Inc()
		lastErr = provider.AsProviderError(p.Name(), "generate", err)
		if ctx.Err() != nil {
			return nil, lastErr
		}
		g.logger.Warn("LLM provider failed, trying next",
			zap.String("provider", p.Name()),
			zap.String("purpose", req.Purpose),
			zap.Error(err),
		)
	}
	return nil, fmt.Errorf("all llm providers failed: %w", lastErr)
}
