package llm

import (
	"context"
	"sync"

	"legalresearch-backend/tokens"
)

// Meter wraps a gateway and totals the tokens spent through it. One meter is
// created per pipeline run.
type Meter struct {
	inner     Gateway
	estimator tokens.Estimator

	mu    sync.Mutex
	total int
	calls int
}

// NewMeter creates a metering wrapper. The estimator covers providers that do
// not report usage.
func NewMeter(inner Gateway, estimator tokens.Estimator) *Meter {
	if estimator == nil {
		estimator = tokens.Heuristic{}
	}
	return &Meter{inner: inner, estimator: estimator}
}

// Invoke implements Gateway.
func (m *Meter) Invoke(ctx context.Context, req Request) (*Response, error) {
	resp, err := m.inner.Invoke(ctx, req)
	if err != nil {
		return nil, err
	}

	in, out := resp.InputTokens, resp.OutputTokens
	if in == 0 {
		in = tokens.CountAll(m.estimator, req.System, req.Prompt)
	}
	if out == 0 {
		out = m.estimator.Count(resp.Text)
	}

	m.mu.Lock()
	m.total += in + out
	m.calls++
	m.mu.Unlock()
	return resp, nil
}

// TotalTokens returns the tokens spent so far.
func (m *Meter) TotalTokens() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.total
}

// Calls returns the number of successful calls.
func (m *Meter) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}
