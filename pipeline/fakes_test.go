package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"legalresearch-backend/llm"
	"legalresearch-backend/models"
	"legalresearch-backend/provider"
	"legalresearch-backend/search"
)

// scriptedLLM answers by request purpose. Purposes without a script fail
// with a provider error.
type scriptedLLM struct {
	mu      sync.Mutex
	scripts map[string]func(req llm.Request) (string, error)
	calls   map[string]int
	prompts map[string][]string
}

func newScriptedLLM() *scriptedLLM {
	return &scriptedLLM{
		scripts: map[string]func(llm.Request) (string, error){},
		calls:   map[string]int{},
		prompts: map[string][]string{},
	}
}

func (s *scriptedLLM) on(purpose string, fn func(req llm.Request) (string, error)) *scriptedLLM {
	s.scripts[purpose] = fn
	return s
}

func (s *scriptedLLM) onJSON(purpose string, v any) *scriptedLLM {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return s.on(purpose, func(llm.Request) (string, error) { return string(b), nil })
}

func (s *scriptedLLM) Invoke(ctx context.Context, req llm.Request) (*llm.Response, error) {
	s.mu.Lock()
	s.calls[req.Purpose]++
	s.prompts[req.Purpose] = append(s.prompts[req.Purpose], req.Prompt)
	fn := s.scripts[req.Purpose]
	s.mu.Unlock()

	if fn == nil {
		return nil, provider.NewError("fake", "invoke", http.StatusServiceUnavailable, errors.New("no script for "+req.Purpose))
	}
	text, err := fn(req)
	if err != nil {
		return nil, err
	}
	return &llm.Response{Text: text, Provider: "fake", InputTokens: 10, OutputTokens: 5}, nil
}

func (s *scriptedLLM) count(purpose string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[purpose]
}

func (s *scriptedLLM) total() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.calls {
		n += c
	}
	return n
}

func (s *scriptedLLM) lastPrompt(purpose string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.prompts[purpose]
	if len(p) == 0 {
		return ""
	}
	return p[len(p)-1]
}

// fakeSource is a scripted search gateway.
type fakeSource struct {
	name  string
	kind  models.SourceKind
	docs  []models.RetrievedDocument
	err   error
	delay time.Duration

	mu      sync.Mutex
	queries []string
}

func (f *fakeSource) Name() string            { return f.name }
func (f *fakeSource) Kind() models.SourceKind { return f.kind }

func (f *fakeSource) Search(ctx context.Context, query string, opts search.Options) ([]models.RetrievedDocument, error) {
	f.mu.Lock()
	f.queries = append(f.queries, query)
	f.mu.Unlock()

	if f.delay > 0 {
		select {
		case <-ctx.Done():
			return nil, provider.NewError(f.name, "search", 0, ctx.Err())
		case <-time.After(f.delay):
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	out := f.docs
	if opts.MaxResults > 0 && len(out) > opts.MaxResults {
		out = out[:opts.MaxResults]
	}
	return append([]models.RetrievedDocument{}, out...), nil
}

func (f *fakeSource) seen() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string{}, f.queries...)
}

func webDoc(url, title, content string, score float64) models.RetrievedDocument {
	return models.RetrievedDocument{
		SourceID:       models.SourceIdentity(url),
		Title:          title,
		URL:            url,
		RawContent:     content,
		RelevanceScore: score,
		SourceKind:     models.SourceWebSearch,
	}
}

func internalDoc(url, title, content string, score float64) models.RetrievedDocument {
	d := webDoc(url, title, content, score)
	d.SourceKind = models.SourceInternalLegalDB
	return d
}

var errSearchDown = provider.NewError("web", "search", http.StatusBadGateway, errors.New("upstream down"))
