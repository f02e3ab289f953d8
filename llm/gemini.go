package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"legalresearch-backend/provider"
)

// GeminiProvider calls Gemini through the generative-ai-go client.
type GeminiProvider struct {
	model string
	keys  *provider.KeyRotator

	mu      sync.Mutex
	clients map[string]*genai.Client
}

// NewGeminiProvider creates a Gemini provider rotating over keys.
func NewGeminiProvider(model string, keys *provider.KeyRotator) *GeminiProvider {
	if model == "" {
		model = "gemini-2.5-flash"
	}
	return &GeminiProvider{
		model:   model,
		keys:    keys,
		clients: make(map[string]*genai.Client),
	}
}

// Name implements Provider.
func (p *GeminiProvider) Name() string { return "gemini" }

// client returns a cached client for the key.
func (p *GeminiProvider) client(ctx context.Context, key string) (*genai.Client, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if c, ok := p.clients[key]; ok {
		return c, nil
	}
	c, err := genai.NewClient(ctx, option.WithAPIKey(key))
	if err != nil {
		return nil, err
	}
	p.clients[key] = c
	return c, nil
}

// Generate implements Provider.
func (p *GeminiProvider) Generate(ctx context.Context, req Request) (*Response, error) {
	key := p.keys.Next()
	if key == "" {
		return nil, provider.NewError(p.Name(), "generate", 0, provider.ErrNoCredentials)
	}
	c, err := p.client(ctx, key)
	if err != nil {
		return nil, provider.NewError(p.Name(), "client", 0, err)
	}

	model := c.GenerativeModel(p.model)
	model.SetTemperature(req.Temperature)
	if req.MaxOutputTokens > 0 {
		model.SetMaxOutputTokens(int32(req.MaxOutputTokens))
	}
	if req.System != "" {
		model.SystemInstruction = &genai.Content{Parts: []genai.Part{genai.Text(req.System)}}
	}
	if req.JSON {
		model.ResponseMIMEType = "application/json"
	}

	resp, err := model.GenerateContent(ctx, genai.Text(req.Prompt))
	if err != nil {
		return nil, geminiError(p.Name(), err)
	}
	if resp.PromptFeedback != nil && resp.PromptFeedback.BlockReason != genai.BlockReasonUnspecified {
		return nil, provider.NewError(p.Name(), "generate", 400,
			fmt.Errorf("prompt blocked: %s", resp.PromptFeedback.BlockReason))
	}

	var text strings.Builder
	for _, cand := range resp.Candidates {
		if cand.Content == nil {
			continue
		}
		for _, part := range cand.Content.Parts {
			if t, ok := part.(genai.Text); ok {
				text.WriteString(string(t))
			}
		}
		break
	}
	if text.Len() == 0 {
		return nil, provider.NewError(p.Name(), "generate", 0, errors.New("empty candidate"))
	}

	out := &Response{Text: text.String(), Provider: p.Name()}
	if resp.UsageMetadata != nil {
		out.InputTokens = int(resp.UsageMetadata.PromptTokenCount)
		out.OutputTokens = int(resp.UsageMetadata.CandidatesTokenCount)
	}
	return out, nil
}

// Close releases cached clients.
func (p *GeminiProvider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	var errs []error
	for k, c := range p.clients {
		errs = append(errs, c.Close())
		delete(p.clients, k)
	}
	return errors.Join(errs...)
}

func geminiError(name string, err error) *provider.ProviderError {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		return provider.NewError(name, "generate", gerr.Code, err)
	}
	return provider.NewError(name, "generate", 0, err)
}
