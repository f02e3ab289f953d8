package llm

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/param"

	"legalresearch-backend/provider"
)

const anthropicDefaultMaxTokens = 4096

// AnthropicProvider calls the Anthropic Messages API.
type AnthropicProvider struct {
	model   string
	baseURL string
	keys    *provider.KeyRotator

	mu      sync.Mutex
	clients map[string]anthropic.Client
}

// NewAnthropicProvider creates an Anthropic provider rotating over keys.
func NewAnthropicProvider(model, baseURL string, keys *provider.KeyRotator) *AnthropicProvider {
	if model == "" {
		model = "claude-sonnet-4-5-20250929"
	}
	return &AnthropicProvider{
		model:   model,
		baseURL: baseURL,
		keys:    keys,
		clients: make(map[string]anthropic.Client),
	}
}

// Name implements Provider.
func (p *AnthropicProvider) Name() string { return "anthropic" }

func (p *AnthropicProvider) client(key string) anthropic.Client {
	p.mu.Lock()
	defer p.mu.Unlock()
	if c, ok := p.clients[key]; ok {
		return c
	}
	opts := []option.RequestOption{option.WithAPIKey(key), option.WithMaxRetries(0)}
	if p.baseURL != "" {
		opts = append(opts, option.WithBaseURL(p.baseURL))
	}
	c := anthropic.NewClient(opts...)
	p.clients[key] = c
	return c
}

// Generate implements Provider.
func (p *AnthropicProvider) Generate(ctx context.Context, req Request) (*Response, error) {
	key := p.keys.Next()
	if key == "" {
		return nil, provider.NewError(p.Name(), "generate", 0, provider.ErrNoCredentials)
	}

	maxTokens := int64(req.MaxOutputTokens)
	if maxTokens <= 0 {
		maxTokens = anthropicDefaultMaxTokens
	}
	prompt := req.Prompt
	if req.JSON {
		prompt += "\n\nRespond with a single JSON object and nothing else."
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(p.model),
		MaxTokens: maxTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
		Temperature: param.NewOpt(float64(req.Temperature)),
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}

	c := p.client(key)
	msg, err := c.Messages.New(ctx, params)
	if err != nil {
		var apiErr *anthropic.Error
		if errors.As(err, &apiErr) {
			return nil, provider.NewError(p.Name(), "generate", apiErr.StatusCode, err)
		}
		return nil, provider.NewError(p.Name(), "generate", 0, err)
	}

	var text strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	if text.Len() == 0 {
		return nil, provider.NewError(p.Name(), "generate", 0, errors.New("empty response"))
	}
	return &Response{
		Text:         text.String(),
		Provider:     p.Name(),
		InputTokens:  int(msg.Usage.InputTokens),
		OutputTokens: int(msg.Usage.OutputTokens),
	}, nil
}
