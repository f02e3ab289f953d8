package llm

import (
	"context"
	"errors"
	"sync"

	openai "github.com/sashabaranov/go-openai"

	"legalresearch-backend/provider"
)

// OpenAIProvider calls any OpenAI-compatible chat completion endpoint.
type OpenAIProvider struct {
	model   string
	baseURL string
	keys    *provider.KeyRotator

	mu      sync.Mutex
	clients map[string]*openai.Client
}

// NewOpenAIProvider creates an OpenAI-compatible provider rotating over keys.
func NewOpenAIProvider(model, baseURL string, keys *provider.KeyRotator) *OpenAIProvider {
	if model == "" {
		model = openai.GPT4oMini
	}
	return &OpenAIProvider{
		model:   model,
		baseURL: baseURL,
		keys:    keys,
		clients: make(map[string]*openai.Client),
	}
}

// Name implements Provider.
func (p *OpenAIProvider) Name() string { return "openai" }

func (p *OpenAIProvider) client(key string) *openai.Client {
	p.mu.Lock()
	defer p.mu.Unlock()
	if c, ok := p.clients[key]; ok {
		return c
	}
	cfg := openai.DefaultConfig(key)
	if p.baseURL != "" {
		cfg.BaseURL = p.baseURL
	}
	c := openai.NewClientWithConfig(cfg)
	p.clients[key] = c
	return c
}

// Generate implements Provider.
func (p *OpenAIProvider) Generate(ctx context.Context, req Request) (*Response, error) {
	key := p.keys.Next()
	if key == "" {
		return nil, provider.NewError(p.Name(), "generate", 0, provider.ErrNoCredentials)
	}

	messages := make([]openai.ChatCompletionMessage, 0, 2)
	if req.System != "" {
		messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: req.System})
	}
	messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: req.Prompt})

	chatReq := openai.ChatCompletionRequest{
		Model:       p.model,
		Messages:    messages,
		MaxTokens:   req.MaxOutputTokens,
		Temperature: req.Temperature,
	}
	if req.JSON {
		chatReq.ResponseFormat = &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		}
	}

	resp, err := p.client(key).CreateChatCompletion(ctx, chatReq)
	if err != nil {
		return nil, openAIError(p.Name(), err)
	}
	if len(resp.Choices) == 0 || resp.Choices[0].Message.Content == "" {
		return nil, provider.NewError(p.Name(), "generate", 0, errors.New("empty response"))
	}
	return &Response{
		Text:         resp.Choices[0].Message.Content,
		Provider:     p.Name(),
		InputTokens:  resp.Usage.PromptTokens,
		OutputTokens: resp.Usage.CompletionTokens,
	}, nil
}

func openAIError(name string, err error) *provider.ProviderError {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return provider.NewError(name, "generate", apiErr.HTTPStatusCode, err)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return provider.NewError(name, "generate", reqErr.HTTPStatusCode, err)
	}
	return provider.NewError(name, "generate", 0, err)
}
