package llm

import (
	"context"
	"errors"
	"sync"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"

	"legalresearch-backend/provider"
)

// EmbeddingDimensions is the vector size of the legal_chunks embedding column.
const EmbeddingDimensions = 768

// Embedder turns text into a vector for similarity search.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// GeminiEmbedder embeds text with a Gemini embedding model.
type GeminiEmbedder struct {
	model string
	keys  *provider.KeyRotator

	mu      sync.Mutex
	clients map[string]*genai.Client
}

// NewGeminiEmbedder creates an embedder rotating over keys.
func NewGeminiEmbedder(model string, keys *provider.KeyRotator) *GeminiEmbedder {
	if model == "" {
		model = "text-embedding-004"
	}
	return &GeminiEmbedder{model: model, keys: keys, clients: make(map[string]*genai.Client)}
}

// Embed implements Embedder.
func (e *GeminiEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	key := e.keys.Next()
	if key == "" {
		return nil, provider.NewError("gemini", "embed", 0, provider.ErrNoCredentials)
	}

	e.mu.Lock()
	c, ok := e.clients[key]
	if !ok {
		var err error
		c, err = genai.NewClient(ctx, option.WithAPIKey(key))
		if err != nil {
			e.mu.Unlock()
			return nil, provider.NewError("gemini", "embed", 0, err)
		}
		e.clients[key] = c
	}
	e.mu.Unlock()

	res, err := c.EmbeddingModel(e.model).EmbedContent(ctx, genai.Text(text))
	if err != nil {
		return nil, geminiError("gemini", err)
	}
	if res.Embedding == nil || len(res.Embedding.Values) == 0 {
		return nil, provider.NewError("gemini", "embed", 0, errors.New("empty embedding"))
	}
	return res.Embedding.Values, nil
}

// Close releases cached clients.
func (e *GeminiEmbedder) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	var errs []error
	for k, c := range e.clients {
		errs = append(errs, c.Close())
		delete(e.clients, k)
	}
	return errors.Join(errs...)
}
