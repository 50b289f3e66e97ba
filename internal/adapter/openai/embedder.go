package openai

import (
	"context"
	"fmt"
	"sync"

	goopenai "github.com/sashabaranov/go-openai"

	"academy/backend/internal/provider"
)

const (
	Name         = "openai"
	DefaultModel = string(goopenai.AdaEmbeddingV2)
)

type KeySource interface {
	APIKey(ctx context.Context, provider string) (string, error)
}

// Embedder calls the OpenAI embeddings API with the key currently stored in settings.
type Embedder struct {
	keys       KeySource
	baseURL    string
	client     *goopenai.Client
	currentKey string
	mu         sync.Mutex
}

// NewEmbedder targets api.openai.com unless baseURL points at an Azure or proxy endpoint.
func NewEmbedder(keys KeySource, baseURL string) *Embedder {
	return &Embedder{keys: keys, baseURL: baseURL}
}

func (e *Embedder) Name() string { return Name }

func (e *Embedder) Embed(ctx context.Context, model, text string) ([]float32, error) {
	key, err := e.keys.APIKey(ctx, Name)
	if err != nil {
		return nil, err
	}
	if key == "" {
		return nil, fmt.Errorf("openai %w", provider.ErrMissingAPIKey)
	}
	if model == "" {
		model = DefaultModel
	}

	resp, err := e.getClient(key).CreateEmbeddings(ctx, goopenai.EmbeddingRequest{
		Input: []string{text},
		Model: goopenai.EmbeddingModel(model),
	})
	if err != nil {
		return nil, fmt.Errorf("openai embedding failed: %w", err)
	}
	if len(resp.Data) == 0 || len(resp.Data[0].Embedding) == 0 {
		return nil, provider.ErrEmptyEmbedding
	}
	return resp.Data[0].Embedding, nil
}

func (e *Embedder) getClient(key string) *goopenai.Client {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.client != nil && e.currentKey == key {
		return e.client
	}

	cfg := goopenai.DefaultConfig(key)
	if e.baseURL != "" {
		cfg.BaseURL = e.baseURL
	}
	e.client = goopenai.NewClientWithConfig(cfg)
	e.currentKey = key
	return e.client
}
