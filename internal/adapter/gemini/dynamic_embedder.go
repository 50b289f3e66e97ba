package gemini

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"

	"academy/backend/internal/provider"
)

const (
	Name         = "gemini"
	DefaultModel = "gemini-embedding-001"
)

// KeySource looks up a provider's API key at call time so a rotated key
// takes effect without a restart.
type KeySource interface {
	APIKey(ctx context.Context, provider string) (string, error)
}

// DynamicEmbedder keeps one genai client and rebuilds it when the stored key changes.
type DynamicEmbedder struct {
	keys       KeySource
	client     *genai.Client
	currentKey string
	mu         sync.RWMutex
	clientOpts []option.ClientOption
}

func NewDynamicEmbedder(keys KeySource, opts ...option.ClientOption) *DynamicEmbedder {
	return &DynamicEmbedder{
		keys:       keys,
		clientOpts: opts,
	}
}

func (e *DynamicEmbedder) Name() string { return Name }

func (e *DynamicEmbedder) Embed(ctx context.Context, model, text string) ([]float32, error) {
	key, err := e.keys.APIKey(ctx, Name)
	if err != nil {
		return nil, err
	}
	if key == "" {
		return nil, fmt.Errorf("gemini %w", provider.ErrMissingAPIKey)
	}

	client, err := e.getClient(ctx, key)
	if err != nil {
		return nil, err
	}

	if model == "" {
		model = DefaultModel
	}
	slog.DebugContext(ctx, "embedding content", "provider", Name, "model", model, "length", len(text))

	res, err := client.EmbeddingModel(model).EmbedContent(ctx, genai.Text(text))
	if err != nil {
		return nil, err
	}

	if res.Embedding == nil || len(res.Embedding.Values) == 0 {
		return nil, provider.ErrEmptyEmbedding
	}

	return res.Embedding.Values, nil
}

func (e *DynamicEmbedder) getClient(ctx context.Context, key string) (*genai.Client, error) {
	e.mu.RLock()
	if e.client != nil && e.currentKey == key {
		defer e.mu.RUnlock()
		return e.client, nil
	}
	e.mu.RUnlock()

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.client != nil && e.currentKey == key {
		return e.client, nil
	}

	if e.client != nil {
		if err := e.client.Close(); err != nil {
			slog.Warn("failed to close previous genai client", "error", err)
		}
	}

	opts := append(append([]option.ClientOption{}, e.clientOpts...), option.WithAPIKey(key))
	client, err := genai.NewClient(ctx, opts...)
	if err != nil {
		return nil, err
	}

	e.client = client
	e.currentKey = key
	return client, nil
}

func (e *DynamicEmbedder) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.client == nil {
		return nil
	}
	err := e.client.Close()
	e.client = nil
	e.currentKey = ""
	return err
}
