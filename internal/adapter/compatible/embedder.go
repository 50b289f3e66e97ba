// Package compatible embeds through any server that speaks the OpenAI
// embeddings protocol, such as Ollama, LM Studio or vLLM.
package compatible

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/tmc/langchaingo/embeddings"
	"github.com/tmc/langchaingo/llms/openai"

	"academy/backend/internal/provider"
)

const Name = "compatible"

type Embedder struct {
	host      string
	embedders map[string]embeddings.Embedder
	mu        sync.Mutex
	logger    *slog.Logger
}

func NewEmbedder(host string) (*Embedder, error) {
	if host == "" {
		return nil, errors.New("compatible embedding host is required")
	}
	return &Embedder{
		host:      host,
		embedders: make(map[string]embeddings.Embedder),
		logger:    slog.Default().With("component", "compatible-embedder"),
	}, nil
}

func (e *Embedder) Name() string { return Name }

func (e *Embedder) Embed(ctx context.Context, model, text string) ([]float32, error) {
	if model == "" {
		return nil, errors.New("compatible provider requires an explicit model")
	}

	em, err := e.forModel(model)
	if err != nil {
		return nil, err
	}

	e.logger.DebugContext(ctx, "generating embedding", "model", model, "length", len(text))
	vec, err := em.EmbedQuery(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("compatible embedding failed: %w", err)
	}
	if len(vec) == 0 {
		return nil, provider.ErrEmptyEmbedding
	}
	return vec, nil
}

func (e *Embedder) forModel(model string) (embeddings.Embedder, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if em, ok := e.embedders[model]; ok {
		return em, nil
	}

	// Local servers ignore the token but the client refuses an empty one.
	client, err := openai.New(
		openai.WithBaseURL(e.host),
		openai.WithToken("none"),
		openai.WithEmbeddingModel(model),
	)
	if err != nil {
		return nil, err
	}

	em, err := embeddings.NewEmbedder(client, embeddings.WithStripNewLines(true))
	if err != nil {
		return nil, err
	}
	e.embedders[model] = em
	return em, nil
}
