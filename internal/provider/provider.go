package provider

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

var (
	ErrUnknownProvider = errors.New("unknown embedding provider")
	ErrEmptyEmbedding  = errors.New("empty embedding received")
	ErrMissingAPIKey   = errors.New("api key not configured")
)

// EmbeddingProvider turns text into a vector with the named model.
type EmbeddingProvider interface {
	Name() string
	Embed(ctx context.Context, model, text string) ([]float32, error)
}

// Registry resolves providers by the name stored on queue items.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]EmbeddingProvider
}

func NewRegistry(providers ...EmbeddingProvider) *Registry {
	r := &Registry{providers: make(map[string]EmbeddingProvider)}
	for _, p := range providers {
		r.Register(p)
	}
	return r
}

// Register replaces any provider already registered under the same name.
func (r *Registry) Register(p EmbeddingProvider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.Name()] = p
}

func (r *Registry) Get(name string) (EmbeddingProvider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, name)
	}
	return p, nil
}

func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.providers[name]
	return ok
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.providers))
	for n := range r.providers {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
