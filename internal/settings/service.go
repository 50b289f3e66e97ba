package settings

import (
	"context"
	"fmt"
	"time"
)

// Settings holds provider credentials that operators can rotate without a restart.
type Settings struct {
	ID           int       `json:"-"`
	GeminiAPIKey string    `json:"gemini_api_key"`
	OpenAIAPIKey string    `json:"openai_api_key"`
	UpdatedAt    time.Time `json:"updated_at"`
}

type Repository interface {
	Get(ctx context.Context) (*Settings, error)
	Update(ctx context.Context, s *Settings) error
}

type Service struct {
	repo Repository
}

func NewService(repo Repository) *Service {
	return &Service{repo: repo}
}

func (s *Service) Get(ctx context.Context) (*Settings, error) {
	return s.repo.Get(ctx)
}

func (s *Service) Update(ctx context.Context, set *Settings) error {
	return s.repo.Update(ctx, set)
}

// APIKey returns the stored key for a provider, or an empty string when the
// provider needs none.
func (s *Service) APIKey(ctx context.Context, provider string) (string, error) {
	set, err := s.repo.Get(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to get settings: %w", err)
	}
	switch provider {
	case "gemini":
		return set.GeminiAPIKey, nil
	case "openai":
		return set.OpenAIAPIKey, nil
	default:
		return "", nil
	}
}

// Seed fills keys that are still empty in storage. Keys edited at runtime win
// over the environment.
func (s *Service) Seed(ctx context.Context, geminiKey, openaiKey string) error {
	set, err := s.repo.Get(ctx)
	if err != nil {
		return fmt.Errorf("failed to get settings: %w", err)
	}

	changed := false
	if set.GeminiAPIKey == "" && geminiKey != "" {
		set.GeminiAPIKey = geminiKey
		changed = true
	}
	if set.OpenAIAPIKey == "" && openaiKey != "" {
		set.OpenAIAPIKey = openaiKey
		changed = true
	}
	if !changed {
		return nil
	}
	return s.repo.Update(ctx, set)
}
