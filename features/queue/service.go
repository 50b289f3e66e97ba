package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"academy/backend/features/chunk"
	"academy/backend/internal/config"
	"academy/backend/internal/middleware"
)

type ChunkReader interface {
	Get(ctx context.Context, id string) (*chunk.Chunk, error)
}

type ProviderCatalog interface {
	Has(name string) bool
}

type EventPublisher interface {
	Publish(topic string, body []byte) error
}

type Defaults struct {
	Provider string
	Model    string
}

type EnqueueRequest struct {
	LessonChunkID string   `json:"lesson_chunk_id"`
	Provider      string   `json:"provider,omitempty"`
	Model         string   `json:"model,omitempty"`
	Metadata      Metadata `json:"metadata"`
}

type EnqueueResult struct {
	ID      string
	Status  Status
	Created bool
}

type Service struct {
	repo      Repository
	chunks    ChunkReader
	providers ProviderCatalog
	pub       EventPublisher
	defaults  Defaults
	logger    *slog.Logger
	now       func() time.Time
}

func NewService(repo Repository, chunks ChunkReader, providers ProviderCatalog, pub EventPublisher, defaults Defaults, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		repo:      repo,
		chunks:    chunks,
		providers: providers,
		pub:       pub,
		defaults:  defaults,
		logger:    logger,
		now:       time.Now,
	}
}

// Enqueue registers a chunk for embedding. A second request for the same chunk
// returns the existing item instead of creating another one.
func (s *Service) Enqueue(ctx context.Context, req EnqueueRequest) (*EnqueueResult, error) {
	chunkID := strings.TrimSpace(req.LessonChunkID)
	if chunkID == "" {
		return nil, &ValidationError{Message: "lesson_chunk_id is required"}
	}

	provider := req.Provider
	if provider == "" {
		provider = s.defaults.Provider
	}
	model := req.Model
	if model == "" {
		model = s.defaults.Model
	}
	if s.providers != nil && !s.providers.Has(provider) {
		return nil, &ValidationError{Message: fmt.Sprintf("unknown provider: %s", provider)}
	}
	if err := req.Metadata.Validate(); err != nil {
		return nil, err
	}

	c, err := s.chunks.Get(ctx, chunkID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("lesson chunk %s: %w", chunkID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: load chunk: %w", ErrStorageFailure, err)
	}

	meta := req.Metadata
	if meta.CourseID == "" {
		meta.CourseID = c.CourseID
	}

	item := &Item{
		LessonChunkID: chunkID,
		Provider:      provider,
		Model:         model,
		Metadata:      meta,
	}

	// The existing row can be consumed between the conflicting insert and the
	// read-back. A second pass then inserts a fresh item.
	for range 2 {
		inserted, err := s.repo.InsertIfAbsent(ctx, item)
		if err != nil {
			return nil, fmt.Errorf("%w: insert queue item: %w", ErrStorageFailure, err)
		}
		if inserted {
			s.logger.InfoContext(ctx, "embedding queued", "lesson_chunk_id", chunkID, "provider", provider, "model", model)
			s.nudge(ctx, chunkID)
			return &EnqueueResult{ID: item.ID, Status: StatusQueued, Created: true}, nil
		}

		existing, err := s.repo.GetByChunkID(ctx, chunkID)
		if errors.Is(err, sql.ErrNoRows) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("%w: read queue item: %w", ErrStorageFailure, err)
		}
		s.logger.InfoContext(ctx, "embedding already queued", "lesson_chunk_id", chunkID, "status", existing.Status)
		return &EnqueueResult{ID: existing.ID, Status: existing.EffectiveStatus(s.now()), Created: false}, nil
	}
	return nil, fmt.Errorf("%w: queue item for %s changed concurrently", ErrStorageFailure, chunkID)
}

func (s *Service) nudge(ctx context.Context, chunkID string) {
	if s.pub == nil {
		return
	}
	body, err := json.Marshal(Nudge{LessonChunkID: chunkID, CorrelationID: middleware.GetCorrelationID(ctx)})
	if err != nil {
		return
	}
	if err := s.pub.Publish(config.TopicEmbeddingQueued, body); err != nil {
		s.logger.WarnContext(ctx, "failed to publish queue nudge", "lesson_chunk_id", chunkID, "error", err)
	}
}

func (s *Service) ListDeadLetters(ctx context.Context) ([]Item, error) {
	return s.repo.ListDeadLetters(ctx)
}

// Retry returns a dead-lettered item to the queue with a fresh attempt budget.
func (s *Service) Retry(ctx context.Context, chunkID string) error {
	if err := s.repo.Requeue(ctx, chunkID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("dead-lettered item %s: %w", chunkID, ErrNotFound)
		}
		return fmt.Errorf("%w: requeue: %w", ErrStorageFailure, err)
	}
	s.logger.InfoContext(ctx, "dead-lettered item requeued", "lesson_chunk_id", chunkID)
	s.nudge(ctx, chunkID)
	return nil
}

func (s *Service) Counts(ctx context.Context) (Counts, error) {
	return s.repo.CountByStatus(ctx)
}
