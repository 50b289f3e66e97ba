package worker

import (
	"context"
	"time"

	"academy/backend/features/chunk"
	"academy/backend/features/embedding"
	"academy/backend/features/queue"
	"academy/backend/internal/provider"
)

type QueueStore interface {
	Claim(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]queue.Item, error)
	MarkFailed(ctx context.Context, f queue.Failure) (int, queue.Status, error)
	Delete(ctx context.Context, chunkID string, claimedUntil time.Time) error
}

type ChunkReader interface {
	Get(ctx context.Context, id string) (*chunk.Chunk, error)
}

type ProviderResolver interface {
	Get(name string) (provider.EmbeddingProvider, error)
}

type EmbeddingWriter interface {
	Upsert(ctx context.Context, e *embedding.Embedding) error
}

// Locker guards a batch across processes. Acquire reports false when another
// holder owns the key.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (func(), bool, error)
}

type BatchRunner interface {
	ProcessBatch(ctx context.Context, maxItems int) (*Summary, error)
}

type ItemResult struct {
	LessonChunkID string `json:"lesson_chunk_id"`
	Success       bool   `json:"success"`
	Error         string `json:"error,omitempty"`
	Attempts      int    `json:"attempts,omitempty"`
	DeadLettered  bool   `json:"dead_lettered,omitempty"`
}

type Summary struct {
	Processed int          `json:"processed"`
	Failed    int          `json:"errors"`
	Results   []ItemResult `json:"details"`
	// Skipped is set when another instance held the batch lock.
	Skipped bool `json:"skipped,omitempty"`
	// Joined is set when the caller shared a batch started by another call.
	Joined bool `json:"joined,omitempty"`
}
