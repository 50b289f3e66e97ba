package worker_test

import (
	"context"
	"sync"
	"time"

	"github.com/stretchr/testify/mock"

	"academy/backend/features/chunk"
	"academy/backend/features/embedding"
	"academy/backend/features/queue"
	"academy/backend/internal/worker"
)

type MockQueue struct {
	mock.Mock

	mu       sync.Mutex
	failures []queue.Failure
}

func (m *MockQueue) Claim(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]queue.Item, error) {
	args := m.Called(ctx, now, lease, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]queue.Item), args.Error(1)
}

func (m *MockQueue) MarkFailed(ctx context.Context, f queue.Failure) (int, queue.Status, error) {
	m.mu.Lock()
	m.failures = append(m.failures, f)
	m.mu.Unlock()
	args := m.Called(ctx, f.LessonChunkID, f.Message, f.At, f.MaxAttempts)
	return args.Int(0), args.Get(1).(queue.Status), args.Error(2)
}

func (m *MockQueue) Failures() []queue.Failure {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]queue.Failure(nil), m.failures...)
}

func (m *MockQueue) Delete(ctx context.Context, chunkID string, claimedUntil time.Time) error {
	args := m.Called(ctx, chunkID, claimedUntil)
	return args.Error(0)
}

type MockChunks struct{ mock.Mock }

func (m *MockChunks) Get(ctx context.Context, id string) (*chunk.Chunk, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*chunk.Chunk), args.Error(1)
}

type MockProvider struct {
	mock.Mock
	name string
}

func (m *MockProvider) Name() string { return m.name }

func (m *MockProvider) Embed(ctx context.Context, model, text string) ([]float32, error) {
	args := m.Called(ctx, model, text)
	if fn, ok := args.Get(0).(func(context.Context) ([]float32, error)); ok {
		return fn(ctx)
	}
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]float32), args.Error(1)
}

type MockWriter struct{ mock.Mock }

func (m *MockWriter) Upsert(ctx context.Context, e *embedding.Embedding) error {
	args := m.Called(ctx, e)
	return args.Error(0)
}

type MockLocker struct{ mock.Mock }

func (m *MockLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), bool, error) {
	args := m.Called(ctx, key, ttl)
	release, _ := args.Get(0).(func())
	return release, args.Bool(1), args.Error(2)
}

type MockRunner struct{ mock.Mock }

func (m *MockRunner) ProcessBatch(ctx context.Context, maxItems int) (*worker.Summary, error) {
	args := m.Called(ctx, maxItems)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*worker.Summary), args.Error(1)
}

// barrier releases all callers once n of them have arrived.
type barrier struct {
	mu      sync.Mutex
	n       int
	arrived int
	done    chan struct{}
}

func newBarrier(n int) *barrier {
	return &barrier{n: n, done: make(chan struct{})}
}

func (b *barrier) wait(ctx context.Context) error {
	b.mu.Lock()
	b.arrived++
	if b.arrived == b.n {
		close(b.done)
	}
	b.mu.Unlock()

	select {
	case <-b.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
