package queue_test

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"

	"academy/backend/features/chunk"
	"academy/backend/features/queue"
)

type MockRepo struct {
	mock.Mock
}

func (m *MockRepo) InsertIfAbsent(ctx context.Context, item *queue.Item) (bool, error) {
	args := m.Called(ctx, item)
	if fn, ok := args.Get(0).(func(*queue.Item) bool); ok {
		return fn(item), args.Error(1)
	}
	return args.Bool(0), args.Error(1)
}

func (m *MockRepo) GetByChunkID(ctx context.Context, chunkID string) (*queue.Item, error) {
	args := m.Called(ctx, chunkID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*queue.Item), args.Error(1)
}

func (m *MockRepo) Claim(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]queue.Item, error) {
	args := m.Called(ctx, now, lease, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]queue.Item), args.Error(1)
}

func (m *MockRepo) MarkFailed(ctx context.Context, f queue.Failure) (int, queue.Status, error) {
	args := m.Called(ctx, f)
	return args.Int(0), args.Get(1).(queue.Status), args.Error(2)
}

func (m *MockRepo) Delete(ctx context.Context, chunkID string, claimedUntil time.Time) error {
	args := m.Called(ctx, chunkID, claimedUntil)
	return args.Error(0)
}

func (m *MockRepo) ListDeadLetters(ctx context.Context) ([]queue.Item, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]queue.Item), args.Error(1)
}

func (m *MockRepo) Requeue(ctx context.Context, chunkID string) error {
	args := m.Called(ctx, chunkID)
	return args.Error(0)
}

func (m *MockRepo) CountByStatus(ctx context.Context) (queue.Counts, error) {
	args := m.Called(ctx)
	return args.Get(0).(queue.Counts), args.Error(1)
}

type MockChunks struct {
	mock.Mock
}

func (m *MockChunks) Get(ctx context.Context, id string) (*chunk.Chunk, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*chunk.Chunk), args.Error(1)
}

type MockPublisher struct {
	mock.Mock
}

func (m *MockPublisher) Publish(topic string, body []byte) error {
	args := m.Called(topic, body)
	return args.Error(0)
}

type catalog map[string]bool

func (c catalog) Has(name string) bool { return c[name] }

var defaults = queue.Defaults{Provider: "openai", Model: "text-embedding-ada-002"}

var providers = catalog{"openai": true, "gemini": true}
