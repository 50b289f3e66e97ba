package worker_test

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"academy/backend/features/chunk"
	"academy/backend/features/embedding"
	"academy/backend/features/queue"
	"academy/backend/internal/provider"
	"academy/backend/internal/worker"
)

var fixedNow = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func testConfig() worker.Config {
	return worker.Config{
		BatchSize:       10,
		MaxAttempts:     5,
		Concurrency:     1,
		LeaseDuration:   time.Minute,
		ProviderTimeout: time.Second,
	}
}

type fixture struct {
	queue    *MockQueue
	chunks   *MockChunks
	provider *MockProvider
	writer   *MockWriter
}

func newFixture() *fixture {
	return &fixture{
		queue:    new(MockQueue),
		chunks:   new(MockChunks),
		provider: &MockProvider{name: "openai"},
		writer:   new(MockWriter),
	}
}

func (f *fixture) processor(t *testing.T, cfg worker.Config, opts ...worker.Option) *worker.Processor {
	t.Helper()
	opts = append([]worker.Option{worker.WithClock(func() time.Time { return fixedNow })}, opts...)
	p, err := worker.NewProcessor(f.queue, f.chunks, provider.NewRegistry(f.provider), f.writer, cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(p.Release)
	return p
}

var claimedUntil = fixedNow.Add(time.Minute)

func item(id string, age time.Duration) queue.Item {
	return queue.Item{
		ID:            "q-" + id,
		LessonChunkID: id,
		Provider:      "openai",
		Model:         "text-embedding-ada-002",
		Status:        queue.StatusQueued,
		ClaimedUntil:  &claimedUntil,
		EnqueuedAt:    fixedNow.Add(-age),
	}
}

func TestProcessBatch_EmptyQueue(t *testing.T) {
	f := newFixture()
	p := f.processor(t, testConfig())

	f.queue.On("Claim", mock.Anything, fixedNow, time.Minute, 10).Return([]queue.Item{}, nil)

	s, err := p.ProcessBatch(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, 0, s.Processed)
	assert.Equal(t, 0, s.Failed)
	assert.NotNil(t, s.Results)
	assert.Empty(t, s.Results)
	f.provider.AssertNotCalled(t, "Embed", mock.Anything, mock.Anything, mock.Anything)
}

func TestProcessBatch_Success(t *testing.T) {
	f := newFixture()
	p := f.processor(t, testConfig())

	d := 3
	it := item("c1", time.Hour)
	it.Metadata = queue.Metadata{ConceptIDs: []string{"k1"}, Difficulty: &d}

	f.queue.On("Claim", mock.Anything, fixedNow, time.Minute, 5).Return([]queue.Item{it}, nil)
	f.chunks.On("Get", mock.Anything, "c1").Return(&chunk.Chunk{ID: "c1", Content: "Cells divide by mitosis."}, nil)
	f.provider.On("Embed", mock.Anything, "text-embedding-ada-002", "Cells divide by mitosis.").Return([]float32{0.1, 0.2}, nil)
	f.writer.On("Upsert", mock.Anything, mock.MatchedBy(func(e *embedding.Embedding) bool {
		var meta map[string]interface{}
		_ = json.Unmarshal(e.Metadata, &meta)
		return e.LessonChunkID == "c1" && e.Provider == "openai" && e.Model == "text-embedding-ada-002" &&
			len(e.Vector) == 2 && meta["difficulty"] == float64(3)
	})).Return(nil)
	f.queue.On("Delete", mock.Anything, "c1", claimedUntil).Return(nil)

	s, err := p.ProcessBatch(context.Background(), 5)
	require.NoError(t, err)
	assert.Equal(t, 1, s.Processed)
	assert.Equal(t, 0, s.Failed)
	assert.Equal(t, []worker.ItemResult{{LessonChunkID: "c1", Success: true}}, s.Results)
	f.writer.AssertExpectations(t)
	f.queue.AssertExpectations(t)
}

func TestProcessBatch_IsolatesFailures(t *testing.T) {
	f := newFixture()
	p := f.processor(t, testConfig())

	items := []queue.Item{item("c1", 3*time.Hour), item("c2", 2*time.Hour), item("c3", time.Hour)}
	f.queue.On("Claim", mock.Anything, fixedNow, time.Minute, 10).Return(items, nil)
	for _, id := range []string{"c1", "c2", "c3"} {
		f.chunks.On("Get", mock.Anything, id).Return(&chunk.Chunk{ID: id, Content: "text " + id}, nil)
	}
	f.provider.On("Embed", mock.Anything, mock.Anything, "text c1").Return([]float32{1}, nil)
	f.provider.On("Embed", mock.Anything, mock.Anything, "text c2").Return(nil, errors.New("503 service unavailable"))
	f.provider.On("Embed", mock.Anything, mock.Anything, "text c3").Return([]float32{3}, nil)
	f.writer.On("Upsert", mock.Anything, mock.Anything).Return(nil)
	f.queue.On("Delete", mock.Anything, "c1", mock.Anything).Return(nil)
	f.queue.On("Delete", mock.Anything, "c3", mock.Anything).Return(nil)
	f.queue.On("MarkFailed", mock.Anything, "c2", "503 service unavailable", fixedNow, 5).Return(1, queue.StatusQueued, nil)

	s, err := p.ProcessBatch(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, 2, s.Processed)
	assert.Equal(t, 1, s.Failed)
	require.Len(t, s.Results, 3)
	assert.Equal(t, "c1", s.Results[0].LessonChunkID)
	assert.Equal(t, worker.ItemResult{LessonChunkID: "c2", Error: "503 service unavailable", Attempts: 1}, s.Results[1])
	assert.True(t, s.Results[2].Success)

	f.queue.AssertNotCalled(t, "Delete", mock.Anything, "c2", mock.Anything)
	f.queue.AssertNumberOfCalls(t, "MarkFailed", 1)
}

func TestProcessBatch_Timeout(t *testing.T) {
	f := newFixture()
	cfg := testConfig()
	cfg.ProviderTimeout = 20 * time.Millisecond
	p := f.processor(t, cfg)

	f.queue.On("Claim", mock.Anything, fixedNow, time.Minute, 10).Return([]queue.Item{item("c1", time.Hour)}, nil)
	f.chunks.On("Get", mock.Anything, "c1").Return(&chunk.Chunk{ID: "c1", Content: "slow"}, nil)
	f.provider.On("Embed", mock.Anything, mock.Anything, "slow").Return(func(ctx context.Context) ([]float32, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}, nil)
	f.queue.On("MarkFailed", mock.Anything, "c1", "timeout", fixedNow, 5).Return(1, queue.StatusQueued, nil)

	s, err := p.ProcessBatch(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, 0, s.Processed)
	assert.Equal(t, 1, s.Failed)
	assert.Equal(t, worker.ItemResult{LessonChunkID: "c1", Error: "timeout", Attempts: 1}, s.Results[0])
	f.writer.AssertNotCalled(t, "Upsert", mock.Anything, mock.Anything)
}

func TestProcessBatch_ChunkDeletedAfterEnqueue(t *testing.T) {
	f := newFixture()
	p := f.processor(t, testConfig())

	f.queue.On("Claim", mock.Anything, fixedNow, time.Minute, 10).Return([]queue.Item{item("gone", time.Hour)}, nil)
	f.chunks.On("Get", mock.Anything, "gone").Return(nil, sql.ErrNoRows)
	f.queue.On("Delete", mock.Anything, "gone", mock.Anything).Return(nil)

	s, err := p.ProcessBatch(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, 1, s.Failed)
	assert.Equal(t, worker.ItemResult{LessonChunkID: "gone", Error: "Lesson chunk not found"}, s.Results[0])
	f.queue.AssertCalled(t, "Delete", mock.Anything, "gone", mock.Anything)
	f.queue.AssertNotCalled(t, "MarkFailed", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	f.provider.AssertNotCalled(t, "Embed", mock.Anything, mock.Anything, mock.Anything)
}

func TestProcessBatch_DeadLetter(t *testing.T) {
	f := newFixture()
	p := f.processor(t, testConfig())

	it := item("c1", time.Hour)
	it.Attempts = 4
	f.queue.On("Claim", mock.Anything, fixedNow, time.Minute, 10).Return([]queue.Item{it}, nil)
	f.chunks.On("Get", mock.Anything, "c1").Return(&chunk.Chunk{ID: "c1", Content: "x"}, nil)
	f.provider.On("Embed", mock.Anything, mock.Anything, "x").Return(nil, errors.New("401 invalid api key"))
	f.queue.On("MarkFailed", mock.Anything, "c1", "401 invalid api key", fixedNow, 5).Return(5, queue.StatusDeadLetter, nil)

	s, err := p.ProcessBatch(context.Background(), 0)
	require.NoError(t, err)
	assert.True(t, s.Results[0].DeadLettered)
	assert.Equal(t, 5, s.Results[0].Attempts)
}

func TestProcessBatch_EmptyVectorIsFailure(t *testing.T) {
	f := newFixture()
	p := f.processor(t, testConfig())

	f.queue.On("Claim", mock.Anything, fixedNow, time.Minute, 10).Return([]queue.Item{item("c1", time.Hour)}, nil)
	f.chunks.On("Get", mock.Anything, "c1").Return(&chunk.Chunk{ID: "c1", Content: "x"}, nil)
	f.provider.On("Embed", mock.Anything, mock.Anything, "x").Return([]float32{}, nil)
	f.queue.On("MarkFailed", mock.Anything, "c1", provider.ErrEmptyEmbedding.Error(), fixedNow, 5).Return(1, queue.StatusQueued, nil)

	s, err := p.ProcessBatch(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, 1, s.Failed)
	f.writer.AssertNotCalled(t, "Upsert", mock.Anything, mock.Anything)
}

func TestProcessBatch_UnknownProvider(t *testing.T) {
	f := newFixture()
	p := f.processor(t, testConfig())

	it := item("c1", time.Hour)
	it.Provider = "retired"
	f.queue.On("Claim", mock.Anything, fixedNow, time.Minute, 10).Return([]queue.Item{it}, nil)
	f.chunks.On("Get", mock.Anything, "c1").Return(&chunk.Chunk{ID: "c1", Content: "x"}, nil)
	f.queue.On("MarkFailed", mock.Anything, "c1", mock.MatchedBy(func(msg string) bool {
		return strings.Contains(msg, "unknown embedding provider")
	}), fixedNow, 5).Return(1, queue.StatusQueued, nil)

	s, err := p.ProcessBatch(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, 1, s.Failed)
}

func TestProcessBatch_StorageWriteFailure(t *testing.T) {
	f := newFixture()
	p := f.processor(t, testConfig())

	f.queue.On("Claim", mock.Anything, fixedNow, time.Minute, 10).Return([]queue.Item{item("c1", time.Hour)}, nil)
	f.chunks.On("Get", mock.Anything, "c1").Return(&chunk.Chunk{ID: "c1", Content: "x"}, nil)
	f.provider.On("Embed", mock.Anything, mock.Anything, "x").Return([]float32{1}, nil)
	f.writer.On("Upsert", mock.Anything, mock.Anything).Return(errors.New("disk full"))
	f.queue.On("MarkFailed", mock.Anything, "c1", "store embedding: disk full", fixedNow, 5).Return(1, queue.StatusQueued, nil)

	s, err := p.ProcessBatch(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, 1, s.Failed)
	f.queue.AssertNotCalled(t, "Delete", mock.Anything, "c1", mock.Anything)
}

func TestProcessBatch_DeleteFailureAfterWriteIsRetried(t *testing.T) {
	f := newFixture()
	p := f.processor(t, testConfig())

	f.queue.On("Claim", mock.Anything, fixedNow, time.Minute, 10).Return([]queue.Item{item("c1", time.Hour)}, nil)
	f.chunks.On("Get", mock.Anything, "c1").Return(&chunk.Chunk{ID: "c1", Content: "x"}, nil)
	f.provider.On("Embed", mock.Anything, mock.Anything, "x").Return([]float32{1}, nil)
	f.writer.On("Upsert", mock.Anything, mock.Anything).Return(nil)
	f.queue.On("Delete", mock.Anything, "c1", mock.Anything).Return(errors.New("connection reset"))
	f.queue.On("MarkFailed", mock.Anything, "c1", "remove queue item: connection reset", fixedNow, 5).Return(1, queue.StatusQueued, nil)

	s, err := p.ProcessBatch(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, 1, s.Failed)
}

func TestProcessBatch_ClaimFailure(t *testing.T) {
	f := newFixture()
	p := f.processor(t, testConfig())

	f.queue.On("Claim", mock.Anything, fixedNow, time.Minute, 10).Return(nil, errors.New("db down"))

	s, err := p.ProcessBatch(context.Background(), 0)
	assert.Nil(t, s)
	assert.ErrorIs(t, err, queue.ErrStorageFailure)
}

func TestProcessBatch_CallerCancelDoesNotAbandonBatch(t *testing.T) {
	f := newFixture()
	p := f.processor(t, testConfig())

	ctx, cancel := context.WithCancel(context.Background())

	f.queue.On("Claim", mock.Anything, fixedNow, time.Minute, 10).Return([]queue.Item{item("c1", time.Hour)}, nil)
	f.chunks.On("Get", mock.Anything, "c1").Return(&chunk.Chunk{ID: "c1", Content: "x"}, nil)
	f.provider.On("Embed", mock.Anything, mock.Anything, "x").Return(func(ctx context.Context) ([]float32, error) {
		cancel()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(20 * time.Millisecond):
			return []float32{1}, nil
		}
	}, nil)
	f.writer.On("Upsert", mock.Anything, mock.Anything).Return(nil)
	f.queue.On("Delete", mock.Anything, "c1", claimedUntil).Return(nil)

	s, err := p.ProcessBatch(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, s.Processed)
	assert.Equal(t, 0, s.Failed)
	f.queue.AssertNotCalled(t, "MarkFailed", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestProcessBatch_ReleaseKeepsAttempts(t *testing.T) {
	f := newFixture()
	p := f.processor(t, testConfig())

	f.queue.On("Claim", mock.Anything, fixedNow, time.Minute, 10).Return([]queue.Item{item("c1", time.Hour)}, nil)
	f.chunks.On("Get", mock.Anything, "c1").Return(&chunk.Chunk{ID: "c1", Content: "x"}, nil)
	f.provider.On("Embed", mock.Anything, mock.Anything, "x").Return(func(ctx context.Context) ([]float32, error) {
		go p.Release()
		<-ctx.Done()
		return nil, ctx.Err()
	}, nil)

	s, err := p.ProcessBatch(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, 1, s.Failed)
	assert.Zero(t, s.Results[0].Attempts)
	f.queue.AssertNotCalled(t, "MarkFailed", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	f.writer.AssertNotCalled(t, "Upsert", mock.Anything, mock.Anything)
}

func TestProcessBatch_OverlappingCallers(t *testing.T) {
	f := newFixture()
	p := f.processor(t, testConfig())

	started := make(chan struct{})
	unblock := make(chan struct{})
	f.queue.On("Claim", mock.Anything, fixedNow, time.Minute, 1).Return([]queue.Item{item("c1", time.Hour)}, nil).Once()
	f.queue.On("Claim", mock.Anything, fixedNow, time.Minute, 5).Return([]queue.Item{}, nil).Once()
	f.chunks.On("Get", mock.Anything, "c1").Return(&chunk.Chunk{ID: "c1", Content: "x"}, nil)
	f.provider.On("Embed", mock.Anything, mock.Anything, "x").Return(func(ctx context.Context) ([]float32, error) {
		close(started)
		select {
		case <-unblock:
			return []float32{1}, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}, nil).Once()
	f.writer.On("Upsert", mock.Anything, mock.Anything).Return(nil)
	f.queue.On("Delete", mock.Anything, "c1", claimedUntil).Return(nil)

	type result struct {
		s   *worker.Summary
		err error
	}
	ctxA, cancelA := context.WithCancel(context.Background())
	defer cancelA()
	resA := make(chan result, 1)
	go func() {
		s, err := p.ProcessBatch(ctxA, 1)
		resA <- result{s, err}
	}()
	<-started

	// A different limit gets its own run instead of A's result.
	sB, err := p.ProcessBatch(context.Background(), 5)
	require.NoError(t, err)
	assert.False(t, sB.Joined)
	assert.Empty(t, sB.Results)

	// A's caller goes away while its batch is mid-flight.
	cancelA()

	resC := make(chan result, 1)
	go func() {
		s, err := p.ProcessBatch(context.Background(), 1)
		resC <- result{s, err}
	}()
	time.Sleep(50 * time.Millisecond)
	close(unblock)

	a := <-resA
	require.NoError(t, a.err)
	assert.Equal(t, 1, a.s.Processed)
	assert.False(t, a.s.Joined)

	c := <-resC
	require.NoError(t, c.err)
	assert.True(t, c.s.Joined)
	assert.Equal(t, 1, c.s.Processed)

	f.queue.AssertNumberOfCalls(t, "Claim", 2)
	f.provider.AssertNumberOfCalls(t, "Embed", 1)
}

func TestProcessBatch_LeaseCoversWholeBatch(t *testing.T) {
	f := newFixture()
	locker := new(MockLocker)
	cfg := testConfig()
	cfg.Concurrency = 2
	cfg.ProviderTimeout = 10 * time.Second
	cfg.LeaseDuration = 30 * time.Second
	p := f.processor(t, cfg, worker.WithLocker(locker))

	// 9 items in waves of 2 is 5 provider timeouts, plus one of slack.
	locker.On("Acquire", mock.Anything, "embedding-queue-batch", time.Minute).Return(func() {}, true, nil)
	f.queue.On("Claim", mock.Anything, fixedNow, time.Minute, 9).Return([]queue.Item{}, nil)

	_, err := p.ProcessBatch(context.Background(), 9)
	require.NoError(t, err)
	locker.AssertExpectations(t)
	f.queue.AssertExpectations(t)
}

func TestProcessBatch_LeaseLostAfterWrite(t *testing.T) {
	f := newFixture()
	p := f.processor(t, testConfig())

	f.queue.On("Claim", mock.Anything, fixedNow, time.Minute, 10).Return([]queue.Item{item("c1", time.Hour)}, nil)
	f.chunks.On("Get", mock.Anything, "c1").Return(&chunk.Chunk{ID: "c1", Content: "x"}, nil)
	f.provider.On("Embed", mock.Anything, mock.Anything, "x").Return([]float32{1}, nil)
	f.writer.On("Upsert", mock.Anything, mock.Anything).Return(nil)
	f.queue.On("Delete", mock.Anything, "c1", claimedUntil).Return(queue.ErrLeaseLost)

	s, err := p.ProcessBatch(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, 1, s.Processed)
	f.queue.AssertNotCalled(t, "MarkFailed", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestProcessBatch_LeaseLostOnFailure(t *testing.T) {
	f := newFixture()
	p := f.processor(t, testConfig())

	f.queue.On("Claim", mock.Anything, fixedNow, time.Minute, 10).Return([]queue.Item{item("c1", time.Hour)}, nil)
	f.chunks.On("Get", mock.Anything, "c1").Return(&chunk.Chunk{ID: "c1", Content: "x"}, nil)
	f.provider.On("Embed", mock.Anything, mock.Anything, "x").Return(nil, errors.New("503 service unavailable"))
	f.queue.On("MarkFailed", mock.Anything, "c1", "503 service unavailable", fixedNow, 5).Return(0, queue.Status(""), queue.ErrLeaseLost)

	s, err := p.ProcessBatch(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, 1, s.Failed)
	assert.Equal(t, worker.ItemResult{LessonChunkID: "c1", Error: "503 service unavailable"}, s.Results[0])
}

func TestProcessBatch_FailureCarriesLeaseAndBackoff(t *testing.T) {
	f := newFixture()
	cfg := testConfig()
	cfg.RetryBaseDelay = 30 * time.Second
	cfg.RetryMaxDelay = time.Hour
	p := f.processor(t, cfg)

	f.queue.On("Claim", mock.Anything, fixedNow, time.Minute, 10).Return([]queue.Item{item("c1", time.Hour)}, nil)
	f.chunks.On("Get", mock.Anything, "c1").Return(&chunk.Chunk{ID: "c1", Content: "x"}, nil)
	f.provider.On("Embed", mock.Anything, mock.Anything, "x").Return(nil, errors.New("429 rate limited"))
	f.queue.On("MarkFailed", mock.Anything, "c1", "429 rate limited", fixedNow, 5).Return(1, queue.StatusQueued, nil)

	_, err := p.ProcessBatch(context.Background(), 0)
	require.NoError(t, err)

	failures := f.queue.Failures()
	require.Len(t, failures, 1)
	assert.Equal(t, claimedUntil, failures[0].ClaimedUntil)
	assert.Equal(t, 30*time.Second, failures[0].RetryBase)
	assert.Equal(t, time.Hour, failures[0].RetryMax)
}

func TestProcessBatch_RunsItemsConcurrently(t *testing.T) {
	f := newFixture()
	cfg := testConfig()
	cfg.Concurrency = 4
	cfg.ProviderTimeout = 2 * time.Second
	p := f.processor(t, cfg)

	b := newBarrier(4)
	var items []queue.Item
	for i, id := range []string{"c1", "c2", "c3", "c4"} {
		items = append(items, item(id, time.Duration(4-i)*time.Minute))
		f.chunks.On("Get", mock.Anything, id).Return(&chunk.Chunk{ID: id, Content: id}, nil)
		f.queue.On("Delete", mock.Anything, id, mock.Anything).Return(nil)
	}
	f.queue.On("Claim", mock.Anything, fixedNow, time.Minute, 10).Return(items, nil)
	f.provider.On("Embed", mock.Anything, mock.Anything, mock.Anything).Return(func(ctx context.Context) ([]float32, error) {
		if err := b.wait(ctx); err != nil {
			return nil, err
		}
		return []float32{1}, nil
	}, nil)
	f.writer.On("Upsert", mock.Anything, mock.Anything).Return(nil)

	s, err := p.ProcessBatch(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, 4, s.Processed)
	// Results keep claim order regardless of completion order.
	for i, id := range []string{"c1", "c2", "c3", "c4"} {
		assert.Equal(t, id, s.Results[i].LessonChunkID)
	}
}

func TestProcessBatch_LockHeldElsewhere(t *testing.T) {
	f := newFixture()
	locker := new(MockLocker)
	p := f.processor(t, testConfig(), worker.WithLocker(locker))

	locker.On("Acquire", mock.Anything, "embedding-queue-batch", time.Minute).Return(nil, false, nil)

	s, err := p.ProcessBatch(context.Background(), 0)
	require.NoError(t, err)
	assert.True(t, s.Skipped)
	assert.NotNil(t, s.Results)
	f.queue.AssertNotCalled(t, "Claim", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestProcessBatch_LockAcquiredAndReleased(t *testing.T) {
	f := newFixture()
	locker := new(MockLocker)
	p := f.processor(t, testConfig(), worker.WithLocker(locker))

	released := false
	locker.On("Acquire", mock.Anything, "embedding-queue-batch", time.Minute).Return(func() { released = true }, true, nil)
	f.queue.On("Claim", mock.Anything, fixedNow, time.Minute, 10).Return([]queue.Item{}, nil)

	_, err := p.ProcessBatch(context.Background(), 0)
	require.NoError(t, err)
	assert.True(t, released)
}

func TestProcessBatch_LockErrorFallsBackToLease(t *testing.T) {
	f := newFixture()
	locker := new(MockLocker)
	p := f.processor(t, testConfig(), worker.WithLocker(locker))

	locker.On("Acquire", mock.Anything, mock.Anything, mock.Anything).Return(nil, false, errors.New("redis down"))
	f.queue.On("Claim", mock.Anything, fixedNow, time.Minute, 10).Return([]queue.Item{}, nil)

	s, err := p.ProcessBatch(context.Background(), 0)
	require.NoError(t, err)
	assert.False(t, s.Skipped)
	f.queue.AssertCalled(t, "Claim", mock.Anything, fixedNow, time.Minute, 10)
}

func TestNewProcessor_InvalidConfig(t *testing.T) {
	f := newFixture()
	registry := provider.NewRegistry(f.provider)

	tests := []struct {
		name   string
		mutate func(*worker.Config)
	}{
		{"zero batch", func(c *worker.Config) { c.BatchSize = 0 }},
		{"zero attempts", func(c *worker.Config) { c.MaxAttempts = 0 }},
		{"zero timeout", func(c *worker.Config) { c.ProviderTimeout = 0 }},
		{"lease shorter than timeout", func(c *worker.Config) { c.LeaseDuration = c.ProviderTimeout }},
		{"negative retry delay", func(c *worker.Config) { c.RetryBaseDelay = -time.Second }},
		{"retry max below base", func(c *worker.Config) {
			c.RetryBaseDelay = time.Minute
			c.RetryMaxDelay = time.Second
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			tt.mutate(&cfg)
			_, err := worker.NewProcessor(f.queue, f.chunks, registry, f.writer, cfg)
			assert.ErrorIs(t, err, worker.ErrInvalidConfig)
		})
	}
}
