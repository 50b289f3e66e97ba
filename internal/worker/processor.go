package worker

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"
	"golang.org/x/sync/singleflight"

	"academy/backend/features/embedding"
	"academy/backend/features/queue"
	"academy/backend/internal/provider"
)

const (
	MsgChunkNotFound = "Lesson chunk not found"
	MsgTimeout       = "timeout"

	batchLockKey = "embedding-queue-batch"
)

var ErrInvalidConfig = errors.New("invalid processor config")

type Config struct {
	BatchSize   int
	MaxAttempts int
	Concurrency int
	// LeaseDuration is the minimum lease. Larger batches get a longer one, see leaseFor.
	LeaseDuration   time.Duration
	ProviderTimeout time.Duration
	RetryBaseDelay  time.Duration
	RetryMaxDelay   time.Duration
}

type Option func(*Processor)

func WithClock(now func() time.Time) Option {
	return func(p *Processor) { p.now = now }
}

func WithLocker(l Locker) Option {
	return func(p *Processor) { p.locker = l }
}

func WithLogger(logger *slog.Logger) Option {
	return func(p *Processor) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// Processor drains the embedding queue one batch at a time.
type Processor struct {
	queue     QueueStore
	chunks    ChunkReader
	providers ProviderResolver
	writer    EmbeddingWriter
	cfg       Config

	pool   *ants.Pool
	group  singleflight.Group
	locker Locker
	now    func() time.Time
	logger *slog.Logger

	// ctx outlives callers and is cancelled by Release.
	ctx    context.Context
	cancel context.CancelFunc
}

func NewProcessor(q QueueStore, chunks ChunkReader, providers ProviderResolver, writer EmbeddingWriter, cfg Config, opts ...Option) (*Processor, error) {
	switch {
	case cfg.BatchSize <= 0:
		return nil, fmt.Errorf("%w: batch size must be positive", ErrInvalidConfig)
	case cfg.MaxAttempts <= 0:
		return nil, fmt.Errorf("%w: max attempts must be positive", ErrInvalidConfig)
	case cfg.ProviderTimeout <= 0:
		return nil, fmt.Errorf("%w: provider timeout must be positive", ErrInvalidConfig)
	case cfg.LeaseDuration <= cfg.ProviderTimeout:
		return nil, fmt.Errorf("%w: lease must exceed provider timeout", ErrInvalidConfig)
	case cfg.RetryBaseDelay < 0:
		return nil, fmt.Errorf("%w: retry base delay must not be negative", ErrInvalidConfig)
	case cfg.RetryMaxDelay < cfg.RetryBaseDelay:
		return nil, fmt.Errorf("%w: retry max delay must not be below the base delay", ErrInvalidConfig)
	}
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}

	pool, err := ants.NewPool(cfg.Concurrency)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Processor{
		ctx:       ctx,
		cancel:    cancel,
		queue:     q,
		chunks:    chunks,
		providers: providers,
		writer:    writer,
		cfg:       cfg,
		pool:      pool,
		now:       time.Now,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Release stops any in-flight batch and the worker pool. Items left unfinished
// keep their attempts and are reclaimed when their lease expires.
func (p *Processor) Release() {
	p.cancel()
	p.pool.Release()
}

// ProcessBatch claims up to maxItems queued items (BatchSize when maxItems <= 0)
// and embeds them. Per-item failures are reported in the summary; only a failed
// claim is returned as an error.
//
// The batch runs detached from ctx, so a caller going away does not abandon
// claimed items. Overlapping calls with the same limit share one run and the
// joiners get a copy marked Joined.
func (p *Processor) ProcessBatch(ctx context.Context, maxItems int) (*Summary, error) {
	if maxItems <= 0 {
		maxItems = p.cfg.BatchSize
	}
	leader := false
	key := fmt.Sprintf("%s:%d", batchLockKey, maxItems)
	v, err, _ := p.group.Do(key, func() (interface{}, error) {
		leader = true
		runCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.leaseFor(maxItems))
		defer cancel()
		stop := context.AfterFunc(p.ctx, cancel)
		defer stop()
		return p.run(runCtx, maxItems)
	})
	if err != nil {
		return nil, err
	}
	s := v.(*Summary)
	if !leader {
		p.logger.DebugContext(ctx, "joined in-flight batch", "limit", maxItems)
		joined := *s
		joined.Joined = true
		return &joined, nil
	}
	return s, nil
}

// leaseFor covers n items run Concurrency at a time, each bounded by
// ProviderTimeout, plus one timeout of slack for loading and storing. It never
// goes below LeaseDuration.
func (p *Processor) leaseFor(n int) time.Duration {
	waves := (n + p.cfg.Concurrency - 1) / p.cfg.Concurrency
	return max(time.Duration(waves+1)*p.cfg.ProviderTimeout, p.cfg.LeaseDuration)
}

func (p *Processor) run(ctx context.Context, maxItems int) (*Summary, error) {
	if p.locker != nil {
		release, ok, err := p.locker.Acquire(ctx, batchLockKey, p.leaseFor(maxItems))
		switch {
		case err != nil:
			// Leases still prevent double processing without the lock.
			p.logger.WarnContext(ctx, "batch lock unavailable, continuing", "error", err)
		case !ok:
			p.logger.InfoContext(ctx, "batch already running elsewhere")
			return &Summary{Results: []ItemResult{}, Skipped: true}, nil
		default:
			defer release()
		}
	}

	items, err := p.queue.Claim(ctx, p.now(), p.leaseFor(maxItems), maxItems)
	if err != nil {
		return nil, fmt.Errorf("%w: claim queue items: %w", queue.ErrStorageFailure, err)
	}

	summary := &Summary{Results: make([]ItemResult, len(items))}
	if len(items) == 0 {
		return summary, nil
	}
	p.logger.InfoContext(ctx, "processing embedding batch", "claimed", len(items))

	var wg sync.WaitGroup
	for i := range items {
		wg.Add(1)
		task := func() {
			defer wg.Done()
			summary.Results[i] = p.processItem(ctx, items[i])
		}
		if err := p.pool.Submit(task); err != nil {
			task()
		}
	}
	wg.Wait()

	for _, r := range summary.Results {
		if r.Success {
			summary.Processed++
		} else {
			summary.Failed++
		}
	}

	p.logger.InfoContext(ctx, "embedding batch finished", "processed", summary.Processed, "errors", summary.Failed)
	return summary, nil
}

func (p *Processor) processItem(ctx context.Context, it queue.Item) ItemResult {
	log := p.logger.With("lesson_chunk_id", it.LessonChunkID, "provider", it.Provider, "model", it.Model)

	c, err := p.chunks.Get(ctx, it.LessonChunkID)
	if errors.Is(err, sql.ErrNoRows) {
		// The chunk was deleted after enqueue. Retrying cannot succeed.
		if derr := p.queue.Delete(ctx, it.LessonChunkID, claimOf(it)); derr != nil {
			log.ErrorContext(ctx, "failed to drop orphaned queue item", "error", derr)
		}
		log.WarnContext(ctx, "queued chunk no longer exists, item removed")
		return ItemResult{LessonChunkID: it.LessonChunkID, Error: MsgChunkNotFound}
	}
	if err != nil {
		return p.fail(ctx, log, it, fmt.Sprintf("load chunk: %v", err))
	}

	prov, err := p.providers.Get(it.Provider)
	if err != nil {
		return p.fail(ctx, log, it, err.Error())
	}

	callCtx, cancel := context.WithTimeout(ctx, p.cfg.ProviderTimeout)
	vec, err := prov.Embed(callCtx, it.Model, c.Content)
	timedOut := errors.Is(callCtx.Err(), context.DeadlineExceeded)
	cancel()

	if err == nil && len(vec) == 0 {
		err = provider.ErrEmptyEmbedding
	}
	if err != nil {
		if ctx.Err() != nil {
			// Shutdown, not the provider's fault. The lease expires and the
			// item is picked up again without spending an attempt.
			log.WarnContext(ctx, "batch cancelled during provider call")
			return ItemResult{LessonChunkID: it.LessonChunkID, Error: ctx.Err().Error()}
		}
		if timedOut || errors.Is(err, context.DeadlineExceeded) {
			return p.fail(ctx, log, it, MsgTimeout)
		}
		return p.fail(ctx, log, it, err.Error())
	}

	meta, err := json.Marshal(it.Metadata)
	if err != nil {
		return p.fail(ctx, log, it, fmt.Sprintf("encode metadata: %v", err))
	}

	e := &embedding.Embedding{
		LessonChunkID: it.LessonChunkID,
		Provider:      it.Provider,
		Model:         it.Model,
		Vector:        vec,
		Metadata:      meta,
	}
	if err := p.writer.Upsert(ctx, e); err != nil {
		return p.fail(ctx, log, it, fmt.Sprintf("store embedding: %v", err))
	}

	// Commit point. If this fails the item is retried and the upsert above
	// overwrites the same embedding row.
	err = p.queue.Delete(ctx, it.LessonChunkID, claimOf(it))
	switch {
	case errors.Is(err, queue.ErrLeaseLost):
		// The embedding is stored. Whoever holds the item now rewrites the same row.
		log.WarnContext(ctx, "lease lost before queue item removal")
	case err != nil:
		return p.fail(ctx, log, it, fmt.Sprintf("remove queue item: %v", err))
	}

	log.InfoContext(ctx, "chunk embedded", "dimensions", len(vec))
	return ItemResult{LessonChunkID: it.LessonChunkID, Success: true}
}

func (p *Processor) fail(ctx context.Context, log *slog.Logger, it queue.Item, msg string) ItemResult {
	res := ItemResult{LessonChunkID: it.LessonChunkID, Error: msg}

	attempts, status, err := p.queue.MarkFailed(ctx, queue.Failure{
		LessonChunkID: it.LessonChunkID,
		ClaimedUntil:  claimOf(it),
		Message:       msg,
		At:            p.now(),
		MaxAttempts:   p.cfg.MaxAttempts,
		RetryBase:     p.cfg.RetryBaseDelay,
		RetryMax:      p.cfg.RetryMaxDelay,
	})
	if errors.Is(err, queue.ErrLeaseLost) {
		log.WarnContext(ctx, "lease lost, attempt not recorded", "cause", msg)
		return res
	}
	if err != nil {
		log.ErrorContext(ctx, "failed to record attempt", "error", err, "cause", msg)
		return res
	}
	res.Attempts = attempts
	res.DeadLettered = status == queue.StatusDeadLetter

	if res.DeadLettered {
		log.WarnContext(ctx, "item moved to dead letter", "attempts", attempts, "error", msg)
	} else {
		log.WarnContext(ctx, "embedding attempt failed", "attempts", attempts, "error", msg)
	}
	return res
}

func claimOf(it queue.Item) time.Time {
	if it.ClaimedUntil == nil {
		return time.Time{}
	}
	return *it.ClaimedUntil
}
