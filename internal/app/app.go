package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"academy/backend/features/chunk"
	"academy/backend/features/embedding"
	"academy/backend/features/queue"
	"academy/backend/features/stats"
	"academy/backend/internal/adapter/compatible"
	"academy/backend/internal/adapter/gemini"
	"academy/backend/internal/adapter/openai"
	"academy/backend/internal/config"
	"academy/backend/internal/middleware"
	"academy/backend/internal/provider"
	"academy/backend/internal/scheduler"
	"academy/backend/internal/settings"
	"academy/backend/internal/worker"
)

// maxBatchSize caps ?batch_size on the process endpoint.
const maxBatchSize = 100

var ErrMirrorDisabled = errors.New("app: no embedding mirror configured")

type App struct {
	Handler       http.Handler
	Processor     *worker.Processor
	NudgeConsumer *worker.NudgeConsumer
	Scheduler     *scheduler.Ticker
	Providers     *provider.Registry

	cfg        *config.Config
	gemini     *gemini.DynamicEmbedder
	embeddings *embedding.PostgresRepo
	mirror     Mirror
	logger     *slog.Logger
}

func New(cfg *config.Config, deps *Dependencies, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if deps == nil || deps.DB == nil {
		return nil, errors.New("app: database is required")
	}

	// Feature: Settings
	settingsRepo := settings.NewPostgresRepo(deps.DB)
	settingsService := settings.NewService(settingsRepo)
	if cfg.GeminiAPIKey != "" || cfg.OpenAIAPIKey != "" {
		if err := settingsService.Seed(context.Background(), cfg.GeminiAPIKey, cfg.OpenAIAPIKey); err != nil {
			logger.Warn("failed to seed provider api keys", "error", err)
		} else {
			logger.Info("seeded provider api keys from environment")
		}
	}
	settingsHandler := settings.NewHandler(settingsService)

	// Providers
	geminiEmbedder := gemini.NewDynamicEmbedder(settingsService)
	registry := provider.NewRegistry(
		geminiEmbedder,
		openai.NewEmbedder(settingsService, cfg.OpenAIBaseURL),
	)
	if cfg.CompatibleEmbeddingHost != "" {
		c, err := compatible.NewEmbedder(cfg.CompatibleEmbeddingHost)
		if err != nil {
			return nil, fmt.Errorf("compatible provider: %w", err)
		}
		registry.Register(c)
	}
	if !registry.Has(cfg.DefaultProvider) {
		return nil, fmt.Errorf("%w: DEFAULT_EMBEDDING_PROVIDER %q is not one of %v",
			config.ErrInvalidValue, cfg.DefaultProvider, registry.Names())
	}

	// Feature: Queue
	chunkRepo := chunk.NewPostgresRepo(deps.DB)
	queueRepo := queue.NewPostgresRepo(deps.DB)
	queueService := queue.NewService(queueRepo, chunkRepo, registry, deps.Publisher,
		queue.Defaults{Provider: cfg.DefaultProvider, Model: cfg.DefaultModel}, logger)
	queueHandler := queue.NewHandler(queueService)

	// Feature: Embedding storage
	embeddingRepo := embedding.NewPostgresRepo(deps.DB)
	var writer embedding.Writer = embeddingRepo
	if deps.Mirror != nil {
		writer = embedding.NewFanout(embeddingRepo, logger, deps.Mirror)
	}

	// Worker
	opts := []worker.Option{worker.WithLogger(logger)}
	if deps.Locker != nil {
		opts = append(opts, worker.WithLocker(deps.Locker))
	}
	processor, err := worker.NewProcessor(queueRepo, chunkRepo, registry, writer, worker.Config{
		BatchSize:       cfg.BatchSize,
		MaxAttempts:     cfg.MaxAttempts,
		Concurrency:     cfg.WorkerConcurrency,
		LeaseDuration:   cfg.LeaseDuration,
		ProviderTimeout: cfg.ProviderTimeout,
		RetryBaseDelay:  cfg.RetryBaseDelay,
		RetryMaxDelay:   cfg.RetryMaxDelay,
	}, opts...)
	if err != nil {
		return nil, err
	}
	processHandler := worker.NewHandler(processor, maxBatchSize)

	// Feature: Stats
	var mirror stats.EmbeddingCounter
	if deps.Mirror != nil {
		mirror = deps.Mirror
	}
	statsHandler := stats.NewHandler(queueService, embeddingRepo, mirror)

	// Routes
	mux := http.NewServeMux()
	route := func(pattern string, h http.HandlerFunc) {
		mux.Handle(pattern, middleware.CorrelationID(middleware.CORS(h)))
	}

	route("POST /embeddings/queue", queueHandler.Enqueue)
	route("OPTIONS /embeddings/queue", queueHandler.Enqueue)
	route("POST /embeddings/queue/process", processHandler.Process)
	route("OPTIONS /embeddings/queue/process", processHandler.Process)
	route("GET /embeddings/queue/dead-letters", queueHandler.ListDeadLetters)
	route("POST /embeddings/queue/{chunkID}/retry", queueHandler.Retry)

	route("GET /settings", settingsHandler.GetSettings)
	route("PUT /settings", settingsHandler.UpdateSettings)

	route("GET /stats", statsHandler.GetStats)

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok"}`))
	})

	return &App{
		Handler:       mux,
		Processor:     processor,
		NudgeConsumer: worker.NewNudgeConsumer(processor, cfg.LeaseDuration),
		Scheduler:     scheduler.New(cfg.ProcessInterval),
		Providers:     registry,
		cfg:           cfg,
		gemini:        geminiEmbedder,
		embeddings:    embeddingRepo,
		mirror:        deps.Mirror,
		logger:        logger,
	}, nil
}

// RunBatch processes one batch outside the HTTP surface, for the scheduler and
// the process command.
func (a *App) RunBatch(ctx context.Context) (*worker.Summary, error) {
	return a.Processor.ProcessBatch(ctx, 0)
}

// ResyncMirror copies every stored embedding into the mirror and returns how
// many were copied.
func (a *App) ResyncMirror(ctx context.Context, pageSize int) (int, error) {
	if a.mirror == nil {
		return 0, ErrMirrorDisabled
	}
	return embedding.Resync(ctx, a.embeddings, a.mirror, pageSize, a.logger)
}

// Run serves HTTP and runs the background triggers enabled in config until ctx
// is done.
func (a *App) Run(ctx context.Context) error {
	if a.cfg.EnableScheduler {
		go a.Scheduler.Run(ctx, func(ctx context.Context) {
			if _, err := a.RunBatch(ctx); err != nil {
				a.logger.ErrorContext(ctx, "scheduled batch failed", "error", err)
			}
		})
	}

	if !a.cfg.EnableAPI {
		<-ctx.Done()
		return nil
	}

	addr := fmt.Sprintf(":%d", a.cfg.ServerPort)
	srv := &http.Server{
		Addr:              addr,
		Handler:           a.Handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		a.logger.Info("shutting down server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("server shutdown failed", "error", err)
		}
	}()

	a.logger.Info("server starting", "port", a.cfg.ServerPort)
	if err := srv.ListenAndServe(); err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (a *App) Close() {
	a.Processor.Release()
	if err := a.gemini.Close(); err != nil {
		a.logger.Warn("failed to close gemini clients", "error", err)
	}
}
