package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/nsqio/go-nsq"
	"github.com/urfave/cli/v2"

	"academy/backend/internal/app"
	"academy/backend/internal/config"
	"academy/backend/internal/logger"
)

// bootstrap is swapped in tests.
var bootstrap = app.Bootstrap

func main() {
	if err := newCLI().Run(os.Args); err != nil {
		slog.Error("command failed", "error", err)
		os.Exit(1)
	}
}

func newCLI() *cli.App {
	return &cli.App{
		Name:  "academy-backend",
		Usage: "Lesson content embedding pipeline",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "log-level",
				Aliases: []string{"l"},
				Usage:   "Set logging level (debug, info, warn, error)",
				Value:   "info",
			},
		},
		Before: setupLogger,
		Action: serveCommand,
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "Run the HTTP API, the scheduled processor and the NSQ nudge consumer",
				Action: serveCommand,
			},
			{
				Name:   "process",
				Usage:  "Process one batch of the embedding queue and print the summary",
				Action: processCommand,
				Flags: []cli.Flag{
					&cli.IntFlag{
						Name:  "batch-size",
						Usage: "Maximum items to claim (0 uses BATCH_SIZE)",
						Value: 0,
					},
				},
			},
			{
				Name:   "resync-mirror",
				Usage:  "Copy every stored embedding into the vector mirror",
				Action: resyncMirrorCommand,
				Flags: []cli.Flag{
					&cli.IntFlag{
						Name:  "page-size",
						Usage: "Embeddings read per page",
						Value: 100,
					},
				},
			},
			{
				Name:   "migrate",
				Usage:  "Apply database migrations and exit",
				Action: migrateCommand,
			},
		},
	}
}

func serveCommand(c *cli.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	return run(ctx, cfg, slog.Default())
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	deps, err := bootstrap(ctx, cfg)
	if err != nil {
		return err
	}
	defer deps.Close()

	application, err := app.New(cfg, deps, logger)
	if err != nil {
		return err
	}
	defer application.Close()

	if cfg.EnableNudgeConsumer {
		consumer, err := app.ConnectNudgeConsumer(cfg, nsq.HandlerFunc(application.NudgeConsumer.HandleMessage))
		if err != nil {
			// The scheduler still drains the queue without nudges.
			logger.Error("failed to start nudge consumer", "error", err)
		} else {
			logger.Info("NSQ nudge consumer connected")
			defer consumer.Stop()
		}
	}

	return application.Run(ctx)
}

func processCommand(c *cli.Context) error {
	application, cleanup, err := setupApp(c.Context)
	if err != nil {
		return err
	}
	defer cleanup()

	summary, err := application.Processor.ProcessBatch(c.Context, c.Int("batch-size"))
	if err != nil {
		return err
	}

	enc := json.NewEncoder(c.App.Writer)
	enc.SetIndent("", "  ")
	return enc.Encode(summary)
}

func resyncMirrorCommand(c *cli.Context) error {
	application, cleanup, err := setupApp(c.Context)
	if err != nil {
		return err
	}
	defer cleanup()

	n, err := application.ResyncMirror(c.Context, c.Int("page-size"))
	if err != nil {
		return err
	}
	slog.Info("mirror resync finished", "copied", n)
	return nil
}

// setupApp builds the application with the same dependencies as serve, so
// one-shot commands keep the mirror and the batch lock.
func setupApp(ctx context.Context) (*app.App, func(), error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}

	deps, err := bootstrap(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}

	application, err := app.New(cfg, deps, slog.Default())
	if err != nil {
		deps.Close()
		return nil, nil, err
	}
	return application, func() {
		application.Close()
		deps.Close()
	}, nil
}

func migrateCommand(c *cli.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	db, err := app.OpenDB(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	return app.Migrate(db, cfg.MigrationPath)
}

func setupLogger(c *cli.Context) error {
	levelStr := strings.ToLower(c.String("log-level"))

	var level slog.Level
	switch levelStr {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		return fmt.Errorf("invalid log level %q: must be one of debug, info, warn, error", levelStr)
	}

	slog.SetDefault(logger.New(os.Stdout, level))
	return nil
}
