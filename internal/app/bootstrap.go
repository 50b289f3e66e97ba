package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	_ "github.com/lib/pq"
	"github.com/nsqio/go-nsq"
	"github.com/redis/go-redis/v9"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"

	"academy/backend/features/embedding"
	"academy/backend/internal/adapter/redislock"
	wstore "academy/backend/internal/adapter/weaviate"
	"academy/backend/internal/config"
	"academy/backend/internal/worker"
)

// Publisher is satisfied by *nsq.Producer.
type Publisher interface {
	Publish(topic string, body []byte) error
}

// Mirror receives a copy of every stored embedding.
type Mirror interface {
	Upsert(ctx context.Context, e *embedding.Embedding) error
	Count(ctx context.Context) (int, error)
}

type SchemaEnsurer interface {
	EnsureSchema(ctx context.Context) error
}

// Dependencies holds external connections. Publisher, Mirror and Locker are
// optional and stay nil when not configured.
type Dependencies struct {
	DB        *sql.DB
	Publisher Publisher
	Mirror    Mirror
	Locker    worker.Locker

	producer *nsq.Producer
	redis    *redis.Client
}

func Bootstrap(ctx context.Context, cfg *config.Config) (*Dependencies, error) {
	db, err := OpenDB(cfg)
	if err != nil {
		return nil, err
	}

	if err := Migrate(db, cfg.MigrationPath); err != nil {
		db.Close()
		return nil, err
	}

	deps := &Dependencies{DB: db}
	retryDelay := time.Duration(cfg.BootstrapRetryDelaySeconds) * time.Second

	// Weaviate
	if cfg.WeaviateEnabled {
		wClient, err := weaviate.NewClient(weaviate.Config{Host: cfg.WeaviateHost, Scheme: cfg.WeaviateScheme})
		if err != nil {
			deps.Close()
			return nil, fmt.Errorf("weaviate client error: %w", err)
		}
		store := wstore.NewStore(wClient)
		if err := EnsureSchemaWithRetry(ctx, store, cfg.BootstrapRetryAttempts, retryDelay); err != nil {
			deps.Close()
			return nil, fmt.Errorf("weaviate schema error: %w", err)
		}
		deps.Mirror = store
	}

	// NSQ Producer
	producer, err := nsq.NewProducer(cfg.NSQDHost, nsq.NewConfig())
	if err != nil {
		deps.Close()
		return nil, fmt.Errorf("nsq producer error: %w", err)
	}
	deps.producer = producer
	deps.Publisher = producer
	createTopics(cfg.NSQDHTTP)

	// Redis batch lock
	if cfg.RedisAddr != "" {
		client, err := redislock.NewClient(ctx, redislock.Config{Addr: cfg.RedisAddr, DB: cfg.RedisDB})
		if err != nil {
			// Leases still keep instances apart without the lock.
			slog.Warn("redis unavailable, batch lock disabled", "addr", cfg.RedisAddr, "error", err)
		} else {
			deps.redis = client
			deps.Locker = redislock.NewLocker(client)
		}
	}

	return deps, nil
}

// OpenDB connects to Postgres, retrying the first ping while the database starts.
func OpenDB(cfg *config.Config) (*sql.DB, error) {
	dsn := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=disable",
		cfg.DBHost, cfg.DBPort, cfg.DBUser, cfg.DBPass, cfg.DBName)

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open db: %w", err)
	}

	retryDelay := time.Duration(cfg.BootstrapRetryDelaySeconds) * time.Second
	for i := 0; i < cfg.BootstrapRetryAttempts; i++ {
		if err := db.Ping(); err == nil {
			break
		}
		slog.Warn("failed to ping db, retrying...", "attempt", i+1)
		time.Sleep(retryDelay)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping db: %w", err)
	}
	return db, nil
}

func Migrate(db *sql.DB, path string) error {
	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("migration driver error: %w", err)
	}
	m, err := migrate.NewWithDatabaseInstance(path, "postgres", driver)
	if err != nil {
		return fmt.Errorf("migration instance error: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration up error: %w", err)
	}
	slog.Info("migrations applied successfully")
	return nil
}

// ConnectNudgeConsumer subscribes h to enqueue nudges. The caller stops the
// returned consumer on shutdown.
func ConnectNudgeConsumer(cfg *config.Config, h nsq.Handler) (*nsq.Consumer, error) {
	consumer, err := nsq.NewConsumer(config.TopicEmbeddingQueued, config.ChannelQueueProcessor, nsq.NewConfig())
	if err != nil {
		return nil, fmt.Errorf("nsq consumer error: %w", err)
	}
	consumer.AddHandler(h)
	if err := consumer.ConnectToNSQLookupd(cfg.NSQLookupd); err != nil {
		consumer.Stop()
		return nil, fmt.Errorf("connect to nsqlookupd: %w", err)
	}
	return consumer, nil
}

func (d *Dependencies) Close() {
	if d.producer != nil {
		d.producer.Stop()
	}
	if d.redis != nil {
		if err := d.redis.Close(); err != nil {
			slog.Warn("failed to close redis client", "error", err)
		}
	}
	if d.DB != nil {
		if err := d.DB.Close(); err != nil {
			slog.Warn("failed to close db", "error", err)
		}
	}
}

func createTopics(nsqdHTTP string) {
	create := func(topic string) {
		url := fmt.Sprintf("http://%s/topic/create?topic=%s", nsqdHTTP, topic)
		resp, err := http.Post(url, "application/json", nil) // #nosec G107 -- URL is built from internal NSQ config, not user input
		if err != nil {
			slog.Warn("failed to create NSQ topic", "topic", topic, "error", err)
			return
		}
		if closeErr := resp.Body.Close(); closeErr != nil {
			slog.Warn("failed to close NSQ topic creation response body", "error", closeErr)
		}
	}

	go func() {
		time.Sleep(2 * time.Second)
		create(config.TopicEmbeddingQueued)
	}()
}

// EnsureSchemaWithRetry delegates schema check to a helper with retry logic.
func EnsureSchemaWithRetry(ctx context.Context, store SchemaEnsurer, attempts int, delay time.Duration) error {
	if attempts < 1 {
		attempts = 1
	}
	var err error
	for i := 0; i < attempts; i++ {
		if err = store.EnsureSchema(ctx); err == nil {
			return nil
		}
		if i < attempts-1 {
			time.Sleep(delay)
		}
	}
	return err
}
