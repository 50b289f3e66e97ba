package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

var (
	ErrMissingRequired = errors.New("missing required configuration")
	ErrInvalidValue    = errors.New("invalid configuration value")
)

type Config struct {
	DBHost string `envconfig:"DB_HOST" default:"postgres"`
	DBPort int    `envconfig:"DB_PORT" default:"5432"`
	DBUser string `envconfig:"DB_USER" default:"academy"`
	DBPass string `envconfig:"DB_PASS" default:"password"`
	DBName string `envconfig:"DB_NAME" default:"academy"`

	// Vector mirror. Postgres stays the system of record for embeddings.
	WeaviateEnabled bool   `envconfig:"WEAVIATE_ENABLED" default:"false"`
	WeaviateHost    string `envconfig:"WEAVIATE_HOST" default:"localhost:8080"`
	WeaviateScheme  string `envconfig:"WEAVIATE_SCHEME" default:"http"`

	NSQLookupd string `envconfig:"NSQ_LOOKUPD" default:"nsqlookupd:4161"`
	NSQDHost   string `envconfig:"NSQD_HOST" default:"nsqd:4150"`
	NSQDHTTP   string `envconfig:"NSQD_HTTP" default:"nsqd:4151"`

	// Optional cross-instance batch lock. Empty disables it.
	RedisAddr string `envconfig:"REDIS_ADDR"`
	RedisDB   int    `envconfig:"REDIS_DB" default:"0"`

	EnableAPI           bool   `envconfig:"ENABLE_API" default:"true"`
	EnableScheduler     bool   `envconfig:"ENABLE_SCHEDULER" default:"true"`
	EnableNudgeConsumer bool   `envconfig:"ENABLE_NUDGE_CONSUMER" default:"true"`
	MigrationPath       string `envconfig:"MIGRATION_PATH" default:"file://migrations"`

	// Providers
	GeminiAPIKey            string `envconfig:"GEMINI_API_KEY"`
	OpenAIAPIKey            string `envconfig:"OPENAI_API_KEY"`
	OpenAIBaseURL           string `envconfig:"OPENAI_BASE_URL"`
	CompatibleEmbeddingHost string `envconfig:"COMPATIBLE_EMBEDDING_HOST"`
	DefaultProvider         string `envconfig:"DEFAULT_EMBEDDING_PROVIDER" default:"openai"`
	DefaultModel            string `envconfig:"DEFAULT_EMBEDDING_MODEL" default:"text-embedding-ada-002"`

	// Queue processing
	BatchSize         int           `envconfig:"BATCH_SIZE" default:"10"`
	MaxAttempts       int           `envconfig:"MAX_ATTEMPTS" default:"5"`
	WorkerConcurrency int           `envconfig:"WORKER_CONCURRENCY" default:"4"`
	LeaseDuration     time.Duration `envconfig:"LEASE_DURATION" default:"5m"`
	ProviderTimeout   time.Duration `envconfig:"PROVIDER_TIMEOUT" default:"30s"`
	ProcessInterval   time.Duration `envconfig:"PROCESS_INTERVAL" default:"2m"`
	// Failed items wait RETRY_BASE_DELAY * 2^(attempts-1), capped at RETRY_MAX_DELAY.
	RetryBaseDelay time.Duration `envconfig:"RETRY_BASE_DELAY" default:"30s"`
	RetryMaxDelay  time.Duration `envconfig:"RETRY_MAX_DELAY" default:"1h"`

	// Server
	ServerPort int `envconfig:"SERVER_PORT" default:"8081"`

	// Resilience
	BootstrapRetryAttempts     int `envconfig:"BOOTSTRAP_RETRY_ATTEMPTS" default:"10"`
	BootstrapRetryDelaySeconds int `envconfig:"BOOTSTRAP_RETRY_DELAY_SECONDS" default:"2"`
}

func Load() (*Config, error) {
	// Env vars set in the shell win; a missing .env is fine.
	_ = godotenv.Load(".env")

	cwd, _ := os.Getwd()
	_ = godotenv.Load(filepath.Join(cwd, "../../.env"))

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.DBHost == "" {
		return fmt.Errorf("%w: DB_HOST", ErrMissingRequired)
	}
	if c.DBUser == "" {
		return fmt.Errorf("%w: DB_USER", ErrMissingRequired)
	}
	if c.DBName == "" {
		return fmt.Errorf("%w: DB_NAME", ErrMissingRequired)
	}
	if c.DefaultProvider == "" {
		return fmt.Errorf("%w: DEFAULT_EMBEDDING_PROVIDER", ErrMissingRequired)
	}
	if c.DefaultModel == "" {
		return fmt.Errorf("%w: DEFAULT_EMBEDDING_MODEL", ErrMissingRequired)
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("%w: BATCH_SIZE must be positive", ErrInvalidValue)
	}
	if c.MaxAttempts <= 0 {
		return fmt.Errorf("%w: MAX_ATTEMPTS must be positive", ErrInvalidValue)
	}
	if c.WorkerConcurrency <= 0 {
		return fmt.Errorf("%w: WORKER_CONCURRENCY must be positive", ErrInvalidValue)
	}
	if c.ProviderTimeout <= 0 {
		return fmt.Errorf("%w: PROVIDER_TIMEOUT must be positive", ErrInvalidValue)
	}
	// A lease shorter than one provider call would let a second run steal a live item.
	if c.LeaseDuration <= c.ProviderTimeout {
		return fmt.Errorf("%w: LEASE_DURATION must exceed PROVIDER_TIMEOUT", ErrInvalidValue)
	}
	if c.RetryBaseDelay < 0 {
		return fmt.Errorf("%w: RETRY_BASE_DELAY must not be negative", ErrInvalidValue)
	}
	if c.RetryMaxDelay < c.RetryBaseDelay {
		return fmt.Errorf("%w: RETRY_MAX_DELAY must not be below RETRY_BASE_DELAY", ErrInvalidValue)
	}
	return nil
}
