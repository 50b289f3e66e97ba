package testutils

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"net"
	"path/filepath"
	"runtime"
	"strconv"
	"testing"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	_ "github.com/lib/pq"
	"github.com/nsqio/go-nsq"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"academy/backend/internal/config"
	"academy/backend/internal/logger"
)

type IntegrationSuite struct {
	T   *testing.T
	DB  *sql.DB
	NSQ *nsq.Producer

	pgContainer  *postgres.PostgresContainer
	nsqContainer testcontainers.Container

	pgHost   string
	pgPort   int
	nsqdAddr string
	nsqdHTTP string
}

func NewIntegrationSuite(t *testing.T) *IntegrationSuite {
	return &IntegrationSuite{T: t}
}

func (s *IntegrationSuite) Setup() {
	ctx := context.Background()

	// 1. Postgres
	pgContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("academy_test"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	require.NoError(s.T, err)
	s.pgContainer = pgContainer

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(s.T, err)

	s.DB, err = sql.Open("postgres", connStr)
	require.NoError(s.T, err)

	host, err := pgContainer.Host(ctx)
	require.NoError(s.T, err)
	port, err := pgContainer.MappedPort(ctx, "5432")
	require.NoError(s.T, err)
	s.pgHost = host
	s.pgPort = port.Int()

	m, err := migrate.New(MigrationPath(), connStr)
	require.NoError(s.T, err)
	require.NoError(s.T, m.Up())

	// 2. NSQ
	nsqReq := testcontainers.ContainerRequest{
		Image:        "nsqio/nsq:v1.3.0",
		ExposedPorts: []string{"4150/tcp", "4151/tcp"},
		Cmd:          []string{"/nsqd", "--broadcast-address=localhost"},
		WaitingFor:   wait.ForLog("TCP: listening on").WithStartupTimeout(60 * time.Second),
	}
	nsqC, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: nsqReq,
		Started:          true,
	})
	require.NoError(s.T, err)
	s.nsqContainer = nsqC

	nsqHost, err := nsqC.Host(ctx)
	require.NoError(s.T, err)
	tcpPort, err := nsqC.MappedPort(ctx, "4150")
	require.NoError(s.T, err)
	httpPort, err := nsqC.MappedPort(ctx, "4151")
	require.NoError(s.T, err)
	s.nsqdAddr = net.JoinHostPort(nsqHost, tcpPort.Port())
	s.nsqdHTTP = net.JoinHostPort(nsqHost, httpPort.Port())

	s.NSQ, err = nsq.NewProducer(s.nsqdAddr, nsq.NewConfig())
	require.NoError(s.T, err)
}

func (s *IntegrationSuite) Teardown() {
	ctx := context.Background()
	if s.NSQ != nil {
		s.NSQ.Stop()
	}
	if s.DB != nil {
		s.DB.Close()
	}
	if s.pgContainer != nil {
		s.pgContainer.Terminate(ctx)
	}
	if s.nsqContainer != nil {
		s.nsqContainer.Terminate(ctx)
	}
}

// MigrationPath points at the repository migrations regardless of the test's cwd.
func MigrationPath() string {
	_, b, _, _ := runtime.Caller(0)
	return fmt.Sprintf("file://%s/../../migrations", filepath.Dir(b))
}

func (s *IntegrationSuite) Logger() *slog.Logger {
	if testing.Verbose() {
		return logger.New(testWriter{s.T}, slog.LevelDebug)
	}
	return logger.New(io.Discard, slog.LevelInfo)
}

// GetAppConfig returns a config wired to the suite's containers with the
// optional collaborators (weaviate, redis, compatible provider) turned off.
func (s *IntegrationSuite) GetAppConfig() *config.Config {
	return &config.Config{
		DBHost: s.pgHost,
		DBPort: s.pgPort,
		DBUser: "test",
		DBPass: "test",
		DBName: "academy_test",

		NSQDHost: s.nsqdAddr,
		NSQDHTTP: s.nsqdHTTP,

		DefaultProvider:   "openai",
		DefaultModel:      "text-embedding-ada-002",
		BatchSize:         10,
		MaxAttempts:       5,
		WorkerConcurrency: 2,
		LeaseDuration:     time.Minute,
		ProviderTimeout:   5 * time.Second,
		ProcessInterval:   time.Minute,
		ServerPort:        8081,
		MigrationPath:     MigrationPath(),

		BootstrapRetryAttempts:     3,
		BootstrapRetryDelaySeconds: 1,
	}
}

// ConsumeOne reads a single message from topic directly off nsqd, or returns
// nil after a timeout.
func (s *IntegrationSuite) ConsumeOne(topic string) *nsq.Message {
	cfg := nsq.NewConfig()
	consumer, err := nsq.NewConsumer(topic, "test-"+strconv.FormatInt(time.Now().UnixNano(), 36), cfg)
	require.NoError(s.T, err)
	consumer.SetLogger(nil, nsq.LogLevelError)
	defer consumer.Stop()

	msgs := make(chan *nsq.Message, 1)
	consumer.AddHandler(nsq.HandlerFunc(func(m *nsq.Message) error {
		select {
		case msgs <- m:
		default:
		}
		return nil
	}))
	require.NoError(s.T, consumer.ConnectToNSQD(s.nsqdAddr))

	select {
	case m := <-msgs:
		return m
	case <-time.After(10 * time.Second):
		return nil
	}
}

type testWriter struct{ t *testing.T }

func (w testWriter) Write(p []byte) (int, error) {
	w.t.Log(string(p))
	return len(p), nil
}
