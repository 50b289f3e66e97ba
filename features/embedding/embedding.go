package embedding

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/lib/pq"
)

// Embedding is identified by (chunk, provider, model). Re-embedding the same
// tuple overwrites the row; a different provider or model adds a new one.
type Embedding struct {
	ID            string          `json:"id"`
	LessonChunkID string          `json:"lesson_chunk_id"`
	Provider      string          `json:"provider"`
	Model         string          `json:"model"`
	Vector        []float32       `json:"vector"`
	Metadata      json.RawMessage `json:"metadata"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

type Writer interface {
	Upsert(ctx context.Context, e *Embedding) error
}

type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo {
	return &PostgresRepo{db: db}
}

func (r *PostgresRepo) Upsert(ctx context.Context, e *Embedding) error {
	if len(e.Vector) == 0 {
		return errors.New("embedding vector is empty")
	}
	meta := e.Metadata
	if len(meta) == 0 {
		meta = json.RawMessage(`{}`)
	}

	query := `INSERT INTO embeddings (lesson_chunk_id, provider, model, vector, metadata)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (lesson_chunk_id, provider, model)
		DO UPDATE SET vector = EXCLUDED.vector, metadata = EXCLUDED.metadata, updated_at = NOW()
		RETURNING id, created_at, updated_at`

	return r.db.QueryRowContext(ctx, query, e.LessonChunkID, e.Provider, e.Model, pq.Array(e.Vector), []byte(meta)).
		Scan(&e.ID, &e.CreatedAt, &e.UpdatedAt)
}

func (r *PostgresRepo) Get(ctx context.Context, chunkID, provider, model string) (*Embedding, error) {
	e := &Embedding{}
	var (
		vec  pq.Float32Array
		meta []byte
	)
	query := `SELECT id, lesson_chunk_id, provider, model, vector, metadata, created_at, updated_at
		FROM embeddings WHERE lesson_chunk_id = $1 AND provider = $2 AND model = $3`
	err := r.db.QueryRowContext(ctx, query, chunkID, provider, model).
		Scan(&e.ID, &e.LessonChunkID, &e.Provider, &e.Model, &vec, &meta, &e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		return nil, err
	}
	e.Vector = []float32(vec)
	e.Metadata = json.RawMessage(meta)
	return e, nil
}

func (r *PostgresRepo) Count(ctx context.Context) (int, error) {
	var count int
	query := `SELECT COUNT(*) FROM embeddings`
	err := r.db.QueryRowContext(ctx, query).Scan(&count)
	return count, err
}

// ListAfter returns up to limit embeddings with ids above afterID, in id order.
func (r *PostgresRepo) ListAfter(ctx context.Context, afterID string, limit int) ([]Embedding, error) {
	query := `SELECT id, lesson_chunk_id, provider, model, vector, metadata, created_at, updated_at
		FROM embeddings WHERE id > $1::uuid ORDER BY id LIMIT $2`
	rows, err := r.db.QueryContext(ctx, query, afterID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Embedding
	for rows.Next() {
		var (
			e    Embedding
			vec  pq.Float32Array
			meta []byte
		)
		if err := rows.Scan(&e.ID, &e.LessonChunkID, &e.Provider, &e.Model, &vec, &meta, &e.CreatedAt, &e.UpdatedAt); err != nil {
			return nil, err
		}
		e.Vector = []float32(vec)
		e.Metadata = json.RawMessage(meta)
		out = append(out, e)
	}
	return out, rows.Err()
}

// Fanout writes to the primary store and then to each mirror. Only a primary
// failure fails the write. A mirror that missed writes is repaired with Resync.
type Fanout struct {
	primary Writer
	mirrors []Writer
	logger  *slog.Logger
}

func NewFanout(primary Writer, logger *slog.Logger, mirrors ...Writer) *Fanout {
	if logger == nil {
		logger = slog.Default()
	}
	return &Fanout{primary: primary, mirrors: mirrors, logger: logger}
}

func (f *Fanout) Upsert(ctx context.Context, e *Embedding) error {
	if err := f.primary.Upsert(ctx, e); err != nil {
		return fmt.Errorf("write embedding: %w", err)
	}
	for _, m := range f.mirrors {
		if err := m.Upsert(ctx, e); err != nil {
			f.logger.WarnContext(ctx, "embedding mirror write failed",
				"lesson_chunk_id", e.LessonChunkID, "provider", e.Provider, "model", e.Model, "error", err)
		}
	}
	return nil
}
