package chunk

import (
	"context"
	"database/sql"
	"time"
)

// Chunk is a unit of lesson text owned by the authoring side. The pipeline only reads it.
type Chunk struct {
	ID        string    `json:"id"`
	CourseID  string    `json:"course_id"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

type Repository interface {
	Get(ctx context.Context, id string) (*Chunk, error)
}

type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo {
	return &PostgresRepo{db: db}
}

// Get returns sql.ErrNoRows when the chunk does not exist.
func (r *PostgresRepo) Get(ctx context.Context, id string) (*Chunk, error) {
	c := &Chunk{}
	query := `SELECT id, COALESCE(course_id, ''), content, created_at FROM lesson_chunks WHERE id = $1`
	err := r.db.QueryRowContext(ctx, query, id).Scan(&c.ID, &c.CourseID, &c.Content, &c.CreatedAt)
	if err != nil {
		return nil, err
	}
	return c, nil
}
