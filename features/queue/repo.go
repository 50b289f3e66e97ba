package queue

import (
	"context"
	"database/sql"
	"errors"
	"sort"
	"time"
)

type Repository interface {
	InsertIfAbsent(ctx context.Context, item *Item) (bool, error)
	GetByChunkID(ctx context.Context, chunkID string) (*Item, error)
	Claim(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]Item, error)
	MarkFailed(ctx context.Context, f Failure) (int, Status, error)
	Delete(ctx context.Context, chunkID string, claimedUntil time.Time) error
	ListDeadLetters(ctx context.Context) ([]Item, error)
	Requeue(ctx context.Context, chunkID string) error
	CountByStatus(ctx context.Context) (Counts, error)
}

const itemColumns = `id, lesson_chunk_id, provider, model, metadata, attempts, last_attempt_at, COALESCE(last_error, ''), status, claimed_until, next_attempt_at, enqueued_at`

// ErrLeaseLost is returned when the claim a write was scoped to has expired and
// the item was reclaimed, requeued or removed by someone else.
var ErrLeaseLost = errors.New("queue: lease lost")

// Failure describes one failed attempt on a claimed item.
type Failure struct {
	LessonChunkID string
	// ClaimedUntil is the lease returned by Claim. The write only applies while
	// the row still carries it.
	ClaimedUntil time.Time
	Message      string
	At           time.Time
	MaxAttempts  int
	// The next attempt waits RetryBase*2^(attempts-1), capped at RetryMax.
	RetryBase time.Duration
	RetryMax  time.Duration
}

type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo {
	return &PostgresRepo{db: db}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanItem(s rowScanner) (Item, error) {
	var (
		it           Item
		status       string
		lastAttempt  sql.NullTime
		claimedUntil sql.NullTime
		nextAttempt  sql.NullTime
	)
	err := s.Scan(&it.ID, &it.LessonChunkID, &it.Provider, &it.Model, &it.Metadata, &it.Attempts,
		&lastAttempt, &it.LastError, &status, &claimedUntil, &nextAttempt, &it.EnqueuedAt)
	if err != nil {
		return Item{}, err
	}
	it.Status = Status(status)
	if lastAttempt.Valid {
		t := lastAttempt.Time
		it.LastAttemptAt = &t
	}
	if claimedUntil.Valid {
		t := claimedUntil.Time
		it.ClaimedUntil = &t
	}
	if nextAttempt.Valid {
		t := nextAttempt.Time
		it.NextAttemptAt = &t
	}
	return it, nil
}

// InsertIfAbsent reports false without error when the chunk already has an item.
func (r *PostgresRepo) InsertIfAbsent(ctx context.Context, item *Item) (bool, error) {
	query := `INSERT INTO embedding_queue (lesson_chunk_id, provider, model, metadata)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (lesson_chunk_id) DO NOTHING
		RETURNING id, status, enqueued_at`

	var status string
	err := r.db.QueryRowContext(ctx, query, item.LessonChunkID, item.Provider, item.Model, item.Metadata).
		Scan(&item.ID, &status, &item.EnqueuedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	item.Status = Status(status)
	return true, nil
}

func (r *PostgresRepo) GetByChunkID(ctx context.Context, chunkID string) (*Item, error) {
	query := `SELECT ` + itemColumns + ` FROM embedding_queue WHERE lesson_chunk_id = $1`
	it, err := scanItem(r.db.QueryRowContext(ctx, query, chunkID))
	if err != nil {
		return nil, err
	}
	return &it, nil
}

// Claim leases up to limit queued items, oldest first. Items still backing off
// are not eligible. Rows locked by a concurrent claimer are skipped rather than
// waited on.
func (r *PostgresRepo) Claim(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]Item, error) {
	query := `UPDATE embedding_queue SET claimed_until = $1
		WHERE id IN (
			SELECT id FROM embedding_queue
			WHERE status = 'queued'
				AND (claimed_until IS NULL OR claimed_until < $2)
				AND (next_attempt_at IS NULL OR next_attempt_at <= $2)
			ORDER BY enqueued_at ASC
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
		RETURNING ` + itemColumns

	rows, err := r.db.QueryContext(ctx, query, now.Add(lease), now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := []Item{}
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, it)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// RETURNING does not preserve the subquery order.
	sort.SliceStable(items, func(i, j int) bool {
		return items[i].EnqueuedAt.Before(items[j].EnqueuedAt)
	})
	return items, nil
}

// MarkFailed records a failed attempt, releases the lease, schedules the next
// attempt and moves the item to dead_letter once MaxAttempts is reached. It
// returns the new attempt count and status, or ErrLeaseLost when the row no
// longer carries f.ClaimedUntil.
func (r *PostgresRepo) MarkFailed(ctx context.Context, f Failure) (int, Status, error) {
	// attempts on the right-hand side is the pre-update value.
	query := `UPDATE embedding_queue
		SET attempts = attempts + 1,
			last_attempt_at = $3,
			last_error = $4,
			claimed_until = NULL,
			next_attempt_at = $3::timestamptz + LEAST($6::float8 * power(2, attempts), $7::float8) * interval '1 millisecond',
			status = CASE WHEN attempts + 1 >= $5 THEN 'dead_letter' ELSE status END
		WHERE lesson_chunk_id = $1 AND claimed_until = $2
		RETURNING attempts, status`

	var (
		attempts int
		status   string
	)
	err := r.db.QueryRowContext(ctx, query, f.LessonChunkID, f.ClaimedUntil, f.At, f.Message, f.MaxAttempts,
		f.RetryBase.Milliseconds(), f.RetryMax.Milliseconds()).Scan(&attempts, &status)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, "", ErrLeaseLost
	}
	if err != nil {
		return 0, "", err
	}
	return attempts, Status(status), nil
}

// Delete removes a claimed item. It returns ErrLeaseLost when the row no longer
// carries claimedUntil.
func (r *PostgresRepo) Delete(ctx context.Context, chunkID string, claimedUntil time.Time) error {
	query := `DELETE FROM embedding_queue WHERE lesson_chunk_id = $1 AND claimed_until = $2`
	res, err := r.db.ExecContext(ctx, query, chunkID, claimedUntil)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrLeaseLost
	}
	return nil
}

func (r *PostgresRepo) ListDeadLetters(ctx context.Context) ([]Item, error) {
	query := `SELECT ` + itemColumns + ` FROM embedding_queue WHERE status = 'dead_letter' ORDER BY last_attempt_at DESC NULLS LAST`
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []Item
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

// Requeue returns sql.ErrNoRows when no dead-lettered item exists for the chunk.
func (r *PostgresRepo) Requeue(ctx context.Context, chunkID string) error {
	query := `UPDATE embedding_queue
		SET status = 'queued', attempts = 0, last_error = NULL, last_attempt_at = NULL,
			claimed_until = NULL, next_attempt_at = NULL
		WHERE lesson_chunk_id = $1 AND status = 'dead_letter'`
	res, err := r.db.ExecContext(ctx, query, chunkID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (r *PostgresRepo) CountByStatus(ctx context.Context) (Counts, error) {
	query := `SELECT status, COUNT(*) FROM embedding_queue GROUP BY status`
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return Counts{}, err
	}
	defer rows.Close()

	var c Counts
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return Counts{}, err
		}
		switch Status(status) {
		case StatusQueued:
			c.Queued = n
		case StatusDeadLetter:
			c.DeadLetter = n
		}
	}
	return c, rows.Err()
}
