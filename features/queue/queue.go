package queue

import (
	"time"
)

type Status string

const (
	StatusQueued     Status = "queued"
	StatusDeadLetter Status = "dead_letter"
	// StatusProcessing is never stored. It is reported while a lease is live.
	StatusProcessing Status = "processing"
)

// Item is an outstanding request to embed one lesson chunk.
type Item struct {
	ID            string     `json:"id"`
	LessonChunkID string     `json:"lesson_chunk_id"`
	Provider      string     `json:"provider"`
	Model         string     `json:"model"`
	Metadata      Metadata   `json:"metadata"`
	Attempts      int        `json:"attempts"`
	LastAttemptAt *time.Time `json:"last_attempt_at,omitempty"`
	LastError     string     `json:"last_error,omitempty"`
	Status        Status     `json:"status"`
	ClaimedUntil  *time.Time `json:"claimed_until,omitempty"`
	NextAttemptAt *time.Time `json:"next_attempt_at,omitempty"`
	EnqueuedAt    time.Time  `json:"enqueued_at"`
}

// EffectiveStatus reports processing for a queued item whose lease has not expired.
func (i Item) EffectiveStatus(now time.Time) Status {
	if i.Status == StatusQueued && i.ClaimedUntil != nil && i.ClaimedUntil.After(now) {
		return StatusProcessing
	}
	return i.Status
}

// Nudge is published after a fresh enqueue so an idle processor can start early.
type Nudge struct {
	LessonChunkID string `json:"lesson_chunk_id"`
	CorrelationID string `json:"correlation_id,omitempty"`
}

type Counts struct {
	Queued     int `json:"queued"`
	DeadLetter int `json:"dead_letter"`
}
