package worker

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/nsqio/go-nsq"

	"academy/backend/features/queue"
	"academy/backend/internal/middleware"
)

// NudgeConsumer runs a batch as soon as an enqueue is announced instead of
// waiting for the next scheduled tick.
type NudgeConsumer struct {
	runner  BatchRunner
	timeout time.Duration
}

func NewNudgeConsumer(r BatchRunner, timeout time.Duration) *NudgeConsumer {
	return &NudgeConsumer{runner: r, timeout: timeout}
}

func (h *NudgeConsumer) HandleMessage(m *nsq.Message) error {
	if len(m.Body) == 0 {
		return nil
	}

	var n queue.Nudge
	if err := json.Unmarshal(m.Body, &n); err != nil {
		// Poison Pill: Invalid JSON, don't retry
		slog.Error("poison pill: invalid json", "error", err)
		return nil
	}

	ctx := context.Background()
	if n.CorrelationID != "" {
		ctx = middleware.WithCorrelationID(ctx, n.CorrelationID)
	}
	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	summary, err := h.runner.ProcessBatch(ctx, 0)
	if err != nil {
		slog.ErrorContext(ctx, "nudged batch failed", "lesson_chunk_id", n.LessonChunkID, "error", err)
		return err // Retry
	}

	slog.InfoContext(ctx, "nudged batch finished", "lesson_chunk_id", n.LessonChunkID,
		"processed", summary.Processed, "errors", summary.Failed, "skipped", summary.Skipped)
	return nil
}
