package stats

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"academy/backend/features/queue"
	"academy/backend/internal/middleware"
)

type QueueCounter interface {
	Counts(ctx context.Context) (queue.Counts, error)
}

type EmbeddingCounter interface {
	Count(ctx context.Context) (int, error)
}

type Handler struct {
	queue      QueueCounter
	embeddings EmbeddingCounter
	mirror     EmbeddingCounter
}

// NewHandler takes an optional mirror counter; nil omits "mirrored" from the response.
func NewHandler(q QueueCounter, e EmbeddingCounter, mirror EmbeddingCounter) *Handler {
	return &Handler{queue: q, embeddings: e, mirror: mirror}
}

type StatsResponse struct {
	Queued     int  `json:"queued"`
	DeadLetter int  `json:"dead_letter"`
	Embeddings int  `json:"embeddings"`
	Mirrored   *int `json:"mirrored,omitempty"`
}

func (h *Handler) GetStats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	counts, err := h.queue.Counts(ctx)
	if err != nil {
		slog.ErrorContext(ctx, "failed to count queue items", "error", err)
		h.writeError(ctx, w, "INTERNAL_ERROR", "failed to count queue items", http.StatusInternalServerError)
		return
	}

	eCount, err := h.embeddings.Count(ctx)
	if err != nil {
		slog.ErrorContext(ctx, "failed to count embeddings", "error", err)
		h.writeError(ctx, w, "INTERNAL_ERROR", "failed to count embeddings", http.StatusInternalServerError)
		return
	}

	resp := StatsResponse{
		Queued:     counts.Queued,
		DeadLetter: counts.DeadLetter,
		Embeddings: eCount,
	}

	if h.mirror != nil {
		// The mirror is best effort, so an outage only drops the field.
		if m, err := h.mirror.Count(ctx); err != nil {
			slog.WarnContext(ctx, "failed to count mirrored embeddings", "error", err)
		} else {
			resp.Mirrored = &m
		}
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(map[string]interface{}{"data": resp}); err != nil {
		slog.ErrorContext(ctx, "failed to encode response", "error", err)
	}
}

func (h *Handler) writeError(ctx context.Context, w http.ResponseWriter, code, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	resp := map[string]interface{}{
		"error": map[string]string{
			"code":    code,
			"message": message,
		},
		"correlationId": middleware.GetCorrelationID(ctx),
	}

	if err := json.NewEncoder(w).Encode(resp); err != nil {
		slog.Error("failed to encode error response", "error", err)
	}
}
