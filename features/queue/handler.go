package queue

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"academy/backend/internal/middleware"
)

type Handler struct {
	service *Service
}

func NewHandler(s *Service) *Handler {
	return &Handler{service: s}
}

type enqueueResponse struct {
	Success     bool   `json:"success"`
	EmbeddingID string `json:"embedding_id,omitempty"`
	Status      Status `json:"status,omitempty"`
	Error       string `json:"error,omitempty"`
}

// Enqueue answers 201 for a new item and 200 when the chunk was already queued.
func (h *Handler) Enqueue(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req EnqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var verr *ValidationError
		if errors.As(err, &verr) {
			h.writeEnqueue(ctx, w, http.StatusBadRequest, enqueueResponse{Error: verr.Message})
			return
		}
		h.writeEnqueue(ctx, w, http.StatusBadRequest, enqueueResponse{Error: "Invalid JSON body"})
		return
	}

	res, err := h.service.Enqueue(ctx, req)
	if err != nil {
		var verr *ValidationError
		switch {
		case errors.As(err, &verr):
			h.writeEnqueue(ctx, w, http.StatusBadRequest, enqueueResponse{Error: verr.Message})
		case errors.Is(err, ErrNotFound):
			h.writeEnqueue(ctx, w, http.StatusNotFound, enqueueResponse{Error: "Lesson chunk not found"})
		default:
			slog.ErrorContext(ctx, "failed to enqueue embedding", "lesson_chunk_id", req.LessonChunkID, "error", err)
			h.writeEnqueue(ctx, w, http.StatusInternalServerError, enqueueResponse{Error: "Internal server error"})
		}
		return
	}

	status := http.StatusOK
	if res.Created {
		status = http.StatusCreated
	}
	h.writeEnqueue(ctx, w, status, enqueueResponse{Success: true, EmbeddingID: res.ID, Status: res.Status})
}

func (h *Handler) ListDeadLetters(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	correlationID := middleware.GetCorrelationID(ctx)

	slog.InfoContext(ctx, "listing dead-lettered items", "correlationId", correlationID)

	items, err := h.service.ListDeadLetters(ctx)
	if err != nil {
		slog.ErrorContext(ctx, "failed to list dead-lettered items", "error", err, "correlationId", correlationID)
		h.writeError(ctx, w, "INTERNAL_ERROR", "Internal server error", http.StatusInternalServerError)
		return
	}

	if items == nil {
		items = []Item{}
	}

	w.Header().Set("Content-Type", "application/json")
	resp := map[string]interface{}{
		"data": items,
		"meta": map[string]int{"count": len(items)},
	}
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		slog.ErrorContext(ctx, "failed to encode response", "error", err)
	}
}

func (h *Handler) Retry(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	correlationID := middleware.GetCorrelationID(ctx)
	chunkID := r.PathValue("chunkID")

	slog.InfoContext(ctx, "retrying dead-lettered item", "lesson_chunk_id", chunkID, "correlationId", correlationID)

	if err := h.service.Retry(ctx, chunkID); err != nil {
		if errors.Is(err, ErrNotFound) {
			h.writeError(ctx, w, "NOT_FOUND", "Dead-lettered item not found", http.StatusNotFound)
			return
		}
		slog.ErrorContext(ctx, "failed to retry item", "lesson_chunk_id", chunkID, "error", err, "correlationId", correlationID)
		h.writeError(ctx, w, "INTERNAL_ERROR", "Internal server error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(map[string]interface{}{"data": "item requeued"}); err != nil {
		slog.ErrorContext(ctx, "failed to encode response", "error", err)
	}
}

func (h *Handler) writeEnqueue(ctx context.Context, w http.ResponseWriter, status int, resp enqueueResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
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
