package worker

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
)

type Handler struct {
	runner   BatchRunner
	maxBatch int
}

// NewHandler caps ?batch_size at maxBatch.
func NewHandler(r BatchRunner, maxBatch int) *Handler {
	return &Handler{runner: r, maxBatch: maxBatch}
}

type processResponse struct {
	Success   bool         `json:"success"`
	Processed int          `json:"processed"`
	Errors    int          `json:"errors"`
	Message   string       `json:"message"`
	Details   []ItemResult `json:"details"`
}

func (h *Handler) Process(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	batch := 0
	if raw := r.URL.Query().Get("batch_size"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > h.maxBatch {
			h.write(w, r, http.StatusBadRequest, processResponse{
				Errors:  1,
				Message: fmt.Sprintf("batch_size must be an integer between 1 and %d", h.maxBatch),
				Details: []ItemResult{},
			})
			return
		}
		batch = n
	}

	summary, err := h.runner.ProcessBatch(ctx, batch)
	if err != nil {
		slog.ErrorContext(ctx, "queue processing failed", "error", err)
		h.write(w, r, http.StatusInternalServerError, processResponse{
			Errors:  1,
			Message: "Failed to process embedding queue",
			Details: []ItemResult{},
		})
		return
	}

	details := summary.Results
	if details == nil {
		details = []ItemResult{}
	}

	h.write(w, r, http.StatusOK, processResponse{
		Success:   true,
		Processed: summary.Processed,
		Errors:    summary.Failed,
		Message:   message(summary),
		Details:   details,
	})
}

func message(s *Summary) string {
	switch {
	case s.Skipped:
		return "Queue is being processed by another instance"
	case len(s.Results) == 0:
		return "No items in queue"
	case s.Joined:
		return fmt.Sprintf("Joined batch in progress: processed %d items with %d errors", s.Processed, s.Failed)
	default:
		return fmt.Sprintf("Processed %d items with %d errors", s.Processed, s.Failed)
	}
}

func (h *Handler) write(w http.ResponseWriter, r *http.Request, status int, resp processResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		slog.ErrorContext(r.Context(), "failed to encode response", "error", err)
	}
}
