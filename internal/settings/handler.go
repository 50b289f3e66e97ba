package settings

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"academy/backend/internal/middleware"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

type view struct {
	GeminiAPIKey string    `json:"gemini_api_key"`
	OpenAIAPIKey string    `json:"openai_api_key"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// update leaves a key untouched when its field is omitted.
type update struct {
	GeminiAPIKey *string `json:"gemini_api_key"`
	OpenAIAPIKey *string `json:"openai_api_key"`
}

func (h *Handler) GetSettings(w http.ResponseWriter, r *http.Request) {
	s, err := h.svc.Get(r.Context())
	if err != nil {
		slog.ErrorContext(r.Context(), "failed to load settings", "error", err)
		h.writeError(r.Context(), w, "INTERNAL_ERROR", "Internal server error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{"data": view{
		GeminiAPIKey: mask(s.GeminiAPIKey),
		OpenAIAPIKey: mask(s.OpenAIAPIKey),
		UpdatedAt:    s.UpdatedAt,
	}})
}

func (h *Handler) UpdateSettings(w http.ResponseWriter, r *http.Request) {
	var u update
	if err := json.NewDecoder(r.Body).Decode(&u); err != nil {
		h.writeError(r.Context(), w, "VALIDATION_ERROR", err.Error(), http.StatusBadRequest)
		return
	}

	s, err := h.svc.Get(r.Context())
	if err != nil {
		slog.ErrorContext(r.Context(), "failed to load settings", "error", err)
		h.writeError(r.Context(), w, "INTERNAL_ERROR", "Internal server error", http.StatusInternalServerError)
		return
	}
	if u.GeminiAPIKey != nil && !isMasked(*u.GeminiAPIKey) {
		s.GeminiAPIKey = *u.GeminiAPIKey
	}
	if u.OpenAIAPIKey != nil && !isMasked(*u.OpenAIAPIKey) {
		s.OpenAIAPIKey = *u.OpenAIAPIKey
	}

	if err := h.svc.Update(r.Context(), s); err != nil {
		slog.ErrorContext(r.Context(), "failed to update settings", "error", err)
		h.writeError(r.Context(), w, "INTERNAL_ERROR", "Internal server error", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

const maskPrefix = "****"

// isMasked reports a value echoed back from GET. It means "keep the stored key".
func isMasked(key string) bool {
	return strings.HasPrefix(key, maskPrefix)
}

func mask(key string) string {
	if key == "" {
		return ""
	}
	if len(key) <= 4 {
		return maskPrefix
	}
	return maskPrefix + key[len(key)-4:]
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

	json.NewEncoder(w).Encode(resp)
}
