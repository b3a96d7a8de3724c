package settings

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"onboarding/apps/backend/internal/middleware"
)

const maskedKeyPrefix = "****"

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// GetSettings serves GET /settings. The API key is never returned in full.
func (h *Handler) GetSettings(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	s, err := h.svc.Get(ctx)
	if err != nil {
		slog.ErrorContext(ctx, "failed to load settings", "error", err)
		h.respond(ctx, w, http.StatusInternalServerError, errorBody(ctx, "INTERNAL_ERROR", err.Error()))
		return
	}
	h.respond(ctx, w, http.StatusOK, map[string]Settings{"data": masked(s)})
}

// UpdateSettings serves PUT /settings and answers with the stored values.
func (h *Handler) UpdateSettings(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var in Settings
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		h.respond(ctx, w, http.StatusBadRequest, errorBody(ctx, "VALIDATION_ERROR", "invalid JSON body"))
		return
	}

	if in.GeminiAPIKey == "" || strings.HasPrefix(in.GeminiAPIKey, maskedKeyPrefix) {
		current, err := h.svc.Get(ctx)
		if err != nil {
			h.respond(ctx, w, http.StatusInternalServerError, errorBody(ctx, "INTERNAL_ERROR", err.Error()))
			return
		}
		in.GeminiAPIKey = current.GeminiAPIKey
	}

	err := h.svc.Update(ctx, &in)
	switch {
	case errors.Is(err, ErrInvalidSettings):
		h.respond(ctx, w, http.StatusBadRequest, errorBody(ctx, "VALIDATION_ERROR", err.Error()))
	case err != nil:
		slog.ErrorContext(ctx, "failed to save settings", "error", err)
		h.respond(ctx, w, http.StatusInternalServerError, errorBody(ctx, "INTERNAL_ERROR", err.Error()))
	default:
		slog.InfoContext(ctx, "settings updated", "generation_model", in.GenerationModel, "embedding_model", in.EmbeddingModel)
		h.respond(ctx, w, http.StatusOK, map[string]Settings{"data": masked(&in)})
	}
}

func masked(s *Settings) Settings {
	view := *s
	switch key := s.GeminiAPIKey; {
	case key == "":
	case len(key) <= 4:
		view.GeminiAPIKey = maskedKeyPrefix
	default:
		view.GeminiAPIKey = maskedKeyPrefix + key[len(key)-4:]
	}
	return view
}

func errorBody(ctx context.Context, code, message string) map[string]interface{} {
	return map[string]interface{}{
		"error":         map[string]string{"code": code, "message": message},
		"correlationId": middleware.GetCorrelationID(ctx),
	}
}

func (h *Handler) respond(ctx context.Context, w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.ErrorContext(ctx, "failed to encode response", "error", err)
	}
}
