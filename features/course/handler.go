package course

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"onboarding/apps/backend/internal/artifact"
	"onboarding/apps/backend/internal/grading"
	"onboarding/apps/backend/internal/middleware"
	"onboarding/apps/backend/internal/orchestrator"
	"onboarding/apps/backend/internal/synth"
	"onboarding/apps/backend/internal/task"
	"onboarding/apps/backend/internal/worker"
)

type Handler struct {
	service *Service
}

func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// Register mounts the course routes through handle, which is usually
// (*http.ServeMux).HandleFunc or a wrapper adding middleware.
func (h *Handler) Register(handle func(pattern string, fn func(http.ResponseWriter, *http.Request))) {
	handle("POST /courses", h.Create)
	handle("GET /courses", h.List)
	handle("GET /courses/{id}", h.Get)
	handle("PUT /courses/{id}", h.Update)
	handle("DELETE /courses/{id}", h.Delete)
	handle("POST /courses/{id}/process", h.trigger(task.OpProcess))
	handle("POST /courses/{id}/reprocess", h.trigger(task.OpReprocess))
	handle("GET /courses/{id}/updates", h.CheckForUpdates)
	handle("GET /courses/{id}/processing", h.ProcessingRecord)
	handle("POST /courses/{id}/generate", h.trigger(task.OpGenerateCourse))
	handle("GET /courses/{id}/content", h.Content)
	handle("POST /courses/{id}/quiz", h.trigger(task.OpGenerateQuiz))
	handle("GET /courses/{id}/quiz", h.Quiz)
	handle("POST /courses/{id}/quiz/submit", h.SubmitQuiz)
	handle("GET /courses/{id}/tasks/{op}", h.TaskStatus)
}

func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name         string   `json:"name"`
		Instructions string   `json:"instructions"`
		LinkedPages  []string `json:"linked_pages"`
		Settings     Settings `json:"settings"`
	}
	req.Settings = DefaultSettings()
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(r.Context(), w, "VALIDATION_ERROR", err.Error(), http.StatusBadRequest)
		return
	}

	c := &Course{
		Name:         req.Name,
		Instructions: req.Instructions,
		LinkedPages:  req.LinkedPages,
		Settings:     req.Settings,
	}
	status, err := h.service.Create(r.Context(), c)
	if err != nil {
		if c.ID != "" {
			// Saved but not queued.
			slog.ErrorContext(r.Context(), "course created but processing not queued", "id", c.ID, "error", err)
		}
		h.fail(r.Context(), w, err)
		return
	}

	h.writeJSON(r.Context(), w, http.StatusCreated, map[string]interface{}{"course": c, "task": status})
}

func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	courses, err := h.service.List(r.Context())
	if err != nil {
		h.fail(r.Context(), w, err)
		return
	}
	if courses == nil {
		courses = []Course{}
	}

	w.Header().Set("Content-Type", "application/json")
	resp := map[string]interface{}{
		"data": courses,
		"meta": map[string]int{"count": len(courses)},
	}
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}

func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	c, err := h.service.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		h.fail(r.Context(), w, err)
		return
	}
	h.writeJSON(r.Context(), w, http.StatusOK, c)
}

// Update applies the fields present in the body to the stored course and
// queues a reprocess.
func (h *Handler) Update(w http.ResponseWriter, r *http.Request) {
	c, err := h.service.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		h.fail(r.Context(), w, err)
		return
	}
	id := c.ID
	if err := json.NewDecoder(r.Body).Decode(c); err != nil {
		h.writeError(r.Context(), w, "VALIDATION_ERROR", err.Error(), http.StatusBadRequest)
		return
	}
	c.ID = id

	status, err := h.service.Update(r.Context(), c)
	if err != nil {
		h.fail(r.Context(), w, err)
		return
	}
	w.Header().Set("Location", "/courses/"+id+"/tasks/"+task.OpReprocess)
	h.writeJSON(r.Context(), w, http.StatusAccepted, map[string]interface{}{"course": c, "task": status})
}

func (h *Handler) Delete(w http.ResponseWriter, r *http.Request) {
	if err := h.service.Delete(r.Context(), r.PathValue("id")); err != nil {
		h.fail(r.Context(), w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type triggerRequest struct {
	NumModules   int    `json:"num_modules"`
	NumQuestions int    `json:"num_questions"`
	Difficulty   string `json:"difficulty"`
	Force        bool   `json:"force"`
}

func (h *Handler) trigger(op string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req triggerRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			h.writeError(r.Context(), w, "VALIDATION_ERROR", err.Error(), http.StatusBadRequest)
			return
		}
		if op == task.OpGenerateQuiz && req.Difficulty == "" {
			req.Difficulty = synth.DifficultyMedium
		}

		id := r.PathValue("id")
		status, err := h.service.Trigger(r.Context(), worker.JobPayload{
			Operation:    op,
			CourseID:     id,
			NumModules:   req.NumModules,
			NumQuestions: req.NumQuestions,
			Difficulty:   req.Difficulty,
			Force:        req.Force,
		})
		if err != nil {
			h.fail(r.Context(), w, err)
			return
		}

		w.Header().Set("Location", "/courses/"+id+"/tasks/"+op)
		h.writeJSON(r.Context(), w, http.StatusAccepted, status)
	}
}

func (h *Handler) CheckForUpdates(w http.ResponseWriter, r *http.Request) {
	report, err := h.service.CheckForUpdates(r.Context(), r.PathValue("id"))
	if err != nil {
		h.fail(r.Context(), w, err)
		return
	}
	h.writeJSON(r.Context(), w, http.StatusOK, report)
}

func (h *Handler) ProcessingRecord(w http.ResponseWriter, r *http.Request) {
	rec, err := h.service.ProcessingRecord(r.Context(), r.PathValue("id"))
	if err != nil {
		h.fail(r.Context(), w, err)
		return
	}
	h.writeJSON(r.Context(), w, http.StatusOK, map[string]interface{}{
		"record": rec,
		"status": rec.Status(),
	})
}

func (h *Handler) Content(w http.ResponseWriter, r *http.Request) {
	c, err := h.service.Course(r.Context(), r.PathValue("id"))
	if err != nil {
		h.fail(r.Context(), w, err)
		return
	}
	h.writeJSON(r.Context(), w, http.StatusOK, c)
}

func (h *Handler) Quiz(w http.ResponseWriter, r *http.Request) {
	q, err := h.service.PublicQuiz(r.Context(), r.PathValue("id"))
	if err != nil {
		h.fail(r.Context(), w, err)
		return
	}
	h.writeJSON(r.Context(), w, http.StatusOK, q)
}

func (h *Handler) SubmitQuiz(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Answers []*int `json:"answers"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(r.Context(), w, "VALIDATION_ERROR", err.Error(), http.StatusBadRequest)
		return
	}

	result, err := h.service.Grade(r.Context(), r.PathValue("id"), req.Answers)
	if err != nil {
		h.fail(r.Context(), w, err)
		return
	}
	h.writeJSON(r.Context(), w, http.StatusOK, result)
}

func (h *Handler) TaskStatus(w http.ResponseWriter, r *http.Request) {
	status, err := h.service.Status(r.Context(), r.PathValue("id"), r.PathValue("op"))
	if err != nil {
		h.fail(r.Context(), w, err)
		return
	}
	h.writeJSON(r.Context(), w, http.StatusOK, status)
}

// fail maps service errors onto the error envelope.
func (h *Handler) fail(ctx context.Context, w http.ResponseWriter, err error) {
	var cleanup *PartialCleanupError
	switch {
	case errors.Is(err, ErrNotFound):
		h.writeError(ctx, w, "NOT_FOUND", "Course not found", http.StatusNotFound)
	case errors.Is(err, artifact.ErrNotFound):
		h.writeError(ctx, w, "NOT_FOUND", "Artifact not found", http.StatusNotFound)
	case errors.Is(err, synth.ErrNotProcessed),
		errors.Is(err, ErrQuizDisabled):
		h.writeError(ctx, w, "PRECONDITION_FAILED", err.Error(), http.StatusConflict)
	case errors.Is(err, ErrCourseBusy):
		h.writeError(ctx, w, "CONFLICT", err.Error(), http.StatusConflict)
	case errors.Is(err, orchestrator.ErrSourceUnavailable):
		slog.WarnContext(ctx, "document source failed", "error", err)
		h.writeError(ctx, w, "UPSTREAM_ERROR", "Document source unavailable", http.StatusBadGateway)
	case errors.Is(err, ErrInvalidCourse),
		errors.Is(err, synth.ErrInvalidCount),
		errors.Is(err, synth.ErrInvalidDifficulty),
		errors.Is(err, grading.ErrIncompleteSubmission),
		errors.Is(err, grading.ErrAnswerOutOfRange),
		errors.Is(err, task.ErrUnknownOperation):
		h.writeError(ctx, w, "VALIDATION_ERROR", err.Error(), http.StatusBadRequest)
	case errors.As(err, &cleanup):
		slog.ErrorContext(ctx, "course cleanup incomplete", "error", err)
		h.writeError(ctx, w, "PARTIAL_CLEANUP", err.Error(), http.StatusInternalServerError)
	default:
		slog.ErrorContext(ctx, "operation failed", "error", err)
		h.writeError(ctx, w, "INTERNAL_ERROR", "Internal Server Error", http.StatusInternalServerError)
	}
}

func (h *Handler) writeJSON(ctx context.Context, w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(map[string]interface{}{"data": data}); err != nil {
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
