package stats

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"golang.org/x/sync/errgroup"

	"onboarding/apps/backend/internal/middleware"
)

// Counter is satisfied by the course and failed-job repositories.
type Counter interface {
	Count(ctx context.Context) (int, error)
}

type ChunkCounter interface {
	CountChunks(ctx context.Context) (int, error)
}

type Handler struct {
	courses Counter
	failed  Counter
	chunks  ChunkCounter
}

func NewHandler(courses, failed Counter, chunks ChunkCounter) *Handler {
	return &Handler{courses: courses, failed: failed, chunks: chunks}
}

// Snapshot is the dashboard summary served by GET /stats.
type Snapshot struct {
	Courses    int `json:"courses"`
	Chunks     int `json:"chunks"`
	FailedJobs int `json:"failed_jobs"`
}

// Collect runs the three counts concurrently and fails on the first error.
func (h *Handler) Collect(ctx context.Context) (Snapshot, error) {
	var s Snapshot
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		if s.Courses, err = h.courses.Count(gctx); err != nil {
			return fmt.Errorf("count courses: %w", err)
		}
		return nil
	})
	g.Go(func() (err error) {
		if s.FailedJobs, err = h.failed.Count(gctx); err != nil {
			return fmt.Errorf("count failed jobs: %w", err)
		}
		return nil
	})
	g.Go(func() (err error) {
		if s.Chunks, err = h.chunks.CountChunks(gctx); err != nil {
			return fmt.Errorf("count chunks: %w", err)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return Snapshot{}, err
	}
	return s, nil
}

func (h *Handler) GetStats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	w.Header().Set("Content-Type", "application/json")

	snap, err := h.Collect(ctx)
	if err != nil {
		slog.ErrorContext(ctx, "stats collection failed", "error", err)
		w.WriteHeader(http.StatusInternalServerError)
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"error":         map[string]string{"code": "INTERNAL_ERROR", "message": err.Error()},
			"correlationId": middleware.GetCorrelationID(ctx),
		})
		return
	}

	if err := json.NewEncoder(w).Encode(map[string]Snapshot{"data": snap}); err != nil {
		slog.ErrorContext(ctx, "failed to encode stats", "error", err)
	}
}
