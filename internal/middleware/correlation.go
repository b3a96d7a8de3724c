package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
)

// HeaderCorrelationID is read from requests and echoed on responses.
const HeaderCorrelationID = "X-Correlation-ID"

type key int

const (
	CorrelationKey key = iota
	CourseKey
)

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

// CorrelationID tags the request context with a correlation id and, on
// /courses/{id} routes, the course id. It must wrap a handler registered
// with a pattern so the path value is populated.
func CorrelationID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(HeaderCorrelationID)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(HeaderCorrelationID, id)

		ctx := WithCorrelationID(r.Context(), id)
		if courseID := r.PathValue("id"); courseID != "" && strings.HasPrefix(r.URL.Path, "/courses/") {
			ctx = WithCourseID(ctx, courseID)
		}

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(rec, r.WithContext(ctx))

		slog.InfoContext(ctx, "request handled", // #nosec G706 -- r.URL.Path is parsed by net/http
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration", time.Since(start))
	})
}

func GetCorrelationID(ctx context.Context) string {
	if id, ok := ctx.Value(CorrelationKey).(string); ok {
		return id
	}
	return "unknown"
}

func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, CorrelationKey, id)
}

// WithCourseID tags ctx with the course a request or job operates on.
func WithCourseID(ctx context.Context, courseID string) context.Context {
	return context.WithValue(ctx, CourseKey, courseID)
}

func GetCourseID(ctx context.Context) string {
	id, _ := ctx.Value(CourseKey).(string)
	return id
}
