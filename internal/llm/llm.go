// Package llm describes the generative service the pipeline depends on.
package llm

import (
	"context"
	"errors"
)

// Mode selects how an embedding will be used. Documents and queries are
// embedded asymmetrically.
type Mode int

const (
	ModeDocument Mode = iota
	ModeQuery
)

func (m Mode) String() string {
	if m == ModeQuery {
		return "query"
	}
	return "document"
}

// Schema names the JSON shape a completion must follow.
type Schema string

const (
	SchemaOutline Schema = "outline"
	SchemaModule  Schema = "module"
	SchemaQuiz    Schema = "quiz"
)

var (
	ErrQuotaExceeded    = errors.New("generative service quota exceeded")
	ErrMalformedRequest = errors.New("generative service rejected request")
	ErrTimeout          = errors.New("generative service timed out")
	ErrUnavailable      = errors.New("generative service unavailable")
	ErrNotConfigured    = errors.New("generative service not configured")
	ErrEmptyResponse    = errors.New("generative service returned no content")
)

// Retryable reports whether one more attempt could succeed.
func Retryable(err error) bool {
	return errors.Is(err, ErrQuotaExceeded) || errors.Is(err, ErrTimeout) || errors.Is(err, ErrUnavailable)
}

type Embedder interface {
	Embed(ctx context.Context, texts []string, mode Mode) ([][]float32, error)
}

type Generator interface {
	Complete(ctx context.Context, prompt string, schema Schema) (string, error)
}
