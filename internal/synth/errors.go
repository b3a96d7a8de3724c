package synth

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidCount      = errors.New("count must be positive")
	ErrInvalidDifficulty = errors.New("difficulty must be easy, medium or hard")
	ErrNotProcessed      = errors.New("course has no processed documents")
	ErrMalformedOutput   = errors.New("generated output does not match the expected shape")
)

// GenerationFailure is a failed generation step. No artifact was written.
type GenerationFailure struct {
	Stage string
	Err   error
}

func (e *GenerationFailure) Error() string {
	return fmt.Sprintf("generation failed at %s: %v", e.Stage, e.Err)
}

func (e *GenerationFailure) Unwrap() error { return e.Err }
