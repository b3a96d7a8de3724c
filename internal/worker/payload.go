package worker

import (
	"encoding/json"
	"errors"
	"fmt"

	"onboarding/apps/backend/internal/config"
)

var ErrInvalidPayload = errors.New("invalid job payload")

// JobPayload is the message body published for every course operation.
type JobPayload struct {
	Operation     string `json:"operation"`
	CourseID      string `json:"course_id"`
	NumModules    int    `json:"num_modules,omitempty"`
	NumQuestions  int    `json:"num_questions,omitempty"`
	Difficulty    string `json:"difficulty,omitempty"`
	Force         bool   `json:"force,omitempty"`
	CorrelationID string `json:"correlation_id,omitempty"`
}

func (p JobPayload) Validate() error {
	if p.CourseID == "" {
		return fmt.Errorf("%w: missing course_id", ErrInvalidPayload)
	}
	if _, ok := config.TopicFor(p.Operation); !ok {
		return fmt.Errorf("%w: unknown operation %q", ErrInvalidPayload, p.Operation)
	}
	return nil
}

// Topic is the topic the payload is published to.
func (p JobPayload) Topic() string {
	t, _ := config.TopicFor(p.Operation)
	return t
}

func DecodePayload(body []byte) (JobPayload, error) {
	var p JobPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return p, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return p, p.Validate()
}

// permanentError marks an operation failure that a retry cannot fix.
type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent wraps err so the consumer records it without retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}
