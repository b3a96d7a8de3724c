package job

import (
	"encoding/json"
	"time"
)

// Job is a course operation that exhausted its attempts.
type Job struct {
	ID        string          `json:"id"`
	CourseID  string          `json:"course_id"`
	Operation string          `json:"operation"`
	Payload   json.RawMessage `json:"payload"`
	Error     string          `json:"error"`
	Retries   int             `json:"retries"`
	CreatedAt time.Time       `json:"created_at"`
}
