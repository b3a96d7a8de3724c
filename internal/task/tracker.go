// Package task records the lifecycle of asynchronous course operations.
package task

import (
	"context"
	"errors"
	"fmt"
	"time"

	"onboarding/apps/backend/internal/artifact"
)

type State string

const (
	StateNotStarted State = "not_started"
	StateQueued     State = "queued"
	StateRunning    State = "running"
	StateDone       State = "done"
	StateFailed     State = "failed"
)

const (
	OpProcess        = "process"
	OpReprocess      = "reprocess"
	OpGenerateCourse = "generate_course"
	OpGenerateQuiz   = "generate_quiz"
)

var ErrUnknownOperation = errors.New("unknown operation")

// Operations lists every operation that runs through the worker.
var Operations = []string{OpProcess, OpReprocess, OpGenerateCourse, OpGenerateQuiz}

func ValidOperation(op string) bool {
	for _, o := range Operations {
		if o == op {
			return true
		}
	}
	return false
}

type Status struct {
	CourseID   string     `json:"course_id"`
	Operation  string     `json:"operation"`
	State      State      `json:"state"`
	Error      string     `json:"error,omitempty"`
	Attempts   int        `json:"attempts,omitempty"`
	QueuedAt   *time.Time `json:"queued_at,omitempty"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

type Tracker struct {
	store artifact.Store
	now   func() time.Time
}

func NewTracker(store artifact.Store) *Tracker {
	return &Tracker{store: store, now: func() time.Time { return time.Now().UTC() }}
}

// Get returns the last recorded status, or a not_started status.
func (t *Tracker) Get(ctx context.Context, courseID, op string) (*Status, error) {
	if !ValidOperation(op) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownOperation, op)
	}
	var st Status
	err := artifact.GetJSON(ctx, t.store, courseID, artifact.TaskKind(op), &st)
	if errors.Is(err, artifact.ErrNotFound) {
		return &Status{CourseID: courseID, Operation: op, State: StateNotStarted}, nil
	}
	if err != nil {
		return nil, err
	}
	return &st, nil
}

// Queue marks op as accepted but not yet picked up by a worker.
func (t *Tracker) Queue(ctx context.Context, courseID, op string) (*Status, error) {
	now := t.now()
	st := &Status{CourseID: courseID, Operation: op, State: StateQueued, QueuedAt: &now}
	return st, t.put(ctx, st)
}

func (t *Tracker) Start(ctx context.Context, courseID, op string, attempt int) error {
	prev, err := t.Get(ctx, courseID, op)
	if err != nil {
		return err
	}
	now := t.now()
	st := &Status{
		CourseID:  courseID,
		Operation: op,
		State:     StateRunning,
		Attempts:  attempt,
		QueuedAt:  prev.QueuedAt,
		StartedAt: &now,
	}
	return t.put(ctx, st)
}

// Finish records the outcome of op. A nil opErr marks it done.
func (t *Tracker) Finish(ctx context.Context, courseID, op string, opErr error) error {
	st, err := t.Get(ctx, courseID, op)
	if err != nil {
		return err
	}
	now := t.now()
	st.FinishedAt = &now
	st.State = StateDone
	st.Error = ""
	if opErr != nil {
		st.State = StateFailed
		st.Error = opErr.Error()
	}
	return t.put(ctx, st)
}

// Clear removes the status of every operation for courseID.
func (t *Tracker) Clear(ctx context.Context, courseID string) error {
	var errs []error
	for _, op := range Operations {
		if err := t.store.Delete(ctx, courseID, artifact.TaskKind(op)); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", op, err))
		}
	}
	return errors.Join(errs...)
}

func (t *Tracker) put(ctx context.Context, st *Status) error {
	if !ValidOperation(st.Operation) {
		return fmt.Errorf("%w: %s", ErrUnknownOperation, st.Operation)
	}
	return artifact.PutJSON(ctx, t.store, st.CourseID, artifact.TaskKind(st.Operation), st)
}
