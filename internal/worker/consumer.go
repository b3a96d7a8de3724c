package worker

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/nsqio/go-nsq"

	"onboarding/apps/backend/features/job"
	"onboarding/apps/backend/internal/middleware"
)

// Runner executes one course operation.
type Runner interface {
	Run(ctx context.Context, p JobPayload) error
}

type TaskTracker interface {
	Start(ctx context.Context, courseID, op string, attempt int) error
	Finish(ctx context.Context, courseID, op string, opErr error) error
}

type Locker interface {
	Acquire(ctx context.Context, courseID string) (func(), error)
}

// FailedJobStore keeps jobs that ran out of attempts.
type FailedJobStore interface {
	Save(ctx context.Context, j *job.Job) error
}

type JobConsumer struct {
	runner      Runner
	tasks       TaskTracker
	locks       Locker
	jobRepo     FailedJobStore
	maxAttempts int
	lockTimeout time.Duration
	touchEvery  time.Duration
}

func NewJobConsumer(r Runner, t TaskTracker, l Locker, j FailedJobStore, maxAttempts int, lockTimeout time.Duration) *JobConsumer {
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	return &JobConsumer{
		runner:      r,
		tasks:       t,
		locks:       l,
		jobRepo:     j,
		maxAttempts: maxAttempts,
		lockTimeout: lockTimeout,
	}
}

// WithTouchInterval makes HandleMessage touch the message at interval while
// the job runs so nsqd does not redeliver a long job. Zero disables it.
func (h *JobConsumer) WithTouchInterval(interval time.Duration) *JobConsumer {
	h.touchEvery = interval
	return h
}

func (h *JobConsumer) HandleMessage(m *nsq.Message) error {
	if len(m.Body) == 0 {
		return nil
	}

	payload, err := DecodePayload(m.Body)

	correlationID := payload.CorrelationID
	if correlationID == "" {
		correlationID = uuid.New().String()
	}
	ctx := middleware.WithCorrelationID(context.Background(), correlationID)

	if err != nil {
		// Poison pill: retrying cannot fix the body.
		slog.ErrorContext(ctx, "poison pill: dropping job", "error", err)
		return nil
	}

	attempt := int(m.Attempts)
	log := slog.With("course_id", payload.CourseID, "operation", payload.Operation, "attempt", attempt)

	stopTouch := h.keepAlive(m)
	defer stopTouch()

	release, err := h.acquire(ctx, payload.CourseID)
	if err != nil {
		return h.failed(ctx, log, payload, m.Body, err, attempt)
	}
	// Task records are written under the lock so a concurrent delete
	// cannot be followed by a stale status.
	defer release()

	if err := h.tasks.Start(ctx, payload.CourseID, payload.Operation, attempt); err != nil {
		log.WarnContext(ctx, "failed to record task start", "error", err)
	}

	runErr := h.runner.Run(ctx, payload)
	if runErr == nil {
		if err := h.tasks.Finish(ctx, payload.CourseID, payload.Operation, nil); err != nil {
			log.WarnContext(ctx, "failed to record task completion", "error", err)
		}
		log.InfoContext(ctx, "job completed")
		return nil
	}
	return h.failed(ctx, log, payload, m.Body, runErr, attempt)
}

// failed returns runErr so NSQ requeues the message while attempts remain;
// otherwise it records the failure and acks.
func (h *JobConsumer) failed(ctx context.Context, log *slog.Logger, p JobPayload, body []byte, runErr error, attempt int) error {
	if !IsPermanent(runErr) && attempt < h.maxAttempts {
		log.WarnContext(ctx, "job failed, will retry", "error", runErr)
		return runErr
	}

	log.ErrorContext(ctx, "job failed permanently", "error", runErr)
	if err := h.tasks.Finish(ctx, p.CourseID, p.Operation, runErr); err != nil {
		log.WarnContext(ctx, "failed to record task failure", "error", err)
	}
	h.saveFailed(ctx, p, body, runErr, attempt)
	return nil
}

func (h *JobConsumer) acquire(ctx context.Context, courseID string) (func(), error) {
	lockCtx := ctx
	if h.lockTimeout > 0 {
		var cancel context.CancelFunc
		lockCtx, cancel = context.WithTimeout(ctx, h.lockTimeout)
		defer cancel()
	}
	return h.locks.Acquire(lockCtx, courseID)
}

// keepAlive touches m until the returned func is called.
func (h *JobConsumer) keepAlive(m *nsq.Message) func() {
	if h.touchEvery <= 0 || m.Delegate == nil {
		return func() {}
	}
	done := make(chan struct{})
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		ticker := time.NewTicker(h.touchEvery)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.Touch()
			case <-done:
				return
			}
		}
	}()
	return func() {
		close(done)
		<-stopped
	}
}

func (h *JobConsumer) saveFailed(ctx context.Context, p JobPayload, body []byte, runErr error, attempts int) {
	if h.jobRepo == nil {
		return
	}
	failed := &job.Job{
		CourseID:  p.CourseID,
		Operation: p.Operation,
		Payload:   json.RawMessage(body),
		Error:     runErr.Error(),
		Retries:   attempts,
	}
	if err := h.jobRepo.Save(ctx, failed); err != nil {
		slog.ErrorContext(ctx, "failed to save failed job", "error", err)
		return
	}
	slog.InfoContext(ctx, "saved failed job for retry", "job_id", failed.ID)
}
