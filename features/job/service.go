package job

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"onboarding/apps/backend/internal/config"
)

var (
	ErrUnknownOperation = errors.New("failed job has an unknown operation")
	ErrPublishTimeout   = errors.New("timeout waiting for NSQ publish")
)

const defaultPublishTimeout = 5 * time.Second

type EventPublisher interface {
	Publish(topic string, body []byte) error
}

type Service struct {
	repo           Repository
	pub            EventPublisher
	logger         *slog.Logger
	publishTimeout time.Duration
}

func NewService(repo Repository, pub EventPublisher, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, pub: pub, logger: logger, publishTimeout: defaultPublishTimeout}
}

func (s *Service) List(ctx context.Context, courseID string) ([]Job, error) {
	return s.repo.List(ctx, courseID)
}

// Discard drops a failed job without re-running it.
func (s *Service) Discard(ctx context.Context, id string) error {
	if err := s.repo.Delete(ctx, id); err != nil {
		return err
	}
	s.logger.InfoContext(ctx, "failed job discarded", "id", id)
	return nil
}

// Retry re-publishes the job to its operation's topic and removes it.
func (s *Service) Retry(ctx context.Context, id string) error {
	job, err := s.repo.Get(ctx, id)
	if err != nil {
		return err
	}

	topic, ok := config.TopicFor(job.Operation)
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownOperation, job.Operation)
	}

	done := make(chan error, 1)
	go func() { done <- s.pub.Publish(topic, job.Payload) }()

	select {
	case err := <-done:
		if err != nil {
			return err
		}
	case <-time.After(s.publishTimeout):
		return ErrPublishTimeout
	case <-ctx.Done():
		return ctx.Err()
	}

	s.logger.InfoContext(ctx, "failed job re-published", "id", id, "course_id", job.CourseID, "operation", job.Operation, "topic", topic)
	return s.repo.Delete(ctx, id)
}

func (s *Service) Count(ctx context.Context) (int, error) {
	return s.repo.Count(ctx)
}
