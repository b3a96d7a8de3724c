package course

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"onboarding/apps/backend/internal/artifact"
	"onboarding/apps/backend/internal/change"
	"onboarding/apps/backend/internal/grading"
	"onboarding/apps/backend/internal/llm"
	"onboarding/apps/backend/internal/middleware"
	"onboarding/apps/backend/internal/orchestrator"
	"onboarding/apps/backend/internal/retrieval"
	"onboarding/apps/backend/internal/synth"
	"onboarding/apps/backend/internal/task"
	"onboarding/apps/backend/internal/worker"
)

type EventPublisher interface {
	Publish(topic string, body []byte) error
}

type Pipeline interface {
	Process(ctx context.Context, courseID string, docIDs []string) (*artifact.ProcessingRecord, error)
	Reprocess(ctx context.Context, courseID string, docIDs []string) (*artifact.ProcessingRecord, error)
	CheckForUpdates(ctx context.Context, courseID string, fresh []change.DocVersion) (change.Set, error)
	Probe(ctx context.Context, docIDs []string) ([]change.DocVersion, []artifact.FailedPage, error)
	ExpandDocuments(ctx context.Context, src orchestrator.CourseSources) ([]string, error)
}

type ContentGenerator interface {
	GenerateCourse(ctx context.Context, courseID string, numModules int, force bool) (*artifact.Course, error)
	GenerateQuiz(ctx context.Context, courseID string, numQuestions int, difficulty string, force bool) (*artifact.Quiz, error)
}

type CollectionDropper interface {
	DropCollection(ctx context.Context, courseID string) error
}

type TaskTracker interface {
	Get(ctx context.Context, courseID, op string) (*task.Status, error)
	Queue(ctx context.Context, courseID, op string) (*task.Status, error)
	Clear(ctx context.Context, courseID string) error
}

// Locker is the per-course lock shared with the job consumer.
type Locker interface {
	Acquire(ctx context.Context, courseID string) (func(), error)
}

// PartialCleanupError lists the artifacts DeleteCourse could not remove.
type PartialCleanupError struct {
	Failed map[string]error
}

func (e *PartialCleanupError) Error() string {
	parts := make([]string, 0, len(e.Failed))
	for k, err := range e.Failed {
		parts = append(parts, fmt.Sprintf("%s: %v", k, err))
	}
	sort.Strings(parts)
	return "partial cleanup: " + strings.Join(parts, "; ")
}

// UpdateReport is the result of checking a course's source for changes.
type UpdateReport struct {
	change.Set
	Unreachable []artifact.FailedPage `json:"unreachable"`
}

type Service struct {
	repo     Repository
	pub      EventPublisher
	pipeline Pipeline
	content  ContentGenerator
	index    CollectionDropper
	store    artifact.Store
	tasks    TaskTracker

	locks       Locker
	lockTimeout time.Duration
}

func NewService(repo Repository, pub EventPublisher, p Pipeline, g ContentGenerator, idx CollectionDropper, store artifact.Store, tasks TaskTracker) *Service {
	return &Service{repo: repo, pub: pub, pipeline: p, content: g, index: idx, store: store, tasks: tasks}
}

// WithLocks makes DeleteCourse wait for running jobs of the same course.
// timeout bounds the wait; zero waits as long as ctx allows.
func (s *Service) WithLocks(l Locker, timeout time.Duration) *Service {
	s.locks = l
	s.lockTimeout = timeout
	return s
}

// Create saves a course configuration and queues its first processing run.
func (s *Service) Create(ctx context.Context, c *Course) (*task.Status, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	if c.LinkedPages == nil {
		c.LinkedPages = []string{}
	}
	if err := s.repo.Save(ctx, c); err != nil {
		return nil, err
	}
	return s.Trigger(ctx, worker.JobPayload{Operation: task.OpProcess, CourseID: c.ID})
}

// Update saves the new configuration and queues a reprocess so the index
// follows the changed document list.
func (s *Service) Update(ctx context.Context, c *Course) (*task.Status, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	if c.LinkedPages == nil {
		c.LinkedPages = []string{}
	}
	if err := s.repo.Update(ctx, c); err != nil {
		return nil, err
	}
	return s.Trigger(ctx, worker.JobPayload{Operation: task.OpReprocess, CourseID: c.ID})
}

func (s *Service) List(ctx context.Context) ([]Course, error) {
	return s.repo.List(ctx)
}

func (s *Service) Get(ctx context.Context, id string) (*Course, error) {
	return s.repo.Get(ctx, id)
}

// Delete removes the course configuration and everything generated for it.
func (s *Service) Delete(ctx context.Context, id string) error {
	if _, err := s.repo.Get(ctx, id); err != nil {
		return err
	}
	// The row stays until cleanup succeeds so a repeated delete can finish it.
	if err := s.DeleteCourse(ctx, id); err != nil {
		return err
	}
	return s.repo.Delete(ctx, id)
}

func (s *Service) Count(ctx context.Context) (int, error) {
	return s.repo.Count(ctx)
}

func (s *Service) sources(ctx context.Context, courseID string) ([]string, error) {
	c, err := s.repo.Get(ctx, courseID)
	if err != nil {
		return nil, err
	}
	return s.pipeline.ExpandDocuments(ctx, orchestrator.CourseSources{
		LinkedPages:     c.LinkedPages,
		Labels:          c.Settings.Labels,
		Instructions:    c.Instructions,
		FolderRecursion: c.Settings.FolderRecursion,
	})
}

func (s *Service) Process(ctx context.Context, courseID string) (*artifact.ProcessingRecord, error) {
	ids, err := s.sources(ctx, courseID)
	if err != nil {
		return nil, err
	}
	return s.pipeline.Process(ctx, courseID, ids)
}

func (s *Service) Reprocess(ctx context.Context, courseID string) (*artifact.ProcessingRecord, error) {
	ids, err := s.sources(ctx, courseID)
	if err != nil {
		return nil, err
	}
	return s.pipeline.Reprocess(ctx, courseID, ids)
}

// CheckForUpdates probes the source for the course's current document
// versions and compares them with the last processing record.
func (s *Service) CheckForUpdates(ctx context.Context, courseID string) (*UpdateReport, error) {
	ids, err := s.sources(ctx, courseID)
	if err != nil {
		return nil, err
	}
	fresh, unreachable, err := s.pipeline.Probe(ctx, ids)
	if err != nil {
		return nil, err
	}
	set, err := s.pipeline.CheckForUpdates(ctx, courseID, fresh)
	if err != nil {
		return nil, err
	}
	if unreachable == nil {
		unreachable = []artifact.FailedPage{}
	}
	return &UpdateReport{Set: set, Unreachable: unreachable}, nil
}

func (s *Service) GenerateCourse(ctx context.Context, courseID string, numModules int, force bool) (*artifact.Course, error) {
	return s.content.GenerateCourse(ctx, courseID, numModules, force)
}

func (s *Service) GenerateQuiz(ctx context.Context, courseID string, numQuestions int, difficulty string, force bool) (*artifact.Quiz, error) {
	if err := s.quizEnabled(ctx, courseID); err != nil {
		return nil, err
	}
	return s.content.GenerateQuiz(ctx, courseID, numQuestions, difficulty, force)
}

func (s *Service) quizEnabled(ctx context.Context, courseID string) error {
	c, err := s.repo.Get(ctx, courseID)
	if err != nil {
		return err
	}
	if !c.Settings.TestAtEnd {
		return ErrQuizDisabled
	}
	return nil
}

// Grade scores answers against the course's current quiz.
func (s *Service) Grade(ctx context.Context, courseID string, answers []*int) (*artifact.QuizResult, error) {
	var quiz artifact.Quiz
	if err := artifact.GetJSON(ctx, s.store, courseID, artifact.KindQuiz, &quiz); err != nil {
		return nil, err
	}
	return grading.Grade(&quiz, answers)
}

// DeleteCourse removes the processing record, course, quiz and task records
// and drops the course's chunks. Every step is attempted.
func (s *Service) DeleteCourse(ctx context.Context, courseID string) error {
	if s.locks != nil {
		lockCtx := ctx
		if s.lockTimeout > 0 {
			var cancel context.CancelFunc
			lockCtx, cancel = context.WithTimeout(ctx, s.lockTimeout)
			defer cancel()
		}
		release, err := s.locks.Acquire(lockCtx, courseID)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrCourseBusy, err)
		}
		defer release()
	}

	failed := map[string]error{}
	for _, kind := range []artifact.Kind{artifact.KindProcessingRecord, artifact.KindCourse, artifact.KindQuiz} {
		if err := s.store.Delete(ctx, courseID, kind); err != nil {
			failed[string(kind)] = err
		}
	}
	if err := s.tasks.Clear(ctx, courseID); err != nil {
		failed["tasks"] = err
	}
	if err := s.index.DropCollection(ctx, courseID); err != nil {
		failed["index"] = err
	}
	if len(failed) > 0 {
		return &PartialCleanupError{Failed: failed}
	}
	slog.InfoContext(ctx, "course artifacts deleted", "course_id", courseID)
	return nil
}

func (s *Service) ProcessingRecord(ctx context.Context, courseID string) (*artifact.ProcessingRecord, error) {
	var rec artifact.ProcessingRecord
	if err := artifact.GetJSON(ctx, s.store, courseID, artifact.KindProcessingRecord, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *Service) Course(ctx context.Context, courseID string) (*artifact.Course, error) {
	var c artifact.Course
	if err := artifact.GetJSON(ctx, s.store, courseID, artifact.KindCourse, &c); err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *Service) PublicQuiz(ctx context.Context, courseID string) (*artifact.PublicQuiz, error) {
	var q artifact.Quiz
	if err := artifact.GetJSON(ctx, s.store, courseID, artifact.KindQuiz, &q); err != nil {
		return nil, err
	}
	return q.Public(), nil
}

func (s *Service) Status(ctx context.Context, courseID, op string) (*task.Status, error) {
	return s.tasks.Get(ctx, courseID, op)
}

// Trigger validates p, marks the task queued and publishes it to the
// operation's topic.
func (s *Service) Trigger(ctx context.Context, p worker.JobPayload) (*task.Status, error) {
	if !task.ValidOperation(p.Operation) {
		return nil, fmt.Errorf("%w: %s", task.ErrUnknownOperation, p.Operation)
	}
	if err := s.precheck(ctx, p); err != nil {
		return nil, err
	}
	if p.CorrelationID == "" {
		p.CorrelationID = middleware.GetCorrelationID(ctx)
	}

	body, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	status, err := s.tasks.Queue(ctx, p.CourseID, p.Operation)
	if err != nil {
		return nil, err
	}
	if err := s.pub.Publish(p.Topic(), body); err != nil {
		slog.ErrorContext(ctx, "failed to publish job", "topic", p.Topic(), "course_id", p.CourseID, "error", err)
		return nil, fmt.Errorf("publish %s: %w", p.Operation, err)
	}
	slog.InfoContext(ctx, "job published", "topic", p.Topic(), "course_id", p.CourseID)
	return status, nil
}

// precheck rejects jobs that cannot succeed before anything is queued.
func (s *Service) precheck(ctx context.Context, p worker.JobPayload) error {
	if _, err := s.repo.Get(ctx, p.CourseID); err != nil {
		return err
	}
	switch p.Operation {
	case task.OpGenerateCourse:
		if p.NumModules <= 0 {
			return fmt.Errorf("%w: num_modules must be positive", synth.ErrInvalidCount)
		}
	case task.OpGenerateQuiz:
		if err := s.quizEnabled(ctx, p.CourseID); err != nil {
			return err
		}
		if p.NumQuestions <= 0 {
			return fmt.Errorf("%w: num_questions must be positive", synth.ErrInvalidCount)
		}
		if !synth.ValidDifficulty(p.Difficulty) {
			return fmt.Errorf("%w: %q", synth.ErrInvalidDifficulty, p.Difficulty)
		}
	default:
		return nil
	}
	rec, err := s.ProcessingRecord(ctx, p.CourseID)
	if errors.Is(err, artifact.ErrNotFound) || (err == nil && len(rec.ProcessedPages) == 0) {
		return synth.ErrNotProcessed
	}
	return err
}

// Run executes a queued job. Failures of the generative service or of the
// course itself are permanent: the adapter already retried once. Only
// storage and source errors are left for the queue to retry.
func (s *Service) Run(ctx context.Context, p worker.JobPayload) error {
	var err error
	switch p.Operation {
	case task.OpProcess:
		_, err = s.Process(ctx, p.CourseID)
	case task.OpReprocess:
		_, err = s.Reprocess(ctx, p.CourseID)
	case task.OpGenerateCourse:
		_, err = s.GenerateCourse(ctx, p.CourseID, p.NumModules, p.Force)
	case task.OpGenerateQuiz:
		_, err = s.GenerateQuiz(ctx, p.CourseID, p.NumQuestions, p.Difficulty, p.Force)
	default:
		err = fmt.Errorf("%w: %s", task.ErrUnknownOperation, p.Operation)
	}
	if err != nil && permanent(err) {
		return worker.Permanent(err)
	}
	return err
}

func permanent(err error) bool {
	var genErr *synth.GenerationFailure
	var embedErr *retrieval.EmbeddingFailure
	if errors.As(err, &genErr) || errors.As(err, &embedErr) {
		return true
	}
	for _, target := range []error{
		ErrNotFound,
		ErrQuizDisabled,
		task.ErrUnknownOperation,
		synth.ErrInvalidCount,
		synth.ErrInvalidDifficulty,
		synth.ErrNotProcessed,
		llm.ErrMalformedRequest,
		llm.ErrNotConfigured,
		llm.ErrQuotaExceeded,
		llm.ErrTimeout,
		llm.ErrUnavailable,
		llm.ErrEmptyResponse,
		synth.ErrMalformedOutput,
		context.DeadlineExceeded,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// BriefSource serves course names and instructions to content generation.
type BriefSource struct {
	repo Repository
}

func NewBriefSource(repo Repository) *BriefSource {
	return &BriefSource{repo: repo}
}

func (b *BriefSource) Brief(ctx context.Context, courseID string) (synth.Brief, error) {
	c, err := b.repo.Get(ctx, courseID)
	if err != nil {
		return synth.Brief{}, err
	}
	return synth.Brief{Title: c.Name, Instructions: c.Instructions}, nil
}
