package course_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"testing"
	"time"

	"github.com/nsqio/go-nsq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"onboarding/apps/backend/features/course"
	"onboarding/apps/backend/features/job"
	"onboarding/apps/backend/internal/artifact"
	"onboarding/apps/backend/internal/config"
	"onboarding/apps/backend/internal/llm"
	"onboarding/apps/backend/internal/lock"
	"onboarding/apps/backend/internal/orchestrator"
	"onboarding/apps/backend/internal/retrieval"
	"onboarding/apps/backend/internal/synth"
	"onboarding/apps/backend/internal/task"
	"onboarding/apps/backend/internal/worker"
)

type MockRepo struct{ mock.Mock }

func (m *MockRepo) Save(ctx context.Context, c *course.Course) error {
	args := m.Called(ctx, c)
	if args.Error(0) == nil && c.ID == "" {
		c.ID = "new-id"
	}
	return args.Error(0)
}
func (m *MockRepo) Get(ctx context.Context, id string) (*course.Course, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*course.Course), args.Error(1)
}
func (m *MockRepo) List(ctx context.Context) ([]course.Course, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]course.Course), args.Error(1)
}
func (m *MockRepo) Update(ctx context.Context, c *course.Course) error {
	args := m.Called(ctx, c)
	return args.Error(0)
}
func (m *MockRepo) Delete(ctx context.Context, id string) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}
func (m *MockRepo) Count(ctx context.Context) (int, error) {
	args := m.Called(ctx)
	return args.Int(0), args.Error(1)
}

type MockPublisher struct{ mock.Mock }

func (m *MockPublisher) Publish(topic string, body []byte) error {
	args := m.Called(topic, body)
	return args.Error(0)
}

type MockGenerator struct{ mock.Mock }

func (m *MockGenerator) Complete(ctx context.Context, prompt string, schema llm.Schema) (string, error) {
	args := m.Called(ctx, prompt, schema)
	return args.String(0), args.Error(1)
}

type hashEmbedder struct{}

func (hashEmbedder) Embed(ctx context.Context, texts []string, mode llm.Mode) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		h := fnv.New64a()
		_, _ = h.Write([]byte(t))
		sum := h.Sum64()
		v := make([]float32, 8)
		for d := range v {
			v[d] = float32((sum>>(d*8))&0xff) + 1
		}
		out[i] = v
	}
	return out, nil
}

type pages map[string]*orchestrator.SourceDocument

func (p pages) Fetch(ctx context.Context, docID string) (*orchestrator.SourceDocument, error) {
	d, ok := p[docID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", orchestrator.ErrDocumentNotFound, docID)
	}
	cp := *d
	return &cp, nil
}

func (p pages) Children(ctx context.Context, docID string, recursive bool) ([]string, error) {
	return nil, nil
}

// gatedSource holds every Fetch until release is closed.
type gatedSource struct {
	pages
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (g *gatedSource) Fetch(ctx context.Context, docID string) (*orchestrator.SourceDocument, error) {
	g.once.Do(func() { close(g.entered) })
	<-g.release
	return g.pages.Fetch(ctx, docID)
}

type brokenSource struct{ pages }

func (brokenSource) Fetch(ctx context.Context, docID string) (*orchestrator.SourceDocument, error) {
	return nil, errors.New("confluence: 503 service unavailable")
}

type failedJobs struct {
	mu    sync.Mutex
	saved []*job.Job
}

func (f *failedJobs) Save(ctx context.Context, j *job.Job) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saved = append(f.saved, j)
	return nil
}

func jobMessage(t *testing.T, p worker.JobPayload, attempts uint16) *nsq.Message {
	t.Helper()
	body, err := json.Marshal(p)
	require.NoError(t, err)
	m := nsq.NewMessage(nsq.MessageID{}, body)
	m.Attempts = attempts
	return m
}

type failingDropper struct{ err error }

func (f failingDropper) DropCollection(ctx context.Context, courseID string) error { return f.err }

type env struct {
	repo    *MockRepo
	pub     *MockPublisher
	gen     *MockGenerator
	store   *artifact.MemoryStore
	index   *retrieval.Index
	tracker *task.Tracker
	svc     *course.Service
}

func newEnv(t *testing.T) *env {
	t.Helper()
	return newEnvWith(t, pages{
		"101": {DocID: "101", Title: "Deploys", Version: 2, Body: "<p>Every deploy goes through the release pipeline and needs one approval.</p>"},
		"102": {DocID: "102", Title: "On-call", Version: 5, Body: "<p>The primary on-call engineer acknowledges pages within five minutes.</p>"},
	})
}

func newEnvWith(t *testing.T, src orchestrator.DocumentSource) *env {
	t.Helper()
	e := &env{
		repo:  new(MockRepo),
		pub:   new(MockPublisher),
		gen:   new(MockGenerator),
		store: artifact.NewMemoryStore(),
	}
	e.index = retrieval.NewIndex(hashEmbedder{}, retrieval.NewMemoryStore(), retrieval.IndexConfig{BatchSize: 10}, nil)
	e.tracker = task.NewTracker(e.store)

	orch, err := orchestrator.New(src, e.index, e.store, orchestrator.Config{ChunkSize: 200, ChunkOverlap: 20})
	require.NoError(t, err)

	gen := synth.New(e.index, e.gen, e.store, nil, course.NewBriefSource(e.repo), 0)
	e.svc = course.NewService(e.repo, e.pub, orch, gen, e.index, e.store, e.tracker)

	e.repo.On("Get", mock.Anything, "c1").Return(&course.Course{
		ID:          "c1",
		Name:        "Platform Onboarding",
		LinkedPages: []string{"101", "https://acme.atlassian.net/wiki/spaces/ENG/pages/102/On-call"},
		Settings:    course.Settings{TestAtEnd: true},
	}, nil).Maybe()
	e.repo.On("Get", mock.Anything, "zzz").Return(nil, course.ErrNotFound).Maybe()
	return e
}

func quiz(n int) string {
	qs := make([]map[string]interface{}, n)
	for i := range qs {
		qs[i] = map[string]interface{}{
			"question":      fmt.Sprintf("Q%d", i+1),
			"options":       []string{"A) one", "B) two", "C) three", "D) four"},
			"correct_index": 1,
			"explanation":   "see docs",
		}
	}
	b, _ := json.Marshal(map[string]interface{}{"quiz_title": "Quiz", "questions": qs})
	return string(b)
}

func TestService_EndToEnd(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	rec, err := e.svc.Process(ctx, "c1")
	require.NoError(t, err)
	assert.Len(t, rec.ProcessedPages, 2)
	assert.Equal(t, "processed", rec.Status())

	report, err := e.svc.CheckForUpdates(ctx, "c1")
	require.NoError(t, err)
	assert.False(t, report.NeedsUpdate)
	assert.Empty(t, report.Unreachable)

	e.gen.On("Complete", mock.Anything, mock.Anything, llm.SchemaOutline).
		Return(`{"course_title":"x","course_description":"d","modules":[{"title":"Deploys","description":"pipeline"}]}`, nil)
	e.gen.On("Complete", mock.Anything, mock.Anything, llm.SchemaModule).
		Return(`{"title":"Deploys","overview":"o","content":"c","key_points":[],"takeaways":[]}`, nil)
	e.gen.On("Complete", mock.Anything, mock.Anything, llm.SchemaQuiz).Return(quiz(2), nil)

	c, err := e.svc.GenerateCourse(ctx, "c1", 1, false)
	require.NoError(t, err)
	assert.Equal(t, "Platform Onboarding", c.Title)
	assert.Equal(t, rec.SnapshotRef(), c.SnapshotRef)

	_, err = e.svc.GenerateQuiz(ctx, "c1", 2, synth.DifficultyEasy, false)
	require.NoError(t, err)

	public, err := e.svc.PublicQuiz(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, []string{"one", "two", "three", "four"}, public.Questions[0].Options)

	one := 1
	zero := 0
	result, err := e.svc.Grade(ctx, "c1", []*int{&one, &zero})
	require.NoError(t, err)
	assert.Equal(t, 50, result.ScorePercentage)
	assert.False(t, result.Passed)
}

func TestService_DeleteCourse_RemovesEverything(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	_, err := e.svc.Process(ctx, "c1")
	require.NoError(t, err)
	require.NoError(t, artifact.PutJSON(ctx, e.store, "c1", artifact.KindCourse, artifact.Course{Title: "t"}))
	require.NoError(t, artifact.PutJSON(ctx, e.store, "c1", artifact.KindQuiz, artifact.Quiz{QuizTitle: "q"}))
	_, err = e.tracker.Queue(ctx, "c1", task.OpProcess)
	require.NoError(t, err)

	require.NoError(t, e.svc.DeleteCourse(ctx, "c1"))

	_, err = e.svc.ProcessingRecord(ctx, "c1")
	assert.ErrorIs(t, err, artifact.ErrNotFound)
	_, err = e.svc.Course(ctx, "c1")
	assert.ErrorIs(t, err, artifact.ErrNotFound)
	_, err = e.svc.PublicQuiz(ctx, "c1")
	assert.ErrorIs(t, err, artifact.ErrNotFound)

	hits, err := e.index.Search(ctx, "c1", "deploy pipeline", 5)
	require.NoError(t, err)
	assert.Empty(t, hits)

	st, err := e.svc.Status(ctx, "c1", task.OpProcess)
	require.NoError(t, err)
	assert.Equal(t, task.StateNotStarted, st.State)

	// Idempotent.
	assert.NoError(t, e.svc.DeleteCourse(ctx, "c1"))
}

func TestService_DeleteCourse_Partial(t *testing.T) {
	store := artifact.NewMemoryStore()
	svc := course.NewService(new(MockRepo), nil, nil, nil, failingDropper{err: errors.New("weaviate down")}, store, task.NewTracker(store))
	require.NoError(t, artifact.PutJSON(context.Background(), store, "c1", artifact.KindCourse, artifact.Course{}))

	err := svc.DeleteCourse(context.Background(), "c1")
	var partial *course.PartialCleanupError
	require.ErrorAs(t, err, &partial)
	assert.Len(t, partial.Failed, 1)
	assert.Contains(t, partial.Failed, "index")

	_, err = store.Get(context.Background(), "c1", artifact.KindCourse)
	assert.ErrorIs(t, err, artifact.ErrNotFound)
}

func TestService_Delete_KeepsConfigOnPartialCleanup(t *testing.T) {
	store := artifact.NewMemoryStore()
	repo := new(MockRepo)
	repo.On("Get", mock.Anything, "c1").Return(&course.Course{ID: "c1", Name: "Onboarding"}, nil)
	svc := course.NewService(repo, nil, nil, nil, failingDropper{err: errors.New("weaviate down")}, store, task.NewTracker(store))

	err := svc.Delete(context.Background(), "c1")
	var partial *course.PartialCleanupError
	require.ErrorAs(t, err, &partial)
	repo.AssertNotCalled(t, "Delete", mock.Anything, mock.Anything)
}

func TestService_Trigger(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	e.pub.On("Publish", config.TopicCourseProcess, mock.MatchedBy(func(b []byte) bool {
		p, err := worker.DecodePayload(b)
		return err == nil && p.CourseID == "c1" && p.Operation == task.OpProcess
	})).Return(nil).Once()

	st, err := e.svc.Trigger(ctx, worker.JobPayload{Operation: task.OpProcess, CourseID: "c1"})
	require.NoError(t, err)
	assert.Equal(t, task.StateQueued, st.State)
	e.pub.AssertExpectations(t)
}

func TestService_Trigger_Validation(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	tests := []struct {
		name    string
		payload worker.JobPayload
		want    error
	}{
		{"unknown op", worker.JobPayload{Operation: "explode", CourseID: "c1"}, task.ErrUnknownOperation},
		{"unknown course", worker.JobPayload{Operation: task.OpProcess, CourseID: "zzz"}, course.ErrNotFound},
		{"zero modules", worker.JobPayload{Operation: task.OpGenerateCourse, CourseID: "c1"}, synth.ErrInvalidCount},
		{"bad difficulty", worker.JobPayload{Operation: task.OpGenerateQuiz, CourseID: "c1", NumQuestions: 3, Difficulty: "expert"}, synth.ErrInvalidDifficulty},
		{"not processed", worker.JobPayload{Operation: task.OpGenerateCourse, CourseID: "c1", NumModules: 3}, synth.ErrNotProcessed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := e.svc.Trigger(ctx, tt.payload)
			assert.ErrorIs(t, err, tt.want)
		})
	}
	e.pub.AssertNotCalled(t, "Publish", mock.Anything, mock.Anything)
}

func TestService_Create(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	_, err := e.svc.Create(ctx, &course.Course{Name: ""})
	assert.ErrorIs(t, err, course.ErrInvalidCourse)

	e.repo.On("Save", mock.Anything, mock.Anything).Return(nil).Once()
	e.repo.On("Get", mock.Anything, "new-id").Return(&course.Course{ID: "new-id", Name: "n"}, nil)
	e.pub.On("Publish", config.TopicCourseProcess, mock.Anything).Return(nil).Once()

	c := &course.Course{Name: "New hires", LinkedPages: []string{"101"}}
	st, err := e.svc.Create(ctx, c)
	require.NoError(t, err)
	assert.Equal(t, "new-id", c.ID)
	assert.Equal(t, task.OpProcess, st.Operation)
}

func TestService_Run_PermanentErrors(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	err := e.svc.Run(ctx, worker.JobPayload{Operation: task.OpGenerateCourse, CourseID: "c1", NumModules: 2})
	assert.ErrorIs(t, err, synth.ErrNotProcessed)
	assert.True(t, worker.IsPermanent(err))

	err = e.svc.Run(ctx, worker.JobPayload{Operation: task.OpProcess, CourseID: "c1"})
	assert.NoError(t, err)

	e.gen.On("Complete", mock.Anything, mock.Anything, llm.SchemaQuiz).Return("", llm.ErrQuotaExceeded)
	err = e.svc.Run(ctx, worker.JobPayload{Operation: task.OpGenerateQuiz, CourseID: "c1", NumQuestions: 2, Difficulty: "easy"})
	assert.ErrorIs(t, err, llm.ErrQuotaExceeded)
	assert.True(t, worker.IsPermanent(err))
}

func TestService_DeleteCourse_WaitsForRunningJob(t *testing.T) {
	src := &gatedSource{
		pages: pages{
			"101": {DocID: "101", Title: "Deploys", Version: 2, Body: "<p>Every deploy goes through the release pipeline.</p>"},
			"102": {DocID: "102", Title: "On-call", Version: 5, Body: "<p>Pages are acknowledged within five minutes.</p>"},
		},
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
	e := newEnvWith(t, src)
	ctx := context.Background()
	locks := lock.NewManager()
	e.svc.WithLocks(locks, 5*time.Second)
	consumer := worker.NewJobConsumer(e.svc, e.tracker, locks, nil, 1, time.Second)

	jobDone := make(chan error, 1)
	go func() {
		jobDone <- consumer.HandleMessage(jobMessage(t, worker.JobPayload{Operation: task.OpProcess, CourseID: "c1"}, 1))
	}()
	select {
	case <-src.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("process job never reached the source")
	}

	deleted := make(chan error, 1)
	go func() { deleted <- e.svc.DeleteCourse(ctx, "c1") }()
	select {
	case err := <-deleted:
		t.Fatalf("DeleteCourse returned %v while the course was being processed", err)
	case <-time.After(50 * time.Millisecond):
	}

	close(src.release)
	require.NoError(t, <-jobDone)
	require.NoError(t, <-deleted)

	_, err := e.svc.ProcessingRecord(ctx, "c1")
	assert.ErrorIs(t, err, artifact.ErrNotFound)
	n, err := e.index.CountChunks(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	st, err := e.svc.Status(ctx, "c1", task.OpProcess)
	require.NoError(t, err)
	assert.Equal(t, task.StateNotStarted, st.State)
}

func TestService_DeleteCourse_Busy(t *testing.T) {
	store := artifact.NewMemoryStore()
	locks := lock.NewManager()
	svc := course.NewService(new(MockRepo), nil, nil, nil, retrieval.NewIndex(hashEmbedder{}, retrieval.NewMemoryStore(), retrieval.IndexConfig{}, nil), store, task.NewTracker(store)).
		WithLocks(locks, 20*time.Millisecond)
	require.NoError(t, artifact.PutJSON(context.Background(), store, "c1", artifact.KindCourse, artifact.Course{}))

	release, err := locks.Acquire(context.Background(), "c1")
	require.NoError(t, err)
	defer release()

	err = svc.DeleteCourse(context.Background(), "c1")
	assert.ErrorIs(t, err, course.ErrCourseBusy)
	_, err = store.Get(context.Background(), "c1", artifact.KindCourse)
	assert.NoError(t, err)
}

func TestService_GenerationFailureIsNotRequeued(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	_, err := e.svc.Process(ctx, "c1")
	require.NoError(t, err)

	e.gen.On("Complete", mock.Anything, mock.Anything, llm.SchemaQuiz).Return("", llm.ErrQuotaExceeded)
	jobs := &failedJobs{}
	consumer := worker.NewJobConsumer(e.svc, e.tracker, lock.NewManager(), jobs, 3, time.Second)

	p := worker.JobPayload{Operation: task.OpGenerateQuiz, CourseID: "c1", NumQuestions: 2, Difficulty: synth.DifficultyEasy}
	assert.NoError(t, consumer.HandleMessage(jobMessage(t, p, 1)))

	e.gen.AssertNumberOfCalls(t, "Complete", 1)
	require.Len(t, jobs.saved, 1)
	assert.Equal(t, 1, jobs.saved[0].Retries)
	st, err := e.svc.Status(ctx, "c1", task.OpGenerateQuiz)
	require.NoError(t, err)
	assert.Equal(t, task.StateFailed, st.State)
}

func TestService_Update(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	_, err := e.svc.Update(ctx, &course.Course{ID: "c1"})
	assert.ErrorIs(t, err, course.ErrInvalidCourse)

	e.repo.On("Update", mock.Anything, mock.MatchedBy(func(c *course.Course) bool {
		return c.ID == "c1" && len(c.LinkedPages) == 1
	})).Return(nil).Once()
	e.pub.On("Publish", config.TopicCourseReprocess, mock.Anything).Return(nil).Once()

	st, err := e.svc.Update(ctx, &course.Course{ID: "c1", Name: "Platform Onboarding", LinkedPages: []string{"101"}})
	require.NoError(t, err)
	assert.Equal(t, task.OpReprocess, st.Operation)
	assert.Equal(t, task.StateQueued, st.State)

	e.repo.On("Update", mock.Anything, mock.Anything).Return(course.ErrNotFound).Once()
	_, err = e.svc.Update(ctx, &course.Course{ID: "zzz", Name: "x", Instructions: "y"})
	assert.ErrorIs(t, err, course.ErrNotFound)
	e.pub.AssertExpectations(t)
}

func TestService_QuizDisabled(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.repo.On("Get", mock.Anything, "no-quiz").Return(&course.Course{ID: "no-quiz", Name: "Reading only", LinkedPages: []string{"101"}}, nil)

	_, err := e.svc.Trigger(ctx, worker.JobPayload{Operation: task.OpGenerateQuiz, CourseID: "no-quiz", NumQuestions: 3, Difficulty: "easy"})
	assert.ErrorIs(t, err, course.ErrQuizDisabled)

	err = e.svc.Run(ctx, worker.JobPayload{Operation: task.OpGenerateQuiz, CourseID: "no-quiz", NumQuestions: 3, Difficulty: "easy"})
	assert.ErrorIs(t, err, course.ErrQuizDisabled)
	assert.True(t, worker.IsPermanent(err))
	e.gen.AssertNotCalled(t, "Complete", mock.Anything, mock.Anything, mock.Anything)
	e.pub.AssertNotCalled(t, "Publish", mock.Anything, mock.Anything)
}

func TestService_CheckForUpdates_SourceDown(t *testing.T) {
	e := newEnvWith(t, brokenSource{})

	_, err := e.svc.CheckForUpdates(context.Background(), "c1")
	assert.ErrorIs(t, err, orchestrator.ErrSourceUnavailable)
}
