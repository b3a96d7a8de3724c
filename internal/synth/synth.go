// Package synth generates course modules and quizzes from a course's indexed
// content.
package synth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"onboarding/apps/backend/internal/artifact"
	"onboarding/apps/backend/internal/llm"
	"onboarding/apps/backend/internal/retrieval"
	"onboarding/apps/backend/internal/settings"
	"onboarding/apps/backend/internal/text"
)

const (
	DifficultyEasy   = "easy"
	DifficultyMedium = "medium"
	DifficultyHard   = "hard"

	optionsPerQuestion = 4
	maxModules         = 20
	maxQuestions       = 50
)

func ValidDifficulty(d string) bool {
	return d == DifficultyEasy || d == DifficultyMedium || d == DifficultyHard
}

// Brief is what the course is meant to teach.
type Brief struct {
	Title        string
	Instructions string
}

type Searcher interface {
	Search(ctx context.Context, courseID, query string, topK int) ([]retrieval.SearchResult, error)
}

type BriefProvider interface {
	Brief(ctx context.Context, courseID string) (Brief, error)
}

type SettingsProvider interface {
	Get(ctx context.Context) (*settings.Settings, error)
}

type Synthesizer struct {
	search          Searcher
	gen             llm.Generator
	store           artifact.Store
	settings        SettingsProvider
	briefs          BriefProvider
	generateTimeout time.Duration
	now             func() time.Time
}

func New(search Searcher, gen llm.Generator, store artifact.Store, set SettingsProvider, briefs BriefProvider, generateTimeout time.Duration) *Synthesizer {
	return &Synthesizer{
		search:          search,
		gen:             gen,
		store:           store,
		settings:        set,
		briefs:          briefs,
		generateTimeout: generateTimeout,
		now:             func() time.Time { return time.Now().UTC() },
	}
}

type topK struct {
	outline, module, quiz int
}

func (s *Synthesizer) topK(ctx context.Context) topK {
	k := topK{settings.DefaultOutlineTopK, settings.DefaultModuleTopK, settings.DefaultQuizTopK}
	if s.settings == nil {
		return k
	}
	set, err := s.settings.Get(ctx)
	if err != nil {
		slog.WarnContext(ctx, "failed to load generation settings, using defaults", "error", err)
		return k
	}
	if set.OutlineTopK > 0 {
		k.outline = set.OutlineTopK
	}
	if set.ModuleTopK > 0 {
		k.module = set.ModuleTopK
	}
	if set.QuizTopK > 0 {
		k.quiz = set.QuizTopK
	}
	return k
}

func (s *Synthesizer) record(ctx context.Context, courseID string) (*artifact.ProcessingRecord, error) {
	var record artifact.ProcessingRecord
	if err := artifact.GetJSON(ctx, s.store, courseID, artifact.KindProcessingRecord, &record); err != nil {
		if errors.Is(err, artifact.ErrNotFound) {
			return nil, ErrNotProcessed
		}
		return nil, err
	}
	if len(record.ProcessedPages) == 0 {
		return nil, ErrNotProcessed
	}
	return &record, nil
}

func (s *Synthesizer) brief(ctx context.Context, courseID string) Brief {
	b := Brief{Title: courseID}
	if s.briefs != nil {
		got, err := s.briefs.Brief(ctx, courseID)
		if err != nil {
			slog.WarnContext(ctx, "failed to load course brief", "course_id", courseID, "error", err)
		} else {
			b = got
		}
	}
	if cleaned, err := text.CleanHTML(b.Instructions); err == nil {
		b.Instructions = cleaned
	}
	if b.Title == "" {
		b.Title = courseID
	}
	return b
}

func (s *Synthesizer) complete(ctx context.Context, stage, prompt string, schema llm.Schema, out interface{}) error {
	if s.generateTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.generateTimeout)
		defer cancel()
	}
	raw, err := s.gen.Complete(ctx, prompt, schema)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, llm.ErrTimeout) {
			err = fmt.Errorf("%w: %v", llm.ErrTimeout, err)
		}
		return &GenerationFailure{Stage: stage, Err: err}
	}
	if err := json.Unmarshal([]byte(stripFences(raw)), out); err != nil {
		return &GenerationFailure{Stage: stage, Err: fmt.Errorf("%w: %v", ErrMalformedOutput, err)}
	}
	return nil
}

// stripFences removes a markdown code fence some models wrap JSON in.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}

type outline struct {
	CourseTitle       string `json:"course_title"`
	CourseDescription string `json:"course_description"`
	Modules           []struct {
		Title       string `json:"title"`
		Description string `json:"description"`
	} `json:"modules"`
}

type moduleBody struct {
	Title     string   `json:"title"`
	Overview  string   `json:"overview"`
	Content   string   `json:"content"`
	KeyPoints []string `json:"key_points"`
	Takeaways []string `json:"takeaways"`
}

// GenerateCourse builds a course of numModules modules. An existing course
// generated from the same document snapshot with the same module count is
// returned as is unless force is set.
func (s *Synthesizer) GenerateCourse(ctx context.Context, courseID string, numModules int, force bool) (*artifact.Course, error) {
	if numModules <= 0 || numModules > maxModules {
		return nil, fmt.Errorf("%w: num_modules must be between 1 and %d, got %d", ErrInvalidCount, maxModules, numModules)
	}
	record, err := s.record(ctx, courseID)
	if err != nil {
		return nil, err
	}
	snapshot := record.SnapshotRef()

	if !force {
		var existing artifact.Course
		err := artifact.GetJSON(ctx, s.store, courseID, artifact.KindCourse, &existing)
		if err == nil && existing.SnapshotRef == snapshot && len(existing.Modules) == numModules {
			slog.InfoContext(ctx, "reusing generated course", "course_id", courseID, "snapshot_ref", snapshot)
			return &existing, nil
		}
		if err != nil && !errors.Is(err, artifact.ErrNotFound) {
			return nil, err
		}
	}

	k := s.topK(ctx)
	b := s.brief(ctx, courseID)
	query := b.Instructions
	if strings.TrimSpace(query) == "" {
		query = b.Title
	}

	found, err := s.search.Search(ctx, courseID, query, k.outline)
	if err != nil {
		return nil, &GenerationFailure{Stage: "outline search", Err: err}
	}
	if len(found) == 0 {
		return nil, fmt.Errorf("%w: no indexed content", ErrNotProcessed)
	}

	var o outline
	prompt := outlinePrompt(b, numModules, contentSummary(found), joinContent(found, maxSourceChars))
	if err := s.complete(ctx, "outline", prompt, llm.SchemaOutline, &o); err != nil {
		return nil, err
	}
	if len(o.Modules) != numModules {
		return nil, &GenerationFailure{Stage: "outline", Err: fmt.Errorf("%w: expected %d modules, got %d", ErrMalformedOutput, numModules, len(o.Modules))}
	}

	modules := make([]artifact.Module, 0, numModules)
	for i, m := range o.Modules {
		stage := fmt.Sprintf("module %d", i+1)
		if strings.TrimSpace(m.Title) == "" {
			return nil, &GenerationFailure{Stage: "outline", Err: fmt.Errorf("%w: module %d has no title", ErrMalformedOutput, i+1)}
		}

		hits, err := s.search.Search(ctx, courseID, m.Title+" "+m.Description, k.module)
		if err != nil {
			return nil, &GenerationFailure{Stage: stage, Err: err}
		}

		var body moduleBody
		if err := s.complete(ctx, stage, modulePrompt(i+1, m.Title, m.Description, joinContent(hits, maxSourceChars)), llm.SchemaModule, &body); err != nil {
			return nil, err
		}
		if strings.TrimSpace(body.Overview) == "" || strings.TrimSpace(body.Content) == "" {
			return nil, &GenerationFailure{Stage: stage, Err: fmt.Errorf("%w: empty overview or content", ErrMalformedOutput)}
		}

		modules = append(modules, artifact.Module{
			ModuleNumber: i + 1,
			Title:        m.Title,
			Description:  m.Description,
			Overview:     body.Overview,
			Content:      body.Content,
			KeyPoints:    nonNil(body.KeyPoints),
			Takeaways:    nonNil(body.Takeaways),
			SourcePages:  docIDs(hits),
		})
	}

	title := o.CourseTitle
	if b.Title != courseID || title == "" {
		title = b.Title
	}
	course := &artifact.Course{
		CourseID:    courseID,
		Title:       title,
		Description: o.CourseDescription,
		Modules:     modules,
		SourcePages: record.DocIDs(),
		SnapshotRef: snapshot,
		GeneratedAt: s.now(),
	}
	if err := artifact.PutJSON(ctx, s.store, courseID, artifact.KindCourse, course); err != nil {
		return nil, fmt.Errorf("store course: %w", err)
	}
	slog.InfoContext(ctx, "course generated", "course_id", courseID, "modules", len(modules), "snapshot_ref", snapshot)
	return course, nil
}

type quizBody struct {
	QuizTitle string `json:"quiz_title"`
	Questions []struct {
		Question     string   `json:"question"`
		Options      []string `json:"options"`
		CorrectIndex *int     `json:"correct_index"`
		Explanation  string   `json:"explanation"`
		Difficulty   string   `json:"difficulty"`
	} `json:"questions"`
}

var optionPrefix = regexp.MustCompile(`^\s*(?:[A-Da-d]|[1-4])[).:]\s*`)

// CleanOption drops a leading "A) " style label from an option.
func CleanOption(o string) string {
	return strings.TrimSpace(optionPrefix.ReplaceAllString(o, ""))
}

// GenerateQuiz builds a quiz of numQuestions questions. An existing quiz for
// the same snapshot, count and difficulty is returned unless force is set.
func (s *Synthesizer) GenerateQuiz(ctx context.Context, courseID string, numQuestions int, difficulty string, force bool) (*artifact.Quiz, error) {
	if numQuestions <= 0 || numQuestions > maxQuestions {
		return nil, fmt.Errorf("%w: num_questions must be between 1 and %d, got %d", ErrInvalidCount, maxQuestions, numQuestions)
	}
	if !ValidDifficulty(difficulty) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidDifficulty, difficulty)
	}
	record, err := s.record(ctx, courseID)
	if err != nil {
		return nil, err
	}
	snapshot := record.SnapshotRef()

	if !force {
		var existing artifact.Quiz
		err := artifact.GetJSON(ctx, s.store, courseID, artifact.KindQuiz, &existing)
		if err == nil && existing.SnapshotRef == snapshot && len(existing.Questions) == numQuestions && existing.Difficulty == difficulty {
			slog.InfoContext(ctx, "reusing generated quiz", "course_id", courseID, "snapshot_ref", snapshot)
			return &existing, nil
		}
		if err != nil && !errors.Is(err, artifact.ErrNotFound) {
			return nil, err
		}
	}

	b := s.brief(ctx, courseID)
	query := b.Title + " " + b.Instructions
	topics := ""
	var course artifact.Course
	if err := artifact.GetJSON(ctx, s.store, courseID, artifact.KindCourse, &course); err == nil && len(course.Modules) > 0 {
		titles := make([]string, 0, len(course.Modules))
		for _, m := range course.Modules {
			titles = append(titles, m.Title)
		}
		query = strings.Join(titles, " ")
		topics = "Course modules: " + strings.Join(titles, "; ") + "\n"
	}

	hits, err := s.search.Search(ctx, courseID, query, s.topK(ctx).quiz)
	if err != nil {
		return nil, &GenerationFailure{Stage: "quiz search", Err: err}
	}
	if len(hits) == 0 {
		return nil, fmt.Errorf("%w: no indexed content", ErrNotProcessed)
	}

	var body quizBody
	prompt := quizPrompt(b, numQuestions, difficulty, topics, joinContent(hits, maxQuizSourceChars))
	if err := s.complete(ctx, "quiz", prompt, llm.SchemaQuiz, &body); err != nil {
		return nil, err
	}

	questions, err := validateQuestions(body, numQuestions, difficulty)
	if err != nil {
		return nil, &GenerationFailure{Stage: "quiz", Err: err}
	}

	title := strings.TrimSpace(body.QuizTitle)
	if title == "" {
		title = b.Title + " quiz"
	}
	quiz := &artifact.Quiz{
		CourseID:    courseID,
		QuizTitle:   title,
		Difficulty:  difficulty,
		Questions:   questions,
		SnapshotRef: snapshot,
		GeneratedAt: s.now(),
	}
	if err := artifact.PutJSON(ctx, s.store, courseID, artifact.KindQuiz, quiz); err != nil {
		return nil, fmt.Errorf("store quiz: %w", err)
	}
	slog.InfoContext(ctx, "quiz generated", "course_id", courseID, "questions", len(questions), "difficulty", difficulty)
	return quiz, nil
}

func validateQuestions(body quizBody, want int, difficulty string) ([]artifact.Question, error) {
	if len(body.Questions) != want {
		return nil, fmt.Errorf("%w: expected %d questions, got %d", ErrMalformedOutput, want, len(body.Questions))
	}
	out := make([]artifact.Question, 0, want)
	for i, q := range body.Questions {
		n := i + 1
		if strings.TrimSpace(q.Question) == "" {
			return nil, fmt.Errorf("%w: question %d has no text", ErrMalformedOutput, n)
		}
		if len(q.Options) != optionsPerQuestion {
			return nil, fmt.Errorf("%w: question %d has %d options", ErrMalformedOutput, n, len(q.Options))
		}
		options := make([]string, optionsPerQuestion)
		for j, o := range q.Options {
			options[j] = CleanOption(o)
			if options[j] == "" {
				return nil, fmt.Errorf("%w: question %d option %d is empty", ErrMalformedOutput, n, j+1)
			}
		}
		if q.CorrectIndex == nil || *q.CorrectIndex < 0 || *q.CorrectIndex >= optionsPerQuestion {
			return nil, fmt.Errorf("%w: question %d has no valid correct_index", ErrMalformedOutput, n)
		}
		d := strings.ToLower(strings.TrimSpace(q.Difficulty))
		if !ValidDifficulty(d) {
			d = difficulty
		}
		out = append(out, artifact.Question{
			Question:     strings.TrimSpace(q.Question),
			Options:      options,
			CorrectIndex: *q.CorrectIndex,
			Explanation:  strings.TrimSpace(q.Explanation),
			Difficulty:   d,
		})
	}
	return out, nil
}

func docIDs(results []retrieval.SearchResult) []string {
	seen := map[string]bool{}
	var ids []string
	for _, r := range results {
		if !seen[r.DocID] {
			seen[r.DocID] = true
			ids = append(ids, r.DocID)
		}
	}
	return ids
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
