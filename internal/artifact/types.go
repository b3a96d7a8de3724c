package artifact

import (
	"encoding/binary"
	"encoding/hex"
	"sort"
	"strconv"
	"time"

	"github.com/minio/highwayhash"
)

// Kind names one artifact type in a course's namespace.
type Kind string

const (
	KindProcessingRecord Kind = "processing_record"
	KindCourse           Kind = "course"
	KindQuiz             Kind = "quiz"
)

// TaskKind is the kind under which the status of op is stored.
func TaskKind(op string) Kind {
	return Kind("task." + op)
}

type ProcessedPage struct {
	DocID       string    `json:"doc_id"`
	Title       string    `json:"title"`
	URL         string    `json:"url"`
	Version     int       `json:"version"`
	Chunks      int       `json:"chunks"`
	ProcessedAt time.Time `json:"processed_at"`
}

type FailedPage struct {
	DocID string `json:"doc_id"`
	Error string `json:"error"`
}

// ProcessingRecord is the outcome of one orchestration run over a course's
// documents. It is always written whole.
type ProcessingRecord struct {
	CourseID       string          `json:"course_id"`
	TotalPages     int             `json:"total_pages"`
	ProcessedPages []ProcessedPage `json:"processed_pages"`
	FailedPages    []FailedPage    `json:"failed_pages"`
	ProcessedAt    time.Time       `json:"processed_at"`
}

// Processed reports whether the course can be used for generation: at least
// one document succeeded, or there was nothing to process.
func (r *ProcessingRecord) Processed() bool {
	if r == nil {
		return false
	}
	return len(r.ProcessedPages) > 0 || r.TotalPages == 0
}

// Partial reports a processed course with at least one failed document.
func (r *ProcessingRecord) Partial() bool {
	return r.Processed() && len(r.FailedPages) > 0
}

// Empty reports the degenerate "processed, nothing in it" state.
func (r *ProcessingRecord) Empty() bool {
	return r != nil && r.TotalPages == 0
}

// Status is a one-word summary used by status endpoints and logs.
func (r *ProcessingRecord) Status() string {
	switch {
	case r == nil:
		return "not_processed"
	case r.Empty():
		return "empty"
	case !r.Processed():
		return "failed"
	case r.Partial():
		return "partial"
	default:
		return "processed"
	}
}

// Versions maps every successfully processed document to its version.
func (r *ProcessingRecord) Versions() map[string]int {
	out := make(map[string]int, len(r.ProcessedPages))
	for _, p := range r.ProcessedPages {
		out[p.DocID] = p.Version
	}
	return out
}

func (r *ProcessingRecord) DocIDs() []string {
	ids := make([]string, 0, len(r.ProcessedPages))
	for _, p := range r.ProcessedPages {
		ids = append(ids, p.DocID)
	}
	return ids
}

var fingerprintKey = []byte("onboarding-course-snapshot-key-1")

// SnapshotRef fingerprints the document version set the record describes.
// Two records over the same (doc_id, version) pairs share a ref regardless
// of order or processing time.
func (r *ProcessingRecord) SnapshotRef() string {
	if r == nil {
		return ""
	}
	pairs := make([]string, 0, len(r.ProcessedPages))
	for _, p := range r.ProcessedPages {
		pairs = append(pairs, p.DocID+"@"+strconv.Itoa(p.Version))
	}
	sort.Strings(pairs)

	parts := append([]string{r.CourseID}, pairs...)
	return Fingerprint(parts...)
}

// Fingerprint is a 64-bit highwayhash of parts, hex encoded.
func Fingerprint(parts ...string) string {
	h, err := highwayhash.New64(fingerprintKey)
	if err != nil {
		// key length is fixed at 32 bytes
		panic(err)
	}
	var sep [1]byte
	for _, p := range parts {
		_, _ = h.Write([]byte(p))
		_, _ = h.Write(sep[:])
	}
	var out [8]byte
	binary.BigEndian.PutUint64(out[:], h.Sum64())
	return hex.EncodeToString(out[:])
}

type Module struct {
	ModuleNumber int      `json:"module_number"`
	Title        string   `json:"title"`
	Description  string   `json:"description,omitempty"`
	Overview     string   `json:"overview"`
	Content      string   `json:"content"`
	KeyPoints    []string `json:"key_points"`
	Takeaways    []string `json:"takeaways"`
	SourcePages  []string `json:"source_pages,omitempty"`
}

type Course struct {
	CourseID    string    `json:"course_id"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	Modules     []Module  `json:"modules"`
	SourcePages []string  `json:"source_pages"`
	SnapshotRef string    `json:"snapshot_ref"`
	GeneratedAt time.Time `json:"generated_at"`
}

type Question struct {
	Question     string   `json:"question"`
	Options      []string `json:"options"`
	CorrectIndex int      `json:"correct_index"`
	Explanation  string   `json:"explanation"`
	Difficulty   string   `json:"difficulty"`
}

type Quiz struct {
	CourseID    string     `json:"course_id"`
	QuizTitle   string     `json:"quiz_title"`
	Difficulty  string     `json:"difficulty"`
	Questions   []Question `json:"questions"`
	SnapshotRef string     `json:"snapshot_ref"`
	GeneratedAt time.Time  `json:"generated_at"`
}

// PublicQuestion is a question as shown to a quiz taker.
type PublicQuestion struct {
	Number     int      `json:"number"`
	Question   string   `json:"question"`
	Options    []string `json:"options"`
	Difficulty string   `json:"difficulty"`
}

type PublicQuiz struct {
	CourseID   string           `json:"course_id"`
	QuizTitle  string           `json:"quiz_title"`
	Difficulty string           `json:"difficulty"`
	Questions  []PublicQuestion `json:"questions"`
}

// Public strips the answer key and explanations.
func (q *Quiz) Public() *PublicQuiz {
	pq := &PublicQuiz{
		CourseID:   q.CourseID,
		QuizTitle:  q.QuizTitle,
		Difficulty: q.Difficulty,
		Questions:  make([]PublicQuestion, 0, len(q.Questions)),
	}
	for i, question := range q.Questions {
		pq.Questions = append(pq.Questions, PublicQuestion{
			Number:     i + 1,
			Question:   question.Question,
			Options:    append([]string(nil), question.Options...),
			Difficulty: question.Difficulty,
		})
	}
	return pq
}

type QuestionResult struct {
	IsCorrect   bool   `json:"is_correct"`
	Selected    int    `json:"selected"`
	Correct     int    `json:"correct"`
	Explanation string `json:"explanation"`
}

type QuizResult struct {
	ScorePercentage int              `json:"score_percentage"`
	CorrectCount    int              `json:"correct_count"`
	Total           int              `json:"total"`
	Passed          bool             `json:"passed"`
	PerQuestion     []QuestionResult `json:"per_question"`
}
