// Package retrieval embeds course chunks and answers similarity queries
// against the per-course collection.
package retrieval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"onboarding/apps/backend/internal/llm"
	"onboarding/apps/backend/internal/middleware"
	"onboarding/apps/backend/internal/text"
)

var ErrInvalidQuery = errors.New("invalid search query")

var chunkNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("onboarding/course-chunk"))

// ChunkID is the deterministic object id of a chunk within a generation.
func ChunkID(courseID, docID string, offset int, generation string) string {
	return uuid.NewSHA1(chunkNamespace, []byte(fmt.Sprintf("%s/%s/%d/%s", courseID, docID, offset, generation))).String()
}

// EmbeddingFailure reports that a document could not be embedded. The
// document's previously indexed chunks are untouched.
type EmbeddingFailure struct {
	DocID string
	Err   error
}

func (e *EmbeddingFailure) Error() string {
	return fmt.Sprintf("embedding failed for document %s: %v", e.DocID, e.Err)
}

func (e *EmbeddingFailure) Unwrap() error { return e.Err }

// StoredChunk is a chunk with its vector, as written to a VectorStore.
type StoredChunk struct {
	CourseID   string
	DocID      string
	Title      string
	URL        string
	ChunkIndex int
	Offset     int
	Content    string
	Vector     []float32
}

type SearchResult struct {
	DocID      string  `json:"doc_id"`
	Offset     int     `json:"offset"`
	ChunkIndex int     `json:"chunk_index"`
	Content    string  `json:"content"`
	Title      string  `json:"title,omitempty"`
	URL        string  `json:"url,omitempty"`
	Score      float32 `json:"score"`
}

// VectorStore persists chunk vectors per course.
type VectorStore interface {
	// ReplaceDocument writes chunks under generation and then removes the
	// document's chunks of every other generation. If the write fails the
	// document's previous chunks must remain searchable.
	ReplaceDocument(ctx context.Context, courseID, docID, generation string, chunks []StoredChunk) error
	Search(ctx context.Context, courseID string, vector []float32, limit int) ([]SearchResult, error)
	DeleteCourse(ctx context.Context, courseID string) error
	// RetainDocuments removes chunks of documents not listed in docIDs.
	RetainDocuments(ctx context.Context, courseID string, docIDs []string) error
	CountChunks(ctx context.Context) (int, error)
}

type IndexConfig struct {
	BatchSize    int
	Workers      int
	EmbedTimeout time.Duration
}

type Index struct {
	embedder llm.Embedder
	store    VectorStore
	cfg      IndexConfig
	logger   *QueryLogger
}

func NewIndex(e llm.Embedder, s VectorStore, cfg IndexConfig, l *QueryLogger) *Index {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	return &Index{embedder: e, store: s, cfg: cfg, logger: l}
}

type upsertOptions struct {
	title string
	url   string
}

type UpsertOption func(*upsertOptions)

// WithSource attaches the page title and URL to every chunk of the document.
func WithSource(title, url string) UpsertOption {
	return func(o *upsertOptions) {
		o.title = title
		o.url = url
	}
}

// Upsert replaces the indexed chunks of docID with chunks. Vectors are
// computed for every chunk before anything is written.
func (i *Index) Upsert(ctx context.Context, courseID, docID string, chunks []text.Chunk, opts ...UpsertOption) error {
	var o upsertOptions
	for _, opt := range opts {
		opt(&o)
	}

	vectors, err := i.embedChunks(ctx, chunks)
	if err != nil {
		return &EmbeddingFailure{DocID: docID, Err: err}
	}

	stored := make([]StoredChunk, len(chunks))
	for n, c := range chunks {
		stored[n] = StoredChunk{
			CourseID:   courseID,
			DocID:      docID,
			Title:      o.title,
			URL:        o.url,
			ChunkIndex: c.Index,
			Offset:     c.Offset,
			Content:    c.Content,
			Vector:     vectors[n],
		}
	}

	generation := uuid.NewString()
	if err := i.store.ReplaceDocument(ctx, courseID, docID, generation, stored); err != nil {
		return fmt.Errorf("write chunks for document %s: %w", docID, err)
	}
	slog.DebugContext(ctx, "document indexed", "course_id", courseID, "doc_id", docID, "chunks", len(stored), "generation", generation)
	return nil
}

func (i *Index) embedChunks(ctx context.Context, chunks []text.Chunk) ([][]float32, error) {
	vectors := make([][]float32, len(chunks))
	if len(chunks) == 0 {
		return vectors, nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(i.cfg.Workers)

	for start := 0; start < len(chunks); start += i.cfg.BatchSize {
		start := start
		end := min(start+i.cfg.BatchSize, len(chunks))
		g.Go(func() error {
			texts := make([]string, 0, end-start)
			for _, c := range chunks[start:end] {
				texts = append(texts, c.Content)
			}

			callCtx := gctx
			if i.cfg.EmbedTimeout > 0 {
				var cancel context.CancelFunc
				callCtx, cancel = context.WithTimeout(gctx, i.cfg.EmbedTimeout)
				defer cancel()
			}

			out, err := i.embedder.Embed(callCtx, texts, llm.ModeDocument)
			if err != nil {
				return err
			}
			if len(out) != len(texts) {
				return fmt.Errorf("%w: expected %d vectors, got %d", llm.ErrEmptyResponse, len(texts), len(out))
			}
			copy(vectors[start:end], out)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return vectors, nil
}

// Search embeds query in query mode and returns up to topK chunks of the
// course, most similar first.
func (i *Index) Search(ctx context.Context, courseID, query string, topK int) ([]SearchResult, error) {
	if topK <= 0 {
		return nil, fmt.Errorf("%w: top_k must be positive", ErrInvalidQuery)
	}
	start := time.Now()

	embedCtx := ctx
	if i.cfg.EmbedTimeout > 0 {
		var cancel context.CancelFunc
		embedCtx, cancel = context.WithTimeout(ctx, i.cfg.EmbedTimeout)
		defer cancel()
	}
	vecs, err := i.embedder.Embed(embedCtx, []string{query}, llm.ModeQuery)
	if err != nil {
		return nil, err
	}
	if len(vecs) != 1 {
		return nil, fmt.Errorf("%w: expected 1 query vector, got %d", llm.ErrEmptyResponse, len(vecs))
	}

	results, err := i.store.Search(ctx, courseID, vecs[0], topK)
	if err != nil {
		return nil, err
	}
	if results == nil {
		results = []SearchResult{}
	}

	if i.logger != nil {
		entry := QueryLogEntry{
			CorrelationID: middleware.GetCorrelationID(ctx),
			CourseID:      courseID,
			Query:         query,
			TopK:          topK,
			NumResults:    len(results),
			Duration:      time.Since(start),
		}
		if len(results) > 0 {
			entry.TopScore = results[0].Score
		}
		i.logger.Log(entry)
	}
	return results, nil
}

// DropCollection removes every chunk of the course. Dropping an unknown
// course is not an error.
func (i *Index) DropCollection(ctx context.Context, courseID string) error {
	return i.store.DeleteCourse(ctx, courseID)
}

// Retain removes chunks of documents outside docIDs.
func (i *Index) Retain(ctx context.Context, courseID string, docIDs []string) error {
	if len(docIDs) == 0 {
		return i.store.DeleteCourse(ctx, courseID)
	}
	return i.store.RetainDocuments(ctx, courseID, docIDs)
}

func (i *Index) CountChunks(ctx context.Context) (int, error) {
	return i.store.CountChunks(ctx)
}
