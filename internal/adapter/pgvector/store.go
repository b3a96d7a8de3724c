// Package pgvector stores course chunks in Postgres with the vector
// extension, as an alternative to Weaviate.
package pgvector

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"

	"onboarding/apps/backend/internal/retrieval"
)

// maxIndexedDim is the largest dimension ivfflat can index.
const maxIndexedDim = 2000

type Config struct {
	ConnString string
	VectorDim  int
}

type Store struct {
	pool *pgxpool.Pool
	dim  int
}

var _ retrieval.VectorStore = (*Store)(nil)

func NewStore(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.VectorDim <= 0 {
		return nil, fmt.Errorf("vector dimension must be positive, got %d", cfg.VectorDim)
	}
	pool, err := pgxpool.New(ctx, cfg.ConnString)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to pgvector database: %w", err)
	}
	s := &Store{pool: pool, dim: cfg.VectorDim}
	if err := s.initialize(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initialize(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, "CREATE EXTENSION IF NOT EXISTS vector"); err != nil {
		return fmt.Errorf("failed to create vector extension: %w", err)
	}

	createTable := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS course_chunks (
			id TEXT PRIMARY KEY,
			course_id TEXT NOT NULL,
			doc_id TEXT NOT NULL,
			generation TEXT NOT NULL,
			chunk_index INTEGER NOT NULL,
			chunk_offset INTEGER NOT NULL,
			content TEXT NOT NULL,
			title TEXT NOT NULL DEFAULT '',
			url TEXT NOT NULL DEFAULT '',
			embedding vector(%d) NOT NULL
		)`, s.dim)
	if _, err := s.pool.Exec(ctx, createTable); err != nil {
		return fmt.Errorf("failed to create course_chunks: %w", err)
	}
	if _, err := s.pool.Exec(ctx, `CREATE INDEX IF NOT EXISTS course_chunks_course_doc_idx ON course_chunks (course_id, doc_id)`); err != nil {
		return fmt.Errorf("failed to create course index: %w", err)
	}

	if s.dim <= maxIndexedDim {
		createIndex := `
			CREATE INDEX IF NOT EXISTS course_chunks_embedding_idx
			ON course_chunks
			USING ivfflat (embedding vector_cosine_ops)
			WITH (lists = 100)`
		if _, err := s.pool.Exec(ctx, createIndex); err != nil {
			return fmt.Errorf("failed to create embedding index: %w", err)
		}
	}
	return nil
}

// ReplaceDocument swaps the document's chunks inside one transaction.
func (s *Store) ReplaceDocument(ctx context.Context, courseID, docID, generation string, chunks []retrieval.StoredChunk) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM course_chunks WHERE course_id = $1 AND doc_id = $2`, courseID, docID); err != nil {
		return fmt.Errorf("failed to clear document: %w", err)
	}

	insert := `
		INSERT INTO course_chunks (id, course_id, doc_id, generation, chunk_index, chunk_offset, content, title, url, embedding)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`
	for _, c := range chunks {
		if len(c.Vector) != s.dim {
			return fmt.Errorf("chunk at offset %d has dimension %d, want %d", c.Offset, len(c.Vector), s.dim)
		}
		id := retrieval.ChunkID(courseID, docID, c.Offset, generation)
		_, err := tx.Exec(ctx, insert, id, courseID, docID, generation, c.ChunkIndex, c.Offset, c.Content, c.Title, c.URL, pgvector.NewVector(c.Vector))
		if err != nil {
			return fmt.Errorf("failed to insert chunk: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (s *Store) Search(ctx context.Context, courseID string, vec []float32, limit int) ([]retrieval.SearchResult, error) {
	query := `
		SELECT doc_id, chunk_offset, chunk_index, content, title, url, 1 - (embedding <=> $2) AS score
		FROM course_chunks
		WHERE course_id = $1
		ORDER BY embedding <=> $2
		LIMIT $3`

	rows, err := s.pool.Query(ctx, query, courseID, pgvector.NewVector(vec), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query chunks: %w", err)
	}
	defer rows.Close()

	results := []retrieval.SearchResult{}
	for rows.Next() {
		var r retrieval.SearchResult
		var score float64
		if err := rows.Scan(&r.DocID, &r.Offset, &r.ChunkIndex, &r.Content, &r.Title, &r.URL, &score); err != nil {
			return nil, fmt.Errorf("failed to scan chunk: %w", err)
		}
		r.Score = float32(score)
		results = append(results, r)
	}
	return results, rows.Err()
}

func (s *Store) DeleteCourse(ctx context.Context, courseID string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM course_chunks WHERE course_id = $1`, courseID)
	return err
}

func (s *Store) RetainDocuments(ctx context.Context, courseID string, docIDs []string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM course_chunks WHERE course_id = $1 AND NOT (doc_id = ANY($2))`, courseID, docIDs)
	return err
}

func (s *Store) CountChunks(ctx context.Context) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM course_chunks`).Scan(&n)
	return n, err
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}
