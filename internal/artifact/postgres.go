package artifact

import (
	"context"
	"database/sql"
	"errors"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Get(ctx context.Context, courseID string, kind Kind) ([]byte, error) {
	var body []byte
	query := `SELECT body FROM artifacts WHERE course_id = $1 AND kind = $2`
	err := s.db.QueryRowContext(ctx, query, courseID, string(kind)).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return body, nil
}

func (s *PostgresStore) Put(ctx context.Context, courseID string, kind Kind, data []byte) error {
	query := `
		INSERT INTO artifacts (course_id, kind, body, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (course_id, kind) DO UPDATE SET body = EXCLUDED.body, updated_at = NOW()
	`
	_, err := s.db.ExecContext(ctx, query, courseID, string(kind), data)
	return err
}

func (s *PostgresStore) Delete(ctx context.Context, courseID string, kind Kind) error {
	query := `DELETE FROM artifacts WHERE course_id = $1 AND kind = $2`
	_, err := s.db.ExecContext(ctx, query, courseID, string(kind))
	return err
}
