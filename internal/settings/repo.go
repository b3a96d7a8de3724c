package settings

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// The settings table holds a single row with id 1.
const (
	selectSettings = `SELECT gemini_api_key, embedding_model, generation_model,
		outline_top_k, module_top_k, quiz_top_k
		FROM settings WHERE id = 1`

	upsertSettings = `INSERT INTO settings
		(id, gemini_api_key, embedding_model, generation_model, outline_top_k, module_top_k, quiz_top_k, updated_at)
		VALUES (1, $1, $2, $3, $4, $5, $6, NOW())
		ON CONFLICT (id) DO UPDATE SET
			gemini_api_key = EXCLUDED.gemini_api_key,
			embedding_model = EXCLUDED.embedding_model,
			generation_model = EXCLUDED.generation_model,
			outline_top_k = EXCLUDED.outline_top_k,
			module_top_k = EXCLUDED.module_top_k,
			quiz_top_k = EXCLUDED.quiz_top_k,
			updated_at = NOW()`
)

type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo {
	return &PostgresRepo{db: db}
}

// Get returns the stored row, or a zero Settings when the row was never
// written.
func (r *PostgresRepo) Get(ctx context.Context) (*Settings, error) {
	s := &Settings{ID: 1}
	err := r.db.QueryRowContext(ctx, selectSettings).Scan(
		&s.GeminiAPIKey, &s.EmbeddingModel, &s.GenerationModel,
		&s.OutlineTopK, &s.ModuleTopK, &s.QuizTopK,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load settings: %w", err)
	}
	return s, nil
}

func (r *PostgresRepo) Update(ctx context.Context, s *Settings) error {
	_, err := r.db.ExecContext(ctx, upsertSettings,
		s.GeminiAPIKey, s.EmbeddingModel, s.GenerationModel,
		s.OutlineTopK, s.ModuleTopK, s.QuizTopK,
	)
	if err != nil {
		return fmt.Errorf("save settings: %w", err)
	}
	return nil
}
