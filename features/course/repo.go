package course

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"

	"github.com/lib/pq"
)

type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo {
	return &PostgresRepo{db: db}
}

func (r *PostgresRepo) Save(ctx context.Context, c *Course) error {
	settings, err := json.Marshal(c.Settings)
	if err != nil {
		return err
	}
	pages := c.LinkedPages
	if pages == nil {
		pages = []string{}
	}
	query := `INSERT INTO courses (name, instructions, linked_pages, settings) VALUES ($1, $2, $3, $4) RETURNING id, created_at, updated_at`
	return r.db.QueryRowContext(ctx, query, c.Name, c.Instructions, pq.Array(pages), settings).Scan(&c.ID, &c.CreatedAt, &c.UpdatedAt)
}

func (r *PostgresRepo) Get(ctx context.Context, id string) (*Course, error) {
	query := `SELECT id, name, instructions, linked_pages, settings, created_at, updated_at FROM courses WHERE id = $1`
	c, err := scanCourse(r.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return c, err
}

func (r *PostgresRepo) List(ctx context.Context) ([]Course, error) {
	query := `SELECT id, name, instructions, linked_pages, settings, created_at, updated_at FROM courses ORDER BY created_at DESC`
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var courses []Course
	for rows.Next() {
		c, err := scanCourse(rows)
		if err != nil {
			return nil, err
		}
		courses = append(courses, *c)
	}
	return courses, rows.Err()
}

// Update overwrites the editable fields of an existing course.
func (r *PostgresRepo) Update(ctx context.Context, c *Course) error {
	settings, err := json.Marshal(c.Settings)
	if err != nil {
		return err
	}
	pages := c.LinkedPages
	if pages == nil {
		pages = []string{}
	}
	query := `UPDATE courses SET name = $2, instructions = $3, linked_pages = $4, settings = $5, updated_at = NOW() WHERE id = $1 RETURNING created_at, updated_at`
	err = r.db.QueryRowContext(ctx, query, c.ID, c.Name, c.Instructions, pq.Array(pages), settings).Scan(&c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

func (r *PostgresRepo) Delete(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM courses WHERE id = $1`, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *PostgresRepo) Count(ctx context.Context) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM courses`).Scan(&count)
	return count, err
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanCourse(row scanner) (*Course, error) {
	c := &Course{}
	var settings []byte
	if err := row.Scan(&c.ID, &c.Name, &c.Instructions, pq.Array(&c.LinkedPages), &settings, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return nil, err
	}
	if len(settings) > 0 {
		if err := json.Unmarshal(settings, &c.Settings); err != nil {
			return nil, err
		}
	}
	if c.LinkedPages == nil {
		c.LinkedPages = []string{}
	}
	return c, nil
}
