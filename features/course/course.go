package course

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound      = errors.New("course not found")
	ErrInvalidCourse = errors.New("invalid course")
	ErrCourseBusy    = errors.New("course is busy")
	ErrQuizDisabled  = errors.New("quiz is disabled for this course")
)

type Settings struct {
	FolderRecursion bool `json:"folder_recursion"`
	TestAtEnd       bool `json:"test_at_end"`
	// Labels pull in every page carrying one of them, next to LinkedPages.
	Labels []string `json:"labels,omitempty"`
}

// DefaultSettings applies when a request leaves a setting out.
func DefaultSettings() Settings {
	return Settings{FolderRecursion: true, TestAtEnd: true}
}

// Course is the configuration a course's documents and brief come from.
type Course struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Instructions string    `json:"instructions"`
	LinkedPages  []string  `json:"linked_pages"`
	Settings     Settings  `json:"settings"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

func (c *Course) Validate() error {
	if c.Name == "" {
		return errors.Join(ErrInvalidCourse, errors.New("name is required"))
	}
	if len(c.LinkedPages) == 0 && len(c.Settings.Labels) == 0 && c.Instructions == "" {
		return errors.Join(ErrInvalidCourse, errors.New("linked_pages, labels or instructions are required"))
	}
	return nil
}

type Repository interface {
	Save(ctx context.Context, c *Course) error
	Get(ctx context.Context, id string) (*Course, error)
	List(ctx context.Context) ([]Course, error)
	Update(ctx context.Context, c *Course) error
	Delete(ctx context.Context, id string) error
	Count(ctx context.Context) (int, error)
}
