package settings

import (
	"context"
	"errors"
	"fmt"
)

var ErrInvalidSettings = errors.New("invalid settings")

// Settings holds the generation knobs that can change at runtime.
type Settings struct {
	ID              int    `json:"-"`
	GeminiAPIKey    string `json:"gemini_api_key"`
	EmbeddingModel  string `json:"embedding_model"`
	GenerationModel string `json:"generation_model"`
	OutlineTopK     int    `json:"outline_top_k"`
	ModuleTopK      int    `json:"module_top_k"`
	QuizTopK        int    `json:"quiz_top_k"`
}

const (
	DefaultEmbeddingModel  = "gemini-embedding-001"
	DefaultGenerationModel = "gemini-2.0-flash"
	DefaultOutlineTopK     = 50
	DefaultModuleTopK      = 10
	DefaultQuizTopK        = 30
)

func (s *Settings) applyDefaults() {
	if s.EmbeddingModel == "" {
		s.EmbeddingModel = DefaultEmbeddingModel
	}
	if s.GenerationModel == "" {
		s.GenerationModel = DefaultGenerationModel
	}
	if s.OutlineTopK == 0 {
		s.OutlineTopK = DefaultOutlineTopK
	}
	if s.ModuleTopK == 0 {
		s.ModuleTopK = DefaultModuleTopK
	}
	if s.QuizTopK == 0 {
		s.QuizTopK = DefaultQuizTopK
	}
}

func (s *Settings) Validate() error {
	if s.OutlineTopK < 0 || s.ModuleTopK < 0 || s.QuizTopK < 0 {
		return fmt.Errorf("%w: top_k values must be positive", ErrInvalidSettings)
	}
	if s.OutlineTopK > 200 || s.ModuleTopK > 200 || s.QuizTopK > 200 {
		return fmt.Errorf("%w: top_k values must not exceed 200", ErrInvalidSettings)
	}
	return nil
}

type Repository interface {
	Get(ctx context.Context) (*Settings, error)
	Update(ctx context.Context, s *Settings) error
}

type Service struct {
	repo Repository
}

func NewService(repo Repository) *Service {
	return &Service{repo: repo}
}

// Get returns the stored settings with unset fields filled with defaults.
func (s *Service) Get(ctx context.Context) (*Settings, error) {
	set, err := s.repo.Get(ctx)
	if err != nil {
		return nil, err
	}
	set.applyDefaults()
	return set, nil
}

func (s *Service) Update(ctx context.Context, set *Settings) error {
	if err := set.Validate(); err != nil {
		return err
	}
	set.applyDefaults()
	return s.repo.Update(ctx, set)
}

// SeedAPIKey stores key when no key has been configured yet.
func (s *Service) SeedAPIKey(ctx context.Context, key string) (bool, error) {
	if key == "" {
		return false, nil
	}
	set, err := s.Get(ctx)
	if err != nil {
		return false, err
	}
	if set.GeminiAPIKey != "" {
		return false, nil
	}
	set.GeminiAPIKey = key
	return true, s.repo.Update(ctx, set)
}
