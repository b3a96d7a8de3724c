package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"onboarding/apps/backend/internal/adapter/confluence"
)

var (
	ErrDocumentNotFound = errors.New("document not found")
	// ErrSourceUnavailable marks listing and probe failures of the source itself.
	ErrSourceUnavailable = errors.New("document source unavailable")
)

// SourceDocument is one page as fetched from the document source.
type SourceDocument struct {
	DocID   string
	Title   string
	Body    string
	Version int
	URL     string
}

// DocumentSource is where course documents come from. Fetch wraps
// ErrDocumentNotFound when the document no longer exists.
type DocumentSource interface {
	Fetch(ctx context.Context, docID string) (*SourceDocument, error)
	Children(ctx context.Context, docID string, recursive bool) ([]string, error)
}

// LabelSearcher is implemented by sources that can list documents by label.
type LabelSearcher interface {
	Labeled(ctx context.Context, label string) ([]string, error)
}

type ConfluenceSource struct {
	client *confluence.Client
}

func NewConfluenceSource(client *confluence.Client) *ConfluenceSource {
	return &ConfluenceSource{client: client}
}

func (s *ConfluenceSource) Fetch(ctx context.Context, docID string) (*SourceDocument, error) {
	page, err := s.client.Fetch(ctx, docID)
	if err != nil {
		if confluence.IsNotFound(err) {
			return nil, fmt.Errorf("%w: %v", ErrDocumentNotFound, err)
		}
		return nil, err
	}
	return &SourceDocument{
		DocID:   page.ID,
		Title:   page.Title,
		Body:    page.Body,
		Version: page.Version,
		URL:     page.URL,
	}, nil
}

func (s *ConfluenceSource) Children(ctx context.Context, docID string, recursive bool) ([]string, error) {
	ids, err := s.client.Children(ctx, docID, recursive)
	if err != nil && confluence.IsNotFound(err) {
		return nil, fmt.Errorf("%w: %v", ErrDocumentNotFound, err)
	}
	return ids, err
}

func (s *ConfluenceSource) Labeled(ctx context.Context, label string) ([]string, error) {
	pages, err := s.client.SearchByLabel(ctx, label)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(pages))
	for _, p := range pages {
		ids = append(ids, p.ID)
	}
	return ids, nil
}
