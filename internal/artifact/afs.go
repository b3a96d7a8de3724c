package artifact

import (
	"bytes"
	"context"
	"fmt"
	"net/url"

	"github.com/google/uuid"
	"github.com/viant/afs"
	"github.com/viant/afs/file"
	"github.com/viant/afs/storage"
	aurl "github.com/viant/afs/url"
)

// AFSStore keeps artifacts as JSON objects under baseURL (file://, mem://, gs://, s3://...).
type AFSStore struct {
	fs      afs.Service
	baseURL string
}

func NewAFSStore(baseURL string) *AFSStore {
	return &AFSStore{fs: afs.New(), baseURL: baseURL}
}

func (s *AFSStore) objectURL(courseID string, kind Kind) string {
	return aurl.Join(s.baseURL, url.PathEscape(courseID), string(kind)+".json")
}

func (s *AFSStore) Get(ctx context.Context, courseID string, kind Kind) ([]byte, error) {
	URL := s.objectURL(courseID, kind)
	exists, err := s.fs.Exists(ctx, URL)
	if err != nil {
		return nil, fmt.Errorf("check %s: %w", URL, err)
	}
	if !exists {
		return nil, ErrNotFound
	}
	data, err := s.fs.DownloadWithURL(ctx, URL)
	if err != nil {
		return nil, fmt.Errorf("download %s: %w", URL, err)
	}
	return data, nil
}

// Put uploads to a temporary object and moves it over the final one, falling
// back to a direct upload when the backend cannot move.
func (s *AFSStore) Put(ctx context.Context, courseID string, kind Kind, data []byte) error {
	final := s.objectURL(courseID, kind)
	tmp := final + ".tmp-" + uuid.NewString()

	if err := s.fs.Upload(ctx, tmp, file.DefaultFileOsMode, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("upload temp artifact: %w", err)
	}

	type mover interface {
		Move(ctx context.Context, sourceURL, destURL string, options ...storage.Option) error
	}
	if mv, ok := any(s.fs).(mover); ok {
		if err := mv.Move(ctx, tmp, final); err == nil {
			return nil
		}
	}

	err := s.fs.Upload(ctx, final, file.DefaultFileOsMode, bytes.NewReader(data))
	_ = s.fs.Delete(ctx, tmp)
	if err != nil {
		return fmt.Errorf("upload artifact: %w", err)
	}
	return nil
}

func (s *AFSStore) Delete(ctx context.Context, courseID string, kind Kind) error {
	URL := s.objectURL(courseID, kind)
	exists, err := s.fs.Exists(ctx, URL)
	if err != nil {
		return fmt.Errorf("check %s: %w", URL, err)
	}
	if !exists {
		return nil
	}
	return s.fs.Delete(ctx, URL)
}
