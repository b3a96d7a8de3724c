package retrieval_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"onboarding/apps/backend/internal/llm"
	"onboarding/apps/backend/internal/retrieval"
	"onboarding/apps/backend/internal/text"
)

// fakeEmbedder maps every text onto a vector derived from its first letter.
type fakeEmbedder struct {
	mu    sync.Mutex
	calls [][]string
	modes []llm.Mode
	err   error
}

func (f *fakeEmbedder) Embed(ctx context.Context, texts []string, mode llm.Mode) ([][]float32, error) {
	f.mu.Lock()
	f.calls = append(f.calls, texts)
	f.modes = append(f.modes, mode)
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v := []float32{0, 0, 0}
		switch {
		case strings.HasPrefix(t, "a"):
			v[0] = 1
		case strings.HasPrefix(t, "b"):
			v[1] = 1
		default:
			v[2] = 1
		}
		out[i] = v
	}
	return out, nil
}

// hangingEmbedder blocks until its context ends.
type hangingEmbedder struct{}

func (hangingEmbedder) Embed(ctx context.Context, texts []string, mode llm.Mode) ([][]float32, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

type MockStore struct{ mock.Mock }

func (m *MockStore) ReplaceDocument(ctx context.Context, courseID, docID, generation string, chunks []retrieval.StoredChunk) error {
	return m.Called(ctx, courseID, docID, generation, chunks).Error(0)
}

func (m *MockStore) Search(ctx context.Context, courseID string, vector []float32, limit int) ([]retrieval.SearchResult, error) {
	args := m.Called(ctx, courseID, vector, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]retrieval.SearchResult), args.Error(1)
}

func (m *MockStore) DeleteCourse(ctx context.Context, courseID string) error {
	return m.Called(ctx, courseID).Error(0)
}

func (m *MockStore) RetainDocuments(ctx context.Context, courseID string, docIDs []string) error {
	return m.Called(ctx, courseID, docIDs).Error(0)
}

func (m *MockStore) CountChunks(ctx context.Context) (int, error) {
	args := m.Called(ctx)
	return args.Int(0), args.Error(1)
}

func chunksOf(t *testing.T, docID, body string) []text.Chunk {
	t.Helper()
	chunks, err := text.Split(docID, body, 10, 0)
	require.NoError(t, err)
	return chunks
}

func TestIndex_Upsert(t *testing.T) {
	t.Run("batches embeddings and writes once", func(t *testing.T) {
		emb := &fakeEmbedder{}
		store := retrieval.NewMemoryStore()
		idx := retrieval.NewIndex(emb, store, retrieval.IndexConfig{BatchSize: 2, Workers: 2}, nil)

		chunks := chunksOf(t, "d1", strings.Repeat("a", 50))
		require.Len(t, chunks, 5)

		err := idx.Upsert(context.Background(), "c1", "d1", chunks, retrieval.WithSource("Intro", "https://wiki/pages/1"))
		require.NoError(t, err)

		assert.Len(t, emb.calls, 3)
		for _, m := range emb.modes {
			assert.Equal(t, llm.ModeDocument, m)
		}

		stored := store.DocumentChunks("c1", "d1")
		require.Len(t, stored, 5)
		for i, c := range stored {
			assert.Equal(t, i*10, c.Offset)
			assert.Equal(t, "Intro", c.Title)
			assert.Equal(t, []float32{1, 0, 0}, c.Vector)
		}
	})

	t.Run("embedding failure leaves old chunks", func(t *testing.T) {
		store := retrieval.NewMemoryStore()
		good := retrieval.NewIndex(&fakeEmbedder{}, store, retrieval.IndexConfig{}, nil)
		require.NoError(t, good.Upsert(context.Background(), "c1", "d1", chunksOf(t, "d1", "aaaa")))

		bad := retrieval.NewIndex(&fakeEmbedder{err: llm.ErrQuotaExceeded}, store, retrieval.IndexConfig{}, nil)
		err := bad.Upsert(context.Background(), "c1", "d1", chunksOf(t, "d1", "bbbbbbbbbbbbbbb"))

		var failure *retrieval.EmbeddingFailure
		require.ErrorAs(t, err, &failure)
		assert.Equal(t, "d1", failure.DocID)
		assert.ErrorIs(t, err, llm.ErrQuotaExceeded)

		stored := store.DocumentChunks("c1", "d1")
		require.Len(t, stored, 1)
		assert.Equal(t, "aaaa", stored[0].Content)
	})

	t.Run("store failure is wrapped", func(t *testing.T) {
		store := new(MockStore)
		store.On("ReplaceDocument", mock.Anything, "c1", "d1", mock.AnythingOfType("string"), mock.Anything).
			Return(errors.New("weaviate down"))

		idx := retrieval.NewIndex(&fakeEmbedder{}, store, retrieval.IndexConfig{}, nil)
		err := idx.Upsert(context.Background(), "c1", "d1", chunksOf(t, "d1", "abc"))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "weaviate down")

		var failure *retrieval.EmbeddingFailure
		assert.False(t, errors.As(err, &failure))
	})

	t.Run("generation is fresh per upsert", func(t *testing.T) {
		store := new(MockStore)
		var generations []string
		store.On("ReplaceDocument", mock.Anything, "c1", "d1", mock.AnythingOfType("string"), mock.Anything).
			Run(func(args mock.Arguments) { generations = append(generations, args.String(3)) }).
			Return(nil)

		idx := retrieval.NewIndex(&fakeEmbedder{}, store, retrieval.IndexConfig{}, nil)
		require.NoError(t, idx.Upsert(context.Background(), "c1", "d1", chunksOf(t, "d1", "abc")))
		require.NoError(t, idx.Upsert(context.Background(), "c1", "d1", chunksOf(t, "d1", "abc")))

		require.Len(t, generations, 2)
		assert.NotEqual(t, generations[0], generations[1])
	})
}

func TestIndex_Search(t *testing.T) {
	ctx := context.Background()

	t.Run("ranks by similarity and logs", func(t *testing.T) {
		emb := &fakeEmbedder{}
		store := retrieval.NewMemoryStore()
		var buf bytes.Buffer
		idx := retrieval.NewIndex(emb, store, retrieval.IndexConfig{}, retrieval.NewQueryLogger(&buf))

		require.NoError(t, idx.Upsert(ctx, "c1", "alpha", chunksOf(t, "alpha", "aaaa")))
		require.NoError(t, idx.Upsert(ctx, "c1", "beta", chunksOf(t, "beta", "bbbb")))
		require.NoError(t, idx.Upsert(ctx, "c2", "other", chunksOf(t, "other", "bbbb")))

		results, err := idx.Search(ctx, "c1", "b query", 5)
		require.NoError(t, err)
		require.Len(t, results, 2)
		assert.Equal(t, "beta", results[0].DocID)
		assert.Greater(t, results[0].Score, results[1].Score)
		assert.Equal(t, llm.ModeQuery, emb.modes[len(emb.modes)-1])

		var entry retrieval.QueryLogEntry
		require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
		assert.Equal(t, "c1", entry.CourseID)
		assert.Equal(t, 2, entry.NumResults)
		assert.Equal(t, results[0].Score, entry.TopScore)
	})

	t.Run("empty collection yields empty slice", func(t *testing.T) {
		idx := retrieval.NewIndex(&fakeEmbedder{}, retrieval.NewMemoryStore(), retrieval.IndexConfig{}, nil)
		results, err := idx.Search(ctx, "missing", "anything", 3)
		require.NoError(t, err)
		assert.NotNil(t, results)
		assert.Empty(t, results)
	})

	t.Run("hung query embedding times out", func(t *testing.T) {
		idx := retrieval.NewIndex(hangingEmbedder{}, retrieval.NewMemoryStore(), retrieval.IndexConfig{EmbedTimeout: 50 * time.Millisecond}, nil)
		ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()

		begin := time.Now()
		_, err := idx.Search(ctx, "c1", "anything", 3)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
		assert.Less(t, time.Since(begin), time.Second)
	})

	t.Run("invalid top k", func(t *testing.T) {
		emb := &fakeEmbedder{}
		idx := retrieval.NewIndex(emb, retrieval.NewMemoryStore(), retrieval.IndexConfig{}, nil)
		_, err := idx.Search(ctx, "c1", "q", 0)
		assert.ErrorIs(t, err, retrieval.ErrInvalidQuery)
		assert.Empty(t, emb.calls)
	})
}

func TestIndex_DropAndRetain(t *testing.T) {
	ctx := context.Background()
	store := retrieval.NewMemoryStore()
	idx := retrieval.NewIndex(&fakeEmbedder{}, store, retrieval.IndexConfig{}, nil)

	require.NoError(t, idx.Upsert(ctx, "c1", "a", chunksOf(t, "a", "aaaa")))
	require.NoError(t, idx.Upsert(ctx, "c1", "b", chunksOf(t, "b", "bbbb")))

	require.NoError(t, idx.Retain(ctx, "c1", []string{"a"}))
	assert.Empty(t, store.DocumentChunks("c1", "b"))
	assert.Len(t, store.DocumentChunks("c1", "a"), 1)

	n, err := idx.CountChunks(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.NoError(t, idx.DropCollection(ctx, "c1"))
	require.NoError(t, idx.DropCollection(ctx, "c1"))
	n, _ = idx.CountChunks(ctx)
	assert.Equal(t, 0, n)

	mockStore := new(MockStore)
	mockStore.On("DeleteCourse", mock.Anything, "c3").Return(nil)
	empty := retrieval.NewIndex(&fakeEmbedder{}, mockStore, retrieval.IndexConfig{}, nil)
	require.NoError(t, empty.Retain(ctx, "c3", nil))
	mockStore.AssertExpectations(t)
}
