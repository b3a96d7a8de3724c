package retrieval

import (
	"context"
	"math"
	"sort"
	"sync"
)

// MemoryStore is an in-process VectorStore with exact cosine search. It
// backs tests and single-node development setups.
type MemoryStore struct {
	mu     sync.RWMutex
	chunks map[string]map[string][]StoredChunk // course -> doc -> chunks
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{chunks: make(map[string]map[string][]StoredChunk)}
}

func (m *MemoryStore) ReplaceDocument(ctx context.Context, courseID, docID, generation string, chunks []StoredChunk) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	docs, ok := m.chunks[courseID]
	if !ok {
		docs = make(map[string][]StoredChunk)
		m.chunks[courseID] = docs
	}
	if len(chunks) == 0 {
		delete(docs, docID)
		return nil
	}
	docs[docID] = append([]StoredChunk(nil), chunks...)
	return nil
}

func (m *MemoryStore) Search(ctx context.Context, courseID string, vector []float32, limit int) ([]SearchResult, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var results []SearchResult
	for _, chunks := range m.chunks[courseID] {
		for _, c := range chunks {
			results = append(results, SearchResult{
				DocID:      c.DocID,
				Offset:     c.Offset,
				ChunkIndex: c.ChunkIndex,
				Content:    c.Content,
				Title:      c.Title,
				URL:        c.URL,
				Score:      cosine(vector, c.Vector),
			})
		}
	}
	sort.SliceStable(results, func(a, b int) bool {
		if results[a].Score != results[b].Score {
			return results[a].Score > results[b].Score
		}
		if results[a].DocID != results[b].DocID {
			return results[a].DocID < results[b].DocID
		}
		return results[a].Offset < results[b].Offset
	})
	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

func (m *MemoryStore) DeleteCourse(ctx context.Context, courseID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.chunks, courseID)
	return nil
}

func (m *MemoryStore) RetainDocuments(ctx context.Context, courseID string, docIDs []string) error {
	keep := make(map[string]bool, len(docIDs))
	for _, id := range docIDs {
		keep[id] = true
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for id := range m.chunks[courseID] {
		if !keep[id] {
			delete(m.chunks[courseID], id)
		}
	}
	return nil
}

func (m *MemoryStore) CountChunks(ctx context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, docs := range m.chunks {
		for _, chunks := range docs {
			n += len(chunks)
		}
	}
	return n, nil
}

// DocumentChunks returns the stored chunks of one document.
func (m *MemoryStore) DocumentChunks(courseID, docID string) []StoredChunk {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]StoredChunk(nil), m.chunks[courseID][docID]...)
}

func cosine(a, b []float32) float32 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return float32(dot / (math.Sqrt(na) * math.Sqrt(nb)))
}
