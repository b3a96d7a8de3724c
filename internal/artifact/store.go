package artifact

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
)

var ErrNotFound = errors.New("artifact not found")

// Store is a key-value namespace of opaque artifacts keyed by (course, kind).
// Put replaces the whole value; readers never observe a partial write.
type Store interface {
	Get(ctx context.Context, courseID string, kind Kind) ([]byte, error)
	Put(ctx context.Context, courseID string, kind Kind, data []byte) error
	Delete(ctx context.Context, courseID string, kind Kind) error
}

func GetJSON(ctx context.Context, s Store, courseID string, kind Kind, v interface{}) error {
	data, err := s.Get(ctx, courseID, kind)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode %s for course %s: %w", kind, courseID, err)
	}
	return nil
}

func PutJSON(ctx context.Context, s Store, courseID string, kind Kind, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s for course %s: %w", kind, courseID, err)
	}
	return s.Put(ctx, courseID, kind, data)
}

// MemoryStore keeps artifacts in process memory.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string][]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string][]byte)}
}

func memKey(courseID string, kind Kind) string {
	return courseID + "/" + string(kind)
}

func (m *MemoryStore) Get(ctx context.Context, courseID string, kind Kind) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.data[memKey(courseID, kind)]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), data...), nil
}

func (m *MemoryStore) Put(ctx context.Context, courseID string, kind Kind, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[memKey(courseID, kind)] = append([]byte(nil), data...)
	return nil
}

func (m *MemoryStore) Delete(ctx context.Context, courseID string, kind Kind) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, memKey(courseID, kind))
	return nil
}
