// Package lock serializes mutating operations per course.
package lock

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/semaphore"
)

type entry struct {
	sem  *semaphore.Weighted
	refs int
}

// Manager hands out one exclusive lock per course id. Locks for courses
// nobody holds or waits on are dropped.
type Manager struct {
	mu    sync.Mutex
	locks map[string]*entry
}

func NewManager() *Manager {
	return &Manager{locks: make(map[string]*entry)}
}

// Acquire blocks until the course lock is held or ctx is done. The returned
// release func may be called more than once.
func (m *Manager) Acquire(ctx context.Context, courseID string) (func(), error) {
	e := m.ref(courseID)

	if err := e.sem.Acquire(ctx, 1); err != nil {
		m.unref(courseID)
		return nil, fmt.Errorf("acquire lock for course %s: %w", courseID, err)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			e.sem.Release(1)
			m.unref(courseID)
		})
	}, nil
}

// Held reports the number of courses with a holder or waiter.
func (m *Manager) Held() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.locks)
}

func (m *Manager) ref(courseID string) *entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.locks[courseID]
	if !ok {
		e = &entry{sem: semaphore.NewWeighted(1)}
		m.locks[courseID] = e
	}
	e.refs++
	return e
}

func (m *Manager) unref(courseID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.locks[courseID]
	if !ok {
		return
	}
	e.refs--
	if e.refs == 0 {
		delete(m.locks, courseID)
	}
}
