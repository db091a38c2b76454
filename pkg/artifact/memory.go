package artifact

import (
	"context"
	"fmt"
	"sync"
)

// MemoryStore is an in-memory Store implementation. It backs tests and
// single-process runs without a database; the SQLite store passes the same
// suite.
type MemoryStore struct {
	mu     sync.RWMutex
	byID   map[string]*Artifact
	byTask map[string][]*Artifact
}

// NewMemoryStore creates an empty in-memory artifact store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:   make(map[string]*Artifact),
		byTask: make(map[string][]*Artifact),
	}
}

func (s *MemoryStore) Add(ctx context.Context, a *Artifact) error {
	if a == nil || a.ID == "" {
		return fmt.Errorf("artifact missing id")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.byID[a.ID]; exists {
		return fmt.Errorf("artifact %s already exists", a.ID)
	}

	copied := *a
	s.byID[a.ID] = &copied
	s.byTask[a.TaskID] = append(s.byTask[a.TaskID], &copied)
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*Artifact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	copied := *a
	return &copied, nil
}

func (s *MemoryStore) ListByTask(ctx context.Context, taskID string) ([]*Artifact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	list := s.byTask[taskID]
	out := make([]*Artifact, len(list))
	for i, a := range list {
		copied := *a
		out[i] = &copied
	}
	return out, nil
}
