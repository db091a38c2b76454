package task

import (
	"context"
	"sync"
)

// MemoryStore is an in-memory Store implementation for tests and
// database-free runs.
type MemoryStore struct {
	mu      sync.RWMutex
	tasks   map[string]*Task
	history map[string][]HistoryEntry
}

// NewMemoryStore creates an empty in-memory task store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tasks:   make(map[string]*Task),
		history: make(map[string][]HistoryEntry),
	}
}

func (s *MemoryStore) Create(ctx context.Context, t *Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.tasks[t.ID]; exists {
		return ErrExists
	}
	s.tasks[t.ID] = copyTask(t)
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.tasks[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyTask(t), nil
}

func (s *MemoryStore) Update(ctx context.Context, t *Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.tasks[t.ID]; !ok {
		return ErrNotFound
	}
	s.tasks[t.ID] = copyTask(t)
	return nil
}

func (s *MemoryStore) AppendHistory(ctx context.Context, taskID string, entry HistoryEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.tasks[taskID]; !ok {
		return ErrNotFound
	}
	s.history[taskID] = append(s.history[taskID], entry)
	return nil
}

func (s *MemoryStore) History(ctx context.Context, taskID string) ([]HistoryEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries := s.history[taskID]
	out := make([]HistoryEntry, len(entries))
	copy(out, entries)
	return out, nil
}

func (s *MemoryStore) ListByState(ctx context.Context, state State) ([]*Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Task
	for _, t := range s.tasks {
		if t.State == state {
			out = append(out, copyTask(t))
		}
	}
	return out, nil
}

func copyTask(t *Task) *Task {
	copied := *t
	if t.Checkpoint != nil {
		copied.Checkpoint = append([]byte(nil), t.Checkpoint...)
	}
	if t.Artifacts != nil {
		copied.Artifacts = append([]string(nil), t.Artifacts...)
	}
	if t.ErrorContext != nil {
		ec := *t.ErrorContext
		copied.ErrorContext = &ec
	}
	if t.NextRetryAt != nil {
		at := *t.NextRetryAt
		copied.NextRetryAt = &at
	}
	return &copied
}
