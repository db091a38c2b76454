package task

import (
	"context"
	"errors"
)

var (
	// ErrNotFound is returned when a task id does not exist.
	ErrNotFound = errors.New("task not found")

	// ErrExists is returned by Create when the id is already taken.
	// Submission idempotency is built on this signal.
	ErrExists = errors.New("task already exists")
)

// Store is the durable task record store. The production implementation
// is SQLite-backed; the in-memory implementation runs the same test suite
// and backs isolated unit tests.
type Store interface {
	// Create persists a new task. Returns ErrExists if the id is taken.
	Create(ctx context.Context, t *Task) error

	// Get retrieves a task by id.
	Get(ctx context.Context, id string) (*Task, error)

	// Update persists the task's mutable fields. The caller is the
	// orchestrator's single writer path; no optimistic locking needed.
	Update(ctx context.Context, t *Task) error

	// AppendHistory appends one transition entry to the task's log.
	AppendHistory(ctx context.Context, taskID string, entry HistoryEntry) error

	// History returns the task's transitions in append order.
	History(ctx context.Context, taskID string) ([]HistoryEntry, error)

	// ListByState returns all tasks currently in the given state.
	// Used for crash recovery and the stale-task reaper.
	ListByState(ctx context.Context, state State) ([]*Task, error)
}
