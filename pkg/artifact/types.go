// Package artifact provides append-only storage for agent outputs. A task
// accumulates artifacts over its lifetime and never deletes them; superseding
// versions are new artifacts, old ones remain for audit.
package artifact

import (
	"context"
	"errors"
	"time"

	"github.com/oklog/ulid/v2"
)

// Kind identifies what an artifact contains.
type Kind string

const (
	KindPlan          Kind = "plan"
	KindDesignBrief   Kind = "design-brief"
	KindGeneratedCode Kind = "generated-code"
	KindBuildOutput   Kind = "build-output"
)

// ErrNotFound is returned when an artifact id does not exist.
var ErrNotFound = errors.New("artifact not found")

// Artifact is an immutable, attributable output produced during a task.
// Payload holds the data by value; URL points at externally stored data.
// Exactly one of the two is expected to be set.
type Artifact struct {
	ID        string    `json:"id"`
	TaskID    string    `json:"taskId"`
	Kind      Kind      `json:"kind"`
	MimeType  string    `json:"mimeType"`
	Payload   []byte    `json:"payload,omitempty"`
	URL       string    `json:"url,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// New constructs an artifact with a fresh id.
func New(taskID string, kind Kind, mimeType string, payload []byte) *Artifact {
	return &Artifact{
		ID:        ulid.Make().String(),
		TaskID:    taskID,
		Kind:      kind,
		MimeType:  mimeType,
		Payload:   payload,
		CreatedAt: time.Now(),
	}
}

// Store is the append-only artifact store. Concurrent additions across
// tasks never conflict; there is no update or delete.
type Store interface {
	// Add persists a new artifact. The id must be unused.
	Add(ctx context.Context, a *Artifact) error

	// Get retrieves an artifact by id.
	Get(ctx context.Context, id string) (*Artifact, error)

	// ListByTask returns all artifacts for a task in creation order.
	ListByTask(ctx context.Context, taskID string) ([]*Artifact, error)
}
