// Package checkpoint provides resumable progress snapshots and the retry
// policy for the orchestration pipeline. Checkpoints are written exclusively
// by the orchestrator; agents never touch task state.
package checkpoint

import (
	"encoding/json"
	"fmt"
	"time"
)

// SchemaVersion is bumped whenever the checkpoint data layout changes.
// Loads of older versions fail loudly instead of drifting silently.
const SchemaVersion = 1

// Checkpoint is a point-in-time, resumable snapshot of pipeline progress.
// Data carries whatever a step needs to be skipped deterministically on
// resume: ids of already-produced artifacts, the plan, intermediate code.
type Checkpoint struct {
	Version   int             `json:"version"`
	Step      string          `json:"step"`
	Data      json.RawMessage `json:"data,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// New constructs a checkpoint for a completed step.
func New(step string, data any) (*Checkpoint, error) {
	var raw json.RawMessage
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("marshal checkpoint data: %w", err)
		}
		raw = b
	}
	return &Checkpoint{
		Version:   SchemaVersion,
		Step:      step,
		Data:      raw,
		CreatedAt: time.Now(),
	}, nil
}

// Encode serializes the checkpoint for the persistence boundary.
func (c *Checkpoint) Encode() ([]byte, error) {
	return json.Marshal(c)
}

// Decode parses a persisted checkpoint and rejects unknown schema versions.
func Decode(raw []byte) (*Checkpoint, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var cp Checkpoint
	if err := json.Unmarshal(raw, &cp); err != nil {
		return nil, fmt.Errorf("parse checkpoint: %w", err)
	}
	if cp.Version != SchemaVersion {
		return nil, fmt.Errorf("unsupported checkpoint version %d (want %d)", cp.Version, SchemaVersion)
	}
	return &cp, nil
}

// DecodeData unmarshals the checkpoint's data blob into out.
func (c *Checkpoint) DecodeData(out any) error {
	if len(c.Data) == 0 {
		return fmt.Errorf("checkpoint at step %s has no data", c.Step)
	}
	return json.Unmarshal(c.Data, out)
}
