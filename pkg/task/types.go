// Package task defines the durable record of one end-to-end generation
// request: its state machine, history, checkpoint, and retry bookkeeping.
// The orchestrator is the single writer; agents never mutate a task.
package task

import (
	"encoding/json"
	"time"

	"github.com/scenesmith/scenesmith/pkg/errors"
)

// State is the lifecycle state of a task.
type State string

const (
	StateSubmitted     State = "submitted"
	StateWorking       State = "working"
	StateInputRequired State = "input-required"
	StateCompleted     State = "completed"
	StateFailed        State = "failed"
)

// Terminal reports whether the state ends the record's natural lifecycle.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// legalTransitions enumerates the only moves the state machine accepts.
// failed -> submitted is the external resubmit path; failed never
// auto-transitions.
var legalTransitions = map[State][]State{
	StateSubmitted:     {StateWorking},
	StateWorking:       {StateCompleted, StateFailed, StateInputRequired},
	StateInputRequired: {StateWorking},
	StateFailed:        {StateSubmitted},
	StateCompleted:     {},
}

// CanTransition reports whether from -> to is a legal move.
func CanTransition(from, to State) bool {
	for _, next := range legalTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Pipeline step names, in execution order. LastSuccessfulStep is
// monotonically non-decreasing over this ordering.
const (
	StepPlan     = "plan"
	StepBrief    = "generate-brief"
	StepCode     = "generate-code"
	StepValidate = "validate"
	StepBuild    = "build"
)

var stepOrder = []string{StepPlan, StepBrief, StepCode, StepValidate, StepBuild}

// StepIndex returns the position of a step in the pipeline, or -1 for
// unknown steps (including the empty "no step yet" marker).
func StepIndex(step string) int {
	for i, s := range stepOrder {
		if s == step {
			return i
		}
	}
	return -1
}

// NextStep returns the step after the given one, or "" when the pipeline
// is exhausted. An empty step maps to the first step.
func NextStep(step string) string {
	if step == "" {
		return stepOrder[0]
	}
	idx := StepIndex(step)
	if idx < 0 || idx+1 >= len(stepOrder) {
		return ""
	}
	return stepOrder[idx+1]
}

// HistoryEntry records one state transition for audit and debugging.
type HistoryEntry struct {
	PrevState State     `json:"prevState"`
	NextState State     `json:"nextState"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"createdAt"`
}

// ErrorContext holds structured last-failure details.
type ErrorContext struct {
	Step      string `json:"step"`
	Message   string `json:"message"`
	Retriable bool   `json:"retriable"`
}

// Task is the durable unit of work. Mutated exclusively by the
// orchestrator; immutable once it reaches a terminal state.
type Task struct {
	ID                 string          `json:"id"`
	Type               string          `json:"type"`
	State              State           `json:"state"`
	Payload            json.RawMessage `json:"payload,omitempty"`
	LastSuccessfulStep string          `json:"lastSuccessfulStep"`
	Checkpoint         []byte          `json:"checkpoint,omitempty"`
	Artifacts          []string        `json:"artifacts,omitempty"`
	ErrorContext       *ErrorContext   `json:"errorContext,omitempty"`
	FixAttempts        int             `json:"fixAttempts"`
	RetryCount         int             `json:"retryCount"`
	NextRetryAt        *time.Time      `json:"nextRetryAt,omitempty"`
	RequiresInput      bool            `json:"requiresInput"`
	InputType          string          `json:"inputType,omitempty"`
	CreatedAt          time.Time       `json:"createdAt"`
	UpdatedAt          time.Time       `json:"updatedAt"`
}

// New constructs a freshly submitted task.
func New(id, taskType string, payload json.RawMessage) *Task {
	now := time.Now()
	return &Task{
		ID:        id,
		Type:      taskType,
		State:     StateSubmitted,
		Payload:   payload,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Transition moves the task to a new state, returning the history entry
// to append. Illegal moves are rejected with a typed error and leave the
// task untouched.
func (t *Task) Transition(to State, message string) (HistoryEntry, error) {
	if !CanTransition(t.State, to) {
		return HistoryEntry{}, errors.New(errors.ErrCodeIllegalTransition,
			"illegal state transition").
			WithContext("task", t.ID).
			WithContext("from", string(t.State)).
			WithContext("to", string(to))
	}

	entry := HistoryEntry{
		PrevState: t.State,
		NextState: to,
		Message:   message,
		CreatedAt: time.Now(),
	}
	t.State = to
	t.UpdatedAt = entry.CreatedAt

	if to == StateInputRequired {
		t.RequiresInput = true
	} else {
		t.RequiresInput = false
		t.InputType = ""
	}

	return entry, nil
}

// AdvanceStep records that a pipeline step completed cleanly.
// LastSuccessfulStep never regresses across retries.
func (t *Task) AdvanceStep(step string) error {
	idx := StepIndex(step)
	if idx < 0 {
		return errors.New(errors.ErrCodeInternal, "unknown pipeline step").
			WithContext("step", step)
	}
	if idx < StepIndex(t.LastSuccessfulStep) {
		return errors.New(errors.ErrCodeInternal, "step regression").
			WithContext("task", t.ID).
			WithContext("current", t.LastSuccessfulStep).
			WithContext("attempted", step)
	}
	t.LastSuccessfulStep = step
	t.UpdatedAt = time.Now()
	return nil
}

// Resubmit resets a failed task for another run. Only the failed state
// can be resubmitted, and only by an external caller decision.
func (t *Task) Resubmit() (HistoryEntry, error) {
	entry, err := t.Transition(StateSubmitted, "resubmitted by caller")
	if err != nil {
		return HistoryEntry{}, err
	}
	t.RetryCount = 0
	t.FixAttempts = 0
	t.NextRetryAt = nil
	t.ErrorContext = nil
	return entry, nil
}
