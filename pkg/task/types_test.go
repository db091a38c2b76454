package task

import (
	"math/rand"
	"testing"

	"github.com/scenesmith/scenesmith/pkg/errors"
)

func TestLegalTransitions(t *testing.T) {
	tests := []struct {
		from, to State
		ok       bool
	}{
		{StateSubmitted, StateWorking, true},
		{StateWorking, StateCompleted, true},
		{StateWorking, StateFailed, true},
		{StateWorking, StateInputRequired, true},
		{StateInputRequired, StateWorking, true},
		{StateFailed, StateSubmitted, true},

		{StateSubmitted, StateCompleted, false},
		{StateSubmitted, StateFailed, false},
		{StateCompleted, StateWorking, false},
		{StateCompleted, StateSubmitted, false},
		{StateFailed, StateWorking, false},
		{StateFailed, StateCompleted, false},
		{StateInputRequired, StateCompleted, false},
		{StateInputRequired, StateFailed, false},
		{StateWorking, StateSubmitted, false},
	}

	for _, tt := range tests {
		if got := CanTransition(tt.from, tt.to); got != tt.ok {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.ok)
		}
	}
}

func TestTransitionAppendsHistory(t *testing.T) {
	task := New("task-1", "generate-scene", nil)

	entry, err := task.Transition(StateWorking, "pipeline started")
	if err != nil {
		t.Fatalf("Transition failed: %v", err)
	}
	if entry.PrevState != StateSubmitted || entry.NextState != StateWorking {
		t.Errorf("unexpected entry: %+v", entry)
	}
	if entry.Message != "pipeline started" {
		t.Errorf("unexpected message: %q", entry.Message)
	}
	if task.State != StateWorking {
		t.Errorf("task state not updated: %s", task.State)
	}
}

func TestIllegalTransitionLeavesTaskUntouched(t *testing.T) {
	task := New("task-1", "generate-scene", nil)

	_, err := task.Transition(StateCompleted, "skip ahead")
	if err == nil {
		t.Fatal("expected illegal transition error")
	}
	if !errors.IsCode(err, errors.ErrCodeIllegalTransition) {
		t.Errorf("expected ILLEGAL_TRANSITION, got %v", err)
	}
	if task.State != StateSubmitted {
		t.Errorf("task state should be unchanged, got %s", task.State)
	}
}

// TestStateMachineClosure drives random transition sequences and asserts
// the machine only ever accepts moves from the legal transition table.
func TestStateMachineClosure(t *testing.T) {
	states := []State{StateSubmitted, StateWorking, StateInputRequired, StateCompleted, StateFailed}
	rng := rand.New(rand.NewSource(42))

	for run := 0; run < 200; run++ {
		task := New("task-closure", "generate-scene", nil)
		for step := 0; step < 20; step++ {
			target := states[rng.Intn(len(states))]
			before := task.State
			_, err := task.Transition(target, "fuzz")

			if CanTransition(before, target) {
				if err != nil {
					t.Fatalf("legal transition %s -> %s rejected: %v", before, target, err)
				}
				if task.State != target {
					t.Fatalf("accepted transition did not apply: %s != %s", task.State, target)
				}
			} else {
				if err == nil {
					t.Fatalf("illegal transition %s -> %s accepted", before, target)
				}
				if task.State != before {
					t.Fatalf("rejected transition mutated state: %s -> %s", before, task.State)
				}
			}
		}
	}
}

func TestInputRequiredFlag(t *testing.T) {
	task := New("task-1", "generate-scene", nil)
	task.Transition(StateWorking, "start")

	task.InputType = "clarification"
	if _, err := task.Transition(StateInputRequired, "need answer"); err != nil {
		t.Fatalf("Transition failed: %v", err)
	}
	if !task.RequiresInput {
		t.Error("RequiresInput should be set")
	}

	if _, err := task.Transition(StateWorking, "answer received"); err != nil {
		t.Fatalf("Transition failed: %v", err)
	}
	if task.RequiresInput || task.InputType != "" {
		t.Error("input flags should clear on resume")
	}
}

func TestAdvanceStepMonotonic(t *testing.T) {
	task := New("task-1", "generate-scene", nil)

	for _, step := range []string{StepPlan, StepBrief, StepCode} {
		if err := task.AdvanceStep(step); err != nil {
			t.Fatalf("AdvanceStep(%s) failed: %v", step, err)
		}
	}
	if task.LastSuccessfulStep != StepCode {
		t.Errorf("expected %s, got %s", StepCode, task.LastSuccessfulStep)
	}

	// Re-advancing the same step is allowed (retried step re-completes).
	if err := task.AdvanceStep(StepCode); err != nil {
		t.Errorf("same-step advance should be allowed: %v", err)
	}

	// Regression is not.
	if err := task.AdvanceStep(StepPlan); err == nil {
		t.Error("step regression should be rejected")
	}
	if task.LastSuccessfulStep != StepCode {
		t.Errorf("failed advance must not regress step, got %s", task.LastSuccessfulStep)
	}

	if err := task.AdvanceStep("made-up"); err == nil {
		t.Error("unknown step should be rejected")
	}
}

func TestNextStep(t *testing.T) {
	tests := []struct {
		current, next string
	}{
		{"", StepPlan},
		{StepPlan, StepBrief},
		{StepBrief, StepCode},
		{StepCode, StepValidate},
		{StepValidate, StepBuild},
		{StepBuild, ""},
		{"bogus", ""},
	}
	for _, tt := range tests {
		if got := NextStep(tt.current); got != tt.next {
			t.Errorf("NextStep(%q) = %q, want %q", tt.current, got, tt.next)
		}
	}
}

func TestResubmit(t *testing.T) {
	task := New("task-1", "generate-scene", nil)
	task.Transition(StateWorking, "start")
	task.RetryCount = 3
	task.FixAttempts = 2
	task.ErrorContext = &ErrorContext{Step: StepCode, Message: "boom", Retriable: false}
	task.Transition(StateFailed, "retries exhausted")

	if _, err := task.Resubmit(); err != nil {
		t.Fatalf("Resubmit failed: %v", err)
	}
	if task.State != StateSubmitted {
		t.Errorf("expected submitted, got %s", task.State)
	}
	if task.RetryCount != 0 || task.FixAttempts != 0 || task.ErrorContext != nil || task.NextRetryAt != nil {
		t.Errorf("resubmit should reset retry bookkeeping: %+v", task)
	}

	// Completed tasks are immutable.
	done := New("task-2", "generate-scene", nil)
	done.Transition(StateWorking, "start")
	done.Transition(StateCompleted, "done")
	if _, err := done.Resubmit(); err == nil {
		t.Error("completed task must not be resubmittable")
	}
}

func TestTerminal(t *testing.T) {
	if !StateCompleted.Terminal() || !StateFailed.Terminal() {
		t.Error("completed and failed are terminal")
	}
	if StateWorking.Terminal() || StateSubmitted.Terminal() || StateInputRequired.Terminal() {
		t.Error("non-terminal state misclassified")
	}
}
