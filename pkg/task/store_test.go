package task

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/scenesmith/scenesmith/pkg/storage"
)

// storesUnderTest returns both Store implementations so the same suite
// covers the in-memory fake and the production SQLite store.
func storesUnderTest(t *testing.T) map[string]Store {
	t.Helper()

	db, err := storage.New(":memory:")
	if err != nil {
		t.Fatalf("storage.New failed: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	return map[string]Store{
		"memory": NewMemoryStore(),
		"sqlite": NewSQLiteStore(db.DB()),
	}
}

func TestStoreCreateGet(t *testing.T) {
	for name, store := range storesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			created := New("task-1", "generate-scene", json.RawMessage(`{"description":"bouncing ball"}`))
			if err := store.Create(ctx, created); err != nil {
				t.Fatalf("Create failed: %v", err)
			}

			got, err := store.Get(ctx, "task-1")
			if err != nil {
				t.Fatalf("Get failed: %v", err)
			}
			if got.State != StateSubmitted || got.Type != "generate-scene" {
				t.Errorf("unexpected task: %+v", got)
			}
			if string(got.Payload) != `{"description":"bouncing ball"}` {
				t.Errorf("unexpected payload: %s", got.Payload)
			}
		})
	}
}

func TestStoreCreateDuplicate(t *testing.T) {
	for name, store := range storesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			if err := store.Create(ctx, New("task-1", "generate-scene", nil)); err != nil {
				t.Fatalf("Create failed: %v", err)
			}
			if err := store.Create(ctx, New("task-1", "generate-scene", nil)); err != ErrExists {
				t.Errorf("expected ErrExists, got %v", err)
			}
		})
	}
}

func TestStoreGetMissing(t *testing.T) {
	for name, store := range storesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			if _, err := store.Get(context.Background(), "nope"); err != ErrNotFound {
				t.Errorf("expected ErrNotFound, got %v", err)
			}
		})
	}
}

func TestStoreUpdateRoundTrip(t *testing.T) {
	for name, store := range storesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			created := New("task-1", "generate-scene", nil)
			if err := store.Create(ctx, created); err != nil {
				t.Fatalf("Create failed: %v", err)
			}

			created.Transition(StateWorking, "start")
			created.LastSuccessfulStep = StepBrief
			created.Checkpoint = []byte(`{"version":1,"step":"generate-brief"}`)
			created.Artifacts = []string{"art-1", "art-2"}
			created.RetryCount = 2
			retryAt := time.Now().Add(4 * time.Second).Truncate(time.Millisecond)
			created.NextRetryAt = &retryAt
			created.ErrorContext = &ErrorContext{Step: StepCode, Message: "timeout", Retriable: true}

			if err := store.Update(ctx, created); err != nil {
				t.Fatalf("Update failed: %v", err)
			}

			got, err := store.Get(ctx, "task-1")
			if err != nil {
				t.Fatalf("Get failed: %v", err)
			}
			if got.State != StateWorking {
				t.Errorf("expected working, got %s", got.State)
			}
			if got.LastSuccessfulStep != StepBrief {
				t.Errorf("expected %s, got %s", StepBrief, got.LastSuccessfulStep)
			}
			if len(got.Artifacts) != 2 || got.Artifacts[0] != "art-1" {
				t.Errorf("unexpected artifacts: %v", got.Artifacts)
			}
			if got.RetryCount != 2 {
				t.Errorf("expected retry count 2, got %d", got.RetryCount)
			}
			if got.NextRetryAt == nil || !got.NextRetryAt.Equal(retryAt) {
				t.Errorf("unexpected nextRetryAt: %v, want %v", got.NextRetryAt, retryAt)
			}
			if got.ErrorContext == nil || got.ErrorContext.Step != StepCode || !got.ErrorContext.Retriable {
				t.Errorf("unexpected error context: %+v", got.ErrorContext)
			}
			if len(got.Checkpoint) == 0 {
				t.Error("checkpoint should persist")
			}
		})
	}
}

func TestStoreUpdateMissing(t *testing.T) {
	for name, store := range storesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			ghost := New("ghost", "generate-scene", nil)
			if err := store.Update(context.Background(), ghost); err != ErrNotFound {
				t.Errorf("expected ErrNotFound, got %v", err)
			}
		})
	}
}

func TestStoreHistoryAppendOrder(t *testing.T) {
	for name, store := range storesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			created := New("task-1", "generate-scene", nil)
			if err := store.Create(ctx, created); err != nil {
				t.Fatalf("Create failed: %v", err)
			}

			transitions := []struct {
				to  State
				msg string
			}{
				{StateWorking, "pipeline started"},
				{StateInputRequired, "need clarification"},
				{StateWorking, "input received"},
				{StateCompleted, "scene built"},
			}
			for _, tr := range transitions {
				entry, err := created.Transition(tr.to, tr.msg)
				if err != nil {
					t.Fatalf("Transition failed: %v", err)
				}
				if err := store.AppendHistory(ctx, created.ID, entry); err != nil {
					t.Fatalf("AppendHistory failed: %v", err)
				}
			}

			history, err := store.History(ctx, created.ID)
			if err != nil {
				t.Fatalf("History failed: %v", err)
			}
			if len(history) != 4 {
				t.Fatalf("expected 4 entries, got %d", len(history))
			}
			for i, tr := range transitions {
				if history[i].NextState != tr.to || history[i].Message != tr.msg {
					t.Errorf("entry %d mismatch: %+v", i, history[i])
				}
			}
		})
	}
}

func TestStoreListByState(t *testing.T) {
	for name, store := range storesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			working := New("task-working", "generate-scene", nil)
			working.Transition(StateWorking, "start")
			if err := store.Create(ctx, working); err != nil {
				t.Fatalf("Create failed: %v", err)
			}

			submitted := New("task-submitted", "generate-scene", nil)
			if err := store.Create(ctx, submitted); err != nil {
				t.Fatalf("Create failed: %v", err)
			}

			list, err := store.ListByState(ctx, StateWorking)
			if err != nil {
				t.Fatalf("ListByState failed: %v", err)
			}
			if len(list) != 1 || list[0].ID != "task-working" {
				t.Errorf("unexpected list: %+v", list)
			}
		})
	}
}

func TestMemoryStoreReturnsCopies(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	created := New("task-1", "generate-scene", nil)
	created.Artifacts = []string{"art-1"}
	if err := store.Create(ctx, created); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	got, _ := store.Get(ctx, "task-1")
	got.Artifacts[0] = "mutated"
	got.State = StateFailed

	again, _ := store.Get(ctx, "task-1")
	if again.Artifacts[0] != "art-1" || again.State != StateSubmitted {
		t.Error("store must not expose internal state to callers")
	}
}
