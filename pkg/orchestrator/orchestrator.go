// Package orchestrator drives the scene-generation pipeline. It is the
// only component that mutates task state: it routes request messages to
// agents, persists their artifacts, checkpoints progress after every
// step, schedules retries with backoff, and publishes progress events.
// Agents stay stateless; a crash loses at most the step in flight.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/scenesmith/scenesmith/pkg/agent"
	"github.com/scenesmith/scenesmith/pkg/artifact"
	"github.com/scenesmith/scenesmith/pkg/checkpoint"
	"github.com/scenesmith/scenesmith/pkg/errors"
	"github.com/scenesmith/scenesmith/pkg/events"
	"github.com/scenesmith/scenesmith/pkg/logging"
	"github.com/scenesmith/scenesmith/pkg/task"
)

// TaskTypeGenerateScene is the task type of the default pipeline.
const TaskTypeGenerateScene = "generate-scene"

// Config holds the orchestrator's tunables.
type Config struct {
	// Retry is the backoff policy for transient step failures.
	Retry checkpoint.RetryStrategy

	// StepTimeout bounds one agent invocation. Expiry is retriable.
	StepTimeout time.Duration

	// TaskTimeout is the wall-clock ceiling for one execution run.
	TaskTimeout time.Duration

	// MaxFixAttempts bounds the validate/fix loop per task.
	MaxFixAttempts int
}

// DefaultConfig returns the standard pipeline tunables.
func DefaultConfig() Config {
	return Config{
		Retry:          checkpoint.DefaultRetryStrategy(),
		StepTimeout:    2 * time.Minute,
		TaskTimeout:    30 * time.Minute,
		MaxFixAttempts: 3,
	}
}

// Orchestrator owns task lifecycles. One execution goroutine per task,
// at most one agent call in flight per task; cross-task parallelism is
// unrestricted.
type Orchestrator struct {
	cfg       Config
	tasks     task.Store
	artifacts artifact.Store
	registry  *agent.Registry
	events    events.Publisher
	logger    *logging.Logger

	rootCtx    context.Context
	rootCancel context.CancelFunc
	wg         sync.WaitGroup

	mu      sync.Mutex
	running map[string]context.CancelFunc
	closed  bool
}

// New constructs an orchestrator. publisher and logger may be nil.
func New(cfg Config, tasks task.Store, artifacts artifact.Store, registry *agent.Registry, publisher events.Publisher, logger *logging.Logger) *Orchestrator {
	if publisher == nil {
		publisher = events.NopPublisher{}
	}
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		cfg:        cfg,
		tasks:      tasks,
		artifacts:  artifacts,
		registry:   registry,
		events:     publisher,
		logger:     logger,
		rootCtx:    ctx,
		rootCancel: cancel,
		running:    make(map[string]context.CancelFunc),
	}
}

// Submit creates a task and starts its execution. Submission is
// idempotent on the caller-supplied id: resubmitting an existing task
// returns its id without starting new work. An empty id gets a fresh
// UUID. Execution is asynchronous; progress flows through events.
func (o *Orchestrator) Submit(ctx context.Context, id, taskType string, payload json.RawMessage) (string, error) {
	var req agent.SceneRequest
	if len(payload) == 0 || json.Unmarshal(payload, &req) != nil || req.Description == "" {
		return "", errors.New(errors.ErrCodeInvalidInput, "payload must carry a scene description").
			WithUserMessage("Describe the scene you want generated.")
	}
	if id == "" {
		id = uuid.NewString()
	}
	if taskType == "" {
		taskType = TaskTypeGenerateScene
	}

	t := task.New(id, taskType, payload)
	if err := o.tasks.Create(ctx, t); err != nil {
		if err == task.ErrExists {
			o.logger.Info(logging.CategoryOrchestrator, "submit_duplicate", id, "task already exists", nil)
			return id, nil
		}
		return "", errors.Wrap(err, errors.ErrCodeStorageWrite, "create task")
	}

	o.logger.Info(logging.CategoryOrchestrator, "task_submitted", id, "task accepted", map[string]any{
		"type": taskType,
	})
	metricTasksStarted.Inc()
	o.events.Publish(id, events.Ready(id))
	o.startRun(id)
	return id, nil
}

// Resume re-drives every resumable task after a restart: submitted tasks
// that never started and working tasks whose checkpoint marks where to
// pick up. Returns the number of executions started.
func (o *Orchestrator) Resume(ctx context.Context) (int, error) {
	started := 0
	for _, state := range []task.State{task.StateWorking, task.StateSubmitted} {
		list, err := o.tasks.ListByState(ctx, state)
		if err != nil {
			return started, errors.Wrap(err, errors.ErrCodeStorageRead, "list tasks for resume")
		}
		for _, t := range list {
			if o.startRun(t.ID) {
				started++
				o.logger.Info(logging.CategoryOrchestrator, "task_resumed", t.ID, "resuming after restart", map[string]any{
					"last_successful_step": t.LastSuccessfulStep,
				})
			}
		}
	}
	return started, nil
}

// ReapStale fails working tasks that have shown no checkpoint progress
// within threshold. Tasks with a live execution are left alone. Returns
// the number of tasks reaped.
func (o *Orchestrator) ReapStale(ctx context.Context, threshold time.Duration) (int, error) {
	list, err := o.tasks.ListByState(ctx, task.StateWorking)
	if err != nil {
		return 0, errors.Wrap(err, errors.ErrCodeStorageRead, "list working tasks")
	}

	reaped := 0
	cutoff := time.Now().Add(-threshold)
	for _, t := range list {
		o.mu.Lock()
		_, live := o.running[t.ID]
		o.mu.Unlock()
		if live || t.UpdatedAt.After(cutoff) {
			continue
		}

		o.failTask(t.ID, errors.New(errors.ErrCodeTaskStale, "no progress within staleness threshold").
			WithContext("threshold", threshold.String()).
			WithRetryable(true).
			WithUserMessage("The task stalled and was stopped. Resubmit to try again."))
		metricTasksReaped.Inc()
		reaped++
	}
	return reaped, nil
}

// Cancel aborts a task. A running execution is interrupted; an idle
// non-terminal task is failed directly. Subscriber disconnects never
// reach this path — only an explicit caller decision cancels.
func (o *Orchestrator) Cancel(ctx context.Context, taskID string) error {
	t, err := o.tasks.Get(ctx, taskID)
	if err != nil {
		if err == task.ErrNotFound {
			return errors.New(errors.ErrCodeTaskNotFound, "task not found").WithContext("task", taskID)
		}
		return errors.Wrap(err, errors.ErrCodeStorageRead, "get task")
	}
	if t.State.Terminal() {
		return errors.New(errors.ErrCodeTaskTerminal, "task already finished").
			WithContext("task", taskID).
			WithContext("state", string(t.State))
	}

	o.mu.Lock()
	cancel, live := o.running[taskID]
	o.mu.Unlock()

	o.logger.Info(logging.CategoryOrchestrator, "task_cancelled", taskID, "cancel requested", nil)
	if live {
		// The execution goroutine observes the cancellation and fails
		// the task itself, so state writes stay single-writer.
		cancel()
		return nil
	}
	o.failTask(taskID, errors.New(errors.ErrCodeTaskCancelled, "cancelled by caller").
		WithUserMessage("Generation was cancelled."))
	return nil
}

// ProvideInput answers an input-required task and resumes its pipeline.
func (o *Orchestrator) ProvideInput(ctx context.Context, taskID string, input json.RawMessage) error {
	t, err := o.tasks.Get(ctx, taskID)
	if err != nil {
		if err == task.ErrNotFound {
			return errors.New(errors.ErrCodeTaskNotFound, "task not found").WithContext("task", taskID)
		}
		return errors.Wrap(err, errors.ErrCodeStorageRead, "get task")
	}
	if t.State != task.StateInputRequired {
		return errors.New(errors.ErrCodeIllegalTransition, "task is not awaiting input").
			WithContext("task", taskID).
			WithContext("state", string(t.State))
	}

	state, serr := o.loadState(t)
	if serr != nil {
		return serr
	}
	state.Input = input
	var answer struct {
		Answer string `json:"answer"`
	}
	if json.Unmarshal(input, &answer) == nil && answer.Answer != "" {
		state.Description += "\n\nCaller clarification: " + answer.Answer
	}
	if err := o.saveCheckpoint(ctx, t, state, t.LastSuccessfulStep); err != nil {
		return err
	}

	if err := o.applyTransition(ctx, t, task.StateWorking, "caller input received"); err != nil {
		return err
	}
	o.logger.Info(logging.CategoryOrchestrator, "input_received", taskID, "resuming with caller input", nil)
	o.startRun(taskID)
	return nil
}

// Resubmit resets a failed task and runs it again from its checkpoint.
// This is the only path out of the failed state.
func (o *Orchestrator) Resubmit(ctx context.Context, taskID string) error {
	t, err := o.tasks.Get(ctx, taskID)
	if err != nil {
		if err == task.ErrNotFound {
			return errors.New(errors.ErrCodeTaskNotFound, "task not found").WithContext("task", taskID)
		}
		return errors.Wrap(err, errors.ErrCodeStorageRead, "get task")
	}

	entry, terr := t.Resubmit()
	if terr != nil {
		return terr
	}
	if err := o.tasks.AppendHistory(ctx, t.ID, entry); err != nil {
		return errors.Wrap(err, errors.ErrCodeStorageWrite, "append history")
	}
	if err := o.updateTask(ctx, t); err != nil {
		return err
	}

	o.logger.Info(logging.CategoryOrchestrator, "task_resubmitted", taskID, "retry bookkeeping reset", nil)
	o.events.Publish(taskID, events.Ready(taskID))
	o.startRun(taskID)
	return nil
}

// Close stops accepting work, interrupts running executions, and waits
// for them to unwind.
func (o *Orchestrator) Close() error {
	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()
	o.rootCancel()
	o.wg.Wait()
	return nil
}

// startRun launches the execution goroutine for a task unless one is
// already live. This guard is what serializes per-task execution.
func (o *Orchestrator) startRun(taskID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return false
	}
	if _, live := o.running[taskID]; live {
		return false
	}

	runCtx, cancel := context.WithCancel(o.rootCtx)
	o.running[taskID] = cancel
	o.wg.Add(1)
	go o.run(runCtx, taskID)
	return true
}

func (o *Orchestrator) run(ctx context.Context, taskID string) {
	defer o.wg.Done()
	defer o.release(taskID)
	defer func() {
		if r := recover(); r != nil {
			o.failTask(taskID, errors.New(errors.ErrCodeAgentPanic,
				fmt.Sprintf("execution panicked: %v", r)).
				WithUserMessage("Generation hit an internal fault."))
		}
	}()

	runCtx, cancel := context.WithTimeout(ctx, o.cfg.TaskTimeout)
	defer cancel()

	if err := o.drive(runCtx, taskID); err != nil {
		o.failTask(taskID, err)
	}
}

func (o *Orchestrator) release(taskID string) {
	o.mu.Lock()
	cancel, ok := o.running[taskID]
	delete(o.running, taskID)
	o.mu.Unlock()
	if ok {
		cancel()
	}
}

// failTask moves a task to the failed state with structured error
// context and emits the error event. Runs on a background context so a
// cancelled execution can still record its own demise.
func (o *Orchestrator) failTask(taskID string, cause error) {
	ctx := context.Background()
	t, err := o.tasks.Get(ctx, taskID)
	if err != nil {
		o.logger.Error(logging.CategoryOrchestrator, "fail_task_load", taskID, err.Error(), nil)
		return
	}
	if t.State.Terminal() {
		return
	}

	serr := errors.Normalize(cause, task.NextStep(t.LastSuccessfulStep))
	step := task.NextStep(t.LastSuccessfulStep)
	if s, ok := serr.Context["step"].(string); ok && s != "" {
		step = s
	}
	t.ErrorContext = &task.ErrorContext{
		Step:      step,
		Message:   errors.UserMessage(serr),
		Retriable: serr.Retryable,
	}
	t.NextRetryAt = nil

	// Walk the legal path into failed from wherever the task is.
	if t.State != task.StateWorking {
		if err := o.applyTransition(ctx, t, task.StateWorking, "failing: "+string(serr.Code)); err != nil {
			o.logger.Error(logging.CategoryOrchestrator, "fail_task_transition", taskID, err.Error(), nil)
			return
		}
	}
	if err := o.applyTransition(ctx, t, task.StateFailed, errors.UserMessage(serr)); err != nil {
		o.logger.Error(logging.CategoryOrchestrator, "fail_task_transition", taskID, err.Error(), nil)
		return
	}

	metricTasksFailed.Inc()
	o.logger.Error(logging.CategoryOrchestrator, "task_failed", taskID, serr.Error(), map[string]any{
		"code":      string(serr.Code),
		"step":      step,
		"retriable": serr.Retryable,
	})
	o.events.Publish(taskID, events.Error(taskID, errors.UserMessage(serr), serr.Retryable))
}

// applyTransition performs a state transition and persists both the
// history entry and the task row.
func (o *Orchestrator) applyTransition(ctx context.Context, t *task.Task, to task.State, msg string) error {
	entry, err := t.Transition(to, msg)
	if err != nil {
		return err
	}
	if err := o.tasks.AppendHistory(ctx, t.ID, entry); err != nil {
		return errors.Wrap(err, errors.ErrCodeStorageWrite, "append history")
	}
	return o.updateTask(ctx, t)
}

// updateTask persists the task row, retrying briefly through lock
// contention on the SQLite store.
func (o *Orchestrator) updateTask(ctx context.Context, t *task.Task) error {
	return checkpoint.RetryWithBackoff(ctx, 2, 50*time.Millisecond, func() error {
		if err := o.tasks.Update(ctx, t); err != nil {
			return errors.Wrap(err, errors.ErrCodeStorageWrite, "update task").
				WithContext("task", t.ID).
				WithRetryable(isBusyStorage(err))
		}
		return nil
	})
}
