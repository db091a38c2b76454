package orchestrator

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/scenesmith/scenesmith/pkg/agent"
	"github.com/scenesmith/scenesmith/pkg/artifact"
	"github.com/scenesmith/scenesmith/pkg/checkpoint"
	"github.com/scenesmith/scenesmith/pkg/errors"
	"github.com/scenesmith/scenesmith/pkg/events"
	"github.com/scenesmith/scenesmith/pkg/logging"
	"github.com/scenesmith/scenesmith/pkg/message"
	"github.com/scenesmith/scenesmith/pkg/storage"
	"github.com/scenesmith/scenesmith/pkg/task"
)

// errAwaitInput stops the pipeline without failing the task: the task
// has transitioned to input-required and resumes via ProvideInput.
var errAwaitInput = stderrors.New("awaiting caller input")

// pipelineState is the checkpoint data: everything a resumed run needs
// to skip completed steps deterministically.
type pipelineState struct {
	Description string          `json:"description"`
	Title       string          `json:"title,omitempty"`
	Plan        agent.Plan      `json:"plan,omitempty"`
	Brief       string          `json:"brief,omitempty"`
	Code        string          `json:"code,omitempty"`
	SceneID     string          `json:"sceneId,omitempty"`
	Input       json.RawMessage `json:"input,omitempty"`
}

// drive executes the pipeline for one task until completion, failure,
// an input request, or context expiry. It is the single writer of the
// task's state for the duration of the run.
func (o *Orchestrator) drive(ctx context.Context, taskID string) error {
	t, err := o.tasks.Get(ctx, taskID)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeStorageRead, "load task").WithContext("task", taskID)
	}

	switch t.State {
	case task.StateSubmitted:
		if err := o.applyTransition(ctx, t, task.StateWorking, "pipeline started"); err != nil {
			return err
		}
	case task.StateWorking:
		// Resumed run; continue from the checkpoint.
	default:
		return nil
	}

	state, serr := o.loadState(t)
	if serr != nil {
		return serr
	}

	for {
		if err := ctx.Err(); err != nil {
			return o.normalizeCtxErr(err)
		}

		step := task.NextStep(t.LastSuccessfulStep)
		if step == "" {
			return o.complete(ctx, t, state)
		}

		err := o.executeStep(ctx, t, state, step)
		if err == nil {
			continue
		}
		if stderrors.Is(err, errAwaitInput) {
			return nil
		}

		serr := errors.Normalize(err, step)
		if serr.Retryable && !o.cfg.Retry.Exhausted(t.RetryCount) {
			if err := o.scheduleRetry(ctx, t, step, serr); err != nil {
				return err
			}
			continue
		}
		if serr.Retryable {
			// The budget is spent: the failure becomes final. Only an
			// explicit resubmit runs the task again.
			return errors.Wrap(serr, errors.ErrCodeRetriesExhausted, "retry budget exhausted").
				WithContext("step", step).
				WithContext("retries", t.RetryCount).
				WithRetryable(false).
				WithUserMessage(errors.UserMessage(serr) + " Resubmit to try again.")
		}
		return serr
	}
}

// scheduleRetry records the failure on the task, waits out the backoff
// delay, and leaves the task ready to re-run the failed step.
func (o *Orchestrator) scheduleRetry(ctx context.Context, t *task.Task, step string, cause *errors.Error) error {
	t.RetryCount++
	at := o.cfg.Retry.NextRetryAt(time.Now(), t.RetryCount)
	t.NextRetryAt = &at
	t.ErrorContext = &task.ErrorContext{
		Step:      step,
		Message:   errors.UserMessage(cause),
		Retriable: true,
	}
	if err := o.updateTask(ctx, t); err != nil {
		return err
	}

	// Retries are part of the task's audit trail alongside transitions.
	entry := task.HistoryEntry{
		PrevState: t.State,
		NextState: t.State,
		Message:   fmt.Sprintf("retry %d/%d scheduled for step %s", t.RetryCount, o.cfg.Retry.MaxRetries, step),
		CreatedAt: time.Now(),
	}
	if err := o.tasks.AppendHistory(ctx, t.ID, entry); err != nil {
		return errors.Wrap(err, errors.ErrCodeStorageWrite, "append retry history").
			WithContext("task", t.ID)
	}

	metricRetriesScheduled.Inc()
	o.logger.Warn(logging.CategoryRetry, "retry_scheduled", t.ID, cause.Error(), map[string]any{
		"step":          step,
		"retry":         t.RetryCount,
		"next_retry_at": at.Format(time.RFC3339),
	})

	select {
	case <-time.After(time.Until(at)):
	case <-ctx.Done():
		return o.normalizeCtxErr(ctx.Err())
	}
	t.NextRetryAt = nil
	return nil
}

// executeStep runs one pipeline step end to end: request, response
// classification, artifact persistence, checkpoint, progress event.
func (o *Orchestrator) executeStep(ctx context.Context, t *task.Task, state *pipelineState, step string) error {
	switch step {
	case task.StepPlan:
		return o.planStep(ctx, t, state)
	case task.StepBrief:
		return o.briefStep(ctx, t, state)
	case task.StepCode:
		return o.codeStep(ctx, t, state)
	case task.StepValidate:
		return o.validateStep(ctx, t, state)
	case task.StepBuild:
		return o.buildStep(ctx, t, state)
	default:
		return errors.New(errors.ErrCodeInternal, "unknown pipeline step").WithContext("step", step)
	}
}

func (o *Orchestrator) planStep(ctx context.Context, t *task.Task, state *pipelineState) error {
	resp, err := o.roundTrip(ctx, t, message.TypePlanSceneRequest, task.StepPlan,
		agent.SceneRequest{Description: state.Description, Title: state.Title},
		message.TypePlanSceneResponse)
	if err != nil {
		return err
	}

	var result agent.PlanResult
	if err := resp.DecodePayload(&result); err != nil {
		return agentViolation(resp, fmt.Sprintf("undecodable plan result: %v", err))
	}
	arts, err := o.persistArtifacts(ctx, t, resp)
	if err != nil {
		return err
	}

	planArt := findArtifact(arts, artifact.KindPlan)
	if planArt == nil {
		return agentViolation(resp, "plan response carries no plan artifact")
	}
	if err := json.Unmarshal(planArt.Payload, &state.Plan); err != nil {
		return agentViolation(resp, fmt.Sprintf("undecodable plan artifact: %v", err))
	}
	state.Title = result.Title
	if state.SceneID == "" && len(state.Plan.Scenes) > 0 {
		state.SceneID = state.Plan.Scenes[0].ID
	}

	if err := o.stepDone(ctx, t, state, task.StepPlan); err != nil {
		return err
	}
	o.events.Publish(t.ID, events.TitleUpdated(t.ID, state.Title))
	o.events.Publish(t.ID, events.SceneAdded(t.ID, state.SceneID, progressFor(task.StepPlan)))
	o.events.Publish(t.ID, events.AssistantMessageChunk(t.ID,
		fmt.Sprintf("Planned %d scene(s) for %q.", result.SceneCount, state.Title), false))
	return nil
}

func (o *Orchestrator) briefStep(ctx context.Context, t *task.Task, state *pipelineState) error {
	resp, err := o.roundTrip(ctx, t, message.TypeGenerateBriefRequest, task.StepBrief,
		agent.BriefRequest{Description: state.Description, Plan: state.Plan},
		message.TypeGenerateBriefResponse)
	if err != nil {
		return err
	}

	arts, err := o.persistArtifacts(ctx, t, resp)
	if err != nil {
		return err
	}
	briefArt := findArtifact(arts, artifact.KindDesignBrief)
	if briefArt == nil {
		return agentViolation(resp, "brief response carries no design-brief artifact")
	}
	state.Brief = string(briefArt.Payload)

	if err := o.stepDone(ctx, t, state, task.StepBrief); err != nil {
		return err
	}
	o.events.Publish(t.ID, events.SceneUpdated(t.ID, state.SceneID, progressFor(task.StepBrief)))
	return nil
}

func (o *Orchestrator) codeStep(ctx context.Context, t *task.Task, state *pipelineState) error {
	resp, err := o.roundTrip(ctx, t, message.TypeGenerateCodeRequest, task.StepCode,
		agent.CodeRequest{Description: state.Description, Brief: state.Brief, Title: state.Title},
		message.TypeGenerateCodeResponse)
	if err != nil {
		return err
	}

	code, err := o.persistCode(ctx, t, resp)
	if err != nil {
		return err
	}
	state.Code = code

	if err := o.stepDone(ctx, t, state, task.StepCode); err != nil {
		return err
	}
	o.events.Publish(t.ID, events.SceneUpdated(t.ID, state.SceneID, progressFor(task.StepCode)))
	return nil
}

// validateStep runs the validator, routing rejections back to the coder
// as fix requests, bounded by MaxFixAttempts. A fix that passes
// validation clears the task's error context.
func (o *Orchestrator) validateStep(ctx context.Context, t *task.Task, state *pipelineState) error {
	for {
		resp, err := o.roundTrip(ctx, t, message.TypeValidateCodeRequest, task.StepValidate,
			agent.ValidateRequest{Code: state.Code},
			message.TypeValidateCodeResponse)
		if err != nil {
			return err
		}

		var verdict agent.ValidateResult
		if err := resp.DecodePayload(&verdict); err != nil {
			return agentViolation(resp, fmt.Sprintf("undecodable validation verdict: %v", err))
		}

		if verdict.Approved {
			if t.FixAttempts > 0 {
				t.ErrorContext = nil
			}
			if err := o.stepDone(ctx, t, state, task.StepValidate); err != nil {
				return err
			}
			o.events.Publish(t.ID, events.SceneUpdated(t.ID, state.SceneID, progressFor(task.StepValidate)))
			return nil
		}

		if t.FixAttempts >= o.cfg.MaxFixAttempts {
			return errors.New(errors.ErrCodeFixLoopExceeded, "validation kept failing after fixes").
				WithContext("attempts", t.FixAttempts).
				WithContext("reason", verdict.Reason).
				WithContext("step", task.StepValidate).
				WithUserMessage("The generated scene could not be made valid.")
		}

		t.FixAttempts++
		t.ErrorContext = &task.ErrorContext{
			Step:      task.StepValidate,
			Message:   verdict.Reason,
			Retriable: true,
		}
		if err := o.updateTask(ctx, t); err != nil {
			return err
		}
		metricFixAttempts.Inc()
		o.logger.Warn(logging.CategoryOrchestrator, "fix_requested", t.ID, verdict.Reason, map[string]any{
			"attempt": t.FixAttempts,
		})

		fixResp, err := o.roundTrip(ctx, t, message.TypeFixCodeRequest, task.StepCode,
			agent.FixRequest{Code: state.Code, Reason: verdict.Reason},
			message.TypeGenerateCodeResponse)
		if err != nil {
			return err
		}
		code, err := o.persistCode(ctx, t, fixResp)
		if err != nil {
			return err
		}
		state.Code = code

		// Re-checkpoint at the code step so a crash resumes with the
		// fixed source. Same-step advance; no regression.
		if err := o.saveCheckpoint(ctx, t, state, task.StepCode); err != nil {
			return err
		}
		if err := o.updateTask(ctx, t); err != nil {
			return err
		}
	}
}

func (o *Orchestrator) buildStep(ctx context.Context, t *task.Task, state *pipelineState) error {
	resp, err := o.roundTrip(ctx, t, message.TypeBuildSceneRequest, task.StepBuild,
		agent.BuildRequest{Code: state.Code, Title: state.Title, SceneID: state.SceneID},
		message.TypeBuildSceneResponse)
	if err != nil {
		return err
	}

	var result agent.BuildResult
	if err := resp.DecodePayload(&result); err != nil {
		return agentViolation(resp, fmt.Sprintf("undecodable build result: %v", err))
	}
	if _, err := o.persistArtifacts(ctx, t, resp); err != nil {
		return err
	}
	if result.SceneID != "" {
		state.SceneID = result.SceneID
	}

	if err := o.stepDone(ctx, t, state, task.StepBuild); err != nil {
		return err
	}
	o.events.Publish(t.ID, events.SceneUpdated(t.ID, state.SceneID, progressFor(task.StepBuild)))
	return nil
}

func (o *Orchestrator) complete(ctx context.Context, t *task.Task, state *pipelineState) error {
	if err := o.applyTransition(ctx, t, task.StateCompleted, "scene built"); err != nil {
		return err
	}
	metricTasksCompleted.Inc()
	o.logger.Info(logging.CategoryOrchestrator, "task_completed", t.ID, "pipeline finished", map[string]any{
		"scene_id":  state.SceneID,
		"artifacts": len(t.Artifacts),
	})
	o.events.Publish(t.ID, events.AssistantMessageChunk(t.ID,
		fmt.Sprintf("Scene %q is ready.", state.Title), true))
	return nil
}

// roundTrip sends one request to the agent registered for its type and
// classifies the response. Returned errors carry the taxonomy the retry
// logic keys on.
func (o *Orchestrator) roundTrip(ctx context.Context, t *task.Task, reqType message.Type, step string, payload any, wantType message.Type) (*message.Message, error) {
	a, ok := o.registry.Resolve(reqType)
	if !ok {
		return nil, errors.New(errors.ErrCodeUnknownMsgType, "no agent registered for message type").
			WithContext("type", string(reqType))
	}

	req, err := message.New(reqType, "orchestrator", a.Name(), t.ID, payload)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "build request message")
	}
	o.logger.Info(logging.CategoryMessage, "message_sent", t.ID, string(req.Type), map[string]any{
		"id": req.ID, "to": req.To,
	})

	start := time.Now()
	resp, err := o.invoke(ctx, a, req)
	recordStepDuration(step, time.Since(start))
	if err != nil {
		return nil, err
	}
	if resp == nil {
		return nil, errors.New(errors.ErrCodeAgentViolation, "agent returned no response").
			WithContext("agent", a.Name()).
			WithContext("type", string(reqType))
	}
	if verr := resp.Validate(); verr != nil {
		return nil, agentViolation(resp, fmt.Sprintf("malformed response: %v", verr))
	}
	o.logger.Info(logging.CategoryMessage, "message_received", t.ID, string(resp.Type), map[string]any{
		"id": resp.ID, "from": resp.From,
	})

	switch {
	case resp.Type == wantType:
		return resp, nil
	case resp.Type.IsError():
		var ep message.ErrorPayload
		if err := resp.DecodePayload(&ep); err != nil {
			return nil, agentViolation(resp, fmt.Sprintf("undecodable error payload: %v", err))
		}
		return nil, errors.New(errors.ErrCodeInternal, ep.Message).
			WithContext("step", ep.Step).
			WithRetryable(ep.Retriable).
			WithUserMessage(ep.Message)
	case resp.Type == message.TypeInputRequired:
		return nil, o.awaitInput(ctx, t, resp)
	default:
		// Unknown response types are logged and dropped; the task fails
		// cleanly instead of crashing the router.
		o.logger.Warn(logging.CategoryMessage, "message_dropped", t.ID, string(resp.Type), map[string]any{
			"id": resp.ID, "expected": string(wantType),
		})
		return nil, agentViolation(resp, "unexpected response type")
	}
}

// invoke calls the agent with the per-step timeout and converts panics
// into contract-violation errors.
func (o *Orchestrator) invoke(ctx context.Context, a agent.Agent, req *message.Message) (resp *message.Message, err error) {
	defer func() {
		if r := recover(); r != nil {
			resp = nil
			err = errors.New(errors.ErrCodeAgentPanic, fmt.Sprintf("agent %s panicked: %v", a.Name(), r)).
				WithUserMessage("Generation hit an internal fault.")
		}
	}()

	stepCtx, cancel := context.WithTimeout(ctx, o.cfg.StepTimeout)
	defer cancel()
	return a.ProcessMessage(stepCtx, req)
}

// awaitInput transitions the task to input-required based on an agent's
// INPUT_REQUIRED response and stops the run.
func (o *Orchestrator) awaitInput(ctx context.Context, t *task.Task, resp *message.Message) error {
	var p agent.InputRequiredPayload
	if err := resp.DecodePayload(&p); err != nil {
		return agentViolation(resp, fmt.Sprintf("undecodable input request: %v", err))
	}

	t.InputType = p.InputType
	if err := o.applyTransition(ctx, t, task.StateInputRequired, "agent requested input"); err != nil {
		return err
	}
	o.logger.Info(logging.CategoryOrchestrator, "input_required", t.ID, p.Prompt, map[string]any{
		"input_type": p.InputType,
	})
	o.events.Publish(t.ID, events.AssistantMessageChunk(t.ID, p.Prompt, false))
	return errAwaitInput
}

// stepDone records a completed step: advance the watermark, write the
// checkpoint, persist the task.
func (o *Orchestrator) stepDone(ctx context.Context, t *task.Task, state *pipelineState, step string) error {
	if err := t.AdvanceStep(step); err != nil {
		return err
	}
	t.NextRetryAt = nil
	if err := o.saveCheckpoint(ctx, t, state, step); err != nil {
		return err
	}
	if err := o.updateTask(ctx, t); err != nil {
		return err
	}
	o.logger.Info(logging.CategoryOrchestrator, "step_completed", t.ID, step, map[string]any{
		"step": step,
	})
	return nil
}

func (o *Orchestrator) saveCheckpoint(ctx context.Context, t *task.Task, state *pipelineState, step string) error {
	cp, err := checkpoint.New(step, state)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "build checkpoint")
	}
	raw, err := cp.Encode()
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "encode checkpoint")
	}
	t.Checkpoint = raw
	return nil
}

// loadState reconstructs pipeline state from the task payload and, when
// present, the checkpoint. An unreadable checkpoint fails loudly rather
// than silently re-running paid-for steps.
func (o *Orchestrator) loadState(t *task.Task) (*pipelineState, *errors.Error) {
	state := &pipelineState{}

	var req agent.SceneRequest
	if err := json.Unmarshal(t.Payload, &req); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInvalidInput, "undecodable task payload").
			WithContext("task", t.ID)
	}
	state.Description = req.Description
	state.Title = req.Title

	cp, err := checkpoint.Decode(t.Checkpoint)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "unreadable checkpoint").
			WithContext("task", t.ID).
			WithUserMessage("The task's saved progress is unreadable.")
	}
	if cp != nil && len(cp.Data) > 0 {
		if err := cp.DecodeData(state); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "unreadable checkpoint data").
				WithContext("task", t.ID)
		}
	}
	return state, nil
}

// persistArtifacts stores every attachment on the response and records
// the ids on the task. Writes retry briefly through SQLite contention.
func (o *Orchestrator) persistArtifacts(ctx context.Context, t *task.Task, resp *message.Message) ([]*artifact.Artifact, error) {
	var saved []*artifact.Artifact
	for _, att := range resp.Artifacts {
		a := artifact.New(t.ID, artifact.Kind(att.Kind), att.MimeType, att.Payload)
		err := checkpoint.RetryWithBackoff(ctx, 2, 50*time.Millisecond, func() error {
			if err := o.artifacts.Add(ctx, a); err != nil {
				return errors.Wrap(err, errors.ErrCodeStorageWrite, "persist artifact").
					WithContext("kind", att.Kind).
					WithRetryable(isBusyStorage(err))
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
		t.Artifacts = append(t.Artifacts, a.ID)
		saved = append(saved, a)
	}
	return saved, nil
}

// persistCode stores a code response's artifact and returns the source.
func (o *Orchestrator) persistCode(ctx context.Context, t *task.Task, resp *message.Message) (string, error) {
	arts, err := o.persistArtifacts(ctx, t, resp)
	if err != nil {
		return "", err
	}
	codeArt := findArtifact(arts, artifact.KindGeneratedCode)
	if codeArt == nil {
		return "", agentViolation(resp, "code response carries no generated-code artifact")
	}
	return string(codeArt.Payload), nil
}

func (o *Orchestrator) normalizeCtxErr(err error) error {
	if stderrors.Is(err, context.DeadlineExceeded) {
		return errors.Wrap(err, errors.ErrCodeTaskDeadline, "task exceeded its wall-clock ceiling").
			WithRetryable(true).
			WithUserMessage("Generation ran out of time. Resubmit to try again.")
	}
	return errors.Wrap(err, errors.ErrCodeTaskCancelled, "execution cancelled").
		WithUserMessage("Generation was cancelled.")
}

func agentViolation(resp *message.Message, why string) *errors.Error {
	return errors.New(errors.ErrCodeAgentViolation, why).
		WithContext("message", resp.ID).
		WithContext("type", string(resp.Type)).
		WithUserMessage("An internal agent misbehaved.")
}

func findArtifact(arts []*artifact.Artifact, kind artifact.Kind) *artifact.Artifact {
	for _, a := range arts {
		if a.Kind == kind {
			return a
		}
	}
	return nil
}

// progressFor maps a completed step to the caller-visible percentage.
func progressFor(step string) int {
	return (task.StepIndex(step) + 1) * 20
}

func isBusyStorage(err error) bool {
	return storage.IsBusy(err)
}
