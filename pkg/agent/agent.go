// Package agent defines the uniform contract every pipeline agent
// implements and the registry the orchestrator routes messages through.
// Agents are stateless request handlers: all durable state lives on the
// task record, owned by the orchestrator.
package agent

import (
	"context"
	"fmt"

	"github.com/scenesmith/scenesmith/pkg/errors"
	"github.com/scenesmith/scenesmith/pkg/message"
)

// Agent handles exactly the message types it is registered for.
//
// ProcessMessage returns the response message, or nil when the agent has
// nothing to say. Operational failures (model timeouts, bad input) are
// reported as *_ERROR response messages, not Go errors; a non-nil error
// return means the agent violated its contract and the orchestrator will
// fail the task without retry.
type Agent interface {
	Name() string
	ProcessMessage(ctx context.Context, msg *message.Message) (*message.Message, error)
}

// Agent names used as message endpoints.
const (
	NamePlanner     = "planner"
	NameBriefWriter = "brief-writer"
	NameCoder       = "coder"
	NameValidator   = "validator"
	NameBuilder     = "builder"
)

// ModelClient is the opaque LLM boundary. Agents that generate text or
// code call through this; everything about providers, prompting, and
// streaming lives behind it. A nil client makes agents fall back to
// deterministic templates, which is what tests run against.
type ModelClient interface {
	Complete(ctx context.Context, system, prompt string) (string, error)
}

// SceneCompiler turns validated scene source into a playable bundle.
// The real toolchain invocation is external; the Builder only sees bytes.
type SceneCompiler interface {
	Compile(ctx context.Context, source string) ([]byte, error)
}

// Registry is the static message-type to agent routing table. It is
// populated once at construction and read-only afterwards, so lookups
// need no locking.
type Registry struct {
	byType map[message.Type]Agent
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{byType: make(map[message.Type]Agent)}
}

// Register binds a message type to an agent. Rebinding a type is a
// wiring bug and is rejected.
func (r *Registry) Register(msgType message.Type, a Agent) error {
	if _, ok := r.byType[msgType]; ok {
		return fmt.Errorf("message type %s already registered", msgType)
	}
	r.byType[msgType] = a
	return nil
}

// Resolve returns the agent bound to a message type.
func (r *Registry) Resolve(msgType message.Type) (Agent, bool) {
	a, ok := r.byType[msgType]
	return a, ok
}

// Types returns the registered message types. Order is unspecified.
func (r *Registry) Types() []message.Type {
	out := make([]message.Type, 0, len(r.byType))
	for t := range r.byType {
		out = append(out, t)
	}
	return out
}

// NewDefaultRegistry wires the full scene pipeline: plan, brief, code
// (plus fixes), validate, build. model may be nil for deterministic
// operation; compiler defaults to the local compiler.
func NewDefaultRegistry(model ModelClient, compiler SceneCompiler) *Registry {
	if compiler == nil {
		compiler = &LocalCompiler{}
	}

	r := NewRegistry()
	coder := NewCoder(model)
	mustRegister(r, message.TypePlanSceneRequest, NewPlanner(model))
	mustRegister(r, message.TypeGenerateBriefRequest, NewBriefWriter(model))
	mustRegister(r, message.TypeGenerateCodeRequest, coder)
	mustRegister(r, message.TypeFixCodeRequest, coder)
	mustRegister(r, message.TypeValidateCodeRequest, NewValidator())
	mustRegister(r, message.TypeBuildSceneRequest, NewBuilder(compiler))
	return r
}

// mustRegister panics on duplicate registration: the default wiring is
// static, so a collision is a construction bug, not a runtime condition.
func mustRegister(r *Registry, msgType message.Type, a Agent) {
	if err := r.Register(msgType, a); err != nil {
		panic(err)
	}
}

// errorReply builds the failure-as-data response for an agent whose
// operation failed. The retriable flag follows the error taxonomy.
func errorReply(req *message.Message, errType message.Type, step string, failure error) (*message.Message, error) {
	return message.Reply(req, errType, message.ErrorPayload{
		Step:      step,
		Message:   errors.UserMessage(failure),
		Retriable: errors.IsRetryable(failure),
	})
}
