// Package message defines the immutable envelope exchanged between the
// orchestrator and agents. A message is constructed once and never mutated;
// replies are new messages that carry the originating task and correlation id.
package message

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
)

// Type identifies the kind of request or response a message carries.
// The orchestrator routes requests to agents by this value alone.
type Type string

const (
	// Requests, in pipeline order.
	TypePlanSceneRequest     Type = "PLAN_SCENE_REQUEST"
	TypeGenerateBriefRequest Type = "GENERATE_BRIEF_REQUEST"
	TypeGenerateCodeRequest  Type = "GENERATE_CODE_REQUEST"
	TypeFixCodeRequest       Type = "FIX_CODE_REQUEST"
	TypeValidateCodeRequest  Type = "VALIDATE_CODE_REQUEST"
	TypeBuildSceneRequest    Type = "BUILD_SCENE_REQUEST"

	// Responses.
	TypePlanSceneResponse     Type = "PLAN_SCENE_RESPONSE"
	TypeGenerateBriefResponse Type = "GENERATE_BRIEF_RESPONSE"
	TypeGenerateCodeResponse  Type = "GENERATE_CODE_RESPONSE"
	TypeValidateCodeResponse  Type = "VALIDATE_CODE_RESPONSE"
	TypeBuildSceneResponse    Type = "BUILD_SCENE_RESPONSE"

	// Failure responses. Agents return these instead of raising; an agent
	// that panics is treated as having violated the contract.
	TypePlanSceneError     Type = "PLAN_SCENE_ERROR"
	TypeGenerateBriefError Type = "GENERATE_BRIEF_ERROR"
	TypeGenerateCodeError  Type = "GENERATE_CODE_ERROR"
	TypeValidateCodeError  Type = "VALIDATE_CODE_ERROR"
	TypeBuildSceneError    Type = "BUILD_SCENE_ERROR"

	// Request for caller input (e.g. a clarifying answer).
	TypeInputRequired Type = "INPUT_REQUIRED"
)

// IsError reports whether the type signals an agent-level failure.
func (t Type) IsError() bool {
	switch t {
	case TypePlanSceneError, TypeGenerateBriefError, TypeGenerateCodeError,
		TypeValidateCodeError, TypeBuildSceneError:
		return true
	}
	return false
}

// Attachment is an artifact carried by value inside a message. The
// orchestrator persists attachments to the artifact store on receipt.
type Attachment struct {
	Kind     string `json:"kind"`
	MimeType string `json:"mimeType"`
	Payload  []byte `json:"payload"`
}

// Message is the immutable envelope. Construct with New or Reply; do not
// modify fields after construction.
type Message struct {
	ID        string          `json:"id"`
	Type      Type            `json:"type"`
	From      string          `json:"from"`
	To        string          `json:"to"`
	TaskID    string          `json:"taskId"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Artifacts []Attachment    `json:"artifacts,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// New constructs a request message with a fresh correlation id.
func New(msgType Type, from, to, taskID string, payload any) (*Message, error) {
	raw, err := marshalPayload(payload)
	if err != nil {
		return nil, err
	}
	return &Message{
		ID:        ulid.Make().String(),
		Type:      msgType,
		From:      from,
		To:        to,
		TaskID:    taskID,
		Payload:   raw,
		Timestamp: time.Now(),
	}, nil
}

// Reply constructs a response to req. The reply keeps the request's
// correlation id and task id and swaps the endpoints.
func Reply(req *Message, msgType Type, payload any, artifacts ...Attachment) (*Message, error) {
	raw, err := marshalPayload(payload)
	if err != nil {
		return nil, err
	}
	return &Message{
		ID:        req.ID,
		Type:      msgType,
		From:      req.To,
		To:        req.From,
		TaskID:    req.TaskID,
		Payload:   raw,
		Artifacts: artifacts,
		Timestamp: time.Now(),
	}, nil
}

func marshalPayload(payload any) (json.RawMessage, error) {
	if payload == nil {
		return nil, nil
	}
	if raw, ok := payload.(json.RawMessage); ok {
		return raw, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return raw, nil
}

// DecodePayload unmarshals the payload into out.
func (m *Message) DecodePayload(out any) error {
	if len(m.Payload) == 0 {
		return fmt.Errorf("message %s has no payload", m.ID)
	}
	return json.Unmarshal(m.Payload, out)
}

// Validate checks the structural invariants every message must satisfy
// before it enters the router.
func (m *Message) Validate() error {
	if m == nil {
		return fmt.Errorf("nil message")
	}
	if m.ID == "" {
		return fmt.Errorf("message missing id")
	}
	if m.Type == "" {
		return fmt.Errorf("message %s missing type", m.ID)
	}
	if m.TaskID == "" {
		return fmt.Errorf("message %s missing task id", m.ID)
	}
	return nil
}

// ErrorPayload is the payload shape for *_ERROR responses.
type ErrorPayload struct {
	Step      string `json:"step"`
	Message   string `json:"message"`
	Retriable bool   `json:"retriable"`
}
