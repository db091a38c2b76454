package message

import (
	"encoding/json"
	"testing"
)

func TestNewMessage(t *testing.T) {
	msg, err := New(TypeGenerateBriefRequest, "orchestrator", "brief-writer", "task-1", map[string]string{
		"description": "bouncing ball",
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	if msg.ID == "" {
		t.Error("expected generated correlation id")
	}
	if msg.TaskID != "task-1" {
		t.Errorf("expected task-1, got %s", msg.TaskID)
	}
	if err := msg.Validate(); err != nil {
		t.Errorf("valid message rejected: %v", err)
	}

	var payload map[string]string
	if err := msg.DecodePayload(&payload); err != nil {
		t.Fatalf("DecodePayload failed: %v", err)
	}
	if payload["description"] != "bouncing ball" {
		t.Errorf("unexpected payload: %v", payload)
	}
}

func TestReplyKeepsCorrelationAndTask(t *testing.T) {
	req, err := New(TypeGenerateCodeRequest, "orchestrator", "coder", "task-7", nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	resp, err := Reply(req, TypeGenerateCodeResponse, map[string]string{"status": "ok"}, Attachment{
		Kind:     "generated-code",
		MimeType: "text/javascript",
		Payload:  []byte("export default () => null"),
	})
	if err != nil {
		t.Fatalf("Reply failed: %v", err)
	}

	if resp.ID != req.ID {
		t.Errorf("reply should keep correlation id: got %s want %s", resp.ID, req.ID)
	}
	if resp.TaskID != req.TaskID {
		t.Errorf("reply should keep task id: got %s want %s", resp.TaskID, req.TaskID)
	}
	if resp.From != "coder" || resp.To != "orchestrator" {
		t.Errorf("reply should swap endpoints: from=%s to=%s", resp.From, resp.To)
	}
	if len(resp.Artifacts) != 1 || resp.Artifacts[0].Kind != "generated-code" {
		t.Errorf("unexpected artifacts: %+v", resp.Artifacts)
	}
}

func TestValidateRejectsIncomplete(t *testing.T) {
	tests := []struct {
		name string
		msg  *Message
	}{
		{"nil", nil},
		{"missing id", &Message{Type: TypeBuildSceneRequest, TaskID: "t"}},
		{"missing type", &Message{ID: "m", TaskID: "t"}},
		{"missing task", &Message{ID: "m", Type: TypeBuildSceneRequest}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.msg.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestErrorTypes(t *testing.T) {
	if !TypeGenerateCodeError.IsError() {
		t.Error("GENERATE_CODE_ERROR should classify as error")
	}
	if TypeGenerateCodeResponse.IsError() {
		t.Error("GENERATE_CODE_RESPONSE should not classify as error")
	}
}

func TestRawPayloadPassthrough(t *testing.T) {
	raw := json.RawMessage(`{"answer":42}`)
	msg, err := New(TypePlanSceneRequest, "caller", "planner", "task-9", raw)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if string(msg.Payload) != `{"answer":42}` {
		t.Errorf("raw payload should pass through unchanged, got %s", msg.Payload)
	}
}
