package agent

import (
	"context"
	"fmt"
	"strings"

	"github.com/scenesmith/scenesmith/pkg/message"
	"github.com/scenesmith/scenesmith/pkg/task"
)

// Validator checks generated scene source before it reaches the builder.
// A rejection is a normal VALIDATE_CODE_RESPONSE with Approved=false; the
// orchestrator owns the decision to route a fix.
type Validator struct{}

// NewValidator creates a validator.
func NewValidator() *Validator {
	return &Validator{}
}

func (v *Validator) Name() string { return NameValidator }

func (v *Validator) ProcessMessage(ctx context.Context, msg *message.Message) (*message.Message, error) {
	var req ValidateRequest
	if err := msg.DecodePayload(&req); err != nil {
		return errorReply(msg, message.TypeValidateCodeError, task.StepValidate,
			fmt.Errorf("decode request: %w", err))
	}

	result := ValidateResult{Approved: true}
	if reason := checkSource(req.Code); reason != "" {
		result = ValidateResult{Approved: false, Reason: reason}
	}
	return message.Reply(msg, message.TypeValidateCodeResponse, result)
}

// checkSource runs the structural checks a scene must pass. Returns the
// first rejection reason, or "" when the source is acceptable.
func checkSource(code string) string {
	code = strings.TrimSpace(code)
	if code == "" {
		return "scene source is empty"
	}
	if !strings.Contains(code, "export default") {
		return "scene has no default export"
	}
	for _, pair := range [][2]string{{"{", "}"}, {"(", ")"}, {"[", "]"}} {
		open, closed := strings.Count(code, pair[0]), strings.Count(code, pair[1])
		if open != closed {
			return fmt.Sprintf("unbalanced %s%s: %d open, %d closed", pair[0], pair[1], open, closed)
		}
	}
	return ""
}
