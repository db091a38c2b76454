package agent

import (
	"context"
	"fmt"
	"strings"

	"github.com/scenesmith/scenesmith/pkg/artifact"
	"github.com/scenesmith/scenesmith/pkg/errors"
	"github.com/scenesmith/scenesmith/pkg/message"
	"github.com/scenesmith/scenesmith/pkg/task"
)

const coderSystem = `You are a motion-graphics engineer. Output a complete
self-contained scene component with a default export. Output code only.`

const sceneTemplate = `import React from 'react';
import { AbsoluteFill, useCurrentFrame, interpolate } from 'remotion';

export default function Scene() {
  const frame = useCurrentFrame();
  const opacity = interpolate(frame, [0, 30], [0, 1], { extrapolateRight: 'clamp' });
  return (
    <AbsoluteFill style={{ backgroundColor: '#0b0b0f', justifyContent: 'center', alignItems: 'center' }}>
      <h1 style={{ color: '#f5f5f5', fontFamily: 'sans-serif', opacity }}>%s</h1>
    </AbsoluteFill>
  );
}
`

// Coder produces scene source from a brief and repairs source the
// validator rejected. Both request types land here so fix context stays
// with the agent that wrote the code.
type Coder struct {
	model ModelClient
}

// NewCoder creates a coder. model may be nil; generation is then a
// deterministic template.
func NewCoder(model ModelClient) *Coder {
	return &Coder{model: model}
}

func (c *Coder) Name() string { return NameCoder }

func (c *Coder) ProcessMessage(ctx context.Context, msg *message.Message) (*message.Message, error) {
	switch msg.Type {
	case message.TypeGenerateCodeRequest:
		return c.generate(ctx, msg)
	case message.TypeFixCodeRequest:
		return c.fix(ctx, msg)
	default:
		return nil, errors.New(errors.ErrCodeUnknownMsgType, "coder cannot handle message").
			WithContext("type", string(msg.Type))
	}
}

func (c *Coder) generate(ctx context.Context, msg *message.Message) (*message.Message, error) {
	var req CodeRequest
	if err := msg.DecodePayload(&req); err != nil {
		return errorReply(msg, message.TypeGenerateCodeError, task.StepCode,
			fmt.Errorf("decode request: %w", err))
	}

	code := ""
	if c.model != nil {
		prompt := fmt.Sprintf("Brief:\n%s\n\nDescription: %s", req.Brief, req.Description)
		generated, err := c.model.Complete(ctx, coderSystem, prompt)
		if err != nil {
			return errorReply(msg, message.TypeGenerateCodeError, task.StepCode, err)
		}
		if strings.Contains(generated, "export default") {
			code = strings.TrimSpace(generated) + "\n"
		}
	}
	if code == "" {
		title := req.Title
		if title == "" {
			title = deriveTitle(req.Description)
		}
		code = fmt.Sprintf(sceneTemplate, jsEscape(title))
	}

	return c.reply(msg, code, false)
}

func (c *Coder) fix(ctx context.Context, msg *message.Message) (*message.Message, error) {
	var req FixRequest
	if err := msg.DecodePayload(&req); err != nil {
		return errorReply(msg, message.TypeGenerateCodeError, task.StepCode,
			fmt.Errorf("decode fix request: %w", err))
	}

	if c.model != nil {
		prompt := fmt.Sprintf("Fix this scene. Rejection: %s\n\n%s", req.Reason, req.Code)
		fixed, err := c.model.Complete(ctx, coderSystem, prompt)
		if err != nil {
			return errorReply(msg, message.TypeGenerateCodeError, task.StepCode, err)
		}
		if strings.Contains(fixed, "export default") {
			return c.reply(msg, strings.TrimSpace(fixed)+"\n", true)
		}
	}

	return c.reply(msg, repairSource(req.Code), true)
}

func (c *Coder) reply(msg *message.Message, code string, fixed bool) (*message.Message, error) {
	return message.Reply(msg, message.TypeGenerateCodeResponse,
		CodeResult{Language: "tsx", Fixed: fixed},
		message.Attachment{
			Kind:     string(artifact.KindGeneratedCode),
			MimeType: "text/x-tsx",
			Payload:  []byte(code),
		})
}

// repairSource applies the mechanical fixes the validator can ask for:
// close dangling braces and guarantee a default export.
func repairSource(code string) string {
	code = strings.TrimSpace(code)

	if open, close := strings.Count(code, "{"), strings.Count(code, "}"); open > close {
		code += "\n" + strings.Repeat("}", open-close)
	}
	if !strings.Contains(code, "export default") {
		code += "\n\nexport default function Scene() {\n  return null;\n}"
	}
	return code + "\n"
}

func jsEscape(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `'`, `\'`)
	return s
}
