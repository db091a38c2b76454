package agent

import (
	"context"
	"fmt"
	"strings"

	"github.com/scenesmith/scenesmith/pkg/artifact"
	"github.com/scenesmith/scenesmith/pkg/message"
	"github.com/scenesmith/scenesmith/pkg/task"
)

const briefSystem = `You are a motion-design art director. Expand the plan
into a concrete design brief: palette, typography, motion language, pacing.`

// BriefWriter expands a plan into a design brief the coder works from.
type BriefWriter struct {
	model ModelClient
}

// NewBriefWriter creates a brief writer. model may be nil; the brief is
// then assembled from a deterministic template.
func NewBriefWriter(model ModelClient) *BriefWriter {
	return &BriefWriter{model: model}
}

func (b *BriefWriter) Name() string { return NameBriefWriter }

func (b *BriefWriter) ProcessMessage(ctx context.Context, msg *message.Message) (*message.Message, error) {
	var req BriefRequest
	if err := msg.DecodePayload(&req); err != nil {
		return errorReply(msg, message.TypeGenerateBriefError, task.StepBrief,
			fmt.Errorf("decode request: %w", err))
	}
	if req.Plan.Title == "" || len(req.Plan.Scenes) == 0 {
		return errorReply(msg, message.TypeGenerateBriefError, task.StepBrief,
			fmt.Errorf("brief request carries no plan"))
	}

	brief := ""
	if b.model != nil {
		generated, err := b.model.Complete(ctx, briefSystem, briefPrompt(req))
		if err != nil {
			return errorReply(msg, message.TypeGenerateBriefError, task.StepBrief, err)
		}
		brief = strings.TrimSpace(generated)
	}
	if brief == "" {
		brief = templateBrief(req)
	}

	return message.Reply(msg, message.TypeGenerateBriefResponse,
		BriefResult{Summary: firstLine(brief)},
		message.Attachment{
			Kind:     string(artifact.KindDesignBrief),
			MimeType: "text/markdown",
			Payload:  []byte(brief),
		})
}

func briefPrompt(req BriefRequest) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Title: %s\nDescription: %s\nScenes:\n", req.Plan.Title, req.Description)
	for _, s := range req.Plan.Scenes {
		fmt.Fprintf(&sb, "- %s: %s\n", s.Name, s.Description)
	}
	return sb.String()
}

func templateBrief(req BriefRequest) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "# %s\n\n", req.Plan.Title)
	fmt.Fprintf(&sb, "Scene brief for: %s\n\n", req.Description)
	sb.WriteString("## Visual language\n\n")
	sb.WriteString("- Dark backdrop, single accent color, generous negative space\n")
	sb.WriteString("- Ease-in-out motion, 30 frame entrances\n\n")
	sb.WriteString("## Scenes\n\n")
	for i, s := range req.Plan.Scenes {
		fmt.Fprintf(&sb, "%d. **%s** — %s\n", i+1, s.Name, s.Description)
	}
	return sb.String()
}
