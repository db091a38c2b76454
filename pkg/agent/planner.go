package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"unicode"

	"github.com/scenesmith/scenesmith/pkg/artifact"
	"github.com/scenesmith/scenesmith/pkg/message"
	"github.com/scenesmith/scenesmith/pkg/task"
)

const maxPlannedScenes = 5

const plannerSystem = `You are a motion-design planner. Given a scene
description, produce a short evocative title on a single line.`

// Planner turns a caller's free-form description into a structured plan:
// a title plus an ordered list of scenes to realize.
type Planner struct {
	model ModelClient
}

// NewPlanner creates a planner. model may be nil; titles are then derived
// from the description.
func NewPlanner(model ModelClient) *Planner {
	return &Planner{model: model}
}

func (p *Planner) Name() string { return NamePlanner }

func (p *Planner) ProcessMessage(ctx context.Context, msg *message.Message) (*message.Message, error) {
	var req SceneRequest
	if err := msg.DecodePayload(&req); err != nil {
		return errorReply(msg, message.TypePlanSceneError, task.StepPlan,
			fmt.Errorf("decode request: %w", err))
	}
	if strings.TrimSpace(req.Description) == "" {
		return errorReply(msg, message.TypePlanSceneError, task.StepPlan,
			fmt.Errorf("empty scene description"))
	}

	title := strings.TrimSpace(req.Title)
	if title == "" && p.model != nil {
		generated, err := p.model.Complete(ctx, plannerSystem, "Title for: "+req.Description)
		if err != nil {
			return errorReply(msg, message.TypePlanSceneError, task.StepPlan, err)
		}
		title = firstLine(generated)
	}
	if title == "" {
		title = deriveTitle(req.Description)
	}

	plan := Plan{Title: title}
	for i, beat := range splitBeats(req.Description) {
		plan.Scenes = append(plan.Scenes, PlannedScene{
			ID:          fmt.Sprintf("scene-%d", i+1),
			Name:        deriveTitle(beat),
			Description: beat,
		})
	}

	raw, err := json.Marshal(plan)
	if err != nil {
		return nil, fmt.Errorf("marshal plan: %w", err)
	}

	return message.Reply(msg, message.TypePlanSceneResponse,
		PlanResult{Title: title, SceneCount: len(plan.Scenes)},
		message.Attachment{
			Kind:     string(artifact.KindPlan),
			MimeType: "application/json",
			Payload:  raw,
		})
}

// splitBeats breaks a description into scene-sized beats along sentence
// boundaries, capped at maxPlannedScenes. A description with no internal
// structure becomes a single scene.
func splitBeats(description string) []string {
	parts := strings.FieldsFunc(description, func(r rune) bool {
		return r == '.' || r == ';' || r == '\n'
	})

	var beats []string
	for _, part := range parts {
		if s := strings.TrimSpace(part); s != "" {
			beats = append(beats, s)
		}
		if len(beats) == maxPlannedScenes {
			break
		}
	}
	if len(beats) == 0 {
		beats = []string{strings.TrimSpace(description)}
	}
	return beats
}

// deriveTitle builds a short title from the leading words of text.
func deriveTitle(text string) string {
	words := strings.Fields(text)
	if len(words) > 6 {
		words = words[:6]
	}
	for i, w := range words {
		words[i] = capitalize(strings.Trim(w, ".,;:!?"))
	}
	return strings.Join(words, " ")
}

func capitalize(w string) string {
	runes := []rune(w)
	if len(runes) == 0 {
		return w
	}
	runes[0] = unicode.ToUpper(runes[0])
	return string(runes)
}

func firstLine(s string) string {
	if idx := strings.IndexByte(s, '\n'); idx >= 0 {
		s = s[:idx]
	}
	return strings.TrimSpace(s)
}
