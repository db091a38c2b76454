package agent

import (
	"context"
	"fmt"
	"strings"

	"github.com/oklog/ulid/v2"

	"github.com/scenesmith/scenesmith/pkg/artifact"
	"github.com/scenesmith/scenesmith/pkg/message"
	"github.com/scenesmith/scenesmith/pkg/task"
)

// Builder compiles validated scene source into a playable bundle via the
// injected SceneCompiler and returns it as a build-output artifact.
type Builder struct {
	compiler SceneCompiler
}

// NewBuilder creates a builder over the given compiler.
func NewBuilder(compiler SceneCompiler) *Builder {
	return &Builder{compiler: compiler}
}

func (b *Builder) Name() string { return NameBuilder }

func (b *Builder) ProcessMessage(ctx context.Context, msg *message.Message) (*message.Message, error) {
	var req BuildRequest
	if err := msg.DecodePayload(&req); err != nil {
		return errorReply(msg, message.TypeBuildSceneError, task.StepBuild,
			fmt.Errorf("decode request: %w", err))
	}

	bundle, err := b.compiler.Compile(ctx, req.Code)
	if err != nil {
		return errorReply(msg, message.TypeBuildSceneError, task.StepBuild, err)
	}

	sceneID := req.SceneID
	if sceneID == "" {
		sceneID = "scene-" + strings.ToLower(ulid.Make().String())
	}

	return message.Reply(msg, message.TypeBuildSceneResponse,
		BuildResult{SceneID: sceneID},
		message.Attachment{
			Kind:     string(artifact.KindBuildOutput),
			MimeType: "application/javascript",
			Payload:  bundle,
		})
}
