package agent

// Payload shapes exchanged between the orchestrator and the agents.
// These are the wire contract inside message.Message.Payload; both sides
// decode with message.DecodePayload.

// SceneRequest seeds the pipeline: the caller's description of the scene
// to generate. Title is optional; when empty the planner derives one.
type SceneRequest struct {
	Description string `json:"description"`
	Title       string `json:"title,omitempty"`
}

// PlannedScene is one unit of the plan.
type PlannedScene struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

// Plan is the planner's full output, stored as the plan artifact.
type Plan struct {
	Title  string         `json:"title"`
	Scenes []PlannedScene `json:"scenes"`
}

// PlanResult is the planner's response payload.
type PlanResult struct {
	Title      string `json:"title"`
	SceneCount int    `json:"sceneCount"`
}

// BriefRequest asks the brief writer to expand a plan into a design brief.
type BriefRequest struct {
	Description string `json:"description"`
	Plan        Plan   `json:"plan"`
}

// BriefResult is the brief writer's response payload; the brief body
// itself travels as an artifact.
type BriefResult struct {
	Summary string `json:"summary"`
}

// CodeRequest asks the coder for scene source.
type CodeRequest struct {
	Description string `json:"description"`
	Brief       string `json:"brief"`
	Title       string `json:"title"`
}

// FixRequest asks the coder to repair code the validator rejected.
type FixRequest struct {
	Code   string `json:"code"`
	Reason string `json:"reason"`
}

// CodeResult is the coder's response payload; the source travels as an
// artifact.
type CodeResult struct {
	Language string `json:"language"`
	Fixed    bool   `json:"fixed,omitempty"`
}

// ValidateRequest asks the validator to check scene source.
type ValidateRequest struct {
	Code string `json:"code"`
}

// ValidateResult reports the verdict. A rejection is a normal response,
// not an error: the orchestrator decides whether to route a fix.
type ValidateResult struct {
	Approved bool   `json:"approved"`
	Reason   string `json:"reason,omitempty"`
}

// InputRequiredPayload is carried by INPUT_REQUIRED responses when an
// agent cannot proceed without a caller decision.
type InputRequiredPayload struct {
	InputType string `json:"inputType"`
	Prompt    string `json:"prompt"`
}

// BuildRequest asks the builder to compile validated source.
type BuildRequest struct {
	Code    string `json:"code"`
	Title   string `json:"title"`
	SceneID string `json:"sceneId,omitempty"`
}

// BuildResult is the builder's response payload; the bundle travels as
// an artifact.
type BuildResult struct {
	SceneID string `json:"sceneId"`
}
