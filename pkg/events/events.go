// Package events translates internal task progress into an ordered,
// best-effort stream for one external subscriber per task. Publication is
// fire-and-forget: a disconnected or slow subscriber never blocks or fails
// the orchestration pipeline.
package events

import (
	"time"

	"github.com/oklog/ulid/v2"
)

// Event kinds. The set is extensible; consumers must ignore unknown kinds
// and treat delivery as at-least-once.
const (
	KindReady                 = "ready"
	KindAssistantMessageChunk = "assistant_message_chunk"
	KindSceneAdded            = "scene_added"
	KindSceneUpdated          = "scene_updated"
	KindTitleUpdated          = "title_updated"
	KindError                 = "error"
)

// Event is one progress notification for a task.
type Event struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	TaskID    string         `json:"taskId"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data,omitempty"`
}

// Publisher delivers events to whoever is listening for a task.
// Publish must never block and must never return an error that the
// pipeline would have to handle; delivery is best-effort.
type Publisher interface {
	Publish(taskID string, event Event)
	Close() error
}

func newEvent(taskID, kind string, data map[string]any) Event {
	return Event{
		ID:        ulid.Make().String(),
		Type:      kind,
		TaskID:    taskID,
		Timestamp: time.Now(),
		Data:      data,
	}
}

// Ready signals that the pipeline accepted the task.
func Ready(taskID string) Event {
	return newEvent(taskID, KindReady, nil)
}

// AssistantMessageChunk carries incremental human-readable narration.
func AssistantMessageChunk(taskID, message string, isComplete bool) Event {
	return newEvent(taskID, KindAssistantMessageChunk, map[string]any{
		"message":    message,
		"isComplete": isComplete,
	})
}

// SceneAdded marks a progress milestone with a computed percentage.
func SceneAdded(taskID, sceneID string, progress int) Event {
	return newEvent(taskID, KindSceneAdded, map[string]any{
		"sceneId":  sceneID,
		"progress": progress,
	})
}

// SceneUpdated marks continued progress on an existing scene.
func SceneUpdated(taskID, sceneID string, progress int) Event {
	return newEvent(taskID, KindSceneUpdated, map[string]any{
		"sceneId":  sceneID,
		"progress": progress,
	})
}

// TitleUpdated carries a freshly generated scene title.
func TitleUpdated(taskID, title string) Event {
	return newEvent(taskID, KindTitleUpdated, map[string]any{
		"title": title,
	})
}

// Error carries a user-readable failure and whether resubmission can help.
func Error(taskID, message string, canRetry bool) Event {
	return newEvent(taskID, KindError, map[string]any{
		"message":  message,
		"canRetry": canRetry,
	})
}
