package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/scenesmith/scenesmith/pkg/agent"
	"github.com/scenesmith/scenesmith/pkg/artifact"
	"github.com/scenesmith/scenesmith/pkg/checkpoint"
	"github.com/scenesmith/scenesmith/pkg/task"
)

// SubmitTaskRequest is the body for POST /api/v1/tasks.
type SubmitTaskRequest struct {
	// ID is the optional caller-chosen task id; submission is idempotent
	// on it. Empty means the server assigns one.
	ID string `json:"id,omitempty"`

	// Type of task; defaults to generate-scene.
	Type string `json:"type,omitempty"`

	// Description of the scene to generate. Required.
	Description string `json:"description"`

	// Title is an optional caller-chosen scene title.
	Title string `json:"title,omitempty"`
}

// TaskView is the caller-facing task representation.
type TaskView struct {
	ID                 string              `json:"id"`
	Type               string              `json:"type"`
	State              task.State          `json:"state"`
	LastSuccessfulStep string              `json:"lastSuccessfulStep"`
	CheckpointStep     string              `json:"checkpointStep,omitempty"`
	Artifacts          []string            `json:"artifacts,omitempty"`
	ErrorContext       *task.ErrorContext  `json:"errorContext,omitempty"`
	RetryCount         int                 `json:"retryCount"`
	FixAttempts        int                 `json:"fixAttempts"`
	NextRetryAt        *time.Time          `json:"nextRetryAt,omitempty"`
	RequiresInput      bool                `json:"requiresInput"`
	InputType          string              `json:"inputType,omitempty"`
	History            []task.HistoryEntry `json:"history,omitempty"`
	CreatedAt          time.Time           `json:"createdAt"`
	UpdatedAt          time.Time           `json:"updatedAt"`
}

func (s *Server) handleSubmitTask(w http.ResponseWriter, r *http.Request) {
	var req SubmitTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	payload, err := json.Marshal(agent.SceneRequest{
		Description: req.Description,
		Title:       req.Title,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "encode payload: "+err.Error())
		return
	}

	id, err := s.orch.Submit(r.Context(), req.ID, req.Type, payload)
	if err != nil {
		writeStructuredError(w, err)
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{
		"id":    id,
		"state": string(task.StateSubmitted),
	})
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	t, err := s.tasks.Get(r.Context(), id)
	if err != nil {
		if err == task.ErrNotFound {
			writeError(w, http.StatusNotFound, "task not found: "+id)
			return
		}
		writeStructuredError(w, err)
		return
	}

	view := TaskView{
		ID:                 t.ID,
		Type:               t.Type,
		State:              t.State,
		LastSuccessfulStep: t.LastSuccessfulStep,
		Artifacts:          t.Artifacts,
		ErrorContext:       t.ErrorContext,
		RetryCount:         t.RetryCount,
		FixAttempts:        t.FixAttempts,
		NextRetryAt:        t.NextRetryAt,
		RequiresInput:      t.RequiresInput,
		InputType:          t.InputType,
		CreatedAt:          t.CreatedAt,
		UpdatedAt:          t.UpdatedAt,
	}
	if cp, err := checkpoint.Decode(t.Checkpoint); err == nil && cp != nil {
		view.CheckpointStep = cp.Step
	}
	if history, err := s.tasks.History(r.Context(), id); err == nil {
		view.History = history
	}

	writeJSON(w, http.StatusOK, view)
}

// ArtifactView is artifact metadata without the payload bytes.
type ArtifactView struct {
	ID        string        `json:"id"`
	TaskID    string        `json:"taskId"`
	Kind      artifact.Kind `json:"kind"`
	MimeType  string        `json:"mimeType"`
	SizeBytes int           `json:"sizeBytes"`
	URL       string        `json:"url,omitempty"`
	CreatedAt time.Time     `json:"createdAt"`
}

func (s *Server) handleListArtifacts(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if _, err := s.tasks.Get(r.Context(), id); err != nil {
		if err == task.ErrNotFound {
			writeError(w, http.StatusNotFound, "task not found: "+id)
			return
		}
		writeStructuredError(w, err)
		return
	}

	arts, err := s.artifacts.ListByTask(r.Context(), id)
	if err != nil {
		writeStructuredError(w, err)
		return
	}

	views := make([]ArtifactView, len(arts))
	for i, a := range arts {
		views[i] = ArtifactView{
			ID:        a.ID,
			TaskID:    a.TaskID,
			Kind:      a.Kind,
			MimeType:  a.MimeType,
			SizeBytes: len(a.Payload),
			URL:       a.URL,
			CreatedAt: a.CreatedAt,
		}
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleGetArtifact(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	a, err := s.artifacts.Get(r.Context(), id)
	if err != nil {
		if err == artifact.ErrNotFound {
			writeError(w, http.StatusNotFound, "artifact not found: "+id)
			return
		}
		writeStructuredError(w, err)
		return
	}

	w.Header().Set("Content-Type", a.MimeType)
	w.WriteHeader(http.StatusOK)
	w.Write(a.Payload)
}

func (s *Server) handleProvideInput(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var input json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
		writeError(w, http.StatusBadRequest, "invalid input body: "+err.Error())
		return
	}

	if err := s.orch.ProvideInput(r.Context(), id, input); err != nil {
		writeStructuredError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"id":    id,
		"state": string(task.StateWorking),
	})
}

func (s *Server) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if err := s.orch.Cancel(r.Context(), id); err != nil {
		writeStructuredError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"id": id})
}

func (s *Server) handleResubmitTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if err := s.orch.Resubmit(r.Context(), id); err != nil {
		writeStructuredError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{
		"id":    id,
		"state": string(task.StateSubmitted),
	})
}
