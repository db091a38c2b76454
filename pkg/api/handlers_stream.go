package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/scenesmith/scenesmith/pkg/bus"
	"github.com/scenesmith/scenesmith/pkg/events"
	"github.com/scenesmith/scenesmith/pkg/logging"
	"github.com/scenesmith/scenesmith/pkg/task"
)

// streamFrame is what goes over the wire on both stream transports.
// Progress events pass through unchanged; connected/heartbeat frames are
// transport-level and consumers ignore kinds they don't know.
type streamFrame struct {
	Type      string         `json:"type"`
	TaskID    string         `json:"taskId,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data,omitempty"`
}

// subscribeTask wires a bus subscription for one task's events into a
// drop-on-full channel. The returned channel is never closed; the
// subscription dies with ctx.
func (s *Server) subscribeTask(ctx context.Context, taskID string) (<-chan events.Event, bus.Subscription, error) {
	ch := make(chan events.Event, 128)
	sub, err := s.bus.Subscribe(ctx, events.TaskSubject(taskID), func(msg *bus.Message) {
		var ev events.Event
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			return
		}
		select {
		case ch <- ev:
		default:
			// Slow consumer; drop rather than stall.
		}
	})
	if err != nil {
		return nil, nil, err
	}
	return ch, sub, nil
}

// terminalFrame synthesizes the closing event for a task that is already
// finished when a subscriber connects, so late subscribers still see the
// outcome before the stream ends.
func terminalFrame(t *task.Task) *streamFrame {
	switch t.State {
	case task.StateCompleted:
		return &streamFrame{
			Type:      events.KindAssistantMessageChunk,
			TaskID:    t.ID,
			Timestamp: time.Now(),
			Data:      map[string]any{"message": "Scene is ready.", "isComplete": true},
		}
	case task.StateFailed:
		msg := "Generation failed."
		canRetry := false
		if t.ErrorContext != nil {
			msg = t.ErrorContext.Message
			canRetry = t.ErrorContext.Retriable
		}
		return &streamFrame{
			Type:      events.KindError,
			TaskID:    t.ID,
			Timestamp: time.Now(),
			Data:      map[string]any{"message": msg, "canRetry": canRetry},
		}
	}
	return nil
}

func eventFrame(ev events.Event) streamFrame {
	return streamFrame{
		Type:      ev.Type,
		TaskID:    ev.TaskID,
		Timestamp: ev.Timestamp,
		Data:      ev.Data,
	}
}

// isFinal reports whether a frame ends the stream.
func (f streamFrame) isFinal() bool {
	if f.Type == events.KindError {
		return true
	}
	if f.Type == events.KindAssistantMessageChunk {
		done, _ := f.Data["isComplete"].(bool)
		return done
	}
	return false
}

// handleTaskEvents streams one task's progress as Server-Sent Events:
// one `data: <json>` frame per event, heartbeats to keep intermediaries
// from closing the connection, stream ends after the final event.
func (s *Server) handleTaskEvents(w http.ResponseWriter, r *http.Request) {
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

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	writeSSE := func(frame streamFrame) bool {
		data, err := json.Marshal(frame)
		if err != nil {
			return false
		}
		if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
			// Subscriber gone; nothing to do, the task keeps running.
			return false
		}
		flusher.Flush()
		return true
	}

	writeSSE(streamFrame{Type: "connected", TaskID: id, Timestamp: time.Now()})

	// A finished task gets its closing event replayed immediately.
	if final := terminalFrame(t); final != nil {
		writeSSE(*final)
		return
	}

	ctx := r.Context()
	ch, sub, err := s.subscribeTask(ctx, id)
	if err != nil {
		writeSSE(streamFrame{
			Type:      events.KindError,
			TaskID:    id,
			Timestamp: time.Now(),
			Data:      map[string]any{"message": "event stream unavailable", "canRetry": true},
		})
		return
	}
	defer sub.Unsubscribe()

	ticker := time.NewTicker(s.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !writeSSE(streamFrame{Type: "heartbeat", Timestamp: time.Now()}) {
				return
			}
		case ev := <-ch:
			frame := eventFrame(ev)
			if !writeSSE(frame) {
				return
			}
			if frame.isFinal() {
				return
			}
		}
	}
}

// handleTaskWebSocket streams the same frames over a WebSocket, with
// ping/pong support for clients that cannot use SSE.
func (s *Server) handleTaskWebSocket(w http.ResponseWriter, r *http.Request) {
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

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		writeError(w, http.StatusBadRequest, "websocket upgrade failed: "+err.Error())
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "stream closed")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	if err := wsjson.Write(ctx, conn, streamFrame{Type: "connected", TaskID: id, Timestamp: time.Now()}); err != nil {
		return
	}
	if final := terminalFrame(t); final != nil {
		wsjson.Write(ctx, conn, *final)
		return
	}

	ch, sub, err := s.subscribeTask(ctx, id)
	if err != nil {
		s.logger.Warn(logging.CategoryAPI, "stream_subscribe_failed", id, err.Error(), nil)
		conn.Close(websocket.StatusInternalError, "subscription failed")
		return
	}
	defer sub.Unsubscribe()

	// Reader goroutine: answer pings, notice disconnects.
	go func() {
		for {
			var in struct {
				Type string `json:"type"`
			}
			if err := wsjson.Read(ctx, conn, &in); err != nil {
				cancel()
				return
			}
			if in.Type == "ping" {
				wsjson.Write(ctx, conn, streamFrame{Type: "pong", Timestamp: time.Now()})
			}
		}
	}()

	ticker := time.NewTicker(s.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := wsjson.Write(ctx, conn, streamFrame{Type: "heartbeat", Timestamp: time.Now()}); err != nil {
				return
			}
		case ev := <-ch:
			frame := eventFrame(ev)
			if err := wsjson.Write(ctx, conn, frame); err != nil {
				return
			}
			if frame.isFinal() {
				return
			}
		}
	}
}
