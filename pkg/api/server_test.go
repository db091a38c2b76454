package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/scenesmith/scenesmith/pkg/agent"
	"github.com/scenesmith/scenesmith/pkg/artifact"
	"github.com/scenesmith/scenesmith/pkg/bus"
	"github.com/scenesmith/scenesmith/pkg/checkpoint"
	"github.com/scenesmith/scenesmith/pkg/events"
	"github.com/scenesmith/scenesmith/pkg/orchestrator"
	"github.com/scenesmith/scenesmith/pkg/task"
)

type apiRig struct {
	server    *httptest.Server
	orch      *orchestrator.Orchestrator
	tasks     *task.MemoryStore
	artifacts *artifact.MemoryStore
	bus       *bus.MemoryBus
	publisher *events.BusPublisher
}

func newAPIRig(t *testing.T) *apiRig {
	t.Helper()

	tasks := task.NewMemoryStore()
	artifacts := artifact.NewMemoryStore()
	mb := bus.NewMemoryBus()
	publisher := events.NewBusPublisher(mb, nil)

	cfg := orchestrator.Config{
		Retry: checkpoint.RetryStrategy{
			MaxRetries: 3,
			BaseDelay:  time.Millisecond,
			MaxDelay:   10 * time.Millisecond,
			Multiplier: 2.0,
		},
		StepTimeout:    time.Second,
		TaskTimeout:    5 * time.Second,
		MaxFixAttempts: 3,
	}
	orch := orchestrator.New(cfg, tasks, artifacts, agent.NewDefaultRegistry(nil, nil), publisher, nil)

	srv := NewServer(ServerConfig{
		Orchestrator:      orch,
		Tasks:             tasks,
		Artifacts:         artifacts,
		Bus:               mb,
		HeartbeatInterval: 50 * time.Millisecond,
	})

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ts.Close()
		orch.Close()
		mb.Close()
	})

	return &apiRig{server: ts, orch: orch, tasks: tasks, artifacts: artifacts, bus: mb, publisher: publisher}
}

func (r *apiRig) url(path string) string {
	return r.server.URL + path
}

func (r *apiRig) submit(t *testing.T, body string) string {
	t.Helper()
	resp, err := http.Post(r.url("/api/v1/tasks"), "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	var out map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.NotEmpty(t, out["id"])
	return out["id"]
}

func (r *apiRig) waitForState(t *testing.T, id string, want task.State) *task.Task {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		got, err := r.tasks.Get(context.Background(), id)
		require.NoError(t, err)
		if got.State == want {
			return got
		}
		time.Sleep(5 * time.Millisecond)
	}
	got, _ := r.tasks.Get(context.Background(), id)
	t.Fatalf("task %s never reached %s, stuck in %s", id, want, got.State)
	return nil
}

func postJSON(t *testing.T, url, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	return resp
}

func TestSubmitAndGetTask(t *testing.T) {
	rig := newAPIRig(t)

	id := rig.submit(t, `{"description":"A ball drops from the top. It bounces twice."}`)
	rig.waitForState(t, id, task.StateCompleted)

	resp, err := http.Get(rig.url("/api/v1/tasks/" + id))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var view TaskView
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&view))
	assert.Equal(t, id, view.ID)
	assert.Equal(t, task.StateCompleted, view.State)
	assert.Equal(t, task.StepBuild, view.LastSuccessfulStep)
	assert.Equal(t, task.StepBuild, view.CheckpointStep)
	assert.Len(t, view.Artifacts, 4)
	assert.NotEmpty(t, view.History)
	assert.Nil(t, view.ErrorContext)
}

func TestSubmitRejectsMissingDescription(t *testing.T) {
	rig := newAPIRig(t)

	resp := postJSON(t, rig.url("/api/v1/tasks"), `{"title":"No description"}`)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestSubmitRejectsMalformedBody(t *testing.T) {
	rig := newAPIRig(t)

	resp := postJSON(t, rig.url("/api/v1/tasks"), `{not json`)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestSubmitIdempotentOnCallerID(t *testing.T) {
	rig := newAPIRig(t)

	body := `{"id":"task-fixed","description":"One spinning cube."}`
	first := rig.submit(t, body)
	second := rig.submit(t, body)
	assert.Equal(t, "task-fixed", first)
	assert.Equal(t, first, second)
}

func TestGetTaskNotFound(t *testing.T) {
	rig := newAPIRig(t)

	resp, err := http.Get(rig.url("/api/v1/tasks/ghost"))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestArtifactListingAndDownload(t *testing.T) {
	rig := newAPIRig(t)

	id := rig.submit(t, `{"description":"A slow fade between two colors."}`)
	rig.waitForState(t, id, task.StateCompleted)

	resp, err := http.Get(rig.url("/api/v1/tasks/" + id + "/artifacts"))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var views []ArtifactView
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&views))
	require.Len(t, views, 4)

	kinds := make(map[artifact.Kind]bool)
	var codeID string
	for _, v := range views {
		kinds[v.Kind] = true
		assert.Equal(t, id, v.TaskID)
		assert.Greater(t, v.SizeBytes, 0)
		if v.Kind == artifact.KindGeneratedCode {
			codeID = v.ID
		}
	}
	for _, k := range []artifact.Kind{artifact.KindPlan, artifact.KindDesignBrief, artifact.KindGeneratedCode, artifact.KindBuildOutput} {
		assert.True(t, kinds[k], "missing artifact kind %s", k)
	}

	raw, err := http.Get(rig.url("/api/v1/artifacts/" + codeID))
	require.NoError(t, err)
	defer raw.Body.Close()
	require.Equal(t, http.StatusOK, raw.StatusCode)
	assert.Equal(t, "text/x-tsx", raw.Header.Get("Content-Type"))
	payload, err := io.ReadAll(raw.Body)
	require.NoError(t, err)
	assert.Contains(t, string(payload), "export default")
}

func TestArtifactNotFound(t *testing.T) {
	rig := newAPIRig(t)

	resp, err := http.Get(rig.url("/api/v1/artifacts/ghost"))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestArtifactsForUnknownTask(t *testing.T) {
	rig := newAPIRig(t)

	resp, err := http.Get(rig.url("/api/v1/tasks/ghost/artifacts"))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestCancelUnknownTask(t *testing.T) {
	rig := newAPIRig(t)

	resp := postJSON(t, rig.url("/api/v1/tasks/ghost/cancel"), `{}`)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestCancelTerminalTaskConflicts(t *testing.T) {
	rig := newAPIRig(t)

	id := rig.submit(t, `{"description":"A short title card."}`)
	rig.waitForState(t, id, task.StateCompleted)

	resp := postJSON(t, rig.url("/api/v1/tasks/"+id+"/cancel"), `{}`)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestProvideInputWrongStateConflicts(t *testing.T) {
	rig := newAPIRig(t)

	id := rig.submit(t, `{"description":"A rotating logo."}`)
	rig.waitForState(t, id, task.StateCompleted)

	resp := postJSON(t, rig.url("/api/v1/tasks/"+id+"/input"), `{"answer":"blue"}`)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestResubmitCompletedTaskConflicts(t *testing.T) {
	rig := newAPIRig(t)

	id := rig.submit(t, `{"description":"Text sliding in from the left."}`)
	rig.waitForState(t, id, task.StateCompleted)

	resp := postJSON(t, rig.url("/api/v1/tasks/"+id+"/resubmit"), `{}`)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestHealthz(t *testing.T) {
	rig := newAPIRig(t)

	resp, err := http.Get(rig.url("/healthz"))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestMetricsExposed(t *testing.T) {
	rig := newAPIRig(t)

	id := rig.submit(t, `{"description":"A pulsing dot."}`)
	rig.waitForState(t, id, task.StateCompleted)

	resp, err := http.Get(rig.url("/metrics"))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "scenesmith_tasks_started_total")
	assert.Contains(t, string(body), "scenesmith_tasks_completed_total")
}

// readSSEFrames decodes `data: <json>` lines until the stream ends or
// maxFrames frames arrived.
func readSSEFrames(t *testing.T, body io.Reader, maxFrames int) []streamFrame {
	t.Helper()
	var frames []streamFrame
	scanner := bufio.NewScanner(body)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var frame streamFrame
		require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &frame))
		frames = append(frames, frame)
		if len(frames) >= maxFrames {
			break
		}
	}
	return frames
}

func TestEventsStreamReplaysTerminalOutcome(t *testing.T) {
	rig := newAPIRig(t)

	id := rig.submit(t, `{"description":"A checkerboard wipe."}`)
	rig.waitForState(t, id, task.StateCompleted)

	resp, err := http.Get(rig.url("/api/v1/tasks/" + id + "/events"))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	frames := readSSEFrames(t, resp.Body, 3)
	require.Len(t, frames, 2, "terminal replay is connected + one closing frame")
	assert.Equal(t, "connected", frames[0].Type)
	assert.Equal(t, events.KindAssistantMessageChunk, frames[1].Type)
	done, _ := frames[1].Data["isComplete"].(bool)
	assert.True(t, done)
}

func TestEventsStreamDeliversLiveEvents(t *testing.T) {
	rig := newAPIRig(t)

	// A task parked in working state so the stream stays open.
	parked := task.New("live-1", orchestrator.TaskTypeGenerateScene, []byte(`{"description":"x"}`))
	_, err := parked.Transition(task.StateWorking, "test setup")
	require.NoError(t, err)
	require.NoError(t, rig.tasks.Create(context.Background(), parked))

	resp, err := http.Get(rig.url("/api/v1/tasks/live-1/events"))
	require.NoError(t, err)
	defer resp.Body.Close()

	reader := bufio.NewReader(resp.Body)
	readFrame := func() streamFrame {
		for {
			line, err := reader.ReadString('\n')
			require.NoError(t, err)
			if strings.HasPrefix(line, "data: ") {
				var frame streamFrame
				require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(strings.TrimSpace(line), "data: ")), &frame))
				return frame
			}
		}
	}

	require.Equal(t, "connected", readFrame().Type)

	// The subscription is registered after the connected frame is written;
	// give it a moment before publishing.
	time.Sleep(50 * time.Millisecond)

	rig.publisher.Publish("live-1", events.SceneAdded("live-1", "scene-1", 20))
	rig.publisher.Publish("live-1", events.Error("live-1", "generation failed", true))

	var got []streamFrame
	for len(got) < 2 {
		frame := readFrame()
		if frame.Type == "heartbeat" {
			continue
		}
		got = append(got, frame)
	}
	assert.Equal(t, events.KindSceneAdded, got[0].Type)
	assert.Equal(t, "live-1", got[0].TaskID)
	assert.Equal(t, events.KindError, got[1].Type)

	// The error frame closes the stream.
	_, err = reader.ReadString('\n')
	for err == nil {
		_, err = reader.ReadString('\n')
	}
	assert.ErrorIs(t, err, io.EOF)
}

func TestEventsStreamUnknownTask(t *testing.T) {
	rig := newAPIRig(t)

	resp, err := http.Get(rig.url("/api/v1/tasks/ghost/events"))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestWebSocketStreamReplaysTerminalOutcome(t *testing.T) {
	rig := newAPIRig(t)

	id := rig.submit(t, `{"description":"A starfield flythrough."}`)
	rig.waitForState(t, id, task.StateCompleted)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	wsURL := "ws" + strings.TrimPrefix(rig.server.URL, "http") + "/api/v1/tasks/" + id + "/ws"
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "done")

	var connected streamFrame
	require.NoError(t, wsjson.Read(ctx, conn, &connected))
	assert.Equal(t, "connected", connected.Type)

	var final streamFrame
	require.NoError(t, wsjson.Read(ctx, conn, &final))
	assert.Equal(t, events.KindAssistantMessageChunk, final.Type)
	done, _ := final.Data["isComplete"].(bool)
	assert.True(t, done)
}

func TestWebSocketPingPong(t *testing.T) {
	rig := newAPIRig(t)

	parked := task.New("ws-1", orchestrator.TaskTypeGenerateScene, []byte(`{"description":"x"}`))
	_, err := parked.Transition(task.StateWorking, "test setup")
	require.NoError(t, err)
	require.NoError(t, rig.tasks.Create(context.Background(), parked))

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	wsURL := "ws" + strings.TrimPrefix(rig.server.URL, "http") + "/api/v1/tasks/ws-1/ws"
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "done")

	var connected streamFrame
	require.NoError(t, wsjson.Read(ctx, conn, &connected))
	require.Equal(t, "connected", connected.Type)

	require.NoError(t, wsjson.Write(ctx, conn, map[string]string{"type": "ping"}))

	for {
		var frame streamFrame
		require.NoError(t, wsjson.Read(ctx, conn, &frame))
		if frame.Type == "heartbeat" {
			continue
		}
		assert.Equal(t, "pong", frame.Type)
		break
	}
}

func TestInputRoundTripOverAPI(t *testing.T) {
	rig := newAPIRig(t)

	// Park a task in input-required with a checkpoint-free payload; the
	// orchestrator resumes it from the plan step once input arrives.
	parked := task.New("input-1", orchestrator.TaskTypeGenerateScene,
		[]byte(`{"description":"A bouncing ball."}`))
	_, err := parked.Transition(task.StateWorking, "test setup")
	require.NoError(t, err)
	_, err = parked.Transition(task.StateInputRequired, "needs clarification")
	require.NoError(t, err)
	require.NoError(t, rig.tasks.Create(context.Background(), parked))

	resp := postJSON(t, rig.url("/api/v1/tasks/input-1/input"), `{"answer":"make it bright red"}`)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	got := rig.waitForState(t, "input-1", task.StateCompleted)
	assert.Equal(t, task.StepBuild, got.LastSuccessfulStep)
}

func TestResubmitFailedTaskOverAPI(t *testing.T) {
	rig := newAPIRig(t)

	failed := task.New("retry-1", orchestrator.TaskTypeGenerateScene,
		[]byte(`{"description":"A spinning coin."}`))
	_, err := failed.Transition(task.StateWorking, "test setup")
	require.NoError(t, err)
	_, err = failed.Transition(task.StateFailed, "model unavailable")
	require.NoError(t, err)
	failed.ErrorContext = &task.ErrorContext{Step: task.StepPlan, Message: "model unavailable", Retriable: true}
	require.NoError(t, rig.tasks.Create(context.Background(), failed))

	resp := postJSON(t, rig.url("/api/v1/tasks/retry-1/resubmit"), `{}`)
	defer resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	got := rig.waitForState(t, "retry-1", task.StateCompleted)
	assert.Nil(t, got.ErrorContext)
	assert.Zero(t, got.RetryCount)
}

func TestSubmitResponseShape(t *testing.T) {
	rig := newAPIRig(t)

	resp := postJSON(t, rig.url("/api/v1/tasks"), `{"description":"A gradient sweep."}`)
	defer resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	var buf bytes.Buffer
	_, err := buf.ReadFrom(resp.Body)
	require.NoError(t, err)

	var out struct {
		ID    string `json:"id"`
		State string `json:"state"`
	}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &out))
	assert.NotEmpty(t, out.ID)
	assert.Equal(t, string(task.StateSubmitted), out.State)
}
