package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/scenesmith/scenesmith/pkg/bus"
	"github.com/scenesmith/scenesmith/pkg/logging"
)

// TaskSubject returns the bus subject carrying one task's events.
func TaskSubject(taskID string) string {
	return fmt.Sprintf("scenesmith.task.%s.events", taskID)
}

// TaskSubjectWildcard matches the event subjects of all tasks.
const TaskSubjectWildcard = "scenesmith.task.*.events"

// BusPublisher publishes events onto the message bus. The bus itself
// drops messages rather than blocking, so Publish is safe to call from
// the orchestration hot path.
type BusPublisher struct {
	bus    bus.MessageBus
	logger *logging.Logger
	mu     sync.Mutex
	closed bool
}

// NewBusPublisher creates a publisher over the given bus.
func NewBusPublisher(b bus.MessageBus, logger *logging.Logger) *BusPublisher {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &BusPublisher{bus: b, logger: logger}
}

// Publish serializes the event and fires it at the task's subject.
// Failures are logged and swallowed; the pipeline never sees them.
func (p *BusPublisher) Publish(taskID string, event Event) {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return
	}

	data, err := json.Marshal(event)
	if err != nil {
		p.logger.Warn(logging.CategoryEvents, "event_marshal_failed", taskID, err.Error(), nil)
		return
	}

	if err := p.bus.Publish(context.Background(), TaskSubject(taskID), data); err != nil {
		p.logger.Warn(logging.CategoryEvents, "event_publish_failed", taskID, err.Error(), map[string]any{
			"event_type": event.Type,
		})
	}
}

// Close marks the publisher closed. Subsequent publishes are dropped.
// The bus itself is owned by the caller and is not closed here.
func (p *BusPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

// NopPublisher discards all events.
type NopPublisher struct{}

func (NopPublisher) Publish(string, Event) {}
func (NopPublisher) Close() error          { return nil }

// Recorder captures published events in memory. It implements Publisher
// and backs orchestrator tests that assert on emission order.
type Recorder struct {
	mu     sync.Mutex
	events map[string][]Event
}

// NewRecorder creates an empty recorder.
func NewRecorder() *Recorder {
	return &Recorder{events: make(map[string][]Event)}
}

func (r *Recorder) Publish(taskID string, event Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events[taskID] = append(r.events[taskID], event)
}

func (r *Recorder) Close() error { return nil }

// Events returns the events recorded for a task, in emission order.
func (r *Recorder) Events(taskID string) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events[taskID]))
	copy(out, r.events[taskID])
	return out
}
