// Package telemetry implements the health and telemetry bus: a
// fire-and-forget structured-event stream plus a well-known health channel,
// sharing internal/progress's core-NATS publish mechanism rather than
// duplicating it, and a prometheus metrics surface for the components that
// want counters/histograms instead of (or alongside) raw events.
package telemetry

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
)

// EventType enumerates the structured event types on the telemetry bus. The
// worker runtime emits the operation.* family; the LLM gateway emits the
// finer-grained llm.* family.
type EventType string

// The well-known event types. No agent.* constants are defined; Emit
// accepts any EventType, so that family (e.g. "agent.self_heal") stays
// open-ended, unlike operation.*/llm.*.
const (
	EventOperationStarted   EventType = "operation.started"
	EventOperationProgress  EventType = "operation.progress"
	EventOperationCompleted EventType = "operation.completed"
	EventOperationFailed    EventType = "operation.failed"
	EventLLMRequest         EventType = "llm.request"
	EventLLMResponse        EventType = "llm.response"
)

// EventsSubject is the well-known channel structured telemetry events are
// published on, named in the same dotted-subject convention
// internal/progress uses for its per-job subjects.
const EventsSubject = "telemetry.events"

// Event is the common envelope every component publishes.
type Event struct {
	EventID   string         `json:"event_id"`
	Timestamp time.Time      `json:"ts"`
	Service   string         `json:"service"`
	EventType EventType      `json:"event_type"`
	TraceID   string         `json:"trace_id,omitempty"`
	TaskID    string         `json:"task_id,omitempty"`
	UserID    string         `json:"user_id,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
}

// Emitter publishes structured events and health alerts, fire-and-forget:
// no method here ever returns an error to a caller that would block on it —
// a publish failure is logged by the caller if it cares. Telemetry must
// never block or fail the operation it describes.
type Emitter struct {
	nc      *nats.Conn
	service string
	now     func() time.Time
}

// NewEmitter builds an Emitter that stamps every event's Service field with
// service (e.g. "worker", "task-store", "llm-gateway").
func NewEmitter(nc *nats.Conn, service string) *Emitter {
	return &Emitter{nc: nc, service: service, now: time.Now}
}

// Emit publishes a structured event, filling EventID/Timestamp/Service if
// the caller left them zero.
func (e *Emitter) Emit(ev Event) error {
	if ev.EventID == "" {
		ev.EventID = uuid.New().String()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = e.now().UTC()
	}
	if ev.Service == "" {
		ev.Service = e.service
	}

	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal telemetry event: %w", err)
	}
	if err := e.nc.Publish(EventsSubject, data); err != nil {
		return fmt.Errorf("publish telemetry event: %w", err)
	}
	return nil
}

// Operation emits one of the operation.* events for a task-scoped unit of
// work.
func (e *Emitter) Operation(eventType EventType, taskID, traceID string, data map[string]any) error {
	return e.Emit(Event{
		EventType: eventType,
		TaskID:    taskID,
		TraceID:   traceID,
		Data:      data,
	})
}

// LLMCall emits an llm.request or llm.response event, tagging the call's
// purpose (e.g. "section_identification", "self_heal_template") in
// Metadata so telemetry consumers can distinguish the self-heal retry from
// the original call when auditing a job's call history.
func (e *Emitter) LLMCall(eventType EventType, taskID, traceID, purpose string, data map[string]any) error {
	return e.Emit(Event{
		EventType: eventType,
		TaskID:    taskID,
		TraceID:   traceID,
		Metadata:  map[string]any{"purpose": purpose},
		Data:      data,
	})
}
