// Package worklog implements the work-dispatch queue: one append-only
// JetStream stream per job kind, durable consumer groups with at-least-once
// delivery, and explicit acknowledgement.
package worklog

import (
	"time"

	"github.com/c360studio/templatefabric/internal/task"
)

// Message is an immutable log entry. Payload fields are flat strings;
// nested values are JSON-encoded by the caller before being placed in the
// map.
type Message struct {
	MsgID      string            `json:"msg_id"`
	TaskID     string            `json:"task_id"`
	Kind       task.Kind         `json:"kind"`
	Payload    map[string]string `json:"payload"`
	EnqueuedAt time.Time         `json:"enqueued_at"`
}

// Delivery wraps a Message with the underlying transport handle needed to
// Ack/Nak it. Callers never construct a Delivery directly.
type Delivery struct {
	Message
	raw msg
}

// streamName maps a job kind to its backing stream name.
func streamName(kind task.Kind) string {
	switch kind {
	case task.KindTemplateParse:
		return "TEMPLATE_PARSE"
	case task.KindTemplateEdit:
		return "TEMPLATE_EDIT"
	case task.KindTemplateReview:
		return "TEMPLATE_REVIEW"
	default:
		return "TEMPLATE_UNKNOWN"
	}
}

// subjectName maps a job kind to the subject its stream captures.
func subjectName(kind task.Kind) string {
	switch kind {
	case task.KindTemplateParse:
		return "template:parse"
	case task.KindTemplateEdit:
		return "template:edit"
	case task.KindTemplateReview:
		return "template:review"
	default:
		return "template:unknown"
	}
}
