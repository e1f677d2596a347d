// Package progress implements the ephemeral progress fan-out bus: workers
// publish fine-grained progress onto per-job NATS core subjects, and late
// subscribers are synthesized a status snapshot from the durable task
// store.
package progress

import "time"

// EventType enumerates the wire event types on the bus.
type EventType string

const (
	EventSubscribed     EventType = "subscribed"
	EventTaskStatus     EventType = "task_status"
	EventProgressUpdate EventType = "progress_update"
	EventMilestone      EventType = "milestone"
	EventTaskComplete   EventType = "task_complete"
	EventTaskError      EventType = "task_error"
	EventPong           EventType = "pong"
)

// Event is the wire shape for a progress bus message. Fields are all
// optional besides JobID/Type/Timestamp; a given event type populates only
// the fields it needs, and clients must ignore unknown/absent fields.
type Event struct {
	JobID         string                 `json:"job_id"`
	Type          EventType              `json:"type"`
	Progress      *int                   `json:"progress,omitempty"`
	Step          string                 `json:"step,omitempty"`
	ElapsedS      *int                   `json:"elapsed_s,omitempty"`
	ETASeconds    *int                   `json:"eta_s,omitempty"`
	ETAMessage    string                 `json:"eta_message,omitempty"`
	Details       map[string]any         `json:"details,omitempty"`
	ResultSummary map[string]any         `json:"result_summary,omitempty"`
	Milestone     string                 `json:"milestone,omitempty"`
	Error         string                 `json:"error,omitempty"`
	ErrorType     string                 `json:"error_type,omitempty"`
	Recoverable   bool                   `json:"recoverable,omitempty"`
	Suggestion    string                 `json:"suggestion,omitempty"`
	Status        string                 `json:"status,omitempty"`
	Timestamp     time.Time              `json:"ts"`
}

// SubjectForJob returns the core NATS subject a job's progress is
// published/subscribed on.
func SubjectForJob(taskID string) string {
	return "progress.task." + taskID
}

// HealthSubject is the well-known channel component health alerts are
// published on, sharing the same fan-out bus mechanism as job progress.
const HealthSubject = "system.health.alerts"

// errorSuggestions maps an error_type to a user-facing remediation hint.
var errorSuggestions = map[string]string{
	"file_not_found": "Please ensure the file was uploaded correctly and try again.",
	"api_error":      "The AI service is temporarily unavailable. Your task will be retried automatically.",
	"parsing_error":  "There was an issue parsing your document. Please verify it's a valid Word file.",
}

// SuggestionFor returns the remediation hint for errorType, or "" if none is
// defined.
func SuggestionFor(errorType string) string {
	return errorSuggestions[errorType]
}
