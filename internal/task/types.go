// Package task implements the durable task store: a row-per-job state
// machine persisted as NATS JetStream key-value entries.
package task

import (
	"encoding/json"
	"errors"
	"time"
)

// Kind identifies the job payload variant.
type Kind string

// The three job kinds the fabric dispatches.
const (
	KindTemplateParse  Kind = "TemplateParse"
	KindTemplateEdit   Kind = "TemplateEdit"
	KindTemplateReview Kind = "TemplateReview"
)

// State is a job's position in the task state machine.
type State string

// Job states. Pending is the only initial state; Completed, Failed, and
// Cancelled are terminal.
const (
	StatePending    State = "Pending"
	StateProcessing State = "Processing"
	StateCompleted  State = "Completed"
	StateFailed     State = "Failed"
	StateCancelled  State = "Cancelled"
)

// IsTerminal reports whether s is one of the terminal states.
func (s State) IsTerminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateCancelled:
		return true
	default:
		return false
	}
}

// allowedFrom lists the states from which a transition to a given state is legal.
var allowedFrom = map[State][]State{
	StateProcessing: {StatePending},
	StateCompleted:  {StateProcessing},
	StateFailed:     {StatePending, StateProcessing},
	StateCancelled:  {StatePending, StateProcessing},
}

func canTransition(from, to State) bool {
	for _, s := range allowedFrom[to] {
		if s == from {
			return true
		}
	}
	return false
}

// ErrorKind classifies why a job failed.
type ErrorKind string

// The error-kind taxonomy used on the wire and in telemetry.
const (
	ErrorKindFileNotFound       ErrorKind = "file_not_found"
	ErrorKindFileUnreadable     ErrorKind = "file_unreadable"
	ErrorKindUnsupportedFormat  ErrorKind = "unsupported_format"
	ErrorKindFileTooLarge       ErrorKind = "file_too_large"
	ErrorKindParseExtractFailed ErrorKind = "parse_extract_failed"
	ErrorKindMalformedJSON      ErrorKind = "malformed_json"
	ErrorKindValidationFailed   ErrorKind = "validation_failed"
	ErrorKindRateLimited        ErrorKind = "rate_limited"
	ErrorKindProviderTimeout    ErrorKind = "provider_timeout"
	ErrorKindNetworkDown        ErrorKind = "network_down"
	ErrorKindProviderError      ErrorKind = "provider_error"
	ErrorKindAuthFailed         ErrorKind = "auth_failed"
	ErrorKindQuotaExhausted     ErrorKind = "quota_exhausted"
	ErrorKindConfigurationError ErrorKind = "configuration_error"
	ErrorKindStateConflict      ErrorKind = "state_conflict"
	ErrorKindStoreUnavailable   ErrorKind = "store_unavailable"
	ErrorKindLogUnavailable     ErrorKind = "log_unavailable"

	// ErrorKindWorkerTimeout and ErrorKindDispatchTimeout classify the two
	// zombie-reaper sweeps: a Processing row whose worker went
	// silent, and a Pending row no worker ever claimed. Neither case
	// originates from the pipeline's own error classification, so they sit
	// outside the pipeline/gateway taxonomy but still need a concrete kind for
	// Store.Fail's required argument.
	ErrorKindWorkerTimeout   ErrorKind = "worker_timeout"
	ErrorKindDispatchTimeout ErrorKind = "dispatch_timeout"
)

// Job is the durable row tracking one unit of work end to end.
type Job struct {
	TaskID       string          `json:"task_id"`
	Kind         Kind            `json:"kind"`
	RelatedID    string          `json:"related_id"`
	State        State           `json:"state"`
	Progress     int             `json:"progress"`
	Step         string          `json:"step"`
	Result       json.RawMessage `json:"result,omitempty"`
	Error        string          `json:"error,omitempty"`
	ErrorKind    ErrorKind       `json:"error_kind,omitempty"`
	CostUSD      float64         `json:"cost_usd"`
	TokensIn     int             `json:"tokens_in"`
	TokensOut    int             `json:"tokens_out"`
	DurationS    int             `json:"duration_s"`
	CreatedAt    time.Time       `json:"created_at"`
	StartedAt    *time.Time      `json:"started_at,omitempty"`
	CompletedAt  *time.Time      `json:"completed_at,omitempty"`
	CreatorID    string          `json:"creator_id"`
	ProviderID   string          `json:"provider_id,omitempty"`
	ProviderName string          `json:"provider_name,omitempty"`
	Model        string          `json:"model,omitempty"`
	TraceID      string          `json:"trace_id"`

	// revision is never serialized and is not populated by Store: Store.read
	// returns the KV revision alongside the Job for compare-and-set writes.
	revision uint64 `json:"-"`
}

// Filter narrows List results.
type Filter struct {
	State  State
	Kind   Kind
	Limit  int
	Offset int
}

// Sentinel errors surfaced by the store. StateConflict is never
// retried automatically and StoreUnavailable may be retried by the caller,
// idempotently keyed by TaskID.
var (
	ErrStateConflict    = errors.New("state_conflict")
	ErrStoreUnavailable = errors.New("store_unavailable")
	ErrNotFound         = errors.New("task not found")
)
