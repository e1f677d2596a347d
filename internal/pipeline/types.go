// Package pipeline implements the structured-output pipeline: extract,
// prompt, call, extract-JSON, parse-with-repair, validate, self-heal, and
// enrich.
package pipeline

import (
	"context"
	"fmt"

	"github.com/c360studio/templatefabric/internal/task"
)

// Paragraph is one non-empty paragraph of a source document, carrying
// enough structure (style, heading level) for the section-identification
// prompt to reason about document hierarchy.
type Paragraph struct {
	Text         string `json:"text"`
	Style        string `json:"style"`
	HeadingLevel int    `json:"level"`
}

// Table is a 2-D array of cell strings, row-major.
type Table [][]string

// DocMetadata carries the document's core properties plus derived counts.
type DocMetadata struct {
	Title          string `json:"title"`
	Author         string `json:"author"`
	ParagraphCount int    `json:"paragraph_count"`
	TableCount     int    `json:"table_count"`
}

// DocumentContent is the mechanical extraction result of step 1.
type DocumentContent struct {
	Paragraphs []Paragraph `json:"paragraphs"`
	Tables     []Table     `json:"tables"`
	Metadata   DocMetadata `json:"metadata"`
}

// Kind selects which pipeline variant runs: parse builds a template from a
// source document, edit/review operate on an existing stored template.
type Kind = task.Kind

// ProgressFunc reports (progress percent, human step label) at each stage
// boundary. Callers may drop calls under backpressure; the pipeline never
// blocks waiting for a slow subscriber.
type ProgressFunc func(progress int, step string)

// CallRequest is what the pipeline asks the LLM gateway to do. It is
// intentionally narrow — the pipeline never needs to know about provider
// selection, retries, or cost accounting; that is internal/llmgateway's job.
type CallRequest struct {
	Prompt      string
	Temperature float64
	MaxTokens   int
	TraceID     string
	TaskID      string
	Purpose     string
}

// CallResult is the gateway's response plus the accounting the worker needs
// to fold into the job's final cost/token totals.
type CallResult struct {
	Content      string
	Model        string
	TokensIn     int
	TokensOut    int
	CostUSD      float64
	CostEstimate bool
}

// Caller is the narrow surface the pipeline needs from internal/llmgateway.
// Defined here (rather than imported) so pipeline has no dependency on the
// gateway's retry/cost-accounting internals, and so tests can supply a fake.
type Caller interface {
	Call(ctx context.Context, req CallRequest) (*CallResult, error)
}

// Usage aggregates the token/cost accounting across every LLM call the
// pipeline made while producing one result (including any self-heal call).
type Usage struct {
	TokensIn  int
	TokensOut int
	CostUSD   float64
}

func (u *Usage) add(r *CallResult) {
	u.TokensIn += r.TokensIn
	u.TokensOut += r.TokensOut
	u.CostUSD += r.CostUSD
}

// Error carries a task.ErrorKind alongside a human message so the worker
// can call task.Store.Fail with the right classification without having to
// re-derive it from error text.
type Error struct {
	Kind    task.ErrorKind
	Message string
}

func (e *Error) Error() string { return e.Message }

func newError(kind task.ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// ParseRequest describes a TemplateParse job.
type ParseRequest struct {
	FilePath      string
	ISOStandard   string
	CustomRules   string
	CustomRuleDir string // optional directory of bundled *.rules.txt files, glob-matched
	TraceID       string
	TaskID        string
}

// EditRequest describes a TemplateEdit job: the current stored template plus
// the requested change, diffed against by the prompt rather than re-read
// from a source document.
type EditRequest struct {
	CurrentTemplate map[string]any
	ChangeRequest   string
	TraceID         string
	TaskID          string
}

// ReviewRequest describes a TemplateReview job: an existing template is
// checked for completeness/consistency issues without necessarily changing
// it.
type ReviewRequest struct {
	CurrentTemplate map[string]any
	ReviewFocus     string
	TraceID         string
	TaskID          string
}
