// Package llmgateway wraps the provider-agnostic llm.Client with a
// process-wide concurrency cap, per-task cost accounting, and ErrorKind
// classification, so internal/pipeline and internal/worker never talk to
// llm.Client directly.
package llmgateway

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/c360studio/templatefabric/internal/pipeline"
	"github.com/c360studio/templatefabric/internal/task"
	"github.com/c360studio/templatefabric/internal/telemetry"
	"github.com/c360studio/templatefabric/llm"
	"github.com/c360studio/templatefabric/model"
)

// DefaultMaxConcurrentCalls bounds how many LLM calls may be in flight at
// once across the whole process, independent of how many worker goroutines
// are running.
const DefaultMaxConcurrentCalls = 2

// Gateway is the single entry point every pipeline stage calls through.
type Gateway struct {
	client    *llm.Client
	estimator *costEstimator
	logger    *slog.Logger
	emitter   *telemetry.Emitter

	sem chan struct{}

	maxCostPerTaskUSD float64
	mu                sync.Mutex
	taskCost          map[string]float64

	defaultCapability model.Capability
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithMaxConcurrentCalls overrides DefaultMaxConcurrentCalls.
func WithMaxConcurrentCalls(n int) Option {
	return func(g *Gateway) { g.sem = make(chan struct{}, n) }
}

// WithMaxCostPerTaskUSD enforces the MAX_COST_PER_TASK_USD budget. A
// value of 0 (the default) disables enforcement.
func WithMaxCostPerTaskUSD(usd float64) Option {
	return func(g *Gateway) { g.maxCostPerTaskUSD = usd }
}

// WithLogger overrides the default logger.
func WithLogger(logger *slog.Logger) Option {
	return func(g *Gateway) { g.logger = logger }
}

// WithDefaultCapability overrides the capability used for call purposes the
// gateway doesn't recognize.
func WithDefaultCapability(cap model.Capability) Option {
	return func(g *Gateway) { g.defaultCapability = cap }
}

// WithEmitter wires fire-and-forget llm.request/llm.response telemetry
// events around every call.
func WithEmitter(e *telemetry.Emitter) Option {
	return func(g *Gateway) { g.emitter = e }
}

// New builds a Gateway around an already-configured llm.Client/model.Registry
// pair (composed at cmd/templatefabric's startup).
func New(client *llm.Client, registry *model.Registry, opts ...Option) *Gateway {
	g := &Gateway{
		client:            client,
		estimator:         newCostEstimator(registry),
		logger:            slog.Default(),
		taskCost:          make(map[string]float64),
		defaultCapability: model.CapabilityWriting,
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.sem == nil {
		g.sem = make(chan struct{}, DefaultMaxConcurrentCalls)
	}
	return g
}

var _ pipeline.Caller = (*Gateway)(nil)

// purposeCapability maps a pipeline call's Purpose to the capability used
// for model selection. Section identification and edit/review prompts need
// the model's best reasoning; self-heal is a narrow, mechanical correction
// task that the fast tier handles well.
func (g *Gateway) purposeCapability(purpose string) model.Capability {
	switch purpose {
	case "section_identification", "template_edit", "template_review":
		return model.CapabilityWriting
	case "self_heal_template":
		return model.CapabilityFast
	default:
		return g.defaultCapability
	}
}

// Call implements pipeline.Caller: check the per-task cost budget, acquire
// the concurrency slot, invoke the underlying client, and fold the
// resulting cost into the task's running total, failing with
// ErrQuotaExhausted when that total now exceeds the budget.
func (g *Gateway) Call(ctx context.Context, req pipeline.CallRequest) (*pipeline.CallResult, error) {
	capability := g.purposeCapability(req.Purpose)

	if err := g.checkBudget(req.TaskID, capability, req.Prompt); err != nil {
		return nil, err
	}

	select {
	case g.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, &GatewayError{Kind: classifyError(ErrNoCapacity), Err: fmt.Errorf("%w: %w", ErrNoCapacity, ctx.Err())}
	}
	defer func() { <-g.sem }()

	g.emitLLM(telemetry.EventLLMRequest, req, map[string]any{"capability": string(capability)})

	started := time.Now()
	temperature := req.Temperature
	resp, err := g.client.Complete(ctx, llm.Request{
		Capability:  string(capability),
		Messages:    []llm.Message{{Role: "user", Content: req.Prompt}},
		Temperature: &temperature,
		MaxTokens:   req.MaxTokens,
	})
	if err != nil {
		kind := classifyError(err)
		g.logger.Warn("llm call failed", "task_id", req.TaskID, "purpose", req.Purpose, "kind", kind, "error", err)
		g.emitLLM(telemetry.EventLLMResponse, req, map[string]any{
			"error":       err.Error(),
			"error_kind":  string(kind),
			"duration_ms": time.Since(started).Milliseconds(),
		})
		return nil, &GatewayError{Kind: kind, Err: err}
	}

	tokensIn, tokensOut, estimated := g.resolveUsage(resp, req.Prompt)
	costUSD, costEstimated := g.estimator.cost(sanitizeModelName(resp.Model), tokensIn, tokensOut)
	estimated = estimated || costEstimated

	var spent float64
	if req.TaskID != "" {
		g.mu.Lock()
		g.taskCost[req.TaskID] += costUSD
		spent = g.taskCost[req.TaskID]
		g.mu.Unlock()
	}

	g.emitLLM(telemetry.EventLLMResponse, req, map[string]any{
		"model":       resp.Model,
		"tokens_in":   tokensIn,
		"tokens_out":  tokensOut,
		"cost_usd":    costUSD,
		"estimated":   estimated,
		"duration_ms": time.Since(started).Milliseconds(),
	})

	if g.maxCostPerTaskUSD > 0 && spent > g.maxCostPerTaskUSD {
		err := fmt.Errorf("%w: task %s has spent $%.4f, budget $%.4f",
			ErrQuotaExhausted, req.TaskID, spent, g.maxCostPerTaskUSD)
		g.logger.Warn("llm call pushed task over budget", "task_id", req.TaskID, "spent", spent, "budget", g.maxCostPerTaskUSD)
		return nil, &GatewayError{Kind: task.ErrorKindQuotaExhausted, Err: err}
	}

	return &pipeline.CallResult{
		Content:      resp.Content,
		Model:        resp.Model,
		TokensIn:     tokensIn,
		TokensOut:    tokensOut,
		CostUSD:      costUSD,
		CostEstimate: estimated,
	}, nil
}

// emitLLM fire-and-forgets an llm.* telemetry event; failures are logged at
// debug and never surface to the caller.
func (g *Gateway) emitLLM(eventType telemetry.EventType, req pipeline.CallRequest, data map[string]any) {
	if g.emitter == nil {
		return
	}
	if err := g.emitter.LLMCall(eventType, req.TaskID, req.TraceID, req.Purpose, data); err != nil {
		g.logger.Debug("telemetry emit failed", "event_type", eventType, "error", err)
	}
}

// resolveUsage prefers the provider's reported usage, falling back to a
// tiktoken-go estimate (flagged via `estimated`) when the provider omits it.
func (g *Gateway) resolveUsage(resp *llm.Response, prompt string) (tokensIn, tokensOut int, estimated bool) {
	tokensIn = resp.Usage.PromptTokens
	tokensOut = resp.Usage.CompletionTokens

	if tokensIn == 0 {
		tokensIn = g.estimator.estimateTokens(prompt)
		estimated = true
	}
	if tokensOut == 0 {
		if resp.Usage.TotalTokens > tokensIn {
			tokensOut = resp.Usage.TotalTokens - tokensIn
		} else if resp.TokensUsed > tokensIn {
			tokensOut = resp.TokensUsed - tokensIn
		} else {
			tokensOut = g.estimator.estimateTokens(resp.Content)
			estimated = true
		}
	}
	return tokensIn, tokensOut, estimated
}

// checkBudget rejects a call up front when even an optimistic cost
// projection would blow the task's remaining budget, saving the cost of a
// call that's going to be thrown away. Enforcement is skipped entirely when
// no per-task budget is configured or the call carries no task ID (e.g. an
// ad hoc CLI invocation).
func (g *Gateway) checkBudget(taskID string, capability model.Capability, prompt string) error {
	if g.maxCostPerTaskUSD <= 0 || taskID == "" {
		return nil
	}

	projected := g.estimator.projectedCost(capability, prompt)

	g.mu.Lock()
	spent := g.taskCost[taskID]
	g.mu.Unlock()

	if spent+projected > g.maxCostPerTaskUSD {
		err := fmt.Errorf("%w: task %s has spent $%.4f, call projected at $%.4f, budget $%.4f",
			ErrQuotaExhausted, taskID, spent, projected, g.maxCostPerTaskUSD)
		g.logger.Warn("rejecting llm call over task budget", "task_id", taskID, "spent", spent, "projected", projected, "budget", g.maxCostPerTaskUSD)
		return &GatewayError{Kind: task.ErrorKindQuotaExhausted, Err: err}
	}
	return nil
}

// TaskCost returns the running cost total for a task ID.
func (g *Gateway) TaskCost(taskID string) float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.taskCost[taskID]
}

// ForgetTask drops a task's running cost total once the job reaches a
// terminal state, bounding the map's size across the gateway's lifetime —
// the same forget-on-terminal pattern internal/progress.Publisher uses for
// its start-time map.
func (g *Gateway) ForgetTask(taskID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.taskCost, taskID)
}

// GatewayError carries the task.ErrorKind classification alongside the
// underlying error so callers (internal/worker) can call task.Store.Fail
// with the right kind without re-deriving it from error text.
type GatewayError struct {
	Kind task.ErrorKind
	Err  error
}

func (e *GatewayError) Error() string { return e.Err.Error() }
func (e *GatewayError) Unwrap() error { return e.Err }
