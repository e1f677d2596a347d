// Package worker implements the worker runtime: a long-running process
// that consumes job messages from the work log, drives the structured-output
// pipeline, records outcomes in the task store, and streams progress onto
// the fan-out bus. Handling is idempotent, keyed by task ID.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/c360studio/templatefabric/internal/llmgateway"
	"github.com/c360studio/templatefabric/internal/pipeline"
	"github.com/c360studio/templatefabric/internal/task"
	"github.com/c360studio/templatefabric/internal/telemetry"
	"github.com/c360studio/templatefabric/internal/version"
	"github.com/c360studio/templatefabric/internal/worklog"
)

// DefaultConcurrency is how many jobs one worker process handles at once
// (WORKER_CONCURRENCY).
const DefaultConcurrency = 3

// DefaultGroup is the consumer group every worker process joins unless
// overridden; horizontal scale comes from more processes joining it.
const DefaultGroup = "template-workers"

// DefaultCancelPollInterval is how often an in-flight handler re-reads its
// job row looking for an administrative Cancelled transition.
const DefaultCancelPollInterval = 2 * time.Second

// defaultReadBlock is how long a Read blocks waiting for new messages
// before looping.
const defaultReadBlock = 5 * time.Second

// TaskStore is the surface the worker needs from internal/task.Store.
type TaskStore interface {
	Get(ctx context.Context, taskID string) (*task.Job, error)
	Claim(ctx context.Context, taskID string) error
	Update(ctx context.Context, taskID string, progress *int, step string) error
	Complete(ctx context.Context, taskID string, result json.RawMessage, costUSD float64, tokensIn, tokensOut int) error
	Fail(ctx context.Context, taskID, errMsg string, kind task.ErrorKind) error
}

// ProgressPublisher is the surface the worker needs from
// internal/progress.Publisher.
type ProgressPublisher interface {
	PublishProgress(taskID string, progressPct int, step string, details map[string]any) error
	PublishMilestone(taskID, milestone string, details map[string]any) error
	PublishCompletion(taskID string, resultSummary map[string]any) error
	PublishError(taskID, errMessage, errorType string, recoverable bool) error
}

// Runner is the surface the worker needs from internal/pipeline.Pipeline.
type Runner interface {
	ParseDocument(ctx context.Context, req pipeline.ParseRequest, progress pipeline.ProgressFunc) (map[string]any, *pipeline.Usage, error)
	EditDocument(ctx context.Context, req pipeline.EditRequest, progress pipeline.ProgressFunc) (map[string]any, *pipeline.Usage, error)
	ReviewDocument(ctx context.Context, req pipeline.ReviewRequest, progress pipeline.ProgressFunc) (map[string]any, *pipeline.Usage, error)
}

// VersionStore is the surface the worker needs from internal/version.Store:
// parse results become an initial template, edit results become a new
// version of an existing one.
type VersionStore interface {
	Get(ctx context.Context, templateID string) (*version.Template, error)
	CreateInitial(ctx context.Context, name, isoStandard, fileID string, structure map[string]any, creator string) (string, error)
	UpdateStructure(ctx context.Context, templateID string, newStructure map[string]any, notes, editor string) (int, error)
}

// costLedger is the slice of internal/llmgateway.Gateway the worker uses to
// release a task's running-cost entry once the job is terminal.
type costLedger interface {
	ForgetTask(taskID string)
}

// Worker consumes job messages and runs them through the pipeline.
type Worker struct {
	id         string
	store      TaskStore
	dispatcher worklog.Dispatcher
	pub        ProgressPublisher
	pipe       Runner

	versions VersionStore
	ledger   costLedger
	emitter  *telemetry.Emitter
	logger   *slog.Logger

	group              string
	kinds              []task.Kind
	concurrency        int
	cancelPollInterval time.Duration
	readBlock          time.Duration
	storageRoot        string
}

// Option configures a Worker.
type Option func(*Worker)

// WithLogger overrides the default logger.
func WithLogger(logger *slog.Logger) Option {
	return func(w *Worker) { w.logger = logger }
}

// WithConcurrency overrides DefaultConcurrency.
func WithConcurrency(n int) Option {
	return func(w *Worker) {
		if n > 0 {
			w.concurrency = n
		}
	}
}

// WithGroup overrides DefaultGroup.
func WithGroup(group string) Option {
	return func(w *Worker) { w.group = group }
}

// WithKinds narrows which job kinds this worker serves. Default: all three.
func WithKinds(kinds ...task.Kind) Option {
	return func(w *Worker) { w.kinds = kinds }
}

// WithVersions wires the template version store so parse/edit results are
// persisted as template versions, not just task-row result blobs.
func WithVersions(vs VersionStore) Option {
	return func(w *Worker) { w.versions = vs }
}

// WithCostLedger wires the gateway's per-task cost ledger for
// forget-on-terminal cleanup.
func WithCostLedger(l costLedger) Option {
	return func(w *Worker) { w.ledger = l }
}

// WithTelemetry wires the structured-event emitter for operation.* events.
func WithTelemetry(e *telemetry.Emitter) Option {
	return func(w *Worker) { w.emitter = e }
}

// WithCancelPollInterval overrides DefaultCancelPollInterval; tests shrink it.
func WithCancelPollInterval(d time.Duration) Option {
	return func(w *Worker) { w.cancelPollInterval = d }
}

// WithStorageRoot sets the directory relative file paths in parse payloads
// resolve against.
func WithStorageRoot(root string) Option {
	return func(w *Worker) { w.storageRoot = root }
}

// WithID overrides the generated worker identity; tests pin it.
func WithID(id string) Option {
	return func(w *Worker) { w.id = id }
}

// New builds a Worker. The identity is worker-{short random} unless
// overridden.
func New(store TaskStore, dispatcher worklog.Dispatcher, pub ProgressPublisher, pipe Runner, opts ...Option) *Worker {
	w := &Worker{
		id:                 "worker-" + uuid.New().String()[:8],
		store:              store,
		dispatcher:         dispatcher,
		pub:                pub,
		pipe:               pipe,
		logger:             slog.Default(),
		group:              DefaultGroup,
		kinds:              []task.Kind{task.KindTemplateParse, task.KindTemplateEdit, task.KindTemplateReview},
		concurrency:        DefaultConcurrency,
		cancelPollInterval: DefaultCancelPollInterval,
		readBlock:          defaultReadBlock,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// ID returns the worker's identity.
func (w *Worker) ID() string { return w.id }

// Run ensures the worker's consumer groups exist, then consumes each kind's
// stream until ctx is cancelled. Handlers across all kinds share one bounded
// pool of w.concurrency slots.
func (w *Worker) Run(ctx context.Context) error {
	for _, kind := range w.kinds {
		if err := w.dispatcher.EnsureGroup(ctx, kind, w.group); err != nil {
			return fmt.Errorf("ensure group for %s: %w", kind, err)
		}
	}

	w.logger.Info("worker started", "worker_id", w.id, "group", w.group, "concurrency", w.concurrency)

	handlers, hctx := errgroup.WithContext(ctx)
	handlers.SetLimit(w.concurrency)

	loops, lctx := errgroup.WithContext(hctx)
	for _, kind := range w.kinds {
		kind := kind
		loops.Go(func() error {
			return w.consumeLoop(lctx, kind, handlers)
		})
	}

	err := loops.Wait()
	// Let in-flight handlers finish before returning; the message-level
	// ack/nak decisions are what keep the at-least-once contract honest.
	_ = handlers.Wait()

	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// consumeLoop blocking-reads messages for one kind and hands each to the
// shared handler pool. Read errors back off briefly rather than spinning.
func (w *Worker) consumeLoop(ctx context.Context, kind task.Kind, handlers *errgroup.Group) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		deliveries, err := w.dispatcher.Read(ctx, kind, w.group, w.id, w.concurrency, int(w.readBlock.Milliseconds()))
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			w.logger.Warn("work log read failed", "worker_id", w.id, "kind", kind, "error", err)
			select {
			case <-time.After(2 * time.Second):
			case <-ctx.Done():
				return ctx.Err()
			}
			continue
		}

		for _, d := range deliveries {
			d := d
			handlers.Go(func() error {
				w.handle(ctx, d)
				return nil
			})
		}
	}
}

// handle runs the per-message protocol. It never returns an error: the
// outcome is expressed entirely through the task store, the progress bus,
// and the ack/nak decision.
func (w *Worker) handle(ctx context.Context, d *worklog.Delivery) {
	taskID := d.TaskID
	log := w.logger.With("worker_id", w.id, "task_id", taskID, "kind", d.Kind, "msg_id", d.MsgID)

	defer func() {
		if r := recover(); r != nil {
			// A panic is an infrastructure failure: leave the message
			// unacked so the visibility timeout redelivers it.
			log.Error("handler panicked", "panic", r)
			_ = w.dispatcher.Nak(ctx, d)
		}
	}()

	if taskID == "" {
		log.Warn("message missing task_id, acking")
		_ = w.dispatcher.Ack(ctx, d)
		return
	}

	job, err := w.store.Get(ctx, taskID)
	if err != nil {
		if errors.Is(err, task.ErrNotFound) {
			log.Warn("job row not found for message, acking")
			_ = w.dispatcher.Ack(ctx, d)
			return
		}
		log.Warn("task store unavailable, leaving message for redelivery", "error", err)
		_ = w.dispatcher.Nak(ctx, d)
		return
	}
	if job.State.IsTerminal() {
		log.Debug("job already terminal, acking redelivery", "state", job.State)
		_ = w.dispatcher.Ack(ctx, d)
		return
	}

	if err := w.store.Claim(ctx, taskID); err != nil {
		if errors.Is(err, task.ErrStateConflict) {
			// Another worker owns this job (or the reaper/cancel beat us).
			// Per the recovery policy, never reset a Processing row; ack
			// and move on.
			log.Debug("claim lost, acking", "state", job.State)
			_ = w.dispatcher.Ack(ctx, d)
			return
		}
		log.Warn("claim failed on infrastructure error, leaving message for redelivery", "error", err)
		_ = w.dispatcher.Nak(ctx, d)
		return
	}

	w.emitOperation(telemetry.EventOperationStarted, taskID, job.TraceID, map[string]any{"kind": string(d.Kind), "worker_id": w.id})
	_ = w.pub.PublishProgress(taskID, 0, "initializing", nil)
	if err := w.store.Update(ctx, taskID, intPtr(0), "initializing"); err != nil && !errors.Is(err, task.ErrStateConflict) {
		log.Warn("initial progress update failed", "error", err)
	}

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()
	stopWatch := w.watchCancellation(runCtx, taskID, cancelRun)

	result, usage, runErr := w.run(runCtx, d, job)
	stopWatch()

	if w.ledger != nil {
		defer w.ledger.ForgetTask(taskID)
	}

	if runErr != nil {
		w.finishError(ctx, d, job, runErr, log)
		return
	}
	w.finishSuccess(ctx, d, job, result, usage, log)
}

// run dispatches on the message's kind tag to the pipeline variant,
// wiring the progress callback to both the task store and the fan-out bus.
func (w *Worker) run(ctx context.Context, d *worklog.Delivery, job *task.Job) (map[string]any, *pipeline.Usage, error) {
	progressFn := w.progressFunc(ctx, d.TaskID, d.Kind, job.TraceID)

	switch d.Kind {
	case task.KindTemplateParse:
		req, err := parseRequest(d, w.storageRoot, job.TraceID)
		if err != nil {
			return nil, &pipeline.Usage{}, err
		}
		return w.pipe.ParseDocument(ctx, req, progressFn)

	case task.KindTemplateEdit:
		req, err := w.editRequest(ctx, d, job.TraceID)
		if err != nil {
			return nil, &pipeline.Usage{}, err
		}
		return w.pipe.EditDocument(ctx, req, progressFn)

	case task.KindTemplateReview:
		req, err := w.reviewRequest(ctx, d, job.TraceID)
		if err != nil {
			return nil, &pipeline.Usage{}, err
		}
		return w.pipe.ReviewDocument(ctx, req, progressFn)

	default:
		return nil, &pipeline.Usage{}, &pipeline.Error{
			Kind:    task.ErrorKindConfigurationError,
			Message: fmt.Sprintf("unknown job kind %q", d.Kind),
		}
	}
}

// progressFunc bridges the pipeline's progress callbacks into (a) a guarded
// task-store update and (b) a fan-out bus publish, plus a milestone event at
// the stage boundaries that represent user-visible achievements. Callback
// failures are logged, never propagated — progress is best-effort.
func (w *Worker) progressFunc(ctx context.Context, taskID string, kind task.Kind, traceID string) pipeline.ProgressFunc {
	return func(pct int, step string) {
		if err := w.store.Update(ctx, taskID, &pct, step); err != nil && !errors.Is(err, task.ErrStateConflict) {
			w.logger.Warn("progress store update failed", "task_id", taskID, "error", err)
		}
		_ = w.pub.PublishProgress(taskID, pct, step, nil)
		w.emitOperation(telemetry.EventOperationProgress, taskID, traceID, map[string]any{"progress": pct, "step": step})

		if milestone := milestoneFor(kind, pct); milestone != "" {
			_ = w.pub.PublishMilestone(taskID, milestone, nil)
		}
	}
}

// milestoneFor maps a parse pipeline's stage boundaries onto the milestone
// events the bus advertises: reaching 70 means extraction finished, 85 means
// the model returned a parsed section structure.
func milestoneFor(kind task.Kind, pct int) string {
	if kind != task.KindTemplateParse {
		return ""
	}
	switch pct {
	case 70:
		return "document_extracted"
	case 85:
		return "sections_identified"
	default:
		return ""
	}
}

// watchCancellation polls the job row for an administrative Cancelled
// transition and cancels the pipeline context when it sees one — the
// cooperative checkpoint model. Returns a stop function.
func (w *Worker) watchCancellation(ctx context.Context, taskID string, cancelRun context.CancelFunc) (stop func()) {
	done := make(chan struct{})
	finished := make(chan struct{})

	go func() {
		defer close(finished)
		ticker := time.NewTicker(w.cancelPollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				job, err := w.store.Get(ctx, taskID)
				if err != nil {
					continue
				}
				if job.State == task.StateCancelled {
					w.logger.Info("job cancelled, aborting pipeline", "task_id", taskID)
					cancelRun()
					return
				}
				if job.State.IsTerminal() {
					return
				}
			}
		}
	}()

	return func() {
		close(done)
		<-finished
	}
}

// finishSuccess completes the job row, persists the template version, and
// publishes the terminal task_complete event before acking.
func (w *Worker) finishSuccess(ctx context.Context, d *worklog.Delivery, job *task.Job, result map[string]any, usage *pipeline.Usage, log *slog.Logger) {
	w.persistTemplate(ctx, d, result, log)

	data, err := json.Marshal(result)
	if err != nil {
		log.Error("marshal result failed", "error", err)
		w.finishError(ctx, d, job, &pipeline.Error{Kind: task.ErrorKindConfigurationError, Message: "result not serializable"}, log)
		return
	}

	if err := w.store.Complete(ctx, d.TaskID, data, usage.CostUSD, usage.TokensIn, usage.TokensOut); err != nil {
		if errors.Is(err, task.ErrStateConflict) {
			// The job went terminal underneath us — almost always an
			// administrative cancel. The row wins; ack the message.
			log.Info("job terminal before completion could land, acking")
			_ = w.dispatcher.Ack(ctx, d)
			return
		}
		log.Warn("complete failed on infrastructure error, leaving message for redelivery", "error", err)
		_ = w.dispatcher.Nak(ctx, d)
		return
	}

	w.emitOperation(telemetry.EventOperationCompleted, d.TaskID, job.TraceID, map[string]any{
		"cost_usd":   usage.CostUSD,
		"tokens_in":  usage.TokensIn,
		"tokens_out": usage.TokensOut,
	})
	_ = w.pub.PublishCompletion(d.TaskID, resultSummary(result))
	_ = w.dispatcher.Ack(ctx, d)
	log.Info("job completed", "cost_usd", usage.CostUSD, "tokens_in", usage.TokensIn, "tokens_out", usage.TokensOut)
}

// persistTemplate writes the pipeline's validated structure into the version
// store: parse creates an initial template, edit bumps an existing one.
// Review results stay in the task row only. Version-store failures degrade
// to a logged warning — the durable result blob on the job row is the
// canonical outcome.
func (w *Worker) persistTemplate(ctx context.Context, d *worklog.Delivery, result map[string]any, log *slog.Logger) {
	if w.versions == nil {
		return
	}

	switch d.Kind {
	case task.KindTemplateParse:
		name, _ := result["document_title"].(string)
		if name == "" {
			name = d.Payload["original_filename"]
		}
		templateID, err := w.versions.CreateInitial(ctx, name, d.Payload["iso_standard"], d.Payload["template_file_id"], result, d.Payload["created_by"])
		if err != nil {
			log.Warn("create initial template version failed", "error", err)
			return
		}
		annotateResult(result, templateID, 1)

	case task.KindTemplateEdit:
		templateID := d.Payload["template_id"]
		if templateID == "" {
			return
		}
		versionNumber, err := w.versions.UpdateStructure(ctx, templateID, result, d.Payload["change_request"], d.Payload["created_by"])
		if err != nil {
			log.Warn("update template structure failed", "template_id", templateID, "error", err)
			return
		}
		annotateResult(result, templateID, versionNumber)
	}
}

// annotateResult records which template row/version the result landed in,
// inside the metadata sub-object the enrich stage already created.
func annotateResult(result map[string]any, templateID string, versionNumber int) {
	meta, ok := result["metadata"].(map[string]any)
	if !ok {
		meta = map[string]any{}
		result["metadata"] = meta
	}
	meta["template_id"] = templateID
	meta["version_number"] = versionNumber
}

// finishError classifies the pipeline error and either fails the job (acking
// the message — durable truth is the failed row) or, for infrastructure
// errors, leaves the message unacked for redelivery.
func (w *Worker) finishError(ctx context.Context, d *worklog.Delivery, job *task.Job, runErr error, log *slog.Logger) {
	if errors.Is(runErr, context.Canceled) {
		// Either shutdown or administrative cancel; re-read to tell them
		// apart. A Cancelled row means the cancel landed: ack and exit
		// without overwriting it.
		current, err := w.store.Get(ctx, d.TaskID)
		if err == nil && current.State == task.StateCancelled {
			log.Info("job cancelled mid-pipeline, acking")
			_ = w.dispatcher.Ack(ctx, d)
			return
		}
		log.Info("pipeline aborted by shutdown, leaving message for redelivery")
		_ = w.dispatcher.Nak(ctx, d)
		return
	}

	if errors.Is(runErr, task.ErrStoreUnavailable) || errors.Is(runErr, version.ErrStoreUnavailable) {
		log.Warn("infrastructure error mid-pipeline, leaving message for redelivery", "error", runErr)
		_ = w.dispatcher.Nak(ctx, d)
		return
	}

	kind, recoverable := classifyRunError(runErr)
	if err := w.store.Fail(ctx, d.TaskID, runErr.Error(), kind); err != nil {
		if errors.Is(err, task.ErrStateConflict) {
			log.Info("job terminal before failure could land, acking")
			_ = w.dispatcher.Ack(ctx, d)
			return
		}
		log.Warn("fail write failed on infrastructure error, leaving message for redelivery", "error", err)
		_ = w.dispatcher.Nak(ctx, d)
		return
	}

	w.emitOperation(telemetry.EventOperationFailed, d.TaskID, job.TraceID, map[string]any{
		"error":      runErr.Error(),
		"error_kind": string(kind),
	})
	_ = w.pub.PublishError(d.TaskID, runErr.Error(), string(kind), recoverable)
	_ = w.dispatcher.Ack(ctx, d)
	log.Warn("job failed", "error_kind", kind, "error", runErr)
}

// classifyRunError maps a pipeline/gateway error onto the ErrorKind taxonomy.
// Recoverable here means "retrying the same submission could plausibly
// succeed", which drives the remediation hint on the task_error event.
func classifyRunError(err error) (task.ErrorKind, bool) {
	var pipeErr *pipeline.Error
	if errors.As(err, &pipeErr) {
		return pipeErr.Kind, false
	}
	var gwErr *llmgateway.GatewayError
	if errors.As(err, &gwErr) {
		switch gwErr.Kind {
		case task.ErrorKindRateLimited, task.ErrorKindProviderTimeout, task.ErrorKindNetworkDown, task.ErrorKindProviderError:
			return gwErr.Kind, true
		default:
			return gwErr.Kind, false
		}
	}
	return task.ErrorKindProviderError, true
}

// resultSummary condenses a completed template into the counts the
// task_complete event carries.
func resultSummary(result map[string]any) map[string]any {
	summary := map[string]any{}
	if title, ok := result["document_title"].(string); ok {
		summary["document_title"] = title
	}
	if meta, ok := result["metadata"].(map[string]any); ok {
		for _, key := range []string{"total_fixed_sections", "total_fillable_sections", "completion_estimate_minutes", "template_id", "version_number"} {
			if v, ok := meta[key]; ok {
				summary[key] = v
			}
		}
	}
	return summary
}

func (w *Worker) emitOperation(eventType telemetry.EventType, taskID, traceID string, data map[string]any) {
	if w.emitter == nil {
		return
	}
	if err := w.emitter.Operation(eventType, taskID, traceID, data); err != nil {
		w.logger.Debug("telemetry emit failed", "event_type", eventType, "error", err)
	}
}

func intPtr(n int) *int { return &n }
