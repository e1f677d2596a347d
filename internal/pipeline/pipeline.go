package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/c360studio/templatefabric/internal/jsonrepair"
	"github.com/c360studio/templatefabric/internal/task"
	"github.com/c360studio/templatefabric/internal/validate"
)

const (
	sectionIdentificationTemperature = 0.3
	selfHealTemperature              = 0.1
	maxOutputTokens                  = 16384
)

// Pipeline runs the extract -> prompt -> call -> extract-JSON ->
// parse-with-repair -> validate -> self-heal -> enrich sequence for all
// three job kinds, sharing every stage past "build the first prompt".
type Pipeline struct {
	caller          Caller
	logger          *slog.Logger
	selfHealEnabled bool
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithLogger overrides the default logger (slog.Default()).
func WithLogger(logger *slog.Logger) Option {
	return func(p *Pipeline) { p.logger = logger }
}

// WithSelfHealing toggles the conditional self-heal stage (step 7), default
// on — ENABLE_TEMPLATE_SELF_HEALING in the original service.
func WithSelfHealing(enabled bool) Option {
	return func(p *Pipeline) { p.selfHealEnabled = enabled }
}

// New builds a Pipeline around a Caller (normally internal/llmgateway).
func New(caller Caller, opts ...Option) *Pipeline {
	p := &Pipeline{
		caller:          caller,
		logger:          slog.Default(),
		selfHealEnabled: true,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// ParseDocument runs the TemplateParse variant: extract a source document,
// identify fixed/fillable sections, validate, self-heal, enrich.
func (p *Pipeline) ParseDocument(ctx context.Context, req ParseRequest, progress ProgressFunc) (map[string]any, *Usage, error) {
	usage := &Usage{}
	report(progress, 40, "Loading document...")

	doc, err := extractDocument(req.FilePath)
	if err != nil {
		return nil, usage, err
	}

	bundled, err := loadBundledCustomRules(req.CustomRuleDir)
	if err != nil {
		return nil, usage, err
	}
	customRules := mergeCustomRules(req.CustomRules, bundled)

	report(progress, 70, "Analyzing document structure with AI...")
	prompt := buildSectionIdentificationPrompt(doc, req.ISOStandard, customRules)
	template, err := p.identify(ctx, prompt, sectionIdentificationTemperature, req.TraceID, req.TaskID, "section_identification", usage)
	if err != nil {
		return nil, usage, err
	}

	report(progress, 85, "Validating and self-healing template...")
	template, err = p.validateAndHeal(ctx, template, req.TraceID, req.TaskID, usage)
	if err != nil {
		return nil, usage, err
	}

	report(progress, 95, "Finalizing template...")
	enrich(template, filepath.Base(req.FilePath))

	p.logger.Info("parse pipeline complete",
		"fixed_sections", countSections(template, "fixed_sections"),
		"fillable_sections", countSections(template, "fillable_sections"))

	return template, usage, nil
}

// EditDocument runs the TemplateEdit variant: fetch-the-current-template
// replaces the extract step, a diff-oriented prompt replaces the
// identification prompt; everything past that is identical.
func (p *Pipeline) EditDocument(ctx context.Context, req EditRequest, progress ProgressFunc) (map[string]any, *Usage, error) {
	usage := &Usage{}
	report(progress, 40, "Loading current template...")

	prompt := buildEditPrompt(req.CurrentTemplate, req.ChangeRequest)

	report(progress, 70, "Applying requested change with AI...")
	template, err := p.identify(ctx, prompt, sectionIdentificationTemperature, req.TraceID, req.TaskID, "template_edit", usage)
	if err != nil {
		return nil, usage, err
	}

	report(progress, 85, "Validating and self-healing template...")
	template, err = p.validateAndHeal(ctx, template, req.TraceID, req.TaskID, usage)
	if err != nil {
		return nil, usage, err
	}

	report(progress, 95, "Finalizing template...")
	enrich(template, "")

	return template, usage, nil
}

// ReviewDocument runs the TemplateReview variant: same shape as edit, with
// a review-focused prompt instead of a change-request prompt.
func (p *Pipeline) ReviewDocument(ctx context.Context, req ReviewRequest, progress ProgressFunc) (map[string]any, *Usage, error) {
	usage := &Usage{}
	report(progress, 40, "Loading template for review...")

	prompt := buildReviewPrompt(req.CurrentTemplate, req.ReviewFocus)

	report(progress, 70, "Reviewing template with AI...")
	template, err := p.identify(ctx, prompt, sectionIdentificationTemperature, req.TraceID, req.TaskID, "template_review", usage)
	if err != nil {
		return nil, usage, err
	}

	report(progress, 85, "Validating and self-healing template...")
	template, err = p.validateAndHeal(ctx, template, req.TraceID, req.TaskID, usage)
	if err != nil {
		return nil, usage, err
	}

	report(progress, 95, "Finalizing review...")
	enrich(template, "")

	return template, usage, nil
}

// identify calls the LLM with prompt, extracts the JSON object from the
// response, and parses it with the repair cascade — steps 3-5.
func (p *Pipeline) identify(ctx context.Context, prompt string, temperature float64, traceID, taskID, purpose string, usage *Usage) (map[string]any, error) {
	result, err := p.caller.Call(ctx, CallRequest{
		Prompt:      prompt,
		Temperature: temperature,
		MaxTokens:   maxOutputTokens,
		TraceID:     traceID,
		TaskID:      taskID,
		Purpose:     purpose,
	})
	if err != nil {
		return nil, err
	}
	usage.add(result)

	raw := jsonrepair.ExtractObject(result.Content)
	if raw == "" {
		return nil, newError(task.ErrorKindMalformedJSON, "no JSON object found in LLM response")
	}

	var template map[string]any
	method, err := jsonrepair.ParseWithRepair(raw, &template)
	if err != nil {
		return nil, newError(task.ErrorKindMalformedJSON, "LLM generated malformed JSON that cannot be repaired: %v", err)
	}
	if method != jsonrepair.MethodNone {
		p.logger.Warn("repaired malformed JSON from LLM", "method", method, "purpose", purpose)
	}

	return template, nil
}

// validateAndHeal runs structural+semantic validation, attempting one
// self-heal round if structural errors are found and self-healing is
// enabled — step 6-7.
func (p *Pipeline) validateAndHeal(ctx context.Context, template map[string]any, traceID, taskID string, usage *Usage) (map[string]any, error) {
	errs, warnings := validate.Validate(template)
	for _, w := range warnings {
		p.logger.Warn("template semantic issue", "issue", w.String())
	}

	if len(errs) == 0 {
		return template, nil
	}

	for _, e := range errs {
		p.logger.Warn("template structural error", "issue", e.String())
	}

	if !p.selfHealEnabled {
		return nil, newError(task.ErrorKindValidationFailed, "template validation failed: %s", joinIssues(errs))
	}

	p.logger.Info("attempting self-heal", "error_count", len(errs))
	healed, err := p.selfHeal(ctx, template, errs, traceID, taskID, usage)
	if err != nil {
		return nil, newError(task.ErrorKindValidationFailed, "template validation failed: %s", joinIssues(errs))
	}

	newErrs, newWarnings := validate.Validate(healed)
	if len(newErrs) > 0 {
		return nil, newError(task.ErrorKindValidationFailed, "template validation failed after self-heal: %s", joinIssues(newErrs))
	}
	for _, w := range newWarnings {
		p.logger.Warn("template semantic issue (after heal)", "issue", w.String())
	}

	return healed, nil
}

func (p *Pipeline) selfHeal(ctx context.Context, original map[string]any, errs []validate.Issue, traceID, taskID string, usage *Usage) (map[string]any, error) {
	messages := make([]string, len(errs))
	for i, e := range errs {
		messages[i] = e.String()
	}
	prompt := buildSelfHealPrompt(original, messages)

	result, err := p.caller.Call(ctx, CallRequest{
		Prompt:      prompt,
		Temperature: selfHealTemperature,
		MaxTokens:   maxOutputTokens,
		TraceID:     traceID,
		TaskID:      taskID,
		Purpose:     "self_heal_template",
	})
	if err != nil {
		return nil, err
	}
	usage.add(result)

	raw := jsonrepair.ExtractObject(result.Content)
	if raw == "" {
		return nil, fmt.Errorf("self-heal produced no JSON object")
	}

	var healed map[string]any
	if _, err := jsonrepair.ParseWithRepair(raw, &healed); err != nil {
		return nil, fmt.Errorf("self-heal produced unparseable JSON: %w", err)
	}
	return healed, nil
}

// enrich adds the metadata sub-object — step 8.
func enrich(template map[string]any, fileName string) {
	fillable, _ := template["fillable_sections"].([]any)
	fixed, _ := template["fixed_sections"].([]any)

	template["metadata"] = map[string]any{
		"source_file":                 fileName,
		"parsed_at":                   time.Now().UTC().Format(time.RFC3339),
		"total_fixed_sections":        len(fixed),
		"total_fillable_sections":     len(fillable),
		"semantic_tags_used":          uniqueSortedTags(fillable),
		"completion_estimate_minutes": completionEstimateMinutes(len(fillable)),
	}
}

// completionEstimateMinutes is max(5, ceil(2.5 * fillable_count)).
func completionEstimateMinutes(fillableCount int) int {
	if fillableCount == 0 {
		return 5
	}
	estimate := int(math.Ceil(2.5 * float64(fillableCount)))
	if estimate < 5 {
		return 5
	}
	return estimate
}

func uniqueSortedTags(fillable []any) []string {
	seen := make(map[string]bool)
	for _, raw := range fillable {
		section, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		tags, _ := section["semantic_tags"].([]any)
		for _, t := range tags {
			if s, ok := t.(string); ok {
				seen[s] = true
			}
		}
	}
	tags := make([]string, 0, len(seen))
	for t := range seen {
		tags = append(tags, t)
	}
	sort.Strings(tags)
	return tags
}

func countSections(template map[string]any, key string) int {
	list, _ := template[key].([]any)
	return len(list)
}

func joinIssues(issues []validate.Issue) string {
	msgs := make([]string, len(issues))
	for i, issue := range issues {
		msgs[i] = issue.String()
	}
	return strings.Join(msgs, "; ")
}

func report(progress ProgressFunc, pct int, step string) {
	if progress != nil {
		progress(pct, step)
	}
}
