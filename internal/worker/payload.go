package worker

import (
	"context"
	"errors"
	"path/filepath"

	"github.com/c360studio/templatefabric/internal/pipeline"
	"github.com/c360studio/templatefabric/internal/task"
	"github.com/c360studio/templatefabric/internal/version"
	"github.com/c360studio/templatefabric/internal/worklog"
)

// parseRequest decodes a TemplateParse message payload into the pipeline's
// request shape. Payload fields are flat strings on the wire.
func parseRequest(d *worklog.Delivery, storageRoot, traceID string) (pipeline.ParseRequest, error) {
	filePath := d.Payload["file_path"]
	if filePath == "" {
		return pipeline.ParseRequest{}, &pipeline.Error{
			Kind:    task.ErrorKindFileNotFound,
			Message: "parse payload missing file_path",
		}
	}
	if !filepath.IsAbs(filePath) && storageRoot != "" {
		filePath = filepath.Join(storageRoot, filePath)
	}

	return pipeline.ParseRequest{
		FilePath:      filePath,
		ISOStandard:   d.Payload["iso_standard"],
		CustomRules:   d.Payload["custom_rules"],
		CustomRuleDir: d.Payload["custom_rule_dir"],
		TraceID:       traceID,
		TaskID:        d.TaskID,
	}, nil
}

// editRequest resolves the current template named by the payload and builds
// the diff-oriented edit request — the edit variant's replacement for the
// document-extraction step.
func (w *Worker) editRequest(ctx context.Context, d *worklog.Delivery, traceID string) (pipeline.EditRequest, error) {
	current, err := w.currentTemplate(ctx, d)
	if err != nil {
		return pipeline.EditRequest{}, err
	}

	changeRequest := d.Payload["change_request"]
	if changeRequest == "" {
		return pipeline.EditRequest{}, &pipeline.Error{
			Kind:    task.ErrorKindConfigurationError,
			Message: "edit payload missing change_request",
		}
	}

	return pipeline.EditRequest{
		CurrentTemplate: current,
		ChangeRequest:   changeRequest,
		TraceID:         traceID,
		TaskID:          d.TaskID,
	}, nil
}

// reviewRequest resolves the current template named by the payload and
// builds the review request.
func (w *Worker) reviewRequest(ctx context.Context, d *worklog.Delivery, traceID string) (pipeline.ReviewRequest, error) {
	current, err := w.currentTemplate(ctx, d)
	if err != nil {
		return pipeline.ReviewRequest{}, err
	}

	return pipeline.ReviewRequest{
		CurrentTemplate: current,
		ReviewFocus:     d.Payload["review_focus"],
		TraceID:         traceID,
		TaskID:          d.TaskID,
	}, nil
}

func (w *Worker) currentTemplate(ctx context.Context, d *worklog.Delivery) (map[string]any, error) {
	templateID := d.Payload["template_id"]
	if templateID == "" {
		return nil, &pipeline.Error{
			Kind:    task.ErrorKindConfigurationError,
			Message: "payload missing template_id",
		}
	}
	if w.versions == nil {
		return nil, &pipeline.Error{
			Kind:    task.ErrorKindConfigurationError,
			Message: "worker has no template store configured",
		}
	}

	tmpl, err := w.versions.Get(ctx, templateID)
	if err != nil {
		if errors.Is(err, version.ErrNotFound) {
			return nil, &pipeline.Error{
				Kind:    task.ErrorKindFileNotFound,
				Message: "template " + templateID + " not found",
			}
		}
		return nil, err
	}
	return tmpl.Structure, nil
}
