// Package version implements the template version store: a current
// template row plus an append-only, never-mutated history of version
// snapshots, persisted as two NATS JetStream key-value buckets — generalizing
// llm/store.go's CallStore compound-key convention
// ("{trace_id}.{request_id}") to "{template_id}.{version_number}" for O(1)
// random-access get_version lookups without stream sequence bookkeeping.
package version

import (
	"encoding/json"
	"errors"
	"sort"
	"time"
)

// Status is a template's lifecycle stage.
type Status string

// The three template statuses.
const (
	StatusDraft    Status = "draft"
	StatusApproved Status = "approved"
	StatusArchived Status = "archived"
)

// Template is the current, mutable row for one template. Its Structure
// always equals the StructureSnapshot of the Version row with the same
// VersionNumber.
type Template struct {
	TemplateID           string         `json:"template_id"`
	Name                 string         `json:"name"`
	ISOStandard          string         `json:"iso_standard,omitempty"`
	FileID               string         `json:"file_id,omitempty"`
	Structure            map[string]any `json:"structure"`
	VersionNumber        int            `json:"version_number"`
	RestoredFromVersion  *int           `json:"restored_from_version,omitempty"`
	TotalFixed           int            `json:"total_fixed"`
	TotalFillable        int            `json:"total_fillable"`
	Tags                 []string       `json:"tags"`
	Status               Status         `json:"status"`
	CreatedAt            time.Time      `json:"created_at"`
	UpdatedAt            time.Time      `json:"updated_at"`
	ApprovedAt           *time.Time     `json:"approved_at,omitempty"`
}

// Version is one immutable, append-only snapshot of a template's structure.
// Version rows are never mutated after creation.
type Version struct {
	ID                  string         `json:"id"`
	TemplateID          string         `json:"template_id"`
	VersionNumber       int            `json:"version_number"`
	StructureSnapshot   map[string]any `json:"structure_snapshot"`
	ChangeSummary       string         `json:"change_summary"`
	Notes               string         `json:"notes,omitempty"`
	CreatedBy           string         `json:"created_by"`
	CreatedAt           time.Time      `json:"created_at"`
	RestoredFromVersion *int           `json:"restored_from_version,omitempty"`
}

// Sentinel errors surfaced by Store. ErrStateConflict mirrors
// internal/task's CAS-loss signal: the caller lost a race to edit the same
// template and should retry at the application level.
var (
	ErrNotFound         = errors.New("template not found")
	ErrVersionNotFound  = errors.New("template version not found")
	ErrStateConflict    = errors.New("template state conflict")
	ErrStoreUnavailable = errors.New("template store unavailable")
)

// countSections returns the number of entries in a template structure's
// named section array ("fixed_sections" or "fillable_sections"), mirroring
// internal/pipeline's countSections/uniqueSortedTags tolerance of a missing
// or wrongly-typed key.
func countSections(structure map[string]any, key string) int {
	sections, _ := structure[key].([]any)
	return len(sections)
}

// countMandatory counts fillable sections with is_mandatory=true.
func countMandatory(structure map[string]any) int {
	fillable, _ := structure["fillable_sections"].([]any)
	n := 0
	for _, raw := range fillable {
		section, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		if mandatory, _ := section["is_mandatory"].(bool); mandatory {
			n++
		}
	}
	return n
}

// tagCount returns the number of distinct semantic tags used across a
// structure's fillable sections, the same computation
// internal/pipeline.uniqueSortedTags performs for a template's metadata.
func tagCount(structure map[string]any) int {
	fillable, _ := structure["fillable_sections"].([]any)
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
	return len(seen)
}

// sortedTags returns the sorted union of semantic tags used in a structure's
// fillable sections.
func sortedTags(structure map[string]any) []string {
	fillable, _ := structure["fillable_sections"].([]any)
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

// cloneStructure deep-copies a structure map via a JSON round-trip so a
// caller's in-memory mutation after the call can never corrupt a stored
// snapshot. Cheap relative to an LLM round trip, and avoids a bespoke deep
// copier for an open-ended map[string]any shape.
func cloneStructure(structure map[string]any) (map[string]any, error) {
	data, err := json.Marshal(structure)
	if err != nil {
		return nil, err
	}
	var clone map[string]any
	if err := json.Unmarshal(data, &clone); err != nil {
		return nil, err
	}
	return clone, nil
}
