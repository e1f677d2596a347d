// Package validate checks a parsed template document against the structural
// and semantic rules of the fillable-section model, ported rule for rule
// over the parsed template shape. It operates on the
// generic map[string]any produced straight off json.Unmarshal — the same
// document shape an LLM emits — so a malformed field surfaces as a specific,
// actionable Issue instead of a Go unmarshal error with no recovery path.
package validate

import (
	"fmt"
	"strings"
)

// Severity distinguishes a blocking structural error from an advisory
// semantic warning.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

// Issue is a single validation finding.
type Issue struct {
	ErrorType string
	Message   string
	Severity  Severity
}

func (i Issue) String() string {
	return fmt.Sprintf("[%s] %s: %s", strings.ToUpper(string(i.Severity)), i.ErrorType, i.Message)
}

var fillableSectionTypes = map[string]bool{
	"table":     true,
	"paragraph": true,
	"list":      true,
	"field":     true,
}

// Validate runs structural validation (critical, blocking) followed by
// semantic validation (advisory), returning the two lists separately so
// callers can self-heal only on errors while still surfacing warnings.
func Validate(template map[string]any) (errs, warnings []Issue) {
	errs = validateStructure(template)
	warnings = validateSemantics(template)
	return errs, warnings
}

func validateStructure(template map[string]any) []Issue {
	var errs []Issue

	for _, field := range []string{"document_title", "fixed_sections", "fillable_sections"} {
		if _, ok := template[field]; !ok {
			errs = append(errs, Issue{"missing_field", fmt.Sprintf("Missing required top-level field: '%s'", field), SeverityError})
		}
	}

	if raw, ok := template["document_title"]; ok {
		title, isStr := raw.(string)
		if !isStr {
			errs = append(errs, Issue{"invalid_type", "document_title must be a string", SeverityError})
		} else if strings.TrimSpace(title) == "" {
			errs = append(errs, Issue{"invalid_value", "document_title cannot be empty", SeverityError})
		}
	}

	if raw, ok := template["fixed_sections"]; ok {
		list, isList := raw.([]any)
		if !isList {
			errs = append(errs, Issue{"invalid_type", "fixed_sections must be a list", SeverityError})
		} else {
			for i, section := range list {
				errs = append(errs, validateFixedSection(section, i)...)
			}
		}
	}

	if raw, ok := template["fillable_sections"]; ok {
		list, isList := raw.([]any)
		if !isList {
			errs = append(errs, Issue{"invalid_type", "fillable_sections must be a list", SeverityError})
		} else {
			for i, section := range list {
				errs = append(errs, validateFillableSection(section, i)...)
			}
		}
	}

	return errs
}

func validateFixedSection(raw any, index int) []Issue {
	var errs []Issue

	section, ok := raw.(map[string]any)
	if !ok {
		return []Issue{{"invalid_type", fmt.Sprintf("Fixed section %d must be a dictionary", index), SeverityError}}
	}

	id := sectionID(section)
	for _, field := range []string{"id", "title", "content"} {
		if _, ok := section[field]; !ok {
			errs = append(errs, Issue{"missing_field",
				fmt.Sprintf("Fixed section %d ('%s') missing required field: '%s'", index, id, field), SeverityError})
		}
	}

	for _, field := range []string{"id", "title", "content"} {
		if v, ok := section[field]; ok {
			if _, isStr := v.(string); !isStr {
				errs = append(errs, Issue{"invalid_type", fmt.Sprintf("Fixed section %d: '%s' must be a string", index, field), SeverityError})
			}
		}
	}

	return errs
}

func validateFillableSection(raw any, index int) []Issue {
	var errs []Issue

	section, ok := raw.(map[string]any)
	if !ok {
		return []Issue{{"invalid_type", fmt.Sprintf("Fillable section %d must be a dictionary", index), SeverityError}}
	}

	id := sectionID(section)
	for _, field := range []string{"id", "title", "type", "semantic_tags"} {
		if _, ok := section[field]; !ok {
			errs = append(errs, Issue{"missing_field",
				fmt.Sprintf("Fillable section %d ('%s') missing required field: '%s'", index, id, field), SeverityError})
		}
	}

	for _, field := range []string{"id", "title"} {
		if v, ok := section[field]; ok {
			if _, isStr := v.(string); !isStr {
				errs = append(errs, Issue{"invalid_type", fmt.Sprintf("Fillable section %d: '%s' must be a string", index, field), SeverityError})
			}
		}
	}

	if v, ok := section["type"]; ok {
		typeStr, isStr := v.(string)
		if !isStr {
			errs = append(errs, Issue{"invalid_type", fmt.Sprintf("Fillable section %d: 'type' must be a string", index), SeverityError})
		} else if !fillableSectionTypes[typeStr] {
			errs = append(errs, Issue{"invalid_value",
				fmt.Sprintf("Fillable section %d: 'type' must be one of: table, paragraph, list, field (got: '%s')", index, typeStr), SeverityError})
		}
	}

	if v, ok := section["semantic_tags"]; ok {
		tags, isList := v.([]any)
		switch {
		case !isList:
			errs = append(errs, Issue{"invalid_type", fmt.Sprintf("Fillable section %d ('%s'): 'semantic_tags' must be a list", index, id), SeverityError})
		case len(tags) == 0:
			errs = append(errs, Issue{"invalid_value", fmt.Sprintf("Fillable section %d ('%s'): 'semantic_tags' cannot be empty", index, id), SeverityError})
		default:
			for _, tag := range tags {
				if _, isStr := tag.(string); !isStr {
					errs = append(errs, Issue{"invalid_type", fmt.Sprintf("Fillable section %d ('%s'): semantic_tags must contain strings", index, id), SeverityError})
					break
				}
			}
		}
	}

	if v, ok := section["mandatory_confidence"]; ok {
		conf, isNum := v.(float64)
		if !isNum {
			errs = append(errs, Issue{"invalid_type", fmt.Sprintf("Fillable section %d ('%s'): 'mandatory_confidence' must be a number", index, id), SeverityError})
		} else if conf < 0 || conf > 1 {
			errs = append(errs, Issue{"invalid_value", fmt.Sprintf("Fillable section %d ('%s'): 'mandatory_confidence' must be between 0 and 1 (got: %v)", index, id, conf), SeverityError})
		}
	}

	if v, ok := section["is_mandatory"]; ok {
		if _, isBool := v.(bool); !isBool {
			errs = append(errs, Issue{"invalid_type", fmt.Sprintf("Fillable section %d ('%s'): 'is_mandatory' must be a boolean", index, id), SeverityError})
		}
	}

	return errs
}

func validateSemantics(template map[string]any) []Issue {
	var warnings []Issue

	fillable := sectionList(template, "fillable_sections")
	fixed := sectionList(template, "fixed_sections")

	fillableIDs := collectIDs(fillable)
	fixedIDs := collectIDs(fixed)

	if dups := duplicates(fillableIDs); len(dups) > 0 {
		warnings = append(warnings, Issue{"duplicate_id", fmt.Sprintf("Duplicate IDs in fillable sections: %s", formatSet(dups)), SeverityWarning})
	}
	if dups := duplicates(fixedIDs); len(dups) > 0 {
		warnings = append(warnings, Issue{"duplicate_id", fmt.Sprintf("Duplicate IDs in fixed sections: %s", formatSet(dups)), SeverityWarning})
	}

	for _, raw := range fillable {
		section, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		mandatory, _ := section["is_mandatory"].(bool)
		confidence, _ := section["mandatory_confidence"].(float64)
		if mandatory && confidence < 0.85 {
			warnings = append(warnings, Issue{"low_confidence_mandatory",
				fmt.Sprintf("Section '%s' marked mandatory but has low confidence: %v", sectionID(section), section["mandatory_confidence"]), SeverityWarning})
		}
	}

	total := len(fillableIDs) + len(fixedIDs)
	switch {
	case total > 150:
		warnings = append(warnings, Issue{"excessive_sections", fmt.Sprintf("Unusually high section count: %d (may indicate parsing issue)", total), SeverityWarning})
	case total == 0:
		warnings = append(warnings, Issue{"no_sections", "Template has no sections at all", SeverityWarning})
	}

	var withoutTags int
	for _, raw := range fillable {
		section, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		tags, _ := section["semantic_tags"].([]any)
		if len(tags) == 0 {
			withoutTags++
		}
	}
	if withoutTags > 0 {
		warnings = append(warnings, Issue{"missing_semantic_tags", fmt.Sprintf("%d fillable sections have no semantic tags", withoutTags), SeverityWarning})
	}

	return warnings
}

func sectionList(template map[string]any, key string) []any {
	list, _ := template[key].([]any)
	return list
}

func sectionID(section map[string]any) string {
	if id, ok := section["id"].(string); ok {
		return id
	}
	return "unknown"
}

func collectIDs(sections []any) []string {
	var ids []string
	for _, raw := range sections {
		section, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		if id, ok := section["id"].(string); ok {
			ids = append(ids, id)
		}
	}
	return ids
}

func duplicates(ids []string) []string {
	counts := make(map[string]int, len(ids))
	for _, id := range ids {
		counts[id]++
	}
	var dups []string
	seen := make(map[string]bool)
	for _, id := range ids {
		if counts[id] > 1 && !seen[id] {
			dups = append(dups, id)
			seen[id] = true
		}
	}
	return dups
}

func formatSet(ids []string) string {
	return "{" + strings.Join(quoteAll(ids), ", ") + "}"
}

func quoteAll(ids []string) []string {
	quoted := make([]string, len(ids))
	for i, id := range ids {
		quoted[i] = "'" + id + "'"
	}
	return quoted
}
