package validate

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validTemplate() map[string]any {
	return map[string]any{
		"document_title": "Master Services Agreement",
		"fixed_sections": []any{
			map[string]any{"id": "fixed-1", "title": "Preamble", "content": "This agreement is made..."},
		},
		"fillable_sections": []any{
			map[string]any{
				"id":                   "fillable-1",
				"title":                "Effective Date",
				"type":                 "field",
				"semantic_tags":        []any{"date", "effective_date"},
				"is_mandatory":         true,
				"mandatory_confidence": 0.95,
			},
		},
	}
}

func TestValidateAcceptsWellFormedTemplate(t *testing.T) {
	errs, warnings := Validate(validTemplate())
	assert.Empty(t, errs)
	assert.Empty(t, warnings)
}

func TestValidateStructureMissingTopLevelFields(t *testing.T) {
	errs, _ := Validate(map[string]any{})
	require.Len(t, errs, 3)
	types := make([]string, len(errs))
	for i, e := range errs {
		types[i] = e.ErrorType
	}
	assert.Contains(t, types, "missing_field")
}

func TestValidateDocumentTitleMustBeNonEmptyString(t *testing.T) {
	tmpl := validTemplate()
	tmpl["document_title"] = "   "
	errs, _ := Validate(tmpl)
	require.NotEmpty(t, errs)
	assert.Equal(t, "invalid_value", errs[0].ErrorType)

	tmpl["document_title"] = 42
	errs, _ = Validate(tmpl)
	require.NotEmpty(t, errs)
	assert.Equal(t, "invalid_type", errs[0].ErrorType)
}

func TestValidateFixedSectionMissingFields(t *testing.T) {
	tmpl := validTemplate()
	tmpl["fixed_sections"] = []any{
		map[string]any{"id": "fixed-1"},
	}
	errs, _ := Validate(tmpl)
	var found int
	for _, e := range errs {
		if e.ErrorType == "missing_field" {
			found++
		}
	}
	assert.Equal(t, 2, found) // title, content
}

func TestValidateFillableSectionTypeMustBeKnown(t *testing.T) {
	tmpl := validTemplate()
	sections := tmpl["fillable_sections"].([]any)
	section := sections[0].(map[string]any)
	section["type"] = "freeform"

	errs, _ := Validate(tmpl)
	require.NotEmpty(t, errs)
	assert.Equal(t, "invalid_value", errs[0].ErrorType)
}

func TestValidateFillableSectionSemanticTagsMustBeNonEmpty(t *testing.T) {
	tmpl := validTemplate()
	sections := tmpl["fillable_sections"].([]any)
	section := sections[0].(map[string]any)
	section["semantic_tags"] = []any{}

	errs, _ := Validate(tmpl)
	require.NotEmpty(t, errs)
	assert.Equal(t, "invalid_value", errs[0].ErrorType)
}

func TestValidateMandatoryConfidenceMustBeWithinBounds(t *testing.T) {
	tmpl := validTemplate()
	sections := tmpl["fillable_sections"].([]any)
	section := sections[0].(map[string]any)
	section["mandatory_confidence"] = 1.5

	errs, _ := Validate(tmpl)
	require.NotEmpty(t, errs)
	assert.Equal(t, "invalid_value", errs[0].ErrorType)
}

func TestValidateSemanticsWarnsOnDuplicateIDs(t *testing.T) {
	tmpl := validTemplate()
	sections := tmpl["fillable_sections"].([]any)
	dup := map[string]any{
		"id": "fillable-1", "title": "Other", "type": "field",
		"semantic_tags": []any{"x"},
	}
	tmpl["fillable_sections"] = append(sections, dup)

	_, warnings := Validate(tmpl)
	var found bool
	for _, w := range warnings {
		if w.ErrorType == "duplicate_id" {
			found = true
		}
	}
	assert.True(t, found)
}

func TestValidateSemanticsWarnsOnLowConfidenceMandatory(t *testing.T) {
	tmpl := validTemplate()
	sections := tmpl["fillable_sections"].([]any)
	section := sections[0].(map[string]any)
	section["mandatory_confidence"] = 0.5

	_, warnings := Validate(tmpl)
	var found bool
	for _, w := range warnings {
		if w.ErrorType == "low_confidence_mandatory" {
			found = true
		}
	}
	assert.True(t, found)
}

func TestValidateSemanticsWarnsOnNoSections(t *testing.T) {
	tmpl := map[string]any{
		"document_title":    "Empty",
		"fixed_sections":    []any{},
		"fillable_sections": []any{},
	}
	_, warnings := Validate(tmpl)
	var found bool
	for _, w := range warnings {
		if w.ErrorType == "no_sections" {
			found = true
		}
	}
	assert.True(t, found)
}

func TestValidateSemanticsWarnsOnMissingSemanticTags(t *testing.T) {
	tmpl := validTemplate()
	// semantic_tags present but empty fails structural validation too (invalid_value);
	// what this test cares about is the separate semantic-layer count warning.
	tmpl["fillable_sections"] = []any{
		map[string]any{
			"id": "fillable-2", "title": "Untagged", "type": "paragraph",
			"semantic_tags": []any{},
		},
	}

	_, warnings := Validate(tmpl)
	var found bool
	for _, w := range warnings {
		if w.ErrorType == "missing_semantic_tags" {
			found = true
		}
	}
	assert.True(t, found)
}

func TestValidateNonDictSectionsReportInvalidType(t *testing.T) {
	tmpl := validTemplate()
	tmpl["fillable_sections"] = []any{"not a section"}

	errs, _ := Validate(tmpl)
	require.Len(t, errs, 1)
	assert.Equal(t, "invalid_type", errs[0].ErrorType)
}
