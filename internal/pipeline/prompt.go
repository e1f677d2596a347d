package pipeline

import (
	"encoding/json"
	"fmt"
	"strings"
)

const (
	maxPromptParagraphs = 200
	maxPromptTables     = 5
	maxPromptTableRows  = 3
)

// buildSectionIdentificationPrompt ports
// _build_section_identification_prompt verbatim in structure: document
// metadata, capped paragraph/table content, the fixed-vs-fillable rubric,
// the mandatory-confidence rubric, and the exact response schema.
func buildSectionIdentificationPrompt(doc *DocumentContent, isoStandard, customRules string) string {
	var paras strings.Builder
	for i, p := range doc.Paragraphs {
		if i >= maxPromptParagraphs {
			break
		}
		if i > 0 {
			paras.WriteString("\n\n")
		}
		fmt.Fprintf(&paras, "[Level %d] %s", p.HeadingLevel, p.Text)
	}

	var tables strings.Builder
	if len(doc.Tables) > 0 {
		fmt.Fprintf(&tables, "\n\nTABLES FOUND: %d tables\n", len(doc.Tables))
		for i, table := range doc.Tables {
			if i >= maxPromptTables {
				break
			}
			fmt.Fprintf(&tables, "\nTable %d:\n", i+1)
			for r, row := range table {
				if r >= maxPromptTableRows {
					break
				}
				fmt.Fprintf(&tables, "  %s\n", strings.Join(row, " | "))
			}
		}
	}

	isoLine := isoStandard
	if isoLine == "" {
		isoLine = "Not specified"
	}

	customLine := ""
	if strings.TrimSpace(customRules) != "" {
		customLine = "CUSTOM RULES: " + customRules
	}

	return fmt.Sprintf(`You are an expert at analyzing ISO policy documents.

TASK: Identify FIXED vs FILLABLE sections in this document.

DOCUMENT METADATA:
- Title: %s
- Paragraphs: %d
- Tables: %d
- ISO Standard: %s

DOCUMENT CONTENT:
%s
%s

%s

---

INSTRUCTIONS:

Analyze this ISO policy document and categorize ALL content into:

1. FIXED SECTIONS (same for all companies):
   - Policy statements (General, Goal, Definition)
   - Standard procedures that don't change
   - Generic compliance requirements
   - Document control metadata tables (dates, versions, approvers)

2. FILLABLE SECTIONS (company-specific content):
   - Risk assessment tables with company details
   - Specific system names, technologies, processes
   - RTO/RPO values
   - Any content that varies per company

For each FILLABLE section, identify:
- location: where in the document (section title, paragraph number)
- type: "table", "paragraph", "list", "field"
- semantic_tags: what kind of info is needed (e.g. ["infrastructure", "backup", "systems"])
- current_content: what's currently in the reference doc (as example)
- format: how content should be structured
- is_mandatory: true/false — is this field required for compliance?
- mandatory_confidence: 0.0-1.0 — how confident are you this is mandatory?

DETECTING MANDATORY FIELDS:
- HIGH CONFIDENCE (0.85-1.0): "mandatory", "required", "must be completed", "obligatory"
- MEDIUM CONFIDENCE (0.6-0.84): "must", "shall", "is required for"
- LOW CONFIDENCE (0.0-0.59): "should", "recommended" (do NOT mark as mandatory)

ONLY mark is_mandatory=true if confidence >= 0.85.

Return ONLY valid JSON matching this schema (no markdown, no code fences):

{
  "document_title": "string",
  "fixed_sections": [
    {"id": "string", "title": "string", "content": "string (2-3 sentences max)"}
  ],
  "fillable_sections": [
    {
      "id": "string", "title": "string", "location": "string",
      "type": "table|paragraph|list|field",
      "semantic_tags": ["string", "..."],
      "current_content": "string", "format": "string", "placeholder": "string",
      "is_mandatory": true, "mandatory_confidence": 0.0
    }
  ]
}

JSON FORMATTING REQUIREMENTS:
- Return ONLY valid JSON, no markdown, no explanations
- Keep total response under 60KB
- Ensure all arrays and objects are properly closed, no trailing commas
- Use double quotes, not single quotes
`, doc.Metadata.Title, doc.Metadata.ParagraphCount, doc.Metadata.TableCount, isoLine,
		paras.String(), tables.String(), customLine)
}

// buildEditPrompt is the diff-oriented variant: step 1 fetches the current
// template instead of extracting a document, step 2 asks for a targeted
// modification rather than a from-scratch identification.
func buildEditPrompt(current map[string]any, changeRequest string) string {
	currentJSON, _ := json.MarshalIndent(current, "", "  ")

	return fmt.Sprintf(`You are an expert at maintaining ISO policy document templates.

TASK: Apply the requested change to the existing template structure below.

CURRENT TEMPLATE:
%s

REQUESTED CHANGE:
%s

INSTRUCTIONS:
- Preserve all section IDs that are not directly affected by the change
- Preserve semantic tags on sections you are not modifying
- Keep the same overall JSON schema (document_title, fixed_sections[], fillable_sections[])
- Only change what the requested change actually requires

Return ONLY the updated JSON structure (no markdown, no explanations):`, string(currentJSON), changeRequest)
}

// buildReviewPrompt asks the model to audit an existing template for
// completeness and consistency issues, returning the same schema annotated
// with any fixes it judges necessary — the review job's pipeline still
// produces a structure validate() can check, consistent with parse/edit.
func buildReviewPrompt(current map[string]any, focus string) string {
	currentJSON, _ := json.MarshalIndent(current, "", "  ")

	focusLine := focus
	if focusLine == "" {
		focusLine = "general completeness and consistency"
	}

	return fmt.Sprintf(`You are an expert reviewer of ISO policy document templates.

TASK: Review the template below for completeness and consistency, focusing on: %s

TEMPLATE UNDER REVIEW:
%s

INSTRUCTIONS:
- Flag any fillable section with vague or missing semantic_tags by correcting them
- Flag any section that should be marked mandatory but isn't (or vice versa), and correct mandatory_confidence
- Do not invent new sections; only correct what you find inconsistent
- Keep all section IDs unchanged

Return ONLY the corrected JSON structure (no markdown, no explanations):`, focusLine, string(currentJSON))
}

// buildSelfHealPrompt ports _self_heal_template's prompt: the original
// output, the enumerated errors, and a strict instruction to fix only what
// is broken.
func buildSelfHealPrompt(original map[string]any, errorList []string) string {
	originalJSON, _ := json.MarshalIndent(original, "", "  ")

	var errs strings.Builder
	for i, e := range errorList {
		fmt.Fprintf(&errs, "  %d. %s\n", i+1, e)
	}

	return fmt.Sprintf(`You previously generated a template structure with some validation errors.

ORIGINAL OUTPUT (with errors):
%s

VALIDATION ERRORS FOUND:
%s

INSTRUCTIONS:
Please fix ONLY the specific errors listed above.

- Keep all existing section IDs unchanged
- Preserve all semantic tags
- Maintain all content that is correct
- Only fix the structural issues mentioned
- Do NOT add new sections or remove existing ones unless necessary to fix the errors

Return ONLY the corrected JSON structure (no explanations, no markdown):`, string(originalJSON), errs.String())
}
