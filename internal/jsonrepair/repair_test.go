package jsonrepair

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractObjectFromMarkdownFence(t *testing.T) {
	content := "Here is the result:\n```json\n{\"a\": 1, \"b\": 2}\n```\nThanks"
	got := ExtractObject(content)
	assert.JSONEq(t, `{"a": 1, "b": 2}`, got)
}

func TestExtractObjectBareFallback(t *testing.T) {
	content := `some preamble {"a": 1} trailing`
	got := ExtractObject(content)
	assert.JSONEq(t, `{"a": 1}`, got)
}

func TestExtractObjectStripsLineCommentsOutsideStrings(t *testing.T) {
	content := "```json\n{\n  \"url\": \"http://example.com\", // comment\n  \"a\": 1\n}\n```"
	got := ExtractObject(content)
	var v map[string]any
	require.NoError(t, json.Unmarshal([]byte(got), &v))
	assert.Equal(t, "http://example.com", v["url"])
}

func TestExtractArrayFromMarkdownFence(t *testing.T) {
	content := "```json\n[1, 2, 3]\n```"
	got := ExtractArray(content)
	assert.JSONEq(t, `[1, 2, 3]`, got)
}

func TestParseWithRepairValidJSONNeedsNoRepair(t *testing.T) {
	var v map[string]any
	method, err := ParseWithRepair(`{"a": 1}`, &v)
	require.NoError(t, err)
	assert.Equal(t, MethodNone, method)
}

func TestParseWithRepairRecoversMalformedJSON(t *testing.T) {
	// Not valid JSON as written; some repair strategy (library pass or the
	// positional cascade) must recover it.
	var v map[string]any
	method, err := ParseWithRepair(`{"a": 1, "b": [1, 2,],}`, &v)
	require.NoError(t, err)
	assert.NotEqual(t, MethodNone, method)
	assert.Equal(t, float64(1), v["a"])
}

func TestRemoveTrailingCommas(t *testing.T) {
	fixed := removeTrailingCommas(`{"a": 1, "b": [1, 2,],}`)
	assert.True(t, json.Valid([]byte(fixed)))
}

func TestCloseTruncatedJSON(t *testing.T) {
	// Simulates a response cut off mid-array: two open braces, one open bracket.
	raw := `{"fixed_sections": [{"id": "a", "title": "A"},{"id": "b", "title": "B"`
	fixed, ok := closeTruncatedJSON(raw)
	require.True(t, ok)
	assert.True(t, json.Valid([]byte(fixed)), "expected valid JSON, got %q", fixed)
}

func TestCloseTruncatedJSONNoOpWhenBalanced(t *testing.T) {
	_, ok := closeTruncatedJSON(`{"a": 1}`)
	assert.False(t, ok)
}

func TestExtractValidPortionTruncatesToLastCompleteSibling(t *testing.T) {
	raw := `{"fixed_sections": [{"id": "a", "meta": {"k": 1}}, {"id": "b", "broken`
	var v map[string]any
	parseErr := json.Unmarshal([]byte(raw), &v)
	require.Error(t, parseErr)

	fixed, ok := extractValidPortion(raw, parseErr)
	require.True(t, ok)
	assert.True(t, json.Valid([]byte(fixed)), "expected valid JSON, got %q", fixed)
}

func TestRepairReturnsErrUnrepairableWhenNothingWorks(t *testing.T) {
	raw := "\x00\x01 not json"
	var v map[string]any
	parseErr := json.Unmarshal([]byte(raw), &v)
	require.Error(t, parseErr)

	_, method, err := Repair(raw, parseErr)
	if err != nil {
		assert.Equal(t, MethodNone, method)
		assert.ErrorIs(t, err, ErrUnrepairable)
	}
}
