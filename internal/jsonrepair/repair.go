package jsonrepair

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	extrepair "github.com/kaptinlin/jsonrepair"
)

// Method names the repair strategy that produced valid JSON, for telemetry.
type Method string

const (
	MethodNone              Method = ""
	MethodLibrary           Method = "library_repair"
	MethodTrailingCommas    Method = "removed_trailing_commas"
	MethodClosedTruncated   Method = "closed_truncated_json"
	MethodExtractedValid    Method = "extracted_valid_portion"
)

// ErrUnrepairable means every strategy, including the general-purpose
// library pass, failed to produce parseable JSON.
var ErrUnrepairable = errors.New("malformed JSON could not be repaired")

// ParseWithRepair unmarshals raw into v, first as-is and then through the
// repair cascade below, returning which strategy (if any) was needed.
func ParseWithRepair(raw string, v any) (Method, error) {
	if err := json.Unmarshal([]byte(raw), v); err == nil {
		return MethodNone, nil
	} else {
		fixed, method, rerr := Repair(raw, err)
		if rerr != nil {
			return MethodNone, rerr
		}
		if err := json.Unmarshal([]byte(fixed), v); err != nil {
			return MethodNone, fmt.Errorf("%w: repaired JSON still invalid: %v", ErrUnrepairable, err)
		}
		return method, nil
	}
}

// Repair applies, in order: the general-purpose jsonrepair library, removal
// of trailing commas, closing of truncated brackets, and truncation to the
// last complete sibling before the parse error position. The first strategy
// that yields valid JSON wins.
func Repair(raw string, parseErr error) (string, Method, error) {
	if fixed, err := extrepair.JSONRepair(raw); err == nil {
		if json.Valid([]byte(fixed)) {
			return fixed, MethodLibrary, nil
		}
	}

	if fixed := removeTrailingCommas(raw); json.Valid([]byte(fixed)) {
		return fixed, MethodTrailingCommas, nil
	}

	if fixed, ok := closeTruncatedJSON(raw); ok && json.Valid([]byte(fixed)) {
		return fixed, MethodClosedTruncated, nil
	}

	if fixed, ok := extractValidPortion(raw, parseErr); ok && json.Valid([]byte(fixed)) {
		return fixed, MethodExtractedValid, nil
	}

	return "", MethodNone, fmt.Errorf("%w: %v", ErrUnrepairable, parseErr)
}

// removeTrailingCommas ports strategy 1: json_str.replace(",]", "]").replace(",}", "}").
func removeTrailingCommas(raw string) string {
	fixed := strings.ReplaceAll(raw, ",]", "]")
	fixed = strings.ReplaceAll(fixed, ",}", "}")
	return fixed
}

// closeTruncatedJSON ports strategy 2: count unbalanced braces/brackets,
// trim back to the last complete field, then close what's left open.
func closeTruncatedJSON(raw string) (string, bool) {
	openBraces := strings.Count(raw, "{") - strings.Count(raw, "}")
	openBrackets := strings.Count(raw, "[") - strings.Count(raw, "]")
	if openBraces <= 0 && openBrackets <= 0 {
		return "", false
	}

	fixed := raw
	tail := lastN(fixed, 200)
	if strings.Contains(tail, `,"`) {
		if idx := strings.LastIndex(fixed, `,"`); idx >= 0 {
			fixed = fixed[:idx]
		}
	} else if strings.Contains(tail, `",{`) {
		if idx := strings.LastIndex(fixed, `",{`); idx >= 0 {
			fixed = fixed[:idx+2]
		}
	}

	var closers []byte // innermost first
	for _, ch := range []byte(fixed) {
		switch ch {
		case '{', '[':
			closers = append([]byte{ch + 2}, closers...) // '}' and ']'
		case '}', ']':
			if len(closers) > 0 {
				closers = closers[1:]
			}
		}
	}
	fixed += string(closers)
	return fixed, true
}

// extractValidPortion ports strategy 3: truncate to the JSON decoder's
// reported error offset, then back up to the last fully-closed `}}` and
// close the outer array/object.
func extractValidPortion(raw string, parseErr error) (string, bool) {
	pos := errorOffset(parseErr)
	if pos <= 0 || pos > len(raw) {
		return "", false
	}

	validPortion := raw[:pos]
	lastComplete := strings.LastIndex(validPortion, "}}")
	if lastComplete <= 0 {
		return "", false
	}
	validPortion = validPortion[:lastComplete+2]
	validPortion += "]}"
	return validPortion, true
}

// errorOffset extracts the byte offset from a json.SyntaxError or
// json.UnmarshalTypeError.
func errorOffset(err error) int {
	var syntaxErr *json.SyntaxError
	if errors.As(err, &syntaxErr) {
		return int(syntaxErr.Offset)
	}
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &typeErr) {
		return int(typeErr.Offset)
	}
	return 0
}

func lastN(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
