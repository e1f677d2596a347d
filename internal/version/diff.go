package version

import "fmt"

// changeSummary diffs two structure snapshots by counted shape (fillable,
// fixed, mandatory, tags). When no counted figure moved, the summary is
// "Minor edits".
func changeSummary(before, after map[string]any) string {
	deltas := []struct {
		label string
		delta int
	}{
		{"fillable", countSections(after, "fillable_sections") - countSections(before, "fillable_sections")},
		{"fixed", countSections(after, "fixed_sections") - countSections(before, "fixed_sections")},
		{"mandatory", countMandatory(after) - countMandatory(before)},
		{"tags", tagCount(after) - tagCount(before)},
	}

	var parts []string
	for _, d := range deltas {
		if d.delta == 0 {
			continue
		}
		parts = append(parts, fmt.Sprintf("%+d %s", d.delta, d.label))
	}
	if len(parts) == 0 {
		return "Minor edits"
	}

	summary := parts[0]
	for _, p := range parts[1:] {
		summary += ", " + p
	}
	return summary
}

// restoredSummary is the fixed change_summary text for a restore operation.
func restoredSummary(targetVersion int) string {
	return fmt.Sprintf("Restored from version %d", targetVersion)
}
