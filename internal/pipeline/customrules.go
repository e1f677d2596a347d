package pipeline

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// customRulesFilePattern matches the rule files a parse job may bundle
// alongside its source document (e.g. "rules/iso27001.rules.txt",
// "rules/sector/*.rules.txt"). Recursive (**) so a deeply nested rule set
// still gets picked up.
const customRulesFilePattern = "**/*.rules.txt"

// loadBundledCustomRules glob-matches customRulesFilePattern under dir and
// concatenates the matching files into a single custom-rules string,
// appended after any inline custom rules already supplied with the job.
func loadBundledCustomRules(dir string) (string, error) {
	if strings.TrimSpace(dir) == "" {
		return "", nil
	}

	absDir, err := filepath.Abs(dir)
	if err != nil {
		return "", fmt.Errorf("resolve custom rule directory: %w", err)
	}

	matches, err := doublestar.FilepathGlob(filepath.Join(absDir, customRulesFilePattern))
	if err != nil {
		return "", fmt.Errorf("glob custom rule files: %w", err)
	}

	var b strings.Builder
	for _, match := range matches {
		content, err := os.ReadFile(match)
		if err != nil {
			continue // a missing/unreadable rule file doesn't fail the whole job
		}
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		fmt.Fprintf(&b, "# %s\n%s", filepath.Base(match), strings.TrimSpace(string(content)))
	}

	return b.String(), nil
}

// mergeCustomRules combines inline custom rules (supplied directly on the
// job) with any bundled rule files found under customRuleDir.
func mergeCustomRules(inline, bundled string) string {
	inline = strings.TrimSpace(inline)
	bundled = strings.TrimSpace(bundled)
	switch {
	case inline == "":
		return bundled
	case bundled == "":
		return inline
	default:
		return inline + "\n\n" + bundled
	}
}
