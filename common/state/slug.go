package state

import (
	"path/filepath"
	"strings"
	"time"
)

const slugMaxLen = 50

// Slugify turns an issue id into a filesystem-safe key: lowercase, spaces
// and underscores become dashes, trimmed to 50 characters. Idempotent.
func Slugify(s string) string {
	out := strings.ToLower(s)
	out = strings.ReplaceAll(out, " ", "-")
	out = strings.ReplaceAll(out, "_", "-")
	if len(out) > slugMaxLen {
		out = out[:slugMaxLen]
	}
	return strings.TrimRight(out, "-")
}

// PlanFilePath expands a plan path pattern against the working directory.
// The pattern understands {date} (YYYY-MM-DD) and {issue_key} (slugified
// issue id) placeholders, e.g. "docs/plans/{date}-{issue_key}.md".
func PlanFilePath(workingDir, pattern, issueID string, date time.Time) string {
	rel := strings.ReplaceAll(pattern, "{date}", date.Format("2006-01-02"))
	rel = strings.ReplaceAll(rel, "{issue_key}", Slugify(issueID))
	if workingDir == "" {
		return rel
	}
	return filepath.Join(workingDir, rel)
}
