package orchestrator

import (
	"regexp"
	"strings"
)

// conflictFailedRe matches a CONFLICT_FAILED marker line, capturing the
// one-line reason that follows it (spec.md §6: "one-line reason only").
var conflictFailedRe = regexp.MustCompile(`CONFLICT_FAILED:\s*(.+)`)

const conflictResolvedMarker = "CONFLICT_RESOLVED"

// parseConflictOutcome scans agent output for a conflict-resolution
// marker. CONFLICT_RESOLVED takes precedence when both markers appear
// (spec.md §6, scenario S2): an agent that fixes the conflict and then
// reports failure on an unrelated trailing line should still count as
// resolved.
func parseConflictOutcome(output string) (resolved bool, reason string, found bool) {
	if strings.Contains(output, conflictResolvedMarker) {
		return true, "", true
	}
	if m := conflictFailedRe.FindStringSubmatch(output); m != nil {
		line := strings.SplitN(m[1], "\n", 2)[0]
		return false, strings.TrimSpace(line), true
	}
	return false, "", false
}
