package loopmgr

import (
	"encoding/json"
	"strings"

	"github.com/sqrun/sqrun/internal/agent"
)

// BuildSignal is a completion signal a build-step iteration's output may
// carry, mirroring internal/loop's PHASE_COMPLETE/TASK_BLOCKED family but
// scoped to one task's completion rather than a whole phase.
type BuildSignal string

const (
	SignalTaskComplete BuildSignal = "TASK_COMPLETE"
	SignalTaskStuck     BuildSignal = "TASK_STUCK"
)

// DetectBuildSignal scans output line by line for a build signal prefix,
// returning the first one found and any trailing detail text (the reason
// following TASK_STUCK). Returns an empty signal if none is found.
func DetectBuildSignal(output string) (BuildSignal, string) {
	for _, line := range strings.Split(output, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, string(SignalTaskComplete)) {
			return SignalTaskComplete, strings.TrimSpace(strings.TrimPrefix(trimmed, string(SignalTaskComplete)))
		}
		if strings.HasPrefix(trimmed, string(SignalTaskStuck)) {
			return SignalTaskStuck, strings.TrimSpace(strings.TrimPrefix(trimmed, string(SignalTaskStuck)))
		}
	}
	return "", ""
}

// DetectBuildSignalFromJSONL scans stream-json output for a build signal
// embedded in an assistant text content block, used as a fallback when
// the demuxer's accumulated final text did not carry one (e.g. an agent
// that emits the marker inside an intermediate rather than final block).
func DetectBuildSignalFromJSONL(output string) (BuildSignal, string) {
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || line[0] != '{' {
			continue
		}
		var event agent.StreamEvent
		if err := json.Unmarshal([]byte(line), &event); err != nil {
			continue
		}
		if text := event.TextContent(); text != "" {
			if sig, detail := DetectBuildSignal(text); sig != "" {
				return sig, detail
			}
		}
	}
	return "", ""
}

// hasCompletionMarker reports whether output contains marker anywhere as
// a standalone line, used to verify phase-completion markers like
// REVIEW_COMPLETE (spec.md §4.2's "verifies that the terminating text
// marker for that phase was emitted").
func hasCompletionMarker(output, marker string) bool {
	for _, line := range strings.Split(output, "\n") {
		if strings.TrimSpace(line) == marker {
			return true
		}
	}
	return strings.Contains(output, marker)
}
