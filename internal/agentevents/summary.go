package agentevents

import (
	"encoding/json"
	"strconv"
	"strings"
)

// summaryMaxWidth is the default truncation width for compact single-line
// summaries (thinking text, fallback tool results).
const summaryMaxWidth = 80

// shellCommandMaxWidth is the truncation width, per spec.md §4.7's example,
// for a Bash tool's raw result text when its structured result carries no
// exit code. The Bash command itself is not shown in summaries.
const shellCommandMaxWidth = 40

// Summary is a compact, single-line, colour-prefixable rendering of one
// demuxed event, for the TUI/log consumer.
type Summary struct {
	Kind Kind
	Text string
}

// compactLine normalizes s to a single line (newlines become spaces) and
// truncates it to maxWidth runes, appending "..." when truncated.
func compactLine(s string, maxWidth int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= maxWidth {
		return s
	}
	return string(r[:maxWidth]) + "..."
}

// structuredResult is the subset of a tool-result's structured content
// this package knows how to read for compact summaries. A tool whose
// result carries none of these fields falls back to its raw text.
type structuredResult struct {
	Lines     int    `json:"lines"`
	ExitCode  *int   `json:"exitCode"`
	Matches   int    `json:"matches"`
}

// summarizeResult renders a tool-specific, compact description of a
// completed tool call, e.g. "Read -> 120 lines", "Bash -> exit 0",
// "Grep -> 3 matches". When the structured content doesn't carry the field
// this summary needs, Read and Grep count the non-empty lines of the raw
// text result, and Bash falls back to a truncated single-line rendering of
// it; unrecognized tools always use that truncated rendering.
func summarizeResult(call *ToolCall) string {
	if call.IsError {
		return call.ToolName + " -> error: " + compactLine(call.Result, summaryMaxWidth)
	}

	var sr structuredResult
	hasStructured := len(call.ResultJSON) > 0 && json.Unmarshal(call.ResultJSON, &sr) == nil

	switch call.ToolName {
	case "Read":
		if hasStructured && sr.Lines > 0 {
			return call.ToolName + " -> " + strconv.Itoa(sr.Lines) + " lines"
		}
		return call.ToolName + " -> " + strconv.Itoa(countNonEmptyLines(call.Result)) + " lines"
	case "Bash":
		if hasStructured && sr.ExitCode != nil {
			return call.ToolName + " -> exit " + strconv.Itoa(*sr.ExitCode)
		}
		return call.ToolName + " -> " + compactLine(call.Result, shellCommandMaxWidth)
	case "Grep":
		if hasStructured && sr.Matches > 0 {
			return call.ToolName + " -> " + strconv.Itoa(sr.Matches) + " matches"
		}
		return call.ToolName + " -> " + strconv.Itoa(countNonEmptyLines(call.Result)) + " matches"
	default:
		return call.ToolName + " -> " + compactLine(call.Result, summaryMaxWidth)
	}
}

func countNonEmptyLines(s string) int {
	if s == "" {
		return 0
	}
	n := 0
	for _, line := range strings.Split(s, "\n") {
		if strings.TrimSpace(line) != "" {
			n++
		}
	}
	return n
}
