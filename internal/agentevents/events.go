// Package agentevents demuxes the Agent Runner's heterogeneous event
// stream into typed, fine-grained events, and formats them into compact
// single-line summaries for the TUI/log and full JSON for the debug trace
// writer. The wire shapes upstream of this package are opaque; the event
// kinds here are the fixed semantics the rest of the orchestrator depends
// on (see internal/agent.StreamEvent for the coarser per-message shape
// this package's Demuxer is fed from and splits further).
package agentevents

import "encoding/json"

// Kind identifies one of the fixed event kinds the demuxer distinguishes.
type Kind string

const (
	KindToolStart      Kind = "tool-use-start"
	KindInputDelta     Kind = "input-json-delta"
	KindBlockStop      Kind = "content-block-stop"
	KindToolResult     Kind = "tool-result"
	KindThinkingDelta  Kind = "thinking-delta"
	KindTextDelta      Kind = "text-delta"
	KindResult         Kind = "result"
	KindToolProgress   Kind = "tool-progress"
)

// Event is one demuxed event, fed to the Demuxer in wire order. Only the
// fields relevant to Kind are populated; each field's comment names the
// kinds that carry it.
type Event struct {
	Kind Kind

	// Index identifies the content block this event belongs to (Start,
	// InputDelta, BlockStop). Ordering within an index is guaranteed:
	// start precedes deltas precedes stop precedes its paired result.
	Index int

	// ToolID and ToolName identify a tool call (Start, matched to Result
	// via ToolUseID).
	ToolID   string
	ToolName string

	// InputJSON is a partial JSON fragment to append to the accumulated
	// input for Index (InputDelta only).
	InputJSON string

	// ToolUseID pairs a Result with its Start (ToolResult only).
	ToolUseID string
	// ResultText and ResultJSON carry the tool's output: ResultText as text
	// (a JSON string unquoted, structured content as raw JSON) and
	// ResultJSON as the raw content. FromStreamEvent sets both
	// (ToolResult only).
	ResultText string
	ResultJSON json.RawMessage
	IsError    bool

	// Text is streamed textual content (ThinkingDelta, TextDelta).
	Text string

	// CostUSD is the total cost for the call (Result only).
	CostUSD float64

	// ElapsedSeconds is an optional tick for long-running tools
	// (ToolProgress only).
	ElapsedSeconds int
}
