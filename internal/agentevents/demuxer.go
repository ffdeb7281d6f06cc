package agentevents

import (
	"encoding/json"
	"fmt"
)

// ToolCall is the accumulated record of one tool invocation, keyed by
// content-block index while it is open and by ToolUseID once resolved.
type ToolCall struct {
	Index      int
	ToolID     string
	ToolName   string
	InputJSON  string // raw accumulated JSON, parsed into Input on content-block-stop
	Input      any    // parsed input, set on content-block-stop
	Result     string // summary-friendly result text or JSON
	ResultJSON json.RawMessage
	IsError    bool
	Done       bool
}

// ActivityRecorder is notified on every event the Demuxer processes, so an
// idle monitor's clock can be reset regardless of event kind.
type ActivityRecorder interface {
	RecordActivity()
}

// Demuxer consumes a stream of fine-grained Agent Runner events, tracks
// in-flight tool calls by content-block index, and produces a Summary for
// every event worth surfacing plus the accumulated assistant text
// (FinalText). A result event's cost appears only in that event's Summary;
// the Demuxer keeps no cost total of its own.
type Demuxer struct {
	activity ActivityRecorder

	openCalls map[int]*ToolCall      // by content-block index, while streaming
	byToolUse map[string]*ToolCall   // by tool_use id, once resolved
	finalText []byte
}

// New creates a Demuxer. activity may be nil if no idle monitor is wired.
func New(activity ActivityRecorder) *Demuxer {
	return &Demuxer{
		activity:  activity,
		openCalls: make(map[int]*ToolCall),
		byToolUse: make(map[string]*ToolCall),
	}
}

// Feed processes one wire event and returns a Summary describing it, or
// ok=false for events that produce no user-visible summary on their own
// (e.g. a mid-stream input-json-delta).
func (d *Demuxer) Feed(e Event) (Summary, bool) {
	if d.activity != nil {
		d.activity.RecordActivity()
	}

	switch e.Kind {
	case KindToolStart:
		d.openCalls[e.Index] = &ToolCall{Index: e.Index, ToolID: e.ToolID, ToolName: e.ToolName}
		return Summary{Kind: e.Kind, Text: fmt.Sprintf("[tool] %s", e.ToolName)}, true

	case KindInputDelta:
		if call, ok := d.openCalls[e.Index]; ok {
			call.InputJSON += e.InputJSON
		}
		return Summary{}, false

	case KindBlockStop:
		call, ok := d.openCalls[e.Index]
		if !ok {
			return Summary{}, false
		}
		delete(d.openCalls, e.Index)
		if call.InputJSON != "" {
			var parsed any
			if err := json.Unmarshal([]byte(call.InputJSON), &parsed); err == nil {
				call.Input = parsed
			}
		}
		d.byToolUse[call.ToolID] = call
		return Summary{}, false

	case KindToolResult:
		call, ok := d.byToolUse[e.ToolUseID]
		if !ok {
			call = &ToolCall{ToolID: e.ToolUseID}
		}
		call.Result = e.ResultText
		call.ResultJSON = e.ResultJSON
		call.IsError = e.IsError
		call.Done = true
		text := summarizeResult(call)
		return Summary{Kind: e.Kind, Text: fmt.Sprintf("[tool] %s", text)}, true

	case KindThinkingDelta:
		return Summary{Kind: e.Kind, Text: fmt.Sprintf("[thinking] %s", compactLine(e.Text, summaryMaxWidth))}, true

	case KindTextDelta:
		d.finalText = append(d.finalText, e.Text...)
		return Summary{Kind: e.Kind, Text: e.Text}, true

	case KindToolProgress:
		return Summary{Kind: e.Kind, Text: fmt.Sprintf("[tool] still running (%ds)", e.ElapsedSeconds)}, true

	case KindResult:
		return Summary{Kind: e.Kind, Text: fmt.Sprintf("[result] cost $%.4f", e.CostUSD)}, true

	default:
		return Summary{}, false
	}
}

// FinalText returns the concatenated text-delta content accumulated over
// the whole stream.
func (d *Demuxer) FinalText() string {
	return string(d.finalText)
}
