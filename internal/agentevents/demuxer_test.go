package agentevents

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingRecorder struct{ n int }

func (c *countingRecorder) RecordActivity() { c.n++ }

func TestFeed_RecordsActivityForEveryEvent(t *testing.T) {
	rec := &countingRecorder{}
	d := New(rec)

	_, _ = d.Feed(Event{Kind: KindToolStart, Index: 0, ToolID: "t1", ToolName: "Read"})
	_, _ = d.Feed(Event{Kind: KindTextDelta, Text: "hi"})

	assert.Equal(t, 2, rec.n)
}

func TestFeed_ToolStartProducesSummary(t *testing.T) {
	d := New(nil)
	sum, ok := d.Feed(Event{Kind: KindToolStart, Index: 0, ToolID: "t1", ToolName: "Bash"})
	require.True(t, ok)
	assert.Contains(t, sum.Text, "Bash")
}

func TestFeed_InputDeltaProducesNoSummary(t *testing.T) {
	d := New(nil)
	_, _ = d.Feed(Event{Kind: KindToolStart, Index: 0, ToolID: "t1", ToolName: "Read"})
	_, ok := d.Feed(Event{Kind: KindInputDelta, Index: 0, InputJSON: `{"path":`})
	assert.False(t, ok)
}

func TestFeed_AccumulatesInputAcrossDeltasAndParsesOnBlockStop(t *testing.T) {
	d := New(nil)
	_, _ = d.Feed(Event{Kind: KindToolStart, Index: 0, ToolID: "t1", ToolName: "Read"})
	_, _ = d.Feed(Event{Kind: KindInputDelta, Index: 0, InputJSON: `{"path":`})
	_, _ = d.Feed(Event{Kind: KindInputDelta, Index: 0, InputJSON: `"main.go"}`})
	_, ok := d.Feed(Event{Kind: KindBlockStop, Index: 0})
	assert.False(t, ok)

	call, exists := d.byToolUse["t1"]
	require.True(t, exists)
	assert.Equal(t, map[string]any{"path": "main.go"}, call.Input)
}

func TestFeed_ToolResultPairsWithStart(t *testing.T) {
	d := New(nil)
	_, _ = d.Feed(Event{Kind: KindToolStart, Index: 0, ToolID: "t1", ToolName: "Read"})
	_, _ = d.Feed(Event{Kind: KindBlockStop, Index: 0})

	sum, ok := d.Feed(Event{Kind: KindToolResult, ToolUseID: "t1", ResultText: "line1\nline2\nline3"})
	require.True(t, ok)
	assert.Contains(t, sum.Text, "Read")
	assert.Contains(t, sum.Text, "3 lines")
}

func TestFeed_ToolResultErrorIsSurfaced(t *testing.T) {
	d := New(nil)
	_, _ = d.Feed(Event{Kind: KindToolStart, Index: 0, ToolID: "t1", ToolName: "Bash"})
	_, _ = d.Feed(Event{Kind: KindBlockStop, Index: 0})

	sum, ok := d.Feed(Event{Kind: KindToolResult, ToolUseID: "t1", ResultText: "command not found", IsError: true})
	require.True(t, ok)
	assert.Contains(t, sum.Text, "error")
}

func TestFeed_TextDeltaAccumulatesIntoFinalText(t *testing.T) {
	d := New(nil)
	_, _ = d.Feed(Event{Kind: KindTextDelta, Text: "Hello, "})
	_, _ = d.Feed(Event{Kind: KindTextDelta, Text: "world."})
	assert.Equal(t, "Hello, world.", d.FinalText())
}

func TestFeed_ResultProducesCostSummary(t *testing.T) {
	d := New(nil)
	sum, ok := d.Feed(Event{Kind: KindResult, CostUSD: 0.1234})
	require.True(t, ok)
	assert.Contains(t, sum.Text, "0.1234")
}

// ---- Compact summaries ------------------------------------------------------

func TestCompactLine_TruncatesAndNormalizesMultiline(t *testing.T) {
	s := compactLine("line one\nline two\nline three that is quite long indeed", 20)
	assert.LessOrEqual(t, len([]rune(s)), 23) // 20 + "..."
	assert.NotContains(t, s, "\n")
}

func TestCompactLine_ShortStringUnchanged(t *testing.T) {
	s := compactLine("short", 40)
	assert.Equal(t, "short", s)
}

func TestSummarizeResult_BashExitCodeFromStructuredResult(t *testing.T) {
	exitCode := 1
	call := &ToolCall{ToolName: "Bash", ResultJSON: []byte(`{"exitCode":1}`)}
	_ = exitCode
	assert.Equal(t, "Bash -> exit 1", summarizeResult(call))
}

func TestSummarizeResult_GrepFallsBackToCountingLines(t *testing.T) {
	call := &ToolCall{ToolName: "Grep", Result: "a.go:1:match\nb.go:2:match\n"}
	assert.Equal(t, "Grep -> 2 matches", summarizeResult(call))
}

func TestSummarizeResult_UnknownToolFallsBackToTruncatedText(t *testing.T) {
	call := &ToolCall{ToolName: "CustomTool", Result: "some arbitrary output"}
	assert.Equal(t, "CustomTool -> some arbitrary output", summarizeResult(call))
}
