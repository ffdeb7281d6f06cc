package agentevents

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"
)

// TraceEvent is one line of the debug trace: the full, un-truncated
// rendering of a demuxed event, written to debug/<run-id>/trace.json when
// --debug is set.
type TraceEvent struct {
	Timestamp time.Time `json:"timestamp"`
	Kind      Kind      `json:"kind"`
	Index     int       `json:"index,omitempty"`
	ToolID    string    `json:"toolId,omitempty"`
	ToolName  string    `json:"toolName,omitempty"`
	Input     any       `json:"input,omitempty"`
	Result    string    `json:"result,omitempty"`
	IsError   bool      `json:"isError,omitempty"`
	Text      string    `json:"text,omitempty"`
	CostUSD   float64   `json:"costUsd,omitempty"`
}

// TraceWriter appends one JSON object per event to an underlying writer
// (typically debug/<run-id>/trace.json), serializing concurrent writes
// from multiple loop goroutines.
type TraceWriter struct {
	mu sync.Mutex
	w  io.Writer
	nowFn func() time.Time
}

// NewTraceWriter creates a TraceWriter over w.
func NewTraceWriter(w io.Writer) *TraceWriter {
	return &TraceWriter{w: w, nowFn: time.Now}
}

// Write appends one TraceEvent as a line of JSON.
func (t *TraceWriter) Write(e TraceEvent) error {
	if e.Timestamp.IsZero() {
		e.Timestamp = t.nowFn().UTC()
	}
	line, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("agentevents: marshaling trace event: %w", err)
	}
	line = append(line, '\n')

	t.mu.Lock()
	defer t.mu.Unlock()
	_, err = t.w.Write(line)
	if err != nil {
		return fmt.Errorf("agentevents: writing trace event: %w", err)
	}
	return nil
}

// ToolCallRecord is one line of debug/<run-id>/mcp-calls.jsonl: a record
// of a single context-store tool invocation.
type ToolCallRecord struct {
	Timestamp  time.Time `json:"timestamp"`
	Tool       string    `json:"tool"`
	Input      any       `json:"input"`
	Result     string    `json:"result,omitempty"`
	DurationMS int64     `json:"durationMs"`
	Error      string    `json:"error,omitempty"`
}

// ToolCallLog appends ToolCallRecord lines, one JSON object per call.
type ToolCallLog struct {
	mu sync.Mutex
	w  io.Writer
}

// NewToolCallLog creates a ToolCallLog over w.
func NewToolCallLog(w io.Writer) *ToolCallLog {
	return &ToolCallLog{w: w}
}

// Record appends one tool-call record.
func (l *ToolCallLog) Record(r ToolCallRecord) error {
	line, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("agentevents: marshaling tool call record: %w", err)
	}
	line = append(line, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()
	_, err = l.w.Write(line)
	if err != nil {
		return fmt.Errorf("agentevents: writing tool call record: %w", err)
	}
	return nil
}
