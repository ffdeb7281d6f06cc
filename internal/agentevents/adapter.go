package agentevents

import "github.com/sqrun/sqrun/internal/agent"

// FromStreamEvent expands one whole-message StreamEvent from the Agent
// Runner into the ordered sequence of fine-grained Events the Demuxer
// expects -- a tool_use content block becomes tool-use-start,
// input-json-delta, content-block-stop in one shot, since the adapter
// receives the block's input already whole rather than streamed
// incrementally.
func FromStreamEvent(e agent.StreamEvent) []Event {
	var out []Event

	switch e.Type {
	case agent.StreamEventAssistant:
		if e.Message == nil {
			return out
		}
		for i, block := range e.Message.Content {
			switch {
			case block.IsToolUse():
				out = append(out,
					Event{Kind: KindToolStart, Index: i, ToolID: block.ID, ToolName: block.Name},
					Event{Kind: KindInputDelta, Index: i, InputJSON: string(block.Input)},
					Event{Kind: KindBlockStop, Index: i},
				)
			case block.IsText():
				out = append(out, Event{Kind: KindTextDelta, Text: block.Text})
			}
		}

	case agent.StreamEventUser:
		if e.Message == nil {
			return out
		}
		for _, block := range e.Message.Content {
			if !block.IsToolResult() {
				continue
			}
			out = append(out, Event{
				Kind:       KindToolResult,
				ToolUseID:  block.ToolUseID,
				ResultText: block.ContentString(),
				ResultJSON: block.Content,
				IsError:    block.IsError,
			})
		}

	case agent.StreamEventResult:
		out = append(out, Event{Kind: KindResult, CostUSD: e.CostUSD})
	}

	return out
}
