// Package agent implements the per-request tool loop: it streams model
// output, assembles tool calls, dispatches them, and feeds results back until
// the model stops calling tools.
package agent

import (
	"github.com/swarmgate/swarmgate/pkg/llms"
	"github.com/swarmgate/swarmgate/pkg/tools"
)

// Event is the unit consumers of one request observe. Within a request,
// events preserve the order described in the stream: deltas in model order,
// tool-start before the matching tool-end, parallel tool-ends in call order.
type Event struct {
	Type       string          `json:"type"`
	Text       string          `json:"text,omitempty"`
	CallID     string          `json:"call_id,omitempty"`
	ToolName   string          `json:"tool_name,omitempty"`
	OK         bool            `json:"ok,omitempty"`
	StopReason string          `json:"stop_reason,omitempty"`
	Usage      *llms.Usage     `json:"usage,omitempty"`
	Interrupt  *tools.Interrupt `json:"interrupt,omitempty"`
	ErrMessage string          `json:"error,omitempty"`
	ErrCode    string          `json:"code,omitempty"`
}

const (
	EventDelta         = "delta"
	EventThinkingDelta = "thinking_delta"
	EventToolStart     = "tool_start"
	EventToolEnd       = "tool_end"
	EventToolPlanned   = "tool_planned"
	EventToolBlocked   = "tool_blocked"
	EventInterrupt     = "interrupt"
	EventProgress      = "progress"
	EventDone          = "done"
	EventError         = "error"
	EventCancelled     = "cancelled"
)

func fromToolEvent(ev tools.Event) Event {
	out := Event{
		CallID:   ev.CallID,
		ToolName: ev.ToolName,
		OK:       ev.OK,
		Text:     ev.Content,
	}
	switch ev.Type {
	case tools.EventToolStart:
		out.Type = EventToolStart
	case tools.EventToolEnd:
		out.Type = EventToolEnd
	case tools.EventToolPlanned:
		out.Type = EventToolPlanned
	case tools.EventToolBlocked:
		out.Type = EventToolBlocked
	case tools.EventProgress:
		out.Type = EventProgress
	case tools.EventInterrupt:
		out.Type = EventInterrupt
		if i, ok := ev.Detail.(tools.Interrupt); ok {
			out.Interrupt = &i
		}
	default:
		out.Type = ev.Type
	}
	return out
}
