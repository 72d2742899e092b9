package tools

import (
	"context"
	"time"

	"github.com/swarmgate/swarmgate/pkg/llms"
)

// ToolResult is the normalized outcome of one dispatch: the payload
// textualised plus the ok flag the model sees.
type ToolResult struct {
	OK            bool          `json:"ok"`
	Content       string        `json:"content,omitempty"`
	Error         string        `json:"error,omitempty"`
	ToolName      string        `json:"tool_name"`
	ExecutionTime time.Duration `json:"execution_time,omitempty"`
}

// LocalTool is a tool handled inside the gateway and never forwarded to the
// tool host. The subagent spawners and the user-question tool implement it.
type LocalTool interface {
	Name() string

	Definition() llms.ToolDefinition

	Execute(ctx context.Context, dctx *DispatchContext, args map[string]interface{}) ToolResult
}

// AgentRole gates human-in-the-loop tools to the leader.
type AgentRole string

const (
	RoleLeader AgentRole = "leader"
	RoleWorker AgentRole = "worker"
)

// Event is emitted by the dispatcher around each tool call so consumers can
// indicate progress.
type Event struct {
	Type     string      `json:"type"`
	CallID   string      `json:"call_id,omitempty"`
	ToolName string      `json:"tool_name,omitempty"`
	OK       bool        `json:"ok,omitempty"`
	Content  string      `json:"content,omitempty"`
	Detail   interface{} `json:"detail,omitempty"`
}

const (
	EventToolStart   = "tool_start"
	EventToolEnd     = "tool_end"
	EventToolPlanned = "tool_planned"
	EventToolBlocked = "tool_blocked"
	EventInterrupt   = "interrupt"
	EventProgress    = "progress"
)

// EmitFunc receives dispatcher events in order.
type EmitFunc func(Event)
