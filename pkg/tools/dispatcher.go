package tools

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/swarmgate/swarmgate/pkg/hooks"
	"github.com/swarmgate/swarmgate/pkg/llms"
	"github.com/swarmgate/swarmgate/pkg/observability"
	"github.com/swarmgate/swarmgate/pkg/registry"
)

// Local tool names. These are handled in-process and never forwarded to the
// tool host.
const (
	ToolAskUser        = "ask_user"
	ToolSpawnSubagent  = "spawn_subagent"
	ToolSpawnSubagents = "spawn_subagents_parallel"
	ToolPresentPlan    = "present_plan"
	ToolApprove        = "approve"
)

var localToolNames = map[string]bool{
	ToolAskUser:        true,
	ToolSpawnSubagent:  true,
	ToolSpawnSubagents: true,
}

// leaderOnlyTools require the caller to hold the leader role.
var leaderOnlyTools = map[string]bool{
	ToolAskUser:     true,
	ToolApprove:     true,
	ToolPresentPlan: true,
}

// knownActions is the gateway's own closed table of routed-tool actions,
// consulted alongside the schema enum during permissive validation.
var knownActions = map[string][]string{
	"file":    {"read", "write", "append", "delete", "move", "list", "stat", "search"},
	"git":     {"status", "log", "diff", "commit", "push", "reset", "force_push"},
	"browser": {"navigate", "read_page", "screenshot", "execute_script", "click", "type"},
}

// DispatchContext carries the per-request state the gates consult.
type DispatchContext struct {
	Mode      Mode
	Role      AgentRole
	Cancelled *atomic.Bool
	ToolDefs  []llms.ToolDefinition
	Emit      EmitFunc
	Approval  ApprovalHandler
}

func (d *DispatchContext) cancelled() bool {
	return d.Cancelled != nil && d.Cancelled.Load()
}

func (d *DispatchContext) emit(ev Event) {
	if d.Emit != nil {
		d.Emit(ev)
	}
}

// Dispatcher runs the per-call gate sequence and routes each call to a local
// handler or the external tool host.
type Dispatcher struct {
	host   *Host
	perms  *PermissionManager
	hooks  hooks.Client
	locals *registry.BaseRegistry[LocalTool]
}

func NewDispatcher(host *Host, perms *PermissionManager, hookClient hooks.Client) *Dispatcher {
	return &Dispatcher{
		host:   host,
		perms:  perms,
		hooks:  hookClient,
		locals: registry.NewBaseRegistry[LocalTool](),
	}
}

// RegisterLocal installs an in-process tool handler.
func (d *Dispatcher) RegisterLocal(tool LocalTool) {
	if err := d.locals.Register(tool.Name(), tool); err != nil {
		slog.Warn("Local tool already registered, keeping first", "tool", tool.Name())
	}
}

// LocalDefinitions returns the schemas of the registered local tools.
func (d *Dispatcher) LocalDefinitions() []llms.ToolDefinition {
	defs := make([]llms.ToolDefinition, 0, d.locals.Count())
	for _, tool := range d.locals.List() {
		defs = append(defs, tool.Definition())
	}
	return defs
}

// Permissions exposes the manager for administrative surfaces.
func (d *Dispatcher) Permissions() *PermissionManager { return d.perms }

// DispatchAll runs every tool call of one model turn. When all calls are
// external, auto-approved, and mode-allowed they run concurrently; tool-end
// events are still emitted in call order.
func (d *Dispatcher) DispatchAll(ctx context.Context, dctx *DispatchContext, calls []*llms.ToolCall) []ToolResult {
	if len(calls) > 1 && d.parallelSafe(dctx, calls) {
		return d.dispatchParallel(ctx, dctx, calls)
	}

	results := make([]ToolResult, len(calls))
	for i, call := range calls {
		results[i] = d.Dispatch(ctx, dctx, call)
	}
	return results
}

func (d *Dispatcher) parallelSafe(dctx *DispatchContext, calls []*llms.ToolCall) bool {
	for _, call := range calls {
		if localToolNames[call.Name] {
			return false
		}
		if _, ok := d.locals.Get(call.Name); ok {
			return false
		}
		if !d.perms.AutoApproved(call.Name, call.Args) {
			return false
		}
		if verdict, _ := GateMode(dctx.Mode, call.Name, call.Args); verdict != ModeProceed {
			return false
		}
	}
	return true
}

func (d *Dispatcher) dispatchParallel(ctx context.Context, dctx *DispatchContext, calls []*llms.ToolCall) []ToolResult {
	// All tool-start events go out before any tool-end; ends are replayed in
	// call order after the group finishes.
	for _, call := range calls {
		dctx.emit(Event{Type: EventToolStart, CallID: call.ID, ToolName: call.Name})
	}

	results := make([]ToolResult, len(calls))
	muted := *dctx
	muted.Emit = nil

	g, gctx := errgroup.WithContext(ctx)
	for i, call := range calls {
		g.Go(func() error {
			results[i] = d.run(gctx, &muted, call)
			return nil
		})
	}
	_ = g.Wait()

	for i, call := range calls {
		dctx.emit(Event{Type: EventToolEnd, CallID: call.ID, ToolName: call.Name, OK: results[i].OK, Content: resultText(results[i])})
	}
	return results
}

// Dispatch runs the full gate sequence for one call.
func (d *Dispatcher) Dispatch(ctx context.Context, dctx *DispatchContext, call *llms.ToolCall) ToolResult {
	// 1. Cancellation.
	if d.cancelledResult(dctx, call) {
		return ToolResult{OK: false, ToolName: call.Name, Error: "cancelled"}
	}

	// 2. Permission gate.
	switch d.perms.Check(call.Name, call.Args) {
	case VerdictDenied:
		return d.blocked(dctx, call, "blocked by user (always-deny)")
	case VerdictNeedsApproval:
		decision := DecisionAllow
		if dctx.Approval != nil {
			decision = dctx.Approval(ctx, call.Name, call.Args)
		}
		if decision == DecisionBlock {
			return d.blocked(dctx, call, "blocked by user")
		}
		d.perms.Apply(call.Name, decision)
	}

	// 3. Operation-mode gate.
	switch verdict, content := GateMode(dctx.Mode, call.Name, call.Args); verdict {
	case ModePlanned:
		dctx.emit(Event{Type: EventToolPlanned, CallID: call.ID, ToolName: call.Name, Content: content})
		return ToolResult{OK: true, ToolName: call.Name, Content: content}
	case ModeBlocked:
		dctx.emit(Event{Type: EventToolBlocked, CallID: call.ID, ToolName: call.Name, Content: content})
		return ToolResult{OK: false, ToolName: call.Name, Error: content}
	}

	// 4. Routed-action validation. Permissive: the tool host is authoritative.
	d.validateAction(dctx, call)

	// 5. Role gate.
	if leaderOnlyTools[call.Name] && dctx.Role == RoleWorker {
		return d.blocked(dctx, call, fmt.Sprintf("%s is LEADER-ONLY", call.Name))
	}

	dctx.emit(Event{Type: EventToolStart, CallID: call.ID, ToolName: call.Name})

	// 6-8. Pre-hook, execution, post-hook. run carries these so the parallel
	// path gets the same gates.
	result := d.run(ctx, dctx, call)

	dctx.emit(Event{Type: EventToolEnd, CallID: call.ID, ToolName: call.Name, OK: result.OK, Content: resultText(result)})
	return result
}

// run re-checks cancellation, fires the fail-closed pre-hook, executes the
// call (local or external), and fires the post-hook. Every dispatch path ends
// here, so the hooks see every call.
func (d *Dispatcher) run(ctx context.Context, dctx *DispatchContext, call *llms.ToolCall) ToolResult {
	if dctx.cancelled() {
		return ToolResult{OK: false, ToolName: call.Name, Error: "cancelled"}
	}

	// 6. Pre-hook. Fail-closed.
	if allowed, reason := d.hooks.PreTool(ctx, call.Name, call.Args); !allowed {
		return ToolResult{OK: false, ToolName: call.Name, Error: reason}
	}

	start := time.Now()

	var result ToolResult
	if tool, ok := d.locals.Get(call.Name); ok {
		result = tool.Execute(ctx, dctx, call.Args)
	} else if localToolNames[call.Name] {
		result = ToolResult{OK: false, ToolName: call.Name, Error: fmt.Sprintf("local tool '%s' is not registered", call.Name)}
	} else if d.host == nil {
		result = ToolResult{OK: false, ToolName: call.Name, Error: "no tool host configured"}
	} else {
		result = d.host.CallTool(ctx, call.Name, call.Args)
	}

	var resultErr error
	if !result.OK {
		resultErr = fmt.Errorf("%s", result.Error)
	}
	observability.GetGlobalMetrics().RecordToolExecution(ctx, call.Name, time.Since(start), resultErr)

	// 8. Post-hook. Fail-open; the client truncates and logs internally.
	d.hooks.PostTool(ctx, call.Name, result.OK, resultText(result))

	return result
}

func (d *Dispatcher) validateAction(dctx *DispatchContext, call *llms.ToolCall) {
	var schemaEnum []string
	for _, def := range dctx.ToolDefs {
		if def.Name == call.Name {
			schemaEnum, _ = def.ActionEnum()
			break
		}
	}
	known := knownActions[call.Name]
	if len(schemaEnum) == 0 && len(known) == 0 {
		return
	}

	action, _ := call.Args["action"].(string)
	if action != "" && (contains(schemaEnum, action) || contains(known, action)) {
		return
	}
	slog.Warn("Unrecognized routed action, dispatching anyway", "tool", call.Name, "action", action)
}

func (d *Dispatcher) blocked(dctx *DispatchContext, call *llms.ToolCall, reason string) ToolResult {
	dctx.emit(Event{Type: EventToolBlocked, CallID: call.ID, ToolName: call.Name, Content: reason})
	return ToolResult{OK: false, ToolName: call.Name, Error: reason}
}

func (d *Dispatcher) cancelledResult(dctx *DispatchContext, call *llms.ToolCall) bool {
	return dctx.cancelled()
}

func resultText(r ToolResult) string {
	if r.OK {
		return r.Content
	}
	return r.Error
}

func contains(list []string, value string) bool {
	for _, v := range list {
		if v == value {
			return true
		}
	}
	return false
}
