package agent

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/swarmgate/swarmgate/pkg/llms"
	"github.com/swarmgate/swarmgate/pkg/tools"
)

// SubagentType selects the restricted profile an inner loop runs under.
type SubagentType string

const (
	SubagentExplorer SubagentType = "explorer"
	SubagentPlanner  SubagentType = "planner"
)

const (
	maxParallelSubagents = 5
	defaultSubagentTurns = 8
	respondToolName      = "respond"
)

const explorerPrompt = `You are an exploration subagent. Investigate the codebase or environment to answer the task below. You have read and search tools only. When you have the answer, call respond(summary) exactly once with your findings.`

const plannerPrompt = `You are a planning subagent. Study the task below and produce a concrete step-by-step plan. You have read and search tools only; do not attempt changes. When the plan is ready, call respond(summary) exactly once with the full plan.`

// SubagentSpec describes one restricted inner loop.
type SubagentSpec struct {
	Type     SubagentType `json:"type" jsonschema:"enum=explorer,enum=planner,description=Subagent profile"`
	Task     string       `json:"task" jsonschema:"description=What the subagent should find out or plan"`
	MaxTurns int          `json:"max_turns,omitempty" jsonschema:"description=Turn budget (default 8)"`
}

// SubagentResult is what the parent loop receives back.
type SubagentResult struct {
	Completed bool   `json:"completed"`
	Summary   string `json:"summary"`
	Turns     int    `json:"turns"`
}

// SubagentRunner executes restricted inner loops on behalf of the spawn
// tools.
type SubagentRunner struct {
	router     *llms.Router
	dispatcher *tools.Dispatcher
	hostTools  []llms.ToolDefinition
}

func NewSubagentRunner(router *llms.Router, dispatcher *tools.Dispatcher, hostTools []llms.ToolDefinition) *SubagentRunner {
	return &SubagentRunner{
		router:     router,
		dispatcher: dispatcher,
		hostTools:  hostTools,
	}
}

// Run drives one subagent to completion or turn exhaustion.
func (r *SubagentRunner) Run(ctx context.Context, spec SubagentSpec, emit tools.EmitFunc) (SubagentResult, error) {
	prompt := explorerPrompt
	if spec.Type == SubagentPlanner {
		prompt = plannerPrompt
	}

	maxTurns := spec.MaxTurns
	if maxTurns <= 0 {
		maxTurns = defaultSubagentTurns
	}

	defs := r.filteredTools()

	session := NewSession(prompt, tools.ModeRead, tools.RoleWorker)
	session.append(llms.NewTextMessage(llms.RoleUser, spec.Task))

	dctx := &tools.DispatchContext{
		Mode:     tools.ModeRead,
		Role:     tools.RoleWorker,
		ToolDefs: defs,
		Emit:     emit,
	}

	var lastText string

	for turn := 0; turn < maxTurns; turn++ {
		backend, err := r.router.PickHealthy(ctx)
		if err != nil {
			return SubagentResult{Summary: lastText, Turns: turn}, err
		}

		cfg := llms.Config{Model: backend.DefaultModel(), Tools: defs}

		stream, err := backend.StreamChat(ctx, session.Messages(), cfg)
		if err != nil {
			return SubagentResult{Summary: lastText, Turns: turn}, err
		}

		var text strings.Builder
		var calls []*llms.ToolCall
		for event := range stream {
			switch event.Type {
			case llms.EventText:
				text.WriteString(event.Text)
			case llms.EventToolCall:
				calls = append(calls, event.ToolCall)
			case llms.EventError:
				return SubagentResult{Summary: lastText, Turns: turn}, fmt.Errorf("%s", event.ErrMessage)
			}
		}

		if !backend.SupportsNativeTools() && len(calls) == 0 {
			var remainder string
			calls, remainder = llms.ExtractTextualToolCalls(text.String())
			text.Reset()
			text.WriteString(remainder)
		}

		lastText = text.String()

		if len(calls) == 0 {
			// Model stopped without responding; its text is the partial result.
			return SubagentResult{Completed: false, Summary: lastText, Turns: turn + 1}, nil
		}

		assistant := llms.NewTextMessage(llms.RoleAssistant, lastText)
		assistant.ToolCalls = calls
		session.append(assistant)

		for _, call := range calls {
			if call.Name == respondToolName {
				summary, _ := call.Args["summary"].(string)
				return SubagentResult{Completed: true, Summary: summary, Turns: turn + 1}, nil
			}

			result := r.dispatcher.Dispatch(ctx, dctx, call)
			content := result.Content
			if !result.OK {
				content = result.Error
			}
			session.append(llms.NewToolResultMessage(call.ID, call.Name, content))
		}
	}

	return SubagentResult{Completed: false, Summary: lastText, Turns: maxTurns}, nil
}

// filteredTools restricts the schema to read and search tools plus respond.
func (r *SubagentRunner) filteredTools() []llms.ToolDefinition {
	defs := make([]llms.ToolDefinition, 0, len(r.hostTools)+1)
	for _, def := range r.hostTools {
		if subagentAllowed(def) {
			defs = append(defs, def)
		}
	}
	defs = append(defs, llms.ToolDefinition{
		Name:        respondToolName,
		Description: "Finish the subagent run and report the result to the parent.",
		Parameters: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"summary": map[string]interface{}{
					"type":        "string",
					"description": "The findings or plan",
				},
			},
			"required": []interface{}{"summary"},
		},
	})
	return defs
}

func subagentAllowed(def llms.ToolDefinition) bool {
	if tools.IsReadOnly(def.Name, nil) {
		return true
	}
	// Routed tools qualify when every action we would permit is read-class;
	// conservatively allow only tools with at least one read action and rely
	// on the read-mode gate for the rest.
	if enum, ok := def.ActionEnum(); ok {
		for _, action := range enum {
			if tools.IsReadOnly(def.Name, map[string]interface{}{"action": action}) {
				return true
			}
		}
	}
	return false
}

// localBackendURL reports whether a base URL points at the local machine; in
// that case parallel subagents would contend for the same inference server
// and run sequentially instead.
func localBackendURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	host := u.Hostname()
	switch {
	case host == "localhost", host == "127.0.0.1", host == "::1":
		return true
	case strings.HasPrefix(host, "192.168."), strings.HasPrefix(host, "10."):
		return true
	}
	switch u.Port() {
	case "11434", "1234", "8000", "5000":
		return true
	}
	return false
}

// SpawnSubagentTool runs a single restricted inner loop.
type SpawnSubagentTool struct {
	runner *SubagentRunner
}

func NewSpawnSubagentTool(runner *SubagentRunner) *SpawnSubagentTool {
	return &SpawnSubagentTool{runner: runner}
}

func (t *SpawnSubagentTool) Name() string { return tools.ToolSpawnSubagent }

func (t *SpawnSubagentTool) Definition() llms.ToolDefinition {
	return llms.ToolDefinition{
		Name:        tools.ToolSpawnSubagent,
		Description: "Spawn a read-only subagent (explorer or planner) for a focused task and wait for its summary.",
		Parameters:  tools.SchemaOf(&SubagentSpec{}),
	}
}

func (t *SpawnSubagentTool) Execute(ctx context.Context, dctx *tools.DispatchContext, args map[string]interface{}) tools.ToolResult {
	spec, err := specFromArgs(args)
	if err != nil {
		return tools.ToolResult{OK: false, ToolName: t.Name(), Error: err.Error()}
	}

	result, err := t.runner.Run(ctx, spec, dctx.Emit)
	if err != nil {
		return tools.ToolResult{OK: false, ToolName: t.Name(), Error: fmt.Sprintf("subagent failed: %v", err)}
	}
	return tools.ToolResult{OK: true, ToolName: t.Name(), Content: formatSubagentResult(0, spec, result)}
}

// SpawnSubagentsParallelTool runs up to five subagents. When the backend is
// local the specs run sequentially with progress events instead.
type SpawnSubagentsParallelTool struct {
	runner   *SubagentRunner
	localFor func(ctx context.Context) bool
}

func NewSpawnSubagentsParallelTool(runner *SubagentRunner) *SpawnSubagentsParallelTool {
	t := &SpawnSubagentsParallelTool{runner: runner}
	t.localFor = t.backendIsLocal
	return t
}

func (t *SpawnSubagentsParallelTool) backendIsLocal(ctx context.Context) bool {
	backend, err := t.runner.router.PickHealthy(ctx)
	if err != nil {
		return false
	}
	if local, ok := backend.(interface{ BaseURL() string }); ok {
		return localBackendURL(local.BaseURL())
	}
	return false
}

func (t *SpawnSubagentsParallelTool) Name() string { return tools.ToolSpawnSubagents }

type parallelSpawnArgs struct {
	Subagents []SubagentSpec `json:"subagents" jsonschema:"description=Up to five subagent specs"`
}

func (t *SpawnSubagentsParallelTool) Definition() llms.ToolDefinition {
	return llms.ToolDefinition{
		Name:        tools.ToolSpawnSubagents,
		Description: "Spawn up to five read-only subagents at once and collect their summaries.",
		Parameters:  tools.SchemaOf(&parallelSpawnArgs{}),
	}
}

func (t *SpawnSubagentsParallelTool) Execute(ctx context.Context, dctx *tools.DispatchContext, args map[string]interface{}) tools.ToolResult {
	raw, ok := args["subagents"].([]interface{})
	if !ok || len(raw) == 0 {
		return tools.ToolResult{OK: false, ToolName: t.Name(), Error: "subagents must be a non-empty array"}
	}
	if len(raw) > maxParallelSubagents {
		return tools.ToolResult{OK: false, ToolName: t.Name(), Error: fmt.Sprintf("at most %d subagents may run at once", maxParallelSubagents)}
	}

	specs := make([]SubagentSpec, 0, len(raw))
	for _, item := range raw {
		m, ok := item.(map[string]interface{})
		if !ok {
			return tools.ToolResult{OK: false, ToolName: t.Name(), Error: "each subagent spec must be an object"}
		}
		spec, err := specFromArgs(m)
		if err != nil {
			return tools.ToolResult{OK: false, ToolName: t.Name(), Error: err.Error()}
		}
		specs = append(specs, spec)
	}

	results := make([]SubagentResult, len(specs))

	if t.localFor(ctx) {
		for i, spec := range specs {
			if dctx.Emit != nil {
				dctx.Emit(tools.Event{
					Type:     tools.EventProgress,
					ToolName: t.Name(),
					Content:  fmt.Sprintf("subagent %d/%d (%s) starting", i+1, len(specs), spec.Type),
				})
			}
			result, err := t.runner.Run(ctx, spec, nil)
			if err != nil {
				result.Summary = fmt.Sprintf("failed: %v", err)
			}
			results[i] = result
		}
	} else {
		g, gctx := errgroup.WithContext(ctx)
		for i, spec := range specs {
			g.Go(func() error {
				result, err := t.runner.Run(gctx, spec, nil)
				if err != nil {
					result.Summary = fmt.Sprintf("failed: %v", err)
				}
				results[i] = result
				return nil
			})
		}
		_ = g.Wait()
	}

	var sb strings.Builder
	for i, spec := range specs {
		sb.WriteString(formatSubagentResult(i+1, spec, results[i]))
		sb.WriteString("\n")
	}
	return tools.ToolResult{OK: true, ToolName: t.Name(), Content: sb.String()}
}

func specFromArgs(args map[string]interface{}) (SubagentSpec, error) {
	typ, _ := args["type"].(string)
	task, _ := args["task"].(string)
	if task == "" {
		return SubagentSpec{}, fmt.Errorf("task is required")
	}

	spec := SubagentSpec{Task: task}
	switch SubagentType(typ) {
	case SubagentExplorer, "":
		spec.Type = SubagentExplorer
	case SubagentPlanner:
		spec.Type = SubagentPlanner
	default:
		return SubagentSpec{}, fmt.Errorf("unknown subagent type '%s'", typ)
	}

	if turns, ok := args["max_turns"].(float64); ok && turns > 0 {
		spec.MaxTurns = int(turns)
	}
	return spec, nil
}

func formatSubagentResult(index int, spec SubagentSpec, result SubagentResult) string {
	status := "partial"
	if result.Completed {
		status = "completed"
	}
	if index > 0 {
		return fmt.Sprintf("[subagent %d, %s, %s after %d turns]\n%s", index, spec.Type, status, result.Turns, result.Summary)
	}
	return fmt.Sprintf("[%s subagent %s after %d turns]\n%s", spec.Type, status, result.Turns, result.Summary)
}
