package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/swarmgate/swarmgate/pkg/config"
	"github.com/swarmgate/swarmgate/pkg/hooks"
	"github.com/swarmgate/swarmgate/pkg/llms"
)

type stubHooks struct {
	allow     bool
	reason    string
	preCalls  atomic.Int32
	postCalls atomic.Int32
}

func (s *stubHooks) PreTool(context.Context, string, map[string]interface{}) (bool, string) {
	s.preCalls.Add(1)
	return s.allow, s.reason
}
func (s *stubHooks) PostTool(context.Context, string, bool, string) { s.postCalls.Add(1) }
func (s *stubHooks) LogProgress(context.Context, string)            {}
func (s *stubHooks) GetContext(context.Context) (string, error)     { return "", nil }

type stubLocal struct {
	name   string
	result ToolResult
}

func (s *stubLocal) Name() string { return s.name }
func (s *stubLocal) Definition() llms.ToolDefinition {
	return llms.ToolDefinition{Name: s.name, Parameters: map[string]interface{}{"type": "object"}}
}
func (s *stubLocal) Execute(context.Context, *DispatchContext, map[string]interface{}) ToolResult {
	return s.result
}

type eventLog struct {
	events []Event
}

func (l *eventLog) emit(ev Event) { l.events = append(l.events, ev) }

func (l *eventLog) types() []string {
	out := make([]string, len(l.events))
	for i, ev := range l.events {
		out[i] = ev.Type
	}
	return out
}

// fakeToolHost answers the JSON-RPC tools/call method, echoing the tool name.
// The "slow" tool sleeps so parallel ordering is observable.
func fakeToolHost(t *testing.T) *Host {
	t.Helper()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req rpcRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		raw, _ := json.Marshal(req.Params)
		var params callToolParams
		_ = json.Unmarshal(raw, &params)

		if params.Name == "slow" {
			time.Sleep(30 * time.Millisecond)
		}

		result, _ := json.Marshal(callToolResult{OK: true, Content: "ran " + params.Name})
		_ = json.NewEncoder(w).Encode(rpcResponse{JSONRPC: "2.0", ID: req.ID, Result: result})
	}))
	t.Cleanup(srv.Close)

	return NewHost(config.ToolHostConfig{URL: srv.URL, TimeoutSeconds: 5})
}

func acceptAllDispatcher(host *Host, hookClient hooks.Client) *Dispatcher {
	perms := NewPermissionManager(config.PermissionsConfig{AcceptAll: true})
	return NewDispatcher(host, perms, hookClient)
}

func call(id, name string, args map[string]interface{}) *llms.ToolCall {
	return &llms.ToolCall{ID: id, Name: name, Args: args}
}

func TestDispatchCancelled(t *testing.T) {
	d := acceptAllDispatcher(nil, hooks.NoopClient{})

	cancelled := &atomic.Bool{}
	cancelled.Store(true)
	dctx := &DispatchContext{Mode: ModeNormal, Role: RoleLeader, Cancelled: cancelled}

	result := d.Dispatch(context.Background(), dctx, call("c1", "lookup", nil))
	if result.OK || result.Error != "cancelled" {
		t.Errorf("result = %+v", result)
	}
}

func TestDispatchAlwaysDeny(t *testing.T) {
	perms := NewPermissionManager(config.PermissionsConfig{AcceptAll: true, AlwaysDeny: []string{"rm_rf"}})
	d := NewDispatcher(nil, perms, hooks.NoopClient{})

	log := &eventLog{}
	dctx := &DispatchContext{Mode: ModeNormal, Role: RoleLeader, Emit: log.emit}

	result := d.Dispatch(context.Background(), dctx, call("c1", "rm_rf", nil))
	if result.OK || !strings.Contains(result.Error, "always-deny") {
		t.Errorf("result = %+v", result)
	}
	if len(log.events) != 1 || log.events[0].Type != EventToolBlocked {
		t.Errorf("events = %v", log.types())
	}
}

func TestDispatchApprovalBlock(t *testing.T) {
	d := acceptAllDispatcher(nil, hooks.NoopClient{})

	dctx := &DispatchContext{
		Mode: ModeNormal,
		Role: RoleLeader,
		Approval: func(context.Context, string, map[string]interface{}) Decision {
			return DecisionBlock
		},
	}

	result := d.Dispatch(context.Background(), dctx, call("c1", "run_command", map[string]interface{}{"command": "ls"}))
	if result.OK || result.Error != "blocked by user" {
		t.Errorf("result = %+v", result)
	}
}

func TestDispatchApprovalAlwaysAllowToolSticks(t *testing.T) {
	d := NewDispatcher(fakeToolHost(t), NewPermissionManager(config.PermissionsConfig{}), hooks.NoopClient{})

	var asked atomic.Int32
	dctx := &DispatchContext{
		Mode: ModeNormal,
		Role: RoleLeader,
		Approval: func(context.Context, string, map[string]interface{}) Decision {
			asked.Add(1)
			return DecisionAlwaysAllowTool
		},
	}

	for i := 0; i < 2; i++ {
		result := d.Dispatch(context.Background(), dctx, call(fmt.Sprintf("c%d", i), "deploy", nil))
		if !result.OK {
			t.Fatalf("dispatch %d failed: %s", i, result.Error)
		}
	}
	if asked.Load() != 1 {
		t.Errorf("approval handler invoked %d times, want 1", asked.Load())
	}
}

func TestDispatchNoHandlerDefaultsToAllow(t *testing.T) {
	d := NewDispatcher(fakeToolHost(t), NewPermissionManager(config.PermissionsConfig{}), hooks.NoopClient{})
	dctx := &DispatchContext{Mode: ModeNormal, Role: RoleLeader}

	result := d.Dispatch(context.Background(), dctx, call("c1", "lookup", nil))
	if !result.OK || result.Content != "ran lookup" {
		t.Errorf("result = %+v", result)
	}
}

func TestDispatchPlanMode(t *testing.T) {
	d := acceptAllDispatcher(nil, hooks.NoopClient{})

	log := &eventLog{}
	dctx := &DispatchContext{Mode: ModePlan, Role: RoleLeader, Emit: log.emit}

	result := d.Dispatch(context.Background(), dctx, call("c1", "file", map[string]interface{}{"action": "delete", "path": "a.txt"}))
	if !result.OK {
		t.Fatalf("planned call should succeed synthetically: %+v", result)
	}
	if !strings.HasPrefix(result.Content, "[PLANNED] Would execute: file(") {
		t.Errorf("content = %s", result.Content)
	}
	if len(log.events) != 1 || log.events[0].Type != EventToolPlanned {
		t.Errorf("events = %v", log.types())
	}
}

func TestDispatchReadMode(t *testing.T) {
	d := acceptAllDispatcher(fakeToolHost(t), hooks.NoopClient{})
	dctx := &DispatchContext{Mode: ModeRead, Role: RoleLeader}

	result := d.Dispatch(context.Background(), dctx, call("c1", "git", map[string]interface{}{"action": "commit"}))
	if result.OK || result.Error != "Blocked in READ mode" {
		t.Errorf("write blocked = %+v", result)
	}

	// Read-class calls pass through untouched.
	result = d.Dispatch(context.Background(), dctx, call("c2", "git", map[string]interface{}{"action": "status"}))
	if !result.OK || result.Content != "ran git" {
		t.Errorf("read-class call = %+v", result)
	}
}

func TestDispatchLeaderOnlyGate(t *testing.T) {
	d := acceptAllDispatcher(nil, hooks.NoopClient{})
	d.RegisterLocal(NewAskUserTool(NewInterruptBroker()))

	dctx := &DispatchContext{Mode: ModeNormal, Role: RoleWorker}
	result := d.Dispatch(context.Background(), dctx, call("c1", ToolAskUser, map[string]interface{}{"question": "hm?"}))
	if result.OK || !strings.Contains(result.Error, "LEADER-ONLY") {
		t.Errorf("result = %+v", result)
	}
}

func TestDispatchPreHookFailClosed(t *testing.T) {
	h := &stubHooks{allow: false, reason: "policy says no"}
	d := acceptAllDispatcher(fakeToolHost(t), h)

	log := &eventLog{}
	dctx := &DispatchContext{Mode: ModeNormal, Role: RoleLeader, Emit: log.emit}

	result := d.Dispatch(context.Background(), dctx, call("c1", "lookup", nil))
	if result.OK || result.Error != "policy says no" {
		t.Errorf("result = %+v", result)
	}
	if h.postCalls.Load() != 0 {
		t.Error("post-hook must not run for a pre-hook rejection")
	}
	got := log.types()
	if len(got) != 2 || got[0] != EventToolStart || got[1] != EventToolEnd {
		t.Errorf("events = %v", got)
	}
}

func TestDispatchPostHookRuns(t *testing.T) {
	h := &stubHooks{allow: true}
	d := acceptAllDispatcher(fakeToolHost(t), h)
	dctx := &DispatchContext{Mode: ModeNormal, Role: RoleLeader}

	if result := d.Dispatch(context.Background(), dctx, call("c1", "lookup", nil)); !result.OK {
		t.Fatalf("dispatch failed: %s", result.Error)
	}
	if h.preCalls.Load() != 1 || h.postCalls.Load() != 1 {
		t.Errorf("hook calls = pre %d post %d", h.preCalls.Load(), h.postCalls.Load())
	}
}

func TestDispatchWithoutToolHost(t *testing.T) {
	d := acceptAllDispatcher(nil, hooks.NoopClient{})
	dctx := &DispatchContext{Mode: ModeNormal, Role: RoleLeader}

	result := d.Dispatch(context.Background(), dctx, call("c1", "lookup", nil))
	if result.OK || result.Error != "no tool host configured" {
		t.Errorf("result = %+v", result)
	}
}

func TestDispatchUnregisteredLocalTool(t *testing.T) {
	d := acceptAllDispatcher(fakeToolHost(t), hooks.NoopClient{})
	dctx := &DispatchContext{Mode: ModeNormal, Role: RoleLeader}

	// A known local name never falls through to the host.
	result := d.Dispatch(context.Background(), dctx, call("c1", ToolSpawnSubagent, nil))
	if result.OK || !strings.Contains(result.Error, "not registered") {
		t.Errorf("result = %+v", result)
	}
}

func TestDispatchLocalTool(t *testing.T) {
	d := acceptAllDispatcher(nil, hooks.NoopClient{})
	d.RegisterLocal(&stubLocal{name: "notify", result: ToolResult{OK: true, ToolName: "notify", Content: "sent"}})

	dctx := &DispatchContext{Mode: ModeNormal, Role: RoleLeader}
	result := d.Dispatch(context.Background(), dctx, call("c1", "notify", nil))
	if !result.OK || result.Content != "sent" {
		t.Errorf("result = %+v", result)
	}

	defs := d.LocalDefinitions()
	if len(defs) != 1 || defs[0].Name != "notify" {
		t.Errorf("definitions = %v", defs)
	}
}

func TestDispatchAllParallelOrdering(t *testing.T) {
	d := acceptAllDispatcher(fakeToolHost(t), hooks.NoopClient{})

	log := &eventLog{}
	dctx := &DispatchContext{Mode: ModeNormal, Role: RoleLeader, Emit: log.emit}

	calls := []*llms.ToolCall{
		call("c1", "slow", nil),
		call("c2", "alpha", nil),
		call("c3", "beta", nil),
	}
	results := d.DispatchAll(context.Background(), dctx, calls)

	for i, c := range calls {
		if !results[i].OK || results[i].Content != "ran "+c.Name {
			t.Errorf("result[%d] = %+v", i, results[i])
		}
	}

	// All starts precede every end, and ends replay in call order even though
	// c1 finishes last.
	if len(log.events) != 6 {
		t.Fatalf("events = %v", log.types())
	}
	for i := 0; i < 3; i++ {
		if log.events[i].Type != EventToolStart || log.events[i].CallID != calls[i].ID {
			t.Errorf("event %d = %+v", i, log.events[i])
		}
		if log.events[i+3].Type != EventToolEnd || log.events[i+3].CallID != calls[i].ID {
			t.Errorf("event %d = %+v", i+3, log.events[i+3])
		}
	}
}

func TestDispatchAllParallelPreHookVeto(t *testing.T) {
	h := &stubHooks{allow: false, reason: "policy says no"}
	d := acceptAllDispatcher(fakeToolHost(t), h)

	log := &eventLog{}
	dctx := &DispatchContext{Mode: ModeNormal, Role: RoleLeader, Emit: log.emit}

	calls := []*llms.ToolCall{
		call("c1", "lookup", nil),
		call("c2", "alpha", nil),
	}
	results := d.DispatchAll(context.Background(), dctx, calls)

	for i := range calls {
		if results[i].OK || results[i].Error != "policy says no" {
			t.Errorf("result[%d] = %+v", i, results[i])
		}
	}
	if h.preCalls.Load() != 2 {
		t.Errorf("pre-hook invoked %d times, want 2", h.preCalls.Load())
	}
	if h.postCalls.Load() != 0 {
		t.Error("post-hook must not run for a pre-hook rejection")
	}

	want := []string{EventToolStart, EventToolStart, EventToolEnd, EventToolEnd}
	got := log.types()
	if len(got) != len(want) {
		t.Fatalf("events = %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("events = %v", got)
			break
		}
	}
}

func TestDispatchAllParallelCancelled(t *testing.T) {
	d := acceptAllDispatcher(fakeToolHost(t), hooks.NoopClient{})

	cancelled := &atomic.Bool{}
	cancelled.Store(true)
	dctx := &DispatchContext{Mode: ModeNormal, Role: RoleLeader, Cancelled: cancelled}

	results := d.DispatchAll(context.Background(), dctx, []*llms.ToolCall{
		call("c1", "lookup", nil),
		call("c2", "alpha", nil),
	})
	for i, result := range results {
		if result.OK || result.Error != "cancelled" {
			t.Errorf("result[%d] = %+v", i, result)
		}
	}
}

func TestDispatchAllSequentialWhenNotSafe(t *testing.T) {
	d := acceptAllDispatcher(fakeToolHost(t), hooks.NoopClient{})
	d.RegisterLocal(&stubLocal{name: "notify", result: ToolResult{OK: true, ToolName: "notify", Content: "sent"}})

	log := &eventLog{}
	dctx := &DispatchContext{Mode: ModeNormal, Role: RoleLeader, Emit: log.emit}

	calls := []*llms.ToolCall{
		call("c1", "notify", nil),
		call("c2", "alpha", nil),
	}
	results := d.DispatchAll(context.Background(), dctx, calls)
	if !results[0].OK || !results[1].OK {
		t.Fatalf("results = %+v", results)
	}

	want := []string{EventToolStart, EventToolEnd, EventToolStart, EventToolEnd}
	got := log.types()
	if len(got) != len(want) {
		t.Fatalf("events = %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("interleaved events = %v", got)
			break
		}
	}
}
