package llms

import (
	"strings"
	"testing"
)

func TestExtractTextualToolCalls(t *testing.T) {
	text := "Let me check that file.\n<tool_call>\n{\"name\": \"file\", \"arguments\": {\"action\": \"read\", \"path\": \"main.go\"}}\n</tool_call>\nDone."

	calls, remainder := ExtractTextualToolCalls(text)
	if len(calls) != 1 {
		t.Fatalf("calls = %d, want 1", len(calls))
	}
	if calls[0].Name != "file" {
		t.Errorf("name = %s, want file", calls[0].Name)
	}
	if calls[0].Args["action"] != "read" || calls[0].Args["path"] != "main.go" {
		t.Errorf("args = %v", calls[0].Args)
	}
	if calls[0].ID == "" {
		t.Error("extracted call should get a synthetic id")
	}
	if strings.Contains(remainder, "<tool_call>") {
		t.Errorf("remainder still contains fence: %q", remainder)
	}
}

func TestExtractTextualToolCallsMultiple(t *testing.T) {
	text := `<tool_call>{"name": "a", "arguments": {}}</tool_call>
<tool_call>{"name": "b", "arguments": {"x": 1}}</tool_call>`

	calls, _ := ExtractTextualToolCalls(text)
	if len(calls) != 2 {
		t.Fatalf("calls = %d, want 2", len(calls))
	}
	if calls[0].Name != "a" || calls[1].Name != "b" {
		t.Errorf("names = %s, %s", calls[0].Name, calls[1].Name)
	}
}

func TestExtractTextualToolCallsMalformedJSON(t *testing.T) {
	text := `<tool_call>{"name": "broken", "arguments": {</tool_call>`

	calls, _ := ExtractTextualToolCalls(text)
	if len(calls) != 1 {
		t.Fatalf("calls = %d, want 1", len(calls))
	}
	if calls[0].Name != "" {
		t.Errorf("malformed call should have no name, got %s", calls[0].Name)
	}
	raw, ok := calls[0].Args["raw"].(string)
	if !ok || !strings.Contains(raw, "broken") {
		t.Errorf("raw payload not preserved: %v", calls[0].Args)
	}
}

func TestExtractTextualToolCallsNoFences(t *testing.T) {
	calls, remainder := ExtractTextualToolCalls("plain answer")
	if calls != nil {
		t.Errorf("calls = %v, want nil", calls)
	}
	if remainder != "plain answer" {
		t.Errorf("remainder = %q", remainder)
	}
}

func TestRenderToolPromptListsTools(t *testing.T) {
	prompt := RenderToolPrompt([]ToolDefinition{
		{Name: "file", Description: "File operations", Parameters: map[string]interface{}{"type": "object"}},
	})

	for _, want := range []string{"<tool_call>", "</tool_call>", "## file", "File operations"} {
		if !strings.Contains(prompt, want) {
			t.Errorf("prompt missing %q", want)
		}
	}
}

func TestInlineTextualToolsRendersToolResults(t *testing.T) {
	messages := []*Message{
		NewTextMessage(RoleSystem, "You are a worker."),
		NewTextMessage(RoleUser, "read main.go"),
		func() *Message {
			m := NewTextMessage(RoleAssistant, "")
			m.ToolCalls = []*ToolCall{{ID: "c1", Name: "file", Args: map[string]interface{}{"action": "read"}}}
			return m
		}(),
		NewToolResultMessage("c1", "file", "package main"),
	}
	tools := []ToolDefinition{{Name: "file", Description: "fs"}}

	out := InlineTextualTools(messages, tools)
	if len(out) != 4 {
		t.Fatalf("messages = %d, want 4", len(out))
	}
	if !strings.Contains(out[0].Text(), "# Available Tools") {
		t.Error("system prompt should carry the tool instructions")
	}
	if !strings.Contains(out[2].Text(), "<tool_call>") {
		t.Error("assistant tool calls should round-trip as fenced text")
	}
	last := out[3]
	if last.Role != RoleUser || !strings.Contains(last.Text(), `<tool_result id="c1" name="file">`) {
		t.Errorf("tool result not rendered: role=%s text=%q", last.Role, last.Text())
	}
}

func TestProxyNativeToolHeuristics(t *testing.T) {
	tests := []struct {
		model string
		want  bool
	}{
		{"gpt-4o", true},
		{"gpt-5-nano", true},
		{"claude-sonnet-4", true},
		{"anthropic/claude-3-haiku", true},
		{"gemini-2.0-flash", true},
		{"qwen2.5-coder", true},
		{"o1-preview", false},
		{"o1-mini", false},
		{"deepseek-reasoner", false},
		{"mystery-model-7b", false},
		{"", false},
	}

	for _, tt := range tests {
		if got := modelSupportsNativeTools(tt.model); got != tt.want {
			t.Errorf("modelSupportsNativeTools(%q) = %v, want %v", tt.model, got, tt.want)
		}
	}
}

func TestProxyInlinesToolsForReasoningModels(t *testing.T) {
	b := &ProxyBackend{}

	messages := []*Message{
		NewTextMessage(RoleSystem, "You are a worker."),
		NewTextMessage(RoleUser, "read main.go"),
	}
	cfg := Config{Model: "o1-mini", Tools: []ToolDefinition{{Name: "file", Description: "fs"}}}

	out, outCfg := b.demoteTools(messages, cfg)
	if outCfg.Tools != nil {
		t.Error("tools field should be dropped for a reasoning-only model")
	}
	if !strings.Contains(out[0].Text(), "# Available Tools") {
		t.Error("tool schemas should move into the system prompt")
	}

	// Native families keep the tools field and the conversation untouched.
	cfg.Model = "gpt-4o"
	out, outCfg = b.demoteTools(messages, cfg)
	if len(outCfg.Tools) != 1 {
		t.Error("native model should keep the tools field")
	}
	if strings.Contains(out[0].Text(), "# Available Tools") {
		t.Error("native model should not get the textual prompt")
	}
}
