package llms

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"

	"github.com/swarmgate/swarmgate/pkg/config"
)

// Delimiters of the textual tool-call format. Backends without native tool
// support are instructed to emit calls inside this fence; the loop driver
// extracts them from accumulated text with ExtractTextualToolCalls.
const (
	toolCallOpenTag  = "<tool_call>"
	toolCallCloseTag = "</tool_call>"
)

var toolCallPattern = regexp.MustCompile(`(?s)<tool_call>\s*(.*?)\s*</tool_call>`)

// TextualBackend wraps the Anthropic wire for CLI-style sessions where tool
// use is text-mediated: tool schemas are inlined into the system prompt and
// the model answers with fenced JSON blocks instead of native tool_use.
type TextualBackend struct {
	name  string
	inner *AnthropicBackend
}

func NewTextualBackend(name string, cfg *config.BackendConfig) (*TextualBackend, error) {
	inner, err := NewAnthropicBackend(name, cfg)
	if err != nil {
		return nil, err
	}
	return &TextualBackend{name: name, inner: inner}, nil
}

func (b *TextualBackend) Name() string { return b.name }

func (b *TextualBackend) BaseURL() string { return b.inner.BaseURL() }

func (b *TextualBackend) DefaultModel() string { return b.inner.DefaultModel() }

func (b *TextualBackend) SupportsNativeTools() bool { return false }

func (b *TextualBackend) HealthCheck(ctx context.Context) HealthStatus {
	return b.inner.HealthCheck(ctx)
}

func (b *TextualBackend) StreamChat(ctx context.Context, messages []*Message, cfg Config) (<-chan StreamEvent, error) {
	return b.inner.StreamChat(ctx, InlineTextualTools(messages, cfg.Tools), b.stripTools(cfg))
}

func (b *TextualBackend) Complete(ctx context.Context, messages []*Message, cfg Config) (string, error) {
	return b.inner.Complete(ctx, InlineTextualTools(messages, cfg.Tools), b.stripTools(cfg))
}

func (b *TextualBackend) stripTools(cfg Config) Config {
	cfg.Tools = nil
	return cfg
}

// InlineTextualTools rewrites a conversation for a backend without native tool
// support: tool instructions are appended to the system prompt and tool
// results become tagged text blocks the model can correlate with its own
// calls.
func InlineTextualTools(messages []*Message, tools []ToolDefinition) []*Message {
	out := make([]*Message, 0, len(messages)+1)

	injected := false
	for _, msg := range messages {
		if msg.Role == RoleTool {
			rendered := fmt.Sprintf("<tool_result id=%q name=%q>\n%s\n</tool_result>", msg.ToolCallID, msg.Name, msg.Text())
			out = append(out, NewTextMessage(RoleUser, rendered))
			continue
		}

		if msg.Role == RoleSystem && !injected && len(tools) > 0 {
			combined := msg.Text() + "\n\n" + RenderToolPrompt(tools)
			out = append(out, NewTextMessage(RoleSystem, combined))
			injected = true
			continue
		}

		// Assistant tool calls round-trip as the fenced text the model
		// originally produced.
		if msg.Role == RoleAssistant && len(msg.ToolCalls) > 0 {
			var sb strings.Builder
			sb.WriteString(msg.Text())
			for _, tc := range msg.ToolCalls {
				payload, _ := json.Marshal(map[string]interface{}{
					"name":      tc.Name,
					"arguments": tc.Args,
				})
				fmt.Fprintf(&sb, "\n%s\n%s\n%s", toolCallOpenTag, payload, toolCallCloseTag)
			}
			out = append(out, NewTextMessage(RoleAssistant, sb.String()))
			continue
		}

		out = append(out, msg)
	}

	if !injected && len(tools) > 0 {
		prefix := []*Message{NewTextMessage(RoleSystem, RenderToolPrompt(tools))}
		out = append(prefix, out...)
	}

	return out
}

// RenderToolPrompt describes the available tools and the fenced call format.
func RenderToolPrompt(tools []ToolDefinition) string {
	var sb strings.Builder
	sb.WriteString("# Available Tools\n\n")
	sb.WriteString("To invoke a tool, emit exactly one block per call:\n\n")
	fmt.Fprintf(&sb, "%s\n{\"name\": \"<tool_name>\", \"arguments\": {...}}\n%s\n\n", toolCallOpenTag, toolCallCloseTag)
	sb.WriteString("Tool results arrive as <tool_result> blocks in the next user message.\n\n")

	for _, tool := range tools {
		fmt.Fprintf(&sb, "## %s\n%s\n", tool.Name, tool.Description)
		if len(tool.Parameters) > 0 {
			schema, err := json.MarshalIndent(tool.Parameters, "", "  ")
			if err == nil {
				fmt.Fprintf(&sb, "Parameters schema:\n```json\n%s\n```\n", schema)
			}
		}
		sb.WriteString("\n")
	}

	return sb.String()
}

// ExtractTextualToolCalls parses fenced tool-call blocks out of accumulated
// model text. It returns the parsed calls and the text with the fences
// removed. A block whose JSON does not parse is preserved as a call with the
// raw payload so the dispatcher can surface the problem.
func ExtractTextualToolCalls(text string) ([]*ToolCall, string) {
	matches := toolCallPattern.FindAllStringSubmatch(text, -1)
	if len(matches) == 0 {
		return nil, text
	}

	calls := make([]*ToolCall, 0, len(matches))
	for _, match := range matches {
		payload := match[1]

		var parsed struct {
			Name      string                 `json:"name"`
			Arguments map[string]interface{} `json:"arguments"`
		}
		call := &ToolCall{ID: "call_" + uuid.NewString()[:8]}
		if err := json.Unmarshal([]byte(payload), &parsed); err != nil || parsed.Name == "" {
			call.Args = map[string]interface{}{"raw": payload}
		} else {
			call.Name = parsed.Name
			call.Args = parsed.Arguments
			if call.Args == nil {
				call.Args = map[string]interface{}{}
			}
		}
		calls = append(calls, call)
	}

	remainder := strings.TrimSpace(toolCallPattern.ReplaceAllString(text, ""))
	return calls, remainder
}
