package llms

import (
	"context"
	"fmt"
	"strings"
)

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

type ContentPartType string

const (
	ContentPartTypeText        ContentPartType = "text"
	ContentPartTypeImageURL    ContentPartType = "image_url"
	ContentPartTypeImageBase64 ContentPartType = "image_base64"
)

type ContentPart struct {
	Type      ContentPartType `json:"type"`
	Text      string          `json:"text,omitempty"`
	MediaType string          `json:"media_type,omitempty"`
	Data      string          `json:"data,omitempty"`
	URL       string          `json:"url,omitempty"`
}

// ToolCall is a structured tool invocation emitted by a model turn.
type ToolCall struct {
	ID   string                 `json:"id"`
	Name string                 `json:"name"`
	Args map[string]interface{} `json:"args"`
}

// Message is the normalized conversation unit shared by all adapters.
// Only user messages may carry image parts; a tool message carries exactly
// one result for the tool call identified by ToolCallID.
type Message struct {
	Role       Role          `json:"role"`
	Parts      []ContentPart `json:"parts"`
	Name       string        `json:"name,omitempty"`
	ToolCallID string        `json:"tool_call_id,omitempty"`
	ToolCalls  []*ToolCall   `json:"tool_calls,omitempty"`
}

// NewTextMessage builds a single-part text message.
func NewTextMessage(role Role, text string) *Message {
	return &Message{
		Role:  role,
		Parts: []ContentPart{{Type: ContentPartTypeText, Text: text}},
	}
}

// NewToolResultMessage builds the tool-role message answering one tool call.
func NewToolResultMessage(toolCallID, name, content string) *Message {
	return &Message{
		Role:       RoleTool,
		Name:       name,
		ToolCallID: toolCallID,
		Parts:      []ContentPart{{Type: ContentPartTypeText, Text: content}},
	}
}

// Text concatenates the message's text parts.
func (m *Message) Text() string {
	var sb strings.Builder
	for _, part := range m.Parts {
		if part.Type == ContentPartTypeText {
			sb.WriteString(part.Text)
		}
	}
	return sb.String()
}

// HasImages reports whether any part is an image.
func (m *Message) HasImages() bool {
	for _, part := range m.Parts {
		if part.Type == ContentPartTypeImageURL || part.Type == ContentPartTypeImageBase64 {
			return true
		}
	}
	return false
}

// TextDigest returns a text-only rendering suitable for persisted history:
// image parts collapse to a short placeholder.
func (m *Message) TextDigest() string {
	var sb strings.Builder
	for _, part := range m.Parts {
		switch part.Type {
		case ContentPartTypeText:
			sb.WriteString(part.Text)
		default:
			fmt.Fprintf(&sb, "[image: %s]", part.MediaType)
		}
	}
	return sb.String()
}

type ToolDefinition struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	Parameters  map[string]interface{} `json:"parameters"`
}

// ActionEnum returns the closed enum of the tool's "action" property, if the
// schema declares one. Routed tools validate supplied actions against it.
func (t ToolDefinition) ActionEnum() ([]string, bool) {
	props, ok := t.Parameters["properties"].(map[string]interface{})
	if !ok {
		return nil, false
	}
	action, ok := props["action"].(map[string]interface{})
	if !ok {
		return nil, false
	}
	rawEnum, ok := action["enum"].([]interface{})
	if !ok {
		return nil, false
	}
	enum := make([]string, 0, len(rawEnum))
	for _, v := range rawEnum {
		if s, ok := v.(string); ok {
			enum = append(enum, s)
		}
	}
	return enum, len(enum) > 0
}

type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// StreamEvent is the normalized output unit of every adapter.
// Type is one of: text, thinking, tool_call, done, error.
type StreamEvent struct {
	Type       string    `json:"type"`
	Text       string    `json:"text,omitempty"`
	ToolCall   *ToolCall `json:"tool_call,omitempty"`
	StopReason string    `json:"stop_reason,omitempty"`
	Usage      *Usage    `json:"usage,omitempty"`
	ErrMessage string    `json:"error,omitempty"`
	ErrCode    string    `json:"code,omitempty"`
}

const (
	EventText     = "text"
	EventThinking = "thinking"
	EventToolCall = "tool_call"
	EventDone     = "done"
	EventError    = "error"
)

// Config is the per-request snapshot handed to an adapter.
type Config struct {
	Model          string
	Temperature    float64
	MaxTokens      int
	Tools          []ToolDefinition
	ResponseFormat string
	Extras         map[string]interface{}
}

// Backend is the uniform streaming contract over heterogeneous providers.
type Backend interface {
	// StreamChat translates the normalized triple into one provider request
	// and emits normalized events. The channel closes after done or error.
	StreamChat(ctx context.Context, messages []*Message, cfg Config) (<-chan StreamEvent, error)

	// Complete performs a non-streaming request and returns the final text.
	Complete(ctx context.Context, messages []*Message, cfg Config) (string, error)

	HealthCheck(ctx context.Context) HealthStatus

	SupportsNativeTools() bool

	DefaultModel() string

	Name() string
}

type HealthStatus struct {
	OK     bool                   `json:"ok"`
	Detail map[string]interface{} `json:"detail,omitempty"`
}
