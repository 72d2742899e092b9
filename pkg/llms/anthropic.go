package llms

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"

	"github.com/swarmgate/swarmgate/pkg/config"
	"github.com/swarmgate/swarmgate/pkg/httpclient"
)

const (
	anthropicDefaultBaseURL = "https://api.anthropic.com/v1"
	anthropicAPIVersion     = "2023-06-01"
)

// AnthropicBackend speaks the Anthropic messages wire with native tool use.
type AnthropicBackend struct {
	name       string
	config     *config.BackendConfig
	extras     anthropicExtras
	httpClient *httpclient.Client
}

// anthropicExtras are the provider-specific knobs carried in the backend's
// extras map.
type anthropicExtras struct {
	APIVersion           string `mapstructure:"api_version"`
	Beta                 string `mapstructure:"beta"`
	ThinkingBudgetTokens int    `mapstructure:"thinking_budget_tokens"`
}

type anthropicRequest struct {
	Model       string             `json:"model"`
	Messages    []anthropicMessage `json:"messages"`
	System      string             `json:"system,omitempty"`
	MaxTokens   int                `json:"max_tokens"`
	Temperature float64            `json:"temperature,omitempty"`
	Stream      bool               `json:"stream"`
	Tools       []anthropicTool    `json:"tools,omitempty"`
	Thinking    *anthropicThinking `json:"thinking,omitempty"`
}

type anthropicThinking struct {
	Type         string `json:"type"`
	BudgetTokens int    `json:"budget_tokens"`
}

type anthropicMessage struct {
	Role    string                  `json:"role"`
	Content []anthropicContentBlock `json:"content"`
}

type anthropicContentBlock struct {
	Type string `json:"type"`

	// text
	Text string `json:"text,omitempty"`

	// image
	Source *anthropicImageSource `json:"source,omitempty"`

	// tool_use
	ID    string                 `json:"id,omitempty"`
	Name  string                 `json:"name,omitempty"`
	Input map[string]interface{} `json:"input,omitempty"`

	// tool_result
	ToolUseID string `json:"tool_use_id,omitempty"`
	Content   string `json:"content,omitempty"`
}

type anthropicImageSource struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type,omitempty"`
	Data      string `json:"data,omitempty"`
	URL       string `json:"url,omitempty"`
}

type anthropicTool struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	InputSchema map[string]interface{} `json:"input_schema"`
}

type anthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type anthropicResponse struct {
	Content    []anthropicContentBlock `json:"content"`
	StopReason string                  `json:"stop_reason"`
	Usage      anthropicUsage          `json:"usage"`
	Error      *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

type anthropicStreamEvent struct {
	Type  string `json:"type"`
	Index int    `json:"index"`

	ContentBlock *anthropicContentBlock `json:"content_block,omitempty"`

	Delta *struct {
		Type        string `json:"type"`
		Text        string `json:"text,omitempty"`
		Thinking    string `json:"thinking,omitempty"`
		PartialJSON string `json:"partial_json,omitempty"`
		StopReason  string `json:"stop_reason,omitempty"`
	} `json:"delta,omitempty"`

	Usage *anthropicUsage `json:"usage,omitempty"`

	Message *struct {
		Usage anthropicUsage `json:"usage"`
	} `json:"message,omitempty"`

	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

func NewAnthropicBackend(name string, cfg *config.BackendConfig) (*AnthropicBackend, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("configuration error: api_key is required for backend '%s'", name)
	}
	if cfg.BaseURL == "" {
		cloned := *cfg
		cloned.BaseURL = anthropicDefaultBaseURL
		cfg = &cloned
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 300
	}

	var extras anthropicExtras
	if err := mapstructure.Decode(cfg.Extras, &extras); err != nil {
		return nil, fmt.Errorf("configuration error: invalid extras for backend '%s': %w", name, err)
	}

	return &AnthropicBackend{
		name:   name,
		config: cfg,
		extras: extras,
		httpClient: httpclient.New(
			httpclient.WithHTTPClient(&http.Client{
				Timeout: time.Duration(timeout) * time.Second,
			}),
			httpclient.WithHeaderParser(httpclient.ParseAnthropicHeaders),
		),
	}, nil
}

func (b *AnthropicBackend) Name() string { return b.name }

func (b *AnthropicBackend) BaseURL() string { return b.config.BaseURL }

func (b *AnthropicBackend) DefaultModel() string { return b.config.Model }

func (b *AnthropicBackend) SupportsNativeTools() bool { return true }

func (b *AnthropicBackend) HealthCheck(ctx context.Context) HealthStatus {
	probe := anthropicRequest{
		Model:     b.config.Model,
		MaxTokens: 1,
		Messages: []anthropicMessage{{
			Role:    "user",
			Content: []anthropicContentBlock{{Type: "text", Text: "ping"}},
		}},
	}

	resp, err := b.makeRequest(ctx, probe)
	if err != nil {
		return HealthStatus{OK: false, Detail: map[string]interface{}{"error": b.redact(err.Error())}}
	}
	if resp.Error != nil {
		return HealthStatus{OK: false, Detail: map[string]interface{}{"error": b.redact(resp.Error.Message)}}
	}
	return HealthStatus{OK: true, Detail: map[string]interface{}{"model": b.config.Model}}
}

func (b *AnthropicBackend) StreamChat(ctx context.Context, messages []*Message, cfg Config) (<-chan StreamEvent, error) {
	request := b.buildRequest(messages, cfg, true)

	out := make(chan StreamEvent, 100)
	go func() {
		defer close(out)
		if err := b.streamRequest(ctx, request, out); err != nil {
			out <- StreamEvent{Type: EventError, ErrMessage: b.redact(err.Error()), ErrCode: "transport"}
		}
	}()

	return out, nil
}

func (b *AnthropicBackend) Complete(ctx context.Context, messages []*Message, cfg Config) (string, error) {
	request := b.buildRequest(messages, cfg, false)

	resp, err := b.makeRequest(ctx, request)
	if err != nil {
		return "", err
	}
	if resp.Error != nil {
		return "", fmt.Errorf("provider error: %s", b.redact(resp.Error.Message))
	}

	var sb strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	return sb.String(), nil
}

// buildRequest translates the normalized history into the messages wire:
// system messages merge into the top-level system field, tool results become
// user-role tool_result blocks, assistant tool calls become tool_use blocks.
func (b *AnthropicBackend) buildRequest(messages []*Message, cfg Config, stream bool) anthropicRequest {
	var systemParts []string
	anthropicMessages := make([]anthropicMessage, 0, len(messages))

	for _, msg := range messages {
		switch msg.Role {
		case RoleSystem:
			systemParts = append(systemParts, msg.Text())

		case RoleTool:
			anthropicMessages = append(anthropicMessages, anthropicMessage{
				Role: "user",
				Content: []anthropicContentBlock{{
					Type:      "tool_result",
					ToolUseID: msg.ToolCallID,
					Content:   msg.Text(),
				}},
			})

		default:
			var blocks []anthropicContentBlock
			for _, part := range msg.Parts {
				switch part.Type {
				case ContentPartTypeText:
					if part.Text != "" {
						blocks = append(blocks, anthropicContentBlock{Type: "text", Text: part.Text})
					}
				case ContentPartTypeImageBase64:
					blocks = append(blocks, anthropicContentBlock{
						Type: "image",
						Source: &anthropicImageSource{
							Type:      "base64",
							MediaType: part.MediaType,
							Data:      part.Data,
						},
					})
				case ContentPartTypeImageURL:
					blocks = append(blocks, anthropicContentBlock{
						Type:   "image",
						Source: &anthropicImageSource{Type: "url", URL: part.URL},
					})
				}
			}

			for _, tc := range msg.ToolCalls {
				blocks = append(blocks, anthropicContentBlock{
					Type:  "tool_use",
					ID:    tc.ID,
					Name:  tc.Name,
					Input: tc.Args,
				})
			}

			if len(blocks) == 0 {
				continue
			}
			anthropicMessages = append(anthropicMessages, anthropicMessage{
				Role:    string(msg.Role),
				Content: blocks,
			})
		}
	}

	model := cfg.Model
	if model == "" {
		model = b.config.Model
	}

	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = b.config.MaxTokens
	}
	if maxTokens <= 0 {
		maxTokens = 4096
	}

	request := anthropicRequest{
		Model:       model,
		Messages:    anthropicMessages,
		System:      strings.Join(systemParts, "\n\n"),
		MaxTokens:   maxTokens,
		Temperature: cfg.Temperature,
		Stream:      stream,
	}

	if len(cfg.Tools) > 0 {
		request.Tools = make([]anthropicTool, len(cfg.Tools))
		for i, tool := range cfg.Tools {
			request.Tools[i] = anthropicTool{
				Name:        tool.Name,
				Description: tool.Description,
				InputSchema: tool.Parameters,
			}
		}
	}

	if b.extras.ThinkingBudgetTokens > 0 {
		request.Thinking = &anthropicThinking{Type: "enabled", BudgetTokens: b.extras.ThinkingBudgetTokens}
	}

	return request
}

func (b *AnthropicBackend) newRequest(ctx context.Context, request anthropicRequest) (*http.Request, error) {
	requestBody, err := json.Marshal(request)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		strings.TrimSuffix(b.config.BaseURL, "/")+"/messages", bytes.NewReader(requestBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}
	req.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(requestBody)), nil
	}

	version := b.extras.APIVersion
	if version == "" {
		version = anthropicAPIVersion
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", b.config.APIKey)
	req.Header.Set("anthropic-version", version)
	if b.extras.Beta != "" {
		req.Header.Set("anthropic-beta", b.extras.Beta)
	}

	return req, nil
}

func (b *AnthropicBackend) makeRequest(ctx context.Context, request anthropicRequest) (*anthropicResponse, error) {
	req, err := b.newRequest(ctx, request)
	if err != nil {
		return nil, err
	}

	resp, err := b.httpClient.Do(req)
	if resp != nil {
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			body, _ := io.ReadAll(resp.Body)
			return nil, fmt.Errorf("API request failed with status %d: %s", resp.StatusCode, b.redact(string(body)))
		}
	}
	if err != nil {
		return nil, fmt.Errorf("HTTP request failed: %w", err)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	var response anthropicResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &response, nil
}

func (b *AnthropicBackend) streamRequest(ctx context.Context, request anthropicRequest, out chan<- StreamEvent) error {
	req, err := b.newRequest(ctx, request)
	if err != nil {
		return err
	}

	resp, err := b.httpClient.Do(req)
	if resp != nil {
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			body, _ := io.ReadAll(resp.Body)
			return fmt.Errorf("API request failed with status %d: %s", resp.StatusCode, string(body))
		}
	}
	if err != nil {
		return fmt.Errorf("HTTP request failed: %w", err)
	}

	reader := bufio.NewReader(resp.Body)

	// tool_use input arrives as partial_json deltas per block index; buffer
	// until content_block_stop, then decode and emit.
	type pendingToolUse struct {
		id   string
		name string
		json strings.Builder
	}
	pending := make(map[int]*pendingToolUse)

	var usage Usage
	var stopReason string

	for {
		line, err := reader.ReadBytes('\n')
		if err != nil {
			if err == io.EOF {
				break
			}
			return fmt.Errorf("failed to read stream: %w", err)
		}

		line = bytes.TrimSpace(line)
		if !bytes.HasPrefix(line, []byte("data: ")) {
			continue
		}
		line = line[6:]

		var event anthropicStreamEvent
		if err := json.Unmarshal(line, &event); err != nil {
			continue
		}

		switch event.Type {
		case "error":
			if event.Error != nil {
				out <- StreamEvent{Type: EventError, ErrMessage: b.redact(event.Error.Message), ErrCode: event.Error.Type}
				return nil
			}

		case "message_start":
			if event.Message != nil {
				usage.InputTokens = event.Message.Usage.InputTokens
			}

		case "content_block_start":
			if event.ContentBlock != nil && event.ContentBlock.Type == "tool_use" {
				pending[event.Index] = &pendingToolUse{
					id:   event.ContentBlock.ID,
					name: event.ContentBlock.Name,
				}
			}

		case "content_block_delta":
			if event.Delta == nil {
				continue
			}
			switch event.Delta.Type {
			case "text_delta":
				out <- StreamEvent{Type: EventText, Text: event.Delta.Text}
			case "thinking_delta":
				out <- StreamEvent{Type: EventThinking, Text: event.Delta.Thinking}
			case "input_json_delta":
				if p, ok := pending[event.Index]; ok {
					p.json.WriteString(event.Delta.PartialJSON)
				}
			}

		case "content_block_stop":
			if p, ok := pending[event.Index]; ok {
				delete(pending, event.Index)

				raw := p.json.String()
				var args map[string]interface{}
				if raw == "" {
					args = map[string]interface{}{}
				} else if err := json.Unmarshal([]byte(raw), &args); err != nil {
					args = map[string]interface{}{"raw": raw}
				}

				out <- StreamEvent{Type: EventToolCall, ToolCall: &ToolCall{
					ID:   p.id,
					Name: p.name,
					Args: args,
				}}
			}

		case "message_delta":
			if event.Delta != nil && event.Delta.StopReason != "" {
				stopReason = event.Delta.StopReason
			}
			if event.Usage != nil {
				usage.OutputTokens = event.Usage.OutputTokens
			}

		case "message_stop":
			out <- StreamEvent{Type: EventDone, StopReason: stopReason, Usage: &usage}
			return nil
		}
	}

	out <- StreamEvent{Type: EventDone, StopReason: stopReason, Usage: &usage}
	return nil
}

func (b *AnthropicBackend) redact(s string) string {
	return redactSecret(s, b.config.APIKey)
}
