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

	"github.com/swarmgate/swarmgate/pkg/config"
	"github.com/swarmgate/swarmgate/pkg/httpclient"
)

// OpenAIBackend speaks the OpenAI-compatible chat completions wire. It is
// the adapter for local OpenAI-compatible servers and the base the proxy
// backend builds on. Tools are passed natively.
type OpenAIBackend struct {
	name       string
	config     *config.BackendConfig
	httpClient *httpclient.Client
}

type openAIRequest struct {
	Model       string          `json:"model"`
	Messages    []openAIMessage `json:"messages"`
	MaxTokens   *int            `json:"max_tokens,omitempty"`
	Temperature float64         `json:"temperature"`
	Stream      bool            `json:"stream"`
	Tools       []openAITool    `json:"tools,omitempty"`
	ToolChoice  string          `json:"tool_choice,omitempty"`
}

type openAIMessage struct {
	Role       string           `json:"role"`
	Content    interface{}      `json:"content"`
	ToolCalls  []openAIToolCall `json:"tool_calls,omitempty"`
	ToolCallID string           `json:"tool_call_id,omitempty"`
}

type openAIContentPart struct {
	Type     string          `json:"type"`
	Text     string          `json:"text,omitempty"`
	ImageURL *openAIImageURL `json:"image_url,omitempty"`
}

type openAIImageURL struct {
	URL string `json:"url"`
}

type openAITool struct {
	Type     string             `json:"type"`
	Function openAIToolFunction `json:"function"`
}

type openAIToolFunction struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	Parameters  map[string]interface{} `json:"parameters"`
}

type openAIToolCall struct {
	ID       string             `json:"id"`
	Type     string             `json:"type"`
	Function openAIFunctionCall `json:"function"`
}

type openAIFunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type openAIUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type openAIError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code"`
}

type openAIResponse struct {
	Choices []struct {
		Message      openAIMessage `json:"message"`
		FinishReason string        `json:"finish_reason"`
	} `json:"choices"`
	Usage openAIUsage  `json:"usage"`
	Error *openAIError `json:"error,omitempty"`
}

type openAIStreamResponse struct {
	Choices []struct {
		Delta struct {
			Content   string           `json:"content,omitempty"`
			Reasoning string           `json:"reasoning,omitempty"`
			ToolCalls []openAIToolCall `json:"tool_calls,omitempty"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *openAIUsage `json:"usage,omitempty"`
	Error *openAIError `json:"error,omitempty"`
}

func NewOpenAIBackend(name string, cfg *config.BackendConfig) (*OpenAIBackend, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("configuration error: base_url is required for backend '%s'", name)
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 300
	}

	return &OpenAIBackend{
		name:   name,
		config: cfg,
		httpClient: httpclient.New(
			httpclient.WithHTTPClient(&http.Client{
				Timeout: time.Duration(timeout) * time.Second,
			}),
			httpclient.WithHeaderParser(httpclient.ParseOpenAIHeaders),
		),
	}, nil
}

func (b *OpenAIBackend) Name() string { return b.name }

// BaseURL exposes the configured endpoint for locality heuristics.
func (b *OpenAIBackend) BaseURL() string { return b.config.BaseURL }

func (b *OpenAIBackend) DefaultModel() string { return b.config.Model }

func (b *OpenAIBackend) SupportsNativeTools() bool { return true }

func (b *OpenAIBackend) HealthCheck(ctx context.Context) HealthStatus {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimSuffix(b.config.BaseURL, "/")+"/models", nil)
	if err != nil {
		return HealthStatus{OK: false, Detail: map[string]interface{}{"error": b.redact(err.Error())}}
	}
	if b.config.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+b.config.APIKey)
	}

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return HealthStatus{OK: false, Detail: map[string]interface{}{"error": b.redact(err.Error())}}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return HealthStatus{OK: false, Detail: map[string]interface{}{"status": resp.StatusCode}}
	}
	return HealthStatus{OK: true, Detail: map[string]interface{}{"model": b.config.Model}}
}

func (b *OpenAIBackend) StreamChat(ctx context.Context, messages []*Message, cfg Config) (<-chan StreamEvent, error) {
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

func (b *OpenAIBackend) Complete(ctx context.Context, messages []*Message, cfg Config) (string, error) {
	request := b.buildRequest(messages, cfg, false)

	response, err := b.makeRequest(ctx, request)
	if err != nil {
		return "", err
	}
	if response.Error != nil {
		return "", fmt.Errorf("provider error: %s", b.redact(response.Error.Message))
	}
	if len(response.Choices) == 0 {
		return "", fmt.Errorf("no response choices returned")
	}

	if text, ok := response.Choices[0].Message.Content.(string); ok {
		return text, nil
	}
	return "", nil
}

func (b *OpenAIBackend) buildRequest(messages []*Message, cfg Config, stream bool) openAIRequest {
	openaiMessages := make([]openAIMessage, 0, len(messages))

	for _, msg := range messages {
		if msg.Role == RoleTool {
			content := msg.Text()
			openaiMessages = append(openaiMessages, openAIMessage{
				Role:       "tool",
				Content:    content,
				ToolCallID: msg.ToolCallID,
			})
			continue
		}

		var contentParts []openAIContentPart
		for _, part := range msg.Parts {
			switch part.Type {
			case ContentPartTypeText:
				contentParts = append(contentParts, openAIContentPart{Type: "text", Text: part.Text})
			case ContentPartTypeImageURL:
				contentParts = append(contentParts, openAIContentPart{
					Type:     "image_url",
					ImageURL: &openAIImageURL{URL: part.URL},
				})
			case ContentPartTypeImageBase64:
				contentParts = append(contentParts, openAIContentPart{
					Type:     "image_url",
					ImageURL: &openAIImageURL{URL: fmt.Sprintf("data:%s;base64,%s", part.MediaType, part.Data)},
				})
			}
		}

		openaiMsg := openAIMessage{
			Role:    string(msg.Role),
			Content: contentParts,
		}

		if len(msg.ToolCalls) > 0 {
			openaiMsg.ToolCalls = make([]openAIToolCall, len(msg.ToolCalls))
			for i, tc := range msg.ToolCalls {
				argsJSON, _ := json.Marshal(tc.Args)
				openaiMsg.ToolCalls[i] = openAIToolCall{
					ID:   tc.ID,
					Type: "function",
					Function: openAIFunctionCall{
						Name:      tc.Name,
						Arguments: string(argsJSON),
					},
				}
			}
		}

		openaiMessages = append(openaiMessages, openaiMsg)
	}

	model := cfg.Model
	if model == "" {
		model = b.config.Model
	}

	request := openAIRequest{
		Model:       model,
		Messages:    openaiMessages,
		Temperature: cfg.Temperature,
		Stream:      stream,
	}

	if cfg.MaxTokens > 0 {
		maxTokens := cfg.MaxTokens
		request.MaxTokens = &maxTokens
	} else if b.config.MaxTokens > 0 {
		maxTokens := b.config.MaxTokens
		request.MaxTokens = &maxTokens
	}

	if len(cfg.Tools) > 0 {
		request.Tools = make([]openAITool, len(cfg.Tools))
		for i, tool := range cfg.Tools {
			request.Tools[i] = openAITool{
				Type:     "function",
				Function: openAIToolFunction(tool),
			}
		}
		request.ToolChoice = "auto"
	}

	return request
}

func (b *OpenAIBackend) newRequest(ctx context.Context, request openAIRequest) (*http.Request, error) {
	requestBody, err := json.Marshal(request)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		strings.TrimSuffix(b.config.BaseURL, "/")+"/chat/completions", bytes.NewReader(requestBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}
	req.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(requestBody)), nil
	}

	req.Header.Set("Content-Type", "application/json")
	if b.config.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+b.config.APIKey)
	}

	return req, nil
}

func (b *OpenAIBackend) makeRequest(ctx context.Context, request openAIRequest) (*openAIResponse, error) {
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

	var response openAIResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &response, nil
}

func (b *OpenAIBackend) streamRequest(ctx context.Context, request openAIRequest, out chan<- StreamEvent) error {
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

	// Tool-call argument fragments arrive keyed by index; buffer per index
	// and flush on the finish signal.
	toolCallsMap := make(map[int]*openAIToolCall)
	var usage *Usage

	for {
		line, err := reader.ReadBytes('\n')
		if err != nil {
			if err == io.EOF {
				break
			}
			return fmt.Errorf("failed to read stream: %w", err)
		}

		line = bytes.TrimSpace(line)
		if len(line) == 0 || !bytes.HasPrefix(line, []byte("data: ")) {
			continue
		}
		line = line[6:]

		if bytes.Equal(line, []byte("[DONE]")) {
			break
		}

		var streamResp openAIStreamResponse
		if err := json.Unmarshal(line, &streamResp); err != nil {
			continue
		}

		if streamResp.Error != nil {
			out <- StreamEvent{Type: EventError, ErrMessage: b.redact(streamResp.Error.Message), ErrCode: "provider"}
			return nil
		}

		if streamResp.Usage != nil {
			usage = &Usage{
				InputTokens:  streamResp.Usage.PromptTokens,
				OutputTokens: streamResp.Usage.CompletionTokens,
			}
		}

		if len(streamResp.Choices) == 0 {
			continue
		}
		choice := streamResp.Choices[0]

		if choice.Delta.Reasoning != "" {
			out <- StreamEvent{Type: EventThinking, Text: choice.Delta.Reasoning}
		}
		if choice.Delta.Content != "" {
			out <- StreamEvent{Type: EventText, Text: choice.Delta.Content}
		}

		for _, deltaCall := range choice.Delta.ToolCalls {
			if deltaCall.ID != "" {
				toolCallsMap[len(toolCallsMap)] = &openAIToolCall{
					ID:       deltaCall.ID,
					Type:     deltaCall.Type,
					Function: deltaCall.Function,
				}
			} else if len(toolCallsMap) > 0 {
				last := toolCallsMap[len(toolCallsMap)-1]
				last.Function.Arguments += deltaCall.Function.Arguments
			}
		}

		if choice.FinishReason != "" {
			for i := 0; i < len(toolCallsMap); i++ {
				tc := toolCallsMap[i]
				out <- StreamEvent{Type: EventToolCall, ToolCall: parseOpenAIToolCall(tc)}
			}
			out <- StreamEvent{Type: EventDone, StopReason: choice.FinishReason, Usage: usage}
			return nil
		}
	}

	out <- StreamEvent{Type: EventDone, StopReason: "stop", Usage: usage}
	return nil
}

// parseOpenAIToolCall decodes arguments JSON; unparseable payloads are wrapped
// as a single-field raw object rather than dropped.
func parseOpenAIToolCall(tc *openAIToolCall) *ToolCall {
	var args map[string]interface{}
	if err := json.Unmarshal([]byte(tc.Function.Arguments), &args); err != nil {
		args = map[string]interface{}{"raw": tc.Function.Arguments}
	}
	return &ToolCall{
		ID:   tc.ID,
		Name: tc.Function.Name,
		Args: args,
	}
}

func (b *OpenAIBackend) redact(s string) string {
	return redactSecret(s, b.config.APIKey)
}

func redactSecret(s, secret string) string {
	if secret == "" {
		return s
	}
	return strings.ReplaceAll(s, secret, "[REDACTED]")
}
