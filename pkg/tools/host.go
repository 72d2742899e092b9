package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/swarmgate/swarmgate/pkg/config"
	"github.com/swarmgate/swarmgate/pkg/httpclient"
	"github.com/swarmgate/swarmgate/pkg/llms"
)

// Host talks JSON-RPC to the external tool host. The host is authoritative
// for tool semantics; the gateway only validates and gates.
type Host struct {
	url        string
	timeout    time.Duration
	httpClient *httpclient.Client
	nextID     atomic.Int64
}

type rpcRequest struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      int64       `json:"id"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type callToolParams struct {
	Name      string                 `json:"name"`
	Arguments map[string]interface{} `json:"arguments"`
}

type callToolResult struct {
	OK      bool   `json:"ok"`
	Content string `json:"content"`
	Error   *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

type listToolsResult struct {
	Tools []struct {
		Name        string                 `json:"name"`
		Description string                 `json:"description"`
		InputSchema map[string]interface{} `json:"input_schema"`
	} `json:"tools"`
}

func NewHost(cfg config.ToolHostConfig) *Host {
	timeout := cfg.TimeoutSeconds
	if timeout <= 0 {
		timeout = 20
	}

	return &Host{
		url:     cfg.URL,
		timeout: time.Duration(timeout) * time.Second,
		httpClient: httpclient.New(
			httpclient.WithHTTPClient(&http.Client{
				Timeout: time.Duration(timeout) * time.Second,
			}),
			httpclient.WithMaxRetries(2),
			httpclient.WithBaseDelay(time.Second),
		),
	}
}

// ListTools discovers the host's tool schemas.
func (h *Host) ListTools(ctx context.Context) ([]llms.ToolDefinition, error) {
	response, err := h.call(ctx, "tools/list", map[string]interface{}{})
	if err != nil {
		return nil, err
	}
	if response.Error != nil {
		return nil, fmt.Errorf("tool host error: %s", response.Error.Message)
	}

	var result listToolsResult
	if err := json.Unmarshal(response.Result, &result); err != nil {
		return nil, fmt.Errorf("failed to decode tool list: %w", err)
	}

	defs := make([]llms.ToolDefinition, 0, len(result.Tools))
	for _, tool := range result.Tools {
		defs = append(defs, llms.ToolDefinition{
			Name:        tool.Name,
			Description: tool.Description,
			Parameters:  tool.InputSchema,
		})
	}
	return defs, nil
}

// CallTool forwards one tool invocation. Host-side failure comes back as a
// not-ok result, never an error, so the model gets a chance to recover.
func (h *Host) CallTool(ctx context.Context, name string, arguments map[string]interface{}) ToolResult {
	start := time.Now()

	callCtx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	response, err := h.call(callCtx, "tools/call", callToolParams{Name: name, Arguments: arguments})
	if err != nil {
		return ToolResult{
			OK:            false,
			ToolName:      name,
			Error:         fmt.Sprintf("tool host unreachable: %v", err),
			ExecutionTime: time.Since(start),
		}
	}
	if response.Error != nil {
		return ToolResult{
			OK:            false,
			ToolName:      name,
			Error:         fmt.Sprintf("tool host error %d: %s", response.Error.Code, response.Error.Message),
			ExecutionTime: time.Since(start),
		}
	}

	var result callToolResult
	if err := json.Unmarshal(response.Result, &result); err != nil {
		return ToolResult{
			OK:            false,
			ToolName:      name,
			Error:         fmt.Sprintf("malformed tool host response: %v", err),
			ExecutionTime: time.Since(start),
		}
	}

	out := ToolResult{
		OK:            result.OK,
		Content:       result.Content,
		ToolName:      name,
		ExecutionTime: time.Since(start),
	}
	if result.Error != nil {
		out.Error = fmt.Sprintf("%s: %s", result.Error.Code, result.Error.Message)
	}
	return out
}

func (h *Host) call(ctx context.Context, method string, params interface{}) (*rpcResponse, error) {
	if h.url == "" {
		return nil, fmt.Errorf("tool host URL not configured")
	}

	request := rpcRequest{
		JSONRPC: "2.0",
		ID:      h.nextID.Add(1),
		Method:  method,
		Params:  params,
	}

	body, err := json.Marshal(request)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(body)), nil
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("tool host returned status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	var response rpcResponse
	if err := json.Unmarshal(data, &response); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return &response, nil
}
