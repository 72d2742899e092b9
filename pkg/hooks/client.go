// Package hooks talks to the external session collaborator. The collaborator
// owns side effects around tool dispatch: it can veto calls, observe results,
// record progress, and supply refreshed context for the system prompt.
package hooks

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/swarmgate/swarmgate/pkg/config"
)

// PostResultLimit caps the result excerpt forwarded to the post-tool hook.
const PostResultLimit = 500

// Client is the session-hook contract. PreTool is fail-closed: any transport
// or decode failure blocks the call. The other three are fail-open.
type Client interface {
	PreTool(ctx context.Context, toolName string, arguments map[string]interface{}) (allowed bool, reason string)
	PostTool(ctx context.Context, toolName string, ok bool, result string)
	LogProgress(ctx context.Context, message string)
	GetContext(ctx context.Context) (string, error)
}

type httpHooks struct {
	baseURL string
	client  *http.Client
}

// New builds a hook client for the configured collaborator. An empty URL
// yields a no-op client that allows everything.
func New(cfg config.HooksConfig) Client {
	if cfg.URL == "" {
		return NoopClient{}
	}

	timeout := cfg.TimeoutSeconds
	if timeout <= 0 {
		timeout = 10
	}

	return &httpHooks{
		baseURL: strings.TrimSuffix(cfg.URL, "/"),
		client:  &http.Client{Timeout: time.Duration(timeout) * time.Second},
	}
}

type preToolRequest struct {
	ToolName  string                 `json:"tool_name"`
	Arguments map[string]interface{} `json:"arguments"`
}

type preToolResponse struct {
	OK     bool   `json:"ok"`
	Allow  bool   `json:"allow"`
	Reason string `json:"reason"`
}

func (h *httpHooks) PreTool(ctx context.Context, toolName string, arguments map[string]interface{}) (bool, string) {
	var resp preToolResponse
	err := h.post(ctx, "/hooks/pre-tool", preToolRequest{ToolName: toolName, Arguments: arguments}, &resp)
	if err != nil {
		// Fail closed: an unreachable collaborator must not let tools through.
		return false, fmt.Sprintf("pre-tool hook unavailable: %v", err)
	}
	if !resp.OK || !resp.Allow {
		reason := resp.Reason
		if reason == "" {
			reason = "blocked by pre-tool hook"
		}
		return false, reason
	}
	return true, ""
}

type postToolRequest struct {
	ToolName string `json:"tool_name"`
	OK       bool   `json:"ok"`
	Result   string `json:"result"`
}

func (h *httpHooks) PostTool(ctx context.Context, toolName string, ok bool, result string) {
	if len(result) > PostResultLimit {
		result = result[:PostResultLimit]
	}
	err := h.post(ctx, "/hooks/post-tool", postToolRequest{ToolName: toolName, OK: ok, Result: result}, &struct {
		OK bool `json:"ok"`
	}{})
	if err != nil {
		slog.Warn("post-tool hook failed", "tool", toolName, "error", err)
	}
}

func (h *httpHooks) LogProgress(ctx context.Context, message string) {
	err := h.post(ctx, "/hooks/log-progress", map[string]string{"message": message}, &struct {
		OK bool `json:"ok"`
	}{})
	if err != nil {
		slog.Warn("log-progress hook failed", "error", err)
	}
}

func (h *httpHooks) GetContext(ctx context.Context) (string, error) {
	var resp struct {
		Context string `json:"context"`
	}
	if err := h.post(ctx, "/hooks/get-context", struct{}{}, &resp); err != nil {
		return "", err
	}
	return resp.Context, nil
}

func (h *httpHooks) post(ctx context.Context, path string, payload, out interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal hook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create hook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("hook request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("hook returned status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read hook response: %w", err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode hook response: %w", err)
	}
	return nil
}

// NoopClient allows everything and supplies no context.
type NoopClient struct{}

func (NoopClient) PreTool(context.Context, string, map[string]interface{}) (bool, string) {
	return true, ""
}
func (NoopClient) PostTool(context.Context, string, bool, string) {}
func (NoopClient) LogProgress(context.Context, string)            {}
func (NoopClient) GetContext(context.Context) (string, error)     { return "", nil }
