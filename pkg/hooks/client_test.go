package hooks

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/swarmgate/swarmgate/pkg/config"
)

func TestNewReturnsNoopWithoutURL(t *testing.T) {
	client := New(config.HooksConfig{})
	if _, ok := client.(NoopClient); !ok {
		t.Fatalf("client = %T, want NoopClient", client)
	}

	allowed, _ := client.PreTool(context.Background(), "anything", nil)
	if !allowed {
		t.Error("noop client must allow everything")
	}
}

func TestPreToolAllowAndVeto(t *testing.T) {
	var gotTool string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/hooks/pre-tool" {
			http.NotFound(w, r)
			return
		}
		var req preToolRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		gotTool = req.ToolName

		resp := preToolResponse{OK: true, Allow: req.ToolName != "forbidden"}
		if !resp.Allow {
			resp.Reason = "not on my watch"
		}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	t.Cleanup(srv.Close)

	client := New(config.HooksConfig{URL: srv.URL, TimeoutSeconds: 2})

	allowed, _ := client.PreTool(context.Background(), "file", map[string]interface{}{"action": "read"})
	if !allowed || gotTool != "file" {
		t.Errorf("allowed = %v, tool = %s", allowed, gotTool)
	}

	allowed, reason := client.PreTool(context.Background(), "forbidden", nil)
	if allowed || reason != "not on my watch" {
		t.Errorf("veto = (%v, %s)", allowed, reason)
	}
}

func TestPreToolFailsClosed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusNotFound)
	}))
	t.Cleanup(srv.Close)

	client := New(config.HooksConfig{URL: srv.URL, TimeoutSeconds: 2})

	allowed, reason := client.PreTool(context.Background(), "file", nil)
	if allowed {
		t.Fatal("transport failure must block the call")
	}
	if !strings.Contains(reason, "pre-tool hook unavailable") {
		t.Errorf("reason = %s", reason)
	}
}

func TestPreToolDefaultReason(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(preToolResponse{OK: true, Allow: false})
	}))
	t.Cleanup(srv.Close)

	client := New(config.HooksConfig{URL: srv.URL, TimeoutSeconds: 2})
	_, reason := client.PreTool(context.Background(), "file", nil)
	if reason != "blocked by pre-tool hook" {
		t.Errorf("reason = %s", reason)
	}
}

func TestPostToolTruncatesResult(t *testing.T) {
	var got postToolRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&got)
		_ = json.NewEncoder(w).Encode(map[string]bool{"ok": true})
	}))
	t.Cleanup(srv.Close)

	client := New(config.HooksConfig{URL: srv.URL, TimeoutSeconds: 2})
	client.PostTool(context.Background(), "file", true, strings.Repeat("x", 2*PostResultLimit))

	if len(got.Result) != PostResultLimit {
		t.Errorf("forwarded result length = %d, want %d", len(got.Result), PostResultLimit)
	}
	if got.ToolName != "file" || !got.OK {
		t.Errorf("request = %+v", got)
	}
}

func TestGetContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/hooks/get-context" {
			http.NotFound(w, r)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"context": "fresh system prompt"})
	}))
	t.Cleanup(srv.Close)

	client := New(config.HooksConfig{URL: srv.URL, TimeoutSeconds: 2})
	ctx, err := client.GetContext(context.Background())
	if err != nil {
		t.Fatalf("GetContext() error = %v", err)
	}
	if ctx != "fresh system prompt" {
		t.Errorf("context = %s", ctx)
	}
}
