package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const minimalYAML = `
chain: [local-openai]
backends:
  local-openai:
    base_url: http://localhost:1234/v1
    model: test-model
`

func TestParseAppliesDefaults(t *testing.T) {
	cfg, err := Parse([]byte(minimalYAML))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	if cfg.Server.Port != 8420 {
		t.Errorf("server.port = %d", cfg.Server.Port)
	}
	if cfg.Router.FailureThreshold != 3 || cfg.Router.CooldownSeconds != 60 {
		t.Errorf("router defaults = %+v", cfg.Router)
	}
	if cfg.Loop.MaxToolCalls != 25 || cfg.Loop.CompactThreshold != 0.75 {
		t.Errorf("loop defaults = %+v", cfg.Loop)
	}
	if cfg.Engine.DefaultMaxIterations != 5 || cfg.Engine.ContextBudgetTokens != 120000 {
		t.Errorf("engine defaults = %+v", cfg.Engine)
	}
	if cfg.Workspace.TodoFile != "ai/todo.md" {
		t.Errorf("workspace.todo_file = %s", cfg.Workspace.TodoFile)
	}
	if !cfg.Observe.MetricsEnabled || cfg.Observe.SamplingRate != 1.0 {
		t.Errorf("observability defaults = %+v", cfg.Observe)
	}
}

func TestParseOverridesDefaults(t *testing.T) {
	cfg, err := Parse([]byte(minimalYAML + `
server:
  port: 9000
loop:
  max_tool_calls: 10
`))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if cfg.Server.Port != 9000 || cfg.Loop.MaxToolCalls != 10 {
		t.Errorf("overrides not applied: %+v %+v", cfg.Server, cfg.Loop)
	}
}

func TestValidateChain(t *testing.T) {
	if _, err := Parse([]byte(`chain: []`)); err == nil || !strings.Contains(err.Error(), "chain cannot be empty") {
		t.Errorf("empty chain error = %v", err)
	}

	_, err := Parse([]byte(`
chain: [anthropic]
backends:
  local-openai:
    model: m
`))
	if err == nil || !strings.Contains(err.Error(), "unconfigured backend") {
		t.Errorf("dangling chain error = %v", err)
	}
}

func TestValidateClampsMaxToolCalls(t *testing.T) {
	tests := []struct {
		in   int
		want int
	}{
		{-5, 0},
		{0, 0},
		{30, 30},
		{99, 50},
	}

	for _, tt := range tests {
		cfg := &Config{
			Chain:    []string{"local-openai"},
			Backends: map[string]*BackendConfig{"local-openai": {}},
			Loop:     LoopConfig{MaxToolCalls: tt.in, CompactThreshold: 0.75},
			Engine:   EngineConfig{DefaultMaxIterations: 5},
		}
		if err := cfg.Validate(); err != nil {
			t.Fatalf("Validate(%d) error = %v", tt.in, err)
		}
		if cfg.Loop.MaxToolCalls != tt.want {
			t.Errorf("max_tool_calls %d clamped to %d, want %d", tt.in, cfg.Loop.MaxToolCalls, tt.want)
		}
	}
}

func TestValidateCompactThreshold(t *testing.T) {
	_, err := Parse([]byte(minimalYAML + `
loop:
  compact_threshold: 1.5
`))
	if err == nil || !strings.Contains(err.Error(), "compact_threshold") {
		t.Errorf("error = %v", err)
	}
}

func TestExpandEnvVars(t *testing.T) {
	t.Setenv("SG_TEST_KEY", "secret123")
	t.Setenv("SG_TEST_EMPTY", "")

	tests := []struct {
		in   string
		want string
	}{
		{"api_key: ${SG_TEST_KEY}", "api_key: secret123"},
		{"api_key: $SG_TEST_KEY", "api_key: secret123"},
		{"url: ${SG_TEST_MISSING:-http://localhost}", "url: http://localhost"},
		{"url: ${SG_TEST_KEY:-fallback}", "url: secret123"},
		{"url: ${SG_TEST_EMPTY:-fallback}", "url: fallback"},
		{"plain: no-vars-here", "plain: no-vars-here"},
		{"missing: ${SG_TEST_MISSING}", "missing: "},
	}

	for _, tt := range tests {
		if got := ExpandEnvVars(tt.in); got != tt.want {
			t.Errorf("ExpandEnvVars(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestParseExpandsEnvInYAML(t *testing.T) {
	t.Setenv("SG_TEST_MODEL", "gpt-4o")

	cfg, err := Parse([]byte(`
chain: [local-openai]
backends:
  local-openai:
    base_url: ${SG_TEST_BASE:-http://localhost:1234/v1}
    model: ${SG_TEST_MODEL}
`))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	backend := cfg.Backends["local-openai"]
	if backend.Model != "gpt-4o" {
		t.Errorf("model = %s", backend.Model)
	}
	if backend.BaseURL != "http://localhost:1234/v1" {
		t.Errorf("base_url = %s", backend.BaseURL)
	}
}

func TestResolveSecretsFromKeyFile(t *testing.T) {
	dir := t.TempDir()
	keyFile := filepath.Join(dir, "key")
	if err := os.WriteFile(keyFile, []byte("sk-abc\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Parse([]byte(`
chain: [anthropic]
backends:
  anthropic:
    model: claude-sonnet-4-5
    api_key_file: ` + keyFile + `
`))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if cfg.Backends["anthropic"].APIKey != "sk-abc" {
		t.Errorf("api key = %q", cfg.Backends["anthropic"].APIKey)
	}
}

func TestResolveSecretsMissingFile(t *testing.T) {
	_, err := Parse([]byte(`
chain: [anthropic]
backends:
  anthropic:
    model: m
    api_key_file: /nonexistent/key
`))
	if err == nil || !strings.Contains(err.Error(), "api key file") {
		t.Errorf("error = %v", err)
	}
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(minimalYAML), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Backends["local-openai"].Model != "test-model" {
		t.Errorf("model = %s", cfg.Backends["local-openai"].Model)
	}

	if _, err := Load(""); err == nil {
		t.Error("empty path should error")
	}
	if _, err := Load(filepath.Join(dir, "missing.yaml")); err == nil {
		t.Error("missing file should error")
	}
}
