package config

import (
	"fmt"
	"time"
)

// Config is the root gateway configuration, loaded once at startup.
type Config struct {
	Server      ServerConfig              `koanf:"server"`
	Chain       []string                  `koanf:"chain"`
	Backends    map[string]*BackendConfig `koanf:"backends"`
	Router      RouterConfig              `koanf:"router"`
	Loop        LoopConfig                `koanf:"loop"`
	Engine      EngineConfig              `koanf:"engine"`
	Workspace   WorkspaceConfig           `koanf:"workspace"`
	ToolHost    ToolHostConfig            `koanf:"tool_host"`
	Hooks       HooksConfig               `koanf:"hooks"`
	Permissions PermissionsConfig         `koanf:"permissions"`
	Observe     ObservabilityConfig       `koanf:"observability"`
}

type ObservabilityConfig struct {
	MetricsEnabled bool    `koanf:"metrics_enabled"`
	TracingEnabled bool    `koanf:"tracing_enabled"`
	TraceFile      string  `koanf:"trace_file"`
	SamplingRate   float64 `koanf:"sampling_rate"`
}

type ServerConfig struct {
	Host string `koanf:"host"`
	Port int    `koanf:"port"`
}

// BackendConfig holds per-backend parameters. Name selection happens in the
// chain; the backend type is the chain entry itself (closed set, see llms).
type BackendConfig struct {
	BaseURL       string  `koanf:"base_url"`
	Model         string  `koanf:"model"`
	APIKey        string  `koanf:"api_key"`
	APIKeyFile    string  `koanf:"api_key_file"`
	ContextWindow int     `koanf:"context_window"`
	Temperature   float64 `koanf:"temperature"`
	MaxTokens     int     `koanf:"max_tokens"`
	Timeout       int     `koanf:"timeout"`

	// Extras carries provider-specific knobs; adapters decode what they
	// understand with mapstructure.
	Extras map[string]interface{} `koanf:"extras"`
}

type RouterConfig struct {
	FailureThreshold int `koanf:"failure_threshold"`
	CooldownSeconds  int `koanf:"cooldown_seconds"`
	HealthTTLSeconds int `koanf:"health_cache_ttl_seconds"`
	ProbeTimeoutSecs int `koanf:"probe_timeout_seconds"`
}

func (r RouterConfig) Cooldown() time.Duration     { return time.Duration(r.CooldownSeconds) * time.Second }
func (r RouterConfig) HealthTTL() time.Duration    { return time.Duration(r.HealthTTLSeconds) * time.Second }
func (r RouterConfig) ProbeTimeout() time.Duration { return time.Duration(r.ProbeTimeoutSecs) * time.Second }

type LoopConfig struct {
	MaxToolCalls      int     `koanf:"max_tool_calls"`
	CompactThreshold  float64 `koanf:"compact_threshold"`
	KeepRecent        int     `koanf:"keep_recent"`
	RefreshEveryTurns int     `koanf:"refresh_every_turns"`
	Stateless         bool    `koanf:"stateless"`
	StreamTimeoutSecs int     `koanf:"stream_timeout_seconds"`
}

type EngineConfig struct {
	DefaultMaxIterations int `koanf:"default_max_iterations"`
	ContextBudgetTokens  int `koanf:"context_budget_tokens"`
	SilentWorkerSeconds  int `koanf:"silent_worker_seconds"`
	MonitorIntervalSecs  int `koanf:"monitor_interval_seconds"`
	MaxRetryAttempts     int `koanf:"max_retry_attempts"`
	MaxCheckpoints       int `koanf:"max_checkpoints_per_task"`
}

type WorkspaceConfig struct {
	Dir           string `koanf:"dir"`
	TodoFile      string `koanf:"todo_file"`
	EvidenceDir   string `koanf:"evidence_dir"`
	CheckpointDir string `koanf:"checkpoint_dir"`
}

type ToolHostConfig struct {
	URL            string `koanf:"url"`
	TimeoutSeconds int    `koanf:"timeout_seconds"`
}

type HooksConfig struct {
	URL            string `koanf:"url"`
	TimeoutSeconds int    `koanf:"timeout_seconds"`
}

type PermissionsConfig struct {
	AcceptAll   bool     `koanf:"accept_all"`
	AlwaysAllow []string `koanf:"always_allow"`
	AlwaysDeny  []string `koanf:"always_deny"`
	SafePaths   []string `koanf:"safe_paths"`
}

// Defaults returns the built-in configuration defaults as a flat confmap.
func Defaults() map[string]interface{} {
	return map[string]interface{}{
		"server.host":                     "127.0.0.1",
		"server.port":                     8420,
		"router.failure_threshold":        3,
		"router.cooldown_seconds":         60,
		"router.health_cache_ttl_seconds": 30,
		"router.probe_timeout_seconds":    5,
		"loop.max_tool_calls":             25,
		"loop.compact_threshold":          0.75,
		"loop.keep_recent":                4,
		"loop.refresh_every_turns":        5,
		"loop.stream_timeout_seconds":     300,
		"engine.default_max_iterations":   5,
		"engine.context_budget_tokens":    120000,
		"engine.silent_worker_seconds":    300,
		"engine.monitor_interval_seconds": 30,
		"engine.max_retry_attempts":       3,
		"engine.max_checkpoints_per_task": 5,
		"workspace.dir":                   "ai",
		"workspace.todo_file":             "ai/todo.md",
		"workspace.evidence_dir":          "ai/evidence",
		"workspace.checkpoint_dir":        "ai/checkpoints",
		"tool_host.timeout_seconds":       20,
		"hooks.timeout_seconds":           10,
		"observability.metrics_enabled":   true,
		"observability.sampling_rate":     1.0,
	}
}

// Validate checks startup-fatal configuration problems.
func (c *Config) Validate() error {
	if len(c.Chain) == 0 {
		return fmt.Errorf("backend chain cannot be empty")
	}
	for _, name := range c.Chain {
		if _, ok := c.Backends[name]; !ok {
			return fmt.Errorf("chain references unconfigured backend '%s'", name)
		}
	}

	// max_tool_calls: 0 disables the cap, otherwise clamp to [1, 50].
	if c.Loop.MaxToolCalls < 0 {
		c.Loop.MaxToolCalls = 0
	}
	if c.Loop.MaxToolCalls > 50 {
		c.Loop.MaxToolCalls = 50
	}

	if c.Loop.CompactThreshold <= 0 || c.Loop.CompactThreshold > 1 {
		return fmt.Errorf("loop.compact_threshold must be in (0, 1], got %v", c.Loop.CompactThreshold)
	}
	if c.Engine.DefaultMaxIterations < 1 {
		return fmt.Errorf("engine.default_max_iterations must be >= 1")
	}
	return nil
}
