package llms

import (
	"context"
	"strings"

	"github.com/swarmgate/swarmgate/pkg/config"
)

// ProxyBackend fronts a multi-provider proxy speaking the OpenAI-compatible
// wire. Whether tools go through natively depends on which model family the
// proxy routes to, decided per model id.
type ProxyBackend struct {
	inner *OpenAIBackend
}

func NewProxyBackend(name string, cfg *config.BackendConfig) (*ProxyBackend, error) {
	inner, err := NewOpenAIBackend(name, cfg)
	if err != nil {
		return nil, err
	}
	return &ProxyBackend{inner: inner}, nil
}

func (b *ProxyBackend) Name() string { return b.inner.Name() }

func (b *ProxyBackend) BaseURL() string { return b.inner.BaseURL() }

func (b *ProxyBackend) DefaultModel() string { return b.inner.DefaultModel() }

func (b *ProxyBackend) HealthCheck(ctx context.Context) HealthStatus {
	return b.inner.HealthCheck(ctx)
}

func (b *ProxyBackend) SupportsNativeTools() bool {
	return modelSupportsNativeTools(b.inner.DefaultModel())
}

func (b *ProxyBackend) StreamChat(ctx context.Context, messages []*Message, cfg Config) (<-chan StreamEvent, error) {
	messages, cfg = b.demoteTools(messages, cfg)
	return b.inner.StreamChat(ctx, messages, cfg)
}

func (b *ProxyBackend) Complete(ctx context.Context, messages []*Message, cfg Config) (string, error) {
	messages, cfg = b.demoteTools(messages, cfg)
	return b.inner.Complete(ctx, messages, cfg)
}

// demoteTools falls back to the textual tool protocol for model families that
// reject a native tools field: schemas move into the system prompt and the
// field is dropped from the request.
func (b *ProxyBackend) demoteTools(messages []*Message, cfg Config) ([]*Message, Config) {
	if b.supportsNativeToolsFor(cfg) || len(cfg.Tools) == 0 {
		return messages, cfg
	}
	messages = InlineTextualTools(messages, cfg.Tools)
	cfg.Tools = nil
	return messages, cfg
}

func (b *ProxyBackend) supportsNativeToolsFor(cfg Config) bool {
	model := cfg.Model
	if model == "" {
		model = b.inner.DefaultModel()
	}
	return modelSupportsNativeTools(model)
}

// nativeToolPrefixes are model-family prefixes known to accept a tools field
// through the proxy. Reasoning-only families reject it regardless of prefix.
var nativeToolPrefixes = []string{
	"gpt-4",
	"gpt-5",
	"claude-",
	"anthropic/",
	"openai/",
	"gemini-",
	"mistral-",
	"llama-3",
	"qwen",
}

var reasoningOnlyMarkers = []string{
	"o1-preview",
	"o1-mini",
	"-reasoner",
}

func modelSupportsNativeTools(model string) bool {
	id := strings.ToLower(model)
	for _, marker := range reasoningOnlyMarkers {
		if strings.Contains(id, marker) {
			return false
		}
	}
	for _, prefix := range nativeToolPrefixes {
		if strings.HasPrefix(id, prefix) {
			return true
		}
	}
	return false
}
