package llms

import (
	"fmt"
	"sync"

	"github.com/swarmgate/swarmgate/pkg/config"
)

// Closed set of backend names.
const (
	BackendLocalOpenAI  = "local-openai"
	BackendAnthropic    = "anthropic"
	BackendAnthropicCLI = "anthropic-cli"
	BackendProxy        = "llm-proxy"
)

type constructor func(name string, cfg *config.BackendConfig) (Backend, error)

var constructors = map[string]constructor{
	BackendLocalOpenAI: func(name string, cfg *config.BackendConfig) (Backend, error) {
		return NewOpenAIBackend(name, cfg)
	},
	BackendAnthropic: func(name string, cfg *config.BackendConfig) (Backend, error) {
		return NewAnthropicBackend(name, cfg)
	},
	BackendAnthropicCLI: func(name string, cfg *config.BackendConfig) (Backend, error) {
		return NewTextualBackend(name, cfg)
	},
	BackendProxy: func(name string, cfg *config.BackendConfig) (Backend, error) {
		return NewProxyBackend(name, cfg)
	},
}

// BackendInfo describes one registered backend and its capability flags.
type BackendInfo struct {
	Name         string `json:"name"`
	NativeTools  bool   `json:"native_tools"`
	DefaultModel string `json:"default_model"`
}

// BackendRegistry maps the closed backend-name set to constructors and caches
// singletons per name. Get returns the cached singleton; Create always builds
// a fresh instance.
type BackendRegistry struct {
	mu         sync.Mutex
	configs    map[string]*config.BackendConfig
	singletons map[string]Backend
}

func NewBackendRegistry(configs map[string]*config.BackendConfig) *BackendRegistry {
	return &BackendRegistry{
		configs:    configs,
		singletons: make(map[string]Backend),
	}
}

func (r *BackendRegistry) Get(name string) (Backend, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if backend, ok := r.singletons[name]; ok {
		return backend, nil
	}

	backend, err := r.build(name, nil)
	if err != nil {
		return nil, err
	}

	r.singletons[name] = backend
	return backend, nil
}

// Create builds a fresh instance, optionally overriding config fields.
func (r *BackendRegistry) Create(name string, overrides *config.BackendConfig) (Backend, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.build(name, overrides)
}

func (r *BackendRegistry) build(name string, overrides *config.BackendConfig) (Backend, error) {
	ctor, ok := constructors[name]
	if !ok {
		return nil, fmt.Errorf("configuration error: unknown backend '%s'", name)
	}

	cfg, ok := r.configs[name]
	if !ok {
		return nil, fmt.Errorf("configuration error: backend '%s' is not configured", name)
	}

	if overrides != nil {
		merged := *cfg
		if overrides.BaseURL != "" {
			merged.BaseURL = overrides.BaseURL
		}
		if overrides.Model != "" {
			merged.Model = overrides.Model
		}
		if overrides.APIKey != "" {
			merged.APIKey = overrides.APIKey
		}
		if overrides.MaxTokens > 0 {
			merged.MaxTokens = overrides.MaxTokens
		}
		if overrides.Temperature != 0 {
			merged.Temperature = overrides.Temperature
		}
		cfg = &merged
	}

	return ctor(name, cfg)
}

// List reports every configured backend with its capability flags.
func (r *BackendRegistry) List() []BackendInfo {
	r.mu.Lock()
	names := make([]string, 0, len(r.configs))
	for name := range r.configs {
		names = append(names, name)
	}
	r.mu.Unlock()

	infos := make([]BackendInfo, 0, len(names))
	for _, name := range names {
		backend, err := r.Get(name)
		if err != nil {
			continue
		}
		infos = append(infos, BackendInfo{
			Name:         name,
			NativeTools:  backend.SupportsNativeTools(),
			DefaultModel: backend.DefaultModel(),
		})
	}
	return infos
}
