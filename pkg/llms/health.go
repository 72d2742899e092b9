package llms

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/swarmgate/swarmgate/pkg/config"
)

// ErrNoHealthyBackend is returned when the whole chain has been exhausted.
var ErrNoHealthyBackend = errors.New("no healthy backend")

type backendState struct {
	consecutiveFailures int
	lastFailure         time.Time
	circuitOpen         bool
}

type cachedHealth struct {
	status   HealthStatus
	cachedAt time.Time
}

// Router picks one healthy backend from the configured chain, caching health
// probes and opening a per-backend circuit after repeated failure. The
// circuit is half-open once the cooldown elapses: the next probe decides.
type Router struct {
	registry *BackendRegistry
	chain    []string
	cfg      config.RouterConfig

	mu     sync.Mutex
	states map[string]*backendState
	cache  map[string]cachedHealth

	now func() time.Time
}

func NewRouter(registry *BackendRegistry, chain []string, cfg config.RouterConfig) *Router {
	return &Router{
		registry: registry,
		chain:    chain,
		cfg:      cfg,
		states:   make(map[string]*backendState),
		cache:    make(map[string]cachedHealth),
		now:      time.Now,
	}
}

// PickHealthy walks the chain in order and returns the first healthy backend.
// Open circuits inside their cooldown window are skipped without probing.
func (r *Router) PickHealthy(ctx context.Context) (Backend, error) {
	if len(r.chain) == 0 {
		return nil, fmt.Errorf("%w: backend chain is empty", ErrNoHealthyBackend)
	}

	var summaries []string

	for _, name := range r.chain {
		if r.circuitBlocked(name) {
			summaries = append(summaries, fmt.Sprintf("%s: circuit open", name))
			continue
		}

		backend, err := r.registry.Get(name)
		if err != nil {
			summaries = append(summaries, fmt.Sprintf("%s: %v", name, err))
			continue
		}

		// Only a fresh ok entry short-circuits. An unhealthy entry is probed
		// again so failure accounting advances on every pick, not once per
		// TTL window.
		if status, ok := r.cachedStatus(name); ok && status.OK {
			return backend, nil
		}

		probeCtx, cancel := context.WithTimeout(ctx, r.cfg.ProbeTimeout())
		status := backend.HealthCheck(probeCtx)
		cancel()

		r.storeProbe(name, status)

		if status.OK {
			r.ReportSuccess(name)
			return backend, nil
		}

		detail := fmt.Sprintf("%v", status.Detail)
		summaries = append(summaries, fmt.Sprintf("%s: probe failed (%s)", name, detail))
		r.ReportFailure(name)
	}

	return nil, fmt.Errorf("%w: %s", ErrNoHealthyBackend, strings.Join(summaries, "; "))
}

// ReportFailure records one failure against a backend; reaching the threshold
// opens its circuit.
func (r *Router) ReportFailure(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	state := r.state(name)
	state.consecutiveFailures++
	state.lastFailure = r.now()
	if state.consecutiveFailures >= r.cfg.FailureThreshold {
		if !state.circuitOpen {
			slog.Warn("Backend circuit opened", "backend", name, "failures", state.consecutiveFailures)
		}
		state.circuitOpen = true
	}
}

// ReportSuccess clears failure accounting and closes the circuit.
func (r *Router) ReportSuccess(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	state := r.state(name)
	if state.circuitOpen {
		slog.Info("Backend circuit closed", "backend", name)
	}
	state.consecutiveFailures = 0
	state.circuitOpen = false
}

// Invalidate drops the cached health entry for one backend.
func (r *Router) Invalidate(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.cache, name)
}

// InvalidateAll drops every cached health entry.
func (r *Router) InvalidateAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cache = make(map[string]cachedHealth)
}

// State reports the failure counter and circuit flag for a backend.
func (r *Router) State(name string) (failures int, circuitOpen bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	state := r.state(name)
	return state.consecutiveFailures, state.circuitOpen
}

func (r *Router) circuitBlocked(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	state := r.state(name)
	if !state.circuitOpen {
		return false
	}
	// Cooldown elapsed: half-open, allow one probe through.
	return r.now().Sub(state.lastFailure) < r.cfg.Cooldown()
}

func (r *Router) cachedStatus(name string) (HealthStatus, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.cache[name]
	if !ok {
		return HealthStatus{}, false
	}
	if r.now().Sub(entry.cachedAt) >= r.cfg.HealthTTL() {
		return HealthStatus{}, false
	}
	return entry.status, true
}

func (r *Router) storeProbe(name string, status HealthStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cache[name] = cachedHealth{status: status, cachedAt: r.now()}
}

func (r *Router) state(name string) *backendState {
	state, ok := r.states[name]
	if !ok {
		state = &backendState{}
		r.states[name] = state
	}
	return state
}
