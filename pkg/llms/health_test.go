package llms

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/swarmgate/swarmgate/pkg/config"
)

func routerFixture(t *testing.T, healthy *atomic.Bool) (*Router, *httptest.Server) {
	t.Helper()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/models" && healthy.Load() {
			w.WriteHeader(http.StatusOK)
			w.Write([]byte(`{"data":[]}`))
			return
		}
		// 404 keeps failing probes fast: the client does not retry it.
		w.WriteHeader(http.StatusNotFound)
	}))
	t.Cleanup(server.Close)

	registry := NewBackendRegistry(map[string]*config.BackendConfig{
		BackendLocalOpenAI: {BaseURL: server.URL, Model: "test-model"},
	})

	router := NewRouter(registry, []string{BackendLocalOpenAI}, config.RouterConfig{
		FailureThreshold: 3,
		CooldownSeconds:  60,
		HealthTTLSeconds: 30,
		ProbeTimeoutSecs: 5,
	})
	return router, server
}

func TestPickHealthyReturnsFirstHealthyBackend(t *testing.T) {
	var healthy atomic.Bool
	healthy.Store(true)
	router, _ := routerFixture(t, &healthy)

	backend, err := router.PickHealthy(context.Background())
	if err != nil {
		t.Fatalf("PickHealthy() error = %v", err)
	}
	if backend.Name() != BackendLocalOpenAI {
		t.Errorf("backend = %s, want %s", backend.Name(), BackendLocalOpenAI)
	}
}

func TestPickHealthyUsesCachedProbeWithinTTL(t *testing.T) {
	var healthy atomic.Bool
	healthy.Store(true)
	router, _ := routerFixture(t, &healthy)

	if _, err := router.PickHealthy(context.Background()); err != nil {
		t.Fatalf("first PickHealthy() error = %v", err)
	}

	// The backend goes down but the cached probe is still fresh.
	healthy.Store(false)
	if _, err := router.PickHealthy(context.Background()); err != nil {
		t.Fatalf("cached PickHealthy() error = %v", err)
	}
}

func TestPickHealthyExpiresCacheAfterTTL(t *testing.T) {
	var healthy atomic.Bool
	healthy.Store(true)
	router, _ := routerFixture(t, &healthy)

	base := time.Now()
	router.now = func() time.Time { return base }

	if _, err := router.PickHealthy(context.Background()); err != nil {
		t.Fatalf("first PickHealthy() error = %v", err)
	}

	healthy.Store(false)
	router.now = func() time.Time { return base.Add(31 * time.Second) }

	if _, err := router.PickHealthy(context.Background()); err == nil {
		t.Fatal("expected error after cache expiry against unhealthy backend")
	}
}

func TestPickHealthyReprobesCachedUnhealthy(t *testing.T) {
	var healthy atomic.Bool
	router, _ := routerFixture(t, &healthy)

	// Each pick re-probes a failing backend even while the cache entry is
	// fresh, so the circuit opens after threshold picks, not threshold TTL
	// windows.
	for i := 0; i < 3; i++ {
		if _, err := router.PickHealthy(context.Background()); err == nil {
			t.Fatalf("pick %d against unhealthy backend should fail", i+1)
		}
	}

	failures, open := router.State(BackendLocalOpenAI)
	if failures != 3 || !open {
		t.Errorf("State() = (%d, %v), want (3, true)", failures, open)
	}
}

func TestInvalidateDropsCachedHealth(t *testing.T) {
	var healthy atomic.Bool
	healthy.Store(true)
	router, _ := routerFixture(t, &healthy)

	if _, err := router.PickHealthy(context.Background()); err != nil {
		t.Fatalf("first PickHealthy() error = %v", err)
	}

	healthy.Store(false)
	router.Invalidate(BackendLocalOpenAI)

	if _, err := router.PickHealthy(context.Background()); err == nil {
		t.Fatal("expected fresh probe to fail after invalidation")
	}
}

func TestCircuitOpensAtThresholdAndHalfOpensAfterCooldown(t *testing.T) {
	var healthy atomic.Bool
	router, _ := routerFixture(t, &healthy)

	base := time.Now()
	router.now = func() time.Time { return base }

	for i := 0; i < 3; i++ {
		router.ReportFailure(BackendLocalOpenAI)
	}

	failures, open := router.State(BackendLocalOpenAI)
	if failures != 3 || !open {
		t.Fatalf("State() = (%d, %v), want (3, true)", failures, open)
	}
	if !router.circuitBlocked(BackendLocalOpenAI) {
		t.Error("circuit should block within cooldown")
	}

	// After the cooldown the circuit is half-open: one probe goes through.
	router.now = func() time.Time { return base.Add(61 * time.Second) }
	if router.circuitBlocked(BackendLocalOpenAI) {
		t.Error("circuit should half-open after cooldown")
	}

	router.ReportSuccess(BackendLocalOpenAI)
	failures, open = router.State(BackendLocalOpenAI)
	if failures != 0 || open {
		t.Errorf("State() after success = (%d, %v), want (0, false)", failures, open)
	}
}

func TestPickHealthySkipsOpenCircuit(t *testing.T) {
	var healthy atomic.Bool
	healthy.Store(true)
	router, _ := routerFixture(t, &healthy)

	for i := 0; i < 3; i++ {
		router.ReportFailure(BackendLocalOpenAI)
	}

	_, err := router.PickHealthy(context.Background())
	if err == nil {
		t.Fatal("expected chain exhaustion while circuit is open")
	}
}

func TestRegistryRejectsUnknownBackendName(t *testing.T) {
	registry := NewBackendRegistry(map[string]*config.BackendConfig{})
	if _, err := registry.Get("mystery-backend"); err == nil {
		t.Fatal("expected error for unknown backend name")
	}
}

func TestRegistryGetReturnsSingleton(t *testing.T) {
	registry := NewBackendRegistry(map[string]*config.BackendConfig{
		BackendLocalOpenAI: {BaseURL: "http://localhost:1234/v1", Model: "m"},
	})

	first, err := registry.Get(BackendLocalOpenAI)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	second, err := registry.Get(BackendLocalOpenAI)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if first != second {
		t.Error("Get() should return the cached singleton")
	}

	fresh, err := registry.Create(BackendLocalOpenAI, &config.BackendConfig{Model: "other"})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if fresh == first {
		t.Error("Create() should build a fresh instance")
	}
	if fresh.DefaultModel() != "other" {
		t.Errorf("override model = %s, want other", fresh.DefaultModel())
	}
}
