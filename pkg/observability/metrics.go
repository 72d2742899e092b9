package observability

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

var (
	globalMetrics Metrics = NoopMetrics{}
	metricsMu     sync.RWMutex
)

// Metrics records gateway activity. Implementations must be safe for
// concurrent use and tolerate a nil receiver path through the noop.
type Metrics interface {
	RecordBackendCall(ctx context.Context, backend, model string, duration time.Duration, inputTokens, outputTokens int, err error)
	RecordToolExecution(ctx context.Context, tool string, duration time.Duration, err error)
	RecordIterationReport(ctx context.Context, promise string)
	RecordEscalation(ctx context.Context, level int)
	RecordCircuitOpen(ctx context.Context, backend string)
	Handler() http.Handler
}

type PrometheusMetrics struct {
	backendDuration metric.Float64Histogram
	backendCalls    metric.Int64Counter
	backendErrors   metric.Int64Counter
	inputTokens     metric.Int64Counter
	outputTokens    metric.Int64Counter

	toolDuration metric.Float64Histogram
	toolCalls    metric.Int64Counter
	toolErrors   metric.Int64Counter

	iterationReports metric.Int64Counter
	escalations      metric.Int64Counter
	circuitOpens     metric.Int64Counter
}

// InitMetrics builds a prometheus-backed Metrics and installs it globally.
func InitMetrics(ctx context.Context) (*PrometheusMetrics, error) {
	exporter, err := prometheus.New()
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	meter := provider.Meter("swarmgate")

	m := &PrometheusMetrics{}

	if m.backendDuration, err = meter.Float64Histogram(
		"swarmgate_backend_request_duration_seconds",
		metric.WithDescription("Backend request duration in seconds"),
	); err != nil {
		return nil, fmt.Errorf("failed to create backend duration histogram: %w", err)
	}
	if m.backendCalls, err = meter.Int64Counter(
		"swarmgate_backend_calls_total",
		metric.WithDescription("Total backend calls"),
	); err != nil {
		return nil, fmt.Errorf("failed to create backend calls counter: %w", err)
	}
	if m.backendErrors, err = meter.Int64Counter(
		"swarmgate_backend_errors_total",
		metric.WithDescription("Total backend errors"),
	); err != nil {
		return nil, fmt.Errorf("failed to create backend errors counter: %w", err)
	}
	if m.inputTokens, err = meter.Int64Counter(
		"swarmgate_tokens_input_total",
		metric.WithDescription("Total input tokens sent to backends"),
	); err != nil {
		return nil, fmt.Errorf("failed to create input tokens counter: %w", err)
	}
	if m.outputTokens, err = meter.Int64Counter(
		"swarmgate_tokens_output_total",
		metric.WithDescription("Total output tokens from backends"),
	); err != nil {
		return nil, fmt.Errorf("failed to create output tokens counter: %w", err)
	}
	if m.toolDuration, err = meter.Float64Histogram(
		"swarmgate_tool_execution_duration_seconds",
		metric.WithDescription("Tool execution duration in seconds"),
	); err != nil {
		return nil, fmt.Errorf("failed to create tool duration histogram: %w", err)
	}
	if m.toolCalls, err = meter.Int64Counter(
		"swarmgate_tool_calls_total",
		metric.WithDescription("Total tool calls"),
	); err != nil {
		return nil, fmt.Errorf("failed to create tool calls counter: %w", err)
	}
	if m.toolErrors, err = meter.Int64Counter(
		"swarmgate_tool_errors_total",
		metric.WithDescription("Total tool errors"),
	); err != nil {
		return nil, fmt.Errorf("failed to create tool errors counter: %w", err)
	}
	if m.iterationReports, err = meter.Int64Counter(
		"swarmgate_iteration_reports_total",
		metric.WithDescription("Total iteration reports by completion promise"),
	); err != nil {
		return nil, fmt.Errorf("failed to create iteration reports counter: %w", err)
	}
	if m.escalations, err = meter.Int64Counter(
		"swarmgate_escalations_total",
		metric.WithDescription("Total escalation level increments"),
	); err != nil {
		return nil, fmt.Errorf("failed to create escalations counter: %w", err)
	}
	if m.circuitOpens, err = meter.Int64Counter(
		"swarmgate_backend_circuit_opens_total",
		metric.WithDescription("Total backend circuit opens"),
	); err != nil {
		return nil, fmt.Errorf("failed to create circuit opens counter: %w", err)
	}

	SetGlobalMetrics(m)
	return m, nil
}

func (m *PrometheusMetrics) RecordBackendCall(ctx context.Context, backend, model string, duration time.Duration, inputTokens, outputTokens int, err error) {
	if m == nil || m.backendDuration == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("backend", backend),
		attribute.String("model", model),
	)
	m.backendDuration.Record(ctx, duration.Seconds(), attrs)
	m.backendCalls.Add(ctx, 1, attrs)
	m.inputTokens.Add(ctx, int64(inputTokens), attrs)
	m.outputTokens.Add(ctx, int64(outputTokens), attrs)
	if err != nil {
		m.backendErrors.Add(ctx, 1, attrs)
	}
}

func (m *PrometheusMetrics) RecordToolExecution(ctx context.Context, tool string, duration time.Duration, err error) {
	if m == nil || m.toolDuration == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("tool", tool))
	m.toolDuration.Record(ctx, duration.Seconds(), attrs)
	m.toolCalls.Add(ctx, 1, attrs)
	if err != nil {
		m.toolErrors.Add(ctx, 1, attrs)
	}
}

func (m *PrometheusMetrics) RecordIterationReport(ctx context.Context, promise string) {
	if m == nil || m.iterationReports == nil {
		return
	}
	m.iterationReports.Add(ctx, 1, metric.WithAttributes(attribute.String("promise", promise)))
}

func (m *PrometheusMetrics) RecordEscalation(ctx context.Context, level int) {
	if m == nil || m.escalations == nil {
		return
	}
	m.escalations.Add(ctx, 1, metric.WithAttributes(attribute.Int("level", level)))
}

func (m *PrometheusMetrics) RecordCircuitOpen(ctx context.Context, backend string) {
	if m == nil || m.circuitOpens == nil {
		return
	}
	m.circuitOpens.Add(ctx, 1, metric.WithAttributes(attribute.String("backend", backend)))
}

func (m *PrometheusMetrics) Handler() http.Handler {
	return promhttp.Handler()
}

// NoopMetrics discards every record. Used when metrics are disabled.
type NoopMetrics struct{}

func (NoopMetrics) RecordBackendCall(_ context.Context, _, _ string, _ time.Duration, _, _ int, _ error) {
}
func (NoopMetrics) RecordToolExecution(_ context.Context, _ string, _ time.Duration, _ error) {}
func (NoopMetrics) RecordIterationReport(_ context.Context, _ string)                        {}
func (NoopMetrics) RecordEscalation(_ context.Context, _ int)                                {}
func (NoopMetrics) RecordCircuitOpen(_ context.Context, _ string)                            {}

func (NoopMetrics) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("metrics not enabled"))
	})
}

func SetGlobalMetrics(m Metrics) {
	metricsMu.Lock()
	defer metricsMu.Unlock()
	globalMetrics = m
}

func GetGlobalMetrics() Metrics {
	metricsMu.RLock()
	defer metricsMu.RUnlock()
	return globalMetrics
}

var (
	_ Metrics = (*PrometheusMetrics)(nil)
	_ Metrics = NoopMetrics{}
)
