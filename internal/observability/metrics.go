package observability

import (
	"context"
	"fmt"
	"net/http"
	"time"

	promclient "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// MetricsConfig configures the metric collector.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled" mapstructure:"enabled"`
}

// MetricsCollector owns the control-plane instruments. It registers them
// on a private Prometheus registry so exposition stays scoped to the
// handler returned by Handler instead of the process-global registry.
// All record methods are safe on a nil or disabled collector.
type MetricsCollector struct {
	registry *promclient.Registry
	provider *sdkmetric.MeterProvider
	meter    metric.Meter

	runsStarted     metric.Int64Counter
	runsFinished    metric.Int64Counter
	eventsPublished metric.Int64Counter
	callbacks       metric.Int64Counter
	reconciles      metric.Int64Counter
	syncs           metric.Int64Counter
	sseConnections  metric.Int64UpDownCounter

	httpRequests metric.Int64Counter
	httpLatency  metric.Float64Histogram
}

// NewMetricsCollector builds the collector. Disabled config returns an
// inert collector whose Handler still serves an empty exposition.
func NewMetricsCollector(cfg MetricsConfig) (*MetricsCollector, error) {
	if !cfg.Enabled {
		return &MetricsCollector{}, nil
	}

	registry := promclient.NewRegistry()
	exporter, err := prometheus.New(prometheus.WithRegisterer(registry))
	if err != nil {
		return nil, fmt.Errorf("create prometheus exporter: %w", err)
	}

	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	meter := provider.Meter("runway")

	m := &MetricsCollector{
		registry: registry,
		provider: provider,
		meter:    meter,
	}

	if m.runsStarted, err = meter.Int64Counter(
		"runway.runs.started.total",
		metric.WithDescription("Runs accepted by the orchestrator"),
		metric.WithUnit("{run}"),
	); err != nil {
		return nil, fmt.Errorf("create runs_started counter: %w", err)
	}

	if m.runsFinished, err = meter.Int64Counter(
		"runway.runs.finished.total",
		metric.WithDescription("Runs reaching a terminal status"),
		metric.WithUnit("{run}"),
	); err != nil {
		return nil, fmt.Errorf("create runs_finished counter: %w", err)
	}

	if m.eventsPublished, err = meter.Int64Counter(
		"runway.events.published.total",
		metric.WithDescription("Events published on the run bus"),
		metric.WithUnit("{event}"),
	); err != nil {
		return nil, fmt.Errorf("create events_published counter: %w", err)
	}

	if m.callbacks, err = meter.Int64Counter(
		"runway.callbacks.total",
		metric.WithDescription("Provider callbacks ingested"),
		metric.WithUnit("{callback}"),
	); err != nil {
		return nil, fmt.Errorf("create callbacks counter: %w", err)
	}

	if m.reconciles, err = meter.Int64Counter(
		"runway.reconciler.outcomes.total",
		metric.WithDescription("Per-item reconciler sweep outcomes"),
		metric.WithUnit("{item}"),
	); err != nil {
		return nil, fmt.Errorf("create reconciler counter: %w", err)
	}

	if m.syncs, err = meter.Int64Counter(
		"runway.syncs.total",
		metric.WithDescription("Workspace sync executions"),
		metric.WithUnit("{sync}"),
	); err != nil {
		return nil, fmt.Errorf("create syncs counter: %w", err)
	}

	if m.sseConnections, err = meter.Int64UpDownCounter(
		"runway.sse.connections.active",
		metric.WithDescription("Active SSE and WebSocket stream subscribers"),
		metric.WithUnit("{connection}"),
	); err != nil {
		return nil, fmt.Errorf("create sse_connections gauge: %w", err)
	}

	if m.httpRequests, err = meter.Int64Counter(
		"runway.http.requests.total",
		metric.WithDescription("HTTP requests handled by the server"),
		metric.WithUnit("{request}"),
	); err != nil {
		return nil, fmt.Errorf("create http_requests counter: %w", err)
	}

	if m.httpLatency, err = meter.Float64Histogram(
		"runway.http.latency",
		metric.WithDescription("HTTP request latency in seconds"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, fmt.Errorf("create http_latency histogram: %w", err)
	}

	return m, nil
}

// Handler serves the private registry in Prometheus exposition format.
func (m *MetricsCollector) Handler() http.Handler {
	if m == nil || m.registry == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "text/plain; charset=utf-8")
			w.WriteHeader(http.StatusOK)
		})
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Shutdown flushes the meter provider.
func (m *MetricsCollector) Shutdown(ctx context.Context) error {
	if m == nil || m.provider == nil {
		return nil
	}
	return m.provider.Shutdown(ctx)
}

// RecordRunStarted counts an accepted run.
func (m *MetricsCollector) RecordRunStarted(ctx context.Context, providerKind string) {
	if m == nil || m.runsStarted == nil {
		return
	}
	m.runsStarted.Add(ctx, 1, metric.WithAttributes(attribute.String("provider", providerKind)))
}

// RecordRunFinished counts a terminal run by status.
func (m *MetricsCollector) RecordRunFinished(ctx context.Context, status string) {
	if m == nil || m.runsFinished == nil {
		return
	}
	m.runsFinished.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

// RecordEventPublished counts a bus publish by event kind.
func (m *MetricsCollector) RecordEventPublished(ctx context.Context, kind string) {
	if m == nil || m.eventsPublished == nil {
		return
	}
	m.eventsPublished.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

// RecordCallback counts an ingested callback by kind and duplicate flag.
func (m *MetricsCollector) RecordCallback(ctx context.Context, kind string, duplicate bool) {
	if m == nil || m.callbacks == nil {
		return
	}
	m.callbacks.Add(ctx, 1, metric.WithAttributes(
		attribute.String("kind", kind),
		attribute.Bool("duplicate", duplicate),
	))
}

// RecordReconcileOutcome counts one reconciler item outcome per sweep.
func (m *MetricsCollector) RecordReconcileOutcome(ctx context.Context, sweep, outcome string) {
	if m == nil || m.reconciles == nil {
		return
	}
	m.reconciles.Add(ctx, 1, metric.WithAttributes(
		attribute.String("sweep", sweep),
		attribute.String("outcome", outcome),
	))
}

// RecordSync counts a workspace sync by trigger reason and result.
func (m *MetricsCollector) RecordSync(ctx context.Context, reason, status string) {
	if m == nil || m.syncs == nil {
		return
	}
	m.syncs.Add(ctx, 1, metric.WithAttributes(
		attribute.String("reason", reason),
		attribute.String("status", status),
	))
}

// IncrementStreamSubscribers bumps the active-subscriber gauge.
func (m *MetricsCollector) IncrementStreamSubscribers(ctx context.Context) {
	if m == nil || m.sseConnections == nil {
		return
	}
	m.sseConnections.Add(ctx, 1)
}

// DecrementStreamSubscribers drops the active-subscriber gauge.
func (m *MetricsCollector) DecrementStreamSubscribers(ctx context.Context) {
	if m == nil || m.sseConnections == nil {
		return
	}
	m.sseConnections.Add(ctx, -1)
}

// RecordHTTPServerRequest records one handled request.
func (m *MetricsCollector) RecordHTTPServerRequest(ctx context.Context, method, route string, status int, duration time.Duration) {
	if m == nil || m.httpRequests == nil || m.httpLatency == nil {
		return
	}
	m.httpRequests.Add(ctx, 1, metric.WithAttributes(
		attribute.String("http.method", method),
		attribute.String("http.route", route),
		attribute.Int("http.status_code", status),
	))
	m.httpLatency.Record(ctx, duration.Seconds(), metric.WithAttributes(
		attribute.String("http.method", method),
		attribute.String("http.route", route),
	))
}
