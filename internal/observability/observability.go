// Package observability wires metrics and tracing for the control plane.
// Metrics are OpenTelemetry instruments exported through a private
// Prometheus registry; tracing is OTLP or Zipkin behind a ratio sampler.
package observability

import (
	"context"

	"runway/internal/shared/logging"
)

// Config captures the observability section of the server configuration.
type Config struct {
	Metrics MetricsConfig `yaml:"metrics" mapstructure:"metrics"`
	Tracing TracingConfig `yaml:"tracing" mapstructure:"tracing"`
}

// Observability bundles the metric collector and tracer provider.
type Observability struct {
	Metrics *MetricsCollector
	Tracer  *TracerProvider
}

// New builds the observability stack. Disabled sections yield inert
// components so call sites never need feature checks.
func New(cfg Config) (*Observability, error) {
	logger := logging.NewComponentLogger("Observability")

	metrics, err := NewMetricsCollector(cfg.Metrics)
	if err != nil {
		logger.Error("metrics init failed, continuing without metrics: %v", err)
		metrics = &MetricsCollector{}
	}

	tracer, err := NewTracerProvider(cfg.Tracing)
	if err != nil {
		logger.Error("tracing init failed, continuing without tracing: %v", err)
		tracer = &TracerProvider{}
	}

	logger.Info("observability initialized (metrics=%t tracing=%t)", cfg.Metrics.Enabled, cfg.Tracing.Enabled)
	return &Observability{Metrics: metrics, Tracer: tracer}, nil
}

// Shutdown flushes and stops both components.
func (o *Observability) Shutdown(ctx context.Context) error {
	if o == nil {
		return nil
	}
	var firstErr error
	if err := o.Metrics.Shutdown(ctx); err != nil {
		firstErr = err
	}
	if err := o.Tracer.Shutdown(ctx); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
