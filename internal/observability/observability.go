// Package observability wires OpenTelemetry tracing and metrics for the
// Brain and its workers. Metrics export through a per-instance Prometheus
// registry served on /metrics; traces stay in-process and exist to mint
// W3C trace context that rides bus envelopes across process boundaries.
package observability

import (
	"context"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const instrumentationName = "cortex"

// Config configures tracing and metrics.
type Config struct {
	ServiceName    string
	ServiceVersion string
	SampleRate     float64 // 0.0 to 1.0; out of range means sample everything
}

// Observability bundles the tracer, the metric recorders, and the
// Prometheus scrape handler. A nil *Observability is valid and disables
// everything, so components can run without it wired.
type Observability struct {
	tracer  trace.Tracer
	metrics *Metrics
	handler http.Handler

	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
}

// New builds the tracer and meter providers and installs them as the
// OpenTelemetry globals, with W3C trace context as the propagator.
func New(cfg Config) (*Observability, error) {
	if cfg.ServiceName == "" {
		cfg.ServiceName = instrumentationName
	}
	if cfg.SampleRate <= 0 || cfg.SampleRate > 1.0 {
		cfg.SampleRate = 1.0
	}

	res, err := resource.New(
		context.Background(),
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("observability: build resource: %w", err)
	}

	registry := prometheus.NewRegistry()
	exporter, err := otelprom.New(otelprom.WithRegisterer(registry))
	if err != nil {
		return nil, fmt.Errorf("observability: prometheus exporter: %w", err)
	}
	meterProvider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(exporter),
		sdkmetric.WithResource(res),
	)

	tracerProvider := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.TraceIDRatioBased(cfg.SampleRate)),
	)

	otel.SetTracerProvider(tracerProvider)
	otel.SetMeterProvider(meterProvider)
	otel.SetTextMapPropagator(propagation.TraceContext{})

	metrics, err := newMetrics(meterProvider.Meter(instrumentationName))
	if err != nil {
		return nil, err
	}

	return &Observability{
		tracer:         tracerProvider.Tracer(instrumentationName),
		metrics:        metrics,
		handler:        promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		tracerProvider: tracerProvider,
		meterProvider:  meterProvider,
	}, nil
}

// Tracer returns the tracer. A nil receiver returns a noop tracer.
func (o *Observability) Tracer() trace.Tracer {
	if o == nil || o.tracer == nil {
		return noop.NewTracerProvider().Tracer(instrumentationName)
	}
	return o.tracer
}

// Metrics returns the metric recorders. All recorder methods tolerate a
// nil receiver, so this is safe to chain off a nil Observability.
func (o *Observability) Metrics() *Metrics {
	if o == nil {
		return nil
	}
	return o.metrics
}

// MetricsHandler returns the Prometheus scrape handler.
func (o *Observability) MetricsHandler() http.Handler {
	if o == nil || o.handler == nil {
		return http.NotFoundHandler()
	}
	return o.handler
}

// StartSpan opens a span on the bundled tracer.
func (o *Observability) StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return o.Tracer().Start(ctx, name, trace.WithAttributes(attrs...))
}

// Shutdown flushes and stops both providers.
func (o *Observability) Shutdown(ctx context.Context) error {
	if o == nil {
		return nil
	}
	var firstErr error
	if o.tracerProvider != nil {
		if err := o.tracerProvider.Shutdown(ctx); err != nil {
			firstErr = err
		}
	}
	if o.meterProvider != nil {
		if err := o.meterProvider.Shutdown(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
