// Package telemetry wires OpenTelemetry tracing and metrics for both
// daemons (SPEC_FULL.md §4.9). Grounded on the teacher's
// internal/tracing/otel.go — same resource/tracer-provider/Prometheus-
// exporter construction — narrowed to use the otel/trace and otel/metric
// APIs directly instead of replicating the teacher's own
// pkg/observability.Tracer/SpanHandle abstraction layer, which exists to
// let conductor's call sites stay otel-agnostic; this module has exactly
// one observability backend and doesn't need that indirection.
package telemetry

import (
	"context"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otlptracegrpc "go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	otlptracehttp "go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	stdouttrace "go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// Exporter selects which span exporter backs the tracer provider.
type Exporter string

const (
	ExporterNone     Exporter = "none"
	ExporterStdout   Exporter = "stdout"
	ExporterOTLPGRPC Exporter = "otlp-grpc"
	ExporterOTLPHTTP Exporter = "otlp-http"
)

// Config configures one daemon's Provider.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Exporter       Exporter
	OTLPEndpoint   string // host:port, used by otlp-grpc and otlp-http
}

// Provider bundles a tracer provider and a Prometheus-backed meter
// provider for one daemon process.
type Provider struct {
	tp      *sdktrace.TracerProvider
	mp      *sdkmetric.MeterProvider
	metrics *Metrics
}

// New builds a Provider for cfg. Callers should defer Shutdown.
func New(ctx context.Context, cfg Config) (*Provider, error) {
	if cfg.ServiceVersion == "" {
		cfg.ServiceVersion = "0.1.0"
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			"",
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("telemetry: build resource: %w", err)
	}

	tpOpts := []sdktrace.TracerProviderOption{sdktrace.WithResource(res)}
	spanExporter, err := newSpanExporter(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if spanExporter != nil {
		tpOpts = append(tpOpts, sdktrace.WithBatcher(spanExporter))
	}
	tp := sdktrace.NewTracerProvider(tpOpts...)
	otel.SetTracerProvider(tp)

	promExp, err := promexporter.New()
	if err != nil {
		return nil, fmt.Errorf("telemetry: build prometheus exporter: %w", err)
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(promExp),
	)

	metrics, err := newMetrics(mp.Meter(cfg.ServiceName))
	if err != nil {
		return nil, fmt.Errorf("telemetry: build metrics: %w", err)
	}

	return &Provider{tp: tp, mp: mp, metrics: metrics}, nil
}

// newSpanExporter returns nil (no batcher registered) for ExporterNone.
func newSpanExporter(ctx context.Context, cfg Config) (sdktrace.SpanExporter, error) {
	switch cfg.Exporter {
	case "", ExporterNone:
		return nil, nil
	case ExporterStdout:
		return stdouttrace.New(stdouttrace.WithPrettyPrint())
	case ExporterOTLPGRPC:
		opts := []otlptracegrpc.Option{otlptracegrpc.WithInsecure()}
		if cfg.OTLPEndpoint != "" {
			opts = append(opts, otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint))
		}
		return otlptracegrpc.New(ctx, opts...)
	case ExporterOTLPHTTP:
		opts := []otlptracehttp.Option{otlptracehttp.WithInsecure()}
		if cfg.OTLPEndpoint != "" {
			opts = append(opts, otlptracehttp.WithEndpoint(cfg.OTLPEndpoint))
		}
		return otlptracehttp.New(ctx, opts...)
	default:
		return nil, fmt.Errorf("telemetry: unknown exporter %q", cfg.Exporter)
	}
}

// Tracer returns a tracer scoped to name.
func (p *Provider) Tracer(name string) trace.Tracer {
	return p.tp.Tracer(name)
}

// Metrics returns the task-lifecycle counters this Provider maintains.
func (p *Provider) Metrics() *Metrics {
	return p.metrics
}

// MetricsHandler serves the Prometheus default registry, which the otel
// Prometheus exporter registers into.
func (p *Provider) MetricsHandler() http.Handler {
	return promhttp.Handler()
}

// Shutdown flushes pending spans and releases both providers.
func (p *Provider) Shutdown(ctx context.Context) error {
	if err := p.tp.Shutdown(ctx); err != nil {
		return err
	}
	return p.mp.Shutdown(ctx)
}

// Metrics holds the counters both daemons increment around task dispatch.
type Metrics struct {
	tasksClaimed   metric.Int64Counter
	tasksCompleted metric.Int64Counter
	tasksFailed    metric.Int64Counter
}

func newMetrics(meter metric.Meter) (*Metrics, error) {
	claimed, err := meter.Int64Counter("agentflow.tasks.claimed",
		metric.WithDescription("control or domain tasks claimed from the queue"))
	if err != nil {
		return nil, err
	}
	completed, err := meter.Int64Counter("agentflow.tasks.completed",
		metric.WithDescription("tasks that reached a successful terminal state"))
	if err != nil {
		return nil, err
	}
	failed, err := meter.Int64Counter("agentflow.tasks.failed",
		metric.WithDescription("tasks that reached a failed terminal state"))
	if err != nil {
		return nil, err
	}
	return &Metrics{tasksClaimed: claimed, tasksCompleted: completed, tasksFailed: failed}, nil
}

// IncClaimed records one claimed task for daemon ("runner-service" or
// "agent-poller").
func (m *Metrics) IncClaimed(ctx context.Context, daemon string) {
	if m == nil {
		return
	}
	m.tasksClaimed.Add(ctx, 1, metric.WithAttributes(daemonAttr(daemon)))
}

// IncCompleted records one successfully completed task for daemon.
func (m *Metrics) IncCompleted(ctx context.Context, daemon string) {
	if m == nil {
		return
	}
	m.tasksCompleted.Add(ctx, 1, metric.WithAttributes(daemonAttr(daemon)))
}

// IncFailed records one failed task for daemon.
func (m *Metrics) IncFailed(ctx context.Context, daemon string) {
	if m == nil {
		return
	}
	m.tasksFailed.Add(ctx, 1, metric.WithAttributes(daemonAttr(daemon)))
}

func daemonAttr(daemon string) attribute.KeyValue {
	return attribute.String("daemon", daemon)
}
