// Package otel builds the tracer and meter the reducer stack reports through.
// With telemetry disabled every instrument is a no-op, so callers never
// branch on configuration.
package otel

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"
)

const (
	// TracerName is the instrumentation scope name for reducer traces.
	TracerName = "policyd"
	// MeterName is the instrumentation scope name for reducer metrics.
	MeterName = "policyd"
	// Version is the policyd version reported in telemetry.
	Version = "v0.3.0"

	defaultEndpoint       = "localhost:4318"
	defaultMetricInterval = 30 * time.Second
)

var ErrUnknownExporter = errors.New("unknown exporter")

type Config struct {
	Enabled     bool    `yaml:"enabled"`
	Exporter    string  `yaml:"exporter"` // otlp-http (default), stdout, none
	Endpoint    string  `yaml:"endpoint"`
	ServiceName string  `yaml:"service_name"`
	SampleRate  float64 `yaml:"sample_rate"`
	// MetricsEnabled defaults to true when telemetry is enabled.
	MetricsEnabled *bool `yaml:"metrics_enabled,omitempty"`
	// MetricsExporter is none (record only) or stdout.
	MetricsExporter        string `yaml:"metrics_exporter"`
	MetricsIntervalSeconds int    `yaml:"metrics_interval_seconds"`
}

func (c Config) metricsEnabled() bool {
	return c.MetricsEnabled == nil || *c.MetricsEnabled
}

// Provider holds the tracer and meter handed to the reducer stack.
type Provider struct {
	TracerProvider *sdktrace.TracerProvider
	MeterProvider  metric.MeterProvider
	Tracer         trace.Tracer
	Meter          metric.Meter
	shutdowns      []func(context.Context) error
}

// GlobalTracer returns the tracer registered by Init, or a no-op tracer when
// Init has not run. Transports use it so they need no provider plumbing.
func GlobalTracer() trace.Tracer {
	return otel.Tracer(TracerName)
}

// Init builds the providers described by cfg and registers the tracer
// provider globally. The result must be Shutdown on exit.
func Init(ctx context.Context, cfg Config) (*Provider, error) {
	if !cfg.Enabled {
		return disabled(), nil
	}

	serviceName := cfg.ServiceName
	if serviceName == "" {
		serviceName = "policyd"
	}
	res, err := resource.New(ctx, resource.WithAttributes(
		semconv.ServiceName(serviceName),
		attribute.String("policyd.version", Version),
	))
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	p := &Provider{}
	tp, err := newTracerProvider(ctx, cfg, res)
	if err != nil {
		return nil, err
	}
	otel.SetTracerProvider(tp)
	p.TracerProvider = tp
	p.Tracer = tp.Tracer(TracerName)
	p.shutdowns = append(p.shutdowns, tp.Shutdown)

	if !cfg.metricsEnabled() {
		mp := noop.NewMeterProvider()
		p.MeterProvider, p.Meter = mp, mp.Meter(MeterName)
		return p, nil
	}
	mp, err := newMeterProvider(cfg, res)
	if err != nil {
		_ = tp.Shutdown(ctx)
		return nil, err
	}
	p.MeterProvider, p.Meter = mp, mp.Meter(MeterName)
	p.shutdowns = append(p.shutdowns, mp.Shutdown)
	return p, nil
}

func disabled() *Provider {
	mp := noop.NewMeterProvider()
	return &Provider{
		Tracer:        nooptrace.NewTracerProvider().Tracer(TracerName),
		MeterProvider: mp,
		Meter:         mp.Meter(MeterName),
	}
}

func newTracerProvider(ctx context.Context, cfg Config, res *resource.Resource) (*sdktrace.TracerProvider, error) {
	var exporter sdktrace.SpanExporter
	var err error
	switch cfg.Exporter {
	case "otlp-http", "":
		endpoint := cfg.Endpoint
		if endpoint == "" {
			endpoint = defaultEndpoint
		}
		exporter, err = otlptracehttp.New(ctx, otlptracehttp.WithEndpoint(endpoint), otlptracehttp.WithInsecure())
	case "stdout":
		exporter, err = stdouttrace.New(stdouttrace.WithPrettyPrint())
	case "none":
		exporter = discardExporter{}
	default:
		return nil, fmt.Errorf("%w %q for traces (otlp-http, stdout, none)", ErrUnknownExporter, cfg.Exporter)
	}
	if err != nil {
		return nil, fmt.Errorf("create span exporter: %w", err)
	}

	rate := cfg.SampleRate
	if rate <= 0 || rate > 1 {
		rate = 1
	}
	return sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(rate))),
	), nil
}

func newMeterProvider(cfg Config, res *resource.Resource) (*sdkmetric.MeterProvider, error) {
	switch cfg.MetricsExporter {
	case "", "none":
		// Instruments still aggregate; nothing reads them out.
		return sdkmetric.NewMeterProvider(sdkmetric.WithResource(res)), nil
	case "stdout":
		exporter, err := stdoutmetric.New()
		if err != nil {
			return nil, fmt.Errorf("create metric exporter: %w", err)
		}
		interval := defaultMetricInterval
		if cfg.MetricsIntervalSeconds > 0 {
			interval = time.Duration(cfg.MetricsIntervalSeconds) * time.Second
		}
		return sdkmetric.NewMeterProvider(
			sdkmetric.WithResource(res),
			sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(interval))),
		), nil
	}
	return nil, fmt.Errorf("%w %q for metrics (none, stdout)", ErrUnknownExporter, cfg.MetricsExporter)
}

// Shutdown flushes pending spans and metrics. Safe on a disabled provider.
func (p *Provider) Shutdown(ctx context.Context) error {
	var errs []error
	for i := len(p.shutdowns) - 1; i >= 0; i-- {
		errs = append(errs, p.shutdowns[i](ctx))
	}
	p.shutdowns = nil
	return errors.Join(errs...)
}

// discardExporter drops every span; exporter "none" keeps sampling and span
// plumbing live without shipping anything.
type discardExporter struct{}

func (discardExporter) ExportSpans(context.Context, []sdktrace.ReadOnlySpan) error {
	return nil
}

func (discardExporter) Shutdown(context.Context) error {
	return nil
}
