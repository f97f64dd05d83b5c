// Package otel wires OpenTelemetry tracing and metrics for the chat
// pipeline. When telemetry is disabled every instrument is a no-op.
package otel

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	"github.com/basket/taskchat/internal/config"
)

const (
	TracerName = "taskchat"
	MeterName  = "taskchat"
	Version    = "v0.3.0"
)

// Config is the telemetry section of config.yaml.
type Config = config.TelemetryConfig

// Provider bundles the tracer, meter and pipeline instruments.
type Provider struct {
	TracerProvider *sdktrace.TracerProvider
	MeterProvider  metric.MeterProvider
	Tracer         trace.Tracer
	Meter          metric.Meter
	Metrics        *Metrics
	shutdown       func(context.Context) error
}

// Disabled returns a provider whose instruments record nothing.
func Disabled() *Provider {
	mp := noop.NewMeterProvider()
	meter := mp.Meter(MeterName)
	m, _ := NewMetrics(meter)
	return &Provider{
		Tracer:        nooptrace.NewTracerProvider().Tracer(TracerName),
		Meter:         meter,
		MeterProvider: mp,
		Metrics:       m,
		shutdown:      func(context.Context) error { return nil },
	}
}

// spanExporters maps the telemetry.exporter setting to a constructor.
var spanExporters = map[string]func(ctx context.Context, cfg Config) (sdktrace.SpanExporter, error){
	"otlp-http": func(ctx context.Context, cfg Config) (sdktrace.SpanExporter, error) {
		return otlptracehttp.New(ctx,
			otlptracehttp.WithEndpoint(cmp.Or(cfg.Endpoint, "localhost:4318")),
			otlptracehttp.WithInsecure(),
		)
	},
	"stdout": func(context.Context, Config) (sdktrace.SpanExporter, error) {
		return stdouttrace.New(stdouttrace.WithPrettyPrint())
	},
	"none": func(context.Context, Config) (sdktrace.SpanExporter, error) {
		return discardExporter{}, nil
	},
}

// Init builds the tracing and metrics pipeline described by cfg. The
// returned Provider must be shut down on exit.
func Init(ctx context.Context, cfg Config) (*Provider, error) {
	if !cfg.Enabled {
		return Disabled(), nil
	}
	exporterName := cmp.Or(cfg.Exporter, "otlp-http")
	newExporter, ok := spanExporters[exporterName]
	if !ok {
		return nil, fmt.Errorf("unknown telemetry exporter %q (want one of: %s)",
			exporterName, strings.Join(slices.Sorted(maps.Keys(spanExporters)), ", "))
	}

	res, err := resource.New(ctx, resource.WithAttributes(
		semconv.ServiceName(cmp.Or(cfg.ServiceName, "taskchat")),
		attribute.String("taskchat.version", Version),
	))
	if err != nil {
		return nil, fmt.Errorf("telemetry resource: %w", err)
	}
	exporter, err := newExporter(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("telemetry exporter %s: %w", exporterName, err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(sampleRatio(cfg.SampleRate)))),
	)
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithResource(res))
	meter := mp.Meter(MeterName)
	metrics, err := NewMetrics(meter)
	if err != nil {
		return nil, errors.Join(fmt.Errorf("telemetry metrics: %w", err), tp.Shutdown(ctx), mp.Shutdown(ctx))
	}
	otel.SetTracerProvider(tp)

	return &Provider{
		TracerProvider: tp,
		MeterProvider:  mp,
		Tracer:         tp.Tracer(TracerName),
		Meter:          meter,
		Metrics:        metrics,
		shutdown: func(ctx context.Context) error {
			return errors.Join(tp.Shutdown(ctx), mp.Shutdown(ctx))
		},
	}, nil
}

// sampleRatio treats an unset or out-of-range rate as "sample everything".
func sampleRatio(rate float64) float64 {
	if rate <= 0 || rate > 1 {
		return 1
	}
	return rate
}

// Shutdown flushes pending spans and metrics.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p == nil || p.shutdown == nil {
		return nil
	}
	return p.shutdown(ctx)
}

type discardExporter struct{}

func (discardExporter) ExportSpans(context.Context, []sdktrace.ReadOnlySpan) error { return nil }
func (discardExporter) Shutdown(context.Context) error { return nil }
