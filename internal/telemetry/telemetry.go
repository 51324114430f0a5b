// Package telemetry bootstraps the OpenTelemetry tracer provider from
// settings. When telemetry is disabled the global provider stays the
// default no-op and the agent spans cost nothing.
package telemetry

import (
	"context"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// Options mirror the OUROBOROS_TELEMETRY_* settings.
type Options struct {
	Enabled  bool
	Endpoint string // collector host:port; empty uses the OTLP default
	Protocol string // "grpc" (default) or "http"
	Service  string
	Version  string
}

// Setup installs the global tracer provider. The returned shutdown
// flushes pending spans and is non-nil even when telemetry is off.
func Setup(ctx context.Context, opts Options) (func(context.Context) error, error) {
	if !opts.Enabled {
		return func(context.Context) error { return nil }, nil
	}
	if opts.Service == "" {
		opts.Service = "ouroboros"
	}

	exp, err := newExporter(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("telemetry exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(opts.Service),
			semconv.ServiceVersion(opts.Version),
		),
		resource.WithFromEnv(),
	)
	if err != nil {
		return nil, fmt.Errorf("telemetry resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	slog.Info("telemetry enabled",
		"endpoint", opts.Endpoint, "protocol", protocolOrDefault(opts.Protocol))
	return tp.Shutdown, nil
}

func protocolOrDefault(p string) string {
	if p == "" {
		return "grpc"
	}
	return p
}

// newExporter builds the OTLP span exporter. Both transports connect
// lazily, so setup succeeds without a live collector.
func newExporter(ctx context.Context, opts Options) (sdktrace.SpanExporter, error) {
	switch protocolOrDefault(opts.Protocol) {
	case "grpc":
		var o []otlptracegrpc.Option
		if opts.Endpoint != "" {
			o = append(o, otlptracegrpc.WithEndpoint(opts.Endpoint), otlptracegrpc.WithInsecure())
		}
		return otlptracegrpc.New(ctx, o...)
	case "http":
		var o []otlptracehttp.Option
		if opts.Endpoint != "" {
			o = append(o, otlptracehttp.WithEndpoint(opts.Endpoint), otlptracehttp.WithInsecure())
		}
		return otlptracehttp.New(ctx, o...)
	default:
		return nil, fmt.Errorf("unknown telemetry protocol %q", opts.Protocol)
	}
}
