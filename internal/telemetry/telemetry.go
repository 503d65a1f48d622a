// Package telemetry wires OpenTelemetry tracing around the dispatch
// path. When disabled (or before Init), every span helper degrades to a
// no-op tracer that records and exports nothing.
package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// Config selects the OTLP endpoint and sampling.
type Config struct {
	Enabled    bool
	Endpoint   string // host:port of the OTLP gRPC collector
	Insecure   bool
	SampleRate float64 // 0..1; 0 selects 1.0
	Service    string
	Version    string
}

var tracer trace.Tracer = noop.NewTracerProvider().Tracer("reef")

// Init installs the tracer provider and returns its shutdown function.
func Init(ctx context.Context, cfg Config) (func(context.Context) error, error) {
	if !cfg.Enabled {
		return func(context.Context) error { return nil }, nil
	}

	var dialOpts []grpc.DialOption
	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.Endpoint)}
	if cfg.Insecure {
		dialOpts = append(dialOpts, grpc.WithTransportCredentials(insecure.NewCredentials()))
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	opts = append(opts, otlptracegrpc.WithDialOption(dialOpts...))

	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("telemetry: create exporter: %w", err)
	}

	rate := cfg.SampleRate
	if rate <= 0 || rate > 1 {
		rate = 1
	}
	service := cfg.Service
	if service == "" {
		service = "reefd"
	}

	res, err := resource.Merge(resource.Default(), resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(service),
		semconv.ServiceVersion(cfg.Version),
	))
	if err != nil {
		return nil, fmt.Errorf("telemetry: build resource: %w", err)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter, sdktrace.WithBatchTimeout(5*time.Second)),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(rate))),
	)
	otel.SetTracerProvider(provider)
	tracer = provider.Tracer("reef")

	return provider.Shutdown, nil
}

// StartCall opens a span for one RPC call.
func StartCall(program, version, procedure uint32) (context.Context, trace.Span) {
	return tracer.Start(context.Background(), "rpc.call",
		trace.WithAttributes(
			attribute.Int64("rpc.program", int64(program)),
			attribute.Int64("rpc.version", int64(version)),
			attribute.Int64("rpc.procedure", int64(procedure)),
		))
}
