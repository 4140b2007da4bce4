// Package telemetry sets up OpenTelemetry tracing: a real SDK tracer
// provider with an optional OTLP gRPC exporter when an endpoint is
// configured, falling back to a no-op provider otherwise so
// instrumentation calls never pay for a collector that isn't there.
// cmd/agentlabrunner constructs a Provider, but no dispatch, commit or
// execution path starts a span through it.
package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// Config selects whether tracing is exported and where.
type Config struct {
	// OTLPEndpoint, if non-empty, is a gRPC collector endpoint
	// ("host:port"); an empty value disables export and spans are
	// recorded by a no-op tracer so instrumentation calls stay free.
	OTLPEndpoint string
	ServiceName  string
}

// Provider owns the SDK tracer provider (if any) and must be shut down
// at process exit to flush pending spans.
type Provider struct {
	tp       *sdktrace.TracerProvider
	tracer   trace.Tracer
}

// NewProvider builds a Provider per cfg. With no endpoint configured it
// returns a Provider backed by otel's global no-op tracer so that
// Start/span calls throughout the coordinator remain cheap and side
// effect free.
func NewProvider(ctx context.Context, cfg Config) (*Provider, error) {
	name := cfg.ServiceName
	if name == "" {
		name = "agentlab-runner"
	}
	if cfg.OTLPEndpoint == "" {
		return &Provider{tracer: otel.Tracer(name)}, nil
	}

	exp, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint),
		otlptracegrpc.WithInsecure(),
		otlptracegrpc.WithTimeout(5*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("telemetry: otlp exporter: %w", err)
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)
	otel.SetTracerProvider(tp)
	return &Provider{tp: tp, tracer: tp.Tracer(name)}, nil
}

// Tracer returns the tracer to start spans from.
func (p *Provider) Tracer() trace.Tracer { return p.tracer }

// StartSpan is a convenience wrapper around Tracer().Start; nothing in
// this module calls it.
func (p *Provider) StartSpan(ctx context.Context, name string, attrs ...trace.SpanStartOption) (context.Context, trace.Span) {
	return p.tracer.Start(ctx, name, attrs...)
}

// Shutdown flushes and stops the SDK tracer provider. A no-op when no
// exporter was configured.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.tp == nil {
		return nil
	}
	return p.tp.Shutdown(ctx)
}
