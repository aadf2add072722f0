package config

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Tracing brings up an OTLP/HTTP trace exporter and tracer provider
// from the `observability` config section (spec §4.9 "initialize
// observability (if enabled)"), generalizing the pack's
// telemetry-package pattern of an OTLP/HTTP exporter feeding an
// sdktrace.TracerProvider into App Lifecycle's own startup sequence.
type Tracing struct {
	provider *sdktrace.TracerProvider
}

// InitObservability builds a tracer provider exporting spans via
// OTLP/HTTP to cfg.ExporterEndpoint, sampling at cfg.SampleRate. It
// returns a no-op Tracing (Tracer returns a tracer that produces no-op
// spans) when cfg.Enabled is false, so callers never need to branch on
// whether observability was configured before using the returned
// Tracer.
func InitObservability(ctx context.Context, cfg Observability) (*Tracing, error) {
	if !cfg.Enabled {
		return &Tracing{}, nil
	}

	exporter, err := otlptracehttp.New(ctx,
		otlptracehttp.WithEndpoint(cfg.ExporterEndpoint),
		otlptracehttp.WithInsecure(),
	)
	if err != nil {
		return nil, fmt.Errorf("observability: creating OTLP/HTTP trace exporter for %s: %w", cfg.ExporterEndpoint, err)
	}

	sampler := sdktrace.TraceIDRatioBased(cfg.SampleRate)
	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithSampler(sdktrace.ParentBased(sampler)),
	)

	return &Tracing{provider: provider}, nil
}

// Tracer returns a tracer scoped to serviceName. When observability was
// not enabled, the returned tracer is the global no-op tracer.
func (t *Tracing) Tracer(serviceName string) trace.Tracer {
	if t.provider == nil {
		return noop.NewTracerProvider().Tracer(serviceName)
	}
	return t.provider.Tracer(serviceName)
}

// Shutdown flushes and stops the tracer provider. A no-op if
// observability was never enabled.
func (t *Tracing) Shutdown(ctx context.Context) error {
	if t.provider == nil {
		return nil
	}
	return t.provider.Shutdown(ctx)
}
