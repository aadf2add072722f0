package config_test

import (
	"context"
	"testing"

	"github.com/cmoelg/engine/internal/config"
)

func TestInitObservability_Disabled_ReturnsNoopTracing(t *testing.T) {
	tracing, err := config.InitObservability(context.Background(), config.Observability{Enabled: false})
	if err != nil {
		t.Fatalf("InitObservability: %v", err)
	}

	tracer := tracing.Tracer("test-service")
	_, span := tracer.Start(context.Background(), "test-span")
	span.End()

	if err := tracing.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
}

func TestInitObservability_EnabledWithoutEndpoint_StillConstructsExporter(t *testing.T) {
	// otlptracehttp.New only dials lazily on export, so New itself succeeding
	// against an unreachable/empty endpoint is expected; it's the async
	// batch exporter, not this call, that would eventually fail to flush.
	tracing, err := config.InitObservability(context.Background(), config.Observability{
		Enabled:          true,
		ServiceName:      "test-service",
		ExporterEndpoint: "127.0.0.1:0",
		SampleRate:       1.0,
	})
	if err != nil {
		t.Fatalf("InitObservability: %v", err)
	}
	defer tracing.Shutdown(context.Background())

	tracer := tracing.Tracer("test-service")
	if tracer == nil {
		t.Fatal("Tracer returned nil")
	}
}
