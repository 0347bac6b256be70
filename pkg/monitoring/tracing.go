package monitoring

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
)

// TracingConfig holds tracing-related configuration.
type TracingConfig struct {
	Enabled       bool    `json:"enabled" yaml:"enabled" mapstructure:"enabled"`
	ServiceName   string  `json:"service_name" yaml:"service_name" mapstructure:"service_name"`
	SamplingRatio float64 `json:"sampling_ratio" yaml:"sampling_ratio" mapstructure:"sampling_ratio"`
}

// DefaultTracingConfig returns the default tracing settings.
func DefaultTracingConfig() TracingConfig {
	return TracingConfig{
		Enabled:       false,
		ServiceName:   "realtime-hub",
		SamplingRatio: 1.0,
	}
}

// SetupTracing installs the global tracer provider. The returned shutdown
// function flushes pending spans; call it on exit.
func SetupTracing(cfg TracingConfig) (func(context.Context) error, error) {
	if !cfg.Enabled {
		return func(context.Context) error { return nil }, nil
	}

	exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}

	res := resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(cfg.ServiceName),
	)

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.TraceIDRatioBased(cfg.SamplingRatio)),
	)
	otel.SetTracerProvider(provider)

	return provider.Shutdown, nil
}
