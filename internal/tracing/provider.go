// Package tracing installs the OpenTelemetry tracer provider used by the API server.
package tracing

import (
	"context"
	"fmt"
	"io"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Supported exporters.
const (
	ExporterNone   = "none"
	ExporterStdout = "stdout"
)

// Config selects where spans go.
type Config struct {
	Exporter    string
	ServiceName string
	// Writer receives stdout exporter output. Defaults to os.Stdout inside the exporter.
	Writer io.Writer
}

// Provider wraps the installed tracer provider together with its shutdown hook.
type Provider struct {
	trace.TracerProvider
	shutdown func(context.Context) error
}

// Shutdown flushes pending spans.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.shutdown == nil {
		return nil
	}
	return p.shutdown(ctx)
}

// NewProvider builds a tracer provider for the configured exporter. The none exporter yields a
// no-op provider so instrumented code pays nothing.
func NewProvider(cfg Config) (*Provider, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Exporter)) {
	case "", ExporterNone:
		return &Provider{TracerProvider: noop.NewTracerProvider()}, nil
	case ExporterStdout:
		options := []stdouttrace.Option{}
		if cfg.Writer != nil {
			options = append(options, stdouttrace.WithWriter(cfg.Writer))
		}
		exporter, err := stdouttrace.New(options...)
		if err != nil {
			return nil, fmt.Errorf("tracing: stdout exporter: %w", err)
		}
		provider := sdktrace.NewTracerProvider(
			sdktrace.WithSampler(sdktrace.AlwaysSample()),
			sdktrace.WithResource(resource.NewSchemaless(attribute.String("service.name", cfg.ServiceName))),
			sdktrace.WithBatcher(exporter),
		)
		return &Provider{TracerProvider: provider, shutdown: provider.Shutdown}, nil
	default:
		return nil, fmt.Errorf("tracing: unsupported exporter %q", cfg.Exporter)
	}
}

// Install makes the provider and the W3C propagators the process-wide defaults.
func Install(provider *Provider) {
	otel.SetTracerProvider(provider.TracerProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))
}
