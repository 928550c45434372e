// Package tracing installs the process-wide OpenTelemetry tracer provider.
// Spans are written by the stdout exporter, to a file when one is configured.
package tracing

import (
	"context"
	"io"
	"os"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// Config selects the exporter destination.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	// OutputFile receives the exported spans; empty means stdout.
	OutputFile string
}

// Init registers a global tracer provider and returns its shutdown function,
// which flushes pending spans and closes the output file.
func Init(ctx context.Context, cfg Config) (func(context.Context) error, error) {
	var (
		w    io.Writer = os.Stdout
		file *os.File
	)
	if cfg.OutputFile != "" {
		f, err := os.Create(cfg.OutputFile)
		if err != nil {
			return nil, err
		}
		w, file = f, f
	}

	exporter, err := stdouttrace.New(stdouttrace.WithWriter(w))
	if err != nil {
		closeFile(file)
		return nil, err
	}
	return InitWithExporter(ctx, cfg, exporter, func() { closeFile(file) })
}

// InitWithExporter registers a provider around any span exporter. cleanup,
// when set, runs after the provider shuts down.
func InitWithExporter(ctx context.Context, cfg Config, exporter sdktrace.SpanExporter, cleanup func()) (func(context.Context) error, error) {
	res, err := resource.New(ctx,
		resource.WithAttributes(
			attribute.String("service.name", cfg.ServiceName),
			attribute.String("service.version", cfg.ServiceVersion),
			attribute.String("deployment.environment", cfg.Environment),
		),
	)
	if err != nil {
		if cleanup != nil {
			cleanup()
		}
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSpanProcessor(sdktrace.NewSimpleSpanProcessor(exporter)),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	return func(ctx context.Context) error {
		err := tp.Shutdown(ctx)
		if cleanup != nil {
			cleanup()
		}
		return err
	}, nil
}

func closeFile(f *os.File) {
	if f != nil {
		_ = f.Close()
	}
}
