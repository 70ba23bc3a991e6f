// Package tracing installs the process tracer provider.
package tracing

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Config governs tracer initialisation.
type Config struct {
	Enabled     bool
	ServiceName string
}

// Init sets the global tracer provider. When tracing is disabled a noop
// provider is installed. Spans are written as JSON to w. The returned
// function flushes and stops the provider.
func Init(ctx context.Context, cfg Config, w io.Writer, logger *slog.Logger) (func(context.Context) error, error) {
	otel.SetTextMapPropagator(propagation.TraceContext{})

	if !cfg.Enabled {
		otel.SetTracerProvider(noop.NewTracerProvider())
		logger.Info("tracing disabled; using noop tracer provider")
		return func(context.Context) error { return nil }, nil
	}

	exp, err := stdouttrace.New(
		stdouttrace.WithWriter(w),
		stdouttrace.WithoutTimestamps(),
	)
	if err != nil {
		return nil, fmt.Errorf("create stdout exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			attribute.String("service.name", cfg.ServiceName),
			attribute.String("service.namespace", "handover"),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	logger.Info("tracing enabled", "exporter", "stdout", "service_name", cfg.ServiceName)
	return tp.Shutdown, nil
}

// OpenOutput resolves a span destination: "stderr" (also the empty
// string), "stdout", or a file that is created or appended to. The returned
// close function is a no-op for the standard streams.
func OpenOutput(output string) (io.Writer, func() error, error) {
	switch output {
	case "", "stderr":
		return os.Stderr, func() error { return nil }, nil
	case "stdout":
		return os.Stdout, func() error { return nil }, nil
	}
	f, err := os.OpenFile(output, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("open trace output: %w", err)
	}
	return f, f.Close, nil
}

// Shutdown invokes shutdown with a bounded timeout, logging any failure.
func Shutdown(ctx context.Context, shutdown func(context.Context) error, logger *slog.Logger) {
	if shutdown == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := shutdown(ctx); err != nil {
		logger.Warn("tracing shutdown failed", "error", err)
	}
}
