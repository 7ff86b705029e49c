// Package tracing wires up OpenTelemetry spans for the orchestration core:
// one span per chat() call and one per dispatched task, grounded on the
// teacher's pkg/observability/tracer.go.
package tracing

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Config controls whether tracing is active at all. A real deployment
// would point an exporter at an OTLP collector; this module ships a
// logging exporter so the span tree is visible without standing up
// collector infrastructure.
type Config struct {
	Enabled     bool
	ServiceName string
}

// Init installs the global TracerProvider and returns a shutdown func.
func Init(ctx context.Context, log *slog.Logger, cfg Config) (trace.TracerProvider, func(context.Context) error, error) {
	if !cfg.Enabled {
		tp := noop.NewTracerProvider()
		return tp, func(context.Context) error { return nil }, nil
	}

	exporter := &logExporter{log: log}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)
	otel.SetTracerProvider(tp)
	return tp, tp.Shutdown, nil
}

// Tracer returns the named tracer from the global provider, matching
// GetTracer's call shape in the teacher.
func Tracer(name string) trace.Tracer {
	return otel.Tracer(name)
}

// logExporter emits finished spans to slog instead of an OTLP collector.
type logExporter struct {
	log *slog.Logger
}

func (e *logExporter) ExportSpans(ctx context.Context, spans []sdktrace.ReadOnlySpan) error {
	for _, s := range spans {
		e.log.Debug("span finished",
			slog.String("name", s.Name()),
			slog.Duration("duration", s.EndTime().Sub(s.StartTime())),
			slog.String("trace_id", s.SpanContext().TraceID().String()),
		)
	}
	return nil
}

func (e *logExporter) Shutdown(ctx context.Context) error { return nil }

var _ sdktrace.SpanExporter = (*logExporter)(nil)
