package logging

import (
	"context"
	"log/slog"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// SpanExporter writes finished spans to a slog logger, one record per span.
type SpanExporter struct {
	logger *slog.Logger
}

// NewSpanExporter returns an exporter logging to logger.
func NewSpanExporter(logger *slog.Logger) *SpanExporter {
	return &SpanExporter{logger: logger}
}

// ExportSpans implements sdktrace.SpanExporter.
func (e *SpanExporter) ExportSpans(ctx context.Context, spans []sdktrace.ReadOnlySpan) error {
	for _, s := range spans {
		attrs := []slog.Attr{
			slog.String("trace_id", s.SpanContext().TraceID().String()),
			slog.String("span_id", s.SpanContext().SpanID().String()),
			slog.Int64("duration_ms", s.EndTime().Sub(s.StartTime()).Milliseconds()),
			slog.String("status", s.Status().Code.String()),
		}
		for _, kv := range s.Attributes() {
			attrs = append(attrs, slog.String(string(kv.Key), kv.Value.Emit()))
		}
		e.logger.LogAttrs(ctx, slog.LevelDebug, s.Name(), attrs...)
	}
	return nil
}

// Shutdown implements sdktrace.SpanExporter.
func (e *SpanExporter) Shutdown(context.Context) error {
	return nil
}

// NewTracerProvider returns an SDK tracer provider that exports every span
// to logger. The caller shuts it down.
func NewTracerProvider(logger *slog.Logger) *sdktrace.TracerProvider {
	return sdktrace.NewTracerProvider(
		sdktrace.WithSyncer(NewSpanExporter(logger)),
	)
}
