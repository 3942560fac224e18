package observe

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

// tracerName is the instrumentation scope name for the voicelink tracer.
const tracerName = "github.com/MrWong99/voicelink"

// Tracer returns the voicelink tracer from the global provider.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// StartSpan starts a span on [Tracer]. The caller ends it.
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name, opts...)
}

// spanIDs returns the trace and span IDs of the span in ctx, or ok=false
// when ctx carries no span context.
func spanIDs(ctx context.Context) (traceID, spanID string, ok bool) {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.HasTraceID() {
		return "", "", false
	}
	return sc.TraceID().String(), sc.SpanID().String(), true
}

// Logger returns the default logger, with trace_id and span_id attached
// when ctx carries a span.
func Logger(ctx context.Context) *slog.Logger {
	l := slog.Default()
	if traceID, spanID, ok := spanIDs(ctx); ok {
		l = l.With(slog.String("trace_id", traceID), slog.String("span_id", spanID))
	}
	return l
}

// SessionLogger is [Logger] with the session ID and character attached.
func SessionLogger(ctx context.Context, sessionID, character string) *slog.Logger {
	return Logger(ctx).With(
		slog.String("session_id", sessionID),
		slog.String("character", character),
	)
}
