package observability

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

func sessionIDAttr(sessionID string) attribute.KeyValue {
	return attribute.String("session_id", sessionID)
}

// tracerName is the instrumentation scope name for every span this
// package's helpers open.
const tracerName = "github.com/duet-ai/duet-orchestrator"

// Tracer returns the package-level Tracer, using the globally registered
// TracerProvider.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// StartTurnSpan opens the root span for one turn. Callers should defer
// span.End() and open one child span per stage via StartStageSpan so
// stage latency is visible as a breakdown of the turn span in trace UIs.
func StartTurnSpan(ctx context.Context, sessionID string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	opts = append(opts, trace.WithAttributes(sessionIDAttr(sessionID)))
	return Tracer().Start(ctx, "turn", opts...)
}

// StartStageSpan opens a child span for one pipeline stage (stt, llm,
// tts, packetizer, animation) within an already-open turn span.
func StartStageSpan(ctx context.Context, stage string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "turn."+stage)
}

// CorrelationID extracts the active span's trace id, for correlating log
// lines with traces. Returns the empty string if ctx carries no active
// span with a valid trace id.
func CorrelationID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}
