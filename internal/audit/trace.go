package audit

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/trace"
)

// TraceInfo holds the OTel identifiers extracted from a context.
type TraceInfo struct {
	// TraceID is the W3C trace ID (32 lowercase hex chars).
	// Empty if no active span is found in the context.
	TraceID string

	// SpanID is the W3C span ID (16 lowercase hex chars).
	SpanID string
}

// ExtractTraceInfo reads the active OpenTelemetry span from ctx and returns
// its trace_id and span_id as hex strings. Without a valid span both fields
// are empty.
func ExtractTraceInfo(ctx context.Context) TraceInfo {
	sc := trace.SpanFromContext(ctx).SpanContext()
	if !sc.IsValid() {
		return TraceInfo{}
	}
	return TraceInfo{
		TraceID: sc.TraceID().String(),
		SpanID:  sc.SpanID().String(),
	}
}

// NewEntry builds an Entry with the trace info automatically extracted from ctx.
//
//	entry := audit.NewEntry(ctx, "gateway", "debit_start", ownerID, txID, "attempt budget 3")
//	log.Record(ctx, entry)
func NewEntry(ctx context.Context, source, action, userID, correlationID, detail string) Entry {
	ti := ExtractTraceInfo(ctx)
	return Entry{
		Timestamp:     time.Now().UTC(),
		Source:        source,
		Action:        action,
		UserID:        userID,
		CorrelationID: correlationID,
		Detail:        detail,
		TraceID:       ti.TraceID,
		SpanID:        ti.SpanID,
	}
}
