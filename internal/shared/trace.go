package shared

import (
	"context"

	"github.com/google/uuid"
)

type traceKey struct{}
type incidentIDKey struct{}

// WithTraceID attaches a trace_id to the context.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceKey{}, traceID)
}

// TraceID extracts trace_id from context. Returns "-" if absent.
func TraceID(ctx context.Context) string {
	if v, ok := ctx.Value(traceKey{}).(string); ok && v != "" {
		return v
	}
	return "-"
}

// NewTraceID generates a new trace_id.
func NewTraceID() string {
	return uuid.NewString()
}

// WithIncidentID attaches an incident_id to the context so log lines emitted
// deep inside the loop can be correlated with the investigation record.
func WithIncidentID(ctx context.Context, incidentID string) context.Context {
	return context.WithValue(ctx, incidentIDKey{}, incidentID)
}

// IncidentID extracts incident_id from context. Returns "" if absent.
func IncidentID(ctx context.Context) string {
	if v, ok := ctx.Value(incidentIDKey{}).(string); ok {
		return v
	}
	return ""
}
