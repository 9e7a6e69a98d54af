package types

import "context"

type contextKey string

const traceIDKey contextKey = "trace_id"

// WithTraceID stores a trace ID in the context. The trace ID follows a switch
// from sweep to dispatch and onto outbound transport requests.
func WithTraceID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, traceIDKey, id)
}

// GetTraceID retrieves the trace ID from the context, or "" if unset.
func GetTraceID(ctx context.Context) string {
	id, _ := ctx.Value(traceIDKey).(string)
	return id
}
