package telemetry

import (
	"context"
	"net/http"
)

const CorrelationIDHeader = "X-Correlation-ID"

// TraceContext is the per-request correlation data copied onto every backend
// call: the correlation id and the inbound headers selected for propagation.
// The span context itself travels in the context.Context.
type TraceContext struct {
	CorrelationID string
	Headers       http.Header
}

type traceContextKey struct{}

func WithTraceContext(ctx context.Context, tc TraceContext) context.Context {
	return context.WithValue(ctx, traceContextKey{}, tc)
}

func TraceContextFromContext(ctx context.Context) (TraceContext, bool) {
	tc, ok := ctx.Value(traceContextKey{}).(TraceContext)
	return tc, ok
}

// NewTraceContext picks the headers named in propagate out of inbound.
func NewTraceContext(correlationID string, inbound http.Header, propagate []string) TraceContext {
	tc := TraceContext{CorrelationID: correlationID, Headers: http.Header{}}
	for _, name := range propagate {
		if values := inbound.Values(name); len(values) > 0 {
			tc.Headers[http.CanonicalHeaderKey(name)] = append([]string(nil), values...)
		}
	}
	return tc
}

// Apply writes the propagated headers, the correlation id, and the trace
// context of ctx onto an outbound header.
func (tc TraceContext) Apply(ctx context.Context, header http.Header) {
	for name, values := range tc.Headers {
		header[name] = append([]string(nil), values...)
	}
	if tc.CorrelationID != "" {
		header.Set(CorrelationIDHeader, tc.CorrelationID)
	}
	Inject(ctx, header)
}
