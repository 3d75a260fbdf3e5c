package gateway

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/handlers"
	"go.opentelemetry.io/otel/trace"

	"github.com/wundergraph/fusion-gateway/pkg/telemetry"
)

// corsHeaders are the request headers browsers may send cross-origin.
var corsHeaders = []string{"Content-Type", "Authorization", telemetry.CorrelationIDHeader, "Traceparent", "Tracestate", "Baggage"}

// CORS allows every origin. Preflight requests are answered with 204.
func CORS(extraHeaders []string) func(http.Handler) http.Handler {
	allowed := append(append([]string(nil), corsHeaders...), extraHeaders...)
	return handlers.CORS(
		handlers.AllowedOrigins([]string{"*"}),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodOptions}),
		handlers.AllowedHeaders(allowed),
		handlers.ExposedHeaders([]string{telemetry.CorrelationIDHeader}),
		handlers.OptionStatusCode(http.StatusNoContent),
	)
}

// Tracing starts the server span of a request and stores its trace context:
// the correlation id, generated when the client sent none, and the inbound
// headers named in propagate. The correlation id is echoed on the response.
func Tracing(provider trace.TracerProvider, propagate []string) func(http.Handler) http.Handler {
	tracer := telemetry.Tracer(provider)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			correlationID := r.Header.Get(telemetry.CorrelationIDHeader)
			if correlationID == "" {
				correlationID = uuid.NewString()
			}
			w.Header().Set(telemetry.CorrelationIDHeader, correlationID)

			ctx := telemetry.Extract(r.Context(), r.Header)
			ctx, span := tracer.Start(ctx, "graphql",
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(
					telemetry.AttrCorrelationID.String(correlationID),
					telemetry.AttrHTTPMethod.String(r.Method),
				),
			)
			defer span.End()

			ctx = telemetry.WithTraceContext(ctx, telemetry.NewTraceContext(correlationID, r.Header, propagate))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
