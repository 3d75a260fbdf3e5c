package telemetry

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
)

func TestTraceContextApply(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	provider, err := NewTracerProvider(context.Background(), TracingConfig{ServiceName: "test"}, sdktrace.WithSpanProcessor(recorder))
	require.NoError(t, err)
	defer func() { _ = provider.Shutdown(context.Background()) }()

	inbound := http.Header{}
	inbound.Set("X-Tenant", "acme")
	inbound.Set("Cookie", "secret")
	tc := NewTraceContext("corr-1", inbound, []string{"x-tenant", "x-missing"})
	assert.Equal(t, http.Header{"X-Tenant": {"acme"}}, tc.Headers)

	ctx, span := Tracer(provider).Start(context.Background(), "request")
	outbound := http.Header{}
	tc.Apply(ctx, outbound)
	span.End()

	assert.Equal(t, "acme", outbound.Get("X-Tenant"))
	assert.Empty(t, outbound.Get("Cookie"))
	assert.Equal(t, "corr-1", outbound.Get(CorrelationIDHeader))
	assert.Contains(t, outbound.Get("Traceparent"), span.SpanContext().TraceID().String())

	extracted := trace.SpanContextFromContext(Extract(context.Background(), outbound))
	assert.Equal(t, span.SpanContext().TraceID(), extracted.TraceID())
	assert.True(t, extracted.IsRemote())

	ctx = WithTraceContext(context.Background(), tc)
	got, ok := TraceContextFromContext(ctx)
	require.True(t, ok)
	assert.Equal(t, "corr-1", got.CorrelationID)
	_, ok = TraceContextFromContext(context.Background())
	assert.False(t, ok)
}

func TestRecordOutcome(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))

	_, span := Tracer(provider).Start(context.Background(), "step")
	RecordOutcome(span, "error", assert.AnError)
	span.End()

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	assert.Contains(t, spans[0].Attributes(), AttrOutcome.String("error"))
	assert.Equal(t, assert.AnError.Error(), spans[0].Status().Description)
}

func TestMetrics(t *testing.T) {
	registry := prometheus.NewRegistry()
	metrics := NewMetrics(registry)

	metrics.ObserveRequest("query", "success", 10*time.Millisecond)
	metrics.ObserveCall("books", "success", 5*time.Millisecond)
	metrics.ObserveCall("books", "error", 5*time.Millisecond)
	metrics.ObserveStep("books", "success")
	metrics.IncRetry("books")
	metrics.IncRetry("books")
	metrics.ObserveReload("success")

	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.requests.WithLabelValues("query", "success")))
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.calls.WithLabelValues("books", "error")))
	assert.Equal(t, float64(2), testutil.ToFloat64(metrics.retries.WithLabelValues("books")))
	assert.Equal(t, 2, testutil.CollectAndCount(metrics.callDuration))

	var nilMetrics *Metrics
	assert.NotPanics(t, func() {
		nilMetrics.ObserveRequest("query", "success", time.Second)
		nilMetrics.IncRetry("books")
	})
}
