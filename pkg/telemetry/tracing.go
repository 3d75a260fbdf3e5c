// Package telemetry wires OpenTelemetry tracing and Prometheus metrics for the
// gateway and carries the per-request trace context to every backend call.
package telemetry

import (
	"context"
	"net/http"

	"github.com/pkg/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

const TracerName = "github.com/wundergraph/fusion-gateway"

const (
	AttrSubgraph      = attribute.Key("gateway.subgraph")
	AttrStepID        = attribute.Key("gateway.step.id")
	AttrStepKind      = attribute.Key("gateway.step.kind")
	AttrOutcome       = attribute.Key("gateway.outcome")
	AttrAttempt       = attribute.Key("gateway.attempt")
	AttrCorrelationID = attribute.Key("gateway.correlation_id")
	AttrOperationName = attribute.Key("graphql.operation.name")
	AttrOperationType = attribute.Key("graphql.operation.type")
	AttrHTTPMethod    = attribute.Key("http.request.method")
	AttrHTTPStatus    = attribute.Key("http.response.status_code")
	AttrURL           = attribute.Key("url.full")
)

type TracingConfig struct {
	ServiceName string
	// OTLPEndpoint is the host:port of an OTLP/HTTP collector. Spans are not
	// exported when it is empty.
	OTLPEndpoint string
	OTLPInsecure bool
}

var propagator = propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{})

// NewTracerProvider builds the SDK tracer provider and installs it, together
// with the W3C trace context and baggage propagators, as the global default.
func NewTracerProvider(ctx context.Context, config TracingConfig, opts ...sdktrace.TracerProviderOption) (*sdktrace.TracerProvider, error) {
	serviceName := config.ServiceName
	if serviceName == "" {
		serviceName = "fusion-gateway"
	}
	options := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(resource.NewSchemaless(attribute.String("service.name", serviceName))),
	}
	if config.OTLPEndpoint != "" {
		exporterOptions := []otlptracehttp.Option{otlptracehttp.WithEndpoint(config.OTLPEndpoint)}
		if config.OTLPInsecure {
			exporterOptions = append(exporterOptions, otlptracehttp.WithInsecure())
		}
		exporter, err := otlptracehttp.New(ctx, exporterOptions...)
		if err != nil {
			return nil, errors.Wrap(err, "creating otlp exporter")
		}
		options = append(options, sdktrace.WithBatcher(exporter))
	}
	options = append(options, opts...)

	provider := sdktrace.NewTracerProvider(options...)
	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagator)
	return provider, nil
}

// Tracer returns the gateway tracer of provider, or of the global provider when nil.
func Tracer(provider trace.TracerProvider) trace.Tracer {
	if provider == nil {
		provider = otel.GetTracerProvider()
	}
	return provider.Tracer(TracerName)
}

// Inject writes the span context and baggage of ctx into header.
func Inject(ctx context.Context, header http.Header) {
	propagator.Inject(ctx, propagation.HeaderCarrier(header))
}

// Extract returns ctx extended with the remote span context found in header.
func Extract(ctx context.Context, header http.Header) context.Context {
	return propagator.Extract(ctx, propagation.HeaderCarrier(header))
}

// RecordOutcome tags span with outcome and marks it failed when err is set.
func RecordOutcome(span trace.Span, outcome string, err error) {
	span.SetAttributes(AttrOutcome.String(outcome))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}
