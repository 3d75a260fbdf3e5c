// Package engine executes GraphQL operations against a merged schema: it
// validates the request, plans it, dispatches the steps and writes the merged
// response.
package engine

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/jensneuse/abstractlogger"
	"github.com/pkg/errors"
	"github.com/vektah/gqlparser/v2/ast"
	"github.com/vektah/gqlparser/v2/validator"
	"go.opentelemetry.io/otel/trace"

	"github.com/wundergraph/fusion-gateway/pkg/composition"
	"github.com/wundergraph/fusion-gateway/pkg/engine/dispatch"
	"github.com/wundergraph/fusion-gateway/pkg/engine/merge"
	"github.com/wundergraph/fusion-gateway/pkg/engine/plan"
	"github.com/wundergraph/fusion-gateway/pkg/graphql"
	"github.com/wundergraph/fusion-gateway/pkg/graphqlerrors"
	"github.com/wundergraph/fusion-gateway/pkg/telemetry"
)

const (
	outcomeSuccess = "success"
	outcomePartial = "partial"
	outcomeError   = "error"
)

type Configuration struct {
	Schema            *composition.MergedSchema
	Dispatch          dispatch.Configuration
	DocumentCacheSize int
}

func NewConfiguration(schema *composition.MergedSchema) Configuration {
	return Configuration{
		Schema:            schema,
		Dispatch:          dispatch.DefaultConfiguration(),
		DocumentCacheSize: graphql.DefaultDocumentCacheSize,
	}
}

type Options struct {
	Logger         abstractlogger.Logger
	Signers        dispatch.Signers
	HTTPClient     *http.Client
	TracerProvider trace.TracerProvider
	Metrics        *telemetry.Metrics
}

type ExecutionEngine struct {
	logger     abstractlogger.Logger
	config     Configuration
	planner    *plan.Planner
	dispatcher *dispatch.Dispatcher
	documents  *graphql.DocumentCache
	metrics    *telemetry.Metrics
}

func NewExecutionEngine(config Configuration, options Options) (*ExecutionEngine, error) {
	if config.Schema == nil {
		return nil, errors.New("engine configuration has no schema")
	}
	logger := options.Logger
	if logger == nil {
		logger = abstractlogger.NoopLogger
	}

	documents, err := graphql.NewDocumentCache(config.Schema.Schema, config.DocumentCacheSize)
	if err != nil {
		return nil, errors.Wrap(err, "document cache")
	}

	dispatchOptions := []dispatch.Option{
		dispatch.WithLogger(logger),
		dispatch.WithMetrics(options.Metrics),
	}
	if options.Signers != nil {
		dispatchOptions = append(dispatchOptions, dispatch.WithSigners(options.Signers))
	}
	if options.HTTPClient != nil {
		dispatchOptions = append(dispatchOptions, dispatch.WithHTTPClient(options.HTTPClient))
	}
	if options.TracerProvider != nil {
		dispatchOptions = append(dispatchOptions, dispatch.WithTracerProvider(options.TracerProvider))
	}
	dispatcher, err := dispatch.New(config.Dispatch, dispatchOptions...)
	if err != nil {
		return nil, err
	}

	return &ExecutionEngine{
		logger:     logger,
		config:     config,
		planner:    plan.NewPlanner(config.Schema, plan.Configuration{MaxFieldsPerCall: config.Dispatch.MaxFieldsPerCall}),
		dispatcher: dispatcher,
		documents:  documents,
		metrics:    options.Metrics,
	}, nil
}

func (e *ExecutionEngine) Schema() *composition.MergedSchema {
	return e.config.Schema
}

// Execute runs operation and writes the response to writer. Errors returned
// before anything was written are request errors: nothing was executed and the
// caller renders them with graphqlerrors.RequestErrorsFromError. Partial
// failures are part of the written response.
func (e *ExecutionEngine) Execute(ctx context.Context, operation *graphql.Request, writer io.Writer) error {
	start := time.Now()
	operationType := "unknown"
	outcome := outcomeError
	defer func() {
		e.metrics.ObserveRequest(operationType, outcome, time.Since(start))
	}()

	p, err := e.prepare(operation)
	if err != nil {
		return err
	}
	operationType = string(p.OperationType)

	span := trace.SpanFromContext(ctx)
	span.SetName(spanName(p))
	span.SetAttributes(
		telemetry.AttrOperationType.String(operationType),
		telemetry.AttrOperationName.String(p.OperationName),
	)

	results := e.dispatcher.Execute(ctx, p)
	if err := ctx.Err(); err != nil {
		// the client is gone, nothing is merged
		return err
	}

	response := merge.Merge(p, results)
	if _, err := graphql.WriteResponse(writer, response.Data, response.Errors); err != nil {
		return errors.WithStack(err)
	}

	outcome = outcomeSuccess
	if len(response.Errors) > 0 {
		outcome = outcomePartial
		e.logger.Debug("operation finished with errors",
			abstractlogger.String("operation", p.OperationName),
			abstractlogger.Int("errors", len(response.Errors)),
		)
	}
	telemetry.RecordOutcome(span, outcome, nil)
	return nil
}

// Plan validates operation and returns its plan without executing it.
func (e *ExecutionEngine) Plan(operation *graphql.Request) (*plan.Plan, error) {
	return e.prepare(operation)
}

func (e *ExecutionEngine) prepare(operation *graphql.Request) (*plan.Plan, error) {
	doc, _, errs := e.documents.Load(operation.Query)
	if len(errs) > 0 {
		return nil, graphqlerrors.RequestErrorsFromList(errs)
	}
	op, err := plan.SelectOperation(doc, operation.OperationName)
	if err != nil {
		return nil, err
	}
	if operation.ReadOnly() && op.Operation != ast.Query && op.Operation != "" {
		return nil, graphqlerrors.RequestErrors{{Message: graphql.ErrMutationOverGet.Error()}}
	}

	variables, err := operation.VariablesMap()
	if err != nil {
		return nil, graphqlerrors.RequestErrors{{Message: "variables must be a JSON object"}}
	}
	coerced, err := validator.VariableValues(e.config.Schema.Schema, op, variables)
	if err != nil {
		return nil, err
	}
	return e.planner.Plan(doc, op.Name, coerced)
}

func spanName(p *plan.Plan) string {
	if p.OperationName == "" {
		return string(p.OperationType)
	}
	return string(p.OperationType) + " " + p.OperationName
}
