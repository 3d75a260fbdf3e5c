// Package dispatch executes plan steps against their backends. Every step runs
// on its own goroutine and starts once all of its prerequisites are final.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/jensneuse/abstractlogger"
	"github.com/tidwall/sjson"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/atomic"
	"golang.org/x/sync/errgroup"

	"github.com/wundergraph/fusion-gateway/pkg/composition"
	"github.com/wundergraph/fusion-gateway/pkg/credentials"
	"github.com/wundergraph/fusion-gateway/pkg/engine/datasource"
	"github.com/wundergraph/fusion-gateway/pkg/engine/datasource/httpclient"
	"github.com/wundergraph/fusion-gateway/pkg/engine/plan"
	"github.com/wundergraph/fusion-gateway/pkg/telemetry"
)

const (
	outcomeSuccess = "success"
	outcomeError   = "error"
)

type Timeouts map[composition.SubgraphKind]time.Duration

type Configuration struct {
	Retry RetryPolicy
	// Timeouts bound each attempt per subgraph kind; Subgraph.Timeout wins.
	Timeouts Timeouts
	// MaxConcurrency caps the steps of one plan running at once; zero means unlimited.
	MaxConcurrency   int
	MaxFieldsPerCall int
}

func DefaultConfiguration() Configuration {
	return Configuration{
		Retry: RetryPolicy{
			MaxAttempts: 3,
			BaseDelay:   50 * time.Millisecond,
			MaxDelay:    time.Second,
		},
		Timeouts: Timeouts{
			composition.KindGraphQL:  3 * time.Second,
			composition.KindREST:     3 * time.Second,
			composition.KindFunction: 5 * time.Second,
		},
	}
}

// Signers hands out the signer of a subgraph; *credentials.Registry implements it.
type Signers interface {
	Signer(subgraph string) credentials.Signer
}

type unsignedSigners struct{}

func (unsignedSigners) Signer(string) credentials.Signer { return credentials.Unsigned{} }

type Option func(d *Dispatcher)

func WithLogger(logger abstractlogger.Logger) Option {
	return func(d *Dispatcher) {
		d.logger = logger
	}
}

func WithSigners(signers Signers) Option {
	return func(d *Dispatcher) {
		d.signers = signers
	}
}

func WithHTTPClient(client *http.Client) Option {
	return func(d *Dispatcher) {
		d.client = client
	}
}

func WithTracerProvider(provider trace.TracerProvider) Option {
	return func(d *Dispatcher) {
		d.tracer = telemetry.Tracer(provider)
	}
}

func WithMetrics(metrics *telemetry.Metrics) Option {
	return func(d *Dispatcher) {
		d.metrics = metrics
	}
}

type Dispatcher struct {
	config  Configuration
	sources map[composition.SubgraphKind]datasource.Source
	signers Signers
	client  *http.Client
	logger  abstractlogger.Logger
	tracer  trace.Tracer
	metrics *telemetry.Metrics
}

func New(config Configuration, opts ...Option) (*Dispatcher, error) {
	defaults := DefaultConfiguration()
	if config.Retry.MaxAttempts <= 0 {
		config.Retry = defaults.Retry
	}
	timeouts := Timeouts{}
	for kind, timeout := range defaults.Timeouts {
		timeouts[kind] = timeout
	}
	for kind, timeout := range config.Timeouts {
		if timeout > 0 {
			timeouts[kind] = timeout
		}
	}
	config.Timeouts = timeouts

	d := &Dispatcher{
		config:  config,
		sources: map[composition.SubgraphKind]datasource.Source{},
		signers: unsignedSigners{},
		logger:  abstractlogger.NoopLogger,
	}
	for _, kind := range []composition.SubgraphKind{composition.KindGraphQL, composition.KindREST, composition.KindFunction} {
		source, err := datasource.NewSource(kind, datasource.Configuration{MaxFieldsPerCall: config.MaxFieldsPerCall})
		if err != nil {
			return nil, err
		}
		d.sources[kind] = source
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.client == nil {
		d.client = httpclient.NewClient()
	}
	if d.tracer == nil {
		d.tracer = telemetry.Tracer(nil)
	}
	return d, nil
}

// Execute runs every step of p and returns once all step goroutines have
// exited. Failures stay local to their step and the steps depending on it.
func (d *Dispatcher) Execute(ctx context.Context, p *plan.Plan) *Results {
	results := &Results{steps: make([]*StepResult, len(p.Steps))}
	done := make([]chan struct{}, len(p.Steps))
	for i := range done {
		done[i] = make(chan struct{})
	}

	group := &errgroup.Group{}
	if d.config.MaxConcurrency > 0 {
		group.SetLimit(d.config.MaxConcurrency)
	}
	for _, step := range p.Steps {
		step := step
		group.Go(func() error {
			// the result is written before done is closed, dependents read it after
			defer close(done[step.ID])
			results.steps[step.ID] = d.runStep(ctx, p, step, results, done)
			return nil
		})
	}
	_ = group.Wait()
	return results
}

func (d *Dispatcher) runStep(ctx context.Context, p *plan.Plan, step *plan.Step, results *Results, done []chan struct{}) *StepResult {
	// ordering only: the step runs whatever the outcome of these
	for _, previous := range step.After {
		select {
		case <-done[previous]:
		case <-ctx.Done():
			return d.failed(step, CodeCanceled, ctx.Err(), 0, 0)
		}
	}
	for _, dependency := range step.DependsOn {
		select {
		case <-done[dependency]:
		case <-ctx.Done():
			return d.failed(step, CodeCanceled, ctx.Err(), 0, 0)
		}
		if prerequisite := results.steps[dependency]; prerequisite.Failed() {
			return d.failed(step, CodeDependencyFailed, fmt.Errorf("prerequisite step %d (%s) failed", dependency, p.Steps[dependency].Subgraph.Name), 0, 0)
		}
	}
	if err := ctx.Err(); err != nil {
		return d.failed(step, CodeCanceled, err, 0, 0)
	}

	start := time.Now()
	ctx, span := d.tracer.Start(ctx, "step "+step.Subgraph.Name, trace.WithAttributes(
		telemetry.AttrSubgraph.String(step.Subgraph.Name),
		telemetry.AttrStepID.Int(step.ID),
		telemetry.AttrStepKind.String(step.Kind.String()),
	))
	defer span.End()

	result, attempts, err := d.execute(ctx, p, step, results)
	if err != nil {
		stepErr := d.failed(step, classify(ctx, err), err, attempts, time.Since(start))
		telemetry.RecordOutcome(span, string(stepErr.Err.Code), err)
		return stepErr
	}
	result.Duration = time.Since(start)
	telemetry.RecordOutcome(span, outcomeSuccess, nil)
	d.metrics.ObserveStep(step.Subgraph.Name, outcomeSuccess)
	return result
}

func (d *Dispatcher) execute(ctx context.Context, p *plan.Plan, step *plan.Step, results *Results) (*StepResult, int, error) {
	var keys []string
	if step.Join != nil {
		keys = p.CollectKeys(step, results)
	}
	source, ok := d.sources[step.Subgraph.Kind]
	if !ok {
		return nil, 0, fmt.Errorf("no data source for subgraph kind %q", step.Subgraph.Kind)
	}
	calls, err := source.Prepare(p, step, keys)
	if err != nil {
		return nil, 0, err
	}

	attempts := atomic.NewInt64(0)
	outcomes := make([]*datasource.Result, len(calls))
	group, groupCtx := errgroup.WithContext(ctx)
	for i, call := range calls {
		i, call := i, call
		group.Go(func() error {
			result, err := d.invoke(groupCtx, step, source, call, attempts)
			outcomes[i] = result
			return err
		})
	}
	if err := group.Wait(); err != nil {
		return nil, int(attempts.Load()), err
	}

	result := &StepResult{StepID: step.ID, Data: []byte(`{}`), Attempts: int(attempts.Load())}
	for i, call := range calls {
		for _, slot := range call.Slots {
			result.Data, err = sjson.SetRawBytes(result.Data, slot, outcomes[i].Values[slot])
			if err != nil {
				return nil, result.Attempts, err
			}
		}
		result.Errors = append(result.Errors, outcomes[i].Errors...)
	}
	if step.Join != nil {
		result.Keys = make(map[string]string, len(keys))
		for i, key := range keys {
			result.Keys[key] = datasource.Slot(i)
		}
	}
	return result, result.Attempts, nil
}

// invoke sends one call, retrying per policy when the step is idempotent.
func (d *Dispatcher) invoke(ctx context.Context, step *plan.Step, source datasource.Source, call *datasource.Call, attempts *atomic.Int64) (*datasource.Result, error) {
	maxAttempts := 1
	if step.Retryable() && d.config.Retry.MaxAttempts > 1 {
		maxAttempts = d.config.Retry.MaxAttempts
	}
	schedule := d.config.Retry.backOff()

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 {
			d.metrics.IncRetry(step.Subgraph.Name)
			if err := sleep(ctx, schedule.NextBackOff()); err != nil {
				return nil, err
			}
		}
		attempts.Inc()
		result, err := d.attempt(ctx, step, source, call, attempt)
		if err == nil {
			return result, nil
		}
		lastErr = err
		if ctx.Err() != nil || !retryable(err) {
			break
		}
		if attempt < maxAttempts {
			d.logger.Debug("retrying subgraph call",
				abstractlogger.String("subgraph", step.Subgraph.Name),
				abstractlogger.Int("step", step.ID),
				abstractlogger.Int("attempt", attempt),
				abstractlogger.Error(err),
			)
		}
	}
	return nil, lastErr
}

func (d *Dispatcher) attempt(ctx context.Context, step *plan.Step, source datasource.Source, call *datasource.Call, attempt int) (*datasource.Result, error) {
	timeout := d.timeout(step.Subgraph)
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	attemptCtx, span := d.tracer.Start(attemptCtx, call.Method+" "+step.Subgraph.Name,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			telemetry.AttrSubgraph.String(step.Subgraph.Name),
			telemetry.AttrStepID.Int(step.ID),
			telemetry.AttrAttempt.Int(attempt),
			telemetry.AttrHTTPMethod.String(call.Method),
			telemetry.AttrURL.String(call.URL),
		),
	)
	defer span.End()

	start := time.Now()
	result, status, err := d.send(attemptCtx, step, source, call)
	if err != nil && ctx.Err() == nil && errors.Is(attemptCtx.Err(), context.DeadlineExceeded) {
		err = &TimeoutError{Timeout: timeout}
	}
	if status > 0 {
		span.SetAttributes(telemetry.AttrHTTPStatus.Int(status))
	}
	outcome := outcomeSuccess
	if err != nil {
		outcome = outcomeError
	}
	telemetry.RecordOutcome(span, outcome, err)
	d.metrics.ObserveCall(step.Subgraph.Name, outcome, time.Since(start))
	return result, err
}

func (d *Dispatcher) send(ctx context.Context, step *plan.Step, source datasource.Source, call *datasource.Call) (*datasource.Result, int, error) {
	request, err := httpclient.NewRequest(ctx, call.Method, call.URL, call.Body, call.Header)
	if err != nil {
		return nil, 0, err
	}
	if tc, ok := telemetry.TraceContextFromContext(ctx); ok {
		tc.Apply(ctx, request.Header)
	} else {
		telemetry.Inject(ctx, request.Header)
	}
	signed, err := d.signers.Signer(step.Subgraph.Name).Sign(ctx, request, call.Body)
	if err != nil {
		return nil, 0, err
	}
	response, err := httpclient.Do(d.client, signed)
	if err != nil {
		return nil, 0, err
	}
	result, err := source.Decode(call, response)
	return result, response.StatusCode, err
}

func (d *Dispatcher) timeout(subgraph *composition.Subgraph) time.Duration {
	if subgraph.Timeout > 0 {
		return subgraph.Timeout
	}
	return d.config.Timeouts[subgraph.Kind]
}

func (d *Dispatcher) failed(step *plan.Step, code ErrorCode, err error, attempts int, duration time.Duration) *StepResult {
	stepErr := &StepError{Code: code, StepID: step.ID, Subgraph: step.Subgraph.Name, Err: err}
	var subgraphErr *datasource.SubgraphError
	if errors.As(err, &subgraphErr) {
		stepErr.Errors = subgraphErr.Errors
	}
	d.metrics.ObserveStep(step.Subgraph.Name, string(code))
	if code != CodeCanceled && code != CodeDependencyFailed {
		d.logger.Warn("step failed",
			abstractlogger.String("subgraph", step.Subgraph.Name),
			abstractlogger.Int("step", step.ID),
			abstractlogger.String("code", string(code)),
			abstractlogger.Int("attempts", attempts),
			abstractlogger.Error(err),
		)
	}
	return &StepResult{StepID: step.ID, Err: stepErr, Attempts: attempts, Duration: duration}
}

func classify(ctx context.Context, err error) ErrorCode {
	var (
		authErr     *credentials.AuthError
		timeoutErr  *TimeoutError
		subgraphErr *datasource.SubgraphError
	)
	switch {
	case errors.As(err, &authErr):
		return CodeAuth
	case errors.As(err, &timeoutErr), errors.Is(err, context.DeadlineExceeded):
		return CodeTimeout
	case ctx.Err() != nil || errors.Is(err, context.Canceled):
		return CodeCanceled
	case errors.As(err, &subgraphErr):
		return CodeSubgraph
	}
	return CodeBackend
}
