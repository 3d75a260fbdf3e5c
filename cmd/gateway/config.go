package main

import (
	"fmt"
	"time"

	log "github.com/jensneuse/abstractlogger"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/wundergraph/fusion-gateway/pkg/composition"
	"github.com/wundergraph/fusion-gateway/pkg/credentials"
	"github.com/wundergraph/fusion-gateway/pkg/engine/dispatch"
	"github.com/wundergraph/fusion-gateway/pkg/gateway"
	"github.com/wundergraph/fusion-gateway/pkg/graphql"
	"github.com/wundergraph/fusion-gateway/pkg/telemetry"
)

type logConfig struct {
	Level       string
	Development bool
}

type credentialsConfig struct {
	ExpiryMargin   time.Duration
	RefreshTimeout time.Duration
}

type dispatchConfig struct {
	MaxAttempts      int
	BackoffBase      time.Duration
	BackoffMax       time.Duration
	MaxFieldsPerCall int
	MaxConcurrency   int
	Timeouts         struct {
		GraphQL  time.Duration
		REST     time.Duration
		Function time.Duration
	}
}

type telemetryConfig struct {
	ServiceName  string
	OTLPEndpoint string
	OTLPInsecure bool
}

type serveConfig struct {
	ListenAddr             string
	GraphQLPath            string
	HealthPath             string
	MetricsPath            string
	Descriptor             string
	DescriptorPollInterval time.Duration
	Region                 string
	PropagateHeaders       []string
	DocumentCacheSize      int

	Log         logConfig
	Credentials credentialsConfig
	Dispatch    dispatchConfig
	Telemetry   telemetryConfig
}

func (c *serveConfig) bind(flags *pflag.FlagSet) {
	defaults := dispatch.DefaultConfiguration()

	flags.StringVar(&c.ListenAddr, "listen_addr", ":4000", "host:port the gateway listens on.")
	flags.StringVar(&c.GraphQLPath, "graphql_path", gateway.DefaultGraphQLPath, "Path of the GraphQL endpoint.")
	flags.StringVar(&c.HealthPath, "health_path", gateway.DefaultHealthPath, "Path of the health check, also served at /.")
	flags.StringVar(&c.MetricsPath, "metrics_path", gateway.DefaultMetricsPath, "Path of the Prometheus metrics endpoint.")
	flags.StringVarP(&c.Descriptor, "descriptor", "d", "descriptor.yaml", "Composition descriptor file.")
	flags.DurationVar(&c.DescriptorPollInterval, "descriptor_poll_interval", 0, "Reload the descriptor at this interval, 0 disables reloading.")
	flags.StringVar(&c.Region, "region", "", "AWS region used to sign requests, defaults to AWS_REGION.")
	flags.StringSliceVar(&c.PropagateHeaders, "propagate_headers", nil, "Inbound headers copied onto every subgraph call.")
	flags.IntVar(&c.DocumentCacheSize, "document_cache_size", graphql.DefaultDocumentCacheSize, "Parsed documents cached per schema, 0 disables the cache.")

	flags.StringVar(&c.Log.Level, "log.level", "info", "Log level: debug, info, warn or error.")
	flags.BoolVar(&c.Log.Development, "log.development", false, "Human readable development logging.")

	flags.DurationVar(&c.Credentials.ExpiryMargin, "credentials.expiry_margin", 0, "Refresh credentials this long before they expire.")
	flags.DurationVar(&c.Credentials.RefreshTimeout, "credentials.refresh_timeout", 0, "Bound on a credential refresh.")

	flags.IntVar(&c.Dispatch.MaxAttempts, "dispatch.max_attempts", defaults.Retry.MaxAttempts, "Attempts per subgraph call, including the first.")
	flags.DurationVar(&c.Dispatch.BackoffBase, "dispatch.backoff_base", defaults.Retry.BaseDelay, "First retry delay.")
	flags.DurationVar(&c.Dispatch.BackoffMax, "dispatch.backoff_max", defaults.Retry.MaxDelay, "Largest retry delay.")
	flags.IntVar(&c.Dispatch.MaxFieldsPerCall, "dispatch.max_fields_per_call", defaults.MaxFieldsPerCall, "Root fields per subgraph call, 0 is unlimited.")
	flags.IntVar(&c.Dispatch.MaxConcurrency, "dispatch.max_concurrency", defaults.MaxConcurrency, "Steps of one operation running at once, 0 is unlimited.")
	flags.DurationVar(&c.Dispatch.Timeouts.GraphQL, "dispatch.timeouts.graphql", defaults.Timeouts[composition.KindGraphQL], "Attempt timeout of graphql subgraphs.")
	flags.DurationVar(&c.Dispatch.Timeouts.REST, "dispatch.timeouts.rest", defaults.Timeouts[composition.KindREST], "Attempt timeout of rest subgraphs.")
	flags.DurationVar(&c.Dispatch.Timeouts.Function, "dispatch.timeouts.function", defaults.Timeouts[composition.KindFunction], "Attempt timeout of function subgraphs.")

	flags.StringVar(&c.Telemetry.ServiceName, "telemetry.service_name", "fusion-gateway", "service.name of exported spans.")
	flags.StringVar(&c.Telemetry.OTLPEndpoint, "telemetry.otlp_endpoint", "", "host:port of an OTLP/HTTP collector, spans are not exported when empty.")
	flags.BoolVar(&c.Telemetry.OTLPInsecure, "telemetry.otlp_insecure", false, "Export spans over plain HTTP.")
}

func (c *serveConfig) dispatch() dispatch.Configuration {
	return dispatch.Configuration{
		Retry: dispatch.RetryPolicy{
			MaxAttempts: c.Dispatch.MaxAttempts,
			BaseDelay:   c.Dispatch.BackoffBase,
			MaxDelay:    c.Dispatch.BackoffMax,
		},
		Timeouts: dispatch.Timeouts{
			composition.KindGraphQL:  c.Dispatch.Timeouts.GraphQL,
			composition.KindREST:     c.Dispatch.Timeouts.REST,
			composition.KindFunction: c.Dispatch.Timeouts.Function,
		},
		MaxConcurrency:   c.Dispatch.MaxConcurrency,
		MaxFieldsPerCall: c.Dispatch.MaxFieldsPerCall,
	}
}

func (c *serveConfig) credentials(source credentials.Source) credentials.Config {
	return credentials.Config{
		Region:         c.Region,
		ExpiryMargin:   c.Credentials.ExpiryMargin,
		RefreshTimeout: c.Credentials.RefreshTimeout,
		AWS:            source,
	}
}

func (c *serveConfig) tracing() telemetry.TracingConfig {
	return telemetry.TracingConfig{
		ServiceName:  c.Telemetry.ServiceName,
		OTLPEndpoint: c.Telemetry.OTLPEndpoint,
		OTLPInsecure: c.Telemetry.OTLPInsecure,
	}
}

var logLevels = map[string]log.Level{
	"debug": log.DebugLevel,
	"info":  log.InfoLevel,
	"warn":  log.WarnLevel,
	"error": log.ErrorLevel,
}

// newLogger builds the zap logger behind the abstract logger handed to every
// component. The caller syncs the zap logger on exit.
func newLogger(config logConfig) (*zap.Logger, log.Logger, error) {
	level, ok := logLevels[config.Level]
	if !ok {
		return nil, nil, fmt.Errorf("unknown log level %q", config.Level)
	}
	zapConfig := zap.NewProductionConfig()
	if config.Development {
		zapConfig = zap.NewDevelopmentConfig()
	}
	atomicLevel, err := zap.ParseAtomicLevel(config.Level)
	if err != nil {
		return nil, nil, err
	}
	zapConfig.Level = atomicLevel

	zapLogger, err := zapConfig.Build()
	if err != nil {
		return nil, nil, err
	}
	return zapLogger, log.NewZapLogger(zapLogger, level), nil
}
