package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	log "github.com/jensneuse/abstractlogger"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/wundergraph/fusion-gateway/pkg/composition"
	"github.com/wundergraph/fusion-gateway/pkg/credentials"
	"github.com/wundergraph/fusion-gateway/pkg/engine"
	"github.com/wundergraph/fusion-gateway/pkg/engine/datasource/httpclient"
	"github.com/wundergraph/fusion-gateway/pkg/gateway"
	"github.com/wundergraph/fusion-gateway/pkg/telemetry"
)

const shutdownTimeout = 15 * time.Second

func newServeCommand(stdin io.Reader, stdout, stderr io.Writer) *cobra.Command {
	config := &serveConfig{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the composed GraphQL endpoint.",
		Long: `serve composes the descriptor and serves the merged schema.

A descriptor that does not compose stops the gateway. With
descriptor_poll_interval set the descriptor is re-read and a new
composition replaces the current one once it composed.`,
		Example: "gateway serve --descriptor descriptor.yaml --propagate_headers X-Tenant",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, config)
		},
	}
	config.bind(cmd.Flags())
	return cmd
}

func serve(ctx context.Context, config *serveConfig) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	zapLogger, logger, err := newLogger(config.Log)
	if err != nil {
		return err
	}
	defer func() { _ = zapLogger.Sync() }()
	logger.Info("starting", log.String("version", Version))

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := telemetry.NewMetrics(registry)

	tracerProvider, err := telemetry.NewTracerProvider(ctx, config.tracing())
	if err != nil {
		return err
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := tracerProvider.Shutdown(flushCtx); err != nil {
			logger.Error("flush spans", log.Error(err))
		}
	}()

	factory := newEngineFactory(config, engine.Options{
		Logger:         logger,
		HTTPClient:     httpclient.NewClient(),
		TracerProvider: tracerProvider,
		Metrics:        metrics,
	})

	gw := gateway.NewGateway(factory, logger)
	poller := gateway.NewDescriptorPoller(gateway.DescriptorPollerConfig{
		Path:            config.Descriptor,
		PollingInterval: config.DescriptorPollInterval,
	}, metrics, logger)
	poller.Register(gw)
	if err := poller.Load(); err != nil {
		return fmt.Errorf("load descriptor: %w", err)
	}

	pollerDone := make(chan struct{})
	go func() {
		defer close(pollerDone)
		poller.Run(ctx)
	}()

	server := &http.Server{
		Addr: config.ListenAddr,
		Handler: gateway.NewHandler(gw, gateway.HandlerConfig{
			GraphQLPath:      config.GraphQLPath,
			HealthPath:       config.HealthPath,
			MetricsPath:      config.MetricsPath,
			PropagateHeaders: config.PropagateHeaders,
			Gatherer:         registry,
			TracerProvider:   tracerProvider,
		}, logger),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("listening", log.String("addr", config.ListenAddr), log.String("graphql_path", config.GraphQLPath))
		serveErr <- server.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		cancel()
		<-pollerDone
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancelShutdown()
	err = server.Shutdown(shutdownCtx)
	<-pollerDone
	return err
}

// newEngineFactory builds the engine of every composition with the signers of
// its subgraphs. The AWS credential chain is resolved once and shared by all
// compositions.
func newEngineFactory(config *serveConfig, options engine.Options) gateway.EngineFactory {
	var (
		awsOnce   sync.Once
		awsSource credentials.Source
		awsErr    error
	)
	return gateway.EngineFactoryFn(func(schema *composition.MergedSchema) (*engine.ExecutionEngine, error) {
		if usesSigV4(schema) {
			awsOnce.Do(func() {
				awsSource, awsErr = credentials.NewAWSSource(config.Region)
			})
			if awsErr != nil {
				return nil, awsErr
			}
		}
		signers, err := credentials.NewRegistry(schema.Subgraphs(), config.credentials(awsSource), options.Logger)
		if err != nil {
			return nil, err
		}

		engineConfig := engine.NewConfiguration(schema)
		engineConfig.Dispatch = config.dispatch()
		engineConfig.DocumentCacheSize = config.DocumentCacheSize

		engineOptions := options
		engineOptions.Signers = signers
		return engine.NewExecutionEngine(engineConfig, engineOptions)
	})
}

func usesSigV4(schema *composition.MergedSchema) bool {
	for _, sg := range schema.Subgraphs() {
		if sg.Auth.Type == composition.AuthSigV4 {
			return true
		}
	}
	return false
}
