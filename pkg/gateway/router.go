package gateway

import (
	"net/http"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	log "github.com/jensneuse/abstractlogger"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"
)

const (
	DefaultGraphQLPath = "/graphql"
	DefaultHealthPath  = "/health"
	DefaultMetricsPath = "/metrics"
)

type HandlerConfig struct {
	GraphQLPath string
	HealthPath  string
	MetricsPath string
	// PropagateHeaders names the inbound headers copied onto subgraph calls.
	PropagateHeaders []string
	// Gatherer serves the metrics endpoint. It is not mounted when nil.
	Gatherer       prometheus.Gatherer
	TracerProvider trace.TracerProvider
}

func (c *HandlerConfig) defaults() {
	if c.GraphQLPath == "" {
		c.GraphQLPath = DefaultGraphQLPath
	}
	if c.HealthPath == "" {
		c.HealthPath = DefaultHealthPath
	}
	if c.MetricsPath == "" {
		c.MetricsPath = DefaultMetricsPath
	}
}

// NewHandler mounts the GraphQL endpoint, health checks at "/" and the
// health path, and the metrics endpoint.
func NewHandler(gateway *Gateway, config HandlerConfig, logger log.Logger) http.Handler {
	if logger == nil {
		logger = log.NoopLogger
	}
	config.defaults()

	router := mux.NewRouter()
	graphqlHandler := Tracing(config.TracerProvider, config.PropagateHeaders)(NewGraphqlHTTPHandler(gateway, logger))
	router.Handle(config.GraphQLPath, graphqlHandler).Name("GraphQL")

	health := HealthHandler(gateway)
	router.Handle("/", health).Methods(http.MethodGet).Name("Home")
	router.Handle(config.HealthPath, health).Methods(http.MethodGet).Name("Health")

	if config.Gatherer != nil {
		router.Handle(config.MetricsPath, promhttp.HandlerFor(config.Gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet).Name("Metrics")
	}

	var handler http.Handler = router
	handler = CORS(config.PropagateHeaders)(handler)
	return handlers.RecoveryHandler(handlers.RecoveryLogger(recoveryLogger{logger}))(handler)
}

// recoveryLogger reports recovered panics through logger.
type recoveryLogger struct {
	logger log.Logger
}

func (l recoveryLogger) Println(args ...interface{}) {
	l.logger.Error("panic while serving request", log.Any("panic", args))
}
