// Package gateway serves the GraphQL endpoint of the current execution engine
// and swaps engines when the composition changes.
package gateway

import (
	"sync"

	log "github.com/jensneuse/abstractlogger"
	"go.uber.org/atomic"

	"github.com/wundergraph/fusion-gateway/pkg/composition"
	"github.com/wundergraph/fusion-gateway/pkg/engine"
)

// SchemaObserver is notified with every newly composed schema.
type SchemaObserver interface {
	UpdateSchema(schema *composition.MergedSchema) error
}

type SchemaSubject interface {
	Register(observer SchemaObserver)
}

// EngineFactory builds the execution engine of a composed schema.
type EngineFactory interface {
	Make(schema *composition.MergedSchema) (*engine.ExecutionEngine, error)
}

type EngineFactoryFn func(schema *composition.MergedSchema) (*engine.ExecutionEngine, error)

func (f EngineFactoryFn) Make(schema *composition.MergedSchema) (*engine.ExecutionEngine, error) {
	return f(schema)
}

func NewGateway(engineFactory EngineFactory, logger log.Logger) *Gateway {
	if logger == nil {
		logger = log.NoopLogger
	}
	return &Gateway{
		engineFactory: engineFactory,
		logger:        logger,

		readyCh:   make(chan struct{}),
		readyOnce: &sync.Once{},
	}
}

// Gateway holds the engine requests are served with. Requests load the
// engine once, so a swap never affects requests already running.
type Gateway struct {
	engineFactory EngineFactory
	logger        log.Logger

	engine atomic.Pointer[engine.ExecutionEngine]

	readyCh   chan struct{}
	readyOnce *sync.Once
}

// Ready blocks until the first engine is published.
func (g *Gateway) Ready() {
	<-g.readyCh
}

func (g *Gateway) IsReady() bool {
	select {
	case <-g.readyCh:
		return true
	default:
		return false
	}
}

// Engine returns the current engine, nil before the first schema was loaded.
func (g *Gateway) Engine() *engine.ExecutionEngine {
	return g.engine.Load()
}

// UpdateSchema builds an engine for schema and publishes it. On error the
// previous engine stays in place.
func (g *Gateway) UpdateSchema(schema *composition.MergedSchema) error {
	executionEngine, err := g.engineFactory.Make(schema)
	if err != nil {
		g.logger.Error("create engine", log.Error(err))
		return err
	}

	g.engine.Store(executionEngine)
	g.readyOnce.Do(func() { close(g.readyCh) })
	g.logger.Info("engine updated", log.Int("subgraphs", len(schema.Subgraphs())))
	return nil
}
