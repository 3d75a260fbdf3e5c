package gateway

import (
	"context"
	"time"

	"github.com/cespare/xxhash/v2"
	log "github.com/jensneuse/abstractlogger"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"

	"github.com/wundergraph/fusion-gateway/pkg/composition"
	"github.com/wundergraph/fusion-gateway/pkg/telemetry"
)

type DescriptorPollerConfig struct {
	Path string
	// PollingInterval of zero disables reloading.
	PollingInterval time.Duration
}

func NewDescriptorPoller(config DescriptorPollerConfig, metrics *telemetry.Metrics, logger log.Logger) *DescriptorPoller {
	if logger == nil {
		logger = log.NoopLogger
	}
	return &DescriptorPoller{
		config:  config,
		metrics: metrics,
		logger:  logger,
	}
}

// DescriptorPoller composes the descriptor file and hands every new schema to
// its observers. The file is recomposed only when its content, including the
// referenced schema files, changed.
type DescriptorPoller struct {
	config  DescriptorPollerConfig
	metrics *telemetry.Metrics
	logger  log.Logger

	observers []SchemaObserver
	hash      uint64
}

func (d *DescriptorPoller) Register(observer SchemaObserver) {
	d.observers = append(d.observers, observer)
}

// Load composes the descriptor and notifies the observers. It is called once
// before serving; its error is fatal.
func (d *DescriptorPoller) Load() error {
	descriptor, hash, err := d.read()
	if err != nil {
		return err
	}
	d.hash = hash
	return d.update(descriptor)
}

// Run reloads the descriptor every polling interval until ctx is done.
func (d *DescriptorPoller) Run(ctx context.Context) {
	if d.config.PollingInterval == 0 {
		<-ctx.Done()
		return
	}

	ticker := time.NewTicker(d.config.PollingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.reload()
		}
	}
}

// reload keeps the current schema when the descriptor cannot be read or
// composed. A descriptor that does not compose is reported once, not on every
// tick.
func (d *DescriptorPoller) reload() {
	descriptor, hash, err := d.read()
	if err != nil {
		d.metrics.ObserveReload("error")
		d.logger.Error("reload descriptor", log.String("path", d.config.Path), log.Error(err))
		return
	}
	if hash == d.hash {
		return
	}
	d.hash = hash

	if err := d.update(descriptor); err != nil {
		d.metrics.ObserveReload("error")
		d.logger.Error("reload descriptor", log.String("path", d.config.Path), log.Error(err))
		return
	}
	d.metrics.ObserveReload("success")
	d.logger.Info("descriptor reloaded", log.String("path", d.config.Path))
}

func (d *DescriptorPoller) read() (*composition.Descriptor, uint64, error) {
	descriptor, err := composition.LoadDescriptorFile(d.config.Path)
	if err != nil {
		return nil, 0, err
	}
	// schema files are inlined at this point, so the hash covers them too
	content, err := yaml.Marshal(descriptor)
	if err != nil {
		return nil, 0, errors.Wrap(err, "encode descriptor")
	}
	return descriptor, xxhash.Sum64(content), nil
}

func (d *DescriptorPoller) update(descriptor *composition.Descriptor) error {
	schema, err := composition.Load(descriptor)
	if err != nil {
		return err
	}
	for _, observer := range d.observers {
		if err := observer.UpdateSchema(schema); err != nil {
			return err
		}
	}
	return nil
}
