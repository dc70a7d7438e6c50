package processing

import (
	"fmt"
	"time"

	"github.com/illmade-knight/teststation/pkg/consumers"
	"github.com/illmade-knight/teststation/pkg/metrics"
	"github.com/illmade-knight/teststation/pkg/types"
	"github.com/rs/zerolog"
)

// ServiceConfig sizes the consuming side of the processor.
type ServiceConfig struct {
	NumWorkers     int
	HandlerTimeout time.Duration
}

// NewService assembles the raw-measurement pipeline: consumer, schema decoder,
// and a handler pool that runs Processor.Handle with a per-message timeout.
func NewService(
	cfg ServiceConfig,
	consumer consumers.MessageConsumer,
	processor *Processor,
	m *metrics.Metrics,
	logger zerolog.Logger,
) (*consumers.ProcessingService[types.RawMeasurement], error) {
	handlers, err := consumers.NewHandlerProcessor[types.RawMeasurement](
		consumers.HandlerProcessorConfig{NumWorkers: cfg.NumWorkers, HandlerTimeout: cfg.HandlerTimeout},
		processor.Handle,
		logger,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create handler processor: %w", err)
	}

	service, err := consumers.NewProcessingService[types.RawMeasurement](
		cfg.NumWorkers,
		consumer,
		handlers,
		types.DecodeRawMeasurement,
		logger,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create processing service: %w", err)
	}
	service.OnDrop(func(reason string) { m.Dropped("processor", reason) })
	return service, nil
}
