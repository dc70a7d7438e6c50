package icestore

import (
	"errors"
	"fmt"

	"github.com/illmade-knight/teststation/pkg/consumers"
	"github.com/illmade-knight/teststation/pkg/metrics"
	"github.com/rs/zerolog"
)

// NewIceStorageService wires a Batcher into the generic ProcessingService.
func NewIceStorageService[T any](
	numWorkers int,
	consumer consumers.MessageConsumer,
	batcher *Batcher[T],
	decoder consumers.PayloadDecoder[T],
	m *metrics.Metrics,
	logger zerolog.Logger,
) (*consumers.ProcessingService[T], error) {
	if batcher == nil {
		return nil, errors.New("icestore: batcher is required")
	}
	service, err := consumers.NewProcessingService[T](numWorkers, consumer, batcher, decoder, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create processing service for icestore: %w", err)
	}
	service.OnDrop(func(reason string) { m.Dropped("gcs", reason) })
	return service, nil
}
