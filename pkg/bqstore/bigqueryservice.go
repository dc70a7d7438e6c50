package bqstore

import (
	"errors"
	"fmt"

	"github.com/illmade-knight/teststation/pkg/consumers"
	"github.com/illmade-knight/teststation/pkg/metrics"
	"github.com/rs/zerolog"
)

// NewBigQueryService wires a BatchInserter into the generic ProcessingService.
// Undecodable payloads are dropped and counted under the "bigquery" stage.
func NewBigQueryService[T any](
	numWorkers int,
	consumer consumers.MessageConsumer,
	batchInserter *BatchInserter[T],
	decoder consumers.PayloadDecoder[T],
	m *metrics.Metrics,
	logger zerolog.Logger,
) (*consumers.ProcessingService[T], error) {
	if batchInserter == nil {
		return nil, errors.New("bqstore: batch inserter is required")
	}
	service, err := consumers.NewProcessingService[T](numWorkers, consumer, batchInserter, decoder, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create processing service for bqstore: %w", err)
	}
	service.OnDrop(func(reason string) { m.Dropped("bigquery", reason) })
	return service, nil
}
