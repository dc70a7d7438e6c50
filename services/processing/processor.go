// Package processing classifies raw measurements, records them and republishes
// the outcome on the processed stream.
package processing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/illmade-knight/teststation/pkg/metrics"
	"github.com/illmade-knight/teststation/pkg/types"
	"github.com/rs/zerolog"
)

// PersistenceError means a measurement could not be recorded. The message is
// handed back to the broker and retried on redelivery.
type PersistenceError struct {
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persist test result: %v", e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// ResultStore records classified results.
type ResultStore interface {
	InsertResult(ctx context.Context, r *types.TestResult) (int64, error)
}

// Publisher publishes a payload on a named route. *broker.Client implements it.
type Publisher interface {
	Publish(ctx context.Context, route string, payload []byte) error
}

// Config controls classification and where processed events go.
type Config struct {
	PassThreshold  float64
	ProcessedRoute string
}

// Processor handles one raw measurement at a time. It holds no per-message state,
// so Handle may run concurrently.
type Processor struct {
	cfg       Config
	store     ResultStore
	publisher Publisher
	metrics   *metrics.Metrics
	logger    zerolog.Logger
}

// NewProcessor validates its dependencies. m may be nil.
func NewProcessor(cfg Config, store ResultStore, publisher Publisher, m *metrics.Metrics, logger zerolog.Logger) (*Processor, error) {
	if store == nil {
		return nil, errors.New("processing: result store is required")
	}
	if publisher == nil {
		return nil, errors.New("processing: publisher is required")
	}
	if cfg.ProcessedRoute == "" {
		return nil, errors.New("processing: processed route is required")
	}
	return &Processor{
		cfg:       cfg,
		store:     store,
		publisher: publisher,
		metrics:   m,
		logger:    logger.With().Str("component", "Processor").Logger(),
	}, nil
}

// Handle classifies and persists m, then publishes the processed event.
// A nil return means the delivery may be acknowledged: the row is committed.
// Publishing is best effort and never causes redelivery, because redelivery
// would insert the row a second time.
func (p *Processor) Handle(ctx context.Context, m *types.RawMeasurement) error {
	start := time.Now()
	defer func() { p.metrics.ObserveHandler(time.Since(start)) }()

	result := types.NewTestResult(m, p.cfg.PassThreshold)

	id, err := p.store.InsertResult(ctx, result)
	if err != nil {
		p.metrics.PersistFailed()
		return &PersistenceError{Err: err}
	}
	result.ID = id
	p.metrics.ResultProcessed(result.Status)

	log := p.logger.With().
		Int64("result_id", id).
		Str("barcode", result.Barcode).
		Str("machine_id", result.MachineID).
		Str("status", string(result.Status)).
		Logger()

	payload, err := json.Marshal(result.Event())
	if err != nil {
		p.metrics.RepublishFailed()
		log.Error().Err(err).Msg("Failed to encode processed event.")
		return nil
	}
	if err := p.publisher.Publish(ctx, p.cfg.ProcessedRoute, payload); err != nil {
		p.metrics.RepublishFailed()
		log.Warn().Err(err).Msg("Result stored but processed event was not published.")
		return nil
	}

	log.Debug().Float64("measured_value", result.MeasuredValue).Msg("Result processed.")
	return nil
}
