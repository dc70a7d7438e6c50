package bqstore

import (
	"context"
	"sync"
	"time"

	"github.com/illmade-knight/teststation/pkg/metrics"
	"github.com/illmade-knight/teststation/pkg/types"
	"github.com/rs/zerolog"
)

// DataBatchInserter writes a batch of rows to an analytics sink.
type DataBatchInserter[T any] interface {
	InsertBatch(ctx context.Context, items []*T) error
	Close() error
}

// BatchInserterConfig sizes the batch and bounds how long a partial batch waits.
type BatchInserterConfig struct {
	BatchSize     int
	FlushTimeout  time.Duration
	InsertTimeout time.Duration
}

func (c *BatchInserterConfig) applyDefaults() {
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.FlushTimeout <= 0 {
		c.FlushTimeout = 5 * time.Second
	}
	if c.InsertTimeout <= 0 {
		c.InsertTimeout = 30 * time.Second
	}
}

// BatchInserter collects decoded messages and writes them in batches. Every
// message in a batch is acked once the insert succeeds and nacked if it fails,
// so a failed batch is redelivered as a whole.
type BatchInserter[T any] struct {
	config       BatchInserterConfig
	inserter     DataBatchInserter[T]
	metrics      *metrics.Metrics
	logger       zerolog.Logger
	inputChan    chan *types.BatchedMessage[T]
	wg           sync.WaitGroup
	shutdownCtx  context.Context
	shutdownFunc context.CancelFunc
}

// NewBatchInserter creates a BatchInserter. m may be nil.
func NewBatchInserter[T any](
	config BatchInserterConfig,
	inserter DataBatchInserter[T],
	m *metrics.Metrics,
	logger zerolog.Logger,
) *BatchInserter[T] {
	config.applyDefaults()
	shutdownCtx, shutdownFunc := context.WithCancel(context.Background())
	return &BatchInserter[T]{
		config:       config,
		inserter:     inserter,
		metrics:      m,
		logger:       logger.With().Str("component", "BatchInserter").Logger(),
		inputChan:    make(chan *types.BatchedMessage[T], config.BatchSize*2),
		shutdownCtx:  shutdownCtx,
		shutdownFunc: shutdownFunc,
	}
}

func (b *BatchInserter[T]) Start() {
	b.logger.Info().
		Int("batch_size", b.config.BatchSize).
		Dur("flush_timeout", b.config.FlushTimeout).
		Msg("Starting BatchInserter worker...")

	b.wg.Add(1)
	go b.worker()
}

// Stop flushes whatever is buffered and waits for the worker to exit.
func (b *BatchInserter[T]) Stop() {
	b.logger.Info().Msg("Stopping BatchInserter...")
	close(b.inputChan)
	b.wg.Wait()
	b.shutdownFunc()
	b.logger.Info().Msg("BatchInserter stopped.")
}

func (b *BatchInserter[T]) Input() chan<- *types.BatchedMessage[T] {
	return b.inputChan
}

func (b *BatchInserter[T]) worker() {
	defer b.wg.Done()

	batch := make([]*types.BatchedMessage[T], 0, b.config.BatchSize)
	ticker := time.NewTicker(b.config.FlushTimeout)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-b.inputChan:
			if !ok {
				b.flush(batch)
				return
			}
			batch = append(batch, msg)
			if len(batch) >= b.config.BatchSize {
				b.flush(batch)
				batch = make([]*types.BatchedMessage[T], 0, b.config.BatchSize)
			}

		case <-ticker.C:
			if len(batch) > 0 {
				b.logger.Debug().Int("current_batch_size", len(batch)).Msg("Flush timeout reached.")
				b.flush(batch)
				batch = make([]*types.BatchedMessage[T], 0, b.config.BatchSize)
			}
		}
	}
}

func (b *BatchInserter[T]) flush(batch []*types.BatchedMessage[T]) {
	if len(batch) == 0 {
		return
	}

	payloads := make([]*T, len(batch))
	for i, msg := range batch {
		payloads[i] = msg.Payload
	}

	ctx, cancel := context.WithTimeout(b.shutdownCtx, b.config.InsertTimeout)
	defer cancel()

	if err := b.inserter.InsertBatch(ctx, payloads); err != nil {
		b.metrics.ArchiveFlushed("bigquery", false)
		b.logger.Error().Err(err).Int("batch_size", len(batch)).Msg("Failed to insert batch, Nacking messages.")
		for _, msg := range batch {
			msg.OriginalMessage.Nack()
		}
		return
	}

	b.metrics.ArchiveFlushed("bigquery", true)
	b.logger.Info().Int("batch_size", len(batch)).Msg("Flushed batch, Acking messages.")
	for _, msg := range batch {
		msg.OriginalMessage.Ack()
	}
}
