package icestore

import (
	"context"
	"sync"
	"time"

	"github.com/illmade-knight/teststation/pkg/metrics"
	"github.com/illmade-knight/teststation/pkg/types"
	"github.com/rs/zerolog"
)

// BatcherConfig holds configuration for the Batcher.
type BatcherConfig struct {
	BatchSize     int
	FlushTimeout  time.Duration
	UploadTimeout time.Duration
}

// Batcher collects decoded messages and flushes them to a DataUploader on size
// or timeout. Messages are acked only after their batch is uploaded.
type Batcher[T any] struct {
	config       BatcherConfig
	uploader     DataUploader[T]
	metrics      *metrics.Metrics
	logger       zerolog.Logger
	inputChan    chan *types.BatchedMessage[T]
	wg           sync.WaitGroup
	shutdownCtx  context.Context
	shutdownFunc context.CancelFunc
}

// NewBatcher creates a Batcher. m may be nil.
func NewBatcher[T any](
	config BatcherConfig,
	uploader DataUploader[T],
	m *metrics.Metrics,
	logger zerolog.Logger,
) *Batcher[T] {
	if config.BatchSize <= 0 {
		config.BatchSize = 100
	}
	if config.FlushTimeout <= 0 {
		config.FlushTimeout = time.Minute
	}
	if config.UploadTimeout <= 0 {
		config.UploadTimeout = 2 * time.Minute
	}
	shutdownCtx, shutdownFunc := context.WithCancel(context.Background())
	return &Batcher[T]{
		config:       config,
		uploader:     uploader,
		metrics:      m,
		logger:       logger.With().Str("component", "IceStoreBatcher").Logger(),
		inputChan:    make(chan *types.BatchedMessage[T], config.BatchSize*2),
		shutdownCtx:  shutdownCtx,
		shutdownFunc: shutdownFunc,
	}
}

// Start begins the batching worker goroutine.
func (b *Batcher[T]) Start() {
	b.logger.Info().
		Int("batch_size", b.config.BatchSize).
		Dur("flush_timeout", b.config.FlushTimeout).
		Msg("Starting icestore Batcher worker...")
	b.wg.Add(1)
	go b.worker()
}

// Stop flushes pending items, then closes the uploader.
func (b *Batcher[T]) Stop() {
	b.logger.Info().Msg("Stopping icestore Batcher...")
	close(b.inputChan)
	b.wg.Wait()
	b.shutdownFunc()
	if err := b.uploader.Close(); err != nil {
		b.logger.Error().Err(err).Msg("Error closing underlying data uploader")
	}
	b.logger.Info().Msg("IceStore Batcher stopped.")
}

func (b *Batcher[T]) Input() chan<- *types.BatchedMessage[T] {
	return b.inputChan
}

func (b *Batcher[T]) worker() {
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
				b.flush(batch)
				batch = make([]*types.BatchedMessage[T], 0, b.config.BatchSize)
			}
		}
	}
}

func (b *Batcher[T]) flush(batch []*types.BatchedMessage[T]) {
	if len(batch) == 0 {
		return
	}

	payloads := make([]*T, len(batch))
	for i, msg := range batch {
		payloads[i] = msg.Payload
	}

	ctx, cancel := context.WithTimeout(b.shutdownCtx, b.config.UploadTimeout)
	defer cancel()

	if err := b.uploader.UploadBatch(ctx, payloads); err != nil {
		b.metrics.ArchiveFlushed("gcs", false)
		b.logger.Error().Err(err).Int("batch_size", len(batch)).Msg("Failed to upload batch, Nacking messages.")
		for _, msg := range batch {
			if msg.OriginalMessage.Nack != nil {
				msg.OriginalMessage.Nack()
			}
		}
		return
	}

	b.metrics.ArchiveFlushed("gcs", true)
	b.logger.Info().Int("batch_size", len(batch)).Msg("Uploaded batch, Acking messages.")
	for _, msg := range batch {
		if msg.OriginalMessage.Ack != nil {
			msg.OriginalMessage.Ack()
		}
	}
}
