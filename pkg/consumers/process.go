package consumers

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/illmade-knight/teststation/pkg/types"
	"github.com/rs/zerolog"
)

// DropObserver is told about every message dropped because it could not be decoded.
type DropObserver func(reason string)

// ProcessingService moves messages from a MessageConsumer through a decoder into
// a MessageProcessor using a fixed pool of workers.
type ProcessingService[T any] struct {
	numWorkers   int
	consumer     MessageConsumer
	processor    MessageProcessor[T]
	decoder      PayloadDecoder[T]
	onDrop       DropObserver
	logger       zerolog.Logger
	wg           sync.WaitGroup
	shutdownCtx  context.Context
	shutdownFunc context.CancelFunc
}

// NewProcessingService wires a consumer, decoder and processor together.
func NewProcessingService[T any](
	numWorkers int,
	consumer MessageConsumer,
	processor MessageProcessor[T],
	decoder PayloadDecoder[T],
	logger zerolog.Logger,
) (*ProcessingService[T], error) {
	if consumer == nil {
		return nil, errors.New("consumers: consumer is required")
	}
	if processor == nil {
		return nil, errors.New("consumers: processor is required")
	}
	if decoder == nil {
		return nil, errors.New("consumers: decoder is required")
	}
	if numWorkers <= 0 {
		numWorkers = 5
	}

	shutdownCtx, shutdownFunc := context.WithCancel(context.Background())

	return &ProcessingService[T]{
		numWorkers:   numWorkers,
		consumer:     consumer,
		processor:    processor,
		decoder:      decoder,
		logger:       logger.With().Str("service", "ProcessingService").Logger(),
		shutdownCtx:  shutdownCtx,
		shutdownFunc: shutdownFunc,
	}, nil
}

// OnDrop registers an observer for undecodable messages, typically a metrics counter.
func (s *ProcessingService[T]) OnDrop(fn DropObserver) {
	s.onDrop = fn
}

// Start starts the processor, then the consumer, then the worker pool.
func (s *ProcessingService[T]) Start() error {
	s.logger.Info().Msg("Starting ProcessingService...")

	s.processor.Start()

	if err := s.consumer.Start(s.shutdownCtx); err != nil {
		s.processor.Stop()
		return fmt.Errorf("failed to start message consumer: %w", err)
	}

	s.logger.Info().Int("worker_count", s.numWorkers).Msg("Starting processing workers...")
	for i := 0; i < s.numWorkers; i++ {
		s.wg.Add(1)
		go s.worker(i)
	}

	s.logger.Info().Msg("ProcessingService started.")
	return nil
}

func (s *ProcessingService[T]) worker(workerID int) {
	defer s.wg.Done()
	s.logger.Debug().Int("worker_id", workerID).Msg("Processing worker started.")

	for {
		select {
		case <-s.shutdownCtx.Done():
			s.logger.Debug().Int("worker_id", workerID).Msg("Processing worker shutting down.")
			return
		case msg, ok := <-s.consumer.Messages():
			if !ok {
				s.logger.Debug().Int("worker_id", workerID).Msg("Consumer channel closed, worker exiting.")
				return
			}
			s.processConsumedMessage(msg, workerID)
		}
	}
}

// processConsumedMessage decodes a message and hands it to the processor.
// Undecodable payloads will fail again on every redelivery, so they are acked and dropped.
func (s *ProcessingService[T]) processConsumedMessage(msg types.ConsumedMessage, workerID int) {
	s.logger.Debug().Int("worker_id", workerID).Str("msg_id", msg.ID).Msg("Processing message")

	decodedPayload, err := s.decoder(msg.Payload)
	if err != nil {
		s.logger.Error().Err(err).Str("msg_id", msg.ID).Msg("Failed to decode payload, dropping message.")
		if s.onDrop != nil {
			s.onDrop("decode")
		}
		msg.Ack()
		return
	}

	if decodedPayload == nil {
		s.logger.Warn().Str("msg_id", msg.ID).Msg("Decoder returned nil payload, Acking and skipping.")
		msg.Ack()
		return
	}

	batchedMsg := &types.BatchedMessage[T]{
		OriginalMessage: msg,
		Payload:         decodedPayload,
	}

	select {
	case s.processor.Input() <- batchedMsg:
	case <-s.shutdownCtx.Done():
		s.logger.Warn().Str("msg_id", msg.ID).Msg("Shutdown in progress, Nacking message.")
		msg.Nack()
	}
}

// Stop shuts down in order: consumer, workers, then the processor.
func (s *ProcessingService[T]) Stop() {
	s.logger.Info().Msg("Stopping ProcessingService...")

	s.shutdownFunc()

	if err := s.consumer.Stop(); err != nil {
		s.logger.Warn().Err(err).Msg("Message consumer stopped with error.")
	}
	<-s.consumer.Done()

	s.wg.Wait()

	s.processor.Stop()

	s.logger.Info().Msg("ProcessingService stopped.")
}
