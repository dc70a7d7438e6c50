package consumers

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/illmade-knight/teststation/pkg/types"
	"github.com/rs/zerolog"
)

// HandlerFunc processes one decoded message. A nil return acks the message; any
// error nacks it so the broker redelivers.
type HandlerFunc[T any] func(ctx context.Context, payload *T) error

// HandlerProcessorConfig configures a HandlerProcessor.
type HandlerProcessorConfig struct {
	NumWorkers     int
	HandlerTimeout time.Duration
}

// HandlerProcessor is a MessageProcessor that settles each message individually,
// according to the result of its handler.
type HandlerProcessor[T any] struct {
	cfg     HandlerProcessorConfig
	handler HandlerFunc[T]
	input   chan *types.BatchedMessage[T]
	logger  zerolog.Logger

	wg       sync.WaitGroup
	stopping chan struct{}
	stopOnce sync.Once
}

// NewHandlerProcessor creates a processor that calls handler for every message.
func NewHandlerProcessor[T any](cfg HandlerProcessorConfig, handler HandlerFunc[T], logger zerolog.Logger) (*HandlerProcessor[T], error) {
	if handler == nil {
		return nil, errors.New("consumers: handler is required")
	}
	if cfg.NumWorkers <= 0 {
		cfg.NumWorkers = 5
	}
	if cfg.HandlerTimeout <= 0 {
		cfg.HandlerTimeout = 30 * time.Second
	}
	return &HandlerProcessor[T]{
		cfg:      cfg,
		handler:  handler,
		input:    make(chan *types.BatchedMessage[T], cfg.NumWorkers),
		logger:   logger.With().Str("component", "HandlerProcessor").Logger(),
		stopping: make(chan struct{}),
	}, nil
}

func (p *HandlerProcessor[T]) Input() chan<- *types.BatchedMessage[T] {
	return p.input
}

func (p *HandlerProcessor[T]) Start() {
	for i := 0; i < p.cfg.NumWorkers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
	p.logger.Info().Int("workers", p.cfg.NumWorkers).Dur("handler_timeout", p.cfg.HandlerTimeout).Msg("Handler processor started.")
}

// Stop lets in-flight handlers finish and nacks messages that were queued but not started.
// Callers must not send on Input after Stop.
func (p *HandlerProcessor[T]) Stop() {
	p.stopOnce.Do(func() {
		close(p.stopping)
		close(p.input)
	})
	p.wg.Wait()
	p.logger.Info().Msg("Handler processor stopped.")
}

func (p *HandlerProcessor[T]) worker(id int) {
	defer p.wg.Done()
	for msg := range p.input {
		select {
		case <-p.stopping:
			p.logger.Debug().Int("worker_id", id).Str("msg_id", msg.OriginalMessage.ID).Msg("Shutting down, Nacking queued message.")
			msg.OriginalMessage.Nack()
			continue
		default:
		}
		p.handle(msg)
	}
}

func (p *HandlerProcessor[T]) handle(msg *types.BatchedMessage[T]) {
	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.HandlerTimeout)
	defer cancel()

	if err := p.handler(ctx, msg.Payload); err != nil {
		p.logger.Warn().Err(err).Str("msg_id", msg.OriginalMessage.ID).Msg("Handler failed, Nacking for redelivery.")
		msg.OriginalMessage.Nack()
		return
	}
	msg.OriginalMessage.Ack()
}
