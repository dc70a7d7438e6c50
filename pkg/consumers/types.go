package consumers

import (
	"context"

	"github.com/illmade-knight/teststation/pkg/types"
)

// MessageProcessor receives decoded messages and settles them. HandlerProcessor,
// bqstore.BatchInserter and icestore.Batcher all implement it.
type MessageProcessor[T any] interface {
	// Input returns a write-only channel for sending decoded messages to the processor.
	Input() chan<- *types.BatchedMessage[T]
	// Start begins the processor's operations.
	Start()
	// Stop shuts the processor down, settling anything it still holds.
	Stop()
}

// MessageConsumer is a source of raw broker deliveries. broker.QueueConsumer is
// the production implementation.
type MessageConsumer interface {
	// Messages returns a read-only channel from which raw messages can be consumed.
	Messages() <-chan types.ConsumedMessage
	// Start initiates the consumption of messages. Non-blocking.
	Start(ctx context.Context) error
	// Stop ceases message consumption.
	Stop() error
	// Done returns a channel that is closed when the consumer has fully stopped.
	Done() <-chan struct{}
}

// PayloadDecoder transforms the raw payload of a ConsumedMessage into T.
// Returning an error marks the payload as undecodable: it is acked and dropped.
// Returning (nil, nil) acks and skips the message without logging an error.
type PayloadDecoder[T any] func(payload []byte) (*T, error)
