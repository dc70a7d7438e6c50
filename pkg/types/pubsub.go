package types

import "time"

// ConsumedMessage is a single delivery taken from a broker queue or subscription.
// It carries the raw, undecoded payload and the broker-specific settlement hooks.
type ConsumedMessage struct {
	// ID is the broker message identifier (AMQP message-id or Pub/Sub message ID).
	ID string
	// Payload is the raw byte content of the message.
	Payload []byte
	// PublishTime is when the producer published the message.
	PublishTime time.Time
	// Ack settles the delivery as processed. The broker will not redeliver it.
	Ack func()
	// Nack hands the delivery back to the broker for redelivery.
	Nack func()
}

// BatchedMessage pairs a decoded payload with the delivery it came from, so the
// processor that finally handles it can settle the original message.
type BatchedMessage[T any] struct {
	OriginalMessage ConsumedMessage
	Payload         *T
}
