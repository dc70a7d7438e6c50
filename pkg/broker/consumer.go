package broker

import (
	"context"
	"sync"
	"time"

	"github.com/illmade-knight/teststation/pkg/types"
	"github.com/rs/zerolog"
)

// QueueConsumer reads one durable queue for as long as it runs, re-attaching to
// every session the Client establishes. It satisfies consumers.MessageConsumer.
type QueueConsumer struct {
	client   *Client
	queue    string
	prefetch int
	logger   zerolog.Logger

	out  chan types.ConsumedMessage
	done chan struct{}

	mu       sync.Mutex
	started  bool
	cancel   context.CancelFunc
	stopOnce sync.Once
}

// NewConsumer creates a consumer for queue. prefetch bounds unacknowledged deliveries.
func (c *Client) NewConsumer(queue string, prefetch int) *QueueConsumer {
	if prefetch <= 0 {
		prefetch = 10
	}
	return &QueueConsumer{
		client:   c,
		queue:    queue,
		prefetch: prefetch,
		logger:   c.logger.With().Str("component", "QueueConsumer").Str("queue", queue).Logger(),
		out:      make(chan types.ConsumedMessage),
		done:     make(chan struct{}),
	}
}

// Messages returns the delivery channel. It is closed when the consumer stops.
func (q *QueueConsumer) Messages() <-chan types.ConsumedMessage {
	return q.out
}

// Start begins consuming in the background. It returns immediately; deliveries
// flow once the Client has a live session.
func (q *QueueConsumer) Start(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.started {
		return nil
	}
	q.started = true
	ctx, q.cancel = context.WithCancel(ctx)
	go q.run(ctx)
	q.logger.Info().Msg("Queue consumer started.")
	return nil
}

// Stop cancels consumption and waits for the consumer loop to exit.
func (q *QueueConsumer) Stop() error {
	q.stopOnce.Do(func() {
		q.mu.Lock()
		started, cancel := q.started, q.cancel
		q.started = true
		q.mu.Unlock()

		if !started {
			close(q.out)
			close(q.done)
			return
		}
		cancel()
	})
	<-q.done
	return nil
}

// Done is closed when the consumer has fully stopped.
func (q *QueueConsumer) Done() <-chan struct{} {
	return q.done
}

func (q *QueueConsumer) run(ctx context.Context) {
	defer close(q.done)
	defer close(q.out)

	for {
		sess, err := q.client.Session(ctx)
		if err != nil {
			return
		}
		deliveries, err := sess.Consume(ctx, q.queue, q.prefetch)
		if err != nil {
			q.logger.Warn().Err(err).Msg("Failed to start consuming, waiting for a new session.")
			if q.client.awaitChange(ctx, sess, q.client.delay) != nil {
				return
			}
			continue
		}
		q.logger.Info().Msg("Consuming from queue.")

		q.forward(ctx, deliveries)
		if ctx.Err() != nil {
			return
		}
		q.logger.Warn().Msg("Delivery stream ended, waiting for a new session.")
		if q.client.awaitChange(ctx, sess, q.client.delay) != nil {
			return
		}
	}
}

func (q *QueueConsumer) forward(ctx context.Context, deliveries <-chan types.ConsumedMessage) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-deliveries:
			if !ok {
				return
			}
			if msg.PublishTime.IsZero() {
				msg.PublishTime = time.Now().UTC()
			}
			select {
			case q.out <- msg:
			case <-ctx.Done():
				msg.Nack()
				return
			}
		}
	}
}
