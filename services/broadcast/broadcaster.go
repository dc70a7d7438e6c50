package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/illmade-knight/teststation/pkg/consumers"
	"github.com/illmade-knight/teststation/pkg/metrics"
	"github.com/illmade-knight/teststation/pkg/types"
	"github.com/rs/zerolog"
)

// DefaultSendTimeout bounds a single delivery to one subscriber.
const DefaultSendTimeout = 5 * time.Second

// SendError reports a failed delivery to one subscriber.
type SendError struct {
	SubscriberID string
	Err          error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("send to subscriber %s: %v", e.SubscriberID, e.Err)
}

func (e *SendError) Unwrap() error { return e.Err }

// Broadcaster delivers each processed event to every registered subscriber.
type Broadcaster struct {
	registry    *Registry
	sendTimeout time.Duration
	metrics     *metrics.Metrics
	logger      zerolog.Logger
}

// NewBroadcaster creates a Broadcaster over registry. m may be nil.
func NewBroadcaster(registry *Registry, sendTimeout time.Duration, m *metrics.Metrics, logger zerolog.Logger) (*Broadcaster, error) {
	if registry == nil {
		return nil, errors.New("broadcast: registry is required")
	}
	if sendTimeout <= 0 {
		sendTimeout = DefaultSendTimeout
	}
	return &Broadcaster{
		registry:    registry,
		sendTimeout: sendTimeout,
		metrics:     m,
		logger:      logger.With().Str("component", "Broadcaster").Logger(),
	}, nil
}

// Broadcast sends payload to the subscribers registered when it is called.
// Sends run concurrently outside the registry lock. A subscriber whose send
// fails is unregistered and closed; the others are unaffected. It returns the
// number of successful deliveries.
func (b *Broadcaster) Broadcast(ctx context.Context, payload []byte) int {
	subs := b.registry.Snapshot()
	if len(subs) == 0 {
		return 0
	}

	var delivered atomic.Int64
	var wg sync.WaitGroup
	for _, s := range subs {
		wg.Add(1)
		go func(s Subscriber) {
			defer wg.Done()
			if err := b.send(ctx, s, payload); err != nil {
				b.drop(s, err)
				return
			}
			delivered.Add(1)
		}(s)
	}
	wg.Wait()

	n := int(delivered.Load())
	b.metrics.BroadcastDelivered(n)
	return n
}

func (b *Broadcaster) send(ctx context.Context, s Subscriber, payload []byte) error {
	sendCtx, cancel := context.WithTimeout(ctx, b.sendTimeout)
	defer cancel()
	if err := s.Send(sendCtx, payload); err != nil {
		return &SendError{SubscriberID: s.ID(), Err: err}
	}
	return nil
}

func (b *Broadcaster) drop(s Subscriber, err error) {
	b.metrics.BroadcastFailed()
	if b.registry.Unregister(s) {
		b.logger.Info().Err(err).Str("subscriber_id", s.ID()).Msg("Subscriber dropped after failed send.")
	}
	_ = s.Close()
}

// Handle broadcasts one processed event. It never fails, so the delivery is always
// acknowledged: events are not replayed to subscribers that join later.
func (b *Broadcaster) Handle(ctx context.Context, event *json.RawMessage) error {
	n := b.Broadcast(ctx, *event)
	b.logger.Debug().Int("delivered", n).Msg("Event broadcast.")
	return nil
}

// NewService assembles the processed-event pipeline feeding b.
func NewService(
	numWorkers int,
	consumer consumers.MessageConsumer,
	b *Broadcaster,
	m *metrics.Metrics,
	logger zerolog.Logger,
) (*consumers.ProcessingService[json.RawMessage], error) {
	handlers, err := consumers.NewHandlerProcessor[json.RawMessage](
		consumers.HandlerProcessorConfig{NumWorkers: numWorkers},
		b.Handle,
		logger,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create broadcast handlers: %w", err)
	}
	service, err := consumers.NewProcessingService[json.RawMessage](numWorkers, consumer, handlers, types.DecodeJSON, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create broadcast service: %w", err)
	}
	service.OnDrop(func(reason string) { m.Dropped("broadcast", reason) })
	return service, nil
}
