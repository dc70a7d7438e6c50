package broker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/illmade-knight/teststation/pkg/types"
	"github.com/rs/zerolog"
	"google.golang.org/api/option"
)

// PubSubConfig configures a Google Cloud Pub/Sub session. Routes map to topics
// and queues map to subscriptions.
type PubSubConfig struct {
	ProjectID       string
	CredentialsFile string
	NumGoroutines   int
	AckDeadline     time.Duration
}

// PubSubDialer opens Pub/Sub sessions.
type PubSubDialer struct {
	cfg    PubSubConfig
	logger zerolog.Logger
}

// NewPubSubDialer validates cfg and returns a Dialer for Pub/Sub.
func NewPubSubDialer(cfg PubSubConfig, logger zerolog.Logger) (*PubSubDialer, error) {
	if cfg.ProjectID == "" {
		return nil, errors.New("pubsub: project ID is required")
	}
	if cfg.NumGoroutines <= 0 {
		cfg.NumGoroutines = 2
	}
	if cfg.AckDeadline <= 0 {
		cfg.AckDeadline = 60 * time.Second
	}
	return &PubSubDialer{
		cfg:    cfg,
		logger: logger.With().Str("component", "PubSubDialer").Logger(),
	}, nil
}

func (d *PubSubDialer) Dial(ctx context.Context) (Session, error) {
	var opts []option.ClientOption
	if emulatorHost := os.Getenv("PUBSUB_EMULATOR_HOST"); emulatorHost != "" {
		d.logger.Info().Str("emulator_host", emulatorHost).Msg("Using Pub/Sub emulator.")
		opts = append(opts, option.WithEndpoint(emulatorHost), option.WithoutAuthentication())
	} else if d.cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(d.cfg.CredentialsFile))
	}

	client, err := pubsub.NewClient(ctx, d.cfg.ProjectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("pubsub.NewClient: %w", err)
	}
	return &pubsubSession{
		client: client,
		cfg:    d.cfg,
		topics: make(map[string]*pubsub.Topic),
		closed: make(chan error, 1),
		logger: d.logger,
	}, nil
}

type pubsubSession struct {
	client *pubsub.Client
	cfg    PubSubConfig
	logger zerolog.Logger

	mu     sync.Mutex
	topics map[string]*pubsub.Topic

	closed    chan error
	closeOnce sync.Once
}

// Declare creates missing topics and subscriptions. Existing ones are left untouched.
func (s *pubsubSession) Declare(ctx context.Context, topology Topology) error {
	for _, route := range topology {
		topic := s.client.Topic(route.Name)
		exists, err := topic.Exists(ctx)
		if err != nil {
			return fmt.Errorf("check topic %q: %w", route.Name, err)
		}
		if !exists {
			if topic, err = s.client.CreateTopic(ctx, route.Name); err != nil {
				return fmt.Errorf("create topic %q: %w", route.Name, err)
			}
			s.logger.Info().Str("topic_id", route.Name).Msg("Created topic.")
		}
		s.mu.Lock()
		s.topics[route.Name] = topic
		s.mu.Unlock()

		for _, queue := range route.Queues {
			sub := s.client.Subscription(queue)
			exists, err := sub.Exists(ctx)
			if err != nil {
				return fmt.Errorf("check subscription %q: %w", queue, err)
			}
			if exists {
				continue
			}
			_, err = s.client.CreateSubscription(ctx, queue, pubsub.SubscriptionConfig{
				Topic:       topic,
				AckDeadline: s.cfg.AckDeadline,
			})
			if err != nil {
				return fmt.Errorf("create subscription %q: %w", queue, err)
			}
			s.logger.Info().Str("subscription_id", queue).Str("topic_id", route.Name).Msg("Created subscription.")
		}
	}
	return nil
}

func (s *pubsubSession) topic(route string) *pubsub.Topic {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.topics[route]
	if !ok {
		t = s.client.Topic(route)
		s.topics[route] = t
	}
	return t
}

// Publish waits for the server-assigned ID, which Pub/Sub only returns once the
// message is durably stored.
func (s *pubsubSession) Publish(ctx context.Context, route string, payload []byte) error {
	result := s.topic(route).Publish(ctx, &pubsub.Message{
		Data:       payload,
		Attributes: map[string]string{"content_type": "application/json"},
	})
	if _, err := result.Get(ctx); err != nil {
		return err
	}
	return nil
}

func (s *pubsubSession) Consume(ctx context.Context, queue string, prefetch int) (<-chan types.ConsumedMessage, error) {
	sub := s.client.Subscription(queue)
	sub.ReceiveSettings.MaxOutstandingMessages = prefetch
	sub.ReceiveSettings.NumGoroutines = s.cfg.NumGoroutines

	out := make(chan types.ConsumedMessage)
	go func() {
		defer close(out)
		err := sub.Receive(ctx, func(msgCtx context.Context, msg *pubsub.Message) {
			payload := make([]byte, len(msg.Data))
			copy(payload, msg.Data)
			consumed := types.ConsumedMessage{
				ID:          msg.ID,
				Payload:     payload,
				PublishTime: msg.PublishTime,
				Ack:         msg.Ack,
				Nack:        msg.Nack,
			}
			select {
			case out <- consumed:
			case <-msgCtx.Done():
				msg.Nack()
			}
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Error().Err(err).Str("subscription_id", queue).Msg("Pub/Sub Receive exited with error.")
			s.fail(err)
		}
	}()
	return out, nil
}

func (s *pubsubSession) fail(err error) {
	s.closeOnce.Do(func() {
		s.closed <- err
		close(s.closed)
	})
}

func (s *pubsubSession) Closed() <-chan error {
	return s.closed
}

func (s *pubsubSession) Close() error {
	s.closeOnce.Do(func() { close(s.closed) })
	s.mu.Lock()
	for _, t := range s.topics {
		t.Stop()
	}
	s.mu.Unlock()
	return s.client.Close()
}
