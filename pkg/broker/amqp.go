package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/illmade-knight/teststation/pkg/types"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
)

// AMQPConfig configures a RabbitMQ connection.
type AMQPConfig struct {
	URL            string
	Heartbeat      time.Duration
	ConnectTimeout time.Duration
}

// AMQPDialer opens RabbitMQ sessions.
type AMQPDialer struct {
	cfg    AMQPConfig
	logger zerolog.Logger
}

// NewAMQPDialer validates cfg and returns a Dialer for RabbitMQ.
func NewAMQPDialer(cfg AMQPConfig, logger zerolog.Logger) (*AMQPDialer, error) {
	if cfg.URL == "" {
		return nil, errors.New("amqp: URL is required")
	}
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = 10 * time.Second
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	return &AMQPDialer{
		cfg:    cfg,
		logger: logger.With().Str("component", "AMQPDialer").Logger(),
	}, nil
}

// Dial connects and opens a publisher channel in confirm mode.
func (d *AMQPDialer) Dial(ctx context.Context) (Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	conn, err := amqp.DialConfig(d.cfg.URL, amqp.Config{
		Heartbeat: d.cfg.Heartbeat,
		Dial:      amqp.DefaultDial(d.cfg.ConnectTimeout),
		Properties: amqp.Table{
			"connection_name": "teststation",
		},
	})
	if err != nil {
		return nil, fmt.Errorf("amqp dial: %w", err)
	}

	pub, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("amqp open publisher channel: %w", err)
	}
	if err := pub.Confirm(false); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("amqp enable publisher confirms: %w", err)
	}

	s := &amqpSession{
		conn:   conn,
		pub:    pub,
		closed: make(chan error, 1),
		logger: d.logger,
	}
	connClosed := conn.NotifyClose(make(chan *amqp.Error, 1))
	pubClosed := pub.NotifyClose(make(chan *amqp.Error, 1))
	go watchClose(connClosed, pubClosed, s.closed, func() { _ = conn.Close() })
	d.logger.Info().Msg("Connected to RabbitMQ.")
	return s, nil
}

// watchClose reports the first of a connection or publisher-channel failure on
// out and then closes it. A publisher channel closed by the server (a 404 on
// publish, for example) leaves the connection open but the session unusable,
// so the connection is closed too and the Client redials.
func watchClose(connClosed, pubClosed <-chan *amqp.Error, out chan<- error, closeConn func()) {
	defer close(out)
	select {
	case amqpErr, ok := <-connClosed:
		if ok && amqpErr != nil {
			out <- amqpErr
		}
	case amqpErr, ok := <-pubClosed:
		if ok && amqpErr != nil {
			out <- fmt.Errorf("publisher channel closed: %w", amqpErr)
		}
		closeConn()
	}
}

type amqpSession struct {
	conn   *amqp.Connection
	pub    *amqp.Channel
	pubMu  sync.Mutex
	closed chan error
	logger zerolog.Logger
}

// Declare creates one durable fanout exchange per route and binds its durable queues.
func (s *amqpSession) Declare(_ context.Context, topology Topology) error {
	ch, err := s.conn.Channel()
	if err != nil {
		return fmt.Errorf("open declare channel: %w", err)
	}
	defer ch.Close()

	for _, route := range topology {
		if err := ch.ExchangeDeclare(route.Name, amqp.ExchangeFanout, true, false, false, false, nil); err != nil {
			return fmt.Errorf("declare exchange %q: %w", route.Name, err)
		}
		for _, queue := range route.Queues {
			if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
				return fmt.Errorf("declare queue %q: %w", queue, err)
			}
			if err := ch.QueueBind(queue, "", route.Name, false, nil); err != nil {
				return fmt.Errorf("bind queue %q to %q: %w", queue, route.Name, err)
			}
		}
	}
	return nil
}

func (s *amqpSession) Publish(ctx context.Context, route string, payload []byte) error {
	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    uuid.NewString(),
		Timestamp:    time.Now().UTC(),
		Body:         payload,
	}

	s.pubMu.Lock()
	confirm, err := s.pub.PublishWithDeferredConfirmWithContext(ctx, route, "", false, false, msg)
	s.pubMu.Unlock()
	if err != nil {
		return err
	}
	if confirm == nil {
		return errors.New("publisher channel is not in confirm mode")
	}
	acked, err := confirm.WaitContext(ctx)
	if err != nil {
		return err
	}
	if !acked {
		return errors.New("broker nacked the message")
	}
	return nil
}

// Consume opens a dedicated channel per queue so a channel-level error on one
// queue does not interrupt the others.
func (s *amqpSession) Consume(ctx context.Context, queue string, prefetch int) (<-chan types.ConsumedMessage, error) {
	ch, err := s.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("open consumer channel: %w", err)
	}
	if err := ch.Qos(prefetch, 0, false); err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("set prefetch on %q: %w", queue, err)
	}
	deliveries, err := ch.ConsumeWithContext(ctx, queue, "teststation-"+uuid.NewString(), false, false, false, false, nil)
	if err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("consume %q: %w", queue, err)
	}

	out := make(chan types.ConsumedMessage)
	go func() {
		defer close(out)
		defer func() { _ = ch.Close() }()
		for {
			select {
			case <-ctx.Done():
				return
			case d, ok := <-deliveries:
				if !ok {
					return
				}
				select {
				case out <- s.toMessage(d):
				case <-ctx.Done():
					_ = d.Nack(false, true)
					return
				}
			}
		}
	}()
	return out, nil
}

func (s *amqpSession) toMessage(d amqp.Delivery) types.ConsumedMessage {
	id := d.MessageId
	if id == "" {
		id = fmt.Sprintf("%s/%d", d.ConsumerTag, d.DeliveryTag)
	}
	logger := s.logger.With().Str("msg_id", id).Logger()
	return types.ConsumedMessage{
		ID:          id,
		Payload:     d.Body,
		PublishTime: d.Timestamp,
		Ack: func() {
			if err := d.Ack(false); err != nil {
				logger.Warn().Err(err).Msg("Failed to ack delivery.")
			}
		},
		Nack: func() {
			if err := d.Nack(false, true); err != nil {
				logger.Warn().Err(err).Msg("Failed to nack delivery.")
			}
		},
	}
}

func (s *amqpSession) Closed() <-chan error {
	return s.closed
}

func (s *amqpSession) Close() error {
	if s.conn.IsClosed() {
		return nil
	}
	return s.conn.Close()
}
