package ingestion

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/illmade-knight/teststation/pkg/metrics"
	"github.com/illmade-knight/teststation/pkg/types"
	"github.com/rs/zerolog"
)

// DefaultMQTTTopic matches every station's measurement topic.
const DefaultMQTTTopic = "teststations/+/measurements"

// MQTTConfig configures the station-facing MQTT bridge.
type MQTTConfig struct {
	BrokerURL          string        `mapstructure:"broker_url" yaml:"broker_url"`
	Topic              string        `mapstructure:"topic" yaml:"topic"`
	ClientID           string        `mapstructure:"client_id" yaml:"client_id"`
	ClientIDPrefix     string        `mapstructure:"client_id_prefix" yaml:"client_id_prefix"`
	Username           string        `mapstructure:"username" yaml:"username"`
	Password           string        `mapstructure:"password" yaml:"password"`
	KeepAlive          time.Duration `mapstructure:"keep_alive" yaml:"keep_alive"`
	ConnectTimeout     time.Duration `mapstructure:"connect_timeout" yaml:"connect_timeout"`
	ReconnectWaitMax   time.Duration `mapstructure:"reconnect_wait_max" yaml:"reconnect_wait_max"`
	CACertFile         string        `mapstructure:"ca_cert_file" yaml:"ca_cert_file"`
	ClientCertFile     string        `mapstructure:"client_cert_file" yaml:"client_cert_file"`
	ClientKeyFile      string        `mapstructure:"client_key_file" yaml:"client_key_file"`
	InsecureSkipVerify bool          `mapstructure:"insecure_skip_verify" yaml:"insecure_skip_verify"`
	NumWorkers         int           `mapstructure:"num_workers" yaml:"num_workers"`
	InputCapacity      int           `mapstructure:"input_capacity" yaml:"input_capacity"`
	PublishTimeout     time.Duration `mapstructure:"publish_timeout" yaml:"publish_timeout"`
	RetryInitialWait   time.Duration `mapstructure:"retry_initial_wait" yaml:"retry_initial_wait"`
	RetryMaxWait       time.Duration `mapstructure:"retry_max_wait" yaml:"retry_max_wait"`
}

func (c *MQTTConfig) applyDefaults() {
	if c.Topic == "" {
		c.Topic = DefaultMQTTTopic
	}
	if c.ClientIDPrefix == "" {
		c.ClientIDPrefix = "teststation-ingest-"
	}
	if c.KeepAlive <= 0 {
		c.KeepAlive = 30 * time.Second
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 10 * time.Second
	}
	if c.ReconnectWaitMax <= 0 {
		c.ReconnectWaitMax = time.Minute
	}
	if c.NumWorkers <= 0 {
		c.NumWorkers = 5
	}
	if c.InputCapacity <= 0 {
		c.InputCapacity = 100
	}
	if c.PublishTimeout <= 0 {
		c.PublishTimeout = 30 * time.Second
	}
	if c.RetryInitialWait <= 0 {
		c.RetryInitialWait = 500 * time.Millisecond
	}
	if c.RetryMaxWait <= 0 {
		c.RetryMaxWait = 30 * time.Second
	}
	if c.ClientID == "" {
		c.ClientID = stableClientID(c.ClientIDPrefix)
	}
}

// stableClientID derives a client ID that survives restarts so the persistent
// session, and the QoS 1 messages it holds, is resumed on reconnect.
func stableClientID(prefix string) string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "default"
	}
	return prefix + host
}

type inbound struct {
	topic   string
	payload []byte
	msg     mqtt.Message
}

// MQTTBridge subscribes to station topics and forwards each valid measurement
// through a Producer. MQTT messages are acknowledged only after the broker
// publish succeeds or the payload is rejected. A failed publish is retried with
// backoff until it succeeds or the bridge stops; a message still unacknowledged
// at that point stays in the persistent session under the stable client ID and
// is redelivered on the next connect.
type MQTTBridge struct {
	cfg      MQTTConfig
	producer *Producer
	metrics  *metrics.Metrics
	logger   zerolog.Logger

	client   mqtt.Client
	messages chan inbound

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewMQTTBridge creates a bridge. m may be nil.
func NewMQTTBridge(cfg MQTTConfig, producer *Producer, m *metrics.Metrics, logger zerolog.Logger) (*MQTTBridge, error) {
	if producer == nil {
		return nil, errors.New("ingestion: producer is required")
	}
	cfg.applyDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &MQTTBridge{
		cfg:      cfg,
		producer: producer,
		metrics:  m,
		logger:   logger.With().Str("component", "MQTTBridge").Logger(),
		messages: make(chan inbound, cfg.InputCapacity),
		ctx:      ctx,
		cancel:   cancel,
	}, nil
}

// Start launches the workers and, when a broker URL is configured, connects the
// MQTT client. With no broker URL the bridge only drains messages pushed by handleMessage.
func (b *MQTTBridge) Start() error {
	for i := 0; i < b.cfg.NumWorkers; i++ {
		b.wg.Add(1)
		go b.worker(i)
	}

	if b.cfg.BrokerURL == "" {
		b.logger.Info().Msg("MQTT bridge started without a broker connection.")
		return nil
	}
	if err := b.connect(); err != nil {
		b.cancel()
		b.wg.Wait()
		return err
	}
	return nil
}

// Stop cancels retries, disconnects from MQTT and waits for the workers.
// Messages not yet acknowledged stay in the persistent session.
func (b *MQTTBridge) Stop() {
	b.cancel()
	if b.client != nil && b.client.IsConnected() {
		b.client.Disconnect(250)
	}
	b.wg.Wait()
	b.logger.Info().Msg("MQTT bridge stopped.")
}

func (b *MQTTBridge) worker(id int) {
	defer b.wg.Done()
	for {
		select {
		case <-b.ctx.Done():
			return
		case in := <-b.messages:
			b.forward(in, id)
		}
	}
}

func (b *MQTTBridge) forward(in inbound, workerID int) {
	log := b.logger.With().Int("worker_id", workerID).Str("topic", in.topic).Logger()

	m, err := types.DecodeRawMeasurement(in.payload)
	if err != nil {
		b.metrics.Ingested("mqtt", "rejected")
		log.Error().Err(err).Str("payload_snippet", snippet(in.payload)).Msg("Rejected MQTT measurement.")
		ack(in.msg)
		return
	}
	if station := stationFromTopic(in.topic); station != "" && station != m.MachineID {
		log.Warn().Str("topic_machine_id", station).Str("machine_id", m.MachineID).Msg("Topic and payload machine IDs differ.")
	}

	wait := b.cfg.RetryInitialWait
	for attempt := 1; ; attempt++ {
		err = b.publish(m)
		if err == nil {
			b.metrics.Ingested("mqtt", "accepted")
			ack(in.msg)
			return
		}
		b.metrics.Ingested("mqtt", "publish_failed")
		log.Warn().Err(err).Str("barcode", m.Barcode).Int("attempt", attempt).Dur("retry_in", wait).Msg("Failed to queue MQTT measurement, retrying.")

		timer := time.NewTimer(wait)
		select {
		case <-b.ctx.Done():
			timer.Stop()
			log.Warn().Str("barcode", m.Barcode).Msg("Shutting down, MQTT message left unacknowledged for redelivery.")
			return
		case <-timer.C:
		}
		wait = min(wait*2, b.cfg.RetryMaxWait)
	}
}

func (b *MQTTBridge) publish(m *types.RawMeasurement) error {
	ctx, cancel := context.WithTimeout(b.ctx, b.cfg.PublishTimeout)
	defer cancel()
	return b.producer.Publish(ctx, m)
}

// handleMessage is the paho message handler. It copies the payload because
// paho may reuse the buffer. A full input channel blocks the handler, which
// holds back further deliveries instead of leaving messages unacknowledged.
func (b *MQTTBridge) handleMessage(_ mqtt.Client, msg mqtt.Message) {
	payload := make([]byte, len(msg.Payload()))
	copy(payload, msg.Payload())

	select {
	case b.messages <- inbound{topic: msg.Topic(), payload: payload, msg: msg}:
	case <-b.ctx.Done():
		b.logger.Warn().Str("topic", msg.Topic()).Msg("Shutting down, MQTT message left unacknowledged.")
	}
}

func (b *MQTTBridge) onConnect(client mqtt.Client) {
	b.logger.Info().Str("broker", b.cfg.BrokerURL).Str("topic", b.cfg.Topic).Str("client_id", b.cfg.ClientID).Msg("Connected to MQTT broker, subscribing.")
	if token := client.Subscribe(b.cfg.Topic, 1, b.handleMessage); token.Wait() && token.Error() != nil {
		b.logger.Error().Err(token.Error()).Str("topic", b.cfg.Topic).Msg("Failed to subscribe to MQTT topic.")
	}
}

func (b *MQTTBridge) onConnectionLost(_ mqtt.Client, err error) {
	b.logger.Error().Err(err).Msg("Lost MQTT connection.")
}

func (b *MQTTBridge) connect() error {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(b.cfg.BrokerURL)
	opts.SetClientID(b.cfg.ClientID)
	opts.SetUsername(b.cfg.Username)
	opts.SetPassword(b.cfg.Password)
	opts.SetKeepAlive(b.cfg.KeepAlive)
	opts.SetConnectTimeout(b.cfg.ConnectTimeout)
	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(b.cfg.ReconnectWaitMax)
	opts.SetCleanSession(false)
	opts.SetAutoAckDisabled(true)
	opts.SetConnectionAttemptHandler(func(broker *url.URL, tlsCfg *tls.Config) *tls.Config {
		b.logger.Info().Str("broker", broker.String()).Msg("Attempting MQTT connection.")
		return tlsCfg
	})

	if usesTLS(b.cfg.BrokerURL) {
		tlsConfig, err := newTLSConfig(&b.cfg)
		if err != nil {
			return fmt.Errorf("failed to create TLS config: %w", err)
		}
		opts.SetTLSConfig(tlsConfig)
	}

	opts.SetOnConnectHandler(b.onConnect)
	opts.SetConnectionLostHandler(b.onConnectionLost)

	b.client = mqtt.NewClient(opts)
	if token := b.client.Connect(); token.WaitTimeout(b.cfg.ConnectTimeout) && token.Error() != nil {
		return fmt.Errorf("mqtt connect: %w", token.Error())
	}
	return nil
}

func usesTLS(brokerURL string) bool {
	lower := strings.ToLower(brokerURL)
	return strings.HasPrefix(lower, "tls://") || strings.HasPrefix(lower, "ssl://") ||
		strings.HasPrefix(lower, "mqtts://") || strings.HasSuffix(lower, ":8883")
}

func newTLSConfig(cfg *MQTTConfig) (*tls.Config, error) {
	tlsConfig := &tls.Config{InsecureSkipVerify: cfg.InsecureSkipVerify}

	if cfg.CACertFile != "" {
		caCert, err := os.ReadFile(cfg.CACertFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA certificate file %s: %w", cfg.CACertFile, err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caCert) {
			return nil, fmt.Errorf("failed to append CA certificate from %s to pool", cfg.CACertFile)
		}
		tlsConfig.RootCAs = pool
	}

	if cfg.ClientCertFile != "" && cfg.ClientKeyFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.ClientCertFile, cfg.ClientKeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load client certificate/key pair: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}
	return tlsConfig, nil
}

// stationFromTopic extracts the machine id from teststations/<id>/measurements.
func stationFromTopic(topic string) string {
	parts := strings.Split(topic, "/")
	if len(parts) != 3 || parts[0] != "teststations" {
		return ""
	}
	return parts[1]
}

func snippet(payload []byte) string {
	if len(payload) > 100 {
		return string(payload[:100])
	}
	return string(payload)
}

func ack(msg mqtt.Message) {
	if msg != nil {
		msg.Ack()
	}
}
