//go:build integration

package broker_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/docker/go-connections/nat"
	"github.com/illmade-knight/teststation/pkg/broker"
	"github.com/illmade-knight/teststation/pkg/types"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

const (
	testRabbitImage = "rabbitmq:3.13-alpine"
	testRabbitPort  = nat.Port("5672/tcp")

	testPubSubEmulatorImage = "gcr.io/google.com/cloudsdktool/cloud-sdk:emulators"
	testPubSubEmulatorPort  = nat.Port("8085/tcp")
	testProjectID           = "teststation-it"
)

var integrationTopology = broker.Topology{
	{Name: "test_results", Queues: []string{"test_results_queue", "test_results_archive_queue"}},
}

func setupRabbitMQ(t *testing.T, ctx context.Context) string {
	t.Helper()
	req := testcontainers.ContainerRequest{
		Image:        testRabbitImage,
		ExposedPorts: []string{string(testRabbitPort)},
		WaitingFor:   wait.ForLog("Server startup complete").WithStartupTimeout(90 * time.Second),
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{ContainerRequest: req, Started: true})
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, container.Terminate(context.Background())) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, testRabbitPort)
	require.NoError(t, err)
	return fmt.Sprintf("amqp://guest:guest@%s:%s/", host, port.Port())
}

func setupPubSubEmulator(t *testing.T, ctx context.Context) {
	t.Helper()
	req := testcontainers.ContainerRequest{
		Image:        testPubSubEmulatorImage,
		ExposedPorts: []string{string(testPubSubEmulatorPort)},
		Cmd:          []string{"gcloud", "beta", "emulators", "pubsub", "start", "--project=" + testProjectID, "--host-port=0.0.0.0:8085"},
		WaitingFor:   wait.ForLog("INFO: Server started, listening on").WithStartupTimeout(60 * time.Second),
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{ContainerRequest: req, Started: true})
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, container.Terminate(context.Background())) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, testPubSubEmulatorPort)
	require.NoError(t, err)
	t.Setenv("PUBSUB_EMULATOR_HOST", fmt.Sprintf("%s:%s", host, port.Port()))
}

// roundTrip publishes one message and expects it on both bound queues.
func roundTrip(t *testing.T, ctx context.Context, dialer broker.Dialer) {
	t.Helper()
	logger := zerolog.Nop()

	client, err := broker.NewClient(dialer, integrationTopology, broker.ClientConfig{ReconnectDelay: time.Second}, logger)
	require.NoError(t, err)
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() { _ = client.Run(runCtx) }()

	_, err = client.Session(ctx)
	require.NoError(t, err)

	primary := client.NewConsumer("test_results_queue", 5)
	archive := client.NewConsumer("test_results_archive_queue", 5)
	require.NoError(t, primary.Start(runCtx))
	require.NoError(t, archive.Start(runCtx))
	defer primary.Stop()
	defer archive.Stop()

	payload := []byte(`{"barcode":"BC-IT-1"}`)
	require.Eventually(t, func() bool {
		return client.Publish(ctx, "test_results", payload) == nil
	}, 30*time.Second, 500*time.Millisecond)

	for _, consumer := range []*broker.QueueConsumer{primary, archive} {
		select {
		case msg := <-consumer.Messages():
			assert.JSONEq(t, string(payload), string(msg.Payload))
			msg.Ack()
		case <-time.After(30 * time.Second):
			t.Fatal("timed out waiting for message")
		}
	}
}

func TestAMQP_PublishConsumeRoundTrip(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
	defer cancel()

	url := setupRabbitMQ(t, ctx)
	dialer, err := broker.NewAMQPDialer(broker.AMQPConfig{URL: url}, zerolog.Nop())
	require.NoError(t, err)

	roundTrip(t, ctx, dialer)
}

func TestAMQP_NackRedelivers(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
	defer cancel()

	url := setupRabbitMQ(t, ctx)
	dialer, err := broker.NewAMQPDialer(broker.AMQPConfig{URL: url}, zerolog.Nop())
	require.NoError(t, err)

	client, err := broker.NewClient(dialer, integrationTopology, broker.ClientConfig{}, zerolog.Nop())
	require.NoError(t, err)
	go func() { _ = client.Run(ctx) }()
	_, err = client.Session(ctx)
	require.NoError(t, err)

	consumer := client.NewConsumer("test_results_queue", 1)
	require.NoError(t, consumer.Start(ctx))
	defer consumer.Stop()

	require.NoError(t, client.Publish(ctx, "test_results", []byte(`{"n":1}`)))

	var first types.ConsumedMessage
	select {
	case first = <-consumer.Messages():
	case <-time.After(30 * time.Second):
		t.Fatal("no delivery")
	}
	first.Nack()

	select {
	case again := <-consumer.Messages():
		assert.Equal(t, first.Payload, again.Payload)
		again.Ack()
	case <-time.After(30 * time.Second):
		t.Fatal("nacked message was not redelivered")
	}
}

func TestAMQP_ClosedPublisherChannelReconnects(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
	defer cancel()

	url := setupRabbitMQ(t, ctx)
	dialer, err := broker.NewAMQPDialer(broker.AMQPConfig{URL: url}, zerolog.Nop())
	require.NoError(t, err)

	client, err := broker.NewClient(dialer, integrationTopology, broker.ClientConfig{ReconnectDelay: 100 * time.Millisecond}, zerolog.Nop())
	require.NoError(t, err)
	go func() { _ = client.Run(ctx) }()
	first, err := client.Session(ctx)
	require.NoError(t, err)

	// Publishing to an undeclared exchange makes the server close the publisher channel.
	pubCtx, pubCancel := context.WithTimeout(ctx, 10*time.Second)
	err = client.Publish(pubCtx, "no_such_route", []byte(`{}`))
	pubCancel()
	require.Error(t, err)

	select {
	case <-first.Closed():
	case <-time.After(30 * time.Second):
		t.Fatal("session did not report the closed publisher channel")
	}

	require.Eventually(t, func() bool {
		return client.Publish(ctx, "test_results", []byte(`{"n":1}`)) == nil
	}, 30*time.Second, 200*time.Millisecond)
}

func TestPubSub_PublishConsumeRoundTrip(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
	defer cancel()

	setupPubSubEmulator(t, ctx)
	dialer, err := broker.NewPubSubDialer(broker.PubSubConfig{ProjectID: testProjectID}, zerolog.Nop())
	require.NoError(t, err)

	roundTrip(t, ctx, dialer)
}
