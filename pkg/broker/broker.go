// Package broker wraps a durable message broker behind a small interface: a
// Dialer opens a Session, a Client keeps one Session alive across network failures,
// and QueueConsumers re-attach to every new Session the Client establishes.
//
// Two implementations ship with the package: RabbitMQ (AMQP 0-9-1) and Google Cloud Pub/Sub.
package broker

import (
	"context"
	"errors"
	"fmt"

	"github.com/illmade-knight/teststation/pkg/types"
)

var (
	// ErrNotConnected is returned by Publish while no session is live.
	ErrNotConnected = errors.New("broker: not connected")
	// ErrClientClosed is returned once the supervising Client has stopped.
	ErrClientClosed = errors.New("broker: client closed")
)

// Route is a named stream that publishers write to, together with every durable
// queue that receives a copy of each message published on it.
type Route struct {
	Name   string   `mapstructure:"name"`
	Queues []string `mapstructure:"queues"`
}

// Topology is the set of routes a Session declares before it is used.
type Topology []Route

// Queues returns every queue across all routes.
func (t Topology) Queues() []string {
	var out []string
	for _, r := range t {
		out = append(out, r.Queues...)
	}
	return out
}

// Session is one live link to the broker.
type Session interface {
	// Declare idempotently creates the durable routes and queues of the topology.
	Declare(ctx context.Context, topology Topology) error
	// Publish sends a persistent message on route and waits for the broker to confirm it.
	Publish(ctx context.Context, route string, payload []byte) error
	// Consume starts a manual-ack consumer on queue. The returned channel is closed
	// when ctx is cancelled or the session is lost.
	Consume(ctx context.Context, queue string, prefetch int) (<-chan types.ConsumedMessage, error)
	// Closed yields at most one error and is closed when the link is gone.
	Closed() <-chan error
	Close() error
}

// Dialer opens new sessions. The Client calls it on every reconnect attempt.
type Dialer interface {
	Dial(ctx context.Context) (Session, error)
}

// DialerFunc adapts a function to the Dialer interface.
type DialerFunc func(ctx context.Context) (Session, error)

func (f DialerFunc) Dial(ctx context.Context) (Session, error) { return f(ctx) }

// ConnectionError reports a failure to establish or keep a session.
type ConnectionError struct {
	Op  string
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("broker connection %s: %v", e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// PublishError reports a message the broker did not accept.
type PublishError struct {
	Route string
	Err   error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("publish to %q: %v", e.Route, e.Err)
}

func (e *PublishError) Unwrap() error { return e.Err }
