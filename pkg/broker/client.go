package broker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// DefaultReconnectDelay is the fixed pause between connection attempts.
const DefaultReconnectDelay = 5 * time.Second

// State is the connection state of a Client.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateBackoff
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateBackoff:
		return "backoff"
	default:
		return "unknown"
	}
}

// ClientConfig holds the supervisor settings.
type ClientConfig struct {
	ReconnectDelay time.Duration
}

// ClientOption customises a Client.
type ClientOption func(*Client)

// WithStateObserver registers fn to be called on every state transition.
func WithStateObserver(fn func(State)) ClientOption {
	return func(c *Client) { c.observer = fn }
}

// Client supervises a single broker session. Run drives the state machine
// Disconnected -> Connecting -> Connected -> Backoff -> Connecting ... until its
// context is cancelled; a failed dial or a lost session never ends the loop.
type Client struct {
	dialer   Dialer
	topology Topology
	delay    time.Duration
	logger   zerolog.Logger
	observer func(State)

	state   atomic.Int32
	running atomic.Bool

	mu      sync.Mutex
	session Session
	changed chan struct{}

	done chan struct{}
}

// NewClient creates a Client. Nothing is dialled until Run is called.
func NewClient(dialer Dialer, topology Topology, cfg ClientConfig, logger zerolog.Logger, opts ...ClientOption) (*Client, error) {
	if dialer == nil {
		return nil, errors.New("broker: dialer is required")
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = DefaultReconnectDelay
	}
	c := &Client{
		dialer:   dialer,
		topology: topology,
		delay:    cfg.ReconnectDelay,
		logger:   logger.With().Str("component", "BrokerClient").Logger(),
		changed:  make(chan struct{}),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// State returns the current connection state.
func (c *Client) State() State {
	return State(c.state.Load())
}

// Done is closed once Run has returned.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Run supervises the connection until ctx is cancelled. It must be called once.
func (c *Client) Run(ctx context.Context) error {
	if !c.running.CompareAndSwap(false, true) {
		return errors.New("broker: client already running")
	}
	defer close(c.done)
	defer c.setState(StateDisconnected)

	for {
		c.setState(StateConnecting)
		sess, err := c.connect(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.logger.Error().Err(err).Dur("retry_in", c.delay).Msg("Broker connection attempt failed.")
		} else {
			c.setSession(sess)
			c.setState(StateConnected)
			c.logger.Info().Msg("Broker session established.")

			err = c.hold(ctx, sess)
			c.setSession(nil)
			if closeErr := sess.Close(); closeErr != nil {
				c.logger.Debug().Err(closeErr).Msg("Error closing broker session.")
			}
			if ctx.Err() != nil {
				return nil
			}
			c.logger.Warn().Err(err).Dur("retry_in", c.delay).Msg("Broker session lost.")
		}

		c.setState(StateBackoff)
		timer := time.NewTimer(c.delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

func (c *Client) connect(ctx context.Context) (Session, error) {
	sess, err := c.dialer.Dial(ctx)
	if err != nil {
		return nil, &ConnectionError{Op: "dial", Err: err}
	}
	if err := sess.Declare(ctx, c.topology); err != nil {
		_ = sess.Close()
		return nil, &ConnectionError{Op: "declare", Err: err}
	}
	return sess, nil
}

// hold blocks while the session is healthy.
func (c *Client) hold(ctx context.Context, sess Session) error {
	select {
	case <-ctx.Done():
		return nil
	case err := <-sess.Closed():
		if err == nil {
			err = errors.New("session closed by peer")
		}
		return &ConnectionError{Op: "session", Err: err}
	}
}

// Publish sends payload on route through the live session. It never buffers:
// while disconnected it fails with ErrNotConnected.
func (c *Client) Publish(ctx context.Context, route string, payload []byte) error {
	sess := c.current()
	if sess == nil {
		return &PublishError{Route: route, Err: ErrNotConnected}
	}
	if err := sess.Publish(ctx, route, payload); err != nil {
		return &PublishError{Route: route, Err: err}
	}
	return nil
}

// Session blocks until a live session is available.
func (c *Client) Session(ctx context.Context) (Session, error) {
	for {
		c.mu.Lock()
		sess, changed := c.session, c.changed
		c.mu.Unlock()
		if sess != nil {
			return sess, nil
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-c.done:
			return nil, ErrClientClosed
		}
	}
}

// awaitChange waits until the live session is no longer old, or at most maxWait.
func (c *Client) awaitChange(ctx context.Context, old Session, maxWait time.Duration) error {
	timer := time.NewTimer(maxWait)
	defer timer.Stop()
	for {
		c.mu.Lock()
		sess, changed := c.session, c.changed
		c.mu.Unlock()
		if sess != old {
			return nil
		}
		select {
		case <-changed:
		case <-timer.C:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		case <-c.done:
			return ErrClientClosed
		}
	}
}

func (c *Client) current() Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

func (c *Client) setSession(s Session) {
	c.mu.Lock()
	c.session = s
	close(c.changed)
	c.changed = make(chan struct{})
	c.mu.Unlock()
}

func (c *Client) setState(s State) {
	prev := State(c.state.Swap(int32(s)))
	if prev == s {
		return
	}
	c.logger.Debug().Str("from", prev.String()).Str("to", s.String()).Msg("Broker state change.")
	if c.observer != nil {
		c.observer(s)
	}
}
