package broker

import (
	"context"
	"errors"
	"sync"

	"github.com/illmade-knight/teststation/pkg/types"
)

type publishedMessage struct {
	Route   string
	Payload []byte
}

// fakeSession is an in-memory Session. Messages handed to deliver are forwarded
// to whichever consumer is attached to the queue.
type fakeSession struct {
	mu         sync.Mutex
	published  []publishedMessage
	declared   Topology
	publishErr error
	declareErr error
	consumeErr error
	inboxes    map[string]chan types.ConsumedMessage

	closed   chan error
	dead     chan struct{}
	killOnce sync.Once
}

func newFakeSession() *fakeSession {
	return &fakeSession{
		inboxes: make(map[string]chan types.ConsumedMessage),
		closed:  make(chan error, 1),
		dead:    make(chan struct{}),
	}
}

func (s *fakeSession) Declare(_ context.Context, topology Topology) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.declareErr != nil {
		return s.declareErr
	}
	s.declared = topology
	return nil
}

func (s *fakeSession) Publish(_ context.Context, route string, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.publishErr != nil {
		return s.publishErr
	}
	s.published = append(s.published, publishedMessage{Route: route, Payload: payload})
	return nil
}

func (s *fakeSession) Consume(ctx context.Context, queue string, _ int) (<-chan types.ConsumedMessage, error) {
	s.mu.Lock()
	err := s.consumeErr
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	in := s.inbox(queue)
	out := make(chan types.ConsumedMessage)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.dead:
				return
			case m := <-in:
				select {
				case out <- m:
				case <-ctx.Done():
					return
				case <-s.dead:
					return
				}
			}
		}
	}()
	return out, nil
}

func (s *fakeSession) inbox(queue string) chan types.ConsumedMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.inboxes[queue]
	if !ok {
		ch = make(chan types.ConsumedMessage)
		s.inboxes[queue] = ch
	}
	return ch
}

func (s *fakeSession) deliver(ctx context.Context, queue string, msg types.ConsumedMessage) error {
	select {
	case s.inbox(queue) <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *fakeSession) kill(err error) {
	s.killOnce.Do(func() {
		if err != nil {
			s.closed <- err
		}
		close(s.closed)
		close(s.dead)
	})
}

func (s *fakeSession) Closed() <-chan error { return s.closed }

func (s *fakeSession) Close() error {
	s.kill(nil)
	return nil
}

func (s *fakeSession) publishedMessages() []publishedMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]publishedMessage(nil), s.published...)
}

// fakeDialer fails the first failFirst attempts, then hands out fresh sessions.
type fakeDialer struct {
	mu        sync.Mutex
	attempts  int
	failFirst int
	sessions  chan *fakeSession
	prepare   func(*fakeSession)
}

func newFakeDialer(failFirst int) *fakeDialer {
	return &fakeDialer{failFirst: failFirst, sessions: make(chan *fakeSession, 16)}
}

func (d *fakeDialer) Dial(ctx context.Context) (Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d.mu.Lock()
	d.attempts++
	attempt := d.attempts
	prepare := d.prepare
	d.mu.Unlock()

	if attempt <= d.failFirst {
		return nil, errors.New("connection refused")
	}
	s := newFakeSession()
	if prepare != nil {
		prepare(s)
	}
	d.sessions <- s
	return s, nil
}

func (d *fakeDialer) attemptCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.attempts
}

// stateRecorder collects the transitions reported by a Client.
type stateRecorder struct {
	mu     sync.Mutex
	states []State
}

func (r *stateRecorder) observe(s State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, s)
}

func (r *stateRecorder) snapshot() []State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]State(nil), r.states...)
}
