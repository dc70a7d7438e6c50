// Package brokertest provides an in-memory broker for tests. It honours the
// delivery semantics the pipeline relies on: fanout routes, manual ack,
// nack-with-requeue and requeue of unsettled deliveries when a session drops.
package brokertest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/illmade-knight/teststation/pkg/broker"
	"github.com/illmade-knight/teststation/pkg/types"
)

// ErrSessionClosed is returned by operations on a dropped session.
var ErrSessionClosed = errors.New("brokertest: session closed")

type message struct {
	id        string
	body      []byte
	published time.Time
}

type queue struct {
	mu        sync.Mutex
	ready     []message
	delivered int
	notify    chan struct{}
}

func newQueue() *queue {
	return &queue{notify: make(chan struct{}, 1)}
}

func (q *queue) push(m message, front bool) {
	q.mu.Lock()
	if front {
		q.ready = append([]message{m}, q.ready...)
	} else {
		q.ready = append(q.ready, m)
	}
	q.mu.Unlock()
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *queue) pop() (message, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.ready) == 0 {
		return message{}, false
	}
	m := q.ready[0]
	q.ready = q.ready[1:]
	q.delivered++
	return m, true
}

// Broker is an in-memory broker shared by every session dialled from it.
type Broker struct {
	mu        sync.Mutex
	routes    map[string][]string
	queues    map[string]*queue
	published map[string][][]byte
	sessions  map[*session]struct{}
	dialErr   error
	dials     int
}

// New returns an empty broker.
func New() *Broker {
	return &Broker{
		routes:    make(map[string][]string),
		queues:    make(map[string]*queue),
		published: make(map[string][][]byte),
		sessions:  make(map[*session]struct{}),
	}
}

// Dialer returns a broker.Dialer connected to b.
func (b *Broker) Dialer() broker.Dialer {
	return broker.DialerFunc(b.dial)
}

// FailDials makes subsequent dials fail with err until it is called with nil.
func (b *Broker) FailDials(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dialErr = err
}

// Dials reports how many dial attempts were made.
func (b *Broker) Dials() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dials
}

// DropSessions closes every live session, as if the network had failed.
// Unsettled deliveries return to their queues.
func (b *Broker) DropSessions() {
	b.mu.Lock()
	sessions := make([]*session, 0, len(b.sessions))
	for s := range b.sessions {
		sessions = append(sessions, s)
	}
	b.mu.Unlock()
	for _, s := range sessions {
		s.drop(errors.New("connection reset"))
	}
}

// Published returns every payload published on route, in order.
func (b *Broker) Published(route string) [][]byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([][]byte(nil), b.published[route]...)
}

// Depth returns the number of ready messages on queue.
func (b *Broker) Depth(name string) int {
	q := b.queue(name)
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ready)
}

// Deliveries returns how many times messages were handed out from queue, redeliveries included.
func (b *Broker) Deliveries(name string) int {
	q := b.queue(name)
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.delivered
}

// Enqueue places a raw payload directly on a queue.
func (b *Broker) Enqueue(name string, payload []byte) {
	b.queue(name).push(message{id: uuid.NewString(), body: payload, published: time.Now().UTC()}, false)
}

func (b *Broker) queue(name string) *queue {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[name]
	if !ok {
		q = newQueue()
		b.queues[name] = q
	}
	return q
}

func (b *Broker) dial(ctx context.Context) (broker.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dials++
	if b.dialErr != nil {
		return nil, b.dialErr
	}
	s := &session{
		broker:   b,
		closed:   make(chan error, 1),
		dead:     make(chan struct{}),
		inflight: make(map[uint64]inflight),
	}
	b.sessions[s] = struct{}{}
	return s, nil
}

type inflight struct {
	q        *queue
	m        message
	onSettle func()
}

type session struct {
	broker *Broker

	mu       sync.Mutex
	nextTag  uint64
	inflight map[uint64]inflight

	closed   chan error
	dead     chan struct{}
	dropOnce sync.Once
}

func (s *session) Declare(_ context.Context, topology broker.Topology) error {
	if s.isDead() {
		return ErrSessionClosed
	}
	for _, route := range topology {
		for _, name := range route.Queues {
			s.broker.queue(name)
		}
		s.broker.mu.Lock()
		s.broker.routes[route.Name] = append([]string(nil), route.Queues...)
		s.broker.mu.Unlock()
	}
	return nil
}

func (s *session) Publish(_ context.Context, route string, payload []byte) error {
	if s.isDead() {
		return ErrSessionClosed
	}
	s.broker.mu.Lock()
	queues, ok := s.broker.routes[route]
	if ok {
		s.broker.published[route] = append(s.broker.published[route], append([]byte(nil), payload...))
	}
	s.broker.mu.Unlock()
	if !ok {
		return fmt.Errorf("no route %q", route)
	}

	m := message{id: uuid.NewString(), body: append([]byte(nil), payload...), published: time.Now().UTC()}
	for _, name := range queues {
		s.broker.queue(name).push(m, false)
	}
	return nil
}

// Consume delivers ready messages one at a time. At most prefetch messages are
// outstanding unsettled per call, as with AMQP Qos; prefetch <= 0 is unlimited.
func (s *session) Consume(ctx context.Context, name string, prefetch int) (<-chan types.ConsumedMessage, error) {
	if s.isDead() {
		return nil, ErrSessionClosed
	}
	q := s.broker.queue(name)
	out := make(chan types.ConsumedMessage)
	var (
		mu          sync.Mutex
		outstanding int
	)
	freed := make(chan struct{}, 1)
	release := func() {
		mu.Lock()
		outstanding--
		mu.Unlock()
		select {
		case freed <- struct{}{}:
		default:
		}
	}
	full := func() bool {
		mu.Lock()
		defer mu.Unlock()
		return prefetch > 0 && outstanding >= prefetch
	}

	go func() {
		defer close(out)
		for {
			if full() {
				select {
				case <-freed:
				case <-time.After(10 * time.Millisecond):
				case <-ctx.Done():
					return
				case <-s.dead:
					return
				}
				continue
			}
			m, ok := q.pop()
			if !ok {
				select {
				case <-q.notify:
				case <-time.After(10 * time.Millisecond):
				case <-ctx.Done():
					return
				case <-s.dead:
					return
				}
				continue
			}
			mu.Lock()
			outstanding++
			mu.Unlock()
			msg := s.track(q, m, release)
			select {
			case out <- msg:
			case <-ctx.Done():
				msg.Nack()
				return
			case <-s.dead:
				return
			}
		}
	}()
	return out, nil
}

func (s *session) track(q *queue, m message, onSettle func()) types.ConsumedMessage {
	s.mu.Lock()
	s.nextTag++
	tag := s.nextTag
	s.inflight[tag] = inflight{q: q, m: m, onSettle: onSettle}
	s.mu.Unlock()

	return types.ConsumedMessage{
		ID:          m.id,
		Payload:     m.body,
		PublishTime: m.published,
		Ack:         func() { s.settle(tag, false) },
		Nack:        func() { s.settle(tag, true) },
	}
}

func (s *session) settle(tag uint64, requeue bool) {
	s.mu.Lock()
	f, ok := s.inflight[tag]
	delete(s.inflight, tag)
	s.mu.Unlock()
	if !ok {
		return
	}
	if requeue {
		f.q.push(f.m, true)
	}
	if f.onSettle != nil {
		f.onSettle()
	}
}

func (s *session) isDead() bool {
	select {
	case <-s.dead:
		return true
	default:
		return false
	}
}

func (s *session) drop(err error) {
	s.dropOnce.Do(func() {
		s.mu.Lock()
		pending := s.inflight
		s.inflight = make(map[uint64]inflight)
		s.mu.Unlock()
		for _, f := range pending {
			f.q.push(f.m, true)
		}

		s.broker.mu.Lock()
		delete(s.broker.sessions, s)
		s.broker.mu.Unlock()

		if err != nil {
			s.closed <- err
		}
		close(s.closed)
		close(s.dead)
	})
}

func (s *session) Closed() <-chan error { return s.closed }

func (s *session) Close() error {
	s.drop(nil)
	return nil
}
