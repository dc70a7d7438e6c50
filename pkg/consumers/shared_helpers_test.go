package consumers_test

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/illmade-knight/teststation/pkg/types"
)

type testPayload struct {
	ID   int    `json:"id"`
	Data string `json:"data"`
}

// MockMessageConsumer is a buffered in-memory MessageConsumer.
type MockMessageConsumer struct {
	mu         sync.Mutex
	messagesCh chan types.ConsumedMessage
	doneCh     chan struct{}
	stopped    bool
}

func NewMockMessageConsumer(bufferSize int) *MockMessageConsumer {
	return &MockMessageConsumer{
		messagesCh: make(chan types.ConsumedMessage, bufferSize),
		doneCh:     make(chan struct{}),
	}
}

func (m *MockMessageConsumer) Messages() <-chan types.ConsumedMessage { return m.messagesCh }
func (m *MockMessageConsumer) Start(ctx context.Context) error        { return nil }
func (m *MockMessageConsumer) Done() <-chan struct{}                  { return m.doneCh }

func (m *MockMessageConsumer) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.stopped {
		close(m.messagesCh)
		close(m.doneCh)
		m.stopped = true
	}
	return nil
}

func (m *MockMessageConsumer) Push(msg types.ConsumedMessage) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.stopped {
		m.messagesCh <- msg
	}
}

// settlement records how a message was settled.
type settlement struct {
	acks  atomic.Int32
	nacks atomic.Int32
}

func (s *settlement) message(id string, payload []byte) types.ConsumedMessage {
	return types.ConsumedMessage{
		ID:      id,
		Payload: payload,
		Ack:     func() { s.acks.Add(1) },
		Nack:    func() { s.nacks.Add(1) },
	}
}
