package bqstore_test

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/illmade-knight/teststation/pkg/types"
)

// MockDataBatchInserter records every batch it is given.
type MockDataBatchInserter[T any] struct {
	mu            sync.Mutex
	InsertBatchFn func(ctx context.Context, items []*T) error
	CloseFn       func() error
	callCount     int
	receivedItems [][]*T
}

func (m *MockDataBatchInserter[T]) InsertBatch(ctx context.Context, items []*T) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callCount++
	itemsCopy := make([]*T, len(items))
	copy(itemsCopy, items)
	m.receivedItems = append(m.receivedItems, itemsCopy)

	if m.InsertBatchFn != nil {
		return m.InsertBatchFn(ctx, items)
	}
	return nil
}

func (m *MockDataBatchInserter[T]) Close() error {
	if m.CloseFn != nil {
		return m.CloseFn()
	}
	return nil
}

func (m *MockDataBatchInserter[T]) GetCallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.callCount
}

func (m *MockDataBatchInserter[T]) GetReceivedItems() [][]*T {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.receivedItems
}

// MockMessageConsumer feeds pushed messages to a ProcessingService.
type MockMessageConsumer struct {
	mu         sync.Mutex
	messagesCh chan types.ConsumedMessage
	doneCh     chan struct{}
	stopped    bool
}

// NewMockMessageConsumer creates an instance of the mock consumer.
func NewMockMessageConsumer(bufferSize int) *MockMessageConsumer {
	return &MockMessageConsumer{
		messagesCh: make(chan types.ConsumedMessage, bufferSize),
		doneCh:     make(chan struct{}),
	}
}

func (m *MockMessageConsumer) Messages() <-chan types.ConsumedMessage {
	return m.messagesCh
}
func (m *MockMessageConsumer) Start(ctx context.Context) error { return nil }
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
func (m *MockMessageConsumer) Done() <-chan struct{} { return m.doneCh }
func (m *MockMessageConsumer) Push(msg types.ConsumedMessage) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.stopped {
		m.messagesCh <- msg
	}
}

// settlement counts acks and nacks for messages built by message().
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
