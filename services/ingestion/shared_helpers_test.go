package ingestion

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

const validPayload = `{"barcode":"BC-1","machine_id":"M-1","product_id":"P-1","test_step":"voltage","measured_value":85.0,"timestamp":"2024-05-01T08:30:00Z"}`

type MockPublisher struct {
	mock.Mock
}

func (m *MockPublisher) Publish(ctx context.Context, route string, payload []byte) error {
	args := m.Called(ctx, route, payload)
	return args.Error(0)
}

func newTestProducer(t *testing.T, pub Publisher) *Producer {
	t.Helper()
	p, err := NewProducer(pub, "test_results", zerolog.Nop())
	require.NoError(t, err)
	return p
}

// fakeMessage implements mqtt.Message.
type fakeMessage struct {
	topic   string
	payload []byte
	acked   atomic.Int32
}

func (m *fakeMessage) Duplicate() bool   { return false }
func (m *fakeMessage) Qos() byte         { return 1 }
func (m *fakeMessage) Retained() bool    { return false }
func (m *fakeMessage) Topic() string     { return m.topic }
func (m *fakeMessage) MessageID() uint16 { return 1 }
func (m *fakeMessage) Payload() []byte   { return m.payload }
func (m *fakeMessage) Ack()              { m.acked.Add(1) }

// recordingPublisher collects payloads. It fails every call while err is set,
// or only the first failures calls.
type recordingPublisher struct {
	mu       sync.Mutex
	payloads [][]byte
	err      error
	failures int
	calls    int
}

func (r *recordingPublisher) Publish(_ context.Context, _ string, payload []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	if r.err != nil {
		return r.err
	}
	if r.calls <= r.failures {
		return errors.New("broker: not connected")
	}
	r.payloads = append(r.payloads, payload)
	return nil
}

func (r *recordingPublisher) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.payloads)
}

func (r *recordingPublisher) attempts() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}
