package broadcast

import (
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/illmade-knight/teststation/pkg/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_RegisterIsIdempotent(t *testing.T) {
	reg := NewRegistry(nil)
	s := &fakeSubscriber{id: "a"}

	reg.Register(s)
	reg.Register(s)
	assert.Equal(t, 1, reg.Len())

	assert.True(t, reg.Unregister(s))
	assert.False(t, reg.Unregister(s))
	assert.Equal(t, 0, reg.Len())
	assert.Equal(t, int32(0), s.closed.Load(), "Unregister must not close")
}

func TestRegistry_SnapshotIsIndependent(t *testing.T) {
	reg := NewRegistry(nil)
	a, b := &fakeSubscriber{id: "a"}, &fakeSubscriber{id: "b"}
	reg.Register(a)
	reg.Register(b)

	snap := reg.Snapshot()
	reg.Unregister(a)

	assert.Len(t, snap, 2)
	assert.Equal(t, 1, reg.Len())
}

func TestRegistry_ConcurrentAccess(t *testing.T) {
	reg := NewRegistry(nil)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s := &fakeSubscriber{id: fmt.Sprintf("s-%d", i)}
			reg.Register(s)
			_ = reg.Snapshot()
			if i%2 == 0 {
				reg.Unregister(s)
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 25, reg.Len())
}

func TestRegistry_SubscriberGaugeMatchesAfterChurn(t *testing.T) {
	promReg := prometheus.NewRegistry()
	reg := NewRegistry(metrics.New(promReg))

	var wg sync.WaitGroup
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s := &fakeSubscriber{id: fmt.Sprintf("s-%d", i)}
			reg.Register(s)
			if i%4 != 0 {
				reg.Unregister(s)
			}
		}(i)
	}
	wg.Wait()
	require.Equal(t, 50, reg.Len())

	expected := `
# HELP teststation_live_subscribers Currently registered live subscribers.
# TYPE teststation_live_subscribers gauge
teststation_live_subscribers 50
`
	assert.NoError(t, testutil.GatherAndCompare(promReg, strings.NewReader(expected), "teststation_live_subscribers"))
}

func TestRegistry_CloseAll(t *testing.T) {
	reg := NewRegistry(nil)
	subs := []*fakeSubscriber{{id: "a"}, {id: "b"}}
	for _, s := range subs {
		reg.Register(s)
	}
	reg.CloseAll()

	assert.Equal(t, 0, reg.Len())
	for _, s := range subs {
		assert.Equal(t, int32(1), s.closed.Load())
	}
}
