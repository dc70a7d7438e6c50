// Package broadcast fans processed events out to live subscribers.
package broadcast

import (
	"context"
	"sync"

	"github.com/illmade-knight/teststation/pkg/metrics"
)

// Subscriber is a live connection that receives processed events.
// Send must be safe to call concurrently with Close.
type Subscriber interface {
	ID() string
	Send(ctx context.Context, payload []byte) error
	Close() error
}

// Registry is the concurrency-safe set of live subscribers.
type Registry struct {
	mu      sync.RWMutex
	subs    map[string]Subscriber
	metrics *metrics.Metrics
}

// NewRegistry creates an empty registry. m may be nil.
func NewRegistry(m *metrics.Metrics) *Registry {
	return &Registry{subs: make(map[string]Subscriber), metrics: m}
}

// Register adds s. Registering the same subscriber twice is a no-op.
func (r *Registry) Register(s Subscriber) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subs[s.ID()] = s
	r.metrics.SetSubscribers(len(r.subs))
}

// Unregister removes s and reports whether it was present. It does not close s.
func (r *Registry) Unregister(s Subscriber) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.subs[s.ID()]
	if ok {
		delete(r.subs, s.ID())
		r.metrics.SetSubscribers(len(r.subs))
	}
	return ok
}

// Snapshot returns the subscribers registered at the time of the call.
func (r *Registry) Snapshot() []Subscriber {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Subscriber, 0, len(r.subs))
	for _, s := range r.subs {
		out = append(out, s)
	}
	return out
}

// Len returns the number of registered subscribers.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subs)
}

// CloseAll unregisters and closes every subscriber.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	subs := r.subs
	r.subs = make(map[string]Subscriber)
	r.metrics.SetSubscribers(0)
	r.mu.Unlock()
	for _, s := range subs {
		_ = s.Close()
	}
}
