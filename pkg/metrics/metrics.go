// Package metrics defines the Prometheus collectors for the pipeline. A nil
// *Metrics is valid and records nothing.
package metrics

import (
	"time"

	"github.com/illmade-knight/teststation/pkg/types"
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "teststation"

var brokerStates = []string{"disconnected", "connecting", "connected", "backoff"}

// Metrics holds every collector the services report to.
type Metrics struct {
	ingested          *prometheus.CounterVec
	processed         *prometheus.CounterVec
	dropped           *prometheus.CounterVec
	persistFailures   prometheus.Counter
	republishFailures prometheus.Counter
	handlerDuration   prometheus.Histogram
	broadcastSent     prometheus.Counter
	broadcastFailed   prometheus.Counter
	subscribers       prometheus.Gauge
	brokerState       *prometheus.GaugeVec
	brokerBackoffs    prometheus.Counter
	archiveFlushes    *prometheus.CounterVec
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ingested: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ingested_total",
			Help:      "Measurements received at the ingestion boundary, by source and outcome.",
		}, []string{"source", "outcome"}),
		processed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "results_processed_total",
			Help:      "Test results persisted, by status.",
		}, []string{"status"}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_dropped_total",
			Help:      "Messages acknowledged without processing, by stage and reason.",
		}, []string{"stage", "reason"}),
		persistFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "persist_failures_total",
			Help:      "Inserts that failed and were handed back for redelivery.",
		}),
		republishFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "republish_failures_total",
			Help:      "Processed events that could not be published after persistence.",
		}),
		handlerDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "processor_handler_duration_seconds",
			Help:      "Time spent handling one raw measurement.",
			Buckets:   prometheus.DefBuckets,
		}),
		broadcastSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "broadcast_deliveries_total",
			Help:      "Frames delivered to live subscribers.",
		}),
		broadcastFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "broadcast_send_failures_total",
			Help:      "Sends that failed and evicted a subscriber.",
		}),
		subscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "live_subscribers",
			Help:      "Currently registered live subscribers.",
		}),
		brokerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "broker_state",
			Help:      "1 for the current broker connection state, 0 otherwise.",
		}, []string{"state"}),
		brokerBackoffs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "broker_backoffs_total",
			Help:      "Times the broker client entered backoff after a failed or lost connection.",
		}),
		archiveFlushes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "archive_flushes_total",
			Help:      "Archive batch flushes, by sink and outcome.",
		}, []string{"sink", "outcome"}),
	}

	reg.MustRegister(
		m.ingested, m.processed, m.dropped, m.persistFailures, m.republishFailures,
		m.handlerDuration, m.broadcastSent, m.broadcastFailed, m.subscribers,
		m.brokerState, m.brokerBackoffs, m.archiveFlushes,
	)
	return m
}

func (m *Metrics) Ingested(source, outcome string) {
	if m == nil {
		return
	}
	m.ingested.WithLabelValues(source, outcome).Inc()
}

func (m *Metrics) ResultProcessed(status types.Status) {
	if m == nil {
		return
	}
	m.processed.WithLabelValues(string(status)).Inc()
}

func (m *Metrics) Dropped(stage, reason string) {
	if m == nil {
		return
	}
	m.dropped.WithLabelValues(stage, reason).Inc()
}

func (m *Metrics) PersistFailed() {
	if m == nil {
		return
	}
	m.persistFailures.Inc()
}

func (m *Metrics) RepublishFailed() {
	if m == nil {
		return
	}
	m.republishFailures.Inc()
}

func (m *Metrics) ObserveHandler(d time.Duration) {
	if m == nil {
		return
	}
	m.handlerDuration.Observe(d.Seconds())
}

func (m *Metrics) BroadcastDelivered(n int) {
	if m == nil {
		return
	}
	m.broadcastSent.Add(float64(n))
}

func (m *Metrics) BroadcastFailed() {
	if m == nil {
		return
	}
	m.broadcastFailed.Inc()
}

func (m *Metrics) SetSubscribers(n int) {
	if m == nil {
		return
	}
	m.subscribers.Set(float64(n))
}

// BrokerState marks state as current. state is one of the broker.State names.
func (m *Metrics) BrokerState(state string) {
	if m == nil {
		return
	}
	for _, s := range brokerStates {
		v := 0.0
		if s == state {
			v = 1
		}
		m.brokerState.WithLabelValues(s).Set(v)
	}
	if state == "backoff" {
		m.brokerBackoffs.Inc()
	}
}

func (m *Metrics) ArchiveFlushed(sink string, ok bool) {
	if m == nil {
		return
	}
	outcome := "success"
	if !ok {
		outcome = "failure"
	}
	m.archiveFlushes.WithLabelValues(sink, outcome).Inc()
}
