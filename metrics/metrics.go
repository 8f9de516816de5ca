// Package metrics exposes Prometheus counters for the ingestion core.
//
// Every method is safe on a nil *Metrics so components can be constructed
// without instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "pulsekit"

// Bus message outcomes.
const (
	BusDelivered = "delivered"
	BusEcho      = "echo"
	BusStale     = "stale"
	BusMalformed = "malformed"
)

// Metrics groups the counters. Create with New.
type Metrics struct {
	samplesIngested prometheus.Counter
	samplesRejected prometheus.Counter
	busPublished    prometheus.Counter
	busReceived     *prometheus.CounterVec
	deliveries      prometheus.Counter
	deliveryDropped prometheus.Counter
	handlerErrors   *prometheus.CounterVec
	graphLoads      *prometheus.CounterVec
	notifications   *prometheus.CounterVec
	consumersGauge  prometheus.Gauge
}

// New creates the counters and registers them with reg. A nil reg skips
// registration, which keeps tests free of global state.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		samplesIngested: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "samples_ingested_total",
			Help: "Locally originated samples accepted into the pipeline.",
		}),
		samplesRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "samples_rejected_total",
			Help: "Samples rejected at ingest for invalid input.",
		}),
		busPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "bus_published_total",
			Help: "Samples published to the shared channel.",
		}),
		busReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "bus_received_total",
			Help: "Bus messages received, by outcome.",
		}, []string{"outcome"}),
		deliveries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "consumer_deliveries_total",
			Help: "Updates pushed to stream consumers.",
		}),
		deliveryDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "consumer_deliveries_dropped_total",
			Help: "Updates dropped because a consumer was full or failed.",
		}),
		handlerErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "handler_errors_total",
			Help: "Pipeline handler failures, by handler.",
		}, []string{"handler"}),
		graphLoads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "graph_loads_total",
			Help: "Subscriber graph cache lookups, by result.",
		}, []string{"result"}),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "notifications_submitted_total",
			Help: "Notification requests submitted, by kind.",
		}, []string{"kind"}),
		consumersGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "stream_consumers",
			Help: "Live stream consumers in this process.",
		}),
	}

	if reg != nil {
		reg.MustRegister(
			m.samplesIngested, m.samplesRejected, m.busPublished, m.busReceived,
			m.deliveries, m.deliveryDropped, m.handlerErrors, m.graphLoads,
			m.notifications, m.consumersGauge,
		)
	}
	return m
}

// SampleIngested counts an accepted sample.
func (m *Metrics) SampleIngested() {
	if m != nil {
		m.samplesIngested.Inc()
	}
}

// SampleRejected counts a rejected sample.
func (m *Metrics) SampleRejected() {
	if m != nil {
		m.samplesRejected.Inc()
	}
}

// BusPublished counts a publish.
func (m *Metrics) BusPublished() {
	if m != nil {
		m.busPublished.Inc()
	}
}

// BusReceived counts a received message with its outcome.
func (m *Metrics) BusReceived(outcome string) {
	if m != nil {
		m.busReceived.WithLabelValues(outcome).Inc()
	}
}

// Delivered counts a successful push to a consumer.
func (m *Metrics) Delivered() {
	if m != nil {
		m.deliveries.Inc()
	}
}

// DeliveryDropped counts a failed push.
func (m *Metrics) DeliveryDropped() {
	if m != nil {
		m.deliveryDropped.Inc()
	}
}

// HandlerError counts a handler failure.
func (m *Metrics) HandlerError(handler string) {
	if m != nil {
		m.handlerErrors.WithLabelValues(handler).Inc()
	}
}

// GraphLoad counts a cache lookup ("hit", "miss", "error", "backoff").
func (m *Metrics) GraphLoad(result string) {
	if m != nil {
		m.graphLoads.WithLabelValues(result).Inc()
	}
}

// NotificationSubmitted counts a submitted request.
func (m *Metrics) NotificationSubmitted(kind string) {
	if m != nil {
		m.notifications.WithLabelValues(kind).Inc()
	}
}

// ConsumerAdded increments the live consumer gauge.
func (m *Metrics) ConsumerAdded() {
	if m != nil {
		m.consumersGauge.Inc()
	}
}

// ConsumerRemoved decrements the live consumer gauge.
func (m *Metrics) ConsumerRemoved() {
	if m != nil {
		m.consumersGauge.Dec()
	}
}
