package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.SampleIngested()
	m.SampleRejected()
	m.BusPublished()
	m.BusReceived(BusStale)
	m.Delivered()
	m.DeliveryDropped()
	m.HandlerError("anomaly")
	m.GraphLoad("hit")
	m.NotificationSubmitted("match")
	m.ConsumerAdded()
	m.ConsumerRemoved()
}

func TestCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.SampleIngested()
	m.SampleIngested()
	m.BusReceived(BusEcho)
	m.HandlerError("match")
	m.ConsumerAdded()
	m.ConsumerAdded()
	m.ConsumerRemoved()

	if got := testutil.ToFloat64(m.samplesIngested); got != 2 {
		t.Errorf("samples_ingested_total = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.busReceived.WithLabelValues(BusEcho)); got != 1 {
		t.Errorf("bus_received_total{echo} = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.handlerErrors.WithLabelValues("match")); got != 1 {
		t.Errorf("handler_errors_total{match} = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.consumersGauge); got != 1 {
		t.Errorf("stream_consumers = %v, want 1", got)
	}
}

func TestNew_NilRegistererSkipsRegistration(t *testing.T) {
	// Two instances must not collide when nothing is registered.
	New(nil)
	New(nil)
}
