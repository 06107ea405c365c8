package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricsExportCountersAndHistograms(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.IncEvent("purchase.created")
	m.IncEvent("purchase.created")
	m.IncEvent("")
	m.ObserveSweep(150*time.Millisecond, 2, 3, 1, 0)
	m.ObserveRequest("POST", "/purchases/", 201, 20*time.Millisecond)

	mfs, err := reg.Gather()
	require.NoError(t, err)

	assert.Equal(t, 2.0, counterValue(t, mfs, "fulfillment_lifecycle_events_total", "type", "purchase.created"))
	assert.Equal(t, 1.0, counterValue(t, mfs, "fulfillment_lifecycle_events_total", "type", "unknown"))
	assert.Equal(t, 2.0, counterValue(t, mfs, "fulfillment_sweep_purchases_total", "outcome", "settled"))
	assert.Equal(t, 3.0, counterValue(t, mfs, "fulfillment_sweep_purchases_total", "outcome", "expired"))
	assert.Equal(t, 1.0, counterValue(t, mfs, "fulfillment_sweep_purchases_total", "outcome", "resumed"))

	sweep := family(t, mfs, "fulfillment_sweep_duration_seconds")
	require.Len(t, sweep.GetMetric(), 1)
	assert.Equal(t, uint64(1), sweep.GetMetric()[0].GetHistogram().GetSampleCount())

	req := family(t, mfs, "fulfillment_http_request_duration_seconds")
	require.Len(t, req.GetMetric(), 1)
	assert.True(t, hasLabel(req.GetMetric()[0].GetLabel(), "status", "201"))
	assert.True(t, hasLabel(req.GetMetric()[0].GetLabel(), "route", "/purchases/"))
}

func TestNilMetricsAreNoOps(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.IncEvent("purchase.failed")
		m.ObserveSweep(time.Second, 1, 1, 1, 1)
		m.ObserveRequest("GET", "/healthz", 200, time.Millisecond)
	})

	unregistered := New(nil)
	assert.NotPanics(t, func() {
		unregistered.IncEvent("purchase.failed")
		unregistered.ObserveSweep(time.Second, 1, 1, 1, 1)
	})
}

func family(t *testing.T, mfs []*dto.MetricFamily, name string) *dto.MetricFamily {
	t.Helper()
	for _, mf := range mfs {
		if mf.GetName() == name {
			return mf
		}
	}
	t.Fatalf("metric %q not found", name)
	return nil
}

func counterValue(t *testing.T, mfs []*dto.MetricFamily, name, label, value string) float64 {
	t.Helper()
	for _, metric := range family(t, mfs, name).GetMetric() {
		if hasLabel(metric.GetLabel(), label, value) {
			return metric.GetCounter().GetValue()
		}
	}
	t.Fatalf("metric %q missing label %s=%s", name, label, value)
	return 0
}

func hasLabel(labels []*dto.LabelPair, name, value string) bool {
	for _, l := range labels {
		if l.GetName() == name && l.GetValue() == value {
			return true
		}
	}
	return false
}
