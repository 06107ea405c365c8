package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the service collectors. A nil *Metrics, or one built without a
// registerer, records nothing.
type Metrics struct {
	events        *prometheus.CounterVec
	sweepDuration prometheus.Histogram
	sweepResults  *prometheus.CounterVec
	requests      *prometheus.HistogramVec
}

// New registers the collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		return &Metrics{}
	}
	events := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fulfillment_lifecycle_events_total",
		Help: "Lifecycle events raised, by event type.",
	}, []string{"type"})
	sweepDuration := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "fulfillment_sweep_duration_seconds",
		Help:    "Duration of expiry and recovery sweeps in seconds.",
		Buckets: prometheus.DefBuckets,
	})
	sweepResults := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fulfillment_sweep_purchases_total",
		Help: "Purchases handled by the sweeper, by outcome.",
	}, []string{"outcome"})
	requests := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "fulfillment_http_request_duration_seconds",
		Help:    "HTTP request latency by method, route pattern and status.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "route", "status"})
	reg.MustRegister(events, sweepDuration, sweepResults, requests)
	return &Metrics{
		events:        events,
		sweepDuration: sweepDuration,
		sweepResults:  sweepResults,
		requests:      requests,
	}
}

func (m *Metrics) IncEvent(eventType string) {
	if m == nil || m.events == nil {
		return
	}
	m.events.WithLabelValues(normalizeLabel(eventType)).Inc()
}

// ObserveSweep records one sweep cycle.
func (m *Metrics) ObserveSweep(d time.Duration, settled, expired, resumed, failed int) {
	if m == nil || m.sweepDuration == nil {
		return
	}
	m.sweepDuration.Observe(d.Seconds())
	m.sweepResults.WithLabelValues("settled").Add(float64(settled))
	m.sweepResults.WithLabelValues("expired").Add(float64(expired))
	m.sweepResults.WithLabelValues("resumed").Add(float64(resumed))
	m.sweepResults.WithLabelValues("failed").Add(float64(failed))
}

// ObserveRequest labels by route pattern, never by raw path, to keep the
// label set bounded.
func (m *Metrics) ObserveRequest(method, route string, status int, d time.Duration) {
	if m == nil || m.requests == nil {
		return
	}
	m.requests.WithLabelValues(method, normalizeLabel(route), strconv.Itoa(status)).Observe(d.Seconds())
}

func normalizeLabel(v string) string {
	if v == "" {
		return "unknown"
	}
	return v
}
