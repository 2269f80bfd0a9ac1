package controller

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Metrics counts dispatched requests. Each instance owns its registry so
// several controllers can live in one process (tests).
type Metrics struct {
	Registry *prometheus.Registry
	requests *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

func NewMetrics() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "smarter_broker_requests_total",
			Help: "Broker requests by kind, verb and outcome.",
		}, []string{"kind", "verb", "outcome"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "smarter_broker_request_duration_seconds",
			Help:    "Broker request latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"kind", "verb"}),
	}
	m.Registry.MustRegister(
		m.requests,
		m.duration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) observe(kind, verb, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	if kind == "" {
		kind = "unknown"
	}
	m.requests.WithLabelValues(kind, verb, outcome).Inc()
	m.duration.WithLabelValues(kind, verb).Observe(elapsed.Seconds())
}
