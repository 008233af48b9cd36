// Package metrics implements the metrics sink the core consumes:
// counters, a histogram, and gauges exposed for Prometheus scraping.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus instruments the proxy engines, router,
// and checker update as they run. One instance is shared process-wide.
type Metrics struct {
	requestsTotal      *prometheus.CounterVec
	requestDuration    *prometheus.HistogramVec
	bytesSent          *prometheus.CounterVec
	bytesReceived      *prometheus.CounterVec
	backendHealth      *prometheus.GaugeVec
	backendActiveConns *prometheus.GaugeVec
	activeConnections  *prometheus.GaugeVec
}

// New creates and registers every instrument with the default registry.
func New() *Metrics {
	m := &Metrics{
		requestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "requests_total",
				Help: "Total number of L7 requests processed, by frontend, backend, method, and status.",
			},
			[]string{"frontend", "backend", "method", "status"},
		),
		requestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "request_duration_seconds",
				Help:    "L7 request duration from parse-complete to response byte-last.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"frontend", "backend"},
		),
		bytesSent: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bytes_sent_total",
				Help: "Bytes forwarded to a backend, by frontend and backend.",
			},
			[]string{"frontend", "backend"},
		),
		bytesReceived: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bytes_received_total",
				Help: "Bytes forwarded from a backend to the client, by frontend and backend.",
			},
			[]string{"frontend", "backend"},
		),
		backendHealth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "backend_health",
				Help: "Backend server health (1=healthy, 0=unhealthy).",
			},
			[]string{"backend", "addr"},
		),
		backendActiveConns: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "backend_active_connections",
				Help: "Active leases held against a backend server.",
			},
			[]string{"backend", "addr"},
		),
		activeConnections: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "active_connections",
				Help: "Open client connections, by frontend.",
			},
			[]string{"frontend"},
		),
	}

	prometheus.MustRegister(
		m.requestsTotal,
		m.requestDuration,
		m.bytesSent,
		m.bytesReceived,
		m.backendHealth,
		m.backendActiveConns,
		m.activeConnections,
	)
	return m
}

// RecordRequest records one L7 request's outcome.
func (m *Metrics) RecordRequest(frontend, backend, method, status string, duration time.Duration) {
	m.requestsTotal.WithLabelValues(frontend, backend, method, status).Inc()
	m.requestDuration.WithLabelValues(frontend, backend).Observe(duration.Seconds())
}

// AddBytesSent adds to the client->backend byte counter.
func (m *Metrics) AddBytesSent(frontend, backend string, n int64) {
	if n > 0 {
		m.bytesSent.WithLabelValues(frontend, backend).Add(float64(n))
	}
}

// AddBytesReceived adds to the backend->client byte counter.
func (m *Metrics) AddBytesReceived(frontend, backend string, n int64) {
	if n > 0 {
		m.bytesReceived.WithLabelValues(frontend, backend).Add(float64(n))
	}
}

// SetBackendHealth reflects a health transition into the
// gauge so dashboards and alerts see it immediately.
func (m *Metrics) SetBackendHealth(backend, addr string, healthy bool) {
	v := 0.0
	if healthy {
		v = 1.0
	}
	m.backendHealth.WithLabelValues(backend, addr).Set(v)
}

// SetBackendActiveConnections reflects the health map's active_connections
// counter for one server.
func (m *Metrics) SetBackendActiveConnections(backend, addr string, n int64) {
	m.backendActiveConns.WithLabelValues(backend, addr).Set(float64(n))
}

// IncActiveConnections increments the open-connection gauge for a
// frontend on accept.
func (m *Metrics) IncActiveConnections(frontend string) {
	m.activeConnections.WithLabelValues(frontend).Inc()
}

// DecActiveConnections decrements the open-connection gauge for a
// frontend on close.
func (m *Metrics) DecActiveConnections(frontend string) {
	m.activeConnections.WithLabelValues(frontend).Dec()
}

// Handler returns the HTTP handler external collaborators mount on the
// metrics endpoint address.
func (m *Metrics) Handler() http.Handler {
	return promhttp.Handler()
}
