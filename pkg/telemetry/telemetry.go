// Package telemetry exposes request metrics over prometheus. The server
// holds the Metrics handle as an optional capability; every method is
// nil-safe so an unconfigured deployment pays only a nil check.
package telemetry

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	registry *prometheus.Registry

	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	inflight        prometheus.Gauge
	authFailures    prometheus.Counter
	cleanups        prometheus.Counter
}

// New builds a Metrics handle with its own registry, including the
// standard go and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "frontdoor_requests_total",
			Help: "Finalized requests by method, path and HTTP status.",
		}, []string{"method", "path", "status"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "frontdoor_request_duration_seconds",
			Help:    "Admission-to-finalization latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "path"}),
		inflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "frontdoor_inflight_requests",
			Help: "Requests admitted but not yet finalized.",
		}),
		authFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "frontdoor_auth_failures_total",
			Help: "Authorization leg failures.",
		}),
		cleanups: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "frontdoor_cleanups_total",
			Help: "Requests torn down by the transport cleanup path.",
		}),
	}
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.requestsTotal, m.requestDuration, m.inflight, m.authFailures, m.cleanups,
	)
	return m
}

// Handler serves the registry for the ops endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RequestAdmitted marks a request entering the pipeline.
func (m *Metrics) RequestAdmitted() {
	if m == nil {
		return
	}
	m.inflight.Inc()
}

// RequestFinalized records the outcome of a finalized request.
func (m *Metrics) RequestFinalized(method, path string, httpStatus int, d time.Duration) {
	if m == nil {
		return
	}
	m.inflight.Dec()
	m.requestsTotal.WithLabelValues(method, path, strconv.Itoa(httpStatus)).Inc()
	m.requestDuration.WithLabelValues(method, path).Observe(d.Seconds())
}

// AuthFailure counts a failed authorization leg.
func (m *Metrics) AuthFailure() {
	if m == nil {
		return
	}
	m.authFailures.Inc()
}

// CleanupWon counts a request torn down by the cleanup path. The
// in-flight gauge is decremented here because finalization will not run
// for this request.
func (m *Metrics) CleanupWon() {
	if m == nil {
		return
	}
	m.inflight.Dec()
	m.cleanups.Inc()
}
