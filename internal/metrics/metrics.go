// Package metrics provides Prometheus metrics for the kvass broker.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "kvass"

// Pairing outcomes
const (
	PairingAccepted = "accepted"
	PairingNotFound = "not_found"
	PairingAborted  = "aborted"
)

// Registration outcomes
const (
	RegistrationAccepted = "accepted"
	RegistrationReplaced = "replaced"
	RegistrationRejected = "rejected"
)

// Handshake error kinds
const (
	HandshakeErrorProtocol  = "protocol"
	HandshakeErrorTransport = "transport"
	HandshakeErrorTimeout   = "timeout"
)

// Metrics contains all Prometheus metrics for the broker.
type Metrics struct {
	registry prometheus.Gatherer

	ConnectionsAccepted prometheus.Counter
	SessionsRegistered  prometheus.Gauge
	Registrations       *prometheus.CounterVec
	Pairings            *prometheus.CounterVec
	HandshakeErrors     *prometheus.CounterVec
	HandshakeLatency    prometheus.Histogram

	SplicesActive  prometheus.Gauge
	SpliceBytes    *prometheus.CounterVec
	SpliceDuration prometheus.Histogram
	SpliceErrors   prometheus.Counter

	HTTPRequests *prometheus.CounterVec
}

// New creates a Metrics instance backed by its own registry
func New() *Metrics {
	return NewWithRegistry(prometheus.NewRegistry())
}

// NewWithRegistry creates a Metrics instance registered with reg
func NewWithRegistry(reg *prometheus.Registry) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		ConnectionsAccepted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_accepted_total",
			Help:      "Total raw connections accepted by the broker",
		}),
		SessionsRegistered: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_registered",
			Help:      "Number of Main endpoints currently waiting for a pairing",
		}),
		Registrations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "registrations_total",
			Help:      "Main registrations by outcome",
		}, []string{"result"}),
		Pairings: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pairings_total",
			Help:      "Sub pairing requests by outcome",
		}, []string{"result"}),
		HandshakeErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handshake_errors_total",
			Help:      "Failed handshakes by kind",
		}, []string{"kind"}),
		HandshakeLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "handshake_duration_seconds",
			Help:      "Time to read and decode a handshake header",
			Buckets:   []float64{.001, .005, .01, .05, .1, .5, 1, 5},
		}),

		SplicesActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "splices_active",
			Help:      "Number of data connections currently spliced to a Main",
		}),
		SpliceBytes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "splice_bytes_total",
			Help:      "Bytes relayed through splices by direction",
		}, []string{"direction"}),
		SpliceDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "splice_duration_seconds",
			Help:      "Lifetime of finished splices",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 10),
		}),
		SpliceErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "splice_errors_total",
			Help:      "Splices that ended with a transport error",
		}),

		HTTPRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "admin_http_requests_total",
			Help:      "Admin HTTP requests by path and status code",
		}, []string{"path", "code"}),
	}
}

// Handler returns an HTTP handler exposing the metrics
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// SetSessions records the number of registered sessions
func (m *Metrics) SetSessions(n int) {
	if m == nil {
		return
	}
	m.SessionsRegistered.Set(float64(n))
}

// RecordAccept records an accepted raw connection
func (m *Metrics) RecordAccept() {
	if m == nil {
		return
	}
	m.ConnectionsAccepted.Inc()
}

// RecordHandshake records a decoded handshake
func (m *Metrics) RecordHandshake(d time.Duration) {
	if m == nil {
		return
	}
	m.HandshakeLatency.Observe(d.Seconds())
}

// RecordHandshakeError records a failed handshake
func (m *Metrics) RecordHandshakeError(kind string) {
	if m == nil {
		return
	}
	m.HandshakeErrors.WithLabelValues(kind).Inc()
}

// RecordRegistration records a Main registration outcome
func (m *Metrics) RecordRegistration(result string) {
	if m == nil {
		return
	}
	m.Registrations.WithLabelValues(result).Inc()
}

// RecordPairing records a Sub pairing outcome
func (m *Metrics) RecordPairing(result string) {
	if m == nil {
		return
	}
	m.Pairings.WithLabelValues(result).Inc()
}

// SpliceStarted marks a splice as active
func (m *Metrics) SpliceStarted() {
	if m == nil {
		return
	}
	m.SplicesActive.Inc()
}

// SpliceFinished records the outcome of a splice
func (m *Metrics) SpliceFinished(toMain, fromMain int64, d time.Duration, err error) {
	if m == nil {
		return
	}
	m.SpliceBytes.WithLabelValues("to_main").Add(float64(toMain))
	m.SpliceBytes.WithLabelValues("from_main").Add(float64(fromMain))
	m.SpliceDuration.Observe(d.Seconds())
	if err != nil {
		m.SpliceErrors.Inc()
	}
	m.SplicesActive.Dec()
}

// RecordHTTPRequest records an admin HTTP request
func (m *Metrics) RecordHTTPRequest(path string, code int) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(path, strconv.Itoa(code)).Inc()
}
