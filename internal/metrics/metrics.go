// Package metrics exposes the agent's Prometheus collectors. The registry is
// served on the health listener so in-enclave diagnostics and scrapers share
// one localhost port. Helpers are nil-safe: until InitPrometheus runs they
// are no-ops, so the protocol layer can record unconditionally.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusMetrics wraps prometheus collectors for the agent.
type PrometheusMetrics struct {
	registry *prometheus.Registry

	framesSent     *prometheus.CounterVec
	framesReceived *prometheus.CounterVec

	requestLatency *prometheus.HistogramVec
	inFlight       prometheus.Gauge

	gatewayRequests *prometheus.CounterVec

	vsockConnected prometheus.Gauge
	childExits     *prometheus.CounterVec
}

// Default histogram buckets for request latency (in milliseconds)
var defaultBuckets = []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000, 60000}

var promMetrics *PrometheusMetrics

// InitPrometheus initializes the Prometheus metrics subsystem.
func InitPrometheus(namespace string) {
	registry := prometheus.NewRegistry()
	registry.MustRegister(prometheus.NewGoCollector())
	registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	pm := &PrometheusMetrics{
		registry: registry,

		framesSent: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "frames_sent_total",
				Help:      "Frames written to the parent connection",
			},
			[]string{"type"},
		),

		framesReceived: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "frames_received_total",
				Help:      "Frames read from the parent connection",
			},
			[]string{"type"},
		),

		requestLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "request_duration_ms",
				Help:      "Round-trip latency of correlated requests in milliseconds",
				Buckets:   defaultBuckets,
			},
			[]string{"type"},
		),

		inFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "requests_in_flight",
				Help:      "Requests currently waiting on a parent response",
			},
		),

		gatewayRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "gateway_requests_total",
				Help:      "Requests handled by the local gateways",
			},
			[]string{"gateway", "outcome"},
		),

		vsockConnected: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "vsock_connected",
				Help:      "1 while the parent vsock link is up",
			},
		),

		childExits: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "child_exits_total",
				Help:      "User process exits observed by the supervisor",
			},
			[]string{"status"},
		),
	}

	registry.MustRegister(
		pm.framesSent,
		pm.framesReceived,
		pm.requestLatency,
		pm.inFlight,
		pm.gatewayRequests,
		pm.vsockConnected,
		pm.childExits,
	)

	promMetrics = pm
}

// RecordFrameSent counts one outbound frame by message type.
func RecordFrameSent(msgType string) {
	if promMetrics == nil {
		return
	}
	promMetrics.framesSent.WithLabelValues(msgType).Inc()
}

// RecordFrameReceived counts one inbound frame by message type.
func RecordFrameReceived(msgType string) {
	if promMetrics == nil {
		return
	}
	promMetrics.framesReceived.WithLabelValues(msgType).Inc()
}

// RecordRequestLatency records a correlated request's round trip in ms.
func RecordRequestLatency(msgType string, durationMs float64) {
	if promMetrics == nil {
		return
	}
	promMetrics.requestLatency.WithLabelValues(msgType).Observe(durationMs)
}

// IncInFlight increments the in-flight request gauge.
func IncInFlight() {
	if promMetrics == nil {
		return
	}
	promMetrics.inFlight.Inc()
}

// DecInFlight decrements the in-flight request gauge.
func DecInFlight() {
	if promMetrics == nil {
		return
	}
	promMetrics.inFlight.Dec()
}

// RecordGatewayRequest counts one gateway request by outcome
// ("ok", "timeout", "error", or "denied" when the KMS parent returns an
// error).
func RecordGatewayRequest(gateway, outcome string) {
	if promMetrics == nil {
		return
	}
	promMetrics.gatewayRequests.WithLabelValues(gateway, outcome).Inc()
}

// SetVsockConnected mirrors the connection-alive flag into the gauge.
func SetVsockConnected(up bool) {
	if promMetrics == nil {
		return
	}
	if up {
		promMetrics.vsockConnected.Set(1)
	} else {
		promMetrics.vsockConnected.Set(0)
	}
}

// RecordChildExit counts a user process exit ("completed" or "crashed").
func RecordChildExit(status string) {
	if promMetrics == nil {
		return
	}
	promMetrics.childExits.WithLabelValues(status).Inc()
}

// PrometheusHandler returns an HTTP handler for metrics scraping.
func PrometheusHandler() http.Handler {
	if promMetrics == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte("prometheus metrics not initialized"))
		})
	}
	return promhttp.HandlerFor(promMetrics.registry, promhttp.HandlerOpts{})
}
