// Package metrics provides Prometheus metrics for the proxy.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Default histogram buckets for relay latency.
var defaultBuckets = []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60}

// Tunnel byte direction labels.
const (
	DirectionUpstream   = "client_to_upstream"
	DirectionDownstream = "upstream_to_client"
)

// Tunnel outcome labels.
const (
	TunnelEstablished = "established"
	TunnelDialFailed  = "dial_failed"
	TunnelHijackFail  = "hijack_failed"
)

// Metrics holds all Prometheus metric collectors for the proxy.
type Metrics struct {
	Registry *prometheus.Registry

	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RequestsInFlight prometheus.Gauge

	UpstreamDuration  *prometheus.HistogramVec
	UpstreamResponses *prometheus.CounterVec
	UpstreamErrors    *prometheus.CounterVec
	RelayAborts       prometheus.Counter

	TunnelsActive prometheus.Gauge
	TunnelsTotal  *prometheus.CounterVec
	TunnelBytes   *prometheus.CounterVec

	ConnectionsOpen prometheus.Gauge
}

// New creates a Metrics instance with a custom registry and all collectors registered.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		Registry: reg,

		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cfaccess_proxy_http_requests_total",
			Help: "Total inbound HTTP requests.",
		}, []string{"method", "status_code", "mode"}),

		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "cfaccess_proxy_http_request_duration_seconds",
			Help:    "Inbound HTTP request latency in seconds, including body streaming.",
			Buckets: defaultBuckets,
		}, []string{"method", "status_code", "mode"}),

		RequestsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "cfaccess_proxy_http_requests_in_flight",
			Help: "Number of HTTP requests currently being processed.",
		}),

		UpstreamDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "cfaccess_proxy_upstream_request_duration_seconds",
			Help:    "Time until upstream response headers arrive, in seconds.",
			Buckets: defaultBuckets,
		}, []string{"method"}),

		UpstreamResponses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cfaccess_proxy_upstream_responses_total",
			Help: "Total upstream responses by method and status code.",
		}, []string{"method", "status_code"}),

		UpstreamErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cfaccess_proxy_upstream_errors_total",
			Help: "Upstream failures that produced a 502, by kind.",
		}, []string{"kind"}),

		RelayAborts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cfaccess_proxy_relay_aborts_total",
			Help: "Responses aborted after headers were sent because the upstream body failed.",
		}),

		TunnelsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "cfaccess_proxy_tunnels_active",
			Help: "Number of CONNECT tunnels currently open.",
		}),

		TunnelsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cfaccess_proxy_tunnels_total",
			Help: "CONNECT attempts by outcome.",
		}, []string{"result"}),

		TunnelBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cfaccess_proxy_tunnel_bytes_total",
			Help: "Bytes spliced through CONNECT tunnels by direction.",
		}, []string{"direction"}),

		ConnectionsOpen: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "cfaccess_proxy_connections_open",
			Help: "Client connections currently held by the proxy listener.",
		}),
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.RequestsInFlight,
		m.UpstreamDuration,
		m.UpstreamResponses,
		m.UpstreamErrors,
		m.RelayAborts,
		m.TunnelsActive,
		m.TunnelsTotal,
		m.TunnelBytes,
		m.ConnectionsOpen,
	)

	return m
}

// knownMethods lists the allowed HTTP method label values (bounded cardinality).
var knownMethods = map[string]bool{
	"GET": true, "POST": true, "PUT": true, "DELETE": true,
	"PATCH": true, "HEAD": true, "OPTIONS": true, "CONNECT": true,
}

// NormalizeMethod returns a bounded HTTP method label for Prometheus metrics.
// Non-standard methods are mapped to "other" to prevent cardinality explosion.
func NormalizeMethod(method string) string {
	if knownMethods[method] {
		return method
	}
	return "other"
}
