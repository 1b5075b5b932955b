// Package metrics provides Prometheus metrics for the proxy.
package metrics

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Default histogram buckets for request and origin latency.
var defaultBuckets = []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10}

// sizeBuckets span 256 B to 16 MiB.
var sizeBuckets = prometheus.ExponentialBuckets(256, 4, 9)

// Metrics holds all Prometheus metric collectors for the proxy.
type Metrics struct {
	Registry *prometheus.Registry

	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RequestsInFlight prometheus.Gauge
	ResponseSize     *prometheus.HistogramVec

	UpstreamDuration  *prometheus.HistogramVec
	UpstreamResponses *prometheus.CounterVec
	UpstreamInFlight  prometheus.Gauge
	RedirectsFollowed prometheus.Counter

	RejectionsTotal       *prometheus.CounterVec
	ContentLengthExceeded prometheus.Counter
	ResponsesTruncated    prometheus.Counter
	BytesServed           prometheus.Counter
	ClientsServed         prometheus.Counter
}

// New creates a Metrics instance with a custom registry and all collectors registered.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		Registry: reg,

		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "camo_proxy_http_requests_total",
			Help: "Total inbound HTTP requests.",
		}, []string{"method", "status_code", "path_prefix"}),

		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "camo_proxy_http_request_duration_seconds",
			Help:    "Inbound HTTP request latency in seconds, up to the first response byte.",
			Buckets: defaultBuckets,
		}, []string{"method", "status_code", "path_prefix"}),

		RequestsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "camo_proxy_http_requests_in_flight",
			Help: "Number of HTTP requests currently being processed.",
		}),

		ResponseSize: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "camo_proxy_http_response_size_bytes",
			Help:    "Bytes written per completed inbound response.",
			Buckets: sizeBuckets,
		}, []string{"path_prefix"}),

		UpstreamDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "camo_proxy_upstream_request_duration_seconds",
			Help:    "Origin response header latency in seconds.",
			Buckets: defaultBuckets,
		}, []string{"method"}),

		UpstreamResponses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "camo_proxy_upstream_responses_total",
			Help: "Total origin responses by method and status code.",
		}, []string{"method", "status_code"}),

		UpstreamInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "camo_proxy_upstream_in_flight",
			Help: "Origin fetches currently holding an outbound slot.",
		}),

		RedirectsFollowed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "camo_proxy_redirects_followed_total",
			Help: "Origin redirects followed after re-authorization.",
		}),

		RejectionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "camo_proxy_rejections_total",
			Help: "Requests rejected, by reason.",
		}, []string{"reason"}),

		ContentLengthExceeded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "camo_proxy_content_length_exceeded_total",
			Help: "Origin responses refused because the declared Content-Length exceeded the limit.",
		}),

		ResponsesTruncated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "camo_proxy_responses_truncated_total",
			Help: "Streams aborted mid-body because the size limit was crossed.",
		}),

		BytesServed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "camo_proxy_bytes_served_total",
			Help: "Body bytes relayed to clients.",
		}),

		ClientsServed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "camo_proxy_clients_served_total",
			Help: "Proxy requests answered with an origin body.",
		}),
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.RequestsInFlight,
		m.ResponseSize,
		m.UpstreamDuration,
		m.UpstreamResponses,
		m.UpstreamInFlight,
		m.RedirectsFollowed,
		m.RejectionsTotal,
		m.ContentLengthExceeded,
		m.ResponsesTruncated,
		m.BytesServed,
		m.ClientsServed,
	)

	return m
}

// knownMethods lists the allowed HTTP method label values (bounded cardinality).
var knownMethods = map[string]bool{
	"GET": true, "POST": true, "PUT": true, "DELETE": true,
	"PATCH": true, "HEAD": true, "OPTIONS": true,
}

// NormalizeMethod returns a bounded HTTP method label for Prometheus metrics.
// Non-standard methods are mapped to "other" to prevent cardinality explosion.
func NormalizeMethod(method string) string {
	if knownMethods[method] {
		return method
	}
	return "other"
}

// knownPrefixes lists the allowed path label values (bounded cardinality).
var knownPrefixes = []string{"/healthz", "/proxy/status", "/metrics"}

// NormalizePath returns a bounded path label for Prometheus metrics.
// Any other two-segment path is a signed proxy request and maps to "/proxy".
func NormalizePath(path string) string {
	if path == "/" {
		return "/"
	}
	for _, prefix := range knownPrefixes {
		if path == prefix || strings.HasPrefix(path, prefix+"/") || strings.HasPrefix(path, prefix+"?") {
			return prefix
		}
	}
	if trimmed := strings.Trim(path, "/"); trimmed != "" && strings.Count(trimmed, "/") == 1 {
		return "/proxy"
	}
	return "other"
}

// routeLabels maps registered route patterns to path labels.
var routeLabels = map[string]string{
	"/":             "/",
	"/healthz":      "/healthz",
	"/proxy/status": "/proxy/status",
	"/:digest/:url": "/proxy",
}

// NormalizeRoute returns the path label for a matched echo route pattern,
// falling back to NormalizePath on the raw path when the route is unknown.
func NormalizeRoute(route, path string) string {
	if label, ok := routeLabels[route]; ok {
		return label
	}
	return NormalizePath(path)
}
