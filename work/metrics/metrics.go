package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ActiveUpstreamRequests tracks the number of upstream requests currently
// holding a concurrency permit. This gauge never exceeds the configured
// maximum concurrent request limit.
var ActiveUpstreamRequests = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "stream_proxy_active_upstream_requests",
	Help: "Number of in-flight upstream requests",
})

// QueuedRequests tracks callers waiting for a concurrency permit.
var QueuedRequests = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "stream_proxy_queued_requests",
	Help: "Number of requests queued for a concurrency permit",
})

// BytesRelayed counts bytes copied from upstream responses to clients,
// labelled by media class (media, manifest, caption, static).
var BytesRelayed = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "stream_proxy_bytes_relayed_total",
	Help: "Total bytes relayed to clients",
}, []string{"class"})

// ProxyErrors counts failed proxied requests by error kind
// (configuration, upstream_status, network, timeout).
// Cancellations are deliberately not counted here.
var ProxyErrors = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "stream_proxy_errors_total",
	Help: "Number of failed proxied requests by kind",
}, []string{"kind"})

// SessionsSuperseded counts stream sessions cancelled because a newer
// request for the same entity arrived.
var SessionsSuperseded = promauto.NewCounter(prometheus.CounterOpts{
	Name: "stream_proxy_sessions_superseded_total",
	Help: "Number of stream sessions cancelled by a newer request for the same entity",
})

// ActiveSessions tracks currently registered stream sessions.
var ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "stream_proxy_active_sessions",
	Help: "Number of registered stream sessions",
})

// RewriteWarnings counts manifest lines that could not be rewritten and
// were passed through unchanged.
var RewriteWarnings = promauto.NewCounter(prometheus.CounterOpts{
	Name: "stream_proxy_manifest_rewrite_warnings_total",
	Help: "Number of manifest lines passed through due to rewrite failures",
})
