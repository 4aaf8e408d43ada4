// Package metrics defines the Prometheus collectors shared across
// DialogPipe modules and the handler serving them on /metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// RequestCount counts HTTP requests by endpoint, method and status.
	RequestCount = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dialogpipe_requests_total",
		Help: "Total number of HTTP requests processed",
	}, []string{"endpoint", "method", "status"})

	// RequestLatency observes HTTP request latency per endpoint.
	RequestLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name: "dialogpipe_request_latency_seconds",
		Help: "Latency of HTTP request processing in seconds",
	}, []string{"endpoint"})

	// ExternalAPIErrors counts failed intent API trigger calls.
	ExternalAPIErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "dialogpipe_external_api_errors_total",
		Help: "Total external API call failures",
	})

	// MessagesProcessed counts dialogue turns per channel.
	MessagesProcessed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dialogpipe_messages_processed_total",
		Help: "Total messages routed through the dialogue manager",
	}, []string{"channel"})
)

func init() {
	prometheus.MustRegister(RequestCount, RequestLatency, ExternalAPIErrors, MessagesProcessed)
}

// Handler returns the HTTP handler serving the metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
