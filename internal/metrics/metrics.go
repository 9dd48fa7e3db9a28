// Package metrics holds the relay's Prometheus collectors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "relay"

// Metrics is the set of collectors shared by relay components.
type Metrics struct {
	Registry *prometheus.Registry

	ListenersActive   prometheus.Gauge
	EntriesRelayed    prometheus.Counter
	MalformedEvents   prometheus.Counter
	StreamReconnects  prometheus.Counter
	TokenRefreshes    prometheus.Counter
	SendFailures      prometheus.Counter
	SessionsTornDown  *prometheus.CounterVec
	WebhookEvents     *prometheus.CounterVec
	ConnectionsActive *prometheus.GaugeVec
}

// New registers all collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		Registry: reg,
		ListenersActive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "listeners_active",
			Help:      "Event stream listeners currently running.",
		}),
		EntriesRelayed: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "entries_relayed_total",
			Help:      "Normalized conversation entries published to clients.",
		}),
		MalformedEvents: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "malformed_events_total",
			Help:      "Upstream events that could not be normalized.",
		}),
		StreamReconnects: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_reconnects_total",
			Help:      "Event stream reconnection attempts.",
		}),
		TokenRefreshes: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "token_refreshes_total",
			Help:      "Access tokens re-acquired after a recoverable failure.",
		}),
		SendFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "send_failures_total",
			Help:      "Outbound messages that failed after recovery.",
		}),
		SessionsTornDown: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_torn_down_total",
			Help:      "Sessions removed, by reason.",
		}, []string{"reason"}),
		WebhookEvents: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhook_events_total",
			Help:      "Webhook events received, by policy action.",
		}, []string{"action"}),
		ConnectionsActive: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "ws_connections_active",
			Help:      "Open WebSocket connections, by namespace.",
		}, []string{"namespace"}),
	}
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{Registry: m.Registry})
}
