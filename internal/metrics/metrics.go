// Package metrics exposes Prometheus counters and gauges for the proxy.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every collector the proxy updates. All of them hang off a private registry so tests can create
// as many instances as they like without duplicate-registration panics.
type Metrics struct {
	registry *prometheus.Registry

	SessionsActive     prometheus.Gauge
	BrowsersConnected  prometheus.Gauge
	UpstreamsConnected prometheus.Gauge

	LinesTotal        prometheus.Counter
	CommandsTotal     prometheus.Counter
	TriggerFiresTotal prometheus.Counter
	ChatTotal         prometheus.Counter

	BytesUpTotal   prometheus.Counter
	BytesDownTotal prometheus.Counter

	RestoresTotal *prometheus.CounterVec
}

// New builds a Metrics with its own registry, including the standard Go runtime collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		SessionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "mudgate_sessions_active",
			Help: "Number of sessions currently registered.",
		}),
		BrowsersConnected: factory.NewGauge(prometheus.GaugeOpts{
			Name: "mudgate_browsers_connected",
			Help: "Number of sessions with an attached browser WebSocket.",
		}),
		UpstreamsConnected: factory.NewGauge(prometheus.GaugeOpts{
			Name: "mudgate_upstreams_connected",
			Help: "Number of live upstream game connections.",
		}),

		LinesTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "mudgate_lines_total",
			Help: "Lines framed from upstream output.",
		}),
		CommandsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "mudgate_commands_total",
			Help: "Commands accepted from browsers.",
		}),
		TriggerFiresTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "mudgate_trigger_fires_total",
			Help: "Trigger matches across all sessions.",
		}),
		ChatTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "mudgate_chat_messages_total",
			Help: "Sideband chat messages parsed.",
		}),

		BytesUpTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "mudgate_bytes_up_total",
			Help: "Bytes written to upstream game servers.",
		}),
		BytesDownTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "mudgate_bytes_down_total",
			Help: "Bytes received from upstream game servers.",
		}),

		RestoresTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "mudgate_restores_total",
			Help: "Session restore attempts by outcome.",
		}, []string{"outcome"}),
	}
}

// Handler returns the HTTP handler serving the /metrics scrape endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
